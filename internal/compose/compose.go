// Package compose folds spectral component responses into predicted
// signals. The combination rule is chosen by the caller: Transmission for
// pure attenuator stacks, DetectedSignal for a full source-to-detector chain
// projected through a forward matrix.
package compose

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/mat"

	"specfit/internal/spectral"
)

// ErrEmptyChain is returned when a chain is built without components.
var ErrEmptyChain = errors.New("compose: chain needs at least one component")

// Chain is an ordered sequence of components. It references the components'
// live parameter state; it does not own it.
type Chain struct {
	components []spectral.Component
}

func NewChain(components ...spectral.Component) (*Chain, error) {
	if len(components) == 0 {
		return nil, ErrEmptyChain
	}
	for i, c := range components {
		if c == nil {
			return nil, fmt.Errorf("compose: component %d is nil", i)
		}
	}
	return &Chain{components: append([]spectral.Component(nil), components...)}, nil
}

// Components returns the chain members in evaluation order.
func (c *Chain) Components() []spectral.Component {
	return c.components
}

// Transmission evaluates every component and multiplies the responses
// elementwise, the combination rule for a stack of attenuators.
func (c *Chain) Transmission(energies []float64) ([]float64, error) {
	out := make([]float64, len(energies))
	for i := range out {
		out[i] = 1
	}
	for _, comp := range c.components {
		resp, err := comp.Evaluate(energies)
		if err != nil {
			return nil, err
		}
		for i := range out {
			out[i] *= resp[i]
		}
	}
	return out, nil
}

// DetectedSignal folds the chain's energy response with a forward matrix:
// the product of all component responses is normalized to unit area by
// trapezoidal quadrature, then each forward-matrix row is integrated against
// it, one detected value per measurement. This mirrors a normalized system
// spectral response applied to per-measurement path attenuation.
func (c *Chain) DetectedSignal(forward *mat.Dense, energies []float64) ([]float64, error) {
	rows, cols := forward.Dims()
	if cols != len(energies) {
		return nil, fmt.Errorf("compose: forward matrix has %d energy columns, grid has %d", cols, len(energies))
	}
	spec, err := c.Transmission(energies)
	if err != nil {
		return nil, err
	}
	area := integrate.Trapezoidal(energies, spec)
	for i := range spec {
		spec[i] /= area
	}

	weighted := make([]float64, len(energies))
	out := make([]float64, rows)
	for r := 0; r < rows; r++ {
		row := forward.RawRowView(r)
		for i := range weighted {
			weighted[i] = row[i] * spec[i]
		}
		out[r] = integrate.Trapezoidal(energies, weighted)
	}
	return out, nil
}

// Clone deep-copies every component so the returned chain owns independent
// parameter state.
func (c *Chain) Clone() *Chain {
	cloned := make([]spectral.Component, len(c.components))
	for i, comp := range c.components {
		cloned[i] = comp.Clone()
	}
	return &Chain{components: cloned}
}
