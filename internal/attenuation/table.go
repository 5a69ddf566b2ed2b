// Package attenuation supplies linear attenuation coefficients as a pure
// function of material and X-ray energy. The estimation core consumes only
// the Func type; Table is a sampled-curve adapter for callers that load
// tabulated mass attenuation data.
package attenuation

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"specfit/internal/model"
)

var (
	// ErrUnknownMaterial is returned when a formula has no tabulated curve.
	ErrUnknownMaterial = errors.New("attenuation: unknown material")

	// ErrEnergyOutOfRange is returned when a requested energy falls outside
	// the table support. Out-of-support energies are rejected, never
	// extrapolated.
	ErrEnergyOutOfRange = errors.New("attenuation: energy outside table support")
)

// Func returns the linear attenuation coefficient in 1/mm for each energy
// in keV. Implementations must be pure: same inputs, same outputs.
type Func func(m model.Material, energies []float64) ([]float64, error)

type curve struct {
	energies []float64 // keV, ascending
	massAtt  []float64 // mass attenuation coefficient, cm^2/g
}

// Table holds sampled mass attenuation curves keyed by chemical formula and
// interpolates them in log-log space, the standard treatment for X-ray
// cross-section data.
type Table struct {
	curves map[string]curve
}

func NewTable() *Table {
	return &Table{curves: make(map[string]curve)}
}

// Add registers a sampled mass attenuation curve for a formula. Energies
// must be strictly ascending and positive, values must be positive.
func (t *Table) Add(formula string, energies, massAtt []float64) error {
	if formula == "" {
		return errors.New("attenuation: formula is required")
	}
	if len(energies) < 2 {
		return fmt.Errorf("attenuation: %s: need at least 2 samples, got %d", formula, len(energies))
	}
	if len(energies) != len(massAtt) {
		return fmt.Errorf("attenuation: %s: %d energies vs %d values", formula, len(energies), len(massAtt))
	}
	for i := range energies {
		if energies[i] <= 0 || massAtt[i] <= 0 {
			return fmt.Errorf("attenuation: %s: sample %d must be positive", formula, i)
		}
		if i > 0 && energies[i] <= energies[i-1] {
			return fmt.Errorf("attenuation: %s: energies must be strictly ascending at sample %d", formula, i)
		}
	}
	t.curves[formula] = curve{
		energies: append([]float64(nil), energies...),
		massAtt:  append([]float64(nil), massAtt...),
	}
	return nil
}

// Support returns the energy range covered for a formula.
func (t *Table) Support(formula string) (lo, hi float64, ok bool) {
	c, found := t.curves[formula]
	if !found {
		return 0, 0, false
	}
	return c.energies[0], c.energies[len(c.energies)-1], true
}

// LAC evaluates the linear attenuation coefficient in 1/mm for the material
// at every energy. The tabulated mass attenuation (cm^2/g) is scaled by the
// material density (g/cm^3) and converted from 1/cm to 1/mm.
func (t *Table) LAC(m model.Material, energies []float64) ([]float64, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	c, ok := t.curves[m.Formula]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMaterial, m.Formula)
	}
	out := make([]float64, len(energies))
	for i, e := range energies {
		if e < c.energies[0] || e > c.energies[len(c.energies)-1] {
			return nil, fmt.Errorf("%w: %g keV for %s (support [%g, %g])",
				ErrEnergyOutOfRange, e, m.Formula, c.energies[0], c.energies[len(c.energies)-1])
		}
		out[i] = c.interp(e) * m.Density / 10.0
	}
	return out, nil
}

// Func returns a Func closed over the table.
func (t *Table) Func() Func {
	return t.LAC
}

func (c curve) interp(e float64) float64 {
	idx := sort.SearchFloat64s(c.energies, e)
	if idx < len(c.energies) && c.energies[idx] == e {
		return c.massAtt[idx]
	}
	// e lies strictly between samples idx-1 and idx.
	e0, e1 := c.energies[idx-1], c.energies[idx]
	v0, v1 := c.massAtt[idx-1], c.massAtt[idx]
	f := (math.Log(e) - math.Log(e0)) / (math.Log(e1) - math.Log(e0))
	return math.Exp(math.Log(v0) + f*(math.Log(v1)-math.Log(v0)))
}
