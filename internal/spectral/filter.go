package spectral

import (
	"fmt"
	"math"

	"specfit/internal/attenuation"
	"specfit/internal/model"
)

// Filter is a beam-hardening filter slab. Its response is Beer's-law
// transmission exp(-LAC(E)*thickness) for the selected candidate material.
type Filter struct {
	branches
	lac attenuation.Func
}

// NewFilter builds a filter with one thickness bound per candidate, or a
// single bound shared by all candidates.
func NewFilter(name string, lac attenuation.Func, candidates []model.Material, bounds []model.Bound) (*Filter, error) {
	if lac == nil {
		return nil, fmt.Errorf("%w: %s: attenuation function is required", ErrBadConfiguration, name)
	}
	b, err := newBranches(name, "thickness", candidates, bounds)
	if err != nil {
		return nil, err
	}
	return &Filter{branches: b, lac: lac}, nil
}

func (f *Filter) Evaluate(energies []float64) ([]float64, error) {
	mu, err := f.lac(f.Selected(), energies)
	if err != nil {
		return nil, err
	}
	th := f.active().Value()
	resp := make([]float64, len(mu))
	for i := range mu {
		resp[i] = math.Exp(-mu[i] * th)
	}
	return resp, nil
}

func (f *Filter) Params() map[string]float64 {
	return map[string]float64{f.active().Name(): f.active().Value()}
}

func (f *Filter) Clone() Component {
	return &Filter{branches: f.branches.clone(), lac: f.lac}
}

// Thickness returns the current thickness of the selected branch in mm.
func (f *Filter) Thickness() float64 {
	return f.active().Value()
}
