package spectral

import (
	"fmt"
	"math"

	"specfit/internal/attenuation"
	"specfit/internal/model"
)

// Scintillator converts absorbed X-ray photons to light. Its response is the
// deposited energy E*(1-exp(-LAC(E)*thickness)) for the selected candidate.
type Scintillator struct {
	branches
	lac attenuation.Func
}

func NewScintillator(name string, lac attenuation.Func, candidates []model.Material, bounds []model.Bound) (*Scintillator, error) {
	if lac == nil {
		return nil, fmt.Errorf("%w: %s: attenuation function is required", ErrBadConfiguration, name)
	}
	b, err := newBranches(name, "thickness", candidates, bounds)
	if err != nil {
		return nil, err
	}
	return &Scintillator{branches: b, lac: lac}, nil
}

func (s *Scintillator) Evaluate(energies []float64) ([]float64, error) {
	mu, err := s.lac(s.Selected(), energies)
	if err != nil {
		return nil, err
	}
	th := s.active().Value()
	resp := make([]float64, len(mu))
	for i := range mu {
		resp[i] = energies[i] * (1 - math.Exp(-mu[i]*th))
	}
	return resp, nil
}

func (s *Scintillator) Params() map[string]float64 {
	return map[string]float64{s.active().Name(): s.active().Value()}
}

func (s *Scintillator) Clone() Component {
	return &Scintillator{branches: s.branches.clone(), lac: s.lac}
}

// Thickness returns the current thickness of the selected branch in mm.
func (s *Scintillator) Thickness() float64 {
	return s.active().Value()
}
