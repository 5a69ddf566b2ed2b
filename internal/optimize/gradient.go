package optimize

import "errors"

// Objective evaluates the scalar loss at an unconstrained state vector.
type Objective func(x []float64) (float64, error)

// Gradient is the injected differentiation capability: the estimator core
// never differentiates analytically itself, so any backend that can produce
// d(loss)/dx works.
type Gradient interface {
	Grad(dst, x []float64, f Objective) error
}

const defaultStep = 1e-4

// CentralDifference approximates the gradient numerically:
// dL/dx[i] ≈ (L(x[i]+h) - L(x[i]-h)) / (2h).
type CentralDifference struct {
	Step float64
}

func (c CentralDifference) Grad(dst, x []float64, f Objective) error {
	if len(dst) != len(x) {
		return errors.New("optimize: gradient destination length mismatch")
	}
	h := c.Step
	if h <= 0 {
		h = defaultStep
	}
	probe := append([]float64(nil), x...)
	for i := range x {
		probe[i] = x[i] + h
		lPlus, err := f(probe)
		if err != nil {
			return err
		}
		probe[i] = x[i] - h
		lMinus, err := f(probe)
		if err != nil {
			return err
		}
		probe[i] = x[i]
		dst[i] = (lPlus - lMinus) / (2 * h)
	}
	return nil
}
