// Package optimize provides the first-order optimizer and the injected
// gradient capability used by the joint estimator.
package optimize

import "math"

// Adam implements the Adam optimizer with bias correction.
//
// Update rule:
//
//	m[i] = β1·m[i] + (1-β1)·g[i]
//	v[i] = β2·v[i] + (1-β2)·g[i]²
//	m̂[i] = m[i] / (1 - β1^t)
//	v̂[i] = v[i] / (1 - β2^t)
//	x[i] = x[i] - lr · m̂[i] / (√v̂[i] + ε)
type Adam struct {
	lr           float64
	beta1, beta2 float64
	eps          float64
	m, v         []float64
	step         int
}

// NewAdam creates an Adam optimizer for an n-dimensional state with the
// given learning rate. Uses standard defaults: β1=0.9, β2=0.999, ε=1e-8.
func NewAdam(lr float64, n int) *Adam {
	return &Adam{
		lr:    lr,
		beta1: 0.9,
		beta2: 0.999,
		eps:   1e-8,
		m:     make([]float64, n),
		v:     make([]float64, n),
	}
}

// Update applies one Adam step in place.
func (a *Adam) Update(x, grads []float64) {
	a.step++

	for i := range x {
		g := grads[i]
		if g == 0 {
			continue
		}

		a.m[i] = a.beta1*a.m[i] + (1-a.beta1)*g
		a.v[i] = a.beta2*a.v[i] + (1-a.beta2)*g*g

		mHat := a.m[i] / (1 - math.Pow(a.beta1, float64(a.step)))
		vHat := a.v[i] / (1 - math.Pow(a.beta2, float64(a.step)))

		x[i] -= a.lr * mHat / (math.Sqrt(vHat) + a.eps)
	}
}

// SetLR replaces the step size, letting a schedule drive it between updates.
func (a *Adam) SetLR(lr float64) {
	a.lr = lr
}

// CosineAnnealing decays the learning rate along a half cosine wave, from
// lrMax at step 0 down to zero once tMax steps have elapsed. The smooth
// tail lets the optimizer settle near a minimum instead of bouncing.
type CosineAnnealing struct {
	lrMax float64
	tMax  int
	t     int
}

// NewCosineAnnealing builds a schedule that starts at lrMax and reaches
// zero after tMax steps.
func NewCosineAnnealing(lrMax float64, tMax int) *CosineAnnealing {
	return &CosineAnnealing{lrMax: lrMax, tMax: tMax}
}

// LR evaluates the schedule at the current step without advancing it.
func (ca *CosineAnnealing) LR() float64 {
	return 0.5 * ca.lrMax * (1 + math.Cos(math.Pi*float64(ca.t)/float64(ca.tMax)))
}

// Step advances one step and returns the decayed rate.
func (ca *CosineAnnealing) Step() float64 {
	ca.t++
	return ca.LR()
}
