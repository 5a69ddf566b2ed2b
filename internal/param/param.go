// Package param implements bounded, optimizable scalar parameters. Each
// Entry stores an unconstrained state z; the physical value is the sigmoid
// of z rescaled into the bound, so any optimizer step keeps the value inside
// [Lower, Upper] while the gradient stays nonzero near the edges.
package param

import (
	"errors"
	"fmt"
	"math"

	"specfit/internal/model"
)

// ErrOutOfBound is returned by SetValue for values outside the bound.
var ErrOutOfBound = errors.New("param: value outside bound")

// logit saturates here; sigmoid(±40) is 0 or 1 to double precision.
const maxLogit = 40.0

// Entry is one named bounded parameter. The zero value is not usable;
// construct with NewEntry.
type Entry struct {
	name  string
	bound model.Bound
	z     float64
}

// NewEntry validates the bound and initializes the entry at Bound.Initial.
func NewEntry(name string, bound model.Bound) (*Entry, error) {
	if name == "" {
		return nil, errors.New("param: entry name is required")
	}
	if err := bound.Validate(); err != nil {
		return nil, fmt.Errorf("param: %s: %w", name, err)
	}
	e := &Entry{name: name, bound: bound}
	if err := e.SetValue(bound.Initial); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Entry) Name() string       { return e.name }
func (e *Entry) Bound() model.Bound { return e.bound }

// Fixed reports whether the entry is pinned by a degenerate bound and
// therefore excluded from optimization.
func (e *Entry) Fixed() bool { return e.bound.Fixed() }

// Value maps the unconstrained state into [Lower, Upper]. The map is
// monotonic and smooth, saturating to the bound endpoints as z goes to ±Inf.
func (e *Entry) Value() float64 {
	if e.Fixed() {
		return e.bound.Lower
	}
	return e.bound.Lower + e.bound.Span()*sigmoid(e.z)
}

// SetValue inverts the transform so that Value returns v. Values at the
// exact bound endpoints map to the saturated state.
func (e *Entry) SetValue(v float64) error {
	if v < e.bound.Lower || v > e.bound.Upper || math.IsNaN(v) {
		return fmt.Errorf("%w: %s = %g not in [%g, %g]", ErrOutOfBound, e.name, v, e.bound.Lower, e.bound.Upper)
	}
	if e.Fixed() {
		e.z = 0
		return nil
	}
	p := (v - e.bound.Lower) / e.bound.Span()
	switch {
	case p <= 0:
		e.z = -maxLogit
	case p >= 1:
		e.z = maxLogit
	default:
		e.z = math.Log(p / (1 - p))
	}
	return nil
}

// State returns the unconstrained optimizer state.
func (e *Entry) State() float64 { return e.z }

// SetState replaces the unconstrained optimizer state. Any finite or
// infinite z is legal; Value stays inside the bound.
func (e *Entry) SetState(z float64) { e.z = z }

func (e *Entry) Clone() *Entry {
	c := *e
	return &c
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	ez := math.Exp(z)
	return ez / (1 + ez)
}
