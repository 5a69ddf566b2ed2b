package param

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"specfit/internal/model"
)

func TestNewEntryValidation(t *testing.T) {
	if _, err := NewEntry("", model.Bound{Upper: 1}); err == nil {
		t.Fatal("expected name validation error")
	}
	if _, err := NewEntry("th", model.Bound{Initial: 2, Lower: 0, Upper: 1}); err == nil {
		t.Fatal("expected bound validation error")
	}
}

func TestRoundTripStrictlyInside(t *testing.T) {
	bound := model.Bound{Initial: 2.5, Lower: 0, Upper: 10}
	e, err := NewEntry("filter_thickness", bound)
	if err != nil {
		t.Fatalf("new entry: %v", err)
	}
	for _, v := range []float64{1e-9, 0.001, 2.5, 5, 9.999, 10 - 1e-9} {
		if err := e.SetValue(v); err != nil {
			t.Fatalf("set %g: %v", v, err)
		}
		if got := e.Value(); math.Abs(got-v) > 1e-9 {
			t.Fatalf("round trip %g: got %g", v, got)
		}
	}
}

func TestSetValueRejectsOutside(t *testing.T) {
	e, _ := NewEntry("th", model.Bound{Initial: 1, Lower: 0, Upper: 2})
	for _, v := range []float64{-0.1, 2.1, math.NaN()} {
		if err := e.SetValue(v); !errors.Is(err, ErrOutOfBound) {
			t.Fatalf("set %g: expected ErrOutOfBound, got %v", v, err)
		}
	}
}

func TestBoundInvarianceUnderExtremeState(t *testing.T) {
	e, _ := NewEntry("th", model.Bound{Initial: 2.5, Lower: 0, Upper: 10})
	states := []float64{-1e308, -1e6, -50, -1, 0, 1, 50, 1e6, 1e308, math.Inf(-1), math.Inf(1)}
	for _, z := range states {
		e.SetState(z)
		v := e.Value()
		if v < 0 || v > 10 || math.IsNaN(v) {
			t.Fatalf("state %g escaped bound: %g", z, v)
		}
	}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		e.SetState(rng.NormFloat64() * 100)
		if v := e.Value(); v < 0 || v > 10 {
			t.Fatalf("random state escaped bound: %g", v)
		}
	}
}

func TestSaturationAtEndpoints(t *testing.T) {
	e, _ := NewEntry("th", model.Bound{Initial: 5, Lower: 0, Upper: 10})
	e.SetState(math.Inf(-1))
	if got := e.Value(); got != 0 {
		t.Fatalf("-Inf state must saturate to lower: %g", got)
	}
	e.SetState(math.Inf(1))
	if got := e.Value(); got != 10 {
		t.Fatalf("+Inf state must saturate to upper: %g", got)
	}
	if err := e.SetValue(0); err != nil {
		t.Fatalf("set at lower endpoint: %v", err)
	}
	if got := e.Value(); math.Abs(got) > 1e-12 {
		t.Fatalf("endpoint set must saturate: %g", got)
	}
}

func TestMonotonicInState(t *testing.T) {
	e, _ := NewEntry("th", model.Bound{Initial: 1, Lower: 0, Upper: 4})
	prev := math.Inf(-1)
	for z := -30.0; z <= 30.0; z += 0.25 {
		e.SetState(z)
		v := e.Value()
		if v < prev {
			t.Fatalf("value decreased at z=%g: %g < %g", z, v, prev)
		}
		prev = v
	}
}

func TestDegenerateBound(t *testing.T) {
	e, err := NewEntry("voltage", model.Bound{Initial: 80, Lower: 80, Upper: 80})
	if err != nil {
		t.Fatalf("new entry: %v", err)
	}
	if !e.Fixed() {
		t.Fatal("degenerate bound must report fixed")
	}
	for _, z := range []float64{-1e9, 0, 42, 1e9} {
		e.SetState(z)
		if got := e.Value(); got != 80 {
			t.Fatalf("fixed entry drifted to %g", got)
		}
	}
	if err := e.SetValue(81); err == nil {
		t.Fatal("fixed entry must reject other values")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	e, _ := NewEntry("th", model.Bound{Initial: 1, Lower: 0, Upper: 2})
	c := e.Clone()
	c.SetState(5)
	if e.State() == c.State() {
		t.Fatal("clone must not share state with original")
	}
	if c.Name() != e.Name() {
		t.Fatal("clone must keep name")
	}
}
