package optimize

import (
	"errors"
	"math"
	"testing"
)

func TestAdamConvergesOnQuadratic(t *testing.T) {
	// minimize (x0-3)^2 + (x1+1)^2
	obj := func(x []float64) (float64, error) {
		return (x[0]-3)*(x[0]-3) + (x[1]+1)*(x[1]+1), nil
	}
	x := []float64{0, 0}
	grad := make([]float64, 2)
	adam := NewAdam(0.1, 2)
	cd := CentralDifference{}

	for i := 0; i < 2000; i++ {
		if err := cd.Grad(grad, x, obj); err != nil {
			t.Fatalf("grad: %v", err)
		}
		adam.Update(x, grad)
	}
	if math.Abs(x[0]-3) > 1e-3 || math.Abs(x[1]+1) > 1e-3 {
		t.Fatalf("did not converge: %v", x)
	}
}

func TestAdamSkipsZeroGradient(t *testing.T) {
	x := []float64{5, 7}
	adam := NewAdam(0.5, 2)
	adam.Update(x, []float64{0, 1})
	if x[0] != 5 {
		t.Fatalf("zero-gradient coordinate moved: %g", x[0])
	}
	if x[1] == 7 {
		t.Fatal("nonzero-gradient coordinate did not move")
	}
}

func TestCentralDifferenceMatchesAnalytic(t *testing.T) {
	obj := func(x []float64) (float64, error) {
		return math.Sin(x[0]) + x[1]*x[1], nil
	}
	x := []float64{0.7, -2}
	grad := make([]float64, 2)
	if err := (CentralDifference{Step: 1e-5}).Grad(grad, x, obj); err != nil {
		t.Fatalf("grad: %v", err)
	}
	if math.Abs(grad[0]-math.Cos(0.7)) > 1e-6 {
		t.Fatalf("d/dx0: got %g want %g", grad[0], math.Cos(0.7))
	}
	if math.Abs(grad[1]-(-4)) > 1e-6 {
		t.Fatalf("d/dx1: got %g want -4", grad[1])
	}
}

func TestCentralDifferencePropagatesObjectiveError(t *testing.T) {
	wantErr := errors.New("boom")
	obj := func(x []float64) (float64, error) { return 0, wantErr }
	err := (CentralDifference{}).Grad(make([]float64, 1), []float64{1}, obj)
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected objective error, got %v", err)
	}
}

func TestCentralDifferenceLengthMismatch(t *testing.T) {
	obj := func(x []float64) (float64, error) { return 0, nil }
	if err := (CentralDifference{}).Grad(make([]float64, 2), []float64{1}, obj); err == nil {
		t.Fatal("expected length mismatch error")
	}
}

func TestCosineAnnealingSchedule(t *testing.T) {
	ca := NewCosineAnnealing(0.1, 10)
	if math.Abs(ca.LR()-0.1) > 1e-12 {
		t.Fatalf("initial lr: %g", ca.LR())
	}
	prev := ca.LR()
	for i := 0; i < 10; i++ {
		lr := ca.Step()
		if lr > prev+1e-12 {
			t.Fatalf("lr must not increase over the schedule: %g -> %g", prev, lr)
		}
		prev = lr
	}
	if math.Abs(prev) > 1e-12 {
		t.Fatalf("lr at T_max must be 0, got %g", prev)
	}
}
