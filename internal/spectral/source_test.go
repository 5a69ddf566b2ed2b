package spectral

import (
	"errors"
	"math"
	"testing"

	"specfit/internal/model"
)

var tungsten = model.Material{Formula: "W", Density: 19.3}

// ladderSource builds a 10-bin grid with spectra at 40 and 80 keV. Each
// spectrum is zero above its own voltage, like a real bremsstrahlung cutoff.
func ladderSource(t *testing.T, voltage model.Bound) *Source {
	t.Helper()
	grid := []float64{5, 15, 25, 35, 45, 55, 65, 75, 85, 95}
	f40 := []float64{4, 3, 2, 1, 0, 0, 0, 0, 0, 0}
	f80 := []float64{8, 7, 6, 5, 4, 3, 2, 1, 0, 0}
	s, err := NewSource(SourceConfig{
		Name:     "source",
		Anode:    tungsten,
		Grid:     grid,
		Voltages: []float64{40, 80},
		Spectra:  [][]float64{f40, f80},
		Voltage:  voltage,
	})
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	return s
}

// anodeLAC is a smooth decreasing attenuation curve standing in for
// tabulated tungsten data.
func anodeLAC(m model.Material, energies []float64) ([]float64, error) {
	mu := make([]float64, len(energies))
	for i, e := range energies {
		mu[i] = 5 * m.Density / e
	}
	return mu, nil
}

func TestSourceAtLadderVoltages(t *testing.T) {
	s := ladderSource(t, model.Bound{Initial: 80, Lower: 40, Upper: 80})
	got, err := s.Evaluate([]float64{5, 15, 25, 35, 45, 55, 65, 75, 85, 95})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	want := []float64{8, 7, 6, 5, 4, 3, 2, 1, 0, 0}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-12 {
			t.Fatalf("bin %d: got %g want %g", i, got[i], want[i])
		}
	}

	if err := s.ActiveEntries()[0].SetValue(40); err != nil {
		t.Fatalf("set voltage: %v", err)
	}
	got, _ = s.Evaluate([]float64{5, 15, 25, 35, 45, 55, 65, 75, 85, 95})
	want = []float64{4, 3, 2, 1, 0, 0, 0, 0, 0, 0}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-12 {
			t.Fatalf("bin %d at 40 keV: got %g want %g", i, got[i], want[i])
		}
	}
}

func TestSourceInterpolatedVoltage(t *testing.T) {
	s := ladderSource(t, model.Bound{Initial: 60, Lower: 40, Upper: 80})
	grid := []float64{5, 15, 25, 35, 45, 55, 65, 75, 85, 95}
	got, err := s.Evaluate(grid)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	// Below both cutoffs the blend is a plain linear mix.
	rr := 0.5
	for i := 0; i < 4; i++ {
		f40 := []float64{4, 3, 2, 1}[i]
		f80 := []float64{8, 7, 6, 5}[i]
		want := rr*f80 + (1-rr)*f40
		if math.Abs(got[i]-want) > 1e-12 {
			t.Fatalf("bin %d: got %g want %g", i, got[i], want)
		}
	}
	// Above the interpolated cutoff the spectrum must vanish.
	for i := 6; i < len(grid); i++ {
		if got[i] != 0 {
			t.Fatalf("bin %d above cutoff must be zero, got %g", i, got[i])
		}
	}
	// Never negative anywhere.
	for i, v := range got {
		if v < 0 {
			t.Fatalf("bin %d negative: %g", i, v)
		}
	}
}

func TestSourceFixedVoltageNotOptimized(t *testing.T) {
	s := ladderSource(t, model.Bound{Initial: 40, Lower: 40, Upper: 40})
	if entries := s.ActiveEntries(); len(entries) != 0 {
		t.Fatalf("fixed voltage must not expose active entries: %d", len(entries))
	}
	if s.Voltage() != 40 {
		t.Fatalf("fixed voltage drifted: %g", s.Voltage())
	}
}

func TestSourceTakeoffAngleAtReferenceIsIdentity(t *testing.T) {
	grid := []float64{5, 15, 25, 35}
	spectra := [][]float64{{4, 3, 2, 1}, {8, 7, 6, 5}}
	plain := mustSource(t, SourceConfig{
		Name: "src", Anode: tungsten, Grid: grid,
		Voltages: []float64{40, 80}, Spectra: spectra,
		Voltage: model.Bound{Initial: 60, Lower: 40, Upper: 80},
	})
	pinned := mustSource(t, SourceConfig{
		Name: "src", Anode: tungsten, LAC: anodeLAC, Grid: grid,
		Voltages: []float64{40, 80}, Spectra: spectra,
		Voltage:        model.Bound{Initial: 60, Lower: 40, Upper: 80},
		TakeoffAngle:   model.Bound{Initial: 20, Lower: 20, Upper: 20},
		ReferenceAngle: 20,
	})
	a, err := plain.Evaluate(grid)
	if err != nil {
		t.Fatalf("evaluate plain: %v", err)
	}
	b, err := pinned.Evaluate(grid)
	if err != nil {
		t.Fatalf("evaluate pinned: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("bin %d: angle at reference must not rescale: %g vs %g", i, a[i], b[i])
		}
	}
}

func TestSourceTakeoffAngleCorrection(t *testing.T) {
	grid := []float64{5, 15, 25, 35}
	spectra := [][]float64{{4, 3, 2, 1}, {8, 7, 6, 5}}
	cfg := SourceConfig{
		Name: "src", Anode: tungsten, LAC: anodeLAC, Grid: grid,
		Voltages: []float64{40, 80}, Spectra: spectra,
		Voltage:        model.Bound{Initial: 60, Lower: 40, Upper: 80},
		TakeoffAngle:   model.Bound{Initial: 11, Lower: 5, Upper: 60},
		ReferenceAngle: 11,
	}
	s := mustSource(t, cfg)
	base, err := s.Evaluate(grid)
	if err != nil {
		t.Fatalf("evaluate at reference: %v", err)
	}

	// A steeper exit path absorbs less, so raising the angle above the
	// reference must boost every positive bin.
	if err := s.takeoff.SetValue(40); err != nil {
		t.Fatalf("set angle: %v", err)
	}
	raised, err := s.Evaluate(grid)
	if err != nil {
		t.Fatalf("evaluate raised: %v", err)
	}
	prev := math.Inf(1)
	for i := range base {
		if raised[i] <= base[i] {
			t.Fatalf("bin %d: raising the angle must boost the spectrum: %g vs %g", i, raised[i], base[i])
		}
		// Self-absorption fades with energy, so the boost shrinks toward 1.
		ratio := raised[i] / base[i]
		if ratio >= prev {
			t.Fatalf("bin %d: correction ratio must decay with energy: %g then %g", i, prev, ratio)
		}
		prev = ratio
	}

	// Lowering the angle below the reference must attenuate instead.
	if err := s.takeoff.SetValue(6); err != nil {
		t.Fatalf("set angle: %v", err)
	}
	lowered, err := s.Evaluate(grid)
	if err != nil {
		t.Fatalf("evaluate lowered: %v", err)
	}
	for i := range base {
		if lowered[i] >= base[i] {
			t.Fatalf("bin %d: lowering the angle must attenuate: %g vs %g", i, lowered[i], base[i])
		}
	}
}

func TestSourceExposesVoltageAndTakeoffEntries(t *testing.T) {
	grid := []float64{5, 15, 25, 35}
	spectra := [][]float64{{4, 3, 2, 1}, {8, 7, 6, 5}}
	s := mustSource(t, SourceConfig{
		Name: "src", Anode: tungsten, LAC: anodeLAC, Grid: grid,
		Voltages: []float64{40, 80}, Spectra: spectra,
		Voltage:      model.Bound{Initial: 60, Lower: 40, Upper: 80},
		TakeoffAngle: model.Bound{Initial: 11, Lower: 5, Upper: 60},
	})
	entries := s.ActiveEntries()
	if len(entries) != 2 {
		t.Fatalf("want voltage and takeoff angle active, got %d entries", len(entries))
	}
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name()] = true
	}
	if !names["src_voltage"] || !names["src_takeoff_angle"] {
		t.Fatalf("unexpected entry names: %v", names)
	}
	params := s.Params()
	if len(params) != 2 {
		t.Fatalf("want 2 params, got %v", params)
	}
	if params["src_takeoff_angle"] != 11 {
		t.Fatalf("takeoff angle param: got %g want 11", params["src_takeoff_angle"])
	}

	// Clones carry independent entries for both parameters.
	clone := s.Clone().(*Source)
	if err := clone.takeoff.SetValue(30); err != nil {
		t.Fatalf("set clone angle: %v", err)
	}
	if s.TakeoffAngle() != 11 {
		t.Fatalf("clone mutation leaked into original: %g", s.TakeoffAngle())
	}
}

func TestSourceSelectOnlyAnode(t *testing.T) {
	s := ladderSource(t, model.Bound{Initial: 60, Lower: 40, Upper: 80})
	if err := s.Select(tungsten); err != nil {
		t.Fatalf("anode selection must succeed: %v", err)
	}
	if err := s.Select(al); !errors.Is(err, ErrInvalidSelection) {
		t.Fatalf("expected ErrInvalidSelection, got %v", err)
	}
}

func TestSourceConstructionErrors(t *testing.T) {
	grid := []float64{5, 15}
	spectra := [][]float64{{1, 0}, {2, 1}}
	bound := model.Bound{Initial: 60, Lower: 40, Upper: 80}

	cases := map[string]SourceConfig{
		"descending ladder": {
			Name: "s", Anode: tungsten, Grid: grid,
			Voltages: []float64{80, 40}, Spectra: spectra, Voltage: bound,
		},
		"ladder/spectra mismatch": {
			Name: "s", Anode: tungsten, Grid: grid,
			Voltages: []float64{40}, Spectra: spectra, Voltage: bound,
		},
		"grid length": {
			Name: "s", Anode: tungsten, Grid: grid,
			Voltages: []float64{40, 80}, Spectra: [][]float64{{1}, {2, 1}}, Voltage: bound,
		},
		"voltage outside ladder": {
			Name: "s", Anode: tungsten, Grid: grid,
			Voltages: []float64{40, 80}, Spectra: spectra,
			Voltage: model.Bound{Initial: 60, Lower: 30, Upper: 80},
		},
		"angle outside range": {
			Name: "s", Anode: tungsten, LAC: anodeLAC, Grid: grid,
			Voltages: []float64{40, 80}, Spectra: spectra, Voltage: bound,
			TakeoffAngle: model.Bound{Initial: 90, Lower: 45, Upper: 185},
		},
		"free angle without attenuation": {
			Name: "s", Anode: tungsten, Grid: grid,
			Voltages: []float64{40, 80}, Spectra: spectra, Voltage: bound,
			TakeoffAngle: model.Bound{Initial: 11, Lower: 5, Upper: 60},
		},
		"pinned angle off reference without attenuation": {
			Name: "s", Anode: tungsten, Grid: grid,
			Voltages: []float64{40, 80}, Spectra: spectra, Voltage: bound,
			TakeoffAngle:   model.Bound{Initial: 20, Lower: 20, Upper: 20},
			ReferenceAngle: 11,
		},
	}
	for label, cfg := range cases {
		if _, err := NewSource(cfg); !errors.Is(err, ErrBadConfiguration) {
			t.Fatalf("%s: expected ErrBadConfiguration, got %v", label, err)
		}
	}
}

func TestSourceEvaluateGridMismatch(t *testing.T) {
	s := ladderSource(t, model.Bound{Initial: 60, Lower: 40, Upper: 80})
	if _, err := s.Evaluate([]float64{1, 2, 3}); err == nil {
		t.Fatal("expected grid length mismatch error")
	}
}

func mustSource(t *testing.T, cfg SourceConfig) *Source {
	t.Helper()
	s, err := NewSource(cfg)
	if err != nil {
		t.Fatalf("new source %s: %v", cfg.Name, err)
	}
	return s
}
