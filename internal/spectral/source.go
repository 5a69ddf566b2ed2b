package spectral

import (
	"fmt"
	"math"
	"sort"

	"specfit/internal/attenuation"
	"specfit/internal/model"
	"specfit/internal/param"
)

// Philibert absorption correction constants. The anode self-absorption
// model follows Philibert's formula for a tungsten target.
const (
	philibertConstant = 4.0e5
	philibertExponent = 1.65
	anodeZ            = 74.0
	anodeAtomicWeight = 183.84
)

// defaultReferenceAngle is the takeoff angle, in degrees, assumed for
// ladder spectra when the configuration leaves ReferenceAngle zero.
const defaultReferenceAngle = 11.0

// SourceConfig configures an X-ray tube spectrum model. Grid, Voltages and
// Spectra form the simulated ladder; Voltage bounds the tube voltage and
// TakeoffAngle bounds the anode takeoff angle.
type SourceConfig struct {
	Name  string
	Anode model.Material

	// LAC supplies the anode attenuation for the takeoff angle correction.
	// It may be nil when the angle is pinned at ReferenceAngle.
	LAC attenuation.Func

	Grid     []float64
	Voltages []float64
	Spectra  [][]float64

	Voltage model.Bound

	// TakeoffAngle is in degrees. The zero value pins the angle at
	// ReferenceAngle, which disables the correction.
	TakeoffAngle model.Bound

	// ReferenceAngle is the takeoff angle the ladder spectra were simulated
	// at, in degrees. Zero selects defaultReferenceAngle.
	ReferenceAngle float64
}

// Source is an X-ray tube spectrum parameterized by voltage and takeoff
// angle. It holds simulated spectra at a ladder of voltages, all sampled on
// one energy grid, interpolates between the two neighboring ladder spectra
// at the current voltage, and rescales the result by the ratio of Philibert
// absorption factors between the current takeoff angle and the angle the
// ladder was simulated at. The anode material is not searched: the
// candidate list has exactly one element.
type Source struct {
	name     string
	anode    model.Material
	lac      attenuation.Func
	grid     []float64
	voltages []float64
	spectra  [][]float64
	refAngle float64
	voltage  *param.Entry
	takeoff  *param.Entry
}

// NewSource validates the spectrum ladder and the parameter bounds. The
// voltage bound must lie inside the ladder's voltage range; a degenerate
// bound pins the voltage (known-voltage scan). The takeoff angle bound must
// lie in (0, 180) degrees, and any configuration that moves the angle away
// from the reference needs an attenuation function for the anode.
func NewSource(cfg SourceConfig) (*Source, error) {
	name := cfg.Name
	if name == "" {
		return nil, fmt.Errorf("%w: component name is required", ErrBadConfiguration)
	}
	if err := cfg.Anode.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadConfiguration, name, err)
	}
	if len(cfg.Grid) == 0 {
		return nil, fmt.Errorf("%w: %s: empty energy grid", ErrBadConfiguration, name)
	}
	if len(cfg.Voltages) == 0 || len(cfg.Voltages) != len(cfg.Spectra) {
		return nil, fmt.Errorf("%w: %s: %d ladder voltages for %d spectra",
			ErrBadConfiguration, name, len(cfg.Voltages), len(cfg.Spectra))
	}
	for i := range cfg.Voltages {
		if i > 0 && cfg.Voltages[i] <= cfg.Voltages[i-1] {
			return nil, fmt.Errorf("%w: %s: ladder voltages must be strictly ascending", ErrBadConfiguration, name)
		}
		if len(cfg.Spectra[i]) != len(cfg.Grid) {
			return nil, fmt.Errorf("%w: %s: spectrum %d has %d samples, grid has %d",
				ErrBadConfiguration, name, i, len(cfg.Spectra[i]), len(cfg.Grid))
		}
	}
	if cfg.Voltage.Lower < cfg.Voltages[0] || cfg.Voltage.Upper > cfg.Voltages[len(cfg.Voltages)-1] {
		return nil, fmt.Errorf("%w: %s: voltage bound [%g, %g] outside ladder range [%g, %g]",
			ErrBadConfiguration, name, cfg.Voltage.Lower, cfg.Voltage.Upper, cfg.Voltages[0], cfg.Voltages[len(cfg.Voltages)-1])
	}
	voltage, err := param.NewEntry(name+"_voltage", cfg.Voltage)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadConfiguration, name, err)
	}

	ref := cfg.ReferenceAngle
	if ref == 0 {
		ref = defaultReferenceAngle
	}
	if ref <= 0 || ref >= 180 {
		return nil, fmt.Errorf("%w: %s: reference takeoff angle %g outside (0, 180) degrees",
			ErrBadConfiguration, name, ref)
	}
	angleBound := cfg.TakeoffAngle
	if angleBound == (model.Bound{}) {
		angleBound = model.Bound{Initial: ref, Lower: ref, Upper: ref}
	}
	if angleBound.Lower <= 0 || angleBound.Upper >= 180 {
		return nil, fmt.Errorf("%w: %s: takeoff angle bound [%g, %g] outside (0, 180) degrees",
			ErrBadConfiguration, name, angleBound.Lower, angleBound.Upper)
	}
	takeoff, err := param.NewEntry(name+"_takeoff_angle", angleBound)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadConfiguration, name, err)
	}
	if cfg.LAC == nil && !(takeoff.Fixed() && angleBound.Lower == ref) {
		return nil, fmt.Errorf("%w: %s: takeoff angle correction needs an attenuation function",
			ErrBadConfiguration, name)
	}

	return &Source{
		name:     name,
		anode:    cfg.Anode,
		lac:      cfg.LAC,
		grid:     append([]float64(nil), cfg.Grid...),
		voltages: append([]float64(nil), cfg.Voltages...),
		spectra:  cfg.Spectra,
		refAngle: ref,
		voltage:  voltage,
		takeoff:  takeoff,
	}, nil
}

func (s *Source) Name() string                 { return s.name }
func (s *Source) Candidates() []model.Material { return []model.Material{s.anode} }
func (s *Source) Selected() model.Material     { return s.anode }

func (s *Source) Select(m model.Material) error {
	if m != s.anode {
		return fmt.Errorf("%w: %s has no candidate %s", ErrInvalidSelection, s.name, m)
	}
	return nil
}

// Voltage returns the current tube voltage in keV.
func (s *Source) Voltage() float64 {
	return s.voltage.Value()
}

// TakeoffAngle returns the current anode takeoff angle in degrees.
func (s *Source) TakeoffAngle() float64 {
	return s.takeoff.Value()
}

// Evaluate interpolates the ladder at the current voltage and applies the
// takeoff angle correction. The lower neighbor spectrum is extended with
// negative values between the two ladder voltages before blending, so the
// interpolated endpoint energy moves smoothly with voltage; the blend is
// clamped at zero.
func (s *Source) Evaluate(energies []float64) ([]float64, error) {
	if len(energies) != len(s.grid) {
		return nil, fmt.Errorf("%w: %s: %d energies, spectrum grid has %d",
			ErrBadConfiguration, s.name, len(energies), len(s.grid))
	}
	out := s.interpolate(s.Voltage())
	if angle := s.TakeoffAngle(); angle != s.refAngle {
		if err := s.applyTakeoffCorrection(out, energies, angle); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// interpolate blends the two ladder spectra neighboring voltage v. Outside
// the ladder range the nearest end spectrum is returned.
func (s *Source) interpolate(v float64) []float64 {
	idx := sort.SearchFloat64s(s.voltages, v)
	if idx == 0 {
		return clampNonNegative(s.spectra[0])
	}
	if idx >= len(s.voltages) {
		return clampNonNegative(s.spectra[len(s.spectra)-1])
	}
	v0, f0 := s.voltages[idx-1], s.spectra[idx-1]
	v1, f1 := s.voltages[idx], s.spectra[idx]

	rr := (v - v0) / (v1 - v0)
	out := make([]float64, len(s.grid))
	for i, e := range s.grid {
		low := f0[i]
		if e > v0 && e < v1 {
			r := (e - v0) / (v1 - v0)
			low = -r / (1 - r) * f1[i]
		} else if e >= v1 {
			low = 0
		}
		out[i] = math.Max(0, rr*f1[i]+(1-rr)*low)
	}
	return out
}

// applyTakeoffCorrection rescales spec in place by the ratio of Philibert
// absorption factors at the current angle and at the reference angle the
// ladder was simulated at.
func (s *Source) applyTakeoffCorrection(spec, energies []float64, angle float64) error {
	mu, err := s.lac(s.anode, energies)
	if err != nil {
		return fmt.Errorf("%s: takeoff correction: %w", s.name, err)
	}
	v := s.Voltage()
	for i, e := range energies {
		ref := philibertFactor(v, s.refAngle, e, mu[i])
		cur := philibertFactor(v, angle, e, mu[i])
		spec[i] *= cur / ref
	}
	return nil
}

// philibertFactor is the Philibert absorption correction for X rays
// escaping the anode at the given takeoff angle. It decays from one toward
// zero as self-absorption along the exit path grows.
func philibertFactor(voltage, angle, energy, mu float64) float64 {
	sinPsi := math.Sin(angle * math.Pi / 180)
	h := 1.2 * anodeAtomicWeight / (anodeZ * anodeZ)
	hFactor := h / (1 + h)
	kappa := philibertConstant / (math.Pow(voltage, philibertExponent) - energy)
	x := mu / kappa / sinPsi
	return 1 / ((1 + x) * (1 + hFactor*x))
}

func (s *Source) Params() map[string]float64 {
	return map[string]float64{
		s.voltage.Name(): s.voltage.Value(),
		s.takeoff.Name(): s.takeoff.Value(),
	}
}

func (s *Source) ActiveEntries() []*param.Entry {
	var entries []*param.Entry
	if !s.voltage.Fixed() {
		entries = append(entries, s.voltage)
	}
	if !s.takeoff.Fixed() {
		entries = append(entries, s.takeoff)
	}
	return entries
}

func (s *Source) Clone() Component {
	c := *s
	c.voltage = s.voltage.Clone()
	c.takeoff = s.takeoff.Clone()
	return &c
}

func clampNonNegative(spec []float64) []float64 {
	out := make([]float64, len(spec))
	for i, v := range spec {
		out[i] = math.Max(0, v)
	}
	return out
}
