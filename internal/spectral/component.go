// Package spectral models the components of an X-ray imaging chain as
// energy-resolved response functions with searchable material candidates and
// bounded continuous parameters.
package spectral

import (
	"errors"
	"fmt"

	"specfit/internal/model"
	"specfit/internal/param"
)

var (
	// ErrInvalidSelection is returned by Select for a material that is not
	// among the component's candidates.
	ErrInvalidSelection = errors.New("spectral: material not among candidates")

	// ErrBadConfiguration is returned by constructors for unusable
	// candidate/bound combinations.
	ErrBadConfiguration = errors.New("spectral: invalid component configuration")
)

// Component is one stage of the imaging chain. Evaluate is a pure function
// of the selected branch's live parameter state and the energy grid.
type Component interface {
	Name() string
	Candidates() []model.Material
	Selected() model.Material
	Select(m model.Material) error
	Evaluate(energies []float64) ([]float64, error)
	Params() map[string]float64
	ActiveEntries() []*param.Entry
	Clone() Component
}

// branches holds the per-candidate parameter entries shared by the
// attenuator-style components. Exactly one branch is active at a time.
type branches struct {
	name       string
	candidates []model.Material
	entries    []*param.Entry
	selected   int
}

func newBranches(name, role string, candidates []model.Material, bounds []model.Bound) (branches, error) {
	if name == "" {
		return branches{}, fmt.Errorf("%w: component name is required", ErrBadConfiguration)
	}
	if len(candidates) == 0 {
		return branches{}, fmt.Errorf("%w: %s: no candidate materials", ErrBadConfiguration, name)
	}
	switch len(bounds) {
	case 1:
		shared := bounds[0]
		bounds = make([]model.Bound, len(candidates))
		for i := range bounds {
			bounds[i] = shared
		}
	case len(candidates):
	default:
		return branches{}, fmt.Errorf("%w: %s: %d bounds for %d candidates",
			ErrBadConfiguration, name, len(bounds), len(candidates))
	}

	b := branches{
		name:       name,
		candidates: append([]model.Material(nil), candidates...),
		entries:    make([]*param.Entry, len(candidates)),
	}
	for i, m := range candidates {
		if err := m.Validate(); err != nil {
			return branches{}, fmt.Errorf("%w: %s: %v", ErrBadConfiguration, name, err)
		}
		entry, err := param.NewEntry(fmt.Sprintf("%s_%s", name, role), bounds[i])
		if err != nil {
			return branches{}, fmt.Errorf("%w: %s[%s]: %v", ErrBadConfiguration, name, m.Formula, err)
		}
		b.entries[i] = entry
	}
	return b, nil
}

func (b *branches) Name() string                 { return b.name }
func (b *branches) Candidates() []model.Material { return b.candidates }
func (b *branches) Selected() model.Material     { return b.candidates[b.selected] }

func (b *branches) Select(m model.Material) error {
	for i, c := range b.candidates {
		if c == m {
			b.selected = i
			return nil
		}
	}
	return fmt.Errorf("%w: %s has no candidate %s", ErrInvalidSelection, b.name, m)
}

func (b *branches) active() *param.Entry { return b.entries[b.selected] }

func (b *branches) ActiveEntries() []*param.Entry {
	if e := b.active(); !e.Fixed() {
		return []*param.Entry{e}
	}
	return nil
}

func (b *branches) clone() branches {
	c := *b
	c.candidates = append([]model.Material(nil), b.candidates...)
	c.entries = make([]*param.Entry, len(b.entries))
	for i, e := range b.entries {
		c.entries[i] = e.Clone()
	}
	return c
}
