package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// VersionedRecord captures schema evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
}

// Material identifies a physical material by chemical formula and mass
// density in g/cm^3. It is a value type and usable as a map key.
type Material struct {
	Formula string  `json:"formula"`
	Density float64 `json:"density"`
}

func (m Material) Validate() error {
	if strings.TrimSpace(m.Formula) == "" {
		return errors.New("material formula is required")
	}
	if m.Density <= 0 {
		return fmt.Errorf("material %s: density must be > 0, got %g", m.Formula, m.Density)
	}
	return nil
}

func (m Material) String() string {
	return fmt.Sprintf("%s (%g g/cm3)", m.Formula, m.Density)
}

// Bound describes an optimizable scalar: its initial value and the closed
// interval the fitted value must stay inside. Lower == Upper pins the value.
type Bound struct {
	Initial float64 `json:"initial"`
	Lower   float64 `json:"lower"`
	Upper   float64 `json:"upper"`
}

func (b Bound) Validate() error {
	if b.Lower > b.Upper {
		return fmt.Errorf("bound lower %g exceeds upper %g", b.Lower, b.Upper)
	}
	if b.Initial < b.Lower || b.Initial > b.Upper {
		return fmt.Errorf("bound initial %g outside [%g, %g]", b.Initial, b.Lower, b.Upper)
	}
	return nil
}

// Fixed reports whether the bound pins the value to a single constant.
func (b Bound) Fixed() bool {
	return b.Lower == b.Upper
}

// Span returns the width of the bound interval.
func (b Bound) Span() float64 {
	return b.Upper - b.Lower
}

// Selection records the material chosen for one named component.
type Selection struct {
	Component string   `json:"component"`
	Material  Material `json:"material"`
}

// Assignment is one discrete choice of material per component, in the
// deterministic enumeration order of the estimator.
type Assignment []Selection

func (a Assignment) String() string {
	parts := make([]string, len(a))
	for i, s := range a {
		parts[i] = fmt.Sprintf("%s=%s", s.Component, s.Material.Formula)
	}
	return strings.Join(parts, " ")
}

// MaterialFor returns the material assigned to the named component.
func (a Assignment) MaterialFor(component string) (Material, bool) {
	for _, s := range a {
		if s.Component == component {
			return s.Material, true
		}
	}
	return Material{}, false
}

// FitResult is the outcome of fitting one discrete assignment. Invalid
// results carry an infinite loss and must never be reported as the best fit.
type FitResult struct {
	VersionedRecord
	Assignment Assignment         `json:"assignment"`
	Params     map[string]float64 `json:"params"`
	Loss       float64            `json:"loss"`
	Valid      bool               `json:"valid"`
	Iterations int                `json:"iterations"`
	Residuals  [][]float64        `json:"residuals,omitempty"`
}

// ParamNames returns the fitted parameter names in sorted order.
func (r FitResult) ParamNames() []string {
	names := make([]string, 0, len(r.Params))
	for name := range r.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunRecord summarizes one estimation run for storage and listings.
type RunRecord struct {
	VersionedRecord
	ID             string     `json:"id"`
	CreatedAtUTC   string     `json:"created_at_utc"`
	LearningRate   float64    `json:"learning_rate"`
	MaxIterations  int        `json:"max_iterations"`
	Trials         int        `json:"trials"`
	Evaluations    int        `json:"evaluations"`
	ElapsedMS      int64      `json:"elapsed_ms"`
	BestLoss       float64    `json:"best_loss"`
	BestAssignment Assignment `json:"best_assignment"`
}
