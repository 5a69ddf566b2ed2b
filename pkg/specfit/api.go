// Package specfit is the public entry point for estimating X-ray imaging
// chain parameters from measured transmission data. Callers describe the
// chain with plain data specs; the client builds the differentiable
// components, runs the joint material and thickness search, and persists
// run records through the configured store.
package specfit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"specfit/internal/attenuation"
	"specfit/internal/compose"
	"specfit/internal/estimate"
	"specfit/internal/model"
	"specfit/internal/optimize"
	"specfit/internal/report"
	"specfit/internal/spectral"
	"specfit/internal/storage"
)

const defaultDBPath = "specfit.db"

// LACFunc returns the linear attenuation coefficient in 1/mm for a material
// of the given mass density (g/cm^3) and chemical formula at each energy.
type LACFunc func(density float64, formula string, energies []float64) ([]float64, error)

type Options struct {
	StoreKind    string // "memory" (default) or "sqlite"
	DBPath       string
	ArtifactsDir string // when set, run artifacts are also written to disk
	Logger       *zap.Logger
}

type Client struct {
	store        storage.Store
	artifactsDir string
	logger       *zap.Logger
}

type MaterialSpec struct {
	Formula string
	Density float64
}

// BoundSpec constrains one continuous parameter. Lower == Upper pins the
// parameter to that value.
type BoundSpec struct {
	Initial float64
	Lower   float64
	Upper   float64
}

// FilterSpec describes a passive attenuator with searchable material
// candidates. Thickness holds either one shared bound or one per candidate.
type FilterSpec struct {
	Name       string
	Candidates []MaterialSpec
	Thickness  []BoundSpec
}

// ScintillatorSpec describes the energy-depositing detector screen.
type ScintillatorSpec struct {
	Name       string
	Candidates []MaterialSpec
	Thickness  []BoundSpec
}

// SourceSpec describes a bremsstrahlung tube with a measured voltage ladder:
// Spectra[i] is the emission spectrum at Voltages[i], sampled on Grid.
type SourceSpec struct {
	Name     string
	Anode    MaterialSpec
	Grid     []float64
	Voltages []float64
	Spectra  [][]float64
	Voltage  BoundSpec

	// TakeoffAngle bounds the anode takeoff angle in degrees. The zero
	// value pins the angle at ReferenceAngle.
	TakeoffAngle BoundSpec

	// ReferenceAngle is the takeoff angle, in degrees, the ladder spectra
	// were simulated at. Zero selects the package default.
	ReferenceAngle float64
}

// DatasetSpec is one acquisition configuration. Components names the chain
// stages in order; a name appearing in several datasets shares that
// component's parameters across them.
type DatasetSpec struct {
	Energies   []float64
	Measured   []float64
	Forward    [][]float64
	Weights    []float64
	Components []string
}

type EstimateRequest struct {
	LAC           LACFunc
	Filters       []FilterSpec
	Scintillators []ScintillatorSpec
	Sources       []SourceSpec
	Datasets      []DatasetSpec

	LearningRate  float64
	MaxIterations int
	StopThreshold float64
	Workers       int
}

// FitSummary is one discrete trial's outcome in caller-friendly form.
type FitSummary struct {
	Assignment map[string]string
	Params     map[string]float64
	Loss       float64
	Valid      bool
	Iterations int
}

type EstimateSummary struct {
	RunID        string
	Best         FitSummary
	Trials       int
	Evaluations  int
	ElapsedMS    int64
	ArtifactsDir string
}

type RunItem struct {
	RunID        string
	CreatedAtUTC string
	Assignment   string
	BestLoss     float64
	Trials       int
	Evaluations  int
	Listing      string
}

func New(opts Options) (*Client, error) {
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := storage.NewStore(opts.StoreKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:        store,
		artifactsDir: opts.ArtifactsDir,
		logger:       logger,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	return c.store.Init(ctx)
}

// Estimate runs the joint search and persists the run. The returned summary
// references the stored run by ID.
func (c *Client) Estimate(ctx context.Context, req EstimateRequest) (EstimateSummary, error) {
	if req.LAC == nil {
		return EstimateSummary{}, errors.New("attenuation function is required")
	}
	if len(req.Datasets) == 0 {
		return EstimateSummary{}, estimate.ErrNoDatasets
	}

	lac := func(m model.Material, energies []float64) ([]float64, error) {
		return req.LAC(m.Density, m.Formula, energies)
	}
	components, err := buildComponents(req, lac)
	if err != nil {
		return EstimateSummary{}, err
	}
	datasets, err := buildDatasets(req.Datasets, components)
	if err != nil {
		return EstimateSummary{}, err
	}

	estimator := estimate.Estimator{
		LearningRate:  req.LearningRate,
		MaxIterations: req.MaxIterations,
		StopThreshold: req.StopThreshold,
		Workers:       req.Workers,
		Grad:          optimize.CentralDifference{},
		Logger:        c.logger,
	}
	result, err := estimator.Run(ctx, datasets)
	if err != nil {
		return EstimateSummary{}, err
	}

	run := model.RunRecord{
		VersionedRecord: model.VersionedRecord{SchemaVersion: storage.CurrentSchemaVersion},
		ID:              uuid.NewString(),
		CreatedAtUTC:    time.Now().UTC().Format(time.RFC3339),
		LearningRate:    req.LearningRate,
		MaxIterations:   req.MaxIterations,
		Trials:          len(result.Trials),
		Evaluations:     result.Evaluations,
		ElapsedMS:       result.Elapsed.Milliseconds(),
		BestLoss:        result.Best.Loss,
		BestAssignment:  result.Best.Assignment,
	}
	if err := c.store.SaveRun(ctx, run); err != nil {
		return EstimateSummary{}, err
	}
	trials := make([]model.FitResult, len(result.Trials))
	for i, trial := range result.Trials {
		trial.SchemaVersion = storage.CurrentSchemaVersion
		trials[i] = trial
	}
	if err := c.store.SaveResults(ctx, run.ID, trials); err != nil {
		return EstimateSummary{}, err
	}

	summary := EstimateSummary{
		RunID:       run.ID,
		Best:        fitSummary(result.Best),
		Trials:      len(result.Trials),
		Evaluations: result.Evaluations,
		ElapsedMS:   run.ElapsedMS,
	}
	if c.artifactsDir != "" {
		best := result.Best
		best.SchemaVersion = storage.CurrentSchemaVersion
		runDir, err := report.WriteRunArtifacts(c.artifactsDir, report.RunArtifacts{Run: run, Best: best})
		if err != nil {
			return EstimateSummary{}, err
		}
		summary.ArtifactsDir = runDir
	}
	c.logger.Info("run persisted",
		zap.String("run_id", run.ID),
		zap.String("assignment", run.BestAssignment.String()),
		zap.Float64("loss", run.BestLoss),
	)
	return summary, nil
}

// Runs lists stored runs, newest first.
func (c *Client) Runs(ctx context.Context) ([]RunItem, error) {
	runs, err := c.store.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	items := make([]RunItem, len(runs))
	for i, run := range runs {
		items[i] = RunItem{
			RunID:        run.ID,
			CreatedAtUTC: run.CreatedAtUTC,
			Assignment:   run.BestAssignment.String(),
			BestLoss:     run.BestLoss,
			Trials:       run.Trials,
			Evaluations:  run.Evaluations,
			Listing:      report.ListingLine(run, now),
		}
	}
	return items, nil
}

// Results returns every trial of a stored run.
func (c *Client) Results(ctx context.Context, runID string) ([]FitSummary, bool, error) {
	results, ok, err := c.store.GetResults(ctx, runID)
	if err != nil || !ok {
		return nil, ok, err
	}
	summaries := make([]FitSummary, len(results))
	for i, r := range results {
		summaries[i] = fitSummary(r)
	}
	return summaries, true, nil
}

func fitSummary(r model.FitResult) FitSummary {
	assignment := make(map[string]string, len(r.Assignment))
	for _, sel := range r.Assignment {
		assignment[sel.Component] = sel.Material.Formula
	}
	return FitSummary{
		Assignment: assignment,
		Params:     r.Params,
		Loss:       r.Loss,
		Valid:      r.Valid,
		Iterations: r.Iterations,
	}
}

func buildComponents(req EstimateRequest, lac attenuation.Func) (map[string]spectral.Component, error) {
	components := make(map[string]spectral.Component)
	add := func(name string, component spectral.Component, err error) error {
		if err != nil {
			return err
		}
		if _, exists := components[name]; exists {
			return fmt.Errorf("duplicate component name %q", name)
		}
		components[name] = component
		return nil
	}

	for _, spec := range req.Filters {
		f, err := spectral.NewFilter(spec.Name, lac, materials(spec.Candidates), bounds(spec.Thickness))
		if err := add(spec.Name, f, err); err != nil {
			return nil, err
		}
	}
	for _, spec := range req.Scintillators {
		s, err := spectral.NewScintillator(spec.Name, lac, materials(spec.Candidates), bounds(spec.Thickness))
		if err := add(spec.Name, s, err); err != nil {
			return nil, err
		}
	}
	for _, spec := range req.Sources {
		s, err := spectral.NewSource(spectral.SourceConfig{
			Name:           spec.Name,
			Anode:          model.Material(spec.Anode),
			LAC:            lac,
			Grid:           spec.Grid,
			Voltages:       spec.Voltages,
			Spectra:        spec.Spectra,
			Voltage:        model.Bound(spec.Voltage),
			TakeoffAngle:   model.Bound(spec.TakeoffAngle),
			ReferenceAngle: spec.ReferenceAngle,
		})
		if err := add(spec.Name, s, err); err != nil {
			return nil, err
		}
	}
	return components, nil
}

func buildDatasets(specs []DatasetSpec, components map[string]spectral.Component) ([]estimate.Dataset, error) {
	datasets := make([]estimate.Dataset, len(specs))
	for i, spec := range specs {
		if len(spec.Components) == 0 {
			return nil, fmt.Errorf("dataset %d names no components", i)
		}
		members := make([]spectral.Component, len(spec.Components))
		for j, name := range spec.Components {
			component, ok := components[name]
			if !ok {
				return nil, fmt.Errorf("dataset %d references unknown component %q", i, name)
			}
			members[j] = component
		}
		chain, err := compose.NewChain(members...)
		if err != nil {
			return nil, err
		}
		forward, err := denseMatrix(spec.Forward)
		if err != nil {
			return nil, fmt.Errorf("dataset %d: %w", i, err)
		}
		datasets[i] = estimate.Dataset{
			Energies: spec.Energies,
			Measured: spec.Measured,
			Forward:  forward,
			Weights:  spec.Weights,
			Chain:    chain,
		}
	}
	return datasets, nil
}

func denseMatrix(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, errors.New("forward matrix is empty")
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for i, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("forward matrix row %d has %d columns, want %d", i, len(row), cols)
		}
		data = append(data, row...)
	}
	return mat.NewDense(len(rows), cols, data), nil
}

func materials(specs []MaterialSpec) []model.Material {
	out := make([]model.Material, len(specs))
	for i, spec := range specs {
		out[i] = model.Material(spec)
	}
	return out
}

func bounds(specs []BoundSpec) []model.Bound {
	out := make([]model.Bound, len(specs))
	for i, spec := range specs {
		out[i] = model.Bound(spec)
	}
	return out
}
