// Package estimate fits imaging-chain parameters to measured transmission
// data. The outer loop exhaustively enumerates every combination of
// candidate materials; the inner loop runs a first-order optimizer over the
// unconstrained parameter states of the selected branches, jointly across
// all acquisition configurations.
package estimate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"specfit/internal/compose"
	"specfit/internal/model"
	"specfit/internal/optimize"
	"specfit/internal/param"
	"specfit/internal/spectral"
)

var (
	// ErrNoDatasets is returned when Run is called without data.
	ErrNoDatasets = errors.New("estimate: no datasets provided")

	// ErrShapeMismatch is returned before any optimization work when a
	// dataset's arrays disagree on their dimensions.
	ErrShapeMismatch = errors.New("estimate: dataset arrays have mismatched shapes")

	// ErrNoValidAssignment is returned when every discrete trial diverged
	// or failed; it is distinguishable from a valid-but-poor fit.
	ErrNoValidAssignment = errors.New("estimate: no discrete assignment produced a valid fit")
)

// Dataset is one acquisition configuration: an energy grid, the measured
// signal, the forward matrix mapping the normalized chain response to each
// measurement, and the chain of components active during that scan.
// Components may be shared between datasets; shared components are fitted
// jointly. Immutable once handed to Run.
type Dataset struct {
	Energies []float64
	Measured []float64
	Forward  *mat.Dense
	Weights  []float64 // optional; defaults to 1/measured per sample
	Chain    *compose.Chain
}

func (d *Dataset) validate(i int) error {
	if d.Chain == nil {
		return fmt.Errorf("%w: dataset %d has no chain", ErrShapeMismatch, i)
	}
	if len(d.Energies) == 0 {
		return fmt.Errorf("%w: dataset %d has no energies", ErrShapeMismatch, i)
	}
	for j := 1; j < len(d.Energies); j++ {
		if d.Energies[j] <= d.Energies[j-1] {
			return fmt.Errorf("%w: dataset %d energies must be strictly ascending", ErrShapeMismatch, i)
		}
	}
	if len(d.Measured) == 0 {
		return fmt.Errorf("%w: dataset %d has no measurements", ErrShapeMismatch, i)
	}
	if d.Forward == nil {
		return fmt.Errorf("%w: dataset %d has no forward matrix", ErrShapeMismatch, i)
	}
	rows, cols := d.Forward.Dims()
	if rows != len(d.Measured) || cols != len(d.Energies) {
		return fmt.Errorf("%w: dataset %d forward matrix is %dx%d, want %dx%d",
			ErrShapeMismatch, i, rows, cols, len(d.Measured), len(d.Energies))
	}
	if d.Weights != nil && len(d.Weights) != len(d.Measured) {
		return fmt.Errorf("%w: dataset %d has %d weights for %d measurements",
			ErrShapeMismatch, i, len(d.Weights), len(d.Measured))
	}
	return nil
}

func (d *Dataset) weights() []float64 {
	if d.Weights != nil {
		return d.Weights
	}
	w := make([]float64, len(d.Measured))
	for i, y := range d.Measured {
		if y > 0 {
			w[i] = 1 / y
		} else {
			w[i] = 1
		}
	}
	return w
}

// Estimator drives the joint discrete/continuous search. Zero-valued fields
// receive defaults: LearningRate=0.02, MaxIterations=500, StopThreshold=1e-6,
// Workers=1, central-difference gradients and a no-op logger.
type Estimator struct {
	LearningRate  float64
	MaxIterations int
	StopThreshold float64
	Workers       int
	Grad          optimize.Gradient
	Logger        *zap.Logger

	// Trace, when set, observes every inner optimization iteration with the
	// loss evaluated at the current state and the best loss recorded so far
	// for that assignment. Trials for different assignments interleave when
	// Workers is greater than one.
	Trace func(assignment model.Assignment, iteration int, loss, best float64)
}

// Result is the outcome of one full search.
type Result struct {
	Best        model.FitResult
	Trials      []model.FitResult
	Evaluations int
	Elapsed     time.Duration
}

func (e *Estimator) normalized() Estimator {
	n := *e
	if n.LearningRate <= 0 {
		n.LearningRate = 0.02
	}
	if n.MaxIterations <= 0 {
		n.MaxIterations = 500
	}
	if n.StopThreshold <= 0 {
		n.StopThreshold = 1e-6
	}
	if n.Workers <= 0 {
		n.Workers = 1
	}
	if n.Grad == nil {
		n.Grad = optimize.CentralDifference{}
	}
	if n.Logger == nil {
		n.Logger = zap.NewNop()
	}
	return n
}

// Run performs the exhaustive search and returns the best-fitting
// assignment with its fitted parameters. On context cancellation it returns
// the best result found so far together with the context error.
func (e *Estimator) Run(ctx context.Context, datasets []Dataset) (Result, error) {
	est := e.normalized()
	start := time.Now()

	if len(datasets) == 0 {
		return Result{}, ErrNoDatasets
	}
	for i := range datasets {
		if err := datasets[i].validate(i); err != nil {
			return Result{}, err
		}
	}

	components := uniqueComponents(datasets)
	if err := checkDistinctNames(components); err != nil {
		return Result{}, err
	}
	assignments := enumerateAssignments(components)
	est.Logger.Info("starting search",
		zap.Int("assignments", len(assignments)),
		zap.Int("datasets", len(datasets)),
		zap.Int("workers", est.Workers),
	)

	trials := make([]model.FitResult, len(assignments))
	evals := make([]int, len(assignments))
	done := make([]bool, len(assignments))

	runOne := func(i int) {
		trials[i], evals[i] = est.runTrial(ctx, assignments[i], datasets, components)
		done[i] = true
	}

	if est.Workers == 1 || len(assignments) == 1 {
		for i := range assignments {
			if ctx.Err() != nil {
				break
			}
			runOne(i)
		}
	} else {
		jobs := make(chan int)
		var wg sync.WaitGroup
		for w := 0; w < est.Workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range jobs {
					if ctx.Err() != nil {
						continue
					}
					runOne(i)
				}
			}()
		}
		for i := range assignments {
			jobs <- i
		}
		close(jobs)
		wg.Wait()
	}

	res := Result{Elapsed: time.Since(start)}
	bestIdx := -1
	for i := range trials {
		if !done[i] {
			continue
		}
		res.Trials = append(res.Trials, trials[i])
		res.Evaluations += evals[i]
		if trials[i].Valid && (bestIdx == -1 || trials[i].Loss < res.Best.Loss) {
			res.Best = trials[i]
			bestIdx = i
		}
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}
	if bestIdx == -1 {
		return res, ErrNoValidAssignment
	}
	est.Logger.Info("search finished",
		zap.String("best", res.Best.Assignment.String()),
		zap.Float64("loss", res.Best.Loss),
		zap.Duration("elapsed", res.Elapsed),
	)
	return res, nil
}

// runTrial fits the continuous parameters for one discrete assignment on an
// independent copy of all component state. It never fails the search: any
// divergence or collaborator error marks the trial invalid.
func (e *Estimator) runTrial(ctx context.Context, assignment model.Assignment, datasets []Dataset, components []spectral.Component) (model.FitResult, int) {
	trialSets, trialComponents := cloneSetup(datasets, components)
	invalid := func(reason string, err error) model.FitResult {
		e.Logger.Warn("trial invalidated",
			zap.String("assignment", assignment.String()),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return model.FitResult{Assignment: assignment, Loss: math.Inf(1)}
	}

	for i, sel := range assignment {
		if err := trialComponents[i].Select(sel.Material); err != nil {
			return invalid("selection", err), 0
		}
	}

	entries := activeEntries(trialComponents)
	evaluations := 0
	objective := func(x []float64) (float64, error) {
		for i, entry := range entries {
			entry.SetState(x[i])
		}
		evaluations++
		return totalLoss(trialSets)
	}

	x := make([]float64, len(entries))
	for i, entry := range entries {
		x[i] = entry.State()
	}

	bestX := append([]float64(nil), x...)
	bestLoss := math.Inf(1)
	iterations := 0

	if len(entries) == 0 {
		loss, err := objective(x)
		if err != nil {
			return invalid("evaluation", err), evaluations
		}
		bestLoss = loss
	} else {
		adam := optimize.NewAdam(e.LearningRate, len(x))
		schedule := optimize.NewCosineAnnealing(e.LearningRate, e.MaxIterations)
		grad := make([]float64, len(x))
		prev := make([]float64, len(x))

		for it := 1; it <= e.MaxIterations; it++ {
			if ctx.Err() != nil {
				break
			}
			loss, err := objective(x)
			if err != nil {
				return invalid("evaluation", err), evaluations
			}
			if math.IsNaN(loss) || math.IsInf(loss, 0) {
				return invalid("non-finite loss", nil), evaluations
			}
			if loss < bestLoss {
				bestLoss = loss
				copy(bestX, x)
			}
			if e.Trace != nil {
				e.Trace(assignment, it, loss, bestLoss)
			}
			if err := e.Grad.Grad(grad, x, objective); err != nil {
				return invalid("gradient", err), evaluations
			}

			copy(prev, x)
			adam.SetLR(schedule.LR())
			adam.Update(x, grad)
			schedule.Step()
			iterations = it

			if maxAbsDelta(prev, x) < e.StopThreshold {
				break
			}
			if it%100 == 0 {
				e.Logger.Debug("trial progress",
					zap.String("assignment", assignment.String()),
					zap.Int("iteration", it),
					zap.Float64("loss", loss),
				)
			}
		}

		// The final step may have improved on the last recorded loss.
		if loss, err := objective(x); err == nil && loss < bestLoss {
			bestLoss = loss
			copy(bestX, x)
		}
	}

	if math.IsNaN(bestLoss) || math.IsInf(bestLoss, 0) {
		return invalid("non-finite loss", nil), evaluations
	}

	for i, entry := range entries {
		entry.SetState(bestX[i])
	}
	result := model.FitResult{
		Assignment: assignment,
		Params:     collectParams(trialComponents),
		Loss:       bestLoss,
		Valid:      true,
		Iterations: iterations,
	}
	for i := range trialSets {
		pred, err := trialSets[i].Chain.DetectedSignal(trialSets[i].Forward, trialSets[i].Energies)
		if err != nil {
			return invalid("residuals", err), evaluations
		}
		residual := make([]float64, len(pred))
		for j := range pred {
			residual[j] = pred[j] - trialSets[i].Measured[j]
		}
		result.Residuals = append(result.Residuals, residual)
	}
	e.Logger.Info("trial complete",
		zap.String("assignment", assignment.String()),
		zap.Float64("loss", bestLoss),
		zap.Int("iterations", iterations),
	)
	return result, evaluations
}

// totalLoss is the weighted mean-square transmission loss summed over all
// configurations: 0.5 * mean(w * (pred - y)^2) per dataset.
func totalLoss(datasets []Dataset) (float64, error) {
	total := 0.0
	for i := range datasets {
		pred, err := datasets[i].Chain.DetectedSignal(datasets[i].Forward, datasets[i].Energies)
		if err != nil {
			return 0, err
		}
		w := datasets[i].weights()
		sum := 0.0
		for j := range pred {
			diff := pred[j] - datasets[i].Measured[j]
			sum += w[j] * diff * diff
		}
		total += 0.5 * sum / float64(len(pred))
	}
	return total, nil
}

func uniqueComponents(datasets []Dataset) []spectral.Component {
	var out []spectral.Component
	seen := make(map[spectral.Component]bool)
	for i := range datasets {
		for _, c := range datasets[i].Chain.Components() {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

func checkDistinctNames(components []spectral.Component) error {
	seen := make(map[string]bool, len(components))
	for _, c := range components {
		if seen[c.Name()] {
			return fmt.Errorf("estimate: duplicate component name %q", c.Name())
		}
		seen[c.Name()] = true
	}
	return nil
}

// enumerateAssignments builds the full Cartesian product of candidate
// materials in deterministic first-seen component order.
func enumerateAssignments(components []spectral.Component) []model.Assignment {
	total := 1
	for _, c := range components {
		total *= len(c.Candidates())
	}
	assignments := make([]model.Assignment, 0, total)
	idx := make([]int, len(components))
	for {
		a := make(model.Assignment, len(components))
		for i, c := range components {
			a[i] = model.Selection{Component: c.Name(), Material: c.Candidates()[idx[i]]}
		}
		assignments = append(assignments, a)

		k := len(idx) - 1
		for k >= 0 {
			idx[k]++
			if idx[k] < len(components[k].Candidates()) {
				break
			}
			idx[k] = 0
			k--
		}
		if k < 0 {
			break
		}
	}
	return assignments
}

// cloneSetup copies every component once and rebuilds each dataset's chain
// against the copies, preserving sharing, so a trial owns all mutable state.
func cloneSetup(datasets []Dataset, components []spectral.Component) ([]Dataset, []spectral.Component) {
	cloneOf := make(map[spectral.Component]spectral.Component, len(components))
	cloned := make([]spectral.Component, len(components))
	for i, c := range components {
		cloned[i] = c.Clone()
		cloneOf[c] = cloned[i]
	}

	out := make([]Dataset, len(datasets))
	for i := range datasets {
		members := datasets[i].Chain.Components()
		mapped := make([]spectral.Component, len(members))
		for j, c := range members {
			mapped[j] = cloneOf[c]
		}
		chain, err := compose.NewChain(mapped...)
		if err != nil {
			// Chains were validated at construction; a clone cannot be empty.
			panic(err)
		}
		out[i] = datasets[i]
		out[i].Chain = chain
	}
	return out, cloned
}

func activeEntries(components []spectral.Component) []*param.Entry {
	var entries []*param.Entry
	seen := make(map[*param.Entry]bool)
	for _, c := range components {
		for _, entry := range c.ActiveEntries() {
			if !seen[entry] {
				seen[entry] = true
				entries = append(entries, entry)
			}
		}
	}
	return entries
}

func collectParams(components []spectral.Component) map[string]float64 {
	params := make(map[string]float64)
	for _, c := range components {
		for name, value := range c.Params() {
			params[name] = value
		}
	}
	return params
}

func maxAbsDelta(a, b []float64) float64 {
	max := 0.0
	for i := range a {
		if d := math.Abs(a[i] - b[i]); d > max {
			max = d
		}
	}
	return max
}
