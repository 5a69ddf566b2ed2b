package storage

import (
	"context"

	"specfit/internal/model"
)

// Store defines persistence operations for estimation runs and their
// per-assignment fit results.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
	SaveResults(ctx context.Context, runID string, results []model.FitResult) error
	GetResults(ctx context.Context, runID string) ([]model.FitResult, bool, error)
}
