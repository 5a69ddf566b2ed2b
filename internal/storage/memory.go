package storage

import (
	"context"
	"sort"
	"sync"

	"specfit/internal/model"
)

type MemoryStore struct {
	mu      sync.RWMutex
	runs    map[string]model.RunRecord
	results map[string][]model.FitResult
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs = make(map[string]model.RunRecord)
	s.results = make(map[string][]model.FitResult)
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	return run, ok, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]model.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].CreatedAtUTC == runs[j].CreatedAtUTC {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAtUTC > runs[j].CreatedAtUTC
	})
	return runs, nil
}

func (s *MemoryStore) SaveResults(_ context.Context, runID string, results []model.FitResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make([]model.FitResult, len(results))
	for i, r := range results {
		copied[i] = copyResult(r)
	}
	s.results[runID] = copied
	return nil
}

func (s *MemoryStore) GetResults(_ context.Context, runID string) ([]model.FitResult, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results, ok := s.results[runID]
	if !ok {
		return nil, false, nil
	}
	copied := make([]model.FitResult, len(results))
	for i, r := range results {
		copied[i] = copyResult(r)
	}
	return copied, true, nil
}

func copyResult(r model.FitResult) model.FitResult {
	c := r
	c.Assignment = append(model.Assignment(nil), r.Assignment...)
	if r.Params != nil {
		c.Params = make(map[string]float64, len(r.Params))
		for name, value := range r.Params {
			c.Params[name] = value
		}
	}
	if r.Residuals != nil {
		c.Residuals = make([][]float64, len(r.Residuals))
		for i, row := range r.Residuals {
			c.Residuals[i] = append([]float64(nil), row...)
		}
	}
	return c
}
