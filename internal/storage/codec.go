package storage

import (
	"encoding/json"
	"errors"
	"math"

	"specfit/internal/model"
)

const CurrentSchemaVersion = 1

var ErrVersionMismatch = errors.New("record version mismatch")

func EncodeRun(run model.RunRecord) ([]byte, error) {
	return json.Marshal(run)
}

func DecodeRun(data []byte) (model.RunRecord, error) {
	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.RunRecord{}, err
	}
	return run, nil
}

// EncodeResults stores the loss of invalid results as zero, since JSON has
// no representation for infinity. DecodeResults restores it.
func EncodeResults(results []model.FitResult) ([]byte, error) {
	encoded := make([]model.FitResult, len(results))
	for i, r := range results {
		if !r.Valid {
			r.Loss = 0
		}
		encoded[i] = r
	}
	return json.Marshal(encoded)
}

func DecodeResults(data []byte) ([]model.FitResult, error) {
	var results []model.FitResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, err
	}
	for i := range results {
		if err := checkVersion(results[i].VersionedRecord); err != nil {
			return nil, err
		}
		if !results[i].Valid {
			results[i].Loss = math.Inf(1)
		}
	}
	return results, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion {
		return ErrVersionMismatch
	}
	return nil
}
