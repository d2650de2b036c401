package photdeblend

import (
	"errors"
	"fmt"
)

var (
	// ErrDataShape matches any *DataShapeError.
	ErrDataShape = errors.New("data shape mismatch")
	// ErrCoverage matches any *CoverageError.
	ErrCoverage = errors.New("no sources survive coverage cut")
	// ErrParameterMissing matches any *ParameterMissingError.
	ErrParameterMissing = errors.New("posterior parameter missing")
	// ErrBandMismatch is returned when a prior, pointing matrix or replicated map
	// from one band is combined with data from another.
	ErrBandMismatch = errors.New("band index mismatch")
	// ErrFrozen is returned when a prior is mutated after its pointing matrix was built.
	ErrFrozen = errors.New("source prior is frozen")
	// ErrDuplicateID matches any *DuplicateIDError.
	ErrDuplicateID = errors.New("duplicate source id")
	// ErrNotReady is returned when canonical posterior data is requested before
	// ingestion reached the Ready state.
	ErrNotReady = errors.New("posterior not ready")
)

// DataShapeError reports an array length or dimension mismatch.
type DataShapeError struct {
	What string
	Want int
	Got  int
}

func (e *DataShapeError) Error() string {
	return fmt.Sprintf("%s: want %d, got %d", e.What, e.Want, e.Got)
}

func (e *DataShapeError) Is(target error) bool { return target == ErrDataShape }

func shapeError(what string, want, got int) error {
	return &DataShapeError{What: what, Want: want, Got: got}
}

// CoverageError reports that every source of a band was removed by the
// spatial and finite-pixel cuts.
type CoverageError struct {
	Band   string
	Before int
}

func (e *CoverageError) Error() string {
	return fmt.Sprintf("band %s: none of %d sources inside coverage and finite map pixels", e.Band, e.Before)
}

func (e *CoverageError) Is(target error) bool { return target == ErrCoverage }

// ParameterMissingError reports a parameter group absent from sampler output.
type ParameterMissingError struct {
	Name string
}

func (e *ParameterMissingError) Error() string {
	return fmt.Sprintf("parameter %q missing from sampler output", e.Name)
}

func (e *ParameterMissingError) Is(target error) bool { return target == ErrParameterMissing }

// DuplicateIDError reports a source ID used by more than one catalogue row.
// Rows are zero-based.
type DuplicateIDError struct {
	ID          string
	First, Next int
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("source id %q repeated at rows %d and %d", e.ID, e.First, e.Next)
}

func (e *DuplicateIDError) Is(target error) bool { return target == ErrDuplicateID }

// checkUniqueIDs returns a *DuplicateIDError for the first repeated ID.
func checkUniqueIDs(ids []string) error {
	seen := make(map[string]int, len(ids))
	for i, id := range ids {
		if first, ok := seen[id]; ok {
			return &DuplicateIDError{ID: id, First: first, Next: i}
		}
		seen[id] = i
	}
	return nil
}
