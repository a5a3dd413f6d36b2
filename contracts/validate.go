package contracts

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// selectionValidator is process-wide: the validator package's own docs
// recommend caching one instance per struct-tag cache rather than
// constructing validator.New() per call.
var selectionValidator = validator.New()

// ValidateSelection enforces SelectionSpec's struct tags (mode is one of
// manual/api, dateRangeKind is one of the known buckets when set, maxFiches
// and maxRecordingsPerFiche are positive when set). Callers at every
// workflow boundary that accept a caller-supplied SelectionSpec -- the
// trigger HTTP handler's override and the Run-Orchestrator's resolved
// selection -- must call this before acting on it.
func ValidateSelection(spec SelectionSpec) error {
	if err := selectionValidator.Struct(spec); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
