package pipeline

import "errors"

var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrCatalogue           = errors.New("catalogue unavailable")
	ErrNotSelectionJob     = errors.New("job is not a selection job")
	ErrSelectionNotDone    = errors.New("selection job has not finished")
	ErrNothingToRefine     = errors.New("no pertinent aides to refine")
	ErrRefinementExists    = errors.New("selection job already has a refinement job")
	ErrSnapshotUnavailable = errors.New("job has no archived snapshot")
)
