package jobs

import "errors"

var (
	ErrNotFound         = errors.New("job not found")
	ErrTotalsAlreadySet = errors.New("job totals already set")
	ErrCounterFull      = errors.New("job batch counters already at total")
	// ErrConflict reports a second live child job for the same parent.
	ErrConflict = errors.New("parent job already has a live child job")
)
