package crawler

import "errors"

var (
	// ErrNotFound is returned when a job, task or source does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument flags caller input that cannot be processed.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrExcluded marks a URL filtered out by the job's exclusion rules.
	ErrExcluded = errors.New("url excluded")
	// ErrTerminalState is returned when a finished job would be transitioned.
	ErrTerminalState = errors.New("job already finished")
	// ErrTransient marks a store that is temporarily unwritable; callers may retry.
	ErrTransient = errors.New("temporarily unavailable")
)
