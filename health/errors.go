package health

import "errors"

var (
	// ErrCheckerNotFound indicates no checker is registered under the
	// requested name.
	ErrCheckerNotFound = errors.New("health: checker not found")

	// ErrCheckTimeout indicates a check did not finish before the
	// aggregator's deadline.
	ErrCheckTimeout = errors.New("health: check timed out")
)
