package core

import (
	"errors"
	"fmt"
)

// Coordinator errors
var (
	ErrUnitNotFound      = errors.New("workgate: work unit not found")
	ErrInvalidToken      = errors.New("workgate: claim token does not match the current lease")
	ErrAlreadyTerminal   = errors.New("workgate: work unit is already terminal")
	ErrUnknownWorker     = errors.New("workgate: engine worker is not registered")
	ErrInvalidAction     = errors.New("workgate: transition not allowed from current status")
	ErrBackpressure      = errors.New("workgate: heavy submission blocked by backpressure")
	ErrDuplicateIncident = errors.New("workgate: open incident already exists for issue key")
)

// Key-value store errors
var (
	ErrInvalidTTL = errors.New("workgate: ttl must be positive")
)

// BackpressureError carries the gate decision that refused a submission.
type BackpressureError struct {
	Reason   string
	IssueKey string
}

func (e *BackpressureError) Error() string {
	if e.IssueKey == "" {
		return fmt.Sprintf("backpressure: %s", e.Reason)
	}
	return fmt.Sprintf("backpressure: %s (%s)", e.Reason, e.IssueKey)
}

// Is lets errors.Is match ErrBackpressure.
func (e *BackpressureError) Is(target error) bool {
	return target == ErrBackpressure
}
