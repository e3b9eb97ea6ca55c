package telemetry

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformed is wrapped by every *MalformedError.
	ErrMalformed = errors.New("malformed telemetry")

	// ErrTransient is wrapped by every *TransientError.
	ErrTransient = errors.New("transient ingestion failure")

	// ErrNotRunning is returned by Ingest before Start or after Stop.
	ErrNotRunning = errors.New("telemetry ingestor not running")
)

// MalformedError rejects a payload that cannot become a Sample. The
// message is dropped; redelivery would fail the same way.
type MalformedError struct {
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed telemetry: %s: %v", e.Reason, e.Err)
	}
	return "malformed telemetry: " + e.Reason
}

func (e *MalformedError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMalformed}
	}
	return []error{ErrMalformed, e.Err}
}

// TransientError reports a valid sample that could not be queued in time.
// The transport is expected to redeliver it.
type TransientError struct {
	RobotID string
	Err     error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("telemetry for %s not queued: %v", e.RobotID, e.Err)
}

func (e *TransientError) Unwrap() []error { return []error{ErrTransient, e.Err} }
