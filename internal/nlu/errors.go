package nlu

import (
	"errors"
	"fmt"
)

// Sentinel errors of the model lifecycle. Typed errors below unwrap to one of
// these so callers can branch with errors.Is.
var (
	ErrConnectivity     = errors.New("nlu: remote service unreachable")
	ErrRemoteRejection  = errors.New("nlu: remote service rejected request")
	ErrTrainingCanceled = errors.New("nlu: training canceled")
	ErrTrainingErrored  = errors.New("nlu: training errored")
	ErrStaleEntry       = errors.New("nlu: stale training entry")
	ErrNoModelAvailable = errors.New("nlu: no model available")
	ErrMalformedModelID = errors.New("nlu: malformed model id")
	ErrStorage          = errors.New("nlu: storage failure")
	ErrNoTraining       = errors.New("nlu: no training in progress")
	ErrSuperseded       = errors.New("nlu: training superseded by a newer definition")
	ErrTrainingTimeout  = errors.New("nlu: training deadline exceeded")
	ErrInvalidInput     = errors.New("nlu: invalid input")
)

// ConnectivityError is a transport-level failure reaching the remote
// service. It is the only error retried internally.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("nlu: %s: remote service unreachable: %v", e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the transport cause.
func (e *ConnectivityError) Unwrap() []error {
	return []error{ErrConnectivity, e.Err}
}

// RemoteRejectionError is returned when the remote answered without
// success. Message is the server-supplied text, surfaced verbatim.
type RemoteRejectionError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *RemoteRejectionError) Error() string {
	return fmt.Sprintf("nlu: %s: rejected (status %d): %s", e.Op, e.StatusCode, e.Message)
}

func (e *RemoteRejectionError) Unwrap() error { return ErrRemoteRejection }

// TrainingErroredError carries the remote failure of a training job.
type TrainingErroredError struct {
	ModelID string
	Type    string
	Message string
}

func (e *TrainingErroredError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("nlu: training %s errored (%s): %s", e.ModelID, e.Type, e.Message)
	}
	return fmt.Sprintf("nlu: training %s errored: %s", e.ModelID, e.Message)
}

func (e *TrainingErroredError) Unwrap() error { return ErrTrainingErrored }

// IsConnectivity reports whether err is a retryable transport failure.
func IsConnectivity(err error) bool {
	return errors.Is(err, ErrConnectivity)
}

// Storage wraps an underlying store failure so that it matches ErrStorage.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}
