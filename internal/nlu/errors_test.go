package nlu

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestConnectivityError_Is(t *testing.T) {
	err := &ConnectivityError{Op: "train", Err: context.DeadlineExceeded}
	if !errors.Is(err, ErrConnectivity) {
		t.Error("ConnectivityError should match ErrConnectivity")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("ConnectivityError should expose its cause")
	}
	if !IsConnectivity(err) {
		t.Error("IsConnectivity = false, want true")
	}
	if errors.Is(err, ErrRemoteRejection) {
		t.Error("ConnectivityError must not match ErrRemoteRejection")
	}
}

func TestRemoteRejectionError(t *testing.T) {
	err := &RemoteRejectionError{Op: "predict", StatusCode: 404, Message: "modelId abc can't be found"}
	if !errors.Is(err, ErrRemoteRejection) {
		t.Error("RemoteRejectionError should match ErrRemoteRejection")
	}
	if IsConnectivity(err) {
		t.Error("rejection must not be retryable")
	}
	if !strings.Contains(err.Error(), "modelId abc can't be found") {
		t.Errorf("message not surfaced verbatim: %q", err)
	}
}

func TestTrainingErroredError(t *testing.T) {
	err := &TrainingErroredError{ModelID: "m1", Type: "unknown", Message: "out of memory"}
	if !errors.Is(err, ErrTrainingErrored) {
		t.Error("TrainingErroredError should match ErrTrainingErrored")
	}
	if errors.Is(err, ErrTrainingCanceled) {
		t.Error("errored must be distinct from canceled")
	}
	var te *TrainingErroredError
	if !errors.As(err, &te) || te.Message != "out of memory" {
		t.Errorf("errors.As failed: %v", err)
	}
}

func TestStorage(t *testing.T) {
	if Storage("entry: get", nil) != nil {
		t.Error("Storage(nil) should be nil")
	}
	cause := errors.New("disk full")
	err := Storage("entry: get", cause)
	if !errors.Is(err, ErrStorage) || !errors.Is(err, cause) {
		t.Errorf("Storage error does not wrap both: %v", err)
	}
	if !strings.HasPrefix(err.Error(), "entry: get") {
		t.Errorf("error = %q", err)
	}
}

func TestTrainingStatus_InProgress(t *testing.T) {
	tests := []struct {
		status TrainingStatus
		want   bool
	}{
		{TrainingPending, true},
		{TrainingRunning, true},
		{TrainingDone, false},
		{TrainingCanceled, false},
		{TrainingErrored, false},
	}
	for _, tt := range tests {
		if got := tt.status.InProgress(); got != tt.want {
			t.Errorf("%s.InProgress() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestTrainingUpdate_Terminal(t *testing.T) {
	if (TrainingUpdate{Progress: 0.4}).Terminal() {
		t.Error("progress update should not be terminal")
	}
	if !(TrainingUpdate{Done: true}).Terminal() {
		t.Error("done update should be terminal")
	}
	if !(TrainingUpdate{Err: ErrTrainingCanceled}).Terminal() {
		t.Error("error update should be terminal")
	}
}
