package job

import (
	"errors"
	"jobwatch/internal/apperrors"
	"testing"
)

func boolPtr(b bool) *bool { return &b }

func TestReachedTerminalState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		jobType  Type
		state    State
		override *bool
		expected State
		want     bool
		wantErr  error
	}{
		{name: "batch running", jobType: TypeBatch, state: StateRunning, want: false},
		{name: "streaming running", jobType: TypeStreaming, state: StateRunning, want: true},
		{name: "batch running wait", jobType: TypeBatch, state: StateRunning, override: boolPtr(true), want: false},
		{name: "streaming running wait", jobType: TypeStreaming, state: StateRunning, override: boolPtr(true), want: false},
		{name: "batch running no wait", jobType: TypeBatch, state: StateRunning, override: boolPtr(false), want: true},
		{name: "streaming running no wait", jobType: TypeStreaming, state: StateRunning, override: boolPtr(false), want: true},

		{name: "pending", jobType: TypeBatch, state: StatePending, want: false},
		{name: "queued", jobType: TypeBatch, state: StateQueued, want: false},
		{name: "cancelling", jobType: TypeBatch, state: StateCancelling, want: false},
		{name: "draining", jobType: TypeStreaming, state: StateDraining, want: false},
		{name: "stopped", jobType: TypeStreaming, state: StateStopped, want: false},
		{name: "pending wait", jobType: TypeBatch, state: StatePending, override: boolPtr(true), want: false},
		{name: "queued wait", jobType: TypeStreaming, state: StateQueued, override: boolPtr(true), want: false},
		{name: "pending no wait", jobType: TypeBatch, state: StatePending, override: boolPtr(false), want: true},
		{name: "queued no wait", jobType: TypeStreaming, state: StateQueued, override: boolPtr(false), want: true},
		{name: "cancelling no wait", jobType: TypeBatch, state: StateCancelling, override: boolPtr(false), want: true},
		{name: "draining no wait", jobType: TypeStreaming, state: StateDraining, override: boolPtr(false), want: true},
		{name: "stopped no wait", jobType: TypeBatch, state: StateStopped, override: boolPtr(false), want: true},

		{name: "batch done", jobType: TypeBatch, state: StateDone, want: true},
		{name: "untyped done", state: StateDone, want: true},
		{name: "batch done wait", jobType: TypeBatch, state: StateDone, override: boolPtr(true), want: true},
		{name: "batch done no wait", jobType: TypeBatch, state: StateDone, override: boolPtr(false), want: true},
		{name: "streaming done", jobType: TypeStreaming, state: StateDone, wantErr: apperrors.ErrTerminalFailure},

		{name: "batch failed", jobType: TypeBatch, state: StateFailed, wantErr: apperrors.ErrTerminalFailure},
		{name: "streaming failed", jobType: TypeStreaming, state: StateFailed, wantErr: apperrors.ErrTerminalFailure},
		{name: "failed no wait", jobType: TypeBatch, state: StateFailed, override: boolPtr(false), wantErr: apperrors.ErrTerminalFailure},
		{name: "batch unknown", jobType: TypeBatch, state: StateUnknown, wantErr: apperrors.ErrTerminalFailure},
		{name: "streaming unknown", jobType: TypeStreaming, state: StateUnknown, wantErr: apperrors.ErrTerminalFailure},
		{name: "batch cancelled unexpected", jobType: TypeBatch, state: StateCancelled, wantErr: apperrors.ErrTerminalFailure},
		{name: "streaming drained unexpected", jobType: TypeStreaming, state: StateDrained, wantErr: apperrors.ErrTerminalFailure},
		{name: "batch updated unexpected", jobType: TypeBatch, state: StateUpdated, wantErr: apperrors.ErrTerminalFailure},

		{name: "expected cancelled", jobType: TypeBatch, state: StateCancelled, expected: StateCancelled, want: true},
		{name: "expected drained", jobType: TypeStreaming, state: StateDrained, expected: StateDrained, want: true},
		{name: "expected updated", jobType: TypeStreaming, state: StateUpdated, expected: StateUpdated, want: true},
		{name: "expected running batch", jobType: TypeBatch, state: StateRunning, expected: StateRunning, want: true},
		{name: "expected cancelled still running", jobType: TypeBatch, state: StateRunning, expected: StateCancelled, want: false},
		{name: "expected cancelled got done", jobType: TypeBatch, state: StateDone, expected: StateCancelled, wantErr: apperrors.ErrTerminalFailure},

		{name: "expected failed", jobType: TypeBatch, state: StateFailed, expected: StateFailed, wantErr: apperrors.ErrInvalidExpectedState},
		{name: "expected queued", jobType: TypeBatch, state: StateQueued, expected: StateQueued, wantErr: apperrors.ErrInvalidExpectedState},
		{name: "batch expected drained", jobType: TypeBatch, state: StateRunning, expected: StateDrained, wantErr: apperrors.ErrInvalidExpectedState},
		{name: "untyped queued expected drained", state: StateQueued, expected: StateDrained, want: false},
		{name: "untyped pending expected drained", state: StatePending, expected: StateDrained, want: false},
		{name: "untyped drained expected drained", state: StateDrained, expected: StateDrained, want: true},
		{name: "streaming expected done", jobType: TypeStreaming, state: StateRunning, expected: StateDone, wantErr: apperrors.ErrInvalidExpectedState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			j := Job{ID: "test-job-id", Name: "test-job", Type: tt.jobType, CurrentState: tt.state}

			got, err := ReachedTerminalState(j, tt.override, tt.expected)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected error %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ReachedTerminalState() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReachedTerminalState_Messages(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		job      Job
		expected State
		want     string
	}{
		{
			name:     "streaming done",
			job:      Job{ID: "1", Type: TypeStreaming, CurrentState: StateRunning},
			expected: StateDone,
			want:     "job's expected terminal state cannot be JOB_STATE_DONE while it is a streaming job",
		},
		{
			name:     "batch drained",
			job:      Job{ID: "1", Type: TypeBatch, CurrentState: StateRunning},
			expected: StateDrained,
			want:     "job's expected terminal state cannot be JOB_STATE_DRAINED while it is a batch job",
		},
		{
			name: "unexpected terminal",
			job:  Job{ID: "1", Name: "wordcount", Type: TypeBatch, CurrentState: StateFailed},
			want: "job wordcount (1) is in an unexpected terminal state: JOB_STATE_FAILED, expected terminal state: JOB_STATE_DONE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ReachedTerminalState(tt.job, nil, tt.expected)
			if err == nil {
				t.Fatal("Expected error")
			}
			if err.Error() != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, err.Error())
			}
		})
	}
}

func TestReachedTerminalState_ErrorCarriesJob(t *testing.T) {
	t.Parallel()
	j := Job{ID: "2024-01-01_00_00_00-1", Name: "etl", Type: TypeBatch, CurrentState: StateFailed}

	_, err := ReachedTerminalState(j, nil, "")

	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		t.Fatalf("Expected *apperrors.Error, got %T", err)
	}
	if appErr.JobID != j.ID || appErr.JobName != "etl" || appErr.State != string(StateFailed) {
		t.Errorf("Unexpected error context: %+v", appErr)
	}
}

func TestStateCategories(t *testing.T) {
	t.Parallel()

	for _, s := range []State{StateDone, StateFailed, StateCancelled, StateUpdated, StateDrained} {
		if !s.IsTerminal() {
			t.Errorf("Expected %s to be terminal", s)
		}
		if !s.IsCancelEnd() {
			t.Errorf("Expected %s to be a cancel end state", s)
		}
	}
	for _, s := range []State{StateQueued, StatePending, StateRunning, StateCancelling, StateDraining} {
		if s.IsTerminal() || s.IsCancelEnd() {
			t.Errorf("Expected %s to be neither terminal nor a cancel end state", s)
		}
		if !s.IsAwaiting() {
			t.Errorf("Expected %s to be awaiting", s)
		}
	}
	if StateStopped.IsTerminal() || !StateStopped.IsCancelEnd() || !StateStopped.IsAwaiting() {
		t.Error("Expected STOPPED to be awaiting and a cancel end state but not terminal")
	}
	if StateUnknown.IsTerminal() || StateUnknown.IsAwaiting() {
		t.Error("Expected UNKNOWN to be neither terminal nor awaiting")
	}
}

func TestParseState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    State
		wantErr bool
	}{
		{in: "", want: ""},
		{in: "JOB_STATE_DONE", want: StateDone},
		{in: "drained", want: StateDrained},
		{in: " Cancelled ", want: StateCancelled},
		{in: "finished", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseState(tt.in)
			if tt.wantErr {
				if !errors.Is(err, apperrors.ErrValidation) {
					t.Errorf("Expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseState(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseType(t *testing.T) {
	t.Parallel()

	if got, _ := ParseType("streaming"); got != TypeStreaming {
		t.Errorf("Expected streaming, got %q", got)
	}
	if got, _ := ParseType("JOB_TYPE_BATCH"); got != TypeBatch {
		t.Errorf("Expected batch, got %q", got)
	}
	if got, _ := ParseType(""); got != TypeUnknown {
		t.Errorf("Expected unknown, got %q", got)
	}
	if _, err := ParseType("interactive"); err == nil {
		t.Error("Expected error for unknown type")
	}
}
