package job

import (
	"fmt"
	"jobwatch/internal/apperrors"
	"slices"
	"strings"
)

var (
	// awaitingStates are states a job passes through on its way to a terminal state.
	awaitingStates = []State{StateQueued, StatePending, StateRunning, StateCancelling, StateDraining, StateStopped}

	// terminalStates are states after which no further transition is expected.
	terminalStates = []State{StateDone, StateFailed, StateCancelled, StateUpdated, StateDrained}

	// cancelEndStates are states in which a job can no longer be cancelled.
	cancelEndStates = []State{StateCancelled, StateDone, StateFailed, StateUpdated, StateDrained, StateStopped}

	// expectableStates may be configured as the expected terminal state.
	expectableStates = []State{StateDone, StateCancelled, StateUpdated, StateDrained, StateRunning}

	allStates = []State{
		StateUnknown, StateQueued, StatePending, StateRunning, StateDone, StateFailed,
		StateCancelled, StateCancelling, StateDraining, StateDrained, StateStopped, StateUpdated,
	}
)

// IsTerminal reports whether no further transition is expected from s.
func (s State) IsTerminal() bool {
	return slices.Contains(terminalStates, s)
}

// IsAwaiting reports whether s is an intermediate state worth polling through.
func (s State) IsAwaiting() bool {
	return slices.Contains(awaitingStates, s)
}

// IsCancelEnd reports whether a job in state s can no longer be cancelled.
func (s State) IsCancelEnd() bool {
	return slices.Contains(cancelEndStates, s)
}

// ParseState accepts either the wire name ("JOB_STATE_DONE") or the short
// name ("done"), case-insensitively. An empty string yields an empty State.
func ParseState(s string) (State, error) {
	if s == "" {
		return "", nil
	}
	name := strings.ToUpper(strings.TrimSpace(s))
	if !strings.HasPrefix(name, "JOB_STATE_") {
		name = "JOB_STATE_" + name
	}
	st := State(name)
	if !slices.Contains(allStates, st) {
		return "", apperrors.Validation("expectedTerminalState", fmt.Sprintf("unknown job state %q", s))
	}
	return st, nil
}

// ParseType accepts "batch", "streaming" or the wire names. Empty yields TypeUnknown.
func ParseType(s string) (Type, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "UNKNOWN", string(TypeUnknown):
		return TypeUnknown, nil
	case "BATCH", string(TypeBatch):
		return TypeBatch, nil
	case "STREAMING", string(TypeStreaming):
		return TypeStreaming, nil
	default:
		return "", apperrors.Validation("type", fmt.Sprintf("unknown job type %q", s))
	}
}

// ExpectedState returns the state j is expected to settle in: the explicit
// expected state when set, RUNNING for streaming jobs and DONE otherwise.
func ExpectedState(j Job, expected State) State {
	if expected != "" {
		return expected
	}
	if j.IsStreaming() {
		return StateRunning
	}
	return StateDone
}

// ReachedTerminalState classifies one job snapshot.
//
// It returns true when polling for j can stop successfully and false when j
// is still on its way. waitUntilFinished overrides the default RUNNING
// handling: true keeps waiting past RUNNING, false stops as soon as the job
// is running (or in any awaiting state). A job in a terminal state other than
// the expected one, or in FAILED or UNKNOWN, yields a TerminalFailure error.
// Expected states that j can never reach yield InvalidExpectedState.
func ReachedTerminalState(j Job, waitUntilFinished *bool, expected State) (bool, error) {
	current := j.CurrentState
	want := ExpectedState(j, expected)

	if !slices.Contains(expectableStates, want) {
		return false, apperrors.InvalidExpectedState(j.ID, string(want), fmt.Sprintf(
			"job's expected terminal state %q is invalid; the value should be any of the following states: %s",
			want, joinStates(expectableStates)))
	}
	if j.IsStreaming() && want == StateDone {
		return false, apperrors.InvalidExpectedState(j.ID, string(want),
			"job's expected terminal state cannot be JOB_STATE_DONE while it is a streaming job")
	}
	// Queued and pending jobs may not report a type yet.
	if j.Type == TypeBatch && want == StateDrained {
		return false, apperrors.InvalidExpectedState(j.ID, string(want),
			"job's expected terminal state cannot be JOB_STATE_DRAINED while it is a batch job")
	}

	if current == want {
		if want == StateRunning {
			return waitUntilFinished == nil || !*waitUntilFinished, nil
		}
		return true, nil
	}

	if current.IsAwaiting() {
		return waitUntilFinished != nil && !*waitUntilFinished, nil
	}

	return false, apperrors.TerminalFailure(j.ID, j.Name, string(current), string(want))
}

func joinStates(states []State) string {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}
