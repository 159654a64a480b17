package pipeline

import (
	"time"

	"github.com/msageha/dirpoller/internal/statelog"
)

// State is the tagged variant describing where a file is in the pipeline.
// ID selects the case; the remaining fields belong to a single case each and
// are zero for the others. States are values: advancing replaces the
// context's State and appends a Snapshot, it never links states together.
type State struct {
	ID statelog.StateID

	// Trigger
	triggerSent      bool
	triggerSucceeded bool

	// MoveToAppProcessing
	appSrc   string
	appDst   string
	appMoved bool

	// Resume: the state replayed from the log that execution continues from.
	resumeTo *State
}

func TrackingState() State            { return State{ID: statelog.Tracking} }
func MoveToProcessingState() State    { return State{ID: statelog.MoveToProcessing} }
func InProcessingState() State        { return State{ID: statelog.InProcessing} }
func MoveToAppProcessingState() State { return State{ID: statelog.MoveToAppProcessing} }
func TriggerState() State             { return State{ID: statelog.Trigger} }
func FinishedState() State            { return State{ID: statelog.Finished} }
func ErrorState() State               { return State{ID: statelog.Error} }

// ResumeState continues from last, the final state read from the log.
// A nil last means the log held nothing usable.
func ResumeState(last *State) State {
	return State{ID: statelog.Resume, resumeTo: last}
}

// Finished reports whether no further execution is needed.
func (s State) Finished() bool {
	switch s.ID {
	case statelog.Finished, statelog.Error:
		return true
	case statelog.Trigger:
		return s.triggerSucceeded
	case statelog.Resume:
		return s.resumeTo != nil && s.resumeTo.Finished()
	default:
		return false
	}
}

// Before reports whether s precedes id in the pipeline order.
// Resume and Error are not ordered and always report false.
func (s State) Before(id statelog.StateID) bool {
	if s.ID == statelog.Resume || s.ID == statelog.Error {
		return false
	}
	return s.ID < id
}

// TriggerSent reports whether a trigger state has sent its job.
func (s State) TriggerSent() bool { return s.triggerSent }

func (s State) String() string { return s.ID.String() }

// Snapshot records one state transition for diagnostics.
type Snapshot struct {
	State statelog.StateID
	At    time.Time
}

// stateFor returns an empty state for a replayed log entry.
func stateFor(id statelog.StateID, prev *State) State {
	switch id {
	case statelog.Tracking:
		return TrackingState()
	case statelog.MoveToProcessing:
		return MoveToProcessingState()
	case statelog.InProcessing:
		return InProcessingState()
	case statelog.MoveToAppProcessing:
		return MoveToAppProcessingState()
	case statelog.Trigger:
		return TriggerState()
	case statelog.Finished:
		return FinishedState()
	case statelog.Resume:
		return ResumeState(prev)
	default:
		return ErrorState()
	}
}
