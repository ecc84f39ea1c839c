package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// ScanState represents the lifecycle state of a scan
type ScanState string

const (
	ScanStateCreated  ScanState = "CREATED"
	ScanStateQueued   ScanState = "QUEUED"
	ScanStateStarted  ScanState = "STARTED"
	ScanStateFinished ScanState = "FINISHED"
	ScanStateFailed   ScanState = "FAILED"
	ScanStateStopping ScanState = "STOPPING"
	ScanStateStopped  ScanState = "STOPPED"
	ScanStateAborted  ScanState = "ABORTED"
)

// ScanTerminalStates are the states after which no scan state write is
// accepted.
var ScanTerminalStates = []ScanState{
	ScanStateFinished,
	ScanStateFailed,
	ScanStateStopped,
	ScanStateAborted,
}

// IsTerminal returns true once no further scan mutations are allowed, except
// the correlator attaching fixed-issue references.
func (s ScanState) IsTerminal() bool {
	return s == ScanStateFinished ||
		s == ScanStateFailed ||
		s == ScanStateStopped ||
		s == ScanStateAborted
}

// StopRefused returns true when a scan document no longer accepts new work.
// STOPPING is treated like STOPPED on re-read: the stop is already in flight.
func (s ScanState) StopRefused() bool {
	return s == ScanStateStopping || s == ScanStateStopped
}

// SessionState represents the lifecycle state of a plugin session
type SessionState string

const (
	SessionStateCreated    SessionState = "CREATED"
	SessionStateQueued     SessionState = "QUEUED"
	SessionStateStarted    SessionState = "STARTED"
	SessionStateFinished   SessionState = "FINISHED"
	SessionStateFailed     SessionState = "FAILED"
	SessionStateStopped    SessionState = "STOPPED"
	SessionStateCancelled  SessionState = "CANCELLED"
	SessionStateTerminated SessionState = "TERMINATED"
	SessionStateTimeout    SessionState = "TIMEOUT"
	SessionStateAborted    SessionState = "ABORTED"
)

// SessionTerminalStates are the states after which no session state write is
// accepted.
var SessionTerminalStates = []SessionState{
	SessionStateFinished,
	SessionStateFailed,
	SessionStateStopped,
	SessionStateCancelled,
	SessionStateTerminated,
	SessionStateTimeout,
	SessionStateAborted,
}

// IsTerminal returns true if the session reached a final state. At most one
// terminal state is ever written; later terminal writes are no-ops.
func (s SessionState) IsTerminal() bool {
	switch s {
	case SessionStateFinished, SessionStateFailed, SessionStateStopped,
		SessionStateCancelled, SessionStateTerminated, SessionStateTimeout,
		SessionStateAborted:
		return true
	}
	return false
}

// ValidFinishState reports whether a state is acceptable in a plugin `finish`
// message. CANCELLED is reserved for sessions that never ran.
func ValidFinishState(s SessionState) bool {
	switch s {
	case SessionStateFinished, SessionStateFailed, SessionStateStopped,
		SessionStateTerminated, SessionStateTimeout, SessionStateAborted:
		return true
	}
	return false
}

// IssueStatus is the closed set of issue lifecycle statuses. The correlator
// assigns Current/Fixed; the tag endpoint assigns FalsePositive/Ignored.
type IssueStatus string

const (
	IssueStatusCurrent       IssueStatus = "Current"
	IssueStatusFixed         IssueStatus = "Fixed"
	IssueStatusFalsePositive IssueStatus = "FalsePositive"
	IssueStatusIgnored       IssueStatus = "Ignored"

	// IssueStatusNone marks the absence of a prior status.
	IssueStatusNone IssueStatus = "-"
)

// ValidTagStatus reports whether a status may be applied through the tag
// endpoint.
func ValidTagStatus(s IssueStatus) bool {
	return s == IssueStatusFalsePositive || s == IssueStatusIgnored
}

// Failure documents why a scan or session ended abnormally. Exception stays
// null for admission failures and synthesized plugin failures.
type Failure struct {
	Hostname  string  `json:"hostname"`
	Reason    string  `json:"reason,omitempty"`
	Message   string  `json:"message"`
	Exception *string `json:"exception"`
}

func (f *Failure) Scan(value interface{}) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, f)
	case string:
		return json.Unmarshal([]byte(v), f)
	default:
		return fmt.Errorf("unsupported type for Failure: %T", v)
	}
}

func (f *Failure) Value() (driver.Value, error) {
	if f == nil {
		return nil, nil
	}
	return json.Marshal(f)
}
