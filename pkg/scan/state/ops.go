// Package state owns every mutation of scan and session documents. Mutations
// travel as bus tasks routed by scan id, so all writes for one scan land on
// the same state shard and apply in submission order. Workflow and plugin
// workers never touch the database directly; they submit operations through
// the Client and branch on the acknowledged state.
package state

import (
	"time"

	"github.com/google/uuid"

	"github.com/pyneda/minion/db"
)

// Operation names understood by the state writer.
const (
	OpScanStart             = "scan_start"
	OpScanFinish            = "scan_finish"
	OpScanStop              = "scan_stop"
	OpSessionQueue          = "session_queue"
	OpSessionStart          = "session_start"
	OpSessionSetTaskID      = "session_set_task_id"
	OpSessionReportIssue    = "session_report_issue"
	OpSessionReportArtifact = "session_report_artifact"
	OpSessionFinish         = "session_finish"
	OpSetStatusIssues       = "set_status_issues"
)

// Acknowledgements that are not states. Most operations ack the state the
// document holds after the write; these two are the exceptions.
const (
	// AckOK acknowledges operations that carry no state, like issue reports.
	AckOK = "OK"
	// AckClaimed acknowledges the one scan_start that won the QUEUED to
	// STARTED transition. A refused claim acks the observed scan state
	// instead, so duplicate deliveries can never both own a scan.
	AckClaimed = "CLAIMED"
)

type scanStartArgs struct {
	ScanID uuid.UUID `json:"scan_id"`
	Time   time.Time `json:"time"`
}

type scanFinishArgs struct {
	ScanID  uuid.UUID    `json:"scan_id"`
	State   db.ScanState `json:"state"`
	Time    time.Time    `json:"time"`
	Failure *db.Failure  `json:"failure,omitempty"`
}

type scanStopArgs struct {
	ScanID uuid.UUID `json:"scan_id"`
	Time   time.Time `json:"time"`
}

// sessionStateArgs serves session_queue and session_start, which differ only
// in the state and timestamp they write.
type sessionStateArgs struct {
	ScanID    uuid.UUID `json:"scan_id"`
	SessionID uuid.UUID `json:"session_id"`
	Time      time.Time `json:"time"`
}

type sessionFinishArgs struct {
	ScanID    uuid.UUID       `json:"scan_id"`
	SessionID uuid.UUID       `json:"session_id"`
	State     db.SessionState `json:"state"`
	Time      time.Time       `json:"time"`
	Failure   *db.Failure     `json:"failure,omitempty"`
}

type sessionTaskArgs struct {
	ScanID    uuid.UUID `json:"scan_id"`
	SessionID uuid.UUID `json:"session_id"`
	TaskID    string    `json:"task_id"`
}

type issueArgs struct {
	ScanID    uuid.UUID `json:"scan_id"`
	SessionID uuid.UUID `json:"session_id"`
	Issue     db.Issue  `json:"issue"`
}

type artifactArgs struct {
	ScanID    uuid.UUID   `json:"scan_id"`
	SessionID uuid.UUID   `json:"session_id"`
	Artifact  db.Artifact `json:"artifact"`
}

type correlateArgs struct {
	ScanID uuid.UUID `json:"scan_id"`
}
