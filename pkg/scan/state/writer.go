package state

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pyneda/minion/db"
	"github.com/pyneda/minion/internal/metrics"
	"github.com/pyneda/minion/pkg/scan/bus"
	"github.com/pyneda/minion/pkg/scan/correlate"
)

// Revoker cancels a queued or running plugin task. The bus implements it.
type Revoker interface {
	Revoke(ctx context.Context, taskID string) error
}

// Writer applies state operations to scan documents. One consumer per state
// shard means the writer never races itself for a given scan; writes are
// still guarded so a terminal state, once set, cannot be overwritten.
type Writer struct {
	conn     *db.DatabaseConnection
	revoker  Revoker
	notifier *Notifier
}

// NewWriter builds a writer. revoker and notifier may be nil, which disables
// task revocation and callbacks respectively.
func NewWriter(conn *db.DatabaseConnection, revoker Revoker, notifier *Notifier) *Writer {
	return &Writer{conn: conn, revoker: revoker, notifier: notifier}
}

// Handlers maps every state operation to its handler, ready to hand to a bus
// worker.
func (w *Writer) Handlers() map[string]bus.Handler {
	return map[string]bus.Handler{
		OpScanStart:             w.scanStart,
		OpScanFinish:            w.scanFinish,
		OpScanStop:              w.scanStop,
		OpSessionQueue:          w.sessionQueue,
		OpSessionStart:          w.sessionStart,
		OpSessionSetTaskID:      w.sessionSetTaskID,
		OpSessionReportIssue:    w.sessionReportIssue,
		OpSessionReportArtifact: w.sessionReportArtifact,
		OpSessionFinish:         w.sessionFinish,
		OpSetStatusIssues:       w.setStatusIssues,
	}
}

// scanStart claims a queued scan for execution. The QUEUED precondition makes
// the claim exclusive: a duplicate delivery, or a stop that landed first,
// sees the observed state echoed back instead of a second claim.
func (w *Writer) scanStart(ctx context.Context, task *bus.Task) (string, error) {
	var args scanStartArgs
	if err := task.Bind(&args); err != nil {
		return "", err
	}

	wrote, err := w.conn.TransitionScan(args.ScanID, db.ScanStateQueued, map[string]interface{}{
		"state":      db.ScanStateStarted,
		"started_at": &args.Time,
	})
	if err != nil {
		return "", err
	}
	if wrote {
		metrics.ScanStarted()
		return AckClaimed, nil
	}

	scan, err := w.conn.GetScan(args.ScanID)
	if err != nil {
		return "", err
	}
	log.Debug().Str("scan", args.ScanID.String()).Str("state", string(scan.State)).Msg("Scan claim refused")
	return string(scan.State), nil
}

// scanFinish records the terminal state of a scan, fires the scan-state
// callback and cancels the sessions that never ran. If the scan is already
// terminal the document is left untouched and the held state is acked.
func (w *Writer) scanFinish(ctx context.Context, task *bus.Task) (string, error) {
	var args scanFinishArgs
	if err := task.Bind(&args); err != nil {
		return "", err
	}
	if !args.State.IsTerminal() {
		return "", fmt.Errorf("invalid scan finish state %q", args.State)
	}

	scan, err := w.conn.GetScan(args.ScanID)
	if err != nil {
		return "", err
	}

	fields := map[string]interface{}{
		"state":       args.State,
		"finished_at": &args.Time,
	}
	if args.Failure != nil {
		fields["failure"] = args.Failure
	}
	wrote, err := w.conn.PatchScanUnlessTerminal(args.ScanID, fields)
	if err != nil {
		return "", err
	}
	if wrote {
		metrics.ScanFinished(string(args.State))
		w.notifier.ScanState(scan.CallbackURL(), args.ScanID, args.State)
	}

	w.cancelCreatedSessions(args.ScanID, args.Time)

	if wrote {
		return string(args.State), nil
	}
	return w.observedScanState(args.ScanID)
}

// scanStop stops a scan and everything it has queued. Sessions that already
// reached a terminal state keep it; queued and running ones are stopped, and
// every dispatched plugin task is revoked.
func (w *Writer) scanStop(ctx context.Context, task *bus.Task) (string, error) {
	var args scanStopArgs
	if err := task.Bind(&args); err != nil {
		return "", err
	}

	scan, err := w.conn.GetScan(args.ScanID)
	if err != nil {
		return "", err
	}

	wrote, err := w.conn.PatchScanUnlessTerminal(args.ScanID, map[string]interface{}{
		"state":       db.ScanStateStopped,
		"finished_at": &args.Time,
	})
	if err != nil {
		return "", err
	}
	if wrote {
		metrics.ScanFinished(string(db.ScanStateStopped))
		w.notifier.ScanState(scan.CallbackURL(), args.ScanID, db.ScanStateStopped)
	}

	for _, session := range scan.Sessions {
		if session.State == db.SessionStateQueued || session.State == db.SessionStateStarted {
			stopped, err := w.conn.PatchSessionUnlessTerminal(session.ID, map[string]interface{}{
				"state":       db.SessionStateStopped,
				"finished_at": &args.Time,
			})
			if err != nil {
				return "", err
			}
			if stopped {
				metrics.SessionFinished(string(db.SessionStateStopped))
			}
		}
		if session.TaskID != "" && w.revoker != nil {
			if err := w.revoker.Revoke(ctx, session.TaskID); err != nil {
				log.Warn().Err(err).Str("session", session.ID.String()).Str("task", session.TaskID).Msg("Could not revoke plugin task")
			}
		}
	}

	w.cancelCreatedSessions(args.ScanID, args.Time)

	if wrote {
		return string(db.ScanStateStopped), nil
	}
	return w.observedScanState(args.ScanID)
}

func (w *Writer) sessionQueue(ctx context.Context, task *bus.Task) (string, error) {
	var args sessionStateArgs
	if err := task.Bind(&args); err != nil {
		return "", err
	}
	return w.patchSession(args.SessionID, db.SessionStateQueued, map[string]interface{}{
		"state":     db.SessionStateQueued,
		"queued_at": &args.Time,
	})
}

func (w *Writer) sessionStart(ctx context.Context, task *bus.Task) (string, error) {
	var args sessionStateArgs
	if err := task.Bind(&args); err != nil {
		return "", err
	}
	return w.patchSession(args.SessionID, db.SessionStateStarted, map[string]interface{}{
		"state":      db.SessionStateStarted,
		"started_at": &args.Time,
	})
}

func (w *Writer) sessionSetTaskID(ctx context.Context, task *bus.Task) (string, error) {
	var args sessionTaskArgs
	if err := task.Bind(&args); err != nil {
		return "", err
	}
	if err := w.conn.SetSessionFields(args.SessionID, map[string]interface{}{"task_id": args.TaskID}); err != nil {
		return "", err
	}
	return AckOK, nil
}

// sessionFinish records the outcome a plugin reported for its session.
// CANCELLED is not acceptable here: it is reserved for sessions that never
// ran and only the terminal scan sweep assigns it.
func (w *Writer) sessionFinish(ctx context.Context, task *bus.Task) (string, error) {
	var args sessionFinishArgs
	if err := task.Bind(&args); err != nil {
		return "", err
	}
	if !db.ValidFinishState(args.State) {
		return "", fmt.Errorf("invalid session finish state %q", args.State)
	}

	fields := map[string]interface{}{
		"state":       args.State,
		"finished_at": &args.Time,
	}
	if args.Failure != nil {
		fields["failure"] = args.Failure
	}
	wrote, err := w.conn.PatchSessionUnlessTerminal(args.SessionID, fields)
	if err != nil {
		return "", err
	}
	if wrote {
		metrics.SessionFinished(string(args.State))
		return string(args.State), nil
	}
	return w.observedSessionState(args.SessionID)
}

// sessionReportIssue stores or refreshes the reported issue and references it
// from the session. Re-reported issues only update their severity.
func (w *Writer) sessionReportIssue(ctx context.Context, task *bus.Task) (string, error) {
	var args issueArgs
	if err := task.Bind(&args); err != nil {
		return "", err
	}
	if err := w.conn.UpsertIssue(&args.Issue); err != nil {
		return "", err
	}
	if err := w.conn.PushSessionIssueRef(args.SessionID, args.Issue.ID); err != nil {
		return "", err
	}
	metrics.IssueReported()
	return AckOK, nil
}

func (w *Writer) sessionReportArtifact(ctx context.Context, task *bus.Task) (string, error) {
	var args artifactArgs
	if err := task.Bind(&args); err != nil {
		return "", err
	}
	if err := w.conn.PushSessionArtifact(args.SessionID, args.Artifact); err != nil {
		return "", err
	}
	return AckOK, nil
}

// setStatusIssues runs the issue correlator. Correlation failures are logged
// and dropped: the pass can be re-run and must never fail the scan it follows.
func (w *Writer) setStatusIssues(ctx context.Context, task *bus.Task) (string, error) {
	var args correlateArgs
	if err := task.Bind(&args); err != nil {
		return "", err
	}
	if err := correlate.Run(w.conn, args.ScanID); err != nil {
		log.Error().Err(err).Str("scan", args.ScanID.String()).Msg("Issue correlation failed")
	}
	return AckOK, nil
}

// patchSession applies a guarded session patch and acks the state the session
// holds afterwards.
func (w *Writer) patchSession(id uuid.UUID, state db.SessionState, fields map[string]interface{}) (string, error) {
	wrote, err := w.conn.PatchSessionUnlessTerminal(id, fields)
	if err != nil {
		return "", err
	}
	if wrote {
		return string(state), nil
	}
	return w.observedSessionState(id)
}

// cancelCreatedSessions sweeps sessions that never left CREATED once the scan
// is terminal. Sweep failures are logged and dropped; the scan state write
// already happened and must stand.
func (w *Writer) cancelCreatedSessions(scanID uuid.UUID, t time.Time) {
	swept, err := w.conn.CancelCreatedSessions(scanID, t)
	if err != nil {
		log.Error().Err(err).Str("scan", scanID.String()).Msg("Could not cancel remaining sessions")
		return
	}
	for i := int64(0); i < swept; i++ {
		metrics.SessionFinished(string(db.SessionStateCancelled))
	}
}

func (w *Writer) observedScanState(id uuid.UUID) (string, error) {
	scan, err := w.conn.GetScan(id)
	if err != nil {
		return "", err
	}
	return string(scan.State), nil
}

func (w *Writer) observedSessionState(id uuid.UUID) (string, error) {
	session, err := w.conn.GetSession(id)
	if err != nil {
		return "", err
	}
	return string(session.State), nil
}
