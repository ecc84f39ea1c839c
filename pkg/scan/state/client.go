package state

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pyneda/minion/db"
	"github.com/pyneda/minion/pkg/scan/bus"
)

// Client submits state operations and waits for the writer's acknowledgement.
// Operations are routed by scan id, so everything submitted for one scan is
// applied in submission order.
type Client struct {
	bus    *bus.Bus
	queues bus.Queues
}

func NewClient(b *bus.Bus, queues bus.Queues) *Client {
	return &Client{bus: b, queues: queues}
}

func (c *Client) submit(ctx context.Context, scanID uuid.UUID, op string, args interface{}) (bus.Result, error) {
	task, err := bus.NewTask(op, args)
	if err != nil {
		return bus.Result{}, err
	}
	if err := c.bus.Enqueue(ctx, c.queues.StateQueue(scanID), task); err != nil {
		return bus.Result{}, err
	}
	result, err := c.bus.Wait(ctx, task.ID)
	if err != nil {
		return bus.Result{}, err
	}
	return result, result.Err()
}

// ScanStart claims a queued scan. claimed reports whether this call won the
// QUEUED to STARTED transition; when false, state carries the scan state that
// refused the claim.
func (c *Client) ScanStart(ctx context.Context, scanID uuid.UUID) (claimed bool, state db.ScanState, err error) {
	result, err := c.submit(ctx, scanID, OpScanStart, scanStartArgs{ScanID: scanID, Time: time.Now().UTC()})
	if err != nil {
		return false, "", err
	}
	if result.State == AckClaimed {
		return true, db.ScanStateStarted, nil
	}
	return false, db.ScanState(result.State), nil
}

// ScanFinish records a terminal scan state and returns the state the scan
// holds afterwards. If another terminal write landed first, that state comes
// back instead of the requested one.
func (c *Client) ScanFinish(ctx context.Context, scanID uuid.UUID, state db.ScanState, failure *db.Failure) (db.ScanState, error) {
	result, err := c.submit(ctx, scanID, OpScanFinish, scanFinishArgs{
		ScanID:  scanID,
		State:   state,
		Time:    time.Now().UTC(),
		Failure: failure,
	})
	if err != nil {
		return "", err
	}
	return db.ScanState(result.State), nil
}

// ScanStopAsync submits a stop without waiting for it to be applied and
// returns the stop task's id. The stop lands behind whatever state operations
// the scan already has in flight.
func (c *Client) ScanStopAsync(ctx context.Context, scanID uuid.UUID) (string, error) {
	task, err := bus.NewTask(OpScanStop, scanStopArgs{ScanID: scanID, Time: time.Now().UTC()})
	if err != nil {
		return "", err
	}
	if err := c.bus.Enqueue(ctx, c.queues.StateQueue(scanID), task); err != nil {
		return "", err
	}
	return task.ID, nil
}

// SessionQueue marks a session QUEUED and returns the state the session holds
// afterwards. Anything but QUEUED means the session must not be dispatched.
func (c *Client) SessionQueue(ctx context.Context, scanID, sessionID uuid.UUID) (db.SessionState, error) {
	result, err := c.submit(ctx, scanID, OpSessionQueue, sessionStateArgs{
		ScanID:    scanID,
		SessionID: sessionID,
		Time:      time.Now().UTC(),
	})
	if err != nil {
		return "", err
	}
	return db.SessionState(result.State), nil
}

// SessionStart marks a session STARTED and returns the post-write state.
func (c *Client) SessionStart(ctx context.Context, scanID, sessionID uuid.UUID) (db.SessionState, error) {
	result, err := c.submit(ctx, scanID, OpSessionStart, sessionStateArgs{
		ScanID:    scanID,
		SessionID: sessionID,
		Time:      time.Now().UTC(),
	})
	if err != nil {
		return "", err
	}
	return db.SessionState(result.State), nil
}

// SessionSetTaskID records the bus task a session was dispatched as, so a
// later stop can revoke it.
func (c *Client) SessionSetTaskID(ctx context.Context, scanID, sessionID uuid.UUID, taskID string) error {
	_, err := c.submit(ctx, scanID, OpSessionSetTaskID, sessionTaskArgs{
		ScanID:    scanID,
		SessionID: sessionID,
		TaskID:    taskID,
	})
	return err
}

// SessionFinish records a session's terminal state and returns the state the
// session holds afterwards.
func (c *Client) SessionFinish(ctx context.Context, scanID, sessionID uuid.UUID, state db.SessionState, failure *db.Failure) (db.SessionState, error) {
	result, err := c.submit(ctx, scanID, OpSessionFinish, sessionFinishArgs{
		ScanID:    scanID,
		SessionID: sessionID,
		State:     state,
		Time:      time.Now().UTC(),
		Failure:   failure,
	})
	if err != nil {
		return "", err
	}
	return db.SessionState(result.State), nil
}

// SessionReportIssue stores a plugin-reported issue and references it from
// the session.
func (c *Client) SessionReportIssue(ctx context.Context, scanID, sessionID uuid.UUID, issue db.Issue) error {
	_, err := c.submit(ctx, scanID, OpSessionReportIssue, issueArgs{
		ScanID:    scanID,
		SessionID: sessionID,
		Issue:     issue,
	})
	return err
}

// SessionReportArtifact attaches a plugin-reported artifact to the session.
func (c *Client) SessionReportArtifact(ctx context.Context, scanID, sessionID uuid.UUID, artifact db.Artifact) error {
	_, err := c.submit(ctx, scanID, OpSessionReportArtifact, artifactArgs{
		ScanID:    scanID,
		SessionID: sessionID,
		Artifact:  artifact,
	})
	return err
}

// SetStatusIssues runs the issue correlator for the scan.
func (c *Client) SetStatusIssues(ctx context.Context, scanID uuid.UUID) error {
	_, err := c.submit(ctx, scanID, OpSetStatusIssues, correlateArgs{ScanID: scanID})
	return err
}
