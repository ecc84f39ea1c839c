// Package workflow drives one scan end to end: it claims the queued scan,
// admits the target, verifies site ownership, dispatches each plugin session
// in plan order, classifies the terminal state, and triggers issue
// correlation. Every state mutation goes through the state client.
package workflow

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/pyneda/minion/db"
	"github.com/pyneda/minion/lib"
	"github.com/pyneda/minion/pkg/scan/bus"
	"github.com/pyneda/minion/pkg/scan/ownership"
	"github.com/pyneda/minion/pkg/scan/runner"
	"github.com/pyneda/minion/pkg/scan/scope"
	"github.com/pyneda/minion/pkg/scan/state"
)

// OpScan is the task name scan workers consume.
const OpScan = "scan"

const (
	reasonBlacklisted = "target-blacklisted"
	reasonNoSuchSite  = "no-such-site"
	reasonUnverified  = "target-ownership-verification-failed"
	reasonBackend     = "backend-exception"
)

const (
	blacklistedMessage = "The target cannot be scanned by Minion because its (IPv4) address has been blacklisted."
	noSuchSiteMessage  = "The target cannot be scanned because it is not registered as a site."
	unverifiedMessage  = "The target cannot be scanned because the ownership verification failed."
)

type scanArgs struct {
	ScanID uuid.UUID `json:"scan_id"`
}

// NewTask builds the workflow task for a scan, ready to enqueue on the scan
// queue.
func NewTask(scanID uuid.UUID) (*bus.Task, error) {
	return bus.NewTask(OpScan, scanArgs{ScanID: scanID})
}

// Workflow owns the scan orchestration on a scan queue worker.
type Workflow struct {
	conn     *db.DatabaseConnection
	bus      *bus.Bus
	queues   bus.Queues
	state    *state.Client
	verifier ownership.Verifier
	hostname string
}

// New builds a workflow. A nil verifier gets the HTTP well-known-file
// verifier.
func New(conn *db.DatabaseConnection, b *bus.Bus, queues bus.Queues, stateClient *state.Client, verifier ownership.Verifier) *Workflow {
	if verifier == nil {
		verifier = ownership.NewHTTPVerifier()
	}
	return &Workflow{
		conn:     conn,
		bus:      b,
		queues:   queues,
		state:    stateClient,
		verifier: verifier,
		hostname: lib.Hostname(),
	}
}

// Handlers maps the scan operation to its handler.
func (w *Workflow) Handlers() map[string]bus.Handler {
	return map[string]bus.Handler{OpScan: w.runScan}
}

func (w *Workflow) runScan(ctx context.Context, task *bus.Task) (string, error) {
	var args scanArgs
	if err := task.Bind(&args); err != nil {
		return "", err
	}
	return w.Run(ctx, args.ScanID)
}

// Run executes the scan and returns its final state. Duplicate deliveries
// lose the claim and return the state they observed. Backend errors mark
// the scan FAILED with a backend-exception failure.
func (w *Workflow) Run(ctx context.Context, scanID uuid.UUID) (string, error) {
	// Terminal writes must land even when the worker is shutting down.
	opCtx := context.WithoutCancel(ctx)

	claimed, observed, err := w.state.ScanStart(opCtx, scanID)
	if err != nil {
		return "", err
	}
	if !claimed {
		log.Info().Str("scan", scanID.String()).Str("state", string(observed)).Msg("Scan claim refused, nothing to do")
		return string(observed), nil
	}
	log.Info().Str("scan", scanID.String()).Msg("Scan started")

	final, err := w.run(ctx, opCtx, scanID)
	if err != nil {
		log.Error().Err(err).Str("scan", scanID.String()).Msg("Scan failed on a backend error")
		failure := &db.Failure{Hostname: w.hostname, Reason: reasonBackend, Message: err.Error()}
		written, ferr := w.state.ScanFinish(opCtx, scanID, db.ScanStateFailed, failure)
		if ferr != nil {
			return "", ferr
		}
		return string(written), nil
	}
	return string(final), nil
}

func (w *Workflow) run(ctx, opCtx context.Context, scanID uuid.UUID) (db.ScanState, error) {
	scan, err := w.conn.GetScan(scanID)
	if err != nil {
		return "", err
	}

	admitted, err := w.admitted(scan.Target)
	if err != nil {
		return "", err
	}
	if !admitted {
		log.Info().Str("scan", scanID.String()).Str("target", scan.Target).Msg("Target is blacklisted, aborting scan")
		return w.abort(opCtx, scanID, reasonBlacklisted, blacklistedMessage)
	}

	site, err := w.conn.GetSiteByURL(scan.Target)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Info().Str("scan", scanID.String()).Str("target", scan.Target).Msg("Target is not a registered site, aborting scan")
		return w.abort(opCtx, scanID, reasonNoSuchSite, noSuchSiteMessage)
	}
	if err != nil {
		return "", err
	}

	if site.Verification.Enabled {
		verified, err := w.verifier.Verify(ctx, scan.Target, site.Verification.Value)
		if err != nil {
			return "", err
		}
		if !verified {
			log.Info().Str("scan", scanID.String()).Str("target", scan.Target).Msg("Target ownership verification failed, aborting scan")
			return w.abort(opCtx, scanID, reasonUnverified, unverifiedMessage)
		}
	}

	failed := false
	for i := range scan.Sessions {
		session := &scan.Sessions[i]

		fresh, err := w.conn.GetScan(scanID)
		if err != nil {
			return "", err
		}
		if fresh.State.StopRefused() || fresh.State.IsTerminal() {
			log.Info().Str("scan", scanID.String()).Str("state", string(fresh.State)).Msg("Scan is no longer running, leaving the dispatch loop")
			return fresh.State, nil
		}

		ack, err := w.state.SessionQueue(opCtx, scanID, session.ID)
		if err != nil {
			return "", err
		}
		if ack != db.SessionStateQueued {
			log.Debug().Str("session", session.ID.String()).Str("state", string(ack)).Msg("Session refused queueing, skipping it")
			continue
		}

		// The task handle is persisted before the task becomes visible to
		// any plugin worker, so a concurrent stop always finds something to
		// revoke. A stop landing in between revokes a task that was never
		// queued, which the worker acks without running.
		pluginTask, err := runner.NewTask(scanID, session.ID)
		if err != nil {
			return "", err
		}
		if err := w.state.SessionSetTaskID(opCtx, scanID, session.ID, pluginTask.ID); err != nil {
			return "", err
		}
		if err := w.bus.Enqueue(opCtx, w.queues.PluginQueue(session.Plugin.Weight), pluginTask); err != nil {
			return "", err
		}

		result, err := w.bus.Wait(ctx, pluginTask.ID)
		if err != nil {
			return "", err
		}
		sessionResult := result.State
		switch {
		case result.Revoked:
			sessionResult = string(db.SessionStateStopped)
		case result.Err() != nil:
			log.Error().Err(result.Err()).Str("session", session.ID.String()).Msg("Plugin task failed")
			sessionResult = string(db.SessionStateFailed)
		}
		log.Debug().Str("session", session.ID.String()).Str("result", sessionResult).Msg("Plugin session done")

		// A session that was aborted or stopped takes the whole scan with it.
		if sessionResult == string(db.ScanStateAborted) || sessionResult == string(db.ScanStateStopped) {
			return w.state.ScanFinish(opCtx, scanID, db.ScanState(sessionResult), nil)
		}
		if sessionResult == string(db.SessionStateFailed) {
			failed = true
		}
	}

	final := db.ScanStateFinished
	if failed {
		final = db.ScanStateFailed
	}
	written, err := w.state.ScanFinish(opCtx, scanID, final, nil)
	if err != nil {
		return "", err
	}

	// Correlation follows normal completion only; aborted and stopped scans
	// never reach it.
	if err := w.state.SetStatusIssues(opCtx, scanID); err != nil {
		log.Error().Err(err).Str("scan", scanID.String()).Msg("Issue correlation could not be submitted")
	}
	return written, nil
}

func (w *Workflow) admitted(target string) (bool, error) {
	classifier, err := scope.FromConfig()
	if err != nil {
		return false, err
	}
	return classifier.Scannable(target)
}

func (w *Workflow) abort(ctx context.Context, scanID uuid.UUID, reason, message string) (db.ScanState, error) {
	failure := &db.Failure{Hostname: w.hostname, Reason: reason, Message: message}
	return w.state.ScanFinish(ctx, scanID, db.ScanStateAborted, failure)
}
