// Package runner executes one plugin session as an isolated child process.
// The child speaks newline-delimited JSON on stdout; issues and artifacts are
// forwarded to the state writer as they arrive, and the session's terminal
// state comes from the plugin's own finish message. A plugin that never
// finishes is marked FAILED.
package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/spf13/viper"

	"github.com/pyneda/minion/db"
	"github.com/pyneda/minion/lib"
	"github.com/pyneda/minion/pkg/scan/bus"
	"github.com/pyneda/minion/pkg/scan/state"
)

// OpRunPlugin is the task name plugin workers consume.
const OpRunPlugin = "run_plugin"

// defaultBin is the plugin runner program, located through PATH.
const defaultBin = "minion-plugin-runner"

type runPluginArgs struct {
	ScanID    uuid.UUID `json:"scan_id"`
	SessionID uuid.UUID `json:"session_id"`
}

// NewTask builds the plugin task for a session, ready to enqueue on a plugin
// queue.
func NewTask(scanID, sessionID uuid.UUID) (*bus.Task, error) {
	return bus.NewTask(OpRunPlugin, runPluginArgs{ScanID: scanID, SessionID: sessionID})
}

// pluginMessage is one stdout line from the plugin runner. The msg tag is a
// closed set; unknown tags are discarded.
type pluginMessage struct {
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type finishData struct {
	State   db.SessionState `json:"state"`
	Failure *db.Failure     `json:"failure"`
}

// Runner drives plugin sessions on a plugin queue worker.
type Runner struct {
	conn     *db.DatabaseConnection
	state    *state.Client
	hostname string
	bin      string
	grace    time.Duration
}

// New builds a runner. runner.bin and runner.stop_grace come from
// configuration; the grace window bounds how long a signalled plugin may
// keep running before it is killed.
func New(conn *db.DatabaseConnection, stateClient *state.Client) *Runner {
	bin := viper.GetString("runner.bin")
	if bin == "" {
		bin = defaultBin
	}
	grace := viper.GetDuration("runner.stop_grace")
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return &Runner{
		conn:     conn,
		state:    stateClient,
		hostname: lib.Hostname(),
		bin:      bin,
		grace:    grace,
	}
}

// Handlers maps the plugin operation to its handler.
func (r *Runner) Handlers() map[string]bus.Handler {
	return map[string]bus.Handler{OpRunPlugin: r.runPlugin}
}

func (r *Runner) runPlugin(ctx context.Context, task *bus.Task) (string, error) {
	var args runPluginArgs
	if err := task.Bind(&args); err != nil {
		return "", err
	}
	return r.runSession(ctx, args.ScanID, args.SessionID)
}

// runSession checks that the scan still wants this session to run, then
// drives the plugin child. The returned string is the session's terminal
// state, or its observed state when the run is refused.
func (r *Runner) runSession(ctx context.Context, scanID, sessionID uuid.UUID) (string, error) {
	// State writes must keep flowing through the graceful-stop window after
	// ctx is cancelled, so they run on an uncancellable context.
	opCtx := context.WithoutCancel(ctx)

	scan, err := r.conn.GetScan(scanID)
	if err != nil {
		return "", err
	}
	if scan.State.StopRefused() {
		log.Debug().Str("scan", scanID.String()).Msg("Refusing plugin session, scan is stopping")
		return string(db.SessionStateStopped), nil
	}
	if scan.State != db.ScanStateStarted {
		log.Error().Str("scan", scanID.String()).Str("state", string(scan.State)).Msg("Scan has invalid state, expected STARTED")
		return r.observedSessionState(sessionID)
	}

	session, err := r.conn.GetSession(sessionID)
	if err != nil {
		return "", err
	}
	if session.State != db.SessionStateQueued {
		log.Error().Str("session", sessionID.String()).Str("state", string(session.State)).Msg("Session has invalid state, expected QUEUED")
		return string(session.State), nil
	}

	ack, err := r.state.SessionStart(opCtx, scanID, sessionID)
	if err != nil {
		return "", err
	}
	if ack != db.SessionStateStarted {
		// A stop landed between the pre-flight read and the claim.
		return string(ack), nil
	}

	final, err := r.drive(ctx, opCtx, scanID, session)
	if err != nil {
		log.Error().Err(err).Str("session", sessionID.String()).Msg("Plugin session failed")
		failure := &db.Failure{Hostname: r.hostname, Message: err.Error(), Exception: nil}
		if _, ferr := r.state.SessionFinish(opCtx, scanID, sessionID, db.SessionStateFailed, failure); ferr != nil {
			log.Error().Err(ferr).Str("session", sessionID.String()).Msg("Could not mark session FAILED")
		}
		return string(db.SessionStateFailed), nil
	}
	return string(final), nil
}

// drive spawns the plugin child and consumes its messages until it exits.
// Cancellation sends the child the graceful stop signal and kills it when the
// grace window expires.
func (r *Runner) drive(ctx, opCtx context.Context, scanID uuid.UUID, session *db.Session) (db.SessionState, error) {
	cmd := exec.Command(r.bin,
		"-c", string(session.Configuration),
		"-p", session.Plugin.Class,
		"-s", session.ID.String(),
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", err
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("could not start %s: %w", r.bin, err)
	}
	unregister := registerChild(cmd.Process)
	defer unregister()

	log.Info().Str("session", session.ID.String()).Str("plugin", session.Plugin.Class).Int("pid", cmd.Process.Pid).Msg("Plugin session started")

	procDone := make(chan struct{})
	stopChild := make(chan struct{})
	var stopOnce sync.Once
	triggerStop := func() { stopOnce.Do(func() { close(stopChild) }) }

	var watcher conc.WaitGroup
	watcher.Go(func() {
		select {
		case <-ctx.Done():
		case <-stopChild:
		case <-procDone:
			return
		}
		log.Info().Str("session", session.ID.String()).Msg("Stopping plugin session")
		if err := cmd.Process.Signal(syscall.SIGUSR1); err != nil {
			log.Debug().Err(err).Str("session", session.ID.String()).Msg("Could not signal plugin")
		}
		select {
		case <-time.After(r.grace):
			log.Warn().Str("session", session.ID.String()).Msg("Plugin did not stop in time, killing it")
			if err := cmd.Process.Kill(); err != nil {
				log.Debug().Err(err).Str("session", session.ID.String()).Msg("Could not kill plugin")
			}
		case <-procDone:
		}
	})

	var drains conc.WaitGroup
	drains.Go(func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Debug().Str("session", session.ID.String()).Str("stderr", scanner.Text()).Msg("Plugin stderr")
		}
	})

	var finished db.SessionState
	var dispatchErr error
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if dispatchErr != nil {
			continue
		}
		if finished != "" {
			log.Error().Str("session", session.ID.String()).Msg("Plugin emitted a message after finishing, discarding it")
			continue
		}
		final, err := r.dispatch(opCtx, scanID, session.ID, line)
		if err != nil {
			// Output that cannot be recorded is lost; stop the child and
			// drain the rest of the stream so it is reaped cleanly.
			dispatchErr = err
			triggerStop()
			continue
		}
		if final != "" {
			finished = final
		}
	}

	drains.Wait()
	waitErr := cmd.Wait()
	close(procDone)
	watcher.Wait()

	if dispatchErr != nil {
		return "", dispatchErr
	}
	if finished == "" {
		if waitErr != nil {
			log.Debug().Err(waitErr).Str("session", session.ID.String()).Msg("Plugin exited abnormally")
		}
		failure := &db.Failure{Hostname: r.hostname, Message: "The plugin did not finish correctly", Exception: nil}
		ack, err := r.state.SessionFinish(opCtx, scanID, session.ID, db.SessionStateFailed, failure)
		if err != nil {
			return "", err
		}
		return ack, nil
	}
	return finished, nil
}

// dispatch applies one plugin message. It returns the session's post-write
// state when the message was a valid finish, and the empty state otherwise.
// Malformed messages and unknown tags are discarded.
func (r *Runner) dispatch(ctx context.Context, scanID, sessionID uuid.UUID, line string) (db.SessionState, error) {
	var msg pluginMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		log.Warn().Err(err).Str("session", sessionID.String()).Msg("Discarding malformed plugin message")
		return "", nil
	}

	switch msg.Msg {
	case "issue":
		var issue db.Issue
		if err := json.Unmarshal(msg.Data, &issue); err != nil {
			log.Warn().Err(err).Str("session", sessionID.String()).Msg("Discarding malformed issue payload")
			return "", nil
		}
		return "", r.state.SessionReportIssue(ctx, scanID, sessionID, issue)

	case "artifact":
		var artifact db.Artifact
		if err := json.Unmarshal(msg.Data, &artifact); err != nil {
			log.Warn().Err(err).Str("session", sessionID.String()).Msg("Discarding malformed artifact payload")
			return "", nil
		}
		return "", r.state.SessionReportArtifact(ctx, scanID, sessionID, artifact)

	case "progress":
		// Reserved; progress reporting is not recorded in this revision.
		return "", nil

	case "finish":
		var data finishData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			log.Warn().Err(err).Str("session", sessionID.String()).Msg("Discarding malformed finish payload")
			return "", nil
		}
		if !db.ValidFinishState(data.State) {
			log.Error().Str("session", sessionID.String()).Str("state", string(data.State)).Msg("Discarding finish with invalid state")
			return "", nil
		}
		return r.state.SessionFinish(ctx, scanID, sessionID, data.State, data.Failure)

	default:
		log.Warn().Str("session", sessionID.String()).Str("msg", msg.Msg).Msg("Discarding unknown plugin message")
		return "", nil
	}
}

func (r *Runner) observedSessionState(id uuid.UUID) (string, error) {
	session, err := r.conn.GetSession(id)
	if err != nil {
		return "", err
	}
	return string(session.State), nil
}
