package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/pyneda/minion/db"
	"github.com/pyneda/minion/pkg/scan/bus"
	"github.com/pyneda/minion/pkg/scan/state"
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "minion-runner-test")
	if err != nil {
		panic(err)
	}
	viper.Set("DATABASE_TYPE", "sqlite")
	viper.Set("SQLITE_PATH", filepath.Join(dir, "minion.db"))
	code := m.Run()
	os.RemoveAll(dir)
	os.Exit(code)
}

type harness struct {
	bus    *bus.Bus
	state  *state.Client
	conn   *db.DatabaseConnection
	queues bus.Queues
}

// newHarness runs real state shard workers so the runner's state submissions
// travel the full submit, claim, apply, ack path.
func newHarness(t *testing.T) *harness {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	b, err := bus.New(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	queues := bus.Queues{Scan: "scan", Plugin: "plugin", StatePrefix: "state", StateShards: 2}
	writer := state.NewWriter(db.Connection(), b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	for _, queue := range queues.StateQueues() {
		go bus.NewWorker(b, queue, writer.Handlers()).Run(ctx)
	}

	return &harness{bus: b, state: state.NewClient(b, queues), conn: db.Connection(), queues: queues}
}

// newRunner builds a runner bound to a stub plugin binary. A zero grace keeps
// the default stop window.
func (h *harness) newRunner(t *testing.T, bin string, grace time.Duration) *Runner {
	t.Helper()
	viper.Set("runner.bin", bin)
	if grace > 0 {
		viper.Set("runner.stop_grace", grace)
	}
	t.Cleanup(func() {
		viper.Set("runner.bin", "")
		viper.Set("runner.stop_grace", nil)
	})
	return New(db.Connection(), h.state)
}

// writeStub drops an executable shell script that plays the plugin runner.
func writeStub(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "minion-plugin-runner")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func createScan(t *testing.T, scanState db.ScanState, sessions ...db.Session) *db.Scan {
	t.Helper()
	scan, err := db.Connection().CreateScan(&db.Scan{
		State:         scanState,
		Target:        "http://runner-" + uuid.NewString()[:8] + ".example.com",
		PlanName:      "basic",
		Plan:          db.PlanSnapshot{Name: "basic"},
		Configuration: datatypes.JSON([]byte(`{"target":"http://example.com"}`)),
		Sessions:      sessions,
	})
	require.NoError(t, err)
	return scan
}

func session(sessionState db.SessionState) db.Session {
	return db.Session{
		State:         sessionState,
		Plugin:        db.PluginInfo{Class: "minion.plugins.basic.AlivePlugin", Name: "Alive", Version: "0.1", Weight: "light"},
		Configuration: datatypes.JSON([]byte(`{"target":"http://example.com"}`)),
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func runTask(t *testing.T, r *Runner, ctx context.Context, scanID, sessionID uuid.UUID) (string, error) {
	t.Helper()
	task, err := NewTask(scanID, sessionID)
	require.NoError(t, err)
	return r.runPlugin(ctx, task)
}

// stopOnSignalScript reports one issue, then waits to be stopped. The stop
// handler is installed before the issue is emitted, so a test that saw the
// issue land can signal safely.
func stopOnSignalScript(issueID string) string {
	return fmt.Sprintf(`#!/bin/sh
on_stop() {
	echo '{"msg":"finish","data":{"state":"STOPPED","failure":null}}'
	exit 0
}
trap on_stop USR1
echo '{"msg":"issue","data":{"Id":"%s","Summary":"slow check","Severity":"Low"}}'
while :; do
	sleep 10 &
	wait $!
done
`, issueID)
}

func TestRunPluginRecordsIssuesArtifactsAndFinish(t *testing.T) {
	h := newHarness(t)
	issueID := "alive-" + uuid.NewString()[:8]
	// $6 is the session id from the argv contract: -c config -p class -s id.
	script := fmt.Sprintf(`#!/bin/sh
echo "plugin warming up" 1>&2
echo '{"msg":"issue","data":{"Id":"%s","Summary":"X-Frame-Options header missing","Severity":"Medium","URLs":["http://example.com/"]}}'
echo "{\"msg\":\"artifact\",\"data\":{\"paths\":[\"report-$6.xml\"]}}"
echo '{"msg":"progress","data":{"percent":50}}'
echo '{"msg":"finish","data":{"state":"FINISHED","failure":null}}'
`, issueID)
	r := h.newRunner(t, writeStub(t, script), 0)
	scan := createScan(t, db.ScanStateStarted, session(db.SessionStateQueued))
	sessionID := scan.Sessions[0].ID

	result, err := runTask(t, r, testContext(t), scan.ID, sessionID)
	require.NoError(t, err)
	assert.Equal(t, string(db.SessionStateFinished), result)

	sess, err := h.conn.GetSession(sessionID)
	require.NoError(t, err)
	assert.Equal(t, db.SessionStateFinished, sess.State)
	assert.NotNil(t, sess.StartedAt)
	assert.NotNil(t, sess.FinishedAt)
	assert.Nil(t, sess.Failure)
	assert.Equal(t, db.StringSlice{issueID}, sess.IssueRefs)
	require.Len(t, sess.Artifacts, 1)
	assert.Equal(t, []string{"report-" + sessionID.String() + ".xml"}, sess.Artifacts[0].Paths())

	issue, err := h.conn.GetIssue(issueID)
	require.NoError(t, err)
	assert.Equal(t, db.Medium, issue.Severity)

	got, err := h.conn.GetScan(scan.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ScanStateStarted, got.State, "the runner owns sessions, not the scan")
}

func TestRunPluginFailsSessionWhenPluginNeverFinishes(t *testing.T) {
	h := newHarness(t)
	issueID := "silent-" + uuid.NewString()[:8]
	script := fmt.Sprintf(`#!/bin/sh
echo '{"msg":"issue","data":{"Id":"%s","Summary":"partial result","Severity":"Low"}}'
exit 0
`, issueID)
	r := h.newRunner(t, writeStub(t, script), 0)
	scan := createScan(t, db.ScanStateStarted, session(db.SessionStateQueued))
	sessionID := scan.Sessions[0].ID

	result, err := runTask(t, r, testContext(t), scan.ID, sessionID)
	require.NoError(t, err)
	assert.Equal(t, string(db.SessionStateFailed), result)

	sess, err := h.conn.GetSession(sessionID)
	require.NoError(t, err)
	assert.Equal(t, db.SessionStateFailed, sess.State)
	require.NotNil(t, sess.Failure)
	assert.Equal(t, "The plugin did not finish correctly", sess.Failure.Message)
	assert.Nil(t, sess.Failure.Exception)
	assert.Equal(t, db.StringSlice{issueID}, sess.IssueRefs, "issues reported before the crash are kept")
}

func TestRunPluginDiscardsMessagesAfterFinish(t *testing.T) {
	h := newHarness(t)
	script := `#!/bin/sh
echo '{"msg":"finish","data":{"state":"FINISHED","failure":null}}'
echo '{"msg":"issue","data":{"Id":"late-issue","Summary":"too late","Severity":"High"}}'
`
	r := h.newRunner(t, writeStub(t, script), 0)
	scan := createScan(t, db.ScanStateStarted, session(db.SessionStateQueued))
	sessionID := scan.Sessions[0].ID

	result, err := runTask(t, r, testContext(t), scan.ID, sessionID)
	require.NoError(t, err)
	assert.Equal(t, string(db.SessionStateFinished), result)

	sess, err := h.conn.GetSession(sessionID)
	require.NoError(t, err)
	assert.Equal(t, db.SessionStateFinished, sess.State)
	assert.Empty(t, sess.IssueRefs, "messages after a finish are discarded")
}

func TestRunPluginDiscardsFinishWithInvalidState(t *testing.T) {
	h := newHarness(t)
	// CANCELLED is not a state a plugin may finish with.
	script := `#!/bin/sh
echo '{"msg":"finish","data":{"state":"CANCELLED","failure":null}}'
`
	r := h.newRunner(t, writeStub(t, script), 0)
	scan := createScan(t, db.ScanStateStarted, session(db.SessionStateQueued))
	sessionID := scan.Sessions[0].ID

	result, err := runTask(t, r, testContext(t), scan.ID, sessionID)
	require.NoError(t, err)
	assert.Equal(t, string(db.SessionStateFailed), result)

	sess, err := h.conn.GetSession(sessionID)
	require.NoError(t, err)
	assert.Equal(t, db.SessionStateFailed, sess.State)
	require.NotNil(t, sess.Failure)
	assert.Equal(t, "The plugin did not finish correctly", sess.Failure.Message)
}

func TestRunPluginSkipsMalformedAndUnknownMessages(t *testing.T) {
	h := newHarness(t)
	script := `#!/bin/sh
echo 'this is not json'
echo '{"msg":"telemetry","data":{"cpu":90}}'
echo '{"msg":"finish","data":{"state":"FINISHED","failure":null}}'
`
	r := h.newRunner(t, writeStub(t, script), 0)
	scan := createScan(t, db.ScanStateStarted, session(db.SessionStateQueued))
	sessionID := scan.Sessions[0].ID

	result, err := runTask(t, r, testContext(t), scan.ID, sessionID)
	require.NoError(t, err)
	assert.Equal(t, string(db.SessionStateFinished), result)

	sess, err := h.conn.GetSession(sessionID)
	require.NoError(t, err)
	assert.Equal(t, db.SessionStateFinished, sess.State)
}

func TestRunPluginKeepsPluginReportedFailure(t *testing.T) {
	h := newHarness(t)
	script := `#!/bin/sh
echo '{"msg":"finish","data":{"state":"FAILED","failure":{"hostname":"plugin-host","message":"target unreachable","exception":null}}}'
`
	r := h.newRunner(t, writeStub(t, script), 0)
	scan := createScan(t, db.ScanStateStarted, session(db.SessionStateQueued))
	sessionID := scan.Sessions[0].ID

	result, err := runTask(t, r, testContext(t), scan.ID, sessionID)
	require.NoError(t, err)
	assert.Equal(t, string(db.SessionStateFailed), result)

	sess, err := h.conn.GetSession(sessionID)
	require.NoError(t, err)
	assert.Equal(t, db.SessionStateFailed, sess.State)
	require.NotNil(t, sess.Failure)
	assert.Equal(t, "plugin-host", sess.Failure.Hostname)
	assert.Equal(t, "target unreachable", sess.Failure.Message)
}

func TestRunPluginRefusesWhenScanStopping(t *testing.T) {
	h := newHarness(t)
	r := h.newRunner(t, "/nonexistent/minion-plugin-runner", 0)
	scan := createScan(t, db.ScanStateStopping, session(db.SessionStateQueued))

	result, err := runTask(t, r, testContext(t), scan.ID, scan.Sessions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, string(db.SessionStateStopped), result)

	sess, err := h.conn.GetSession(scan.Sessions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, db.SessionStateQueued, sess.State, "a refused session is left alone")
}

func TestRunPluginRefusesSessionNotQueued(t *testing.T) {
	h := newHarness(t)
	r := h.newRunner(t, "/nonexistent/minion-plugin-runner", 0)
	scan := createScan(t, db.ScanStateStarted, session(db.SessionStateCreated))

	result, err := runTask(t, r, testContext(t), scan.ID, scan.Sessions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, string(db.SessionStateCreated), result)

	sess, err := h.conn.GetSession(scan.Sessions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, db.SessionStateCreated, sess.State)
}

func TestRunPluginFailsWhenRunnerBinaryMissing(t *testing.T) {
	h := newHarness(t)
	r := h.newRunner(t, "/nonexistent/minion-plugin-runner", 0)
	scan := createScan(t, db.ScanStateStarted, session(db.SessionStateQueued))
	sessionID := scan.Sessions[0].ID

	result, err := runTask(t, r, testContext(t), scan.ID, sessionID)
	require.NoError(t, err)
	assert.Equal(t, string(db.SessionStateFailed), result)

	sess, err := h.conn.GetSession(sessionID)
	require.NoError(t, err)
	assert.Equal(t, db.SessionStateFailed, sess.State)
	require.NotNil(t, sess.Failure)
	assert.Contains(t, sess.Failure.Message, "could not start")
}

func TestRunPluginStopsChildOnContextCancel(t *testing.T) {
	h := newHarness(t)
	issueID := "stop-" + uuid.NewString()[:8]
	r := h.newRunner(t, writeStub(t, stopOnSignalScript(issueID)), 0)
	scan := createScan(t, db.ScanStateStarted, session(db.SessionStateQueued))
	sessionID := scan.Sessions[0].ID

	task, err := NewTask(scan.ID, sessionID)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	type outcome struct {
		state string
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		got, err := r.runPlugin(ctx, task)
		done <- outcome{got, err}
	}()

	require.Eventually(t, func() bool {
		sess, err := h.conn.GetSession(sessionID)
		return err == nil && len(sess.IssueRefs) == 1
	}, 10*time.Second, 25*time.Millisecond, "plugin never reported its issue")

	cancel()

	select {
	case got := <-done:
		require.NoError(t, got.err)
		assert.Equal(t, string(db.SessionStateStopped), got.state)
	case <-time.After(15 * time.Second):
		t.Fatal("plugin session did not stop")
	}

	sess, err := h.conn.GetSession(sessionID)
	require.NoError(t, err)
	assert.Equal(t, db.SessionStateStopped, sess.State)
	assert.NotNil(t, sess.FinishedAt)
}

func TestRunPluginKillsChildAfterGrace(t *testing.T) {
	h := newHarness(t)
	issueID := "stubborn-" + uuid.NewString()[:8]
	script := fmt.Sprintf(`#!/bin/sh
trap '' USR1
echo '{"msg":"issue","data":{"Id":"%s","Summary":"stubborn plugin","Severity":"Low"}}'
while :; do
	sleep 10 &
	wait $!
done
`, issueID)
	r := h.newRunner(t, writeStub(t, script), 300*time.Millisecond)
	scan := createScan(t, db.ScanStateStarted, session(db.SessionStateQueued))
	sessionID := scan.Sessions[0].ID

	task, err := NewTask(scan.ID, sessionID)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	type outcome struct {
		state string
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		got, err := r.runPlugin(ctx, task)
		done <- outcome{got, err}
	}()

	require.Eventually(t, func() bool {
		sess, err := h.conn.GetSession(sessionID)
		return err == nil && len(sess.IssueRefs) == 1
	}, 10*time.Second, 25*time.Millisecond, "plugin never reported its issue")

	cancel()

	select {
	case got := <-done:
		require.NoError(t, got.err)
		assert.Equal(t, string(db.SessionStateFailed), got.state)
	case <-time.After(15 * time.Second):
		t.Fatal("plugin was never killed")
	}

	sess, err := h.conn.GetSession(sessionID)
	require.NoError(t, err)
	assert.Equal(t, db.SessionStateFailed, sess.State)
	require.NotNil(t, sess.Failure)
	assert.Equal(t, "The plugin did not finish correctly", sess.Failure.Message)
}

func TestRunPluginRevokedThroughBusStopsSession(t *testing.T) {
	h := newHarness(t)
	issueID := "revoke-" + uuid.NewString()[:8]
	r := h.newRunner(t, writeStub(t, stopOnSignalScript(issueID)), 0)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go bus.NewWorker(h.bus, h.queues.PluginQueue("light"), r.Handlers()).Run(ctx)

	scan := createScan(t, db.ScanStateStarted, session(db.SessionStateQueued))
	sessionID := scan.Sessions[0].ID

	task, err := NewTask(scan.ID, sessionID)
	require.NoError(t, err)
	waitCtx := testContext(t)
	require.NoError(t, h.bus.Enqueue(waitCtx, h.queues.PluginQueue("light"), task))

	require.Eventually(t, func() bool {
		sess, err := h.conn.GetSession(sessionID)
		return err == nil && len(sess.IssueRefs) == 1
	}, 10*time.Second, 25*time.Millisecond, "plugin never reported its issue")

	require.NoError(t, h.bus.Revoke(waitCtx, task.ID))

	result, err := h.bus.Wait(waitCtx, task.ID)
	require.NoError(t, err)
	assert.True(t, result.Revoked)
	assert.Equal(t, string(db.SessionStateStopped), result.State)

	sess, err := h.conn.GetSession(sessionID)
	require.NoError(t, err)
	assert.Equal(t, db.SessionStateStopped, sess.State)
}
