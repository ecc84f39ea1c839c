package state

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "minion-state-test")
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
	client *Client
	conn   *db.DatabaseConnection
}

// newHarness wires a client to a writer through real state shard workers, so
// tests exercise the full submit, claim, apply, ack path.
func newHarness(t *testing.T, notifier *Notifier) *harness {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	b, err := bus.New(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	queues := bus.Queues{Scan: "scan", Plugin: "plugin", StatePrefix: "state", StateShards: 2}
	writer := NewWriter(db.Connection(), b, notifier)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	for _, queue := range queues.StateQueues() {
		worker := bus.NewWorker(b, queue, writer.Handlers())
		go worker.Run(ctx)
	}

	return &harness{bus: b, client: NewClient(b, queues), conn: db.Connection()}
}

func createScan(t *testing.T, state db.ScanState, config string, sessions ...db.Session) *db.Scan {
	t.Helper()
	if config == "" {
		config = `{"target":"http://example.com"}`
	}
	scan, err := db.Connection().CreateScan(&db.Scan{
		State:         state,
		Target:        "http://state-" + uuid.NewString()[:8] + ".example.com",
		PlanName:      "basic",
		Plan:          db.PlanSnapshot{Name: "basic"},
		Configuration: datatypes.JSON([]byte(config)),
		Sessions:      sessions,
	})
	require.NoError(t, err)
	return scan
}

func session(position int, state db.SessionState, taskID string) db.Session {
	return db.Session{
		Position: position,
		State:    state,
		Plugin:   db.PluginInfo{Class: "minion.plugins.basic.AlivePlugin", Name: "Alive", Version: "0.1", Weight: "light"},
		TaskID:   taskID,
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestScanStartClaimsQueuedScanOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)
	scan := createScan(t, db.ScanStateQueued, "", session(0, db.SessionStateCreated, ""))

	claimed, state, err := h.client.ScanStart(ctx, scan.ID)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, db.ScanStateStarted, state)

	got, err := h.conn.GetScan(scan.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ScanStateStarted, got.State)
	require.NotNil(t, got.StartedAt)

	claimed, state, err = h.client.ScanStart(ctx, scan.ID)
	require.NoError(t, err)
	assert.False(t, claimed, "second delivery must not claim the scan again")
	assert.Equal(t, db.ScanStateStarted, state)
}

func TestScanStartRefusedWhileStopping(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)
	scan := createScan(t, db.ScanStateStopping, "")

	claimed, state, err := h.client.ScanStart(ctx, scan.ID)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, db.ScanStateStopping, state)
}

func TestScanFinishKeepsFirstTerminalState(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)
	scan := createScan(t, db.ScanStateStarted, "",
		session(0, db.SessionStateFinished, ""),
		session(1, db.SessionStateCreated, ""),
	)

	state, err := h.client.ScanFinish(ctx, scan.ID, db.ScanStateFinished, nil)
	require.NoError(t, err)
	assert.Equal(t, db.ScanStateFinished, state)

	got, err := h.conn.GetScan(scan.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ScanStateFinished, got.State)
	require.NotNil(t, got.FinishedAt)
	assert.Equal(t, db.SessionStateFinished, got.Sessions[0].State)
	assert.Equal(t, db.SessionStateCancelled, got.Sessions[1].State, "sessions that never ran are cancelled")
	assert.NotNil(t, got.Sessions[1].FinishedAt)

	// A later FAILED write loses to the terminal state already in place.
	failure := &db.Failure{Hostname: "worker-2", Message: "backend exception"}
	state, err = h.client.ScanFinish(ctx, scan.ID, db.ScanStateFailed, failure)
	require.NoError(t, err)
	assert.Equal(t, db.ScanStateFinished, state)

	got, err = h.conn.GetScan(scan.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ScanStateFinished, got.State)
	assert.Nil(t, got.Failure)
}

func TestScanFinishRejectsNonTerminalState(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)
	scan := createScan(t, db.ScanStateStarted, "")

	_, err := h.client.ScanFinish(ctx, scan.ID, db.ScanStateStarted, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid scan finish state")
}

func TestScanFinishFiresCallbackOnFirstTerminalWriteOnly(t *testing.T) {
	events := make(chan scanStateEvent, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event scanStateEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&event))
		events <- event
	}))
	t.Cleanup(srv.Close)

	h := newHarness(t, NewNotifier())
	ctx := testContext(t)
	config := `{"target":"http://example.com","callback":{"url":"` + srv.URL + `"}}`
	scan := createScan(t, db.ScanStateStarted, config)

	_, err := h.client.ScanFinish(ctx, scan.ID, db.ScanStateFinished, nil)
	require.NoError(t, err)

	// The writer posts the callback before acking, so the event is already
	// buffered here.
	event := <-events
	assert.Equal(t, "scan-state", event.Event)
	assert.Equal(t, scan.ID, event.ID)
	assert.Equal(t, db.ScanStateFinished, event.State)

	_, err = h.client.ScanFinish(ctx, scan.ID, db.ScanStateFailed, nil)
	require.NoError(t, err)
	assert.Empty(t, events, "refused terminal write must not fire the callback")
}

func TestScanStopStopsActiveSessionsAndRevokesTasks(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)
	scan := createScan(t, db.ScanStateStarted, "",
		session(0, db.SessionStateFinished, "task-done"),
		session(1, db.SessionStateStarted, "task-running"),
		session(2, db.SessionStateCreated, ""),
	)

	taskID, err := h.client.ScanStopAsync(ctx, scan.ID)
	require.NoError(t, err)

	result, err := h.bus.Wait(ctx, taskID)
	require.NoError(t, err)
	require.NoError(t, result.Err())
	assert.Equal(t, string(db.ScanStateStopped), result.State)

	got, err := h.conn.GetScan(scan.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ScanStateStopped, got.State)
	require.NotNil(t, got.FinishedAt)
	assert.Equal(t, db.SessionStateFinished, got.Sessions[0].State, "finished sessions keep their state")
	assert.Equal(t, db.SessionStateStopped, got.Sessions[1].State)
	assert.NotNil(t, got.Sessions[1].FinishedAt)
	assert.Equal(t, db.SessionStateCancelled, got.Sessions[2].State)

	// Every session that was dispatched as a task is revoked, whatever state
	// it reached.
	for _, task := range []string{"task-done", "task-running"} {
		revoked, err := h.bus.Revoked(ctx, task)
		require.NoError(t, err)
		assert.True(t, revoked, "task %s", task)
	}
}

func TestSessionLifecycleAcksPostWriteState(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)
	scan := createScan(t, db.ScanStateStarted, "", session(0, db.SessionStateCreated, ""))
	sessionID := scan.Sessions[0].ID

	state, err := h.client.SessionQueue(ctx, scan.ID, sessionID)
	require.NoError(t, err)
	assert.Equal(t, db.SessionStateQueued, state)

	state, err = h.client.SessionStart(ctx, scan.ID, sessionID)
	require.NoError(t, err)
	assert.Equal(t, db.SessionStateStarted, state)

	state, err = h.client.SessionFinish(ctx, scan.ID, sessionID, db.SessionStateFinished, nil)
	require.NoError(t, err)
	assert.Equal(t, db.SessionStateFinished, state)

	got, err := h.conn.GetSession(sessionID)
	require.NoError(t, err)
	assert.NotNil(t, got.QueuedAt)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.FinishedAt)

	// Terminal sessions refuse further transitions and ack what they hold.
	state, err = h.client.SessionQueue(ctx, scan.ID, sessionID)
	require.NoError(t, err)
	assert.Equal(t, db.SessionStateFinished, state)
}

func TestSessionFinishRecordsFailure(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)
	scan := createScan(t, db.ScanStateStarted, "", session(0, db.SessionStateStarted, ""))
	sessionID := scan.Sessions[0].ID

	failure := &db.Failure{Hostname: "worker-1", Message: "The plugin did not finish correctly", Exception: nil}
	state, err := h.client.SessionFinish(ctx, scan.ID, sessionID, db.SessionStateFailed, failure)
	require.NoError(t, err)
	assert.Equal(t, db.SessionStateFailed, state)

	got, err := h.conn.GetSession(sessionID)
	require.NoError(t, err)
	require.NotNil(t, got.Failure)
	assert.Equal(t, "The plugin did not finish correctly", got.Failure.Message)
	assert.Nil(t, got.Failure.Exception)
}

func TestSessionFinishRejectsCancelled(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)
	scan := createScan(t, db.ScanStateStarted, "", session(0, db.SessionStateStarted, ""))

	_, err := h.client.SessionFinish(ctx, scan.ID, scan.Sessions[0].ID, db.SessionStateCancelled, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid session finish state")
}

func TestSessionSetTaskID(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)
	scan := createScan(t, db.ScanStateStarted, "", session(0, db.SessionStateQueued, ""))

	require.NoError(t, h.client.SessionSetTaskID(ctx, scan.ID, scan.Sessions[0].ID, "plugin-task-7"))

	got, err := h.conn.GetSession(scan.Sessions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "plugin-task-7", got.TaskID)
}

func TestSessionReportIssueUpsertsAndReferences(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)
	scan := createScan(t, db.ScanStateStarted, "", session(0, db.SessionStateStarted, ""))
	sessionID := scan.Sessions[0].ID
	issueID := "report-" + uuid.NewString()[:8]

	issue := db.Issue{ID: issueID, Summary: "X-Frame-Options header missing", Severity: db.Medium}
	require.NoError(t, h.client.SessionReportIssue(ctx, scan.ID, sessionID, issue))

	// Re-reporting bumps the severity and leaves the reference list alone.
	issue.Severity = db.High
	require.NoError(t, h.client.SessionReportIssue(ctx, scan.ID, sessionID, issue))

	got, err := h.conn.GetIssue(issueID)
	require.NoError(t, err)
	assert.Equal(t, db.High, got.Severity)

	sess, err := h.conn.GetSession(sessionID)
	require.NoError(t, err)
	assert.Equal(t, db.StringSlice{issueID}, sess.IssueRefs)
}

func TestSessionReportArtifact(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)
	scan := createScan(t, db.ScanStateStarted, "", session(0, db.SessionStateStarted, ""))
	sessionID := scan.Sessions[0].ID

	artifact := db.Artifact{"paths": []interface{}{"nmap.xml"}}
	require.NoError(t, h.client.SessionReportArtifact(ctx, scan.ID, sessionID, artifact))

	got, err := h.conn.GetSession(sessionID)
	require.NoError(t, err)
	require.Len(t, got.Artifacts, 1)
	assert.Equal(t, []string{"nmap.xml"}, got.Artifacts[0].Paths())
}

func TestSetStatusIssuesCorrelatesScan(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)
	issueID := "correlate-" + uuid.NewString()[:8]
	require.NoError(t, h.conn.UpsertIssue(&db.Issue{ID: issueID, Summary: "Server header leaks version", Severity: db.Low}))

	sess := session(0, db.SessionStateFinished, "")
	sess.IssueRefs = db.StringSlice{issueID}
	scan := createScan(t, db.ScanStateFinished, "", sess)

	require.NoError(t, h.client.SetStatusIssues(ctx, scan.ID))

	issue, err := h.conn.GetIssue(issueID)
	require.NoError(t, err)
	assert.Equal(t, db.IssueStatusCurrent, issue.Status)
	assert.Equal(t, db.IssueStatusNone, issue.OldStatus)

	got, err := h.conn.GetScan(scan.ID)
	require.NoError(t, err)
	assert.True(t, got.Correlated)
}

func TestScanStartUnknownScanFails(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)

	_, _, err := h.client.ScanStart(ctx, uuid.New())
	require.Error(t, err)
}
