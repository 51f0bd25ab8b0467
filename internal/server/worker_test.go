package server

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stashfs/stashd/internal/filelock"
	"github.com/stashfs/stashd/internal/metrics"
	"github.com/stashfs/stashd/internal/queue"
	"github.com/stashfs/stashd/internal/session"
)

func newTestWorker(t *testing.T, sessions *session.Manager) *Worker {
	t.Helper()
	m, _ := metrics.New()
	return &Worker{
		ID:          "w0",
		Tasks:       queue.New[*Task](1),
		Locks:       filelock.NewManager(4),
		Sessions:    sessions,
		StorageRoot: t.TempDir(),
		Log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:     m,
	}
}

// A worker's post-Set session lookup only bumps bookkeeping for a
// session that is still present and active (§4.I's last paragraph).
func TestProcessTouchesSessionOnSuccess(t *testing.T) {
	sessions := session.NewManager()
	rec, ok := sessions.Create(nil)
	if !ok {
		t.Fatalf("Create failed")
	}
	rec.SetUsername("alice")

	w := newTestWorker(t, sessions)
	task := &Task{Type: TaskList, SessionID: rec.ID, Username: "alice", Resp: session.NewResponse()}

	w.process(context.Background(), task)

	if rec.OpCount != 1 {
		t.Errorf("expected OpCount=1 after a task completes for a live session, got %d", rec.OpCount)
	}
}

// A task that finishes after its client disconnected must not wedge or
// panic the worker, and must not bump bookkeeping for the now-inactive
// session (S5: disconnect during an in-flight task).
func TestProcessDiscardsResultForInactiveSession(t *testing.T) {
	sessions := session.NewManager()
	rec, ok := sessions.Create(nil)
	if !ok {
		t.Fatalf("Create failed")
	}
	rec.SetUsername("bob")
	sessions.MarkInactive(rec.ID)

	w := newTestWorker(t, sessions)
	task := &Task{Type: TaskList, SessionID: rec.ID, Username: "bob", Resp: session.NewResponse()}

	w.process(context.Background(), task)

	status, _, _ := task.Resp.Wait()
	if status != session.StatusSuccess {
		t.Errorf("expected the task itself to still complete normally, got status=%v", status)
	}
	if rec.OpCount != 0 {
		t.Errorf("expected OpCount to stay 0 for a session marked inactive before completion, got %d", rec.OpCount)
	}
}

// Same as above but for a session that was fully destroyed (its slot
// emptied), not merely marked inactive.
func TestProcessDiscardsResultForDestroyedSession(t *testing.T) {
	sessions := session.NewManager()
	rec, ok := sessions.Create(nil)
	if !ok {
		t.Fatalf("Create failed")
	}
	sessions.Destroy(rec.ID)

	w := newTestWorker(t, sessions)
	task := &Task{Type: TaskList, SessionID: rec.ID, Username: "carol", Resp: session.NewResponse()}

	w.process(context.Background(), task)

	if rec.OpCount != 0 {
		t.Errorf("expected OpCount to stay 0 for a destroyed session, got %d", rec.OpCount)
	}
}
