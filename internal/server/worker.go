package server

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"github.com/stashfs/stashd/internal/filelock"
	"github.com/stashfs/stashd/internal/logger"
	"github.com/stashfs/stashd/internal/metrics"
	"github.com/stashfs/stashd/internal/protocol"
	"github.com/stashfs/stashd/internal/queue"
	"github.com/stashfs/stashd/internal/session"
)

// Worker pops tasks off the shared task queue and performs the
// filesystem and metadata work a command requires. Each worker runs
// its own goroutine; any number can run concurrently since per-file
// mutual exclusion is provided by the file lock registry, not by the
// worker pool itself.
type Worker struct {
	ID          string
	Tasks       *queue.Queue[*Task]
	Store       Store
	Locks       *filelock.Manager
	Sessions    *session.Manager
	StorageRoot string
	Log         *slog.Logger
	Metrics     *metrics.Metrics
}

// Run pops tasks until the queue is shut down and drained, then returns.
func (w *Worker) Run(ctx context.Context) error {
	for {
		task, ok := w.Tasks.Pop()
		if !ok {
			return nil
		}
		w.Metrics.SetWorkerBusy(w.ID, true)
		w.process(ctx, task)
		w.Metrics.SetWorkerBusy(w.ID, false)
	}
}

func (w *Worker) process(ctx context.Context, t *Task) {
	switch t.Type {
	case TaskUpload:
		w.handleUpload(ctx, t)
	case TaskDownload:
		w.handleDownload(ctx, t)
	case TaskDelete:
		w.handleDelete(ctx, t)
	case TaskList:
		w.handleList(ctx, t)
	default:
		t.Resp.Set(session.StatusError, "UNKNOWN COMMAND\n", nil)
	}

	// The session may have disconnected while this task was in flight.
	// Re-look it up by id now that the response has been delivered to the
	// rendezvous slot; only a session still present and active gets its
	// operation counter and last-activity bumped.
	if !w.Sessions.Touch(t.SessionID) {
		w.Log.Debug("task completed for inactive session", logger.SessionID(t.SessionID))
	}
}

func (w *Worker) userDir(username string) string {
	return filepath.Join(w.StorageRoot, username)
}

func (w *Worker) filePath(username, filename string) string {
	return filepath.Join(w.userDir(username), filename)
}

// mapFSError translates a filesystem error into the response
// status+message pairing the worker reports back to the client.
func mapFSError(err error, op string) (session.Status, string) {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return session.StatusFileNotFound, op + " ERROR: File not found\n"
	case errors.Is(err, fs.ErrPermission):
		return session.StatusPermissionDenied, op + " ERROR: Permission denied\n"
	case errors.Is(err, syscall.ENOSPC):
		return session.StatusError, op + " ERROR: No space left on device\n"
	case errors.Is(err, syscall.ENAMETOOLONG):
		return session.StatusError, op + " ERROR: Filename too long\n"
	default:
		return session.StatusError, op + " ERROR: " + err.Error() + "\n"
	}
}

func (w *Worker) handleUpload(ctx context.Context, t *Task) {
	ok, err := w.Store.CheckQuota(ctx, t.Username, t.Size)
	if err != nil {
		w.Log.Error("check quota failed", logger.Err(err), logger.Username(t.Username))
		t.Resp.Set(session.StatusError, "UPLOAD ERROR: quota check failed\n", nil)
		return
	}
	if !ok {
		t.Resp.Set(session.StatusQuotaExceeded, "UPLOAD ERROR: Quota exceeded\n", nil)
		return
	}

	lock, err := w.Locks.Acquire(t.Username, t.Filename)
	if err != nil {
		t.Resp.Set(session.StatusError, "UPLOAD ERROR: Could not acquire file lock\n", nil)
		return
	}
	defer w.Locks.Release(lock)

	if err := os.MkdirAll(w.userDir(t.Username), 0o755); err != nil {
		status, msg := mapFSError(err, "UPLOAD")
		t.Resp.Set(status, msg, nil)
		return
	}

	path := w.filePath(t.Username, t.Filename)
	if err := os.WriteFile(path, t.Payload, 0o644); err != nil {
		os.Remove(path)
		status, msg := mapFSError(err, "UPLOAD")
		t.Resp.Set(status, msg, nil)
		return
	}

	if err := w.Store.UpsertFile(ctx, t.Username, t.Filename, t.Size); err != nil {
		w.Log.Error("upsert file metadata failed", logger.Err(err), logger.Filename(t.Filename))
		t.Resp.Set(session.StatusSuccess, "UPLOAD OK (metadata warning)\n", nil)
		return
	}

	w.Metrics.AddBytesTransferred("upload", t.Size)
	t.Resp.Set(session.StatusSuccess, "UPLOAD OK\n", nil)
}

func (w *Worker) handleDownload(ctx context.Context, t *Task) {
	lock, err := w.Locks.Acquire(t.Username, t.Filename)
	if err != nil {
		t.Resp.Set(session.StatusError, "DOWNLOAD ERROR: Could not acquire file lock\n", nil)
		return
	}

	path := w.filePath(t.Username, t.Filename)
	data, err := os.ReadFile(path)
	w.Locks.Release(lock)

	if err != nil {
		status, msg := mapFSError(err, "DOWNLOAD")
		t.Resp.Set(status, msg, nil)
		return
	}

	w.Metrics.AddBytesTransferred("download", int64(len(data)))
	t.Resp.Set(session.StatusSuccess, "\n"+protocol.DownloadOK, data)
}

func (w *Worker) handleDelete(ctx context.Context, t *Task) {
	lock, err := w.Locks.Acquire(t.Username, t.Filename)
	if err != nil {
		t.Resp.Set(session.StatusError, "DELETE ERROR: Could not acquire file lock\n", nil)
		return
	}
	defer w.Locks.Release(lock)

	path := w.filePath(t.Username, t.Filename)
	if err := os.Remove(path); err != nil {
		status, msg := mapFSError(err, "DELETE")
		t.Resp.Set(status, msg, nil)
		return
	}

	if err := w.Store.RemoveFile(ctx, t.Username, t.Filename); err != nil {
		w.Log.Warn("remove file metadata warning", logger.Err(err), logger.Filename(t.Filename))
		t.Resp.Set(session.StatusSuccess, "DELETE OK (metadata warning)\n", nil)
		return
	}
	t.Resp.Set(session.StatusSuccess, "DELETE OK\n", nil)
}

func (w *Worker) handleList(ctx context.Context, t *Task) {
	entries, err := os.ReadDir(w.userDir(t.Username))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			t.Resp.Set(session.StatusSuccess, "", []byte(protocol.ListEnd))
			return
		}
		status, msg := mapFSError(err, "LIST")
		t.Resp.Set(status, msg, nil)
		return
	}

	var out []byte
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		out = append(out, e.Name()...)
		out = append(out, '\n')
	}
	out = append(out, protocol.ListEnd...)
	t.Resp.Set(session.StatusSuccess, "", out)
}
