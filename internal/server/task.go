package server

import "github.com/stashfs/stashd/internal/session"

// TaskType identifies which file operation a Task carries, mirroring the
// original server's task_type_t enum.
type TaskType int

const (
	TaskUpload TaskType = iota
	TaskDownload
	TaskDelete
	TaskList
)

func (t TaskType) String() string {
	switch t {
	case TaskUpload:
		return "UPLOAD"
	case TaskDownload:
		return "DOWNLOAD"
	case TaskDelete:
		return "DELETE"
	case TaskList:
		return "LIST"
	default:
		return "UNKNOWN"
	}
}

// Task is the unit of work a client handler pushes onto the task queue
// and a worker pops: a snapshot of everything the worker needs to perform
// the filesystem/metadata work. The worker separately re-looks up
// SessionID in the session table after finishing, purely to update that
// session's bookkeeping if it is still alive.
type Task struct {
	Type      TaskType
	SessionID uint64
	Username  string
	Filename  string
	Size      int64
	Payload   []byte
	Resp      *session.Response
}
