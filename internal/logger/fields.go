package logger

import "log/slog"

// Standard field keys for structured logging, used consistently by
// internal/server and cmd/stashd so log lines can be queried uniformly
// regardless of which package emitted them.
const (
	KeySessionID  = "session_id"  // Session table id
	KeyUsername   = "username"    // Authenticated username
	KeyCommand    = "command"     // Wire command verb: UPLOAD, DOWNLOAD, ...
	KeyFilename   = "filename"    // File or directory name
	KeySize       = "size"        // File size in bytes
	KeyStatus     = "status"      // Response status: OK, ERROR, ...
	KeyStatusMsg  = "status_msg"  // Human-readable status message
	KeyRemoteAddr = "remote_addr" // Client connection remote address

	KeyQueueDepth    = "queue_depth"    // Current bounded-queue occupancy
	KeyQueueCapacity = "queue_capacity" // Bounded-queue capacity
	KeyWorkerID      = "worker_id"      // Worker goroutine index
	KeyHandlerID     = "handler_id"     // Client handler goroutine index

	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
)

// SessionID returns a slog.Attr for a session table id.
func SessionID(id uint64) slog.Attr {
	return slog.Uint64(KeySessionID, id)
}

// Username returns a slog.Attr for an authenticated username.
func Username(name string) slog.Attr {
	return slog.String(KeyUsername, name)
}

// Command returns a slog.Attr for the wire command verb.
func Command(verb string) slog.Attr {
	return slog.String(KeyCommand, verb)
}

// Filename returns a slog.Attr for a file name.
func Filename(name string) slog.Attr {
	return slog.String(KeyFilename, name)
}

// Size returns a slog.Attr for a file size in bytes.
func Size(n int64) slog.Attr {
	return slog.Int64(KeySize, n)
}

// Status returns a slog.Attr for a response status.
func Status(status string) slog.Attr {
	return slog.String(KeyStatus, status)
}

// StatusMsg returns a slog.Attr for a human-readable status message.
func StatusMsg(msg string) slog.Attr {
	return slog.String(KeyStatusMsg, msg)
}

// RemoteAddr returns a slog.Attr for a connection's remote address.
func RemoteAddr(addr string) slog.Attr {
	return slog.String(KeyRemoteAddr, addr)
}

// QueueDepth returns a slog.Attr for a bounded queue's current occupancy.
func QueueDepth(n int) slog.Attr {
	return slog.Int(KeyQueueDepth, n)
}

// WorkerID returns a slog.Attr for a worker goroutine's pool index.
func WorkerID(id int) slog.Attr {
	return slog.Int(KeyWorkerID, id)
}

// HandlerID returns a slog.Attr for a client handler goroutine's pool index.
func HandlerID(id int) slog.Attr {
	return slog.Int(KeyHandlerID, id)
}

// DurationMs returns a slog.Attr for an operation duration in milliseconds.
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error, or a zero Attr for a nil error.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
