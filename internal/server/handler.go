package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/stashfs/stashd/internal/auth"
	"github.com/stashfs/stashd/internal/logger"
	"github.com/stashfs/stashd/internal/metrics"
	"github.com/stashfs/stashd/internal/protocol"
	"github.com/stashfs/stashd/internal/queue"
	"github.com/stashfs/stashd/internal/session"
	"github.com/stashfs/stashd/internal/store"
)

// Handler drives one client connection through the WELCOME → AUTH_LOOP →
// COMMAND_LOOP → CLOSED state machine.
type Handler struct {
	ID       string
	Sessions *session.Manager
	Store    Store
	Tasks    *queue.Queue[*Task]
	Log      *slog.Logger
	Metrics  *metrics.Metrics
}

// Run services conn until the client disconnects, sends QUIT, a write
// to it fails, or ctx is cancelled (which unblocks a pending read). It
// always returns nil; connection-level errors are logged, not
// propagated, so one bad connection never stops the pool.
func (h *Handler) Run(ctx context.Context, conn net.Conn) error {
	rec, ok := h.Sessions.Create(conn)
	if !ok {
		_ = protocol.WriteLine(conn, "SERVER BUSY: session table full\n")
		conn.Close()
		return nil
	}
	h.Metrics.SessionCreated()
	defer h.Sessions.Destroy(rec.ID)

	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	log := h.Log.With(logger.SessionID(rec.ID), logger.RemoteAddr(conn.RemoteAddr().String()))

	if err := protocol.WriteLine(conn, protocol.Banner); err != nil {
		log.Debug("welcome write failed", logger.Err(err))
		return nil
	}

	reader := bufio.NewReader(conn)

	if !h.authLoop(ctx, rec, reader, log) {
		return nil
	}

	h.commandLoop(ctx, rec, reader, log)
	return nil
}

// authLoop returns true once the session has authenticated successfully
// and the handler should move to COMMAND_LOOP, or false if the
// connection ended (disconnect or QUIT) before that happened.
func (h *Handler) authLoop(ctx context.Context, rec *session.Record, reader *bufio.Reader, log *slog.Logger) bool {
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			log.Debug("disconnected before authentication")
			return false
		}
		cmd, err := protocol.Parse(trimLine(line))
		if err != nil {
			_ = protocol.WriteLine(rec.Conn, "ERROR: malformed command\n")
			continue
		}

		switch cmd.Type {
		case protocol.Signup:
			if err := auth.Signup(ctx, h.Store, cmd.Username, cmd.Password); err != nil {
				log.Info("signup rejected", logger.Username(cmd.Username), logger.Err(err))
				_ = protocol.WriteLine(rec.Conn, "SIGNUP ERROR: "+authErrorMessage(err)+"\n")
				continue
			}
			rec.SetUsername(cmd.Username)
			_ = protocol.WriteLine(rec.Conn, "SIGNUP OK\n")
			return true
		case protocol.Login:
			if err := auth.Login(ctx, h.Store, cmd.Username, cmd.Password); err != nil {
				log.Info("login rejected", logger.Username(cmd.Username), logger.Err(err))
				_ = protocol.WriteLine(rec.Conn, "LOGIN ERROR: "+authErrorMessage(err)+"\n")
				continue
			}
			rec.SetUsername(cmd.Username)
			_ = protocol.WriteLine(rec.Conn, "LOGIN OK\n")
			return true
		case protocol.Quit:
			_ = protocol.WriteLine(rec.Conn, "Goodbye!\n")
			return false
		default:
			_ = protocol.WriteLine(rec.Conn, "ERROR: must SIGNUP or LOGIN first\n")
		}
	}
}

func authErrorMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrInvalidPassword):
		return "Invalid password"
	case errors.Is(err, store.ErrUserExists):
		return "User already exists"
	case errors.Is(err, auth.ErrInvalidUsername):
		return "Invalid username"
	default:
		return "Invalid username or password"
	}
}

func (h *Handler) commandLoop(ctx context.Context, rec *session.Record, reader *bufio.Reader, log *slog.Logger) {
	username, _ := rec.User()

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			log.Debug("client disconnected")
			h.Sessions.MarkInactive(rec.ID)
			return
		}

		cmd, err := protocol.Parse(trimLine(line))
		if err != nil {
			_ = protocol.WriteLine(rec.Conn, "ERROR: malformed command\n")
			continue
		}

		if cmd.Type == protocol.Quit {
			_ = protocol.WriteLine(rec.Conn, "Goodbye!\n")
			return
		}

		if cmd.Type == protocol.Upload || cmd.Type == protocol.Download || cmd.Type == protocol.Delete {
			if err := protocol.ValidateFilename(cmd.Filename); err != nil {
				_ = protocol.WriteLine(rec.Conn, "ERROR: invalid filename\n")
				if cmd.Type == protocol.Upload {
					// Header carried a size but the filename is rejected before
					// the payload is read; the client still owes us those bytes.
					if _, err := protocol.ReadPayload(reader, cmd.Size); err != nil {
						h.Sessions.MarkInactive(rec.ID)
						return
					}
				}
				continue
			}
		}

		task := &Task{SessionID: rec.ID, Username: username, Filename: cmd.Filename, Resp: rec.Resp}

		switch cmd.Type {
		case protocol.Upload:
			ok, err := h.Store.CheckQuota(ctx, username, cmd.Size)
			if err != nil || !ok {
				_ = protocol.WriteLine(rec.Conn, "UPLOAD ERROR: Quota exceeded\n")
				h.Metrics.CommandFailed("UPLOAD", "QUOTA_EXCEEDED")
				continue
			}
			payload, err := protocol.ReadPayload(reader, cmd.Size)
			if err != nil {
				h.Sessions.MarkInactive(rec.ID)
				return
			}
			task.Type = TaskUpload
			task.Size = cmd.Size
			task.Payload = payload
		case protocol.Download:
			task.Type = TaskDownload
		case protocol.Delete:
			task.Type = TaskDelete
		case protocol.List:
			task.Type = TaskList
		default:
			_ = protocol.WriteLine(rec.Conn, "ERROR: unknown command\n")
			continue
		}

		rec.Resp.Reset()
		h.Metrics.CommandProcessed(task.Type.String())
		if !h.Tasks.Push(task) {
			_ = protocol.WriteLine(rec.Conn, "SERVER BUSY\n")
			continue
		}

		status, message, data := rec.Resp.Wait()
		if !rec.Active() {
			continue
		}
		if len(data) > 0 {
			if err := writeAll(rec.Conn, data); err != nil {
				h.Sessions.MarkInactive(rec.ID)
				return
			}
		}
		if err := protocol.WriteLine(rec.Conn, message); err != nil {
			h.Sessions.MarkInactive(rec.ID)
			return
		}
		if status != session.StatusSuccess {
			h.Metrics.CommandFailed(task.Type.String(), statusName(status))
		}
	}
}

func statusName(s session.Status) string {
	switch s {
	case session.StatusFileNotFound:
		return "FILE_NOT_FOUND"
	case session.StatusQuotaExceeded:
		return "QUOTA_EXCEEDED"
	case session.StatusPermissionDenied:
		return "PERMISSION_DENIED"
	case session.StatusError:
		return "ERROR"
	default:
		return "OK"
	}
}

func writeAll(w io.Writer, data []byte) error {
	_, err := w.Write(data)
	return err
}

func trimLine(line string) string {
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line
}
