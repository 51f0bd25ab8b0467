// Package server wires together the connection queue, task queue,
// session table, file lock registry, and metadata store into the
// running TCP file-storage service.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/stashfs/stashd/internal/filelock"
	"github.com/stashfs/stashd/internal/logger"
	"github.com/stashfs/stashd/internal/metrics"
	"github.com/stashfs/stashd/internal/protocol"
	"github.com/stashfs/stashd/internal/queue"
	"github.com/stashfs/stashd/internal/session"
	"golang.org/x/sync/errgroup"
)

// Config holds every knob the server exposes as configurable.
type Config struct {
	Addr              string
	ConnQueueCapacity int
	TaskQueueCapacity int
	HandlerCount      int
	WorkerCount       int
	StorageRoot       string
	FileLockCapacity  int
}

// DefaultConfig mirrors the original server's DEFAULT_PORT,
// DEFAULT_QUEUE_CAPACITY, CLIENT_THREAD_COUNT, and WORKER_THREAD_COUNT.
func DefaultConfig() Config {
	return Config{
		Addr:              ":10985",
		ConnQueueCapacity: 64,
		TaskQueueCapacity: 256,
		HandlerCount:      4,
		WorkerCount:       4,
		StorageRoot:       "storage",
		FileLockCapacity:  1024,
	}
}

// Server owns the listener and the two worker pools draining the
// connection and task queues.
type Server struct {
	cfg      Config
	store    Store
	sessions *session.Manager
	locks    *filelock.Manager

	connQueue *queue.Queue[net.Conn]
	taskQueue *queue.Queue[*Task]

	log     *slog.Logger
	metrics *metrics.Metrics

	listener net.Listener
	ready    chan struct{}
}

// New constructs a Server ready to Run. st and log must be non-nil; m
// may be nil, since every Metrics method tolerates a nil receiver.
func New(cfg Config, st Store, log *slog.Logger, m *metrics.Metrics) *Server {
	if cfg.ConnQueueCapacity <= 0 {
		cfg.ConnQueueCapacity = DefaultConfig().ConnQueueCapacity
	}
	if cfg.TaskQueueCapacity <= 0 {
		cfg.TaskQueueCapacity = DefaultConfig().TaskQueueCapacity
	}
	if cfg.HandlerCount <= 0 {
		cfg.HandlerCount = DefaultConfig().HandlerCount
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultConfig().WorkerCount
	}
	if cfg.FileLockCapacity <= 0 {
		cfg.FileLockCapacity = DefaultConfig().FileLockCapacity
	}

	return &Server{
		cfg:       cfg,
		store:     st,
		sessions:  session.NewManager(),
		locks:     filelock.NewManager(cfg.FileLockCapacity),
		connQueue: queue.New[net.Conn](cfg.ConnQueueCapacity),
		taskQueue: queue.New[*Task](cfg.TaskQueueCapacity),
		log:       log,
		metrics:   m,
		ready:     make(chan struct{}),
	}
}

// Ready closes once the listener is bound, so callers that started Run
// in a goroutine (tests binding to port 0) can wait for Addr to be valid.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the address the server is actually listening on, valid
// only after Run has started the listener (useful for tests that bind
// to port 0).
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run binds the listener, starts the handler and worker pools, and
// blocks until ctx is cancelled (SIGINT/SIGTERM upstream) or the
// listener fails. It then drives the shutdown sequence: stop
// accepting, signal both queues, join every pool goroutine.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	close(s.ready)

	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < s.cfg.WorkerCount; i++ {
		id := strconv.Itoa(i)
		w := &Worker{
			ID:          id,
			Tasks:       s.taskQueue,
			Store:       s.store,
			Locks:       s.locks,
			Sessions:    s.sessions,
			StorageRoot: s.cfg.StorageRoot,
			Log:         s.log.With(logger.WorkerID(i)),
			Metrics:     s.metrics,
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	for i := 0; i < s.cfg.HandlerCount; i++ {
		id := strconv.Itoa(i)
		h := &Handler{
			ID:       id,
			Sessions: s.sessions,
			Store:    s.store,
			Tasks:    s.taskQueue,
			Log:      s.log.With(logger.HandlerID(i)),
			Metrics:  s.metrics,
		}
		g.Go(func() error { return s.runHandlerPool(gctx, h) })
	}

	g.Go(func() error { return s.acceptLoop(gctx) })

	g.Go(func() error {
		<-gctx.Done()
		s.shutdown()
		return nil
	})

	err = g.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) runHandlerPool(ctx context.Context, h *Handler) error {
	for {
		conn, ok := s.connQueue.Pop()
		if !ok {
			return nil
		}
		if err := h.Run(ctx, conn); err != nil {
			s.log.Error("handler error", logger.Err(err))
		}
	}
}

func (s *Server) acceptLoop(ctx context.Context) error {
	s.log.Info("listening", slog.String("addr", s.listener.Addr().String()))
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.metrics.SetConnQueueDepth(s.connQueue.Len())
		if !s.connQueue.TryPush(conn) {
			_ = protocol.WriteLine(conn, "SERVER BUSY\n")
			conn.Close()
			continue
		}
	}
}

func (s *Server) shutdown() {
	s.log.Info("shutting down")
	if s.listener != nil {
		s.listener.Close()
	}
	s.connQueue.Shutdown()
	s.taskQueue.Shutdown()
}
