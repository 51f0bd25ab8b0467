package server_test

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stashfs/stashd/internal/auth"
	"github.com/stashfs/stashd/internal/metrics"
	"github.com/stashfs/stashd/internal/server"
	"github.com/stashfs/stashd/internal/store"
)

// testServer starts a real server bound to 127.0.0.1:0 against a fresh
// SQLite-backed store and returns it once its listener is ready.
func testServer(t *testing.T) (*server.Server, *store.Store) {
	t.Helper()

	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "stash.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	m, _ := metrics.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := server.DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.StorageRoot = t.TempDir()
	cfg.HandlerCount = 2
	cfg.WorkerCount = 2

	srv := server.New(cfg, st, log, m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	waitReady(t, srv)

	return srv, st
}

func waitReady(t *testing.T, srv *server.Server) {
	t.Helper()
	select {
	case <-srv.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("server never became ready")
	}
}

func dial(t *testing.T, srv *server.Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

func sendLine(t *testing.T, conn net.Conn, line string) {
	t.Helper()
	_, err := conn.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimRight(line, "\r\n")
}

func readBanner(t *testing.T, r *bufio.Reader) {
	t.Helper()
	readLine(t, r)
}

// readDownload scans the connection for the "\nDOWNLOAD OK\n" terminator
// the client is expected to scan for, returning everything that
// preceded it as the downloaded payload.
func readDownload(t *testing.T, r *bufio.Reader) []byte {
	t.Helper()
	const terminator = "\nDOWNLOAD OK\n"
	var buf []byte
	for {
		b, err := r.ReadByte()
		require.NoError(t, err)
		buf = append(buf, b)
		if strings.HasSuffix(string(buf), terminator) {
			return buf[:len(buf)-len(terminator)]
		}
	}
}

// S1 – signup + round trip.
func TestSignupUploadDownloadList(t *testing.T) {
	srv, _ := testServer(t)
	conn, r := dial(t, srv)
	readBanner(t, r)

	sendLine(t, conn, "SIGNUP alice pw")
	assert.Equal(t, "SIGNUP OK", readLine(t, r))

	sendLine(t, conn, "UPLOAD hello.txt 5")
	_, err := conn.Write([]byte("HELLO"))
	require.NoError(t, err)
	assert.Equal(t, "UPLOAD OK", readLine(t, r))

	sendLine(t, conn, "DOWNLOAD hello.txt")
	assert.Equal(t, []byte("HELLO"), readDownload(t, r))

	sendLine(t, conn, "LIST")
	assert.Equal(t, "hello.txt", readLine(t, r))
	assert.Equal(t, "LIST END", readLine(t, r))
}

// S2 – quota reject: the server must reject the UPLOAD before reading
// its payload. Proven by never sending the payload bytes: the rejection
// arrives without them, and a following LIST parses cleanly because the
// server is not waiting to consume 11 payload bytes.
func TestUploadQuotaRejectedWithoutConsumingPayload(t *testing.T) {
	srv, st := testServer(t)

	_, err := st.CreateUser(context.Background(), "quser", auth.Hash("pw"), 10)
	require.NoError(t, err)

	conn, r := dial(t, srv)
	readBanner(t, r)

	sendLine(t, conn, "LOGIN quser pw")
	assert.Equal(t, "LOGIN OK", readLine(t, r))

	sendLine(t, conn, "UPLOAD big 11")
	assert.Equal(t, "UPLOAD ERROR: Quota exceeded", readLine(t, r))

	sendLine(t, conn, "LIST")
	assert.Equal(t, "LIST END", readLine(t, r))
}

// S3 – bad password.
func TestLoginBadPasswordThenGood(t *testing.T) {
	srv, _ := testServer(t)

	conn1, r1 := dial(t, srv)
	readBanner(t, r1)
	sendLine(t, conn1, "SIGNUP bob pw")
	assert.Equal(t, "SIGNUP OK", readLine(t, r1))
	conn1.Close()

	conn2, r2 := dial(t, srv)
	readBanner(t, r2)

	sendLine(t, conn2, "LOGIN bob wrong")
	assert.Equal(t, "LOGIN ERROR: Invalid password", readLine(t, r2))

	sendLine(t, conn2, "LOGIN bob pw")
	assert.Equal(t, "LOGIN OK", readLine(t, r2))
}

// QUIT during AUTH_LOOP gets a Goodbye line before the connection closes.
func TestQuitDuringAuthLoopSendsGoodbye(t *testing.T) {
	srv, _ := testServer(t)
	conn, r := dial(t, srv)
	readBanner(t, r)

	sendLine(t, conn, "QUIT")
	assert.Equal(t, "Goodbye!", readLine(t, r))

	_, err := r.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

// QUIT during COMMAND_LOOP (i.e. after authenticating) also gets a
// Goodbye line before the connection closes.
func TestQuitDuringCommandLoopSendsGoodbye(t *testing.T) {
	srv, _ := testServer(t)
	conn, r := dial(t, srv)
	readBanner(t, r)

	sendLine(t, conn, "SIGNUP greta pw")
	assert.Equal(t, "SIGNUP OK", readLine(t, r))

	sendLine(t, conn, "QUIT")
	assert.Equal(t, "Goodbye!", readLine(t, r))

	_, err := r.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

// Signing up with a username longer than the store column can hold is
// rejected before it ever reaches the metadata store.
func TestSignupRejectsOverLongUsername(t *testing.T) {
	srv, _ := testServer(t)
	conn, r := dial(t, srv)
	readBanner(t, r)

	longName := strings.Repeat("a", 64)
	sendLine(t, conn, "SIGNUP "+longName+" pw")
	assert.Equal(t, "SIGNUP ERROR: Invalid username", readLine(t, r))
}

// S4 – concurrent same-file upload: two clients logged in as the same
// user upload the same filename at once; both must succeed and a
// subsequent download must return exactly one of the two payloads, not
// an interleaved mix, because the per-file lock serializes the writes.
func TestConcurrentSameFileUploadIsSerialized(t *testing.T) {
	srv, _ := testServer(t)

	conn0, r0 := dial(t, srv)
	readBanner(t, r0)
	sendLine(t, conn0, "SIGNUP carol pw")
	assert.Equal(t, "SIGNUP OK", readLine(t, r0))
	conn0.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	upload := func(size int) {
		defer wg.Done()
		conn, r := dial(t, srv)
		readBanner(t, r)
		sendLine(t, conn, "LOGIN carol pw")
		require.Equal(t, "LOGIN OK", readLine(t, r))
		sendLine(t, conn, fmt.Sprintf("UPLOAD f.bin %d", size))
		_, err := conn.Write([]byte(strings.Repeat("a", size)))
		require.NoError(t, err)
		require.Equal(t, "UPLOAD OK", readLine(t, r))
	}
	go upload(100)
	go upload(200)
	wg.Wait()

	conn, r := dial(t, srv)
	readBanner(t, r)
	sendLine(t, conn, "LOGIN carol pw")
	require.Equal(t, "LOGIN OK", readLine(t, r))

	sendLine(t, conn, "DOWNLOAD f.bin")
	data := readDownload(t, r)
	assert.True(t, len(data) == 100 || len(data) == 200, "expected one of the two whole uploads, got %d bytes", len(data))
}

// S5 – disconnect during wait: the client closes its socket while a
// worker is still processing its request; the worker must complete
// without panicking and the server must keep accepting new clients.
func TestDisconnectDuringWaitDoesNotWedgeServer(t *testing.T) {
	srv, _ := testServer(t)

	conn0, r0 := dial(t, srv)
	readBanner(t, r0)
	sendLine(t, conn0, "SIGNUP dave pw")
	assert.Equal(t, "SIGNUP OK", readLine(t, r0))
	conn0.Close()

	conn1, r1 := dial(t, srv)
	readBanner(t, r1)
	sendLine(t, conn1, "LOGIN dave pw")
	assert.Equal(t, "LOGIN OK", readLine(t, r1))

	sendLine(t, conn1, "DOWNLOAD missing.txt")
	conn1.Close()

	time.Sleep(100 * time.Millisecond)

	conn2, r2 := dial(t, srv)
	readBanner(t, r2)
	sendLine(t, conn2, "LOGIN dave pw")
	assert.Equal(t, "LOGIN OK", readLine(t, r2))
}

// S6 – graceful shutdown: cancelling the context stops the accept loop
// and every pool goroutine joins.
func TestGracefulShutdownStopsAccepting(t *testing.T) {
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "stash.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	m, _ := metrics.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := server.DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.StorageRoot = t.TempDir()
	srv := server.New(cfg, st, log, m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	waitReady(t, srv)

	conn, r := dial(t, srv)
	readBanner(t, r)
	sendLine(t, conn, "SIGNUP erin pw")
	assert.Equal(t, "SIGNUP OK", readLine(t, r))

	addr := srv.Addr().String()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down after context cancellation")
	}

	_, err = net.Dial("tcp", addr)
	assert.Error(t, err, "listener should be closed after shutdown")
}
