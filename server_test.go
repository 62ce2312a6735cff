package reactor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// frameCollector records every inbound message it sees, across connections.
type frameCollector struct {
	mu     sync.Mutex
	frames []any
	ch     chan any
}

func newFrameCollector() *frameCollector {
	return &frameCollector{ch: make(chan any, 1024)}
}

func (c *frameCollector) Capability() Capability { return ConsumesInbound }

func (c *frameCollector) HandleRead(ctx *Context, msg any) error {
	c.mu.Lock()
	c.frames = append(c.frames, msg)
	c.mu.Unlock()
	c.ch <- msg
	return nil
}

func (c *frameCollector) wait(t *testing.T, n int) []any {
	t.Helper()
	out := make([]any, 0, n)
	for len(out) < n {
		select {
		case m := <-c.ch:
			out = append(out, m)
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout after %d of %d frames", len(out), n)
		}
	}
	return out
}

func newTestServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}
	server, err := BindAddr(addr, opts...)
	require.NoError(t, err)
	return server
}

func dial(t *testing.T, s *Server) *net.TCPConn {
	t.Helper()
	conn, err := net.DialTCP("tcp", nil, s.Addr().(*net.TCPAddr))
	require.NoError(t, err)
	return conn
}

func TestBindAddr(t *testing.T) {
	server := newTestServer(t)
	defer server.Close()

	if server.listener == nil {
		t.Error("listener is nil")
	}
}

func TestBind_AllInterfaces(t *testing.T) {
	server, err := Bind(0)
	require.NoError(t, err)
	defer server.Close()

	addr := server.Addr().(*net.TCPAddr)
	assert.True(t, addr.IP.IsUnspecified(), "bound to %v", addr.IP)
	assert.NotZero(t, addr.Port)
}

func TestBind_AddressInUse(t *testing.T) {
	// First create a listener to occupy a port
	server1 := newTestServer(t)
	defer server1.Close()

	// Try to listen on the same port - should fail
	occupiedAddr := server1.listener.Addr().(*net.TCPAddr)
	_, err := BindAddr(occupiedAddr)

	var bindErr *BindError
	require.True(t, errors.As(err, &bindErr), "expected BindError, got %v", err)
	assert.Equal(t, occupiedAddr.String(), bindErr.Addr)
	assert.Contains(t, bindErr.Error(), occupiedAddr.String())
}

func TestServer_Close(t *testing.T) {
	server := newTestServer(t)

	assert.NoError(t, server.Close())
	// Close is idempotent
	assert.NoError(t, server.Close())

	// Verify listener is closed by trying to accept
	_, err := server.listener.AcceptTCP()
	assert.Error(t, err, "expected error after close")

	// The address is released
	again, err := BindAddr(server.Addr().(*net.TCPAddr))
	require.NoError(t, err)
	again.Close()
}

func TestServer_StartErrors(t *testing.T) {
	server := newTestServer(t)

	assert.Equal(t, ErrNoHandlers, server.Start(context.Background()))

	server.SetHandlerList(NewStringDecoder())
	require.NoError(t, server.Start(context.Background()))
	assert.Equal(t, ErrServerStarted, server.Start(context.Background()))
	assert.Equal(t, ErrServerStarted, server.Serve(context.Background()))

	require.NoError(t, server.Close())
	assert.Equal(t, ErrServerClosed, server.Start(context.Background()))
}

func TestServer_LengthFieldScenario(t *testing.T) {
	collector := newFrameCollector()
	server := newTestServer(t)
	defer server.Close()

	server.SetHandlers(InitializerFunc(func() []Handler {
		return []Handler{NewLengthFieldBasedDecoder(0, 4), NewStringDecoder(), collector}
	}))
	require.NoError(t, server.Start(context.Background()))

	const payload = "org.apache.commons.lang.builder"
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, 31)
	copy(frame[4:], payload)

	conn := dial(t, server)
	defer conn.Close()
	_, err := conn.Write(bytes.Repeat(frame, 6))
	require.NoError(t, err)

	frames := collector.wait(t, 6)
	for i, f := range frames {
		assert.Equal(t, payload, f, "frame %d", i)
	}
}

func TestServer_DelimiterScenario(t *testing.T) {
	collector := newFrameCollector()
	server := newTestServer(t)
	defer server.Close()

	server.SetHandlers(InitializerFunc(func() []Handler {
		return []Handler{NewDelimiterBasedDecoder('a'), NewStringDecoder(), collector}
	}))
	require.NoError(t, server.Start(context.Background()))

	stream := strings.Repeat("This is a beautiful world.\n", 12)
	parts := strings.Split(stream, "a")
	want := parts[:len(parts)-1] // the tail has no trailing delimiter

	conn := dial(t, server)
	defer conn.Close()
	_, err := conn.Write([]byte(stream))
	require.NoError(t, err)

	frames := collector.wait(t, len(want))
	got := make([]string, len(frames))
	for i, f := range frames {
		got[i] = f.(string)
	}
	assert.Equal(t, want, got)
	assert.Contains(t, got, "utiful world.\nThis is ")
}

// greeter replies "hello, <name>" to every inbound string.
type greeter struct{}

func (greeter) Capability() Capability { return ConsumesInbound | ProducesOutbound }

func (greeter) HandleRead(ctx *Context, msg any) error {
	return ctx.Write("hello, " + msg.(string) + "\n")
}

func TestServer_ResponseScenario(t *testing.T) {
	server := newTestServer(t)
	defer server.Close()

	server.SetHandlerList(NewStringDecoder(), greeter{}, NewStringEncoder())
	require.NoError(t, server.Start(context.Background()))

	conn := dial(t, server)
	defer conn.Close()
	_, err := conn.Write([]byte("skywalker"))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "hello, skywalker\n", line)
}

func TestServer_ConnectionIsolation(t *testing.T) {
	collector := newFrameCollector()
	server := newTestServer(t)
	defer server.Close()

	// The same decoder instance is cloned for every connection.
	server.SetHandlerList(NewDelimiterBasedDecoder('\n'), NewStringDecoder(), collector)
	require.NoError(t, server.Start(context.Background()))

	a := dial(t, server)
	defer a.Close()
	b := dial(t, server)
	defer b.Close()

	// a stays mid-frame while b sends complete frames.
	_, err := a.Write([]byte("aaa"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, err = b.Write([]byte("bbb\n"))
	require.NoError(t, err)
	assert.Equal(t, "bbb", collector.wait(t, 1)[0])

	_, err = a.Write([]byte("AAA\n"))
	require.NoError(t, err)
	assert.Equal(t, "aaaAAA", collector.wait(t, 1)[0])
}

func TestServer_FailingConnectionDoesNotAffectOthers(t *testing.T) {
	server := newTestServer(t)
	defer server.Close()

	server.SetHandlerList(NewLengthFieldBasedDecoder(0, 4, MaxFrameLength(64)), NewStringDecoder(), greeter{}, NewStringEncoder())
	require.NoError(t, server.Start(context.Background()))

	bad := dial(t, server)
	defer bad.Close()
	_, err := bad.Write([]byte{0x7f, 0, 0, 0})
	require.NoError(t, err)

	_ = bad.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = bad.Read(make([]byte, 1))
	assert.Error(t, err, "malformed connection should be closed")

	good := dial(t, server)
	defer good.Close()
	_, err = good.Write([]byte{0, 0, 0, 3, 'b', 'e', 'n'})
	require.NoError(t, err)

	_ = good.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(good).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "hello, ben\n", line)
}

func TestServer_CloseTerminatesConnections(t *testing.T) {
	server := newTestServer(t)
	server.SetHandlerList(NewStringDecoder(), newFrameCollector())
	require.NoError(t, server.Start(context.Background()))

	conn := dial(t, server)
	defer conn.Close()

	require.Eventually(t, func() bool { return server.ConnCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, server.Close())
	assert.Equal(t, 0, server.ConnCount())

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := conn.Read(make([]byte, 1))
	assert.Error(t, err, "client should observe the close")
}

func TestServer_Serve_ContextCanceled(t *testing.T) {
	server := newTestServer(t)
	server.SetHandlerList(NewStringDecoder())

	ctx, cancel := context.WithCancel(context.Background())

	// Start serving in goroutine
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx)
	}()

	// Give server time to start
	time.Sleep(time.Millisecond * 50)

	// Cancel context
	cancel()

	// Wait for Serve to return
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}
}

func TestServer_Serve_MultipleConnections(t *testing.T) {
	collector := newFrameCollector()
	server := newTestServer(t)
	defer server.Close()
	server.SetHandlerList(NewDelimiterBasedDecoder('\n'), NewStringDecoder(), collector)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx)

	// Connect multiple clients
	numClients := 5
	for i := 0; i < numClients; i++ {
		conn := dial(t, server)
		defer conn.Close()
		_, err := conn.Write([]byte("ping\n"))
		require.NoError(t, err)
	}

	for _, f := range collector.wait(t, numClients) {
		assert.Equal(t, "ping", f)
	}
}

func TestServer_ShutdownTimeout(t *testing.T) {
	clk := clock.NewMock()
	server := newTestServer(t, ServerShutdownTimeoutOption(time.Minute), ServerClockOption(clk))
	server.SetHandlerList(NewStringDecoder())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx)
	}()

	conn := dial(t, server)
	defer conn.Close()
	require.Eventually(t, func() bool { return server.ConnCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	// Serve waits for the shutdown timer while the connection is open.
	select {
	case err := <-done:
		t.Fatalf("Serve returned %v before the shutdown timeout", err)
	case <-time.After(100 * time.Millisecond):
	}

	deadline := time.After(5 * time.Second)
	for {
		clk.Add(time.Minute)
		select {
		case err := <-done:
			assert.Equal(t, context.Canceled, err)
			return
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatal("timeout waiting for Serve to return")
		}
	}
}

func TestServer_CloseBypassesShutdownTimeout(t *testing.T) {
	clk := clock.NewMock()
	server := newTestServer(t, ServerShutdownTimeoutOption(time.Hour), ServerClockOption(clk))
	server.SetHandlerList(NewStringDecoder())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx)
	}()

	conn := dial(t, server)
	defer conn.Close()
	require.Eventually(t, func() bool { return server.ConnCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	time.Sleep(time.Millisecond * 50)

	require.NoError(t, server.Close())
	assert.Equal(t, 0, server.ConnCount())

	select {
	case err := <-done:
		assert.Equal(t, context.Canceled, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}
}

func TestServer_ShutdownEndsWhenConnectionsFinish(t *testing.T) {
	clk := clock.NewMock()
	server := newTestServer(t, ServerShutdownTimeoutOption(time.Hour), ServerClockOption(clk))
	server.SetHandlerList(NewStringDecoder())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx)
	}()

	conn := dial(t, server)
	require.Eventually(t, func() bool { return server.ConnCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	time.Sleep(time.Millisecond * 50)

	// The peer leaving drains the server without advancing the clock.
	require.NoError(t, conn.Close())

	select {
	case err := <-done:
		assert.Equal(t, context.Canceled, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}
}

func TestServer_ConnOptions(t *testing.T) {
	closed := make(chan error, 1)
	server := newTestServer(t, ServerConnOptions(
		IdleTimeoutOption(50*time.Millisecond),
		OnCloseOption(func(c *Conn, err error) { closed <- err }),
	))
	defer server.Close()
	server.SetHandlerList(NewStringDecoder())
	require.NoError(t, server.Start(context.Background()))

	conn := dial(t, server)
	defer conn.Close()

	select {
	case err := <-closed:
		var netErr net.Error
		assert.True(t, errors.As(err, &netErr) && netErr.Timeout(), "expected idle timeout, got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("idle connection was not closed")
	}
}
