package reactor

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// Server represents a TCP server that listens for incoming connections and
// runs one pipeline per accepted connection.
type Server struct {
	listener        *net.TCPListener
	logger          Logger
	clock           clock.Clock
	shutdownTimeout time.Duration
	connOpts        []Option

	mu          sync.Mutex
	initializer Initializer
	started     bool
	shutdown    bool
	conns       map[*Conn]struct{}
	wg          sync.WaitGroup

	closeOnce   sync.Once
	closeErr    error
	closed      chan struct{}
	shutdownNow chan struct{} // closed by Close, bypasses the shutdown timeout
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server and, unless overridden
// with ServerConnOptions, for its connections.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption sets the graceful shutdown timeout.
// When the context passed to Serve or Start is canceled, the server stops
// accepting and waits up to this duration before closing the remaining
// connections. Default is 0 (immediate shutdown).
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// ServerClockOption sets the clock used for the shutdown timeout.
func ServerClockOption(clk clock.Clock) ServerOption {
	return func(s *Server) {
		s.clock = clk
	}
}

// ServerConnOptions sets the options applied to every accepted connection.
func ServerConnOptions(opts ...Option) ServerOption {
	return func(s *Server) {
		s.connOpts = append(s.connOpts, opts...)
	}
}

// Bind creates a server listening on port on all local interfaces.
// It returns a *BindError if the port cannot be reserved.
func Bind(port int, opts ...ServerOption) (*Server, error) {
	return BindAddr(&net.TCPAddr{Port: port}, opts...)
}

// BindAddr creates a server listening on addr.
// It returns a *BindError if the address cannot be reserved.
func BindAddr(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, &BindError{Addr: addr.String(), Err: errors.WithStack(err)}
	}

	s := &Server{
		listener:    listener,
		logger:      defaultLogger(),
		clock:       clock.New(),
		conns:       make(map[*Conn]struct{}),
		closed:      make(chan struct{}),
		shutdownNow: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// SetHandlers sets the initializer invoked once per accepted connection.
func (s *Server) SetHandlers(initializer Initializer) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initializer = initializer
	return s
}

// SetHandlerList installs a fixed handler list for every connection.
// Handlers implementing Cloner are cloned per connection; see Handlers.
func (s *Server) SetHandlerList(hs ...Handler) *Server {
	return s.SetHandlers(Handlers(hs...))
}

// Start begins accepting connections in the background.
// Accept loop failures are logged; the loop stops when ctx is canceled or
// Close is called.
func (s *Server) Start(ctx context.Context) error {
	if err := s.begin(); err != nil {
		return err
	}
	go func() {
		if err := s.serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("server stopped with error", "addr", s.Addr(), "error", err)
		}
	}()
	return nil
}

// Serve accepts connections and runs their pipelines.
// It blocks until the context is canceled, Close is called or an
// unrecoverable accept error occurs.
// When the context is canceled, the server stops accepting, waits up to the
// shutdown timeout for connections to finish and then closes. Call Close()
// to bypass the timeout and shut down immediately.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.begin(); err != nil {
		return err
	}
	return s.serve(ctx)
}

func (s *Server) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.shutdown:
		return ErrServerClosed
	case s.started:
		return ErrServerStarted
	case s.initializer == nil:
		return ErrNoHandlers
	}
	s.started = true
	return nil
}

func (s *Server) serve(ctx context.Context) error {
	s.logger.Info("server started", "addr", s.listener.Addr())

	go func() {
		select {
		case <-ctx.Done():
		case <-s.closed:
			return
		}

		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		// Set a deadline to unblock Accept
		_ = s.listener.SetDeadline(time.Now())

		// Wait for shutdown timeout if configured, but allow early exit via Close()
		if s.shutdownTimeout > 0 {
			s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout)
			// No connection can be added once shutdown is set.
			drained := make(chan struct{})
			go func() {
				s.wg.Wait()
				close(drained)
			}()
			select {
			case <-drained:
				s.logger.Debug("all connections finished before shutdown timeout")
			case <-s.clock.After(s.shutdownTimeout):
				// Timeout expired, proceed with shutdown
			case <-s.shutdownNow:
				s.logger.Debug("shutdown timeout bypassed via Close()")
			}
		}
		_ = s.Close()
	}()

	for {
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			s.mu.Lock()
			isShutdown := s.shutdown
			s.mu.Unlock()

			if isShutdown {
				<-s.closed
				s.logger.Info("server stopped", "addr", s.listener.Addr())
				return ctx.Err()
			}

			// Check if it's a temporary error
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			_ = s.Close()
			return err
		}

		s.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())
		_ = conn.SetNoDelay(true)
		s.handle(conn)
	}
}

// handle builds the connection's pipeline and runs it in its own goroutine.
func (s *Server) handle(raw *net.TCPConn) {
	s.mu.Lock()
	initializer := s.initializer
	s.mu.Unlock()

	opts := append([]Option{LoggerOption(s.logger)}, s.connOpts...)
	conn, err := NewConn(raw, initializer, opts...)
	if err != nil {
		s.logger.Error("failed to initialize connection", "remote_addr", raw.RemoteAddr(), "error", err)
		_ = raw.Close()
		return
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = raw.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
			s.wg.Done()
		}()
		// Connections outlive the accept context; Close terminates them.
		_ = conn.Run(context.Background())
	}()
}

// Close stops accepting connections, closes every live connection, waits
// for their pipelines to shut down and releases the bound address.
// If a shutdown timeout is pending, Close() bypasses it.
// Safe to call multiple times; later calls return the first result.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.shutdown = true
		conns := make([]*Conn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		close(s.shutdownNow)
		s.closeErr = s.listener.Close()

		for _, c := range conns {
			_ = c.Close()
		}
		s.wg.Wait()
		close(s.closed)
	})
	<-s.closed
	return s.closeErr
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// ConnCount returns the number of live connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
