package socks5

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/postalsys/socks5tun/internal/metrics"
	"github.com/postalsys/socks5tun/internal/recovery"
)

// ServerConfig holds server configuration (component C6's accept half, plus
// the acceptor-side resource controls from the limits configuration
// surface).
type ServerConfig struct {
	// Address to listen on (e.g., "127.0.0.1:1080").
	Address string

	// MaxConnections limits concurrent client connections (0 = unlimited).
	MaxConnections int

	// AcceptRate and AcceptBurst bound sustained/bursty accept throughput.
	// AcceptRate of 0 disables the limiter.
	AcceptRate  float64
	AcceptBurst int

	// BufferSize is the per-direction relay copy buffer size, in bytes.
	// 0 uses io.Copy's default internal buffer.
	BufferSize int

	// Dialer makes the outbound connection to the remote relay for each
	// accepted client.
	Dialer Dialer

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultServerConfig returns sensible defaults. It has no Dialer: callers
// must supply one built from the remote and cipher configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:        "127.0.0.1:1080",
		MaxConnections: 1000,
		AcceptBurst:    64,
	}
}

// Server accepts SOCKS5 client connections and hands each to a Handler.
type Server struct {
	cfg     ServerConfig
	handler *Handler
	limiter *rate.Limiter

	logger  *slog.Logger
	metrics *metrics.Metrics

	listener net.Listener
	tracker  *connTracker[net.Conn]

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a SOCKS5 server. cfg.Dialer must be set.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var limiter *rate.Limiter
	if cfg.AcceptRate > 0 {
		burst := cfg.AcceptBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), burst)
	}

	return &Server{
		cfg:     cfg,
		handler: NewHandler(cfg.Dialer, logger, cfg.Metrics, cfg.BufferSize),
		limiter: limiter,
		logger:  logger,
		metrics: cfg.Metrics,
		tracker: newConnTracker[net.Conn](),
		stopCh:  make(chan struct{}),
	}
}

// Start starts accepting connections.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	lc := net.ListenConfig{Control: setSocketOptions}
	listener, err := lc.Listen(context.Background(), "tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.listener = listener
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("socks5 listener started", "address", listener.Addr().String())
	return nil
}

// Stop gracefully stops the server: closes the listener, then every active
// connection, and waits for their goroutines to exit.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)

		if s.listener != nil {
			err = s.listener.Close()
		}
		s.tracker.closeAll()
	})

	s.wg.Wait()
	return err
}

// StopWithContext stops the server, giving up and returning ctx.Err() if
// shutdown doesn't complete before ctx is done.
func (s *Server) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- s.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Address returns the listening address.
func (s *Server) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectionCount returns the number of active connections.
func (s *Server) ConnectionCount() int64 {
	return s.tracker.count()
}

// IsRunning reports whether the server is currently accepting connections.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// acceptLoop accepts new connections until the listener is closed.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Warn("accept error", "error", err)
				continue
			}
		}

		if s.limiter != nil && !s.limiter.Allow() {
			conn.Close()
			if s.metrics != nil {
				s.metrics.RecordAcceptRejected()
			}
			continue
		}

		if s.cfg.MaxConnections > 0 && s.tracker.count() >= int64(s.cfg.MaxConnections) {
			conn.Close()
			if s.metrics != nil {
				s.metrics.RecordAcceptRejected()
			}
			continue
		}

		s.tracker.add(conn)
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn runs one client connection's handshake and relay to completion.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.tracker.remove(conn)
	defer conn.Close()
	defer recovery.RecoverWithLog(s.logger, "socks5.handleConn")

	if err := s.handler.Handle(conn); err != nil {
		s.logger.Debug("connection ended", "remote_addr", conn.RemoteAddr().String(), "error", err)
	}
}

// WithDialer returns a copy of cfg with dialer set.
func (cfg ServerConfig) WithDialer(dialer Dialer) ServerConfig {
	cfg.Dialer = dialer
	return cfg
}

// WithMaxConnections returns a copy of cfg with MaxConnections set.
func (cfg ServerConfig) WithMaxConnections(max int) ServerConfig {
	cfg.MaxConnections = max
	return cfg
}
