package server

// server.go is the public entry point for the wire server: it owns the
// listening socket's lifecycle and wraps the reactor so cmd/kvserver
// only has to deal with Config, New, and ListenAndServe/Close.
//
// © 2025 kvcached authors. MIT License.

import (
	"errors"
	"fmt"
	"sync"
	"time"

	cache "github.com/kvshard/kvcached/pkg"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ErrNotServing is returned by Stats when the reactor thread is not
// currently running to answer it.
var ErrNotServing = errors.New("server: not serving")

// Config configures a Server.
type Config struct {
	// Port is the TCP port to listen on. 0 asks the kernel to pick any
	// free port, which ListenAndServe reports back via Server.Port —
	// useful for tests that need a real, non-colliding listener.
	Port int
	// Store is the already-opened storage engine the server dispatches
	// every command into, via its NoLock API (spec 9: "the server uses
	// the latter").
	Store *cache.Store
	// Logger receives startup/shutdown and connection-error events.
	// Defaults to a no-op logger.
	Logger *zap.Logger
	// Clock overrides wall-clock seconds; defaults to time.Now().Unix.
	// Exposed for deterministic tests of TTL behavior.
	Clock func() int64
}

// Server listens for memcached-text connections and serves them off a
// single event-loop thread (spec 4.H, 5 "server mode").
type Server struct {
	cfg Config

	mu        sync.Mutex
	listenFd  int
	boundPort int
	reactor   *reactor
	started   bool
}

// New validates cfg and constructs a Server. It does not bind a socket
// yet; that happens in ListenAndServe.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("server: Store is required")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("server: invalid port %d", cfg.Port)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = func() int64 { return time.Now().Unix() }
	}
	return &Server{cfg: cfg}, nil
}

// ListenAndServe binds the listening socket and runs the event loop
// until Close is called or an unrecoverable error occurs. It blocks the
// calling goroutine — callers that need concurrent lifecycle control
// (signal handling, a metrics HTTP listener) should run it inside an
// errgroup, as cmd/kvserver does.
func (s *Server) ListenAndServe() error {
	fd, boundPort, err := openListener(s.cfg.Port)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}

	r, err := newReactor(fd, s.cfg.Logger)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("server: reactor init: %w", err)
	}

	s.mu.Lock()
	s.listenFd = fd
	s.boundPort = boundPort
	s.reactor = r
	s.started = true
	s.mu.Unlock()

	s.cfg.Logger.Info("listening", zap.Int("port", boundPort))
	err = r.run(s.cfg.Store, s.cfg.Clock)

	s.mu.Lock()
	s.reactor = nil
	s.mu.Unlock()
	return err
}

// Port returns the TCP port actually bound by ListenAndServe — useful
// when Config.Port was 0. Zero until ListenAndServe has bound a socket.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundPort
}

// Stats returns a point-in-time aggregate snapshot, computed on the
// reactor thread itself via the lock-free NoLock API — the same thread
// that owns exclusive access to the Store while the server is running
// (see internal/server/dispatch.go). This is the only sanctioned way for
// an external goroutine (e.g. a debug HTTP handler) to read store state
// while the wire server is serving: calling Store.Stats directly from
// such a goroutine would race the reactor's NoLock calls, since the
// RWMutex only protects callers who actually take it.
func (s *Server) Stats() (cache.AggregateStats, error) {
	s.mu.Lock()
	r := s.reactor
	s.mu.Unlock()
	if r == nil {
		return cache.AggregateStats{}, ErrNotServing
	}
	return r.requestStats(s.cfg.Store)
}

// Close requests a graceful shutdown: every connection is closed, the
// listening socket is closed, and ListenAndServe returns nil. Safe to
// call before ListenAndServe has bound a socket (a no-op in that case)
// and safe to call more than once.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.reactor == nil {
		return
	}
	s.reactor.wake()
}

// openListener creates a non-blocking, SO_REUSEADDR TCP listening
// socket bound to 0.0.0.0:port (or any free port, if port is 0) with a
// substantial accept backlog. It returns the fd and the port actually
// bound.
func openListener(port int) (fd int, boundPort int, err error) {
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, 0, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, 0, err
	}
	addr := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, 0, err
	}
	const backlog = 1024
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, 0, err
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, 0, err
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("server: unexpected sockaddr type %T", sa)
	}
	return fd, in4.Port, nil
}
