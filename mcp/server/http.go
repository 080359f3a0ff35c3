package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentuity/feedback-bridge/logger"
	"github.com/agentuity/feedback-bridge/mcp/transport/sse"
	"github.com/agentuity/feedback-bridge/mcp/types"
	"github.com/agentuity/feedback-bridge/sys"
	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
)

const (
	DefaultHost            = "localhost"
	DefaultPort            = 3100
	DefaultMaxPortAttempts = 0

	StreamPath  = "/sse"
	MessagePath = "/messages"
)

// ErrAlreadyRunning is returned by Start on a running server
var ErrAlreadyRunning = errors.New("server already running")

type mount struct {
	pattern string
	handler http.Handler
}

// Server owns the listener and the MCP transport. It can be started again after Stop,
// each start gets fresh sessions.
type Server struct {
	logger          logger.Logger
	registry        *Registry
	info            types.Implementation
	host            string
	port            int
	maxPortAttempts int
	keepAlive       time.Duration
	mounts          []mount
	stopHooks       []func(ctx context.Context)

	mu         sync.Mutex
	running    bool
	boundPort  int
	listener   net.Listener
	httpServer *http.Server
	transport  *sse.Transport
	dispatcher *Dispatcher
	router     atomic.Pointer[http.Handler]
	served     chan struct{}
}

type ServerOption func(*Server)

func WithHost(host string) ServerOption {
	return func(s *Server) {
		s.host = host
	}
}

func WithPort(port int) ServerOption {
	return func(s *Server) {
		s.port = port
	}
}

// WithMaxPortAttempts caps how many consecutive ports are tried when the port is
// taken. Zero keeps trying up to the last port.
func WithMaxPortAttempts(n int) ServerOption {
	return func(s *Server) {
		s.maxPortAttempts = n
	}
}

func WithKeepAlive(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.keepAlive = interval
	}
}

func WithInfo(info types.Implementation) ServerOption {
	return func(s *Server) {
		s.info = info
	}
}

// WithMount serves handler under pattern next to the MCP routes
func WithMount(pattern string, handler http.Handler) ServerOption {
	return func(s *Server) {
		s.mounts = append(s.mounts, mount{pattern, handler})
	}
}

// WithStopHook runs fn at the start of Stop, before in-flight requests are cancelled
func WithStopHook(fn func(ctx context.Context)) ServerOption {
	return func(s *Server) {
		s.stopHooks = append(s.stopHooks, fn)
	}
}

func NewServer(registry *Registry, log logger.Logger, options ...ServerOption) *Server {
	s := &Server{
		logger:          log.WithPrefix("[server]"),
		registry:        registry,
		info:            types.Implementation{Name: "feedback-bridge", Version: "dev"},
		host:            DefaultHost,
		port:            DefaultPort,
		maxPortAttempts: DefaultMaxPortAttempts,
		keepAlive:       sse.DefaultKeepAlive,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// Start binds the first free port at or after the configured one and serves in the
// background. It returns the bound port.
func (s *Server) Start(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return 0, ErrAlreadyRunning
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	listener, err := sys.ListenFirstFree(s.host, s.port, s.maxPortAttempts)
	if err != nil {
		return 0, errors.Wrap(err, "failed to start server")
	}
	port := listener.Addr().(*net.TCPAddr).Port
	if port != s.port {
		s.logger.Warn("port %d is in use, using %d", s.port, port)
	}

	t := sse.New(s.logger, MessagePath, sse.WithKeepAlive(s.keepAlive))
	s.dispatcher = NewDispatcher(t, s.registry, s.info, s.logger)
	s.transport = t
	router := s.routes(t)
	s.router.Store(&router)

	s.httpServer = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.listener = listener
	s.boundPort = port
	s.running = true
	served := make(chan struct{})
	s.served = served

	go func(srv *http.Server) {
		defer close(served)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server exited: %s", err)
		}
	}(s.httpServer)

	s.logger.Info("listening on %s", s.urlLocked())
	return port, nil
}

func (s *Server) routes(t *sse.Transport) http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer(s.logger))
	for _, m := range s.mounts {
		r.Mount(m.pattern, m.handler)
	}
	r.Group(func(r chi.Router) {
		r.Use(permissiveCORS)
		r.Get(StreamPath, t.HandleStream)
		r.Post(MessagePath, t.HandleMessage)
		// permissiveCORS answers these before the handler runs
		preflight := func(w http.ResponseWriter, r *http.Request) {}
		r.Options(StreamPath, preflight)
		r.Options(MessagePath, preflight)
		r.Options("/*", preflight)
	})
	return r
}

// Stop ends every session, cancels in-flight requests and releases the port. It is a
// no-op when the server is not running.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	for _, hook := range s.stopHooks {
		hook(ctx)
	}
	var errs error
	if err := s.dispatcher.Shutdown(ctx); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "waiting for in-flight requests"))
	}
	s.transport.Close()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.httpServer.Close()
		errs = errors.CombineErrors(errs, errors.Wrap(err, "shutting down http server"))
	}
	<-s.served
	s.router.Store(nil)
	s.logger.Info("stopped")
	return errs
}

func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Port returns the bound port, or 0 when stopped
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return 0
	}
	return s.boundPort
}

// URL returns the stream endpoint clients connect to
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.urlLocked()
}

func (s *Server) urlLocked() string {
	return fmt.Sprintf("http://%s%s", net.JoinHostPort(s.host, fmt.Sprint(s.boundPort)), StreamPath)
}

// Sessions returns the ids of the connected MCP clients
func (s *Server) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	return s.transport.Sessions()
}

// Handler serves the routes of the current run, 503 while stopped
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := s.router.Load()
		if h == nil {
			sse.WriteErrorEnvelope(w, http.StatusServiceUnavailable, types.CodeInternalError, "Server is not running")
			return
		}
		(*h).ServeHTTP(w, r)
	})
}
