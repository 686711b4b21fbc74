package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shellmux/shellmux/internal/permission"
	"github.com/shellmux/shellmux/internal/registry"
	"github.com/shellmux/shellmux/internal/telemetry"
	"github.com/shellmux/shellmux/internal/workspace"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServerConfig bounds the HTTP/WebSocket server's behavior.
type ServerConfig struct {
	Addr              string
	OutboundQueueSize int
	MaxChunkBytes     int
}

// Server is the broker's HTTP entrypoint: it upgrades /ws connections,
// resolves identity, and wires each Connection to the Dispatcher. It
// also exposes /healthz and, when tel is non-nil, /metrics.
type Server struct {
	identity *IdentityExtractor
	dispatch *Dispatcher
	tel      *telemetry.Telemetry
	log      *slog.Logger

	cfg ServerConfig

	httpSrv *http.Server
}

// NewServer wires a Server against the given components. policy and ws
// are passed through to a fresh Dispatcher.
func NewServer(reg *registry.Registry, ws *workspace.Workspace, policy *permission.Policy, tel *telemetry.Telemetry, identity *IdentityExtractor, cfg ServerConfig, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = 256
	}
	if cfg.MaxChunkBytes <= 0 {
		cfg.MaxChunkBytes = 64 * 1024
	}

	dispatch := NewDispatcher(reg, ws, policy, tel, Config{
		MaxChunkBytes:     cfg.MaxChunkBytes,
		OutboundQueueSize: cfg.OutboundQueueSize,
	}, log)

	s := &Server{
		identity: identity,
		dispatch: dispatch,
		tel:      tel,
		log:      log,
		cfg:      cfg,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.httpSrv = &http.Server{Addr: cfg.Addr, Handler: mux}

	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/healthz", telemetry.HealthzHandler())
	if s.tel != nil {
		mux.Handle("/metrics", s.tel.Handler())
	}
}

// ListenAndServe runs the server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, role := s.identity.Extract(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := NewConnection(conn, identity, role, s.cfg.OutboundQueueSize, s.tel, s.log)
	s.dispatch.RegisterConnection(c)

	go c.WritePump()
	go func() {
		c.ReadPump(func(env Envelope) { s.dispatch.Handle(c, env) })
		s.dispatch.UnregisterConnection(c)
	}()
}
