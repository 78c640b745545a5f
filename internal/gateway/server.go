// Package gateway wires the emulator together: one HTTP server carrying the
// health probe, the socket-mode transport upgrade, the simulator surface and
// the platform surface.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/slacksim/internal/config"
	"github.com/nextlevelbuilder/slacksim/internal/socketbus"
	"github.com/nextlevelbuilder/slacksim/internal/state"
	"github.com/nextlevelbuilder/slacksim/internal/store"
	"github.com/nextlevelbuilder/slacksim/internal/webapi"
	"github.com/nextlevelbuilder/slacksim/pkg/protocol"
)

// Server is the emulator process: state, persistence, the socket bus and the
// HTTP surfaces behind a single listener.
type Server struct {
	cfg *config.Config

	st   *state.State
	db   *store.Store
	bus  *socketbus.Bus
	logs *webapi.LogBus

	httpSrv  *http.Server
	upgrader websocket.Upgrader

	group  *errgroup.Group
	cancel context.CancelFunc
}

// New opens persistence (when configured), hydrates state and builds the
// routing table. The server does not listen until Start.
func New(cfg *config.Config) (*Server, error) {
	var db *store.Store
	if cfg.PersistenceEnabled() {
		var err error
		db, err = store.Open(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	st := state.New(db, cfg.Users, cfg.Channels)
	if db != nil {
		if err := st.Hydrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("hydrate state: %w", err)
		}
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	baseURL := "http://" + addr
	wsURL := "ws://" + addr + "/ws/socket-mode"

	s := &Server{
		cfg:  cfg,
		st:   st,
		db:   db,
		bus:  socketbus.New(st, cfg.Host),
		logs: webapi.NewLogBus(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Bots and the UI connect from arbitrary local origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.buildMux(baseURL, wsURL),
	}
	return s, nil
}

// buildMux lays out the routes: health, transport upgrade, simulator surface,
// platform surface under /api/, then the dotted compatibility shims at the
// root.
func (s *Server) buildMux(baseURL, wsURL string) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws/socket-mode", s.handleUpgrade)

	sim := webapi.NewSimulator(s.st, s.bus, s.logs, baseURL)
	sim.RegisterRoutes(mux)

	limiter := webapi.NewRateLimiter(s.cfg.RateLimitRPM)
	platform := webapi.NewPlatform(s.st, s.bus, baseURL, wsURL, limiter)
	mux.HandleFunc("/api/{method}", func(w http.ResponseWriter, r *http.Request) {
		platform.HandleMethod(w, r, r.PathValue("method"))
	})
	// Compatibility shims: SDKs built against the real platform post to
	// dotted paths at the root, e.g. /chat.postMessage.
	mux.HandleFunc("/{method}", func(w http.ResponseWriter, r *http.Request) {
		method := r.PathValue("method")
		if !strings.Contains(method, ".") {
			http.NotFound(w, r)
			return
		}
		platform.HandleMethod(w, r, method)
	})

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","protocol_version":%d,"num_connections":%d}`,
		protocol.ProtocolVersion, s.bus.NumConnections())
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.bus.HandleConnection(ws)
}

// Start begins serving: heartbeat first, then the listener. Blocks until the
// listener is installed; the accept loop runs in the background group.
func (s *Server) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.group, runCtx = errgroup.WithContext(runCtx)

	s.group.Go(func() error {
		s.bus.RunHeartbeat(runCtx)
		return nil
	})

	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		cancel()
		return fmt.Errorf("listen on %s: %w", s.httpSrv.Addr, err)
	}
	slog.Info("emulator listening", "addr", s.httpSrv.Addr, "persistence", s.cfg.PersistenceEnabled())

	s.group.Go(func() error {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return nil
}

// Shutdown reverses startup: stop the heartbeat, drain HTTP, drop the bot
// sockets, close persistence.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
	s.bus.DisconnectAll("server shutting down")

	if s.group != nil {
		if err := s.group.Wait(); err != nil {
			slog.Warn("background task failed", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("close store: %w", err)
		}
	}
	return nil
}

// State exposes the server's state for tests.
func (s *Server) State() *state.State { return s.st }

// Handler exposes the routing table for httptest servers.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }
