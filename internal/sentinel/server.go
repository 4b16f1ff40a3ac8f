package sentinel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nathanregner/hydra-sentinel/internal/hydra"
)

// How long graceful shutdown waits for outstanding requests.
const shutdownTimeout = 10 * time.Second

// Server is the sentinel's HTTP surface: the builder websocket endpoint
// and the VCS webhook relay.
type Server struct {
	cfg      *Config
	log      zerolog.Logger
	store    *Store
	hydra    hydra.Client
	router   *chi.Mux
	upgrader *websocket.Upgrader

	// Base context for websocket sessions; replaced by Run so sessions
	// observe server shutdown. Connections are hijacked, so the HTTP
	// server's own drain cannot reach them.
	baseCtx context.Context
}

// NewServer wires the HTTP surface over the store and the Hydra client.
func NewServer(cfg *Config, store *Store, hydraClient hydra.Client, log zerolog.Logger) *Server {
	s := &Server{
		cfg:   cfg,
		log:   log.With().Str("component", "server").Logger(),
		store: store,
		hydra: hydraClient,
		upgrader: &websocket.Upgrader{
			// Builders are not browsers; cross-origin rules don't apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		baseCtx: context.Background(),
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.With(s.requireAllowedIP).Get("/ws", s.handleWebSocket)

	// The webhook is a plain request/response exchange; give it a
	// timeout so a stuck relay cannot hold graceful shutdown hostage.
	r.With(middleware.Timeout(shutdownTimeout), s.verifyWebhookSignature).
		Post("/webhook", s.handleWebhook)

	s.router = r
}

// requireAllowedIP rejects peers outside the configured builder
// networks with 403.
func (s *Server) requireAllowedIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.AllowsIP(r.RemoteAddr) {
			s.log.Info().Str("remote", r.RemoteAddr).Msg("denying connection")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run binds the listen address and serves until ctx is cancelled, then
// drains outstanding requests for up to shutdownTimeout. A bind failure
// is returned immediately.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.ListenAddr, err)
	}

	s.baseCtx = ctx
	httpServer := &http.Server{Handler: s.router}

	s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")

	serveErr := make(chan error, 1)
	go func() { serveErr <- httpServer.Serve(ln) }()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

// sessionCtx returns the context websocket sessions run under.
func (s *Server) sessionCtx() context.Context { return s.baseCtx }

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler { return s.router }
