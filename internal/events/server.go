package events

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"sitewatch/internal/database"
	"sitewatch/internal/dedup"
	"sitewatch/internal/logging"
	"sitewatch/internal/registry"
)

// ServerConfig tunes the HTTP surface.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// EvidenceDir, when set, is served read-only under /evidence/.
	EvidenceDir string `koanf:"evidence_dir"`
}

// DefaultServerConfig listens on :8080.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{Addr: ":8080"}
}

// Server hosts the WebSocket hub, the management API, Prometheus
// metrics and evidence images. Runs under the root supervisor.
type Server struct {
	cfg ServerConfig
	hub *Hub
	srv *http.Server
	log zerolog.Logger
}

// NewServer wires the full HTTP surface.
func NewServer(cfg ServerConfig, hub *Hub, db *database.Database, reg *registry.Registry, dd *dedup.Deduplicator, status PipelineStatus) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultServerConfig().Addr
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/ws", wsHandler(hub))
	if cfg.EvidenceDir != "" {
		r.Handle("/evidence/*", http.StripPrefix("/evidence/", http.FileServer(http.Dir(cfg.EvidenceDir))))
	}

	a := &api{db: db, registry: reg, dedup: dd, status: status}
	a.routes(r)

	return &Server{
		cfg: cfg,
		hub: hub,
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: logging.Component("events"),
	}
}

// Serve implements suture.Service. Blocks until the context is
// canceled, then shuts the listener down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) String() string { return "events.Server" }
