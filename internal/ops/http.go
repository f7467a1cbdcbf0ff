// Package ops serves the operational surface of the directory server: a chi
// router with health, Prometheus metrics and a session listing, and the
// standard gRPC health service.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cory-johannsen/sessionsync/internal/session"
)

// Directory is the view of the session directory the ops surface needs.
type Directory interface {
	Sessions() []session.Info
	Serving() bool
}

// SessionView is the JSON form of a session.
type SessionView struct {
	ID          string     `json:"id" yaml:"id"`
	Game        string     `json:"game" yaml:"game"`
	Session     string     `json:"session" yaml:"session"`
	Players     int        `json:"players" yaml:"players"`
	Joined      int        `json:"joined" yaml:"joined"`
	State       string     `json:"state" yaml:"state"`
	Paused      bool       `json:"paused" yaml:"paused"`
	Clock       float64    `json:"clock" yaml:"clock"`
	CreatedAt   time.Time  `json:"created_at" yaml:"created_at"`
	ActivatedAt *time.Time `json:"activated_at,omitempty" yaml:"activated_at,omitempty"`
}

// NewSessionView converts a session snapshot.
func NewSessionView(info session.Info) SessionView {
	v := SessionView{
		ID:        info.ID.String(),
		Game:      info.Identity.Game,
		Session:   info.Identity.Session,
		Players:   info.Identity.Players,
		Joined:    info.Joined,
		State:     info.State.String(),
		Paused:    info.Paused,
		Clock:     info.Clock,
		CreatedAt: info.CreatedAt,
	}
	if !info.ActivatedAt.IsZero() {
		at := info.ActivatedAt
		v.ActivatedAt = &at
	}
	return v
}

// NewRouter builds the ops HTTP handler.
//
// Precondition: dir, gatherer and logger must be non-nil.
func NewRouter(dir Directory, gatherer prometheus.Gatherer, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !dir.Serving() {
			http.Error(w, "directory closed", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Get("/sessions", func(w http.ResponseWriter, req *http.Request) {
		infos := dir.Sessions()
		views := make([]SessionView, 0, len(infos))
		game := req.URL.Query().Get("game")
		for _, info := range infos {
			if game != "" && info.Identity.Game != game {
				continue
			}
			views = append(views, NewSessionView(info))
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(views); err != nil {
			logger.Warn("writing session listing", zap.Error(err))
		}
	})

	return r
}

// HTTPServer runs the ops router on one address.
type HTTPServer struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewHTTPServer creates a server for handler on addr.
func NewHTTPServer(addr string, handler http.Handler, logger *zap.Logger) *HTTPServer {
	return &HTTPServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// ListenAndServe blocks until Stop.
func (s *HTTPServer) ListenAndServe() error {
	s.logger.Info("ops http listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down, waiting up to five seconds for open requests.
func (s *HTTPServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("ops http shutdown", zap.Error(err))
	}
}
