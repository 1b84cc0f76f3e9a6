// Package api implements the control surface from spec.md §4.H: a chi
// router exposing tunnel lifecycle, status, auth-delivery, and an SSE
// event stream, guarded by the bearer-token middleware from
// internal/authtoken.
package api

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/SchirmForge/ssh-tunnel-manager/internal/authtoken"
	"github.com/SchirmForge/ssh-tunnel-manager/internal/eventbus"
	"github.com/SchirmForge/ssh-tunnel-manager/internal/profilestore"
	"github.com/SchirmForge/ssh-tunnel-manager/internal/tunnel"
)

// Server wires the Tunnel Manager, profile store and event bus to HTTP
// handlers. The zero value is not usable; construct with NewServer.
type Server struct {
	tunnels     *tunnel.Manager
	profiles    *profilestore.Store
	bus         *eventbus.Bus
	token       *authtoken.Token
	requireAuth bool
	logger      *log.Logger
}

// NewServer builds a Server. token may be nil only when requireAuth is
// false (internal/authtoken.RequireAuth enforces that combination is
// only reachable on a loopback listener).
func NewServer(tunnels *tunnel.Manager, profiles *profilestore.Store, bus *eventbus.Bus, token *authtoken.Token, requireAuth bool, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{tunnels: tunnels, profiles: profiles, bus: bus, token: token, requireAuth: requireAuth, logger: logger}
}

// Router builds the full chi.Router for this daemon, mounted under /api
// per spec.md §4.H.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.logger))

	r.Get("/api/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/tunnels", s.handleListTunnels)
		r.Post("/tunnels/{id}/start", s.handleStartTunnel)
		r.Post("/tunnels/{id}/stop", s.handleStopTunnel)
		r.Get("/tunnels/{id}/status", s.handleTunnelStatus)
		r.Get("/tunnels/{id}/auth", s.handlePendingAuth)
		r.Post("/tunnels/{id}/auth", s.handleDeliverAuth)
		r.Get("/events", s.handleEvents)
	})

	return r
}

func requestLogger(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Printf("%s %s", r.Method, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
