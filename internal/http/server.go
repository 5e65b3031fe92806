package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/taxi-dispatch/internal/dispatch"
	"github.com/example/taxi-dispatch/internal/lifecycle"
	"github.com/example/taxi-dispatch/internal/matcher"
	"github.com/example/taxi-dispatch/internal/registry"
)

// ReadinessCheck reports whether a backing service is usable.
type ReadinessCheck func(ctx context.Context) error

type Server struct {
	Registry  *registry.Registry
	Lifecycle *lifecycle.Manager
	Matcher   *matcher.Service
	WSReg     *dispatch.WSRegistry
	Checks    map[string]ReadinessCheck

	logger   *slog.Logger
	mux      *mux.Router
	handler  http.Handler
	upgrader websocket.Upgrader
}

type Options struct {
	Logger      *slog.Logger
	CORSOrigins []string
	Checks      map[string]ReadinessCheck
}

func NewServer(reg *registry.Registry, lc *lifecycle.Manager, m *matcher.Service, ws *dispatch.WSRegistry, opts Options) *Server {
	s := &Server{
		Registry:  reg,
		Lifecycle: lc,
		Matcher:   m,
		WSReg:     ws,
		Checks:    opts.Checks,
		logger:    opts.Logger,
		mux:       mux.NewRouter(),
		// browser clients connect from other origins
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.registerMiddleware()
	s.routes()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.handler = cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	})(s.mux)
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/orders", s.handleCreateOrder).Methods(http.MethodPost)
	s.mux.HandleFunc("/orders", s.handleListOrders).Methods(http.MethodGet)
	s.mux.HandleFunc("/orders/{id:[0-9]+}", s.handleGetOrder).Methods(http.MethodGet)
	s.mux.HandleFunc("/orders/{id:[0-9]+}/events", s.handleOrderEvents).Methods(http.MethodGet)
	s.mux.HandleFunc("/orders/{id:[0-9]+}/accept", s.handleAccept).Methods(http.MethodPost)
	s.mux.HandleFunc("/orders/{id:[0-9]+}/start", s.handleStart).Methods(http.MethodPost)
	s.mux.HandleFunc("/orders/{id:[0-9]+}/complete", s.handleComplete).Methods(http.MethodPost)
	s.mux.HandleFunc("/orders/{id:[0-9]+}/cancel", s.handleCancel).Methods(http.MethodPost)
	s.mux.HandleFunc("/orders/{id:[0-9]+}/candidates", s.handleCandidates).Methods(http.MethodGet)
	s.mux.HandleFunc("/orders/{id:[0-9]+}/score", s.handleScore).Methods(http.MethodGet)

	s.mux.HandleFunc("/drivers", s.handleListDrivers).Methods(http.MethodGet)
	s.mux.HandleFunc("/drivers/{id:[0-9]+}", s.handleGetDriver).Methods(http.MethodGet)
	s.mux.HandleFunc("/drivers/{id:[0-9]+}/offers", s.handleOffers).Methods(http.MethodGet)
	s.mux.HandleFunc("/drivers/{id:[0-9]+}/position", s.handlePosition).Methods(http.MethodPost)
	s.mux.HandleFunc("/drivers/{id:[0-9]+}/status", s.handleDriverStatus).Methods(http.MethodPost)

	s.mux.HandleFunc("/places", s.handlePlaces).Methods(http.MethodGet)
	s.mux.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	s.mux.HandleFunc("/admin/reset", s.handleReset).Methods(http.MethodPost)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/drivers/{id:[0-9]+}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	for name, check := range s.Checks {
		if err := check(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", "check", name, "error", err)
			http.Error(w, name+" not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.WSReg == nil {
		http.Error(w, "push disabled", http.StatusNotFound)
		return
	}
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.Registry.GetDriver(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied
		return
	}
	s.WSReg.Add(id, conn)
}
