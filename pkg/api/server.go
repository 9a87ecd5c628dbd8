// Package api exposes the orchestrator over HTTP.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/solaius/credential-registry/pkg/assignment"
	"github.com/solaius/credential-registry/pkg/audit"
	"github.com/solaius/credential-registry/pkg/cache"
	"github.com/solaius/credential-registry/pkg/orchestrator"
	"github.com/solaius/credential-registry/pkg/person"
	"github.com/solaius/credential-registry/pkg/sentinel"
)

// BasePath is the prefix of the credential lifecycle API.
const BasePath = "/api/credentials/v1"

// Server serves the credential lifecycle API.
type Server struct {
	orch      *orchestrator.Orchestrator
	db        *gorm.DB
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	cache     *cache.Cache
	startedAt time.Time
}

// NewServer creates a Server. A nil gatherer serves the default registry.
func NewServer(orch *orchestrator.Orchestrator, gdb *gorm.DB, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		orch:      orch,
		db:        gdb,
		gatherer:  gatherer,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// WithCache serves catalog reads through c. A nil c disables caching.
func (s *Server) WithCache(c *cache.Cache) *Server {
	s.cache = c
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", UserHeader, GroupHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.healthHandler)
	r.Get("/readyz", s.readyHandler)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route(BasePath, func(r chi.Router) {
		r.Use(IdentityMiddleware())

		r.With(cache.Middleware(s.cache)).Get("/posts", s.listPosts)
		r.Post("/persons", s.register)
		r.Get("/persons", s.findPerson)
		r.Route("/persons/{personId}", func(r chi.Router) {
			r.Get("/", s.snapshot)
			r.Delete("/", s.removePerson)
			r.Get("/history", s.history)
			r.Put("/profile", s.updateProfile)
			r.Post("/print", s.step(s.orch.PrintCredential))
			r.Post("/deliver", s.step(s.orch.DeliverCredential))
			r.Post("/compute-access", s.step(s.orch.EnableComputeAccess))
			r.Post("/return", s.step(s.orch.ReturnCredential))
			r.Post("/resign", s.resign)
			r.Post("/reregister", s.reRegister)
		})
	})

	r.Route("/api/audit/v1", func(r chi.Router) {
		r.Use(IdentityMiddleware())
		r.Mount("/", audit.Router(s.orch.AuditStore()))
	})
	return r
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var in orchestrator.RegisterInput
	if !decode(w, r, &in) {
		return
	}
	snap, err := s.orch.Register(r.Context(), identity(r), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) findPerson(w http.ResponseWriter, r *http.Request) {
	nationalID := r.URL.Query().Get("nationalId")
	if nationalID == "" {
		writeDomainError(w, sentinel.Validationf("nationalId query parameter is required"))
		return
	}
	snap, err := s.orch.FindByNationalID(r.Context(), identity(r), nationalID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.orch.Snapshot(r.Context(), identity(r), chi.URLParam(r, "personId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	h, err := s.orch.History(r.Context(), identity(r), chi.URLParam(r, "personId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) updateProfile(w http.ResponseWriter, r *http.Request) {
	var profile person.Profile
	if !decode(w, r, &profile) {
		return
	}
	snap, err := s.orch.UpdateProfile(r.Context(), identity(r), chi.URLParam(r, "personId"), profile)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) removePerson(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.RemovePerson(r.Context(), identity(r), chi.URLParam(r, "personId")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type stepFunc func(ctx context.Context, id orchestrator.Identity, personID string) (*orchestrator.Snapshot, error)

func (s *Server) step(fn stepFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := fn(r.Context(), identity(r), chi.URLParam(r, "personId"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

type resignRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) resign(w http.ResponseWriter, r *http.Request) {
	var req resignRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	snap, err := s.orch.Resign(r.Context(), identity(r), chi.URLParam(r, "personId"), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type reRegisterRequest struct {
	Post   *assignment.PostRef `json:"post,omitempty"`
	Start  time.Time           `json:"start,omitempty"`
	Reason string              `json:"reason,omitempty"`
}

func (s *Server) reRegister(w http.ResponseWriter, r *http.Request) {
	var req reRegisterRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	snap, err := s.orch.ReRegister(r.Context(), identity(r), orchestrator.ReRegisterInput{
		PersonID: chi.URLParam(r, "personId"),
		Post:     req.Post,
		Start:    req.Start,
		Reason:   req.Reason,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) listPosts(w http.ResponseWriter, r *http.Request) {
	posts, err := s.orch.Catalog().ListPosts(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"posts": posts, "size": len(posts)})
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// readyHandler reports ready once the database answers a ping.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	dbStatus := map[string]string{"status": "up"}
	code := http.StatusOK
	if sqlDB, err := s.db.DB(); err != nil {
		dbStatus = map[string]string{"status": "down", "error": err.Error()}
		code = http.StatusServiceUnavailable
	} else if err := sqlDB.PingContext(r.Context()); err != nil {
		dbStatus = map[string]string{"status": "down", "error": err.Error()}
		code = http.StatusServiceUnavailable
	}
	status := "ready"
	if code != http.StatusOK {
		status = "not_ready"
		s.logger.Warn("readiness check failed", "database", dbStatus["error"])
	}
	writeJSON(w, code, map[string]any{"status": status, "database": dbStatus})
}

func identity(r *http.Request) orchestrator.Identity {
	id, _ := IdentityFromContext(r.Context())
	return id
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, string(sentinel.KindValidation), "invalid request body: "+err.Error())
		return false
	}
	return true
}
