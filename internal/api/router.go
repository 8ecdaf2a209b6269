// Package api provides the HTTP layer: memory submission, the agent drop
// channel, inbox review, retrieval search, and the websocket event feed.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"brainvault/internal/config"
	"brainvault/internal/ingestion"
	"brainvault/internal/logging"
	"brainvault/internal/notify"
	"brainvault/internal/ratelimit"
	"brainvault/internal/retrieval"
	"brainvault/internal/store"
	"brainvault/internal/tasks"
)

// maxRequestBytes caps non-drop request bodies.
const maxRequestBytes = 1 << 20

// Router wires the HTTP routes to the engine services.
type Router struct {
	cfg      *config.Config
	mux      *chi.Mux
	store    *store.Store
	runner   *tasks.Runner
	pipeline *ingestion.Pipeline
	planner  *retrieval.Planner
	hub      *notify.Hub
	limiter  ratelimit.Limiter
	logger   logging.Logger
}

// NewRouter builds the router with the full middleware stack and routes.
func NewRouter(cfg *config.Config, st *store.Store, runner *tasks.Runner, pipeline *ingestion.Pipeline, planner *retrieval.Planner, hub *notify.Hub, limiter ratelimit.Limiter) *Router {
	r := &Router{
		cfg:      cfg,
		mux:      chi.NewRouter(),
		store:    st,
		runner:   runner,
		pipeline: pipeline,
		planner:  planner,
		hub:      hub,
		limiter:  limiter,
		logger:   logging.WithComponent("api"),
	}
	r.setupMiddleware()
	r.setupRoutes()
	return r
}

// Handler returns the HTTP handler.
func (r *Router) Handler() http.Handler {
	return r.mux
}

func (r *Router) setupMiddleware() {
	r.mux.Use(chimiddleware.Recoverer)
	r.mux.Use(r.requestLogger)
	r.mux.Use(chimiddleware.RequestSize(maxRequestBytes))
	r.mux.Use(chimiddleware.Heartbeat("/ping"))
}

func (r *Router) setupRoutes() {
	timeout := time.Duration(r.cfg.Server.WriteTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r.mux.Route("/api/v1", func(v1 chi.Router) {
		v1.Get("/healthz", r.handleHealthz)

		// The drop channel authenticates by token, not principal.
		v1.With(chimiddleware.Timeout(timeout)).
			Post("/inbox/drop/{token}", r.handleDrop)

		v1.Group(func(auth chi.Router) {
			auth.Use(r.principal)

			// Websocket connections outlive the request timeout.
			auth.Get("/ws", r.handleWebsocket)

			auth.Group(func(timed chi.Router) {
				timed.Use(chimiddleware.Timeout(timeout))
				timed.Post("/memories", r.handleCreateMemory)
				timed.Delete("/memories/{id}", r.handleDeleteMemory)
				timed.Get("/inbox", r.handleListInbox)
				timed.Post("/inbox/{id}/action", r.handleInboxAction)
				timed.Get("/clusters", r.handleListClusters)
				timed.Post("/clusters/{id}/action", r.handleClusterAction)
				timed.Post("/retrieval/search", r.handleSearch)
				timed.Post("/retrieval/feedback", r.handleFeedback)
			})
		})
	})
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
