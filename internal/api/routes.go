package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/splitlab/internal/api/responses"
	"github.com/inferloop/splitlab/pkg/constants"
)

// RouterConfig carries the cross-cutting pieces of the HTTP surface
type RouterConfig struct {
	Middleware *MiddlewareConfig
	// Metrics records per-request measurements; nil disables the middleware
	Metrics HTTPMetrics
	// MetricsHandler serves /metrics when set
	MetricsHandler http.Handler
	Logger         *logrus.Logger
}

type Router struct {
	handlers *Handlers
	config   RouterConfig
}

func NewRouter(h *Handlers, config RouterConfig) *Router {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	return &Router{
		handlers: h,
		config:   config,
	}
}

func (router *Router) SetupRoutes() *mux.Router {
	r := mux.NewRouter()
	r = ApplyMiddleware(r, router.config.Middleware, router.config.Metrics, router.config.Logger)

	if router.config.MetricsHandler != nil {
		r.Handle("/metrics", router.config.MetricsHandler).Methods("GET")
	}

	r.HandleFunc("/health", router.handlers.Health.GetHealth).Methods("GET")

	api := r.PathPrefix(constants.APIPrefix).Subrouter()

	// Health endpoints
	health := api.PathPrefix("/health").Subrouter()
	health.HandleFunc("", router.handlers.Health.GetHealth).Methods("GET")
	health.HandleFunc("/live", router.handlers.Health.GetLiveness).Methods("GET")
	health.HandleFunc("/ready", router.handlers.Health.GetReadiness).Methods("GET")

	// Experiment endpoints
	exps := router.handlers.Experiments
	experiments := api.PathPrefix("/experiments").Subrouter()
	experiments.HandleFunc("", exps.CreateExperiment).Methods("POST")
	experiments.HandleFunc("", exps.ListExperiments).Methods("GET")
	experiments.HandleFunc("/{id}", exps.GetExperiment).Methods("GET")
	experiments.HandleFunc("/{id}/start", exps.StartExperiment).Methods("POST")
	experiments.HandleFunc("/{id}/pause", exps.PauseExperiment).Methods("POST")
	experiments.HandleFunc("/{id}/resume", exps.ResumeExperiment).Methods("POST")
	experiments.HandleFunc("/{id}/stop", exps.StopExperiment).Methods("POST")
	experiments.HandleFunc("/{id}/cancel", exps.CancelExperiment).Methods("POST")
	experiments.HandleFunc("/{id}/results", exps.GetResults).Methods("GET")

	// Tracking endpoints
	experiments.HandleFunc("/{id}/assignments", exps.AssignSubject).Methods("POST")
	experiments.HandleFunc("/{id}/conversions", exps.RecordConversion).Methods("POST")

	// Root endpoint
	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		responses.NewJSONResponse(router.config.Logger).Write(w, http.StatusOK, map[string]interface{}{
			"service":     constants.AppName,
			"description": constants.AppDescription,
			"api_version": constants.APIVersion,
			"status":      "running",
			"endpoints": map[string]string{
				"health":      "/health",
				"experiments": constants.APIPrefix + "/experiments",
				"metrics":     "/metrics",
			},
		})
	}).Methods("GET")

	// CORS preflight for all routes; the middleware answers it
	r.PathPrefix("/").Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	return r
}
