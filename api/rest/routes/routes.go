// Package routes wires the HTTP surfaces onto the router: the bridge
// consumed by sandboxes, the internal API polled by execution agents,
// and the management API.
package routes

import (
	"net/http"

	"scriptflow/api/rest/handlers"
	"scriptflow/api/rest/middleware"
	"scriptflow/core/auth"
	"scriptflow/core/metrics"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Deps are the constructed services the routes need.
type Deps struct {
	Bridge  *handlers.BridgeHandler
	Agent   *handlers.AgentHandler
	Events  *handlers.EventHandler
	Jobs    *handlers.JobHandler
	Tokens  *auth.TokenManager
	Session middleware.SessionChecker
	Metrics *metrics.Collector
	Limiter *middleware.RateLimiter
	Log     *logrus.Logger
}

// SetupRoutes configures all API routes.
func SetupRoutes(r *mux.Router, deps Deps) {
	r.Use(middleware.RecoveryMiddleware(deps.Log))
	r.Use(middleware.LoggingMiddleware(deps.Log))

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	r.Handle("/metrics", deps.Metrics.Handler()).Methods("GET")

	// Bridge endpoints: token-authenticated, session-checked, rate
	// limited per execution.
	bridge := r.PathPrefix("/executions").Subrouter()
	bridge.Use(middleware.AuthMiddleware(deps.Tokens, deps.Session, deps.Log))
	bridge.Use(middleware.RateLimitMiddleware(deps.Limiter))
	bridge.HandleFunc("/{id}/input", deps.Bridge.GetInput).Methods("GET")
	bridge.HandleFunc("/{id}/output", deps.Bridge.SetOutput).Methods("POST")
	bridge.HandleFunc("/{id}/output", deps.Bridge.GetOutput).Methods("GET")
	bridge.HandleFunc("/{id}/variables/{key}", deps.Bridge.GetVariable).Methods("GET")
	bridge.HandleFunc("/{id}/variables/{key}", deps.Bridge.SetVariable).Methods("POST")
	bridge.HandleFunc("/{id}/variables/{key}", deps.Bridge.DeleteVariable).Methods("DELETE")
	bridge.HandleFunc("/{id}/condition", deps.Bridge.SetCondition).Methods("POST")
	bridge.HandleFunc("/{id}/event", deps.Bridge.GetEvent).Methods("GET")
	bridge.HandleFunc("/{id}/tool-actions", deps.Bridge.ExecuteToolAction).Methods("POST")

	// Internal endpoints polled by execution agents.
	internal := r.PathPrefix("/internal").Subrouter()
	internal.HandleFunc("/jobs/queue", deps.Agent.Queue).Methods("GET")
	internal.HandleFunc("/jobs/{id}/claim", deps.Agent.Claim).Methods("POST")
	internal.HandleFunc("/jobs/{id}/status", deps.Agent.ReportStatus).Methods("POST")

	// Management endpoints.
	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/events", deps.Events.CreateEvent).Methods("POST")
	api.HandleFunc("/events/{id}", deps.Events.GetEvent).Methods("GET")
	api.HandleFunc("/events/{id}", deps.Events.UpdateEvent).Methods("PUT")
	api.HandleFunc("/events/{id}", deps.Events.DeleteEvent).Methods("DELETE")
	api.HandleFunc("/events/{id}/spec", deps.Events.GetEventSpec).Methods("GET")
	api.HandleFunc("/events/{id}/artifact", deps.Events.GetEventArtifact).Methods("GET")
	api.HandleFunc("/events/{id}/trigger", deps.Events.TriggerEvent).Methods("POST")
	api.HandleFunc("/events/{id}/conditionals", deps.Events.AddConditionalAction).Methods("POST")
	api.HandleFunc("/events/{id}/jobs", deps.Events.ListEventJobs).Methods("GET")
	api.HandleFunc("/servers", deps.Events.CreateServer).Methods("POST")
	api.HandleFunc("/jobs", deps.Jobs.ListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", deps.Jobs.GetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}/transitions", deps.Jobs.GetJobTransitions).Methods("GET")
	api.HandleFunc("/jobs/{id}/cancel", deps.Jobs.CancelJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/retry", deps.Jobs.RetryJob).Methods("POST")
}
