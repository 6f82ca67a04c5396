// Package api exposes the machinist REST surface: machines, deployments,
// provider accounts, reconciliation, and the audit trail.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/machinist/machinist/pkg/engine"
	"github.com/machinist/machinist/pkg/vault"
)

// Orchestrator is the deployment surface the API drives. The engine
// orchestrator satisfies this.
type Orchestrator interface {
	Submit(ctx context.Context, dtype engine.DeploymentType, machineID string, params engine.DeploymentParams, initiator string) (*engine.Deployment, *engine.Machine, error)
	Approve(ctx context.Context, deploymentID, actor string) (*engine.Deployment, error)
	Cancel(ctx context.Context, deploymentID, actor string) (*engine.Deployment, error)
	GetDeployment(ctx context.Context, deploymentID string) (*engine.Deployment, error)
	GetLogs(ctx context.Context, deploymentID string) ([]engine.LogEntry, error)
	SubscribeLogs(ctx context.Context, deploymentID string) (<-chan engine.LogEntry, func(), error)
	CredentialsFor(ctx context.Context, accountID string) (*engine.Credentials, error)
}

// Syncer triggers an on-demand reconciliation sweep.
type Syncer interface {
	Sync(ctx context.Context) (*engine.SyncSummary, error)
}

// Options wires the server's collaborators.
type Options struct {
	Orchestrator Orchestrator
	Store        engine.Store
	Adapters     engine.AdapterResolver
	Vault        *vault.Vault
	Syncer       Syncer

	// MetricsHandler serves GET /metrics. Optional.
	MetricsHandler http.Handler

	Logger zerolog.Logger
}

// Server is the machinist HTTP API.
type Server struct {
	orch     Orchestrator
	store    engine.Store
	adapters engine.AdapterResolver
	vault    *vault.Vault
	syncer   Syncer
	metrics  http.Handler
	validate *validator.Validate
	logger   zerolog.Logger
}

// New creates the API server.
func New(opts Options) *Server {
	return &Server{
		orch:     opts.Orchestrator,
		store:    opts.Store,
		adapters: opts.Adapters,
		vault:    opts.Vault,
		syncer:   opts.Syncer,
		metrics:  opts.MetricsHandler,
		validate: validator.New(),
		logger:   opts.Logger.With().Str("component", "api").Logger(),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	mux.HandleFunc("POST /api/v1/machines", s.handleCreateMachine)
	mux.HandleFunc("GET /api/v1/machines", s.handleListMachines)
	mux.HandleFunc("POST /api/v1/machines/sync", s.handleSync)
	mux.HandleFunc("GET /api/v1/machines/{id}", s.handleGetMachine)
	mux.HandleFunc("GET /api/v1/machines/{id}/deployments", s.handleListMachineDeployments)
	mux.HandleFunc("POST /api/v1/machines/{id}/reboot", s.machineAction(engine.DeploymentReboot))
	mux.HandleFunc("POST /api/v1/machines/{id}/destroy", s.machineAction(engine.DeploymentDestroy))
	mux.HandleFunc("POST /api/v1/machines/{id}/restart-service", s.machineAction(engine.DeploymentRestartService))
	mux.HandleFunc("POST /api/v1/machines/{id}/refresh", s.machineAction(engine.DeploymentRefresh))
	mux.HandleFunc("POST /api/v1/machines/{id}/update", s.machineAction(engine.DeploymentUpdate))

	mux.HandleFunc("GET /api/v1/deployments/{id}", s.handleGetDeployment)
	mux.HandleFunc("POST /api/v1/deployments/{id}/approve", s.handleApproveDeployment)
	mux.HandleFunc("POST /api/v1/deployments/{id}/cancel", s.handleCancelDeployment)
	mux.HandleFunc("GET /api/v1/deployments/{id}/logs", s.handleDeploymentLogs)

	mux.HandleFunc("POST /api/v1/providers/accounts", s.handleCreateAccount)
	mux.HandleFunc("GET /api/v1/providers/accounts", s.handleListAccounts)
	mux.HandleFunc("GET /api/v1/providers/accounts/{id}", s.handleGetAccount)
	mux.HandleFunc("PUT /api/v1/providers/accounts/{id}", s.handleUpdateAccount)
	mux.HandleFunc("DELETE /api/v1/providers/accounts/{id}", s.handleDeleteAccount)
	mux.HandleFunc("POST /api/v1/providers/accounts/{id}/verify", s.handleVerifyAccount)
	mux.HandleFunc("GET /api/v1/providers/accounts/{id}/regions", s.catalogAction(catalogRegions))
	mux.HandleFunc("GET /api/v1/providers/accounts/{id}/sizes", s.catalogAction(catalogSizes))
	mux.HandleFunc("GET /api/v1/providers/accounts/{id}/images", s.catalogAction(catalogImages))

	mux.HandleFunc("GET /api/v1/audit", s.handleListAudit)

	return s.logRequests(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.HealthCheck(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	summary, err := s.syncer.Sync(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	entries, err := s.store.ListAudit(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(started)).
			Msg("request")
	})
}

// statusRecorder captures the response status for request logging. Flush
// is forwarded so log streaming keeps working through the wrapper.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
