// Package api is the HTTP control surface: a stateless facade over the
// component instances, with bearer auth, the operation journal, SSE and
// WebSocket event streams, and the bridge pull endpoints.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/patze/control/internal/attach"
	"github.com/patze/control/internal/bridgecmd"
	"github.com/patze/control/internal/bridgesetup"
	"github.com/patze/control/internal/config"
	"github.com/patze/control/internal/configqueue"
	"github.com/patze/control/internal/cron"
	"github.com/patze/control/internal/events"
	"github.com/patze/control/internal/fleet"
	"github.com/patze/control/internal/journal"
	"github.com/patze/control/internal/metrics"
	"github.com/patze/control/internal/openclaw"
	"github.com/patze/control/internal/security"
	"github.com/patze/control/internal/sshtunnel"
	"github.com/patze/control/internal/telemetry"
)

// Deps collects every component the server fronts.
type Deps struct {
	Config      *config.Config
	Auth        *security.AuthStore
	Guard       *security.PathGuard
	Node        *telemetry.Node
	Aggregator  *telemetry.Aggregator
	Targets     *openclaw.TargetStore
	Sync        *openclaw.SyncManager
	Commands    *bridgecmd.Store
	Queue       *configqueue.Queue
	Fleet       *fleet.Engine
	Policies    *fleet.PolicyStore
	Alerts      *fleet.AlertRouter
	Tasks       *cron.Service
	Tunnels     *sshtunnel.Runtime
	Attachments *attach.Orchestrator
	Bridges     *bridgesetup.Manager
	SSHConns    *security.SSHConnectionStore
	Bus         *events.Bus
	Journal     *journal.Journal
	Metrics     *metrics.Metrics
}

// Server is the control surface.
type Server struct {
	cfg         *config.Config
	auth        *security.AuthStore
	guard       *security.PathGuard
	node        *telemetry.Node
	agg         *telemetry.Aggregator
	targets     *openclaw.TargetStore
	sync        *openclaw.SyncManager
	commands    *bridgecmd.Store
	queue       *configqueue.Queue
	fleet       *fleet.Engine
	policies    *fleet.PolicyStore
	alerts      *fleet.AlertRouter
	tasks       *cron.Service
	tunnels     *sshtunnel.Runtime
	attachments *attach.Orchestrator
	bridges     *bridgesetup.Manager
	sshConns    *security.SSHConnectionStore
	bus         *events.Bus
	journal     *journal.Journal
	metrics     *metrics.Metrics
	limiter     *rateLimiter

	httpServer *http.Server
}

// NewServer wires the facade. It does not bind the listener.
func NewServer(d Deps) *Server {
	s := &Server{
		cfg:         d.Config,
		auth:        d.Auth,
		guard:       d.Guard,
		node:        d.Node,
		agg:         d.Aggregator,
		targets:     d.Targets,
		sync:        d.Sync,
		commands:    d.Commands,
		queue:       d.Queue,
		fleet:       d.Fleet,
		policies:    d.Policies,
		alerts:      d.Alerts,
		tasks:       d.Tasks,
		tunnels:     d.Tunnels,
		attachments: d.Attachments,
		bridges:     d.Bridges,
		sshConns:    d.SSHConns,
		bus:         d.Bus,
		journal:     d.Journal,
		metrics:     d.Metrics,
		limiter:     newRateLimiter(d.Config.BridgeCronSyncRateLimitMax),
	}
	return s
}

// Router builds the full route table.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.instrument)

	// Unauthenticated surface.
	r.HandleFunc("/api/health", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.requireAuth)

	// Telemetry.
	api.HandleFunc("/telemetry/events", s.handleIngestEvents).Methods("POST")
	api.HandleFunc("/telemetry/snapshot", s.handleSnapshot).Methods("GET")
	api.HandleFunc("/telemetry/log", s.handleUnifiedLog).Methods("GET")

	// Event streams.
	api.HandleFunc("/events", s.handleSSE).Methods("GET")
	api.HandleFunc("/events/ws", s.handleWebSocket).Methods("GET")

	// Targets and sync.
	api.HandleFunc("/targets", s.handleListTargets).Methods("GET")
	api.HandleFunc("/targets", s.handleCreateTarget).Methods("POST")
	api.HandleFunc("/targets/{id}", s.handleGetTarget).Methods("GET")
	api.HandleFunc("/targets/{id}", s.handleUpdateTarget).Methods("PATCH")
	api.HandleFunc("/targets/{id}", s.handleDeleteTarget).Methods("DELETE")
	api.HandleFunc("/sync-status", s.handleAllSyncStatuses).Methods("GET")
	api.HandleFunc("/targets/{id}/sync-status", s.handleSyncStatus).Methods("GET")
	api.HandleFunc("/targets/{id}/sync/{action}", s.handleSyncAction).Methods("POST")
	api.HandleFunc("/targets/{id}/jobs", s.handleTargetJobs).Methods("GET")
	api.HandleFunc("/targets/{id}/jobs/{jobId}/runs", s.handleJobRuns).Methods("GET")
	api.HandleFunc("/targets/{id}/merged-view", s.handleMergedView).Methods("POST")

	// Config command queue.
	api.HandleFunc("/targets/{id}/config/pending", s.handleListPending).Methods("GET")
	api.HandleFunc("/targets/{id}/config/pending", s.handleClearPending).Methods("DELETE")
	api.HandleFunc("/targets/{id}/config/commands", s.handleEnqueueConfig).Methods("POST")
	api.HandleFunc("/targets/{id}/config/preview", s.handlePreview).Methods("POST")
	api.HandleFunc("/targets/{id}/config/apply", s.handleApply).Methods("POST")
	api.HandleFunc("/targets/{id}/config/snapshots", s.handleListSnapshots).Methods("GET")
	api.HandleFunc("/targets/{id}/config/snapshots/{snapshotId}", s.handleGetSnapshot).Methods("GET")
	api.HandleFunc("/targets/{id}/config/rollback", s.handleRollback).Methods("POST")

	// Operator command queue.
	api.HandleFunc("/commands", s.handleEnqueueCommand).Methods("POST")
	api.HandleFunc("/commands", s.handleListCommands).Methods("GET")
	api.HandleFunc("/commands/{id}", s.handleGetCommand).Methods("GET")
	api.HandleFunc("/commands/{id}/approve", s.handleApproveCommand).Methods("POST")
	api.HandleFunc("/commands/{id}/reject", s.handleRejectCommand).Methods("POST")

	// Fleet.
	api.HandleFunc("/fleet/assessments", s.handleAssessments).Methods("GET")
	api.HandleFunc("/fleet/assessments/{targetId}", s.handleAssessment).Methods("GET")
	api.HandleFunc("/fleet/batch-apply", s.handleBatchApply).Methods("POST")
	api.HandleFunc("/fleet/policies", s.handleListPolicies).Methods("GET")
	api.HandleFunc("/fleet/policies", s.handleCreatePolicy).Methods("POST")
	api.HandleFunc("/fleet/policies/{id}", s.handleDeletePolicy).Methods("DELETE")
	api.HandleFunc("/fleet/policies/{id}/assign", s.handleAssignPolicy).Methods("POST")
	api.HandleFunc("/fleet/alert-destinations", s.handleListDestinations).Methods("GET")
	api.HandleFunc("/fleet/alert-destinations", s.handleAddDestination).Methods("POST")
	api.HandleFunc("/fleet/alert-destinations/{id}", s.handleRemoveDestination).Methods("DELETE")
	api.HandleFunc("/fleet/alert-rules", s.handleListRules).Methods("GET")
	api.HandleFunc("/fleet/alert-rules", s.handleAddRule).Methods("POST")

	// Scheduled tasks.
	api.HandleFunc("/tasks", s.handleListTasks).Methods("GET")
	api.HandleFunc("/tasks", s.handleCreateTask).Methods("POST")
	api.HandleFunc("/tasks/{id}", s.handleGetTask).Methods("GET")
	api.HandleFunc("/tasks/{id}", s.handleUpdateTask).Methods("PATCH")
	api.HandleFunc("/tasks/{id}", s.handleDeleteTask).Methods("DELETE")
	api.HandleFunc("/tasks/{id}/runs", s.handleTaskRuns).Methods("GET")

	// Attachments, tunnels, SSH connections.
	api.HandleFunc("/attachments", s.handleListAttachments).Methods("GET")
	api.HandleFunc("/attachments", s.handleAttach).Methods("POST")
	api.HandleFunc("/attachments/{id}", s.handleDetach).Methods("DELETE")
	api.HandleFunc("/attachments/{id}/probe", s.handleProbeAttachment).Methods("POST")
	api.HandleFunc("/attachments/{id}/reattach", s.handleReattach).Methods("POST")
	api.HandleFunc("/tunnels", s.handleListTunnels).Methods("GET")
	api.HandleFunc("/tunnels/{id}", s.handleCloseTunnel).Methods("DELETE")
	api.HandleFunc("/ssh-connections", s.handleListSSHConnections).Methods("GET")
	api.HandleFunc("/ssh-connections", s.handleSaveSSHConnection).Methods("POST")
	api.HandleFunc("/ssh-connections/{id}", s.handleDeleteSSHConnection).Methods("DELETE")

	// Bridge installs.
	api.HandleFunc("/bridges/preflight", s.handlePreflight).Methods("POST")
	api.HandleFunc("/bridges", s.handleListBridges).Methods("GET")
	api.HandleFunc("/bridges", s.handleSetupBridge).Methods("POST")
	api.HandleFunc("/bridges/{id}", s.handleGetBridge).Methods("GET")
	api.HandleFunc("/bridges/{id}", s.handleRemoveBridge).Methods("DELETE")
	api.HandleFunc("/bridges/{id}/logs", s.handleBridgeLogs).Methods("GET")
	api.HandleFunc("/bridges/{id}/sudo-password", s.handleRetrySudo).Methods("POST")
	api.HandleFunc("/bridges/{id}/user-mode", s.handleRetryUserMode).Methods("POST")

	// Journal and auth config.
	api.HandleFunc("/journal", s.handleJournal).Methods("GET")
	api.HandleFunc("/auth", s.handleGetAuth).Methods("GET")
	api.HandleFunc("/auth", s.handleSetAuth).Methods("PUT")

	// Bridge check-in surface (token-authed like the rest).
	bridge := r.PathPrefix("/openclaw/bridge").Subrouter()
	bridge.Use(s.requireAuth)
	bridge.HandleFunc("/cron-sync", s.handleCronSync).Methods("POST")
	bridge.HandleFunc("/commands/poll", s.handlePollCommand).Methods("POST")
	bridge.HandleFunc("/commands/{id}/ack", s.handleAckCommand).Methods("POST")
	bridge.HandleFunc("/commands/{id}/heartbeat", s.handleHeartbeatCommand).Methods("POST")
	bridge.HandleFunc("/commands/{id}/result", s.handleResultCommand).Methods("POST")

	return r
}

// Start binds the listener and serves until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("control surface listening", "addr", addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the rate limiter.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"targets": len(s.targets.List()),
		"nodes":   s.agg.NodeIDs(),
	})
}
