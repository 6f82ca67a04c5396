package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/machinist/machinist/pkg/vault"
)

// MetricsRecorder receives orchestrator metrics. A nil recorder disables
// instrumentation.
type MetricsRecorder interface {
	RecordDeploymentStarted(deploymentType string)
	RecordDeploymentCompleted(deploymentType, state string, duration time.Duration)
	RecordStateTransition(from, to string)
	RecordError(code string)
}

// Options configures the orchestrator.
type Options struct {
	// ApprovalTimeout bounds how long a deployment may sit in
	// awaiting_approval before it is cancelled.
	ApprovalTimeout time.Duration

	// Metrics is optional.
	Metrics MetricsRecorder

	// Agent is optional; without it restart_service and bootstrap scripts
	// are rejected.
	Agent ServiceAgent
}

// Orchestrator is the deployment state machine. It accepts deployment
// intents, sequences planning, approval, and execution, persists every
// state transition, and streams logs to subscribers.
//
// At most one non-terminal deployment exists per machine at any instant;
// the machine lock registry is the enforcement point.
type Orchestrator struct {
	store    Store
	runner   ExecutionRunner
	adapters AdapterResolver
	vault    *vault.Vault
	policy   ApprovalPolicy
	agent    ServiceAgent

	logger  zerolog.Logger
	metrics MetricsRecorder

	approvalTimeout time.Duration

	locks *machineLocks

	// stateMu serializes deployment state reads-then-writes: workers
	// transition under it and Cancel records the request under it, so a
	// cancellation can never race past a transition.
	stateMu sync.Mutex

	mu        sync.Mutex
	hubs      map[string]*logHub
	approvals map[string]chan bool // true = approved, false = cancelled
	cancels   map[string]context.CancelFunc

	// shutdownCh unparks workers waiting for approval so Shutdown does
	// not wait out the approval timeout.
	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	wg sync.WaitGroup
}

// New creates an orchestrator.
func New(
	store Store,
	runner ExecutionRunner,
	adapters AdapterResolver,
	v *vault.Vault,
	policy ApprovalPolicy,
	logger zerolog.Logger,
	opts Options,
) *Orchestrator {
	if opts.ApprovalTimeout <= 0 {
		opts.ApprovalTimeout = time.Hour
	}

	return &Orchestrator{
		store:           store,
		runner:          runner,
		adapters:        adapters,
		vault:           v,
		policy:          policy,
		agent:           opts.Agent,
		logger:          logger.With().Str("component", "orchestrator").Logger(),
		metrics:         opts.Metrics,
		approvalTimeout: opts.ApprovalTimeout,
		locks:           newMachineLocks(),
		hubs:            make(map[string]*logHub),
		approvals:       make(map[string]chan bool),
		cancels:         make(map[string]context.CancelFunc),
		shutdownCh:      make(chan struct{}),
	}
}

// Start performs crash recovery: deployments left non-terminal by a
// previous process instance are finalized as failed (the machine's real
// state is re-derived by reconciliation), and orphaned workspace scratch
// is swept.
func (o *Orchestrator) Start(ctx context.Context) error {
	active, err := o.store.ListActiveDeployments(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active deployments: %w", err)
	}

	for _, d := range active {
		o.logger.Warn().
			Str("deployment_id", d.ID).
			Str("state", string(d.State)).
			Msg("finalizing deployment interrupted by restart")

		d.State = StateFailed
		d.Error = "interrupted by orchestrator restart"
		now := time.Now().UTC()
		d.FinishedAt = &now
		d.UpdatedAt = now
		if err := o.store.UpdateDeployment(ctx, d); err != nil {
			return fmt.Errorf("failed to finalize deployment %s: %w", d.ID, err)
		}

		if m, err := o.store.GetMachine(ctx, d.MachineID); err == nil {
			m.TFStateStatus = TFStateUnknown
			m.UpdatedAt = now
			if err := o.store.UpdateMachine(ctx, m); err != nil {
				o.logger.Error().Err(err).Str("machine_id", m.ID).Msg("failed to mark machine state unknown")
			}
		}
	}

	orphans, err := o.runner.OrphanedWorkspaces()
	if err != nil {
		return fmt.Errorf("failed to scan workspaces: %w", err)
	}
	for _, ws := range orphans {
		if owner, held := o.locks.Owner(machineIDFromWorkspace(ws)); held {
			o.logger.Debug().Str("workspace", ws).Str("owner", owner).Msg("workspace in use, skipping sweep")
			continue
		}
		if err := o.runner.Cleanup(ws); err != nil {
			o.logger.Error().Err(err).Str("workspace", ws).Msg("failed to sweep orphaned workspace")
		}
	}

	return nil
}

// Shutdown cancels deployments parked for approval and waits for
// in-flight workers to finish. Running plans and applies drain normally.
func (o *Orchestrator) Shutdown() {
	o.shutdownOnce.Do(func() { close(o.shutdownCh) })
	o.wg.Wait()
}

// WorkspaceFor returns the deterministic workspace identifier for a
// machine. One workspace per machine, collision-free across machines.
func WorkspaceFor(machineID string) string {
	return "machine-" + machineID
}

func machineIDFromWorkspace(workspace string) string {
	return strings.TrimPrefix(workspace, "machine-")
}

// Submit validates a deployment intent, enforces the single-active-
// deployment invariant, persists the deployment in state queued, and
// schedules it. For create deployments the returned machine is the newly
// allocated record; for all other types it is the existing target.
//
// Fails with CONFLICT when an active deployment already owns the machine,
// and with VALIDATION_ERROR when required parameters are missing.
func (o *Orchestrator) Submit(
	ctx context.Context,
	dtype DeploymentType,
	machineID string,
	params DeploymentParams,
	initiator string,
) (*Deployment, *Machine, error) {
	if err := validateParams(dtype, machineID, params); err != nil {
		return nil, nil, err
	}

	var machine *Machine
	var err error

	now := time.Now().UTC()

	if dtype == DeploymentCreate {
		machine = &Machine{
			ID:                uuid.New().String(),
			Name:              params.Name,
			Provider:          "", // set below from the account
			ProviderAccountID: params.ProviderAccountID,
			Region:            params.Region,
			Size:              params.Size,
			Image:             params.Image,
			DesiredStatus:     StatusRunning,
			ActualStatus:      StatusPending,
			Tags:              params.Tags,
			TFStateStatus:     TFStatePending,
			SSHKeyID:          params.SSHKeyID,
			CreatedAt:         now,
			UpdatedAt:         now,
		}

		account, err := o.store.GetProviderAccount(ctx, params.ProviderAccountID)
		if err != nil {
			return nil, nil, NewNotFoundError("provider account", params.ProviderAccountID)
		}
		machine.Provider = account.Provider
		machineID = machine.ID
	} else {
		machine, err = o.store.GetMachine(ctx, machineID)
		if err != nil {
			return nil, nil, NewNotFoundError("machine", machineID)
		}
		if machine.DeletedAt != nil {
			return nil, nil, NewNotFoundError("machine", machineID)
		}
	}

	deployment := &Deployment{
		ID:        uuid.New().String(),
		Type:      dtype,
		State:     StateQueued,
		MachineID: machineID,
		Workspace: WorkspaceFor(machineID),
		Params:    params,
		Initiator: initiator,
		CreatedAt: now,
		UpdatedAt: now,
	}

	owner, acquired := o.locks.TryAcquire(machineID, deployment.ID)
	if !acquired {
		return nil, nil, NewConflictError(
			fmt.Sprintf("machine has an active deployment (%s)", owner), machineID)
	}

	// The lock is held from here on; release on any error before the
	// worker takes ownership.
	if dtype == DeploymentCreate {
		if err := o.store.CreateMachine(ctx, machine); err != nil {
			o.locks.Release(machineID, deployment.ID)
			return nil, nil, NewInternalError("failed to create machine", err)
		}
	}

	if err := o.store.CreateDeployment(ctx, deployment); err != nil {
		o.locks.Release(machineID, deployment.ID)
		return nil, nil, NewInternalError("failed to create deployment", err)
	}

	o.audit(ctx, "deployment.submitted", initiator, deployment.ID, map[string]interface{}{
		"type":       string(dtype),
		"machine_id": machineID,
	})

	o.mu.Lock()
	o.hubs[deployment.ID] = newLogHub()
	o.approvals[deployment.ID] = make(chan bool, 1)
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.RecordDeploymentStarted(string(dtype))
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(deployment.ID)
	}()

	o.logger.Info().
		Str("deployment_id", deployment.ID).
		Str("machine_id", machineID).
		Str("type", string(dtype)).
		Str("initiator", initiator).
		Msg("deployment submitted")

	return deployment, machine, nil
}

// Approve releases a deployment waiting for operator approval. Fails with
// INVALID_STATE unless the deployment is in awaiting_approval.
func (o *Orchestrator) Approve(ctx context.Context, deploymentID, actor string) (*Deployment, error) {
	d, err := o.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, NewNotFoundError("deployment", deploymentID)
	}
	if d.State != StateAwaitingApproval {
		return nil, NewInvalidStateError(
			fmt.Sprintf("deployment is %s, only awaiting_approval deployments can be approved", d.State))
	}

	o.mu.Lock()
	ch, ok := o.approvals[deploymentID]
	o.mu.Unlock()
	if !ok {
		return nil, NewInvalidStateError("deployment is not waiting for approval")
	}

	select {
	case ch <- true:
	default:
		// Signal already pending; the worker will consume it.
	}

	o.audit(ctx, "deployment.approved", actor, deploymentID, nil)
	return o.store.GetDeployment(ctx, deploymentID)
}

// Cancel requests cancellation. Deployments in queued or awaiting_approval
// cancel cleanly; during planning or applying the request is recorded and
// the running external process is signalled, with the terminal transition
// deferred until it exits.
func (o *Orchestrator) Cancel(ctx context.Context, deploymentID, actor string) (*Deployment, error) {
	o.stateMu.Lock()
	d, err := o.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		o.stateMu.Unlock()
		return nil, NewNotFoundError("deployment", deploymentID)
	}
	if d.State.IsTerminal() {
		o.stateMu.Unlock()
		return nil, NewInvalidStateError(
			fmt.Sprintf("deployment already finished with state %s", d.State))
	}

	d.CancelRequested = true
	d.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateDeployment(ctx, d); err != nil {
		o.stateMu.Unlock()
		return nil, NewInternalError("failed to record cancellation", err)
	}
	o.stateMu.Unlock()

	switch d.State {
	case StateQueued, StateAwaitingApproval:
		// The worker observes the pending-cancellation flag on its next
		// transition, or the signal if it is parked waiting for approval.
		o.mu.Lock()
		ch, ok := o.approvals[deploymentID]
		o.mu.Unlock()
		if ok {
			select {
			case ch <- false:
			default:
			}
		}

	case StatePlanning, StateApplying:
		// Advisory: signal the external process and defer the terminal
		// transition until it exits.
		o.mu.Lock()
		cancel, ok := o.cancels[deploymentID]
		o.mu.Unlock()
		if ok {
			cancel()
		}
	}

	o.audit(ctx, "deployment.cancel_requested", actor, deploymentID, map[string]interface{}{
		"state": string(d.State),
	})

	return o.store.GetDeployment(ctx, deploymentID)
}

// GetDeployment returns a deployment by id.
func (o *Orchestrator) GetDeployment(ctx context.Context, deploymentID string) (*Deployment, error) {
	d, err := o.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, NewNotFoundError("deployment", deploymentID)
	}
	return d, nil
}

// GetLogs returns the ordered log of a deployment: the in-memory buffer
// while the deployment is active, the persisted log once it is terminal.
func (o *Orchestrator) GetLogs(ctx context.Context, deploymentID string) ([]LogEntry, error) {
	o.mu.Lock()
	hub, active := o.hubs[deploymentID]
	o.mu.Unlock()

	if active {
		return hub.Lines(), nil
	}

	if _, err := o.store.GetDeployment(ctx, deploymentID); err != nil {
		return nil, NewNotFoundError("deployment", deploymentID)
	}

	stored, err := o.store.ListDeploymentLogs(ctx, deploymentID)
	if err != nil {
		return nil, NewInternalError("failed to load deployment logs", err)
	}
	lines := make([]LogEntry, 0, len(stored))
	for _, entry := range stored {
		lines = append(lines, *entry)
	}
	return lines, nil
}

// SubscribeLogs returns a channel that replays the buffered log and then
// follows live appends. For terminal deployments the channel replays the
// persisted log and closes. The returned cancel releases the subscription.
func (o *Orchestrator) SubscribeLogs(ctx context.Context, deploymentID string) (<-chan LogEntry, func(), error) {
	o.mu.Lock()
	hub, active := o.hubs[deploymentID]
	o.mu.Unlock()

	if active {
		ch, cancel := hub.Subscribe()
		return ch, cancel, nil
	}

	lines, err := o.GetLogs(ctx, deploymentID)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan LogEntry, len(lines))
	for _, entry := range lines {
		ch <- entry
	}
	close(ch)
	return ch, func() {}, nil
}

// ActiveDeploymentFor reports the deployment currently holding a machine.
func (o *Orchestrator) ActiveDeploymentFor(machineID string) (string, bool) {
	return o.locks.Owner(machineID)
}

func (o *Orchestrator) audit(ctx context.Context, action, actor, targetID string, details map[string]interface{}) {
	entry := &AuditEntry{
		Action:    action,
		Actor:     actor,
		TargetID:  targetID,
		Timestamp: time.Now().UTC(),
	}
	if details != nil {
		raw, err := json.Marshal(details)
		if err == nil {
			entry.Details = string(raw)
		}
	}
	if err := o.store.AppendAudit(ctx, entry); err != nil {
		o.logger.Error().Err(err).Str("action", action).Msg("failed to write audit entry")
	}
}

func validateParams(dtype DeploymentType, machineID string, params DeploymentParams) error {
	switch dtype {
	case DeploymentCreate:
		var missing []string
		if params.Name == "" {
			missing = append(missing, "name")
		}
		if params.ProviderAccountID == "" {
			missing = append(missing, "provider_account_id")
		}
		if params.Region == "" {
			missing = append(missing, "region")
		}
		if params.Size == "" {
			missing = append(missing, "size")
		}
		if params.Image == "" {
			missing = append(missing, "image")
		}
		if len(missing) > 0 {
			return NewValidationError("missing required parameters: " + strings.Join(missing, ", "))
		}
	case DeploymentUpdate, DeploymentDestroy, DeploymentReboot, DeploymentRefresh:
		if machineID == "" {
			return NewValidationError("machine id is required")
		}
	case DeploymentRestartService:
		if machineID == "" {
			return NewValidationError("machine id is required")
		}
		if params.Service == "" {
			return NewValidationError("missing required parameter: service")
		}
	default:
		return NewValidationError(fmt.Sprintf("unknown deployment type %q", dtype))
	}
	return nil
}
