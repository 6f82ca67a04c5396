package engine

import (
	"context"
	"time"
)

// LogSink receives log lines produced while a deployment executes. Sinks
// must be safe for concurrent use; the execution wrapper and agent both
// write through them while the external process runs.
type LogSink func(level LogLevel, source, message string)

// WorkspaceSource is the set of files a provider adapter renders into an
// execution workspace: the declarative module definition plus its variable
// values. The variable/output contract is stable per provider module
// version.
type WorkspaceSource struct {
	// Files maps workspace-relative file names to contents, e.g.
	// "main.tf.json" and "terraform.tfvars.json".
	Files map[string][]byte
}

// ExecutionRunner drives the external declarative-infrastructure tool
// inside isolated per-machine workspaces.
type ExecutionRunner interface {
	// Init prepares the workspace: writes the rendered source and runs the
	// tool's init step.
	Init(ctx context.Context, workspace string, source *WorkspaceSource) error

	// Plan produces a normalized plan summary and the raw plan text. When
	// destroy is set the plan is a full teardown.
	Plan(ctx context.Context, workspace string, destroy bool, sink LogSink) (*PlanSummary, string, error)

	// Apply executes the previously created plan and returns the workspace
	// outputs.
	Apply(ctx context.Context, workspace string, sink LogSink) (*Outputs, error)

	// Destroy tears down all workspace-managed resources.
	Destroy(ctx context.Context, workspace string, sink LogSink) error

	// Cleanup removes workspace scratch state. It must be safe to call
	// regardless of whether plan/apply succeeded.
	Cleanup(workspace string) error

	// OrphanedWorkspaces lists workspaces left behind by a previous process
	// instance, for crash recovery.
	OrphanedWorkspaces() ([]string, error)
}

// Adapter is the per-provider capability interface. Implementations are
// pure query/command surfaces: ValidateCredentials never mutates stored
// credential status, and DescribeResource is the sole source of observed
// truth for reconciliation.
type Adapter interface {
	Type() ProviderType

	ListRegions(ctx context.Context, creds *Credentials) ([]Region, error)
	ListSizes(ctx context.Context, creds *Credentials) ([]Size, error)
	ListImages(ctx context.Context, creds *Credentials) ([]Image, error)

	// ValidateCredentials checks the credential payload against the provider.
	// Returns an INVALID_CREDENTIALS error when rejected.
	ValidateCredentials(ctx context.Context, creds *Credentials) error

	// CreateResource provisions a machine directly through the provider API.
	CreateResource(ctx context.Context, creds *Credentials, machine *Machine, params DeploymentParams) (*ObservedState, error)

	// DestroyResource deletes the provider resource.
	DestroyResource(ctx context.Context, creds *Credentials, resourceID string) error

	// RebootResource power-cycles the provider resource.
	RebootResource(ctx context.Context, creds *Credentials, resourceID string) error

	// DescribeResource reports the provider's current view of the resource,
	// with status mapped onto the normalized MachineStatus vocabulary.
	DescribeResource(ctx context.Context, creds *Credentials, resourceID string) (*ObservedState, error)

	// TerraformSource renders the per-provider module files for a machine's
	// workspace.
	TerraformSource(creds *Credentials, machine *Machine, params DeploymentParams) (*WorkspaceSource, error)
}

// AdapterResolver resolves the adapter for a provider type.
type AdapterResolver interface {
	Resolve(provider ProviderType) (Adapter, error)
}

// ApprovalDecision is the outcome of evaluating a plan against the
// approval policy.
type ApprovalDecision struct {
	// AutoApprove is true when the plan may proceed without an operator.
	AutoApprove bool

	// Reasons lists why auto-approval was withheld.
	Reasons []string
}

// ApprovalPolicy decides whether a planned deployment may auto-approve.
type ApprovalPolicy interface {
	Decide(ctx context.Context, deployment *Deployment, plan *PlanSummary) (*ApprovalDecision, error)
}

// AgentTarget addresses a machine for agent-mediated operations.
type AgentTarget struct {
	Host       string
	User       string
	PrivateKey []byte
}

// ServiceAgent performs in-guest operations over SSH, outside the
// declarative-infrastructure path.
type ServiceAgent interface {
	// RestartService restarts a service unit on the machine.
	RestartService(ctx context.Context, target AgentTarget, service string, sink LogSink) error

	// RunBootstrap uploads and executes a bootstrap script.
	RunBootstrap(ctx context.Context, target AgentTarget, script string, sink LogSink) error
}

// AuditEntry records a state-changing action for the audit trail.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	TargetID  string    `json:"target_id,omitempty"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the durable persistence layer for machines, deployments,
// provider accounts, sealed secrets, logs, and the audit trail.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Machines
	CreateMachine(ctx context.Context, m *Machine) error
	GetMachine(ctx context.Context, id string) (*Machine, error)
	UpdateMachine(ctx context.Context, m *Machine) error
	ListMachines(ctx context.Context, includeDeleted bool) ([]*Machine, error)
	SoftDeleteMachine(ctx context.Context, id string, at time.Time) error

	// Deployments
	CreateDeployment(ctx context.Context, d *Deployment) error
	GetDeployment(ctx context.Context, id string) (*Deployment, error)
	UpdateDeployment(ctx context.Context, d *Deployment) error
	ListDeploymentsByMachine(ctx context.Context, machineID string) ([]*Deployment, error)
	ListActiveDeployments(ctx context.Context) ([]*Deployment, error)

	// Deployment logs
	AppendDeploymentLog(ctx context.Context, deploymentID string, entry *LogEntry) error
	ListDeploymentLogs(ctx context.Context, deploymentID string) ([]*LogEntry, error)

	// Provider accounts
	CreateProviderAccount(ctx context.Context, a *ProviderAccount) error
	GetProviderAccount(ctx context.Context, id string) (*ProviderAccount, error)
	UpdateProviderAccount(ctx context.Context, a *ProviderAccount) error
	DeleteProviderAccount(ctx context.Context, id string) error
	ListProviderAccounts(ctx context.Context) ([]*ProviderAccount, error)

	// Sealed secrets, addressed by owner (provider account or SSH key) id.
	PutSecret(ctx context.Context, ownerID string, sealed []byte) error
	GetSecret(ctx context.Context, ownerID string) ([]byte, error)
	DeleteSecret(ctx context.Context, ownerID string) error

	// Audit
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
