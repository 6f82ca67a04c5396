package engine

import (
	"encoding/json"
	"time"
)

// ProviderType identifies a supported cloud provider.
type ProviderType string

const (
	ProviderDigitalOcean ProviderType = "digitalocean"
	ProviderAWS          ProviderType = "aws"
	ProviderGCP          ProviderType = "gcp"
	ProviderHetzner      ProviderType = "hetzner"
	ProviderBareMetal    ProviderType = "baremetal"
)

// MachineStatus is the normalized machine status vocabulary. Provider
// adapters map their native status strings onto this set; ambiguous or
// unknown provider states map to StatusError, never to StatusRunning.
type MachineStatus string

const (
	StatusRunning      MachineStatus = "running"
	StatusStopped      MachineStatus = "stopped"
	StatusProvisioning MachineStatus = "provisioning"
	StatusPending      MachineStatus = "pending"
	StatusStopping     MachineStatus = "stopping"
	StatusRebooting    MachineStatus = "rebooting"
	StatusTerminating  MachineStatus = "terminating"
	StatusTerminated   MachineStatus = "terminated"
	StatusError        MachineStatus = "error"
)

// TFStateStatus describes how the machine's recorded state relates to the
// infrastructure tool's last-known state.
type TFStateStatus string

const (
	TFStateInSync  TFStateStatus = "in_sync"
	TFStateDrifted TFStateStatus = "drifted"
	TFStatePending TFStateStatus = "pending"
	TFStateUnknown TFStateStatus = "unknown"
)

// Machine is a provisioned (or provisioning) compute instance.
type Machine struct {
	// ID is the machine's identity within machinist.
	ID string `json:"id"`

	// Name is the user-facing machine name.
	Name string `json:"name"`

	// Provider is the cloud provider hosting this machine.
	Provider ProviderType `json:"provider"`

	// ProviderAccountID references the credential set used for this machine.
	ProviderAccountID string `json:"provider_account_id"`

	// ResourceID is the provider-assigned resource identifier. Empty until
	// the first successful create deployment.
	ResourceID string `json:"resource_id,omitempty"`

	Region string `json:"region"`
	Size   string `json:"size"`
	Image  string `json:"image"`

	// DesiredStatus is the user's intent for this machine.
	DesiredStatus MachineStatus `json:"desired_status"`

	// ActualStatus is the last provider-observed status. It is written only
	// by the reconciler or by the state machine on deployment completion.
	ActualStatus MachineStatus `json:"actual_status"`

	PublicIP  string `json:"public_ip,omitempty"`
	PrivateIP string `json:"private_ip,omitempty"`

	// Tags are free-form key/value labels propagated to the provider.
	Tags map[string]string `json:"tags,omitempty"`

	// TFStateStatus tracks convergence between recorded and observed state.
	TFStateStatus TFStateStatus `json:"tf_state_status"`

	// SSHKeyID references the deploy key registered for this machine.
	SSHKeyID string `json:"ssh_key_id,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// DeploymentType is the kind of infrastructure change a deployment makes.
type DeploymentType string

const (
	DeploymentCreate         DeploymentType = "create"
	DeploymentUpdate         DeploymentType = "update"
	DeploymentDestroy        DeploymentType = "destroy"
	DeploymentReboot         DeploymentType = "reboot"
	DeploymentRestartService DeploymentType = "restart_service"
	DeploymentRefresh        DeploymentType = "refresh"
)

// DeploymentState is the state machine position of a deployment.
type DeploymentState string

const (
	StateQueued           DeploymentState = "queued"
	StatePlanning         DeploymentState = "planning"
	StateAwaitingApproval DeploymentState = "awaiting_approval"
	StateApplying         DeploymentState = "applying"
	StateSucceeded        DeploymentState = "succeeded"
	StateFailed           DeploymentState = "failed"
	StateCancelled        DeploymentState = "cancelled"
)

// IsTerminal reports whether the state admits no further transitions.
func (s DeploymentState) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// ResourceChange is one resource-level action from a parsed plan.
type ResourceChange struct {
	// Address is the tool's resource address (e.g. "digitalocean_droplet.machine").
	Address string `json:"address"`

	// Action is the planned action: create, update, delete, replace, no-op.
	Action string `json:"action"`

	ResourceType string `json:"resource_type"`
	ResourceName string `json:"resource_name"`
}

// PlanSummary is the normalized result of a plan operation. It is the only
// provider-agnostic surface the state machine inspects when deciding
// approval.
type PlanSummary struct {
	ResourcesToAdd     int              `json:"resources_to_add"`
	ResourcesToChange  int              `json:"resources_to_change"`
	ResourcesToDestroy int              `json:"resources_to_destroy"`
	Changes            []ResourceChange `json:"changes,omitempty"`
}

// Total returns the total number of planned changes.
func (p PlanSummary) Total() int {
	return p.ResourcesToAdd + p.ResourcesToChange + p.ResourcesToDestroy
}

// Outputs are the values exported by an applied workspace.
type Outputs struct {
	ResourceID string        `json:"resource_id,omitempty"`
	PublicIP   string        `json:"public_ip,omitempty"`
	PrivateIP  string        `json:"private_ip,omitempty"`
	Status     MachineStatus `json:"status,omitempty"`
	Region     string        `json:"region,omitempty"`
	Size       string        `json:"size,omitempty"`
	FirewallID string        `json:"firewall_id,omitempty"`
}

// LogLevel is the severity of a deployment log line.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warning"
	LogLevelError LogLevel = "error"
)

// LogEntry is one ordered line of a deployment's log.
type LogEntry struct {
	Sequence  int       `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`

	// Source names the producer: orchestrator, terraform, provider, agent.
	Source string `json:"source"`

	Message string `json:"message"`
}

// DeploymentParams are the caller-supplied parameters of a deployment.
// Required fields depend on the deployment type.
type DeploymentParams struct {
	// Name is the machine name (create only).
	Name string `json:"name,omitempty"`

	// ProviderAccountID selects credentials (create only; other types use
	// the machine's stored account).
	ProviderAccountID string `json:"provider_account_id,omitempty"`

	Region string `json:"region,omitempty"`
	Size   string `json:"size,omitempty"`
	Image  string `json:"image,omitempty"`

	SSHKeyID   string            `json:"ssh_key_id,omitempty"`
	FirewallID string            `json:"firewall_id,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`

	// UserData is an optional cloud-init payload (create only).
	UserData string `json:"user_data,omitempty"`

	// BootstrapScript is run over SSH after a successful create.
	BootstrapScript string `json:"bootstrap_script,omitempty"`

	// Service is the unit to restart (restart_service only).
	Service string `json:"service,omitempty"`
}

// Deployment is one attempted infrastructure change against a machine.
// It is owned exclusively by the state machine and is immutable once in a
// terminal state.
type Deployment struct {
	ID        string          `json:"id"`
	Type      DeploymentType  `json:"type"`
	State     DeploymentState `json:"state"`
	MachineID string          `json:"machine_id"`

	// Workspace is the execution-tool workspace identifier, 1:1 with the
	// target machine.
	Workspace string `json:"workspace"`

	Params DeploymentParams `json:"params"`

	PlanSummary *PlanSummary `json:"plan_summary,omitempty"`
	PlanRaw     string       `json:"plan_raw,omitempty"`

	Outputs *Outputs `json:"outputs,omitempty"`

	// Initiator identifies the user or subsystem that submitted the change.
	Initiator string `json:"initiator"`

	Error string `json:"error,omitempty"`

	// CancelRequested is set when cancellation arrives while the external
	// process is running; the terminal transition is deferred to exit.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// CredentialStatus is the verification state of a provider account.
type CredentialStatus string

const (
	CredentialValid     CredentialStatus = "valid"
	CredentialInvalid   CredentialStatus = "invalid"
	CredentialExpired   CredentialStatus = "expired"
	CredentialUnchecked CredentialStatus = "unchecked"
)

// ProviderAccount is a configured credential set for one provider. The
// plaintext credential payload never lives on this record; it is stored
// encrypted in the vault, addressed by the account id.
type ProviderAccount struct {
	ID               string           `json:"id"`
	Provider         ProviderType     `json:"provider"`
	Label            string           `json:"label"`
	CredentialStatus CredentialStatus `json:"credential_status"`
	LastVerifiedAt   *time.Time       `json:"last_verified_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Credentials is the tagged union of per-provider credential payloads.
// Exactly one variant is populated, selected by Provider.
type Credentials struct {
	Provider ProviderType `json:"provider"`

	DigitalOcean *DigitalOceanCredentials `json:"digitalocean,omitempty"`
	AWS          *AWSCredentials          `json:"aws,omitempty"`
	GCP          *GCPCredentials          `json:"gcp,omitempty"`
	Hetzner      *HetznerCredentials      `json:"hetzner,omitempty"`
	BareMetal    *BareMetalCredentials    `json:"baremetal,omitempty"`
}

// DigitalOceanCredentials is a personal access token.
type DigitalOceanCredentials struct {
	Token string `json:"token" validate:"required"`
}

// AWSCredentials is an access key pair.
type AWSCredentials struct {
	AccessKeyID     string `json:"access_key_id" validate:"required"`
	SecretAccessKey string `json:"secret_access_key" validate:"required"`
}

// GCPCredentials is a service account key.
type GCPCredentials struct {
	ServiceAccountJSON string `json:"service_account_json" validate:"required,json"`
}

// HetznerCredentials is an API token.
type HetznerCredentials struct {
	Token string `json:"token" validate:"required"`
}

// BareMetalCredentials is an SSH endpoint for unmanaged hardware.
type BareMetalCredentials struct {
	Host       string `json:"host" validate:"required,hostname|ip"`
	User       string `json:"user" validate:"required"`
	PrivateKey string `json:"private_key" validate:"required"`
}

// Marshal renders the credential payload for vault storage.
func (c *Credentials) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalCredentials parses a decrypted credential payload.
func UnmarshalCredentials(raw []byte) (*Credentials, error) {
	var c Credentials
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// SyncAction describes what a reconciliation pass did for one machine.
type SyncAction string

const (
	SyncNoChange            SyncAction = "no_change"
	SyncUpdated             SyncAction = "updated"
	SyncSkippedActiveDeploy SyncAction = "skipped_active_deployment"
)

// SyncResult is the per-machine outcome of a reconciliation pass.
type SyncResult struct {
	MachineID      string        `json:"machine_id"`
	PreviousStatus MachineStatus `json:"previous_status"`
	NewStatus      MachineStatus `json:"new_status"`
	Action         SyncAction    `json:"action"`
}

// SyncSummary is the batch result of a reconciliation pass.
type SyncSummary struct {
	Synced  int          `json:"synced"`
	Results []SyncResult `json:"results"`
}

// Region is a provider location offering.
type Region struct {
	Slug      string `json:"slug"`
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// Size is a provider instance size offering.
type Size struct {
	Slug         string   `json:"slug"`
	MemoryMB     int      `json:"memory_mb"`
	VCPUs        int      `json:"vcpus"`
	DiskGB       int      `json:"disk_gb"`
	PriceMonthly float64  `json:"price_monthly"`
	Regions      []string `json:"regions,omitempty"`
}

// Image is a provider machine image offering.
type Image struct {
	Slug         string `json:"slug"`
	Name         string `json:"name"`
	Distribution string `json:"distribution,omitempty"`
}

// ObservedState is a provider's view of a machine, as reported by
// DescribeResource. It is the sole source of truth for reconciliation.
type ObservedState struct {
	ResourceID string        `json:"resource_id"`
	Status     MachineStatus `json:"status"`
	PublicIP   string        `json:"public_ip,omitempty"`
	PrivateIP  string        `json:"private_ip,omitempty"`
	Region     string        `json:"region,omitempty"`
	Size       string        `json:"size,omitempty"`

	// Found is false when the provider no longer knows the resource.
	Found bool `json:"found"`
}
