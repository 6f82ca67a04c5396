package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/machinist/machinist/pkg/vault"
)

// memStore is an in-memory Store for orchestrator tests. It returns
// copies so workers and assertions never share mutable records.
type memStore struct {
	mu sync.Mutex

	machines    map[string]*Machine
	deployments map[string]*Deployment
	logs        map[string][]*LogEntry
	accounts    map[string]*ProviderAccount
	secrets     map[string][]byte
	audits      []*AuditEntry

	// machineGate, when set, is received from once before the next
	// GetMachine returns. It lets tests hold a worker at a known point.
	machineGate chan struct{}
}

func newMemStore() *memStore {
	return &memStore{
		machines:    make(map[string]*Machine),
		deployments: make(map[string]*Deployment),
		logs:        make(map[string][]*LogEntry),
		accounts:    make(map[string]*ProviderAccount),
		secrets:     make(map[string][]byte),
	}
}

func (s *memStore) Init(ctx context.Context) error    { return nil }
func (s *memStore) Close() error                      { return nil }
func (s *memStore) Migrate(ctx context.Context) error { return nil }

func cloneMachine(m *Machine) *Machine {
	c := *m
	return &c
}

func cloneDeployment(d *Deployment) *Deployment {
	c := *d
	return &c
}

func (s *memStore) CreateMachine(ctx context.Context, m *Machine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.machines[m.ID]; ok {
		return fmt.Errorf("machine %s exists", m.ID)
	}
	s.machines[m.ID] = cloneMachine(m)
	return nil
}

func (s *memStore) GetMachine(ctx context.Context, id string) (*Machine, error) {
	s.mu.Lock()
	gate := s.machineGate
	s.machineGate = nil
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[id]
	if !ok {
		return nil, fmt.Errorf("machine %s not found", id)
	}
	return cloneMachine(m), nil
}

func (s *memStore) UpdateMachine(ctx context.Context, m *Machine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.machines[m.ID]; !ok {
		return fmt.Errorf("machine %s not found", m.ID)
	}
	s.machines[m.ID] = cloneMachine(m)
	return nil
}

func (s *memStore) ListMachines(ctx context.Context, includeDeleted bool) ([]*Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Machine
	for _, m := range s.machines {
		if m.DeletedAt != nil && !includeDeleted {
			continue
		}
		out = append(out, cloneMachine(m))
	}
	return out, nil
}

func (s *memStore) SoftDeleteMachine(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[id]
	if !ok {
		return fmt.Errorf("machine %s not found", id)
	}
	m.DeletedAt = &at
	return nil
}

func (s *memStore) CreateDeployment(ctx context.Context, d *Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deployments[d.ID] = cloneDeployment(d)
	return nil
}

func (s *memStore) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return nil, fmt.Errorf("deployment %s not found", id)
	}
	return cloneDeployment(d), nil
}

func (s *memStore) UpdateDeployment(ctx context.Context, d *Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deployments[d.ID]; !ok {
		return fmt.Errorf("deployment %s not found", d.ID)
	}
	s.deployments[d.ID] = cloneDeployment(d)
	return nil
}

func (s *memStore) ListDeploymentsByMachine(ctx context.Context, machineID string) ([]*Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Deployment
	for _, d := range s.deployments {
		if d.MachineID == machineID {
			out = append(out, cloneDeployment(d))
		}
	}
	return out, nil
}

func (s *memStore) ListActiveDeployments(ctx context.Context) ([]*Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Deployment
	for _, d := range s.deployments {
		if !d.State.IsTerminal() {
			out = append(out, cloneDeployment(d))
		}
	}
	return out, nil
}

func (s *memStore) AppendDeploymentLog(ctx context.Context, deploymentID string, entry *LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := *entry
	s.logs[deploymentID] = append(s.logs[deploymentID], &e)
	return nil
}

func (s *memStore) ListDeploymentLogs(ctx context.Context, deploymentID string) ([]*LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*LogEntry, len(s.logs[deploymentID]))
	copy(out, s.logs[deploymentID])
	return out, nil
}

func (s *memStore) CreateProviderAccount(ctx context.Context, a *ProviderAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *a
	s.accounts[a.ID] = &c
	return nil
}

func (s *memStore) GetProviderAccount(ctx context.Context, id string) (*ProviderAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s not found", id)
	}
	c := *a
	return &c, nil
}

func (s *memStore) UpdateProviderAccount(ctx context.Context, a *ProviderAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *a
	s.accounts[a.ID] = &c
	return nil
}

func (s *memStore) DeleteProviderAccount(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, id)
	return nil
}

func (s *memStore) ListProviderAccounts(ctx context.Context) ([]*ProviderAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ProviderAccount
	for _, a := range s.accounts {
		c := *a
		out = append(out, &c)
	}
	return out, nil
}

func (s *memStore) PutSecret(ctx context.Context, ownerID string, sealed []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[ownerID] = append([]byte(nil), sealed...)
	return nil
}

func (s *memStore) GetSecret(ctx context.Context, ownerID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sealed, ok := s.secrets[ownerID]
	if !ok {
		return nil, fmt.Errorf("secret for %s not found", ownerID)
	}
	return append([]byte(nil), sealed...), nil
}

func (s *memStore) DeleteSecret(ctx context.Context, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, ownerID)
	return nil
}

func (s *memStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := *entry
	s.audits = append(s.audits, &e)
	return nil
}

func (s *memStore) ListAudit(ctx context.Context, limit, offset int) ([]*AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*AuditEntry, len(s.audits))
	copy(out, s.audits)
	return out, nil
}

func (s *memStore) HealthCheck(ctx context.Context) error { return nil }

// fakeRunner is a scriptable ExecutionRunner.
type fakeRunner struct {
	mu sync.Mutex

	plan    PlanSummary
	raw     string
	outputs Outputs

	initErr    error
	planErr    error
	applyErr   error
	destroyErr error

	initCalls    int
	planCalls    int
	applyCalls   int
	destroyCalls int
	cleanups     []string

	// planGate, when set, is received from once before the next Plan
	// returns. It lets tests hold a worker mid-plan.
	planGate chan struct{}
}

func (r *fakeRunner) Init(ctx context.Context, workspace string, source *WorkspaceSource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initCalls++
	return r.initErr
}

func (r *fakeRunner) Plan(ctx context.Context, workspace string, destroy bool, sink LogSink) (*PlanSummary, string, error) {
	r.mu.Lock()
	gate := r.planGate
	r.planGate = nil
	r.mu.Unlock()
	if gate != nil {
		<-gate
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.planCalls++
	if r.planErr != nil {
		return nil, "", r.planErr
	}
	sink(LogLevelInfo, "terraform", "Plan complete")
	plan := r.plan
	return &plan, r.raw, nil
}

func (r *fakeRunner) Apply(ctx context.Context, workspace string, sink LogSink) (*Outputs, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyCalls++
	if r.applyErr != nil {
		return nil, r.applyErr
	}
	sink(LogLevelInfo, "terraform", "Apply complete")
	out := r.outputs
	return &out, nil
}

func (r *fakeRunner) Destroy(ctx context.Context, workspace string, sink LogSink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroyCalls++
	if r.destroyErr != nil {
		return r.destroyErr
	}
	sink(LogLevelInfo, "terraform", "Destroy complete")
	return nil
}

func (r *fakeRunner) Cleanup(workspace string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanups = append(r.cleanups, workspace)
	return nil
}

func (r *fakeRunner) OrphanedWorkspaces() ([]string, error) { return nil, nil }

func (r *fakeRunner) calls() (init, plan, apply, destroy int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initCalls, r.planCalls, r.applyCalls, r.destroyCalls
}

// fakeAdapter is a scriptable provider Adapter.
type fakeAdapter struct {
	provider ProviderType

	observed  ObservedState
	rebootErr error

	mu          sync.Mutex
	rebootCalls int
}

func (a *fakeAdapter) Type() ProviderType { return a.provider }

func (a *fakeAdapter) ListRegions(ctx context.Context, creds *Credentials) ([]Region, error) {
	return nil, nil
}
func (a *fakeAdapter) ListSizes(ctx context.Context, creds *Credentials) ([]Size, error) {
	return nil, nil
}
func (a *fakeAdapter) ListImages(ctx context.Context, creds *Credentials) ([]Image, error) {
	return nil, nil
}
func (a *fakeAdapter) ValidateCredentials(ctx context.Context, creds *Credentials) error { return nil }

func (a *fakeAdapter) CreateResource(ctx context.Context, creds *Credentials, machine *Machine, params DeploymentParams) (*ObservedState, error) {
	obs := a.observed
	return &obs, nil
}

func (a *fakeAdapter) DestroyResource(ctx context.Context, creds *Credentials, resourceID string) error {
	return nil
}

func (a *fakeAdapter) RebootResource(ctx context.Context, creds *Credentials, resourceID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rebootCalls++
	return a.rebootErr
}

func (a *fakeAdapter) DescribeResource(ctx context.Context, creds *Credentials, resourceID string) (*ObservedState, error) {
	obs := a.observed
	return &obs, nil
}

func (a *fakeAdapter) TerraformSource(creds *Credentials, machine *Machine, params DeploymentParams) (*WorkspaceSource, error) {
	return &WorkspaceSource{Files: map[string][]byte{"main.tf.json": []byte("{}")}}, nil
}

type staticResolver struct {
	adapter Adapter
}

func (r *staticResolver) Resolve(provider ProviderType) (Adapter, error) {
	if r.adapter != nil && r.adapter.Type() == provider {
		return r.adapter, nil
	}
	return nil, NewUnsupportedProviderError(provider)
}

// staticPolicy approves or withholds every plan.
type staticPolicy struct {
	auto    bool
	reasons []string
}

func (p *staticPolicy) Decide(ctx context.Context, d *Deployment, plan *PlanSummary) (*ApprovalDecision, error) {
	return &ApprovalDecision{AutoApprove: p.auto, Reasons: p.reasons}, nil
}

// harness bundles an orchestrator over in-memory fakes with one seeded
// provider account whose credentials are sealed in the vault.
type harness struct {
	store   *memStore
	runner  *fakeRunner
	adapter *fakeAdapter
	vault   *vault.Vault
	orch    *Orchestrator
	account *ProviderAccount
}

func newHarness(t *testing.T, policy ApprovalPolicy, opts Options) *harness {
	t.Helper()

	v, err := vault.New(bytes.Repeat([]byte{0x2a}, vault.MasterKeySize))
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}

	store := newMemStore()
	runner := &fakeRunner{
		plan:    PlanSummary{ResourcesToAdd: 1},
		outputs: Outputs{ResourceID: "droplet-1", PublicIP: "203.0.113.10", Status: StatusRunning},
	}
	adapter := &fakeAdapter{
		provider: ProviderDigitalOcean,
		observed: ObservedState{ResourceID: "droplet-1", Status: StatusRunning, Found: true},
	}

	account := &ProviderAccount{
		ID:               "acct-1",
		Provider:         ProviderDigitalOcean,
		Label:            "primary",
		CredentialStatus: CredentialValid,
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}
	if err := store.CreateProviderAccount(context.Background(), account); err != nil {
		t.Fatalf("seed account: %v", err)
	}

	creds := &Credentials{
		Provider:     ProviderDigitalOcean,
		DigitalOcean: &DigitalOceanCredentials{Token: "dop_v1_test"},
	}
	raw, err := creds.Marshal()
	if err != nil {
		t.Fatalf("marshal creds: %v", err)
	}
	secret, err := v.Encrypt(raw)
	if err != nil {
		t.Fatalf("encrypt creds: %v", err)
	}
	sealed, err := json.Marshal(secret)
	if err != nil {
		t.Fatalf("marshal secret: %v", err)
	}
	if err := store.PutSecret(context.Background(), account.ID, sealed); err != nil {
		t.Fatalf("store secret: %v", err)
	}

	orch := New(store, runner, &staticResolver{adapter: adapter}, v, policy, zerolog.Nop(), opts)

	return &harness{
		store:   store,
		runner:  runner,
		adapter: adapter,
		vault:   v,
		orch:    orch,
		account: account,
	}
}

func createParams() DeploymentParams {
	return DeploymentParams{
		Name:              "web-1",
		ProviderAccountID: "acct-1",
		Region:            "nyc3",
		Size:              "s-1vcpu-1gb",
		Image:             "ubuntu-24-04-x64",
	}
}

// waitForState polls until the deployment reaches the wanted state.
func (h *harness) waitForState(t *testing.T, deploymentID string, want DeploymentState) *Deployment {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		d, err := h.store.GetDeployment(context.Background(), deploymentID)
		if err != nil {
			t.Fatalf("get deployment: %v", err)
		}
		if d.State == want {
			return d
		}
		if d.State.IsTerminal() && d.State != want {
			t.Fatalf("deployment reached %s (error %q), want %s", d.State, d.Error, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("deployment never reached %s", want)
	return nil
}

// waitForTerminal polls until the deployment reaches any terminal state.
func (h *harness) waitForTerminal(t *testing.T, deploymentID string) *Deployment {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		d, err := h.store.GetDeployment(context.Background(), deploymentID)
		if err != nil {
			t.Fatalf("get deployment: %v", err)
		}
		if d.State.IsTerminal() {
			return d
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("deployment never reached a terminal state")
	return nil
}
