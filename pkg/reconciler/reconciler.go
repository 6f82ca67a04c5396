// Package reconciler keeps recorded machine state aligned with what the
// providers actually report. It runs periodic sweeps and serves on-demand
// sync requests; every sweep is idempotent, so a sweep over an already
// converged fleet changes nothing.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/machinist/machinist/pkg/engine"
)

// CredentialSource unseals the credentials for a provider account. The
// orchestrator satisfies this.
type CredentialSource interface {
	CredentialsFor(ctx context.Context, accountID string) (*engine.Credentials, error)
}

// ActivityChecker reports whether a machine has a deployment in flight.
// The orchestrator satisfies this.
type ActivityChecker interface {
	ActiveDeploymentFor(machineID string) (string, bool)
}

// MetricsRecorder receives reconciler metrics. A nil recorder disables
// metrics collection.
type MetricsRecorder interface {
	RecordReconcileRun(status string, duration time.Duration)
	SetMachinesDrifted(count int)
	RecordProviderError(provider, operation string)
}

// Config holds the reconciler settings.
type Config struct {
	// Interval between periodic sweeps. Zero disables the periodic loop;
	// on-demand syncs still work.
	Interval time.Duration `yaml:"interval"`
}

// UnmarshalYAML accepts Go duration strings for interval; yaml.v3 does not
// decode them into time.Duration natively.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	raw := struct {
		Interval string `yaml:"interval"`
	}{
		Interval: c.Interval.String(),
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	interval, err := time.ParseDuration(raw.Interval)
	if err != nil {
		return fmt.Errorf("invalid interval: %w", err)
	}
	c.Interval = interval
	return nil
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{Interval: 5 * time.Minute}
}

// Reconciler compares every machine's recorded state against the
// provider's observed state and updates the record to match.
type Reconciler struct {
	store    engine.Store
	adapters engine.AdapterResolver
	creds    CredentialSource
	activity ActivityChecker
	metrics  MetricsRecorder
	interval time.Duration
	logger   zerolog.Logger

	// sweepMu serializes sweeps: a periodic sweep and an on-demand sync
	// never observe the fleet concurrently.
	sweepMu sync.Mutex
}

// Options configures a Reconciler.
type Options struct {
	Store    engine.Store
	Adapters engine.AdapterResolver
	Creds    CredentialSource
	Activity ActivityChecker
	Metrics  MetricsRecorder
	Config   Config
	Logger   zerolog.Logger
}

// New creates a Reconciler. It does not start the periodic loop; call Run.
func New(opts Options) *Reconciler {
	return &Reconciler{
		store:    opts.Store,
		adapters: opts.Adapters,
		creds:    opts.Creds,
		activity: opts.Activity,
		metrics:  opts.Metrics,
		interval: opts.Config.Interval,
		logger:   opts.Logger.With().Str("component", "reconciler").Logger(),
	}
}

// Run executes periodic sweeps until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	if r.interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sync(ctx); err != nil {
				r.logger.Error().Err(err).Msg("periodic sync failed")
			}
		}
	}
}

// Sync performs one reconciliation sweep over all live machines and
// returns the per-machine outcomes. Machines with a deployment in flight
// are skipped; a deployment's terminal write is authoritative and must
// not race with an observation taken mid-change.
func (r *Reconciler) Sync(ctx context.Context) (*engine.SyncSummary, error) {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	started := time.Now()

	machines, err := r.store.ListMachines(ctx, false)
	if err != nil {
		r.recordRun("error", started)
		return nil, err
	}

	summary := &engine.SyncSummary{Results: make([]engine.SyncResult, 0, len(machines))}
	drifted := 0

	for _, m := range machines {
		select {
		case <-ctx.Done():
			r.recordRun("cancelled", started)
			return summary, ctx.Err()
		default:
		}

		result, err := r.syncMachine(ctx, m)
		if err != nil {
			r.logger.Warn().Err(err).
				Str("machine_id", m.ID).
				Str("provider", string(m.Provider)).
				Msg("machine sync failed")
			continue
		}
		if result.Action != engine.SyncSkippedActiveDeploy {
			summary.Synced++
		}
		summary.Results = append(summary.Results, *result)
		if m.TFStateStatus == engine.TFStateDrifted {
			drifted++
		}
	}

	if r.metrics != nil {
		r.metrics.SetMachinesDrifted(drifted)
	}
	r.recordRun("ok", started)

	r.auditSweep(ctx, summary)
	r.logger.Info().
		Int("machines", len(machines)).
		Int("synced", summary.Synced).
		Int("drifted", drifted).
		Dur("took", time.Since(started)).
		Msg("sync complete")
	return summary, nil
}

// syncMachine reconciles a single machine. The returned result carries the
// machine's status before and after the observation was applied.
func (r *Reconciler) syncMachine(ctx context.Context, m *engine.Machine) (*engine.SyncResult, error) {
	result := &engine.SyncResult{
		MachineID:      m.ID,
		PreviousStatus: m.ActualStatus,
		NewStatus:      m.ActualStatus,
		Action:         engine.SyncNoChange,
	}

	if deploymentID, active := r.activity.ActiveDeploymentFor(m.ID); active {
		r.logger.Debug().
			Str("machine_id", m.ID).
			Str("deployment_id", deploymentID).
			Msg("skipping machine with active deployment")
		result.Action = engine.SyncSkippedActiveDeploy
		return result, nil
	}

	// Never provisioned, nothing to observe.
	if m.ResourceID == "" {
		return result, nil
	}

	adapter, err := r.adapters.Resolve(m.Provider)
	if err != nil {
		return nil, err
	}
	creds, err := r.creds.CredentialsFor(ctx, m.ProviderAccountID)
	if err != nil {
		return nil, err
	}

	observed, err := adapter.DescribeResource(ctx, creds, m.ResourceID)
	if err != nil {
		if r.metrics != nil {
			r.metrics.RecordProviderError(string(m.Provider), "describe")
		}
		return nil, err
	}

	changed := r.applyObservation(m, observed)
	result.NewStatus = m.ActualStatus
	if !changed {
		return result, nil
	}

	m.UpdatedAt = time.Now().UTC()
	if err := r.store.UpdateMachine(ctx, m); err != nil {
		return nil, err
	}
	result.Action = engine.SyncUpdated
	return result, nil
}

// applyObservation folds the provider's view into the machine record and
// reports whether anything changed.
func (r *Reconciler) applyObservation(m *engine.Machine, observed *engine.ObservedState) bool {
	changed := false

	if !observed.Found {
		// The provider no longer knows the resource. The record keeps the
		// resource id so a destroy deployment can still clean up state.
		if m.ActualStatus != engine.StatusTerminated {
			m.ActualStatus = engine.StatusTerminated
			changed = true
		}
		if m.TFStateStatus != engine.TFStateDrifted {
			m.TFStateStatus = engine.TFStateDrifted
			changed = true
		}
		return changed
	}

	if m.ActualStatus != observed.Status {
		m.ActualStatus = observed.Status
		changed = true
	}
	if observed.PublicIP != "" && m.PublicIP != observed.PublicIP {
		m.PublicIP = observed.PublicIP
		changed = true
	}
	if observed.PrivateIP != "" && m.PrivateIP != observed.PrivateIP {
		m.PrivateIP = observed.PrivateIP
		changed = true
	}
	if observed.Region != "" && m.Region != observed.Region {
		m.Region = observed.Region
		changed = true
	}
	if observed.Size != "" && m.Size != observed.Size {
		m.Size = observed.Size
		changed = true
	}

	next := m.TFStateStatus
	if observed.Status == m.DesiredStatus {
		next = engine.TFStateInSync
	} else {
		next = engine.TFStateDrifted
	}
	if m.TFStateStatus != next {
		m.TFStateStatus = next
		changed = true
	}
	return changed
}

func (r *Reconciler) recordRun(status string, started time.Time) {
	if r.metrics != nil {
		r.metrics.RecordReconcileRun(status, time.Since(started))
	}
}

func (r *Reconciler) auditSweep(ctx context.Context, summary *engine.SyncSummary) {
	updated := 0
	for _, res := range summary.Results {
		if res.Action == engine.SyncUpdated {
			updated++
		}
	}
	if updated == 0 {
		return
	}
	entry := &engine.AuditEntry{
		Action:    "machines.synced",
		Actor:     "reconciler",
		Details:   fmt.Sprintf("synced=%d updated=%d", summary.Synced, updated),
		Timestamp: time.Now().UTC(),
	}
	if err := r.store.AppendAudit(ctx, entry); err != nil {
		r.logger.Warn().Err(err).Msg("failed to append audit entry")
	}
}
