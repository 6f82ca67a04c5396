package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/machinist/machinist/pkg/vault"
)

// errCancelled aborts the pipeline when cancellation was requested.
var errCancelled = errors.New("deployment cancelled")

// run is the worker for one deployment. It owns the machine lock from
// start to finish and is the only writer of the deployment's state.
func (o *Orchestrator) run(deploymentID string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o.mu.Lock()
	o.cancels[deploymentID] = cancel
	hub := o.hubs[deploymentID]
	approvalCh := o.approvals[deploymentID]
	o.mu.Unlock()

	d, err := o.store.GetDeployment(context.Background(), deploymentID)
	if err != nil {
		o.logger.Error().Err(err).Str("deployment_id", deploymentID).Msg("worker failed to load deployment")
		return
	}

	sink := func(level LogLevel, source, message string) {
		entry := hub.Append(level, source, message)
		if err := o.store.AppendDeploymentLog(context.Background(), deploymentID, &entry); err != nil {
			o.logger.Error().Err(err).Str("deployment_id", deploymentID).Msg("failed to persist log line")
		}
	}

	started := time.Now()
	execErr := o.execute(ctx, d, sink, approvalCh)
	o.finalize(d, execErr, sink, started)
}

// execute runs the pipeline for the deployment's type. On success it has
// already performed the succeeded transition and the machine updates; any
// returned error is finalized by the caller.
func (o *Orchestrator) execute(ctx context.Context, d *Deployment, sink LogSink, approvalCh chan bool) error {
	switch d.Type {
	case DeploymentCreate, DeploymentUpdate:
		return o.runTerraformChange(ctx, d, false, sink, approvalCh)
	case DeploymentDestroy:
		return o.runTerraformChange(ctx, d, true, sink, approvalCh)
	case DeploymentRefresh:
		return o.runRefresh(ctx, d, sink)
	case DeploymentReboot:
		return o.runReboot(ctx, d, sink, approvalCh)
	case DeploymentRestartService:
		return o.runRestartService(ctx, d, sink, approvalCh)
	default:
		return NewValidationError(fmt.Sprintf("unknown deployment type %q", d.Type))
	}
}

// runTerraformChange is the create/update/destroy pipeline through the
// execution wrapper.
func (o *Orchestrator) runTerraformChange(ctx context.Context, d *Deployment, destroy bool, sink LogSink, approvalCh chan bool) error {
	machine, err := o.store.GetMachine(ctx, d.MachineID)
	if err != nil {
		return NewNotFoundError("machine", d.MachineID)
	}

	creds, err := o.CredentialsFor(ctx, machine.ProviderAccountID)
	if err != nil {
		return err
	}

	adapter, err := o.adapters.Resolve(machine.Provider)
	if err != nil {
		return err
	}

	if err := o.transition(ctx, d, StatePlanning); err != nil {
		return err
	}
	sink(LogLevelInfo, "orchestrator", fmt.Sprintf("planning %s for machine %s", d.Type, machine.Name))

	source, err := adapter.TerraformSource(creds, machine, d.Params)
	if err != nil {
		return err
	}

	// Workspace scratch is released no matter how the run ends.
	defer func() {
		if err := o.runner.Cleanup(d.Workspace); err != nil {
			o.logger.Error().Err(err).Str("workspace", d.Workspace).Msg("workspace cleanup failed")
		}
	}()

	if err := o.runner.Init(ctx, d.Workspace, source); err != nil {
		return o.mapCtxErr(ctx, err)
	}

	summary, raw, err := o.runner.Plan(ctx, d.Workspace, destroy, sink)
	if err != nil {
		return o.mapCtxErr(ctx, err)
	}

	d.PlanSummary = summary
	d.PlanRaw = raw
	d.UpdatedAt = time.Now().UTC()
	if err := o.persistDeployment(ctx, d); err != nil {
		return NewInternalError("failed to persist plan summary", err)
	}
	sink(LogLevelInfo, "orchestrator", fmt.Sprintf(
		"plan: %d to add, %d to change, %d to destroy",
		summary.ResourcesToAdd, summary.ResourcesToChange, summary.ResourcesToDestroy))

	if err := o.awaitApproval(ctx, d, summary, sink, approvalCh); err != nil {
		return err
	}

	if err := o.transition(ctx, d, StateApplying); err != nil {
		return err
	}

	if destroy {
		if err := o.runner.Destroy(ctx, d.Workspace, sink); err != nil {
			return o.mapCtxErr(ctx, err)
		}

		if err := o.transition(ctx, d, StateSucceeded); err != nil {
			return err
		}

		now := time.Now().UTC()
		machine.ActualStatus = StatusTerminated
		machine.DesiredStatus = StatusTerminated
		machine.TFStateStatus = TFStateInSync
		machine.UpdatedAt = now
		if err := o.store.UpdateMachine(ctx, machine); err != nil {
			return NewInternalError("failed to update machine after destroy", err)
		}
		if err := o.store.SoftDeleteMachine(ctx, machine.ID, now); err != nil {
			return NewInternalError("failed to soft-delete machine", err)
		}
		sink(LogLevelInfo, "orchestrator", "machine destroyed")
		return nil
	}

	outputs, err := o.runner.Apply(ctx, d.Workspace, sink)
	if err != nil {
		// The machine's actual_status is deliberately not touched here:
		// the real resource state is unknown until reconciliation
		// re-observes it.
		o.markStateUnknown(machine)
		return o.mapCtxErr(ctx, err)
	}

	d.Outputs = outputs

	machine.ResourceID = outputs.ResourceID
	machine.PublicIP = outputs.PublicIP
	machine.PrivateIP = outputs.PrivateIP
	if outputs.Region != "" {
		machine.Region = outputs.Region
	}
	if outputs.Size != "" {
		machine.Size = outputs.Size
	}
	if outputs.Status != "" {
		machine.ActualStatus = outputs.Status
	} else {
		machine.ActualStatus = StatusRunning
	}

	if d.Params.BootstrapScript != "" {
		o.runBootstrap(ctx, machine, d.Params.BootstrapScript, sink)
	}

	if err := o.transition(ctx, d, StateSucceeded); err != nil {
		return err
	}

	machine.TFStateStatus = TFStateInSync
	machine.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateMachine(ctx, machine); err != nil {
		return NewInternalError("failed to update machine after apply", err)
	}

	sink(LogLevelInfo, "orchestrator", fmt.Sprintf("apply complete, machine %s is %s", machine.Name, machine.ActualStatus))
	return nil
}

// runRefresh is a plan-only pass that records convergence without applying.
func (o *Orchestrator) runRefresh(ctx context.Context, d *Deployment, sink LogSink) error {
	machine, err := o.store.GetMachine(ctx, d.MachineID)
	if err != nil {
		return NewNotFoundError("machine", d.MachineID)
	}

	creds, err := o.CredentialsFor(ctx, machine.ProviderAccountID)
	if err != nil {
		return err
	}
	adapter, err := o.adapters.Resolve(machine.Provider)
	if err != nil {
		return err
	}

	if err := o.transition(ctx, d, StatePlanning); err != nil {
		return err
	}

	source, err := adapter.TerraformSource(creds, machine, d.Params)
	if err != nil {
		return err
	}

	defer func() {
		if err := o.runner.Cleanup(d.Workspace); err != nil {
			o.logger.Error().Err(err).Str("workspace", d.Workspace).Msg("workspace cleanup failed")
		}
	}()

	if err := o.runner.Init(ctx, d.Workspace, source); err != nil {
		return o.mapCtxErr(ctx, err)
	}

	summary, raw, err := o.runner.Plan(ctx, d.Workspace, false, sink)
	if err != nil {
		return o.mapCtxErr(ctx, err)
	}

	d.PlanSummary = summary
	d.PlanRaw = raw
	d.UpdatedAt = time.Now().UTC()
	if err := o.persistDeployment(ctx, d); err != nil {
		return NewInternalError("failed to persist plan summary", err)
	}

	// Refresh never applies; it only reports convergence.
	if err := o.transition(ctx, d, StateApplying); err != nil {
		return err
	}
	if err := o.transition(ctx, d, StateSucceeded); err != nil {
		return err
	}

	if summary.Total() == 0 {
		machine.TFStateStatus = TFStateInSync
	} else {
		machine.TFStateStatus = TFStateDrifted
	}
	machine.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateMachine(ctx, machine); err != nil {
		return NewInternalError("failed to update machine after refresh", err)
	}

	sink(LogLevelInfo, "orchestrator", fmt.Sprintf("refresh complete, state is %s", machine.TFStateStatus))
	return nil
}

// runReboot power-cycles the machine through the provider API. Reboots do
// not go through the declarative tool.
func (o *Orchestrator) runReboot(ctx context.Context, d *Deployment, sink LogSink, approvalCh chan bool) error {
	machine, err := o.store.GetMachine(ctx, d.MachineID)
	if err != nil {
		return NewNotFoundError("machine", d.MachineID)
	}
	if machine.ResourceID == "" {
		return NewInvalidStateError("machine has no provider resource to reboot")
	}

	creds, err := o.CredentialsFor(ctx, machine.ProviderAccountID)
	if err != nil {
		return err
	}
	adapter, err := o.adapters.Resolve(machine.Provider)
	if err != nil {
		return err
	}

	if err := o.transition(ctx, d, StatePlanning); err != nil {
		return err
	}

	// A reboot changes no managed resources; the empty summary lets the
	// default policy auto-approve it.
	summary := &PlanSummary{}
	d.PlanSummary = summary
	d.UpdatedAt = time.Now().UTC()
	if err := o.persistDeployment(ctx, d); err != nil {
		return NewInternalError("failed to persist plan summary", err)
	}

	if err := o.awaitApproval(ctx, d, summary, sink, approvalCh); err != nil {
		return err
	}
	if err := o.transition(ctx, d, StateApplying); err != nil {
		return err
	}

	sink(LogLevelInfo, "provider", fmt.Sprintf("rebooting %s", machine.ResourceID))
	if err := adapter.RebootResource(ctx, creds, machine.ResourceID); err != nil {
		return err
	}

	observed, err := adapter.DescribeResource(ctx, creds, machine.ResourceID)
	if err != nil {
		return err
	}

	if err := o.transition(ctx, d, StateSucceeded); err != nil {
		return err
	}

	machine.ActualStatus = observed.Status
	machine.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateMachine(ctx, machine); err != nil {
		return NewInternalError("failed to update machine after reboot", err)
	}

	d.Outputs = &Outputs{ResourceID: machine.ResourceID, Status: observed.Status}
	sink(LogLevelInfo, "orchestrator", fmt.Sprintf("reboot issued, machine is %s", observed.Status))
	return nil
}

// runRestartService restarts a unit in the guest over SSH. This path is
// agent-mediated and never touches the declarative tool or the provider
// control plane.
func (o *Orchestrator) runRestartService(ctx context.Context, d *Deployment, sink LogSink, approvalCh chan bool) error {
	if o.agent == nil {
		return NewInvalidStateError("no service agent is configured")
	}

	machine, err := o.store.GetMachine(ctx, d.MachineID)
	if err != nil {
		return NewNotFoundError("machine", d.MachineID)
	}
	if machine.PublicIP == "" {
		return NewInvalidStateError("machine has no reachable address")
	}
	if machine.SSHKeyID == "" {
		return NewInvalidStateError("machine has no deploy key")
	}

	target, err := o.agentTargetFor(ctx, machine)
	if err != nil {
		return err
	}

	if err := o.transition(ctx, d, StatePlanning); err != nil {
		return err
	}
	summary := &PlanSummary{}
	d.PlanSummary = summary
	d.UpdatedAt = time.Now().UTC()
	if err := o.persistDeployment(ctx, d); err != nil {
		return NewInternalError("failed to persist plan summary", err)
	}

	if err := o.awaitApproval(ctx, d, summary, sink, approvalCh); err != nil {
		return err
	}
	if err := o.transition(ctx, d, StateApplying); err != nil {
		return err
	}

	if err := o.agent.RestartService(ctx, target, d.Params.Service, sink); err != nil {
		return err
	}

	if err := o.transition(ctx, d, StateSucceeded); err != nil {
		return err
	}
	sink(LogLevelInfo, "agent", fmt.Sprintf("service %s restarted", d.Params.Service))
	return nil
}

// awaitApproval applies the approval policy and, when the plan does not
// auto-approve, parks the deployment in awaiting_approval until an
// operator decides or the timeout lapses.
func (o *Orchestrator) awaitApproval(ctx context.Context, d *Deployment, summary *PlanSummary, sink LogSink, approvalCh chan bool) error {
	decision, err := o.policy.Decide(ctx, d, summary)
	if err != nil {
		return NewInternalError("approval policy evaluation failed", err)
	}

	if decision.AutoApprove {
		sink(LogLevelInfo, "orchestrator", "plan auto-approved by policy")
		return nil
	}

	if err := o.transition(ctx, d, StateAwaitingApproval); err != nil {
		return err
	}
	for _, reason := range decision.Reasons {
		sink(LogLevelInfo, "orchestrator", "approval required: "+reason)
	}

	select {
	case approved := <-approvalCh:
		if !approved {
			return errCancelled
		}
		sink(LogLevelInfo, "orchestrator", "plan approved")
		return nil
	case <-time.After(o.approvalTimeout):
		sink(LogLevelWarn, "orchestrator", "approval timed out")
		return errCancelled
	case <-o.shutdownCh:
		sink(LogLevelWarn, "orchestrator", "orchestrator shutting down before approval")
		return errCancelled
	case <-ctx.Done():
		return errCancelled
	}
}

// persistDeployment writes the worker's working copy under the state
// lock, merging in a cancellation recorded since the copy was loaded. A
// stale copy must never overwrite the flag: the next transition is what
// enforces it.
func (o *Orchestrator) persistDeployment(ctx context.Context, d *Deployment) error {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()

	current, err := o.store.GetDeployment(ctx, d.ID)
	if err != nil {
		return err
	}
	if current.CancelRequested {
		d.CancelRequested = true
	}
	return o.store.UpdateDeployment(ctx, d)
}

// transition moves the deployment to the next state and persists it before
// any side effect of that state becomes observable. A pending cancellation
// blocks every transition except the terminal failed/cancelled ones.
func (o *Orchestrator) transition(ctx context.Context, d *Deployment, to DeploymentState) error {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()

	current, err := o.store.GetDeployment(ctx, d.ID)
	if err != nil {
		return NewInternalError("failed to load deployment", err)
	}
	d.CancelRequested = current.CancelRequested

	if d.CancelRequested && to != StateFailed && to != StateCancelled {
		return errCancelled
	}

	from := current.State
	d.State = to
	d.UpdatedAt = time.Now().UTC()
	if to.IsTerminal() {
		now := d.UpdatedAt
		d.FinishedAt = &now
	}

	if err := o.store.UpdateDeployment(ctx, d); err != nil {
		return NewInternalError("failed to persist state transition", err)
	}

	if o.metrics != nil {
		o.metrics.RecordStateTransition(string(from), string(to))
	}
	o.logger.Debug().
		Str("deployment_id", d.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("state transition")

	return nil
}

// finalize records the terminal state, releases the machine lock, closes
// the log stream, and emits completion telemetry.
func (o *Orchestrator) finalize(d *Deployment, execErr error, sink LogSink, started time.Time) {
	ctx := context.Background()

	if execErr != nil {
		final := StateFailed
		if errors.Is(execErr, errCancelled) || errors.Is(execErr, context.Canceled) {
			final = StateCancelled
		}

		if final == StateFailed {
			d.Error = execErr.Error()
			sink(LogLevelError, "orchestrator", execErr.Error())
			if o.metrics != nil {
				o.metrics.RecordError(CodeOf(execErr))
			}
		} else {
			sink(LogLevelInfo, "orchestrator", "deployment cancelled")
		}

		if err := o.transition(ctx, d, final); err != nil {
			o.logger.Error().Err(err).Str("deployment_id", d.ID).Msg("failed to persist terminal state")
		}
	}

	o.mu.Lock()
	hub := o.hubs[d.ID]
	delete(o.hubs, d.ID)
	delete(o.approvals, d.ID)
	delete(o.cancels, d.ID)
	o.mu.Unlock()

	if hub != nil {
		hub.Close()
	}

	o.locks.Release(d.MachineID, d.ID)

	if o.metrics != nil {
		o.metrics.RecordDeploymentCompleted(string(d.Type), string(d.State), time.Since(started))
	}

	o.audit(ctx, "deployment.finished", "orchestrator", d.ID, map[string]interface{}{
		"state": string(d.State),
		"type":  string(d.Type),
	})

	o.logger.Info().
		Str("deployment_id", d.ID).
		Str("machine_id", d.MachineID).
		Str("state", string(d.State)).
		Dur("duration", time.Since(started)).
		Msg("deployment finished")
}

// markStateUnknown flags the machine for re-verification after a failed
// apply without advancing its observed status.
func (o *Orchestrator) markStateUnknown(machine *Machine) {
	machine.TFStateStatus = TFStateUnknown
	machine.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateMachine(context.Background(), machine); err != nil {
		o.logger.Error().Err(err).Str("machine_id", machine.ID).Msg("failed to mark machine state unknown")
	}
}

// mapCtxErr converts context cancellation into the cancelled outcome so
// the advisory cancel path finalizes correctly once the process exits.
func (o *Orchestrator) mapCtxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errCancelled
	}
	return err
}

// CredentialsFor loads and unseals the credential payload of a provider
// account. A decryption failure is fatal to the calling operation.
func (o *Orchestrator) CredentialsFor(ctx context.Context, accountID string) (*Credentials, error) {
	sealed, err := o.store.GetSecret(ctx, accountID)
	if err != nil {
		return nil, NewNotFoundError("credentials for account", accountID)
	}

	var secret vault.EncryptedSecret
	if err := json.Unmarshal(sealed, &secret); err != nil {
		return nil, NewDecryptionError(err)
	}

	plaintext, err := o.vault.Decrypt(&secret)
	if err != nil {
		return nil, NewDecryptionError(err)
	}

	creds, err := UnmarshalCredentials(plaintext)
	if err != nil {
		return nil, NewDecryptionError(err)
	}
	return creds, nil
}

// runBootstrap executes the post-create bootstrap script, best effort: a
// bootstrap failure is logged but does not fail the deployment, because
// the infrastructure change itself has already converged.
func (o *Orchestrator) runBootstrap(ctx context.Context, machine *Machine, script string, sink LogSink) {
	if o.agent == nil {
		sink(LogLevelWarn, "agent", "bootstrap script skipped: no service agent configured")
		return
	}

	target, err := o.agentTargetFor(ctx, machine)
	if err != nil {
		sink(LogLevelWarn, "agent", "bootstrap script skipped: "+err.Error())
		return
	}
	if target.Host == "" {
		sink(LogLevelWarn, "agent", "bootstrap script skipped: machine has no address")
		return
	}

	if err := o.agent.RunBootstrap(ctx, target, script, sink); err != nil {
		sink(LogLevelWarn, "agent", "bootstrap script failed: "+err.Error())
	}
}

func (o *Orchestrator) agentTargetFor(ctx context.Context, machine *Machine) (AgentTarget, error) {
	if machine.SSHKeyID == "" {
		return AgentTarget{}, NewInvalidStateError("machine has no deploy key")
	}

	sealed, err := o.store.GetSecret(ctx, machine.SSHKeyID)
	if err != nil {
		return AgentTarget{}, NewNotFoundError("deploy key", machine.SSHKeyID)
	}

	var secret vault.EncryptedSecret
	if err := json.Unmarshal(sealed, &secret); err != nil {
		return AgentTarget{}, NewDecryptionError(err)
	}
	key, err := o.vault.Decrypt(&secret)
	if err != nil {
		return AgentTarget{}, NewDecryptionError(err)
	}

	return AgentTarget{
		Host:       machine.PublicIP,
		User:       "root",
		PrivateKey: key,
	}, nil
}
