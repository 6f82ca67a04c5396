package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCreateDeploymentSucceeds(t *testing.T) {
	h := newHarness(t, &staticPolicy{auto: true}, Options{})

	d, m, err := h.orch.Submit(context.Background(), DeploymentCreate, "", createParams(), "alice")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if d.State != StateQueued {
		t.Fatalf("submitted state = %s, want %s", d.State, StateQueued)
	}
	if m.ActualStatus != StatusPending {
		t.Fatalf("new machine status = %s, want %s", m.ActualStatus, StatusPending)
	}
	if d.Workspace != "machine-"+m.ID {
		t.Fatalf("workspace = %q, want machine-%s", d.Workspace, m.ID)
	}

	final := h.waitForState(t, d.ID, StateSucceeded)
	if final.Outputs == nil || final.Outputs.ResourceID != "droplet-1" {
		t.Fatalf("outputs = %+v, want resource droplet-1", final.Outputs)
	}
	if final.PlanSummary == nil || final.PlanSummary.ResourcesToAdd != 1 {
		t.Fatalf("plan summary = %+v, want 1 to add", final.PlanSummary)
	}
	if final.FinishedAt == nil {
		t.Fatal("finished_at not set on terminal deployment")
	}

	machine, err := h.store.GetMachine(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("get machine: %v", err)
	}
	if machine.ActualStatus != StatusRunning {
		t.Errorf("machine status = %s, want %s", machine.ActualStatus, StatusRunning)
	}
	if machine.PublicIP != "203.0.113.10" {
		t.Errorf("machine public ip = %q, want 203.0.113.10", machine.PublicIP)
	}
	if machine.ResourceID != "droplet-1" {
		t.Errorf("machine resource id = %q, want droplet-1", machine.ResourceID)
	}
	if machine.TFStateStatus != TFStateInSync {
		t.Errorf("machine tf state = %s, want %s", machine.TFStateStatus, TFStateInSync)
	}

	h.orch.Shutdown()

	if _, held := h.orch.ActiveDeploymentFor(m.ID); held {
		t.Error("machine lock still held after completion")
	}

	logs, err := h.orch.GetLogs(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("GetLogs: %v", err)
	}
	if len(logs) == 0 {
		t.Fatal("no logs recorded for finished deployment")
	}
	for i, entry := range logs {
		if entry.Sequence != i {
			t.Fatalf("log sequence gap at %d: got %d", i, entry.Sequence)
		}
	}
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, &staticPolicy{auto: true}, Options{})

	tests := []struct {
		name      string
		dtype     DeploymentType
		machineID string
		params    DeploymentParams
	}{
		{"create missing fields", DeploymentCreate, "", DeploymentParams{Name: "web-1"}},
		{"destroy without machine", DeploymentDestroy, "", DeploymentParams{}},
		{"restart without service", DeploymentRestartService, "m-1", DeploymentParams{}},
		{"unknown type", DeploymentType("resize"), "m-1", DeploymentParams{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := h.orch.Submit(context.Background(), tt.dtype, tt.machineID, tt.params, "alice")
			if CodeOf(err) != CodeValidation {
				t.Fatalf("error code = %s (%v), want %s", CodeOf(err), err, CodeValidation)
			}
		})
	}
}

func TestSecondDeploymentConflicts(t *testing.T) {
	h := newHarness(t, &staticPolicy{auto: false, reasons: []string{"manual"}}, Options{})

	d, m, err := h.orch.Submit(context.Background(), DeploymentCreate, "", createParams(), "alice")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.waitForState(t, d.ID, StateAwaitingApproval)

	_, _, err = h.orch.Submit(context.Background(), DeploymentReboot, m.ID, DeploymentParams{}, "bob")
	if !IsConflict(err) {
		t.Fatalf("second submit error = %v, want CONFLICT", err)
	}

	if _, err := h.orch.Cancel(context.Background(), d.ID, "alice"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	h.waitForState(t, d.ID, StateCancelled)
	h.orch.Shutdown()

	// The lock is released once the first deployment is terminal.
	d2, _, err := h.orch.Submit(context.Background(), DeploymentReboot, m.ID, DeploymentParams{}, "bob")
	if err != nil {
		t.Fatalf("submit after release: %v", err)
	}
	h.waitForTerminal(t, d2.ID)
	h.orch.Shutdown()
}

func TestConcurrentSubmitsOneWinner(t *testing.T) {
	h := newHarness(t, &staticPolicy{auto: false, reasons: []string{"manual"}}, Options{})

	seed, m, err := h.orch.Submit(context.Background(), DeploymentCreate, "", createParams(), "alice")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.waitForState(t, seed.ID, StateAwaitingApproval)
	if _, err := h.orch.Cancel(context.Background(), seed.ID, "alice"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	h.waitForState(t, seed.ID, StateCancelled)
	h.orch.Shutdown()

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = h.orch.Submit(context.Background(), DeploymentReboot, m.ID, DeploymentParams{}, "bob")
		}(i)
	}
	wg.Wait()

	winners, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			winners++
		case IsConflict(err):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if winners != 1 || conflicts != n-1 {
		t.Fatalf("winners = %d, conflicts = %d, want 1 and %d", winners, conflicts, n-1)
	}
	h.orch.Shutdown()
}

func TestCancelQueuedNeverInvokesTool(t *testing.T) {
	h := newHarness(t, &staticPolicy{auto: true}, Options{})

	// Hold the worker before it reads the machine, so the cancellation
	// lands while the deployment is still queued.
	gate := make(chan struct{})
	h.store.mu.Lock()
	h.store.machineGate = gate
	h.store.mu.Unlock()

	d, _, err := h.orch.Submit(context.Background(), DeploymentCreate, "", createParams(), "alice")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if _, err := h.orch.Cancel(context.Background(), d.ID, "alice"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(gate)

	final := h.waitForTerminal(t, d.ID)
	if final.State != StateCancelled {
		t.Fatalf("final state = %s, want %s", final.State, StateCancelled)
	}

	h.orch.Shutdown()
	init, plan, apply, _ := h.runner.calls()
	if init != 0 || plan != 0 || apply != 0 {
		t.Fatalf("tool invoked for cancelled deployment: init=%d plan=%d apply=%d", init, plan, apply)
	}
}

func TestCancelDuringPlanningSurvivesPlanPersist(t *testing.T) {
	h := newHarness(t, &staticPolicy{auto: true}, Options{})

	// Hold the worker inside the plan, so the cancellation lands between
	// the planning transition and the plan summary write.
	gate := make(chan struct{})
	h.runner.mu.Lock()
	h.runner.planGate = gate
	h.runner.mu.Unlock()

	d, _, err := h.orch.Submit(context.Background(), DeploymentCreate, "", createParams(), "alice")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.waitForState(t, d.ID, StatePlanning)

	if _, err := h.orch.Cancel(context.Background(), d.ID, "alice"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(gate)

	final := h.waitForTerminal(t, d.ID)
	if final.State != StateCancelled {
		t.Fatalf("final state = %s, want %s", final.State, StateCancelled)
	}
	if !final.CancelRequested {
		t.Fatal("cancellation flag lost to the plan summary write")
	}

	h.orch.Shutdown()
	_, _, apply, _ := h.runner.calls()
	if apply != 0 {
		t.Fatal("apply ran after cancellation was requested")
	}
}

func TestFailedApplyKeepsMachineStatus(t *testing.T) {
	h := newHarness(t, &staticPolicy{auto: true}, Options{})
	h.runner.applyErr = NewExecutionError("apply failed", errors.New("exit status 1"), []string{"Error: quota exceeded"})

	d, m, err := h.orch.Submit(context.Background(), DeploymentCreate, "", createParams(), "alice")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := h.waitForTerminal(t, d.ID)
	if final.State != StateFailed {
		t.Fatalf("final state = %s, want %s", final.State, StateFailed)
	}
	if final.Error == "" {
		t.Fatal("failed deployment has no error message")
	}

	machine, err := h.store.GetMachine(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("get machine: %v", err)
	}
	if machine.ActualStatus != StatusPending {
		t.Errorf("machine status advanced to %s on failed apply", machine.ActualStatus)
	}
	if machine.TFStateStatus != TFStateUnknown {
		t.Errorf("machine tf state = %s, want %s", machine.TFStateStatus, TFStateUnknown)
	}
	h.orch.Shutdown()
}

func TestApprovalFlow(t *testing.T) {
	h := newHarness(t, &staticPolicy{auto: false, reasons: []string{"destructive change"}}, Options{})

	d, _, err := h.orch.Submit(context.Background(), DeploymentCreate, "", createParams(), "alice")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Approving before the deployment parks is INVALID_STATE or succeeds
	// depending on timing; wait for the park first.
	h.waitForState(t, d.ID, StateAwaitingApproval)

	if _, err := h.orch.Approve(context.Background(), d.ID, "bob"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	final := h.waitForTerminal(t, d.ID)
	if final.State != StateSucceeded {
		t.Fatalf("final state = %s, want %s", final.State, StateSucceeded)
	}
	h.orch.Shutdown()
}

func TestApproveWrongStateRejected(t *testing.T) {
	h := newHarness(t, &staticPolicy{auto: true}, Options{})

	d, _, err := h.orch.Submit(context.Background(), DeploymentCreate, "", createParams(), "alice")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.waitForState(t, d.ID, StateSucceeded)
	h.orch.Shutdown()

	if _, err := h.orch.Approve(context.Background(), d.ID, "bob"); CodeOf(err) != CodeInvalidState {
		t.Fatalf("approve terminal deployment: %v, want %s", err, CodeInvalidState)
	}
	if _, err := h.orch.Cancel(context.Background(), d.ID, "bob"); CodeOf(err) != CodeInvalidState {
		t.Fatalf("cancel terminal deployment: %v, want %s", err, CodeInvalidState)
	}
}

func TestApprovalTimeout(t *testing.T) {
	h := newHarness(t, &staticPolicy{auto: false, reasons: []string{"manual"}}, Options{
		ApprovalTimeout: 50 * time.Millisecond,
	})

	d, _, err := h.orch.Submit(context.Background(), DeploymentCreate, "", createParams(), "alice")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := h.waitForTerminal(t, d.ID)
	if final.State != StateCancelled {
		t.Fatalf("final state = %s, want %s", final.State, StateCancelled)
	}
	h.orch.Shutdown()

	_, _, apply, _ := h.runner.calls()
	if apply != 0 {
		t.Fatal("apply ran for a deployment that timed out awaiting approval")
	}
}

func TestShutdownUnparksAwaitingApproval(t *testing.T) {
	h := newHarness(t, &staticPolicy{auto: false, reasons: []string{"manual"}}, Options{})

	d, _, err := h.orch.Submit(context.Background(), DeploymentCreate, "", createParams(), "alice")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.waitForState(t, d.ID, StateAwaitingApproval)

	done := make(chan struct{})
	go func() {
		h.orch.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown blocked on a parked approval")
	}

	final := h.waitForTerminal(t, d.ID)
	if final.State != StateCancelled {
		t.Fatalf("final state = %s, want %s", final.State, StateCancelled)
	}
}

func TestDestroyFlow(t *testing.T) {
	h := newHarness(t, &staticPolicy{auto: true}, Options{})

	create, m, err := h.orch.Submit(context.Background(), DeploymentCreate, "", createParams(), "alice")
	if err != nil {
		t.Fatalf("Submit create: %v", err)
	}
	h.waitForState(t, create.ID, StateSucceeded)

	h.runner.mu.Lock()
	h.runner.plan = PlanSummary{ResourcesToDestroy: 1}
	h.runner.mu.Unlock()

	d, _, err := h.orch.Submit(context.Background(), DeploymentDestroy, m.ID, DeploymentParams{}, "alice")
	if err != nil {
		t.Fatalf("Submit destroy: %v", err)
	}
	h.waitForState(t, d.ID, StateSucceeded)
	h.orch.Shutdown()

	_, _, _, destroy := h.runner.calls()
	if destroy != 1 {
		t.Fatalf("destroy calls = %d, want 1", destroy)
	}

	machine, err := h.store.GetMachine(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("get machine: %v", err)
	}
	if machine.DeletedAt == nil {
		t.Error("destroyed machine not soft-deleted")
	}
	if machine.ActualStatus != StatusTerminated {
		t.Errorf("machine status = %s, want %s", machine.ActualStatus, StatusTerminated)
	}

	// A destroyed machine is gone from the default listing but still
	// addressable for its deployment history.
	if _, _, err := h.orch.Submit(context.Background(), DeploymentReboot, m.ID, DeploymentParams{}, "alice"); !IsNotFound(err) {
		t.Fatalf("submit against deleted machine: %v, want NOT_FOUND", err)
	}
}

func TestRebootFlow(t *testing.T) {
	h := newHarness(t, &staticPolicy{auto: true}, Options{})

	create, m, err := h.orch.Submit(context.Background(), DeploymentCreate, "", createParams(), "alice")
	if err != nil {
		t.Fatalf("Submit create: %v", err)
	}
	h.waitForState(t, create.ID, StateSucceeded)

	d, _, err := h.orch.Submit(context.Background(), DeploymentReboot, m.ID, DeploymentParams{}, "alice")
	if err != nil {
		t.Fatalf("Submit reboot: %v", err)
	}
	h.waitForState(t, d.ID, StateSucceeded)
	h.orch.Shutdown()

	h.adapter.mu.Lock()
	reboots := h.adapter.rebootCalls
	h.adapter.mu.Unlock()
	if reboots != 1 {
		t.Fatalf("reboot calls = %d, want 1", reboots)
	}

	// Reboots bypass the declarative tool entirely.
	init, plan, apply, destroy := h.runner.calls()
	if init+plan+apply+destroy != 3 {
		// 3 calls belong to the create deployment (init, plan, apply).
		t.Fatalf("unexpected tool activity during reboot: init=%d plan=%d apply=%d destroy=%d",
			init, plan, apply, destroy)
	}
}

func TestRefreshReportsDrift(t *testing.T) {
	h := newHarness(t, &staticPolicy{auto: false, reasons: []string{"manual"}}, Options{})

	create, m, err := h.orch.Submit(context.Background(), DeploymentCreate, "", createParams(), "alice")
	if err != nil {
		t.Fatalf("Submit create: %v", err)
	}
	h.waitForState(t, create.ID, StateAwaitingApproval)
	if _, err := h.orch.Approve(context.Background(), create.ID, "alice"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	h.waitForState(t, create.ID, StateSucceeded)

	// A pending change in the plan marks the machine drifted; refresh
	// itself never waits for approval.
	h.runner.mu.Lock()
	h.runner.plan = PlanSummary{ResourcesToChange: 1}
	h.runner.mu.Unlock()

	d, _, err := h.orch.Submit(context.Background(), DeploymentRefresh, m.ID, DeploymentParams{}, "alice")
	if err != nil {
		t.Fatalf("Submit refresh: %v", err)
	}
	h.waitForState(t, d.ID, StateSucceeded)
	h.orch.Shutdown()

	machine, err := h.store.GetMachine(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("get machine: %v", err)
	}
	if machine.TFStateStatus != TFStateDrifted {
		t.Fatalf("machine tf state = %s, want %s", machine.TFStateStatus, TFStateDrifted)
	}

	_, _, apply, _ := h.runner.calls()
	if apply != 1 {
		t.Fatalf("apply calls = %d, want only the create's", apply)
	}
}

func TestStartRecoversInterruptedDeployments(t *testing.T) {
	h := newHarness(t, &staticPolicy{auto: true}, Options{})

	// Simulate a deployment left mid-flight by a crashed process.
	now := time.Now().UTC()
	machine := &Machine{
		ID:                "m-crashed",
		Name:              "web-9",
		Provider:          ProviderDigitalOcean,
		ProviderAccountID: "acct-1",
		ActualStatus:      StatusRunning,
		TFStateStatus:     TFStateInSync,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := h.store.CreateMachine(context.Background(), machine); err != nil {
		t.Fatalf("seed machine: %v", err)
	}
	stale := &Deployment{
		ID:        "d-crashed",
		Type:      DeploymentUpdate,
		State:     StateApplying,
		MachineID: machine.ID,
		Workspace: WorkspaceFor(machine.ID),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.CreateDeployment(context.Background(), stale); err != nil {
		t.Fatalf("seed deployment: %v", err)
	}

	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	d, err := h.store.GetDeployment(context.Background(), stale.ID)
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if d.State != StateFailed {
		t.Fatalf("recovered state = %s, want %s", d.State, StateFailed)
	}
	if d.FinishedAt == nil {
		t.Fatal("recovered deployment has no finished_at")
	}

	m, err := h.store.GetMachine(context.Background(), machine.ID)
	if err != nil {
		t.Fatalf("get machine: %v", err)
	}
	if m.TFStateStatus != TFStateUnknown {
		t.Fatalf("machine tf state = %s, want %s", m.TFStateStatus, TFStateUnknown)
	}
}

func TestSubscribeLogsReplaysThenFollows(t *testing.T) {
	h := newHarness(t, &staticPolicy{auto: false, reasons: []string{"manual"}}, Options{})

	d, _, err := h.orch.Submit(context.Background(), DeploymentCreate, "", createParams(), "alice")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.waitForState(t, d.ID, StateAwaitingApproval)

	ch, cancel, err := h.orch.SubscribeLogs(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("SubscribeLogs: %v", err)
	}
	defer cancel()

	if _, err := h.orch.Approve(context.Background(), d.ID, "bob"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	h.waitForState(t, d.ID, StateSucceeded)
	h.orch.Shutdown()

	var seqs []int
	for entry := range ch {
		seqs = append(seqs, entry.Sequence)
	}
	if len(seqs) == 0 {
		t.Fatal("subscriber received no log lines")
	}
	for i, seq := range seqs {
		if seq != i {
			t.Fatalf("sequence gap or duplicate at %d: got %d", i, seq)
		}
	}

	// Terminal deployments replay the persisted log and close.
	replay, cancel2, err := h.orch.SubscribeLogs(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("SubscribeLogs terminal: %v", err)
	}
	defer cancel2()
	count := 0
	for range replay {
		count++
	}
	if count != len(seqs) {
		t.Fatalf("terminal replay = %d lines, live subscriber saw %d", count, len(seqs))
	}
}
