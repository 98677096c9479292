package engine

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"
)

type orchestratorFixture struct {
	log      *callLog
	backends *Backends
	store    *fakeStore
	locker   *fakeLocker
	scanner  *fakeScanner
	recorder *fakeRecorder
	policy   *fakePolicy
	orch     *Orchestrator
	desired  *Desired
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()
	f := &orchestratorFixture{
		log:      newCallLog(),
		store:    &fakeStore{},
		locker:   &fakeLocker{},
		scanner:  &fakeScanner{reality: NewReality()},
		recorder: &fakeRecorder{},
		policy:   &fakePolicy{},
		desired:  resolveHomelab(t),
	}
	f.backends = newFakeBackends(f.log)
	f.orch = NewOrchestrator(OrchestratorConfig{
		Backends: f.backends,
		Store:    f.store,
		Locker:   f.locker,
		Scanner:  f.scanner,
		Recorder: f.recorder,
		Policy:   f.policy,
	})
	return f
}

func (f *orchestratorFixture) plan(t *testing.T, reality *Reality) *Plan {
	t.Helper()
	plan, err := NewPlanner(nil).Plan(context.Background(), f.desired, reality)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	return plan
}

func (f *orchestratorFixture) options() ApplyOptions {
	opts := DefaultApplyOptions()
	opts.Desired = f.desired
	opts.Fingerprint = "sha256:test"
	return opts
}

func resultFor(t *testing.T, result *ApplyResult, actionID string) ActionResult {
	t.Helper()
	for _, r := range result.Results {
		if r.ActionID == actionID {
			return r
		}
	}
	t.Fatalf("No result for %s", actionID)
	return ActionResult{}
}

func TestOrchestrator_Apply_FreshHost(t *testing.T) {
	f := newOrchestratorFixture(t)
	plan := f.plan(t, emptyHost("tank"))

	result, err := f.orch.Apply(context.Background(), plan, nil, f.options())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if result.Status != RunStatusCompleted {
		t.Errorf("Expected completed, got %s", result.Status)
	}
	if result.Succeeded != len(plan.Actions) || result.Failed != 0 || result.Skipped != 0 {
		t.Errorf("Unexpected tally: %+v", result)
	}
	if code := ExitCode(result, err); code != 0 {
		t.Errorf("Expected exit code 0, got %d", code)
	}

	// Tiers are barriers: every dataset call precedes every container call, and so on.
	calls := f.log.snapshot()
	tierOf := func(call string) int {
		switch {
		case strings.HasPrefix(call, "zfs"):
			return 1
		case strings.HasPrefix(call, "pct mount"):
			return 3
		case strings.HasPrefix(call, "pct"):
			return 2
		default:
			return 4
		}
	}
	for i := 1; i < len(calls); i++ {
		if tierOf(calls[i-1]) > tierOf(calls[i]) {
			t.Errorf("Call %q ran after %q", calls[i], calls[i-1])
		}
	}
	if n := len(calls); n != 13 {
		t.Errorf("Expected 13 backend calls (containers create and start), got %d: %v", n, calls)
	}

	// Parent datasets are created before children.
	parent := slices.Index(calls, "zfs create tank/media/movies")
	child := slices.Index(calls, "zfs create tank/media/movies/4k")
	if parent < 0 || child < 0 || parent > child {
		t.Errorf("Expected parent before child, got %v", calls)
	}

	if len(f.store.saved) != 1 || f.store.saved[0].Fingerprint != "sha256:test" {
		t.Errorf("Expected one saved snapshot with fingerprint, got %+v", f.store.saved)
	}
	if f.locker.released != 1 {
		t.Errorf("Expected lock released once, got %d", f.locker.released)
	}
	if len(f.store.checkpoints) != 0 {
		t.Errorf("Small plan without recreate should not checkpoint, got %d", len(f.store.checkpoints))
	}
	if len(f.recorder.started) != 1 || len(f.recorder.finished) != 1 || len(f.recorder.actions) != len(plan.Actions) {
		t.Errorf("Unexpected history: %d started, %d finished, %d actions",
			len(f.recorder.started), len(f.recorder.finished), len(f.recorder.actions))
	}
}

func TestOrchestrator_Apply_FailureIsolation(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.log.fail["pct create 101"] = errors.New("template not found")
	plan := f.plan(t, emptyHost("tank"))

	result, err := f.orch.Apply(context.Background(), plan, nil, f.options())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if result.Status != RunStatusCompletedWithErrors {
		t.Errorf("Expected completed_with_errors, got %s", result.Status)
	}

	failed := resultFor(t, result, "container:create:101")
	if failed.Status != ActionStatusFailed || failed.Error == nil {
		t.Fatalf("Expected container 101 to fail, got %+v", failed)
	}
	if failed.Error.Code != ErrCodeActionFailed || !strings.Contains(failed.Error.Error(), "template not found") {
		t.Errorf("Unexpected action error: %v", failed.Error)
	}

	skipped := resultFor(t, result, "mount:attach:101:/media")
	if skipped.Status != ActionStatusSkipped || skipped.BlockedBy != "container:create:101" {
		t.Errorf("Expected mount skipped behind the failed container, got %+v", skipped)
	}

	// Independent actions still run.
	for _, id := range []string{"container:create:102", "mount:attach:102:/tv", "share:create:smb:Media"} {
		if r := resultFor(t, result, id); r.Status != ActionStatusSucceeded {
			t.Errorf("Expected %s to succeed, got %s", id, r.Status)
		}
	}
	if slices.Contains(f.log.snapshot(), "pct start 101") {
		t.Error("Start must not run after a failed create")
	}

	if result.Failed != 1 || result.Skipped != 1 || len(result.Errors) != 1 {
		t.Errorf("Unexpected tally: failed=%d skipped=%d errors=%d", result.Failed, result.Skipped, len(result.Errors))
	}
	if len(f.store.saved) != 1 {
		t.Error("Partially failed runs still persist the post-apply scan")
	}
	if code := ExitCode(result, err); code != 1 {
		t.Errorf("Expected exit code 1, got %d", code)
	}
}

func dangerousDrift() *DriftReport {
	return &DriftReport{Items: []DriftItem{
		{Key: "container:101:template", Resource: ResourceRef{Type: ResourceContainer, ID: "101"},
			Attribute: FieldTemplate, Change: DriftModified, Safety: DriftDangerous},
		{Key: "container:102:resources.memory", Resource: ResourceRef{Type: ResourceContainer, ID: "102"},
			Attribute: FieldMemory, Change: DriftModified, Expected: 1024, Observed: 4096, Safety: DriftSafe},
	}}
}

func TestOrchestrator_Apply_DriftGate(t *testing.T) {
	tests := []struct {
		name      string
		configure func(o *ApplyOptions)
		wantAbort bool
	}{
		{"unacknowledged dangerous drift aborts", func(o *ApplyOptions) {}, true},
		{"acknowledged item proceeds", func(o *ApplyOptions) { o.AcknowledgedDrift = []string{"container:101:template"} }, false},
		{"acknowledged resource proceeds", func(o *ApplyOptions) { o.AcknowledgedDrift = []string{"container:101"} }, false},
		{"override proceeds", func(o *ApplyOptions) { o.OverrideDrift = true }, false},
		{"safe drift needs ack without auto accept", func(o *ApplyOptions) {
			o.AcknowledgedDrift = []string{"container:101"}
			o.AutoAcceptSafeDrift = false
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newOrchestratorFixture(t)
			plan := f.plan(t, emptyHost("tank"))
			opts := f.options()
			tt.configure(&opts)

			result, err := f.orch.Apply(context.Background(), plan, dangerousDrift(), opts)
			if tt.wantAbort {
				if !IsDriftConflict(err) {
					t.Fatalf("Expected drift conflict, got: %v", err)
				}
				if result.Status != RunStatusAborted {
					t.Errorf("Expected aborted, got %s", result.Status)
				}
				if n := f.log.count(); n != 0 {
					t.Errorf("Aborted run must not call backends, got %v", f.log.snapshot())
				}
				if len(f.store.saved) != 0 {
					t.Error("Aborted run must not persist state")
				}
				if code := ExitCode(result, err); code != 2 {
					t.Errorf("Expected exit code 2, got %d", code)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if result.Status != RunStatusCompleted {
				t.Errorf("Expected completed, got %s", result.Status)
			}
			if len(f.recorder.drift) != 1 {
				t.Errorf("Expected drift report recorded, got %d", len(f.recorder.drift))
			}
		})
	}
}

func TestOrchestrator_Apply_FoldsSafeDrift(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.desired.Containers[102].Resources.Memory = 1024
	reality := realityFrom(f.desired)
	reality.Containers[102].Resources.Memory = 4096
	plan := f.plan(t, reality)
	if len(plan.Actions) != 1 || plan.Actions[0].Kind != ActionUpdateContainerInPlace {
		t.Fatalf("Expected the plan to shrink memory back, got %v", actionIDs(plan))
	}

	opts := f.options()
	opts.OverrideDrift = true
	opts.Reality = reality

	result, err := f.orch.Apply(context.Background(), plan, dangerousDrift(), opts)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !slices.Equal(result.FoldedDrift, []string{"container:102:resources.memory"}) {
		t.Errorf("Expected memory drift folded, got %v", result.FoldedDrift)
	}
	if len(result.AcceptedDrift) != 1 || result.AcceptedDrift[0].Observed != 4096 {
		t.Errorf("Expected the accepted item, got %+v", result.AcceptedDrift)
	}
	if result.SuggestedDesired == nil || result.SuggestedDesired.Containers[102].Resources.Memory != 4096 {
		t.Errorf("Expected suggested memory 4096, got %+v", result.SuggestedDesired)
	}

	// The accepted value is kept: nothing shrinks memory back to 1024.
	if len(result.Results) != 0 || f.log.count() != 0 {
		t.Errorf("Expected no actions after folding, got %+v and calls %v", result.Results, f.log.snapshot())
	}
	if result.PlanID == plan.ID {
		t.Error("Expected the run to report the re-computed plan")
	}
	if len(f.store.saved) != 1 || f.store.saved[0].Desired.Containers[102].Resources.Memory != 4096 {
		t.Error("Expected the folded model to be persisted")
	}
	if f.desired.Containers[102].Resources.Memory != 1024 {
		t.Error("Folding must not mutate the caller's model")
	}
}

func TestOrchestrator_Apply_NoFoldWithoutScan(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.desired.Containers[102].Resources.Memory = 1024
	reality := realityFrom(f.desired)
	reality.Containers[102].Resources.Memory = 4096
	plan := f.plan(t, reality)

	opts := f.options()
	opts.OverrideDrift = true

	result, err := f.orch.Apply(context.Background(), plan, dangerousDrift(), opts)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(result.FoldedDrift) != 0 || result.SuggestedDesired != nil {
		t.Errorf("Expected nothing accepted without the pre-apply scan, got %v", result.FoldedDrift)
	}
	if result.PlanID != plan.ID || !slices.Contains(f.log.snapshot(), "pct set 102") {
		t.Errorf("Expected the original plan to run, got %v", f.log.snapshot())
	}
}

func TestOrchestrator_Apply_PolicyGate(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.policy.violations = []PolicyViolation{{
		Policy: "protected", Rule: "deny", Message: "pool rpool is protected", Severity: "error",
		Resource: ResourceRef{Type: ResourceDataset, ID: "rpool/data"},
	}}
	plan := f.plan(t, emptyHost("tank"))

	result, err := f.orch.Apply(context.Background(), plan, nil, f.options())
	if !HasCode(err, ErrCodePolicyDenied) {
		t.Fatalf("Expected policy denial, got: %v", err)
	}
	if result.Status != RunStatusAborted || !strings.Contains(result.AbortReason, "rpool is protected") {
		t.Errorf("Unexpected result: %s %q", result.Status, result.AbortReason)
	}
	if f.log.count() != 0 {
		t.Errorf("Denied run must not call backends, got %v", f.log.snapshot())
	}

	f.policy.violations[0].Severity = "warning"
	result, err = f.orch.Apply(context.Background(), plan, nil, f.options())
	if err != nil {
		t.Fatalf("Warnings must not block, got: %v", err)
	}
	if result.Status != RunStatusCompleted {
		t.Errorf("Expected completed, got %s", result.Status)
	}
}

func TestOrchestrator_Apply_Locked(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.locker.held = true
	plan := f.plan(t, emptyHost("tank"))

	result, err := f.orch.Apply(context.Background(), plan, nil, f.options())
	if !IsLocked(err) {
		t.Fatalf("Expected locked error, got: %v", err)
	}
	if result.Status != RunStatusAborted {
		t.Errorf("Expected aborted, got %s", result.Status)
	}
	if len(f.recorder.started) != 0 || len(f.recorder.finished) != 0 {
		t.Error("A locked-out run must not touch history")
	}
	if f.log.count() != 0 {
		t.Errorf("Locked run must not call backends, got %v", f.log.snapshot())
	}
}

func TestOrchestrator_Apply_DryRun(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.locker.held = true
	plan := f.plan(t, emptyHost("tank"))
	opts := f.options()
	opts.DryRun = true

	result, err := f.orch.Apply(context.Background(), plan, nil, opts)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !result.DryRun || result.Succeeded != len(plan.Actions) {
		t.Errorf("Unexpected dry run result: %+v", result)
	}
	if f.log.count() != 0 {
		t.Errorf("Dry run must not call backends, got %v", f.log.snapshot())
	}
	if len(f.store.saved) != 0 || f.scanner.scans != 0 {
		t.Error("Dry run must not rescan or persist")
	}
	if note := result.Results[0].Note; !strings.Contains(note, "dry run") {
		t.Errorf("Expected dry run note, got %q", note)
	}
}

func TestOrchestrator_Apply_RecreateTakesCheckpoint(t *testing.T) {
	f := newOrchestratorFixture(t)
	reality := realityFrom(f.desired)
	reality.Containers[101].Template = "debian-11-standard"
	plan := f.plan(t, reality)

	previous := &StateSnapshot{Desired: f.desired, Reality: NewReality(), Fingerprint: "sha256:old"}
	f.store.saved = []*StateSnapshot{previous}
	opts := f.options()
	opts.Reality = reality

	result, err := f.orch.Apply(context.Background(), plan, nil, opts)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if result.CheckpointID != "ckpt-1" {
		t.Fatalf("Expected checkpoint ckpt-1, got %q", result.CheckpointID)
	}

	ckpt := f.store.checkpoints[0]
	if ckpt.Snapshot.Reality != reality {
		t.Error("Expected the checkpoint to hold the pre-apply scan, not the last saved one")
	}
	if ckpt.Snapshot.Fingerprint != "sha256:old" || ckpt.Snapshot.Desired != f.desired {
		t.Errorf("Expected the last applied model in the checkpoint, got %+v", ckpt.Snapshot)
	}
	if !strings.HasSuffix(ckpt.Label, "(recreate)") {
		t.Errorf("Unexpected checkpoint label %q", ckpt.Label)
	}
	snap := ckpt.Backend["snapshot:tank/media"]
	if !strings.HasPrefix(snap, "tank/media@tengil-") {
		t.Errorf("Expected safety snapshot of tank/media, got %v", ckpt.Backend)
	}
	if ckpt.Backend["run_id"] != result.RunID {
		t.Errorf("Checkpoint should carry the run id, got %v", ckpt.Backend)
	}

	calls := f.log.snapshot()
	want := []string{
		"zfs snapshot " + snap,
		"pct stop 101",
		"pct destroy 101",
		"pct create 101",
		"pct start 101",
		"pct mount 101 /media",
	}
	if !slices.Equal(calls, want) {
		t.Errorf("Unexpected calls:\n got: %v\nwant: %v", calls, want)
	}
}

func TestOrchestrator_Apply_CheckpointThreshold(t *testing.T) {
	f := newOrchestratorFixture(t)
	plan := f.plan(t, emptyHost("tank"))
	opts := f.options()
	opts.CheckpointThreshold = 5

	result, err := f.orch.Apply(context.Background(), plan, nil, opts)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if result.CheckpointID == "" {
		t.Error("Large plan should be checkpointed")
	}
	if label := f.store.checkpoints[0].Label; strings.Contains(label, "recreate") {
		t.Errorf("Unexpected label %q", label)
	}
	// Without a pre-apply scan in the options the checkpoint rescans.
	if f.store.checkpoints[0].Snapshot.Reality != f.scanner.reality || f.scanner.scans != 2 {
		t.Errorf("Expected a fresh scan in the checkpoint, got %d scans", f.scanner.scans)
	}
}

func TestOrchestrator_Apply_Cancelled(t *testing.T) {
	f := newOrchestratorFixture(t)
	plan := f.plan(t, emptyHost("tank"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := f.orch.Apply(ctx, plan, nil, f.options())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if result.Status != RunStatusCompletedWithErrors {
		t.Errorf("Expected completed_with_errors, got %s", result.Status)
	}
	if result.Skipped != len(plan.Actions) {
		t.Errorf("Expected every action skipped, got %d", result.Skipped)
	}
	if !HasCode(firstError(result.Errors), ErrCodeCancelled) {
		t.Errorf("Expected a cancelled error, got %v", result.Errors)
	}
	if f.log.count() != 0 {
		t.Errorf("Cancelled run must not dispatch, got %v", f.log.snapshot())
	}
	if len(f.store.saved) != 1 {
		t.Error("Cancelled run still persists the post-apply scan")
	}
}

func TestOrchestrator_Apply_ActionTimeout(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.backends.Containers[ContainerKindImage].(*fakeDriver).delay = time.Second
	plan := f.plan(t, emptyHost("tank"))
	opts := f.options()
	opts.ActionTimeout = 20 * time.Millisecond

	result, err := f.orch.Apply(context.Background(), plan, nil, opts)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	r := resultFor(t, result, "container:create:102")
	if r.Status != ActionStatusFailed || r.Error == nil {
		t.Fatalf("Expected timeout failure, got %+v", r)
	}
	if r.Error.Code != ErrCodeTimeout || r.Error.Class != ErrorClassTransient {
		t.Errorf("Expected transient timeout, got class=%s code=%s", r.Error.Class, r.Error.Code)
	}
}

func TestOrchestrator_Apply_PersistFailure(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.store.saveErr = errors.New("disk full")
	plan := f.plan(t, emptyHost("tank"))

	result, err := f.orch.Apply(context.Background(), plan, nil, f.options())
	if err == nil {
		t.Fatal("Expected persist error, got nil")
	}
	if result.Status != RunStatusCompletedWithErrors {
		t.Errorf("Expected completed_with_errors, got %s", result.Status)
	}
	if code := ExitCode(result, err); code != 1 {
		t.Errorf("Expected exit code 1, got %d", code)
	}
}

func TestOrchestrator_Apply_ConfirmDeclines(t *testing.T) {
	f := newOrchestratorFixture(t)
	plan := f.plan(t, emptyHost("tank"))
	opts := f.options()
	opts.RequireConfirmation = true
	opts.Confirm = func(a Action) bool { return a.Resource.ID != "102" }

	result, err := f.orch.Apply(context.Background(), plan, nil, opts)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	declined := resultFor(t, result, "container:create:102")
	if declined.Status != ActionStatusSkipped || declined.Note != "declined by user" {
		t.Errorf("Expected declined skip, got %+v", declined)
	}
	for _, id := range []string{"mount:attach:102:/downloads", "mount:attach:102:/tv"} {
		if r := resultFor(t, result, id); r.BlockedBy != "container:create:102" {
			t.Errorf("Expected %s blocked by the declined container, got %+v", id, r)
		}
	}
}

func TestOrchestrator_Apply_NilPlan(t *testing.T) {
	f := newOrchestratorFixture(t)
	if _, err := f.orch.Apply(context.Background(), nil, nil, f.options()); !IsPlanError(err) {
		t.Errorf("Expected plan error, got: %v", err)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name   string
		result *ApplyResult
		err    error
		want   int
	}{
		{"nothing to do", nil, nil, 0},
		{"completed", &ApplyResult{Status: RunStatusCompleted}, nil, 0},
		{"failed actions", &ApplyResult{Status: RunStatusCompletedWithErrors, Failed: 1}, nil, 1},
		{"aborted", &ApplyResult{Status: RunStatusAborted}, NewDriftConflictError("drift"), 2},
		{"fatal before run", nil, errors.New("config missing"), 2},
		{"persist failed", &ApplyResult{Status: RunStatusCompletedWithErrors}, errors.New("disk full"), 1},
		{"store corruption", &ApplyResult{Status: RunStatusCompletedWithErrors},
			NewStoreError("bad json", nil), 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.result, tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}
