package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tengil/tengil/pkg/telemetry"
)

// Defaults for ApplyOptions.
const (
	DefaultParallelism         = 4
	DefaultActionTimeout       = 10 * time.Minute
	DefaultCheckpointThreshold = 20
)

// OrchestratorConfig wires the orchestrator to its collaborators.
// Only Backends is required; nil collaborators are skipped.
type OrchestratorConfig struct {
	Backends *Backends
	Store    StateStore
	Locker   Locker
	Scanner  Scanner
	Recorder Recorder
	Policy   PolicyGate

	// Planner re-plans after safe drift is folded. Defaults to NewPlanner(nil).
	Planner *Planner

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
}

// ApplyOptions controls one apply run.
type ApplyOptions struct {
	// AutoAcceptSafeDrift lets safe drift through without acknowledgement.
	AutoAcceptSafeDrift bool

	// RequireConfirmation asks Confirm before each action is dispatched.
	RequireConfirmation bool

	// Confirm returns false to skip an action.
	Confirm func(Action) bool

	// DryRun walks the plan without calling any backend or persisting state.
	DryRun bool

	// OverrideDrift proceeds despite unacknowledged drift.
	OverrideDrift bool

	// AcknowledgedDrift lists drift item keys (or resource keys) the user accepted.
	AcknowledgedDrift []string

	// Parallelism bounds concurrent actions within a stage.
	Parallelism int

	// ActionTimeout bounds a single action.
	ActionTimeout time.Duration

	// CheckpointThreshold forces a checkpoint for plans with more actions.
	CheckpointThreshold int

	// Desired and Fingerprint are persisted with the post-apply Reality.
	Desired     *Desired
	Fingerprint string

	// Reality is the scan the plan was computed from. Folded drift is
	// re-planned against it and checkpoints record it.
	Reality *Reality
}

// DefaultApplyOptions returns the options used by `tg apply`.
func DefaultApplyOptions() ApplyOptions {
	return ApplyOptions{
		AutoAcceptSafeDrift: true,
		Parallelism:         DefaultParallelism,
		ActionTimeout:       DefaultActionTimeout,
		CheckpointThreshold: DefaultCheckpointThreshold,
	}
}

func (o ApplyOptions) withDefaults() ApplyOptions {
	if o.Parallelism <= 0 {
		o.Parallelism = DefaultParallelism
	}
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = DefaultActionTimeout
	}
	if o.CheckpointThreshold < 0 {
		o.CheckpointThreshold = 0
	}
	return o
}

// Orchestrator executes plans tier by tier with per-action failure isolation.
type Orchestrator struct {
	cfg    OrchestratorConfig
	exec   *executor
	logger *telemetry.Logger
	now    func() time.Time
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Backends == nil {
		cfg.Backends = &Backends{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NewNopMetrics()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.NewNopTracer()
	}
	if cfg.Planner == nil {
		cfg.Planner = NewPlanner(nil)
	}
	return &Orchestrator{
		cfg:    cfg,
		exec:   newExecutor(cfg.Backends),
		logger: logger.NewComponentLogger("orchestrator"),
		now:    time.Now,
	}
}

// run holds the state of one Apply call.
type run struct {
	o      *Orchestrator
	id     string
	plan   *Plan
	opts   ApplyOptions
	logger *telemetry.Logger

	mu        sync.Mutex
	results   map[string]*ActionResult
	cancelled bool
}

// Apply executes the plan. Drift and policy gates run before anything else;
// a gate failure returns an Aborted result with zero backend calls. The
// returned error is non-nil for aborted runs and for failures to persist
// the post-apply state.
func (o *Orchestrator) Apply(ctx context.Context, plan *Plan, drift *DriftReport, opts ApplyOptions) (*ApplyResult, error) {
	if plan == nil {
		return nil, NewPlanError("plan is nil", nil)
	}
	opts = opts.withDefaults()

	r := &run{
		o:       o,
		id:      uuid.New().String(),
		plan:    plan,
		opts:    opts,
		results: make(map[string]*ActionResult, len(plan.Actions)),
	}
	r.logger = o.logger.WithRunID(r.id)

	result := &ApplyResult{
		RunID:     r.id,
		PlanID:    plan.ID,
		Status:    RunStatusNotStarted,
		DryRun:    opts.DryRun,
		StartedAt: o.now().UTC(),
	}

	if !opts.DryRun && o.cfg.Locker != nil {
		release, err := o.cfg.Locker.TryLock()
		if err != nil {
			return o.abort(ctx, r, result, err)
		}
		defer func() {
			if err := release(); err != nil {
				r.logger.WithError(err).Warn("Failed to release run lock")
			}
		}()
	}

	if err := r.gateDrift(ctx, drift, result); err != nil {
		return o.abort(ctx, r, result, err)
	}
	if err := r.gatePolicy(ctx); err != nil {
		return o.abort(ctx, r, result, err)
	}
	plan = r.plan

	ctx, span := o.cfg.Tracer.StartApplySpan(ctx, r.id, plan.ID, len(plan.Actions))
	defer span.End()

	if !opts.DryRun && r.needsCheckpoint() {
		id, err := r.checkpoint(ctx)
		if err != nil {
			telemetry.RecordError(span, err)
			return o.abort(ctx, r, result, err)
		}
		result.CheckpointID = id
	}

	result.Status = RunStatusRunning
	o.cfg.Metrics.RecordRunStarted()
	o.cfg.Metrics.SetPlanActions(plan.kindCounts())
	r.record("run start", func(rec Recorder) error { return rec.RunStarted(ctx, r.id, plan) })
	r.logger.Infof("Applying plan %s: %d actions", plan.ID, len(plan.Actions))

	r.execute(ctx)

	result.Results = r.orderedResults()
	result.tally()
	for i := range result.Results {
		if e := result.Results[i].Error; e != nil {
			result.Errors = append(result.Errors, e)
		}
	}
	if r.cancelled {
		result.Errors = append(result.Errors,
			NewPermanentError("apply cancelled; undispatched actions were skipped", ctx.Err()).WithCode(ErrCodeCancelled))
	}

	var persistErr error
	if !opts.DryRun {
		persistErr = r.persist(ctx)
		if persistErr != nil {
			var ee *EngineError
			if !errors.As(persistErr, &ee) {
				ee = NewPermanentError("failed to persist state", persistErr).WithCode(ErrCodeInternal)
			}
			result.Errors = append(result.Errors, ee)
		}
	}

	if result.Failed > 0 || r.cancelled || persistErr != nil {
		result.Status = RunStatusCompletedWithErrors
	} else {
		result.Status = RunStatusCompleted
	}
	o.finish(ctx, r, result)

	if persistErr != nil {
		telemetry.RecordError(span, persistErr)
	} else {
		telemetry.RecordSuccess(span)
	}
	span.SetAttributes(telemetry.AttrRunStatus.String(string(result.Status)))
	return result, persistErr
}

func (o *Orchestrator) abort(ctx context.Context, r *run, result *ApplyResult, err error) (*ApplyResult, error) {
	result.Status = RunStatusAborted
	result.AbortReason = err.Error()
	var ee *EngineError
	if errors.As(err, &ee) {
		result.Errors = append(result.Errors, ee)
	}
	r.logger.WithError(err).Error("Apply aborted before execution")
	if !IsLocked(err) {
		r.record("run start", func(rec Recorder) error { return rec.RunStarted(ctx, r.id, r.plan) })
	}
	o.finish(ctx, r, result)
	return result, err
}

func (o *Orchestrator) finish(ctx context.Context, r *run, result *ApplyResult) {
	result.CompletedAt = o.now().UTC()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	o.cfg.Metrics.RecordRunCompleted(string(result.Status), result.Duration)
	for _, e := range result.Errors {
		o.cfg.Metrics.RecordError(e.ErrorClass(), e.ErrorCode())
	}
	if !IsLocked(firstError(result.Errors)) {
		r.record("run result", func(rec Recorder) error { return rec.RunFinished(ctx, result) })
	}
	r.logger.WithFields(map[string]any{
		"status":    string(result.Status),
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
		"skipped":   result.Skipped,
	}).Info("Apply finished")
}

func firstError(errs []*EngineError) error {
	if len(errs) == 0 {
		return nil
	}
	return errs[0]
}

// record forwards to the recorder; history failures never fail the run.
func (r *run) record(what string, fn func(Recorder) error) {
	if r.o.cfg.Recorder == nil {
		return
	}
	if err := fn(r.o.cfg.Recorder); err != nil {
		r.logger.WithError(err).Warnf("Failed to record %s", what)
	}
}

// gateDrift refuses to proceed while drift needs acknowledgement.
func (r *run) gateDrift(ctx context.Context, drift *DriftReport, result *ApplyResult) error {
	if drift.Empty() {
		return nil
	}
	for _, item := range drift.Items {
		r.o.cfg.Metrics.RecordDriftItem(string(item.Safety), string(item.Change))
	}
	r.record("drift report", func(rec Recorder) error { return rec.DriftReported(ctx, r.id, drift) })

	blocking := drift.Unacknowledged(r.opts.AcknowledgedDrift)
	if !r.opts.AutoAcceptSafeDrift {
		acked := make(map[string]bool, len(r.opts.AcknowledgedDrift))
		for _, a := range r.opts.AcknowledgedDrift {
			acked[a] = true
		}
		for _, item := range drift.Safe() {
			if !acked[item.Key] && !acked[resourceKey(item.Resource)] {
				blocking = append(blocking, item)
			}
		}
	}

	if len(blocking) > 0 {
		keys := make([]string, len(blocking))
		for i, item := range blocking {
			keys[i] = item.Key
		}
		sort.Strings(keys)
		if !r.opts.OverrideDrift {
			return NewDriftConflictError(fmt.Sprintf("%d unacknowledged drift item(s): %s",
				len(keys), strings.Join(keys, ", "))).WithDetail("items", keys)
		}
		r.logger.WithField("items", keys).Warn("Proceeding despite unacknowledged drift")
	}

	if r.opts.AutoAcceptSafeDrift && r.opts.Desired != nil && r.opts.Reality != nil {
		return r.foldSafeDrift(ctx, drift, result)
	}
	return nil
}

// foldSafeDrift accepts safe drift into Desired and re-plans against the
// pre-apply scan, so the run keeps what it accepted instead of reverting it.
func (r *run) foldSafeDrift(ctx context.Context, drift *DriftReport, result *ApplyResult) error {
	folded, keys, err := drift.FoldSafe(r.opts.Desired)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	plan, err := r.o.cfg.Planner.Plan(ctx, folded, r.opts.Reality)
	if err != nil {
		return err
	}
	r.logger.WithField("items", keys).Infof("Accepted safe drift; plan now has %d actions (was %d)",
		len(plan.Actions), len(r.plan.Actions))

	r.plan = plan
	r.opts.Desired = folded
	result.PlanID = plan.ID
	result.FoldedDrift = keys
	result.AcceptedDrift = drift.Select(keys)
	result.SuggestedDesired = folded
	return nil
}

// gatePolicy evaluates the policy gate. Blocking violations abort the run.
func (r *run) gatePolicy(ctx context.Context) error {
	if r.o.cfg.Policy == nil {
		return nil
	}
	violations, err := r.o.cfg.Policy.EvaluatePlan(ctx, r.plan, r.opts.Desired)
	if err != nil {
		return NewPermanentError("policy evaluation failed", err).WithCode(ErrCodePolicyDenied)
	}
	var denied []string
	for _, v := range violations {
		if v.Blocking() {
			denied = append(denied, fmt.Sprintf("%s (%s)", v.Message, v.Resource))
			continue
		}
		r.logger.WithResourceID(v.Resource.String()).Warnf("Policy %s: %s", v.Policy, v.Message)
	}
	if len(denied) > 0 {
		return NewPermanentError("plan denied by policy: "+strings.Join(denied, "; "), nil).
			WithCode(ErrCodePolicyDenied)
	}
	return nil
}

func (r *run) needsCheckpoint() bool {
	if r.o.cfg.Store == nil {
		return false
	}
	if r.plan.HasRisky() {
		return true
	}
	return r.opts.CheckpointThreshold > 0 && len(r.plan.Actions) > r.opts.CheckpointThreshold
}

// checkpoint takes safety snapshots of the datasets mounted into containers
// that will be recreated, then records a checkpoint of the host as scanned
// before this run together with the last applied Desired.
func (r *run) checkpoint(ctx context.Context) (string, error) {
	snapshot, err := r.preApplySnapshot(ctx)
	if err != nil {
		return "", err
	}

	meta := map[string]string{"run_id": r.id}

	if snapper, ok := r.o.cfg.Backends.Datasets.(Snapshotter); ok {
		name := "tengil-" + r.id[:8]
		for _, ds := range r.plan.recreatedDatasets() {
			if _, err := call(ctx, "zfs", "snapshot", func(ctx context.Context) (Result, error) {
				return snapper.Snapshot(ctx, ds, name)
			}); err != nil {
				return "", NewPermanentError(fmt.Sprintf("safety snapshot of %s failed", ds), err).
					WithCode(ErrCodeActionFailed).WithResource(ds)
			}
			meta["snapshot:"+ds] = ds + "@" + name
		}
	}

	label := "pre-apply " + r.id[:8]
	if r.plan.HasRisky() {
		label += " (recreate)"
	}
	ckpt, err := r.o.cfg.Store.CreateCheckpoint(ctx, label, snapshot, meta)
	if err != nil {
		return "", fmt.Errorf("failed to create checkpoint: %w", err)
	}
	r.o.cfg.Metrics.RecordCheckpointCreated()
	r.logger.WithField("checkpoint", ckpt.ID).Info("Checkpoint created")
	return ckpt.ID, nil
}

func (r *run) preApplySnapshot(ctx context.Context) (*StateSnapshot, error) {
	previous, err := r.o.cfg.Store.Load(ctx, r.opts.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to load state for checkpoint: %w", err)
	}
	reality := r.opts.Reality
	if reality == nil && r.o.cfg.Scanner != nil {
		if reality, err = r.o.cfg.Scanner.Scan(ctx); err != nil {
			return nil, fmt.Errorf("pre-apply scan failed: %w", err)
		}
	}
	if reality == nil {
		reality = previous.Reality
	}
	return &StateSnapshot{
		Desired:     previous.Desired,
		Reality:     reality,
		Fingerprint: previous.Fingerprint,
		Timestamp:   r.o.now().UTC(),
	}, nil
}

// execute runs tiers in ascending order; each tier and each stage is a barrier.
func (r *run) execute(ctx context.Context) {
	for _, tier := range r.plan.Tiers() {
		actions := r.plan.actionsInTier(tier)
		if ctx.Err() != nil {
			r.cancel(actions)
			continue
		}

		tierCtx, span := r.o.cfg.Tracer.StartTierSpan(ctx, tier.String(), len(actions))
		for _, stage := range splitStages(actions) {
			if ctx.Err() != nil {
				r.cancel(stage)
				continue
			}
			r.runStage(tierCtx, stage)
		}
		span.End()
	}
}

func splitStages(actions []*Action) [][]*Action {
	var stages [][]*Action
	for i := 0; i < len(actions); {
		j := i
		for j < len(actions) && actions[j].Stage == actions[i].Stage {
			j++
		}
		stages = append(stages, actions[i:j])
		i = j
	}
	return stages
}

// runStage dispatches one stage on a bounded worker pool.
func (r *run) runStage(ctx context.Context, actions []*Action) {
	ready := make([]*Action, 0, len(actions))
	for _, a := range actions {
		if blocker := r.blockedBy(a); blocker != "" {
			r.skip(ctx, a, blocker, fmt.Sprintf("dependency %s did not succeed", blocker))
			continue
		}
		if r.opts.RequireConfirmation && r.opts.Confirm != nil && !r.opts.Confirm(*a) {
			r.skip(ctx, a, "", "declined by user")
			continue
		}
		ready = append(ready, a)
	}
	if len(ready) == 0 {
		return
	}

	workerCount := min(r.opts.Parallelism, len(ready))
	workQueue := make(chan *Action, len(ready))
	for _, a := range ready {
		workQueue <- a
	}
	close(workQueue)

	var wg sync.WaitGroup
	for range workerCount {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for a := range workQueue {
				if ctx.Err() != nil {
					r.cancel([]*Action{a})
					continue
				}
				r.runAction(ctx, a)
			}
		}()
	}
	wg.Wait()
}

// blockedBy returns the first dependency that did not succeed.
func (r *run) blockedBy(a *Action) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dep := range a.DependsOn {
		res, ok := r.results[dep]
		if !ok || res.Status != ActionStatusSucceeded {
			return dep
		}
	}
	return ""
}

func (r *run) runAction(ctx context.Context, a *Action) {
	logger := r.logger.WithActionID(a.ID).WithResourceID(a.Resource.String())
	res := &ActionResult{
		ActionID:  a.ID,
		Kind:      a.Kind,
		Resource:  a.Resource,
		Status:    ActionStatusExecuting,
		StartedAt: r.o.now().UTC(),
	}
	r.store(res)

	actionCtx, span := r.o.cfg.Tracer.StartActionSpan(ctx, a.ID, string(a.Kind), a.Resource.String())
	logger.Debug("Executing action")

	var out Result
	var err error
	if r.opts.DryRun {
		out = Result{Note: "dry run: no backend called"}
	} else {
		// Dispatched actions run to completion even if the run is cancelled.
		execCtx, cancel := context.WithTimeout(context.WithoutCancel(actionCtx), r.opts.ActionTimeout)
		out, err = r.o.exec.execute(execCtx, a)
		if err != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			err = NewTransientError(fmt.Sprintf("action timed out after %s", r.opts.ActionTimeout), err).
				WithCode(ErrCodeTimeout)
		}
		cancel()
	}

	done := *res
	done.CompletedAt = r.o.now().UTC()
	done.Duration = done.CompletedAt.Sub(done.StartedAt)
	done.Note = out.Note
	if err != nil {
		done.Status = ActionStatusFailed
		done.Error = actionError(a, err)
		telemetry.RecordError(span, err)
		logger.WithError(err).Error("Action failed")
	} else {
		done.Status = ActionStatusSucceeded
		telemetry.RecordSuccess(span)
		logger.Infof("Action succeeded (changed=%t)", out.Changed)
	}
	span.End()

	r.store(&done)
	r.o.cfg.Metrics.RecordActionExecution(string(a.Kind), string(done.Status), done.Duration)
	r.record("action result", func(rec Recorder) error { return rec.ActionFinished(ctx, r.id, done) })
}

// actionError wraps a backend failure, keeping the class and code of any
// classified cause.
func actionError(a *Action, err error) *EngineError {
	class, code := ErrorClassPermanent, ErrCodeActionFailed
	var ee *EngineError
	if errors.As(err, &ee) {
		class = ee.Class
		if ee.Code != "" {
			code = ee.Code
		}
	}
	out := &EngineError{
		Class:     class,
		Code:      code,
		Message:   fmt.Sprintf("%s %s failed", a.Kind.Verb(), a.Resource),
		Resource:  a.Resource.String(),
		Operation: string(a.Kind),
		Err:       err,
	}
	return out.WithDetail("cause", err.Error())
}

func (r *run) skip(ctx context.Context, a *Action, blocker, reason string) {
	res := &ActionResult{
		ActionID:  a.ID,
		Kind:      a.Kind,
		Resource:  a.Resource,
		Status:    ActionStatusSkipped,
		Note:      reason,
		BlockedBy: blocker,
	}
	r.store(res)
	r.logger.WithActionID(a.ID).Warnf("Action skipped: %s", reason)
	r.o.cfg.Metrics.RecordActionExecution(string(a.Kind), string(ActionStatusSkipped), 0)
	r.record("action result", func(rec Recorder) error { return rec.ActionFinished(ctx, r.id, *res) })
}

// cancel marks undispatched actions as skipped by cancellation.
func (r *run) cancel(actions []*Action) {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
	for _, a := range actions {
		r.skip(context.Background(), a, "", "cancelled before dispatch")
	}
}

func (r *run) store(res *ActionResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[res.ActionID] = res
}

func (r *run) orderedResults() []ActionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ActionResult, 0, len(r.plan.Actions))
	for _, a := range r.plan.Actions {
		if res, ok := r.results[a.ID]; ok {
			out = append(out, *res)
		}
	}
	return out
}

// persist rescans the host and saves the snapshot. It is the last step of
// every executed run, including partially failed and cancelled ones.
func (r *run) persist(ctx context.Context) error {
	if r.o.cfg.Store == nil || r.o.cfg.Scanner == nil {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	reality, err := r.o.cfg.Scanner.Scan(ctx)
	if err != nil {
		return fmt.Errorf("post-apply scan failed: %w", err)
	}
	snapshot := &StateSnapshot{
		Desired:     r.opts.Desired,
		Reality:     reality,
		Fingerprint: r.opts.Fingerprint,
		Timestamp:   r.o.now().UTC(),
	}
	if err := r.o.cfg.Store.Save(ctx, snapshot); err != nil {
		return err
	}
	r.logger.Debug("State saved")
	return nil
}

// actionsInTier returns pointers to the plan's actions of one tier, in plan order.
func (p *Plan) actionsInTier(tier Tier) []*Action {
	var out []*Action
	for i := range p.Actions {
		if p.Actions[i].Tier == tier {
			out = append(out, &p.Actions[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out
}

func (p *Plan) kindCounts() map[string]int {
	counts := make(map[string]int)
	for _, a := range p.Actions {
		counts[string(a.Kind)]++
	}
	return counts
}

// recreatedDatasets lists existing datasets mounted into containers the
// plan recreates.
func (p *Plan) recreatedDatasets() []string {
	recreated := make(map[string]bool)
	created := make(map[string]bool)
	for _, a := range p.Actions {
		switch a.Kind {
		case ActionRecreateContainer:
			recreated[a.Resource.ID] = true
		case ActionCreateDataset:
			created[a.Resource.ID] = true
		}
	}
	seen := make(map[string]bool)
	var out []string
	for _, a := range p.Actions {
		if a.Kind != ActionAddMount || a.Mount == nil || a.Mount.Dataset == "" {
			continue
		}
		if !recreated[fmt.Sprintf("%d", a.Mount.ContainerID)] || created[a.Mount.Dataset] || seen[a.Mount.Dataset] {
			continue
		}
		seen[a.Mount.Dataset] = true
		out = append(out, a.Mount.Dataset)
	}
	sort.Strings(out)
	return out
}

// ExitCode maps an apply outcome to the process exit code:
// 0 success, 1 failed actions, 2 aborted or fatal.
func ExitCode(result *ApplyResult, err error) int {
	if err != nil {
		if result != nil && result.Status != RunStatusAborted && result.Status != RunStatusNotStarted &&
			!IsStoreCorruption(err) {
			return 1
		}
		return 2
	}
	if result == nil {
		return 0
	}
	switch {
	case result.Status == RunStatusAborted:
		return 2
	case result.Status == RunStatusCompletedWithErrors, result.Failed > 0:
		return 1
	default:
		return 0
	}
}
