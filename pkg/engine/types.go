package engine

import (
	"fmt"
	"sort"
	"time"
)

// Action is a single backend-directed operation derived from a Plan.
type Action struct {
	// ID is deterministic: "<resource type>:<verb>:<resource id>".
	ID string `json:"id"`

	// Kind is the operation to perform.
	Kind ActionKind `json:"kind"`

	// Tier is the dependency tier derived from Kind.
	Tier Tier `json:"tier"`

	// Stage orders actions inside a tier; stage N+1 waits for stage N.
	Stage int `json:"stage"`

	// Resource identifies the target resource.
	Resource ResourceRef `json:"resource"`

	// Risky marks actions that trigger an automatic checkpoint.
	Risky bool `json:"risky,omitempty"`

	// RequiresRestart means the in-place update must stop and start the container.
	RequiresRestart bool `json:"requires_restart,omitempty"`

	// Replace means an existing mount at the same target is rebound.
	Replace bool `json:"replace,omitempty"`

	// DependsOn lists action IDs that must succeed first.
	DependsOn []string `json:"depends_on,omitempty"`

	// Changes describes what will change.
	Changes []Change `json:"changes,omitempty"`

	// Exactly one of the following payloads is set, matching Kind.
	Dataset   *Dataset   `json:"dataset,omitempty"`
	Container *Container `json:"container,omitempty"`
	Mount     *Mount     `json:"mount,omitempty"`
	Share     *Share     `json:"share,omitempty"`
}

// ActionID builds the deterministic ID for an action on a resource.
func ActionID(kind ActionKind, ref ResourceRef) string {
	return fmt.Sprintf("%s:%s:%s", ref.Type, kind.Verb(), ref.ID)
}

// Change represents a single change to be applied to a resource.
type Change struct {
	// Path is the attribute being changed (e.g., "properties.compression").
	Path string `json:"path"`

	// Before is the observed value.
	Before any `json:"before,omitempty"`

	// After is the desired value.
	After any `json:"after,omitempty"`

	// Action describes the change action (add, remove, modify).
	Action ChangeAction `json:"action"`
}

// ChangeAction represents the type of change being made.
type ChangeAction string

const (
	// ChangeActionAdd indicates a new field is being added.
	ChangeActionAdd ChangeAction = "add"

	// ChangeActionRemove indicates a field is being removed.
	ChangeActionRemove ChangeAction = "remove"

	// ChangeActionModify indicates a field value is being changed.
	ChangeActionModify ChangeAction = "modify"
)

// PlanItem is an informational entry attached to a plan.
type PlanItem struct {
	Resource ResourceRef `json:"resource"`
	Message  string      `json:"message"`
}

// Plan is an ordered list of actions that moves Reality toward Desired.
type Plan struct {
	// ID is the unique identifier for this plan.
	ID string `json:"id"`

	// CreatedAt is when the plan was computed.
	CreatedAt time.Time `json:"created_at"`

	// Actions are ordered by tier, stage, depth and resource ID.
	Actions []Action `json:"actions"`

	// Warnings include desired mounts that were removed but stay attached.
	Warnings []PlanItem `json:"warnings,omitempty"`

	// Unmanaged lists resources present in Reality but absent from Desired.
	Unmanaged []ResourceRef `json:"unmanaged,omitempty"`

	// Summary provides counts per action kind.
	Summary PlanSummary `json:"summary"`
}

// PlanSummary provides statistics about a plan.
type PlanSummary struct {
	// ToCreate is the number of resources to create.
	ToCreate int `json:"to_create"`

	// ToUpdate is the number of resources to update.
	ToUpdate int `json:"to_update"`

	// ToRecreate is the number of containers to recreate.
	ToRecreate int `json:"to_recreate"`

	// ToAttach is the number of mounts to attach.
	ToAttach int `json:"to_attach"`

	// Unmanaged is the number of unmanaged resources.
	Unmanaged int `json:"unmanaged"`
}

// IsEmpty reports whether the plan contains no actions.
func (p *Plan) IsEmpty() bool {
	return p == nil || len(p.Actions) == 0
}

// HasRisky reports whether any action is flagged risky.
func (p *Plan) HasRisky() bool {
	for i := range p.Actions {
		if p.Actions[i].Risky {
			return true
		}
	}
	return false
}

// Action returns the action with the given ID.
func (p *Plan) Action(id string) (*Action, bool) {
	for i := range p.Actions {
		if p.Actions[i].ID == id {
			return &p.Actions[i], true
		}
	}
	return nil, false
}

// Tiers returns the distinct tiers present, in ascending order.
func (p *Plan) Tiers() []Tier {
	seen := make(map[Tier]bool)
	var tiers []Tier
	for _, a := range p.Actions {
		if !seen[a.Tier] {
			seen[a.Tier] = true
			tiers = append(tiers, a.Tier)
		}
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i] < tiers[j] })
	return tiers
}

func (p *Plan) summarize() {
	s := PlanSummary{Unmanaged: len(p.Unmanaged)}
	for _, a := range p.Actions {
		switch a.Kind {
		case ActionCreateDataset, ActionCreateContainer, ActionCreateShare:
			s.ToCreate++
		case ActionUpdateDatasetProperties, ActionUpdateContainerInPlace, ActionUpdateShare:
			s.ToUpdate++
		case ActionRecreateContainer:
			s.ToRecreate++
		case ActionAddMount:
			s.ToAttach++
		}
	}
	p.Summary = s
}

// ActionResult is the outcome of one action.
type ActionResult struct {
	// ActionID is the ID of the action this result belongs to.
	ActionID string `json:"action_id"`

	Kind     ActionKind   `json:"kind"`
	Resource ResourceRef  `json:"resource"`
	Status   ActionStatus `json:"status"`

	// StartedAt is zero for skipped actions.
	StartedAt   time.Time     `json:"started_at,omitempty"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration"`

	// Note carries backend remarks such as a verified ambiguous create.
	Note string `json:"note,omitempty"`

	// BlockedBy is the action ID whose failure caused a skip.
	BlockedBy string `json:"blocked_by,omitempty"`

	// Error is set for failed actions.
	Error *EngineError `json:"error,omitempty"`
}

// ApplyResult summarizes an apply run.
type ApplyResult struct {
	RunID  string    `json:"run_id"`
	PlanID string    `json:"plan_id,omitempty"`
	Status RunStatus `json:"status"`

	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`

	Results []ActionResult `json:"results"`
	Errors  []*EngineError `json:"errors,omitempty"`

	// CheckpointID is set when a checkpoint was created before execution.
	CheckpointID string `json:"checkpoint_id,omitempty"`

	// AbortReason explains an Aborted run.
	AbortReason string `json:"abort_reason,omitempty"`

	// FoldedDrift lists safe drift item keys accepted during the run.
	FoldedDrift []string `json:"folded_drift,omitempty"`

	// AcceptedDrift holds the folded items. SuggestedDesired is the model
	// the run applied, with those items folded in; the document needs the
	// same edits to keep them on the next run.
	AcceptedDrift    []DriftItem `json:"accepted_drift,omitempty"`
	SuggestedDesired *Desired    `json:"suggested_desired,omitempty"`

	// DryRun is true when no backend was called.
	DryRun bool `json:"dry_run,omitempty"`

	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// tally recomputes the counts from Results.
func (r *ApplyResult) tally() {
	r.Succeeded, r.Failed, r.Skipped = 0, 0, 0
	for _, ar := range r.Results {
		switch ar.Status {
		case ActionStatusSucceeded:
			r.Succeeded++
		case ActionStatusFailed:
			r.Failed++
		case ActionStatusSkipped:
			r.Skipped++
		}
	}
}

// Result is what every backend call returns.
type Result struct {
	// Changed is false when the backend found nothing to do.
	Changed bool `json:"changed"`

	// Note is a free-form remark surfaced on the action result.
	Note string `json:"note,omitempty"`
}
