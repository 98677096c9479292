package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall status of an apply run.
type RunStatus string

const (
	// RunStatusNotStarted indicates the run has not begun executing actions.
	RunStatusNotStarted RunStatus = "not_started"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusCompleted indicates every action reached a non-failed terminal state.
	RunStatusCompleted RunStatus = "completed"

	// RunStatusCompletedWithErrors indicates one or more actions failed.
	RunStatusCompletedWithErrors RunStatus = "completed_with_errors"

	// RunStatusAborted indicates the run stopped before executing anything.
	RunStatusAborted RunStatus = "aborted"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusCompletedWithErrors || s == RunStatusAborted
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusNotStarted, RunStatusRunning, RunStatusCompleted,
		RunStatusCompletedWithErrors, RunStatusAborted:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// ActionStatus represents the state of one action during apply.
type ActionStatus string

const (
	// ActionStatusPending indicates the action is waiting to execute.
	ActionStatusPending ActionStatus = "pending"

	// ActionStatusExecuting indicates the action is currently executing.
	ActionStatusExecuting ActionStatus = "executing"

	// ActionStatusSucceeded indicates the action completed successfully.
	ActionStatusSucceeded ActionStatus = "succeeded"

	// ActionStatusFailed indicates the action failed.
	ActionStatusFailed ActionStatus = "failed"

	// ActionStatusSkipped indicates the action never ran (blocked, declined or cancelled).
	ActionStatusSkipped ActionStatus = "skipped"
)

// IsTerminal returns true if the action status represents a final state.
func (s ActionStatus) IsTerminal() bool {
	return s == ActionStatusSucceeded || s == ActionStatusFailed || s == ActionStatusSkipped
}

// Validate checks if the action status is valid.
func (s ActionStatus) Validate() error {
	switch s {
	case ActionStatusPending, ActionStatusExecuting, ActionStatusSucceeded,
		ActionStatusFailed, ActionStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid action status: %s", s)
	}
}

// ActionKind is the closed set of operations a plan can contain.
// There is deliberately no delete kind.
type ActionKind string

const (
	ActionCreateDataset           ActionKind = "create_dataset"
	ActionUpdateDatasetProperties ActionKind = "update_dataset_properties"
	ActionCreateContainer         ActionKind = "create_container"
	ActionUpdateContainerInPlace  ActionKind = "update_container_in_place"
	ActionRecreateContainer       ActionKind = "recreate_container"
	ActionAddMount                ActionKind = "add_mount"
	ActionCreateShare             ActionKind = "create_share"
	ActionUpdateShare             ActionKind = "update_share"
)

// Tier returns the dependency tier the action kind belongs to.
func (k ActionKind) Tier() Tier {
	switch k {
	case ActionCreateDataset, ActionUpdateDatasetProperties:
		return TierDataset
	case ActionCreateContainer, ActionUpdateContainerInPlace, ActionRecreateContainer:
		return TierContainer
	case ActionAddMount:
		return TierMount
	case ActionCreateShare, ActionUpdateShare:
		return TierShare
	default:
		return 0
	}
}

// Verb returns the short verb used in action IDs.
func (k ActionKind) Verb() string {
	switch k {
	case ActionCreateDataset, ActionCreateContainer, ActionCreateShare:
		return "create"
	case ActionUpdateDatasetProperties, ActionUpdateContainerInPlace, ActionUpdateShare:
		return "update"
	case ActionRecreateContainer:
		return "recreate"
	case ActionAddMount:
		return "attach"
	default:
		return string(k)
	}
}

// Validate checks if the action kind is valid.
func (k ActionKind) Validate() error {
	if k.Tier() == 0 {
		return fmt.Errorf("invalid action kind: %s", k)
	}
	return nil
}

// Tier is a dependency tier. Tiers run strictly in ascending order.
type Tier int

const (
	TierDataset   Tier = 1
	TierContainer Tier = 2
	TierMount     Tier = 3
	TierShare     Tier = 4
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierDataset:
		return "dataset"
	case TierContainer:
		return "container"
	case TierMount:
		return "mount"
	case TierShare:
		return "share"
	default:
		return fmt.Sprintf("tier-%d", int(t))
	}
}

// DriftSafety classifies a drift item.
type DriftSafety string

const (
	// DriftSafe items may be folded into a suggested Desired update.
	DriftSafe DriftSafety = "safe"

	// DriftDangerous items block apply until acknowledged or overridden.
	DriftDangerous DriftSafety = "dangerous"
)

// DriftChange is the kind of difference observed between two scans.
type DriftChange string

const (
	DriftAppeared    DriftChange = "appeared"
	DriftDisappeared DriftChange = "disappeared"
	DriftModified    DriftChange = "modified"
)
