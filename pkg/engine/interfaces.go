package engine

import (
	"context"
	"time"
)

// DatasetBackend creates and inspects datasets. It never destroys them.
type DatasetBackend interface {
	// ListPools returns the pools present on the host.
	ListPools(ctx context.Context) ([]Pool, error)

	// Exists reports whether the dataset exists.
	Exists(ctx context.Context, path string) (bool, error)

	// Create creates the dataset with the given normalized properties.
	Create(ctx context.Context, path string, properties map[string]string) (Result, error)

	// SetProperties sets normalized properties on an existing dataset.
	SetProperties(ctx context.Context, path string, properties map[string]string) (Result, error)

	// ListAll returns every dataset with locally set properties.
	ListAll(ctx context.Context) ([]Dataset, error)
}

// Snapshotter is implemented by dataset backends that can take point-in-time
// snapshots. It is used for safety snapshots when a checkpoint is created.
type Snapshotter interface {
	// Snapshot creates "<dataset>@<name>".
	Snapshot(ctx context.Context, dataset, name string) (Result, error)
}

// ContainerDriver manages containers of one kind. One driver is registered
// per ContainerKind.
type ContainerDriver interface {
	// Kind returns the container family this driver handles.
	Kind() ContainerKind

	// Exists reports whether a container with this id exists.
	Exists(ctx context.Context, id int) (bool, error)

	// Create creates the container. It does not start it.
	Create(ctx context.Context, spec *Container) (Result, error)

	// Start starts a container. Starting a running container is a no-op.
	Start(ctx context.Context, id int) (Result, error)

	// Stop stops a container. Stopping a stopped container is a no-op.
	Stop(ctx context.Context, id int) (Result, error)

	// SetInPlace applies the listed changes without recreating.
	SetInPlace(ctx context.Context, spec *Container, changes []Change) (Result, error)

	// Destroy removes the container. Only RecreateContainer uses it.
	Destroy(ctx context.Context, id int) (Result, error)

	// ListAll returns the containers of this kind with their mounts.
	ListAll(ctx context.Context) ([]Container, error)
}

// MountBackend binds dataset paths into containers.
type MountBackend interface {
	// Attach binds source at target, replacing whatever is bound at target.
	Attach(ctx context.Context, containerID int, source, target string, readonly bool) (Result, error)

	// ListMounts returns the bind mounts of one container.
	ListMounts(ctx context.Context, containerID int) ([]Mount, error)
}

// ShareBackend configures network shares of one protocol. It never removes shares.
type ShareBackend interface {
	// Protocol returns the protocol this backend handles.
	Protocol() ShareProtocol

	// Configure creates or updates the share.
	Configure(ctx context.Context, share *Share) (Result, error)

	// ListAll returns every configured share of this protocol.
	ListAll(ctx context.Context) ([]Share, error)
}

// Backends is the set of collaborators the orchestrator and scanner use.
type Backends struct {
	Datasets   DatasetBackend
	Containers map[ContainerKind]ContainerDriver
	Mounts     MountBackend
	Shares     map[ShareProtocol]ShareBackend
}

// Driver returns the driver for a container kind.
func (b *Backends) Driver(kind ContainerKind) (ContainerDriver, bool) {
	d, ok := b.Containers[kind]
	return d, ok
}

// StateSnapshot is the persisted view of Desired and Reality.
type StateSnapshot struct {
	// Desired is the last resolved model.
	Desired *Desired `json:"desired,omitempty"`

	// Reality is the last scanned host state.
	Reality *Reality `json:"reality,omitempty"`

	// Fingerprint is the content hash of the document Desired was resolved from.
	Fingerprint string `json:"fingerprint,omitempty"`

	// Timestamp is when the snapshot was saved.
	Timestamp time.Time `json:"timestamp"`

	// DesiredStale is set by Load when the fingerprint does not match the
	// current document. It is never persisted.
	DesiredStale bool `json:"-"`
}

// UsableDesired returns Desired unless it is stale or absent.
func (s *StateSnapshot) UsableDesired() (*Desired, bool) {
	if s == nil || s.Desired == nil || s.DesiredStale {
		return nil, false
	}
	return s.Desired, true
}

// Checkpoint is an immutable, labelled copy of a snapshot.
type Checkpoint struct {
	ID        string        `json:"id"`
	Label     string        `json:"label"`
	CreatedAt time.Time     `json:"created_at"`
	Snapshot  StateSnapshot `json:"snapshot"`

	// Backend holds backend-specific rollback hints such as safety snapshot names.
	Backend map[string]string `json:"backend,omitempty"`
}

// StateStore persists snapshots and checkpoints.
type StateStore interface {
	// Load returns the persisted snapshot, or an empty one. Desired is marked
	// stale when fingerprint differs from the stored one.
	Load(ctx context.Context, fingerprint string) (*StateSnapshot, error)

	// Save atomically replaces the current snapshot.
	Save(ctx context.Context, snapshot *StateSnapshot) error

	// CreateCheckpoint copies snapshot into a new checkpoint. A nil snapshot
	// means the current persisted one.
	CreateCheckpoint(ctx context.Context, label string, snapshot *StateSnapshot, backend map[string]string) (*Checkpoint, error)

	// ListCheckpoints returns checkpoints, oldest first.
	ListCheckpoints(ctx context.Context) ([]*Checkpoint, error)

	// RestoreCheckpoint returns the snapshot held by a checkpoint.
	RestoreCheckpoint(ctx context.Context, id string) (*StateSnapshot, error)
}

// Locker provides the run-level advisory lock.
type Locker interface {
	// TryLock acquires the lock without blocking. It fails with a RUN_LOCKED
	// error if another run holds it.
	TryLock() (release func() error, err error)
}

// Scanner produces a Reality snapshot.
type Scanner interface {
	Scan(ctx context.Context) (*Reality, error)
}

// Recorder receives run history. Implementations must not fail the run.
type Recorder interface {
	RunStarted(ctx context.Context, runID string, plan *Plan) error
	ActionFinished(ctx context.Context, runID string, result ActionResult) error
	RunFinished(ctx context.Context, result *ApplyResult) error
	DriftReported(ctx context.Context, runID string, report *DriftReport) error
}

// PolicyViolation is a finding from the policy gate.
type PolicyViolation struct {
	Policy   string      `json:"policy"`
	Rule     string      `json:"rule"`
	Message  string      `json:"message"`
	Severity string      `json:"severity"`
	Resource ResourceRef `json:"resource"`
}

// Blocking reports whether the violation denies the apply.
func (v PolicyViolation) Blocking() bool {
	return v.Severity == "" || v.Severity == "error"
}

// PolicyGate evaluates a plan before anything executes.
type PolicyGate interface {
	EvaluatePlan(ctx context.Context, plan *Plan, desired *Desired) ([]PolicyViolation, error)
}
