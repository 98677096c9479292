package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"
)

// callLog records backend calls in order across every fake.
type callLog struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func newCallLog() *callLog {
	return &callLog{fail: make(map[string]error)}
}

func (l *callLog) do(call string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
	return l.fail[call]
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

type fakeDatasets struct {
	log      *callLog
	pools    []Pool
	datasets []Dataset
}

func (f *fakeDatasets) ListPools(ctx context.Context) ([]Pool, error) { return f.pools, nil }

func (f *fakeDatasets) Exists(ctx context.Context, path string) (bool, error) {
	for _, ds := range f.datasets {
		if ds.Path == path {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeDatasets) Create(ctx context.Context, path string, properties map[string]string) (Result, error) {
	return Result{Changed: true}, f.log.do("zfs create " + path)
}

func (f *fakeDatasets) SetProperties(ctx context.Context, path string, properties map[string]string) (Result, error) {
	return Result{Changed: true}, f.log.do("zfs set " + path)
}

func (f *fakeDatasets) ListAll(ctx context.Context) ([]Dataset, error) { return f.datasets, nil }

func (f *fakeDatasets) Snapshot(ctx context.Context, dataset, name string) (Result, error) {
	return Result{Changed: true}, f.log.do("zfs snapshot " + dataset + "@" + name)
}

type fakeDriver struct {
	log        *callLog
	kind       ContainerKind
	containers []Container
	delay      time.Duration
}

func (f *fakeDriver) Kind() ContainerKind { return f.kind }

func (f *fakeDriver) Exists(ctx context.Context, id int) (bool, error) { return false, nil }

func (f *fakeDriver) op(ctx context.Context, verb string, id int) (Result, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	return Result{Changed: true}, f.log.do(fmt.Sprintf("pct %s %d", verb, id))
}

func (f *fakeDriver) Create(ctx context.Context, spec *Container) (Result, error) {
	return f.op(ctx, "create", spec.ID)
}

func (f *fakeDriver) Start(ctx context.Context, id int) (Result, error) { return f.op(ctx, "start", id) }

func (f *fakeDriver) Stop(ctx context.Context, id int) (Result, error) { return f.op(ctx, "stop", id) }

func (f *fakeDriver) SetInPlace(ctx context.Context, spec *Container, changes []Change) (Result, error) {
	return f.op(ctx, "set", spec.ID)
}

func (f *fakeDriver) Destroy(ctx context.Context, id int) (Result, error) {
	return f.op(ctx, "destroy", id)
}

func (f *fakeDriver) ListAll(ctx context.Context) ([]Container, error) { return f.containers, nil }

type fakeMounts struct {
	log    *callLog
	mounts map[int][]Mount
}

func (f *fakeMounts) Attach(ctx context.Context, containerID int, source, target string, readonly bool) (Result, error) {
	return Result{Changed: true}, f.log.do(fmt.Sprintf("pct mount %d %s", containerID, target))
}

func (f *fakeMounts) ListMounts(ctx context.Context, containerID int) ([]Mount, error) {
	return f.mounts[containerID], nil
}

type fakeShares struct {
	log      *callLog
	protocol ShareProtocol
	shares   []Share
}

func (f *fakeShares) Protocol() ShareProtocol { return f.protocol }

func (f *fakeShares) Configure(ctx context.Context, share *Share) (Result, error) {
	return Result{Changed: true}, f.log.do(fmt.Sprintf("%s configure %s", f.protocol, share.Name))
}

func (f *fakeShares) ListAll(ctx context.Context) ([]Share, error) { return f.shares, nil }

func newFakeBackends(log *callLog) *Backends {
	return &Backends{
		Datasets: &fakeDatasets{log: log, pools: []Pool{{Name: "tank"}}},
		Containers: map[ContainerKind]ContainerDriver{
			ContainerKindTemplate: &fakeDriver{log: log, kind: ContainerKindTemplate},
			ContainerKindImage:    &fakeDriver{log: log, kind: ContainerKindImage},
		},
		Mounts: &fakeMounts{log: log, mounts: make(map[int][]Mount)},
		Shares: map[ShareProtocol]ShareBackend{
			ShareProtocolSMB: &fakeShares{log: log, protocol: ShareProtocolSMB},
			ShareProtocolNFS: &fakeShares{log: log, protocol: ShareProtocolNFS},
		},
	}
}

type fakeStore struct {
	mu          sync.Mutex
	saved       []*StateSnapshot
	checkpoints []*Checkpoint
	saveErr     error
}

func (f *fakeStore) Load(ctx context.Context, fingerprint string) (*StateSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.saved) == 0 {
		return &StateSnapshot{}, nil
	}
	return f.saved[len(f.saved)-1], nil
}

func (f *fakeStore) Save(ctx context.Context, snapshot *StateSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, snapshot)
	return nil
}

func (f *fakeStore) CreateCheckpoint(ctx context.Context, label string, snapshot *StateSnapshot, backend map[string]string) (*Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if snapshot == nil && len(f.saved) > 0 {
		snapshot = f.saved[len(f.saved)-1]
	}
	ckpt := &Checkpoint{
		ID:      fmt.Sprintf("ckpt-%d", len(f.checkpoints)+1),
		Label:   label,
		Backend: maps.Clone(backend),
	}
	if snapshot != nil {
		ckpt.Snapshot = *snapshot
	}
	f.checkpoints = append(f.checkpoints, ckpt)
	return ckpt, nil
}

func (f *fakeStore) ListCheckpoints(ctx context.Context) ([]*Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Checkpoint(nil), f.checkpoints...), nil
}

func (f *fakeStore) RestoreCheckpoint(ctx context.Context, id string) (*StateSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.checkpoints {
		if c.ID == id {
			s := c.Snapshot
			return &s, nil
		}
	}
	return nil, errors.New("checkpoint not found")
}

type fakeLocker struct {
	held     bool
	released int
}

func (f *fakeLocker) TryLock() (func() error, error) {
	if f.held {
		return nil, NewPermanentError("another run holds the lock", nil).WithCode(ErrCodeLocked)
	}
	f.held = true
	return func() error {
		f.held = false
		f.released++
		return nil
	}, nil
}

type fakeScanner struct {
	reality *Reality
	err     error
	scans   int
}

func (f *fakeScanner) Scan(ctx context.Context) (*Reality, error) {
	f.scans++
	if f.err != nil {
		return nil, f.err
	}
	return f.reality, nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	started  []string
	actions  []ActionResult
	finished []*ApplyResult
	drift    []*DriftReport
	err      error
}

func (f *fakeRecorder) RunStarted(ctx context.Context, runID string, plan *Plan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, runID)
	return f.err
}

func (f *fakeRecorder) ActionFinished(ctx context.Context, runID string, result ActionResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, result)
	return f.err
}

func (f *fakeRecorder) RunFinished(ctx context.Context, result *ApplyResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, result)
	return f.err
}

func (f *fakeRecorder) DriftReported(ctx context.Context, runID string, report *DriftReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drift = append(f.drift, report)
	return f.err
}

type fakePolicy struct {
	violations []PolicyViolation
	err        error
}

func (f *fakePolicy) EvaluatePlan(ctx context.Context, plan *Plan, desired *Desired) ([]PolicyViolation, error) {
	return f.violations, f.err
}

func sortedCalls(calls []string) []string {
	out := append([]string(nil), calls...)
	sort.Strings(out)
	return out
}
