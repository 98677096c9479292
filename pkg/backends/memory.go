package backends

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"

	"github.com/tengil/tengil/pkg/engine"
)

// Memory implements every backend contract over an in-memory Reality. It
// serves tests and `tg --mock`.
//
// Calls are recorded as "<backend> <op> <target>", for example
// "zfs create tank/media", "pct start 101", "mount attach 101:/media" or
// "smb configure media". FailOn maps such a call to the error it returns.
type Memory struct {
	mu        sync.Mutex
	state     *engine.Reality
	snapshots map[string]bool
	calls     []string

	// FailOn injects an error for a call.
	FailOn map[string]error

	// AmbiguousCreate lists container ids whose Create stores the container
	// and still reports failure.
	AmbiguousCreate map[int]bool
}

// NewMemory creates a memory backend seeded with a copy of seed.
func NewMemory(seed *engine.Reality) *Memory {
	state := engine.NewReality()
	if seed != nil {
		if data, err := json.Marshal(seed); err == nil {
			_ = json.Unmarshal(data, state)
		}
	}
	if state.Pools == nil {
		state.Pools = make(map[string]*engine.Pool)
	}
	if state.Datasets == nil {
		state.Datasets = make(map[string]*engine.Dataset)
	}
	if state.Containers == nil {
		state.Containers = make(map[int]*engine.Container)
	}
	if state.Shares == nil {
		state.Shares = make(map[string]*engine.Share)
	}
	return &Memory{
		state:           state,
		snapshots:       make(map[string]bool),
		FailOn:          make(map[string]error),
		AmbiguousCreate: make(map[int]bool),
	}
}

// Backends returns the full backend set over this memory state. Container
// drivers are wrapped with VerifyAfterFailure like the host drivers.
func (m *Memory) Backends() *engine.Backends {
	return &engine.Backends{
		Datasets: m,
		Containers: map[engine.ContainerKind]engine.ContainerDriver{
			engine.ContainerKindTemplate: VerifyAfterFailure(&memoryDriver{m: m, kind: engine.ContainerKindTemplate}),
			engine.ContainerKindImage:    VerifyAfterFailure(&memoryDriver{m: m, kind: engine.ContainerKindImage}),
		},
		Mounts: m,
		Shares: map[engine.ShareProtocol]engine.ShareBackend{
			engine.ShareProtocolSMB: &memoryShares{m: m, protocol: engine.ShareProtocolSMB},
			engine.ShareProtocolNFS: &memoryShares{m: m, protocol: engine.ShareProtocolNFS},
		},
	}
}

// AddPool registers a pool.
func (m *Memory) AddPool(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Pools[name] = &engine.Pool{Name: name, Kind: engine.PoolKindZFS}
}

// Calls returns every recorded call in order.
func (m *Memory) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// CallCount counts recorded calls starting with prefix.
func (m *Memory) CallCount(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// Snapshots returns the snapshot names taken, sorted.
func (m *Memory) Snapshots() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.snapshots)
}

// Container returns a copy of a stored container.
func (m *Memory) Container(id int) (engine.Container, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.state.Containers[id]
	if !ok {
		return engine.Container{}, false
	}
	return copyContainer(c), true
}

// record logs a call and returns its injected failure. Callers hold mu.
func (m *Memory) record(call string) error {
	m.calls = append(m.calls, call)
	return m.FailOn[call]
}

// ListPools lists pools.
func (m *Memory) ListPools(ctx context.Context) ([]engine.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pools := make([]engine.Pool, 0, len(m.state.Pools))
	for _, name := range sortedKeys(m.state.Pools) {
		pools = append(pools, *m.state.Pools[name])
	}
	return pools, nil
}

// Exists reports whether a dataset exists.
func (m *Memory) Exists(ctx context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.state.Datasets[path]
	return ok, nil
}

// Create creates a dataset.
func (m *Memory) Create(ctx context.Context, path string, properties map[string]string) (engine.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("zfs create " + path); err != nil {
		return engine.Result{}, err
	}
	if _, ok := m.state.Pools[engine.PoolOf(path)]; !ok {
		return engine.Result{}, fmt.Errorf("pool %s does not exist", engine.PoolOf(path))
	}
	if ds, ok := m.state.Datasets[path]; ok {
		changed := setAll(ds, properties)
		return engine.Result{Changed: changed, Note: "dataset already existed"}, nil
	}
	m.state.Datasets[path] = &engine.Dataset{Path: path, Properties: maps.Clone(properties)}
	return engine.Result{Changed: true}, nil
}

// SetProperties sets dataset properties.
func (m *Memory) SetProperties(ctx context.Context, path string, properties map[string]string) (engine.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("zfs set " + path); err != nil {
		return engine.Result{}, err
	}
	ds, ok := m.state.Datasets[path]
	if !ok {
		return engine.Result{}, fmt.Errorf("dataset %s does not exist", path)
	}
	return engine.Result{Changed: setAll(ds, properties)}, nil
}

// ListAll lists datasets.
func (m *Memory) ListAll(ctx context.Context) ([]engine.Dataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]engine.Dataset, 0, len(m.state.Datasets))
	for _, path := range sortedKeys(m.state.Datasets) {
		ds := m.state.Datasets[path]
		out = append(out, engine.Dataset{Path: ds.Path, Properties: maps.Clone(ds.Properties)})
	}
	return out, nil
}

// Snapshot records dataset@name.
func (m *Memory) Snapshot(ctx context.Context, dataset, name string) (engine.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	full := dataset + "@" + name
	if err := m.record("zfs snapshot " + full); err != nil {
		return engine.Result{}, err
	}
	if m.snapshots[full] {
		return engine.Result{Note: "snapshot already exists"}, nil
	}
	m.snapshots[full] = true
	return engine.Result{Changed: true}, nil
}

// Attach binds source at target in a container.
func (m *Memory) Attach(ctx context.Context, containerID int, source, target string, readonly bool) (engine.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(fmt.Sprintf("mount attach %d:%s", containerID, target)); err != nil {
		return engine.Result{}, err
	}
	c, ok := m.state.Containers[containerID]
	if !ok {
		return engine.Result{}, fmt.Errorf("container %d does not exist", containerID)
	}
	mount := engine.Mount{
		ContainerID:   containerID,
		ContainerName: c.Name,
		Dataset:       m.state.DatasetForPath(source),
		Source:        source,
		Target:        target,
		ReadOnly:      readonly,
	}
	for i, existing := range c.Mounts {
		if existing.Target != target {
			continue
		}
		if existing.Source == source && existing.ReadOnly == readonly {
			return engine.Result{Note: "mount already configured"}, nil
		}
		c.Mounts[i] = mount
		return engine.Result{Changed: true}, nil
	}
	c.Mounts = append(c.Mounts, mount)
	sort.Slice(c.Mounts, func(i, j int) bool { return c.Mounts[i].Target < c.Mounts[j].Target })
	return engine.Result{Changed: true}, nil
}

// ListMounts lists the mounts of a container.
func (m *Memory) ListMounts(ctx context.Context, containerID int) ([]engine.Mount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.state.Containers[containerID]
	if !ok {
		return nil, fmt.Errorf("container %d does not exist", containerID)
	}
	return append([]engine.Mount(nil), c.Mounts...), nil
}

type memoryDriver struct {
	m    *Memory
	kind engine.ContainerKind
}

func (d *memoryDriver) Kind() engine.ContainerKind { return d.kind }

func (d *memoryDriver) Exists(ctx context.Context, id int) (bool, error) {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	_, ok := d.m.state.Containers[id]
	return ok, nil
}

func (d *memoryDriver) Create(ctx context.Context, spec *engine.Container) (engine.Result, error) {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	if err := d.m.record(fmt.Sprintf("pct create %d", spec.ID)); err != nil {
		return engine.Result{}, err
	}
	if _, ok := d.m.state.Containers[spec.ID]; ok {
		return engine.Result{}, engine.NewConflictError(fmt.Sprintf("container %d already exists", spec.ID), nil).
			WithCode(engine.ErrCodeAlreadyExists)
	}
	c := copyContainer(spec)
	c.Kind = d.kind
	c.Running = false
	c.Mounts = nil
	c.AutoCreate = false
	d.m.state.Containers[spec.ID] = &c
	if d.m.AmbiguousCreate[spec.ID] {
		return engine.Result{}, fmt.Errorf("pct create %d: exit status 255", spec.ID)
	}
	return engine.Result{Changed: true}, nil
}

func (d *memoryDriver) Start(ctx context.Context, id int) (engine.Result, error) {
	return d.setRunning(id, "start", true)
}

func (d *memoryDriver) Stop(ctx context.Context, id int) (engine.Result, error) {
	return d.setRunning(id, "stop", false)
}

func (d *memoryDriver) setRunning(id int, verb string, running bool) (engine.Result, error) {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	if err := d.m.record(fmt.Sprintf("pct %s %d", verb, id)); err != nil {
		return engine.Result{}, err
	}
	c, ok := d.m.state.Containers[id]
	if !ok {
		return engine.Result{}, fmt.Errorf("container %d does not exist", id)
	}
	if c.Running == running {
		return engine.Result{}, nil
	}
	c.Running = running
	return engine.Result{Changed: true}, nil
}

func (d *memoryDriver) SetInPlace(ctx context.Context, spec *engine.Container, changes []engine.Change) (engine.Result, error) {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	if err := d.m.record(fmt.Sprintf("pct set %d", spec.ID)); err != nil {
		return engine.Result{}, err
	}
	c, ok := d.m.state.Containers[spec.ID]
	if !ok {
		return engine.Result{}, fmt.Errorf("container %d does not exist", spec.ID)
	}
	for _, ch := range changes {
		switch ch.Path {
		case engine.FieldName:
			c.Name = spec.Name
		case engine.FieldCores:
			c.Resources.Cores = spec.Resources.Cores
		case engine.FieldMemory:
			c.Resources.Memory = spec.Resources.Memory
		case engine.FieldDisk:
			c.Resources.Disk = spec.Resources.Disk
		case engine.FieldBridge, engine.FieldIP:
			c.Network = spec.Network
		case engine.FieldEnv:
			c.Env = maps.Clone(spec.Env)
		case engine.FieldGPU:
			c.GPU = nil
			if spec.HasGPU() {
				c.GPU = engine.Bool(true)
			}
		case engine.FieldDescription:
			c.Description = spec.Description
		default:
			return engine.Result{}, fmt.Errorf("container %d: %s cannot be changed in place", spec.ID, ch.Path)
		}
	}
	return engine.Result{Changed: len(changes) > 0}, nil
}

func (d *memoryDriver) Destroy(ctx context.Context, id int) (engine.Result, error) {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	if err := d.m.record(fmt.Sprintf("pct destroy %d", id)); err != nil {
		return engine.Result{}, err
	}
	if _, ok := d.m.state.Containers[id]; !ok {
		return engine.Result{Note: "container already absent"}, nil
	}
	delete(d.m.state.Containers, id)
	return engine.Result{Changed: true}, nil
}

func (d *memoryDriver) ListAll(ctx context.Context) ([]engine.Container, error) {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	ids := make([]int, 0, len(d.m.state.Containers))
	for id, c := range d.m.state.Containers {
		if c.Kind == d.kind || (c.Kind == "" && d.kind == engine.ContainerKindTemplate) {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	out := make([]engine.Container, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyContainer(d.m.state.Containers[id]))
	}
	return out, nil
}

type memoryShares struct {
	m        *Memory
	protocol engine.ShareProtocol
}

func (s *memoryShares) Protocol() engine.ShareProtocol { return s.protocol }

func (s *memoryShares) Configure(ctx context.Context, share *engine.Share) (engine.Result, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if err := s.m.record(fmt.Sprintf("%s configure %s", s.protocol, share.Name)); err != nil {
		return engine.Result{}, err
	}
	cp := *share
	cp.ValidUsers = append([]string(nil), share.ValidUsers...)
	if existing, ok := s.m.state.Shares[share.Key()]; ok && len(engine.DiffShare(&cp, existing)) == 0 {
		return engine.Result{}, nil
	}
	s.m.state.Shares[share.Key()] = &cp
	return engine.Result{Changed: true}, nil
}

func (s *memoryShares) ListAll(ctx context.Context) ([]engine.Share, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []engine.Share
	for _, key := range sortedKeys(s.m.state.Shares) {
		sh := s.m.state.Shares[key]
		if sh.Protocol != s.protocol {
			continue
		}
		cp := *sh
		cp.ValidUsers = append([]string(nil), sh.ValidUsers...)
		out = append(out, cp)
	}
	return out, nil
}

func setAll(ds *engine.Dataset, properties map[string]string) bool {
	if ds.Properties == nil {
		ds.Properties = make(map[string]string)
	}
	changed := false
	for k, v := range properties {
		if ds.Properties[k] != v {
			ds.Properties[k] = v
			changed = true
		}
	}
	return changed
}

func copyContainer(c *engine.Container) engine.Container {
	cp := *c
	cp.Env = maps.Clone(c.Env)
	cp.Mounts = append([]engine.Mount(nil), c.Mounts...)
	return cp
}
