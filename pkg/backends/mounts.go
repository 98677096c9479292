package backends

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/tengil/tengil/pkg/engine"
	"github.com/tengil/tengil/pkg/telemetry"
)

// maxMountSlots is the number of mpN slots a container has.
const maxMountSlots = 256

// PCTMounts manages bind mounts through pct mpN entries. Attach calls on
// the same container are serialized so two mounts never pick the same slot.
type PCTMounts struct {
	runner Runner
	logger *telemetry.Logger

	mu    sync.Mutex
	locks map[int]*sync.Mutex
}

// NewPCTMounts creates the mount backend.
func NewPCTMounts(runner Runner, logger *telemetry.Logger) *PCTMounts {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &PCTMounts{
		runner: runner,
		logger: logger.NewComponentLogger("pct-mount"),
		locks:  make(map[int]*sync.Mutex),
	}
}

func (m *PCTMounts) containerLock(containerID int) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[containerID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[containerID] = l
	}
	return l
}

type mountSlot struct {
	slot  int
	mount engine.Mount

	// bind is false for storage volumes, which still occupy their slot.
	bind bool
}

// Attach binds source at target. A mount already at target is replaced in
// its slot; otherwise the lowest free slot is used.
func (m *PCTMounts) Attach(ctx context.Context, containerID int, source, target string, readonly bool) (engine.Result, error) {
	l := m.containerLock(containerID)
	l.Lock()
	defer l.Unlock()

	slots, err := m.slots(ctx, containerID)
	if err != nil {
		return engine.Result{}, err
	}

	slot := -1
	used := make(map[int]bool, len(slots))
	for _, s := range slots {
		used[s.slot] = true
		if !s.bind || s.mount.Target != target {
			continue
		}
		if s.mount.Source == source && s.mount.ReadOnly == readonly {
			return engine.Result{Note: "mount already configured"}, nil
		}
		slot = s.slot
	}
	if slot < 0 {
		for i := 0; i < maxMountSlots; i++ {
			if !used[i] {
				slot = i
				break
			}
		}
	}
	if slot < 0 {
		return engine.Result{}, engine.NewPermanentError(
			fmt.Sprintf("container %d has no free mount slot", containerID), nil).
			WithCode(engine.ErrCodeConflict)
	}

	spec := source + ",mp=" + target
	if readonly {
		spec += ",ro=1"
	}
	key := "mp" + strconv.Itoa(slot)
	if _, err := m.runner.Run(ctx, "pct", "set", strconv.Itoa(containerID), "-"+key, spec); err != nil {
		return engine.Result{}, fmt.Errorf("failed to set %s on container %d: %w", key, containerID, err)
	}
	m.logger.WithResourceID(fmt.Sprintf("%d:%s", containerID, target)).Infof("Set %s=%s", key, spec)
	return engine.Result{Changed: true}, nil
}

// ListMounts returns the bind mounts of one container ordered by target.
func (m *PCTMounts) ListMounts(ctx context.Context, containerID int) ([]engine.Mount, error) {
	slots, err := m.slots(ctx, containerID)
	if err != nil {
		return nil, err
	}
	mounts := make([]engine.Mount, 0, len(slots))
	for _, s := range slots {
		if s.bind {
			mounts = append(mounts, s.mount)
		}
	}
	sort.Slice(mounts, func(i, j int) bool { return mounts[i].Target < mounts[j].Target })
	return mounts, nil
}

func (m *PCTMounts) slots(ctx context.Context, containerID int) ([]mountSlot, error) {
	out, err := m.runner.Run(ctx, "pct", "config", strconv.Itoa(containerID))
	if err != nil {
		return nil, fmt.Errorf("failed to read config of container %d: %w", containerID, err)
	}
	var slots []mountSlot
	for _, line := range splitLines(out) {
		key, value, ok := strings.Cut(line, ":")
		if !ok || !isMountKey(key) {
			continue
		}
		n, _ := strconv.Atoi(key[2:])
		mount, bind := parseMountSpec(strings.TrimSpace(value))
		mount.ContainerID = containerID
		slots = append(slots, mountSlot{slot: n, mount: mount, bind: bind})
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].slot < slots[j].slot })
	return slots, nil
}

// isMountKey matches mp0 through mp255.
func isMountKey(key string) bool {
	rest, ok := strings.CutPrefix(key, "mp")
	if !ok || rest == "" {
		return false
	}
	n, err := strconv.Atoi(rest)
	return err == nil && n >= 0 && n < maxMountSlots
}

// parseMountSpec reads "/tank/movies,mp=/movies,ro=1". Storage-backed
// volumes (storage:vol) are not bind mounts and are ignored.
func parseMountSpec(spec string) (engine.Mount, bool) {
	parts := strings.Split(spec, ",")
	source := strings.TrimSpace(parts[0])
	if !strings.HasPrefix(source, "/") {
		return engine.Mount{}, false
	}
	m := engine.Mount{Source: source}
	for _, part := range parts[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "mp":
			m.Target = v
		case "ro":
			m.ReadOnly = v == "1"
		}
	}
	if m.Target == "" {
		return engine.Mount{}, false
	}
	return m, true
}
