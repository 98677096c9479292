package stores

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tengil/tengil/pkg/engine"
)

const (
	// StateFileName is the state file inside the state directory.
	StateFileName = "state.json"

	// LockFileName is the advisory run lock inside the state directory.
	LockFileName = "tengil.lock"

	stateFileVersion = 1
)

// stateFile is the on-disk layout: the latest snapshot plus every checkpoint.
type stateFile struct {
	Version     int                   `json:"version"`
	Current     *engine.StateSnapshot `json:"current,omitempty"`
	Checkpoints []*engine.Checkpoint  `json:"checkpoints"`
}

// FileStateStore keeps state in a single JSON file. Every write goes to a
// temp file that is fsynced and renamed over the original.
type FileStateStore struct {
	dir  string
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewFileStateStore creates a store under dir, creating the directory if needed.
func NewFileStateStore(dir string) (*FileStateStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &FileStateStore{
		dir:  dir,
		path: filepath.Join(dir, StateFileName),
		now:  time.Now,
	}, nil
}

// Path returns the state file path.
func (s *FileStateStore) Path() string {
	return s.path
}

// Fingerprint returns the content hash of a source document.
func Fingerprint(document []byte) string {
	sum := sha256.Sum256(document)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Fingerprint returns the content hash of a source document.
func (s *FileStateStore) Fingerprint(document []byte) string {
	return Fingerprint(document)
}

// Load returns the current snapshot, or an empty one when nothing was saved.
// Desired is marked stale when the stored fingerprint differs.
func (s *FileStateStore) Load(ctx context.Context, fingerprint string) (*engine.StateSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return nil, err
	}
	if f.Current == nil {
		return &engine.StateSnapshot{}, nil
	}
	snap := f.Current
	snap.DesiredStale = snap.Desired != nil && snap.Fingerprint != fingerprint
	return snap, nil
}

// Save atomically replaces the current snapshot. Checkpoints are kept.
func (s *FileStateStore) Save(ctx context.Context, snapshot *engine.StateSnapshot) error {
	if snapshot == nil {
		return fmt.Errorf("snapshot is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return err
	}
	if snapshot.Timestamp.IsZero() {
		snapshot.Timestamp = s.now().UTC()
	}
	f.Current = snapshot
	return s.write(f)
}

// CreateCheckpoint records snapshot as a new labelled checkpoint. A nil
// snapshot checkpoints the current persisted one.
func (s *FileStateStore) CreateCheckpoint(ctx context.Context, label string, snapshot *engine.StateSnapshot, backend map[string]string) (*engine.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return nil, err
	}

	source := snapshot
	if source == nil {
		source = f.Current
	}
	var snap engine.StateSnapshot
	if source != nil {
		snap, err = copySnapshot(source)
		if err != nil {
			return nil, err
		}
	}

	ckpt := &engine.Checkpoint{
		ID:        uuid.New().String(),
		Label:     label,
		CreatedAt: s.now().UTC(),
		Snapshot:  snap,
		Backend:   maps.Clone(backend),
	}
	f.Checkpoints = append(f.Checkpoints, ckpt)
	if err := s.write(f); err != nil {
		return nil, err
	}
	return ckpt, nil
}

// ListCheckpoints returns checkpoints oldest first.
func (s *FileStateStore) ListCheckpoints(ctx context.Context) ([]*engine.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return nil, err
	}
	out := append([]*engine.Checkpoint(nil), f.Checkpoints...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetCheckpoint finds a checkpoint by ID or unique ID prefix.
func (s *FileStateStore) GetCheckpoint(ctx context.Context, id string) (*engine.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return nil, err
	}
	i, err := findCheckpoint(f.Checkpoints, id)
	if err != nil {
		return nil, err
	}
	return f.Checkpoints[i], nil
}

// RestoreCheckpoint returns a copy of the snapshot held by a checkpoint.
// The current snapshot is left untouched; callers decide what to reapply.
func (s *FileStateStore) RestoreCheckpoint(ctx context.Context, id string) (*engine.StateSnapshot, error) {
	ckpt, err := s.GetCheckpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	snap, err := copySnapshot(&ckpt.Snapshot)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// DeleteCheckpoint removes one checkpoint.
func (s *FileStateStore) DeleteCheckpoint(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return err
	}
	i, err := findCheckpoint(f.Checkpoints, id)
	if err != nil {
		return err
	}
	f.Checkpoints = append(f.Checkpoints[:i], f.Checkpoints[i+1:]...)
	return s.write(f)
}

// PruneCheckpoints keeps the newest keep checkpoints and returns the removed ones.
func (s *FileStateStore) PruneCheckpoints(ctx context.Context, keep int) ([]*engine.Checkpoint, error) {
	if keep < 0 {
		return nil, fmt.Errorf("keep must not be negative")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return nil, err
	}
	if len(f.Checkpoints) <= keep {
		return nil, nil
	}
	sort.SliceStable(f.Checkpoints, func(i, j int) bool {
		return f.Checkpoints[i].CreatedAt.Before(f.Checkpoints[j].CreatedAt)
	})
	cut := len(f.Checkpoints) - keep
	removed := append([]*engine.Checkpoint(nil), f.Checkpoints[:cut]...)
	f.Checkpoints = f.Checkpoints[cut:]
	if err := s.write(f); err != nil {
		return nil, err
	}
	return removed, nil
}

// TryLock takes the run lock in the state directory.
func (s *FileStateStore) TryLock() (func() error, error) {
	return NewRunLock(filepath.Join(s.dir, LockFileName)).TryLock()
}

func findCheckpoint(checkpoints []*engine.Checkpoint, id string) (int, error) {
	if id == "" {
		return -1, fmt.Errorf("checkpoint id is required")
	}
	match := -1
	for i, c := range checkpoints {
		if c.ID == id {
			return i, nil
		}
		if strings.HasPrefix(c.ID, id) {
			if match >= 0 {
				return -1, fmt.Errorf("checkpoint id %q is ambiguous", id)
			}
			match = i
		}
	}
	if match < 0 {
		return -1, fmt.Errorf("checkpoint not found: %s", id)
	}
	return match, nil
}

func copySnapshot(s *engine.StateSnapshot) (engine.StateSnapshot, error) {
	var out engine.StateSnapshot
	data, err := json.Marshal(s)
	if err != nil {
		return out, fmt.Errorf("failed to copy snapshot: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("failed to copy snapshot: %w", err)
	}
	return out, nil
}

// read loads the state file; a missing file is an empty state. Must hold mu.
func (s *FileStateStore) read() (*stateFile, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &stateFile{Version: stateFileVersion}, nil
	}
	if err != nil {
		return nil, engine.NewStoreError("failed to read state file", err).WithResource(s.path)
	}

	var f stateFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, engine.NewStoreError("state file is corrupt", err).WithResource(s.path)
	}
	if f.Version > stateFileVersion {
		return nil, engine.NewStoreError(
			fmt.Sprintf("state file version %d is newer than supported version %d", f.Version, stateFileVersion), nil).
			WithResource(s.path)
	}
	f.Version = stateFileVersion
	return &f, nil
}

// write persists the state file with temp file, fsync and rename. Must hold mu.
func (s *FileStateStore) write(f *stateFile) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return engine.NewStoreError("failed to marshal state", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".state-*.json")
	if err != nil {
		return engine.NewStoreError("failed to create temp file", err).WithResource(s.dir)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return engine.NewStoreError("failed to write temp file", err).WithResource(tmpPath)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return engine.NewStoreError("failed to sync temp file", err).WithResource(tmpPath)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return engine.NewStoreError("failed to close temp file", err).WithResource(tmpPath)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		cleanup()
		return engine.NewStoreError("failed to set state file mode", err).WithResource(tmpPath)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		cleanup()
		return engine.NewStoreError("failed to replace state file", err).WithResource(s.path)
	}

	// Persist the rename itself.
	if d, err := os.Open(s.dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
