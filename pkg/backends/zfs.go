package backends

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/tengil/tengil/pkg/engine"
	"github.com/tengil/tengil/pkg/telemetry"
)

// TrackedProperties are always reported, even when inherited, so that
// profile values compare against what the dataset actually uses.
var TrackedProperties = []string{
	"atime",
	"compression",
	"copies",
	"mountpoint",
	"primarycache",
	"quota",
	"recordsize",
	"sync",
	"xattr",
}

// ZFSConfig configures the ZFS backend.
type ZFSConfig struct {
	// CacheSize bounds the number of datasets whose properties are cached.
	CacheSize int

	// CacheTTL bounds how long a property read is reused.
	CacheTTL time.Duration
}

// ZFS manages datasets through the zfs and zpool commands.
type ZFS struct {
	runner Runner
	cache  *expirable.LRU[string, map[string]string]
	logger *telemetry.Logger
}

// NewZFS creates a ZFS backend.
func NewZFS(runner Runner, cfg ZFSConfig, logger *telemetry.Logger) *ZFS {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &ZFS{
		runner: runner,
		cache:  expirable.NewLRU[string, map[string]string](cfg.CacheSize, nil, cfg.CacheTTL),
		logger: logger.NewComponentLogger("zfs"),
	}
}

// ListPools lists imported pools.
func (z *ZFS) ListPools(ctx context.Context) ([]engine.Pool, error) {
	out, err := z.runner.Run(ctx, "zpool", "list", "-H", "-o", "name")
	if err != nil {
		return nil, fmt.Errorf("failed to list pools: %w", err)
	}
	var pools []engine.Pool
	for _, line := range splitLines(out) {
		pools = append(pools, engine.Pool{Name: strings.TrimSpace(line), Kind: engine.PoolKindZFS})
	}
	return pools, nil
}

// Exists reports whether a filesystem dataset exists.
func (z *ZFS) Exists(ctx context.Context, path string) (bool, error) {
	_, err := z.runner.Run(ctx, "zfs", "list", "-H", "-o", "name", "-t", "filesystem", path)
	if err == nil {
		return true, nil
	}
	if IsCommandError(err) {
		return false, nil
	}
	return false, err
}

// Create creates the dataset with properties. An existing dataset has its
// properties reconciled instead.
func (z *ZFS) Create(ctx context.Context, path string, properties map[string]string) (engine.Result, error) {
	exists, err := z.Exists(ctx, path)
	if err != nil {
		return engine.Result{}, err
	}
	if exists {
		res, err := z.SetProperties(ctx, path, properties)
		if err != nil {
			return res, err
		}
		res.Note = "dataset already existed"
		return res, nil
	}

	args := []string{"create"}
	for _, k := range sortedKeys(properties) {
		args = append(args, "-o", k+"="+properties[k])
	}
	args = append(args, path)

	defer z.cache.Remove(path)
	if _, err := z.runner.Run(ctx, "zfs", args...); err != nil {
		return engine.Result{}, fmt.Errorf("failed to create dataset %s: %w", path, err)
	}
	z.logger.WithResourceID(path).Info("Created dataset")
	return engine.Result{Changed: true}, nil
}

// SetProperties sets only the properties whose current value differs.
func (z *ZFS) SetProperties(ctx context.Context, path string, properties map[string]string) (engine.Result, error) {
	current, err := z.properties(ctx, path)
	if err != nil {
		return engine.Result{}, err
	}

	var pairs []string
	for _, k := range sortedKeys(properties) {
		want := properties[k]
		if have, ok := current[k]; ok && sameProperty(k, have, want) {
			continue
		}
		pairs = append(pairs, k+"="+want)
	}
	if len(pairs) == 0 {
		return engine.Result{}, nil
	}

	defer z.cache.Remove(path)
	args := append([]string{"set"}, pairs...)
	args = append(args, path)
	if _, err := z.runner.Run(ctx, "zfs", args...); err != nil {
		return engine.Result{}, fmt.Errorf("failed to set properties on %s: %w", path, err)
	}
	z.logger.WithResourceID(path).Infof("Set %s", strings.Join(pairs, " "))
	return engine.Result{Changed: true}, nil
}

// ListAll lists every filesystem dataset with its tracked and locally set
// properties. The property reads populate the cache.
func (z *ZFS) ListAll(ctx context.Context) ([]engine.Dataset, error) {
	out, err := z.runner.Run(ctx, "zfs", "get", "-H", "-p", "-t", "filesystem",
		"-o", "name,property,value,source", "all")
	if err != nil {
		return nil, fmt.Errorf("failed to list datasets: %w", err)
	}

	props := parseProperties(out)
	names := sortedKeys(props)
	datasets := make([]engine.Dataset, 0, len(names))
	for _, name := range names {
		z.cache.Add(name, maps.Clone(props[name]))
		datasets = append(datasets, engine.Dataset{Path: name, Properties: props[name]})
	}
	return datasets, nil
}

// Snapshot takes dataset@name unless it already exists.
func (z *ZFS) Snapshot(ctx context.Context, dataset, name string) (engine.Result, error) {
	full := dataset + "@" + name
	if _, err := z.runner.Run(ctx, "zfs", "list", "-H", "-o", "name", "-t", "snapshot", full); err == nil {
		return engine.Result{Note: "snapshot already exists"}, nil
	} else if !IsCommandError(err) {
		return engine.Result{}, err
	}

	if _, err := z.runner.Run(ctx, "zfs", "snapshot", full); err != nil {
		return engine.Result{}, fmt.Errorf("failed to snapshot %s: %w", full, err)
	}
	z.logger.WithResourceID(full).Info("Created safety snapshot")
	return engine.Result{Changed: true}, nil
}

// properties returns the cached or freshly read properties of one dataset.
func (z *ZFS) properties(ctx context.Context, path string) (map[string]string, error) {
	if cached, ok := z.cache.Get(path); ok {
		return cached, nil
	}
	out, err := z.runner.Run(ctx, "zfs", "get", "-H", "-p", "-o", "name,property,value,source", "all", path)
	if err != nil {
		return nil, fmt.Errorf("failed to read properties of %s: %w", path, err)
	}
	props := parseProperties(out)[path]
	if props == nil {
		props = map[string]string{}
	}
	z.cache.Add(path, maps.Clone(props))
	return props, nil
}

// parseProperties reads `zfs get -H -o name,property,value,source` output,
// keeping tracked properties and anything set locally or received.
func parseProperties(out string) map[string]map[string]string {
	tracked := make(map[string]bool, len(TrackedProperties))
	for _, p := range TrackedProperties {
		tracked[p] = true
	}

	result := make(map[string]map[string]string)
	for _, line := range splitLines(out) {
		parts := strings.Split(line, "\t")
		if len(parts) < 4 {
			continue
		}
		name, prop, value, source := parts[0], parts[1], parts[2], parts[3]
		if strings.Contains(name, "@") {
			continue
		}
		if result[name] == nil {
			result[name] = make(map[string]string)
		}
		if value == "-" {
			continue
		}
		local := source == "local" || source == "received"
		if tracked[prop] || local {
			result[name][prop] = value
		}
	}
	return result
}

// sameProperty compares two property values in canonical form.
func sameProperty(key, a, b string) bool {
	na, errA := engine.NormalizeProperty(key, a)
	nb, errB := engine.NormalizeProperty(key, b)
	if errA != nil || errB != nil {
		return a == b
	}
	return na == nb
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
