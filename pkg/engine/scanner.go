package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tengil/tengil/pkg/telemetry"
)

// BackendScanner builds Reality by listing every backend.
type BackendScanner struct {
	backends *Backends
	now      func() time.Time
}

// NewBackendScanner creates a scanner over the given backends.
func NewBackendScanner(backends *Backends) *BackendScanner {
	return &BackendScanner{backends: backends, now: time.Now}
}

// Scan lists pools, datasets, containers and shares. Observed properties are
// normalized the same way resolved ones are, and mount sources are mapped
// back to the dataset mounted at that path.
func (s *BackendScanner) Scan(ctx context.Context) (reality *Reality, err error) {
	op := telemetry.StartOperation(ctx, "scan.reality")
	ctx = op.Ctx
	defer func() { op.End(err) }()

	reality = NewReality()
	reality.ScannedAt = s.now().UTC()

	if s.backends.Datasets != nil {
		pools, err := s.backends.Datasets.ListPools(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list pools: %w", err)
		}
		for i := range pools {
			p := pools[i]
			if p.Kind == "" {
				p.Kind = PoolKindZFS
			}
			reality.Pools[p.Name] = &p
		}

		datasets, err := s.backends.Datasets.ListAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list datasets: %w", err)
		}
		for i := range datasets {
			ds := datasets[i]
			props := make(map[string]string, len(ds.Properties))
			for k, v := range ds.Properties {
				norm, nerr := NormalizeProperty(k, v)
				if nerr != nil {
					norm = v
				}
				props[k] = norm
			}
			ds.Properties = props
			reality.Datasets[ds.Path] = &ds
		}
	}

	kinds := make([]string, 0, len(s.backends.Containers))
	for kind := range s.backends.Containers {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		driver := s.backends.Containers[ContainerKind(kind)]
		containers, err := driver.ListAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s containers: %w", kind, err)
		}
		for i := range containers {
			c := containers[i]
			if prev, dup := reality.Containers[c.ID]; dup {
				return nil, NewPlanError(fmt.Sprintf("container %d reported by both %s and %s drivers", c.ID, prev.Kind, c.Kind), nil).
					WithResource(ResourceRef{Type: ResourceContainer, ID: c.Key()}.String())
			}
			if s.backends.Mounts != nil && len(c.Mounts) == 0 {
				mounts, err := s.backends.Mounts.ListMounts(ctx, c.ID)
				if err != nil {
					return nil, fmt.Errorf("failed to list mounts of container %d: %w", c.ID, err)
				}
				c.Mounts = mounts
			}
			reality.Containers[c.ID] = &c
		}
	}

	for _, c := range reality.Containers {
		for i := range c.Mounts {
			m := &c.Mounts[i]
			m.ContainerID = c.ID
			m.ContainerName = c.Name
			if m.Dataset == "" {
				m.Dataset = reality.DatasetForPath(m.Source)
			}
		}
		sort.Slice(c.Mounts, func(i, j int) bool { return c.Mounts[i].Target < c.Mounts[j].Target })
	}

	protocols := make([]string, 0, len(s.backends.Shares))
	for p := range s.backends.Shares {
		protocols = append(protocols, string(p))
	}
	sort.Strings(protocols)
	for _, proto := range protocols {
		shares, err := s.backends.Shares[ShareProtocol(proto)].ListAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s shares: %w", proto, err)
		}
		for i := range shares {
			sh := shares[i]
			if sh.Dataset == "" {
				sh.Dataset = reality.DatasetForPath(sh.Path)
			}
			reality.Shares[sh.Key()] = &sh
		}
	}

	if op.Span != nil {
		op.Span.SetAttributes(
			attribute.Int("scan.datasets", len(reality.Datasets)),
			attribute.Int("scan.containers", len(reality.Containers)),
			attribute.Int("scan.shares", len(reality.Shares)),
		)
	}
	op.Logger.Debugf("scanned host: %d datasets, %d containers, %d shares",
		len(reality.Datasets), len(reality.Containers), len(reality.Shares))
	return reality, nil
}
