package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// PoolKindZFS is the only pool kind managed by tengil.
const PoolKindZFS = "zfs"

// Pool is a storage root. Pools are created by hand and never touched by apply.
type Pool struct {
	// Name is the pool name (first path element of every dataset inside it).
	Name string `json:"name"`

	// Kind is always "zfs".
	Kind string `json:"kind"`
}

// Dataset is a storage unit inside a pool.
type Dataset struct {
	// Path is the full dataset name, e.g. "tank/media/movies".
	Path string `json:"path"`

	// Profile is the named property bundle the dataset was resolved from.
	Profile string `json:"profile,omitempty"`

	// Properties are the resolved, normalized dataset properties.
	// Profile defaults overlaid by explicit overrides.
	Properties map[string]string `json:"properties,omitempty"`

	// Description is free text carried for humans only.
	Description string `json:"description,omitempty"`

	// AutoParent marks a dataset that was implied by a nested child path.
	AutoParent bool `json:"auto_parent,omitempty"`

	// Mounts lists container mounts whose source is this dataset.
	Mounts []Mount `json:"mounts,omitempty"`

	// Shares lists network shares exposing this dataset.
	Shares []Share `json:"shares,omitempty"`
}

// Pool returns the pool name the dataset lives in.
func (d *Dataset) Pool() string {
	return PoolOf(d.Path)
}

// Parent returns the parent dataset path, or "" for a pool-level dataset.
func (d *Dataset) Parent() string {
	i := strings.LastIndex(d.Path, "/")
	if i <= 0 {
		return ""
	}
	parent := d.Path[:i]
	if !strings.Contains(parent, "/") {
		// the pool root itself is not a managed dataset
		return ""
	}
	return parent
}

// Mountpoint returns the host path the dataset is mounted at.
func (d *Dataset) Mountpoint() string {
	if mp, ok := d.Properties["mountpoint"]; ok && strings.HasPrefix(mp, "/") {
		return mp
	}
	return "/" + d.Path
}

// PoolOf returns the pool component of a dataset path.
func PoolOf(path string) string {
	if i := strings.Index(path, "/"); i >= 0 {
		return path[:i]
	}
	return path
}

// ContainerKind is the closed set of container families.
type ContainerKind string

const (
	// ContainerKindTemplate is a container built from an OS template.
	ContainerKindTemplate ContainerKind = "template"

	// ContainerKindImage is a container built from an OCI image reference.
	ContainerKindImage ContainerKind = "image"
)

// Validate checks that the kind is one of the known families.
func (k ContainerKind) Validate() error {
	switch k {
	case ContainerKindTemplate, ContainerKindImage:
		return nil
	default:
		return fmt.Errorf("invalid container kind: %q", k)
	}
}

// Resources is the resource shape of a container. Zero means unspecified.
type Resources struct {
	Cores  int `json:"cores,omitempty"`
	Memory int `json:"memory,omitempty"` // MiB
	Disk   int `json:"disk,omitempty"`   // GiB
}

// Network is the primary interface configuration of a container.
type Network struct {
	Bridge string `json:"bridge,omitempty"`
	IP     string `json:"ip,omitempty"`
}

// Container is a compute unit on the host.
type Container struct {
	// ID is the host-unique numeric identity. Stable once created.
	ID int `json:"id"`

	// Name is the container hostname.
	Name string `json:"name"`

	// Kind selects the container family.
	Kind ContainerKind `json:"kind,omitempty"`

	// Template is the OS template for template-based containers.
	Template string `json:"template,omitempty"`

	// Image is the normalized OCI reference for image-based containers.
	Image string `json:"image,omitempty"`

	Resources Resources         `json:"resources"`
	Network   Network           `json:"network"`
	Env       map[string]string `json:"env,omitempty"`

	// GPU is nil when Desired leaves passthrough unspecified. In Reality nil
	// means off.
	GPU *bool `json:"gpu,omitempty"`

	// Description is cosmetic text shown in the host UI.
	Description string `json:"description,omitempty"`

	// AutoCreate allows apply to create the container when it is missing.
	AutoCreate bool `json:"auto_create,omitempty"`

	// Running is observed state only; Desired leaves it false.
	Running bool `json:"running,omitempty"`

	// Mounts are the bind mounts into this container, ordered by target.
	Mounts []Mount `json:"mounts,omitempty"`
}

// HasGPU reports whether GPU passthrough is on.
func (c *Container) HasGPU() bool {
	return c.GPU != nil && *c.GPU
}

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// Key returns the resource key used in plans and drift reports.
func (c *Container) Key() string {
	return fmt.Sprintf("%d", c.ID)
}

// Mount binds a dataset path into a container.
type Mount struct {
	ContainerID   int    `json:"container_id"`
	ContainerName string `json:"container_name,omitempty"`

	// Dataset is the source dataset path. Empty when the observed source
	// does not belong to any known dataset.
	Dataset string `json:"dataset,omitempty"`

	// Source is the host path bound into the container.
	Source string `json:"source"`

	// Target is the path inside the container.
	Target string `json:"target"`

	ReadOnly bool `json:"readonly"`
}

// Key returns the (container, target) identity of the mount.
func (m *Mount) Key() string {
	return fmt.Sprintf("%d:%s", m.ContainerID, m.Target)
}

// ShareProtocol identifies the network share family.
type ShareProtocol string

const (
	ShareProtocolSMB ShareProtocol = "smb"
	ShareProtocolNFS ShareProtocol = "nfs"
)

// Share is a network-exposed view of exactly one dataset.
type Share struct {
	Protocol ShareProtocol `json:"protocol"`

	// Name is the SMB section name. For NFS it is the dataset path.
	Name string `json:"name"`

	Dataset string `json:"dataset"`

	// Path is the exported host path.
	Path string `json:"path"`

	Browseable     bool     `json:"browseable"`
	GuestOK        bool     `json:"guest_ok"`
	ReadOnly       bool     `json:"read_only"`
	AllowedNetwork string   `json:"allowed_network,omitempty"`
	ValidUsers     []string `json:"valid_users,omitempty"`
	Comment        string   `json:"comment,omitempty"`

	// Options is the raw NFS export option string.
	Options string `json:"options,omitempty"`
}

// Key returns "protocol:name".
func (s *Share) Key() string {
	return ShareKey(s.Protocol, s.Name)
}

// ShareKey builds a share key.
func ShareKey(protocol ShareProtocol, name string) string {
	return string(protocol) + ":" + name
}

// Desired is the fully resolved resource model derived from the document.
type Desired struct {
	Pools      map[string]*Pool    `json:"pools"`
	Datasets   map[string]*Dataset `json:"datasets"`
	Containers map[int]*Container  `json:"containers"`
	Shares     map[string]*Share   `json:"shares"`

	// Notes records resolver decisions such as inferred access modes.
	Notes []string `json:"notes,omitempty"`
}

// NewDesired returns an empty Desired model.
func NewDesired() *Desired {
	return &Desired{
		Pools:      make(map[string]*Pool),
		Datasets:   make(map[string]*Dataset),
		Containers: make(map[int]*Container),
		Shares:     make(map[string]*Share),
	}
}

// Mounts returns every desired mount sorted by container and target.
func (d *Desired) Mounts() []Mount {
	return collectMounts(d.Containers)
}

// References reports whether Desired declares the resource.
func (d *Desired) References(ref ResourceRef) bool {
	if d == nil {
		return false
	}
	switch ref.Type {
	case ResourceDataset:
		_, ok := d.Datasets[ref.ID]
		return ok
	case ResourceContainer:
		for _, c := range d.Containers {
			if c.Key() == ref.ID {
				return true
			}
		}
	case ResourceMount:
		for _, m := range d.Mounts() {
			if m.Key() == ref.ID {
				return true
			}
		}
	case ResourceShare:
		_, ok := d.Shares[ref.ID]
		return ok
	}
	return false
}

// Reality is the resource model as observed on the host.
type Reality struct {
	Pools      map[string]*Pool    `json:"pools"`
	Datasets   map[string]*Dataset `json:"datasets"`
	Containers map[int]*Container  `json:"containers"`
	Shares     map[string]*Share   `json:"shares"`
	ScannedAt  time.Time           `json:"scanned_at"`
}

// NewReality returns an empty Reality.
func NewReality() *Reality {
	return &Reality{
		Pools:      make(map[string]*Pool),
		Datasets:   make(map[string]*Dataset),
		Containers: make(map[int]*Container),
		Shares:     make(map[string]*Share),
	}
}

// Mounts returns every observed mount sorted by container and target.
func (r *Reality) Mounts() []Mount {
	return collectMounts(r.Containers)
}

// DatasetForPath maps a host path to the observed dataset mounted there.
func (r *Reality) DatasetForPath(path string) string {
	best := ""
	bestLen := -1
	for _, ds := range r.Datasets {
		mp := ds.Mountpoint()
		if (path == mp || strings.HasPrefix(path, mp+"/")) && len(mp) > bestLen {
			best, bestLen = ds.Path, len(mp)
		}
	}
	return best
}

func collectMounts(containers map[int]*Container) []Mount {
	var out []Mount
	for _, c := range containers {
		out = append(out, c.Mounts...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ContainerID != out[j].ContainerID {
			return out[i].ContainerID < out[j].ContainerID
		}
		return out[i].Target < out[j].Target
	})
	return out
}

// ResourceType names the resource families.
type ResourceType string

const (
	ResourcePool      ResourceType = "pool"
	ResourceDataset   ResourceType = "dataset"
	ResourceContainer ResourceType = "container"
	ResourceMount     ResourceType = "mount"
	ResourceShare     ResourceType = "share"
)

// ResourceRef identifies one resource.
type ResourceRef struct {
	Type ResourceType `json:"type"`
	ID   string       `json:"id"`
}

// String renders the reference as "type/id".
func (r ResourceRef) String() string {
	return string(r.Type) + "/" + r.ID
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
