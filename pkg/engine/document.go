package engine

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is the typed form of the source document as produced by the loader.
// It is syntax-free input to Resolve.
type Document struct {
	Version    int                `yaml:"version" json:"version"`
	Pools      map[string]PoolDoc `yaml:"pools" json:"pools" validate:"dive,keys,zfsname,endkeys"`
	Containers []ContainerDoc     `yaml:"containers,omitempty" json:"containers,omitempty" validate:"dive"`
	Shares     []ShareDoc         `yaml:"shares,omitempty" json:"shares,omitempty" validate:"dive"`
}

// PoolDoc declares the datasets inside one pool.
type PoolDoc struct {
	Type     string                `yaml:"type,omitempty" json:"type,omitempty" validate:"omitempty,oneof=zfs"`
	Datasets map[string]DatasetDoc `yaml:"datasets" json:"datasets" validate:"dive,keys,zfspath,endkeys"`
}

// DatasetDoc declares one dataset relative to its pool.
type DatasetDoc struct {
	Profile     string         `yaml:"profile,omitempty" json:"profile,omitempty"`
	ZFS         map[string]any `yaml:"zfs,omitempty" json:"zfs,omitempty"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Containers  []MountDoc     `yaml:"containers,omitempty" json:"containers,omitempty" validate:"dive"`
	Shares      DatasetShares  `yaml:"shares,omitempty" json:"shares,omitempty"`
}

// DatasetShares groups the per-protocol share declarations of a dataset.
type DatasetShares struct {
	SMB *SMBShareDoc `yaml:"smb,omitempty" json:"smb,omitempty"`
	NFS *NFSShareDoc `yaml:"nfs,omitempty" json:"nfs,omitempty"`
}

// MountDoc is a dataset-level container mount.
// It also accepts the compact form "name:/target" or "name:/target:ro".
type MountDoc struct {
	Name     string `yaml:"name" json:"name" validate:"required"`
	Mount    string `yaml:"mount" json:"mount" validate:"required,startswith=/"`
	ReadOnly *bool  `yaml:"readonly,omitempty" json:"readonly,omitempty"`
}

// UnmarshalYAML accepts both the mapping and the compact string form.
func (m *MountDoc) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		parsed, err := ParseMountShorthand(value.Value)
		if err != nil {
			return err
		}
		*m = parsed
		return nil
	}
	type plain MountDoc
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*m = MountDoc(p)
	return nil
}

// ParseMountShorthand parses "name:/target[:ro|:rw]".
func ParseMountShorthand(s string) (MountDoc, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || !strings.HasPrefix(parts[1], "/") {
		return MountDoc{}, fmt.Errorf("invalid mount shorthand %q (want name:/path[:ro])", s)
	}
	doc := MountDoc{Name: parts[0], Mount: parts[1]}
	if len(parts) == 3 {
		switch parts[2] {
		case "ro":
			ro := true
			doc.ReadOnly = &ro
		case "rw":
			rw := false
			doc.ReadOnly = &rw
		default:
			return MountDoc{}, fmt.Errorf("invalid access mode %q in %q", parts[2], s)
		}
	}
	return doc, nil
}

// SMBShareDoc declares an SMB share.
type SMBShareDoc struct {
	Name           string   `yaml:"name,omitempty" json:"name,omitempty"`
	Browseable     *bool    `yaml:"browseable,omitempty" json:"browseable,omitempty"`
	GuestOK        bool     `yaml:"guest_ok,omitempty" json:"guest_ok,omitempty"`
	ReadOnly       *bool    `yaml:"read_only,omitempty" json:"read_only,omitempty"`
	ValidUsers     []string `yaml:"valid_users,omitempty" json:"valid_users,omitempty"`
	AllowedNetwork string   `yaml:"hosts_allow,omitempty" json:"hosts_allow,omitempty"`
	Comment        string   `yaml:"comment,omitempty" json:"comment,omitempty"`
}

// NFSShareDoc declares an NFS export.
type NFSShareDoc struct {
	Allowed  string `yaml:"allowed,omitempty" json:"allowed,omitempty"`
	Options  string `yaml:"options,omitempty" json:"options,omitempty"`
	ReadOnly *bool  `yaml:"read_only,omitempty" json:"read_only,omitempty"`
}

// ShareDoc is a standalone share entry referencing a dataset by full path.
type ShareDoc struct {
	Dataset string       `yaml:"dataset" json:"dataset" validate:"required,zfspath"`
	SMB     *SMBShareDoc `yaml:"smb,omitempty" json:"smb,omitempty"`
	NFS     *NFSShareDoc `yaml:"nfs,omitempty" json:"nfs,omitempty"`
}

// ContainerDoc declares a container.
type ContainerDoc struct {
	Name        string              `yaml:"name" json:"name" validate:"required,hostname_rfc1123"`
	VMID        int                 `yaml:"vmid" json:"vmid" validate:"vmid"`
	Kind        string              `yaml:"kind,omitempty" json:"kind,omitempty" validate:"omitempty,oneof=template image"`
	Template    string              `yaml:"template,omitempty" json:"template,omitempty"`
	Image       string              `yaml:"image,omitempty" json:"image,omitempty"`
	AutoCreate  bool                `yaml:"auto_create,omitempty" json:"auto_create,omitempty"`
	Resources   Resources           `yaml:"resources,omitempty" json:"resources,omitempty"`
	Network     Network             `yaml:"network,omitempty" json:"network,omitempty"`
	Env         map[string]string   `yaml:"env,omitempty" json:"env,omitempty"`
	GPU         *bool               `yaml:"gpu,omitempty" json:"gpu,omitempty"`
	Description string              `yaml:"description,omitempty" json:"description,omitempty"`
	Mounts      []ContainerMountDoc `yaml:"mounts,omitempty" json:"mounts,omitempty" validate:"dive"`
}

// ContainerMountDoc is a container-level mount naming its source dataset by full path.
type ContainerMountDoc struct {
	Dataset  string `yaml:"dataset" json:"dataset" validate:"required,zfspath"`
	Mount    string `yaml:"mount" json:"mount" validate:"required,startswith=/"`
	ReadOnly *bool  `yaml:"readonly,omitempty" json:"readonly,omitempty"`
}
