package engine

import (
	"fmt"
	"maps"
	"path"
	"sort"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
)

// Resolve turns a typed document into the Desired model. It is pure: no
// backend is consulted. Mount sources that are not declared datasets are
// left for the planner to check against Reality.
func Resolve(doc *Document) (*Desired, error) {
	if doc == nil {
		return nil, NewResolutionError("document is nil", nil)
	}

	r := &resolver{doc: doc, desired: NewDesired(), byName: make(map[string]*Container)}

	steps := []func() error{
		r.resolvePools,
		r.resolveDatasets,
		r.resolveContainers,
		r.resolveMounts,
		r.resolveShares,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}

	r.finish()
	return r.desired, nil
}

type resolver struct {
	doc     *Document
	desired *Desired
	byName  map[string]*Container
}

func (r *resolver) note(format string, args ...any) {
	r.desired.Notes = append(r.desired.Notes, fmt.Sprintf(format, args...))
}

func (r *resolver) resolvePools() error {
	for _, poolName := range sortedKeys(r.doc.Pools) {
		pd := r.doc.Pools[poolName]
		if poolName == "" || strings.Contains(poolName, "/") {
			return NewResolutionError(fmt.Sprintf("invalid pool name %q", poolName), nil)
		}
		if pd.Type != "" && pd.Type != PoolKindZFS {
			return NewResolutionError(fmt.Sprintf("pool %s: unsupported type %q", poolName, pd.Type), nil).
				WithResource(poolName)
		}
		r.desired.Pools[poolName] = &Pool{Name: poolName, Kind: PoolKindZFS}
	}
	return nil
}

func (r *resolver) resolveDatasets() error {
	for _, poolName := range sortedKeys(r.doc.Pools) {
		pd := r.doc.Pools[poolName]
		for _, rel := range sortedKeys(pd.Datasets) {
			dd := pd.Datasets[rel]
			full, err := joinDatasetPath(poolName, rel)
			if err != nil {
				return NewResolutionError(err.Error(), nil).WithResource(poolName + "/" + rel)
			}

			props := make(map[string]string)
			if dd.Profile != "" {
				profile, ok := LookupProfile(dd.Profile)
				if !ok {
					return NewResolutionError(fmt.Sprintf("unknown profile %q", dd.Profile), nil).
						WithResource(full).WithDetail("profile", dd.Profile)
				}
				for k, v := range profile.Properties {
					props[k] = v
				}
			}

			overrides, err := NormalizeProperties(dd.ZFS)
			if err != nil {
				return NewResolutionError("invalid dataset property", err).WithResource(full)
			}
			for k, v := range overrides {
				props[k] = v
			}

			r.desired.Datasets[full] = &Dataset{
				Path:        full,
				Profile:     dd.Profile,
				Properties:  props,
				Description: dd.Description,
			}
		}
	}

	// Nested declarations imply their parents.
	for _, full := range sortedKeys(r.desired.Datasets) {
		parts := strings.Split(full, "/")
		for i := 2; i < len(parts); i++ {
			parent := strings.Join(parts[:i], "/")
			if _, ok := r.desired.Datasets[parent]; ok {
				continue
			}
			r.desired.Datasets[parent] = &Dataset{
				Path:       parent,
				Properties: map[string]string{},
				AutoParent: true,
			}
			r.note("dataset %s added as parent of %s", parent, full)
		}
	}
	return nil
}

func joinDatasetPath(pool, rel string) (string, error) {
	rel = strings.Trim(strings.TrimSpace(rel), "/")
	if rel == "" {
		return "", fmt.Errorf("empty dataset name in pool %s", pool)
	}
	for _, part := range strings.Split(rel, "/") {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, "@# ") {
			return "", fmt.Errorf("invalid dataset name %q", rel)
		}
	}
	return pool + "/" + rel, nil
}

func (r *resolver) resolveContainers() error {
	for _, cd := range r.doc.Containers {
		if cd.VMID <= 0 {
			return NewResolutionError(fmt.Sprintf("container %q has no vmid", cd.Name), nil)
		}
		if cd.Name == "" {
			return NewResolutionError(fmt.Sprintf("container %d has no name", cd.VMID), nil)
		}
		if prev, dup := r.desired.Containers[cd.VMID]; dup {
			return NewResolutionError(
				fmt.Sprintf("duplicate container id %d (%s and %s)", cd.VMID, prev.Name, cd.Name), nil).
				WithResource(fmt.Sprintf("%d", cd.VMID))
		}
		if prev, dup := r.byName[cd.Name]; dup {
			return NewResolutionError(
				fmt.Sprintf("duplicate container name %q (ids %d and %d)", cd.Name, prev.ID, cd.VMID), nil).
				WithResource(cd.Name)
		}

		kind, err := resolveKind(cd)
		if err != nil {
			return NewResolutionError(err.Error(), nil).WithResource(cd.Name)
		}

		image := ""
		if cd.Image != "" {
			image, err = NormalizeImage(cd.Image)
			if err != nil {
				return NewResolutionError("invalid image reference", err).WithResource(cd.Name)
			}
		}

		c := &Container{
			ID:          cd.VMID,
			Name:        cd.Name,
			Kind:        kind,
			Template:    cd.Template,
			Image:       image,
			Resources:   cd.Resources,
			Network:     cd.Network,
			Env:         maps.Clone(cd.Env),
			GPU:         cloneBool(cd.GPU),
			Description: cd.Description,
			AutoCreate:  cd.AutoCreate,
		}
		r.desired.Containers[c.ID] = c
		r.byName[c.Name] = c
	}
	return nil
}

func resolveKind(cd ContainerDoc) (ContainerKind, error) {
	kind := ContainerKind(cd.Kind)
	switch {
	case kind != "":
		if err := kind.Validate(); err != nil {
			return "", err
		}
		if kind == ContainerKindTemplate && cd.Image != "" {
			return "", fmt.Errorf("template container sets image %q", cd.Image)
		}
		if kind == ContainerKindImage && cd.Template != "" {
			return "", fmt.Errorf("image container sets template %q", cd.Template)
		}
		return kind, nil
	case cd.Image != "" && cd.Template != "":
		return "", fmt.Errorf("container sets both image and template")
	case cd.Image != "":
		return ContainerKindImage, nil
	default:
		return ContainerKindTemplate, nil
	}
}

// NormalizeImage canonicalizes an OCI reference so that equivalent spellings
// compare equal ("jellyfin/jellyfin:10.9" and "docker.io/jellyfin/jellyfin:10.9").
func NormalizeImage(ref string) (string, error) {
	parsed, err := name.ParseReference(strings.TrimSpace(ref))
	if err != nil {
		return "", err
	}
	return parsed.Name(), nil
}

func (r *resolver) resolveMounts() error {
	// Dataset-level declarations name the container.
	for _, poolName := range sortedKeys(r.doc.Pools) {
		pd := r.doc.Pools[poolName]
		for _, rel := range sortedKeys(pd.Datasets) {
			full, _ := joinDatasetPath(poolName, rel)
			for _, md := range pd.Datasets[rel].Containers {
				c, ok := r.byName[md.Name]
				if !ok {
					return NewResolutionError(
						fmt.Sprintf("dataset %s mounts into unknown container %q", full, md.Name), nil).
						WithResource(full)
				}
				if err := r.addMount(c, full, md.Mount, md.ReadOnly); err != nil {
					return err
				}
			}
		}
	}

	// Container-level declarations name the dataset.
	for _, cd := range r.doc.Containers {
		c := r.desired.Containers[cd.VMID]
		for _, md := range cd.Mounts {
			ds := strings.Trim(strings.TrimSpace(md.Dataset), "/")
			if ds == "" {
				return NewResolutionError(fmt.Sprintf("container %s: mount without dataset", c.Name), nil)
			}
			if err := r.addMount(c, ds, md.Mount, md.ReadOnly); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *resolver) addMount(c *Container, dataset, target string, explicit *bool) error {
	target = path.Clean(target)
	if !strings.HasPrefix(target, "/") {
		return NewResolutionError(fmt.Sprintf("mount target %q must be absolute", target), nil).
			WithResource(c.Name)
	}

	var profileAccess AccessMode
	source := "/" + dataset
	if ds, ok := r.desired.Datasets[dataset]; ok {
		source = ds.Mountpoint()
		if p, ok := LookupProfile(ds.Profile); ok {
			profileAccess = p.Access
		}
	}

	readonly, from := resolveAccess(explicit, profileAccess, c.Name)
	m := Mount{
		ContainerID:   c.ID,
		ContainerName: c.Name,
		Dataset:       dataset,
		Source:        source,
		Target:        target,
		ReadOnly:      readonly,
	}

	for _, existing := range c.Mounts {
		if existing.Target != target {
			continue
		}
		if existing.Dataset == m.Dataset && existing.ReadOnly == m.ReadOnly {
			return nil
		}
		return NewResolutionError(
			fmt.Sprintf("container %s: mount target %s declared twice (%s, %s)", c.Name, target, existing.Dataset, dataset), nil).
			WithResource(c.Key())
	}

	if from != accessExplicit {
		r.note("mount %s -> %s:%s is %s (from %s)", dataset, c.Name, target, accessLabel(readonly), from)
		if from == accessProfile && ConsumerAccess(c.Name) == AccessReadWrite && readonly {
			r.note("container %s usually writes to its data; set readonly: false on %s if needed", c.Name, dataset)
		}
	}

	c.Mounts = append(c.Mounts, m)
	return nil
}

func cloneBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	return Bool(*b)
}

func accessLabel(readonly bool) string {
	if readonly {
		return "read-only"
	}
	return "read-write"
}

func (r *resolver) resolveShares() error {
	for _, poolName := range sortedKeys(r.doc.Pools) {
		pd := r.doc.Pools[poolName]
		for _, rel := range sortedKeys(pd.Datasets) {
			full, _ := joinDatasetPath(poolName, rel)
			shares := pd.Datasets[rel].Shares
			if err := r.addShares(full, shares.SMB, shares.NFS); err != nil {
				return err
			}
		}
	}

	for _, sd := range r.doc.Shares {
		ds := strings.Trim(strings.TrimSpace(sd.Dataset), "/")
		if _, ok := r.desired.Datasets[ds]; !ok {
			return NewResolutionError(fmt.Sprintf("share references unknown dataset %q", sd.Dataset), nil).
				WithResource(sd.Dataset)
		}
		if sd.SMB == nil && sd.NFS == nil {
			return NewResolutionError(fmt.Sprintf("share for %s declares no protocol", ds), nil).WithResource(ds)
		}
		if err := r.addShares(ds, sd.SMB, sd.NFS); err != nil {
			return err
		}
	}
	return nil
}

func (r *resolver) addShares(dataset string, smb *SMBShareDoc, nfs *NFSShareDoc) error {
	ds := r.desired.Datasets[dataset]
	var profileAccess AccessMode
	if p, ok := LookupProfile(ds.Profile); ok {
		profileAccess = p.Access
	}

	if smb != nil {
		shareName := smb.Name
		if shareName == "" {
			shareName = path.Base(dataset)
		}
		readonly, from := resolveAccess(smb.ReadOnly, profileAccess, "")
		browseable := true
		if smb.Browseable != nil {
			browseable = *smb.Browseable
		}
		s := &Share{
			Protocol:       ShareProtocolSMB,
			Name:           shareName,
			Dataset:        dataset,
			Path:           ds.Mountpoint(),
			Browseable:     browseable,
			GuestOK:        smb.GuestOK,
			ReadOnly:       readonly,
			AllowedNetwork: smb.AllowedNetwork,
			ValidUsers:     append([]string(nil), smb.ValidUsers...),
			Comment:        smb.Comment,
		}
		sort.Strings(s.ValidUsers)
		if err := r.addShare(s); err != nil {
			return err
		}
		if from != accessExplicit {
			r.note("smb share %s is %s (from %s)", shareName, accessLabel(readonly), from)
		}
	}

	if nfs != nil {
		readonly, _ := resolveAccess(nfs.ReadOnly, profileAccess, "")
		allowed := nfs.Allowed
		if allowed == "" {
			allowed = "*"
		}
		options := nfs.Options
		if options == "" {
			options = "rw,sync,no_subtree_check"
			if readonly {
				options = "ro,sync,no_subtree_check"
			}
		}
		s := &Share{
			Protocol:       ShareProtocolNFS,
			Name:           dataset,
			Dataset:        dataset,
			Path:           ds.Mountpoint(),
			ReadOnly:       readonly,
			AllowedNetwork: allowed,
			Options:        options,
		}
		if err := r.addShare(s); err != nil {
			return err
		}
	}
	return nil
}

func (r *resolver) addShare(s *Share) error {
	if _, dup := r.desired.Shares[s.Key()]; dup {
		return NewResolutionError(fmt.Sprintf("share %s declared twice", s.Key()), nil).WithResource(s.Key())
	}
	r.desired.Shares[s.Key()] = s
	return nil
}

// finish sorts mounts and links mounts and shares back onto their datasets.
func (r *resolver) finish() {
	for _, c := range r.desired.Containers {
		sort.Slice(c.Mounts, func(i, j int) bool { return c.Mounts[i].Target < c.Mounts[j].Target })
	}
	for _, m := range r.desired.Mounts() {
		if ds, ok := r.desired.Datasets[m.Dataset]; ok {
			ds.Mounts = append(ds.Mounts, m)
		}
	}
	for _, key := range sortedKeys(r.desired.Shares) {
		s := r.desired.Shares[key]
		if ds, ok := r.desired.Datasets[s.Dataset]; ok {
			ds.Shares = append(ds.Shares, *s)
		}
	}
}
