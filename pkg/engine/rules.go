package engine

import (
	"fmt"
	"maps"
)

// UpdateClass is how a container change must be applied.
// Classes are ordered; the strongest class among all changes wins.
type UpdateClass int

const (
	UpdateNone UpdateClass = iota
	UpdateInPlace
	UpdateInPlaceRestart
	UpdateRecreate
)

// String returns the class name.
func (c UpdateClass) String() string {
	switch c {
	case UpdateNone:
		return "none"
	case UpdateInPlace:
		return "in-place"
	case UpdateInPlaceRestart:
		return "in-place+restart"
	case UpdateRecreate:
		return "recreate"
	default:
		return fmt.Sprintf("class-%d", int(c))
	}
}

// Container attribute paths used in Changes.
const (
	FieldKind        = "kind"
	FieldName        = "name"
	FieldTemplate    = "template"
	FieldImage       = "image"
	FieldCores       = "resources.cores"
	FieldMemory      = "resources.memory"
	FieldDisk        = "resources.disk"
	FieldBridge      = "network.bridge"
	FieldIP          = "network.ip"
	FieldEnv         = "env"
	FieldGPU         = "gpu"
	FieldDescription = "description"
)

// ContainerRule decides the update class of each changed field for one kind.
// Fields not listed in Recreate or Restart are applied in place.
type ContainerRule struct {
	Recreate map[string]bool
	Restart  map[string]bool

	// DiskShrinkRecreates forces recreation when the desired disk is smaller
	// than the observed one; growing is always in place.
	DiskShrinkRecreates bool
}

// Classify returns the update class of one change.
func (r ContainerRule) Classify(ch Change) UpdateClass {
	if r.Recreate[ch.Path] {
		return UpdateRecreate
	}
	if ch.Path == FieldDisk && r.DiskShrinkRecreates {
		before, _ := ch.Before.(int)
		after, _ := ch.After.(int)
		if after < before {
			return UpdateRecreate
		}
	}
	if r.Restart[ch.Path] {
		return UpdateInPlaceRestart
	}
	return UpdateInPlace
}

// ClassifyAll returns the strongest class among changes.
func (r ContainerRule) ClassifyAll(changes []Change) UpdateClass {
	class := UpdateNone
	for _, ch := range changes {
		if c := r.Classify(ch); c > class {
			class = c
		}
	}
	return class
}

// ContainerRules maps each container kind to its rule.
type ContainerRules map[ContainerKind]ContainerRule

// DefaultContainerRules returns the rules for the pct backends.
// Image based containers are built from a flattened archive, so anything that
// lives in the image config (environment, device passthrough) needs a rebuild.
func DefaultContainerRules() ContainerRules {
	identity := map[string]bool{FieldKind: true, FieldTemplate: true, FieldImage: true}

	templateRecreate := maps.Clone(identity)
	imageRecreate := maps.Clone(identity)
	imageRecreate[FieldEnv] = true
	imageRecreate[FieldGPU] = true

	return ContainerRules{
		ContainerKindTemplate: {
			Recreate:            templateRecreate,
			Restart:             map[string]bool{FieldGPU: true},
			DiskShrinkRecreates: true,
		},
		ContainerKindImage: {
			Recreate:            imageRecreate,
			Restart:             map[string]bool{},
			DiskShrinkRecreates: true,
		},
	}
}

// For returns the rule for a kind. Unknown kinds recreate on any change.
func (rs ContainerRules) For(kind ContainerKind) ContainerRule {
	if r, ok := rs[kind]; ok {
		return r
	}
	return ContainerRule{Recreate: map[string]bool{
		FieldKind: true, FieldName: true, FieldTemplate: true, FieldImage: true,
		FieldCores: true, FieldMemory: true, FieldDisk: true, FieldBridge: true,
		FieldIP: true, FieldEnv: true, FieldGPU: true, FieldDescription: true,
	}}
}

// DiffContainer lists the attributes where observed differs from desired.
// Zero-valued desired attributes are unspecified and never compared; GPU
// is unspecified only when nil, so it can be switched off.
func DiffContainer(desired, observed *Container) []Change {
	var changes []Change
	add := func(path string, before, after any) {
		changes = append(changes, Change{Path: path, Before: before, After: after, Action: ChangeActionModify})
	}

	if desired.Kind != "" && desired.Kind != observed.Kind {
		add(FieldKind, string(observed.Kind), string(desired.Kind))
	}
	if desired.Name != "" && desired.Name != observed.Name {
		add(FieldName, observed.Name, desired.Name)
	}
	// Containers not created by tengil carry no template marker; an unknown
	// observed template is not compared.
	if desired.Template != "" && observed.Template != "" && desired.Template != observed.Template {
		add(FieldTemplate, observed.Template, desired.Template)
	}
	if desired.Image != "" && desired.Image != observed.Image {
		add(FieldImage, observed.Image, desired.Image)
	}
	if desired.Resources.Cores > 0 && desired.Resources.Cores != observed.Resources.Cores {
		add(FieldCores, observed.Resources.Cores, desired.Resources.Cores)
	}
	if desired.Resources.Memory > 0 && desired.Resources.Memory != observed.Resources.Memory {
		add(FieldMemory, observed.Resources.Memory, desired.Resources.Memory)
	}
	if desired.Resources.Disk > 0 && desired.Resources.Disk != observed.Resources.Disk {
		add(FieldDisk, observed.Resources.Disk, desired.Resources.Disk)
	}
	if desired.Network.Bridge != "" && desired.Network.Bridge != observed.Network.Bridge {
		add(FieldBridge, observed.Network.Bridge, desired.Network.Bridge)
	}
	if desired.Network.IP != "" && desired.Network.IP != observed.Network.IP {
		add(FieldIP, observed.Network.IP, desired.Network.IP)
	}
	if len(desired.Env) > 0 && !maps.Equal(desired.Env, observed.Env) {
		add(FieldEnv, observed.Env, desired.Env)
	}
	if desired.GPU != nil && *desired.GPU != observed.HasGPU() {
		add(FieldGPU, observed.HasGPU(), *desired.GPU)
	}
	if desired.Description != "" && desired.Description != observed.Description {
		add(FieldDescription, observed.Description, desired.Description)
	}
	return changes
}
