package engine

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tengil/tengil/pkg/telemetry"
)

// Planner compares Desired against Reality and produces an ordered Plan.
// It never emits delete actions.
type Planner struct {
	rules ContainerRules
	now   func() time.Time
}

// NewPlanner creates a planner. A nil rule set uses DefaultContainerRules.
func NewPlanner(rules ContainerRules) *Planner {
	if rules == nil {
		rules = DefaultContainerRules()
	}
	return &Planner{rules: rules, now: time.Now}
}

// Plan computes the actions that move reality toward desired.
// Any PlanError aborts the whole computation; no partial plan is returned.
func (p *Planner) Plan(ctx context.Context, desired *Desired, reality *Reality) (plan *Plan, err error) {
	op := telemetry.StartOperation(ctx, "plan.compute")
	defer func() { op.End(err) }()

	if desired == nil {
		return nil, NewPlanError("desired state is nil", nil)
	}
	if reality == nil {
		reality = NewReality()
	}

	b := &planBuilder{
		planner:           p,
		desired:           desired,
		reality:           reality,
		datasetActions:    make(map[string]string),
		containerActions:  make(map[int]string),
		missingContainers: make(map[int]bool),
		recreated:         make(map[int]bool),
	}

	steps := []func() error{
		b.planDatasets,
		b.planContainers,
		b.planMounts,
		b.planShares,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}
	b.collectUnmanaged()

	if err := stageActions(b.actions); err != nil {
		return nil, NewPlanError("invalid action graph", err)
	}

	plan = &Plan{
		ID:        uuid.New().String(),
		CreatedAt: p.now().UTC(),
		Actions:   b.actions,
		Warnings:  b.warnings,
		Unmanaged: b.unmanaged,
	}
	plan.summarize()

	if op.Span != nil {
		op.Span.SetAttributes(attribute.Int("plan.actions", len(plan.Actions)))
	}
	op.Logger.Debugf("plan computed: %d actions, %d warnings, %d unmanaged",
		len(plan.Actions), len(plan.Warnings), len(plan.Unmanaged))
	return plan, nil
}

type planBuilder struct {
	planner *Planner
	desired *Desired
	reality *Reality

	actions   []Action
	warnings  []PlanItem
	unmanaged []ResourceRef

	datasetActions    map[string]string
	containerActions  map[int]string
	missingContainers map[int]bool
	recreated         map[int]bool
}

func (b *planBuilder) add(a Action) string {
	a.Tier = a.Kind.Tier()
	a.ID = ActionID(a.Kind, a.Resource)
	b.actions = append(b.actions, a)
	return a.ID
}

func (b *planBuilder) warn(ref ResourceRef, format string, args ...any) {
	b.warnings = append(b.warnings, PlanItem{Resource: ref, Message: fmt.Sprintf(format, args...)})
}

func (b *planBuilder) planDatasets() error {
	// Sorted keys put every parent before its children.
	for _, path := range sortedKeys(b.desired.Datasets) {
		ds := b.desired.Datasets[path]
		ref := ResourceRef{Type: ResourceDataset, ID: path}
		observed, exists := b.reality.Datasets[path]

		if !exists {
			pool := PoolOf(path)
			if _, ok := b.reality.Pools[pool]; !ok {
				return NewPlanError(
					fmt.Sprintf("pool %s does not exist; pools are never created automatically", pool), nil).
					WithResource(path)
			}

			a := Action{
				Kind:     ActionCreateDataset,
				Resource: ref,
				Dataset:  datasetPayload(ds, ds.Properties),
			}
			for _, k := range sortedKeys(ds.Properties) {
				a.Changes = append(a.Changes, Change{Path: "properties." + k, After: ds.Properties[k], Action: ChangeActionAdd})
			}
			if parent := ds.Parent(); parent != "" {
				if dep, ok := b.datasetActions[parent]; ok {
					a.DependsOn = append(a.DependsOn, dep)
				}
			}
			b.datasetActions[path] = b.add(a)
			continue
		}

		changes := PropertyChanges(ds.Properties, observed.Properties)
		if len(changes) == 0 {
			continue
		}
		changed := make(map[string]string, len(changes))
		for _, ch := range changes {
			key := ch.Path[len("properties."):]
			changed[key] = ds.Properties[key]
		}
		b.datasetActions[path] = b.add(Action{
			Kind:     ActionUpdateDatasetProperties,
			Resource: ref,
			Changes:  changes,
			Dataset:  datasetPayload(ds, changed),
		})
	}
	return nil
}

func datasetPayload(ds *Dataset, props map[string]string) *Dataset {
	return &Dataset{
		Path:        ds.Path,
		Profile:     ds.Profile,
		Properties:  maps.Clone(props),
		Description: ds.Description,
		AutoParent:  ds.AutoParent,
	}
}

func (b *planBuilder) planContainers() error {
	for _, id := range sortedContainerIDs(b.desired.Containers) {
		c := b.desired.Containers[id]
		ref := ResourceRef{Type: ResourceContainer, ID: c.Key()}
		observed, exists := b.reality.Containers[id]

		if !exists {
			if !c.AutoCreate {
				b.missingContainers[id] = true
				b.warn(ref, "container %s (%d) does not exist and auto_create is off; its mounts are skipped", c.Name, id)
				continue
			}
			if err := checkIdentity(c); err != nil {
				return err
			}
			spec := containerPayload(c, nil)
			b.containerActions[id] = b.add(Action{
				Kind:      ActionCreateContainer,
				Resource:  ref,
				Container: spec,
				Changes:   []Change{{Path: ".", After: spec.Name, Action: ChangeActionAdd}},
			})
			continue
		}

		changes := DiffContainer(c, observed)
		if len(changes) == 0 {
			continue
		}

		spec := containerPayload(c, observed)
		switch b.planner.rules.For(spec.Kind).ClassifyAll(changes) {
		case UpdateRecreate:
			if err := checkIdentity(spec); err != nil {
				return err
			}
			b.recreated[id] = true
			b.containerActions[id] = b.add(Action{
				Kind:      ActionRecreateContainer,
				Resource:  ref,
				Risky:     true,
				Container: spec,
				Changes:   changes,
			})
		case UpdateInPlaceRestart:
			b.containerActions[id] = b.add(Action{
				Kind:            ActionUpdateContainerInPlace,
				Resource:        ref,
				RequiresRestart: true,
				Container:       spec,
				Changes:         changes,
			})
		default:
			b.containerActions[id] = b.add(Action{
				Kind:      ActionUpdateContainerInPlace,
				Resource:  ref,
				Container: spec,
				Changes:   changes,
			})
		}
	}
	return nil
}

// checkIdentity rejects containers that cannot be built: the identity field
// for the kind must be present.
func checkIdentity(c *Container) error {
	switch c.Kind {
	case ContainerKindTemplate:
		if c.Template == "" {
			return NewPlanError(fmt.Sprintf("container %s (%d): template kind requires a template", c.Name, c.ID), nil).
				WithResource(c.Key())
		}
	case ContainerKindImage:
		if c.Image == "" {
			return NewPlanError(fmt.Sprintf("container %s (%d): image kind requires an image", c.Name, c.ID), nil).
				WithResource(c.Key())
		}
	default:
		return NewPlanError(fmt.Sprintf("container %s (%d): unknown kind %q", c.Name, c.ID, c.Kind), nil).
			WithResource(c.Key())
	}
	return nil
}

// containerPayload builds the full spec handed to a driver: desired values,
// with unspecified fields carried over from the observed container.
func containerPayload(desired, observed *Container) *Container {
	spec := *desired
	spec.Mounts = nil
	spec.Env = maps.Clone(desired.Env)
	if observed == nil {
		return &spec
	}
	spec.Running = observed.Running
	if spec.Kind == "" {
		spec.Kind = observed.Kind
	}
	if spec.Template == "" && spec.Kind == observed.Kind {
		spec.Template = observed.Template
	}
	if spec.Image == "" && spec.Kind == observed.Kind {
		spec.Image = observed.Image
	}
	if spec.Resources.Cores == 0 {
		spec.Resources.Cores = observed.Resources.Cores
	}
	if spec.Resources.Memory == 0 {
		spec.Resources.Memory = observed.Resources.Memory
	}
	if spec.Resources.Disk == 0 {
		spec.Resources.Disk = observed.Resources.Disk
	}
	if spec.Network.Bridge == "" {
		spec.Network.Bridge = observed.Network.Bridge
	}
	if spec.Network.IP == "" {
		spec.Network.IP = observed.Network.IP
	}
	if len(spec.Env) == 0 {
		spec.Env = maps.Clone(observed.Env)
	}
	if spec.GPU == nil {
		spec.GPU = Bool(observed.HasGPU())
	}
	if spec.Description == "" {
		spec.Description = observed.Description
	}
	return &spec
}

func (b *planBuilder) planMounts() error {
	declared := make(map[string]bool)

	for _, m := range b.desired.Mounts() {
		declared[m.Key()] = true
		ref := ResourceRef{Type: ResourceMount, ID: m.Key()}

		if b.missingContainers[m.ContainerID] {
			b.warn(ref, "skipping mount of %s: container %d does not exist", m.Dataset, m.ContainerID)
			continue
		}

		_, inDesired := b.desired.Datasets[m.Dataset]
		observedDS, inReality := b.reality.Datasets[m.Dataset]
		if !inDesired && !inReality {
			return NewPlanError(
				fmt.Sprintf("mount %s references dataset %s which is neither declared nor present", m.Key(), m.Dataset), nil).
				WithResource(m.Key())
		}

		mount := m
		if !inDesired {
			mount.Source = observedDS.Mountpoint()
		}

		var deps []string
		if dep, ok := b.datasetActions[m.Dataset]; ok {
			deps = append(deps, dep)
		}
		if dep, ok := b.containerActions[m.ContainerID]; ok {
			deps = append(deps, dep)
		}

		a := Action{
			Kind:      ActionAddMount,
			Resource:  ref,
			DependsOn: deps,
			Mount:     &mount,
			Changes: []Change{
				{Path: "source", After: mount.Source, Action: ChangeActionAdd},
				{Path: "readonly", After: mount.ReadOnly, Action: ChangeActionAdd},
			},
		}

		observedC, exists := b.reality.Containers[m.ContainerID]
		if !exists || b.recreated[m.ContainerID] {
			b.add(a)
			continue
		}

		current, found := findMount(observedC.Mounts, mount.Target)
		if !found {
			b.add(a)
			continue
		}
		if current.Source == mount.Source && current.ReadOnly == mount.ReadOnly {
			continue
		}

		a.Replace = true
		a.Changes = nil
		if current.Source != mount.Source {
			a.Changes = append(a.Changes, Change{Path: "source", Before: current.Source, After: mount.Source, Action: ChangeActionModify})
		}
		if current.ReadOnly != mount.ReadOnly {
			a.Changes = append(a.Changes, Change{Path: "readonly", Before: current.ReadOnly, After: mount.ReadOnly, Action: ChangeActionModify})
		}
		b.add(a)
	}

	// Mounts that disappeared from the document stay attached.
	for _, id := range sortedContainerIDs(b.desired.Containers) {
		observedC, ok := b.reality.Containers[id]
		if !ok {
			continue
		}
		for _, om := range observedC.Mounts {
			if declared[om.Key()] {
				continue
			}
			b.warn(ResourceRef{Type: ResourceMount, ID: om.Key()},
				"mount %s at %s is not declared; it stays attached (detach it manually if intended)", om.Source, om.Target)
		}
	}
	return nil
}

func findMount(mounts []Mount, target string) (Mount, bool) {
	for _, m := range mounts {
		if m.Target == target {
			return m, true
		}
	}
	return Mount{}, false
}

func (b *planBuilder) planShares() error {
	for _, key := range sortedKeys(b.desired.Shares) {
		s := b.desired.Shares[key]
		ref := ResourceRef{Type: ResourceShare, ID: key}

		var deps []string
		if dep, ok := b.datasetActions[s.Dataset]; ok {
			deps = append(deps, dep)
		}

		share := *s
		share.ValidUsers = slices.Clone(s.ValidUsers)

		observed, exists := b.reality.Shares[key]
		if !exists {
			b.add(Action{
				Kind:      ActionCreateShare,
				Resource:  ref,
				DependsOn: deps,
				Share:     &share,
				Changes:   []Change{{Path: "path", After: s.Path, Action: ChangeActionAdd}},
			})
			continue
		}

		changes := DiffShare(s, observed)
		if len(changes) == 0 {
			continue
		}
		b.add(Action{
			Kind:      ActionUpdateShare,
			Resource:  ref,
			DependsOn: deps,
			Share:     &share,
			Changes:   changes,
		})
	}
	return nil
}

// DiffShare lists share attributes that differ.
func DiffShare(desired, observed *Share) []Change {
	var changes []Change
	add := func(path string, before, after any) {
		changes = append(changes, Change{Path: path, Before: before, After: after, Action: ChangeActionModify})
	}
	if desired.Path != observed.Path {
		add("path", observed.Path, desired.Path)
	}
	if desired.ReadOnly != observed.ReadOnly {
		add("read_only", observed.ReadOnly, desired.ReadOnly)
	}
	if desired.AllowedNetwork != observed.AllowedNetwork {
		add("allowed_network", observed.AllowedNetwork, desired.AllowedNetwork)
	}
	switch desired.Protocol {
	case ShareProtocolSMB:
		if desired.Browseable != observed.Browseable {
			add("browseable", observed.Browseable, desired.Browseable)
		}
		if desired.GuestOK != observed.GuestOK {
			add("guest_ok", observed.GuestOK, desired.GuestOK)
		}
		if !slices.Equal(desired.ValidUsers, observed.ValidUsers) {
			add("valid_users", observed.ValidUsers, desired.ValidUsers)
		}
		if desired.Comment != "" && desired.Comment != observed.Comment {
			add("comment", observed.Comment, desired.Comment)
		}
	case ShareProtocolNFS:
		if desired.Options != observed.Options {
			add("options", observed.Options, desired.Options)
		}
	}
	return changes
}

func (b *planBuilder) collectUnmanaged() {
	for _, path := range sortedKeys(b.reality.Datasets) {
		if PoolOf(path) == path {
			continue
		}
		if _, ok := b.desired.Datasets[path]; !ok {
			b.unmanaged = append(b.unmanaged, ResourceRef{Type: ResourceDataset, ID: path})
		}
	}
	for _, id := range sortedContainerIDs(b.reality.Containers) {
		if _, ok := b.desired.Containers[id]; !ok {
			b.unmanaged = append(b.unmanaged, ResourceRef{Type: ResourceContainer, ID: fmt.Sprintf("%d", id)})
		}
	}
	for _, key := range sortedKeys(b.reality.Shares) {
		if _, ok := b.desired.Shares[key]; !ok {
			b.unmanaged = append(b.unmanaged, ResourceRef{Type: ResourceShare, ID: key})
		}
	}
}

// stageActions assigns stages inside each tier and sorts the plan.
func stageActions(actions []Action) error {
	byTier := make(map[Tier][]int)
	for i := range actions {
		byTier[actions[i].Tier] = append(byTier[actions[i].Tier], i)
	}

	for _, idx := range byTier {
		tierActions := make([]Action, len(idx))
		for j, i := range idx {
			tierActions[j] = actions[i]
		}
		g, err := NewTierGraph(tierActions)
		if err != nil {
			return err
		}
		for _, i := range idx {
			actions[i].Stage = g.Level(actions[i].ID)
		}
	}

	sort.SliceStable(actions, func(i, j int) bool { return actionLess(&actions[i], &actions[j]) })

	// Whole-plan validation: every dependency exists and nothing cycles.
	_, err := NewGraph(actions)
	return err
}

// Graph returns the dependency graph of the plan's actions.
func (p *Plan) Graph() (*Graph, error) {
	return NewGraph(slices.Clone(p.Actions))
}

func sortedContainerIDs(m map[int]*Container) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
