package engine

import (
	"context"
	"maps"
	"slices"
	"strings"
	"testing"
)

// realityFrom builds a host that already matches desired.
func realityFrom(desired *Desired) *Reality {
	r := NewReality()
	for name, p := range desired.Pools {
		r.Pools[name] = &Pool{Name: p.Name, Kind: PoolKindZFS}
	}
	for path, ds := range desired.Datasets {
		r.Datasets[path] = &Dataset{Path: path, Properties: maps.Clone(ds.Properties)}
	}
	for id, c := range desired.Containers {
		cp := *c
		cp.Mounts = slices.Clone(c.Mounts)
		cp.Running = true
		r.Containers[id] = &cp
	}
	for key, s := range desired.Shares {
		cp := *s
		r.Shares[key] = &cp
	}
	return r
}

func resolveHomelab(t *testing.T) *Desired {
	t.Helper()
	desired, err := Resolve(parseDoc(t, homelabDoc))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	for _, c := range desired.Containers {
		c.AutoCreate = true
	}
	return desired
}

func emptyHost(pools ...string) *Reality {
	r := NewReality()
	for _, p := range pools {
		r.Pools[p] = &Pool{Name: p, Kind: PoolKindZFS}
	}
	return r
}

func actionIDs(plan *Plan) []string {
	ids := make([]string, len(plan.Actions))
	for i, a := range plan.Actions {
		ids[i] = a.ID
	}
	return ids
}

func TestPlanner_Plan_FreshHost(t *testing.T) {
	desired := resolveHomelab(t)

	plan, err := NewPlanner(nil).Plan(context.Background(), desired, emptyHost("tank"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want := []string{
		"dataset:create:tank/downloads",
		"dataset:create:tank/media",
		"dataset:create:tank/media/movies",
		"dataset:create:tank/media/movies/4k",
		"container:create:101",
		"container:create:102",
		"mount:attach:101:/media",
		"mount:attach:102:/downloads",
		"mount:attach:102:/tv",
		"share:create:nfs:tank/downloads",
		"share:create:smb:Media",
	}
	if got := actionIDs(plan); !slices.Equal(got, want) {
		t.Fatalf("Unexpected action order:\n got: %v\nwant: %v", got, want)
	}

	child, _ := plan.Action("dataset:create:tank/media/movies/4k")
	if !slices.Equal(child.DependsOn, []string{"dataset:create:tank/media/movies"}) {
		t.Errorf("Child dataset should depend on its parent, got %v", child.DependsOn)
	}
	if child.Stage != 2 {
		t.Errorf("Expected grandchild in stage 2, got %d", child.Stage)
	}

	mount, _ := plan.Action("mount:attach:101:/media")
	if !slices.Equal(mount.DependsOn, []string{"dataset:create:tank/media", "container:create:101"}) {
		t.Errorf("Mount should depend on dataset and container, got %v", mount.DependsOn)
	}
	if mount.Tier != TierMount {
		t.Errorf("Expected mount tier, got %s", mount.Tier)
	}

	share, _ := plan.Action("share:create:smb:Media")
	if !slices.Equal(share.DependsOn, []string{"dataset:create:tank/media"}) {
		t.Errorf("Share should depend on its dataset, got %v", share.DependsOn)
	}

	if plan.Summary.ToCreate != 8 || plan.Summary.ToAttach != 3 {
		t.Errorf("Unexpected summary: %+v", plan.Summary)
	}
	for _, a := range plan.Actions {
		if a.Kind.Verb() == "delete" {
			t.Errorf("Plan must not delete anything: %s", a.ID)
		}
	}
}

func TestPlanner_Plan_Idempotent(t *testing.T) {
	desired := resolveHomelab(t)

	plan, err := NewPlanner(nil).Plan(context.Background(), desired, realityFrom(desired))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !plan.IsEmpty() {
		t.Errorf("Expected empty plan, got %v", actionIDs(plan))
	}
	if len(plan.Warnings) != 0 {
		t.Errorf("Expected no warnings, got %+v", plan.Warnings)
	}
}

func TestPlanner_Plan_MissingPool(t *testing.T) {
	desired := resolveHomelab(t)

	_, err := NewPlanner(nil).Plan(context.Background(), desired, emptyHost("rpool"))
	if err == nil {
		t.Fatal("Expected plan error for missing pool, got nil")
	}
	if !IsPlanError(err) {
		t.Errorf("Expected plan error, got: %v", err)
	}
	if !strings.Contains(err.Error(), "pool tank does not exist") {
		t.Errorf("Unexpected error message: %v", err)
	}
}

func TestPlanner_Plan_PropertyUpdateCarriesOnlyChangedKeys(t *testing.T) {
	desired := resolveHomelab(t)
	reality := realityFrom(desired)
	reality.Datasets["tank/media"].Properties["compression"] = "off"
	reality.Datasets["tank/media"].Properties["quota"] = "1T"

	plan, err := NewPlanner(nil).Plan(context.Background(), desired, reality)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(plan.Actions) != 1 {
		t.Fatalf("Expected 1 action, got %v", actionIDs(plan))
	}
	a := plan.Actions[0]
	if a.Kind != ActionUpdateDatasetProperties {
		t.Fatalf("Expected property update, got %s", a.Kind)
	}
	if len(a.Dataset.Properties) != 1 || a.Dataset.Properties["compression"] != "lz4" {
		t.Errorf("Payload should hold only the changed key, got %v", a.Dataset.Properties)
	}
}

func TestPlanner_Plan_TemplateChangeRecreates(t *testing.T) {
	desired := resolveHomelab(t)
	reality := realityFrom(desired)
	reality.Containers[101].Template = "debian-11-standard"

	plan, err := NewPlanner(nil).Plan(context.Background(), desired, reality)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want := []string{"container:recreate:101", "mount:attach:101:/media"}
	if got := actionIDs(plan); !slices.Equal(got, want) {
		t.Fatalf("Unexpected actions: got %v, want %v", got, want)
	}
	recreate := plan.Actions[0]
	if !recreate.Risky || !plan.HasRisky() {
		t.Error("Recreate should be risky")
	}
	if !recreate.Container.Running {
		t.Error("Recreate payload should carry the observed running state")
	}
	if plan.Actions[1].DependsOn[0] != "container:recreate:101" {
		t.Errorf("Re-added mount should depend on the recreate, got %v", plan.Actions[1].DependsOn)
	}
	if plan.Summary.ToRecreate != 1 {
		t.Errorf("Unexpected summary: %+v", plan.Summary)
	}
}

func TestPlanner_Plan_MemoryChangeInPlace(t *testing.T) {
	desired := resolveHomelab(t)
	desired.Containers[102].Resources.Memory = 2048
	reality := realityFrom(desired)
	reality.Containers[102].Resources.Memory = 1024

	plan, err := NewPlanner(nil).Plan(context.Background(), desired, reality)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(plan.Actions) != 1 {
		t.Fatalf("Expected 1 action, got %v", actionIDs(plan))
	}
	a := plan.Actions[0]
	if a.Kind != ActionUpdateContainerInPlace || a.RequiresRestart || a.Risky {
		t.Errorf("Expected plain in-place update, got %+v", a)
	}
	if a.Container.Mounts != nil {
		t.Error("Container payload must not carry mounts")
	}
}

func TestPlanner_Plan_GPUOnTemplateRestarts(t *testing.T) {
	desired := resolveHomelab(t)
	desired.Containers[101].GPU = Bool(true)
	reality := realityFrom(desired)
	reality.Containers[101].GPU = nil

	plan, err := NewPlanner(nil).Plan(context.Background(), desired, reality)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(plan.Actions) != 1 || !plan.Actions[0].RequiresRestart {
		t.Errorf("Expected in-place update with restart, got %+v", plan.Actions)
	}
}

func TestPlanner_Plan_GPUOff(t *testing.T) {
	desired := resolveHomelab(t)
	desired.Containers[101].GPU = Bool(false)
	reality := realityFrom(desired)
	reality.Containers[101].GPU = Bool(true)

	plan, err := NewPlanner(nil).Plan(context.Background(), desired, reality)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(plan.Actions) != 1 {
		t.Fatalf("Expected 1 action, got %+v", plan.Actions)
	}
	a := plan.Actions[0]
	if a.Kind != ActionUpdateContainerInPlace || a.Container.HasGPU() {
		t.Errorf("Expected an in-place update switching GPU off, got %+v", a)
	}
	if len(a.Changes) != 1 || a.Changes[0].Path != FieldGPU {
		t.Errorf("Expected a gpu change, got %+v", a.Changes)
	}
}

func TestPlanner_Plan_UnmanagedResources(t *testing.T) {
	desired := resolveHomelab(t)
	reality := realityFrom(desired)
	reality.Datasets["tank/backups"] = &Dataset{Path: "tank/backups"}
	reality.Datasets["tank"] = &Dataset{Path: "tank"}
	reality.Containers[200] = &Container{ID: 200, Name: "legacy"}
	reality.Shares["smb:Old"] = &Share{Protocol: ShareProtocolSMB, Name: "Old"}

	plan, err := NewPlanner(nil).Plan(context.Background(), desired, reality)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !plan.IsEmpty() {
		t.Errorf("Unmanaged resources must not produce actions, got %v", actionIDs(plan))
	}

	want := []ResourceRef{
		{Type: ResourceDataset, ID: "tank/backups"},
		{Type: ResourceContainer, ID: "200"},
		{Type: ResourceShare, ID: "smb:Old"},
	}
	if !slices.Equal(plan.Unmanaged, want) {
		t.Errorf("Unexpected unmanaged list: %v", plan.Unmanaged)
	}
	if plan.Summary.Unmanaged != 3 {
		t.Errorf("Expected 3 unmanaged, got %d", plan.Summary.Unmanaged)
	}
}

func TestPlanner_Plan_MissingContainerWithoutAutoCreate(t *testing.T) {
	desired := resolveHomelab(t)
	desired.Containers[101].AutoCreate = false
	reality := realityFrom(desired)
	delete(reality.Containers, 101)

	plan, err := NewPlanner(nil).Plan(context.Background(), desired, reality)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !plan.IsEmpty() {
		t.Errorf("Expected no actions, got %v", actionIDs(plan))
	}
	if len(plan.Warnings) != 2 {
		t.Fatalf("Expected a container warning and a skipped mount warning, got %+v", plan.Warnings)
	}
	if plan.Warnings[0].Resource.Type != ResourceContainer || plan.Warnings[1].Resource.Type != ResourceMount {
		t.Errorf("Unexpected warnings: %+v", plan.Warnings)
	}
}

func TestPlanner_Plan_UndeclaredMountStaysAttached(t *testing.T) {
	desired := resolveHomelab(t)
	reality := realityFrom(desired)
	c := reality.Containers[101]
	c.Mounts = append(c.Mounts, Mount{ContainerID: 101, Source: "/tank/old", Target: "/old"})

	plan, err := NewPlanner(nil).Plan(context.Background(), desired, reality)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !plan.IsEmpty() {
		t.Errorf("Expected no actions, got %v", actionIDs(plan))
	}
	if len(plan.Warnings) != 1 || !strings.Contains(plan.Warnings[0].Message, "stays attached") {
		t.Errorf("Expected a stays-attached warning, got %+v", plan.Warnings)
	}
}

func TestPlanner_Plan_ReadOnlyFlipReplacesMount(t *testing.T) {
	desired := resolveHomelab(t)
	reality := realityFrom(desired)
	reality.Containers[101].Mounts[0].ReadOnly = false

	plan, err := NewPlanner(nil).Plan(context.Background(), desired, reality)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(plan.Actions) != 1 {
		t.Fatalf("Expected 1 action, got %v", actionIDs(plan))
	}
	a := plan.Actions[0]
	if !a.Replace || len(a.Changes) != 1 || a.Changes[0].Path != "readonly" {
		t.Errorf("Expected a replacing mount with a readonly change, got %+v", a)
	}
}

func TestPlanner_Plan_DanglingMount(t *testing.T) {
	desired := NewDesired()
	desired.Containers[101] = &Container{
		ID: 101, Name: "app", Kind: ContainerKindTemplate, Template: "t",
		Mounts: []Mount{{ContainerID: 101, Dataset: "tank/ghost", Source: "/tank/ghost", Target: "/data"}},
	}
	reality := emptyHost("tank")
	reality.Containers[101] = &Container{ID: 101, Name: "app", Kind: ContainerKindTemplate, Template: "t"}

	_, err := NewPlanner(nil).Plan(context.Background(), desired, reality)
	if !IsPlanError(err) {
		t.Fatalf("Expected plan error for dangling mount, got: %v", err)
	}
}

func TestPlanner_Plan_ShareUpdate(t *testing.T) {
	desired := resolveHomelab(t)
	reality := realityFrom(desired)
	reality.Shares["nfs:tank/downloads"].Options = "ro"

	plan, err := NewPlanner(nil).Plan(context.Background(), desired, reality)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(plan.Actions) != 1 || plan.Actions[0].Kind != ActionUpdateShare {
		t.Fatalf("Expected one share update, got %v", actionIDs(plan))
	}
	ch := plan.Actions[0].Changes[0]
	if ch.Path != "options" || ch.Before != "ro" || ch.After != "rw,sync,no_subtree_check" {
		t.Errorf("Unexpected change: %+v", ch)
	}
}

func TestPlanner_Plan_Deterministic(t *testing.T) {
	desired := resolveHomelab(t)
	planner := NewPlanner(nil)

	first, err := planner.Plan(context.Background(), desired, emptyHost("tank"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := planner.Plan(context.Background(), desired, emptyHost("tank"))
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if !slices.Equal(actionIDs(first), actionIDs(again)) {
			t.Fatalf("Plan order changed between runs: %v vs %v", actionIDs(first), actionIDs(again))
		}
	}
}

func TestPlanner_Plan_NilDesired(t *testing.T) {
	if _, err := NewPlanner(nil).Plan(context.Background(), nil, nil); !IsPlanError(err) {
		t.Errorf("Expected plan error, got: %v", err)
	}
}
