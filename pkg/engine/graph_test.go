package engine

import (
	"bytes"
	"strings"
	"testing"
)

func createDataset(path string, deps ...string) Action {
	ref := ResourceRef{Type: ResourceDataset, ID: path}
	return Action{
		ID:        ActionID(ActionCreateDataset, ref),
		Kind:      ActionCreateDataset,
		Tier:      TierDataset,
		Resource:  ref,
		DependsOn: deps,
	}
}

func TestNewGraph_Empty(t *testing.T) {
	g, err := NewGraph(nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(g.Levels()) != 0 || g.Roots() != nil || len(g.Edges()) != 0 {
		t.Errorf("Expected an empty graph, got levels=%v", g.Levels())
	}
}

func TestNewGraph_Chain(t *testing.T) {
	a := createDataset("tank/media")
	b := createDataset("tank/media/movies", a.ID)
	c := createDataset("tank/media/movies/4k", b.ID)

	g, err := NewGraph([]Action{c, a, b})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(g.Levels()) != 3 {
		t.Fatalf("Expected 3 levels, got %d", len(g.Levels()))
	}
	for want, id := range []string{a.ID, b.ID, c.ID} {
		if got := g.Level(id); got != want {
			t.Errorf("Level(%s) = %d, want %d", id, got, want)
		}
	}
	if roots := g.Roots(); len(roots) != 1 || roots[0] != a.ID {
		t.Errorf("Expected root %s, got %v", a.ID, roots)
	}
	if edges := g.Edges(); len(edges) != 2 || edges[0].From != a.ID || edges[0].To != b.ID {
		t.Errorf("Unexpected edges: %v", edges)
	}
	if g.Level("dataset:create:tank/other") != -1 {
		t.Error("Expected -1 for an unknown action")
	}
}

func TestNewGraph_LevelInPlanOrder(t *testing.T) {
	g, err := NewGraph([]Action{
		createDataset("tank/photos"),
		createDataset("tank/backups"),
		createDataset("tank/media"),
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	want := []string{"dataset:create:tank/backups", "dataset:create:tank/media", "dataset:create:tank/photos"}
	got := g.Levels()[0]
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("level[0][%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestNewGraph_Cycle(t *testing.T) {
	a := createDataset("tank/a", "dataset:create:tank/b")
	b := createDataset("tank/b", "dataset:create:tank/a")
	c := createDataset("tank/c", a.ID)

	_, err := NewGraph([]Action{c, a, b})
	if err == nil {
		t.Fatal("Expected cycle error, got nil")
	}
	want := "circular dependency: dataset:create:tank/a -> dataset:create:tank/b -> dataset:create:tank/a"
	if !strings.Contains(err.Error(), want) {
		t.Errorf("Expected %q in error, got: %v", want, err)
	}
	if !HasCode(err, ErrCodeValidation) {
		t.Errorf("Expected validation code, got: %v", err)
	}
}

func TestNewGraph_InvalidActions(t *testing.T) {
	a := createDataset("tank/a")
	tests := []struct {
		name    string
		actions []Action
	}{
		{"unknown dependency", []Action{createDataset("tank/a", "dataset:create:tank/missing")}},
		{"duplicate", []Action{a, a}},
		{"empty id", []Action{{Kind: ActionCreateDataset}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewGraph(tt.actions); !HasCode(err, ErrCodeValidation) {
				t.Errorf("Expected validation error, got: %v", err)
			}
		})
	}
}

func TestNewTierGraph_IgnoresEarlierTiers(t *testing.T) {
	a := createDataset("tank/a", "container:create:101")

	g, err := NewTierGraph([]Action{a})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if g.Level(a.ID) != 0 || len(g.Edges()) != 0 {
		t.Errorf("Expected a lone root, got level %d and edges %v", g.Level(a.ID), g.Edges())
	}
}

func TestGraph_WriteDOT(t *testing.T) {
	ds := createDataset("tank/media")
	ref := ResourceRef{Type: ResourceContainer, ID: "101"}
	ct := Action{
		ID:        ActionID(ActionRecreateContainer, ref),
		Kind:      ActionRecreateContainer,
		Tier:      TierContainer,
		Resource:  ref,
		Risky:     true,
		DependsOn: []string{ds.ID},
	}

	g, err := NewGraph([]Action{ds, ct})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	var buf bytes.Buffer
	if err := g.WriteDOT(&buf); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	dot := buf.String()
	for _, want := range []string{
		"digraph Plan {",
		"cluster_1",
		`"dataset:create:tank/media" -> "container:recreate:101" [style=dotted, color=gray];`,
		"fillcolor=lightcoral",
		"fillcolor=palegreen",
	} {
		if !strings.Contains(dot, want) {
			t.Errorf("DOT output missing %q:\n%s", want, dot)
		}
	}
}

func TestActionLess(t *testing.T) {
	mk := func(tier Tier, stage int, typ ResourceType, id string) *Action {
		return &Action{Tier: tier, Stage: stage, Resource: ResourceRef{Type: typ, ID: id}, ID: string(typ) + ":" + id}
	}

	tests := []struct {
		name string
		a, b *Action
		want bool
	}{
		{"lower tier first", mk(TierDataset, 3, ResourceDataset, "z/z"), mk(TierContainer, 0, ResourceContainer, "1"), true},
		{"lower stage first", mk(TierDataset, 0, ResourceDataset, "z/z"), mk(TierDataset, 1, ResourceDataset, "a/a"), true},
		{"shallower dataset first", mk(TierDataset, 0, ResourceDataset, "tank/z"), mk(TierDataset, 0, ResourceDataset, "tank/a/b"), true},
		{"container ids are numeric", mk(TierContainer, 0, ResourceContainer, "99"), mk(TierContainer, 0, ResourceContainer, "100"), true},
		{"mount ids are numeric", mk(TierMount, 0, ResourceMount, "99:/z"), mk(TierMount, 0, ResourceMount, "100:/a"), true},
		{"same container orders by target", mk(TierMount, 0, ResourceMount, "100:/a"), mk(TierMount, 0, ResourceMount, "100:/b"), true},
		{"shares lexical", mk(TierShare, 0, ResourceShare, "smb:b"), mk(TierShare, 0, ResourceShare, "nfs:a"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := actionLess(tt.a, tt.b); got != tt.want {
				t.Errorf("actionLess() = %v, want %v", got, tt.want)
			}
		})
	}
}
