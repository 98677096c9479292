package engine

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Graph is the dependency graph of a set of actions, grouped into levels:
// every action in a level depends only on actions in earlier levels.
type Graph struct {
	actions    map[string]*Action
	waitsFor   map[string][]string
	unblocks   map[string][]string
	level      map[string]int
	levels     [][]string
	ignoreRest bool
}

// Edge is a dependency: From must finish before To starts.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// NewGraph builds the graph of a whole plan. Every dependency must name an
// action in the set.
func NewGraph(actions []Action) (*Graph, error) {
	return buildGraph(actions, false)
}

// NewTierGraph builds the graph of one tier. Dependencies on actions
// outside the set belong to earlier tiers and are ignored.
func NewTierGraph(actions []Action) (*Graph, error) {
	return buildGraph(actions, true)
}

func buildGraph(actions []Action, ignoreRest bool) (*Graph, error) {
	g := &Graph{
		actions:    make(map[string]*Action, len(actions)),
		waitsFor:   make(map[string][]string, len(actions)),
		unblocks:   make(map[string][]string, len(actions)),
		level:      make(map[string]int, len(actions)),
		ignoreRest: ignoreRest,
	}
	for i := range actions {
		a := &actions[i]
		if a.ID == "" {
			return nil, NewPermanentError("action has no ID", nil).
				WithCode(ErrCodeValidation).WithResource(a.Resource.String())
		}
		if _, dup := g.actions[a.ID]; dup {
			return nil, NewPermanentError("duplicate action "+a.ID, nil).WithCode(ErrCodeValidation)
		}
		g.actions[a.ID] = a
	}
	if err := g.link(); err != nil {
		return nil, err
	}
	if err := g.layer(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) link() error {
	for _, id := range g.ids() {
		for _, dep := range g.actions[id].DependsOn {
			if _, ok := g.actions[dep]; !ok {
				if g.ignoreRest {
					continue
				}
				return NewPermanentError(fmt.Sprintf("action %s depends on unknown action %s", id, dep), nil).
					WithCode(ErrCodeValidation).WithResource(id)
			}
			g.waitsFor[id] = append(g.waitsFor[id], dep)
			g.unblocks[dep] = append(g.unblocks[dep], id)
		}
	}
	return nil
}

// layer peels off actions with no pending dependency until none are left.
// Whatever cannot be peeled sits on a cycle or behind one.
func (g *Graph) layer() error {
	pending := make(map[string]int, len(g.actions))
	var ready []string
	for id := range g.actions {
		pending[id] = len(g.waitsFor[id])
		if pending[id] == 0 {
			ready = append(ready, id)
		}
	}

	placed := 0
	for len(ready) > 0 {
		g.sortByPlanOrder(ready)
		depth := len(g.levels)
		g.levels = append(g.levels, ready)
		placed += len(ready)

		var next []string
		for _, id := range ready {
			g.level[id] = depth
			for _, child := range g.unblocks[id] {
				if pending[child]--; pending[child] == 0 {
					next = append(next, child)
				}
			}
		}
		ready = next
	}

	if placed < len(g.actions) {
		return NewPermanentError("circular dependency: "+strings.Join(g.findCycle(pending), " -> "), nil).
			WithCode(ErrCodeValidation)
	}
	return nil
}

// findCycle walks unresolved dependencies from the first stuck action until
// it revisits one. Every stuck action waits on at least one other stuck
// action, so the walk always closes.
func (g *Graph) findCycle(pending map[string]int) []string {
	var start string
	for _, id := range g.ids() {
		if pending[id] > 0 {
			start = id
			break
		}
	}

	seenAt := make(map[string]int)
	var path []string
	for cur := start; ; {
		if at, seen := seenAt[cur]; seen {
			return append(path[at:], cur)
		}
		seenAt[cur] = len(path)
		path = append(path, cur)
		for _, dep := range g.waitsFor[cur] {
			if pending[dep] > 0 {
				cur = dep
				break
			}
		}
	}
}

func (g *Graph) ids() []string {
	ids := make([]string, 0, len(g.actions))
	for id := range g.actions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (g *Graph) sortByPlanOrder(ids []string) {
	sort.Slice(ids, func(i, j int) bool { return actionLess(g.actions[ids[i]], g.actions[ids[j]]) })
}

// Levels returns action IDs by level, each level in plan order.
func (g *Graph) Levels() [][]string { return g.levels }

// Level returns the level of an action, or -1 when it is not in the graph.
func (g *Graph) Level(id string) int {
	if l, ok := g.level[id]; ok {
		return l
	}
	return -1
}

// Roots returns the actions that wait for nothing.
func (g *Graph) Roots() []string {
	if len(g.levels) == 0 {
		return nil
	}
	return g.levels[0]
}

// Edges returns every dependency, ordered by the dependent action's ID.
func (g *Graph) Edges() []Edge {
	var edges []Edge
	for _, id := range g.ids() {
		for _, dep := range g.waitsFor[id] {
			edges = append(edges, Edge{From: dep, To: id})
		}
	}
	return edges
}

// WriteDOT renders the graph for Graphviz, one cluster per level. Risky
// actions are red; cross-tier edges are dotted.
func (g *Graph) WriteDOT(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "digraph Plan {")
	fmt.Fprintln(bw, "  rankdir=TB;")
	fmt.Fprintln(bw, `  node [shape=box, style="filled,rounded"];`)

	for depth, ids := range g.levels {
		fmt.Fprintf(bw, "  subgraph cluster_%d {\n    label=\"level %d\";\n    style=dashed;\n", depth, depth)
		for _, id := range ids {
			a := g.actions[id]
			fmt.Fprintf(bw, "    %q [label=\"%s\\n%s\", fillcolor=%s];\n", id, a.Resource.ID, a.Kind, dotColor(a))
		}
		fmt.Fprintln(bw, "  }")
	}

	for _, e := range g.Edges() {
		attrs := ""
		if g.actions[e.From].Tier != g.actions[e.To].Tier {
			attrs = " [style=dotted, color=gray]"
		}
		fmt.Fprintf(bw, "  %q -> %q%s;\n", e.From, e.To, attrs)
	}

	fmt.Fprintln(bw, "}")
	return bw.Flush()
}

func dotColor(a *Action) string {
	switch {
	case a.Risky:
		return "lightcoral"
	case a.Kind == ActionCreateDataset, a.Kind == ActionCreateContainer, a.Kind == ActionCreateShare:
		return "palegreen"
	case a.Tier == TierMount:
		return "lightyellow"
	default:
		return "lightblue"
	}
}

// actionLess is the deterministic plan order: tier, stage, dataset depth,
// then resource ID.
func actionLess(a, b *Action) bool {
	if a.Tier != b.Tier {
		return a.Tier < b.Tier
	}
	if a.Stage != b.Stage {
		return a.Stage < b.Stage
	}
	if da, db := resourceDepth(a.Resource), resourceDepth(b.Resource); da != db {
		return da < db
	}
	if a.Resource.ID != b.Resource.ID {
		return resourceIDLess(a.Resource, b.Resource)
	}
	return a.ID < b.ID
}

func resourceDepth(ref ResourceRef) int {
	if ref.Type != ResourceDataset {
		return 0
	}
	return strings.Count(ref.ID, "/")
}

// resourceIDLess sorts container and mount IDs by their leading number, so
// container 99 comes before container 100.
func resourceIDLess(a, b ResourceRef) bool {
	numeric := a.Type == b.Type && (a.Type == ResourceContainer || a.Type == ResourceMount)
	if !numeric {
		return a.ID < b.ID
	}
	an, arest := leadingNumber(a.ID)
	bn, brest := leadingNumber(b.ID)
	if an != bn {
		return an < bn
	}
	return arest < brest
}

func leadingNumber(s string) (int, string) {
	n, i := 0, 0
	for ; i < len(s) && s[i] >= '0' && s[i] <= '9'; i++ {
		n = n*10 + int(s[i]-'0')
	}
	return n, s[i:]
}
