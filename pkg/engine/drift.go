package engine

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"time"
)

// DriftItem is one difference between two successive Reality snapshots.
type DriftItem struct {
	// Key identifies the item for acknowledgement, e.g. "container:101:resources.memory".
	Key string `json:"key"`

	Resource  ResourceRef `json:"resource"`
	Attribute string      `json:"attribute,omitempty"`
	Change    DriftChange `json:"change"`

	// Expected is the value from the previous scan.
	Expected any `json:"expected,omitempty"`

	// Observed is the value from the current scan.
	Observed any `json:"observed,omitempty"`

	Safety DriftSafety `json:"safety"`
	Reason string      `json:"reason"`
}

// DriftReport is the outcome of a drift check. It is never persisted as state.
type DriftReport struct {
	PreviousScan time.Time   `json:"previous_scan"`
	CurrentScan  time.Time   `json:"current_scan"`
	Items        []DriftItem `json:"items"`
}

// Empty reports whether no drift was found.
func (r *DriftReport) Empty() bool {
	return r == nil || len(r.Items) == 0
}

// Dangerous returns the dangerous items.
func (r *DriftReport) Dangerous() []DriftItem {
	return r.filter(DriftDangerous)
}

// Safe returns the safe items.
func (r *DriftReport) Safe() []DriftItem {
	return r.filter(DriftSafe)
}

func (r *DriftReport) filter(safety DriftSafety) []DriftItem {
	if r == nil {
		return nil
	}
	var out []DriftItem
	for _, item := range r.Items {
		if item.Safety == safety {
			out = append(out, item)
		}
	}
	return out
}

// Unacknowledged returns dangerous items whose key is not in acks.
// An ack may also name a whole resource ("container:101") to cover all its items.
func (r *DriftReport) Unacknowledged(acks []string) []DriftItem {
	acked := make(map[string]bool, len(acks))
	for _, a := range acks {
		acked[a] = true
	}
	var out []DriftItem
	for _, item := range r.Dangerous() {
		if acked[item.Key] || acked[resourceKey(item.Resource)] {
			continue
		}
		out = append(out, item)
	}
	return out
}

// Select returns the items with the given keys, in report order.
func (r *DriftReport) Select(keys []string) []DriftItem {
	if r == nil {
		return nil
	}
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	var out []DriftItem
	for _, item := range r.Items {
		if want[item.Key] {
			out = append(out, item)
		}
	}
	return out
}

// FoldSafe returns a copy of desired updated with the safe drift that
// desired disagrees with, plus the keys of the folded items.
func (r *DriftReport) FoldSafe(desired *Desired) (*Desired, []string, error) {
	folded, err := desired.Clone()
	if err != nil || folded == nil {
		return folded, nil, err
	}
	var keys []string
	for _, item := range r.Safe() {
		if item.Change != DriftModified {
			continue
		}
		if foldItem(folded, item) {
			keys = append(keys, item.Key)
		}
	}
	return folded, keys, nil
}

// foldItem folds cosmetic changes and resource increases. A decrease is
// left for the plan to restore.
func foldItem(d *Desired, item DriftItem) bool {
	switch item.Resource.Type {
	case ResourceContainer:
		var id int
		if _, err := fmt.Sscanf(item.Resource.ID, "%d", &id); err != nil {
			return false
		}
		c, ok := d.Containers[id]
		if !ok {
			return false
		}
		switch item.Attribute {
		case FieldCores:
			if v, ok := item.Observed.(int); ok && c.Resources.Cores != 0 && v > c.Resources.Cores {
				c.Resources.Cores = v
				return true
			}
		case FieldMemory:
			if v, ok := item.Observed.(int); ok && c.Resources.Memory != 0 && v > c.Resources.Memory {
				c.Resources.Memory = v
				return true
			}
		case FieldDisk:
			if v, ok := item.Observed.(int); ok && c.Resources.Disk != 0 && v > c.Resources.Disk {
				c.Resources.Disk = v
				return true
			}
		case FieldDescription:
			if v, ok := item.Observed.(string); ok && c.Description != "" && c.Description != v {
				c.Description = v
				return true
			}
		}
	case ResourceShare:
		s, ok := d.Shares[item.Resource.ID]
		if !ok || item.Attribute != "comment" {
			return false
		}
		if v, ok := item.Observed.(string); ok && s.Comment != "" && s.Comment != v {
			s.Comment = v
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the Desired model.
func (d *Desired) Clone() (*Desired, error) {
	if d == nil {
		return nil, nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, NewPermanentError("failed to copy desired model", err).WithCode(ErrCodeInternal)
	}
	out := NewDesired()
	if err := json.Unmarshal(data, out); err != nil {
		return nil, NewPermanentError("failed to copy desired model", err).WithCode(ErrCodeInternal)
	}
	return out, nil
}

func resourceKey(ref ResourceRef) string {
	return string(ref.Type) + ":" + ref.ID
}

// ClassifyDrift compares two Reality snapshots. desired decides whether a
// difference matters: disappearing resources that desired still references
// and identity attributes that desired disagrees with are dangerous.
// Everything else is safe.
func ClassifyDrift(previous, current *Reality, desired *Desired) *DriftReport {
	report := &DriftReport{}
	if previous == nil || current == nil {
		return report
	}
	report.PreviousScan = previous.ScannedAt
	report.CurrentScan = current.ScannedAt
	if desired == nil {
		desired = NewDesired()
	}

	c := &classifier{desired: desired, report: report}
	c.pools(previous, current)
	c.datasets(previous, current)
	c.containers(previous, current)
	c.shares(previous, current)

	sort.SliceStable(report.Items, func(i, j int) bool { return report.Items[i].Key < report.Items[j].Key })
	return report
}

type classifier struct {
	desired *Desired
	report  *DriftReport
}

func (c *classifier) emit(item DriftItem) {
	item.Key = resourceKey(item.Resource)
	if item.Attribute != "" {
		item.Key += ":" + item.Attribute
	}
	c.report.Items = append(c.report.Items, item)
}

func (c *classifier) appeared(ref ResourceRef, observed any) {
	c.emit(DriftItem{
		Resource: ref,
		Change:   DriftAppeared,
		Observed: observed,
		Safety:   DriftSafe,
		Reason:   "appeared externally; reported as unmanaged",
	})
}

func (c *classifier) disappeared(ref ResourceRef, expected any, referenced bool) {
	item := DriftItem{
		Resource: ref,
		Change:   DriftDisappeared,
		Expected: expected,
		Safety:   DriftSafe,
		Reason:   "disappeared externally; not declared",
	}
	if referenced {
		item.Safety = DriftDangerous
		item.Reason = "disappeared externally but is still declared"
	}
	c.emit(item)
}

// modified classifies an attribute change. want is what desired expects
// (nil when desired does not manage the attribute). Only identity conflicts
// are dangerous: any other managed attribute is put back by the plan.
func (c *classifier) modified(ref ResourceRef, attr string, before, after, want any, identity bool) {
	item := DriftItem{
		Resource:  ref,
		Attribute: attr,
		Change:    DriftModified,
		Expected:  before,
		Observed:  after,
		Safety:    DriftSafe,
	}
	switch {
	case want == nil:
		item.Reason = "attribute not managed"
	case equalValues(want, after):
		item.Reason = "now matches desired"
	case identity:
		item.Safety = DriftDangerous
		item.Reason = "identity attribute changed and conflicts with desired"
	default:
		item.Reason = "managed attribute changed; apply restores desired"
	}
	c.emit(item)
}

func equalValues(a, b any) bool {
	switch av := a.(type) {
	case map[string]string:
		bv, ok := b.(map[string]string)
		return ok && maps.Equal(av, bv)
	case []string:
		bv, ok := b.([]string)
		return ok && slices.Equal(av, bv)
	default:
		return a == b
	}
}

func (c *classifier) pools(previous, current *Reality) {
	for _, name := range sortedKeys(current.Pools) {
		if _, ok := previous.Pools[name]; !ok {
			c.appeared(ResourceRef{Type: ResourcePool, ID: name}, name)
		}
	}
	for _, name := range sortedKeys(previous.Pools) {
		if _, ok := current.Pools[name]; !ok {
			_, referenced := c.desired.Pools[name]
			c.disappeared(ResourceRef{Type: ResourcePool, ID: name}, name, referenced)
		}
	}
}

func (c *classifier) datasets(previous, current *Reality) {
	for _, path := range sortedKeys(current.Datasets) {
		if _, ok := previous.Datasets[path]; !ok {
			c.appeared(ResourceRef{Type: ResourceDataset, ID: path}, path)
		}
	}

	for _, path := range sortedKeys(previous.Datasets) {
		ref := ResourceRef{Type: ResourceDataset, ID: path}
		prev := previous.Datasets[path]
		cur, ok := current.Datasets[path]
		if !ok {
			c.disappeared(ref, path, c.desired.References(ref))
			continue
		}

		desiredDS := c.desired.Datasets[path]
		keys := make(map[string]bool)
		for k := range prev.Properties {
			keys[k] = true
		}
		for k := range cur.Properties {
			keys[k] = true
		}
		for _, k := range sortedKeys(keys) {
			before, hadBefore := prev.Properties[k]
			after, hasAfter := cur.Properties[k]
			if hadBefore == hasAfter && before == after {
				continue
			}
			var want any
			if desiredDS != nil {
				if v, ok := desiredDS.Properties[k]; ok {
					want = v
				}
			}
			var b, a any
			if hadBefore {
				b = before
			}
			if hasAfter {
				a = after
			}
			c.modified(ref, "properties."+k, b, a, want, false)
		}
	}
}

func (c *classifier) containers(previous, current *Reality) {
	for _, id := range sortedContainerIDs(current.Containers) {
		if _, ok := previous.Containers[id]; !ok {
			cur := current.Containers[id]
			c.appeared(ResourceRef{Type: ResourceContainer, ID: cur.Key()}, cur.Name)
		}
	}

	for _, id := range sortedContainerIDs(previous.Containers) {
		prev := previous.Containers[id]
		ref := ResourceRef{Type: ResourceContainer, ID: prev.Key()}
		cur, ok := current.Containers[id]
		if !ok {
			c.disappeared(ref, prev.Name, c.desired.References(ref))
			continue
		}
		c.containerAttributes(ref, prev, cur, c.desired.Containers[id])
		c.mounts(prev, cur)
	}
}

func (c *classifier) containerAttributes(ref ResourceRef, prev, cur, want *Container) {
	wanted := func(set bool, v any) any {
		if want == nil || !set {
			return nil
		}
		return v
	}

	type attr struct {
		name          string
		before, after any
		want          any
		identity      bool
	}
	var attrs []attr
	if want == nil {
		want = &Container{}
	}
	attrs = append(attrs,
		attr{FieldKind, string(prev.Kind), string(cur.Kind), wanted(want.Kind != "", string(want.Kind)), true},
		attr{FieldTemplate, prev.Template, cur.Template, wanted(want.Template != "", want.Template), true},
		attr{FieldImage, prev.Image, cur.Image, wanted(want.Image != "", want.Image), true},
		attr{FieldName, prev.Name, cur.Name, wanted(want.Name != "", want.Name), false},
		attr{FieldBridge, prev.Network.Bridge, cur.Network.Bridge, wanted(want.Network.Bridge != "", want.Network.Bridge), false},
		attr{FieldIP, prev.Network.IP, cur.Network.IP, wanted(want.Network.IP != "", want.Network.IP), false},
		attr{FieldGPU, prev.HasGPU(), cur.HasGPU(), wanted(want.GPU != nil, want.HasGPU()), false},
	)
	for _, a := range attrs {
		if a.before != a.after {
			c.modified(ref, a.name, a.before, a.after, a.want, a.identity)
		}
	}

	if !maps.Equal(prev.Env, cur.Env) {
		c.modified(ref, FieldEnv, prev.Env, cur.Env, wanted(len(want.Env) > 0, want.Env), false)
	}

	headroom := []struct {
		name          string
		before, after int
		want          int
	}{
		{FieldCores, prev.Resources.Cores, cur.Resources.Cores, want.Resources.Cores},
		{FieldMemory, prev.Resources.Memory, cur.Resources.Memory, want.Resources.Memory},
		{FieldDisk, prev.Resources.Disk, cur.Resources.Disk, want.Resources.Disk},
	}
	for _, h := range headroom {
		if h.before == h.after {
			continue
		}
		if h.after > h.before && (h.want == 0 || h.want != h.after) {
			c.emit(DriftItem{
				Resource:  ref,
				Attribute: h.name,
				Change:    DriftModified,
				Expected:  h.before,
				Observed:  h.after,
				Safety:    DriftSafe,
				Reason:    "resource headroom increased",
			})
			continue
		}
		c.modified(ref, h.name, h.before, h.after, wanted(h.want != 0, h.want), false)
	}

	if prev.Description != cur.Description {
		c.emit(DriftItem{
			Resource:  ref,
			Attribute: FieldDescription,
			Change:    DriftModified,
			Expected:  prev.Description,
			Observed:  cur.Description,
			Safety:    DriftSafe,
			Reason:    "cosmetic attribute",
		})
	}

	if prev.Running != cur.Running {
		c.emit(DriftItem{
			Resource:  ref,
			Attribute: "running",
			Change:    DriftModified,
			Expected:  prev.Running,
			Observed:  cur.Running,
			Safety:    DriftSafe,
			Reason:    "runtime state",
		})
	}
}

func (c *classifier) mounts(prev, cur *Container) {
	desiredMounts := make(map[string]Mount)
	if want, ok := c.desired.Containers[prev.ID]; ok {
		for _, m := range want.Mounts {
			desiredMounts[m.Target] = m
		}
	}

	for _, m := range cur.Mounts {
		if _, ok := findMount(prev.Mounts, m.Target); !ok {
			c.appeared(ResourceRef{Type: ResourceMount, ID: m.Key()}, m.Source)
		}
	}

	for _, pm := range prev.Mounts {
		ref := ResourceRef{Type: ResourceMount, ID: pm.Key()}
		wm, declared := desiredMounts[pm.Target]
		cm, ok := findMount(cur.Mounts, pm.Target)
		if !ok {
			c.disappeared(ref, pm.Source, declared)
			continue
		}
		if pm.Source != cm.Source {
			var want any
			if declared {
				want = wm.Source
			}
			c.modified(ref, "source", pm.Source, cm.Source, want, false)
		}
		if pm.ReadOnly != cm.ReadOnly {
			var want any
			if declared {
				want = wm.ReadOnly
			}
			c.modified(ref, "readonly", pm.ReadOnly, cm.ReadOnly, want, false)
		}
	}
}

func (c *classifier) shares(previous, current *Reality) {
	for _, key := range sortedKeys(current.Shares) {
		if _, ok := previous.Shares[key]; !ok {
			c.appeared(ResourceRef{Type: ResourceShare, ID: key}, current.Shares[key].Path)
		}
	}

	for _, key := range sortedKeys(previous.Shares) {
		ref := ResourceRef{Type: ResourceShare, ID: key}
		prev := previous.Shares[key]
		cur, ok := current.Shares[key]
		if !ok {
			c.disappeared(ref, prev.Path, c.desired.References(ref))
			continue
		}

		want := c.desired.Shares[key]
		for _, ch := range DiffShare(prev, cur) {
			// prev plays the desired role, so After is the previous value.
			var w any
			if want != nil {
				w = shareAttribute(want, ch.Path)
			}
			if ch.Path == "comment" {
				c.emit(DriftItem{
					Resource: ref, Attribute: ch.Path, Change: DriftModified,
					Expected: ch.After, Observed: ch.Before, Safety: DriftSafe, Reason: "cosmetic attribute",
				})
				continue
			}
			c.modified(ref, ch.Path, ch.After, ch.Before, w, false)
		}
		if prev.Comment == "" && cur.Comment != "" {
			c.emit(DriftItem{
				Resource: ref, Attribute: "comment", Change: DriftModified,
				Expected: prev.Comment, Observed: cur.Comment, Safety: DriftSafe, Reason: "cosmetic attribute",
			})
		}
	}
}

func shareAttribute(s *Share, attr string) any {
	switch attr {
	case "path":
		return s.Path
	case "read_only":
		return s.ReadOnly
	case "allowed_network":
		return s.AllowedNetwork
	case "browseable":
		return s.Browseable
	case "guest_ok":
		return s.GuestOK
	case "valid_users":
		return s.ValidUsers
	case "options":
		return s.Options
	case "comment":
		return s.Comment
	default:
		return nil
	}
}
