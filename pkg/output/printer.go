package output

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/tengil/tengil/pkg/engine"
	"github.com/tengil/tengil/pkg/stores"
)

// Printer renders tengil values in the chosen format.
type Printer struct {
	w      io.Writer
	format Format
}

// NewPrinter creates a printer writing to w.
func NewPrinter(w io.Writer, format Format) *Printer {
	return &Printer{w: w, format: format}
}

// Format returns the printer's format.
func (p *Printer) Format() Format {
	return p.format
}

// structured writes data with the JSON or YAML formatter and reports
// whether it did.
func (p *Printer) structured(data interface{}) (bool, error) {
	f := NewFormatter(p.format)
	if f == nil {
		return false, nil
	}
	return true, f.Write(p.w, data)
}

func (p *Printer) printf(format string, args ...interface{}) {
	fmt.Fprintf(p.w, format, args...)
}

// Plan prints a plan: one row per action followed by warnings and
// unmanaged resources.
func (p *Printer) Plan(plan *engine.Plan) error {
	if ok, err := p.structured(plan); ok {
		return err
	}

	if plan.IsEmpty() {
		p.printf("No changes. The host matches the document.\n")
	} else {
		s := plan.Summary
		p.printf("Plan %s: %d to create, %d to update, %d to recreate, %d to attach\n\n",
			shortID(plan.ID), s.ToCreate, s.ToUpdate, s.ToRecreate, s.ToAttach)

		table := newTable(p.w, "Tier", "Stage", "Action", "Resource", "Details")
		for _, a := range plan.Actions {
			table.Append([]string{
				a.Tier.String(),
				fmt.Sprintf("%d", a.Stage),
				string(a.Kind),
				a.Resource.ID,
				actionDetails(a),
			})
		}
		table.Render()
	}

	if len(plan.Warnings) > 0 {
		p.printf("\nWarnings:\n")
		for _, w := range plan.Warnings {
			p.printf("  - %s: %s\n", w.Resource, w.Message)
		}
	}
	if len(plan.Unmanaged) > 0 {
		p.printf("\nUnmanaged (left alone):\n")
		for _, ref := range plan.Unmanaged {
			p.printf("  - %s\n", ref)
		}
	}
	return nil
}

func actionDetails(a engine.Action) string {
	var parts []string
	if a.Risky {
		parts = append(parts, "[risky]")
	}
	if a.RequiresRestart {
		parts = append(parts, "[restart]")
	}
	if a.Replace {
		parts = append(parts, "[rebind]")
	}

	switch {
	case len(a.Changes) > 0:
		for _, ch := range a.Changes {
			switch ch.Action {
			case engine.ChangeActionAdd:
				parts = append(parts, fmt.Sprintf("%s=%s", ch.Path, formatValue(ch.After)))
			case engine.ChangeActionRemove:
				parts = append(parts, fmt.Sprintf("-%s", ch.Path))
			default:
				parts = append(parts, fmt.Sprintf("%s: %s -> %s", ch.Path, formatValue(ch.Before), formatValue(ch.After)))
			}
		}
	case a.Dataset != nil:
		if a.Dataset.Profile != "" {
			parts = append(parts, "profile="+a.Dataset.Profile)
		}
		if a.Dataset.AutoParent {
			parts = append(parts, "implied parent")
		}
	case a.Container != nil:
		c := a.Container
		parts = append(parts, fmt.Sprintf("%s %s", c.Kind, c.Name))
		if c.Image != "" {
			parts = append(parts, c.Image)
		} else if c.Template != "" {
			parts = append(parts, c.Template)
		}
	case a.Mount != nil:
		parts = append(parts, fmt.Sprintf("%s -> %s (%s)", a.Mount.Source, a.Mount.Target, access(a.Mount.ReadOnly)))
	case a.Share != nil:
		parts = append(parts, fmt.Sprintf("%s %s", a.Share.Protocol, a.Share.Path))
	}
	return strings.Join(parts, " ")
}

// Drift prints a drift report, dangerous items first.
func (p *Printer) Drift(report *engine.DriftReport) error {
	if report == nil {
		report = &engine.DriftReport{}
	}
	if ok, err := p.structured(report); ok {
		return err
	}

	if report.Empty() {
		p.printf("No drift since the last scan.\n")
		return nil
	}

	items := append(report.Dangerous(), report.Safe()...)
	p.printf("Drift: %d dangerous, %d safe\n\n", len(report.Dangerous()), len(report.Safe()))

	table := newTable(p.w, "Safety", "Change", "Resource", "Attribute", "Expected", "Observed", "Reason")
	for _, item := range items {
		table.Append([]string{
			string(item.Safety),
			string(item.Change),
			item.Resource.String(),
			item.Attribute,
			formatValue(item.Expected),
			formatValue(item.Observed),
			item.Reason,
		})
	}
	table.Render()
	return nil
}

// ApplyResult prints the outcome of an apply run with a per-action table.
func (p *Printer) ApplyResult(result *engine.ApplyResult) error {
	if ok, err := p.structured(result); ok {
		return err
	}

	prefix := "Run"
	if result.DryRun {
		prefix = "Dry run"
	}
	p.printf("%s %s: %s (%d succeeded, %d failed, %d skipped) in %s\n",
		prefix, shortID(result.RunID), result.Status, result.Succeeded, result.Failed, result.Skipped, formatDuration(result.Duration))

	if result.AbortReason != "" {
		p.printf("Aborted: %s\n", result.AbortReason)
	}
	if result.CheckpointID != "" {
		p.printf("Checkpoint: %s\n", result.CheckpointID)
	}
	switch {
	case len(result.AcceptedDrift) > 0:
		p.printf("Accepted safe drift (kept by this run; copy it into the document to keep it on later runs):\n")
		for _, item := range result.AcceptedDrift {
			p.printf("  %s: %s -> %s\n", item.Key, formatValue(item.Expected), formatValue(item.Observed))
		}
	case len(result.FoldedDrift) > 0:
		p.printf("Accepted safe drift: %s\n", strings.Join(result.FoldedDrift, ", "))
	}

	if len(result.Results) == 0 {
		return nil
	}
	p.printf("\n")
	table := newTable(p.w, "Action", "Status", "Duration", "Details")
	for _, ar := range result.Results {
		detail := ar.Note
		switch {
		case ar.Error != nil:
			detail = ar.Error.Error()
		case ar.BlockedBy != "":
			detail = "blocked by " + ar.BlockedBy
		}
		table.Append([]string{ar.ActionID, string(ar.Status), formatDuration(ar.Duration), detail})
	}
	table.Render()
	return nil
}

// Violations prints policy findings.
func (p *Printer) Violations(violations []engine.PolicyViolation) error {
	if ok, err := p.structured(violations); ok {
		return err
	}
	if len(violations) == 0 {
		p.printf("All policies passed.\n")
		return nil
	}

	table := newTable(p.w, "Severity", "Policy", "Resource", "Message")
	for _, v := range violations {
		sev := v.Severity
		if sev == "" {
			sev = "error"
		}
		table.Append([]string{sev, v.Policy, v.Resource.String(), v.Message})
	}
	table.Render()
	return nil
}

// Checkpoints prints checkpoints newest first.
func (p *Printer) Checkpoints(checkpoints []*engine.Checkpoint) error {
	if ok, err := p.structured(checkpoints); ok {
		return err
	}
	if len(checkpoints) == 0 {
		p.printf("No checkpoints.\n")
		return nil
	}

	sorted := append([]*engine.Checkpoint(nil), checkpoints...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.After(sorted[j].CreatedAt) })

	table := newTable(p.w, "ID", "Label", "Created", "Datasets", "Containers", "Snapshots")
	for _, cp := range sorted {
		datasets, containers := 0, 0
		if r := cp.Snapshot.Reality; r != nil {
			datasets, containers = len(r.Datasets), len(r.Containers)
		}
		table.Append([]string{
			cp.ID,
			cp.Label,
			formatTime(cp.CreatedAt),
			fmt.Sprintf("%d", datasets),
			fmt.Sprintf("%d", containers),
			fmt.Sprintf("%d", len(cp.Backend)),
		})
	}
	table.Render()
	return nil
}

// Checkpoint prints one checkpoint with its backend rollback hints.
func (p *Printer) Checkpoint(cp *engine.Checkpoint) error {
	if ok, err := p.structured(cp); ok {
		return err
	}

	p.printf("Checkpoint %s (%s), created %s\n", cp.ID, cp.Label, cp.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	if len(cp.Backend) == 0 {
		return nil
	}
	keys := make([]string, 0, len(cp.Backend))
	for k := range cp.Backend {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	p.printf("\n")
	table := newTable(p.w, "Resource", "Snapshot")
	for _, k := range keys {
		table.Append([]string{k, cp.Backend[k]})
	}
	table.Render()
	return nil
}

// Runs prints run history.
func (p *Printer) Runs(runs []*stores.RunRecord) error {
	if ok, err := p.structured(runs); ok {
		return err
	}
	if len(runs) == 0 {
		p.printf("No runs recorded.\n")
		return nil
	}

	table := newTable(p.w, "Run", "Status", "Actions", "Succeeded", "Failed", "Skipped", "Started", "Duration")
	for _, r := range runs {
		status := string(r.Status)
		if r.DryRun {
			status += " (dry run)"
		}
		table.Append([]string{
			r.ID,
			status,
			fmt.Sprintf("%d", r.ActionCount),
			fmt.Sprintf("%d", r.Succeeded),
			fmt.Sprintf("%d", r.Failed),
			fmt.Sprintf("%d", r.Skipped),
			formatTime(r.StartedAt),
			formatDuration(r.Duration),
		})
	}
	table.Render()
	return nil
}

// RunDetail is one run with its actions and drift.
type RunDetail struct {
	Run     *stores.RunRecord      `json:"run"`
	Actions []*stores.ActionRecord `json:"actions"`
	Drift   []*stores.DriftRecord  `json:"drift,omitempty"`
}

// Run prints one run with its actions and drift.
func (p *Printer) Run(detail *RunDetail) error {
	if ok, err := p.structured(detail); ok {
		return err
	}

	r := detail.Run
	p.printf("Run %s: %s (%d succeeded, %d failed, %d skipped)\n", r.ID, r.Status, r.Succeeded, r.Failed, r.Skipped)
	if r.AbortReason != "" {
		p.printf("Aborted: %s\n", r.AbortReason)
	}
	if r.CheckpointID != "" {
		p.printf("Checkpoint: %s\n", r.CheckpointID)
	}

	if len(detail.Actions) > 0 {
		p.printf("\n")
		table := newTable(p.w, "Action", "Status", "Duration", "Details")
		for _, a := range detail.Actions {
			d := a.Note
			switch {
			case a.Error != "":
				d = a.Error
			case a.BlockedBy != "":
				d = "blocked by " + a.BlockedBy
			}
			table.Append([]string{a.ActionID, string(a.Status), formatDuration(a.Duration), d})
		}
		table.Render()
	}

	if len(detail.Drift) > 0 {
		p.printf("\nDrift:\n")
		table := newTable(p.w, "Safety", "Change", "Resource", "Attribute", "Reason")
		for _, d := range detail.Drift {
			table.Append([]string{string(d.Safety), string(d.Change), string(d.ResourceType) + ":" + d.ResourceID, d.Attribute, d.Reason})
		}
		table.Render()
	}
	return nil
}

// Audit prints operator actions, newest first.
func (p *Printer) Audit(entries []*stores.AuditEntry) error {
	if ok, err := p.structured(entries); ok {
		return err
	}
	if len(entries) == 0 {
		p.printf("No audit entries.\n")
		return nil
	}

	table := newTable(p.w, "When", "Action", "Actor", "Target", "Details")
	for _, e := range entries {
		table.Append([]string{formatTime(e.Timestamp), e.Action, e.Actor, e.TargetID, e.Details})
	}
	table.Render()
	return nil
}

// Reality prints an observed host state as one table per resource type.
func (p *Printer) Reality(r *engine.Reality) error {
	if ok, err := p.structured(r); ok {
		return err
	}

	p.printf("Scanned %s: %d pools, %d datasets, %d containers, %d shares\n",
		formatTime(r.ScannedAt), len(r.Pools), len(r.Datasets), len(r.Containers), len(r.Shares))

	if len(r.Datasets) > 0 {
		p.printf("\n")
		table := newTable(p.w, "Dataset", "Compression", "Recordsize", "Properties")
		paths := make([]string, 0, len(r.Datasets))
		for path := range r.Datasets {
			paths = append(paths, path)
		}
		sort.Strings(paths)
		for _, path := range paths {
			ds := r.Datasets[path]
			table.Append([]string{path, ds.Properties["compression"], ds.Properties["recordsize"], fmt.Sprintf("%d", len(ds.Properties))})
		}
		table.Render()
	}

	if len(r.Containers) > 0 {
		p.printf("\n")
		table := newTable(p.w, "ID", "Name", "Kind", "Running", "Cores", "Memory", "Mounts")
		ids := make([]int, 0, len(r.Containers))
		for id := range r.Containers {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			c := r.Containers[id]
			table.Append([]string{
				fmt.Sprintf("%d", c.ID),
				c.Name,
				string(c.Kind),
				boolMark(c.Running),
				fmt.Sprintf("%d", c.Resources.Cores),
				fmt.Sprintf("%d", c.Resources.Memory),
				fmt.Sprintf("%d", len(c.Mounts)),
			})
		}
		table.Render()
	}

	if len(r.Shares) > 0 {
		p.printf("\n")
		table := newTable(p.w, "Protocol", "Name", "Path", "Access")
		keys := make([]string, 0, len(r.Shares))
		for k := range r.Shares {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			s := r.Shares[k]
			table.Append([]string{string(s.Protocol), s.Name, s.Path, access(s.ReadOnly)})
		}
		table.Render()
	}
	return nil
}

// Profiles prints the dataset profile catalog.
func (p *Printer) Profiles(profiles []engine.Profile) error {
	if ok, err := p.structured(profiles); ok {
		return err
	}

	table := newTable(p.w, "Profile", "Access", "Properties", "Description")
	for _, pr := range profiles {
		acc := string(pr.Access)
		if acc == "" {
			acc = "-"
		}
		table.Append([]string{pr.Name, acc, formatValue(pr.Properties), pr.Description})
	}
	table.Render()
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "-"
	}
	return id
}
