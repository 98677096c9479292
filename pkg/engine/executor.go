package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tengil/tengil/pkg/telemetry"
)

// executor turns one Action into backend calls. It is the only place that
// knows which backend handles which action kind.
type executor struct {
	backends *Backends
}

func newExecutor(backends *Backends) *executor {
	return &executor{backends: backends}
}

// call runs one backend operation under a span with backend metrics.
func call(ctx context.Context, backend, operation string, fn func(context.Context) (Result, error)) (Result, error) {
	var res Result
	err := telemetry.RecordBackendCall(ctx, backend, operation, func(ctx context.Context) error {
		var err error
		res, err = fn(ctx)
		return err
	})
	return res, err
}

// execute performs the action and returns the combined backend result.
func (e *executor) execute(ctx context.Context, a *Action) (Result, error) {
	switch a.Kind {
	case ActionCreateDataset, ActionUpdateDatasetProperties:
		return e.dataset(ctx, a)
	case ActionCreateContainer, ActionUpdateContainerInPlace, ActionRecreateContainer:
		return e.container(ctx, a)
	case ActionAddMount:
		return e.mount(ctx, a)
	case ActionCreateShare, ActionUpdateShare:
		return e.share(ctx, a)
	default:
		return Result{}, NewPermanentError(fmt.Sprintf("unsupported action kind %q", a.Kind), nil).
			WithCode(ErrCodeValidation)
	}
}

func (e *executor) dataset(ctx context.Context, a *Action) (Result, error) {
	if e.backends.Datasets == nil {
		return Result{}, errors.New("no dataset backend configured")
	}
	ds := a.Dataset
	if ds == nil {
		return Result{}, errors.New("action carries no dataset payload")
	}
	if a.Kind == ActionCreateDataset {
		return call(ctx, "zfs", "create", func(ctx context.Context) (Result, error) {
			return e.backends.Datasets.Create(ctx, ds.Path, ds.Properties)
		})
	}
	return call(ctx, "zfs", "set", func(ctx context.Context) (Result, error) {
		return e.backends.Datasets.SetProperties(ctx, ds.Path, ds.Properties)
	})
}

func (e *executor) container(ctx context.Context, a *Action) (Result, error) {
	spec := a.Container
	if spec == nil {
		return Result{}, errors.New("action carries no container payload")
	}
	driver, ok := e.backends.Driver(spec.Kind)
	if !ok {
		return Result{}, NewPermanentError(fmt.Sprintf("no driver for container kind %q", spec.Kind), nil).
			WithCode(ErrCodeValidation)
	}
	backend := "pct-" + string(driver.Kind())

	var steps []step
	switch {
	case a.Kind == ActionCreateContainer:
		steps = []step{
			{"create", func(ctx context.Context) (Result, error) { return driver.Create(ctx, spec) }},
			{"start", func(ctx context.Context) (Result, error) { return driver.Start(ctx, spec.ID) }},
		}
	case a.Kind == ActionRecreateContainer:
		steps = []step{
			{"stop", func(ctx context.Context) (Result, error) { return driver.Stop(ctx, spec.ID) }},
			{"destroy", func(ctx context.Context) (Result, error) { return driver.Destroy(ctx, spec.ID) }},
			{"create", func(ctx context.Context) (Result, error) { return driver.Create(ctx, spec) }},
			{"start", func(ctx context.Context) (Result, error) { return driver.Start(ctx, spec.ID) }},
		}
	case a.RequiresRestart:
		steps = []step{
			{"stop", func(ctx context.Context) (Result, error) { return driver.Stop(ctx, spec.ID) }},
			{"set", func(ctx context.Context) (Result, error) { return driver.SetInPlace(ctx, spec, a.Changes) }},
		}
		if spec.Running {
			steps = append(steps, step{"start", func(ctx context.Context) (Result, error) { return driver.Start(ctx, spec.ID) }})
		}
	default:
		steps = []step{
			{"set", func(ctx context.Context) (Result, error) { return driver.SetInPlace(ctx, spec, a.Changes) }},
		}
	}
	return runSteps(ctx, backend, steps)
}

func (e *executor) mount(ctx context.Context, a *Action) (Result, error) {
	if e.backends.Mounts == nil {
		return Result{}, errors.New("no mount backend configured")
	}
	m := a.Mount
	if m == nil {
		return Result{}, errors.New("action carries no mount payload")
	}
	return call(ctx, "pct-mount", "attach", func(ctx context.Context) (Result, error) {
		return e.backends.Mounts.Attach(ctx, m.ContainerID, m.Source, m.Target, m.ReadOnly)
	})
}

func (e *executor) share(ctx context.Context, a *Action) (Result, error) {
	s := a.Share
	if s == nil {
		return Result{}, errors.New("action carries no share payload")
	}
	backend, ok := e.backends.Shares[s.Protocol]
	if !ok {
		return Result{}, NewPermanentError(fmt.Sprintf("no backend for share protocol %q", s.Protocol), nil).
			WithCode(ErrCodeValidation)
	}
	return call(ctx, string(s.Protocol), "configure", func(ctx context.Context) (Result, error) {
		return backend.Configure(ctx, s)
	})
}

type step struct {
	name string
	fn   func(context.Context) (Result, error)
}

// runSteps runs steps in order and stops at the first failure.
// The returned result is changed if any step changed something.
func runSteps(ctx context.Context, backend string, steps []step) (Result, error) {
	var out Result
	var notes []string
	for _, s := range steps {
		res, err := call(ctx, backend, s.name, s.fn)
		if res.Changed {
			out.Changed = true
		}
		if res.Note != "" {
			notes = append(notes, res.Note)
		}
		if err != nil {
			out.Note = strings.Join(notes, "; ")
			return out, fmt.Errorf("%s failed: %w", s.name, err)
		}
	}
	out.Note = strings.Join(notes, "; ")
	return out, nil
}
