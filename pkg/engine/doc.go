// Package engine provides the reconciliation core of tengil.
//
// # Overview
//
// tengil manages ZFS datasets, containers, bind mounts and network shares on a
// single host from one declarative document. The engine works in five phases:
//
//  1. Resolve - Expand the document into a Desired model (Resolve)
//  2. Scan - Observe the host into a Reality model (Scanner)
//  3. Plan - Diff Desired against Reality into tiered Actions (Planner)
//  4. Drift - Compare the previous and current Reality (ClassifyDrift)
//  5. Apply - Execute the plan with checkpoints and failure isolation (Orchestrator)
//
// # Resource Model
//
// Desired and Reality share the same types:
//
//   - Pool: a storage root, never created or modified
//   - Dataset: a storage unit with normalized properties
//   - Container: a compute unit of kind template or image
//   - Mount: a dataset path bound into a container
//   - Share: an SMB or NFS export of one dataset
//
// Properties are normalized at resolution and at scan time, so a YAML boolean
// such as `yes` reaches the dataset backend as "on" and compares equal to what
// the backend reports.
//
// # Plans
//
// A Plan never deletes anything. Actions are grouped in four tiers (datasets,
// containers, mounts, shares); within a tier, stages order dependent actions
// such as a nested dataset and its parent. Resources present on the host but
// absent from the document are listed as unmanaged.
//
//	planner := engine.NewPlanner(nil)
//	plan, err := planner.Plan(ctx, desired, reality)
//	if engine.IsPlanError(err) {
//	    // fatal: no partial plan is returned
//	}
//
// # Apply
//
// The Orchestrator runs tiers strictly in order with a barrier between them,
// and actions of one stage concurrently on a bounded worker pool. A failed
// action skips only its dependents. Before any action runs, unacknowledged
// dangerous drift and blocking policy violations abort the run. After the run
// the host is rescanned and the snapshot saved, even when actions failed.
//
//	orch := engine.NewOrchestrator(engine.OrchestratorConfig{
//	    Backends: backends,
//	    Store:    store,
//	    Scanner:  engine.NewBackendScanner(backends),
//	})
//	result, err := orch.Apply(ctx, plan, drift, engine.DefaultApplyOptions())
//	os.Exit(engine.ExitCode(result, err))
//
// # Error Classification
//
// Errors are EngineErrors with a class (transient, throttled, conflict,
// permanent) and a code. Resolution, plan and store errors are fatal;
// action failures are collected on the ApplyResult.
package engine
