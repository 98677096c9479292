// Package policy is the Open Policy Agent gate that runs between planning
// and execution.
//
// Every enabled policy is a Rego module whose package defines a "deny" set.
// Each element is either a message string or an object:
//
//	{"rule": "...", "message": "...", "severity": "error", "resource": {"type": "dataset", "id": "tank/media"}}
//
// Findings with severity "error" (or no severity) block the apply; anything
// else is reported as a warning. The plan is available as input.plan using
// its JSON field names, the resolved desired state as input.desired, and the
// configured lists under data.tengil:
//
//	data.tengil.protected_pools
//	data.tengil.protected_containers
//
// # Built-in Policies
//
//   - protected-pools: no dataset or share changes in protected pools
//   - protected-containers: no recreate of protected containers
//   - gpu-on-image: warns about GPU passthrough into OCI image containers
//   - recreate-data-loss: warns whenever a container will be recreated
//
// # Usage
//
//	gate, err := policy.NewEngine(logger, policy.Options{ProtectedPools: []string{"rpool"}})
//	if err != nil {
//	    return err
//	}
//	if err := gate.LoadPolicies(ctx, settings.PolicyPaths); err != nil {
//	    return err
//	}
//	orch := engine.NewOrchestrator(engine.OrchestratorConfig{Backends: b, Store: st, Policy: gate})
//
// Custom policies are loaded from .rego files (named after the file, severity
// error) or .json files holding a serialized Policy.
package policy
