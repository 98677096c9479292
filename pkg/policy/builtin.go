package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		protectedPoolsPolicy(),
		protectedContainersPolicy(),
		gpuOnImagePolicy(),
		recreateDataLossPolicy(),
	}
}

// protectedPoolsPolicy keeps tengil away from the host's system pool.
func protectedPoolsPolicy() Policy {
	return Policy{
		Name:        "protected-pools",
		Description: "Refuses dataset and share changes in protected pools (rpool by default)",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"safety", "zfs"},
		Rego: `package tengil.policies.pools

import rego.v1

dataset_kinds := {"create_dataset", "update_dataset_properties"}

share_kinds := {"create_share", "update_share"}

pool_of(path) := split(path, "/")[0]

deny contains violation if {
	some action in input.plan.actions
	action.kind in dataset_kinds
	pool := pool_of(action.resource.id)
	pool in data.tengil.protected_pools
	violation := {
		"rule": "protected_pool",
		"message": sprintf("dataset %s is in protected pool %s", [action.resource.id, pool]),
		"severity": "error",
		"resource": action.resource,
	}
}

deny contains violation if {
	some action in input.plan.actions
	action.kind in share_kinds
	pool := pool_of(action.share.dataset)
	pool in data.tengil.protected_pools
	violation := {
		"rule": "protected_pool_share",
		"message": sprintf("share %s would export %s from protected pool %s", [action.share.name, action.share.dataset, pool]),
		"severity": "error",
		"resource": action.resource,
	}
}
`,
	}
}

// protectedContainersPolicy forbids recreating containers listed as protected.
func protectedContainersPolicy() Policy {
	return Policy{
		Name:        "protected-containers",
		Description: "Refuses to recreate containers listed in protected_containers",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"safety", "containers"},
		Rego: `package tengil.policies.containers

import rego.v1

protected(c) if c.name in data.tengil.protected_containers

protected(c) if format_int(c.id, 10) in data.tengil.protected_containers

deny contains violation if {
	some action in input.plan.actions
	action.kind == "recreate_container"
	protected(action.container)
	violation := {
		"rule": "protected_container",
		"message": sprintf("container %s (%d) is protected and would be recreated", [action.container.name, action.container.id]),
		"severity": "error",
		"resource": action.resource,
	}
}
`,
	}
}

// gpuOnImagePolicy warns about device passthrough into OCI-image containers.
func gpuOnImagePolicy() Policy {
	return Policy{
		Name:        "gpu-on-image",
		Description: "Warns when GPU passthrough is requested for an image-based container",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"containers", "gpu"},
		Rego: `package tengil.policies.gpu

import rego.v1

container_kinds := {"create_container", "recreate_container", "update_container_in_place"}

deny contains violation if {
	some action in input.plan.actions
	action.kind in container_kinds
	action.container.kind == "image"
	action.container.gpu == true
	violation := {
		"rule": "gpu_on_image",
		"message": sprintf("container %s passes /dev/dri into an OCI image; the image must ship its own GPU userspace", [action.container.name]),
		"severity": "warning",
		"resource": action.resource,
	}
}
`,
	}
}

// recreateDataLossPolicy points out that a recreate discards the root filesystem.
func recreateDataLossPolicy() Policy {
	return Policy{
		Name:        "recreate-data-loss",
		Description: "Warns that recreating a container discards everything outside its bind mounts",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"containers"},
		Rego: `package tengil.policies.recreate

import rego.v1

deny contains violation if {
	some action in input.plan.actions
	action.kind == "recreate_container"
	violation := {
		"rule": "recreate_data_loss",
		"message": sprintf("container %s will be destroyed and recreated; data outside bind mounts is lost", [action.container.name]),
		"severity": "warning",
		"resource": action.resource,
	}
}
`,
	}
}
