// Package policy guards reconcilers with Open Policy Agent (OPA) policies.
//
// Before a reconciler runs any command, the engine hands the rendered
// resource descriptor to a Guard. Engine implements that guard: it evaluates
// the deny set of every enabled Rego policy against the resource and fails
// the reconciler with POLICY_DENIED when a blocking violation is found.
// Sensitive parameters (such as a RemoteSecret value) are masked first, so a
// policy never sees secret material.
//
// # Built-in policies
//
//   - iam-denied-roles: IAMBinding may not grant a denied role
//     (DefaultDeniedRoles, or WithDeniedRoles) or bind allUsers.
//   - secret-naming: RemoteSecret names must be upper snake case and may not
//     start with GITHUB_.
//   - identity-naming: ServiceAccount IDs follow the provider's naming rules;
//     IdentityPool IDs may not use the gcp- prefix.
//   - provider-condition: warns when an IdentityProvider has no attribute
//     condition.
//
// # Input document
//
//	{
//	  "phase": "infra",
//	  "operation": "reconcile",
//	  "resource": {
//	    "kind": "IAMBinding",
//	    "key": "deployer/roles/run.admin",
//	    "parameters": {"role": "roles/run.admin", "member": "...", "target": "..."}
//	  }
//	}
//
// The denied role list is available as data.phasegate.denied_roles.
//
// # Custom policies
//
// LoadPolicies reads .rego files (blocking by default), single JSON policy
// definitions and JSON bundles. A module must define a `deny` set whose
// entries are strings or objects with message, severity, resource and
// remediation keys. Modules use `import rego.v1`.
//
//	package custom.regions
//
//	import rego.v1
//
//	deny contains msg if {
//		input.resource.kind == "ArtifactRepository"
//		not startswith(input.resource.parameters.location, "europe-")
//		msg := "artifact repositories must live in Europe"
//	}
//
// Usage:
//
//	guard, err := policy.NewEngine(logger, policy.WithDeniedRoles("roles/owner"))
//	err = guard.LoadPolicies(ctx, []string{"policies/"})
//	eng, err := engine.New(ctx, specs, runner, engine.WithGuard(guard))
package policy
