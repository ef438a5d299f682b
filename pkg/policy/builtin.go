package policy

// DefaultDeniedRoles are the primitive roles no workflow may grant.
var DefaultDeniedRoles = []string{"roles/owner", "roles/editor"}

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		deniedRolesPolicy(),
		secretNamingPolicy(),
		accountNamingPolicy(),
		providerConditionPolicy(),
	}
}

// deniedRolesPolicy blocks primitive roles and public principals in IAM bindings.
func deniedRolesPolicy() Policy {
	return Policy{
		Name:        "iam-denied-roles",
		Description: "Blocks bindings that grant denied roles or bind public principals",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"iam", "least-privilege"},
		Rego: `package phasegate.iam

import rego.v1

deny contains violation if {
	input.resource.kind == "IAMBinding"
	role := input.resource.parameters.role
	some denied in data.phasegate.denied_roles
	role == denied
	violation := {
		"message": sprintf("role %s may not be granted to %s", [role, input.resource.parameters.member]),
		"severity": "critical",
		"resource": input.resource.key,
		"remediation": "grant a narrower predefined role",
	}
}

deny contains violation if {
	input.resource.kind == "IAMBinding"
	member := input.resource.parameters.member
	member in {"allUsers", "allAuthenticatedUsers"}
	violation := {
		"message": sprintf("member %s is public", [member]),
		"severity": "critical",
		"resource": input.resource.key,
		"remediation": "bind a service account or principal set",
	}
}
`,
	}
}

// secretNamingPolicy enforces the naming rules of repository secrets.
func secretNamingPolicy() Policy {
	return Policy{
		Name:        "secret-naming",
		Description: "Repository secret names must be upper snake case and not use reserved prefixes",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"secrets", "naming"},
		Rego: `package phasegate.secrets

import rego.v1

deny contains violation if {
	input.resource.kind == "RemoteSecret"
	name := input.resource.parameters.name
	not regex.match("^[A-Z][A-Z0-9_]*$", name)
	violation := {
		"message": sprintf("secret name '%s' must be upper snake case", [name]),
		"resource": input.resource.key,
	}
}

deny contains violation if {
	input.resource.kind == "RemoteSecret"
	name := input.resource.parameters.name
	startswith(name, "GITHUB_")
	violation := {
		"message": sprintf("secret name '%s' uses the reserved GITHUB_ prefix", [name]),
		"resource": input.resource.key,
	}
}
`,
	}
}

// accountNamingPolicy checks identifiers the cloud API would reject late.
func accountNamingPolicy() Policy {
	return Policy{
		Name:        "identity-naming",
		Description: "Service account and identity pool IDs must match the provider's naming rules",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming"},
		Rego: `package phasegate.naming

import rego.v1

deny contains violation if {
	input.resource.kind == "ServiceAccount"
	id := input.resource.parameters.account_id
	not regex.match("^[a-z][a-z0-9-]{4,28}[a-z0-9]$", id)
	violation := {
		"message": sprintf("service account id '%s' must be 6-30 lowercase letters, digits or hyphens, starting with a letter", [id]),
		"resource": input.resource.key,
	}
}

deny contains violation if {
	input.resource.kind == "IdentityPool"
	id := input.resource.parameters.pool_id
	startswith(id, "gcp-")
	violation := {
		"message": sprintf("identity pool id '%s' uses the reserved gcp- prefix", [id]),
		"resource": input.resource.key,
	}
}
`,
	}
}

// providerConditionPolicy warns about OIDC providers that trust every token
// of their issuer.
func providerConditionPolicy() Policy {
	return Policy{
		Name:        "provider-condition",
		Description: "Identity providers should restrict which tokens they accept",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"iam", "federation"},
		Rego: `package phasegate.federation

import rego.v1

deny contains violation if {
	input.resource.kind == "IdentityProvider"
	object.get(input.resource.parameters, "condition", "") == ""
	violation := {
		"message": sprintf("provider %s accepts any token from %s", [input.resource.key, input.resource.parameters.issuer_uri]),
		"resource": input.resource.key,
		"remediation": "set an attribute condition such as assertion.repository == \"org/repo\"",
	}
}
`,
	}
}
