package config

// workflowSchema is unified with every workflow before it is decoded.
// Definitions are closed, so unknown fields are rejected.
const workflowSchema = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))+$"

#Kind: "AuthSession" | "ServiceAPI" | "ServiceAccount" | "IdentityPool" |
	"IdentityProvider" | "IAMBinding" | "ArtifactRepository" | "RemoteSecret" | *"Generic"

#Command: {
	// args[0] is the executable; elements may use text/template actions.
	args: [string, ...string]
	timeout?:        #Duration
	presenceMarker?: string
}

#Value: {
	template?: string
	jq?:       string
}

#Reconciler: {
	name: string & !=""
	kind: #Kind
	key:  string & !=""
	parameters?: [string]: string
	exists?: #Command
	create?: #Command
	verify?: #Command
	produces?: [string]: #Value
	idempotencyMarkers?: [...string]
}

#Phase: {
	name:         =~"^[a-z][a-z0-9_-]*$"
	description?: string
	dependsOn?: [...string]
	reconcilers: [...#Reconciler]
}

#Workflow: {
	name:         string & !=""
	description?: string
	inputs?: [string]: string
	phases: [#Phase, ...#Phase]
}
`
