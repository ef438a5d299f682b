// Package config loads workflow definitions and the application
// configuration file.
//
// # Workflows
//
// A workflow is an ordered set of phases. Each phase lists its dependencies
// and the reconcilers that converge its resources. Workflows are written in
// YAML, JSON or CUE; every document is unified with the built-in #Workflow
// schema, so unknown fields, missing commands and malformed durations are
// reported with their file position before any command runs.
//
//	name: deploy-bootstrap
//	inputs:
//	  region: us-central1
//	phases:
//	  - name: auth
//	    reconcilers:
//	      - name: gcloud-session
//	        kind: AuthSession
//	        key: gcloud
//	        parameters: {tool: gcloud}
//	        exists:
//	          args: [gcloud, auth, list, --filter=status:ACTIVE, --format=value(account)]
//	          presenceMarker: "@"
//	  - name: infra
//	    dependsOn: [auth]
//	    reconcilers: [...]
//
// Loading:
//
//	loader, err := config.NewWorkflowLoader()
//	wf, err := loader.Load("workflow.yaml")
//	specs, err := wf.PhaseSpecs()
//
// Load accepts a directory too, which is loaded as a CUE package.
//
// # Application configuration
//
// phasegate.yaml selects the workflow (or a built-in profile), the state
// backend, the command runner, verify polling and telemetry. LoadAppConfig
// decodes it over DefaultAppConfig and rejects unknown keys.
package config
