// Package gcp is the built-in workflow that bootstraps keyless deployment
// from GitHub Actions to Google Cloud.
//
// Phases:
//
//	auth     gcloud and gh sessions, project lookup
//	github   repository check (optional)
//	infra    APIs, deployer service account, workload identity pool and
//	         OIDC provider, IAM bindings, Artifact Registry repository
//	secrets  repository secrets consumed by the generated pipeline
//
// Required inputs are "project" and "repo" (owner/name).
package gcp

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/phasegate/pkg/config"
	"github.com/openfroyo/phasegate/pkg/engine"
)

// Name is the profile name used in phasegate.yaml.
const Name = "gcp"

// GitHubIssuer is the OIDC issuer of GitHub Actions tokens.
const GitHubIssuer = "https://token.actions.githubusercontent.com"

// AttributeMapping maps GitHub token claims onto Google attributes.
const AttributeMapping = "google.subject=assertion.sub,attribute.actor=assertion.actor,attribute.repository=assertion.repository"

// DefaultRoles are granted to the deployer service account on the project.
var DefaultRoles = []string{
	"roles/run.admin",
	"roles/iam.serviceAccountUser",
	"roles/artifactregistry.writer",
	"roles/storage.admin",
	"roles/cloudbuild.builds.builder",
}

// DefaultAPIs are enabled on the project.
var DefaultAPIs = []string{
	"run.googleapis.com",
	"iam.googleapis.com",
	"artifactregistry.googleapis.com",
	"cloudbuild.googleapis.com",
	"iamcredentials.googleapis.com",
	"sts.googleapis.com",
}

// RequiredInputs must be supplied by the caller.
var RequiredInputs = []string{"project", "repo"}

// DefaultInputs are the input defaults of the workflow.
func DefaultInputs() map[string]string {
	return map[string]string{
		"region":          "us-central1",
		"service_account": "github-deployer",
		"pool":            "github-pool",
		"provider":        "github-provider",
		"registry":        "containers",
	}
}

// Options tailors the generated workflow.
type Options struct {
	Roles []string
	APIs  []string

	// GitHub adds a phase that checks the repository exists before secrets
	// are pushed to it.
	GitHub bool
}

// DefaultOptions returns the default roles and APIs with the repository check.
func DefaultOptions() Options {
	return Options{
		Roles:  append([]string(nil), DefaultRoles...),
		APIs:   append([]string(nil), DefaultAPIs...),
		GitHub: true,
	}
}

// CheckInputs reports required inputs that are missing or empty.
func CheckInputs(inputs map[string]string) error {
	var missing []string
	for _, k := range RequiredInputs {
		if strings.TrimSpace(inputs[k]) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing required inputs: %s (use --input %s=...)", strings.Join(missing, ", "), missing[0])
	}
	if repo := inputs["repo"]; strings.Count(repo, "/") != 1 || strings.HasPrefix(repo, "/") || strings.HasSuffix(repo, "/") {
		return fmt.Errorf("input repo must be owner/name, got %q", repo)
	}
	return nil
}

// Workflow builds the profile workflow.
func Workflow(opts Options) *config.Workflow {
	wf := &config.Workflow{
		Name:        "gcp-github-deploy",
		Description: "Keyless GitHub Actions deployment to Google Cloud",
		Inputs:      DefaultInputs(),
	}

	wf.Phases = append(wf.Phases, authPhase())

	secretDeps := []string{"infra"}
	if opts.GitHub {
		wf.Phases = append(wf.Phases, githubPhase())
		secretDeps = append(secretDeps, "github")
	}

	wf.Phases = append(wf.Phases, infraPhase(opts), secretsPhase(secretDeps))
	return wf
}

func cmd(args ...string) *config.CommandConfig {
	return &config.CommandConfig{Args: args}
}

func authPhase() config.PhaseConfig {
	return config.PhaseConfig{
		Name:        "auth",
		Description: "Verify the gcloud and gh sessions and resolve the project",
		Reconcilers: []config.ReconcilerConfig{
			{
				Name:       "gcloud-session",
				Kind:       string(engine.KindAuthSession),
				Key:        "gcloud",
				Parameters: map[string]string{"tool": "gcloud"},
				Exists: &config.CommandConfig{
					Args:           []string{"gcloud", "auth", "list", "--filter=status:ACTIVE", "--format=value(account)"},
					PresenceMarker: "@",
				},
				Produces: map[string]config.ValueConfig{
					"gcloud_account": {Template: "{{ firstLine .Stdout }}"},
				},
			},
			{
				Name:       "gh-session",
				Kind:       string(engine.KindAuthSession),
				Key:        "gh",
				Parameters: map[string]string{"tool": "gh"},
				Exists:     cmd("gh", "auth", "status"),
			},
			{
				Name:   "project",
				Kind:   string(engine.KindGeneric),
				Key:    "{{ .Values.project }}",
				Exists: cmd("gcloud", "projects", "describe", "{{ .Key }}", "--format=json"),
				Produces: map[string]config.ValueConfig{
					"project_number": {JQ: ".projectNumber"},
				},
			},
		},
	}
}

func githubPhase() config.PhaseConfig {
	return config.PhaseConfig{
		Name:        "github",
		Description: "Check the target repository is reachable",
		DependsOn:   []string{"auth"},
		Reconcilers: []config.ReconcilerConfig{{
			Name:   "repository",
			Kind:   string(engine.KindGeneric),
			Key:    "{{ .Values.repo }}",
			Exists: cmd("gh", "repo", "view", "{{ .Key }}", "--json", "nameWithOwner,defaultBranchRef"),
			Produces: map[string]config.ValueConfig{
				"default_branch": {JQ: ".defaultBranchRef.name"},
			},
		}},
	}
}

func infraPhase(opts Options) config.PhaseConfig {
	var rs []config.ReconcilerConfig

	for _, api := range opts.APIs {
		rs = append(rs, config.ReconcilerConfig{
			Name:       "api-" + strings.TrimSuffix(api, ".googleapis.com"),
			Kind:       string(engine.KindServiceAPI),
			Key:        api,
			Parameters: map[string]string{"service": api, "project": "{{ .Values.project }}"},
			Exists: &config.CommandConfig{
				Args:           []string{"gcloud", "services", "list", "--enabled", "--project", "{{ .Params.project }}", "--filter=config.name={{ .Key }}", "--format=value(config.name)"},
				PresenceMarker: "{{ .Key }}",
			},
			Create: &config.CommandConfig{
				Args:    []string{"gcloud", "services", "enable", "{{ .Key }}", "--project", "{{ .Params.project }}"},
				Timeout: "5m",
			},
		})
	}

	rs = append(rs,
		config.ReconcilerConfig{
			Name: "service-account",
			Kind: string(engine.KindServiceAccount),
			Key:  "{{ .Values.service_account }}@{{ .Values.project }}.iam.gserviceaccount.com",
			Parameters: map[string]string{
				"account_id":   "{{ .Values.service_account }}",
				"project":      "{{ .Values.project }}",
				"display_name": "GitHub Actions deployer",
				"description":  "Impersonated by GitHub Actions through workload identity federation",
			},
			Exists: cmd("gcloud", "iam", "service-accounts", "describe", "{{ .Key }}", "--project", "{{ .Params.project }}", "--format=json"),
			Create: cmd("gcloud", "iam", "service-accounts", "create", "{{ .Params.account_id }}", "--project", "{{ .Params.project }}",
				"--display-name", "{{ .Params.display_name }}", "--description", "{{ .Params.description }}"),
			Verify: cmd("gcloud", "iam", "service-accounts", "describe", "{{ .Key }}", "--project", "{{ .Params.project }}", "--format=json"),
			Produces: map[string]config.ValueConfig{
				"service_account_email": {Template: "{{ .Key }}"},
			},
		},
		config.ReconcilerConfig{
			Name: "identity-pool",
			Kind: string(engine.KindIdentityPool),
			Key:  "{{ .Values.pool }}",
			Parameters: map[string]string{
				"pool_id":      "{{ .Values.pool }}",
				"project":      "{{ .Values.project }}",
				"location":     "global",
				"display_name": "GitHub Actions",
			},
			Exists: cmd("gcloud", "iam", "workload-identity-pools", "describe", "{{ .Key }}", "--project", "{{ .Params.project }}", "--location", "{{ .Params.location }}", "--format=json"),
			Create: cmd("gcloud", "iam", "workload-identity-pools", "create", "{{ .Key }}", "--project", "{{ .Params.project }}", "--location", "{{ .Params.location }}",
				"--display-name", "{{ .Params.display_name }}"),
			Verify: cmd("gcloud", "iam", "workload-identity-pools", "describe", "{{ .Key }}", "--project", "{{ .Params.project }}", "--location", "{{ .Params.location }}", "--format=json"),
			Produces: map[string]config.ValueConfig{
				"pool_name": {JQ: ".name"},
			},
		},
		config.ReconcilerConfig{
			Name: "identity-provider",
			Kind: string(engine.KindIdentityProvider),
			Key:  "{{ .Values.provider }}",
			Parameters: map[string]string{
				"provider_id":       "{{ .Values.provider }}",
				"pool_id":           "{{ .Values.pool }}",
				"project":           "{{ .Values.project }}",
				"location":          "global",
				"issuer_uri":        GitHubIssuer,
				"attribute_mapping": AttributeMapping,
				"condition":         `assertion.repository == "{{ .Values.repo }}"`,
			},
			Exists: cmd("gcloud", "iam", "workload-identity-pools", "providers", "describe", "{{ .Key }}",
				"--workload-identity-pool", "{{ .Params.pool_id }}", "--project", "{{ .Params.project }}", "--location", "{{ .Params.location }}", "--format=json"),
			Create: cmd("gcloud", "iam", "workload-identity-pools", "providers", "create-oidc", "{{ .Key }}",
				"--workload-identity-pool", "{{ .Params.pool_id }}", "--project", "{{ .Params.project }}", "--location", "{{ .Params.location }}",
				"--issuer-uri", "{{ .Params.issuer_uri }}",
				"--attribute-mapping", "{{ .Params.attribute_mapping }}",
				"--attribute-condition", "{{ .Params.condition }}"),
			Verify: cmd("gcloud", "iam", "workload-identity-pools", "providers", "describe", "{{ .Key }}",
				"--workload-identity-pool", "{{ .Params.pool_id }}", "--project", "{{ .Params.project }}", "--location", "{{ .Params.location }}", "--format=json"),
			Produces: map[string]config.ValueConfig{
				"workload_identity_provider": {JQ: ".name"},
			},
		},
	)

	for _, role := range opts.Roles {
		rs = append(rs, projectBinding(role))
	}
	rs = append(rs, workloadIdentityBinding(), registry())

	return config.PhaseConfig{
		Name:        "infra",
		Description: "Create the deployer identity, federation and registry",
		DependsOn:   []string{"auth"},
		Reconcilers: rs,
	}
}

func projectBinding(role string) config.ReconcilerConfig {
	return config.ReconcilerConfig{
		Name: "role-" + strings.ReplaceAll(strings.TrimPrefix(role, "roles/"), ".", "-"),
		Kind: string(engine.KindIAMBinding),
		Key:  "{{ .Values.project }}/" + role,
		Parameters: map[string]string{
			"role":   role,
			"member": "serviceAccount:{{ .Values.service_account_email }}",
			"target": "{{ .Values.project }}",
		},
		Exists: &config.CommandConfig{
			Args: []string{"gcloud", "projects", "get-iam-policy", "{{ .Params.target }}",
				"--flatten=bindings[].members",
				"--filter=bindings.role={{ .Params.role }} AND bindings.members={{ .Params.member }}",
				"--format=value(bindings.members)"},
			PresenceMarker: "{{ .Params.member }}",
		},
		Create: cmd("gcloud", "projects", "add-iam-policy-binding", "{{ .Params.target }}",
			"--member", "{{ .Params.member }}", "--role", "{{ .Params.role }}", "--condition=None", "--format=none"),
	}
}

func workloadIdentityBinding() config.ReconcilerConfig {
	return config.ReconcilerConfig{
		Name: "workload-identity-user",
		Kind: string(engine.KindIAMBinding),
		Key:  "{{ .Values.service_account_email }}/roles/iam.workloadIdentityUser",
		Parameters: map[string]string{
			"role":   "roles/iam.workloadIdentityUser",
			"member": "principalSet://iam.googleapis.com/{{ .Values.pool_name }}/attribute.repository/{{ .Values.repo }}",
			"target": "{{ .Values.service_account_email }}",
		},
		Exists: &config.CommandConfig{
			Args: []string{"gcloud", "iam", "service-accounts", "get-iam-policy", "{{ .Params.target }}",
				"--project", "{{ .Values.project }}",
				"--flatten=bindings[].members",
				"--filter=bindings.role={{ .Params.role }}",
				"--format=value(bindings.members)"},
			PresenceMarker: "{{ .Params.member }}",
		},
		Create: cmd("gcloud", "iam", "service-accounts", "add-iam-policy-binding", "{{ .Params.target }}",
			"--project", "{{ .Values.project }}", "--role", "{{ .Params.role }}", "--member", "{{ .Params.member }}", "--format=none"),
	}
}

func registry() config.ReconcilerConfig {
	return config.ReconcilerConfig{
		Name: "artifact-registry",
		Kind: string(engine.KindArtifactRepository),
		Key:  "{{ .Values.registry }}",
		Parameters: map[string]string{
			"repository": "{{ .Values.registry }}",
			"project":    "{{ .Values.project }}",
			"location":   "{{ .Values.region }}",
			"format":     "docker",
		},
		Exists: cmd("gcloud", "artifacts", "repositories", "describe", "{{ .Key }}", "--project", "{{ .Params.project }}", "--location", "{{ .Params.location }}", "--format=json"),
		Create: &config.CommandConfig{
			Args: []string{"gcloud", "artifacts", "repositories", "create", "{{ .Key }}", "--project", "{{ .Params.project }}", "--location", "{{ .Params.location }}",
				"--repository-format", "{{ .Params.format }}", "--description", "Images deployed by GitHub Actions"},
			Timeout: "2m",
		},
		Produces: map[string]config.ValueConfig{
			"registry_url": {Template: "{{ .Params.location }}-docker.pkg.dev/{{ .Params.project }}/{{ .Key }}"},
		},
	}
}

// Secrets maps repository secret names to the values they carry.
var Secrets = []struct {
	Name  string
	Value string
}{
	{"GCP_PROJECT_ID", "{{ .Values.project }}"},
	{"GCP_REGION", "{{ .Values.region }}"},
	{"GCP_SERVICE_ACCOUNT", "{{ .Values.service_account_email }}"},
	{"WORKLOAD_IDENTITY_PROVIDER", "{{ .Values.workload_identity_provider }}"},
	{"WORKLOAD_IDENTITY_POOL", "{{ .Values.pool_name }}"},
	{"ARTIFACT_REGISTRY", "{{ .Values.registry_url }}"},
}

// secretsPhase sets each secret unconditionally; gh secret set overwrites,
// so values follow the current infra outputs.
func secretsPhase(deps []string) config.PhaseConfig {
	rs := make([]config.ReconcilerConfig, 0, len(Secrets))
	for _, s := range Secrets {
		rs = append(rs, config.ReconcilerConfig{
			Name: "secret-" + strings.ToLower(strings.ReplaceAll(s.Name, "_", "-")),
			Kind: string(engine.KindRemoteSecret),
			Key:  s.Name,
			Parameters: map[string]string{
				"name":       s.Name,
				"value":      s.Value,
				"repository": "{{ .Values.repo }}",
			},
			Create: cmd("gh", "secret", "set", "{{ .Params.name }}", "--repo", "{{ .Params.repository }}", "--body", "{{ .Params.value }}"),
		})
	}

	return config.PhaseConfig{
		Name:        "secrets",
		Description: "Push deployment settings to the repository secrets",
		DependsOn:   deps,
		Reconcilers: rs,
	}
}
