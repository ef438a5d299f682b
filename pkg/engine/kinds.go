package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ResourceKind is the tag that selects a parameter schema and marker table.
type ResourceKind string

const (
	KindAuthSession        ResourceKind = "AuthSession"
	KindServiceAPI         ResourceKind = "ServiceAPI"
	KindServiceAccount     ResourceKind = "ServiceAccount"
	KindIdentityPool       ResourceKind = "IdentityPool"
	KindIdentityProvider   ResourceKind = "IdentityProvider"
	KindIAMBinding         ResourceKind = "IAMBinding"
	KindArtifactRepository ResourceKind = "ArtifactRepository"
	KindRemoteSecret       ResourceKind = "RemoteSecret"
	KindGeneric            ResourceKind = "Generic"
)

// kindSchema is the fixed parameter schema of a resource kind. Rules use
// validator/v10 tag syntax.
type kindSchema struct {
	rules     map[string]string
	sensitive []string
}

var kindSchemas = map[ResourceKind]kindSchema{
	KindAuthSession: {
		rules: map[string]string{
			"tool":    "required,oneof=gcloud gh az aws",
			"account": "omitempty",
		},
	},
	KindServiceAPI: {
		rules: map[string]string{
			"service": "required,fqdn",
			"project": "required",
		},
	},
	KindServiceAccount: {
		rules: map[string]string{
			"account_id":   "required,min=6,max=30",
			"project":      "required",
			"display_name": "omitempty,max=100",
			"description":  "omitempty,max=256",
		},
	},
	KindIdentityPool: {
		rules: map[string]string{
			"pool_id":      "required,min=4,max=32",
			"project":      "required",
			"location":     "required",
			"display_name": "omitempty,max=32",
		},
	},
	KindIdentityProvider: {
		rules: map[string]string{
			"provider_id":       "required,min=4,max=32",
			"pool_id":           "required",
			"project":           "required",
			"location":          "required",
			"issuer_uri":        "required,url",
			"attribute_mapping": "omitempty",
			"condition":         "omitempty",
		},
	},
	KindIAMBinding: {
		rules: map[string]string{
			"role":   "required,startswith=roles/",
			"member": "required",
			"target": "required",
		},
	},
	KindArtifactRepository: {
		rules: map[string]string{
			"repository": "required",
			"project":    "required",
			"location":   "required",
			"format":     "omitempty,oneof=docker maven npm python apt yum go",
		},
	},
	KindRemoteSecret: {
		rules: map[string]string{
			"name":       "required,uppercase",
			"value":      "required",
			"repository": "omitempty",
		},
		sensitive: []string{"value"},
	},
	KindGeneric: {},
}

// Validate checks that the kind is known.
func (k ResourceKind) Validate() error {
	if _, ok := kindSchemas[k]; !ok {
		return fmt.Errorf("invalid resource kind: %s", k)
	}
	return nil
}

// SensitiveParameters lists parameters that must never be logged or persisted.
func (k ResourceKind) SensitiveParameters() []string {
	return kindSchemas[k].sensitive
}

// Kinds returns all known resource kinds in lexical order.
func Kinds() []ResourceKind {
	kinds := make([]ResourceKind, 0, len(kindSchemas))
	for k := range kindSchemas {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// paramValidator is safe for concurrent use.
var paramValidator = validator.New()

// validateParameters checks params against the kind schema. When rendered is
// false, values still containing template actions are only checked for
// presence; their final form is checked after rendering.
func validateParameters(kind ResourceKind, params map[string]string, rendered bool) error {
	schema, ok := kindSchemas[kind]
	if !ok {
		return fmt.Errorf("invalid resource kind: %s", kind)
	}

	names := make([]string, 0, len(schema.rules))
	for name := range schema.rules {
		names = append(names, name)
	}
	sort.Strings(names)

	var problems []string
	for _, name := range names {
		rule := schema.rules[name]
		value, present := params[name]
		if !present && strings.HasPrefix(rule, "omitempty") {
			continue
		}
		if !rendered && isTemplate(value) {
			continue
		}
		if err := paramValidator.Var(value, rule); err != nil {
			problems = append(problems, fmt.Sprintf("%s=%q fails %q", name, value, rule))
		}
	}

	if kind != KindGeneric {
		for name := range params {
			if _, known := schema.rules[name]; !known {
				problems = append(problems, fmt.Sprintf("unknown parameter %q", name))
			}
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("%s parameters invalid: %s", kind, strings.Join(problems, "; "))
	}
	return nil
}
