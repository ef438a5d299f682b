package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"github.com/itchyny/gojq"
)

// templateData is what command and parameter templates see.
//
//	{{ .Key }}            rendered resource key
//	{{ .Params.name }}    rendered parameter
//	{{ .Values.name }}    caller input or value produced by an earlier step
//	{{ .Stdout }}         output of the deciding command (produces only)
type templateData struct {
	Key    string
	Params map[string]string
	Values map[string]string
	Stdout string
}

func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"lower":   strings.ToLower,
		"upper":   strings.ToUpper,
		"trim":    strings.TrimSpace,
		"replace": strings.ReplaceAll,
		"join":    strings.Join,
		"default": func(def, v string) string {
			if v == "" {
				return def
			}
			return v
		},
		"firstLine": firstLine,
	}
}

func isTemplate(s string) bool {
	return strings.Contains(s, "{{")
}

// textTemplate is a parsed template string. Plain strings skip the template engine.
type textTemplate struct {
	raw  string
	tmpl *template.Template
}

func parseTemplate(name, raw string) (*textTemplate, error) {
	t := &textTemplate{raw: raw}
	if !isTemplate(raw) {
		return t, nil
	}
	tmpl, err := template.New(name).Funcs(templateFuncs()).Option("missingkey=error").Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("template parse error in %s: %w", name, err)
	}
	t.tmpl = tmpl
	return t, nil
}

func (t *textTemplate) render(data templateData) (string, error) {
	if t.tmpl == nil {
		return t.raw, nil
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("template exec error: %w", err)
	}
	return buf.String(), nil
}

// ValueSource derives a produced value. Exactly one of Template or JQ is set.
type ValueSource struct {
	// Template is rendered with the resource key, parameters, values and stdout.
	Template string `json:"template,omitempty"`

	// JQ is a jq expression evaluated against the JSON stdout of the deciding command.
	JQ string `json:"jq,omitempty"`
}

// usesOutput reports whether the source reads command output.
func (v ValueSource) usesOutput() bool {
	return v.JQ != "" || strings.Contains(v.Template, ".Stdout")
}

type compiledSource struct {
	name string
	tmpl *textTemplate
	jq   *gojq.Code
	src  ValueSource
}

func compileSource(name string, src ValueSource) (*compiledSource, error) {
	cs := &compiledSource{name: name, src: src}
	switch {
	case src.Template != "" && src.JQ != "":
		return nil, fmt.Errorf("produced value %s: template and jq are mutually exclusive", name)
	case src.JQ != "":
		parsed, err := gojq.Parse(src.JQ)
		if err != nil {
			return nil, fmt.Errorf("produced value %s: invalid jq expression %q: %w", name, src.JQ, err)
		}
		code, err := gojq.Compile(parsed)
		if err != nil {
			return nil, fmt.Errorf("produced value %s: failed to compile jq expression %q: %w", name, src.JQ, err)
		}
		cs.jq = code
	case src.Template != "":
		t, err := parseTemplate("produces."+name, src.Template)
		if err != nil {
			return nil, err
		}
		cs.tmpl = t
	default:
		return nil, fmt.Errorf("produced value %s: template or jq is required", name)
	}
	return cs, nil
}

func (cs *compiledSource) evaluate(data templateData) (string, error) {
	if cs.tmpl != nil {
		return cs.tmpl.render(data)
	}

	var input interface{}
	if err := json.Unmarshal([]byte(data.Stdout), &input); err != nil {
		return "", fmt.Errorf("produced value %s: command output is not JSON: %w", cs.name, err)
	}

	iter := cs.jq.Run(input)
	v, ok := iter.Next()
	if !ok {
		return "", fmt.Errorf("produced value %s: jq expression %q returned no result", cs.name, cs.src.JQ)
	}
	if err, isErr := v.(error); isErr {
		return "", fmt.Errorf("produced value %s: jq expression error: %w", cs.name, err)
	}
	return stringify(cs.name, v)
}

func stringify(name string, v interface{}) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", fmt.Errorf("produced value %s: jq expression returned null", name)
	case string:
		return val, nil
	case bool:
		return strconv.FormatBool(val), nil
	case int:
		return strconv.Itoa(val), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return "", fmt.Errorf("produced value %s: %w", name, err)
		}
		return string(b), nil
	}
}

// renderMap renders every template in m in key order.
func renderMap(m map[string]*textTemplate, data templateData) (map[string]string, error) {
	out := make(map[string]string, len(m))
	for _, k := range sortedKeys(m) {
		v, err := m[k].render(data)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
