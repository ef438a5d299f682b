package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/phasegate/pkg/engine"
)

// WorkflowLoader parses workflow definitions from YAML, JSON or CUE and
// validates them against the built-in #Workflow schema.
type WorkflowLoader struct {
	ctx       *cue.Context
	schema    cue.Value
	validator *validator.Validate
}

// NewWorkflowLoader creates a loader with the built-in schema compiled.
func NewWorkflowLoader() (*WorkflowLoader, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(workflowSchema, cue.Filename("workflow_schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile workflow schema: %w", err)
	}

	return &WorkflowLoader{
		ctx:       ctx,
		schema:    schema.LookupPath(cue.ParsePath("#Workflow")),
		validator: validator.New(),
	}, nil
}

// Load reads a workflow from a file or a CUE package directory. The format
// follows the extension: .cue is CUE, .yaml/.yml/.json are YAML.
func (l *WorkflowLoader) Load(path string) (*Workflow, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat workflow %s: %w", path, err)
	}
	if info.IsDir() {
		return l.loadDirectory(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return l.ParseCUE(data, path)
	case ".yaml", ".yml", ".json":
		return l.ParseYAML(data, path)
	default:
		return nil, fmt.Errorf("unsupported workflow format %q (use .yaml, .json or .cue)", filepath.Ext(path))
	}
}

// ParseYAML parses a YAML (or JSON) workflow document.
func (l *WorkflowLoader) ParseYAML(data []byte, filename string) (*Workflow, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, ValidationErrors{{File: filename, Message: err.Error()}}
	}
	if doc == nil {
		return nil, ValidationErrors{{File: filename, Message: "workflow is empty"}}
	}

	val := l.ctx.Encode(doc)
	if err := val.Err(); err != nil {
		return nil, ValidationErrors{{File: filename, Message: fmt.Sprintf("failed to encode document: %v", err)}}
	}
	return l.decode(val, filename)
}

// ParseCUE parses a single CUE workflow file.
func (l *WorkflowLoader) ParseCUE(data []byte, filename string) (*Workflow, error) {
	val := l.ctx.CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}
	return l.decode(val, filename)
}

// loadDirectory loads a directory as a CUE package.
func (l *WorkflowLoader) loadDirectory(dir string) (*Workflow, error) {
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, ValidationErrors{{File: dir, Message: "no CUE files found"}}
	}

	inst := instances[0]
	if inst.Err != nil {
		return nil, convertCUEErrors(inst.Err)
	}

	val := l.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}
	return l.decode(val, dir)
}

// decode unifies val with the schema, decodes it and runs the semantic checks.
func (l *WorkflowLoader) decode(val cue.Value, filename string) (*Workflow, error) {
	unified := l.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(err)
	}

	var wf Workflow
	if err := unified.Decode(&wf); err != nil {
		return nil, ValidationErrors{{File: filename, Message: fmt.Sprintf("failed to decode workflow: %v", err)}}
	}

	if errs := l.Validate(&wf); len(errs) > 0 {
		for i := range errs {
			if errs[i].File == "" {
				errs[i].File = filename
			}
		}
		return nil, errs
	}
	return &wf, nil
}

// Validate checks a decoded workflow: struct rules, durations, the phase
// graph and every reconciler's kind, parameters and templates.
func (l *WorkflowLoader) Validate(wf *Workflow) ValidationErrors {
	var errs ValidationErrors

	if err := l.validator.Struct(wf); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				errs = append(errs, ValidationError{
					Path:    fe.Namespace(),
					Message: fmt.Sprintf("failed on the '%s' rule", fe.Tag()),
				})
			}
		} else {
			errs = append(errs, ValidationError{Message: err.Error()})
		}
	}

	specs, err := wf.PhaseSpecs()
	if err != nil {
		errs = append(errs, ValidationError{Message: err.Error()})
		return errs
	}
	if err := engine.ValidateSpecs(specs); err != nil {
		errs = append(errs, ValidationError{Path: "phases", Message: err.Error()})
	}

	return errs
}

// convertCUEErrors converts CUE errors into ValidationErrors.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		ve := ValidationError{Message: errors.Details(e, nil)}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		if path := e.Path(); len(path) > 0 {
			ve.Path = strings.Join(path, ".")
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}
