// Package workflow implements Maestro's execution core: the declarative
// document parser, the step tree model and its registries, the parameter
// validation engine, and the step interpreter.
//
// Workflow definitions are YAML documents with a parameter schema and a
// step tree under "root". Node decoding is routed by the "type" tag;
// tags beyond the built-in four consult a StepRegistry so deployments
// can register additional step types without rebuilding.
package workflow

import (
	"fmt"
	"strings"

	"github.com/fmeurisse/maestro/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Definition is a parsed declarative document, not yet versioned.
// The store assigns the version and timestamps when it becomes a Revision.
type Definition struct {
	// Namespace groups workflows
	Namespace string

	// WorkflowID identifies the workflow within the namespace
	WorkflowID string

	// Name is the human-readable workflow name
	Name string

	// Description provides optional context
	Description string

	// Parameters is the ordered input parameter schema
	Parameters []ParameterDefinition

	// Root is the parsed step tree
	Root Step

	// Source is the original document text, preserved verbatim
	Source string
}

type documentYAML struct {
	Namespace   string          `yaml:"namespace"`
	ID          string          `yaml:"id"`
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	Parameters  []parameterYAML `yaml:"parameters"`
	Root        map[string]any  `yaml:"root"`
}

type parameterYAML struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Required    bool   `yaml:"required"`
	Default     any    `yaml:"default"`
	Description string `yaml:"description"`
}

// ParseDefinition parses and validates a declarative workflow document.
// Parsing never executes anything; work kinds are resolved at run time.
func ParseDefinition(src []byte, reg *StepRegistry) (*Definition, error) {
	var doc documentYAML
	if err := yaml.Unmarshal(src, &doc); err != nil {
		return nil, &errors.ValidationError{
			Field:      "document",
			Message:    fmt.Sprintf("invalid YAML: %v", err),
			Suggestion: "check the document syntax",
		}
	}

	def := &Definition{
		Namespace:   doc.Namespace,
		WorkflowID:  doc.ID,
		Name:        doc.Name,
		Description: doc.Description,
		Source:      string(src),
	}

	for _, p := range doc.Parameters {
		pt, err := ParseParameterType(p.Type)
		if err != nil {
			return nil, &errors.ValidationError{
				Field:   fmt.Sprintf("parameters.%s.type", p.Name),
				Message: err.Error(),
			}
		}
		def.Parameters = append(def.Parameters, ParameterDefinition{
			Name:        p.Name,
			Type:        pt,
			Required:    p.Required,
			Default:     p.Default,
			Description: p.Description,
		})
	}

	if doc.Root == nil {
		return nil, &errors.ValidationError{
			Field:      "root",
			Message:    "root step is required",
			Suggestion: "add a root node, e.g. {type: sequence, steps: [...]}",
		}
	}
	root, err := BuildStep(doc.Root, reg)
	if err != nil {
		return nil, err
	}
	def.Root = root

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// BuildStep constructs a step tree from a decoded document node.
// It is shared by the YAML parser and the store's JSON document codec.
func BuildStep(node map[string]any, reg *StepRegistry) (Step, error) {
	return buildStep(node, reg, 1)
}

func buildStep(node map[string]any, reg *StepRegistry, depth int) (Step, error) {
	if depth > MaxNestingDepth {
		return nil, &errors.ValidationError{
			Field:      "root",
			Message:    fmt.Sprintf("step tree exceeds maximum nesting depth of %d", MaxNestingDepth),
			Suggestion: "flatten the step tree",
		}
	}

	tag, _ := node["type"].(string)
	if tag == "" {
		return nil, &errors.ValidationError{
			Field:   "type",
			Message: "step node is missing its type tag",
		}
	}
	id, _ := node["id"].(string)

	switch tag {
	case StepTypeSequence:
		children, err := buildChildren(node["steps"], reg, depth+1)
		if err != nil {
			return nil, err
		}
		return &SequenceStep{ID: id, Children: children}, nil

	case StepTypeIf:
		cond, _ := node["condition"].(string)
		if cond == "" {
			return nil, &errors.ValidationError{
				Field:      "condition",
				Message:    "if step requires a condition",
				Suggestion: "use true, false, or params.<name>",
			}
		}
		thenSteps, err := buildChildren(node["then"], reg, depth+1)
		if err != nil {
			return nil, err
		}
		elseSteps, err := buildChildren(node["else"], reg, depth+1)
		if err != nil {
			return nil, err
		}
		return &IfStep{ID: id, Condition: cond, Then: thenSteps, Else: elseSteps}, nil

	case StepTypeLog:
		msg, _ := node["message"].(string)
		return &LogStep{ID: id, Message: msg}, nil

	case StepTypeWork:
		kind, _ := node["kind"].(string)
		if kind == "" {
			return nil, &errors.ValidationError{
				Field:   "kind",
				Message: "work step requires a kind",
			}
		}
		config, _ := node["config"].(map[string]any)
		return &WorkStep{ID: id, Kind: kind, Config: config}, nil

	default:
		if reg != nil {
			if dec, ok := reg.Lookup(tag); ok {
				step, err := dec(node)
				if err != nil {
					return nil, err
				}
				if _, runnable := step.(Leaf); !runnable {
					return nil, &errors.ValidationError{
						Field:   "type",
						Message: fmt.Sprintf("registered step type %q does not produce a runnable leaf", tag),
					}
				}
				return step, nil
			}
		}
		return nil, &errors.ValidationError{
			Field:      "type",
			Message:    fmt.Sprintf("unknown step type %q", tag),
			Suggestion: "use sequence, if, log, work, or a registered step type",
		}
	}
}

func buildChildren(raw any, reg *StepRegistry, depth int) ([]Step, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, &errors.ValidationError{
			Field:   "steps",
			Message: fmt.Sprintf("expected a list of steps, got %T", raw),
		}
	}
	steps := make([]Step, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, &errors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("step %d is not a mapping (got %T)", i, item),
			}
		}
		step, err := buildStep(m, reg, depth)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// StepMapper lets registered step types participate in document
// persistence. Built-in steps are mapped natively.
type StepMapper interface {
	StepMap() map[string]any
}

// StepToMap renders a step tree as document nodes, the inverse of BuildStep.
func StepToMap(s Step) (map[string]any, error) {
	switch st := s.(type) {
	case *SequenceStep:
		children, err := childrenToMaps(st.Children)
		if err != nil {
			return nil, err
		}
		m := map[string]any{"type": StepTypeSequence, "steps": children}
		if st.ID != "" {
			m["id"] = st.ID
		}
		return m, nil
	case *IfStep:
		thenMaps, err := childrenToMaps(st.Then)
		if err != nil {
			return nil, err
		}
		elseMaps, err := childrenToMaps(st.Else)
		if err != nil {
			return nil, err
		}
		m := map[string]any{"type": StepTypeIf, "condition": st.Condition}
		if len(thenMaps) > 0 {
			m["then"] = thenMaps
		}
		if len(elseMaps) > 0 {
			m["else"] = elseMaps
		}
		if st.ID != "" {
			m["id"] = st.ID
		}
		return m, nil
	case *LogStep:
		m := map[string]any{"type": StepTypeLog, "message": st.Message}
		if st.ID != "" {
			m["id"] = st.ID
		}
		return m, nil
	case *WorkStep:
		m := map[string]any{"type": StepTypeWork, "kind": st.Kind}
		if len(st.Config) > 0 {
			m["config"] = st.Config
		}
		if st.ID != "" {
			m["id"] = st.ID
		}
		return m, nil
	default:
		if mapper, ok := s.(StepMapper); ok {
			return mapper.StepMap(), nil
		}
		return nil, fmt.Errorf("step type %q cannot be persisted: it does not implement StepMapper", s.Type())
	}
}

func childrenToMaps(steps []Step) ([]any, error) {
	out := make([]any, 0, len(steps))
	for _, s := range steps {
		m, err := StepToMap(s)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Validate checks the definition against the model invariants.
func (d *Definition) Validate() error {
	if !ValidIdentifier(d.Namespace) {
		return &errors.ValidationError{
			Field:      "namespace",
			Message:    fmt.Sprintf("invalid namespace %q", d.Namespace),
			Suggestion: "use 1-100 characters from [A-Za-z0-9_-]",
		}
	}
	if !ValidIdentifier(d.WorkflowID) {
		return &errors.ValidationError{
			Field:      "id",
			Message:    fmt.Sprintf("invalid workflow id %q", d.WorkflowID),
			Suggestion: "use 1-100 characters from [A-Za-z0-9_-]",
		}
	}
	if strings.TrimSpace(d.Name) == "" {
		return &errors.ValidationError{Field: "name", Message: "name is required"}
	}
	if len(d.Name) > MaxNameLength {
		return &errors.ValidationError{
			Field:   "name",
			Message: fmt.Sprintf("name exceeds %d characters", MaxNameLength),
		}
	}
	if len(d.Description) > MaxDescriptionLength {
		return &errors.ValidationError{
			Field:   "description",
			Message: fmt.Sprintf("description exceeds %d characters", MaxDescriptionLength),
		}
	}

	seen := make(map[string]struct{}, len(d.Parameters))
	for i, p := range d.Parameters {
		if strings.TrimSpace(p.Name) == "" {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("parameters[%d].name", i),
				Message: "parameter name is required",
			}
		}
		if _, dup := seen[p.Name]; dup {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("parameters.%s", p.Name),
				Message: "duplicate parameter name",
			}
		}
		seen[p.Name] = struct{}{}
		if p.Default != nil {
			if _, err := coerceValue(p.Default, p.Type); err != nil {
				return &errors.ValidationError{
					Field:   fmt.Sprintf("parameters.%s.default", p.Name),
					Message: fmt.Sprintf("default does not match declared type: %v", err),
				}
			}
		}
	}

	if d.Root == nil {
		return &errors.ValidationError{Field: "root", Message: "root step is required"}
	}
	return validateStepIDs(d.Root)
}

// validateStepIDs rejects duplicate user-supplied step IDs within a tree.
// Empty IDs are allowed; the interpreter assigns step-<index> at run time.
func validateStepIDs(root Step) error {
	seen := make(map[string]struct{})
	var walk func(s Step) error
	walk = func(s Step) error {
		if id := s.StepID(); id != "" {
			if _, dup := seen[id]; dup {
				return &errors.ValidationError{
					Field:   "root",
					Message: fmt.Sprintf("duplicate step id %q", id),
				}
			}
			seen[id] = struct{}{}
		}
		switch st := s.(type) {
		case *SequenceStep:
			for _, c := range st.Children {
				if err := walk(c); err != nil {
					return err
				}
			}
		case *IfStep:
			for _, c := range st.Then {
				if err := walk(c); err != nil {
					return err
				}
			}
			for _, c := range st.Else {
				if err := walk(c); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return walk(root)
}
