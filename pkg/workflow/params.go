package workflow

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/fmeurisse/maestro/pkg/errors"
)

// ValidateParameters type-checks and coerces a submitted parameter map
// against the revision's schema, applies defaults, and returns the
// validated map keyed by parameter name.
//
// Validation is total: the returned *errors.ParameterValidationError
// names every violating input at once. Unknown keys are rejected to
// catch typos; coercion from strings is deliberately permissive so
// string-only sources (query parameters, environment variables) work.
func ValidateParameters(submitted map[string]any, schema []ParameterDefinition) (map[string]any, error) {
	byName := make(map[string]ParameterDefinition, len(schema))
	for _, def := range schema {
		byName[def.Name] = def
	}

	var violations []errors.ParamViolation
	ok := make(map[string]any, len(schema))

	// Unknown parameters first, in stable order.
	unknown := make([]string, 0)
	for name := range submitted {
		if _, defined := byName[name]; !defined {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		violations = append(violations, errors.ParamViolation{
			Name:     name,
			Reason:   "not defined",
			Provided: submitted[name],
		})
	}

	for _, def := range schema {
		value, present := submitted[def.Name]
		if !present {
			if def.Default != nil {
				coerced, err := coerceValue(def.Default, def.Type)
				if err != nil {
					violations = append(violations, errors.ParamViolation{
						Name:     def.Name,
						Reason:   err.Error(),
						Provided: def.Default,
					})
					continue
				}
				ok[def.Name] = coerced
			} else if def.Required {
				violations = append(violations, errors.ParamViolation{
					Name:     def.Name,
					Reason:   "required parameter missing",
					Provided: nil,
				})
			}
			continue
		}

		coerced, err := coerceValue(value, def.Type)
		if err != nil {
			violations = append(violations, errors.ParamViolation{
				Name:     def.Name,
				Reason:   err.Error(),
				Provided: value,
			})
			continue
		}
		ok[def.Name] = coerced
	}

	if len(violations) > 0 {
		return nil, &errors.ParameterValidationError{Violations: violations}
	}
	return ok, nil
}

// coerceValue converts v to the declared type's runtime representation:
// string, int64, float64, or bool.
func coerceValue(v any, t ParameterType) (any, error) {
	switch t {
	case TypeString:
		return coerceString(v)
	case TypeInteger:
		return coerceInteger(v)
	case TypeFloat:
		return coerceFloat(v)
	case TypeBoolean:
		return coerceBoolean(v)
	default:
		return nil, fmt.Errorf("unknown parameter type %q", t)
	}
}

func coerceString(v any) (any, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	return nil, typeMismatch(TypeString, v)
}

func coerceInteger(v any) (any, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case json.Number:
		if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return i, nil
		}
		return nil, typeMismatch(TypeInteger, v)
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil {
			return i, nil
		}
		return nil, typeMismatch(TypeInteger, v)
	default:
		// Floats are rejected: silently truncating 3.5 would lose precision.
		return nil, typeMismatch(TypeInteger, v)
	}
}

func coerceFloat(v any) (any, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	case json.Number:
		if f, err := strconv.ParseFloat(n.String(), 64); err == nil {
			return f, nil
		}
		return nil, typeMismatch(TypeFloat, v)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return f, nil
		}
		return nil, typeMismatch(TypeFloat, v)
	default:
		return nil, typeMismatch(TypeFloat, v)
	}
}

func coerceBoolean(v any) (any, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return nil, typeMismatch(TypeBoolean, v)
	default:
		// 0/1 are ambiguous, so integers are rejected.
		return nil, typeMismatch(TypeBoolean, v)
	}
}

func typeMismatch(want ParameterType, v any) error {
	return fmt.Errorf("%s expected, got %s", want, observedType(v))
}

// observedType names the submitted value's type for error messages.
func observedType(v any) string {
	switch n := v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case int, int32, int64, uint, uint32, uint64:
		return "integer"
	case float32, float64:
		return "float"
	case json.Number:
		if _, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return "integer"
		}
		return "float"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}
