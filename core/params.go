package core

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Parameter types accepted in a command template's schema. An empty type
// means string.
const (
	ParamString = "string"
	ParamInt    = "int"
	ParamFloat  = "float"
	ParamBool   = "bool"
)

var paramValidate = validator.New()

// ResolveParameters checks vars against a command template's parameter
// schema and returns the map the command is substituted with: schema
// defaults layered under the caller's variables. A missing required
// parameter, a value that does not parse as the declared type, or a value
// failing the schema's validation tag all return a ConfigError. Variables
// not named in the schema pass through untouched.
func ResolveParameters(schema []Parameter, vars map[string]string) (map[string]string, error) {
	if len(schema) == 0 {
		return vars, nil
	}

	resolved := make(map[string]string, len(vars)+len(schema))
	for k, v := range vars {
		resolved[k] = v
	}

	for _, p := range schema {
		raw, ok := resolved[p.Name]
		if !ok {
			if p.Default != "" {
				resolved[p.Name] = p.Default
				raw = p.Default
			} else if p.Required {
				return nil, &ConfigError{Reason: fmt.Sprintf("parameter %q is required", p.Name)}
			} else {
				continue
			}
		}

		typed, err := coerceParam(p.Type, raw)
		if err != nil {
			return nil, &ConfigError{Reason: fmt.Sprintf("parameter %q: %v", p.Name, err)}
		}
		if p.Validation != "" {
			if err := validateVar(typed, p.Validation); err != nil {
				return nil, &ConfigError{Reason: fmt.Sprintf("parameter %q: value %q fails %q", p.Name, raw, p.Validation)}
			}
		}
	}
	return resolved, nil
}

// ValidateParameterSchema checks that a schema is internally sound: named,
// uniquely-named parameters with known types, and defaults that satisfy
// their own constraints. Meant for import-time linting; ResolveParameters
// repeats the value checks at dispatch.
func ValidateParameterSchema(schema []Parameter) error {
	seen := make(map[string]bool, len(schema))
	for _, p := range schema {
		if p.Name == "" {
			return fmt.Errorf("parameter with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate parameter %q", p.Name)
		}
		seen[p.Name] = true

		if !knownParamType(p.Type) {
			return fmt.Errorf("parameter %q: unknown type %q", p.Name, p.Type)
		}
		if p.Default != "" {
			typed, err := coerceParam(p.Type, p.Default)
			if err != nil {
				return fmt.Errorf("parameter %q: default %v", p.Name, err)
			}
			if p.Validation != "" {
				if err := validateVar(typed, p.Validation); err != nil {
					return fmt.Errorf("parameter %q: default %q fails %q", p.Name, p.Default, p.Validation)
				}
			}
		}
	}
	return nil
}

// validateVar shields callers from validator panics on malformed tags;
// the tag text comes from operator-written schemas, not our code.
func validateVar(value any, tag string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bad validation tag %q: %v", tag, r)
		}
	}()
	return paramValidate.Var(value, tag)
}

func knownParamType(typ string) bool {
	switch strings.ToLower(typ) {
	case "", ParamString, ParamInt, "integer", ParamFloat, "number", ParamBool, "boolean":
		return true
	}
	return false
}

// coerceParam parses raw as the declared type so validation tags like
// min/max compare numbers, not string lengths.
func coerceParam(typ, raw string) (any, error) {
	switch strings.ToLower(typ) {
	case "", ParamString:
		return raw, nil
	case ParamInt, "integer":
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", raw)
		}
		return n, nil
	case ParamFloat, "number":
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", raw)
		}
		return f, nil
	case ParamBool, "boolean":
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%q is not a boolean", raw)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown parameter type %q", typ)
	}
}
