package toolregistry

import (
	"fmt"
	"math"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	nerrors "neko/internal/errors"
	"neko/internal/jsonx"
)

// DecodeArguments parses a model-produced argument string. Malformed JSON
// (trailing commas, single quotes, truncated objects) is repaired before
// giving up with InvalidArguments.
func DecodeArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}

	args := map[string]any{}
	if err := jsonx.Unmarshal([]byte(raw), &args); err == nil {
		return args, nil
	}

	fixed, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil, nerrors.Wrap(nerrors.KindInvalidArguments, "decode arguments", err)
	}
	args = map[string]any{}
	if err := jsonx.Unmarshal([]byte(fixed), &args); err != nil {
		return nil, nerrors.Wrap(nerrors.KindInvalidArguments, "decode arguments",
			fmt.Errorf("arguments are not a JSON object: %w", err))
	}
	return args, nil
}

// Validate checks args against schema: required keys are present, declared
// keys have the declared type, and enum values are respected. Unknown keys
// are allowed.
func Validate(schema ParameterSchema, args map[string]any) error {
	for _, name := range schema.Required {
		v, ok := args[name]
		if !ok || v == nil {
			return nerrors.New(nerrors.KindInvalidArguments, "validate", "missing required argument %q", name)
		}
	}
	for name, prop := range schema.Properties {
		v, ok := args[name]
		if !ok || v == nil {
			continue
		}
		if err := checkType(name, prop, v); err != nil {
			return err
		}
		if len(prop.Enum) > 0 && !inEnum(prop.Enum, v) {
			return nerrors.New(nerrors.KindInvalidArguments, "validate", "argument %q must be one of %v", name, prop.Enum)
		}
	}
	return nil
}

func checkType(name string, prop Property, v any) error {
	ok := true
	switch prop.Type {
	case "", "any":
	case "string":
		_, ok = v.(string)
	case "boolean":
		_, ok = v.(bool)
	case "number":
		_, ok = toFloat(v)
	case "integer":
		f, isNum := toFloat(v)
		ok = isNum && f == math.Trunc(f)
	case "array":
		items, isArr := v.([]any)
		ok = isArr
		if isArr && prop.Items != nil {
			for i, item := range items {
				if err := checkType(fmt.Sprintf("%s[%d]", name, i), *prop.Items, item); err != nil {
					return err
				}
			}
		}
	case "object":
		_, ok = v.(map[string]any)
	}
	if !ok {
		return nerrors.New(nerrors.KindInvalidArguments, "validate", "argument %q must be of type %s, got %T", name, prop.Type, v)
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case jsonx.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func inEnum(enum []any, v any) bool {
	for _, e := range enum {
		if fmt.Sprint(e) == fmt.Sprint(v) {
			return true
		}
	}
	return false
}

// StringArg returns a trimmed string argument or "".
func StringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// RawStringArg returns a string argument without trimming.
func RawStringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// IntArg returns an integer argument or def.
func IntArg(args map[string]any, key string, def int) int {
	if f, ok := toFloat(args[key]); ok {
		return int(f)
	}
	return def
}

// BoolArg returns a boolean argument or def.
func BoolArg(args map[string]any, key string, def bool) bool {
	if b, ok := args[key].(bool); ok {
		return b
	}
	return def
}

// StringSliceArg returns an array-of-strings argument.
func StringSliceArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
