// Package mask implements the field-level redaction algorithm described
// in spec.md §4.6: replace the value of any mapping key whose name
// appears in a mask set, at any depth, without mutating the input or
// losing unrelated structure.
package mask

// Sentinel is substituted for the value of every masked field.
const Sentinel = "***"

// Apply walks an arbitrary JSON-shaped value (produced by
// encoding/json.Unmarshal into any, or built directly as
// map[string]any / []any / scalars) and returns a structurally
// identical copy with every key in fields replaced by Sentinel,
// recursively, regardless of depth. The input is never mutated.
//
// Laws (spec.md §8):
//   Apply(Apply(x, fields), fields) == Apply(x, fields)   (idempotent)
//   Apply(x, nil) == x                                     (identity)
func Apply(value any, fields []string) any {
	if len(fields) == 0 {
		return value
	}
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return walk(value, set)
}

func walk(value any, fields map[string]struct{}) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			if _, masked := fields[k]; masked {
				out[k] = Sentinel
				continue
			}
			out[k] = walk(val, fields)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = walk(val, fields)
		}
		return out
	default:
		return v
	}
}

