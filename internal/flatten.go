package internal

import "strconv"

// Flatten returns a single-level view of a decoded JSON object. Nested keys
// are joined with "." and array elements are addressed as "key[i]"; arrays
// are also kept whole under their own key so rules can test membership.
// For example, `{"a": {"b": 1}, "c": [2]}` becomes `{"a.b": 1, "c": [2], "c[0]": 2}`.
func Flatten(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for key, value := range data {
		flattenInto(out, key, value)
	}
	return out
}

func flattenInto(out map[string]interface{}, path string, value interface{}) {
	switch typed := value.(type) {
	case map[string]interface{}:
		for key, child := range typed {
			flattenInto(out, path+"."+key, child)
		}
	case []interface{}:
		out[path] = typed
		for i, child := range typed {
			flattenInto(out, path+"["+strconv.Itoa(i)+"]", child)
		}
	default:
		out[path] = value
	}
}
