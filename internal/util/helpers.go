package util

import (
	"encoding/json"
	"sort"
	"strconv"

	"github.com/dop251/goja"
)

// IsUndefined checks if a goja value is undefined
func IsUndefined(val goja.Value) bool {
	return val == nil || goja.IsUndefined(val)
}

// IsNull checks if a goja value is null
func IsNull(val goja.Value) bool {
	return val == nil || goja.IsNull(val)
}

// Clone creates a deep copy of a JSON-shaped value
func Clone(src interface{}) interface{} {
	if src == nil {
		return nil
	}

	data, err := json.Marshal(src)
	if err != nil {
		return src
	}

	var dst interface{}
	if err := json.Unmarshal(data, &dst); err != nil {
		return src
	}

	return dst
}

// CloneInto deep copies src into dst through their JSON representation
func CloneInto(src, dst interface{}) error {
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// ToJSON converts an object to JSON string
func ToJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// Stringify renders a document value the way predicates compare it:
// strings verbatim, missing values as "", scalars in their JSON spelling
// and containers as JSON with sorted keys.
func Stringify(v interface{}) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case bool:
		return strconv.FormatBool(value)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case int:
		return strconv.Itoa(value)
	case int64:
		return strconv.FormatInt(value, 10)
	case json.Number:
		return value.String()
	default:
		return ToJSON(value)
	}
}

// SortedKeys returns the keys of m in lexical order
func SortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
