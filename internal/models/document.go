package models

import (
	"encoding/json"
	"strings"

	"github.com/mountebank-testing/imposters/internal/util"
)

// lookupField finds key in obj, preferring an exact match and falling
// back to a case-insensitive one.
func lookupField(obj map[string]interface{}, key string) (interface{}, bool) {
	if obj == nil {
		return nil, false
	}
	if value, ok := obj[key]; ok {
		return value, true
	}
	for k, value := range obj {
		if strings.EqualFold(k, key) {
			return value, true
		}
	}
	return nil, false
}

// getFrom resolves a copy/lookup "from" reference against a document.
// A string names a field (dot paths traverse nested objects); a single
// key object such as {"query": "q"} descends one level per key.
func getFrom(doc interface{}, from interface{}) interface{} {
	obj, ok := asObject(doc)
	if !ok {
		return ""
	}

	switch ref := from.(type) {
	case string:
		if value, found := lookupField(obj, ref); found {
			return value
		}
		if strings.Contains(ref, ".") {
			var current interface{} = obj
			for _, segment := range strings.Split(ref, ".") {
				next, ok := asObject(current)
				if !ok {
					return ""
				}
				value, found := lookupField(next, segment)
				if !found {
					return ""
				}
				current = value
			}
			return current
		}
		return ""
	case map[string]interface{}:
		for key, nested := range ref {
			value, found := lookupField(obj, key)
			if !found {
				return ""
			}
			return getFrom(value, nested)
		}
	}
	return ""
}

// asObject returns v as an object, parsing JSON text when necessary
func asObject(v interface{}) (map[string]interface{}, bool) {
	switch value := v.(type) {
	case map[string]interface{}:
		return value, true
	case string:
		var parsed map[string]interface{}
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			return parsed, true
		}
	}
	return nil, false
}

// tryJSON parses s as JSON, reporting whether it succeeded
func tryJSON(s string) (interface{}, bool) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, false
	}
	var parsed interface{}
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return nil, false
	}
	return parsed, true
}

// replaceStrings returns a copy of v with fn applied to every string leaf
func replaceStrings(v interface{}, fn func(string) string) interface{} {
	switch value := v.(type) {
	case string:
		return fn(value)
	case map[string]interface{}:
		result := make(map[string]interface{}, len(value))
		for k, item := range value {
			result[k] = replaceStrings(item, fn)
		}
		return result
	case []interface{}:
		result := make([]interface{}, len(value))
		for i, item := range value {
			result[i] = replaceStrings(item, fn)
		}
		return result
	default:
		return value
	}
}

// transformResponse applies fn to every string in the response, including
// header values and nested body fields.
func transformResponse(response *Response, fn func(string) string) (*Response, error) {
	transformed, ok := replaceStrings(responseToMap(response), fn).(map[string]interface{})
	if !ok {
		return response, nil
	}
	out, err := responseFromMap(transformed)
	if err != nil {
		return nil, err
	}
	out.Fault = response.Fault
	return out, nil
}

func valueAsString(v interface{}) string {
	return util.Stringify(v)
}
