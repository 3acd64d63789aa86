package models

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/mountebank-testing/imposters/internal/util"
)

// fieldSchema describes the allowed shape of one behavior field
type fieldSchema struct {
	optional    bool
	types       []string
	nonNegative bool
	positive    bool
	singleKey   bool
	nonEmpty    bool
	enum        []string
	fields      map[string]fieldSchema
}

var selectorSchema = fieldSchema{
	types: []string{"object"},
	fields: map[string]fieldSchema{
		"method":   {types: []string{"string"}, enum: []string{"regex", "xpath", "jsonpath"}},
		"selector": {types: []string{"string"}},
	},
}

var behaviorSchemas = map[string]fieldSchema{
	BehaviorWait:   {types: []string{"number", "string"}, nonNegative: true},
	BehaviorRepeat: {types: []string{"number"}, positive: true},
	BehaviorCopy: {
		types: []string{"object"},
		fields: map[string]fieldSchema{
			"from":  {types: []string{"string", "object"}, singleKey: true},
			"into":  {types: []string{"string"}, nonEmpty: true},
			"using": selectorSchema,
		},
	},
	BehaviorLookup: {
		types: []string{"object"},
		fields: map[string]fieldSchema{
			"key": {
				types: []string{"object"},
				fields: map[string]fieldSchema{
					"from":  {types: []string{"string", "object"}, singleKey: true},
					"using": selectorSchema,
					"index": {optional: true, types: []string{"number"}, nonNegative: true},
				},
			},
			"fromDataSource": {
				types:     []string{"object"},
				singleKey: true,
				enum:      []string{"csv"},
				fields: map[string]fieldSchema{
					"csv": {
						optional: true,
						types:    []string{"object"},
						fields: map[string]fieldSchema{
							"path":      {types: []string{"string"}},
							"keyColumn": {types: []string{"string"}},
							"delimiter": {optional: true, types: []string{"string"}},
						},
					},
				},
			},
			"into": {types: []string{"string"}, nonEmpty: true},
		},
	},
	BehaviorShellTransform: {types: []string{"string", "array"}},
	BehaviorDecorate:       {types: []string{"string"}},
}

// ValidateBehaviors checks every behavior against its schema and returns
// all problems found rather than stopping at the first.
func ValidateBehaviors(behaviors []Behavior) []*util.MountebankError {
	var errs []*util.MountebankError
	for i := range behaviors {
		raw := behaviors[i].Raw()
		if len(raw) != 1 {
			errs = append(errs, util.NewValidationError("Each behavior object must have only one behavior type", raw))
		}

		for _, name := range sortedKeys(raw) {
			schema, known := behaviorSchemas[name]
			if !known {
				errs = append(errs, util.NewValidationError(fmt.Sprintf("Unrecognized behavior: %q", name), raw))
				continue
			}

			report := func(path, message string) {
				if path == "" {
					path = name
				}
				errs = append(errs, util.NewValidationError(fmt.Sprintf("%s behavior %q field %s", name, path, message), raw))
			}

			value := raw[name]
			if items, isArray := value.([]interface{}); isArray && (name == BehaviorCopy || name == BehaviorLookup) {
				for _, item := range items {
					validateFieldShape("", item, schema, report)
				}
				continue
			}
			validateFieldShape("", value, schema, report)
		}
	}
	return errs
}

func validateFieldShape(path string, value interface{}, schema fieldSchema, report func(path, message string)) {
	kind := jsonType(value)
	if !contains(schema.types, kind) {
		report(path, "must be "+describeTypes(schema.types))
		return
	}

	switch kind {
	case "number":
		number := toFloat(value)
		integer := number == math.Trunc(number)
		if schema.nonNegative && (!integer || number < 0) {
			report(path, "must be an integer greater than or equal to 0")
		}
		if schema.positive && (!integer || number <= 0) {
			report(path, "must be an integer greater than 0")
		}
	case "string":
		if schema.nonEmpty && value.(string) == "" {
			report(path, "must be a non-empty string")
		}
		if len(schema.enum) > 0 && !contains(schema.enum, value.(string)) {
			report(path, fmt.Sprintf("must be one of [%s]", strings.Join(schema.enum, ", ")))
		}
	case "object":
		obj := value.(map[string]interface{})
		if schema.singleKey && len(obj) != 1 {
			report(path, "must have exactly one key")
		}
		if schema.singleKey && len(schema.enum) > 0 {
			for _, key := range sortedKeys(obj) {
				if !contains(schema.enum, key) {
					report(path, fmt.Sprintf("must be one of [%s]", strings.Join(schema.enum, ", ")))
				}
			}
		}
		for _, name := range sortedSchemaKeys(schema.fields) {
			child := schema.fields[name]
			childPath := name
			if path != "" {
				childPath = path + "." + name
			}
			childValue, present := obj[name]
			if !present {
				if !child.optional {
					report(childPath, "required")
				}
				continue
			}
			validateFieldShape(childPath, childValue, child, report)
		}
	}
}

func jsonType(value interface{}) string {
	switch value.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case float64, int, int64:
		return "number"
	case bool:
		return "boolean"
	case []interface{}, []string:
		return "array"
	case map[string]interface{}:
		return "object"
	}
	return "unknown"
}

func toFloat(value interface{}) float64 {
	switch number := value.(type) {
	case float64:
		return number
	case int:
		return float64(number)
	case int64:
		return float64(number)
	}
	return 0
}

func describeTypes(types []string) string {
	described := make([]string, len(types))
	for i, kind := range types {
		article := "a"
		if strings.ContainsAny(kind[:1], "aeiou") {
			article = "an"
		}
		described[i] = article + " " + kind
	}
	return strings.Join(described, " or ")
}

func contains(values []string, value string) bool {
	for _, candidate := range values {
		if candidate == value {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]interface{}) []string {
	return util.SortedKeys(m)
}

func sortedSchemaKeys(m map[string]fieldSchema) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
