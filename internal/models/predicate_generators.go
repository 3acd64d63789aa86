package models

import (
	"strings"

	"github.com/mountebank-testing/imposters/internal/util"
)

// predicatesFor builds the predicates of a recorded stub from the proxied
// request, one predicate per field named in each generator's matches.
func (rr *ResponseResolver) predicatesFor(request *Request, generators []PredicateGenerator) ([]Predicate, error) {
	predicates := []Predicate{}
	for _, generator := range generators {
		if generator.Inject != "" {
			if !rr.ec.AllowInjection {
				return nil, util.NewInjectionError(injectionNotAllowed, generator.Inject, nil)
			}
			generated, err := rr.ec.scripts().GeneratePredicates(generator.Inject, request)
			if err != nil {
				return nil, err
			}
			predicates = append(predicates, generated...)
			continue
		}

		doc := request.Document()
		if len(generator.Ignore) > 0 {
			ignoreFields(doc, generator.Ignore)
		}

		base := Predicate{
			CaseSensitive: generator.CaseSensitive,
			Except:        generator.Except,
			XPath:         generator.XPath,
			JSONPath:      generator.JSONPath,
		}
		valueOf := func(value interface{}) (interface{}, error) {
			text, isString := value.(string)
			if !isString {
				return value, nil
			}
			selected, changed, err := selectField(&base, text)
			if err != nil || !changed {
				return value, err
			}
			return selected, nil
		}

		for _, field := range util.SortedKeys(generator.Matches) {
			matcher := generator.Matches[field]
			if matcher == false {
				continue
			}
			value, found := lookupField(doc, field)
			if !found {
				value = ""
			}

			predicate := base
			switch {
			case matcher == true && generator.PredicateOperator == "":
				selected, err := valueOf(value)
				if err != nil {
					return nil, err
				}
				predicate.DeepEquals = map[string]interface{}{field: selected}
			case generator.PredicateOperator == OpExists:
				predicate.Exists = map[string]interface{}{field: buildExists(value, matcher)}
			default:
				expected, err := buildEquals(value, matcher, valueOf)
				if err != nil {
					return nil, err
				}
				op := generator.PredicateOperator
				if op == "" {
					op = OpEquals
				}
				if !predicate.setOperand(op, map[string]interface{}{field: expected}) {
					return nil, util.NewValidationError("predicateOperator must be a field operator", generator)
				}
			}
			predicates = append(predicates, predicate)
		}
	}
	return predicates, nil
}

// buildEquals keeps only the keys of value named in matcher, recursing into
// nested objects.
func buildEquals(value, matcher interface{}, valueOf func(interface{}) (interface{}, error)) (interface{}, error) {
	keys, isObject := matcher.(map[string]interface{})
	if !isObject {
		return valueOf(value)
	}
	obj, _ := asObject(value)
	result := make(map[string]interface{}, len(keys))
	for _, key := range util.SortedKeys(keys) {
		field, found := lookupField(obj, key)
		if !found {
			field = ""
		}
		if _, nested := field.(map[string]interface{}); nested {
			built, err := buildEquals(field, keys[key], valueOf)
			if err != nil {
				return nil, err
			}
			result[key] = built
			continue
		}
		selected, err := valueOf(field)
		if err != nil {
			return nil, err
		}
		result[key] = selected
	}
	return result, nil
}

// buildExists mirrors the matcher shape with booleans recording whether
// each named field was present in the request.
func buildExists(value, matcher interface{}) interface{} {
	keys, isObject := matcher.(map[string]interface{})
	if !isObject {
		return nonEmpty(value)
	}
	obj, _ := asObject(value)
	result := make(map[string]interface{}, len(keys))
	for key, nested := range keys {
		field, found := lookupField(obj, key)
		if !found {
			field = ""
		}
		result[key] = buildExists(field, nested)
	}
	return result
}

// ignoreFields removes the fields named by ignore from doc before
// predicates are generated. A string or list names keys of a nested object.
func ignoreFields(doc map[string]interface{}, ignore map[string]interface{}) {
	for field, spec := range ignore {
		key := field
		for existing := range doc {
			if strings.EqualFold(existing, field) {
				key = existing
			}
		}
		switch names := spec.(type) {
		case bool:
			if names {
				delete(doc, key)
			}
		case string:
			removeKeys(doc[key], names)
		case []interface{}:
			for _, name := range names {
				if text, ok := name.(string); ok {
					removeKeys(doc[key], text)
				}
			}
		case map[string]interface{}:
			if nested, ok := doc[key].(map[string]interface{}); ok {
				ignoreFields(nested, names)
			}
		}
	}
}

func removeKeys(value interface{}, name string) {
	obj, ok := value.(map[string]interface{})
	if !ok {
		return
	}
	for key := range obj {
		if strings.EqualFold(key, name) {
			delete(obj, key)
		}
	}
}
