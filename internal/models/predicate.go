package models

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"sort"
	"strings"

	"github.com/dlclark/regexp2"

	"github.com/mountebank-testing/imposters/internal/util"
)

// PredicateEvaluator evaluates predicates against requests
type PredicateEvaluator struct {
	ec *ExecutionContext
}

// NewPredicateEvaluator creates a new predicate evaluator
func NewPredicateEvaluator(ec *ExecutionContext) *PredicateEvaluator {
	return &PredicateEvaluator{ec: ec}
}

// Evaluate reports whether request satisfies predicate. Composite
// predicates evaluate every child so that a dry run reaches each branch.
func (pe *PredicateEvaluator) Evaluate(predicate *Predicate, request *Request) (bool, error) {
	op, err := predicate.Operator()
	if err != nil {
		return false, err
	}

	switch op {
	case OpNot:
		matched, err := pe.Evaluate(predicate.Not, request)
		return !matched && err == nil, err
	case OpOr, OpAnd:
		children := predicate.Or
		if op == OpAnd {
			children = predicate.And
		}
		return pe.evaluateAll(op, children, request)
	case OpInject:
		return pe.evaluateInject(predicate, request)
	}

	return pe.evaluateField(op, predicate, request.Document())
}

func (pe *PredicateEvaluator) evaluateAll(op string, children []Predicate, request *Request) (bool, error) {
	var firstErr error
	results := make([]bool, len(children))
	for i := range children {
		matched, err := pe.Evaluate(&children[i], request)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		results[i] = matched
	}
	if firstErr != nil {
		return false, firstErr
	}

	for _, matched := range results {
		if op == OpOr && matched {
			return true, nil
		}
		if op == OpAnd && !matched {
			return false, nil
		}
	}
	return op == OpAnd, nil
}

func (pe *PredicateEvaluator) evaluateInject(predicate *Predicate, request *Request) (bool, error) {
	if !pe.ec.AllowInjection {
		return false, util.NewInjectionError(injectionNotAllowed, predicate.Inject, nil)
	}
	if request.IsDryRun {
		return true, nil
	}
	return pe.ec.scripts().EvaluatePredicate(predicate.Inject, request)
}

// normalizeOptions selects which transforms normalize applies to string leaves
type normalizeOptions struct {
	withSelectors bool
	lowerValues   bool
	stripExcept   bool
}

func (pe *PredicateEvaluator) evaluateField(op string, predicate *Predicate, doc map[string]interface{}) (bool, error) {
	binary := pe.ec.binary()
	if op == OpMatches && binary {
		return false, util.NewValidationError("the matches predicate is not allowed in binary mode", predicate)
	}

	expectedOpts := normalizeOptions{lowerValues: !predicate.CaseSensitive && !binary, stripExcept: !binary}
	actualOpts := normalizeOptions{withSelectors: true, lowerValues: expectedOpts.lowerValues, stripExcept: !binary}
	if op == OpMatches {
		expectedOpts = normalizeOptions{}
		actualOpts.lowerValues = false
	}

	actual, err := pe.normalize(doc, predicate, actualOpts)
	if err != nil {
		return false, err
	}

	if op == OpExists {
		expected := lowerKeys(predicate.Exists, predicate.CaseSensitive)
		return existsSatisfied(expected, actual), nil
	}

	expected, err := pe.normalize(predicate.operand(op), predicate, expectedOpts)
	if err != nil {
		return false, err
	}

	switch op {
	case OpDeepEquals:
		return deepEquals(expected, actual), nil
	case OpMatches:
		var compileErr error
		matched := predicateSatisfied(expected, actual, matchesComparator(predicate, &compileErr))
		if compileErr != nil {
			return false, compileErr
		}
		return matched, nil
	}
	return predicateSatisfied(expected, actual, stringComparator(op, binary)), nil
}

// normalize rewrites a document or expected value into the form comparisons
// run on: selectors applied, scalars as strings, except-matches stripped and
// (unless case sensitive) keys and values lower-cased.
func (pe *PredicateEvaluator) normalize(value interface{}, predicate *Predicate, opts normalizeOptions) (interface{}, error) {
	var except *regexp2.Regexp
	if opts.stripExcept && predicate.Except != "" {
		re, err := compileRegex(predicate.Except, !predicate.CaseSensitive, false)
		if err != nil {
			return nil, err
		}
		except = re
	}

	var firstErr error
	leaf := func(text string) string {
		if except != nil {
			if stripped, err := except.Replace(text, "", -1, -1); err == nil {
				text = stripped
			}
		}
		if opts.lowerValues {
			text = strings.ToLower(text)
		}
		return text
	}

	var transform func(v interface{}, selecting bool) interface{}
	transform = func(v interface{}, selecting bool) interface{} {
		switch x := v.(type) {
		case map[string]interface{}:
			out := make(map[string]interface{}, len(x))
			for key, item := range x {
				if !predicate.CaseSensitive {
					key = strings.ToLower(key)
				}
				out[key] = transform(item, selecting)
			}
			return out
		case []interface{}:
			out := make([]interface{}, len(x))
			for i, item := range x {
				out[i] = transform(item, selecting)
			}
			return out
		case string:
			if selecting {
				selected, changed, err := selectField(predicate, x)
				if err != nil && firstErr == nil {
					firstErr = err
				}
				if changed {
					return transform(selected, false)
				}
			}
			return leaf(x)
		case nil:
			return ""
		default:
			return leaf(util.Stringify(x))
		}
	}

	result := transform(value, opts.withSelectors && (predicate.XPath != nil || predicate.JSONPath != nil))
	return result, firstErr
}

// selectField applies the predicate's xpath or jsonpath selector to text.
// Text the selector cannot parse is left alone.
func selectField(predicate *Predicate, text string) (interface{}, bool, error) {
	if predicate.XPath != nil {
		values, ok, err := xpathValues(predicate.XPath, text)
		if err != nil || !ok {
			return nil, false, err
		}
		return selectionValue(stringsToValues(values)), true, nil
	}
	if predicate.JSONPath != nil {
		values, ok := jsonpathValues(predicate.JSONPath, text)
		if !ok {
			return nil, false, nil
		}
		return selectionValue(values), true, nil
	}
	return nil, false, nil
}

func lowerKeys(v interface{}, caseSensitive bool) interface{} {
	obj, ok := v.(map[string]interface{})
	if !ok || caseSensitive {
		return v
	}
	out := make(map[string]interface{}, len(obj))
	for key, item := range obj {
		out[strings.ToLower(key)] = lowerKeys(item, caseSensitive)
	}
	return out
}

type comparator func(expected, actual string) bool

func stringComparator(op string, binary bool) comparator {
	if binary {
		return binaryComparator(op)
	}
	switch op {
	case OpContains:
		return func(expected, actual string) bool { return strings.Contains(actual, expected) }
	case OpStartsWith:
		return func(expected, actual string) bool { return strings.HasPrefix(actual, expected) }
	case OpEndsWith:
		return func(expected, actual string) bool { return strings.HasSuffix(actual, expected) }
	default:
		return func(expected, actual string) bool { return expected == actual }
	}
}

// binaryComparator compares base64 payloads on their decoded bytes
func binaryComparator(op string) comparator {
	return func(expected, actual string) bool {
		want, errWant := base64.StdEncoding.DecodeString(expected)
		got, errGot := base64.StdEncoding.DecodeString(actual)
		if errWant != nil || errGot != nil {
			return stringComparator(op, false)(expected, actual)
		}
		switch op {
		case OpContains:
			return bytes.Contains(got, want)
		case OpStartsWith:
			return bytes.HasPrefix(got, want)
		case OpEndsWith:
			return bytes.HasSuffix(got, want)
		default:
			return bytes.Equal(got, want)
		}
	}
}

// matchesComparator treats expected values as regular expressions. The
// first pattern that fails to compile is reported through compileErr.
func matchesComparator(predicate *Predicate, compileErr *error) comparator {
	ignoreCase, multiline := !predicate.CaseSensitive, false
	if predicate.Options != nil {
		if predicate.Options.IgnoreCase != nil {
			ignoreCase = *predicate.Options.IgnoreCase
		}
		multiline = predicate.Options.Multiline
	}

	cache := map[string]*regexp2.Regexp{}
	return func(expected, actual string) bool {
		re, ok := cache[expected]
		if !ok {
			compiled, err := compileRegex(expected, ignoreCase, multiline)
			if err != nil {
				if *compileErr == nil {
					*compileErr = err
				}
				return false
			}
			cache[expected] = compiled
			re = compiled
		}
		matched, err := re.MatchString(actual)
		return err == nil && matched
	}
}

// predicateSatisfied walks the expected tree against the actual document.
// Missing actual fields compare as "".
func predicateSatisfied(expected, actual interface{}, cmp comparator) bool {
	expectedObj, ok := expected.(map[string]interface{})
	if !ok {
		return valueSatisfied(expected, actual, cmp)
	}
	actualObj, _ := asObject(actual)
	for key, want := range expectedObj {
		got, found := lookupField(actualObj, key)
		if !found {
			got = ""
		}
		if !valueSatisfied(want, got, cmp) {
			return false
		}
	}
	return true
}

func valueSatisfied(expected, actual interface{}, cmp comparator) bool {
	switch want := expected.(type) {
	case map[string]interface{}:
		if items, isArray := actual.([]interface{}); isArray {
			for _, item := range items {
				if predicateSatisfied(want, item, cmp) {
					return true
				}
			}
			return false
		}
		return predicateSatisfied(want, actual, cmp)
	case []interface{}:
		items := asArray(actual)
		for _, wanted := range want {
			found := false
			for _, item := range items {
				if valueSatisfied(wanted, item, cmp) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	default:
		if items, isArray := actual.([]interface{}); isArray {
			for _, item := range items {
				if valueSatisfied(expected, item, cmp) {
					return true
				}
			}
			return false
		}
		return cmp(util.Stringify(expected), util.Stringify(actual))
	}
}

func asArray(v interface{}) []interface{} {
	switch value := v.(type) {
	case []interface{}:
		return value
	case string:
		var parsed []interface{}
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			return parsed
		}
	}
	return []interface{}{v}
}

// existsSatisfied checks expected booleans against field presence. An
// empty string, array or object counts as absent.
func existsSatisfied(expected, actual interface{}) bool {
	expectedObj, ok := expected.(map[string]interface{})
	if !ok {
		want, isBool := expected.(bool)
		if !isBool {
			want = util.Stringify(expected) == "true"
		}
		return nonEmpty(actual) == want
	}
	actualObj, _ := asObject(actual)
	for key, want := range expectedObj {
		got, found := lookupField(actualObj, key)
		if !found {
			got = ""
		}
		if !existsSatisfied(want, got) {
			return false
		}
	}
	return true
}

func nonEmpty(v interface{}) bool {
	switch value := v.(type) {
	case nil:
		return false
	case string:
		return value != ""
	case []interface{}:
		return len(value) > 0
	case map[string]interface{}:
		return len(value) > 0
	default:
		return true
	}
}

// deepEquals compares each expected top-level field against the actual
// field by stable JSON representation.
func deepEquals(expected, actual interface{}) bool {
	expectedObj, ok := expected.(map[string]interface{})
	if !ok {
		return stableStringify(expected) == stableStringify(actual)
	}
	actualObj, _ := asObject(actual)
	for key, want := range expectedObj {
		got, found := lookupField(actualObj, key)
		if !found {
			got = ""
		}
		if _, wantObject := want.(map[string]interface{}); wantObject {
			if text, isString := got.(string); isString {
				if parsed, ok := asObject(text); ok {
					got = parsed
				} else {
					got = map[string]interface{}{}
				}
			}
		}
		if stableStringify(want) != stableStringify(got) {
			return false
		}
	}
	return true
}

// stableStringify renders v as JSON with object keys and array elements in
// a deterministic order.
func stableStringify(v interface{}) string {
	return util.ToJSON(sortArrays(v))
}

func sortArrays(v interface{}) interface{} {
	switch value := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(value))
		for key, item := range value {
			out[key] = sortArrays(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(value))
		for i, item := range value {
			out[i] = sortArrays(item)
		}
		sort.SliceStable(out, func(i, j int) bool {
			return util.ToJSON(out[i]) < util.ToJSON(out[j])
		})
		return out
	default:
		return value
	}
}
