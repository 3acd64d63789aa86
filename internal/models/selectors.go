package models

import (
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"
	"github.com/dlclark/regexp2"
	"github.com/oliveagle/jsonpath"

	"github.com/mountebank-testing/imposters/internal/util"
)

// compileRegex compiles a JavaScript-flavoured regular expression
func compileRegex(pattern string, ignoreCase, multiline bool) (*regexp2.Regexp, error) {
	options := regexp2.RegexOptions(regexp2.ECMAScript)
	if ignoreCase {
		options |= regexp2.IgnoreCase
	}
	if multiline {
		options |= regexp2.Multiline
	}
	re, err := regexp2.Compile(pattern, options)
	if err != nil {
		return nil, util.NewValidationError("invalid regular expression", pattern)
	}
	return re, nil
}

// regexValues returns the whole match followed by each capture group,
// or nil when the pattern does not match.
func regexValues(selector *CopySelector, value string) ([]string, error) {
	ignoreCase, multiline := false, false
	if selector.Options != nil {
		if selector.Options.IgnoreCase != nil {
			ignoreCase = *selector.Options.IgnoreCase
		}
		multiline = selector.Options.Multiline
	}
	re, err := compileRegex(selector.Selector, ignoreCase, multiline)
	if err != nil {
		return nil, err
	}
	match, err := re.FindStringMatch(value)
	if err != nil || match == nil {
		return nil, nil
	}
	groups := match.Groups()
	values := make([]string, 0, len(groups))
	for _, group := range groups {
		values = append(values, group.String())
	}
	return values, nil
}

// xpathValues evaluates an XPath expression against an XML document.
// It returns ok=false when the input is not XML.
func xpathValues(config *XPathConfig, value string) (values []string, ok bool, err error) {
	doc, parseErr := xmlquery.Parse(strings.NewReader(value))
	if parseErr != nil || !hasElement(doc) {
		return nil, false, nil
	}

	var expr *xpath.Expr
	if len(config.NS) > 0 {
		expr, err = xpath.CompileWithNS(config.Selector, config.NS)
	} else {
		expr, err = xpath.Compile(config.Selector)
	}
	if err != nil {
		return nil, true, util.NewValidationError("invalid xpath selector", config.Selector)
	}

	switch result := expr.Evaluate(xmlquery.CreateXPathNavigator(doc)).(type) {
	case *xpath.NodeIterator:
		for result.MoveNext() {
			values = append(values, result.Current().Value())
		}
	case float64:
		values = append(values, util.Stringify(result))
	case string:
		values = append(values, result)
	case bool:
		values = append(values, util.Stringify(result))
	}
	return values, true, nil
}

func hasElement(doc *xmlquery.Node) bool {
	if doc == nil {
		return false
	}
	for node := doc.FirstChild; node != nil; node = node.NextSibling {
		if node.Type == xmlquery.ElementNode {
			return true
		}
	}
	return false
}

// jsonpathValues evaluates a JSONPath selector against JSON text.
// It returns ok=false when the input is not JSON.
func jsonpathValues(config *JSONPathConfig, value string) (values []interface{}, ok bool) {
	doc, parsed := tryJSON(value)
	if !parsed {
		return nil, false
	}
	if _, isContainer := doc.(map[string]interface{}); !isContainer {
		if _, isArray := doc.([]interface{}); !isArray {
			return nil, false
		}
	}

	result, err := jsonpath.JsonPathLookup(doc, config.Selector)
	if err != nil || result == nil {
		return nil, true
	}
	if many, isArray := result.([]interface{}); isArray && isMultiValueSelector(config.Selector) {
		return many, true
	}
	return []interface{}{result}, true
}

// isMultiValueSelector reports whether a JSONPath selector can yield a list
// of matches rather than a single (possibly array) value.
func isMultiValueSelector(selector string) bool {
	return strings.Contains(selector, "*") ||
		strings.Contains(selector, "..") ||
		strings.Contains(selector, "?(") ||
		strings.Contains(selector, ":") ||
		strings.Contains(selector, ",")
}

// selectionValue collapses selector results the way predicates see them:
// nothing becomes "", one value is unwrapped, several stay a list.
func selectionValue(values []interface{}) interface{} {
	switch len(values) {
	case 0:
		return ""
	case 1:
		return values[0]
	default:
		return values
	}
}

func stringsToValues(values []string) []interface{} {
	result := make([]interface{}, len(values))
	for i, v := range values {
		result[i] = v
	}
	return result
}

// selectValues applies a copy/lookup selector to the source value
func selectValues(selector *CopySelector, source string) ([]string, error) {
	if selector == nil {
		return nil, util.NewValidationError("copy behavior \"using\" field required", nil)
	}
	switch selector.Method {
	case "regex":
		return regexValues(selector, source)
	case "xpath":
		values, _, err := xpathValues(&XPathConfig{Selector: selector.Selector, NS: selector.NS}, source)
		return values, err
	case "jsonpath":
		found, _ := jsonpathValues(&JSONPathConfig{Selector: selector.Selector}, source)
		values := make([]string, 0, len(found))
		for _, v := range found {
			values = append(values, util.Stringify(v))
		}
		return values, nil
	}
	return nil, util.NewValidationError("copy behavior \"using.method\" field must be one of [regex, xpath, jsonpath]", selector)
}
