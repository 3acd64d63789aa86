package models

import (
	"encoding/json"
	"strconv"

	"github.com/mountebank-testing/imposters/internal/util"
)

// Request represents a protocol-agnostic request
type Request struct {
	Protocol    string `json:"protocol,omitempty"`
	RequestFrom string `json:"requestFrom"`
	IP          string `json:"ip,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`

	// HTTP-specific fields
	Method  string                 `json:"method,omitempty"`
	Path    string                 `json:"path,omitempty"`
	Query   map[string]interface{} `json:"query,omitempty"`
	Headers map[string]interface{} `json:"headers,omitempty"`
	Body    string                 `json:"body"`
	Form    map[string]interface{} `json:"form,omitempty"`

	// TCP-specific fields
	Data string `json:"data,omitempty"`

	IsDryRun bool `json:"-"`
}

// Document renders the request as the generic tree predicates, selectors
// and scripts operate on. The result is a fresh copy each call.
func (r *Request) Document() map[string]interface{} {
	doc := map[string]interface{}{
		"requestFrom": r.RequestFrom,
		"method":      r.Method,
		"path":        r.Path,
		"query":       cloneObject(r.Query),
		"headers":     cloneObject(r.Headers),
		"body":        r.Body,
	}
	if r.IP != "" {
		doc["ip"] = r.IP
	}
	if r.Timestamp != "" {
		doc["timestamp"] = r.Timestamp
	}
	if r.Form != nil {
		doc["form"] = cloneObject(r.Form)
	}
	if r.Data != "" {
		doc["data"] = r.Data
	}
	return doc
}

func cloneObject(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	if cloned, ok := util.Clone(m).(map[string]interface{}); ok {
		return cloned
	}
	return map[string]interface{}{}
}

// Response represents a protocol-agnostic response
type Response struct {
	StatusCode int                    `json:"statusCode,omitempty"`
	Headers    map[string]interface{} `json:"headers,omitempty"`
	Body       interface{}            `json:"body,omitempty"`
	Data       string                 `json:"data,omitempty"`
	Mode       string                 `json:"_mode,omitempty"`

	ProxyResponseTime int64 `json:"_proxyResponseTime,omitempty"`

	// Fault names a connection-level fault the protocol server should
	// simulate instead of writing a response.
	Fault string `json:"-"`
}

// Clone returns a deep copy of the response
func (r *Response) Clone() *Response {
	if r == nil {
		return &Response{}
	}
	out, err := responseFromMap(responseToMap(r))
	if err != nil {
		copied := *r
		return &copied
	}
	out.Fault = r.Fault
	return out
}

func responseToMap(response *Response) map[string]interface{} {
	result := make(map[string]interface{})
	data, err := json.Marshal(response)
	if err != nil {
		return result
	}
	_ = json.Unmarshal(data, &result)
	return result
}

// responseFromMap converts a script or shell result back into a Response,
// accepting string status codes produced by token substitution.
func responseFromMap(m map[string]interface{}) (*Response, error) {
	if code, ok := m["statusCode"].(string); ok {
		if n, err := strconv.Atoi(code); err == nil {
			m["statusCode"] = n
		} else {
			delete(m, "statusCode")
		}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var response Response
	if err := json.Unmarshal(data, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// Predicate represents a request matching condition
type Predicate struct {
	Equals     interface{} `json:"equals,omitempty"`
	DeepEquals interface{} `json:"deepEquals,omitempty"`
	Contains   interface{} `json:"contains,omitempty"`
	StartsWith interface{} `json:"startsWith,omitempty"`
	EndsWith   interface{} `json:"endsWith,omitempty"`
	Matches    interface{} `json:"matches,omitempty"`
	Exists     interface{} `json:"exists,omitempty"`
	Not        *Predicate  `json:"not,omitempty"`
	Or         []Predicate `json:"or,omitempty"`
	And        []Predicate `json:"and,omitempty"`
	Inject     string      `json:"inject,omitempty"`

	CaseSensitive bool            `json:"caseSensitive,omitempty"`
	Except        string          `json:"except,omitempty"`
	XPath         *XPathConfig    `json:"xpath,omitempty"`
	JSONPath      *JSONPathConfig `json:"jsonpath,omitempty"`
	Options       *RegexOptions   `json:"options,omitempty"`
}

// Predicate operators, in the order they are recognized
const (
	OpEquals     = "equals"
	OpDeepEquals = "deepEquals"
	OpContains   = "contains"
	OpStartsWith = "startsWith"
	OpEndsWith   = "endsWith"
	OpMatches    = "matches"
	OpExists     = "exists"
	OpNot        = "not"
	OpOr         = "or"
	OpAnd        = "and"
	OpInject     = "inject"
)

// Operator returns the operator this predicate applies
func (p *Predicate) Operator() (string, error) {
	switch {
	case p.Equals != nil:
		return OpEquals, nil
	case p.DeepEquals != nil:
		return OpDeepEquals, nil
	case p.Contains != nil:
		return OpContains, nil
	case p.StartsWith != nil:
		return OpStartsWith, nil
	case p.EndsWith != nil:
		return OpEndsWith, nil
	case p.Matches != nil:
		return OpMatches, nil
	case p.Exists != nil:
		return OpExists, nil
	case p.Not != nil:
		return OpNot, nil
	case p.Or != nil:
		return OpOr, nil
	case p.And != nil:
		return OpAnd, nil
	case p.Inject != "":
		return OpInject, nil
	}
	return "", util.NewValidationError("missing predicate", p)
}

// operand returns the expected value of a field-comparison operator
func (p *Predicate) operand(op string) interface{} {
	switch op {
	case OpEquals:
		return p.Equals
	case OpDeepEquals:
		return p.DeepEquals
	case OpContains:
		return p.Contains
	case OpStartsWith:
		return p.StartsWith
	case OpEndsWith:
		return p.EndsWith
	case OpMatches:
		return p.Matches
	case OpExists:
		return p.Exists
	}
	return nil
}

// setOperand sets the expected value for a field-comparison operator
func (p *Predicate) setOperand(op string, value interface{}) bool {
	switch op {
	case OpEquals:
		p.Equals = value
	case OpDeepEquals:
		p.DeepEquals = value
	case OpContains:
		p.Contains = value
	case OpStartsWith:
		p.StartsWith = value
	case OpEndsWith:
		p.EndsWith = value
	case OpMatches:
		p.Matches = value
	case OpExists:
		p.Exists = value
	default:
		return false
	}
	return true
}

// XPathConfig represents XPath selector configuration
type XPathConfig struct {
	Selector string            `json:"selector"`
	NS       map[string]string `json:"ns,omitempty"`
}

// JSONPathConfig represents JSONPath selector configuration
type JSONPathConfig struct {
	Selector string `json:"selector"`
}

// RegexOptions carries regular expression flags
type RegexOptions struct {
	IgnoreCase *bool `json:"ignoreCase,omitempty"`
	Multiline  bool  `json:"multiline,omitempty"`
}

// PredicateGenerator describes how a proxied request becomes predicates
// on the recorded stub
type PredicateGenerator struct {
	Matches           map[string]interface{} `json:"matches,omitempty"`
	CaseSensitive     bool                   `json:"caseSensitive,omitempty"`
	Except            string                 `json:"except,omitempty"`
	XPath             *XPathConfig           `json:"xpath,omitempty"`
	JSONPath          *JSONPathConfig        `json:"jsonpath,omitempty"`
	Inject            string                 `json:"inject,omitempty"`
	Ignore            map[string]interface{} `json:"ignore,omitempty"`
	PredicateOperator string                 `json:"predicateOperator,omitempty"`
}

// Response types
const (
	ResponseIs     = "is"
	ResponseProxy  = "proxy"
	ResponseInject = "inject"
	ResponseFault  = "fault"
)

// ResponseConfig represents a response configuration
type ResponseConfig struct {
	Is        *Response    `json:"is,omitempty"`
	Proxy     *ProxyConfig `json:"proxy,omitempty"`
	Inject    string       `json:"inject,omitempty"`
	Fault     string       `json:"fault,omitempty"`
	Behaviors []Behavior   `json:"behaviors,omitempty"`
	Repeat    int          `json:"repeat,omitempty"`

	stubIndex func() int
}

// ResponseType returns the single response type this configuration uses
func (rc *ResponseConfig) ResponseType() (string, error) {
	var types []string
	if rc.Is != nil {
		types = append(types, ResponseIs)
	}
	if rc.Proxy != nil {
		types = append(types, ResponseProxy)
	}
	if rc.Inject != "" {
		types = append(types, ResponseInject)
	}
	if rc.Fault != "" {
		types = append(types, ResponseFault)
	}

	switch len(types) {
	case 1:
		return types[0], nil
	case 0:
		return "", util.NewValidationError("unrecognized response type", rc)
	default:
		return "", util.NewValidationError("each response object must have only one response type", rc)
	}
}

// StubIndex returns the position of the stub that produced this response
// at the time of the call
func (rc *ResponseConfig) StubIndex() int {
	if rc.stubIndex == nil {
		return 0
	}
	return rc.stubIndex()
}

// repeatCount returns how many consecutive slots this response occupies
func (rc *ResponseConfig) repeatCount() int {
	count := rc.Repeat
	for _, behavior := range rc.Behaviors {
		if behavior.Repeat > count {
			count = behavior.Repeat
		}
	}
	if count < 1 {
		return 1
	}
	return count
}

func (rc *ResponseConfig) clone() ResponseConfig {
	var copied ResponseConfig
	if err := util.CloneInto(rc, &copied); err != nil {
		copied = *rc
	}
	copied.stubIndex = rc.stubIndex
	return copied
}

// Proxy modes
const (
	ProxyOnce        = "proxyOnce"
	ProxyAlways      = "proxyAlways"
	ProxyTransparent = "proxyTransparent"
)

// ProxyConfig represents proxy configuration
type ProxyConfig struct {
	To                  string               `json:"to"`
	Mode                string               `json:"mode,omitempty"`
	PredicateGenerators []PredicateGenerator `json:"predicateGenerators,omitempty"`
	AddWaitBehavior     bool                 `json:"addWaitBehavior,omitempty"`
	AddDecorateBehavior string               `json:"addDecorateBehavior,omitempty"`
	InjectHeaders       map[string]string    `json:"injectHeaders,omitempty"`
}

// Match represents a debug match entry
type Match struct {
	Timestamp      string          `json:"timestamp"`
	Request        *Request        `json:"request"`
	Response       *Response       `json:"response"`
	ResponseConfig *ResponseConfig `json:"responseConfig"`
	ProcessingTime int64           `json:"processingTime"`
}

// Stub represents a stub with predicates and responses
type Stub struct {
	Predicates []Predicate      `json:"predicates,omitempty"`
	Responses  []ResponseConfig `json:"responses"`
	Matches    []Match          `json:"matches,omitempty"`
}

func (s *Stub) clone() Stub {
	var copied Stub
	if err := util.CloneInto(s, &copied); err != nil {
		return *s
	}
	return copied
}

// ImposterConfig represents the configuration for creating an imposter
type ImposterConfig struct {
	Protocol        string    `json:"protocol"`
	Port            int       `json:"port,omitempty"`
	Name            string    `json:"name,omitempty"`
	Host            string    `json:"host,omitempty"`
	RecordRequests  bool      `json:"recordRequests,omitempty"`
	RecordMatches   bool      `json:"recordMatches,omitempty"`
	Stubs           []Stub    `json:"stubs,omitempty"`
	DefaultResponse *Response `json:"defaultResponse,omitempty"`
	AllowCORS       bool      `json:"allowCORS,omitempty"`

	// Mode is "text" or "binary"; binary imposters carry base64 payloads
	Mode string `json:"mode,omitempty"`
}

// Encoding returns the payload encoding predicates compare in
func (c *ImposterConfig) Encoding() string {
	if c.Mode == "binary" {
		return "base64"
	}
	return "utf8"
}
