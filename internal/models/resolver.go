package models

import (
	"context"
	"time"

	"github.com/mountebank-testing/imposters/internal/metrics"
	"github.com/mountebank-testing/imposters/internal/util"
)

// Proxy forwards a request to a real service. Implementations report
// unreachable destinations as invalid proxy errors.
type Proxy interface {
	To(ctx context.Context, destination string, request *Request, config *ProxyConfig) (*Response, error)
}

// PostProcessFunc applies protocol defaults to a freshly resolved response
type PostProcessFunc func(response *Response, request *Request) (*Response, error)

// ResponseResolver turns a response configuration into a response. Proxy
// responses are recorded into the stub repository as a side effect.
type ResponseResolver struct {
	ec          *ExecutionContext
	proxy       Proxy
	postProcess PostProcessFunc
	behaviors   *BehaviorPipeline

	// injectState is the state argument of response injection, kept apart
	// from the imposter state every script sees as config.state
	injectState *ScriptState
}

// NewResponseResolver creates a resolver for one imposter
func NewResponseResolver(ec *ExecutionContext, proxy Proxy, postProcess PostProcessFunc) *ResponseResolver {
	return &ResponseResolver{
		ec:          ec,
		proxy:       proxy,
		postProcess: postProcess,
		behaviors:   NewBehaviorPipeline(ec),
		injectState: NewScriptState(),
	}
}

// Resolve produces the response for rc, then runs it through the
// protocol post-processing hook and the behavior pipeline. Once started it
// runs to completion or failure; cancelling ctx does not stop it.
func (rr *ResponseResolver) Resolve(ctx context.Context, rc *ResponseConfig, request *Request, stubs StubRepository) (*Response, error) {
	ctx = context.WithoutCancel(ctx)
	responseType, err := rc.ResponseType()
	if err != nil {
		return nil, err
	}
	metrics.ResponsesTotal.WithLabelValues(responseType).Inc()

	var response *Response
	switch responseType {
	case ResponseIs:
		response = rc.Is.Clone()
	case ResponseInject:
		if !rr.ec.AllowInjection {
			return nil, util.NewInjectionError(injectionNotAllowed, rc.Inject, nil)
		}
		response, err = rr.ec.scripts().Respond(ctx, rc.Inject, request, rr.injectState)
	case ResponseProxy:
		response, err = rr.proxyAndRecord(ctx, rc, request, stubs)
	case ResponseFault:
		return &Response{Fault: rc.Fault}, nil
	}
	if err != nil {
		return nil, err
	}

	if rr.postProcess != nil {
		response, err = rr.postProcess(response, request)
		if err != nil {
			return nil, err
		}
	}
	return rr.behaviors.Execute(ctx, request, response, rc.Behaviors)
}

func proxyMode(config *ProxyConfig) string {
	switch config.Mode {
	case ProxyAlways, ProxyTransparent:
		return config.Mode
	}
	return ProxyOnce
}

func (rr *ResponseResolver) proxyAndRecord(ctx context.Context, rc *ResponseConfig, request *Request, stubs StubRepository) (*Response, error) {
	config := rc.Proxy
	mode := proxyMode(config)

	start := time.Now()
	response, err := rr.proxy.To(ctx, config.To, request, config)
	if err != nil {
		return nil, err
	}
	if response == nil {
		response = &Response{}
	}
	if response.ProxyResponseTime == 0 {
		response.ProxyResponseTime = time.Since(start).Milliseconds()
	}
	metrics.ProxyRecordingsTotal.WithLabelValues(mode).Inc()

	if mode == ProxyTransparent {
		return response, nil
	}
	if err := rr.record(request, response, config, mode, rc.StubIndex(), stubs); err != nil {
		return nil, err
	}
	return response, nil
}

// record saves a proxied response. proxyOnce inserts a new stub just before
// the proxy stub; proxyAlways appends to the first later stub with the same
// generated predicates, scanning forward only.
func (rr *ResponseResolver) record(request *Request, response *Response, config *ProxyConfig, mode string, stubIndex int, stubs StubRepository) error {
	predicates, err := rr.predicatesFor(request, config.PredicateGenerators)
	if err != nil {
		return err
	}

	recorded := ResponseConfig{Is: response.Clone()}
	if config.AddWaitBehavior && response.ProxyResponseTime > 0 {
		recorded.Behaviors = append(recorded.Behaviors, NewWaitBehavior(response.ProxyResponseTime))
	}
	if config.AddDecorateBehavior != "" {
		recorded.Behaviors = append(recorded.Behaviors, NewDecorateBehavior(config.AddDecorateBehavior))
	}
	stub := Stub{Predicates: predicates, Responses: []ResponseConfig{recorded}}

	if mode == ProxyOnce {
		return stubs.InsertAtIndex(stub, stubIndex)
	}

	key := predicatesKey(predicates)
	match, err := stubs.First(func(candidate []Predicate) (bool, error) {
		return predicatesKey(candidate) == key, nil
	}, stubIndex+1)
	if err != nil {
		return err
	}
	if match.Success {
		return match.Stub.AddResponse(recorded)
	}
	return stubs.Add(stub)
}

// predicatesKey identifies a predicate set independent of order
func predicatesKey(predicates []Predicate) string {
	if len(predicates) == 0 {
		return "[]"
	}
	return stableStringify(util.Clone(predicates))
}
