package models

import (
	"context"
	"time"

	"github.com/mountebank-testing/imposters/internal/util"
)

// StubResolver picks the stub for a request and resolves its next response
type StubResolver struct {
	ec            *ExecutionContext
	evaluator     *PredicateEvaluator
	responses     *ResponseResolver
	recordMatches bool
}

// NewStubResolver creates a stub resolver
func NewStubResolver(ec *ExecutionContext, responses *ResponseResolver, recordMatches bool) *StubResolver {
	return &StubResolver{
		ec:            ec,
		evaluator:     NewPredicateEvaluator(ec),
		responses:     responses,
		recordMatches: recordMatches,
	}
}

// Resolve finds the first stub whose predicates all match, takes its next
// response, and resolves it against the live repository.
func (sr *StubResolver) Resolve(ctx context.Context, request *Request, stubs StubRepository) (*Response, error) {
	start := time.Now()

	match, err := stubs.First(func(predicates []Predicate) (bool, error) {
		return sr.allMatch(predicates, request)
	}, 0)
	if err != nil {
		return nil, err
	}

	rc, err := match.Stub.NextResponse()
	if err != nil {
		return nil, err
	}
	if match.Success {
		sr.ec.Logger.Debugf("using predicate match: %s", util.ToJSON(match.Stub.Predicates()))
	} else {
		sr.ec.Logger.Debug("no predicate match, using default response")
	}

	response, err := sr.responses.Resolve(ctx, rc, request, stubs)
	if err != nil {
		return nil, err
	}

	if sr.recordMatches && match.Success {
		if err := match.Stub.RecordMatch(request, response, rc, time.Since(start).Milliseconds()); err != nil {
			sr.ec.Logger.Errorf("cannot record match: %v", err)
		}
	}
	return response, nil
}

// allMatch evaluates every predicate, even after one has failed
func (sr *StubResolver) allMatch(predicates []Predicate, request *Request) (bool, error) {
	all := true
	for i := range predicates {
		matched, err := sr.evaluator.Evaluate(&predicates[i], request)
		if err != nil {
			return false, err
		}
		if !matched {
			all = false
		}
	}
	return all, nil
}
