package models

import (
	"context"

	"github.com/mountebank-testing/imposters/internal/metrics"
	"github.com/mountebank-testing/imposters/internal/util"
)

const (
	injectionNotAllowed = "JavaScript injection is not allowed unless mb is run with the --allowInjection flag"
	shellNotAllowed     = "Shell execution is not allowed unless mb is run with the --allowInjection flag"
)

// ValidationResult is the outcome of validating an imposter configuration
type ValidationResult struct {
	IsValid bool                     `json:"isValid"`
	Errors  []*util.MountebankError `json:"errors"`
}

// DryRunValidator checks stubs structurally and then resolves each response
// once against a throwaway repository to surface runtime errors before the
// imposter goes live.
type DryRunValidator struct {
	ec          *ExecutionContext
	postProcess PostProcessFunc

	// AdditionalValidation contributes protocol-specific errors
	AdditionalValidation func(config *ImposterConfig) []*util.MountebankError
}

// NewDryRunValidator creates a validator. postProcess is the protocol hook
// live responses go through.
func NewDryRunValidator(ec *ExecutionContext, postProcess PostProcessFunc) *DryRunValidator {
	return &DryRunValidator{ec: ec, postProcess: postProcess}
}

// Validate checks an imposter configuration, collecting every error
func (v *DryRunValidator) Validate(ctx context.Context, config *ImposterConfig) ValidationResult {
	ec := *v.ec
	ec.Encoding = config.Encoding()
	errs := v.validateStubs(ctx, &ec, config.Stubs)
	if v.AdditionalValidation != nil {
		errs = append(errs, v.AdditionalValidation(config)...)
	}
	return v.result(errs)
}

// ValidateStubs checks stubs added to an existing imposter
func (v *DryRunValidator) ValidateStubs(ctx context.Context, stubs []Stub, encoding string) ValidationResult {
	ec := *v.ec
	if encoding != "" {
		ec.Encoding = encoding
	}
	return v.result(v.validateStubs(ctx, &ec, stubs))
}

func (v *DryRunValidator) result(errs []*util.MountebankError) ValidationResult {
	if len(errs) > 0 {
		metrics.ValidationFailuresTotal.Inc()
	} else {
		errs = []*util.MountebankError{}
	}
	return ValidationResult{IsValid: len(errs) == 0, Errors: errs}
}

func (v *DryRunValidator) validateStubs(ctx context.Context, ec *ExecutionContext, stubs []Stub) []*util.MountebankError {
	var errs []*util.MountebankError
	for i := range stubs {
		errs = append(errs, v.validateStub(ctx, ec, &stubs[i])...)
	}
	return errs
}

func (v *DryRunValidator) validateStub(ctx context.Context, ec *ExecutionContext, stub *Stub) []*util.MountebankError {
	if len(stub.Responses) == 0 {
		return []*util.MountebankError{util.NewValidationError("'responses' must be a non-empty array", stub)}
	}

	var errs []*util.MountebankError
	for i := range stub.Responses {
		if _, err := stub.Responses[i].ResponseType(); err != nil {
			errs = append(errs, util.ToMountebankError(err, util.CodeBadData))
		}
	}
	if !ec.AllowInjection {
		if usesScripts(stub) {
			errs = append(errs, util.NewInjectionError(injectionNotAllowed, stub, nil))
		}
		if usesShell(stub) {
			errs = append(errs, util.NewInjectionError(shellNotAllowed, stub, nil))
		}
	}
	for i := range stub.Responses {
		errs = append(errs, ValidateBehaviors(stub.Responses[i].Behaviors)...)
	}
	if len(errs) > 0 {
		return errs
	}

	for i := range stub.Responses {
		for _, withPredicates := range []bool{true, false} {
			if err := v.dryRun(ctx, ec, stub, i, withPredicates); err != nil {
				mbErr := util.ToMountebankError(err, util.CodeBadData)
				if mbErr.Source == nil {
					mbErr.Source = stub
				}
				return []*util.MountebankError{mbErr}
			}
		}
	}
	return nil
}

// dryRun resolves one response of a cloned stub in isolation, so proxy
// recording and script state never touch the live imposter.
func (v *DryRunValidator) dryRun(ctx context.Context, ec *ExecutionContext, stub *Stub, responseIndex int, withPredicates bool) error {
	cloned := stub.clone()
	testStub := Stub{Responses: []ResponseConfig{cloned.Responses[responseIndex]}}
	if withPredicates {
		testStub.Predicates = cloned.Predicates
	}

	repo := NewMemoryStubRepository()
	if err := repo.Add(testStub); err != nil {
		return err
	}

	dryRunContext := *ec
	dryRunContext.Logger = ec.Logger.AtLevel("error")
	dryRunContext.State = NewScriptState()
	resolver := NewStubResolver(&dryRunContext, NewResponseResolver(&dryRunContext, noopProxy{}, v.postProcess), false)

	_, err := resolver.Resolve(ctx, dryRunRequest(), repo)
	return err
}

func dryRunRequest() *Request {
	return &Request{
		RequestFrom: "",
		Method:      "GET",
		Path:        "/",
		Query:       map[string]interface{}{},
		Headers:     map[string]interface{}{},
		Form:        map[string]interface{}{},
		Body:        "",
		IsDryRun:    true,
	}
}

type noopProxy struct{}

func (noopProxy) To(context.Context, string, *Request, *ProxyConfig) (*Response, error) {
	return &Response{}, nil
}

func usesScripts(stub *Stub) bool {
	for i := range stub.Predicates {
		if predicateUsesScripts(&stub.Predicates[i]) {
			return true
		}
	}
	for _, response := range stub.Responses {
		if response.Inject != "" {
			return true
		}
		if response.Proxy != nil {
			if response.Proxy.AddDecorateBehavior != "" {
				return true
			}
			for _, generator := range response.Proxy.PredicateGenerators {
				if generator.Inject != "" {
					return true
				}
			}
		}
		for _, behavior := range response.Behaviors {
			if behavior.Decorate != "" {
				return true
			}
			if _, isFunction := behavior.Wait.(string); isFunction {
				return true
			}
		}
	}
	return false
}

func predicateUsesScripts(predicate *Predicate) bool {
	if predicate.Inject != "" {
		return true
	}
	if predicate.Not != nil && predicateUsesScripts(predicate.Not) {
		return true
	}
	for _, children := range [][]Predicate{predicate.Or, predicate.And} {
		for i := range children {
			if predicateUsesScripts(&children[i]) {
				return true
			}
		}
	}
	return false
}

func usesShell(stub *Stub) bool {
	for _, response := range stub.Responses {
		for _, behavior := range response.Behaviors {
			if len(behavior.ShellTransform) > 0 {
				return true
			}
		}
	}
	return false
}
