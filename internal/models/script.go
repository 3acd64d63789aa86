package models

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/mountebank-testing/imposters/internal/util"
)

// maxTimerCallbacks bounds how many setTimeout callbacks one script may run
const maxTimerCallbacks = 1000

// ScriptState is the mutable bag user scripts share across calls. One
// instance belongs to one imposter (or one resolver for the legacy
// injectState argument).
type ScriptState struct {
	mu   sync.Mutex
	data map[string]interface{}
}

// NewScriptState creates an empty state bag
func NewScriptState() *ScriptState {
	return &ScriptState{data: map[string]interface{}{}}
}

// Snapshot returns a deep copy of the current state
func (s *ScriptState) Snapshot() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cloned, ok := util.Clone(s.data).(map[string]interface{}); ok {
		return cloned
	}
	return map[string]interface{}{}
}

// ScriptRunner executes user-supplied JavaScript in isolated goja runtimes.
// Every call gets a fresh runtime; only the state bag survives between calls.
type ScriptRunner struct {
	logger *util.Logger
	state  *ScriptState
}

// NewScriptRunner creates a runner sharing state across calls
func NewScriptRunner(logger *util.Logger, state *ScriptState) *ScriptRunner {
	if state == nil {
		state = NewScriptState()
	}
	return &ScriptRunner{logger: logger, state: state}
}

type scriptTimer struct {
	id        int64
	due       time.Time
	fn        goja.Callable
	args      []goja.Value
	cancelled bool
}

// scriptEngine is a single-use runtime with the host objects scripts expect
type scriptEngine struct {
	vm      *goja.Runtime
	logger  *util.Logger
	jsLog   *goja.Object
	timers  []*scriptTimer
	nextID  int64
	parse   goja.Callable
	marshal goja.Callable
}

func newScriptEngine(logger *util.Logger) *scriptEngine {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	e := &scriptEngine{vm: vm, logger: logger}
	e.jsLog = e.newLoggerObject()

	_ = vm.Set("logger", e.jsLog)
	_ = vm.Set("console", e.newConsoleObject())
	_ = vm.Set("setTimeout", e.setTimeout)
	_ = vm.Set("clearTimeout", e.clearTimeout)

	jsonObj := vm.Get("JSON").ToObject(vm)
	e.parse, _ = goja.AssertFunction(jsonObj.Get("parse"))
	e.marshal, _ = goja.AssertFunction(jsonObj.Get("stringify"))
	return e
}

func (e *scriptEngine) newLoggerObject() *goja.Object {
	obj := e.vm.NewObject()
	levels := map[string]func(...interface{}){
		"debug": e.logger.Debug,
		"info":  e.logger.Info,
		"warn":  e.logger.Warn,
		"error": e.logger.Error,
	}
	for name, logFn := range levels {
		logFn := logFn
		_ = obj.Set(name, func(call goja.FunctionCall) goja.Value {
			logFn(e.formatArgs(call.Arguments))
			return goja.Undefined()
		})
	}
	return obj
}

func (e *scriptEngine) newConsoleObject() *goja.Object {
	obj := e.vm.NewObject()
	for _, name := range []string{"log", "info", "debug", "warn", "error"} {
		_ = obj.Set(name, e.jsLog.Get(consoleLevel(name)))
	}
	return obj
}

func consoleLevel(name string) string {
	if name == "log" {
		return "info"
	}
	return name
}

// formatArgs supports the printf-style %s placeholders scripts use with
// logger calls, joining any remaining arguments with spaces.
func (e *scriptEngine) formatArgs(args []goja.Value) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, e.display(arg))
	}
	if len(parts) == 0 {
		return ""
	}
	format, rest := parts[0], parts[1:]
	for len(rest) > 0 && strings.Contains(format, "%s") {
		format = strings.Replace(format, "%s", rest[0], 1)
		rest = rest[1:]
	}
	return strings.TrimSpace(format + " " + strings.Join(rest, " "))
}

func (e *scriptEngine) display(v goja.Value) string {
	if obj, ok := v.(*goja.Object); ok && obj.ClassName() != "Function" {
		if text, err := e.stringify(v); err == nil {
			return text
		}
	}
	return v.String()
}

func (e *scriptEngine) setTimeout(call goja.FunctionCall) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(e.vm.NewTypeError("setTimeout requires a function"))
	}
	delay := call.Argument(1).ToInteger()
	var args []goja.Value
	if len(call.Arguments) > 2 {
		args = append(args, call.Arguments[2:]...)
	}
	e.nextID++
	e.timers = append(e.timers, &scriptTimer{
		id:   e.nextID,
		due:  time.Now().Add(time.Duration(delay) * time.Millisecond),
		fn:   fn,
		args: args,
	})
	return e.vm.ToValue(e.nextID)
}

func (e *scriptEngine) clearTimeout(call goja.FunctionCall) goja.Value {
	id := call.Argument(0).ToInteger()
	for _, timer := range e.timers {
		if timer.id == id {
			timer.cancelled = true
		}
	}
	return goja.Undefined()
}

// runTimers fires pending setTimeout callbacks in due order until none are
// left or done reports true.
func (e *scriptEngine) runTimers(ctx context.Context, done func() bool) error {
	for fired := 0; fired < maxTimerCallbacks; fired++ {
		if done != nil && done() {
			return nil
		}
		pending := e.timers[:0]
		for _, timer := range e.timers {
			if !timer.cancelled {
				pending = append(pending, timer)
			}
		}
		e.timers = pending
		if len(e.timers) == 0 {
			return nil
		}
		sort.SliceStable(e.timers, func(i, j int) bool {
			return e.timers[i].due.Before(e.timers[j].due)
		})
		next := e.timers[0]
		e.timers = e.timers[1:]

		if wait := time.Until(next.due); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if _, err := next.fn(goja.Undefined(), next.args...); err != nil {
			return err
		}
	}
	return fmt.Errorf("more than %d timer callbacks scheduled", maxTimerCallbacks)
}

// compile evaluates source, which must be a function expression
func (e *scriptEngine) compile(source string) (goja.Callable, error) {
	value, err := e.vm.RunString("(" + source + ")")
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(value)
	if !ok {
		return nil, fmt.Errorf("injection source is not a function")
	}
	return fn, nil
}

// toJS converts a JSON-shaped Go value into a native JavaScript value
func (e *scriptEngine) toJS(v interface{}) (goja.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return e.parse(goja.Undefined(), e.vm.ToValue(string(data)))
}

func (e *scriptEngine) stringify(v goja.Value) (string, error) {
	result, err := e.marshal(goja.Undefined(), v)
	if err != nil {
		return "", err
	}
	if util.IsUndefined(result) {
		return "", nil
	}
	return result.String(), nil
}

// fromJS converts a JavaScript value back into Go through JSON
func (e *scriptEngine) fromJS(v goja.Value, out interface{}) error {
	text, err := e.stringify(v)
	if err != nil {
		return err
	}
	if text == "" {
		return fmt.Errorf("value is not serializable")
	}
	return json.Unmarshal([]byte(text), out)
}

// withState locks the given states, exposes them to the script as native
// objects, and writes any mutation back once fn returns.
func (r *ScriptRunner) withState(fn func(e *scriptEngine, states []goja.Value) error, extra ...*ScriptState) error {
	all := append([]*ScriptState{r.state}, extra...)
	seen := make(map[*ScriptState]bool, len(all))
	var locked []*ScriptState
	for _, state := range all {
		if state == nil || seen[state] {
			continue
		}
		seen[state] = true
		state.mu.Lock()
		locked = append(locked, state)
	}
	defer func() {
		for _, state := range locked {
			state.mu.Unlock()
		}
	}()

	e := newScriptEngine(r.logger)
	values := make([]goja.Value, len(all))
	jsByState := make(map[*ScriptState]goja.Value, len(locked))
	for i, state := range all {
		if state == nil {
			values[i] = goja.Undefined()
			continue
		}
		if existing, ok := jsByState[state]; ok {
			values[i] = existing
			continue
		}
		value, err := e.toJS(state.data)
		if err != nil {
			return err
		}
		jsByState[state] = value
		values[i] = value
	}

	runErr := fn(e, values)

	for state, value := range jsByState {
		var updated map[string]interface{}
		if err := e.fromJS(value, &updated); err == nil && updated != nil {
			state.data = updated
		}
	}
	return runErr
}

func (r *ScriptRunner) injectionFailure(message, source string, config interface{}, err error) error {
	r.logger.Errorf("injection X=> %v", err)
	r.logger.Errorf("    full source: %s", util.ToJSON(source))
	r.logger.Errorf("    config: %s", util.ToJSON(config))
	return util.NewInjectionError(message, source, err.Error())
}

// EvaluatePredicate runs an inject predicate as fn(config, logger, state)
func (r *ScriptRunner) EvaluatePredicate(source string, request *Request) (bool, error) {
	var matched bool
	doc := request.Document()
	err := r.withState(func(e *scriptEngine, states []goja.Value) error {
		fn, err := e.compile(source)
		if err != nil {
			return err
		}
		requestValue, err := e.toJS(doc)
		if err != nil {
			return err
		}
		config := e.vm.NewObject()
		_ = config.Set("request", requestValue)
		_ = config.Set("state", states[0])
		_ = config.Set("logger", e.jsLog)

		result, err := fn(goja.Undefined(), config, e.jsLog, states[0])
		if err != nil {
			return err
		}
		matched = result.ToBoolean()
		return nil
	})
	if err != nil {
		return false, r.injectionFailure("invalid predicate injection", source, map[string]interface{}{"request": doc}, err)
	}
	return matched, nil
}

// Respond runs a response inject function as
// fn(config, injectState, logger, callback, imposterState). The response is
// whichever of the return value and the callback arrives first.
func (r *ScriptRunner) Respond(ctx context.Context, source string, request *Request, injectState *ScriptState) (*Response, error) {
	if request.IsDryRun {
		return &Response{}, nil
	}

	var response map[string]interface{}
	doc := request.Document()
	err := r.withState(func(e *scriptEngine, states []goja.Value) error {
		fn, err := e.compile(source)
		if err != nil {
			return err
		}
		requestValue, err := e.toJS(doc)
		if err != nil {
			return err
		}

		var (
			settled bool
			result  goja.Value
			promise *goja.Promise
		)
		settle := func(value goja.Value) {
			if !settled {
				settled = true
				result = value
			}
		}
		callback := e.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			settle(call.Argument(0))
			return goja.Undefined()
		})

		config := e.vm.NewObject()
		_ = config.Set("request", requestValue)
		_ = config.Set("state", states[0])
		_ = config.Set("logger", e.jsLog)
		_ = config.Set("callback", callback)

		returned, err := fn(goja.Undefined(), config, states[1], e.jsLog, callback, states[0])
		if err != nil {
			return err
		}
		if !util.IsUndefined(returned) && !util.IsNull(returned) {
			if p, ok := returned.Export().(*goja.Promise); ok {
				promise = p
			} else {
				settle(returned)
			}
		}

		checkPromise := func() bool {
			if settled {
				return true
			}
			if promise == nil {
				return false
			}
			switch promise.State() {
			case goja.PromiseStateFulfilled:
				settle(promise.Result())
			case goja.PromiseStateRejected:
				return true
			}
			return settled
		}
		if err := e.runTimers(ctx, checkPromise); err != nil {
			return err
		}
		checkPromise()

		if !settled {
			if promise != nil && promise.State() == goja.PromiseStateRejected {
				return fmt.Errorf("%s", promise.Result().String())
			}
			return fmt.Errorf("injection did not return a response or invoke the callback")
		}
		if util.IsUndefined(result) || util.IsNull(result) {
			response = map[string]interface{}{}
			return nil
		}
		return e.fromJS(result, &response)
	}, injectState)
	if err != nil {
		return nil, r.injectionFailure("invalid response injection", source, map[string]interface{}{"request": doc}, err)
	}
	if response == nil {
		response = map[string]interface{}{}
	}
	return responseFromMap(response)
}

// Decorate runs fn(config, response, logger) against a live copy of the
// response. Scripts may mutate the response in place or return a new one.
func (r *ScriptRunner) Decorate(source string, request *Request, response *Response) (*Response, error) {
	var decorated map[string]interface{}
	doc := request.Document()
	current := responseToMap(response)
	err := r.withState(func(e *scriptEngine, states []goja.Value) error {
		fn, err := e.compile(source)
		if err != nil {
			return err
		}
		requestValue, err := e.toJS(doc)
		if err != nil {
			return err
		}
		responseValue, err := e.toJS(current)
		if err != nil {
			return err
		}
		config := e.vm.NewObject()
		_ = config.Set("request", requestValue)
		_ = config.Set("response", responseValue)
		_ = config.Set("state", states[0])
		_ = config.Set("logger", e.jsLog)

		returned, err := fn(goja.Undefined(), config, responseValue, e.jsLog)
		if err != nil {
			return err
		}
		if util.IsUndefined(returned) || util.IsNull(returned) {
			returned = responseValue
		}
		return e.fromJS(returned, &decorated)
	})
	if err != nil {
		return nil, r.injectionFailure("invalid decorator injection", source,
			map[string]interface{}{"request": doc, "response": current}, err)
	}
	out, err := responseFromMap(decorated)
	if err != nil {
		return nil, util.NewInjectionError("invalid decorator injection", source, err.Error())
	}
	return out, nil
}

// WaitMillis runs a wait function and returns the delay it asks for
func (r *ScriptRunner) WaitMillis(source string) (int64, error) {
	var millis int64
	err := r.withState(func(e *scriptEngine, _ []goja.Value) error {
		fn, err := e.compile(source)
		if err != nil {
			return err
		}
		result, err := fn(goja.Undefined())
		if err != nil {
			return err
		}
		millis = result.ToInteger()
		return nil
	})
	if err != nil {
		return 0, r.injectionFailure("invalid wait injection", source, nil, err)
	}
	return millis, nil
}

// GeneratePredicates runs a predicateGenerators inject function, which
// returns the predicates for a recorded stub.
func (r *ScriptRunner) GeneratePredicates(source string, request *Request) ([]Predicate, error) {
	var predicates []Predicate
	doc := request.Document()
	err := r.withState(func(e *scriptEngine, states []goja.Value) error {
		fn, err := e.compile(source)
		if err != nil {
			return err
		}
		requestValue, err := e.toJS(doc)
		if err != nil {
			return err
		}
		config := e.vm.NewObject()
		_ = config.Set("request", requestValue)
		_ = config.Set("state", states[0])
		_ = config.Set("logger", e.jsLog)

		result, err := fn(goja.Undefined(), config, e.jsLog, states[0])
		if err != nil {
			return err
		}
		return e.fromJS(result, &predicates)
	})
	if err != nil {
		return nil, r.injectionFailure("invalid predicateGenerator injection", source, map[string]interface{}{"request": doc}, err)
	}
	return predicates, nil
}
