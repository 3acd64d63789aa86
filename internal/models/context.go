package models

import (
	"github.com/mountebank-testing/imposters/internal/util"
)

// ExecutionContext is threaded through every evaluation of one imposter in
// place of process-wide settings.
type ExecutionContext struct {
	Logger         *util.Logger
	AllowInjection bool
	// DataRoot is the directory lookup data sources are resolved against
	DataRoot string
	// Encoding is "utf8" or "base64" (binary imposters)
	Encoding string
	// State is the imposter-wide bag shared by all injected scripts
	State *ScriptState
}

// NewExecutionContext creates a context with its own script state
func NewExecutionContext(logger *util.Logger, allowInjection bool) *ExecutionContext {
	return &ExecutionContext{
		Logger:         logger,
		AllowInjection: allowInjection,
		Encoding:       "utf8",
		State:          NewScriptState(),
	}
}

func (ec *ExecutionContext) scripts() *ScriptRunner {
	return NewScriptRunner(ec.Logger, ec.State)
}

func (ec *ExecutionContext) binary() bool {
	return ec.Encoding == "base64"
}
