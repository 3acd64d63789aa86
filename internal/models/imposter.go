package models

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/mountebank-testing/imposters/internal/metrics"
	"github.com/mountebank-testing/imposters/internal/util"
)

// ImposterOptions carries the collaborators an imposter is built with
type ImposterOptions struct {
	Logger         *util.Logger
	AllowInjection bool
	DataRoot       string
	Proxy          Proxy
	PostProcess    PostProcessFunc
	// Stubs defaults to an in-memory repository
	Stubs StubRepository
}

// Imposter represents a virtual service
type Imposter struct {
	mu               sync.RWMutex
	config           ImposterConfig
	stubs            StubRepository
	ec               *ExecutionContext
	resolver         *StubResolver
	numberOfRequests int
	closeFunc        func() error
}

// ImposterInfo is the JSON view of an imposter
type ImposterInfo struct {
	Protocol         string                 `json:"protocol"`
	Port             int                    `json:"port"`
	Name             string                 `json:"name,omitempty"`
	Host             string                 `json:"host,omitempty"`
	NumberOfRequests *int                   `json:"numberOfRequests,omitempty"`
	RecordRequests   bool                   `json:"recordRequests"`
	RecordMatches    bool                   `json:"recordMatches,omitempty"`
	Mode             string                 `json:"mode,omitempty"`
	AllowCORS        bool                   `json:"allowCORS,omitempty"`
	DefaultResponse  *Response              `json:"defaultResponse,omitempty"`
	Requests         []*Request             `json:"requests,omitempty"`
	Stubs            []Stub                 `json:"stubs,omitempty"`
	Links            map[string]interface{} `json:"_links,omitempty"`
}

// ToJSONOptions selects the imposter view
type ToJSONOptions struct {
	// Replayable drops requests, matches and counters so the output can be
	// posted back to create the same imposter
	Replayable bool
	// RemoveProxies drops proxy responses and stubs left without responses
	RemoveProxies bool
	// List renders the short form used in imposter listings
	List    bool
	BaseURL string
}

// NewImposter creates an imposter and loads its configured stubs
func NewImposter(config *ImposterConfig, opts ImposterOptions) (*Imposter, error) {
	ec := NewExecutionContext(opts.Logger, opts.AllowInjection)
	ec.DataRoot = opts.DataRoot
	ec.Encoding = config.Encoding()

	stubs := opts.Stubs
	if stubs == nil {
		stubs = NewMemoryStubRepository()
	}

	imp := &Imposter{
		config: *config,
		stubs:  stubs,
		ec:     ec,
	}
	imp.config.Stubs = nil
	imp.resolver = NewStubResolver(ec, NewResponseResolver(ec, opts.Proxy, opts.PostProcess), config.RecordMatches)

	if len(config.Stubs) > 0 {
		if err := stubs.OverwriteAll(config.Stubs); err != nil {
			return nil, err
		}
	}
	return imp, nil
}

// SetCloseFunc registers the function that stops the protocol server
func (imp *Imposter) SetCloseFunc(closeFunc func() error) {
	imp.mu.Lock()
	defer imp.mu.Unlock()
	imp.closeFunc = closeFunc
}

// GetResponseFor resolves the response for a request received by the
// protocol server.
func (imp *Imposter) GetResponseFor(ctx context.Context, request *Request) (*Response, error) {
	imp.mu.Lock()
	imp.numberOfRequests++
	recordRequests := imp.config.RecordRequests
	port := imp.config.Port
	imp.mu.Unlock()

	metrics.RequestsTotal.WithLabelValues(strconv.Itoa(port)).Inc()

	if recordRequests {
		recorded := *request
		if recorded.Timestamp == "" {
			recorded.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
		}
		if err := imp.stubs.AddRequest(&recorded); err != nil {
			imp.ec.Logger.Errorf("cannot record request: %v", err)
		}
	}

	return imp.resolver.Resolve(ctx, request, imp.stubs)
}

// Stop stops the imposter's protocol server
func (imp *Imposter) Stop() error {
	imp.mu.RLock()
	closeFunc := imp.closeFunc
	imp.mu.RUnlock()

	if closeFunc == nil {
		return nil
	}
	if err := closeFunc(); err != nil {
		return err
	}
	imp.ec.Logger.Info("Ciao for now")
	return nil
}

// ResetRequests clears all recorded requests
func (imp *Imposter) ResetRequests() error {
	imp.mu.Lock()
	imp.numberOfRequests = 0
	imp.mu.Unlock()

	return imp.stubs.DeleteSavedRequests()
}

// DeleteSavedProxyResponses removes recorded responses stub by stub,
// dropping stubs that are left without any. Surviving stubs keep their
// response cursors.
func (imp *Imposter) DeleteSavedProxyResponses() error {
	count, err := imp.stubs.Count()
	if err != nil {
		return err
	}
	everyStub := func([]Predicate) (bool, error) { return true, nil }
	for i := 0; i < count; i++ {
		match, err := imp.stubs.First(everyStub, i)
		if err != nil {
			return err
		}
		if err := match.Stub.DeleteResponsesMatching(func(rc ResponseConfig) bool { return rc.Is != nil }); err != nil {
			return err
		}
	}

	all, err := imp.stubs.All()
	if err != nil {
		return err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if len(all[i].Responses) == 0 {
			if err := imp.stubs.DeleteAtIndex(i); err != nil {
				return err
			}
		}
	}
	return nil
}

// AddStub adds a stub at index, or at the end when index is nil
func (imp *Imposter) AddStub(stub Stub, index *int) error {
	if index == nil {
		return imp.stubs.Add(stub)
	}
	return imp.stubs.InsertAtIndex(stub, *index)
}

// OverwriteStubs replaces every stub
func (imp *Imposter) OverwriteStubs(stubs []Stub) error {
	return imp.stubs.OverwriteAll(stubs)
}

// OverwriteStubAtIndex replaces one stub
func (imp *Imposter) OverwriteStubAtIndex(stub Stub, index int) error {
	return imp.stubs.OverwriteAtIndex(stub, index)
}

// DeleteStubAtIndex removes one stub
func (imp *Imposter) DeleteStubAtIndex(index int) error {
	return imp.stubs.DeleteAtIndex(index)
}

// ToJSON renders the imposter
func (imp *Imposter) ToJSON(opts ToJSONOptions) (*ImposterInfo, error) {
	imp.mu.RLock()
	config := imp.config
	count := imp.numberOfRequests
	imp.mu.RUnlock()

	self := fmt.Sprintf("%s/imposters/%d", opts.BaseURL, config.Port)
	info := &ImposterInfo{
		Protocol:       config.Protocol,
		Port:           config.Port,
		RecordRequests: config.RecordRequests,
	}
	if !opts.Replayable {
		info.NumberOfRequests = &count
		info.Links = map[string]interface{}{
			"self":  map[string]string{"href": self},
			"stubs": map[string]string{"href": self + "/stubs"},
		}
	}
	if opts.List {
		return info, nil
	}

	info.Name = config.Name
	info.Host = config.Host
	info.RecordMatches = config.RecordMatches
	info.Mode = config.Mode
	info.AllowCORS = config.AllowCORS
	info.DefaultResponse = config.DefaultResponse

	stubs, err := imp.stubs.All()
	if err != nil {
		return nil, err
	}
	if opts.RemoveProxies {
		stubs = withoutProxies(stubs)
	}
	for i := range stubs {
		if opts.Replayable || !config.RecordMatches {
			stubs[i].Matches = nil
		}
	}
	info.Stubs = stubs

	if !opts.Replayable {
		requests, err := imp.stubs.LoadRequests()
		if err != nil {
			return nil, err
		}
		info.Requests = requests
	}
	return info, nil
}

func withoutProxies(stubs []Stub) []Stub {
	kept := make([]Stub, 0, len(stubs))
	for _, stub := range stubs {
		responses := make([]ResponseConfig, 0, len(stub.Responses))
		for _, response := range stub.Responses {
			if response.Proxy == nil {
				responses = append(responses, response)
			}
		}
		if len(responses) > 0 {
			stub.Responses = responses
			kept = append(kept, stub)
		}
	}
	return kept
}

// Config returns the imposter configuration without stubs
func (imp *Imposter) Config() ImposterConfig {
	imp.mu.RLock()
	defer imp.mu.RUnlock()
	return imp.config
}

// Port returns the imposter's port
func (imp *Imposter) Port() int {
	imp.mu.RLock()
	defer imp.mu.RUnlock()
	return imp.config.Port
}

// Protocol returns the imposter's protocol
func (imp *Imposter) Protocol() string {
	return imp.config.Protocol
}

// Encoding returns the payload encoding of the imposter
func (imp *Imposter) Encoding() string {
	return imp.ec.Encoding
}

// Stubs returns the stub repository
func (imp *Imposter) Stubs() StubRepository {
	return imp.stubs
}

// State returns a snapshot of the state shared by the imposter's scripts
func (imp *Imposter) State() map[string]interface{} {
	return imp.ec.State.Snapshot()
}
