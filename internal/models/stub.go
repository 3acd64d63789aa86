package models

import (
	"fmt"
	"sync"
	"time"

	"github.com/mountebank-testing/imposters/internal/util"
)

// StubRepository is the ordered stub list of one imposter, together with
// the requests it has recorded. In-memory and file-backed implementations
// share the same contract.
type StubRepository interface {
	Count() (int, error)
	// First returns the first stub at or after startIndex whose predicates
	// satisfy filter, or the default stub when none does
	First(filter func(predicates []Predicate) (bool, error), startIndex int) (*StubMatch, error)
	Add(stub Stub) error
	InsertAtIndex(stub Stub, index int) error
	OverwriteAll(stubs []Stub) error
	OverwriteAtIndex(stub Stub, index int) error
	DeleteAtIndex(index int) error
	All() ([]Stub, error)

	AddRequest(request *Request) error
	LoadRequests() ([]*Request, error)
	DeleteSavedRequests() error
}

// StoredStub is a stub held by a repository
type StoredStub interface {
	Predicates() []Predicate
	AddResponse(response ResponseConfig) error
	// NextResponse advances the stub's response cursor, honoring repeat
	NextResponse() (*ResponseConfig, error)
	DeleteResponsesMatching(filter func(response ResponseConfig) bool) error
	RecordMatch(request *Request, response *Response, responseConfig *ResponseConfig, processingTime int64) error
}

// StubMatch represents the result of a stub match
type StubMatch struct {
	Success bool
	Stub    StoredStub
	Index   int
}

// orderWithRepeats expands response indexes by their repeat counts
func orderWithRepeats(responses []ResponseConfig) []int {
	order := make([]int, 0, len(responses))
	for i := range responses {
		for n := 0; n < responses[i].repeatCount(); n++ {
			order = append(order, i)
		}
	}
	return order
}

func missingStub(index int) error {
	return util.NewMissingResourceError(fmt.Sprintf("no stub at index %d", index), index)
}

func defaultResponseConfig() ResponseConfig {
	return ResponseConfig{Is: &Response{}}
}

// MemoryStubRepository keeps stubs in memory
type MemoryStubRepository struct {
	mu       sync.RWMutex
	stubs    []*memoryStub
	requests []*Request
}

// NewMemoryStubRepository creates a new in-memory stub repository
func NewMemoryStubRepository() *MemoryStubRepository {
	return &MemoryStubRepository{}
}

type memoryStub struct {
	repo      *MemoryStubRepository
	stub      Stub
	order     []int
	nextIndex int
}

func (r *MemoryStubRepository) wrap(stub Stub) *memoryStub {
	copied := stub.clone()
	if copied.Predicates == nil {
		copied.Predicates = []Predicate{}
	}
	return &memoryStub{repo: r, stub: copied, order: orderWithRepeats(copied.Responses)}
}

// Count returns the number of stubs
func (r *MemoryStubRepository) Count() (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stubs), nil
}

// First finds the first stub matching the filter. Predicates are evaluated
// outside the lock since they may run user scripts.
func (r *MemoryStubRepository) First(filter func([]Predicate) (bool, error), startIndex int) (*StubMatch, error) {
	r.mu.RLock()
	snapshot := make([]*memoryStub, len(r.stubs))
	copy(snapshot, r.stubs)
	r.mu.RUnlock()

	if startIndex < 0 {
		startIndex = 0
	}
	for i := startIndex; i < len(snapshot); i++ {
		matched, err := filter(snapshot[i].Predicates())
		if err != nil {
			return nil, err
		}
		if matched {
			return &StubMatch{Success: true, Stub: snapshot[i], Index: i}, nil
		}
	}

	return &StubMatch{
		Success: false,
		Stub:    r.wrap(Stub{Responses: []ResponseConfig{defaultResponseConfig()}}),
		Index:   -1,
	}, nil
}

// Add appends a stub
func (r *MemoryStubRepository) Add(stub Stub) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stubs = append(r.stubs, r.wrap(stub))
	return nil
}

// InsertAtIndex inserts a stub before the stub currently at index
func (r *MemoryStubRepository) InsertAtIndex(stub Stub, index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if index < 0 || index > len(r.stubs) {
		return missingStub(index)
	}
	r.stubs = append(r.stubs, nil)
	copy(r.stubs[index+1:], r.stubs[index:])
	r.stubs[index] = r.wrap(stub)
	return nil
}

// OverwriteAll replaces every stub, resetting response cursors
func (r *MemoryStubRepository) OverwriteAll(stubs []Stub) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stubs = make([]*memoryStub, 0, len(stubs))
	for _, stub := range stubs {
		r.stubs = append(r.stubs, r.wrap(stub))
	}
	return nil
}

// OverwriteAtIndex replaces the stub at index
func (r *MemoryStubRepository) OverwriteAtIndex(stub Stub, index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if index < 0 || index >= len(r.stubs) {
		return missingStub(index)
	}
	r.stubs[index] = r.wrap(stub)
	return nil
}

// DeleteAtIndex removes the stub at index
func (r *MemoryStubRepository) DeleteAtIndex(index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if index < 0 || index >= len(r.stubs) {
		return missingStub(index)
	}
	r.stubs = append(r.stubs[:index], r.stubs[index+1:]...)
	return nil
}

// All returns copies of every stub in order
func (r *MemoryStubRepository) All() ([]Stub, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stubs := make([]Stub, 0, len(r.stubs))
	for _, stored := range r.stubs {
		stubs = append(stubs, stored.stub.clone())
	}
	return stubs, nil
}

// AddRequest records a request
func (r *MemoryStubRepository) AddRequest(request *Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, request)
	return nil
}

// LoadRequests returns all recorded requests
func (r *MemoryStubRepository) LoadRequests() ([]*Request, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requests := make([]*Request, len(r.requests))
	copy(requests, r.requests)
	return requests, nil
}

// DeleteSavedRequests clears all recorded requests
func (r *MemoryStubRepository) DeleteSavedRequests() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = nil
	return nil
}

func (r *MemoryStubRepository) indexOf(target *memoryStub) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i, stored := range r.stubs {
		if stored == target {
			return i
		}
	}
	return -1
}

func (s *memoryStub) Predicates() []Predicate {
	s.repo.mu.RLock()
	defer s.repo.mu.RUnlock()
	return s.stub.Predicates
}

func (s *memoryStub) AddResponse(response ResponseConfig) error {
	s.repo.mu.Lock()
	defer s.repo.mu.Unlock()

	index := len(s.stub.Responses)
	s.stub.Responses = append(s.stub.Responses, response.clone())
	for n := 0; n < response.repeatCount(); n++ {
		s.order = append(s.order, index)
	}
	return nil
}

func (s *memoryStub) NextResponse() (*ResponseConfig, error) {
	s.repo.mu.Lock()
	var next ResponseConfig
	if len(s.order) == 0 {
		next = defaultResponseConfig()
	} else {
		next = s.stub.Responses[s.order[s.nextIndex]].clone()
		s.nextIndex = (s.nextIndex + 1) % len(s.order)
	}
	s.repo.mu.Unlock()

	next.stubIndex = func() int { return s.repo.indexOf(s) }
	return &next, nil
}

func (s *memoryStub) DeleteResponsesMatching(filter func(ResponseConfig) bool) error {
	s.repo.mu.Lock()
	defer s.repo.mu.Unlock()

	kept := s.stub.Responses[:0]
	for _, response := range s.stub.Responses {
		if !filter(response) {
			kept = append(kept, response)
		}
	}
	s.stub.Responses = kept
	s.order = orderWithRepeats(kept)
	if s.nextIndex >= len(s.order) {
		s.nextIndex = 0
	}
	return nil
}

func (s *memoryStub) RecordMatch(request *Request, response *Response, responseConfig *ResponseConfig, processingTime int64) error {
	s.repo.mu.Lock()
	defer s.repo.mu.Unlock()

	s.stub.Matches = append(s.stub.Matches, Match{
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		Request:        request,
		Response:       response,
		ResponseConfig: responseConfig,
		ProcessingTime: processingTime,
	})
	return nil
}
