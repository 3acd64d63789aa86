package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mountebank-testing/imposters/internal/util"
)

// FileStubRepository persists an imposter's stubs under one directory:
//
//	imposter.json                         header, with stubs as {predicates, meta: {dir}}
//	stubs/<id>/meta.json                  {responseFiles, orderWithRepeats, nextIndex}
//	stubs/<id>/responses/<id>.json        one file per response
//	stubs/<id>/matches/<nanos>-<id>.json  one file per recorded match
//	requests/<nanos>-<id>.json            one file per recorded request
type FileStubRepository struct {
	mu     sync.Mutex
	dir    string
	logger *util.Logger
}

type stubHeader struct {
	Predicates []Predicate `json:"predicates,omitempty"`
	Meta       struct {
		Dir string `json:"dir"`
	} `json:"meta"`
}

type stubMeta struct {
	ResponseFiles    []string `json:"responseFiles"`
	OrderWithRepeats []int    `json:"orderWithRepeats"`
	NextIndex        int      `json:"nextIndex"`
}

// NewFileStubRepository creates a repository rooted at dir
func NewFileStubRepository(dir string, logger *util.Logger) *FileStubRepository {
	return &FileStubRepository{dir: dir, logger: logger}
}

// Dir returns the root directory of the repository
func (r *FileStubRepository) Dir() string {
	return r.dir
}

func (r *FileStubRepository) headerPath() string {
	return filepath.Join(r.dir, "imposter.json")
}

// LoadHeader reads the imposter header without its stubs
func (r *FileStubRepository) LoadHeader() (map[string]interface{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	header := map[string]interface{}{}
	if err := readJSONFile(r.headerPath(), &header); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	delete(header, "stubs")
	return header, nil
}

// SaveHeader writes the imposter header, keeping the stored stub index
func (r *FileStubRepository) SaveHeader(header map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stubs, err := r.readStubHeaders()
	if err != nil {
		return err
	}
	return r.writeHeader(header, stubs)
}

func (r *FileStubRepository) readStubHeaders() ([]stubHeader, error) {
	var header struct {
		Stubs []stubHeader `json:"stubs"`
	}
	if err := readJSONFile(r.headerPath(), &header); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return header.Stubs, nil
}

func (r *FileStubRepository) writeStubHeaders(stubs []stubHeader) error {
	header := map[string]interface{}{}
	if err := readJSONFile(r.headerPath(), &header); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return r.writeHeader(header, stubs)
}

func (r *FileStubRepository) writeHeader(header map[string]interface{}, stubs []stubHeader) error {
	if stubs == nil {
		stubs = []stubHeader{}
	}
	copied := make(map[string]interface{}, len(header)+1)
	for key, value := range header {
		copied[key] = value
	}
	copied["stubs"] = stubs
	return writeJSONFile(r.headerPath(), copied)
}

// saveStub writes a stub's responses and meta file, returning its header
func (r *FileStubRepository) saveStub(stub Stub) (stubHeader, error) {
	var header stubHeader
	header.Predicates = stub.Predicates
	header.Meta.Dir = filepath.Join("stubs", uuid.NewString())

	meta := stubMeta{ResponseFiles: []string{}, OrderWithRepeats: orderWithRepeats(stub.Responses)}
	for _, response := range stub.Responses {
		file := filepath.Join("responses", uuid.NewString()+".json")
		if err := writeJSONFile(filepath.Join(r.dir, header.Meta.Dir, file), response); err != nil {
			return header, err
		}
		meta.ResponseFiles = append(meta.ResponseFiles, file)
	}
	if meta.OrderWithRepeats == nil {
		meta.OrderWithRepeats = []int{}
	}
	if err := writeJSONFile(filepath.Join(r.dir, header.Meta.Dir, "meta.json"), meta); err != nil {
		return header, err
	}
	return header, nil
}

func (r *FileStubRepository) removeStub(header stubHeader) error {
	return os.RemoveAll(filepath.Join(r.dir, header.Meta.Dir))
}

// Count returns the number of stubs
func (r *FileStubRepository) Count() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stubs, err := r.readStubHeaders()
	return len(stubs), err
}

// First finds the first stub at or after startIndex matching the filter
func (r *FileStubRepository) First(filter func([]Predicate) (bool, error), startIndex int) (*StubMatch, error) {
	r.mu.Lock()
	stubs, err := r.readStubHeaders()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if startIndex < 0 {
		startIndex = 0
	}
	for i := startIndex; i < len(stubs); i++ {
		predicates := stubs[i].Predicates
		if predicates == nil {
			predicates = []Predicate{}
		}
		matched, err := filter(predicates)
		if err != nil {
			return nil, err
		}
		if matched {
			return &StubMatch{
				Success: true,
				Stub:    &fileStub{repo: r, dir: stubs[i].Meta.Dir, predicates: predicates},
				Index:   i,
			}, nil
		}
	}

	memory := NewMemoryStubRepository()
	return &StubMatch{
		Success: false,
		Stub:    memory.wrap(Stub{Responses: []ResponseConfig{defaultResponseConfig()}}),
		Index:   -1,
	}, nil
}

// Add appends a stub
func (r *FileStubRepository) Add(stub Stub) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stubs, err := r.readStubHeaders()
	if err != nil {
		return err
	}
	header, err := r.saveStub(stub)
	if err != nil {
		return err
	}
	return r.writeStubHeaders(append(stubs, header))
}

// InsertAtIndex inserts a stub before the stub currently at index
func (r *FileStubRepository) InsertAtIndex(stub Stub, index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stubs, err := r.readStubHeaders()
	if err != nil {
		return err
	}
	if index < 0 || index > len(stubs) {
		return missingStub(index)
	}
	header, err := r.saveStub(stub)
	if err != nil {
		return err
	}
	stubs = append(stubs, stubHeader{})
	copy(stubs[index+1:], stubs[index:])
	stubs[index] = header
	return r.writeStubHeaders(stubs)
}

// OverwriteAll replaces every stub
func (r *FileStubRepository) OverwriteAll(stubs []Stub) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(r.dir, "stubs")); err != nil {
		return err
	}
	headers := make([]stubHeader, 0, len(stubs))
	for _, stub := range stubs {
		header, err := r.saveStub(stub)
		if err != nil {
			return err
		}
		headers = append(headers, header)
	}
	return r.writeStubHeaders(headers)
}

// OverwriteAtIndex replaces the stub at index
func (r *FileStubRepository) OverwriteAtIndex(stub Stub, index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stubs, err := r.readStubHeaders()
	if err != nil {
		return err
	}
	if index < 0 || index >= len(stubs) {
		return missingStub(index)
	}
	if err := r.removeStub(stubs[index]); err != nil {
		return err
	}
	header, err := r.saveStub(stub)
	if err != nil {
		return err
	}
	stubs[index] = header
	return r.writeStubHeaders(stubs)
}

// DeleteAtIndex removes the stub at index
func (r *FileStubRepository) DeleteAtIndex(index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stubs, err := r.readStubHeaders()
	if err != nil {
		return err
	}
	if index < 0 || index >= len(stubs) {
		return missingStub(index)
	}
	if err := r.removeStub(stubs[index]); err != nil {
		return err
	}
	return r.writeStubHeaders(append(stubs[:index], stubs[index+1:]...))
}

// All loads every stub with its responses and recorded matches
func (r *FileStubRepository) All() ([]Stub, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	headers, err := r.readStubHeaders()
	if err != nil {
		return nil, err
	}
	stubs := make([]Stub, 0, len(headers))
	for _, header := range headers {
		stub := Stub{Predicates: header.Predicates}
		stub.Responses, err = r.loadResponses(header.Meta.Dir)
		if err != nil {
			return nil, err
		}
		stub.Matches, err = r.loadMatches(header.Meta.Dir)
		if err != nil {
			return nil, err
		}
		stubs = append(stubs, stub)
	}
	return stubs, nil
}

func (r *FileStubRepository) readMeta(stubDir string) (stubMeta, error) {
	var meta stubMeta
	err := readJSONFile(filepath.Join(r.dir, stubDir, "meta.json"), &meta)
	return meta, err
}

func (r *FileStubRepository) writeMeta(stubDir string, meta stubMeta) error {
	return writeJSONFile(filepath.Join(r.dir, stubDir, "meta.json"), meta)
}

func (r *FileStubRepository) loadResponses(stubDir string) ([]ResponseConfig, error) {
	meta, err := r.readMeta(stubDir)
	if err != nil {
		return nil, err
	}
	responses := make([]ResponseConfig, 0, len(meta.ResponseFiles))
	for _, file := range meta.ResponseFiles {
		var response ResponseConfig
		if err := readJSONFile(filepath.Join(r.dir, stubDir, file), &response); err != nil {
			return nil, err
		}
		responses = append(responses, response)
	}
	return responses, nil
}

func (r *FileStubRepository) loadMatches(stubDir string) ([]Match, error) {
	var matches []Match
	err := readJSONDir(filepath.Join(r.dir, stubDir, "matches"), func(data []byte) error {
		var match Match
		if err := json.Unmarshal(data, &match); err != nil {
			return err
		}
		matches = append(matches, match)
		return nil
	})
	return matches, err
}

// AddRequest records a request
func (r *FileStubRepository) AddRequest(request *Request) error {
	return writeJSONFile(filepath.Join(r.dir, "requests", timestampedName()), request)
}

// LoadRequests returns all recorded requests in arrival order
func (r *FileStubRepository) LoadRequests() ([]*Request, error) {
	requests := []*Request{}
	err := readJSONDir(filepath.Join(r.dir, "requests"), func(data []byte) error {
		var request Request
		if err := json.Unmarshal(data, &request); err != nil {
			return err
		}
		requests = append(requests, &request)
		return nil
	})
	return requests, err
}

// DeleteSavedRequests clears all recorded requests
func (r *FileStubRepository) DeleteSavedRequests() error {
	return os.RemoveAll(filepath.Join(r.dir, "requests"))
}

func (r *FileStubRepository) indexOfDir(stubDir string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	stubs, err := r.readStubHeaders()
	if err != nil {
		return -1
	}
	for i, header := range stubs {
		if header.Meta.Dir == stubDir {
			return i
		}
	}
	return -1
}

type fileStub struct {
	repo       *FileStubRepository
	dir        string
	predicates []Predicate
}

func (s *fileStub) Predicates() []Predicate {
	return s.predicates
}

func (s *fileStub) AddResponse(response ResponseConfig) error {
	s.repo.mu.Lock()
	defer s.repo.mu.Unlock()

	meta, err := s.repo.readMeta(s.dir)
	if err != nil {
		return err
	}
	file := filepath.Join("responses", uuid.NewString()+".json")
	if err := writeJSONFile(filepath.Join(s.repo.dir, s.dir, file), response); err != nil {
		return err
	}
	index := len(meta.ResponseFiles)
	meta.ResponseFiles = append(meta.ResponseFiles, file)
	for n := 0; n < response.repeatCount(); n++ {
		meta.OrderWithRepeats = append(meta.OrderWithRepeats, index)
	}
	return s.repo.writeMeta(s.dir, meta)
}

func (s *fileStub) NextResponse() (*ResponseConfig, error) {
	s.repo.mu.Lock()
	next, err := s.advance()
	s.repo.mu.Unlock()
	if err != nil {
		return nil, err
	}

	next.stubIndex = func() int { return s.repo.indexOfDir(s.dir) }
	return next, nil
}

func (s *fileStub) advance() (*ResponseConfig, error) {
	meta, err := s.repo.readMeta(s.dir)
	if err != nil {
		return nil, err
	}
	if len(meta.OrderWithRepeats) == 0 {
		response := defaultResponseConfig()
		return &response, nil
	}

	position := meta.NextIndex % len(meta.OrderWithRepeats)
	file := meta.ResponseFiles[meta.OrderWithRepeats[position]]
	meta.NextIndex = (position + 1) % len(meta.OrderWithRepeats)
	if err := s.repo.writeMeta(s.dir, meta); err != nil {
		return nil, err
	}

	var response ResponseConfig
	if err := readJSONFile(filepath.Join(s.repo.dir, s.dir, file), &response); err != nil {
		return nil, err
	}
	return &response, nil
}

func (s *fileStub) DeleteResponsesMatching(filter func(ResponseConfig) bool) error {
	s.repo.mu.Lock()
	defer s.repo.mu.Unlock()

	meta, err := s.repo.readMeta(s.dir)
	if err != nil {
		return err
	}
	var kept []ResponseConfig
	var keptFiles []string
	for _, file := range meta.ResponseFiles {
		path := filepath.Join(s.repo.dir, s.dir, file)
		var response ResponseConfig
		if err := readJSONFile(path, &response); err != nil {
			return err
		}
		if filter(response) {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			continue
		}
		kept = append(kept, response)
		keptFiles = append(keptFiles, file)
	}

	meta.ResponseFiles = keptFiles
	if meta.ResponseFiles == nil {
		meta.ResponseFiles = []string{}
	}
	meta.OrderWithRepeats = orderWithRepeats(kept)
	if meta.NextIndex >= len(meta.OrderWithRepeats) {
		meta.NextIndex = 0
	}
	return s.repo.writeMeta(s.dir, meta)
}

func (s *fileStub) RecordMatch(request *Request, response *Response, responseConfig *ResponseConfig, processingTime int64) error {
	match := Match{
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		Request:        request,
		Response:       response,
		ResponseConfig: responseConfig,
		ProcessingTime: processingTime,
	}
	return writeJSONFile(filepath.Join(s.repo.dir, s.dir, "matches", timestampedName()), match)
}

// timestampedName returns a file name that sorts in creation order
func timestampedName() string {
	return fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), uuid.NewString())
}

func readJSONFile(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// writeJSONFile writes v atomically through a temporary file and rename
func writeJSONFile(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// readJSONDir calls fn with the contents of every JSON file in dir, in name
// order. A missing directory is empty.
func readJSONDir(dir string, fn func(data []byte) error) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".json" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if err := fn(data); err != nil {
			return err
		}
	}
	return nil
}
