package models

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/mountebank-testing/imposters/internal/util"
)

// DataStore decides where imposter stubs live and persists imposter headers
type DataStore interface {
	// StubsFor returns the stub repository for the imposter on port
	StubsFor(port int) StubRepository

	// Load returns every persisted imposter, stubs included
	Load() ([]*ImposterConfig, error)

	// Save persists an imposter header
	Save(imposter *Imposter) error

	// Delete removes an imposter from the store
	Delete(port int) error

	// DeleteAll removes all imposters from the store
	DeleteAll() error
}

// MemoryDataStore keeps stubs in memory and persists nothing
type MemoryDataStore struct{}

func (s *MemoryDataStore) StubsFor(int) StubRepository      { return NewMemoryStubRepository() }
func (s *MemoryDataStore) Load() ([]*ImposterConfig, error) { return nil, nil }
func (s *MemoryDataStore) Save(*Imposter) error             { return nil }
func (s *MemoryDataStore) Delete(int) error                 { return nil }
func (s *MemoryDataStore) DeleteAll() error                 { return nil }

// FileSystemDataStore keeps each imposter in a FileStubRepository under
// <datadir>/<port>
type FileSystemDataStore struct {
	datadir string
	logger  *util.Logger
}

// NewFileSystemDataStore creates a new file system data store
func NewFileSystemDataStore(datadir string, logger *util.Logger) *FileSystemDataStore {
	return &FileSystemDataStore{
		datadir: datadir,
		logger:  logger,
	}
}

func (s *FileSystemDataStore) repositoryFor(port int) *FileStubRepository {
	return NewFileStubRepository(filepath.Join(s.datadir, strconv.Itoa(port)), s.logger)
}

// StubsFor returns the file-backed repository for port
func (s *FileSystemDataStore) StubsFor(port int) StubRepository {
	return s.repositoryFor(port)
}

// Load reads every imposter directory under the datadir
func (s *FileSystemDataStore) Load() ([]*ImposterConfig, error) {
	entries, err := os.ReadDir(s.datadir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	ports := make([]int, 0, len(entries))
	for _, entry := range entries {
		port, err := strconv.Atoi(entry.Name())
		if err != nil || !entry.IsDir() {
			continue
		}
		ports = append(ports, port)
	}
	sort.Ints(ports)

	var configs []*ImposterConfig
	for _, port := range ports {
		repo := s.repositoryFor(port)
		header, err := repo.LoadHeader()
		if err != nil {
			s.logger.Errorf("Failed to read imposter in %s: %v", repo.Dir(), err)
			continue
		}
		if len(header) == 0 {
			continue
		}

		var config ImposterConfig
		if err := util.CloneInto(header, &config); err != nil {
			s.logger.Errorf("Failed to parse imposter in %s: %v", repo.Dir(), err)
			continue
		}
		if config.Stubs, err = repo.All(); err != nil {
			s.logger.Errorf("Failed to read stubs in %s: %v", repo.Dir(), err)
			continue
		}
		configs = append(configs, &config)
	}
	return configs, nil
}

// Save writes the imposter header next to its stubs
func (s *FileSystemDataStore) Save(imposter *Imposter) error {
	config := imposter.Config()
	config.Stubs = nil

	header := map[string]interface{}{}
	if err := util.CloneInto(config, &header); err != nil {
		return err
	}
	return s.repositoryFor(config.Port).SaveHeader(header)
}

// Delete removes an imposter directory
func (s *FileSystemDataStore) Delete(port int) error {
	return os.RemoveAll(s.repositoryFor(port).Dir())
}

// DeleteAll removes every imposter directory
func (s *FileSystemDataStore) DeleteAll() error {
	entries, err := os.ReadDir(s.datadir)
	if err != nil {
		return nil
	}

	for _, entry := range entries {
		if _, err := strconv.Atoi(entry.Name()); err != nil || !entry.IsDir() {
			continue
		}
		dir := filepath.Join(s.datadir, entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Errorf("Failed to remove imposter directory %s: %v", dir, err)
		}
	}
	return nil
}
