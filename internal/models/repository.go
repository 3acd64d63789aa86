package models

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mountebank-testing/imposters/internal/metrics"
	"github.com/mountebank-testing/imposters/internal/util"
)

// ImposterRepository holds the running imposters by port and mirrors them
// into a DataStore
type ImposterRepository struct {
	mu        sync.RWMutex
	byPort    map[int]*Imposter
	logger    *util.Logger
	dataStore DataStore
}

// NewImposterRepository creates a repository; a nil store keeps nothing
func NewImposterRepository(logger *util.Logger, dataStore DataStore) *ImposterRepository {
	if dataStore == nil {
		dataStore = &MemoryDataStore{}
	}
	return &ImposterRepository{
		byPort:    map[int]*Imposter{},
		logger:    logger,
		dataStore: dataStore,
	}
}

// DataStore returns the store imposters are persisted in
func (ir *ImposterRepository) DataStore() DataStore {
	return ir.dataStore
}

// Save persists the imposter header to the data store
func (ir *ImposterRepository) Save(imposter *Imposter) error {
	return ir.dataStore.Save(imposter)
}

// Add registers a started imposter. A second imposter on the same port is
// a conflict.
func (ir *ImposterRepository) Add(imposter *Imposter) error {
	port := imposter.Port()

	ir.mu.Lock()
	if _, taken := ir.byPort[port]; taken {
		ir.mu.Unlock()
		return util.NewResourceConflictError(fmt.Sprintf("port %d is already in use", port), port)
	}
	ir.byPort[port] = imposter
	ir.updateGauge()
	ir.mu.Unlock()

	if err := ir.Save(imposter); err != nil {
		ir.logger.Errorf("Cannot persist imposter %d: %v", port, err)
	}
	ir.logger.Infof("Added imposter on port %d", port)
	return nil
}

// Get returns the imposter on port
func (ir *ImposterRepository) Get(port int) (*Imposter, error) {
	ir.mu.RLock()
	defer ir.mu.RUnlock()

	if imposter, ok := ir.byPort[port]; ok {
		return imposter, nil
	}
	return nil, missingImposter(port)
}

// Exists reports whether an imposter runs on port
func (ir *ImposterRepository) Exists(port int) bool {
	ir.mu.RLock()
	defer ir.mu.RUnlock()
	_, ok := ir.byPort[port]
	return ok
}

// GetAll returns the imposters ordered by port
func (ir *ImposterRepository) GetAll() []*Imposter {
	ir.mu.RLock()
	defer ir.mu.RUnlock()
	return sortedByPort(ir.byPort)
}

// Delete stops the imposter on port and forgets it
func (ir *ImposterRepository) Delete(port int) (*Imposter, error) {
	ir.mu.Lock()
	imposter, ok := ir.byPort[port]
	if !ok {
		ir.mu.Unlock()
		return nil, missingImposter(port)
	}
	delete(ir.byPort, port)
	ir.updateGauge()
	ir.mu.Unlock()

	ir.stop(imposter)
	if err := ir.dataStore.Delete(port); err != nil {
		ir.logger.Errorf("Cannot remove imposter %d from the data store: %v", port, err)
	}
	ir.logger.Infof("Deleted imposter on port %d", port)
	return imposter, nil
}

// DeleteAll stops and forgets every imposter, returning them by port
func (ir *ImposterRepository) DeleteAll() ([]*Imposter, error) {
	ir.mu.Lock()
	removed := sortedByPort(ir.byPort)
	ir.byPort = map[int]*Imposter{}
	ir.updateGauge()
	ir.mu.Unlock()

	for _, imposter := range removed {
		ir.stop(imposter)
	}
	if err := ir.dataStore.DeleteAll(); err != nil {
		ir.logger.Errorf("Cannot clear the data store: %v", err)
	}
	ir.logger.Infof("Deleted %d imposters", len(removed))
	return removed, nil
}

// StopAll closes every imposter's listener but keeps them registered and
// persisted, so a restart can restore them
func (ir *ImposterRepository) StopAll() {
	for _, imposter := range ir.GetAll() {
		ir.stop(imposter)
	}
}

func (ir *ImposterRepository) stop(imposter *Imposter) {
	if err := imposter.Stop(); err != nil {
		ir.logger.Errorf("Cannot stop imposter %d: %v", imposter.Port(), err)
	}
}

// updateGauge must be called with mu held
func (ir *ImposterRepository) updateGauge() {
	metrics.ImpostersActive.Set(float64(len(ir.byPort)))
}

func missingImposter(port int) error {
	return util.NewMissingResourceError(fmt.Sprintf("imposter not found on port %d", port), port)
}

func sortedByPort(imposters map[int]*Imposter) []*Imposter {
	ports := make([]int, 0, len(imposters))
	for port := range imposters {
		ports = append(ports, port)
	}
	sort.Ints(ports)

	result := make([]*Imposter, 0, len(ports))
	for _, port := range ports {
		result = append(result, imposters[port])
	}
	return result
}
