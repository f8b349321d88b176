// Package store provides an in-memory stock.TxStore.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/warp/stock-engine/stock"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a stock.TxStore backed by maps. Every method takes the lock;
// WithTx holds the write lock for the whole function, so transactions are
// serialised.
type Memory struct {
	mu sync.RWMutex
	st *state
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

type pair struct {
	MaterialID stock.MaterialID
	MachineID  stock.MachineID
}

// state holds the data and implements stock.Store without locking.
type state struct {
	materials       map[stock.MaterialID]stock.Material
	materialOrder   []stock.MaterialID
	allocations     map[stock.AllocationID]stock.AllocationRecord
	allocationOrder []stock.AllocationID
	pairs           map[pair]stock.AllocationID
	machines        map[stock.MachineID]stock.Machine
	machineOrder    []stock.MachineID
	users           map[stock.UserID]stock.User
}

func newState() *state {
	return &state{
		materials:   make(map[stock.MaterialID]stock.Material),
		allocations: make(map[stock.AllocationID]stock.AllocationRecord),
		pairs:       make(map[pair]stock.AllocationID),
		machines:    make(map[stock.MachineID]stock.Machine),
		users:       make(map[stock.UserID]stock.User),
	}
}

// =============================================================================
// LOCKED ACCESSORS
// =============================================================================

func (m *Memory) CreateMaterial(ctx context.Context, mat stock.Material) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.CreateMaterial(ctx, mat)
}

func (m *Memory) GetMaterial(ctx context.Context, id stock.MaterialID) (*stock.Material, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetMaterial(ctx, id)
}

func (m *Memory) ListMaterials(ctx context.Context) ([]stock.Material, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListMaterials(ctx)
}

func (m *Memory) AdjustStock(ctx context.Context, id stock.MaterialID, delta int64, entry stock.MaterialHistoryEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.AdjustStock(ctx, id, delta, entry)
}

func (m *Memory) CreateAllocation(ctx context.Context, rec stock.AllocationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.CreateAllocation(ctx, rec)
}

func (m *Memory) GetAllocation(ctx context.Context, id stock.AllocationID) (*stock.AllocationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetAllocation(ctx, id)
}

func (m *Memory) FindAllocation(ctx context.Context, materialID stock.MaterialID, machineID stock.MachineID) (*stock.AllocationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.FindAllocation(ctx, materialID, machineID)
}

func (m *Memory) SetAllocatedStock(ctx context.Context, id stock.AllocationID, entry stock.AllocationHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SetAllocatedStock(ctx, id, entry)
}

func (m *Memory) ListAllocations(ctx context.Context, filter stock.AllocationFilter) ([]stock.AllocationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListAllocations(ctx, filter)
}

func (m *Memory) CreateMachine(ctx context.Context, mac stock.Machine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.CreateMachine(ctx, mac)
}

func (m *Memory) GetMachine(ctx context.Context, id stock.MachineID) (*stock.Machine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetMachine(ctx, id)
}

func (m *Memory) ListMachines(ctx context.Context) ([]stock.Machine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListMachines(ctx)
}

func (m *Memory) CreateUser(ctx context.Context, u stock.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.CreateUser(ctx, u)
}

func (m *Memory) GetUser(ctx context.Context, id stock.UserID) (*stock.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetUser(ctx, id)
}

// Reset drops all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = newState()
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// Simulated with a snapshot + rollback on error or panic.
func (m *Memory) WithTx(_ context.Context, fn func(stock.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	defer func() {
		if r := recover(); r != nil {
			m.st = snapshot
			panic(r)
		}
	}()
	if err := fn(m.st); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.materials {
		c.materials[k] = cloneMaterial(v)
	}
	c.materialOrder = append([]stock.MaterialID(nil), s.materialOrder...)
	for k, v := range s.allocations {
		c.allocations[k] = cloneRecord(v)
	}
	c.allocationOrder = append([]stock.AllocationID(nil), s.allocationOrder...)
	for k, v := range s.pairs {
		c.pairs[k] = v
	}
	for k, v := range s.machines {
		c.machines[k] = v
	}
	c.machineOrder = append([]stock.MachineID(nil), s.machineOrder...)
	for k, v := range s.users {
		c.users[k] = v
	}
	return c
}

// =============================================================================
// UNLOCKED STORE (stock.Store)
// =============================================================================

func (s *state) CreateMaterial(_ context.Context, m stock.Material) error {
	if _, ok := s.materials[m.ID]; ok {
		return stock.ErrDuplicateID
	}
	s.materials[m.ID] = cloneMaterial(m)
	s.materialOrder = append(s.materialOrder, m.ID)
	return nil
}

func (s *state) GetMaterial(_ context.Context, id stock.MaterialID) (*stock.Material, error) {
	m, ok := s.materials[id]
	if !ok {
		return nil, stock.ErrMaterialNotFound
	}
	c := cloneMaterial(m)
	return &c, nil
}

func (s *state) ListMaterials(_ context.Context) ([]stock.Material, error) {
	result := make([]stock.Material, 0, len(s.materialOrder))
	for _, id := range s.materialOrder {
		m := s.materials[id]
		m.History = nil
		result = append(result, m)
	}
	return result, nil
}

func (s *state) AdjustStock(_ context.Context, id stock.MaterialID, delta int64, entry stock.MaterialHistoryEntry) (int64, error) {
	m, ok := s.materials[id]
	if !ok {
		return 0, stock.ErrMaterialNotFound
	}
	if m.CurrentStock+delta < 0 {
		return 0, stock.ErrInsufficientStock
	}
	m.CurrentStock += delta
	m.UpdatedAt = entry.ChangeDate
	entry.Delta = delta
	entry.StockAfter = m.CurrentStock
	m.History = append(append([]stock.MaterialHistoryEntry(nil), m.History...), entry)
	s.materials[id] = m
	return m.CurrentStock, nil
}

func (s *state) CreateAllocation(_ context.Context, rec stock.AllocationRecord) error {
	k := pair{MaterialID: rec.MaterialID, MachineID: rec.MachineID}
	if _, ok := s.pairs[k]; ok {
		return stock.ErrDuplicateAllocation
	}
	if _, ok := s.allocations[rec.ID]; ok {
		return stock.ErrDuplicateID
	}
	s.allocations[rec.ID] = cloneRecord(rec)
	s.allocationOrder = append(s.allocationOrder, rec.ID)
	s.pairs[k] = rec.ID
	return nil
}

func (s *state) GetAllocation(_ context.Context, id stock.AllocationID) (*stock.AllocationRecord, error) {
	rec, ok := s.allocations[id]
	if !ok {
		return nil, stock.ErrAllocationNotFound
	}
	c := cloneRecord(rec)
	return &c, nil
}

func (s *state) FindAllocation(_ context.Context, materialID stock.MaterialID, machineID stock.MachineID) (*stock.AllocationRecord, error) {
	id, ok := s.pairs[pair{MaterialID: materialID, MachineID: machineID}]
	if !ok {
		return nil, nil
	}
	c := cloneRecord(s.allocations[id])
	return &c, nil
}

func (s *state) SetAllocatedStock(_ context.Context, id stock.AllocationID, entry stock.AllocationHistoryEntry) error {
	rec, ok := s.allocations[id]
	if !ok {
		return stock.ErrAllocationNotFound
	}
	if rec.AllocatedStock != entry.PreviousStock {
		return stock.ErrConcurrentModification
	}
	rec.AllocatedStock = entry.NewStock
	rec.UpdatedAt = entry.Date
	rec.History = append(append([]stock.AllocationHistoryEntry(nil), rec.History...), entry)
	s.allocations[id] = rec
	return nil
}

func (s *state) ListAllocations(_ context.Context, filter stock.AllocationFilter) ([]stock.AllocationRecord, error) {
	var result []stock.AllocationRecord
	for _, id := range s.allocationOrder {
		rec := s.allocations[id]
		if filter.MaterialID != nil && rec.MaterialID != *filter.MaterialID {
			continue
		}
		if filter.MachineID != nil && rec.MachineID != *filter.MachineID {
			continue
		}
		result = append(result, cloneRecord(rec))
	}
	return result, nil
}

func (s *state) CreateMachine(_ context.Context, m stock.Machine) error {
	if _, ok := s.machines[m.ID]; ok {
		return stock.ErrDuplicateID
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.machines[m.ID] = m
	s.machineOrder = append(s.machineOrder, m.ID)
	return nil
}

func (s *state) GetMachine(_ context.Context, id stock.MachineID) (*stock.Machine, error) {
	m, ok := s.machines[id]
	if !ok {
		return nil, stock.ErrMachineNotFound
	}
	return &m, nil
}

func (s *state) ListMachines(_ context.Context) ([]stock.Machine, error) {
	result := make([]stock.Machine, 0, len(s.machineOrder))
	for _, id := range s.machineOrder {
		result = append(result, s.machines[id])
	}
	return result, nil
}

func (s *state) CreateUser(_ context.Context, u stock.User) error {
	if _, ok := s.users[u.ID]; ok {
		return stock.ErrDuplicateID
	}
	s.users[u.ID] = u
	return nil
}

func (s *state) GetUser(_ context.Context, id stock.UserID) (*stock.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func cloneMaterial(m stock.Material) stock.Material {
	m.History = append([]stock.MaterialHistoryEntry(nil), m.History...)
	return m
}

func cloneRecord(r stock.AllocationRecord) stock.AllocationRecord {
	r.History = append([]stock.AllocationHistoryEntry(nil), r.History...)
	return r
}
