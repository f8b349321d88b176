/*
store.go - Persistence interfaces for materials, allocations, and identities

PURPOSE:
  Defines the boundary between the allocation rules and the database.
  Implementations live in stock/store (memory), store/sqlite and
  store/postgres.

KEY INTERFACES:
  MaterialStore:   Material rows and their append-only history
  AllocationStore: One record per (material, machine), with history
  DirectoryStore:  Machines and users referenced by allocations
  TxStore:         Store plus WithTx for atomic multi-entity writes

GUARDED WRITES:
  No store exposes a "set CurrentStock" method. Stock only moves through
  AdjustStock, which must apply the delta only when the result stays >= 0
  (compare-and-swap in one statement), and SetAllocatedStock, which must
  apply only when the record still holds entry.PreviousStock.

APPEND-ONLY HISTORY:
  History entries are only ever inserted. There is no method to edit or
  delete them, nor to delete materials or allocation records.

SEE ALSO:
  - ledger.go: Higher-level material ledger on top of MaterialStore
  - allocation.go: Engine running inside TxStore.WithTx
*/
package stock

import "context"

// =============================================================================
// MATERIAL STORE
// =============================================================================

type MaterialStore interface {
	// CreateMaterial inserts a material together with its initial history.
	// Returns ErrDuplicateID if the ID exists.
	CreateMaterial(ctx context.Context, m Material) error

	// GetMaterial returns the material with its full history.
	// Returns ErrMaterialNotFound if missing. Inside WithTx, implementations
	// that support row locks lock the material until the transaction ends.
	GetMaterial(ctx context.Context, id MaterialID) (*Material, error)

	// ListMaterials returns all materials ordered by creation, without history.
	ListMaterials(ctx context.Context) ([]Material, error)

	// AdjustStock adds delta to CurrentStock if and only if the result is
	// non-negative, then appends entry with Delta and StockAfter filled in.
	// Returns the new stock, ErrInsufficientStock when the guard fails, or
	// ErrMaterialNotFound.
	AdjustStock(ctx context.Context, id MaterialID, delta int64, entry MaterialHistoryEntry) (int64, error)
}

// =============================================================================
// ALLOCATION STORE
// =============================================================================

type AllocationStore interface {
	// CreateAllocation inserts a record with its initial history.
	// Returns ErrDuplicateAllocation if the (material, machine) pair exists.
	CreateAllocation(ctx context.Context, rec AllocationRecord) error

	// GetAllocation returns ErrAllocationNotFound if missing.
	GetAllocation(ctx context.Context, id AllocationID) (*AllocationRecord, error)

	// FindAllocation returns the record for a pair, or nil if none exists.
	FindAllocation(ctx context.Context, materialID MaterialID, machineID MachineID) (*AllocationRecord, error)

	// SetAllocatedStock moves AllocatedStock from entry.PreviousStock to
	// entry.NewStock and appends entry. Returns ErrConcurrentModification
	// if the record no longer holds entry.PreviousStock.
	SetAllocatedStock(ctx context.Context, id AllocationID, entry AllocationHistoryEntry) error

	// ListAllocations returns matching records (with history) ordered by creation.
	ListAllocations(ctx context.Context, filter AllocationFilter) ([]AllocationRecord, error)
}

// AllocationFilter narrows ListAllocations. Nil fields match everything.
type AllocationFilter struct {
	MaterialID *MaterialID
	MachineID  *MachineID
}

// =============================================================================
// DIRECTORY STORE - Identities referenced by the ledger
// =============================================================================

type DirectoryStore interface {
	CreateMachine(ctx context.Context, m Machine) error
	// GetMachine returns ErrMachineNotFound if missing.
	GetMachine(ctx context.Context, id MachineID) (*Machine, error)
	ListMachines(ctx context.Context) ([]Machine, error)

	CreateUser(ctx context.Context, u User) error
	// GetUser returns (nil, nil) if the user does not exist.
	GetUser(ctx context.Context, id UserID) (*User, error)
}

// Store is everything the ledger persists.
type Store interface {
	MaterialStore
	AllocationStore
	DirectoryStore
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the given Store is
	// rolled back. If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Resetter is implemented by stores that can wipe all data.
// Only used by demo scenarios.
type Resetter interface {
	Reset(ctx context.Context) error
}
