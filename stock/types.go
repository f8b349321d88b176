/*
Package stock provides the material stock allocation ledger.

PURPOSE:
  A Material has a finite on-hand quantity (CurrentStock). Machines reserve
  portions of that quantity through AllocationRecords. This package owns the
  rules that keep the two sides consistent while stock moves between them.

KEY CONCEPTS IN THIS FILE (types.go):
  - Material: the rationed resource, with its append-only history
  - AllocationRecord: one per (material, machine) pair, with its own history
  - Machine / User: identities referenced by allocations and audit entries
  - AllocationRequest: one (machine, amount) line of an allocation call

CONSERVATION:
  For every material:

    CurrentStock + Σ AllocatedStock == OpeningStock

  Stock leaving the pool shows up, in the same amount, on some record, and
  stock returned from a record shows up back in the pool.

SEE ALSO:
  - ledger.go: guarded writes against CurrentStock
  - allocation.go: AllocateStock / UpdateAllocation
  - audit.go: conservation checks
*/
package stock

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type MaterialID string
type MachineID string
type AllocationID string
type UserID string

// =============================================================================
// MATERIAL - The resource being rationed
// =============================================================================

// Material is a stockable part or consumable.
type Material struct {
	ID         MaterialID
	Name       string
	PartNumber string

	// CurrentStock is the authoritative available count. Never negative.
	CurrentStock int64

	// MinimumStock is the reorder threshold. Informational only.
	MinimumStock int64

	// OpeningStock is the count the material was created with.
	// Used by the auditor as the conservation baseline.
	OpeningStock int64

	UnitCost decimal.Decimal

	// History is append-only, oldest first.
	History []MaterialHistoryEntry

	CreatedAt time.Time
	UpdatedAt time.Time
}

// MaterialHistoryEntry records one stock-affecting event on a material.
type MaterialHistoryEntry struct {
	ChangeDate  time.Time
	Description string
	ChangedBy   *UserID

	// Delta is the signed change applied to CurrentStock.
	Delta int64
	// StockAfter is CurrentStock once Delta was applied.
	StockAfter int64
}

// BelowMinimum reports whether the material needs reordering.
func (m Material) BelowMinimum() bool {
	return m.CurrentStock < m.MinimumStock
}

// =============================================================================
// ALLOCATION RECORD - One per (material, machine) pair
// =============================================================================

// AllocationRecord is the persisted reservation of a material to a machine.
// Material and Machine never change after creation. Records are never
// deleted, even once AllocatedStock is back to zero.
type AllocationRecord struct {
	ID             AllocationID
	MaterialID     MaterialID
	MachineID      MachineID
	AllocatedStock int64
	History        []AllocationHistoryEntry
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AllocationHistoryEntry records one change to a record's AllocatedStock.
type AllocationHistoryEntry struct {
	PreviousStock int64
	NewStock      int64
	Date          time.Time
	Comment       string
	ChangedBy     *UserID
}

// Delta returns the signed stock movement this entry represents.
func (e AllocationHistoryEntry) Delta() int64 {
	return e.NewStock - e.PreviousStock
}

// =============================================================================
// IDENTITIES
// =============================================================================

// Machine is a shop-floor machine that consumes materials.
type Machine struct {
	ID        MachineID
	Name      string
	Location  string
	CreatedAt time.Time
}

// User is an actor that can be credited in audit entries.
type User struct {
	ID    UserID
	Name  string
	Email string
}

// =============================================================================
// REQUESTS & RESULTS
// =============================================================================

// AllocationRequest is one line of an AllocateStock call.
// Amount is the target AllocatedStock for the machine.
type AllocationRequest struct {
	MachineID MachineID
	Amount    int64
}

// AllocateResult is returned by AllocateStock.
type AllocateResult struct {
	UpdatedStock int64
	Allocations  []AllocationRecord

	// NetCharged is what left the pool; negative when reallocation released units.
	NetCharged int64
}

// UpdateResult is returned by UpdateAllocation.
type UpdateResult struct {
	Allocation           AllocationRecord
	UpdatedMaterialStock int64
}
