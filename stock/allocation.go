/*
allocation.go - Allocation engine: reserve, reallocate, and return stock

PURPOSE:
  Moves a material's stock between the shared pool (Material.CurrentStock)
  and per-machine reservations (AllocationRecord.AllocatedStock), keeping
  both audit logs in step.

OPERATIONS:
  AllocateStock:    Set the reservation of one or more machines for a
                    material. New pairs get a record; existing pairs are
                    updated in place (never duplicated).
  UpdateAllocation: Set one record to a new amount. A lower amount returns
                    the difference to the pool; this is the only return path.

ATOMICITY:
  Each call runs inside TxStore.WithTx. The availability check, every
  record write, and the guarded debit of CurrentStock either all commit or
  all roll back. Two concurrent calls against the same material cannot both
  pass the check on a stale value: the final AdjustStock refuses to go
  below zero, which fails and rolls back the whole call.

AMOUNT SEMANTICS:
  An allocation line's Amount is the machine's new reservation. The pool is
  charged the difference from the previous reservation, so reallocating
  40 -> 50 takes 10 units, and 40 -> 25 gives 15 back.

SEE ALSO:
  - ledger.go: guarded CurrentStock writes
  - query.go: read side
*/
package stock

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

const (
	commentInitialAllocation = "Initial allocation."
	commentReallocation      = "Reallocated."
	commentUpdate            = "Allocation updated."
)

// Engine orchestrates allocations over a transactional store.
type Engine struct {
	Store TxStore
	Now   func() time.Time
	NewID func() string
}

func NewEngine(store TxStore) *Engine {
	return &Engine{
		Store: store,
		Now:   time.Now,
		NewID: uuid.NewString,
	}
}

// =============================================================================
// ALLOCATE
// =============================================================================

// AllocateStock sets the reservation of each requested machine and charges
// the net change to the material's pool. actorID may be empty; an unknown
// actor is dropped from the audit entries rather than failing the call.
func (e *Engine) AllocateStock(ctx context.Context, materialID MaterialID, reqs []AllocationRequest, actorID UserID) (*AllocateResult, error) {
	if len(reqs) == 0 {
		return nil, ErrNoAllocations
	}
	for _, req := range reqs {
		if req.Amount <= 0 {
			return nil, &AmountError{MachineID: req.MachineID, Amount: req.Amount}
		}
	}

	var result *AllocateResult
	err := e.Store.WithTx(ctx, func(s Store) error {
		material, err := s.GetMaterial(ctx, materialID)
		if err != nil {
			return err
		}
		actor := resolveActor(ctx, s, actorID)

		// Plan: load each machine's current reservation and check the
		// running net charge before any write happens.
		records := make(map[MachineID]*AllocationRecord)
		reserved := make(map[MachineID]int64)
		var totalUsed int64
		for _, req := range reqs {
			if _, seen := reserved[req.MachineID]; !seen {
				if _, err := s.GetMachine(ctx, req.MachineID); err != nil {
					return err
				}
				rec, err := s.FindAllocation(ctx, materialID, req.MachineID)
				if err != nil {
					return err
				}
				if rec != nil {
					records[req.MachineID] = rec
					reserved[req.MachineID] = rec.AllocatedStock
				} else {
					reserved[req.MachineID] = 0
				}
			}

			// Compared against the remaining headroom so that huge amounts
			// cannot wrap the running total.
			charge := req.Amount - reserved[req.MachineID]
			if charge > material.CurrentStock-totalUsed {
				requested, ok := addInt64(totalUsed, charge)
				if !ok {
					requested = math.MaxInt64
				}
				return &InsufficientStockError{
					MaterialID: materialID,
					Available:  material.CurrentStock,
					Requested:  requested,
				}
			}
			totalUsed += charge
			reserved[req.MachineID] = req.Amount
		}

		// Write: one record write per line, in input order.
		now := e.Now().UTC()
		touched := make([]MachineID, 0, len(reqs))
		for _, req := range reqs {
			rec, exists := records[req.MachineID]
			if exists {
				entry := AllocationHistoryEntry{
					PreviousStock: rec.AllocatedStock,
					NewStock:      req.Amount,
					Date:          now,
					Comment:       commentReallocation,
					ChangedBy:     actor,
				}
				if err := s.SetAllocatedStock(ctx, rec.ID, entry); err != nil {
					return err
				}
				rec.AllocatedStock = req.Amount
				rec.History = append(rec.History, entry)
				rec.UpdatedAt = now
			} else {
				rec = &AllocationRecord{
					ID:             AllocationID(e.NewID()),
					MaterialID:     materialID,
					MachineID:      req.MachineID,
					AllocatedStock: req.Amount,
					History: []AllocationHistoryEntry{{
						PreviousStock: 0,
						NewStock:      req.Amount,
						Date:          now,
						Comment:       commentInitialAllocation,
						ChangedBy:     actor,
					}},
					CreatedAt: now,
					UpdatedAt: now,
				}
				if err := s.CreateAllocation(ctx, *rec); err != nil {
					return err
				}
				records[req.MachineID] = rec
				touched = append(touched, req.MachineID)
				continue
			}
			if !containsMachine(touched, req.MachineID) {
				touched = append(touched, req.MachineID)
			}
		}

		ledger := &Ledger{Store: s, Now: e.Now}
		updated, err := ledger.Apply(ctx, materialID, -totalUsed, describeAllocation(totalUsed, len(touched)), actor)
		if err != nil {
			return err
		}

		result = &AllocateResult{UpdatedStock: updated, NetCharged: totalUsed}
		for _, machineID := range touched {
			result.Allocations = append(result.Allocations, *records[machineID])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// =============================================================================
// UPDATE / RETURN
// =============================================================================

// UpdateAllocation sets a record to newAmount. Lowering the amount returns
// the difference to the material's pool.
func (e *Engine) UpdateAllocation(ctx context.Context, id AllocationID, newAmount int64, comment string, actorID UserID) (*UpdateResult, error) {
	if newAmount < 0 {
		return nil, &AmountError{Amount: newAmount}
	}
	if comment == "" {
		comment = commentUpdate
	}

	var result *UpdateResult
	err := e.Store.WithTx(ctx, func(s Store) error {
		rec, err := s.GetAllocation(ctx, id)
		if err != nil {
			return err
		}
		material, err := s.GetMaterial(ctx, rec.MaterialID)
		if err != nil {
			return err
		}
		actor := resolveActor(ctx, s, actorID)

		delta := newAmount - rec.AllocatedStock
		if delta > 0 && delta > material.CurrentStock {
			return &InsufficientStockError{
				MaterialID: material.ID,
				Available:  material.CurrentStock,
				Requested:  delta,
			}
		}

		now := e.Now().UTC()
		entry := AllocationHistoryEntry{
			PreviousStock: rec.AllocatedStock,
			NewStock:      newAmount,
			Date:          now,
			Comment:       comment,
			ChangedBy:     actor,
		}
		if err := s.SetAllocatedStock(ctx, rec.ID, entry); err != nil {
			return err
		}
		rec.AllocatedStock = newAmount
		rec.History = append(rec.History, entry)
		rec.UpdatedAt = now

		updated := material.CurrentStock
		if delta != 0 {
			machineName := string(rec.MachineID)
			if machine, err := s.GetMachine(ctx, rec.MachineID); err == nil && machine.Name != "" {
				machineName = machine.Name
			}
			ledger := &Ledger{Store: s, Now: e.Now}
			updated, err = ledger.Apply(ctx, material.ID, -delta, describeUpdate(delta, machineName), actor)
			if err != nil {
				return err
			}
		}

		result = &UpdateResult{Allocation: *rec, UpdatedMaterialStock: updated}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// resolveActor returns the actor to credit in history entries, or nil.
// Lookup failures never fail the surrounding operation.
func resolveActor(ctx context.Context, s DirectoryStore, id UserID) *UserID {
	if id == "" {
		return nil
	}
	user, err := s.GetUser(ctx, id)
	if err != nil || user == nil {
		return nil
	}
	actor := user.ID
	return &actor
}

func describeAllocation(totalUsed int64, machines int) string {
	switch {
	case totalUsed > 0:
		return fmt.Sprintf("Allocated %d unit(s) across %d machine(s).", totalUsed, machines)
	case totalUsed < 0:
		return fmt.Sprintf("Released %d unit(s) by reallocation across %d machine(s).", -totalUsed, machines)
	default:
		return fmt.Sprintf("Reallocated %d machine(s) with no net stock change.", machines)
	}
}

func describeUpdate(delta int64, machine string) string {
	if delta < 0 {
		return fmt.Sprintf("Returned %d unit(s) from machine %s.", -delta, machine)
	}
	return fmt.Sprintf("Allocated %d additional unit(s) to machine %s.", delta, machine)
}

func containsMachine(ids []MachineID, id MachineID) bool {
	for _, m := range ids {
		if m == id {
			return true
		}
	}
	return false
}
