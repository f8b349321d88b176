/*
query.go - Read side of the allocation ledger

PURPOSE:
  Answers the questions the shop floor asks without touching stock:
  which machines hold a material, what a machine has been given over
  time, and what a material's pool is worth. Records come back with the
  material and machine names resolved.

ORDERING:
  Lists follow store order (creation order). Machine history is grouped
  per record, each with its full allocation history.

SEE ALSO:
  - allocation.go: write side
  - audit.go: conservation checks over the same data
*/
package stock

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// VIEWS - Read models with identities resolved for display
// =============================================================================

type MaterialRef struct {
	ID         MaterialID
	Name       string
	PartNumber string
}

type MachineRef struct {
	ID       MachineID
	Name     string
	Location string
}

// AllocationView is an AllocationRecord with its material and machine resolved.
type AllocationView struct {
	AllocationRecord
	Material MaterialRef
	Machine  MachineRef
}

// MachineHistory is the projection returned by GetMachineStockHistory:
// only the material identity and the record history.
type MachineHistory struct {
	AllocationID AllocationID
	Material     MaterialRef
	History      []AllocationHistoryEntry
}

// MaterialSummary is a material with its allocation totals and valuation.
type MaterialSummary struct {
	Material
	TotalAllocated int64
	Allocations    int
	AvailableValue decimal.Decimal
	AllocatedValue decimal.Decimal
}

// =============================================================================
// QUERY SURFACE - Pure reads
// =============================================================================

// Query serves read-only views of the ledger.
type Query struct {
	Store Store
}

func NewQuery(store Store) *Query {
	return &Query{Store: store}
}

// ListAllocations returns every allocation record.
func (q *Query) ListAllocations(ctx context.Context) ([]AllocationView, error) {
	records, err := q.Store.ListAllocations(ctx, AllocationFilter{})
	if err != nil {
		return nil, err
	}
	return q.resolve(ctx, records)
}

// ListAllocationsForMaterial returns the records of one material.
func (q *Query) ListAllocationsForMaterial(ctx context.Context, materialID MaterialID) ([]AllocationView, error) {
	if _, err := q.Store.GetMaterial(ctx, materialID); err != nil {
		return nil, err
	}
	records, err := q.Store.ListAllocations(ctx, AllocationFilter{MaterialID: &materialID})
	if err != nil {
		return nil, err
	}
	return q.resolve(ctx, records)
}

// GetMachineStockHistory projects the history of every record tied to a machine.
func (q *Query) GetMachineStockHistory(ctx context.Context, machineID MachineID) ([]MachineHistory, error) {
	if _, err := q.Store.GetMachine(ctx, machineID); err != nil {
		return nil, err
	}
	records, err := q.Store.ListAllocations(ctx, AllocationFilter{MachineID: &machineID})
	if err != nil {
		return nil, err
	}
	views, err := q.resolve(ctx, records)
	if err != nil {
		return nil, err
	}

	out := make([]MachineHistory, len(views))
	for i, v := range views {
		out[i] = MachineHistory{
			AllocationID: v.ID,
			Material:     v.Material,
			History:      v.History,
		}
	}
	return out, nil
}

// GetMaterial returns a material with its history and allocation totals.
func (q *Query) GetMaterial(ctx context.Context, id MaterialID) (*MaterialSummary, error) {
	m, err := q.Store.GetMaterial(ctx, id)
	if err != nil {
		return nil, err
	}
	records, err := q.Store.ListAllocations(ctx, AllocationFilter{MaterialID: &id})
	if err != nil {
		return nil, err
	}

	summary := &MaterialSummary{Material: *m, Allocations: len(records)}
	for _, r := range records {
		summary.TotalAllocated += r.AllocatedStock
	}
	summary.AvailableValue = m.UnitCost.Mul(decimal.NewFromInt(m.CurrentStock))
	summary.AllocatedValue = m.UnitCost.Mul(decimal.NewFromInt(summary.TotalAllocated))
	return summary, nil
}

func (q *Query) ListMaterials(ctx context.Context) ([]Material, error) {
	return q.Store.ListMaterials(ctx)
}

func (q *Query) ListMachines(ctx context.Context) ([]Machine, error) {
	return q.Store.ListMachines(ctx)
}

// resolve attaches material and machine identities, caching lookups per call.
// A dangling reference resolves to an ID-only ref.
func (q *Query) resolve(ctx context.Context, records []AllocationRecord) ([]AllocationView, error) {
	materials := make(map[MaterialID]MaterialRef)
	machines := make(map[MachineID]MachineRef)

	views := make([]AllocationView, 0, len(records))
	for _, r := range records {
		mat, ok := materials[r.MaterialID]
		if !ok {
			mat = MaterialRef{ID: r.MaterialID}
			m, err := q.Store.GetMaterial(ctx, r.MaterialID)
			switch {
			case err == nil:
				mat.Name, mat.PartNumber = m.Name, m.PartNumber
			case !IsNotFound(err):
				return nil, err
			}
			materials[r.MaterialID] = mat
		}

		mac, ok := machines[r.MachineID]
		if !ok {
			mac = MachineRef{ID: r.MachineID}
			m, err := q.Store.GetMachine(ctx, r.MachineID)
			switch {
			case err == nil:
				mac.Name, mac.Location = m.Name, m.Location
			case !IsNotFound(err):
				return nil, err
			}
			machines[r.MachineID] = mac
		}

		views = append(views, AllocationView{AllocationRecord: r, Material: mat, Machine: mac})
	}
	return views, nil
}
