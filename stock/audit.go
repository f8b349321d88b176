/*
audit.go - Conservation checks over the material ledger

PURPOSE:
  Verifies, from persisted state only, that stock was neither created nor
  lost while moving between a material's pool and its allocation records.

CHECKS (per material):
  1. Ledger replay:   Σ history Delta == CurrentStock
  2. Conservation:    CurrentStock + Σ AllocatedStock == OpeningStock
  3. Record replay:   each record's last history NewStock == AllocatedStock
  4. Reorder:         CurrentStock < MinimumStock is reported, not an error

  Audits never write. A failed check is a finding on the report, so one
  broken material does not hide the others.

SEE ALSO:
  - ledger.go: Replay
  - api/scheduler.go: periodic audit runs
*/
package stock

import (
	"context"
	"fmt"
	"time"
)

// AuditReport is the outcome of checking one material.
type AuditReport struct {
	MaterialID     MaterialID
	MaterialName   string
	CheckedAt      time.Time
	OpeningStock   int64
	CurrentStock   int64
	ReplayedStock  int64
	TotalAllocated int64
	MinimumStock   int64
	BelowMinimum   bool
	Findings       []string
}

// Consistent reports whether every conservation check passed.
func (r AuditReport) Consistent() bool {
	return len(r.Findings) == 0
}

// Auditor checks materials against the conservation invariant.
type Auditor struct {
	Store Store
	Now   func() time.Time
}

func NewAuditor(store Store) *Auditor {
	return &Auditor{Store: store, Now: time.Now}
}

// Check audits a single material.
func (a *Auditor) Check(ctx context.Context, id MaterialID) (*AuditReport, error) {
	m, err := a.Store.GetMaterial(ctx, id)
	if err != nil {
		return nil, err
	}
	records, err := a.Store.ListAllocations(ctx, AllocationFilter{MaterialID: &id})
	if err != nil {
		return nil, err
	}

	report := &AuditReport{
		MaterialID:    m.ID,
		MaterialName:  m.Name,
		CheckedAt:     a.Now().UTC(),
		OpeningStock:  m.OpeningStock,
		CurrentStock:  m.CurrentStock,
		ReplayedStock: Replay(m.History),
		MinimumStock:  m.MinimumStock,
		BelowMinimum:  m.BelowMinimum(),
	}

	if report.ReplayedStock != m.CurrentStock {
		report.Findings = append(report.Findings, fmt.Sprintf(
			"history replays to %d but current stock is %d", report.ReplayedStock, m.CurrentStock))
	}
	if m.CurrentStock < 0 {
		report.Findings = append(report.Findings, fmt.Sprintf("current stock is negative (%d)", m.CurrentStock))
	}

	overflow := false
	for _, r := range records {
		if total, ok := addInt64(report.TotalAllocated, r.AllocatedStock); ok && !overflow {
			report.TotalAllocated = total
		} else if !overflow {
			overflow = true
			report.Findings = append(report.Findings, fmt.Sprintf(
				"allocated total overflows int64 at allocation %s (%d units)", r.ID, r.AllocatedStock))
		}
		if n := len(r.History); n > 0 && r.History[n-1].NewStock != r.AllocatedStock {
			report.Findings = append(report.Findings, fmt.Sprintf(
				"allocation %s holds %d but its history ends at %d", r.ID, r.AllocatedStock, r.History[n-1].NewStock))
		}
	}

	if !overflow {
		total, ok := addInt64(m.CurrentStock, report.TotalAllocated)
		switch {
		case !ok:
			report.Findings = append(report.Findings, fmt.Sprintf(
				"current %d + allocated %d overflows int64, expected opening stock %d",
				m.CurrentStock, report.TotalAllocated, m.OpeningStock))
		case total != m.OpeningStock:
			report.Findings = append(report.Findings, fmt.Sprintf(
				"current %d + allocated %d = %d, expected opening stock %d",
				m.CurrentStock, report.TotalAllocated, total, m.OpeningStock))
		}
	}

	return report, nil
}

// CheckAll audits every material.
func (a *Auditor) CheckAll(ctx context.Context) ([]AuditReport, error) {
	materials, err := a.Store.ListMaterials(ctx)
	if err != nil {
		return nil, err
	}
	reports := make([]AuditReport, 0, len(materials))
	for _, m := range materials {
		r, err := a.Check(ctx, m.ID)
		if err != nil {
			return nil, fmt.Errorf("audit material %s: %w", m.ID, err)
		}
		reports = append(reports, *r)
	}
	return reports, nil
}

// addInt64 returns a+b and false when the sum does not fit in an int64.
func addInt64(a, b int64) (int64, bool) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, false
	}
	return sum, true
}
