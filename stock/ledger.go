/*
ledger.go - Material ledger: CurrentStock plus its append-only history

PURPOSE:
  The Ledger is the only way CurrentStock changes. Every change is one
  guarded write (stock never goes below zero) followed by a history entry
  that records the signed delta and the resulting stock.

CRITICAL INVARIANTS:
  1. NON-NEGATIVE: CurrentStock >= 0 after every write.
  2. APPEND-ONLY: History entries are never edited or removed.
  3. REPLAYABLE: OpeningStock + Σ Delta(history after opening) == CurrentStock.

EXAMPLE FLOW:
  1. Material opened with 100 units:   Delta +100, StockAfter 100
  2. 70 units allocated to machines:   Delta  -70, StockAfter  30
  3. 30 units returned from machine A: Delta  +30, StockAfter  60

SEE ALSO:
  - store.go: AdjustStock contract
  - audit.go: replays the history to verify the invariants
*/
package stock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Ledger wraps a MaterialStore with stock movement semantics.
type Ledger struct {
	Store MaterialStore
	Now   func() time.Time
}

func NewLedger(store MaterialStore) *Ledger {
	return &Ledger{Store: store, Now: time.Now}
}

// Open creates a material with its opening history entry.
// OpeningStock is taken from CurrentStock.
func (l *Ledger) Open(ctx context.Context, m Material, actor *UserID) (*Material, error) {
	if m.CurrentStock < 0 {
		return nil, &AmountError{Amount: m.CurrentStock}
	}
	now := l.Now().UTC()
	m.OpeningStock = m.CurrentStock
	m.CreatedAt = now
	m.UpdatedAt = now
	m.History = []MaterialHistoryEntry{{
		ChangeDate:  now,
		Description: fmt.Sprintf("Opening stock of %d unit(s).", m.CurrentStock),
		ChangedBy:   actor,
		Delta:       m.CurrentStock,
		StockAfter:  m.CurrentStock,
	}}
	if err := l.Store.CreateMaterial(ctx, m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Debit removes units from CurrentStock. units must be positive.
func (l *Ledger) Debit(ctx context.Context, id MaterialID, units int64, description string, actor *UserID) (int64, error) {
	if units <= 0 {
		return 0, &AmountError{Amount: units}
	}
	return l.Apply(ctx, id, -units, description, actor)
}

// Credit returns units to CurrentStock. units must be positive.
func (l *Ledger) Credit(ctx context.Context, id MaterialID, units int64, description string, actor *UserID) (int64, error) {
	if units <= 0 {
		return 0, &AmountError{Amount: units}
	}
	return l.Apply(ctx, id, units, description, actor)
}

// Apply moves CurrentStock by a signed delta and records it.
// A zero delta still appends an entry, so aggregate operations stay visible.
func (l *Ledger) Apply(ctx context.Context, id MaterialID, delta int64, description string, actor *UserID) (int64, error) {
	entry := MaterialHistoryEntry{
		ChangeDate:  l.Now().UTC(),
		Description: description,
		ChangedBy:   actor,
	}

	stockAfter, err := l.Store.AdjustStock(ctx, id, delta, entry)
	if err == nil {
		return stockAfter, nil
	}
	if !errors.Is(err, ErrInsufficientStock) {
		return 0, err
	}

	// Guard failed: report what was actually available.
	shortErr := &InsufficientStockError{MaterialID: id, Requested: -delta}
	if m, getErr := l.Store.GetMaterial(ctx, id); getErr == nil {
		shortErr.Available = m.CurrentStock
	}
	return 0, shortErr
}

// Replay recomputes the stock level from a history, oldest first.
func Replay(history []MaterialHistoryEntry) int64 {
	var stock int64
	for _, e := range history {
		stock += e.Delta
	}
	return stock
}
