package stock_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-engine/stock"
	"github.com/warp/stock-engine/stock/store"
)

// =============================================================================
// FIXTURE
// =============================================================================

var fixedNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type fixture struct {
	ctx    context.Context
	store  *store.Memory
	engine *stock.Engine
	query  *stock.Query
}

// newFixture opens material M1 with the given stock and registers
// machines A, B, C and user U1.
func newFixture(t *testing.T, opening int64) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()

	ledger := stock.NewLedger(mem)
	ledger.Now = func() time.Time { return fixedNow }
	_, err := ledger.Open(ctx, stock.Material{
		ID:           "M1",
		Name:         "M8 hex bolt",
		PartNumber:   "HB-M8-40",
		CurrentStock: opening,
		MinimumStock: 10,
	}, nil)
	require.NoError(t, err)

	for _, id := range []stock.MachineID{"A", "B", "C"} {
		require.NoError(t, mem.CreateMachine(ctx, stock.Machine{ID: id, Name: "Press " + string(id)}))
	}
	require.NoError(t, mem.CreateUser(ctx, stock.User{ID: "U1", Name: "Operator"}))

	engine := stock.NewEngine(mem)
	engine.Now = func() time.Time { return fixedNow }
	n := 0
	engine.NewID = func() string {
		n++
		return fmt.Sprintf("alloc-%d", n)
	}

	return &fixture{ctx: ctx, store: mem, engine: engine, query: stock.NewQuery(mem)}
}

func (f *fixture) currentStock(t *testing.T) int64 {
	t.Helper()
	m, err := f.store.GetMaterial(f.ctx, "M1")
	require.NoError(t, err)
	return m.CurrentStock
}

func (f *fixture) allocated(t *testing.T) int64 {
	t.Helper()
	id := stock.MaterialID("M1")
	records, err := f.store.ListAllocations(f.ctx, stock.AllocationFilter{MaterialID: &id})
	require.NoError(t, err)
	var total int64
	for _, r := range records {
		total += r.AllocatedStock
	}
	return total
}

func (f *fixture) assertConserved(t *testing.T, opening int64) {
	t.Helper()
	assert.Equal(t, opening, f.currentStock(t)+f.allocated(t), "current + allocated must equal opening stock")
}

func alloc(machine stock.MachineID, amount int64) stock.AllocationRequest {
	return stock.AllocationRequest{MachineID: machine, Amount: amount}
}

// =============================================================================
// ALLOCATE STOCK
// =============================================================================

func TestAllocateStock_WorkedExample(t *testing.T) {
	// GIVEN: M1 with 100 units
	f := newFixture(t, 100)

	// WHEN: A gets 40 and B gets 30
	res, err := f.engine.AllocateStock(f.ctx, "M1", []stock.AllocationRequest{alloc("A", 40), alloc("B", 30)}, "")
	require.NoError(t, err)

	// THEN: 30 left, two records
	assert.Equal(t, int64(30), res.UpdatedStock)
	require.Len(t, res.Allocations, 2)
	assert.Equal(t, int64(40), res.Allocations[0].AllocatedStock)
	assert.Equal(t, int64(30), res.Allocations[1].AllocatedStock)
	f.assertConserved(t, 100)

	// WHEN: A is lowered to 10
	upd, err := f.engine.UpdateAllocation(f.ctx, res.Allocations[0].ID, 10, "", "")
	require.NoError(t, err)

	// THEN: 30 units come back
	assert.Equal(t, int64(60), upd.UpdatedMaterialStock)
	assert.Equal(t, int64(10), upd.Allocation.AllocatedStock)
	f.assertConserved(t, 100)

	// WHEN: C asks for 70
	_, err = f.engine.AllocateStock(f.ctx, "M1", []stock.AllocationRequest{alloc("C", 70)}, "")

	// THEN: rejected, nothing changes
	require.ErrorIs(t, err, stock.ErrInsufficientStock)
	assert.Equal(t, int64(60), f.currentStock(t))
	views, err := f.query.ListAllocationsForMaterial(f.ctx, "M1")
	require.NoError(t, err)
	assert.Len(t, views, 2)
	f.assertConserved(t, 100)
}

func TestAllocateStock_FirstAllocationHistory(t *testing.T) {
	f := newFixture(t, 50)

	res, err := f.engine.AllocateStock(f.ctx, "M1", []stock.AllocationRequest{alloc("A", 20)}, "U1")
	require.NoError(t, err)

	rec := res.Allocations[0]
	require.Len(t, rec.History, 1)
	entry := rec.History[0]
	assert.Equal(t, int64(0), entry.PreviousStock)
	assert.Equal(t, int64(20), entry.NewStock)
	assert.Equal(t, "Initial allocation.", entry.Comment)
	assert.Equal(t, fixedNow, entry.Date)
	require.NotNil(t, entry.ChangedBy)
	assert.Equal(t, stock.UserID("U1"), *entry.ChangedBy)

	m, err := f.store.GetMaterial(f.ctx, "M1")
	require.NoError(t, err)
	require.Len(t, m.History, 2, "opening entry + allocation entry")
	last := m.History[1]
	assert.Equal(t, int64(-20), last.Delta)
	assert.Equal(t, int64(30), last.StockAfter)
	assert.Contains(t, last.Description, "Allocated 20 unit(s)")
	require.NotNil(t, last.ChangedBy)
}

func TestAllocateStock_ReadAfterWrite(t *testing.T) {
	f := newFixture(t, 100)

	_, err := f.engine.AllocateStock(f.ctx, "M1", []stock.AllocationRequest{alloc("B", 25)}, "")
	require.NoError(t, err)

	views, err := f.query.ListAllocationsForMaterial(f.ctx, "M1")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, stock.MachineID("B"), views[0].MachineID)
	assert.Equal(t, int64(25), views[0].AllocatedStock)
	assert.Equal(t, "Press B", views[0].Machine.Name)
	assert.Equal(t, "M8 hex bolt", views[0].Material.Name)
}

func TestAllocateStock_ReallocationUpdatesRecord(t *testing.T) {
	// GIVEN: A already holds 40
	f := newFixture(t, 100)
	_, err := f.engine.AllocateStock(f.ctx, "M1", []stock.AllocationRequest{alloc("A", 40)}, "")
	require.NoError(t, err)

	// WHEN: A is allocated 55
	res, err := f.engine.AllocateStock(f.ctx, "M1", []stock.AllocationRequest{alloc("A", 55)}, "")
	require.NoError(t, err)

	// THEN: one record, two history entries, only the difference is charged
	views, err := f.query.ListAllocationsForMaterial(f.ctx, "M1")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, int64(55), views[0].AllocatedStock)
	require.Len(t, views[0].History, 2)
	assert.Equal(t, int64(40), views[0].History[1].PreviousStock)
	assert.Equal(t, int64(55), views[0].History[1].NewStock)
	assert.Equal(t, int64(45), res.UpdatedStock)
	f.assertConserved(t, 100)
}

func TestAllocateStock_ReallocationDownwardReleasesStock(t *testing.T) {
	f := newFixture(t, 100)
	_, err := f.engine.AllocateStock(f.ctx, "M1", []stock.AllocationRequest{alloc("A", 60)}, "")
	require.NoError(t, err)

	res, err := f.engine.AllocateStock(f.ctx, "M1", []stock.AllocationRequest{alloc("A", 15)}, "")
	require.NoError(t, err)

	assert.Equal(t, int64(85), res.UpdatedStock)
	f.assertConserved(t, 100)
}

func TestAllocateStock_Boundary(t *testing.T) {
	t.Run("exact stock succeeds", func(t *testing.T) {
		f := newFixture(t, 100)
		res, err := f.engine.AllocateStock(f.ctx, "M1", []stock.AllocationRequest{alloc("A", 100)}, "")
		require.NoError(t, err)
		assert.Equal(t, int64(0), res.UpdatedStock)
		f.assertConserved(t, 100)
	})

	t.Run("one over fails without changes", func(t *testing.T) {
		f := newFixture(t, 100)
		_, err := f.engine.AllocateStock(f.ctx, "M1", []stock.AllocationRequest{alloc("A", 101)}, "")

		var shortErr *stock.InsufficientStockError
		require.ErrorAs(t, err, &shortErr)
		assert.Equal(t, int64(100), shortErr.Available)
		assert.Equal(t, int64(101), shortErr.Requested)
		assert.Equal(t, int64(100), f.currentStock(t))

		rec, err := f.store.FindAllocation(f.ctx, "M1", "A")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})
}

func TestAllocateStock_TotalAcrossMachinesExceedsStock(t *testing.T) {
	// GIVEN: 100 units
	f := newFixture(t, 100)

	// WHEN: 60 + 50 requested
	_, err := f.engine.AllocateStock(f.ctx, "M1", []stock.AllocationRequest{alloc("A", 60), alloc("B", 50)}, "")

	// THEN: rejected before any write
	require.ErrorIs(t, err, stock.ErrInsufficientStock)
	assert.Equal(t, int64(100), f.currentStock(t))
	assert.Equal(t, int64(0), f.allocated(t))
}

func TestAllocateStock_SameMachineTwiceInOneRequest(t *testing.T) {
	f := newFixture(t, 100)

	res, err := f.engine.AllocateStock(f.ctx, "M1", []stock.AllocationRequest{alloc("A", 30), alloc("A", 50)}, "")
	require.NoError(t, err)

	// The second line is a reallocation of the record created by the first.
	require.Len(t, res.Allocations, 1)
	assert.Equal(t, int64(50), res.Allocations[0].AllocatedStock)
	assert.Len(t, res.Allocations[0].History, 2)
	assert.Equal(t, int64(50), res.UpdatedStock)
	f.assertConserved(t, 100)
}

func TestAllocateStock_HugeAmountsCannotWrapTheCharge(t *testing.T) {
	// GIVEN: 100 units
	f := newFixture(t, 100)

	// WHEN: two lines large enough to wrap an int64 running total
	_, err := f.engine.AllocateStock(f.ctx, "M1", []stock.AllocationRequest{
		alloc("A", 50),
		alloc("B", math.MaxInt64),
		alloc("C", math.MaxInt64),
	}, "")

	// THEN: rejected at the first oversized line, nothing written
	var shortErr *stock.InsufficientStockError
	require.ErrorAs(t, err, &shortErr)
	assert.Equal(t, int64(100), shortErr.Available)
	assert.Equal(t, int64(math.MaxInt64), shortErr.Requested)
	assert.Equal(t, int64(100), f.currentStock(t))
	assert.Equal(t, int64(0), f.allocated(t))

	// AND: a reallocation upward is bounded by the remaining pool as well
	res, err := f.engine.AllocateStock(f.ctx, "M1", []stock.AllocationRequest{alloc("A", 40)}, "")
	require.NoError(t, err)
	_, err = f.engine.AllocateStock(f.ctx, "M1", []stock.AllocationRequest{alloc("A", 10), alloc("A", math.MaxInt64)}, "")
	require.ErrorIs(t, err, stock.ErrInsufficientStock)
	assert.Equal(t, res.UpdatedStock, f.currentStock(t))
	f.assertConserved(t, 100)
}

func TestAllocateStock_InvalidArguments(t *testing.T) {
	f := newFixture(t, 100)

	_, err := f.engine.AllocateStock(f.ctx, "M1", nil, "")
	assert.ErrorIs(t, err, stock.ErrNoAllocations)

	_, err = f.engine.AllocateStock(f.ctx, "M1", []stock.AllocationRequest{alloc("A", 10), alloc("B", 0)}, "")
	assert.ErrorIs(t, err, stock.ErrInvalidAmount)
	var amountErr *stock.AmountError
	require.ErrorAs(t, err, &amountErr)
	assert.Equal(t, stock.MachineID("B"), amountErr.MachineID)

	_, err = f.engine.AllocateStock(f.ctx, "M1", []stock.AllocationRequest{alloc("A", -5)}, "")
	assert.ErrorIs(t, err, stock.ErrInvalidAmount)

	// No write happened for the valid line of the rejected call.
	assert.Equal(t, int64(100), f.currentStock(t))
	assert.Equal(t, int64(0), f.allocated(t))
}

func TestAllocateStock_NotFound(t *testing.T) {
	f := newFixture(t, 100)

	_, err := f.engine.AllocateStock(f.ctx, "missing", []stock.AllocationRequest{alloc("A", 1)}, "")
	assert.ErrorIs(t, err, stock.ErrMaterialNotFound)
	assert.True(t, stock.IsNotFound(err))

	_, err = f.engine.AllocateStock(f.ctx, "M1", []stock.AllocationRequest{alloc("A", 5), alloc("ghost", 1)}, "")
	assert.ErrorIs(t, err, stock.ErrMachineNotFound)
	assert.Equal(t, int64(100), f.currentStock(t))
	assert.Equal(t, int64(0), f.allocated(t))
}

func TestAllocateStock_UnknownActorIsDropped(t *testing.T) {
	f := newFixture(t, 100)

	res, err := f.engine.AllocateStock(f.ctx, "M1", []stock.AllocationRequest{alloc("A", 5)}, "nobody")
	require.NoError(t, err)
	assert.Nil(t, res.Allocations[0].History[0].ChangedBy)
}

// =============================================================================
// UPDATE ALLOCATION
// =============================================================================

func TestUpdateAllocation_ReturnPath(t *testing.T) {
	f := newFixture(t, 100)
	res, err := f.engine.AllocateStock(f.ctx, "M1", []stock.AllocationRequest{alloc("A", 70)}, "")
	require.NoError(t, err)
	before := f.currentStock(t)

	upd, err := f.engine.UpdateAllocation(f.ctx, res.Allocations[0].ID, 25, "Job finished early", "U1")
	require.NoError(t, err)

	assert.Equal(t, before+45, upd.UpdatedMaterialStock)
	last := upd.Allocation.History[len(upd.Allocation.History)-1]
	assert.Equal(t, "Job finished early", last.Comment)
	assert.Equal(t, int64(70), last.PreviousStock)
	assert.Equal(t, int64(25), last.NewStock)

	m, err := f.store.GetMaterial(f.ctx, "M1")
	require.NoError(t, err)
	assert.Contains(t, m.History[len(m.History)-1].Description, "Returned 45 unit(s) from machine Press A")
	f.assertConserved(t, 100)
}

func TestUpdateAllocation_ReturnToZeroKeepsRecord(t *testing.T) {
	f := newFixture(t, 100)
	res, err := f.engine.AllocateStock(f.ctx, "M1", []stock.AllocationRequest{alloc("A", 30)}, "")
	require.NoError(t, err)

	upd, err := f.engine.UpdateAllocation(f.ctx, res.Allocations[0].ID, 0, "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(100), upd.UpdatedMaterialStock)

	rec, err := f.store.GetAllocation(f.ctx, res.Allocations[0].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.AllocatedStock)
	assert.Len(t, rec.History, 2)
}

func TestUpdateAllocation_Increase(t *testing.T) {
	f := newFixture(t, 100)
	res, err := f.engine.AllocateStock(f.ctx, "M1", []stock.AllocationRequest{alloc("A", 30)}, "")
	require.NoError(t, err)
	id := res.Allocations[0].ID

	// 70 left: +70 is exactly available
	upd, err := f.engine.UpdateAllocation(f.ctx, id, 100, "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), upd.UpdatedMaterialStock)

	// Nothing left: +1 must fail
	_, err = f.engine.UpdateAllocation(f.ctx, id, 101, "", "")
	var shortErr *stock.InsufficientStockError
	require.ErrorAs(t, err, &shortErr)
	assert.Equal(t, int64(0), shortErr.Available)
	assert.Equal(t, int64(1), shortErr.Requested)

	rec, err := f.store.GetAllocation(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(100), rec.AllocatedStock)
	assert.Len(t, rec.History, 2, "rejected update must not append history")
	f.assertConserved(t, 100)
}

func TestUpdateAllocation_SameAmountDoesNotTouchLedger(t *testing.T) {
	f := newFixture(t, 100)
	res, err := f.engine.AllocateStock(f.ctx, "M1", []stock.AllocationRequest{alloc("A", 30)}, "")
	require.NoError(t, err)

	m, err := f.store.GetMaterial(f.ctx, "M1")
	require.NoError(t, err)
	historyLen := len(m.History)

	upd, err := f.engine.UpdateAllocation(f.ctx, res.Allocations[0].ID, 30, "recount", "")
	require.NoError(t, err)
	assert.Equal(t, int64(70), upd.UpdatedMaterialStock)
	assert.Len(t, upd.Allocation.History, 2)

	m, err = f.store.GetMaterial(f.ctx, "M1")
	require.NoError(t, err)
	assert.Len(t, m.History, historyLen)
}

func TestUpdateAllocation_Errors(t *testing.T) {
	f := newFixture(t, 100)

	_, err := f.engine.UpdateAllocation(f.ctx, "missing", 1, "", "")
	assert.ErrorIs(t, err, stock.ErrAllocationNotFound)

	_, err = f.engine.UpdateAllocation(f.ctx, "missing", -1, "", "")
	assert.ErrorIs(t, err, stock.ErrInvalidAmount)
}

// =============================================================================
// ATOMICITY & CONCURRENCY
// =============================================================================

// failingStore fails the nth allocation write made inside a transaction.
type failingStore struct {
	*store.Memory
	failAt int
}

func (fs *failingStore) WithTx(ctx context.Context, fn func(stock.Store) error) error {
	return fs.Memory.WithTx(ctx, func(s stock.Store) error {
		return fn(&failingTx{Store: s, failAt: fs.failAt})
	})
}

type failingTx struct {
	stock.Store
	failAt int
	writes int
}

var errDiskFull = errors.New("disk full")

func (ft *failingTx) CreateAllocation(ctx context.Context, rec stock.AllocationRecord) error {
	ft.writes++
	if ft.writes == ft.failAt {
		return errDiskFull
	}
	return ft.Store.CreateAllocation(ctx, rec)
}

func TestAllocateStock_PartialFailureRollsBack(t *testing.T) {
	// GIVEN: the second record write fails
	f := newFixture(t, 100)
	engine := stock.NewEngine(&failingStore{Memory: f.store, failAt: 2})

	// WHEN
	_, err := engine.AllocateStock(f.ctx, "M1", []stock.AllocationRequest{alloc("A", 10), alloc("B", 10)}, "")

	// THEN: the first record is rolled back with it
	require.ErrorIs(t, err, errDiskFull)
	assert.False(t, stock.IsClientError(err))
	assert.Equal(t, int64(100), f.currentStock(t))
	rec, err := f.store.FindAllocation(f.ctx, "M1", "A")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestAllocateStock_ConcurrentCallsNeverOverAllocate(t *testing.T) {
	// GIVEN: 100 units and 30 machines
	f := newFixture(t, 100)
	for i := 0; i < 30; i++ {
		require.NoError(t, f.store.CreateMachine(f.ctx, stock.Machine{ID: stock.MachineID(fmt.Sprintf("X%d", i))}))
	}

	// WHEN: every machine asks for 10 units at the same time
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			machine := stock.MachineID(fmt.Sprintf("X%d", i))
			_, err := f.engine.AllocateStock(f.ctx, "M1", []stock.AllocationRequest{alloc(machine, 10)}, "")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else if errors.Is(err, stock.ErrInsufficientStock) {
				rejected++
			}
		}(i)
	}
	wg.Wait()

	// THEN: exactly 10 calls won, stock is 0 and conserved
	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 20, rejected)
	assert.Equal(t, int64(0), f.currentStock(t))
	f.assertConserved(t, 100)
}

func TestConservation_RandomSequence(t *testing.T) {
	f := newFixture(t, 200)
	ops := []struct {
		machine stock.MachineID
		amount  int64
	}{
		{"A", 50}, {"B", 70}, {"A", 20}, {"C", 60}, {"B", 10}, {"C", 130}, {"A", 1},
	}
	for _, op := range ops {
		_, err := f.engine.AllocateStock(f.ctx, "M1", []stock.AllocationRequest{alloc(op.machine, op.amount)}, "")
		if err != nil {
			require.ErrorIs(t, err, stock.ErrInsufficientStock)
		}
		f.assertConserved(t, 200)
		assert.GreaterOrEqual(t, f.currentStock(t), int64(0))
	}

	views, err := f.query.ListAllocations(f.ctx)
	require.NoError(t, err)
	for _, v := range views {
		_, err := f.engine.UpdateAllocation(f.ctx, v.ID, v.AllocatedStock/2, "", "")
		require.NoError(t, err)
		f.assertConserved(t, 200)
	}
}
