/*
Package sqlite provides a SQLite-backed implementation of stock.TxStore.

PURPOSE:
  Persists materials, allocation records, their histories, machines and
  users. Schema is auto-migrated on New().

KEY TABLES:
  materials:          Stock pool per material (current_stock >= 0 CHECK)
  material_history:   Append-only ledger of stock movements
  allocations:        One row per (material_id, machine_id), UNIQUE
  allocation_history: Append-only log of allocated_stock changes
  machines, users:    Identities referenced above

GUARDED WRITES:
  Stock movements are a single conditional statement:

    UPDATE materials SET current_stock = current_stock + ?
    WHERE id = ? AND current_stock + ? >= 0
    RETURNING current_stock

  No row returned means the guard refused the write. Allocation updates
  are guarded the same way on the previous allocated_stock.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on the history tables
  - No DELETE on materials or allocations (Reset excepted, demo only)

CONCURRENCY:
  Uses sync.RWMutex plus a single pooled connection. SQLite allows one
  writer at a time anyway; WithTx holds the write lock for its duration.

WAL MODE:
  Opened with WAL for better crash recovery and non-blocking readers.

USAGE:
  st, err := sqlite.New("./data/stock.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()

  engine := stock.NewEngine(st)

SEE ALSO:
  - stock/store.go: Interface definitions
  - stock/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/stock-engine/stock"
)

// Store implements stock.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and SQLite
	// serialises writers regardless.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS materials (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		part_number TEXT,
		current_stock INTEGER NOT NULL CHECK (current_stock >= 0),
		minimum_stock INTEGER NOT NULL DEFAULT 0,
		opening_stock INTEGER NOT NULL,
		unit_cost TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Append-only ledger of stock movements
	CREATE TABLE IF NOT EXISTS material_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		material_id TEXT NOT NULL REFERENCES materials(id),
		change_date TEXT NOT NULL,
		description TEXT NOT NULL,
		changed_by TEXT,
		delta INTEGER NOT NULL,
		stock_after INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_material_history_material
		ON material_history(material_id, id);

	CREATE TABLE IF NOT EXISTS machines (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		location TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT
	);

	-- CRITICAL: one allocation record per (material, machine)
	CREATE TABLE IF NOT EXISTS allocations (
		id TEXT PRIMARY KEY,
		material_id TEXT NOT NULL REFERENCES materials(id),
		machine_id TEXT NOT NULL REFERENCES machines(id),
		allocated_stock INTEGER NOT NULL CHECK (allocated_stock >= 0),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (material_id, machine_id)
	);

	CREATE INDEX IF NOT EXISTS idx_allocations_machine
		ON allocations(machine_id);

	CREATE TABLE IF NOT EXISTS allocation_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		allocation_id TEXT NOT NULL REFERENCES allocations(id),
		previous_stock INTEGER NOT NULL,
		new_stock INTEGER NOT NULL,
		date TEXT NOT NULL,
		comment TEXT NOT NULL,
		changed_by TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_allocation_history_allocation
		ON allocation_history(allocation_id, id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LOCKED ENTRY POINTS (stock.Store)
// =============================================================================

func (s *Store) CreateMaterial(ctx context.Context, m stock.Material) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withSQLTx(ctx, func(c conn) error { return c.CreateMaterial(ctx, m) })
}

func (s *Store) GetMaterial(ctx context.Context, id stock.MaterialID) (*stock.Material, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conn{q: s.db}.GetMaterial(ctx, id)
}

func (s *Store) ListMaterials(ctx context.Context) ([]stock.Material, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conn{q: s.db}.ListMaterials(ctx)
}

func (s *Store) AdjustStock(ctx context.Context, id stock.MaterialID, delta int64, entry stock.MaterialHistoryEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var after int64
	err := s.withSQLTx(ctx, func(c conn) error {
		var err error
		after, err = c.AdjustStock(ctx, id, delta, entry)
		return err
	})
	return after, err
}

func (s *Store) CreateAllocation(ctx context.Context, rec stock.AllocationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withSQLTx(ctx, func(c conn) error { return c.CreateAllocation(ctx, rec) })
}

func (s *Store) GetAllocation(ctx context.Context, id stock.AllocationID) (*stock.AllocationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conn{q: s.db}.GetAllocation(ctx, id)
}

func (s *Store) FindAllocation(ctx context.Context, materialID stock.MaterialID, machineID stock.MachineID) (*stock.AllocationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conn{q: s.db}.FindAllocation(ctx, materialID, machineID)
}

func (s *Store) SetAllocatedStock(ctx context.Context, id stock.AllocationID, entry stock.AllocationHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withSQLTx(ctx, func(c conn) error { return c.SetAllocatedStock(ctx, id, entry) })
}

func (s *Store) ListAllocations(ctx context.Context, filter stock.AllocationFilter) ([]stock.AllocationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conn{q: s.db}.ListAllocations(ctx, filter)
}

func (s *Store) CreateMachine(ctx context.Context, m stock.Machine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return conn{q: s.db}.CreateMachine(ctx, m)
}

func (s *Store) GetMachine(ctx context.Context, id stock.MachineID) (*stock.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conn{q: s.db}.GetMachine(ctx, id)
}

func (s *Store) ListMachines(ctx context.Context) ([]stock.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conn{q: s.db}.ListMachines(ctx)
}

func (s *Store) CreateUser(ctx context.Context, u stock.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return conn{q: s.db}.CreateUser(ctx, u)
}

func (s *Store) GetUser(ctx context.Context, id stock.UserID) (*stock.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conn{q: s.db}.GetUser(ctx, id)
}

// Reset deletes all data. Only for demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"allocation_history", "allocations", "material_history", "materials", "machines", "users"}
	return s.withSQLTx(ctx, func(c conn) error {
		for _, table := range tables {
			if _, err := c.q.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to reset %s: %w", table, err)
			}
		}
		return nil
	})
}

// =============================================================================
// TRANSACTIONAL STORE (stock.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(stock.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withSQLTx(ctx, func(c conn) error { return fn(c) })
}

// withSQLTx runs fn in a database transaction. Caller holds s.mu.
func (s *Store) withSQLTx(ctx context.Context, fn func(conn) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(conn{q: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// CONN - stock.Store over a *sql.DB or *sql.Tx, no locking
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type conn struct {
	q querier
}

// Materials

func (c conn) CreateMaterial(ctx context.Context, m stock.Material) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO materials
		(id, name, part_number, current_stock, minimum_stock, opening_stock, unit_cost, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.ID, m.Name, nullString(m.PartNumber), m.CurrentStock, m.MinimumStock, m.OpeningStock,
		m.UnitCost.String(), formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return stock.ErrDuplicateID
		}
		return fmt.Errorf("failed to insert material: %w", err)
	}

	for _, e := range m.History {
		if err := c.insertMaterialHistory(ctx, m.ID, e); err != nil {
			return err
		}
	}
	return nil
}

func (c conn) GetMaterial(ctx context.Context, id stock.MaterialID) (*stock.Material, error) {
	row := c.q.QueryRowContext(ctx, `
		SELECT id, name, part_number, current_stock, minimum_stock, opening_stock, unit_cost, created_at, updated_at
		FROM materials WHERE id = ?
	`, id)
	m, err := scanMaterial(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stock.ErrMaterialNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := c.q.QueryContext(ctx, `
		SELECT change_date, description, changed_by, delta, stock_after
		FROM material_history WHERE material_id = ? ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query material history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e          stock.MaterialHistoryEntry
			changeDate string
			changedBy  sql.NullString
		)
		if err := rows.Scan(&changeDate, &e.Description, &changedBy, &e.Delta, &e.StockAfter); err != nil {
			return nil, fmt.Errorf("failed to scan material history: %w", err)
		}
		e.ChangeDate = parseTime(changeDate)
		e.ChangedBy = userRef(changedBy)
		m.History = append(m.History, e)
	}
	return m, rows.Err()
}

func (c conn) ListMaterials(ctx context.Context) ([]stock.Material, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, name, part_number, current_stock, minimum_stock, opening_stock, unit_cost, created_at, updated_at
		FROM materials ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query materials: %w", err)
	}
	defer rows.Close()

	var materials []stock.Material
	for rows.Next() {
		m, err := scanMaterial(rows)
		if err != nil {
			return nil, err
		}
		materials = append(materials, *m)
	}
	return materials, rows.Err()
}

func (c conn) AdjustStock(ctx context.Context, id stock.MaterialID, delta int64, entry stock.MaterialHistoryEntry) (int64, error) {
	var after int64
	err := c.q.QueryRowContext(ctx, `
		UPDATE materials
		SET current_stock = current_stock + ?, updated_at = ?
		WHERE id = ? AND current_stock + ? >= 0
		RETURNING current_stock
	`, delta, formatTime(entry.ChangeDate), id, delta).Scan(&after)

	if errors.Is(err, sql.ErrNoRows) {
		// Either missing or the guard refused the write.
		var exists int
		if err := c.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM materials WHERE id = ?", id).Scan(&exists); err != nil {
			return 0, fmt.Errorf("failed to check material: %w", err)
		}
		if exists == 0 {
			return 0, stock.ErrMaterialNotFound
		}
		return 0, stock.ErrInsufficientStock
	}
	if err != nil {
		return 0, fmt.Errorf("failed to adjust stock: %w", err)
	}

	entry.Delta = delta
	entry.StockAfter = after
	if err := c.insertMaterialHistory(ctx, id, entry); err != nil {
		return 0, err
	}
	return after, nil
}

func (c conn) insertMaterialHistory(ctx context.Context, id stock.MaterialID, e stock.MaterialHistoryEntry) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO material_history (material_id, change_date, description, changed_by, delta, stock_after)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, formatTime(e.ChangeDate), e.Description, userParam(e.ChangedBy), e.Delta, e.StockAfter)
	if err != nil {
		return fmt.Errorf("failed to append material history: %w", err)
	}
	return nil
}

// Allocations

func (c conn) CreateAllocation(ctx context.Context, rec stock.AllocationRecord) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO allocations (id, material_id, machine_id, allocated_stock, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.MaterialID, rec.MachineID, rec.AllocatedStock, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			if strings.Contains(err.Error(), "allocations.id") {
				return stock.ErrDuplicateID
			}
			return stock.ErrDuplicateAllocation
		}
		return fmt.Errorf("failed to insert allocation: %w", err)
	}

	for _, e := range rec.History {
		if err := c.insertAllocationHistory(ctx, rec.ID, e); err != nil {
			return err
		}
	}
	return nil
}

func (c conn) GetAllocation(ctx context.Context, id stock.AllocationID) (*stock.AllocationRecord, error) {
	records, err := c.queryAllocations(ctx, "WHERE a.id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, stock.ErrAllocationNotFound
	}
	return &records[0], nil
}

func (c conn) FindAllocation(ctx context.Context, materialID stock.MaterialID, machineID stock.MachineID) (*stock.AllocationRecord, error) {
	records, err := c.queryAllocations(ctx, "WHERE a.material_id = ? AND a.machine_id = ?", materialID, machineID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

func (c conn) SetAllocatedStock(ctx context.Context, id stock.AllocationID, entry stock.AllocationHistoryEntry) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE allocations SET allocated_stock = ?, updated_at = ?
		WHERE id = ? AND allocated_stock = ?
	`, entry.NewStock, formatTime(entry.Date), id, entry.PreviousStock)
	if err != nil {
		return fmt.Errorf("failed to update allocation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update allocation: %w", err)
	}
	if n == 0 {
		var exists int
		if err := c.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM allocations WHERE id = ?", id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check allocation: %w", err)
		}
		if exists == 0 {
			return stock.ErrAllocationNotFound
		}
		return stock.ErrConcurrentModification
	}
	return c.insertAllocationHistory(ctx, id, entry)
}

func (c conn) ListAllocations(ctx context.Context, filter stock.AllocationFilter) ([]stock.AllocationRecord, error) {
	var (
		conds []string
		args  []any
	)
	if filter.MaterialID != nil {
		conds = append(conds, "a.material_id = ?")
		args = append(args, *filter.MaterialID)
	}
	if filter.MachineID != nil {
		conds = append(conds, "a.machine_id = ?")
		args = append(args, *filter.MachineID)
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	return c.queryAllocations(ctx, where, args...)
}

// queryAllocations loads records matching where, then their histories.
// Rows are fully drained before the second query: there is one connection.
func (c conn) queryAllocations(ctx context.Context, where string, args ...any) ([]stock.AllocationRecord, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT a.id, a.material_id, a.machine_id, a.allocated_stock, a.created_at, a.updated_at
		FROM allocations a `+where+`
		ORDER BY a.created_at ASC, a.rowid ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}

	var (
		records []stock.AllocationRecord
		index   = make(map[stock.AllocationID]int)
	)
	for rows.Next() {
		var (
			r                    stock.AllocationRecord
			createdAt, updatedAt string
		)
		if err := rows.Scan(&r.ID, &r.MaterialID, &r.MachineID, &r.AllocatedStock, &createdAt, &updatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		r.CreatedAt = parseTime(createdAt)
		r.UpdatedAt = parseTime(updatedAt)
		index[r.ID] = len(records)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(records) == 0 {
		return nil, nil
	}

	hrows, err := c.q.QueryContext(ctx, `
		SELECT h.allocation_id, h.previous_stock, h.new_stock, h.date, h.comment, h.changed_by
		FROM allocation_history h
		JOIN allocations a ON a.id = h.allocation_id `+where+`
		ORDER BY h.id ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocation history: %w", err)
	}
	defer hrows.Close()

	for hrows.Next() {
		var (
			allocID   stock.AllocationID
			e         stock.AllocationHistoryEntry
			date      string
			changedBy sql.NullString
		)
		if err := hrows.Scan(&allocID, &e.PreviousStock, &e.NewStock, &date, &e.Comment, &changedBy); err != nil {
			return nil, fmt.Errorf("failed to scan allocation history: %w", err)
		}
		e.Date = parseTime(date)
		e.ChangedBy = userRef(changedBy)
		if i, ok := index[allocID]; ok {
			records[i].History = append(records[i].History, e)
		}
	}
	return records, hrows.Err()
}

func (c conn) insertAllocationHistory(ctx context.Context, id stock.AllocationID, e stock.AllocationHistoryEntry) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO allocation_history (allocation_id, previous_stock, new_stock, date, comment, changed_by)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, e.PreviousStock, e.NewStock, formatTime(e.Date), e.Comment, userParam(e.ChangedBy))
	if err != nil {
		return fmt.Errorf("failed to append allocation history: %w", err)
	}
	return nil
}

// Directory

func (c conn) CreateMachine(ctx context.Context, m stock.Machine) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO machines (id, name, location, created_at) VALUES (?, ?, ?, ?)
	`, m.ID, m.Name, nullString(m.Location), formatTime(m.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return stock.ErrDuplicateID
		}
		return fmt.Errorf("failed to insert machine: %w", err)
	}
	return nil
}

func (c conn) GetMachine(ctx context.Context, id stock.MachineID) (*stock.Machine, error) {
	var (
		m         stock.Machine
		location  sql.NullString
		createdAt string
	)
	err := c.q.QueryRowContext(ctx, `
		SELECT id, name, location, created_at FROM machines WHERE id = ?
	`, id).Scan(&m.ID, &m.Name, &location, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stock.ErrMachineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get machine: %w", err)
	}
	m.Location = location.String
	m.CreatedAt = parseTime(createdAt)
	return &m, nil
}

func (c conn) ListMachines(ctx context.Context) ([]stock.Machine, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, name, location, created_at FROM machines ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query machines: %w", err)
	}
	defer rows.Close()

	var machines []stock.Machine
	for rows.Next() {
		var (
			m         stock.Machine
			location  sql.NullString
			createdAt string
		)
		if err := rows.Scan(&m.ID, &m.Name, &location, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan machine: %w", err)
		}
		m.Location = location.String
		m.CreatedAt = parseTime(createdAt)
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

func (c conn) CreateUser(ctx context.Context, u stock.User) error {
	_, err := c.q.ExecContext(ctx, `INSERT INTO users (id, name, email) VALUES (?, ?, ?)`,
		u.ID, u.Name, nullString(u.Email))
	if err != nil {
		if isUniqueConstraintError(err) {
			return stock.ErrDuplicateID
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

func (c conn) GetUser(ctx context.Context, id stock.UserID) (*stock.User, error) {
	var (
		u     stock.User
		email sql.NullString
	)
	err := c.q.QueryRowContext(ctx, `SELECT id, name, email FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Name, &email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.Email = email.String
	return &u, nil
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanMaterial(row scanner) (*stock.Material, error) {
	var (
		m                    stock.Material
		partNumber           sql.NullString
		unitCost             string
		createdAt, updatedAt string
	)
	err := row.Scan(&m.ID, &m.Name, &partNumber, &m.CurrentStock, &m.MinimumStock, &m.OpeningStock,
		&unitCost, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan material: %w", err)
	}
	m.PartNumber = partNumber.String
	m.UnitCost, err = decimal.NewFromString(unitCost)
	if err != nil {
		return nil, fmt.Errorf("invalid unit cost %q for material %s: %w", unitCost, m.ID, err)
	}
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}

// timeLayout keeps nine fractional digits so that stored timestamps sort
// correctly as text. RFC3339Nano trims trailing zeros and does not.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func userParam(id *stock.UserID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return nullString(string(*id))
}

func userRef(s sql.NullString) *stock.UserID {
	if !s.Valid || s.String == "" {
		return nil
	}
	id := stock.UserID(s.String)
	return &id
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
