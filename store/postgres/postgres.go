/*
Package postgres provides a PostgreSQL implementation of stock.TxStore.

PURPOSE:
  Same contract as store/sqlite, for deployments that run several server
  instances against one database. There is no process-wide mutex here:
  PostgreSQL row locks do the serialising.

LOCKING:
  Inside WithTx, GetMaterial reads the material row with SELECT ... FOR
  UPDATE. Every AllocateStock / UpdateAllocation call reads its material
  first, so calls against the same material queue behind each other while
  calls against different materials run in parallel.

GUARDED WRITES:
  AdjustStock is a single conditional UPDATE ... RETURNING. Even outside a
  transaction it can never take current_stock below zero.

USAGE:
  pool, err := postgres.Connect(ctx, os.Getenv("DATABASE_URL"))
  st := postgres.New(pool)
  if err := st.Migrate(ctx); err != nil { ... }
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/stock-engine/stock"
)

const uniqueViolation = "23505"

// Connect opens and pings a connection pool.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	if url == "" {
		return nil, fmt.Errorf("database url is empty")
	}
	config, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return pool, nil
}

// Store implements stock.TxStore on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	conn
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, conn: conn{q: pool}}
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS materials (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	part_number TEXT,
	current_stock BIGINT NOT NULL CHECK (current_stock >= 0),
	minimum_stock BIGINT NOT NULL DEFAULT 0,
	opening_stock BIGINT NOT NULL,
	unit_cost NUMERIC(18,4) NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS material_history (
	id BIGSERIAL PRIMARY KEY,
	material_id TEXT NOT NULL REFERENCES materials(id),
	change_date TIMESTAMPTZ NOT NULL,
	description TEXT NOT NULL,
	changed_by TEXT,
	delta BIGINT NOT NULL,
	stock_after BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_material_history_material ON material_history(material_id, id);

CREATE TABLE IF NOT EXISTS machines (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	location TEXT,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	email TEXT
);

CREATE TABLE IF NOT EXISTS allocations (
	id TEXT PRIMARY KEY,
	seq BIGSERIAL,
	material_id TEXT NOT NULL REFERENCES materials(id),
	machine_id TEXT NOT NULL REFERENCES machines(id),
	allocated_stock BIGINT NOT NULL CHECK (allocated_stock >= 0),
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	CONSTRAINT allocations_material_machine_key UNIQUE (material_id, machine_id)
);
CREATE INDEX IF NOT EXISTS idx_allocations_machine ON allocations(machine_id);

CREATE TABLE IF NOT EXISTS allocation_history (
	id BIGSERIAL PRIMARY KEY,
	allocation_id TEXT NOT NULL REFERENCES allocations(id),
	previous_stock BIGINT NOT NULL,
	new_stock BIGINT NOT NULL,
	date TIMESTAMPTZ NOT NULL,
	comment TEXT NOT NULL,
	changed_by TEXT
);
CREATE INDEX IF NOT EXISTS idx_allocation_history_allocation ON allocation_history(allocation_id, id);
`

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Reset deletes all data. Only for demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		"TRUNCATE allocation_history, allocations, material_history, materials, machines, users")
	if err != nil {
		return fmt.Errorf("failed to reset database: %w", err)
	}
	return nil
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(stock.Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(conn{q: tx, lock: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// CONN - stock.Store over a pool or a transaction
// =============================================================================

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type conn struct {
	q querier
	// lock makes GetMaterial take a row lock. Only valid inside a transaction.
	lock bool
}

// Materials

func (c conn) CreateMaterial(ctx context.Context, m stock.Material) error {
	return c.inTx(ctx, func(c conn) error {
		_, err := c.q.Exec(ctx, `
			INSERT INTO materials
			(id, name, part_number, current_stock, minimum_stock, opening_stock, unit_cost, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, string(m.ID), m.Name, nullable(m.PartNumber), m.CurrentStock, m.MinimumStock, m.OpeningStock,
			m.UnitCost.String(), m.CreatedAt, m.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
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
	})
}

func (c conn) GetMaterial(ctx context.Context, id stock.MaterialID) (*stock.Material, error) {
	query := `
		SELECT id, name, part_number, current_stock, minimum_stock, opening_stock, unit_cost::text, created_at, updated_at
		FROM materials WHERE id = $1`
	if c.lock {
		query += " FOR UPDATE"
	}
	m, err := scanMaterial(c.q.QueryRow(ctx, query, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, stock.ErrMaterialNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := c.q.Query(ctx, `
		SELECT change_date, description, changed_by, delta, stock_after
		FROM material_history WHERE material_id = $1 ORDER BY id
	`, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to query material history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e         stock.MaterialHistoryEntry
			changedBy *string
		)
		if err := rows.Scan(&e.ChangeDate, &e.Description, &changedBy, &e.Delta, &e.StockAfter); err != nil {
			return nil, fmt.Errorf("failed to scan material history: %w", err)
		}
		e.ChangeDate = e.ChangeDate.UTC()
		e.ChangedBy = userRef(changedBy)
		m.History = append(m.History, e)
	}
	return m, rows.Err()
}

func (c conn) ListMaterials(ctx context.Context) ([]stock.Material, error) {
	rows, err := c.q.Query(ctx, `
		SELECT id, name, part_number, current_stock, minimum_stock, opening_stock, unit_cost::text, created_at, updated_at
		FROM materials ORDER BY created_at, id
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
	err := c.inTx(ctx, func(c conn) error {
		err := c.q.QueryRow(ctx, `
			UPDATE materials
			SET current_stock = current_stock + $1, updated_at = $2
			WHERE id = $3 AND current_stock + $1 >= 0
			RETURNING current_stock
		`, delta, entry.ChangeDate, string(id)).Scan(&after)
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := c.q.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM materials WHERE id = $1)", string(id)).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check material: %w", err)
			}
			if !exists {
				return stock.ErrMaterialNotFound
			}
			return stock.ErrInsufficientStock
		}
		if err != nil {
			return fmt.Errorf("failed to adjust stock: %w", err)
		}

		entry.Delta = delta
		entry.StockAfter = after
		return c.insertMaterialHistory(ctx, id, entry)
	})
	return after, err
}

func (c conn) insertMaterialHistory(ctx context.Context, id stock.MaterialID, e stock.MaterialHistoryEntry) error {
	_, err := c.q.Exec(ctx, `
		INSERT INTO material_history (material_id, change_date, description, changed_by, delta, stock_after)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, string(id), e.ChangeDate, e.Description, userParam(e.ChangedBy), e.Delta, e.StockAfter)
	if err != nil {
		return fmt.Errorf("failed to append material history: %w", err)
	}
	return nil
}

// Allocations

func (c conn) CreateAllocation(ctx context.Context, rec stock.AllocationRecord) error {
	return c.inTx(ctx, func(c conn) error {
		_, err := c.q.Exec(ctx, `
			INSERT INTO allocations (id, material_id, machine_id, allocated_stock, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, string(rec.ID), string(rec.MaterialID), string(rec.MachineID), rec.AllocatedStock, rec.CreatedAt, rec.UpdatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				if pgErr.ConstraintName == "allocations_material_machine_key" {
					return stock.ErrDuplicateAllocation
				}
				return stock.ErrDuplicateID
			}
			return fmt.Errorf("failed to insert allocation: %w", err)
		}
		for _, e := range rec.History {
			if err := c.insertAllocationHistory(ctx, rec.ID, e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c conn) GetAllocation(ctx context.Context, id stock.AllocationID) (*stock.AllocationRecord, error) {
	records, err := c.queryAllocations(ctx, "WHERE a.id = $1", string(id))
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, stock.ErrAllocationNotFound
	}
	return &records[0], nil
}

func (c conn) FindAllocation(ctx context.Context, materialID stock.MaterialID, machineID stock.MachineID) (*stock.AllocationRecord, error) {
	records, err := c.queryAllocations(ctx, "WHERE a.material_id = $1 AND a.machine_id = $2", string(materialID), string(machineID))
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

func (c conn) SetAllocatedStock(ctx context.Context, id stock.AllocationID, entry stock.AllocationHistoryEntry) error {
	return c.inTx(ctx, func(c conn) error {
		tag, err := c.q.Exec(ctx, `
			UPDATE allocations SET allocated_stock = $1, updated_at = $2
			WHERE id = $3 AND allocated_stock = $4
		`, entry.NewStock, entry.Date, string(id), entry.PreviousStock)
		if err != nil {
			return fmt.Errorf("failed to update allocation: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := c.q.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM allocations WHERE id = $1)", string(id)).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check allocation: %w", err)
			}
			if !exists {
				return stock.ErrAllocationNotFound
			}
			return stock.ErrConcurrentModification
		}
		return c.insertAllocationHistory(ctx, id, entry)
	})
}

func (c conn) ListAllocations(ctx context.Context, filter stock.AllocationFilter) ([]stock.AllocationRecord, error) {
	var (
		conds []string
		args  []any
	)
	if filter.MaterialID != nil {
		args = append(args, string(*filter.MaterialID))
		conds = append(conds, "a.material_id = $"+strconv.Itoa(len(args)))
	}
	if filter.MachineID != nil {
		args = append(args, string(*filter.MachineID))
		conds = append(conds, "a.machine_id = $"+strconv.Itoa(len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	return c.queryAllocations(ctx, where, args...)
}

func (c conn) queryAllocations(ctx context.Context, where string, args ...any) ([]stock.AllocationRecord, error) {
	rows, err := c.q.Query(ctx, `
		SELECT a.id, a.material_id, a.machine_id, a.allocated_stock, a.created_at, a.updated_at
		FROM allocations a `+where+`
		ORDER BY a.seq
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (stock.AllocationRecord, error) {
		var (
			r                         stock.AllocationRecord
			id, materialID, machineID string
		)
		err := row.Scan(&id, &materialID, &machineID, &r.AllocatedStock, &r.CreatedAt, &r.UpdatedAt)
		r.ID, r.MaterialID, r.MachineID = stock.AllocationID(id), stock.MaterialID(materialID), stock.MachineID(machineID)
		r.CreatedAt, r.UpdatedAt = r.CreatedAt.UTC(), r.UpdatedAt.UTC()
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan allocations: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	index := make(map[stock.AllocationID]int, len(records))
	for i, r := range records {
		index[r.ID] = i
	}

	hrows, err := c.q.Query(ctx, `
		SELECT h.allocation_id, h.previous_stock, h.new_stock, h.date, h.comment, h.changed_by
		FROM allocation_history h
		JOIN allocations a ON a.id = h.allocation_id `+where+`
		ORDER BY h.id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocation history: %w", err)
	}
	defer hrows.Close()

	for hrows.Next() {
		var (
			allocID   string
			e         stock.AllocationHistoryEntry
			changedBy *string
		)
		if err := hrows.Scan(&allocID, &e.PreviousStock, &e.NewStock, &e.Date, &e.Comment, &changedBy); err != nil {
			return nil, fmt.Errorf("failed to scan allocation history: %w", err)
		}
		e.Date = e.Date.UTC()
		e.ChangedBy = userRef(changedBy)
		if i, ok := index[stock.AllocationID(allocID)]; ok {
			records[i].History = append(records[i].History, e)
		}
	}
	return records, hrows.Err()
}

func (c conn) insertAllocationHistory(ctx context.Context, id stock.AllocationID, e stock.AllocationHistoryEntry) error {
	_, err := c.q.Exec(ctx, `
		INSERT INTO allocation_history (allocation_id, previous_stock, new_stock, date, comment, changed_by)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, string(id), e.PreviousStock, e.NewStock, e.Date, e.Comment, userParam(e.ChangedBy))
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
	_, err := c.q.Exec(ctx, `INSERT INTO machines (id, name, location, created_at) VALUES ($1, $2, $3, $4)`,
		string(m.ID), m.Name, nullable(m.Location), m.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return stock.ErrDuplicateID
		}
		return fmt.Errorf("failed to insert machine: %w", err)
	}
	return nil
}

func (c conn) GetMachine(ctx context.Context, id stock.MachineID) (*stock.Machine, error) {
	var (
		m        stock.Machine
		mid      string
		location *string
	)
	err := c.q.QueryRow(ctx, `SELECT id, name, location, created_at FROM machines WHERE id = $1`, string(id)).
		Scan(&mid, &m.Name, &location, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, stock.ErrMachineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get machine: %w", err)
	}
	m.ID = stock.MachineID(mid)
	if location != nil {
		m.Location = *location
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

func (c conn) ListMachines(ctx context.Context) ([]stock.Machine, error) {
	rows, err := c.q.Query(ctx, `SELECT id, name, location, created_at FROM machines ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query machines: %w", err)
	}
	defer rows.Close()

	var machines []stock.Machine
	for rows.Next() {
		var (
			m        stock.Machine
			mid      string
			location *string
		)
		if err := rows.Scan(&mid, &m.Name, &location, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan machine: %w", err)
		}
		m.ID = stock.MachineID(mid)
		if location != nil {
			m.Location = *location
		}
		m.CreatedAt = m.CreatedAt.UTC()
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

func (c conn) CreateUser(ctx context.Context, u stock.User) error {
	_, err := c.q.Exec(ctx, `INSERT INTO users (id, name, email) VALUES ($1, $2, $3)`,
		string(u.ID), u.Name, nullable(u.Email))
	if err != nil {
		if isUniqueViolation(err) {
			return stock.ErrDuplicateID
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

func (c conn) GetUser(ctx context.Context, id stock.UserID) (*stock.User, error) {
	var (
		uid   string
		u     stock.User
		email *string
	)
	err := c.q.QueryRow(ctx, `SELECT id, name, email FROM users WHERE id = $1`, string(id)).Scan(&uid, &u.Name, &email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.ID = stock.UserID(uid)
	if email != nil {
		u.Email = *email
	}
	return &u, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// inTx runs multi-statement writes atomically. Inside WithTx the
// surrounding transaction is reused; on the pool a short one is opened.
func (c conn) inTx(ctx context.Context, fn func(conn) error) error {
	if c.lock {
		return fn(c)
	}
	pool, ok := c.q.(*pgxpool.Pool)
	if !ok {
		return fn(c)
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(conn{q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func scanMaterial(row pgx.Row) (*stock.Material, error) {
	var (
		m          stock.Material
		id         string
		partNumber *string
		unitCost   string
	)
	err := row.Scan(&id, &m.Name, &partNumber, &m.CurrentStock, &m.MinimumStock, &m.OpeningStock,
		&unitCost, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan material: %w", err)
	}
	m.ID = stock.MaterialID(id)
	if partNumber != nil {
		m.PartNumber = *partNumber
	}
	if m.UnitCost, err = decimal.NewFromString(unitCost); err != nil {
		return nil, fmt.Errorf("failed to parse unit cost %q: %w", unitCost, err)
	}
	m.CreatedAt, m.UpdatedAt = m.CreatedAt.UTC(), m.UpdatedAt.UTC()
	return &m, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func userParam(id *stock.UserID) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}

func userRef(s *string) *stock.UserID {
	if s == nil || *s == "" {
		return nil
	}
	id := stock.UserID(*s)
	return &id
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
