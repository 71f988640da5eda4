package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"kosbudget/internal/core"
	"kosbudget/internal/store"

	_ "modernc.org/sqlite"
)

var (
	_ store.Store           = (*SQLiteRepository)(nil)
	_ store.AllocationStore = (*SQLiteRepository)(nil)
)

const timeLayout = time.RFC3339Nano

const (
	selectCategoryColumns = `id, user_id, name, priority, urgency, frequency, impact,
		allocation_cents, is_active, created_at, updated_at`

	listActiveCategoriesSQL = `SELECT ` + selectCategoryColumns + `
		FROM categories
		WHERE user_id = ? AND is_active = 1
		ORDER BY name`

	listAllCategoriesSQL = `SELECT ` + selectCategoryColumns + `
		FROM categories
		WHERE user_id = ?
		ORDER BY name`

	// The stored display name wins on conflict: expenses reference it
	// verbatim, so renaming would orphan them.
	upsertCategorySQL = `INSERT INTO categories
		(id, user_id, name, name_key, priority, urgency, frequency, impact, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (user_id, name_key) DO UPDATE SET
			priority = excluded.priority,
			urgency = excluded.urgency,
			frequency = excluded.frequency,
			impact = excluded.impact,
			is_active = 1,
			updated_at = excluded.updated_at
		RETURNING ` + selectCategoryColumns

	getBudgetSQL = `SELECT amount_cents, updated_at FROM budgets WHERE user_id = ? AND month = ?`

	upsertBudgetSQL = `INSERT INTO budgets (user_id, month, amount_cents, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, month) DO UPDATE SET
			amount_cents = excluded.amount_cents,
			updated_at = excluded.updated_at`

	bumpRevisionSQL = `INSERT INTO allocation_revisions (user_id, revision) VALUES (?, 1)
		ON CONFLICT (user_id) DO UPDATE SET revision = revision + 1`

	// Used as the first statement of a commit so the transaction holds the
	// write lock before the revision is compared.
	claimRevisionSQL = `INSERT INTO allocation_revisions (user_id, revision) VALUES (?, 0)
		ON CONFLICT (user_id) DO NOTHING`

	getRevisionSQL = `SELECT revision FROM allocation_revisions WHERE user_id = ?`
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Run migrations before the main pool opens the file
	if err := RunMigrations(dbPath); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &SQLiteRepository{db: db, now: time.Now}, nil
}

// WithClock replaces the clock used for timestamps.
func (r *SQLiteRepository) WithClock(now func() time.Time) *SQLiteRepository {
	r.now = now
	return r
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *SQLiteRepository) stamp() string {
	return r.now().UTC().Format(timeLayout)
}

// GetCurrent implements store.BudgetStore
func (r *SQLiteRepository) GetCurrent(ctx context.Context, userID string, month core.Month) (core.Budget, error) {
	return getBudget(ctx, r.db, userID, month)
}

func getBudget(ctx context.Context, q queryer, userID string, month core.Month) (core.Budget, error) {
	var (
		cents     int64
		updatedAt string
	)
	err := q.QueryRowContext(ctx, getBudgetSQL, userID, month.String()).Scan(&cents, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Budget{}, core.ErrBudgetNotFound
	}
	if err != nil {
		return core.Budget{}, fmt.Errorf("get budget: %w", err)
	}
	return core.Budget{
		UserID:    userID,
		Month:     month,
		Amount:    core.Money{Cents: cents},
		UpdatedAt: parseTime(updatedAt),
	}, nil
}

// UpsertBudget implements store.BudgetStore
func (r *SQLiteRepository) UpsertBudget(ctx context.Context, userID string, month core.Month, amount core.Money) (core.Budget, error) {
	b := core.Budget{UserID: userID, Month: month, Amount: amount}
	if err := b.Validate(); err != nil {
		return core.Budget{}, err
	}

	now := r.stamp()
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, upsertBudgetSQL, userID, month.String(), amount.Cents, now); err != nil {
			return fmt.Errorf("upsert budget: %w", err)
		}
		return bumpRevision(ctx, tx, userID)
	})
	if err != nil {
		return core.Budget{}, err
	}

	slog.InfoContext(ctx, "Budget saved to SQLite",
		"user_id", userID,
		"month", month.String(),
		"amount_cents", amount.Cents)

	b.UpdatedAt = parseTime(now)
	return b, nil
}

// ListUsers implements store.BudgetStore
func (r *SQLiteRepository) ListUsers(ctx context.Context, month core.Month) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id FROM budgets WHERE month = ? ORDER BY user_id`, month.String())
	if err != nil {
		return nil, fmt.Errorf("list budget users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan budget user: %w", err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// ListActive implements store.CategoryStore
func (r *SQLiteRepository) ListActive(ctx context.Context, userID string) ([]core.Category, error) {
	return listActive(ctx, r.db, userID)
}

func listActive(ctx context.Context, q queryer, userID string) ([]core.Category, error) {
	return listCategories(ctx, q, listActiveCategoriesSQL, userID)
}

// ListAll implements store.CategoryStore
func (r *SQLiteRepository) ListAll(ctx context.Context, userID string) ([]core.Category, error) {
	return listCategories(ctx, r.db, listAllCategoriesSQL, userID)
}

func listCategories(ctx context.Context, q queryer, query, userID string) ([]core.Category, error) {
	rows, err := q.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	var out []core.Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanCategory reads ratings as untyped values so that legacy or corrupt
// rows are coerced instead of failing the whole listing.
func scanCategory(row rowScanner) (core.Category, error) {
	var (
		c                                    core.Category
		priority, urgency, frequency, impact any
		allocation                           int64
		active                               int64
		createdAt, updatedAt                 string
	)
	err := row.Scan(&c.ID, &c.UserID, &c.Name, &priority, &urgency, &frequency, &impact,
		&allocation, &active, &createdAt, &updatedAt)
	if err != nil {
		return core.Category{}, err
	}
	c.Priority = core.NormalizeScoreInput(priority)
	c.Urgency = core.NormalizeScoreInput(urgency)
	c.Frequency = core.NormalizeScoreInput(frequency)
	c.Impact = core.NormalizeScoreInput(impact)
	c.Allocation = core.Money{Cents: allocation}
	c.Active = active != 0
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return c, nil
}

// UpsertCategory implements store.CategoryStore
func (r *SQLiteRepository) UpsertCategory(ctx context.Context, userID string, in core.CategoryInput) (core.Category, error) {
	if strings.TrimSpace(userID) == "" {
		return core.Category{}, core.ErrEmptyUser
	}
	in = in.Normalized()
	if err := in.Validate(); err != nil {
		return core.Category{}, err
	}

	now := r.stamp()
	var c core.Category
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, upsertCategorySQL,
			uuid.NewString(), userID, in.Name, core.NameKey(in.Name),
			in.Priority, in.Urgency, in.Frequency, in.Impact, now, now)
		var err error
		if c, err = scanCategory(row); err != nil {
			return fmt.Errorf("upsert category: %w", err)
		}
		return bumpRevision(ctx, tx, userID)
	})
	if err != nil {
		return core.Category{}, err
	}

	slog.InfoContext(ctx, "Category saved to SQLite",
		"id", c.ID,
		"user_id", userID,
		"name", c.Name)

	return c, nil
}

// SetAllocation implements store.CategoryStore
func (r *SQLiteRepository) SetAllocation(ctx context.Context, categoryID string, amount core.Money) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE categories SET allocation_cents = ?, updated_at = ? WHERE id = ?`,
		amount.Cents, r.stamp(), categoryID)
	if err != nil {
		return fmt.Errorf("set allocation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set allocation rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("set allocation %s: %w", categoryID, core.ErrCategoryNotFound)
	}
	return nil
}

// SoftDelete implements store.CategoryStore
func (r *SQLiteRepository) SoftDelete(ctx context.Context, userID, name string) error {
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE categories SET is_active = 0, updated_at = ?
			 WHERE user_id = ? AND name_key = ? AND is_active = 1`,
			r.stamp(), userID, core.NameKey(name))
		if err != nil {
			return fmt.Errorf("soft delete category: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("soft delete rows affected: %w", err)
		}
		if n == 0 {
			return core.ErrCategoryNotFound
		}
		return bumpRevision(ctx, tx, userID)
	})
	if err != nil {
		return err
	}

	slog.InfoContext(ctx, "Category soft deleted", "user_id", userID, "name", name)
	return nil
}

// Append implements store.ExpenseStore
func (r *SQLiteRepository) Append(ctx context.Context, userID, categoryName string, amount core.Money, note string) (core.Expense, error) {
	e := core.Expense{
		UserID:       userID,
		CategoryName: strings.TrimSpace(categoryName),
		Amount:       amount,
		Note:         strings.TrimSpace(note),
	}
	if err := e.Validate(); err != nil {
		return core.Expense{}, err
	}

	now := r.stamp()
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO expenses (user_id, category_name, amount_cents, note, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.UserID, e.CategoryName, e.Amount.Cents, e.Note, now)
	if err != nil {
		return core.Expense{}, fmt.Errorf("create expense: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return core.Expense{}, fmt.Errorf("expense id: %w", err)
	}
	e.ID = id
	e.CreatedAt = parseTime(now)

	slog.InfoContext(ctx, "Expense saved to SQLite",
		"id", e.ID,
		"user_id", e.UserID,
		"category", e.CategoryName,
		"amount_cents", e.Amount.Cents)

	return e, nil
}

// ListForUser implements store.ExpenseStore
func (r *SQLiteRepository) ListForUser(ctx context.Context, userID string) ([]core.Expense, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, category_name, amount_cents, note, created_at
		 FROM expenses WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	defer rows.Close()

	var out []core.Expense
	for rows.Next() {
		var (
			e         = core.Expense{UserID: userID}
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.CategoryName, &e.Amount.Cents, &e.Note, &createdAt); err != nil {
			return nil, fmt.Errorf("scan expense: %w", err)
		}
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ReadSnapshot implements store.AllocationStore. Budget, categories and
// revision are read inside one transaction so an allocation never mixes a
// stale budget with fresh categories.
func (r *SQLiteRepository) ReadSnapshot(ctx context.Context, userID string, month core.Month) (store.AllocationState, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return store.AllocationState{}, fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback()

	var st store.AllocationState
	if st.Budget, err = getBudget(ctx, tx, userID, month); err != nil {
		return store.AllocationState{}, err
	}
	if st.Categories, err = listActive(ctx, tx, userID); err != nil {
		return store.AllocationState{}, err
	}
	if st.Revision, err = getRevision(ctx, tx, userID); err != nil {
		return store.AllocationState{}, err
	}
	if err := tx.Commit(); err != nil {
		return store.AllocationState{}, fmt.Errorf("commit snapshot: %w", err)
	}
	return st, nil
}

// CommitAllocations implements store.AllocationStore. The revision check
// and the writes share one write transaction, so a pass from another
// process that read older inputs cannot overwrite newer allocations.
func (r *SQLiteRepository) CommitAllocations(ctx context.Context, userID string, revision int64, allocations map[string]core.Money) (map[string]error, error) {
	failed := make(map[string]error)
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, claimRevisionSQL, userID); err != nil {
			return fmt.Errorf("claim revision: %w", err)
		}
		current, err := getRevision(ctx, tx, userID)
		if err != nil {
			return err
		}
		if current != revision {
			return fmt.Errorf("read at revision %d, now %d: %w", revision, current, core.ErrStaleAllocation)
		}

		now := r.stamp()
		for id, amount := range allocations {
			res, err := tx.ExecContext(ctx,
				`UPDATE categories SET allocation_cents = ?, updated_at = ?
				 WHERE id = ? AND user_id = ? AND is_active = 1`,
				amount.Cents, now, id, userID)
			if err != nil {
				failed[id] = fmt.Errorf("set allocation: %w", err)
				continue
			}
			if n, err := res.RowsAffected(); err != nil || n == 0 {
				failed[id] = fmt.Errorf("set allocation %s: %w", id, core.ErrCategoryNotFound)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("commit allocations for %s: %w", userID, err)
	}
	return failed, nil
}

func (r *SQLiteRepository) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func bumpRevision(ctx context.Context, tx *sql.Tx, userID string) error {
	if _, err := tx.ExecContext(ctx, bumpRevisionSQL, userID); err != nil {
		return fmt.Errorf("bump revision: %w", err)
	}
	return nil
}

func getRevision(ctx context.Context, q queryer, userID string) (int64, error) {
	var rev int64
	err := q.QueryRowContext(ctx, getRevisionSQL, userID).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get revision: %w", err)
	}
	return rev, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
