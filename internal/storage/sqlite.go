package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"famledger/internal/core"
)

// SQLiteStore is the durable ledger store.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// InTx runs fn inside a BEGIN IMMEDIATE transaction. The write lock is
// taken up front so a check-then-insert (the over-allocation guard)
// cannot interleave with a concurrent writer.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&sqliteTx{conn: conn}); err != nil {
		if _, rbErr := conn.ExecContext(ctx, "ROLLBACK"); rbErr != nil {
			return fmt.Errorf("rollback after %w: %v", err, rbErr)
		}
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Accounts(ctx context.Context, ids []string) ([]core.BankAccount, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := "SELECT id, family_id, name FROM bank_accounts WHERE id IN (" + placeholders(len(ids)) + ")"
	rows, err := s.db.QueryContext(ctx, query, toAnySlice(ids)...)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []core.BankAccount
	for rows.Next() {
		var a core.BankAccount
		if err := rows.Scan(&a.ID, &a.FamilyID, &a.Name); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *SQLiteStore) OutflowTransactions(ctx context.Context, familyID string, q TransactionQuery) ([]core.Transaction, error) {
	query := `SELECT t.id, t.account_id, t.amount, t.date, t.description, t.pending, t.matched_payment_id
		FROM transactions t
		JOIN bank_accounts a ON a.id = t.account_id
		WHERE a.family_id = ? AND CAST(t.amount AS REAL) < 0
		  AND t.date >= ? AND t.date <= ?`
	args := []any{familyID, q.From.String(), q.To.String()}

	if len(q.AccountIDs) > 0 {
		query += " AND t.account_id IN (" + placeholders(len(q.AccountIDs)) + ")"
		args = append(args, toAnySlice(q.AccountIDs)...)
	}
	if q.ExcludeMatched {
		query += " AND (t.matched_payment_id IS NULL OR t.matched_payment_id = '')"
	}
	query += " ORDER BY t.date, t.id"
	if q.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, q.Limit, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var txns []core.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

func (s *SQLiteStore) UnpaidPaymentsDueBetween(ctx context.Context, familyID string, from, to core.Date) ([]core.Payment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, family_id, payee, amount, due_date, status, category_id
		FROM payments
		WHERE family_id = ? AND status IN ('scheduled', 'overdue')
		  AND due_date >= ? AND due_date <= ?
		ORDER BY due_date, id`,
		familyID, from.String(), to.String())
	if err != nil {
		return nil, fmt.Errorf("query unpaid payments: %w", err)
	}
	defer rows.Close()

	var payments []core.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// sqliteTx implements Tx on a dedicated connection holding the write lock.
type sqliteTx struct {
	conn *sql.Conn
}

func (t *sqliteTx) IncomeEvent(ctx context.Context, familyID, id string) (core.IncomeEvent, error) {
	row := t.conn.QueryRowContext(ctx, `SELECT id, family_id, scheduled_amount, scheduled_date, status,
		actual_amount, allocated_amount, remaining_amount
		FROM income_events WHERE id = ? AND family_id = ?`, id, familyID)

	var (
		e             core.IncomeEvent
		scheduledDate string
		actualAmount  sql.NullString
		scheduledStr  string
		allocatedStr  string
		remainingStr  string
	)
	err := row.Scan(&e.ID, &e.FamilyID, &scheduledStr, &scheduledDate, &e.Status,
		&actualAmount, &allocatedStr, &remainingStr)
	if errors.Is(err, sql.ErrNoRows) {
		return core.IncomeEvent{}, core.Errorf(core.KindNotFound, "income event %s not found", id)
	}
	if err != nil {
		return core.IncomeEvent{}, fmt.Errorf("scan income event: %w", err)
	}

	if e.ScheduledAmount, err = parseStoredAmount(scheduledStr); err != nil {
		return core.IncomeEvent{}, err
	}
	if e.AllocatedAmount, err = parseStoredAmount(allocatedStr); err != nil {
		return core.IncomeEvent{}, err
	}
	if e.RemainingAmount, err = parseStoredAmount(remainingStr); err != nil {
		return core.IncomeEvent{}, err
	}
	if e.ScheduledDate, err = core.ParseDate(scheduledDate); err != nil {
		return core.IncomeEvent{}, fmt.Errorf("parse scheduled date: %w", err)
	}
	if actualAmount.Valid {
		actual, err := parseStoredAmount(actualAmount.String)
		if err != nil {
			return core.IncomeEvent{}, err
		}
		e.ActualAmount = &actual
	}
	return e, nil
}

func (t *sqliteTx) Payment(ctx context.Context, familyID, id string) (core.Payment, error) {
	row := t.conn.QueryRowContext(ctx, `SELECT id, family_id, payee, amount, due_date, status, category_id
		FROM payments WHERE id = ? AND family_id = ?`, id, familyID)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Payment{}, core.Errorf(core.KindNotFound, "payment %s not found", id)
	}
	return p, err
}

func (t *sqliteTx) Attribution(ctx context.Context, familyID, id string) (core.PaymentAttribution, error) {
	row := t.conn.QueryRowContext(ctx, `SELECT pa.id, pa.income_event_id, pa.payment_id, pa.amount, pa.type, pa.created_by, pa.created_at
		FROM payment_attributions pa
		JOIN income_events ie ON ie.id = pa.income_event_id
		WHERE pa.id = ? AND ie.family_id = ?`, id, familyID)
	a, err := scanAttribution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.PaymentAttribution{}, core.Errorf(core.KindNotFound, "attribution %s not found", id)
	}
	return a, err
}

func (t *sqliteTx) AttributionsByIncomeEvent(ctx context.Context, incomeEventID string) ([]core.PaymentAttribution, error) {
	rows, err := t.conn.QueryContext(ctx, `SELECT id, income_event_id, payment_id, amount, type, created_by, created_at
		FROM payment_attributions WHERE income_event_id = ?
		ORDER BY created_at DESC, id DESC`, incomeEventID)
	if err != nil {
		return nil, fmt.Errorf("query attributions: %w", err)
	}
	defer rows.Close()
	return collectAttributions(rows)
}

func (t *sqliteTx) AttributionsByPayment(ctx context.Context, paymentID string) ([]core.PaymentAttribution, error) {
	rows, err := t.conn.QueryContext(ctx, `SELECT id, income_event_id, payment_id, amount, type, created_by, created_at
		FROM payment_attributions WHERE payment_id = ?
		ORDER BY id`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("query attributions by payment: %w", err)
	}
	defer rows.Close()
	return collectAttributions(rows)
}

func (t *sqliteTx) InsertAttribution(ctx context.Context, a core.PaymentAttribution) error {
	_, err := t.conn.ExecContext(ctx, `INSERT INTO payment_attributions
		(id, income_event_id, payment_id, amount, type, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.IncomeEventID, a.PaymentID, a.Amount.String(), string(a.Type), a.CreatedBy,
		a.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert attribution: %w", err)
	}
	return nil
}

func (t *sqliteTx) DeleteAttribution(ctx context.Context, id string) error {
	if _, err := t.conn.ExecContext(ctx, "DELETE FROM payment_attributions WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete attribution: %w", err)
	}
	return nil
}

func (t *sqliteTx) SetIncomeTotals(ctx context.Context, incomeEventID string, allocated, remaining decimal.Decimal) error {
	res, err := t.conn.ExecContext(ctx,
		"UPDATE income_events SET allocated_amount = ?, remaining_amount = ? WHERE id = ?",
		allocated.String(), remaining.String(), incomeEventID)
	if err != nil {
		return fmt.Errorf("update income totals: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return core.Errorf(core.KindNotFound, "income event %s not found", incomeEventID)
	}
	return nil
}

func (t *sqliteTx) ActiveCategories(ctx context.Context, familyID string) ([]core.BudgetCategory, error) {
	rows, err := t.conn.QueryContext(ctx, `SELECT id, family_id, name, target_percentage, active, sort_order
		FROM budget_categories WHERE family_id = ? AND active = 1
		ORDER BY sort_order, id`, familyID)
	if err != nil {
		return nil, fmt.Errorf("query categories: %w", err)
	}
	defer rows.Close()

	var cats []core.BudgetCategory
	for rows.Next() {
		var (
			c      core.BudgetCategory
			pct    string
			active int
		)
		if err := rows.Scan(&c.ID, &c.FamilyID, &c.Name, &pct, &active, &c.SortOrder); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		if c.TargetPercentage, err = parseStoredAmount(pct); err != nil {
			return nil, err
		}
		c.Active = active != 0
		cats = append(cats, c)
	}
	return cats, rows.Err()
}

func (t *sqliteTx) HasAllocations(ctx context.Context, incomeEventID string) (bool, error) {
	var exists int
	err := t.conn.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM budget_allocations WHERE income_event_id = ?)", incomeEventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check allocations: %w", err)
	}
	return exists != 0, nil
}

func (t *sqliteTx) InsertAllocations(ctx context.Context, allocations []core.BudgetAllocation) error {
	for _, a := range allocations {
		_, err := t.conn.ExecContext(ctx, `INSERT INTO budget_allocations
			(id, income_event_id, category_id, amount, percentage)
			VALUES (?, ?, ?, ?, ?)`,
			a.ID, a.IncomeEventID, a.CategoryID, a.Amount.String(), a.Percentage.String())
		if err != nil {
			return fmt.Errorf("insert allocation for category %s: %w", a.CategoryID, err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (core.Payment, error) {
	var (
		p          core.Payment
		amountStr  string
		dueDateStr string
		categoryID sql.NullString
	)
	err := row.Scan(&p.ID, &p.FamilyID, &p.Payee, &amountStr, &dueDateStr, &p.Status, &categoryID)
	if err != nil {
		return core.Payment{}, err
	}
	if p.Amount, err = parseStoredAmount(amountStr); err != nil {
		return core.Payment{}, err
	}
	if p.DueDate, err = core.ParseDate(dueDateStr); err != nil {
		return core.Payment{}, fmt.Errorf("parse due date: %w", err)
	}
	p.CategoryID = categoryID.String
	return p, nil
}

func scanTransaction(row rowScanner) (core.Transaction, error) {
	var (
		txn       core.Transaction
		amountStr string
		dateStr   string
		pending   int
		matched   sql.NullString
	)
	err := row.Scan(&txn.ID, &txn.AccountID, &amountStr, &dateStr, &txn.Description, &pending, &matched)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("scan transaction: %w", err)
	}
	if txn.Amount, err = parseStoredAmount(amountStr); err != nil {
		return core.Transaction{}, err
	}
	if txn.Date, err = core.ParseDate(dateStr); err != nil {
		return core.Transaction{}, fmt.Errorf("parse transaction date: %w", err)
	}
	txn.Pending = pending != 0
	txn.MatchedPaymentID = matched.String
	return txn, nil
}

func scanAttribution(row rowScanner) (core.PaymentAttribution, error) {
	var (
		a         core.PaymentAttribution
		amountStr string
		createdAt string
	)
	err := row.Scan(&a.ID, &a.IncomeEventID, &a.PaymentID, &amountStr, &a.Type, &a.CreatedBy, &createdAt)
	if err != nil {
		return core.PaymentAttribution{}, err
	}
	if a.Amount, err = parseStoredAmount(amountStr); err != nil {
		return core.PaymentAttribution{}, err
	}
	if a.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return core.PaymentAttribution{}, fmt.Errorf("parse created_at: %w", err)
	}
	return a, nil
}

func collectAttributions(rows *sql.Rows) ([]core.PaymentAttribution, error) {
	var attrs []core.PaymentAttribution
	for rows.Next() {
		a, err := scanAttribution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attribution: %w", err)
		}
		attrs = append(attrs, a)
	}
	return attrs, rows.Err()
}

// parseStoredAmount parses a decimal column. Amounts are stored as their
// canonical decimal string so no precision is lost in the round trip.
func parseStoredAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse stored amount %q: %w", s, err)
	}
	return d, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toAnySlice(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
