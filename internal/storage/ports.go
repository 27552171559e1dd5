// Package storage provides the ledger store: durable persistence for
// income events, payments, attributions, budget categories, allocations
// and bank transactions, keyed by family.
//
// Two implementations exist: SQLite (production) and an in-memory store
// used for tests and the memory backend.
package storage

import (
	"context"

	"github.com/shopspring/decimal"

	"famledger/internal/core"
)

// Ports for the engine services.
type (
	// Store is the ledger store. Mutating operations go through InTx so
	// the check-then-write sequences of the services execute as one
	// atomic, serialized unit.
	Store interface {
		// InTx runs fn inside a transaction. If fn returns an error the
		// transaction is rolled back and the error is returned unchanged.
		InTx(ctx context.Context, fn func(tx Tx) error) error

		MatchReader

		Close() error
	}

	// Tx is the transactional view used by the attribution ledger and
	// the budget allocator. Lookups are family-scoped: an entity that
	// exists but belongs to another family is reported as not found.
	Tx interface {
		IncomeEvent(ctx context.Context, familyID, id string) (core.IncomeEvent, error)
		Payment(ctx context.Context, familyID, id string) (core.Payment, error)
		Attribution(ctx context.Context, familyID, id string) (core.PaymentAttribution, error)

		// AttributionsByIncomeEvent returns attributions ordered by
		// creation time descending.
		AttributionsByIncomeEvent(ctx context.Context, incomeEventID string) ([]core.PaymentAttribution, error)
		AttributionsByPayment(ctx context.Context, paymentID string) ([]core.PaymentAttribution, error)
		InsertAttribution(ctx context.Context, a core.PaymentAttribution) error
		DeleteAttribution(ctx context.Context, id string) error

		// SetIncomeTotals persists the derived allocated/remaining
		// amounts recomputed from the attribution rows.
		SetIncomeTotals(ctx context.Context, incomeEventID string, allocated, remaining decimal.Decimal) error

		// ActiveCategories returns the family's active budget categories
		// ordered by sort order.
		ActiveCategories(ctx context.Context, familyID string) ([]core.BudgetCategory, error)
		HasAllocations(ctx context.Context, incomeEventID string) (bool, error)
		InsertAllocations(ctx context.Context, allocations []core.BudgetAllocation) error
	}

	// MatchReader is the read-only surface the transaction matcher scans.
	// It runs outside a transaction; matcher output may be stale relative
	// to concurrent attribution writes, which is acceptable for a
	// proposal engine.
	MatchReader interface {
		// Accounts returns the bank accounts for the given ids. Unknown
		// ids are simply absent from the result.
		Accounts(ctx context.Context, ids []string) ([]core.BankAccount, error)

		// OutflowTransactions pages through the family's debit
		// transactions matching the query, ordered by date then id.
		OutflowTransactions(ctx context.Context, familyID string, q TransactionQuery) ([]core.Transaction, error)

		// UnpaidPaymentsDueBetween returns the family's scheduled and
		// overdue payments with a due date inside [from, to].
		UnpaidPaymentsDueBetween(ctx context.Context, familyID string, from, to core.Date) ([]core.Payment, error)
	}
)

// TransactionQuery bounds an outflow-transaction scan.
type TransactionQuery struct {
	From core.Date
	To   core.Date

	// AccountIDs restricts the scan to the given accounts; empty means
	// every account in the family.
	AccountIDs []string

	// ExcludeMatched skips transactions already tied to a payment.
	ExcludeMatched bool

	// Limit and Offset page the scan so large windows are never held in
	// memory at once.
	Limit  int
	Offset int
}
