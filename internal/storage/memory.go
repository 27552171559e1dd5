package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"famledger/internal/core"
)

// MemoryStore is an in-process ledger store. It backs the memory data
// backend and the service tests. A single mutex serializes transactions;
// mutations are applied to a copy and swapped in on commit, so a failed
// transaction leaves no partial writes behind.
type MemoryStore struct {
	mu   sync.Mutex
	data *memData
}

type memData struct {
	incomeEvents map[string]core.IncomeEvent
	payments     map[string]core.Payment
	attributions map[string]core.PaymentAttribution
	categories   map[string]core.BudgetCategory
	allocations  map[string]core.BudgetAllocation
	accounts     map[string]core.BankAccount
	transactions map[string]core.Transaction
}

func newMemData() *memData {
	return &memData{
		incomeEvents: make(map[string]core.IncomeEvent),
		payments:     make(map[string]core.Payment),
		attributions: make(map[string]core.PaymentAttribution),
		categories:   make(map[string]core.BudgetCategory),
		allocations:  make(map[string]core.BudgetAllocation),
		accounts:     make(map[string]core.BankAccount),
		transactions: make(map[string]core.Transaction),
	}
}

func (d *memData) clone() *memData {
	c := newMemData()
	for k, v := range d.incomeEvents {
		c.incomeEvents[k] = v
	}
	for k, v := range d.payments {
		c.payments[k] = v
	}
	for k, v := range d.attributions {
		c.attributions[k] = v
	}
	for k, v := range d.categories {
		c.categories[k] = v
	}
	for k, v := range d.allocations {
		c.allocations[k] = v
	}
	for k, v := range d.accounts {
		c.accounts[k] = v
	}
	for k, v := range d.transactions {
		c.transactions[k] = v
	}
	return c
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newMemData()}
}

// InTx runs fn against a copy of the store under the lock. The copy is
// swapped in only when fn succeeds.
func (s *MemoryStore) InTx(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.data.clone()
	if err := fn(&memTx{data: working}); err != nil {
		return err
	}
	s.data = working
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// Seed helpers populate the store outside the engine's own operations
// (entity CRUD is an external collaborator).

func (s *MemoryStore) SeedIncomeEvent(e core.IncomeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.AllocatedAmount.IsZero() && e.RemainingAmount.IsZero() {
		e.RemainingAmount = e.EffectiveAmount()
	}
	s.data.incomeEvents[e.ID] = e
}

func (s *MemoryStore) SeedPayment(p core.Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.payments[p.ID] = p
}

func (s *MemoryStore) SeedCategory(c core.BudgetCategory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.categories[c.ID] = c
}

func (s *MemoryStore) SeedAccount(a core.BankAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.accounts[a.ID] = a
}

func (s *MemoryStore) SeedTransaction(t core.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.transactions[t.ID] = t
}

// IncomeEventByID reads an income event outside a transaction (tests).
func (s *MemoryStore) IncomeEventByID(id string) (core.IncomeEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data.incomeEvents[id]
	return e, ok
}

func (s *MemoryStore) Accounts(_ context.Context, ids []string) ([]core.BankAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var accounts []core.BankAccount
	for _, id := range ids {
		if a, ok := s.data.accounts[id]; ok {
			accounts = append(accounts, a)
		}
	}
	return accounts, nil
}

func (s *MemoryStore) OutflowTransactions(_ context.Context, familyID string, q TransactionQuery) ([]core.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wantAccount := make(map[string]bool, len(q.AccountIDs))
	for _, id := range q.AccountIDs {
		wantAccount[id] = true
	}

	var txns []core.Transaction
	for _, t := range s.data.transactions {
		account, ok := s.data.accounts[t.AccountID]
		if !ok || account.FamilyID != familyID {
			continue
		}
		if len(wantAccount) > 0 && !wantAccount[t.AccountID] {
			continue
		}
		if !t.Outflow() {
			continue
		}
		if q.ExcludeMatched && t.Matched() {
			continue
		}
		if t.Date.Before(q.From.Time) || t.Date.After(q.To.Time) {
			continue
		}
		txns = append(txns, t)
	}

	sort.Slice(txns, func(i, j int) bool {
		if !txns[i].Date.Equal(txns[j].Date.Time) {
			return txns[i].Date.Before(txns[j].Date.Time)
		}
		return txns[i].ID < txns[j].ID
	})

	return page(txns, q.Offset, q.Limit), nil
}

func (s *MemoryStore) UnpaidPaymentsDueBetween(_ context.Context, familyID string, from, to core.Date) ([]core.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payments []core.Payment
	for _, p := range s.data.payments {
		if p.FamilyID != familyID || !p.Unpaid() {
			continue
		}
		if p.DueDate.Before(from.Time) || p.DueDate.After(to.Time) {
			continue
		}
		payments = append(payments, p)
	}

	sort.Slice(payments, func(i, j int) bool {
		if !payments[i].DueDate.Equal(payments[j].DueDate.Time) {
			return payments[i].DueDate.Before(payments[j].DueDate.Time)
		}
		return payments[i].ID < payments[j].ID
	})

	return payments, nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// memTx implements Tx against the working copy of a transaction.
type memTx struct {
	data *memData
}

func (t *memTx) IncomeEvent(_ context.Context, familyID, id string) (core.IncomeEvent, error) {
	e, ok := t.data.incomeEvents[id]
	if !ok || e.FamilyID != familyID {
		return core.IncomeEvent{}, core.Errorf(core.KindNotFound, "income event %s not found", id)
	}
	return e, nil
}

func (t *memTx) Payment(_ context.Context, familyID, id string) (core.Payment, error) {
	p, ok := t.data.payments[id]
	if !ok || p.FamilyID != familyID {
		return core.Payment{}, core.Errorf(core.KindNotFound, "payment %s not found", id)
	}
	return p, nil
}

func (t *memTx) Attribution(_ context.Context, familyID, id string) (core.PaymentAttribution, error) {
	a, ok := t.data.attributions[id]
	if !ok {
		return core.PaymentAttribution{}, core.Errorf(core.KindNotFound, "attribution %s not found", id)
	}
	// Family scoping goes through the owning income event.
	e, ok := t.data.incomeEvents[a.IncomeEventID]
	if !ok || e.FamilyID != familyID {
		return core.PaymentAttribution{}, core.Errorf(core.KindNotFound, "attribution %s not found", id)
	}
	return a, nil
}

func (t *memTx) AttributionsByIncomeEvent(_ context.Context, incomeEventID string) ([]core.PaymentAttribution, error) {
	var attrs []core.PaymentAttribution
	for _, a := range t.data.attributions {
		if a.IncomeEventID == incomeEventID {
			attrs = append(attrs, a)
		}
	}
	sort.Slice(attrs, func(i, j int) bool {
		if !attrs[i].CreatedAt.Equal(attrs[j].CreatedAt) {
			return attrs[i].CreatedAt.After(attrs[j].CreatedAt)
		}
		return attrs[i].ID > attrs[j].ID
	})
	return attrs, nil
}

func (t *memTx) AttributionsByPayment(_ context.Context, paymentID string) ([]core.PaymentAttribution, error) {
	var attrs []core.PaymentAttribution
	for _, a := range t.data.attributions {
		if a.PaymentID == paymentID {
			attrs = append(attrs, a)
		}
	}
	sort.Slice(attrs, func(i, j int) bool { return attrs[i].ID < attrs[j].ID })
	return attrs, nil
}

func (t *memTx) InsertAttribution(_ context.Context, a core.PaymentAttribution) error {
	t.data.attributions[a.ID] = a
	return nil
}

func (t *memTx) DeleteAttribution(_ context.Context, id string) error {
	delete(t.data.attributions, id)
	return nil
}

func (t *memTx) SetIncomeTotals(_ context.Context, incomeEventID string, allocated, remaining decimal.Decimal) error {
	e, ok := t.data.incomeEvents[incomeEventID]
	if !ok {
		return core.Errorf(core.KindNotFound, "income event %s not found", incomeEventID)
	}
	e.AllocatedAmount = allocated
	e.RemainingAmount = remaining
	t.data.incomeEvents[incomeEventID] = e
	return nil
}

func (t *memTx) ActiveCategories(_ context.Context, familyID string) ([]core.BudgetCategory, error) {
	var cats []core.BudgetCategory
	for _, c := range t.data.categories {
		if c.FamilyID == familyID && c.Active {
			cats = append(cats, c)
		}
	}
	sort.Slice(cats, func(i, j int) bool {
		if cats[i].SortOrder != cats[j].SortOrder {
			return cats[i].SortOrder < cats[j].SortOrder
		}
		return cats[i].ID < cats[j].ID
	})
	return cats, nil
}

func (t *memTx) HasAllocations(_ context.Context, incomeEventID string) (bool, error) {
	for _, a := range t.data.allocations {
		if a.IncomeEventID == incomeEventID {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) InsertAllocations(_ context.Context, allocations []core.BudgetAllocation) error {
	for _, a := range allocations {
		t.data.allocations[a.ID] = a
	}
	return nil
}
