// Package allocator generates the percentage-based split of an income
// event across a family's active budget categories.
package allocator

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"famledger/internal/core"
	"famledger/internal/storage"
)

// Service derives and persists budget allocations.
type Service struct {
	store storage.Store
}

func NewService(store storage.Store) *Service {
	return &Service{store: store}
}

// Summary describes a generated allocation set.
type Summary struct {
	TotalAllocated decimal.Decimal
	CategoryCount  int
}

// Result is the output of Generate: one allocation per active category
// plus the summary.
type Result struct {
	Allocations []core.BudgetAllocation
	Summary     Summary
}

var hundred = decimal.NewFromInt(100)

// Generate computes one allocation per active category, rounding each
// amount to two decimal places and assigning the rounding remainder to
// the last category in sort order, so the amounts sum exactly to the
// income event's effective amount. The whole set is inserted as one
// atomic batch.
//
// Regeneration is not silent: if allocations already exist for the
// income event the call fails and the caller must delete them first.
func (s *Service) Generate(ctx context.Context, familyID, incomeEventID string, overrides map[string]decimal.Decimal) (Result, error) {
	for categoryID, pct := range overrides {
		if err := core.ValidatePercentage(pct); err != nil {
			return Result{}, core.Errorf(core.KindInvalidPercentage,
				"override for category %s: percentage must be in (0, 100], got %s", categoryID, pct)
		}
	}

	var result Result
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		event, err := tx.IncomeEvent(ctx, familyID, incomeEventID)
		if err != nil {
			return err
		}
		if event.Status == core.IncomeCancelled {
			return core.Errorf(core.KindInvalidRequest, "income event %s is cancelled", event.ID)
		}

		exists, err := tx.HasAllocations(ctx, incomeEventID)
		if err != nil {
			return err
		}
		if exists {
			return core.Errorf(core.KindInvalidRequest,
				"allocations already exist for income event %s; delete them before regenerating", incomeEventID)
		}

		categories, err := tx.ActiveCategories(ctx, familyID)
		if err != nil {
			return err
		}
		if len(categories) == 0 {
			return core.Errorf(core.KindNoBudgetCategories, "family %s has no active budget categories", familyID)
		}

		known := make(map[string]bool, len(categories))
		for _, c := range categories {
			known[c.ID] = true
		}
		for categoryID := range overrides {
			if !known[categoryID] {
				return core.Errorf(core.KindInvalidRequest, "override references unknown category %s", categoryID)
			}
		}

		effective := event.EffectiveAmount()
		allocations := splitAmount(event.ID, effective, categories, overrides)

		if err := tx.InsertAllocations(ctx, allocations); err != nil {
			return err
		}

		total := decimal.Zero
		for _, a := range allocations {
			total = total.Add(a.Amount)
		}
		result = Result{
			Allocations: allocations,
			Summary:     Summary{TotalAllocated: total, CategoryCount: len(allocations)},
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	slog.InfoContext(ctx, "Allocations generated",
		"income_event_id", incomeEventID,
		"categories", result.Summary.CategoryCount,
		"total", core.FormatAmount(result.Summary.TotalAllocated))

	return result, nil
}

// splitAmount applies each category's effective percentage, rounded to
// two decimal places. The last category absorbs the rounding remainder:
// its amount is whatever is left after the others, which keeps the sum
// cent-exact regardless of how the percentages round.
func splitAmount(incomeEventID string, effective decimal.Decimal, categories []core.BudgetCategory, overrides map[string]decimal.Decimal) []core.BudgetAllocation {
	allocations := make([]core.BudgetAllocation, 0, len(categories))
	allocatedSoFar := decimal.Zero

	for i, category := range categories {
		pct := category.TargetPercentage
		if override, ok := overrides[category.ID]; ok {
			pct = override
		}

		var amount decimal.Decimal
		if i == len(categories)-1 {
			amount = effective.Sub(allocatedSoFar)
		} else {
			amount = pct.Mul(effective).Div(hundred).Round(2)
		}
		allocatedSoFar = allocatedSoFar.Add(amount)

		allocations = append(allocations, core.BudgetAllocation{
			ID:            uuid.NewString(),
			IncomeEventID: incomeEventID,
			CategoryID:    category.ID,
			Amount:        amount,
			Percentage:    pct,
		})
	}
	return allocations
}
