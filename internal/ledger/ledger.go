// Package ledger implements the attribution ledger: linking payments to
// the income events that fund them, while keeping each income event's
// allocated and remaining amounts consistent with the attribution rows.
package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"famledger/internal/core"
	"famledger/internal/storage"
)

// Service owns creation and removal of payment attributions.
type Service struct {
	store storage.Store
}

func NewService(store storage.Store) *Service {
	return &Service{store: store}
}

// CreateRequest describes a new attribution.
type CreateRequest struct {
	IncomeEventID string
	PaymentID     string
	Amount        decimal.Decimal
	Type          core.AttributionType
	ActorID       string
}

// ListResult is the self-consistent read of an income event's
// attributions. Totals are recomputed from the rows, never read from the
// cached income-event fields.
type ListResult struct {
	Attributions    []core.PaymentAttribution
	TotalAttributed decimal.Decimal
	RemainingAmount decimal.Decimal
}

// Create validates and persists an attribution, then recomputes the
// income event's derived totals in the same transaction. Either both the
// attribution row and the totals land, or neither does.
func (s *Service) Create(ctx context.Context, familyID string, req CreateRequest) (core.PaymentAttribution, error) {
	if err := core.ValidateAmount(req.Amount); err != nil {
		return core.PaymentAttribution{}, err
	}
	if req.Type != core.AttributionManual && req.Type != core.AttributionAutomatic {
		return core.PaymentAttribution{}, core.Errorf(core.KindInvalidRequest, "unknown attribution type %q", req.Type)
	}

	attribution := core.PaymentAttribution{
		ID:            uuid.NewString(),
		IncomeEventID: req.IncomeEventID,
		PaymentID:     req.PaymentID,
		Amount:        req.Amount,
		Type:          req.Type,
		CreatedBy:     req.ActorID,
		CreatedAt:     time.Now().UTC(),
	}

	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		event, err := tx.IncomeEvent(ctx, familyID, req.IncomeEventID)
		if err != nil {
			return err
		}
		if event.Status == core.IncomeCancelled {
			return core.Errorf(core.KindInvalidRequest, "income event %s is cancelled", event.ID)
		}

		payment, err := tx.Payment(ctx, familyID, req.PaymentID)
		if err != nil {
			return err
		}
		if payment.Status == core.PaymentCancelled {
			return core.Errorf(core.KindInvalidRequest, "payment %s is cancelled", payment.ID)
		}

		effective := event.EffectiveAmount()
		incomeAttributed, err := sumAttributions(ctx, tx.AttributionsByIncomeEvent, event.ID)
		if err != nil {
			return err
		}
		if incomeAttributed.Add(req.Amount).GreaterThan(effective) {
			return core.Errorf(core.KindOverAllocation,
				"attribution of %s exceeds remaining %s on income event %s",
				core.FormatAmount(req.Amount), core.FormatAmount(effective.Sub(incomeAttributed)), event.ID)
		}

		paymentAttributed, err := sumAttributions(ctx, tx.AttributionsByPayment, payment.ID)
		if err != nil {
			return err
		}
		if paymentAttributed.Add(req.Amount).GreaterThan(payment.Amount) {
			return core.Errorf(core.KindOverAllocation,
				"attribution of %s exceeds payment %s amount %s (already attributed %s)",
				core.FormatAmount(req.Amount), payment.ID, core.FormatAmount(payment.Amount), core.FormatAmount(paymentAttributed))
		}

		if err := tx.InsertAttribution(ctx, attribution); err != nil {
			return err
		}
		return recomputeTotals(ctx, tx, event)
	})
	if err != nil {
		return core.PaymentAttribution{}, err
	}

	slog.InfoContext(ctx, "Attribution created",
		"attribution_id", attribution.ID,
		"income_event_id", req.IncomeEventID,
		"payment_id", req.PaymentID,
		"amount", core.FormatAmount(req.Amount),
		"type", string(req.Type))

	return attribution, nil
}

// Remove deletes an attribution and recomputes the owning income event's
// totals from the remaining rows. Recomputation never uses subtraction,
// so drift from concurrent writes cannot accumulate. The removed row is
// returned so callers can invalidate anything derived from it.
func (s *Service) Remove(ctx context.Context, familyID, attributionID string) (core.PaymentAttribution, error) {
	var removed core.PaymentAttribution
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		attribution, err := tx.Attribution(ctx, familyID, attributionID)
		if err != nil {
			return err
		}
		event, err := tx.IncomeEvent(ctx, familyID, attribution.IncomeEventID)
		if err != nil {
			return err
		}
		if err := tx.DeleteAttribution(ctx, attributionID); err != nil {
			return err
		}
		removed = attribution
		return recomputeTotals(ctx, tx, event)
	})
	if err != nil {
		return core.PaymentAttribution{}, err
	}

	slog.InfoContext(ctx, "Attribution removed", "attribution_id", attributionID, "family_id", familyID)
	return removed, nil
}

// List returns an income event's attributions newest first, with totals
// recomputed from the rows inside one transaction so the response is
// self-consistent.
func (s *Service) List(ctx context.Context, familyID, incomeEventID string) (ListResult, error) {
	var result ListResult
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		event, err := tx.IncomeEvent(ctx, familyID, incomeEventID)
		if err != nil {
			return err
		}
		attrs, err := tx.AttributionsByIncomeEvent(ctx, incomeEventID)
		if err != nil {
			return err
		}

		total := decimal.Zero
		for _, a := range attrs {
			total = total.Add(a.Amount)
		}
		result = ListResult{
			Attributions:    attrs,
			TotalAttributed: total,
			RemainingAmount: event.EffectiveAmount().Sub(total),
		}
		return nil
	})
	return result, err
}

// recomputeTotals rebuilds the income event's derived fields from the
// current attribution rows and persists them.
func recomputeTotals(ctx context.Context, tx storage.Tx, event core.IncomeEvent) error {
	allocated, err := sumAttributions(ctx, tx.AttributionsByIncomeEvent, event.ID)
	if err != nil {
		return err
	}
	remaining := event.EffectiveAmount().Sub(allocated)
	return tx.SetIncomeTotals(ctx, event.ID, allocated, remaining)
}

func sumAttributions(ctx context.Context, list func(context.Context, string) ([]core.PaymentAttribution, error), id string) (decimal.Decimal, error) {
	attrs, err := list(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, a := range attrs {
		total = total.Add(a.Amount)
	}
	return total, nil
}
