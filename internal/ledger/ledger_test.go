package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"famledger/internal/core"
	"famledger/internal/storage"
)

func newTestService(t *testing.T) (*Service, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	return NewService(store), store
}

func seedIncome(store *storage.MemoryStore, id, familyID, amount string) {
	store.SeedIncomeEvent(core.IncomeEvent{
		ID:              id,
		FamilyID:        familyID,
		ScheduledAmount: decimal.RequireFromString(amount),
		ScheduledDate:   core.NewDate(2025, 3, 1),
		Status:          core.IncomeScheduled,
	})
}

func seedPayment(store *storage.MemoryStore, id, familyID, amount string) {
	store.SeedPayment(core.Payment{
		ID:       id,
		FamilyID: familyID,
		Payee:    "Acme",
		Amount:   decimal.RequireFromString(amount),
		DueDate:  core.NewDate(2025, 3, 15),
		Status:   core.PaymentScheduled,
	})
}

func mustCreate(t *testing.T, svc *Service, familyID, incomeID, paymentID, amount string) core.PaymentAttribution {
	t.Helper()
	attr, err := svc.Create(context.Background(), familyID, CreateRequest{
		IncomeEventID: incomeID,
		PaymentID:     paymentID,
		Amount:        decimal.RequireFromString(amount),
		Type:          core.AttributionManual,
		ActorID:       "user-1",
	})
	if err != nil {
		t.Fatalf("Create(%s): %v", amount, err)
	}
	return attr
}

func TestCreate_PartialAttribution(t *testing.T) {
	svc, store := newTestService(t)
	seedIncome(store, "inc-1", "fam-1", "5000")
	seedPayment(store, "pay-rent", "fam-1", "1500")
	seedPayment(store, "pay-power", "fam-1", "300")
	seedPayment(store, "pay-water", "fam-1", "450")

	mustCreate(t, svc, "fam-1", "inc-1", "pay-rent", "1500")
	mustCreate(t, svc, "fam-1", "inc-1", "pay-power", "300")
	mustCreate(t, svc, "fam-1", "inc-1", "pay-water", "450")

	result, err := svc.List(context.Background(), "fam-1", "inc-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if got := core.FormatAmount(result.TotalAttributed); got != "2250.00" {
		t.Errorf("TotalAttributed = %s, want 2250.00", got)
	}
	if got := core.FormatAmount(result.RemainingAmount); got != "2750.00" {
		t.Errorf("RemainingAmount = %s, want 2750.00", got)
	}
	if len(result.Attributions) != 3 {
		t.Errorf("len(Attributions) = %d, want 3", len(result.Attributions))
	}

	// Derived fields on the income event are updated with the rows.
	event, ok := store.IncomeEventByID("inc-1")
	if !ok {
		t.Fatal("income event missing")
	}
	if got := core.FormatAmount(event.AllocatedAmount); got != "2250.00" {
		t.Errorf("cached AllocatedAmount = %s, want 2250.00", got)
	}
	if got := core.FormatAmount(event.RemainingAmount); got != "2750.00" {
		t.Errorf("cached RemainingAmount = %s, want 2750.00", got)
	}
}

func TestCreate_OverAllocationRejectedByOneCent(t *testing.T) {
	svc, store := newTestService(t)
	seedIncome(store, "inc-1", "fam-1", "2000")
	seedPayment(store, "pay-1", "fam-1", "2000")
	seedPayment(store, "pay-2", "fam-1", "100")

	mustCreate(t, svc, "fam-1", "inc-1", "pay-1", "2000")

	_, err := svc.Create(context.Background(), "fam-1", CreateRequest{
		IncomeEventID: "inc-1",
		PaymentID:     "pay-2",
		Amount:        decimal.RequireFromString("0.01"),
		Type:          core.AttributionManual,
	})
	if !errors.Is(err, core.ErrOverAllocation) {
		t.Fatalf("error = %v, want OverAllocation", err)
	}

	// Rejected attempt must leave totals untouched.
	event, _ := store.IncomeEventByID("inc-1")
	if got := core.FormatAmount(event.RemainingAmount); got != "0.00" {
		t.Errorf("RemainingAmount after rejection = %s, want 0.00", got)
	}
}

func TestCreate_PaymentOverAttributionRejected(t *testing.T) {
	svc, store := newTestService(t)
	seedIncome(store, "inc-1", "fam-1", "5000")
	seedPayment(store, "pay-1", "fam-1", "100")

	mustCreate(t, svc, "fam-1", "inc-1", "pay-1", "80")

	_, err := svc.Create(context.Background(), "fam-1", CreateRequest{
		IncomeEventID: "inc-1",
		PaymentID:     "pay-1",
		Amount:        decimal.RequireFromString("20.01"),
		Type:          core.AttributionManual,
	})
	if !errors.Is(err, core.ErrOverAllocation) {
		t.Fatalf("error = %v, want OverAllocation for payment amount", err)
	}
}

func TestCreate_UsesActualAmountWhenReceived(t *testing.T) {
	svc, store := newTestService(t)
	actual := decimal.RequireFromString("1800")
	store.SeedIncomeEvent(core.IncomeEvent{
		ID:              "inc-1",
		FamilyID:        "fam-1",
		ScheduledAmount: decimal.NewFromInt(2000),
		Status:          core.IncomeReceived,
		ActualAmount:    &actual,
	})
	seedPayment(store, "pay-1", "fam-1", "1900")

	_, err := svc.Create(context.Background(), "fam-1", CreateRequest{
		IncomeEventID: "inc-1",
		PaymentID:     "pay-1",
		Amount:        decimal.RequireFromString("1900"),
		Type:          core.AttributionManual,
	})
	if !errors.Is(err, core.ErrOverAllocation) {
		t.Fatalf("error = %v, want OverAllocation against actual amount 1800", err)
	}

	mustCreate(t, svc, "fam-1", "inc-1", "pay-1", "1800")
}

func TestCreate_Validation(t *testing.T) {
	svc, store := newTestService(t)
	seedIncome(store, "inc-1", "fam-1", "1000")
	seedPayment(store, "pay-1", "fam-1", "100")

	tests := []struct {
		name     string
		familyID string
		req      CreateRequest
		wantKind error
	}{
		{
			name:     "negative amount",
			familyID: "fam-1",
			req:      CreateRequest{IncomeEventID: "inc-1", PaymentID: "pay-1", Amount: decimal.NewFromInt(-5), Type: core.AttributionManual},
			wantKind: core.ErrInvalidAmount,
		},
		{
			name:     "three decimal places",
			familyID: "fam-1",
			req:      CreateRequest{IncomeEventID: "inc-1", PaymentID: "pay-1", Amount: decimal.RequireFromString("10.005"), Type: core.AttributionManual},
			wantKind: core.ErrInvalidAmount,
		},
		{
			name:     "unknown type",
			familyID: "fam-1",
			req:      CreateRequest{IncomeEventID: "inc-1", PaymentID: "pay-1", Amount: decimal.NewFromInt(10), Type: "guessed"},
			wantKind: core.ErrInvalidRequest,
		},
		{
			name:     "missing income event",
			familyID: "fam-1",
			req:      CreateRequest{IncomeEventID: "inc-nope", PaymentID: "pay-1", Amount: decimal.NewFromInt(10), Type: core.AttributionManual},
			wantKind: core.ErrNotFound,
		},
		{
			name:     "missing payment",
			familyID: "fam-1",
			req:      CreateRequest{IncomeEventID: "inc-1", PaymentID: "pay-nope", Amount: decimal.NewFromInt(10), Type: core.AttributionManual},
			wantKind: core.ErrNotFound,
		},
		{
			name:     "cross-family income event",
			familyID: "fam-2",
			req:      CreateRequest{IncomeEventID: "inc-1", PaymentID: "pay-1", Amount: decimal.NewFromInt(10), Type: core.AttributionManual},
			wantKind: core.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), tt.familyID, tt.req)
			if !errors.Is(err, tt.wantKind) {
				t.Errorf("Create error = %v, want %v", err, tt.wantKind)
			}
		})
	}
}

func TestRemove_RecomputesTotals(t *testing.T) {
	svc, store := newTestService(t)
	seedIncome(store, "inc-1", "fam-1", "1000")
	seedPayment(store, "pay-1", "fam-1", "400")
	seedPayment(store, "pay-2", "fam-1", "250")

	attr := mustCreate(t, svc, "fam-1", "inc-1", "pay-1", "400")
	mustCreate(t, svc, "fam-1", "inc-1", "pay-2", "250")

	removed, err := svc.Remove(context.Background(), "fam-1", attr.ID)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if removed.IncomeEventID != "inc-1" {
		t.Errorf("removed attribution income event = %s, want inc-1", removed.IncomeEventID)
	}

	result, err := svc.List(context.Background(), "fam-1", "inc-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if got := core.FormatAmount(result.TotalAttributed); got != "250.00" {
		t.Errorf("TotalAttributed after removal = %s, want 250.00", got)
	}
	if got := core.FormatAmount(result.RemainingAmount); got != "750.00" {
		t.Errorf("RemainingAmount after removal = %s, want 750.00", got)
	}
}

func TestRemove_NotFound(t *testing.T) {
	svc, store := newTestService(t)
	seedIncome(store, "inc-1", "fam-1", "1000")
	seedPayment(store, "pay-1", "fam-1", "400")
	attr := mustCreate(t, svc, "fam-1", "inc-1", "pay-1", "400")

	if _, err := svc.Remove(context.Background(), "fam-1", "attr-nope"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Remove unknown id error = %v, want NotFound", err)
	}
	// Same id but wrong family.
	if _, err := svc.Remove(context.Background(), "fam-2", attr.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Remove cross-family error = %v, want NotFound", err)
	}
}

func TestList_ReadIsIdempotent(t *testing.T) {
	svc, store := newTestService(t)
	seedIncome(store, "inc-1", "fam-1", "1000")
	seedPayment(store, "pay-1", "fam-1", "400")
	mustCreate(t, svc, "fam-1", "inc-1", "pay-1", "400")

	first, err := svc.List(context.Background(), "fam-1", "inc-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	second, err := svc.List(context.Background(), "fam-1", "inc-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	if !first.TotalAttributed.Equal(second.TotalAttributed) || !first.RemainingAmount.Equal(second.RemainingAmount) {
		t.Errorf("repeated List returned different totals: %+v vs %+v", first, second)
	}
}

func TestList_UnknownIncomeEvent(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.List(context.Background(), "fam-1", "inc-nope"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("List error = %v, want NotFound", err)
	}
}
