package matcher

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"famledger/internal/core"
	"famledger/internal/storage"
)

func seedAccount(store *storage.MemoryStore, id, familyID string) {
	store.SeedAccount(core.BankAccount{ID: id, FamilyID: familyID, Name: "Checking"})
}

func seedPayment(store *storage.MemoryStore, id, familyID, payee, amount string, due core.Date) {
	store.SeedPayment(core.Payment{
		ID:       id,
		FamilyID: familyID,
		Payee:    payee,
		Amount:   decimal.RequireFromString(amount),
		DueDate:  due,
		Status:   core.PaymentScheduled,
	})
}

func seedTransaction(store *storage.MemoryStore, id, accountID, amount string, date core.Date, desc string) {
	store.SeedTransaction(core.Transaction{
		ID:          id,
		AccountID:   accountID,
		Amount:      decimal.RequireFromString(amount),
		Date:        date,
		Description: desc,
	})
}

func windowRequest() Request {
	return Request{From: core.NewDate(2025, 3, 1), To: core.NewDate(2025, 3, 31)}
}

func TestMatch_ExactAmount(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAccount(store, "acct-1", "fam-1")
	seedPayment(store, "pay-rent", "fam-1", "Acme Property", "1500.00", core.NewDate(2025, 3, 5))
	seedTransaction(store, "txn-1", "acct-1", "-1500.00", core.NewDate(2025, 3, 5), "ACH DEBIT 0423")

	result, err := NewService(store).Match(context.Background(), "fam-1", windowRequest())
	if err != nil {
		t.Fatalf("Match: %v", err)
	}

	if len(result.Matches) != 1 {
		t.Fatalf("len(Matches) = %d, want 1", len(result.Matches))
	}
	m := result.Matches[0]
	if m.TransactionID != "txn-1" || m.PaymentID != "pay-rent" {
		t.Errorf("match pair = %s/%s, want txn-1/pay-rent", m.TransactionID, m.PaymentID)
	}
	if m.MatchType != MatchExactAmount || m.Confidence != 1.0 {
		t.Errorf("match = %s/%v, want exact_amount/1.0", m.MatchType, m.Confidence)
	}
	if result.Summary.TotalTransactions != 1 || result.Summary.TotalMatches != 1 || result.Summary.HighConfidenceMatches != 1 {
		t.Errorf("summary = %+v, want 1/1/1", result.Summary)
	}
}

func TestMatch_CloseAmount(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAccount(store, "acct-1", "fam-1")
	seedPayment(store, "pay-power", "fam-1", "City Power", "125.00", core.NewDate(2025, 3, 10))
	seedTransaction(store, "txn-1", "acct-1", "-124.50", core.NewDate(2025, 3, 10), "CARD PAYMENT 8841")

	result, err := NewService(store).Match(context.Background(), "fam-1", windowRequest())
	if err != nil {
		t.Fatalf("Match: %v", err)
	}

	if len(result.Matches) != 1 {
		t.Fatalf("len(Matches) = %d, want 1", len(result.Matches))
	}
	m := result.Matches[0]
	if m.MatchType != MatchCloseAmount {
		t.Errorf("match type = %s, want close_amount", m.MatchType)
	}
	if m.Confidence <= 0.5 || m.Confidence >= 0.85 {
		t.Errorf("confidence = %v, want strictly between 0.5 and 0.85", m.Confidence)
	}
	if result.Summary.HighConfidenceMatches != 0 {
		t.Errorf("HighConfidenceMatches = %d, want 0", result.Summary.HighConfidenceMatches)
	}
}

func TestMatch_MerchantBeatsCloseAmount(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAccount(store, "acct-1", "fam-1")
	seedPayment(store, "pay-rent", "fam-1", "Acme Property", "1500.00", core.NewDate(2025, 3, 5))
	// Inside the 1% window but not exact; the payee appears in the
	// description so the merchant rule wins.
	seedTransaction(store, "txn-1", "acct-1", "-1495.00", core.NewDate(2025, 3, 6), "POS acme property MGMT")

	result, err := NewService(store).Match(context.Background(), "fam-1", windowRequest())
	if err != nil {
		t.Fatalf("Match: %v", err)
	}

	if len(result.Matches) != 1 {
		t.Fatalf("len(Matches) = %d, want 1", len(result.Matches))
	}
	if m := result.Matches[0]; m.MatchType != MatchMerchant || m.Confidence != 0.9 {
		t.Errorf("match = %s/%v, want merchant_match/0.9", m.MatchType, m.Confidence)
	}
}

func TestMatch_DateRangeFallback(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAccount(store, "acct-1", "fam-1")
	seedPayment(store, "pay-gym", "fam-1", "FitLife", "80.00", core.NewDate(2025, 3, 12))
	// Amount far outside the tolerance window; only the dates line up.
	seedTransaction(store, "txn-1", "acct-1", "-95.00", core.NewDate(2025, 3, 13), "CARD PAYMENT 5512")

	result, err := NewService(store).Match(context.Background(), "fam-1", windowRequest())
	if err != nil {
		t.Fatalf("Match: %v", err)
	}

	if len(result.Matches) != 1 {
		t.Fatalf("len(Matches) = %d, want 1", len(result.Matches))
	}
	m := result.Matches[0]
	if m.MatchType != MatchDateRange {
		t.Errorf("match type = %s, want date_range", m.MatchType)
	}
	if m.Confidence < 0.3 || m.Confidence > 0.5 {
		t.Errorf("confidence = %v, want within [0.3, 0.5]", m.Confidence)
	}
}

func TestMatch_DateToleranceExcludesDistantPayments(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAccount(store, "acct-1", "fam-1")
	seedPayment(store, "pay-rent", "fam-1", "Acme Property", "1500.00", core.NewDate(2025, 3, 5))
	// Exact amount, but ten days from the due date with tolerance 3.
	seedTransaction(store, "txn-1", "acct-1", "-1500.00", core.NewDate(2025, 3, 15), "ACH DEBIT")

	result, err := NewService(store).Match(context.Background(), "fam-1", windowRequest())
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(result.Matches) != 0 {
		t.Errorf("len(Matches) = %d, want 0", len(result.Matches))
	}
	if result.Summary.TotalTransactions != 1 {
		t.Errorf("TotalTransactions = %d, want 1 (scanned but unmatched)", result.Summary.TotalTransactions)
	}
}

func TestMatch_RankingAndDeterminism(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAccount(store, "acct-1", "fam-1")
	seedPayment(store, "pay-rent", "fam-1", "Acme Property", "1500.00", core.NewDate(2025, 3, 5))
	seedPayment(store, "pay-power", "fam-1", "City Power", "125.00", core.NewDate(2025, 3, 10))
	seedTransaction(store, "txn-power", "acct-1", "-124.50", core.NewDate(2025, 3, 10), "CARD PAYMENT")
	seedTransaction(store, "txn-rent", "acct-1", "-1500.00", core.NewDate(2025, 3, 5), "ACH DEBIT")

	svc := NewService(store)
	first, err := svc.Match(context.Background(), "fam-1", windowRequest())
	if err != nil {
		t.Fatalf("Match: %v", err)
	}

	if len(first.Matches) != 2 {
		t.Fatalf("len(Matches) = %d, want 2", len(first.Matches))
	}
	if first.Matches[0].TransactionID != "txn-rent" {
		t.Errorf("first match = %s, want txn-rent (highest confidence first)", first.Matches[0].TransactionID)
	}

	for i := 0; i < 5; i++ {
		again, err := svc.Match(context.Background(), "fam-1", windowRequest())
		if err != nil {
			t.Fatalf("Match run %d: %v", i, err)
		}
		if !reflect.DeepEqual(first.Matches, again.Matches) {
			t.Fatalf("run %d produced a different ordering", i)
		}
	}
}

func TestMatch_ChunkedScanCoversAllTransactions(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAccount(store, "acct-1", "fam-1")
	seedPayment(store, "pay-rent", "fam-1", "Acme Property", "1500.00", core.NewDate(2025, 3, 5))
	for _, id := range []string{"txn-a", "txn-b", "txn-c", "txn-d", "txn-e"} {
		seedTransaction(store, id, "acct-1", "-1500.00", core.NewDate(2025, 3, 5), "ACH DEBIT")
	}

	svc := NewService(store)
	svc.chunkSize = 2

	result, err := svc.Match(context.Background(), "fam-1", windowRequest())
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if result.Summary.TotalTransactions != 5 {
		t.Errorf("TotalTransactions = %d, want 5 across chunks", result.Summary.TotalTransactions)
	}
	if len(result.Matches) != 5 {
		t.Errorf("len(Matches) = %d, want 5", len(result.Matches))
	}
}

func TestMatch_ScopingAndFilters(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAccount(store, "acct-1", "fam-1")
	seedAccount(store, "acct-2", "fam-2")
	seedPayment(store, "pay-rent", "fam-1", "Acme Property", "1500.00", core.NewDate(2025, 3, 5))
	seedPayment(store, "pay-other", "fam-2", "Acme Property", "1500.00", core.NewDate(2025, 3, 5))
	seedTransaction(store, "txn-mine", "acct-1", "-1500.00", core.NewDate(2025, 3, 5), "ACH DEBIT")
	seedTransaction(store, "txn-theirs", "acct-2", "-1500.00", core.NewDate(2025, 3, 5), "ACH DEBIT")
	seedTransaction(store, "txn-inflow", "acct-1", "1500.00", core.NewDate(2025, 3, 5), "PAYROLL")
	store.SeedTransaction(core.Transaction{
		ID: "txn-done", AccountID: "acct-1",
		Amount: decimal.RequireFromString("-1500.00"),
		Date:   core.NewDate(2025, 3, 5), MatchedPaymentID: "pay-old",
	})

	result, err := NewService(store).Match(context.Background(), "fam-1", windowRequest())
	if err != nil {
		t.Fatalf("Match: %v", err)
	}

	if result.Summary.TotalTransactions != 1 {
		t.Errorf("TotalTransactions = %d, want 1 (outflow, unmatched, own family only)", result.Summary.TotalTransactions)
	}
	if len(result.Matches) != 1 || result.Matches[0].TransactionID != "txn-mine" {
		t.Fatalf("matches = %+v, want the single fam-1 pairing", result.Matches)
	}
	if result.Matches[0].PaymentID != "pay-rent" {
		t.Errorf("matched payment = %s, want pay-rent (fam-2 payment excluded)", result.Matches[0].PaymentID)
	}
}

func TestMatch_IncludeMatched(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAccount(store, "acct-1", "fam-1")
	seedPayment(store, "pay-rent", "fam-1", "Acme Property", "1500.00", core.NewDate(2025, 3, 5))
	store.SeedTransaction(core.Transaction{
		ID: "txn-done", AccountID: "acct-1",
		Amount: decimal.RequireFromString("-1500.00"),
		Date:   core.NewDate(2025, 3, 5), MatchedPaymentID: "pay-old",
	})

	req := windowRequest()
	req.IncludeMatched = true
	result, err := NewService(store).Match(context.Background(), "fam-1", req)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if result.Summary.TotalTransactions != 1 || len(result.Matches) != 1 {
		t.Errorf("summary = %+v with %d matches, want the matched transaction rescanned",
			result.Summary, len(result.Matches))
	}
}

func TestMatch_EmptyEligibleSet(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAccount(store, "acct-1", "fam-1")

	result, err := NewService(store).Match(context.Background(), "fam-1", windowRequest())
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(result.Matches) != 0 {
		t.Errorf("len(Matches) = %d, want 0", len(result.Matches))
	}
	if result.Summary != (Summary{}) {
		t.Errorf("summary = %+v, want all zeros", result.Summary)
	}
}

func TestMatch_RequestValidation(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAccount(store, "acct-1", "fam-1")
	seedAccount(store, "acct-2", "fam-2")
	svc := NewService(store)

	t.Run("from after to", func(t *testing.T) {
		_, err := svc.Match(context.Background(), "fam-1", Request{
			From: core.NewDate(2025, 3, 31), To: core.NewDate(2025, 3, 1),
		})
		if !errors.Is(err, core.ErrInvalidRequest) {
			t.Errorf("error = %v, want InvalidRequest", err)
		}
	})

	t.Run("foreign account", func(t *testing.T) {
		req := windowRequest()
		req.AccountIDs = []string{"acct-2"}
		_, err := svc.Match(context.Background(), "fam-1", req)
		if !errors.Is(err, core.ErrInvalidRequest) {
			t.Errorf("error = %v, want InvalidRequest", err)
		}
	})

	t.Run("unknown account", func(t *testing.T) {
		req := windowRequest()
		req.AccountIDs = []string{"acct-nope"}
		_, err := svc.Match(context.Background(), "fam-1", req)
		if !errors.Is(err, core.ErrInvalidRequest) {
			t.Errorf("error = %v, want InvalidRequest", err)
		}
	})

	t.Run("negative tolerance", func(t *testing.T) {
		req := windowRequest()
		req.AmountTolerance = decimal.RequireFromString("-0.01")
		_, err := svc.Match(context.Background(), "fam-1", req)
		if !errors.Is(err, core.ErrInvalidRequest) {
			t.Errorf("error = %v, want InvalidRequest", err)
		}
	})
}

func TestMatch_ConfiguredDefaults(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAccount(store, "acct-1", "fam-1")
	seedPayment(store, "pay-water", "fam-1", "WaterWorks", "100.00", core.NewDate(2025, 3, 5))
	// 8 days from the due date and 7% off the amount: invisible to the
	// package defaults (3 days, 1%), visible to a widened service.
	seedTransaction(store, "txn-1", "acct-1", "-93.00", core.NewDate(2025, 3, 13), "CARD PAYMENT 7731")

	strict := NewService(store)
	result, err := strict.Match(context.Background(), "fam-1", windowRequest())
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(result.Matches) != 0 {
		t.Fatalf("default service len(Matches) = %d, want 0", len(result.Matches))
	}

	wide := NewService(store,
		WithAmountTolerance(decimal.RequireFromString("0.10")),
		WithDateToleranceDays(10))
	result, err = wide.Match(context.Background(), "fam-1", windowRequest())
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(result.Matches) != 1 {
		t.Fatalf("configured service len(Matches) = %d, want 1", len(result.Matches))
	}
	if m := result.Matches[0]; m.MatchType != MatchCloseAmount {
		t.Errorf("match type = %s, want close_amount", m.MatchType)
	}

	// Request-level knobs still win over the service configuration.
	req := windowRequest()
	req.DateToleranceDays = 3
	result, err = wide.Match(context.Background(), "fam-1", req)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(result.Matches) != 0 {
		t.Errorf("request override len(Matches) = %d, want 0", len(result.Matches))
	}
}

func TestMatch_OptionsIgnoreNonPositiveValues(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := NewService(store,
		WithAmountTolerance(decimal.Zero),
		WithDateToleranceDays(0))

	if !svc.amountTolerance.Equal(DefaultAmountTolerance) {
		t.Errorf("amountTolerance = %s, want default %s", svc.amountTolerance, DefaultAmountTolerance)
	}
	if svc.dateToleranceDays != DefaultDateToleranceDays {
		t.Errorf("dateToleranceDays = %d, want default %d", svc.dateToleranceDays, DefaultDateToleranceDays)
	}
}

func TestMatch_OpenEndedRange(t *testing.T) {
	t.Run("only to set", func(t *testing.T) {
		store := storage.NewMemoryStore()
		seedAccount(store, "acct-1", "fam-1")
		seedPayment(store, "pay-rent", "fam-1", "Acme Property", "1500.00", core.NewDate(2025, 3, 10))
		seedTransaction(store, "txn-in", "acct-1", "-1500.00", core.NewDate(2025, 3, 10), "ACH DEBIT 0423")
		// One trailing window before the end bound; must stay out of scope.
		seedTransaction(store, "txn-old", "acct-1", "-1500.00", core.NewDate(2025, 1, 15), "ACH DEBIT 0423")

		result, err := NewService(store).Match(context.Background(), "fam-1", Request{
			To: core.NewDate(2025, 3, 31),
		})
		if err != nil {
			t.Fatalf("Match: %v", err)
		}
		if result.Summary.TotalTransactions != 1 {
			t.Errorf("TotalTransactions = %d, want 1", result.Summary.TotalTransactions)
		}
		if len(result.Matches) != 1 || result.Matches[0].TransactionID != "txn-in" {
			t.Fatalf("Matches = %+v, want single match for txn-in", result.Matches)
		}
	})

	t.Run("only from set", func(t *testing.T) {
		store := storage.NewMemoryStore()
		recent := core.Date{Time: time.Now().UTC().AddDate(0, 0, -2).Truncate(24 * time.Hour)}
		seedAccount(store, "acct-1", "fam-1")
		seedPayment(store, "pay-rent", "fam-1", "Acme Property", "1500.00", recent)
		seedTransaction(store, "txn-1", "acct-1", "-1500.00", recent, "ACH DEBIT 0423")

		result, err := NewService(store).Match(context.Background(), "fam-1", Request{
			From: core.Date{Time: recent.AddDate(0, 0, -10)},
		})
		if err != nil {
			t.Fatalf("Match: %v", err)
		}
		if len(result.Matches) != 1 || result.Matches[0].PaymentID != "pay-rent" {
			t.Fatalf("Matches = %+v, want single match for pay-rent", result.Matches)
		}
	})
}

func TestMatch_AccountFilter(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAccount(store, "acct-1", "fam-1")
	seedAccount(store, "acct-other", "fam-1")
	seedPayment(store, "pay-rent", "fam-1", "Acme Property", "1500.00", core.NewDate(2025, 3, 5))
	seedTransaction(store, "txn-1", "acct-1", "-1500.00", core.NewDate(2025, 3, 5), "ACH DEBIT")
	seedTransaction(store, "txn-2", "acct-other", "-1500.00", core.NewDate(2025, 3, 5), "ACH DEBIT")

	req := windowRequest()
	req.AccountIDs = []string{"acct-1"}
	result, err := NewService(store).Match(context.Background(), "fam-1", req)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(result.Matches) != 1 || result.Matches[0].TransactionID != "txn-1" {
		t.Fatalf("matches = %+v, want only txn-1", result.Matches)
	}
}
