package matcher

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"famledger/internal/core"
	"famledger/internal/storage"
)

// Defaults for caller-tunable knobs.
var (
	// DefaultAmountTolerance is the relative amount tolerance: 1% of
	// the payment amount.
	DefaultAmountTolerance = decimal.RequireFromString("0.01")

	// DefaultDateToleranceDays bounds how far a transaction date may sit
	// from a payment's due date.
	DefaultDateToleranceDays = 3

	// DefaultWindowDays is the scan window when the caller gives no date
	// range: the trailing month.
	DefaultWindowDays = 30

	// defaultChunkSize pages the transaction scan so large windows never
	// sit in memory as one slice.
	defaultChunkSize = 500
)

// Service is the transaction matcher. It is read-only: it proposes
// candidates and never commits an attribution.
type Service struct {
	store     storage.MatchReader
	chunkSize int

	// Fallbacks applied when the request leaves a knob at its zero
	// value. Operators override them per deployment via Options.
	amountTolerance   decimal.Decimal
	dateToleranceDays int
}

// Option tunes a Service at construction time.
type Option func(*Service)

// WithAmountTolerance sets the fallback relative amount tolerance.
// Non-positive values are ignored and the package default stands.
func WithAmountTolerance(t decimal.Decimal) Option {
	return func(s *Service) {
		if t.IsPositive() {
			s.amountTolerance = t
		}
	}
}

// WithDateToleranceDays sets the fallback due-date distance limit.
// Non-positive values are ignored and the package default stands.
func WithDateToleranceDays(days int) Option {
	return func(s *Service) {
		if days > 0 {
			s.dateToleranceDays = days
		}
	}
}

func NewService(store storage.MatchReader, opts ...Option) *Service {
	s := &Service{
		store:             store,
		chunkSize:         defaultChunkSize,
		amountTolerance:   DefaultAmountTolerance,
		dateToleranceDays: DefaultDateToleranceDays,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request bounds a matching run. Zero values take engine defaults.
type Request struct {
	From       core.Date
	To         core.Date
	AccountIDs []string

	// AmountTolerance is the relative amount tolerance as a fraction of
	// the payment amount (0.01 = 1%). Zero means the default.
	AmountTolerance decimal.Decimal

	// DateToleranceDays is the due-date distance limit. Zero means the
	// default.
	DateToleranceDays int

	// IncludeMatched also scans transactions already tied to a payment.
	IncludeMatched bool
}

// Candidate is one proposed (transaction, payment) pairing.
type Candidate struct {
	TransactionID   string
	PaymentID       string
	Confidence      float64
	MatchType       MatchType
	TransactionDate core.Date
}

// Summary reports scan statistics alongside the ranked candidates.
type Summary struct {
	TotalTransactions     int
	TotalMatches          int
	HighConfidenceMatches int
}

// Result is the ranked output of a matching run.
type Result struct {
	Matches []Candidate
	Summary Summary
}

// highConfidenceThreshold classifies a candidate as high confidence in
// the summary statistics.
const highConfidenceThreshold = 0.8

// Match scans the family's outflow transactions in the window and scores
// them against unpaid payments whose due date falls within the date
// tolerance of the transaction date. Output is deterministic: sorted by
// confidence descending, ties broken by earliest transaction date.
//
// An empty eligible set is not an error; it yields an empty match list.
func (s *Service) Match(ctx context.Context, familyID string, req Request) (Result, error) {
	req, err := s.normalize(ctx, familyID, req)
	if err != nil {
		return Result{}, err
	}

	// Payments due up to a tolerance outside the window can still match
	// transactions at the window edges.
	paymentsFrom := core.Date{Time: req.From.AddDate(0, 0, -req.DateToleranceDays)}
	paymentsTo := core.Date{Time: req.To.AddDate(0, 0, req.DateToleranceDays)}
	payments, err := s.store.UnpaidPaymentsDueBetween(ctx, familyID, paymentsFrom, paymentsTo)
	if err != nil {
		return Result{}, err
	}
	paymentsByDay := indexByDueDay(payments)

	var (
		candidates []Candidate
		summary    Summary
	)
	for offset := 0; ; offset += s.chunkSize {
		chunk, err := s.store.OutflowTransactions(ctx, familyID, storage.TransactionQuery{
			From:           req.From,
			To:             req.To,
			AccountIDs:     req.AccountIDs,
			ExcludeMatched: !req.IncludeMatched,
			Limit:          s.chunkSize,
			Offset:         offset,
		})
		if err != nil {
			return Result{}, err
		}
		if len(chunk) == 0 {
			break
		}
		summary.TotalTransactions += len(chunk)

		for _, txn := range chunk {
			candidates = append(candidates, s.scoreTransaction(txn, paymentsByDay, req)...)
		}
		if len(chunk) < s.chunkSize {
			break
		}
	}

	rankCandidates(candidates)

	summary.TotalMatches = len(candidates)
	for _, c := range candidates {
		if c.Confidence >= highConfidenceThreshold {
			summary.HighConfidenceMatches++
		}
	}

	slog.InfoContext(ctx, "Match run completed",
		"family_id", familyID,
		"from", req.From.String(),
		"to", req.To.String(),
		"transactions", summary.TotalTransactions,
		"matches", summary.TotalMatches,
		"high_confidence", summary.HighConfidenceMatches)

	return Result{Matches: candidates, Summary: summary}, nil
}

// normalize applies defaults and validates the request.
func (s *Service) normalize(ctx context.Context, familyID string, req Request) (Request, error) {
	// Each bound defaults independently: an open end closes at today, an
	// open start reaches back one default window from the end.
	if req.To.IsZero() {
		req.To = core.Date{Time: time.Now().UTC().Truncate(24 * time.Hour)}
	}
	if req.From.IsZero() {
		req.From = core.Date{Time: req.To.AddDate(0, 0, -DefaultWindowDays)}
	}
	if req.From.After(req.To.Time) {
		return Request{}, core.Errorf(core.KindInvalidRequest,
			"invalid date range: from %s is after to %s", req.From, req.To)
	}

	if req.AmountTolerance.IsZero() {
		req.AmountTolerance = s.amountTolerance
	}
	if req.AmountTolerance.IsNegative() {
		return Request{}, core.Errorf(core.KindInvalidRequest, "amount tolerance must not be negative")
	}
	if req.DateToleranceDays == 0 {
		req.DateToleranceDays = s.dateToleranceDays
	}
	if req.DateToleranceDays < 0 {
		return Request{}, core.Errorf(core.KindInvalidRequest, "date tolerance must not be negative")
	}

	// Referencing an account outside the family is an error, never
	// silently ignored.
	if len(req.AccountIDs) > 0 {
		accounts, err := s.store.Accounts(ctx, req.AccountIDs)
		if err != nil {
			return Request{}, err
		}
		owned := make(map[string]bool, len(accounts))
		for _, a := range accounts {
			if a.FamilyID == familyID {
				owned[a.ID] = true
			}
		}
		for _, id := range req.AccountIDs {
			if !owned[id] {
				return Request{}, core.Errorf(core.KindInvalidRequest, "account %s does not belong to the family", id)
			}
		}
	}

	return req, nil
}

// scoreTransaction generates candidates for one transaction against all
// unpaid payments due within the date tolerance. Payments are looked up
// through the due-day index so the scan is bounded by the tolerance, not
// by the full payment set.
func (s *Service) scoreTransaction(txn core.Transaction, paymentsByDay map[int64][]core.Payment, req Request) []Candidate {
	var out []Candidate
	txnAmount := txn.Amount.Abs()
	txnDay := epochDay(txn.Date)

	for dayOffset := -req.DateToleranceDays; dayOffset <= req.DateToleranceDays; dayOffset++ {
		for _, payment := range paymentsByDay[txnDay+int64(dayOffset)] {
			p := pairing{
				transaction:       txn,
				payment:           payment,
				amountDiff:        txnAmount.Sub(payment.Amount).Abs(),
				amountWindow:      req.AmountTolerance.Mul(payment.Amount),
				daysApart:         txn.Date.DaysApart(payment.DueDate),
				dateToleranceDays: req.DateToleranceDays,
			}
			if confidence, matchType, ok := scorePairing(p); ok {
				out = append(out, Candidate{
					TransactionID:   txn.ID,
					PaymentID:       payment.ID,
					Confidence:      confidence,
					MatchType:       matchType,
					TransactionDate: txn.Date,
				})
			}
		}
	}
	return out
}

// rankCandidates sorts by confidence descending, then earliest
// transaction date, then ids, so repeated runs over the same input
// always produce the same order.
func rankCandidates(candidates []Candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if !a.TransactionDate.Equal(b.TransactionDate.Time) {
			return a.TransactionDate.Before(b.TransactionDate.Time)
		}
		if a.TransactionID != b.TransactionID {
			return a.TransactionID < b.TransactionID
		}
		return a.PaymentID < b.PaymentID
	})
}

func indexByDueDay(payments []core.Payment) map[int64][]core.Payment {
	index := make(map[int64][]core.Payment, len(payments))
	for _, p := range payments {
		day := epochDay(p.DueDate)
		index[day] = append(index[day], p)
	}
	return index
}

func epochDay(d core.Date) int64 {
	return d.Unix() / (24 * 60 * 60)
}
