package core

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	IncomeScheduled IncomeStatus = "scheduled"
	IncomeReceived  IncomeStatus = "received"
	IncomeCancelled IncomeStatus = "cancelled"

	PaymentScheduled PaymentStatus = "scheduled"
	PaymentPaid      PaymentStatus = "paid"
	PaymentOverdue   PaymentStatus = "overdue"
	PaymentCancelled PaymentStatus = "cancelled"

	AttributionManual    AttributionType = "manual"
	AttributionAutomatic AttributionType = "automatic"
)

type (
	IncomeStatus    string
	PaymentStatus   string
	AttributionType string

	// IncomeEvent is a scheduled or received inflow. AllocatedAmount and
	// RemainingAmount are derived from the attribution rows and recomputed
	// transactionally on every attribution write.
	IncomeEvent struct {
		ID              string
		FamilyID        string
		ScheduledAmount decimal.Decimal
		ScheduledDate   Date
		Status          IncomeStatus
		ActualAmount    *decimal.Decimal
		AllocatedAmount decimal.Decimal
		RemainingAmount decimal.Decimal
	}

	// Payment is a scheduled or completed outflow.
	Payment struct {
		ID         string
		FamilyID   string
		Payee      string
		Amount     decimal.Decimal
		DueDate    Date
		Status     PaymentStatus
		CategoryID string
	}

	// PaymentAttribution states that part of an income event funds a payment.
	PaymentAttribution struct {
		ID            string
		IncomeEventID string
		PaymentID     string
		Amount        decimal.Decimal
		Type          AttributionType
		CreatedBy     string
		CreatedAt     time.Time
	}

	// BudgetCategory is a percentage-based bucket income is split across.
	BudgetCategory struct {
		ID               string
		FamilyID         string
		Name             string
		TargetPercentage decimal.Decimal
		Active           bool
		SortOrder        int
	}

	// BudgetAllocation is the materialized amount of one income event
	// assigned to one category. Percentage records what was actually applied.
	BudgetAllocation struct {
		ID            string
		IncomeEventID string
		CategoryID    string
		Amount        decimal.Decimal
		Percentage    decimal.Decimal
	}

	// BankAccount is referenced by transactions; the matcher only needs its
	// family scoping.
	BankAccount struct {
		ID       string
		FamilyID string
		Name     string
	}

	// Transaction is an observed bank-ledger line. Amount is signed;
	// negative means outflow.
	Transaction struct {
		ID               string
		AccountID        string
		Amount           decimal.Decimal
		Date             Date
		Description      string
		Pending          bool
		MatchedPaymentID string
	}
)

// EffectiveAmount is the received actual amount when set, else the
// scheduled amount. All allocation and attribution math uses this value.
func (e IncomeEvent) EffectiveAmount() decimal.Decimal {
	if e.Status == IncomeReceived && e.ActualAmount != nil {
		return *e.ActualAmount
	}
	return e.ScheduledAmount
}

// Unpaid reports whether the payment is still open for matching and
// attribution: scheduled or overdue, but not paid or cancelled.
func (p Payment) Unpaid() bool {
	return p.Status == PaymentScheduled || p.Status == PaymentOverdue
}

// Outflow reports whether the transaction is a debit.
func (t Transaction) Outflow() bool {
	return t.Amount.IsNegative()
}

// Matched reports whether the transaction already carries a confirmed
// payment reference.
func (t Transaction) Matched() bool {
	return t.MatchedPaymentID != ""
}

// Date is a calendar date with no time-of-day, marshaled as YYYY-MM-DD.
type Date struct {
	time.Time
}

const dateLayout = "2006-01-02"

// NewDate creates a Date from year, month, day in UTC.
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, Errorf(KindInvalidRequest, "invalid date %q: expected YYYY-MM-DD", s)
	}
	return Date{Time: t}, nil
}

func (d Date) String() string {
	return d.Format(dateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.Format(dateLayout) + `"`), nil
}

func (d *Date) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" || s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DaysApart returns the absolute distance in whole days between two dates.
func (d Date) DaysApart(other Date) int {
	diff := d.Time.Sub(other.Time).Hours() / 24
	if diff < 0 {
		diff = -diff
	}
	return int(diff + 0.5)
}
