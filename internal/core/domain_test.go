package core

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestIncomeEvent_EffectiveAmount(t *testing.T) {
	scheduled := decimal.NewFromInt(5000)
	actual := decimal.RequireFromString("4850.25")

	tests := []struct {
		name  string
		event IncomeEvent
		want  decimal.Decimal
	}{
		{
			name:  "scheduled uses scheduled amount",
			event: IncomeEvent{ScheduledAmount: scheduled, Status: IncomeScheduled},
			want:  scheduled,
		},
		{
			name:  "received uses actual amount",
			event: IncomeEvent{ScheduledAmount: scheduled, Status: IncomeReceived, ActualAmount: &actual},
			want:  actual,
		},
		{
			name:  "received without actual falls back to scheduled",
			event: IncomeEvent{ScheduledAmount: scheduled, Status: IncomeReceived},
			want:  scheduled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.event.EffectiveAmount(); !got.Equal(tt.want) {
				t.Errorf("EffectiveAmount() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPayment_Unpaid(t *testing.T) {
	tests := []struct {
		status PaymentStatus
		want   bool
	}{
		{PaymentScheduled, true},
		{PaymentOverdue, true},
		{PaymentPaid, false},
		{PaymentCancelled, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			p := Payment{Status: tt.status}
			if got := p.Unpaid(); got != tt.want {
				t.Errorf("Unpaid() with status %s = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestDate_JSONRoundTrip(t *testing.T) {
	d := NewDate(2025, 3, 14)

	data, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `"2025-03-14"` {
		t.Errorf("Marshal = %s, want %q", data, `"2025-03-14"`)
	}

	var back Date
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !back.Equal(d.Time) {
		t.Errorf("round trip = %s, want %s", back, d)
	}
}

func TestParseDate_Invalid(t *testing.T) {
	if _, err := ParseDate("14/03/2025"); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("ParseDate error = %v, want InvalidRequest", err)
	}
}

func TestDate_DaysApart(t *testing.T) {
	a := NewDate(2025, 3, 10)
	b := NewDate(2025, 3, 13)

	if got := a.DaysApart(b); got != 3 {
		t.Errorf("DaysApart = %d, want 3", got)
	}
	if got := b.DaysApart(a); got != 3 {
		t.Errorf("DaysApart reversed = %d, want 3", got)
	}
	if got := a.DaysApart(a); got != 0 {
		t.Errorf("DaysApart same day = %d, want 0", got)
	}
}

func TestErrorKinds(t *testing.T) {
	err := Errorf(KindOverAllocation, "attribution of 0.01 exceeds remaining 0.00")

	if !errors.Is(err, ErrOverAllocation) {
		t.Error("errors.Is should match ErrOverAllocation")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("errors.Is should not match ErrNotFound")
	}
	if got := KindOf(err); got != KindOverAllocation {
		t.Errorf("KindOf = %v, want %v", got, KindOverAllocation)
	}
	if KindOf(errors.New("plain")) != "" {
		t.Error("KindOf of non-domain error should be empty")
	}
}
