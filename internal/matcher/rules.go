// Package matcher proposes (transaction, payment) reconciliation
// candidates with a confidence score and a classified match reason.
//
// This file implements the scoring rules as an explicit priority chain:
// each rule is a predicate plus a scoring function, evaluated in fixed
// order, and the first rule that applies determines both the confidence
// and the match type for a pairing.
package matcher

import (
	"strings"

	"github.com/shopspring/decimal"

	"famledger/internal/core"
)

// MatchType classifies which rule produced a candidate pairing.
type MatchType string

const (
	MatchExactAmount MatchType = "exact_amount"
	MatchMerchant    MatchType = "merchant_match"
	MatchCloseAmount MatchType = "close_amount"
	MatchDateRange   MatchType = "date_range"
)

// exactAmountEpsilon is the absolute threshold under which two amounts
// are considered identical: half a cent.
var exactAmountEpsilon = decimal.RequireFromString("0.005")

// pairing carries the precomputed facts a rule needs about one
// (transaction, payment) combination.
type pairing struct {
	transaction core.Transaction
	payment     core.Payment

	// amountDiff is |abs(transaction amount) - payment amount|.
	amountDiff decimal.Decimal

	// amountWindow is the allowed amount deviation for this payment:
	// the relative tolerance applied to the payment amount.
	amountWindow decimal.Decimal

	// daysApart is the distance between transaction date and due date.
	daysApart int

	// dateToleranceDays is the maximum allowed daysApart.
	dateToleranceDays int
}

// Rule is the strategy interface for one link in the priority chain.
type Rule interface {
	// Type identifies the rule in match output.
	Type() MatchType

	// Score returns the confidence for the pairing and whether the rule
	// applies at all.
	Score(p pairing) (float64, bool)
}

// ExactAmountRule fires when the transaction amount matches the payment
// amount to within half a cent.
type ExactAmountRule struct{}

func (ExactAmountRule) Type() MatchType { return MatchExactAmount }

func (ExactAmountRule) Score(p pairing) (float64, bool) {
	if p.amountDiff.LessThan(exactAmountEpsilon) {
		return 1.0, true
	}
	return 0, false
}

// MerchantMatchRule fires when the transaction description contains the
// payment's payee name (case-insensitive) and the amount is inside the
// tolerance window.
type MerchantMatchRule struct{}

func (MerchantMatchRule) Type() MatchType { return MatchMerchant }

func (MerchantMatchRule) Score(p pairing) (float64, bool) {
	payee := strings.TrimSpace(p.payment.Payee)
	if payee == "" {
		return 0, false
	}
	if !strings.Contains(strings.ToLower(p.transaction.Description), strings.ToLower(payee)) {
		return 0, false
	}
	if p.amountDiff.GreaterThan(p.amountWindow) {
		return 0, false
	}
	return 0.9, true
}

// CloseAmountRule fires when the amount difference is inside the
// tolerance window without a merchant match. Confidence scales from
// 0.85 (difference near zero) down to 0.5 (difference at the window
// edge).
type CloseAmountRule struct{}

func (CloseAmountRule) Type() MatchType { return MatchCloseAmount }

func (CloseAmountRule) Score(p pairing) (float64, bool) {
	if !p.amountWindow.IsPositive() || p.amountDiff.GreaterThan(p.amountWindow) {
		return 0, false
	}
	ratio, _ := p.amountDiff.Div(p.amountWindow).Float64()
	confidence := 0.85 - 0.35*ratio
	if confidence < 0.5 {
		confidence = 0.5
	}
	return confidence, true
}

// DateRangeRule is the fallback: the amounts disagree beyond tolerance
// but the dates line up. Confidence scales from 0.5 (same day) down to
// 0.3 (at the date tolerance edge).
type DateRangeRule struct{}

func (DateRangeRule) Type() MatchType { return MatchDateRange }

func (DateRangeRule) Score(p pairing) (float64, bool) {
	if p.daysApart > p.dateToleranceDays {
		return 0, false
	}
	if p.dateToleranceDays == 0 {
		return 0.5, true
	}
	confidence := 0.5 - 0.2*float64(p.daysApart)/float64(p.dateToleranceDays)
	return confidence, true
}

// rules is the priority chain. Order matters: the first rule that
// applies wins, which makes the precedence auditable in one place.
var rules = []Rule{
	ExactAmountRule{},
	MerchantMatchRule{},
	CloseAmountRule{},
	DateRangeRule{},
}

// scorePairing walks the chain and returns the first applicable rule's
// confidence and type.
func scorePairing(p pairing) (float64, MatchType, bool) {
	for _, rule := range rules {
		if confidence, ok := rule.Score(p); ok {
			return confidence, rule.Type(), true
		}
	}
	return 0, "", false
}
