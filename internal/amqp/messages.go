package amqp

import (
	"encoding/json"
	"time"

	"famledger/internal/core"
)

// BankSyncCompletedMessage announces that a bank import finished for a
// family. The worker reacts by running a matching pass over the synced
// window; the message carries only identifiers and the window, never
// transaction data.
type BankSyncCompletedMessage struct {
	FamilyID   string    `json:"family_id"`
	AccountIDs []string  `json:"account_ids,omitempty"`
	From       core.Date `json:"from"`
	To         core.Date `json:"to"`
	Timestamp  time.Time `json:"timestamp"`
}

func NewBankSyncCompletedMessage(familyID string, accountIDs []string, from, to core.Date) *BankSyncCompletedMessage {
	return &BankSyncCompletedMessage{
		FamilyID:   familyID,
		AccountIDs: accountIDs,
		From:       from,
		To:         to,
		Timestamp:  time.Now(),
	}
}

func (m *BankSyncCompletedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func BankSyncCompletedMessageFromJSON(data []byte) (*BankSyncCompletedMessage, error) {
	var msg BankSyncCompletedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Proposal is one candidate pairing carried in a proposals message.
type Proposal struct {
	TransactionID   string    `json:"transaction_id"`
	PaymentID       string    `json:"payment_id"`
	Confidence      float64   `json:"confidence"`
	MatchType       string    `json:"match_type"`
	TransactionDate core.Date `json:"transaction_date"`
}

// MatchProposalsMessage publishes the outcome of a matching run so
// downstream consumers (notifications, review UI) can act on it.
type MatchProposalsMessage struct {
	FamilyID              string     `json:"family_id"`
	Proposals             []Proposal `json:"proposals"`
	TotalTransactions     int        `json:"total_transactions"`
	HighConfidenceMatches int        `json:"high_confidence_matches"`
	Timestamp             time.Time  `json:"timestamp"`
}

func NewMatchProposalsMessage(familyID string, proposals []Proposal, totalTransactions, highConfidence int) *MatchProposalsMessage {
	return &MatchProposalsMessage{
		FamilyID:              familyID,
		Proposals:             proposals,
		TotalTransactions:     totalTransactions,
		HighConfidenceMatches: highConfidence,
		Timestamp:             time.Now(),
	}
}

func (m *MatchProposalsMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func MatchProposalsMessageFromJSON(data []byte) (*MatchProposalsMessage, error) {
	var msg MatchProposalsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
