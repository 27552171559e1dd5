package worker

import (
	"context"
	"fmt"

	"famledger/internal/amqp"
	applog "famledger/internal/log"
	"famledger/internal/matcher"
)

// ProposalPublisher is the outbound side of the worker: where ranked
// match candidates go after a run.
type ProposalPublisher interface {
	PublishMatchProposals(ctx context.Context, msg *amqp.MatchProposalsMessage) error
}

// MatchWorker reacts to bank sync notifications by running a matching
// pass over the synced window and publishing the resulting proposals.
// It also supports a periodic rescan as a backup in case notifications
// are lost.
type MatchWorker struct {
	matcher        *matcher.Service
	publisher      ProposalPublisher
	rescanFamilies []string
	logger         *applog.Logger
}

func NewMatchWorker(m *matcher.Service, publisher ProposalPublisher, rescanFamilies []string) *MatchWorker {
	return &MatchWorker{
		matcher:        m,
		publisher:      publisher,
		rescanFamilies: rescanFamilies,
		logger:         applog.New(applog.DefaultConfig()).WithComponent(applog.ComponentWorker),
	}
}

// HandleBankSync processes one bank sync notification end to end.
func (w *MatchWorker) HandleBankSync(ctx context.Context, msg *amqp.BankSyncCompletedMessage) error {
	w.logger.InfoContext(ctx, "Processing bank sync notification",
		applog.FieldFamilyID, msg.FamilyID,
		"accounts", len(msg.AccountIDs),
		"from", msg.From.String(),
		"to", msg.To.String())

	result, err := w.matcher.Match(ctx, msg.FamilyID, matcher.Request{
		From:       msg.From,
		To:         msg.To,
		AccountIDs: msg.AccountIDs,
	})
	if err != nil {
		return fmt.Errorf("match family %s: %w", msg.FamilyID, err)
	}

	if err := w.publishResult(ctx, msg.FamilyID, result); err != nil {
		return fmt.Errorf("publish proposals for family %s: %w", msg.FamilyID, err)
	}
	return nil
}

// RescanAll runs a matching pass over the default window for every
// configured family. This is the backup mechanism for lost sync
// notifications; per-family errors are logged and do not stop the
// sweep.
func (w *MatchWorker) RescanAll(ctx context.Context) error {
	if len(w.rescanFamilies) == 0 {
		return nil
	}

	w.logger.InfoContext(ctx, "Starting periodic rescan", "families", len(w.rescanFamilies))

	var failures int
	for _, familyID := range w.rescanFamilies {
		if err := ctx.Err(); err != nil {
			return err
		}

		result, err := w.matcher.Match(ctx, familyID, matcher.Request{})
		if err != nil {
			w.logger.ErrorContext(ctx, "Rescan failed for family",
				applog.FieldFamilyID, familyID, applog.FieldError, err.Error())
			failures++
			continue
		}

		// Nothing to report; skip the publish to keep the queue quiet.
		if len(result.Matches) == 0 {
			continue
		}

		if err := w.publishResult(ctx, familyID, result); err != nil {
			w.logger.ErrorContext(ctx, "Failed to publish rescan proposals",
				applog.FieldFamilyID, familyID, applog.FieldError, err.Error())
			failures++
		}
	}

	w.logger.InfoContext(ctx, "Periodic rescan completed",
		"families", len(w.rescanFamilies),
		"failures", failures)

	if failures > 0 {
		return fmt.Errorf("rescan finished with %d failed families", failures)
	}
	return nil
}

func (w *MatchWorker) publishResult(ctx context.Context, familyID string, result matcher.Result) error {
	proposals := make([]amqp.Proposal, 0, len(result.Matches))
	for _, m := range result.Matches {
		proposals = append(proposals, amqp.Proposal{
			TransactionID:   m.TransactionID,
			PaymentID:       m.PaymentID,
			Confidence:      m.Confidence,
			MatchType:       string(m.MatchType),
			TransactionDate: m.TransactionDate,
		})
	}

	msg := amqp.NewMatchProposalsMessage(familyID, proposals,
		result.Summary.TotalTransactions,
		result.Summary.HighConfidenceMatches)
	return w.publisher.PublishMatchProposals(ctx, msg)
}
