package reconcile

import (
	"context"
	"errors"
	"log/slog"

	"gestoria/pkg/domain"
	"gestoria/services/backoffice/internal/store"
)

// Match is the typed optional result of obligation inference: at most one
// side is set, nil means no obligation could be tied to the document.
type Match struct {
	GatewayPayment *domain.GatewayPayment
	PaymentLink    *domain.ExternalPaymentLink
}

// Matcher ties an approved document to an existing obligation. The
// default implementation is string-heuristic based; it is isolated here
// so a structured foreign-key link can replace it without touching the
// engine.
type Matcher interface {
	Match(ctx context.Context, doc domain.EvidenceDocument) (*Match, error)
}

type MatchStore interface {
	GetPaymentLink(ctx context.Context, linkID string) (domain.ExternalPaymentLink, error)
	GetGatewayPayment(ctx context.Context, paymentID string) (domain.GatewayPayment, error)
	LatestPendingBankTransfer(ctx context.Context, procedureID string) (*domain.GatewayPayment, error)
}

type heuristicMatcher struct {
	store MatchStore
}

func NewMatcher(st MatchStore) Matcher {
	return &heuristicMatcher{store: st}
}

// Match applies the inference steps in order, first hit wins:
// an explicit obligation reference carried by the upload, then the
// transfer-receipt name heuristic against the procedure's open bank
// transfers. A dangling explicit reference is logged and skipped.
func (m *heuristicMatcher) Match(ctx context.Context, doc domain.EvidenceDocument) (*Match, error) {
	if doc.PaymentLinkID != "" {
		pl, err := m.store.GetPaymentLink(ctx, doc.PaymentLinkID)
		if err == nil {
			return &Match{PaymentLink: &pl}, nil
		}
		if !errors.Is(err, store.ErrObligationNotFound) {
			return nil, err
		}
		slog.Warn("evidence references missing payment link", "evidence_id", doc.ID, "link_id", doc.PaymentLinkID)
	}
	if doc.GatewayPaymentID != "" {
		gp, err := m.store.GetGatewayPayment(ctx, doc.GatewayPaymentID)
		if err == nil {
			return &Match{GatewayPayment: &gp}, nil
		}
		if !errors.Is(err, store.ErrObligationNotFound) {
			return nil, err
		}
		slog.Warn("evidence references missing gateway payment", "evidence_id", doc.ID, "payment_id", doc.GatewayPaymentID)
	}

	if domain.IsTransferReceiptName(doc.Name) {
		gp, err := m.store.LatestPendingBankTransfer(ctx, doc.ProcedureID)
		if err != nil {
			return nil, err
		}
		if gp != nil {
			return &Match{GatewayPayment: gp}, nil
		}
	}
	return nil, nil
}
