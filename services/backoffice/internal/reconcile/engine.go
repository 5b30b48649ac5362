package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gestoria/pkg/domain"

	"github.com/google/uuid"
)

// Store is the ledger slice the reconciler mutates. MarkGatewayPaymentPaid
// and MarkPaymentLinkPaid are conditional on the obligation still being
// open, so at most one obligation reaches a terminal paid state per
// reconciliation event.
type Store interface {
	MatchStore
	GetProcedure(ctx context.Context, procedureID string) (domain.Procedure, error)
	GetUser(ctx context.Context, userID string) (domain.User, error)
	MarkGatewayPaymentPaid(ctx context.Context, paymentID string, paidAt time.Time) (bool, error)
	MarkPaymentLinkPaid(ctx context.Context, linkID string, paidAt time.Time) (bool, error)
	LatestLinkByConcept(ctx context.Context, procedureID string, concept domain.Concept, states []domain.PaymentState) (*domain.ExternalPaymentLink, error)
	GetBankInstruction(ctx context.Context, procedureID, purpose string) (domain.BankAccountInstruction, bool, error)
	CreateGatewayPayment(ctx context.Context, gp domain.GatewayPayment) error
	SetSettledObligation(ctx context.Context, evidenceID, obligationID string) error
	InsertNotification(ctx context.Context, n domain.Notification) (string, error)
}

// Mailer sends the best-effort confirmation email. Failures are logged,
// never propagated.
type Mailer interface {
	SendTransactionalEmail(ctx context.Context, to, name, subject, body, procedureID string) error
}

type Engine struct {
	Store   Store
	Matcher Matcher
	Mailer  Mailer
	Now     func() time.Time
}

func NewEngine(st Store, mailer Mailer) *Engine {
	return &Engine{Store: st, Matcher: NewMatcher(st), Mailer: mailer, Now: time.Now}
}

// Outcome reports what a reconciliation run decided, for logging and for
// the review endpoint's response. Zero-valued fields mean "not applicable".
type Outcome struct {
	SettledGatewayPaymentID string `json:"settled_gateway_payment_id,omitempty"`
	SettledPaymentLinkID    string `json:"settled_payment_link_id,omitempty"`
	CreatedPaymentID        string `json:"created_payment_id,omitempty"`
	Concept                 string `json:"concept,omitempty"`
	Amount                  int64  `json:"amount,omitempty"`
}

// DocumentApproved runs the reconciliation algorithm for a document that
// just transitioned to APPROVED. It never fails the approval: every
// ledger problem is logged and swallowed, leaving the document approved
// but unreconciled for manual follow-up.
func (e *Engine) DocumentApproved(ctx context.Context, doc domain.EvidenceDocument) Outcome {
	match, err := e.Matcher.Match(ctx, doc)
	if err != nil {
		slog.Warn("obligation matching failed", "evidence_id", doc.ID, "error", err)
		match = nil
	}

	now := e.Now().UTC()

	if match != nil {
		if out, settled := e.settleMatched(ctx, doc, match, now); settled {
			return out
		}
		// Matched an obligation that was already settled; nothing to do.
		return Outcome{}
	}

	if doc.Kind == domain.EvidenceDepositReceipt {
		out, err := e.registerDepositReceipt(ctx, doc, now)
		if err != nil {
			slog.Warn("deposit receipt reconciliation failed", "evidence_id", doc.ID, "error", err)
		}
		return out
	}

	e.notifyGenericApproval(ctx, doc)
	return Outcome{}
}

func (e *Engine) settleMatched(ctx context.Context, doc domain.EvidenceDocument, match *Match, now time.Time) (Outcome, bool) {
	var out Outcome
	var concept domain.Concept
	var amount int64

	switch {
	case match.GatewayPayment != nil:
		gp := match.GatewayPayment
		claimed, err := e.Store.MarkGatewayPaymentPaid(ctx, gp.ID, now)
		if err != nil {
			slog.Warn("gateway payment settlement failed", "evidence_id", doc.ID, "payment_id", gp.ID, "error", err)
			return Outcome{}, false
		}
		if !claimed {
			return Outcome{}, false
		}
		out.SettledGatewayPaymentID = gp.ID
		concept, amount = gp.Concept, gp.Amount
		e.linkSettlement(ctx, doc.ID, gp.ID)
	case match.PaymentLink != nil:
		pl := match.PaymentLink
		claimed, err := e.Store.MarkPaymentLinkPaid(ctx, pl.ID, now)
		if err != nil {
			slog.Warn("payment link settlement failed", "evidence_id", doc.ID, "link_id", pl.ID, "error", err)
			return Outcome{}, false
		}
		if !claimed {
			return Outcome{}, false
		}
		out.SettledPaymentLinkID = pl.ID
		concept, amount = pl.Concept, pl.Amount
		e.linkSettlement(ctx, doc.ID, pl.ID)
	default:
		return Outcome{}, false
	}

	out.Concept = string(concept)
	out.Amount = amount
	e.notifyPaymentApproved(ctx, doc.ProcedureID, concept, amount)
	return out, true
}

// registerDepositReceipt covers receipts that settle no open gateway
// payment: derive the concept from the document name, recover an amount,
// and record the already-moved money as an approved bank transfer.
func (e *Engine) registerDepositReceipt(ctx context.Context, doc domain.EvidenceDocument, now time.Time) (Outcome, error) {
	concept := domain.ReceiptConcept(doc.Name)

	var amount int64
	if concept == domain.ConceptDepositoCapital {
		in, found, err := e.Store.GetBankInstruction(ctx, doc.ProcedureID, domain.PurposeCapitalDeposit)
		if err != nil {
			return Outcome{}, err
		}
		if found {
			amount = in.ExpectedAmount
		} else {
			p, err := e.Store.GetProcedure(ctx, doc.ProcedureID)
			if err != nil {
				return Outcome{}, err
			}
			// No deposit instruction on file: the conventional initial
			// integration is 25% of the declared capital. An unset
			// capital leaves the amount at 0, which is tolerated.
			amount = p.CapitalAmount / 4
		}
	} else {
		open, err := e.Store.LatestLinkByConcept(ctx, doc.ProcedureID, concept,
			[]domain.PaymentState{domain.PaymentProcessing, domain.PaymentPending})
		if err != nil {
			return Outcome{}, err
		}
		if open != nil {
			amount = open.Amount
			if _, err := e.Store.MarkPaymentLinkPaid(ctx, open.ID, now); err != nil {
				return Outcome{}, err
			}
		} else {
			// Recover an amount from any historical link for the concept,
			// even one already paid; the receipt still gets registered.
			latest, err := e.Store.LatestLinkByConcept(ctx, doc.ProcedureID, concept, nil)
			if err != nil {
				return Outcome{}, err
			}
			if latest != nil {
				amount = latest.Amount
			}
		}
	}

	gp := domain.GatewayPayment{
		ID:          "pay_" + uuid.NewString(),
		ProcedureID: doc.ProcedureID,
		Concept:     concept,
		Amount:      amount,
		State:       domain.PaymentApproved,
		Method:      domain.MethodBankTransfer,
		PaidAt:      &now,
	}
	if err := e.Store.CreateGatewayPayment(ctx, gp); err != nil {
		return Outcome{}, err
	}
	e.linkSettlement(ctx, doc.ID, gp.ID)
	e.notifyPaymentApproved(ctx, doc.ProcedureID, concept, amount)

	slog.Info("deposit receipt registered", "evidence_id", doc.ID, "payment_id", gp.ID,
		"concept", concept, "amount", amount)
	return Outcome{
		CreatedPaymentID: gp.ID,
		Concept:          string(concept),
		Amount:           amount,
	}, nil
}

func (e *Engine) linkSettlement(ctx context.Context, evidenceID, obligationID string) {
	if err := e.Store.SetSettledObligation(ctx, evidenceID, obligationID); err != nil {
		slog.Warn("evidence settlement linkage failed", "evidence_id", evidenceID, "obligation_id", obligationID, "error", err)
	}
}

func (e *Engine) notifyPaymentApproved(ctx context.Context, procedureID string, concept domain.Concept, amount int64) {
	p, err := e.Store.GetProcedure(ctx, procedureID)
	if err != nil {
		slog.Warn("payment notification skipped", "procedure_id", procedureID, "error", err)
		return
	}

	title := "Payment approved"
	body := fmt.Sprintf("Your payment for %s (%s) has been approved.", concept.Label(), domain.FormatAmount(amount))
	n := domain.Notification{
		ID:          "ntf_" + uuid.NewString(),
		UserID:      p.ClientUserID,
		ProcedureID: procedureID,
		Kind:        domain.NotifPaymentApproved,
		Title:       title,
		Body:        body,
	}
	if _, err := e.Store.InsertNotification(ctx, n); err != nil {
		slog.Warn("payment notification failed", "procedure_id", procedureID, "error", err)
	}

	u, err := e.Store.GetUser(ctx, p.ClientUserID)
	if err != nil {
		slog.Warn("payment confirmation email skipped", "procedure_id", procedureID, "error", err)
		return
	}
	if err := e.Mailer.SendTransactionalEmail(ctx, u.Email, u.FullName, title, body, procedureID); err != nil {
		slog.Warn("payment confirmation email failed", "procedure_id", procedureID, "error", err)
	}
}

func (e *Engine) notifyGenericApproval(ctx context.Context, doc domain.EvidenceDocument) {
	p, err := e.Store.GetProcedure(ctx, doc.ProcedureID)
	if err != nil {
		slog.Warn("approval notification skipped", "evidence_id", doc.ID, "error", err)
		return
	}
	n := domain.Notification{
		ID:          "ntf_" + uuid.NewString(),
		UserID:      p.ClientUserID,
		ProcedureID: doc.ProcedureID,
		Kind:        domain.NotifDocumentApproved,
		Title:       "Document approved",
		Body:        fmt.Sprintf("Your document %q has been approved.", doc.Name),
	}
	if _, err := e.Store.InsertNotification(ctx, n); err != nil {
		slog.Warn("approval notification failed", "evidence_id", doc.ID, "error", err)
	}
}
