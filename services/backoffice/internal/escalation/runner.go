package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gestoria/pkg/domain"

	"github.com/google/uuid"
)

// Store is the scan surface of the scheduler. Every Claim* method is an
// atomic compare-and-set on a one-shot flag: it returns true for exactly
// one caller, which is what makes concurrent runs duplicate-free.
type Store interface {
	ListPendingPaymentLinksBefore(ctx context.Context, cutoff time.Time) ([]domain.ExternalPaymentLink, error)
	ClaimPaymentLinkReminder(ctx context.Context, linkID string, tier domain.ReminderTier) (bool, error)
	ListPendingGatewayPaymentsBefore(ctx context.Context, cutoff time.Time) ([]domain.GatewayPayment, error)
	ClaimGatewayPaymentReminder(ctx context.Context, paymentID string, tier domain.ReminderTier) (bool, error)
	ListRejectedUnresolved(ctx context.Context, rejectedBefore time.Time) ([]domain.EvidenceDocument, error)
	ClaimEvidenceReminder(ctx context.Context, evidenceID string) (bool, error)
	ListStalledCandidates(ctx context.Context, cutoff time.Time) ([]domain.Procedure, error)
	ClaimStalledReminder(ctx context.Context, procedureID string) (bool, error)
	ListNameExpiryCandidates(ctx context.Context, reservedBefore time.Time) ([]domain.Procedure, error)
	ClaimNameExpiryAlert(ctx context.Context, procedureID string) (bool, error)
	GetProcedure(ctx context.Context, procedureID string) (domain.Procedure, error)
	GetUser(ctx context.Context, userID string) (domain.User, error)
	ListOperators(ctx context.Context) ([]domain.User, error)
	InsertNotification(ctx context.Context, n domain.Notification) (string, error)
}

type Mailer interface {
	SendTransactionalEmail(ctx context.Context, to, name, subject, body, procedureID string) error
}

type Runner struct {
	Store  Store
	Mailer Mailer
	Now    func() time.Time
}

func NewRunner(st Store, mailer Mailer) *Runner {
	return &Runner{Store: st, Mailer: mailer, Now: time.Now}
}

const (
	reminderEarlyDays  = 3
	reminderLateDays   = 7
	evidenceStaleDays  = 7
	procedureStallDays = 10

	nameReservationValidityDays = 30
	nameExpiryScanFromDays      = 25
	nameExpiryAlertWindowDays   = 5
)

// Report aggregates one scheduler run. Per-candidate failures land in
// Errors; the run itself keeps going.
type Report struct {
	PaymentLinkReminders    int      `json:"payment_link_reminders"`
	GatewayPaymentReminders int      `json:"gateway_payment_reminders"`
	EvidenceReminders       int      `json:"evidence_reminders"`
	StalledReminders        int      `json:"stalled_reminders"`
	NameExpiryAlerts        int      `json:"name_expiry_alerts"`
	Errors                  []string `json:"errors"`
}

func (r *Report) fail(category, id string, err error) {
	r.Errors = append(r.Errors, fmt.Sprintf("%s %s: %v", category, id, err))
	slog.Warn("escalation candidate failed", "category", category, "id", id, "error", err)
}

// Run executes every scan once. Authorization happens at the transport
// layer before this is invoked; Run assumes the caller is allowed.
func (r *Runner) Run(ctx context.Context) Report {
	var report Report
	r.scanPaymentLinks(ctx, &report)
	r.scanGatewayPayments(ctx, &report)
	r.scanRejectedEvidence(ctx, &report)
	r.scanStalledProcedures(ctx, &report)
	r.scanNameExpiry(ctx, &report)
	slog.Info("escalation run complete",
		"payment_link_reminders", report.PaymentLinkReminders,
		"gateway_payment_reminders", report.GatewayPaymentReminders,
		"evidence_reminders", report.EvidenceReminders,
		"stalled_reminders", report.StalledReminders,
		"name_expiry_alerts", report.NameExpiryAlerts,
		"errors", len(report.Errors))
	return report
}

// overdueTier applies the windowed two-tier rule at scan time: ≥7 days
// claims the late reminder, [3,7) the early one. A candidate that ages
// past the early window between runs never gets the early reminder;
// this is the historical behavior and is kept on purpose.
func overdueTier(age time.Duration, early3dSent, late7dSent bool) (domain.ReminderTier, bool) {
	if age >= reminderLateDays*24*time.Hour {
		if !late7dSent {
			return domain.Reminder7d, true
		}
		return "", false
	}
	if age >= reminderEarlyDays*24*time.Hour && !early3dSent {
		return domain.Reminder3d, true
	}
	return "", false
}

func (r *Runner) scanPaymentLinks(ctx context.Context, report *Report) {
	now := r.Now().UTC()
	links, err := r.Store.ListPendingPaymentLinksBefore(ctx, now.AddDate(0, 0, -reminderEarlyDays))
	if err != nil {
		report.fail("payment_links", "scan", err)
		return
	}
	for _, pl := range links {
		tier, ok := overdueTier(now.Sub(pl.CreatedAt), pl.Reminder3dSent, pl.Reminder7dSent)
		if !ok {
			continue
		}
		claimed, err := r.Store.ClaimPaymentLinkReminder(ctx, pl.ID, tier)
		if err != nil {
			report.fail("payment_links", pl.ID, err)
			continue
		}
		if !claimed {
			continue
		}
		days := reminderEarlyDays
		if tier == domain.Reminder7d {
			days = reminderLateDays
		}
		title := "Payment reminder"
		body := fmt.Sprintf("The payment for %s (%s) has been pending for more than %d days.",
			pl.Concept.Label(), domain.FormatAmount(pl.Amount), days)
		if err := r.notifyClient(ctx, pl.ProcedureID, domain.NotifPaymentReminder, title, body, pl.TargetURL); err != nil {
			report.fail("payment_links", pl.ID, err)
			continue
		}
		report.PaymentLinkReminders++
	}
}

func (r *Runner) scanGatewayPayments(ctx context.Context, report *Report) {
	now := r.Now().UTC()
	payments, err := r.Store.ListPendingGatewayPaymentsBefore(ctx, now.AddDate(0, 0, -reminderEarlyDays))
	if err != nil {
		report.fail("gateway_payments", "scan", err)
		return
	}
	for _, gp := range payments {
		tier, ok := overdueTier(now.Sub(gp.CreatedAt), gp.Reminder3dSent, gp.Reminder7dSent)
		if !ok {
			continue
		}
		claimed, err := r.Store.ClaimGatewayPaymentReminder(ctx, gp.ID, tier)
		if err != nil {
			report.fail("gateway_payments", gp.ID, err)
			continue
		}
		if !claimed {
			continue
		}
		days := reminderEarlyDays
		if tier == domain.Reminder7d {
			days = reminderLateDays
		}
		title := "Payment reminder"
		body := fmt.Sprintf("The payment for %s (%s) has been pending for more than %d days.",
			gp.Concept.Label(), domain.FormatAmount(gp.Amount), days)
		if err := r.notifyClient(ctx, gp.ProcedureID, domain.NotifPaymentReminder, title, body, gp.CheckoutURL); err != nil {
			report.fail("gateway_payments", gp.ID, err)
			continue
		}
		report.GatewayPaymentReminders++
	}
}

func (r *Runner) scanRejectedEvidence(ctx context.Context, report *Report) {
	now := r.Now().UTC()
	docs, err := r.Store.ListRejectedUnresolved(ctx, now.AddDate(0, 0, -evidenceStaleDays))
	if err != nil {
		report.fail("rejected_evidence", "scan", err)
		return
	}
	for _, doc := range docs {
		claimed, err := r.Store.ClaimEvidenceReminder(ctx, doc.ID)
		if err != nil {
			report.fail("rejected_evidence", doc.ID, err)
			continue
		}
		if !claimed {
			continue
		}
		title := "Rejected document pending"
		body := fmt.Sprintf("Your document %q was rejected and is still awaiting a corrected upload.", doc.Name)
		if doc.Observations != "" {
			body += " Reviewer notes: " + doc.Observations
		}
		if err := r.notifyClient(ctx, doc.ProcedureID, domain.NotifDocumentReminder, title, body, ""); err != nil {
			report.fail("rejected_evidence", doc.ID, err)
			continue
		}
		report.EvidenceReminders++
	}
}

func (r *Runner) scanStalledProcedures(ctx context.Context, report *Report) {
	now := r.Now().UTC()
	procedures, err := r.Store.ListStalledCandidates(ctx, now.AddDate(0, 0, -procedureStallDays))
	if err != nil {
		report.fail("stalled_procedures", "scan", err)
		return
	}
	for _, p := range procedures {
		claimed, err := r.Store.ClaimStalledReminder(ctx, p.ID)
		if err != nil {
			report.fail("stalled_procedures", p.ID, err)
			continue
		}
		if !claimed {
			continue
		}
		stage := domain.CurrentStage(p, "in progress")
		title := "Your procedure needs attention"
		body := fmt.Sprintf("Your incorporation procedure has had no activity for %d days. Current stage: %s.",
			procedureStallDays, stage)
		n := domain.Notification{
			ID:          "ntf_" + uuid.NewString(),
			UserID:      p.ClientUserID,
			ProcedureID: p.ID,
			Kind:        domain.NotifProcedureStalled,
			Title:       title,
			Body:        body,
		}
		if _, err := r.Store.InsertNotification(ctx, n); err != nil {
			report.fail("stalled_procedures", p.ID, err)
			continue
		}
		r.mailClient(ctx, p, title, body)
		report.StalledReminders++
	}
}

func (r *Runner) scanNameExpiry(ctx context.Context, report *Report) {
	now := r.Now().UTC()
	procedures, err := r.Store.ListNameExpiryCandidates(ctx, now.AddDate(0, 0, -nameExpiryScanFromDays))
	if err != nil {
		report.fail("name_expiry", "scan", err)
		return
	}
	for _, p := range procedures {
		mark := p.Milestones[domain.MilestoneNameReserved]
		if mark.CompletedAt == nil {
			continue
		}
		daysSince := int(now.Sub(*mark.CompletedAt).Hours() / 24)
		daysRemaining := nameReservationValidityDays - daysSince
		if daysRemaining <= 0 || daysRemaining > nameExpiryAlertWindowDays {
			continue
		}

		claimed, err := r.Store.ClaimNameExpiryAlert(ctx, p.ID)
		if err != nil {
			report.fail("name_expiry", p.ID, err)
			continue
		}
		if !claimed {
			continue
		}

		operators, err := r.Store.ListOperators(ctx)
		if err != nil {
			report.fail("name_expiry", p.ID, err)
			continue
		}
		name := p.ApprovedName
		if name == "" && len(p.CandidateNames) > 0 {
			name = p.CandidateNames[0]
		}
		title := "Name reservation about to expire"
		body := fmt.Sprintf("The name reservation for procedure %s (%s) expires in %d day(s).",
			p.ID, name, daysRemaining)
		failed := false
		for _, op := range operators {
			n := domain.Notification{
				ID:          "ntf_" + uuid.NewString(),
				UserID:      op.ID,
				ProcedureID: p.ID,
				Kind:        domain.NotifNameExpiryAlert,
				Title:       title,
				Body:        body,
			}
			if _, err := r.Store.InsertNotification(ctx, n); err != nil {
				report.fail("name_expiry", p.ID, err)
				failed = true
			}
		}
		if !failed {
			report.NameExpiryAlerts++
		}
	}
}

// notifyClient inserts the reminder notification for the procedure's
// owning client and mails them best-effort. The returned error covers
// only the notification insert; mail failures are logged and dropped.
func (r *Runner) notifyClient(ctx context.Context, procedureID string, kind domain.NotificationKind, title, body, link string) error {
	p, err := r.Store.GetProcedure(ctx, procedureID)
	if err != nil {
		return err
	}
	n := domain.Notification{
		ID:          "ntf_" + uuid.NewString(),
		UserID:      p.ClientUserID,
		ProcedureID: procedureID,
		Kind:        kind,
		Title:       title,
		Body:        body,
		Link:        link,
	}
	if _, err := r.Store.InsertNotification(ctx, n); err != nil {
		return err
	}
	r.mailClient(ctx, p, title, body)
	return nil
}

func (r *Runner) mailClient(ctx context.Context, p domain.Procedure, subject, body string) {
	u, err := r.Store.GetUser(ctx, p.ClientUserID)
	if err != nil {
		slog.Warn("reminder email skipped", "procedure_id", p.ID, "error", err)
		return
	}
	if err := r.Mailer.SendTransactionalEmail(ctx, u.Email, u.FullName, subject, body, p.ID); err != nil {
		slog.Warn("reminder email failed", "procedure_id", p.ID, "error", err)
	}
}
