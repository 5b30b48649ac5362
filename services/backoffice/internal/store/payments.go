package store

import (
	"context"
	"errors"
	"time"

	"gestoria/pkg/domain"

	"github.com/jackc/pgx/v5"
)

var ErrObligationNotFound = errors.New("payment obligation not found")

func (s *Store) CreateGatewayPayment(ctx context.Context, gp domain.GatewayPayment) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO gateway_payments(payment_id, procedure_id, concept, amount, state, method, gateway_ref, checkout_url, paid_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
`, gp.ID, gp.ProcedureID, gp.Concept, gp.Amount, gp.State, gp.Method, gp.GatewayRef, gp.CheckoutURL, gp.PaidAt)
	return err
}

const gatewayPaymentColumns = `
payment_id, procedure_id, concept, amount, state, method, gateway_ref, checkout_url,
created_at, paid_at, reminder_3d_sent, reminder_7d_sent`

func scanGatewayPayment(row pgx.Row) (domain.GatewayPayment, error) {
	var gp domain.GatewayPayment
	err := row.Scan(&gp.ID, &gp.ProcedureID, &gp.Concept, &gp.Amount, &gp.State, &gp.Method,
		&gp.GatewayRef, &gp.CheckoutURL, &gp.CreatedAt, &gp.PaidAt, &gp.Reminder3dSent, &gp.Reminder7dSent)
	return gp, err
}

func (s *Store) GetGatewayPayment(ctx context.Context, paymentID string) (domain.GatewayPayment, error) {
	gp, err := scanGatewayPayment(s.DB.QueryRow(ctx, `
SELECT `+gatewayPaymentColumns+`
FROM gateway_payments
WHERE payment_id=$1
`, paymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.GatewayPayment{}, ErrObligationNotFound
		}
		return domain.GatewayPayment{}, err
	}
	return gp, nil
}

// LatestPendingBankTransfer returns the most recently created open bank
// transfer for a procedure, the candidate a transfer receipt settles.
func (s *Store) LatestPendingBankTransfer(ctx context.Context, procedureID string) (*domain.GatewayPayment, error) {
	gp, err := scanGatewayPayment(s.DB.QueryRow(ctx, `
SELECT `+gatewayPaymentColumns+`
FROM gateway_payments
WHERE procedure_id=$1
  AND method='BANK_TRANSFER'
  AND state IN ('PENDING','PROCESSING')
ORDER BY created_at DESC
LIMIT 1
`, procedureID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &gp, nil
}

// MarkGatewayPaymentPaid approves an open payment. Conditional on state
// so a concurrent settlement of the same obligation wins at most once.
func (s *Store) MarkGatewayPaymentPaid(ctx context.Context, paymentID string, paidAt time.Time) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
UPDATE gateway_payments
SET state='APPROVED', paid_at=$2
WHERE payment_id=$1 AND state IN ('PENDING','PROCESSING')
`, paymentID, paidAt.UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) CreatePaymentLink(ctx context.Context, pl domain.ExternalPaymentLink) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO payment_links(link_id, procedure_id, concept, amount, state, target_url, due_date)
VALUES($1,$2,$3,$4,$5,$6,$7)
`, pl.ID, pl.ProcedureID, pl.Concept, pl.Amount, pl.State, pl.TargetURL, pl.DueDate)
	return err
}

const paymentLinkColumns = `
link_id, procedure_id, concept, amount, state, target_url, due_date,
created_at, paid_at, reported_expired, reminder_3d_sent, reminder_7d_sent`

func scanPaymentLink(row pgx.Row) (domain.ExternalPaymentLink, error) {
	var pl domain.ExternalPaymentLink
	err := row.Scan(&pl.ID, &pl.ProcedureID, &pl.Concept, &pl.Amount, &pl.State, &pl.TargetURL,
		&pl.DueDate, &pl.CreatedAt, &pl.PaidAt, &pl.ReportedExpired, &pl.Reminder3dSent, &pl.Reminder7dSent)
	return pl, err
}

func (s *Store) GetPaymentLink(ctx context.Context, linkID string) (domain.ExternalPaymentLink, error) {
	pl, err := scanPaymentLink(s.DB.QueryRow(ctx, `
SELECT `+paymentLinkColumns+`
FROM payment_links
WHERE link_id=$1
`, linkID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ExternalPaymentLink{}, ErrObligationNotFound
		}
		return domain.ExternalPaymentLink{}, err
	}
	return pl, nil
}

// LatestLinkByConcept returns the most recent link for (procedure,
// concept) restricted to the given states; with no states it considers
// every row, which the reconciler uses purely to recover an amount.
func (s *Store) LatestLinkByConcept(ctx context.Context, procedureID string, concept domain.Concept, states []domain.PaymentState) (*domain.ExternalPaymentLink, error) {
	query := `
SELECT ` + paymentLinkColumns + `
FROM payment_links
WHERE procedure_id=$1 AND concept=$2
`
	args := []any{procedureID, concept}
	if len(states) > 0 {
		query += ` AND state = ANY($3)`
		ss := make([]string, len(states))
		for i, st := range states {
			ss[i] = string(st)
		}
		args = append(args, ss)
	}
	query += `
ORDER BY created_at DESC
LIMIT 1`

	pl, err := scanPaymentLink(s.DB.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &pl, nil
}

func (s *Store) MarkPaymentLinkPaid(ctx context.Context, linkID string, paidAt time.Time) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
UPDATE payment_links
SET state='PAID', paid_at=$2
WHERE link_id=$1 AND state IN ('PENDING','PROCESSING')
`, linkID, paidAt.UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ReportLinkExpired records the client's expiry report without touching
// the ledger state; an operator reissues the link out of band.
func (s *Store) ReportLinkExpired(ctx context.Context, linkID string) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
UPDATE payment_links
SET reported_expired=true
WHERE link_id=$1 AND reported_expired=false
`, linkID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) ListProcedureGatewayPayments(ctx context.Context, procedureID string) ([]domain.GatewayPayment, error) {
	rows, err := s.DB.Query(ctx, `
SELECT `+gatewayPaymentColumns+`
FROM gateway_payments
WHERE procedure_id=$1
ORDER BY created_at DESC
`, procedureID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.GatewayPayment
	for rows.Next() {
		gp, err := scanGatewayPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, gp)
	}
	return out, rows.Err()
}

func (s *Store) ListProcedurePaymentLinks(ctx context.Context, procedureID string) ([]domain.ExternalPaymentLink, error) {
	rows, err := s.DB.Query(ctx, `
SELECT `+paymentLinkColumns+`
FROM payment_links
WHERE procedure_id=$1
ORDER BY created_at DESC
`, procedureID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ExternalPaymentLink
	for rows.Next() {
		pl, err := scanPaymentLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pl)
	}
	return out, rows.Err()
}

// ListPendingPaymentLinksBefore returns PENDING links created at or
// before the cutoff that could still receive any overdue reminder.
func (s *Store) ListPendingPaymentLinksBefore(ctx context.Context, cutoff time.Time) ([]domain.ExternalPaymentLink, error) {
	rows, err := s.DB.Query(ctx, `
SELECT `+paymentLinkColumns+`
FROM payment_links
WHERE state='PENDING'
  AND created_at <= $1
  AND (reminder_3d_sent=false OR reminder_7d_sent=false)
ORDER BY created_at ASC
`, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ExternalPaymentLink
	for rows.Next() {
		pl, err := scanPaymentLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pl)
	}
	return out, rows.Err()
}

func (s *Store) ListPendingGatewayPaymentsBefore(ctx context.Context, cutoff time.Time) ([]domain.GatewayPayment, error) {
	rows, err := s.DB.Query(ctx, `
SELECT `+gatewayPaymentColumns+`
FROM gateway_payments
WHERE state='PENDING'
  AND created_at <= $1
  AND (reminder_3d_sent=false OR reminder_7d_sent=false)
ORDER BY created_at ASC
`, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.GatewayPayment
	for rows.Next() {
		gp, err := scanGatewayPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, gp)
	}
	return out, rows.Err()
}

func reminderColumn(tier domain.ReminderTier) string {
	if tier == domain.Reminder7d {
		return "reminder_7d_sent"
	}
	return "reminder_3d_sent"
}

func (s *Store) ClaimPaymentLinkReminder(ctx context.Context, linkID string, tier domain.ReminderTier) (bool, error) {
	col := reminderColumn(tier)
	tag, err := s.DB.Exec(ctx, `
UPDATE payment_links
SET `+col+`=true
WHERE link_id=$1 AND `+col+`=false
`, linkID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) ClaimGatewayPaymentReminder(ctx context.Context, paymentID string, tier domain.ReminderTier) (bool, error) {
	col := reminderColumn(tier)
	tag, err := s.DB.Exec(ctx, `
UPDATE gateway_payments
SET `+col+`=true
WHERE payment_id=$1 AND `+col+`=false
`, paymentID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
