package store

import (
	"context"
	"errors"
	"time"

	"gestoria/pkg/domain"

	"github.com/jackc/pgx/v5"
)

var ErrEvidenceNotFound = errors.New("evidence document not found")

func (s *Store) CreateEvidence(ctx context.Context, doc domain.EvidenceDocument) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO evidence_documents(evidence_id, procedure_id, uploaded_by, kind, name, state, payment_link_id, gateway_payment_id)
VALUES($1,$2,$3,$4,$5,$6,$7,$8)
`, doc.ID, doc.ProcedureID, doc.UploadedBy, doc.Kind, doc.Name, doc.State,
		nullable(doc.PaymentLinkID), nullable(doc.GatewayPaymentID))
	return err
}

const evidenceColumns = `
evidence_id, procedure_id, uploaded_by, kind, name, state, observations,
COALESCE(payment_link_id,''), COALESCE(gateway_payment_id,''), COALESCE(settled_obligation_id,''),
reminder_sent, created_at, reviewed_at, rejected_at`

func scanEvidence(row pgx.Row) (domain.EvidenceDocument, error) {
	var d domain.EvidenceDocument
	err := row.Scan(&d.ID, &d.ProcedureID, &d.UploadedBy, &d.Kind, &d.Name, &d.State, &d.Observations,
		&d.PaymentLinkID, &d.GatewayPaymentID, &d.SettledObligationID,
		&d.ReminderSent, &d.CreatedAt, &d.ReviewedAt, &d.RejectedAt)
	return d, err
}

func (s *Store) GetEvidence(ctx context.Context, evidenceID string) (domain.EvidenceDocument, error) {
	d, err := scanEvidence(s.DB.QueryRow(ctx, `
SELECT `+evidenceColumns+`
FROM evidence_documents
WHERE evidence_id=$1
`, evidenceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.EvidenceDocument{}, ErrEvidenceNotFound
		}
		return domain.EvidenceDocument{}, err
	}
	return d, nil
}

// ClaimReview transitions an open document to APPROVED or REJECTED as a
// single conditional write. Exactly one concurrent reviewer wins the
// claim, which is what keeps reconciliation from running twice.
func (s *Store) ClaimReview(ctx context.Context, evidenceID string, state domain.EvidenceState, observations string, now time.Time) (bool, error) {
	var rejectedAt any
	if state == domain.EvidenceRejected {
		rejectedAt = now.UTC()
	}
	tag, err := s.DB.Exec(ctx, `
UPDATE evidence_documents
SET state=$2, observations=$3, reviewed_at=$4, rejected_at=COALESCE($5, rejected_at)
WHERE evidence_id=$1 AND state IN ('PENDING','IN_REVIEW')
`, evidenceID, state, observations, now.UTC(), rejectedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) SetSettledObligation(ctx context.Context, evidenceID, obligationID string) error {
	_, err := s.DB.Exec(ctx, `
UPDATE evidence_documents
SET settled_obligation_id=COALESCE(settled_obligation_id,$2)
WHERE evidence_id=$1
`, evidenceID, obligationID)
	return err
}

func (s *Store) ListRejectedUnresolved(ctx context.Context, rejectedBefore time.Time) ([]domain.EvidenceDocument, error) {
	rows, err := s.DB.Query(ctx, `
SELECT `+evidenceColumns+`
FROM evidence_documents
WHERE state='REJECTED'
  AND rejected_at IS NOT NULL
  AND rejected_at <= $1
  AND reminder_sent=false
ORDER BY rejected_at ASC
`, rejectedBefore.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.EvidenceDocument
	for rows.Next() {
		d, err := scanEvidence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) ClaimEvidenceReminder(ctx context.Context, evidenceID string) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
UPDATE evidence_documents
SET reminder_sent=true
WHERE evidence_id=$1 AND reminder_sent=false
`, evidenceID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
