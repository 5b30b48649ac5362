package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gestoria/pkg/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrProcedureNotFound = errors.New("procedure not found")
	ErrUserNotFound      = errors.New("user not found")
)

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// milestoneColumns maps a milestone to its flag/stamp column pair. Only
// values produced by domain.ParseMilestone reach this map, so the column
// names never come from user input.
var milestoneColumns = map[domain.Milestone][2]string{
	domain.MilestoneFormComplete:      {"ms_form_complete", "ms_form_complete_at"},
	domain.MilestoneNameReserved:      {"ms_name_reserved", "ms_name_reserved_at"},
	domain.MilestoneCapitalDeposited:  {"ms_capital_deposited", "ms_capital_deposited_at"},
	domain.MilestoneFeePaid:           {"ms_fee_paid", "ms_fee_paid_at"},
	domain.MilestoneDocumentsReviewed: {"ms_documents_reviewed", "ms_documents_reviewed_at"},
	domain.MilestoneDocumentsSigned:   {"ms_documents_signed", "ms_documents_signed_at"},
	domain.MilestoneFilingSubmitted:   {"ms_filing_submitted", "ms_filing_submitted_at"},
	domain.MilestoneEntityRegistered:  {"ms_entity_registered", "ms_entity_registered_at"},
}

const procedureSelectColumns = `
procedure_id, client_user_id, jurisdiction, plan_tier, general_status,
validation_status, correction_notes, capital_amount, candidate_names, approved_name,
ms_form_complete, ms_form_complete_at,
ms_name_reserved, ms_name_reserved_at,
ms_capital_deposited, ms_capital_deposited_at,
ms_fee_paid, ms_fee_paid_at,
ms_documents_reviewed, ms_documents_reviewed_at,
ms_documents_signed, ms_documents_signed_at,
ms_filing_submitted, ms_filing_submitted_at,
ms_entity_registered, ms_entity_registered_at,
stalled_reminder_sent, name_expiry_alert_sent, created_at, updated_at`

func scanProcedure(row pgx.Row) (domain.Procedure, error) {
	var p domain.Procedure
	marks := make([]domain.MilestoneMark, len(domain.MilestoneOrder))
	dest := []any{
		&p.ID, &p.ClientUserID, &p.Jurisdiction, &p.PlanTier, &p.GeneralStatus,
		&p.ValidationStatus, &p.CorrectionNotes, &p.CapitalAmount, &p.CandidateNames, &p.ApprovedName,
	}
	for i := range marks {
		dest = append(dest, &marks[i].Done, &marks[i].CompletedAt)
	}
	dest = append(dest, &p.StalledReminderSent, &p.NameExpiryAlertSent, &p.CreatedAt, &p.UpdatedAt)
	if err := row.Scan(dest...); err != nil {
		return domain.Procedure{}, err
	}
	p.Milestones = make(map[domain.Milestone]domain.MilestoneMark, len(marks))
	for i, m := range domain.MilestoneOrder {
		p.Milestones[m] = marks[i]
	}
	return p, nil
}

func (s *Store) CreateProcedure(ctx context.Context, p domain.Procedure) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO procedures(procedure_id, client_user_id, jurisdiction, plan_tier, general_status,
  validation_status, correction_notes, capital_amount, candidate_names, approved_name)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`, p.ID, p.ClientUserID, p.Jurisdiction, p.PlanTier, p.GeneralStatus,
		p.ValidationStatus, p.CorrectionNotes, p.CapitalAmount, p.CandidateNames, p.ApprovedName)
	return err
}

func (s *Store) GetProcedure(ctx context.Context, procedureID string) (domain.Procedure, error) {
	p, err := scanProcedure(s.DB.QueryRow(ctx, `
SELECT `+procedureSelectColumns+`
FROM procedures
WHERE procedure_id=$1
`, procedureID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Procedure{}, ErrProcedureNotFound
		}
		return domain.Procedure{}, err
	}
	return p, nil
}

// SetMilestone flips one milestone flag. The stamp is written only on the
// false→true transition (COALESCE keeps an existing stamp on re-check
// after an un-check). Returns changed=false when the flag already held
// the requested value.
func (s *Store) SetMilestone(ctx context.Context, procedureID string, m domain.Milestone, value bool, now time.Time) (bool, *time.Time, error) {
	cols, ok := milestoneColumns[m]
	if !ok {
		return false, nil, domain.ErrInvalidMilestone
	}
	flagCol, stampCol := cols[0], cols[1]

	if value {
		var stampedAt time.Time
		err := s.DB.QueryRow(ctx, fmt.Sprintf(`
UPDATE procedures
SET %[1]s=true, %[2]s=COALESCE(%[2]s,$2), updated_at=$2
WHERE procedure_id=$1 AND %[1]s=false
RETURNING %[2]s
`, flagCol, stampCol), procedureID, now.UTC()).Scan(&stampedAt)
		if err == nil {
			return true, &stampedAt, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return false, nil, err
		}
	} else {
		tag, err := s.DB.Exec(ctx, fmt.Sprintf(`
UPDATE procedures
SET %[1]s=false, updated_at=$2
WHERE procedure_id=$1 AND %[1]s=true
`, flagCol), procedureID, now.UTC())
		if err != nil {
			return false, nil, err
		}
		if tag.RowsAffected() > 0 {
			return true, nil, nil
		}
	}

	// No row changed: distinguish "already in the requested state" from a
	// missing procedure.
	var exists bool
	if err := s.DB.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM procedures WHERE procedure_id=$1)`, procedureID).Scan(&exists); err != nil {
		return false, nil, err
	}
	if !exists {
		return false, nil, ErrProcedureNotFound
	}
	return false, nil, nil
}

func (s *Store) SetValidation(ctx context.Context, procedureID string, status domain.ValidationStatus, notes string, now time.Time) error {
	tag, err := s.DB.Exec(ctx, `
UPDATE procedures
SET validation_status=$2, correction_notes=$3, updated_at=$4
WHERE procedure_id=$1
`, procedureID, status, notes, now.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrProcedureNotFound
	}
	return nil
}

func (s *Store) SetGeneralStatus(ctx context.Context, procedureID string, status domain.GeneralStatus, now time.Time) error {
	tag, err := s.DB.Exec(ctx, `
UPDATE procedures
SET general_status=$2, updated_at=$3
WHERE procedure_id=$1
`, procedureID, status, now.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrProcedureNotFound
	}
	return nil
}

func (s *Store) ListStalledCandidates(ctx context.Context, cutoff time.Time) ([]domain.Procedure, error) {
	rows, err := s.DB.Query(ctx, `
SELECT `+procedureSelectColumns+`
FROM procedures
WHERE general_status NOT IN ('COMPLETED','CANCELLED')
  AND updated_at <= $1
  AND stalled_reminder_sent=false
ORDER BY updated_at ASC
`, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectProcedures(rows)
}

func (s *Store) ListNameExpiryCandidates(ctx context.Context, reservedBefore time.Time) ([]domain.Procedure, error) {
	rows, err := s.DB.Query(ctx, `
SELECT `+procedureSelectColumns+`
FROM procedures
WHERE ms_name_reserved=true
  AND ms_entity_registered=false
  AND ms_name_reserved_at IS NOT NULL
  AND ms_name_reserved_at <= $1
  AND name_expiry_alert_sent=false
ORDER BY ms_name_reserved_at ASC
`, reservedBefore.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectProcedures(rows)
}

func collectProcedures(rows pgx.Rows) ([]domain.Procedure, error) {
	var out []domain.Procedure
	for rows.Next() {
		p, err := scanProcedure(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ClaimStalledReminder is a one-shot compare-and-set: it succeeds for
// exactly one caller even under concurrent scheduler runs.
func (s *Store) ClaimStalledReminder(ctx context.Context, procedureID string) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
UPDATE procedures
SET stalled_reminder_sent=true
WHERE procedure_id=$1 AND stalled_reminder_sent=false
`, procedureID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) ClaimNameExpiryAlert(ctx context.Context, procedureID string) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
UPDATE procedures
SET name_expiry_alert_sent=true
WHERE procedure_id=$1 AND name_expiry_alert_sent=false
`, procedureID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) CreateUser(ctx context.Context, u domain.User) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO users(user_id, email, full_name, role)
VALUES($1,lower($2),$3,$4)
ON CONFLICT (email) DO NOTHING
`, u.ID, u.Email, u.FullName, u.Role)
	return err
}

func (s *Store) GetUser(ctx context.Context, userID string) (domain.User, error) {
	var u domain.User
	err := s.DB.QueryRow(ctx, `
SELECT user_id, email, full_name, role, created_at
FROM users
WHERE user_id=$1
`, userID).Scan(&u.ID, &u.Email, &u.FullName, &u.Role, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, ErrUserNotFound
		}
		return domain.User{}, err
	}
	return u, nil
}

func (s *Store) ListOperators(ctx context.Context) ([]domain.User, error) {
	rows, err := s.DB.Query(ctx, `
SELECT user_id, email, full_name, role, created_at
FROM users
WHERE role='OPERATOR'
ORDER BY created_at ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Email, &u.FullName, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) UpsertBankInstruction(ctx context.Context, in domain.BankAccountInstruction) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO bank_account_instructions(instruction_id, procedure_id, purpose, bank, account_id, alias, holder_name, expected_amount)
VALUES($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (instruction_id) DO UPDATE
SET bank=EXCLUDED.bank, account_id=EXCLUDED.account_id, alias=EXCLUDED.alias,
    holder_name=EXCLUDED.holder_name, expected_amount=EXCLUDED.expected_amount
`, in.InstructionID, in.ProcedureID, in.Purpose, in.Bank, in.AccountID, in.Alias, in.HolderName, in.ExpectedAmount)
	return err
}

// GetBankInstruction looks up by the composite id first and falls back to
// the field pair for legacy rows written before the composite key existed.
func (s *Store) GetBankInstruction(ctx context.Context, procedureID, purpose string) (domain.BankAccountInstruction, bool, error) {
	in, err := s.scanBankInstruction(s.DB.QueryRow(ctx, `
SELECT instruction_id, procedure_id, purpose, bank, account_id, alias, holder_name, expected_amount, created_at
FROM bank_account_instructions
WHERE instruction_id=$1
`, domain.BankInstructionKey(procedureID, purpose)))
	if err == nil {
		return in, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.BankAccountInstruction{}, false, err
	}

	in, err = s.scanBankInstruction(s.DB.QueryRow(ctx, `
SELECT instruction_id, procedure_id, purpose, bank, account_id, alias, holder_name, expected_amount, created_at
FROM bank_account_instructions
WHERE procedure_id=$1 AND purpose=$2
ORDER BY created_at DESC
LIMIT 1
`, procedureID, purpose))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BankAccountInstruction{}, false, nil
		}
		return domain.BankAccountInstruction{}, false, err
	}
	return in, true, nil
}

func (s *Store) scanBankInstruction(row pgx.Row) (domain.BankAccountInstruction, error) {
	var in domain.BankAccountInstruction
	err := row.Scan(&in.InstructionID, &in.ProcedureID, &in.Purpose, &in.Bank,
		&in.AccountID, &in.Alias, &in.HolderName, &in.ExpectedAmount, &in.CreatedAt)
	return in, err
}

func (s *Store) InsertNotification(ctx context.Context, n domain.Notification) (string, error) {
	var id string
	err := s.DB.QueryRow(ctx, `
INSERT INTO notifications(notification_id, user_id, procedure_id, kind, title, body, link)
VALUES($1,$2,$3,$4,$5,$6,$7)
RETURNING notification_id
`, n.ID, n.UserID, nullable(n.ProcedureID), n.Kind, n.Title, n.Body, nullable(n.Link)).Scan(&id)
	return id, err
}

func (s *Store) ListNotifications(ctx context.Context, userID string) ([]domain.Notification, error) {
	rows, err := s.DB.Query(ctx, `
SELECT notification_id, user_id, COALESCE(procedure_id,''), kind, title, body, COALESCE(link,''), read, created_at
FROM notifications
WHERE user_id=$1
ORDER BY created_at DESC
`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Notification
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.ProcedureID, &n.Kind, &n.Title, &n.Body, &n.Link, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

type IdempotencyRecord struct {
	ActorID        string
	IdempotencyKey string
	Endpoint       string
	ResponseStatus int
	ResponseBody   []byte
}

func (s *Store) GetIdempotencyRecord(ctx context.Context, actorID, key, endpoint string) (*IdempotencyRecord, error) {
	var rec IdempotencyRecord
	err := s.DB.QueryRow(ctx, `
SELECT actor_id, idempotency_key, endpoint, response_status, response_body
FROM backoffice_idempotency_records
WHERE actor_id=$1 AND idempotency_key=$2 AND endpoint=$3
`, actorID, key, endpoint).Scan(&rec.ActorID, &rec.IdempotencyKey, &rec.Endpoint, &rec.ResponseStatus, &rec.ResponseBody)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (s *Store) SaveIdempotencyRecord(ctx context.Context, rec IdempotencyRecord) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO backoffice_idempotency_records(actor_id, idempotency_key, endpoint, response_status, response_body)
VALUES($1,$2,$3,$4,$5::jsonb)
ON CONFLICT (actor_id, idempotency_key, endpoint) DO NOTHING
`, rec.ActorID, rec.IdempotencyKey, rec.Endpoint, rec.ResponseStatus, string(rec.ResponseBody))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
