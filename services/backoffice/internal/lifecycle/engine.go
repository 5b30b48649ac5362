package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gestoria/pkg/domain"

	"github.com/google/uuid"
)

var (
	ErrMissingObservations = errors.New("correction outcome requires observations")
	ErrInvalidOutcome      = errors.New("invalid validation outcome")
)

// Store is the slice of the backoffice store the state machine needs.
type Store interface {
	GetProcedure(ctx context.Context, procedureID string) (domain.Procedure, error)
	SetMilestone(ctx context.Context, procedureID string, m domain.Milestone, value bool, now time.Time) (bool, *time.Time, error)
	SetValidation(ctx context.Context, procedureID string, status domain.ValidationStatus, notes string, now time.Time) error
	InsertNotification(ctx context.Context, n domain.Notification) (string, error)
}

// Calendar schedules downstream deadline events. Best-effort: a scheduling
// failure never aborts the milestone update.
type Calendar interface {
	ScheduleEvent(ctx context.Context, procedureID, title, description, kind string, at time.Time) error
}

type Engine struct {
	Store    Store
	Calendar Calendar
	Now      func() time.Time
}

func NewEngine(st Store, cal Calendar) *Engine {
	return &Engine{Store: st, Calendar: cal, Now: time.Now}
}

const (
	nameReservationValidityDays = 30
	filingDeadlineDays          = 45
)

// milestones whose false→true transition notifies the client
var notifyMilestones = map[domain.Milestone]bool{
	domain.MilestoneNameReserved:     true,
	domain.MilestoneCapitalDeposited: true,
	domain.MilestoneFeePaid:          true,
	domain.MilestoneFilingSubmitted:  true,
	domain.MilestoneEntityRegistered: true,
}

// SetMilestone flips a stage flag and, on completion, fires the stage's
// side effects. Event scheduling and notification failures are logged and
// swallowed; only the flag update itself can fail the operation.
func (e *Engine) SetMilestone(ctx context.Context, procedureID, milestoneName string, value bool) (bool, error) {
	m, err := domain.ParseMilestone(milestoneName)
	if err != nil {
		return false, err
	}

	changed, stampedAt, err := e.Store.SetMilestone(ctx, procedureID, m, value, e.Now().UTC())
	if err != nil {
		return false, err
	}
	if !changed || !value {
		return changed, nil
	}

	stamp := e.Now().UTC()
	if stampedAt != nil {
		stamp = *stampedAt
	}
	e.scheduleDeadline(ctx, procedureID, m, stamp)
	e.notifyCompletion(ctx, procedureID, m)
	return true, nil
}

func (e *Engine) scheduleDeadline(ctx context.Context, procedureID string, m domain.Milestone, stamp time.Time) {
	var title, description, kind string
	var at time.Time
	switch m {
	case domain.MilestoneNameReserved:
		title = "Name reservation expires"
		description = "The reserved company name expires 30 days after reservation."
		kind = "NAME_RESERVATION_EXPIRY"
		at = stamp.AddDate(0, 0, nameReservationValidityDays)
	case domain.MilestoneFilingSubmitted:
		title = "Estimated registration date"
		description = "Registry resolution is expected within 45 days of filing."
		kind = "FILING_DEADLINE"
		at = stamp.AddDate(0, 0, filingDeadlineDays)
	default:
		return
	}
	if err := e.Calendar.ScheduleEvent(ctx, procedureID, title, description, kind, at); err != nil {
		slog.Warn("calendar event scheduling failed", "procedure_id", procedureID, "milestone", m, "error", err)
	}
}

func (e *Engine) notifyCompletion(ctx context.Context, procedureID string, m domain.Milestone) {
	if !notifyMilestones[m] {
		return
	}
	p, err := e.Store.GetProcedure(ctx, procedureID)
	if err != nil {
		slog.Warn("milestone notification skipped", "procedure_id", procedureID, "error", err)
		return
	}

	n := domain.Notification{
		ID:          "ntf_" + uuid.NewString(),
		UserID:      p.ClientUserID,
		ProcedureID: procedureID,
	}
	if m == domain.MilestoneEntityRegistered {
		n.Kind = domain.NotifRegistrationComplete
		n.Title = "Your company is registered"
		n.Body = "The registry has approved the incorporation. Your company is now legally registered."
	} else {
		n.Kind = domain.NotifStageCompleted
		n.Title = "Stage completed"
		n.Body = fmt.Sprintf("The stage %q of your incorporation procedure has been completed.", m.DisplayName())
	}
	if _, err := e.Store.InsertNotification(ctx, n); err != nil {
		slog.Warn("milestone notification failed", "procedure_id", procedureID, "milestone", m, "error", err)
	}
}

// SetValidation records the initial review outcome. Both outcomes are
// terminal; there is no transition back to PENDING_VALIDATION.
func (e *Engine) SetValidation(ctx context.Context, procedureID, outcome, notes string) error {
	var status domain.ValidationStatus
	switch domain.ValidationStatus(strings.ToUpper(strings.TrimSpace(outcome))) {
	case domain.ValidationValidated:
		status = domain.ValidationValidated
	case domain.ValidationNeedsCorrection:
		if strings.TrimSpace(notes) == "" {
			return ErrMissingObservations
		}
		status = domain.ValidationNeedsCorrection
	default:
		return ErrInvalidOutcome
	}

	if err := e.Store.SetValidation(ctx, procedureID, status, notes, e.Now().UTC()); err != nil {
		return err
	}

	p, err := e.Store.GetProcedure(ctx, procedureID)
	if err != nil {
		slog.Warn("validation notification skipped", "procedure_id", procedureID, "error", err)
		return nil
	}
	n := domain.Notification{
		ID:          "ntf_" + uuid.NewString(),
		UserID:      p.ClientUserID,
		ProcedureID: procedureID,
		Kind:        domain.NotifValidationOutcome,
	}
	if status == domain.ValidationValidated {
		n.Title = "Form validated"
		n.Body = "Your incorporation form has been validated. The next steps are now available."
	} else {
		n.Title = "Corrections required"
		n.Body = "Your incorporation form needs corrections: " + notes
	}
	if _, err := e.Store.InsertNotification(ctx, n); err != nil {
		slog.Warn("validation notification failed", "procedure_id", procedureID, "error", err)
	}
	return nil
}

// Progress is the display-only advisory signal; it is derived from the
// milestone flags and can disagree with the procedure's general status.
func (e *Engine) Progress(ctx context.Context, procedureID string) (domain.Progress, error) {
	p, err := e.Store.GetProcedure(ctx, procedureID)
	if err != nil {
		return domain.Progress{}, err
	}
	return domain.ComputeProgress(p), nil
}
