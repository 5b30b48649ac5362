package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"gestoria/pkg/domain"
)

type fakeStore struct {
	procedures map[string]domain.Procedure

	milestoneChanged bool
	milestoneStamp   *time.Time
	milestoneErr     error
	setMilestones    []domain.Milestone

	validationStatus domain.ValidationStatus
	validationNotes  string

	notifications []domain.Notification
	insertErr     error
}

func (f *fakeStore) GetProcedure(ctx context.Context, procedureID string) (domain.Procedure, error) {
	p, ok := f.procedures[procedureID]
	if !ok {
		return domain.Procedure{}, errors.New("procedure not found")
	}
	return p, nil
}

func (f *fakeStore) SetMilestone(ctx context.Context, procedureID string, m domain.Milestone, value bool, now time.Time) (bool, *time.Time, error) {
	f.setMilestones = append(f.setMilestones, m)
	return f.milestoneChanged, f.milestoneStamp, f.milestoneErr
}

func (f *fakeStore) SetValidation(ctx context.Context, procedureID string, status domain.ValidationStatus, notes string, now time.Time) error {
	f.validationStatus = status
	f.validationNotes = notes
	return nil
}

func (f *fakeStore) InsertNotification(ctx context.Context, n domain.Notification) (string, error) {
	if f.insertErr != nil {
		return "", f.insertErr
	}
	f.notifications = append(f.notifications, n)
	return n.ID, nil
}

type fakeCalendar struct {
	events []string
	err    error
}

func (f *fakeCalendar) ScheduleEvent(ctx context.Context, procedureID, title, description, kind string, at time.Time) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, kind)
	return nil
}

func newTestEngine(st *fakeStore, cal *fakeCalendar) *Engine {
	e := NewEngine(st, cal)
	e.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return e
}

func TestSetMilestoneUnknownName(t *testing.T) {
	st := &fakeStore{procedures: map[string]domain.Procedure{}}
	e := newTestEngine(st, &fakeCalendar{})

	_, err := e.SetMilestone(context.Background(), "proc_1", "not-a-stage", true)
	if !errors.Is(err, domain.ErrInvalidMilestone) {
		t.Fatalf("expected ErrInvalidMilestone, got %v", err)
	}
	if len(st.setMilestones) != 0 {
		t.Fatalf("store should not be touched on parse failure")
	}
}

func TestSetMilestoneIdempotentNoSideEffects(t *testing.T) {
	st := &fakeStore{
		procedures:       map[string]domain.Procedure{"proc_1": {ID: "proc_1", ClientUserID: "usr_1"}},
		milestoneChanged: false,
	}
	cal := &fakeCalendar{}
	e := newTestEngine(st, cal)

	changed, err := e.SetMilestone(context.Background(), "proc_1", "name-reserved", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if changed {
		t.Fatalf("expected no change on repeated set")
	}
	if len(cal.events) != 0 || len(st.notifications) != 0 {
		t.Fatalf("no-op set must not schedule events or notify")
	}
}

func TestSetMilestoneNameReservedSchedulesExpiry(t *testing.T) {
	stamp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := &fakeStore{
		procedures:       map[string]domain.Procedure{"proc_1": {ID: "proc_1", ClientUserID: "usr_1"}},
		milestoneChanged: true,
		milestoneStamp:   &stamp,
	}
	cal := &fakeCalendar{}
	e := newTestEngine(st, cal)

	changed, err := e.SetMilestone(context.Background(), "proc_1", "name-reserved", true)
	if err != nil || !changed {
		t.Fatalf("expected changed=true, got changed=%v err=%v", changed, err)
	}
	if len(cal.events) != 1 || cal.events[0] != "NAME_RESERVATION_EXPIRY" {
		t.Fatalf("expected one NAME_RESERVATION_EXPIRY event, got %v", cal.events)
	}
	if len(st.notifications) != 1 {
		t.Fatalf("expected one notification, got %d", len(st.notifications))
	}
	n := st.notifications[0]
	if n.Kind != domain.NotifStageCompleted || n.UserID != "usr_1" {
		t.Fatalf("unexpected notification: %+v", n)
	}
}

func TestSetMilestoneEntityRegisteredNotifiesCompletion(t *testing.T) {
	st := &fakeStore{
		procedures:       map[string]domain.Procedure{"proc_1": {ID: "proc_1", ClientUserID: "usr_1"}},
		milestoneChanged: true,
	}
	e := newTestEngine(st, &fakeCalendar{})

	if _, err := e.SetMilestone(context.Background(), "proc_1", "entity-registered", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(st.notifications) != 1 || st.notifications[0].Kind != domain.NotifRegistrationComplete {
		t.Fatalf("expected registration-complete notification, got %+v", st.notifications)
	}
}

func TestSetMilestoneClearSkipsSideEffects(t *testing.T) {
	st := &fakeStore{
		procedures:       map[string]domain.Procedure{"proc_1": {ID: "proc_1", ClientUserID: "usr_1"}},
		milestoneChanged: true,
	}
	cal := &fakeCalendar{}
	e := newTestEngine(st, cal)

	changed, err := e.SetMilestone(context.Background(), "proc_1", "fee-paid", false)
	if err != nil || !changed {
		t.Fatalf("expected changed=true, got changed=%v err=%v", changed, err)
	}
	if len(cal.events) != 0 || len(st.notifications) != 0 {
		t.Fatalf("clearing a flag must not fire side effects")
	}
}

func TestSetMilestoneCalendarFailureDoesNotAbort(t *testing.T) {
	st := &fakeStore{
		procedures:       map[string]domain.Procedure{"proc_1": {ID: "proc_1", ClientUserID: "usr_1"}},
		milestoneChanged: true,
	}
	cal := &fakeCalendar{err: errors.New("calendar down")}
	e := newTestEngine(st, cal)

	changed, err := e.SetMilestone(context.Background(), "proc_1", "filing-submitted", true)
	if err != nil || !changed {
		t.Fatalf("scheduling failure must not fail the update: changed=%v err=%v", changed, err)
	}
	if len(st.notifications) != 1 {
		t.Fatalf("notification still expected after calendar failure")
	}
}

func TestSetValidationNeedsCorrectionRequiresNotes(t *testing.T) {
	st := &fakeStore{procedures: map[string]domain.Procedure{}}
	e := newTestEngine(st, &fakeCalendar{})

	err := e.SetValidation(context.Background(), "proc_1", "NEEDS_CORRECTION", "  ")
	if !errors.Is(err, ErrMissingObservations) {
		t.Fatalf("expected ErrMissingObservations, got %v", err)
	}
}

func TestSetValidationInvalidOutcome(t *testing.T) {
	st := &fakeStore{procedures: map[string]domain.Procedure{}}
	e := newTestEngine(st, &fakeCalendar{})

	err := e.SetValidation(context.Background(), "proc_1", "MAYBE", "")
	if !errors.Is(err, ErrInvalidOutcome) {
		t.Fatalf("expected ErrInvalidOutcome, got %v", err)
	}
}

func TestSetValidationValidatedNotifiesClient(t *testing.T) {
	st := &fakeStore{
		procedures: map[string]domain.Procedure{"proc_1": {ID: "proc_1", ClientUserID: "usr_1"}},
	}
	e := newTestEngine(st, &fakeCalendar{})

	if err := e.SetValidation(context.Background(), "proc_1", "validated", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.validationStatus != domain.ValidationValidated {
		t.Fatalf("store status = %s", st.validationStatus)
	}
	if len(st.notifications) != 1 || st.notifications[0].Kind != domain.NotifValidationOutcome {
		t.Fatalf("expected validation-outcome notification, got %+v", st.notifications)
	}
}

func TestSetValidationNotificationFailureSwallowed(t *testing.T) {
	st := &fakeStore{
		procedures: map[string]domain.Procedure{"proc_1": {ID: "proc_1", ClientUserID: "usr_1"}},
		insertErr:  errors.New("notifications table unavailable"),
	}
	e := newTestEngine(st, &fakeCalendar{})

	if err := e.SetValidation(context.Background(), "proc_1", "NEEDS_CORRECTION", "missing passport scan"); err != nil {
		t.Fatalf("notification failure must not fail the outcome: %v", err)
	}
	if st.validationNotes != "missing passport scan" {
		t.Fatalf("notes not persisted: %q", st.validationNotes)
	}
}

func TestProgressDerivedFromFlags(t *testing.T) {
	p := domain.Procedure{
		ID:            "proc_1",
		GeneralStatus: domain.StatusCancelled,
		Milestones: map[domain.Milestone]domain.MilestoneMark{
			domain.MilestoneFormComplete: {Done: true},
			domain.MilestoneNameReserved: {Done: true},
		},
	}
	st := &fakeStore{procedures: map[string]domain.Procedure{"proc_1": p}}
	e := newTestEngine(st, &fakeCalendar{})

	prog, err := e.Progress(context.Background(), "proc_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prog.Percent != 25 {
		t.Fatalf("percent = %d, want 25", prog.Percent)
	}
	if prog.CurrentStage != "capital-deposited" {
		t.Fatalf("current stage = %q", prog.CurrentStage)
	}
}
