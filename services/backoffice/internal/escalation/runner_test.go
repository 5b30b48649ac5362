package escalation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"gestoria/pkg/domain"
)

var scanTime = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type fakeScanStore struct {
	paymentLinks    []domain.ExternalPaymentLink
	gatewayPayments []domain.GatewayPayment
	rejectedDocs    []domain.EvidenceDocument
	stalled         []domain.Procedure
	nameExpiry      []domain.Procedure

	procedures map[string]domain.Procedure
	users      map[string]domain.User
	operators  []domain.User

	linkClaims     map[string]domain.ReminderTier
	paymentClaims  map[string]domain.ReminderTier
	evidenceClaims map[string]bool
	stalledClaims  map[string]bool
	expiryClaims   map[string]bool

	notifications []domain.Notification
	insertErr     error
	listErr       error
}

func newFakeScanStore() *fakeScanStore {
	return &fakeScanStore{
		procedures:     map[string]domain.Procedure{},
		users:          map[string]domain.User{},
		linkClaims:     map[string]domain.ReminderTier{},
		paymentClaims:  map[string]domain.ReminderTier{},
		evidenceClaims: map[string]bool{},
		stalledClaims:  map[string]bool{},
		expiryClaims:   map[string]bool{},
	}
}

func (f *fakeScanStore) ListPendingPaymentLinksBefore(ctx context.Context, cutoff time.Time) ([]domain.ExternalPaymentLink, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []domain.ExternalPaymentLink
	for _, pl := range f.paymentLinks {
		if !pl.CreatedAt.After(cutoff) {
			out = append(out, pl)
		}
	}
	return out, nil
}

func (f *fakeScanStore) ClaimPaymentLinkReminder(ctx context.Context, linkID string, tier domain.ReminderTier) (bool, error) {
	if _, done := f.linkClaims[linkID]; done {
		return false, nil
	}
	f.linkClaims[linkID] = tier
	return true, nil
}

func (f *fakeScanStore) ListPendingGatewayPaymentsBefore(ctx context.Context, cutoff time.Time) ([]domain.GatewayPayment, error) {
	var out []domain.GatewayPayment
	for _, gp := range f.gatewayPayments {
		if !gp.CreatedAt.After(cutoff) {
			out = append(out, gp)
		}
	}
	return out, nil
}

func (f *fakeScanStore) ClaimGatewayPaymentReminder(ctx context.Context, paymentID string, tier domain.ReminderTier) (bool, error) {
	if _, done := f.paymentClaims[paymentID]; done {
		return false, nil
	}
	f.paymentClaims[paymentID] = tier
	return true, nil
}

func (f *fakeScanStore) ListRejectedUnresolved(ctx context.Context, rejectedBefore time.Time) ([]domain.EvidenceDocument, error) {
	return f.rejectedDocs, nil
}

func (f *fakeScanStore) ClaimEvidenceReminder(ctx context.Context, evidenceID string) (bool, error) {
	if f.evidenceClaims[evidenceID] {
		return false, nil
	}
	f.evidenceClaims[evidenceID] = true
	return true, nil
}

func (f *fakeScanStore) ListStalledCandidates(ctx context.Context, cutoff time.Time) ([]domain.Procedure, error) {
	return f.stalled, nil
}

func (f *fakeScanStore) ClaimStalledReminder(ctx context.Context, procedureID string) (bool, error) {
	if f.stalledClaims[procedureID] {
		return false, nil
	}
	f.stalledClaims[procedureID] = true
	return true, nil
}

func (f *fakeScanStore) ListNameExpiryCandidates(ctx context.Context, reservedBefore time.Time) ([]domain.Procedure, error) {
	return f.nameExpiry, nil
}

func (f *fakeScanStore) ClaimNameExpiryAlert(ctx context.Context, procedureID string) (bool, error) {
	if f.expiryClaims[procedureID] {
		return false, nil
	}
	f.expiryClaims[procedureID] = true
	return true, nil
}

func (f *fakeScanStore) GetProcedure(ctx context.Context, procedureID string) (domain.Procedure, error) {
	p, ok := f.procedures[procedureID]
	if !ok {
		return domain.Procedure{}, errors.New("procedure not found")
	}
	return p, nil
}

func (f *fakeScanStore) GetUser(ctx context.Context, userID string) (domain.User, error) {
	u, ok := f.users[userID]
	if !ok {
		return domain.User{}, errors.New("user not found")
	}
	return u, nil
}

func (f *fakeScanStore) ListOperators(ctx context.Context) ([]domain.User, error) {
	return f.operators, nil
}

func (f *fakeScanStore) InsertNotification(ctx context.Context, n domain.Notification) (string, error) {
	if f.insertErr != nil {
		return "", f.insertErr
	}
	f.notifications = append(f.notifications, n)
	return n.ID, nil
}

type nopMailer struct{ sent int }

func (m *nopMailer) SendTransactionalEmail(ctx context.Context, to, name, subject, body, procedureID string) error {
	m.sent++
	return nil
}

func newTestRunner(st *fakeScanStore) (*Runner, *nopMailer) {
	mailer := &nopMailer{}
	r := NewRunner(st, mailer)
	r.Now = func() time.Time { return scanTime }
	return r, mailer
}

func seedClient(st *fakeScanStore) {
	st.procedures["proc_1"] = domain.Procedure{ID: "proc_1", ClientUserID: "usr_1"}
	st.users["usr_1"] = domain.User{ID: "usr_1", Email: "client@example.test", FullName: "Test Client"}
}

func TestOverdueTierWindows(t *testing.T) {
	day := 24 * time.Hour
	cases := []struct {
		age      time.Duration
		sent3d   bool
		sent7d   bool
		wantTier domain.ReminderTier
		wantOK   bool
	}{
		{2 * day, false, false, "", false},
		{3 * day, false, false, domain.Reminder3d, true},
		{5 * day, true, false, "", false},
		{7 * day, false, false, domain.Reminder7d, true},
		{8 * day, true, false, domain.Reminder7d, true},
		{9 * day, false, true, "", false},
		{20 * day, true, true, "", false},
	}
	for _, tc := range cases {
		tier, ok := overdueTier(tc.age, tc.sent3d, tc.sent7d)
		if tier != tc.wantTier || ok != tc.wantOK {
			t.Fatalf("overdueTier(%v, %v, %v) = (%q, %v), want (%q, %v)",
				tc.age, tc.sent3d, tc.sent7d, tier, ok, tc.wantTier, tc.wantOK)
		}
	}
}

func TestOldLinkGetsOnlyLateReminder(t *testing.T) {
	st := newFakeScanStore()
	seedClient(st)
	st.paymentLinks = []domain.ExternalPaymentLink{{
		ID: "lnk_1", ProcedureID: "proc_1", Concept: domain.ConceptTasaFinal,
		Amount: 42000, State: domain.PaymentPending,
		CreatedAt: scanTime.AddDate(0, 0, -8),
	}}
	r, mailer := newTestRunner(st)

	report := r.Run(context.Background())
	if report.PaymentLinkReminders != 1 {
		t.Fatalf("reminders = %d, want 1; errors: %v", report.PaymentLinkReminders, report.Errors)
	}
	if st.linkClaims["lnk_1"] != domain.Reminder7d {
		t.Fatalf("claimed tier = %q, want 7d", st.linkClaims["lnk_1"])
	}
	if mailer.sent != 1 {
		t.Fatalf("emails = %d, want 1", mailer.sent)
	}

	// The early tier was skipped permanently; a second run does nothing.
	st.paymentLinks[0].Reminder7dSent = true
	second := r.Run(context.Background())
	if second.PaymentLinkReminders != 0 {
		t.Fatalf("second run sent %d reminders", second.PaymentLinkReminders)
	}
}

func TestFourDayPaymentGetsEarlyReminder(t *testing.T) {
	st := newFakeScanStore()
	seedClient(st)
	st.gatewayPayments = []domain.GatewayPayment{{
		ID: "pay_1", ProcedureID: "proc_1", Concept: domain.ConceptPublicacionBoletin,
		Amount: 9000, State: domain.PaymentPending, Method: domain.MethodCard,
		CreatedAt: scanTime.AddDate(0, 0, -4),
	}}
	r, _ := newTestRunner(st)

	report := r.Run(context.Background())
	if report.GatewayPaymentReminders != 1 {
		t.Fatalf("reminders = %d; errors: %v", report.GatewayPaymentReminders, report.Errors)
	}
	if st.paymentClaims["pay_1"] != domain.Reminder3d {
		t.Fatalf("claimed tier = %q, want 3d", st.paymentClaims["pay_1"])
	}
	if len(st.notifications) != 1 || st.notifications[0].Kind != domain.NotifPaymentReminder {
		t.Fatalf("unexpected notifications: %+v", st.notifications)
	}
}

func TestRejectedEvidenceReminderOnce(t *testing.T) {
	st := newFakeScanStore()
	seedClient(st)
	st.rejectedDocs = []domain.EvidenceDocument{{
		ID: "evd_1", ProcedureID: "proc_1", Name: "dni.pdf",
		State: domain.EvidenceRejected, Observations: "blurry scan",
	}}
	r, _ := newTestRunner(st)

	first := r.Run(context.Background())
	if first.EvidenceReminders != 1 {
		t.Fatalf("reminders = %d; errors: %v", first.EvidenceReminders, first.Errors)
	}
	second := r.Run(context.Background())
	if second.EvidenceReminders != 0 {
		t.Fatalf("reminder repeated: %d", second.EvidenceReminders)
	}
}

func TestStalledProcedureReminderNamesCurrentStage(t *testing.T) {
	st := newFakeScanStore()
	seedClient(st)
	p := domain.Procedure{
		ID: "proc_1", ClientUserID: "usr_1",
		GeneralStatus: domain.StatusInProgress,
		Milestones: map[domain.Milestone]domain.MilestoneMark{
			domain.MilestoneFormComplete: {Done: true},
			domain.MilestoneNameReserved: {Done: true},
		},
	}
	st.stalled = []domain.Procedure{p}
	r, _ := newTestRunner(st)

	report := r.Run(context.Background())
	if report.StalledReminders != 1 {
		t.Fatalf("reminders = %d; errors: %v", report.StalledReminders, report.Errors)
	}
	n := st.notifications[0]
	if n.Kind != domain.NotifProcedureStalled {
		t.Fatalf("kind = %s", n.Kind)
	}
	if want := "capital-deposited"; !strings.Contains(n.Body, want) {
		t.Fatalf("body %q does not name stage %q", n.Body, want)
	}
}

func TestNameExpiryAlertOnlyInsideWindow(t *testing.T) {
	st := newFakeScanStore()
	st.operators = []domain.User{{ID: "usr_op", Role: domain.RoleOperator}}

	reservedAt := func(daysAgo int) *time.Time {
		t := scanTime.AddDate(0, 0, -daysAgo)
		return &t
	}
	inWindow := domain.Procedure{
		ID: "proc_in", ClientUserID: "usr_1", CandidateNames: []string{"ACME SAS"},
		Milestones: map[domain.Milestone]domain.MilestoneMark{
			domain.MilestoneNameReserved: {Done: true, CompletedAt: reservedAt(27)},
		},
	}
	alreadyExpired := domain.Procedure{
		ID: "proc_out", ClientUserID: "usr_1",
		Milestones: map[domain.Milestone]domain.MilestoneMark{
			domain.MilestoneNameReserved: {Done: true, CompletedAt: reservedAt(31)},
		},
	}
	st.nameExpiry = []domain.Procedure{inWindow, alreadyExpired}
	r, _ := newTestRunner(st)

	report := r.Run(context.Background())
	if report.NameExpiryAlerts != 1 {
		t.Fatalf("alerts = %d; errors: %v", report.NameExpiryAlerts, report.Errors)
	}
	if !st.expiryClaims["proc_in"] {
		t.Fatalf("in-window procedure not claimed")
	}
	if st.expiryClaims["proc_out"] {
		t.Fatalf("expired procedure must not be claimed")
	}
	if len(st.notifications) != 1 || st.notifications[0].UserID != "usr_op" {
		t.Fatalf("operator notification expected, got %+v", st.notifications)
	}
	if !strings.Contains(st.notifications[0].Body, "ACME SAS") {
		t.Fatalf("alert should carry the reserved name: %q", st.notifications[0].Body)
	}
}

func TestScanFailureIsIsolated(t *testing.T) {
	st := newFakeScanStore()
	seedClient(st)
	st.listErr = errors.New("payment_links relation gone")
	st.stalled = []domain.Procedure{{ID: "proc_1", ClientUserID: "usr_1"}}
	r, _ := newTestRunner(st)

	report := r.Run(context.Background())
	if len(report.Errors) != 1 {
		t.Fatalf("errors = %v", report.Errors)
	}
	if report.StalledReminders != 1 {
		t.Fatalf("later scans must still run: %+v", report)
	}
}

func TestNotifyFailureLeavesFlagClaimed(t *testing.T) {
	st := newFakeScanStore()
	seedClient(st)
	st.insertErr = errors.New("notifications unavailable")
	st.rejectedDocs = []domain.EvidenceDocument{{
		ID: "evd_1", ProcedureID: "proc_1", Name: "dni.pdf", State: domain.EvidenceRejected,
	}}
	r, _ := newTestRunner(st)

	report := r.Run(context.Background())
	if report.EvidenceReminders != 0 {
		t.Fatalf("failed notify must not count: %+v", report)
	}
	if len(report.Errors) == 0 {
		t.Fatalf("failure must be reported")
	}
	// The claim sticks; the candidate is not retried on the next run.
	if !st.evidenceClaims["evd_1"] {
		t.Fatalf("claim should remain set")
	}
}

