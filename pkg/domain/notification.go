package domain

import "time"

type NotificationKind string

const (
	NotifStageCompleted        NotificationKind = "STAGE_COMPLETED"
	NotifRegistrationComplete  NotificationKind = "REGISTRATION_COMPLETE"
	NotifPaymentApproved       NotificationKind = "PAYMENT_APPROVED"
	NotifPaymentRequested      NotificationKind = "PAYMENT_REQUESTED"
	NotifPaymentReminder       NotificationKind = "PAYMENT_REMINDER"
	NotifDocumentApproved      NotificationKind = "DOCUMENT_APPROVED"
	NotifDocumentRejected      NotificationKind = "DOCUMENT_REJECTED"
	NotifDocumentReminder      NotificationKind = "DOCUMENT_REMINDER"
	NotifProcedureStalled      NotificationKind = "PROCEDURE_STALLED"
	NotifNameExpiryAlert       NotificationKind = "NAME_EXPIRY_ALERT"
	NotifValidationOutcome     NotificationKind = "VALIDATION_OUTCOME"
	NotifLinkReportedExpired   NotificationKind = "LINK_REPORTED_EXPIRED"
)

type Notification struct {
	ID          string
	UserID      string
	ProcedureID string
	Kind        NotificationKind
	Title       string
	Body        string
	Link        string
	Read        bool
	CreatedAt   time.Time
}

type UserRole string

const (
	RoleClient   UserRole = "CLIENT"
	RoleOperator UserRole = "OPERATOR"
)

type User struct {
	ID        string
	Email     string
	FullName  string
	Role      UserRole
	CreatedAt time.Time
}
