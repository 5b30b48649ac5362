package domain

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

type Concept string

const (
	ConceptHonorariosBasico    Concept = "HONORARIOS_BASICO"
	ConceptHonorariosEstandar  Concept = "HONORARIOS_ESTANDAR"
	ConceptHonorariosPremium   Concept = "HONORARIOS_PREMIUM"
	ConceptDepositoCapital     Concept = "DEPOSITO_CAPITAL"
	ConceptTasaReservaNombre   Concept = "TASA_RESERVA_NOMBRE"
	ConceptTasaFinal           Concept = "TASA_FINAL"
	ConceptPublicacionBoletin  Concept = "PUBLICACION_BOLETIN"
	ConceptCertificacionFirmas Concept = "CERTIFICACION_FIRMAS"
	ConceptOtro                Concept = "OTRO"
)

var allConcepts = []Concept{
	ConceptHonorariosBasico,
	ConceptHonorariosEstandar,
	ConceptHonorariosPremium,
	ConceptDepositoCapital,
	ConceptTasaReservaNombre,
	ConceptTasaFinal,
	ConceptPublicacionBoletin,
	ConceptCertificacionFirmas,
	ConceptOtro,
}

var ErrInvalidConcept = errors.New("invalid payment concept")

func ParseConcept(token string) (Concept, error) {
	c := Concept(strings.ToUpper(strings.TrimSpace(token)))
	for _, known := range allConcepts {
		if c == known {
			return c, nil
		}
	}
	return "", ErrInvalidConcept
}

var conceptLabels = map[Concept]string{
	ConceptDepositoCapital:    "Capital Deposit",
	ConceptTasaReservaNombre:  "Name-Reservation Tax",
	ConceptTasaFinal:          "Final Tax",
	ConceptPublicacionBoletin: "Bulletin Publication",
}

// Label returns the human-readable concept name used in notifications;
// concepts without a curated label render their raw token.
func (c Concept) Label() string {
	if l, ok := conceptLabels[c]; ok {
		return l
	}
	return string(c)
}

type PaymentState string

const (
	PaymentPending    PaymentState = "PENDING"
	PaymentProcessing PaymentState = "PROCESSING"
	PaymentApproved   PaymentState = "APPROVED"
	PaymentRejected   PaymentState = "REJECTED"
	PaymentPaid       PaymentState = "PAID"
	PaymentExpired    PaymentState = "EXPIRED"
)

type PaymentMethod string

const (
	MethodBankTransfer PaymentMethod = "BANK_TRANSFER"
	MethodCard         PaymentMethod = "CARD"
)

type GatewayPayment struct {
	ID          string
	ProcedureID string
	Concept     Concept
	Amount      int64
	State       PaymentState
	Method      PaymentMethod
	GatewayRef  string
	CheckoutURL string
	CreatedAt   time.Time
	PaidAt      *time.Time

	Reminder3dSent bool
	Reminder7dSent bool
}

type ExternalPaymentLink struct {
	ID          string
	ProcedureID string
	Concept     Concept
	Amount      int64
	State       PaymentState
	TargetURL   string
	DueDate     *time.Time
	CreatedAt   time.Time
	PaidAt      *time.Time

	// ReportedExpired is set only by the client; it never moves State.
	ReportedExpired bool

	Reminder3dSent bool
	Reminder7dSent bool
}

// ReminderTier selects which one-shot overdue flag a reminder claims.
type ReminderTier string

const (
	Reminder3d ReminderTier = "3d"
	Reminder7d ReminderTier = "7d"
)

const (
	PurposeCapitalDeposit = "CAPITAL_DEPOSIT"
)

type BankAccountInstruction struct {
	// InstructionID is the composite key "<procedureID>_<purpose>".
	// Legacy rows predate it and are found by the field fallback.
	InstructionID  string
	ProcedureID    string
	Purpose        string
	Bank           string
	AccountID      string
	Alias          string
	HolderName     string
	ExpectedAmount int64
	CreatedAt      time.Time
}

func BankInstructionKey(procedureID, purpose string) string {
	return procedureID + "_" + purpose
}

// FormatAmount renders a whole-unit amount with dot thousand separators,
// e.g. 250000 → "$ 250.000".
func FormatAmount(amount int64) string {
	neg := amount < 0
	if neg {
		amount = -amount
	}
	digits := strconv.FormatInt(amount, 10)
	var b strings.Builder
	for i, d := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(d)
	}
	out := "$ " + b.String()
	if neg {
		out = "-" + out
	}
	return out
}
