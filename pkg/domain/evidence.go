package domain

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

type EvidenceKind string

const (
	EvidenceIdentity          EvidenceKind = "IDENTITY"
	EvidenceAddressProof      EvidenceKind = "ADDRESS_PROOF"
	EvidenceDepositReceipt    EvidenceKind = "DEPOSIT_RECEIPT"
	EvidenceSignatureDocument EvidenceKind = "SIGNATURE_DOCUMENT"
	EvidenceOther             EvidenceKind = "OTHER"
)

var evidenceKinds = []EvidenceKind{
	EvidenceIdentity, EvidenceAddressProof, EvidenceDepositReceipt,
	EvidenceSignatureDocument, EvidenceOther,
}

var ErrInvalidEvidenceKind = errors.New("invalid evidence kind")

func ParseEvidenceKind(raw string) (EvidenceKind, error) {
	k := EvidenceKind(strings.ToUpper(strings.TrimSpace(raw)))
	for _, known := range evidenceKinds {
		if k == known {
			return k, nil
		}
	}
	return "", ErrInvalidEvidenceKind
}

type EvidenceState string

const (
	EvidencePending  EvidenceState = "PENDING"
	EvidenceInReview EvidenceState = "IN_REVIEW"
	EvidenceApproved EvidenceState = "APPROVED"
	EvidenceRejected EvidenceState = "REJECTED"
)

type EvidenceDocument struct {
	ID           string
	ProcedureID  string
	UploadedBy   string
	Kind         EvidenceKind
	Name         string
	State        EvidenceState
	Observations string

	// Direct linkage carried by the upload: the client attached the
	// receipt to a specific obligation. At most one of these is set.
	PaymentLinkID    string
	GatewayPaymentID string

	// SettledObligationID records which obligation this document ended
	// up settling, whichever side the match came from.
	SettledObligationID string

	ReminderSent bool

	CreatedAt  time.Time
	ReviewedAt *time.Time
	RejectedAt *time.Time
}

const transferReceiptPhrase = "comprobante de transferencia"

// IsTransferReceiptName reports whether a document name reads like a bank
// transfer receipt. Pure string inference; see ReceiptConcept for the
// concept-token variant.
func IsTransferReceiptName(name string) bool {
	return strings.Contains(strings.ToLower(name), transferReceiptPhrase)
}

var receiptConceptPattern = regexp.MustCompile(`(?i)comprobante\s*-\s*([A-Za-z_]+)`)

// ReceiptConcept derives a payment concept from a document name following
// the "Comprobante - <TOKEN>" convention. Absent or unrecognized tokens
// fall back to OTRO; human-entered names cannot fail this step.
func ReceiptConcept(name string) Concept {
	m := receiptConceptPattern.FindStringSubmatch(name)
	if m == nil {
		return ConceptOtro
	}
	c, err := ParseConcept(m[1])
	if err != nil {
		return ConceptOtro
	}
	return c
}
