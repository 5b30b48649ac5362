package domain

import (
	"errors"
	"math"
	"strings"
	"time"
)

type GeneralStatus string

const (
	StatusStarted          GeneralStatus = "STARTED"
	StatusInProgress       GeneralStatus = "IN_PROGRESS"
	StatusAwaitingClient   GeneralStatus = "AWAITING_CLIENT"
	StatusAwaitingApproval GeneralStatus = "AWAITING_APPROVAL"
	StatusCompleted        GeneralStatus = "COMPLETED"
	StatusCancelled        GeneralStatus = "CANCELLED"
)

var generalStatuses = []GeneralStatus{
	StatusStarted, StatusInProgress, StatusAwaitingClient,
	StatusAwaitingApproval, StatusCompleted, StatusCancelled,
}

var ErrInvalidStatus = errors.New("invalid general status")

func ParseGeneralStatus(raw string) (GeneralStatus, error) {
	s := GeneralStatus(strings.ToUpper(strings.TrimSpace(raw)))
	for _, known := range generalStatuses {
		if s == known {
			return s, nil
		}
	}
	return "", ErrInvalidStatus
}

type ValidationStatus string

const (
	// ValidationPending is the column default; legacy rows created before
	// the validation gate existed read back as this value.
	ValidationPending         ValidationStatus = "PENDING_VALIDATION"
	ValidationValidated       ValidationStatus = "VALIDATED"
	ValidationNeedsCorrection ValidationStatus = "NEEDS_CORRECTION"
)

type Milestone string

const (
	MilestoneFormComplete      Milestone = "form-complete"
	MilestoneNameReserved      Milestone = "name-reserved"
	MilestoneCapitalDeposited  Milestone = "capital-deposited"
	MilestoneFeePaid           Milestone = "fee-paid"
	MilestoneDocumentsReviewed Milestone = "documents-reviewed"
	MilestoneDocumentsSigned   Milestone = "documents-signed"
	MilestoneFilingSubmitted   Milestone = "filing-submitted"
	MilestoneEntityRegistered  Milestone = "entity-registered"
)

// MilestoneOrder is the canonical stage order. Operators may complete
// stages out of order; callers must not assume stamp monotonicity.
var MilestoneOrder = []Milestone{
	MilestoneFormComplete,
	MilestoneNameReserved,
	MilestoneCapitalDeposited,
	MilestoneFeePaid,
	MilestoneDocumentsReviewed,
	MilestoneDocumentsSigned,
	MilestoneFilingSubmitted,
	MilestoneEntityRegistered,
}

var ErrInvalidMilestone = errors.New("invalid milestone")

func ParseMilestone(name string) (Milestone, error) {
	for _, m := range MilestoneOrder {
		if string(m) == name {
			return m, nil
		}
	}
	return "", ErrInvalidMilestone
}

var milestoneDisplayNames = map[Milestone]string{
	MilestoneFormComplete:      "Incorporation form",
	MilestoneNameReserved:      "Name reservation",
	MilestoneCapitalDeposited:  "Capital deposit",
	MilestoneFeePaid:           "Professional fee",
	MilestoneDocumentsReviewed: "Document review",
	MilestoneDocumentsSigned:   "Document signature",
	MilestoneFilingSubmitted:   "Registry filing",
	MilestoneEntityRegistered:  "Entity registration",
}

func (m Milestone) DisplayName() string {
	if n, ok := milestoneDisplayNames[m]; ok {
		return n
	}
	return string(m)
}

// MilestoneMark is one stage flag plus its completion stamp. The stamp is
// written once on the false→true transition and survives an un-check.
type MilestoneMark struct {
	Done        bool
	CompletedAt *time.Time
}

type Procedure struct {
	ID               string
	ClientUserID     string
	Jurisdiction     string
	PlanTier         string
	GeneralStatus    GeneralStatus
	ValidationStatus ValidationStatus
	CorrectionNotes  string
	CapitalAmount    int64
	CandidateNames   []string
	ApprovedName     string
	Milestones       map[Milestone]MilestoneMark

	StalledReminderSent bool
	NameExpiryAlertSent bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (p Procedure) MilestoneDone(m Milestone) bool {
	return p.Milestones[m].Done
}

// Progress is display-only and can disagree with GeneralStatus; the
// milestone flags are the source here, GeneralStatus is not consulted.
type Progress struct {
	Percent      int
	CurrentStage string
}

func ComputeProgress(p Procedure) Progress {
	completed := 0
	current := ""
	for _, m := range MilestoneOrder {
		if p.MilestoneDone(m) {
			completed++
		} else if current == "" {
			current = string(m)
		}
	}
	if current == "" {
		current = "entity registered"
	}
	percent := int(math.Round(float64(completed) / float64(len(MilestoneOrder)) * 100))
	return Progress{Percent: percent, CurrentStage: current}
}

// CurrentStage returns the first incomplete milestone in canonical order,
// or the fallback text when every stage is done. The escalation scans use
// this with an "in progress" fallback.
func CurrentStage(p Procedure, allDoneText string) string {
	for _, m := range MilestoneOrder {
		if !p.MilestoneDone(m) {
			return string(m)
		}
	}
	return allDoneText
}
