package domain

import (
	"errors"
	"testing"
)

func TestParseConcept(t *testing.T) {
	c, err := ParseConcept(" deposito_capital ")
	if err != nil || c != ConceptDepositoCapital {
		t.Fatalf("expected DEPOSITO_CAPITAL, got %q err=%v", c, err)
	}
	_, err = ParseConcept("XYZ")
	if !errors.Is(err, ErrInvalidConcept) {
		t.Fatalf("expected ErrInvalidConcept, got %v", err)
	}
}

func TestConceptLabel(t *testing.T) {
	if got := ConceptTasaReservaNombre.Label(); got != "Name-Reservation Tax" {
		t.Fatalf("unexpected label: %q", got)
	}
	if got := ConceptHonorariosBasico.Label(); got != "HONORARIOS_BASICO" {
		t.Fatalf("expected raw token for unlabeled concept, got %q", got)
	}
}

func TestFormatAmount(t *testing.T) {
	cases := map[int64]string{
		0:       "$ 0",
		999:     "$ 999",
		1000:    "$ 1.000",
		250000:  "$ 250.000",
		1234567: "$ 1.234.567",
	}
	for in, want := range cases {
		if got := FormatAmount(in); got != want {
			t.Fatalf("FormatAmount(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestBankInstructionKey(t *testing.T) {
	if got := BankInstructionKey("proc_1", PurposeCapitalDeposit); got != "proc_1_CAPITAL_DEPOSIT" {
		t.Fatalf("unexpected key: %q", got)
	}
}
