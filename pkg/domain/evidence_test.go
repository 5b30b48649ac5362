package domain

import "testing"

func TestIsTransferReceiptName(t *testing.T) {
	if !IsTransferReceiptName("Comprobante de Transferencia.pdf") {
		t.Fatal("expected transfer receipt match")
	}
	if !IsTransferReceiptName("scan - COMPROBANTE DE TRANSFERENCIA banco") {
		t.Fatal("expected case-insensitive substring match")
	}
	if IsTransferReceiptName("Comprobante - TASA_FINAL") {
		t.Fatal("concept receipt must not match transfer phrase")
	}
}

func TestReceiptConcept(t *testing.T) {
	if got := ReceiptConcept("Comprobante - DEPOSITO_CAPITAL"); got != ConceptDepositoCapital {
		t.Fatalf("expected DEPOSITO_CAPITAL, got %q", got)
	}
	if got := ReceiptConcept("comprobante - tasa_final.pdf"); got != ConceptTasaFinal {
		t.Fatalf("expected TASA_FINAL, got %q", got)
	}
	if got := ReceiptConcept("Comprobante - XYZ"); got != ConceptOtro {
		t.Fatalf("expected OTRO for unknown token, got %q", got)
	}
	if got := ReceiptConcept("random upload.png"); got != ConceptOtro {
		t.Fatalf("expected OTRO for missing pattern, got %q", got)
	}
}
