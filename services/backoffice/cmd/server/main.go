package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"gestoria/pkg/db"
	"gestoria/pkg/domain"
	"gestoria/pkg/httpx"
	"gestoria/pkg/logger"
	"gestoria/services/backoffice/internal/calendarclient"
	"gestoria/services/backoffice/internal/lifecycle"
	"gestoria/services/backoffice/internal/mailclient"
	"gestoria/services/backoffice/internal/reconcile"
	"gestoria/services/backoffice/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	logger.Init(logger.Config{
		Level:  strings.TrimSpace(os.Getenv("LOG_LEVEL")),
		Format: strings.TrimSpace(os.Getenv("LOG_FORMAT")),
	})

	pool := db.MustConnect()
	st := store.New(pool)

	port := strings.TrimSpace(os.Getenv("SERVICE_PORT"))
	if port == "" {
		port = "8085"
	}
	mailBase := strings.TrimSpace(os.Getenv("MAIL_RELAY_URL"))
	if mailBase == "" {
		mailBase = "http://localhost:8090"
	}
	calendarBase := strings.TrimSpace(os.Getenv("CALENDAR_BASE_URL"))
	if calendarBase == "" {
		calendarBase = "http://localhost:8091"
	}
	schedulerSecret := strings.TrimSpace(os.Getenv("SCHEDULER_SECRET"))

	mailer := mailclient.New(mailBase, strings.TrimSpace(os.Getenv("MAIL_RELAY_API_KEY")))
	calendar := calendarclient.New(calendarBase)

	machine := lifecycle.NewEngine(st, calendar)
	reconciler := reconcile.NewEngine(st, mailer)

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/backoffice/v1", func(api chi.Router) {

		api.Post("/procedures", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				ClientUserID   string   `json:"client_user_id"`
				Jurisdiction   string   `json:"jurisdiction"`
				PlanTier       string   `json:"plan_tier"`
				CapitalAmount  int64    `json:"capital_amount"`
				CandidateNames []string `json:"candidate_names"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			if strings.TrimSpace(req.ClientUserID) == "" {
				httpx.WriteError(w, 400, "BAD_REQUEST", "client_user_id is required", nil)
				return
			}
			if len(req.CandidateNames) > 3 {
				httpx.WriteError(w, 400, "BAD_REQUEST", "at most three candidate names", nil)
				return
			}
			p := domain.Procedure{
				ID:               "proc_" + uuid.NewString(),
				ClientUserID:     req.ClientUserID,
				Jurisdiction:     strings.TrimSpace(req.Jurisdiction),
				PlanTier:         strings.TrimSpace(req.PlanTier),
				GeneralStatus:    domain.StatusStarted,
				ValidationStatus: domain.ValidationPending,
				CapitalAmount:    req.CapitalAmount,
				CandidateNames:   req.CandidateNames,
			}
			if !handleIdempotentMutation(r, w, st, actorID(r), "POST /backoffice/v1/procedures", func() (int, map[string]any, error) {
				if err := st.CreateProcedure(r.Context(), p); err != nil {
					return 500, nil, err
				}
				return 201, map[string]any{"request_id": httpx.NewRequestID(), "procedure_id": p.ID}, nil
			}) {
				return
			}
		})

		api.Get("/procedures/{procedure_id}", func(w http.ResponseWriter, r *http.Request) {
			p, err := st.GetProcedure(r.Context(), chi.URLParam(r, "procedure_id"))
			if err != nil {
				writeStoreError(w, err)
				return
			}
			httpx.WriteOK(w, 200, map[string]any{"procedure": procedurePayload(p)})
		})

		api.Get("/procedures/{procedure_id}/progress", func(w http.ResponseWriter, r *http.Request) {
			prog, err := machine.Progress(r.Context(), chi.URLParam(r, "procedure_id"))
			if err != nil {
				writeStoreError(w, err)
				return
			}
			httpx.WriteOK(w, 200, map[string]any{
				"percent":       prog.Percent,
				"current_stage": prog.CurrentStage,
			})
		})

		api.Post("/procedures/{procedure_id}/milestones/{milestone}", func(w http.ResponseWriter, r *http.Request) {
			procedureID := chi.URLParam(r, "procedure_id")
			milestone := chi.URLParam(r, "milestone")
			var req struct {
				Value bool `json:"value"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			changed, err := machine.SetMilestone(r.Context(), procedureID, milestone, req.Value)
			if err != nil {
				if errors.Is(err, domain.ErrInvalidMilestone) {
					httpx.WriteError(w, 400, "INVALID_MILESTONE", "unknown milestone name", map[string]any{"milestone": milestone})
					return
				}
				writeStoreError(w, err)
				return
			}
			httpx.WriteOK(w, 200, map[string]any{"procedure_id": procedureID, "milestone": milestone, "value": req.Value, "changed": changed})
		})

		api.Post("/procedures/{procedure_id}/validation", func(w http.ResponseWriter, r *http.Request) {
			procedureID := chi.URLParam(r, "procedure_id")
			var req struct {
				Outcome string `json:"outcome"`
				Notes   string `json:"notes"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			if err := machine.SetValidation(r.Context(), procedureID, req.Outcome, req.Notes); err != nil {
				switch {
				case errors.Is(err, lifecycle.ErrMissingObservations):
					httpx.WriteError(w, 400, "MISSING_OBSERVATIONS", "NEEDS_CORRECTION requires notes", nil)
				case errors.Is(err, lifecycle.ErrInvalidOutcome):
					httpx.WriteError(w, 400, "BAD_REQUEST", "outcome must be VALIDATED or NEEDS_CORRECTION", nil)
				default:
					writeStoreError(w, err)
				}
				return
			}
			httpx.WriteOK(w, 200, map[string]any{"procedure_id": procedureID, "outcome": strings.ToUpper(req.Outcome)})
		})

		api.Post("/procedures/{procedure_id}/status", func(w http.ResponseWriter, r *http.Request) {
			procedureID := chi.URLParam(r, "procedure_id")
			var req struct {
				Status string `json:"status"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			status, err := domain.ParseGeneralStatus(req.Status)
			if err != nil {
				httpx.WriteError(w, 400, "BAD_REQUEST", "unknown general status", map[string]any{"status": req.Status})
				return
			}
			if err := st.SetGeneralStatus(r.Context(), procedureID, status, time.Now()); err != nil {
				writeStoreError(w, err)
				return
			}
			httpx.WriteOK(w, 200, map[string]any{"procedure_id": procedureID, "status": status})
		})

		api.Post("/procedures/{procedure_id}/payment-links", func(w http.ResponseWriter, r *http.Request) {
			procedureID := chi.URLParam(r, "procedure_id")
			var req struct {
				Concept   string `json:"concept"`
				Amount    int64  `json:"amount"`
				TargetURL string `json:"target_url"`
				DueDate   string `json:"due_date"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			concept, err := domain.ParseConcept(req.Concept)
			if err != nil {
				httpx.WriteError(w, 400, "BAD_REQUEST", "unknown payment concept", map[string]any{"concept": req.Concept})
				return
			}
			var dueDate *time.Time
			if strings.TrimSpace(req.DueDate) != "" {
				t, err := time.Parse(time.RFC3339, req.DueDate)
				if err != nil {
					httpx.WriteError(w, 400, "BAD_REQUEST", "due_date must be RFC3339", nil)
					return
				}
				dueDate = &t
			}
			p, err := st.GetProcedure(r.Context(), procedureID)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			pl := domain.ExternalPaymentLink{
				ID:          "lnk_" + uuid.NewString(),
				ProcedureID: procedureID,
				Concept:     concept,
				Amount:      req.Amount,
				State:       domain.PaymentPending,
				TargetURL:   strings.TrimSpace(req.TargetURL),
				DueDate:     dueDate,
			}
			if !handleIdempotentMutation(r, w, st, actorID(r), "POST /backoffice/v1/procedures/{procedure_id}/payment-links", func() (int, map[string]any, error) {
				if err := st.CreatePaymentLink(r.Context(), pl); err != nil {
					return 500, nil, err
				}
				notifyBestEffort(r, st, domain.Notification{
					ID:          "ntf_" + uuid.NewString(),
					UserID:      p.ClientUserID,
					ProcedureID: procedureID,
					Kind:        domain.NotifPaymentRequested,
					Title:       "Payment requested",
					Body:        "A payment for " + concept.Label() + " (" + domain.FormatAmount(req.Amount) + ") is now available.",
					Link:        pl.TargetURL,
				})
				return 201, map[string]any{"request_id": httpx.NewRequestID(), "link_id": pl.ID}, nil
			}) {
				return
			}
		})

		api.Post("/procedures/{procedure_id}/gateway-payments", func(w http.ResponseWriter, r *http.Request) {
			procedureID := chi.URLParam(r, "procedure_id")
			var req struct {
				Concept     string `json:"concept"`
				Amount      int64  `json:"amount"`
				Method      string `json:"method"`
				GatewayRef  string `json:"gateway_ref"`
				CheckoutURL string `json:"checkout_url"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			concept, err := domain.ParseConcept(req.Concept)
			if err != nil {
				httpx.WriteError(w, 400, "BAD_REQUEST", "unknown payment concept", map[string]any{"concept": req.Concept})
				return
			}
			method := domain.PaymentMethod(strings.ToUpper(strings.TrimSpace(req.Method)))
			if method != domain.MethodBankTransfer && method != domain.MethodCard {
				httpx.WriteError(w, 400, "BAD_REQUEST", "method must be BANK_TRANSFER or CARD", nil)
				return
			}
			if _, err := st.GetProcedure(r.Context(), procedureID); err != nil {
				writeStoreError(w, err)
				return
			}
			gp := domain.GatewayPayment{
				ID:          "pay_" + uuid.NewString(),
				ProcedureID: procedureID,
				Concept:     concept,
				Amount:      req.Amount,
				State:       domain.PaymentPending,
				Method:      method,
				GatewayRef:  strings.TrimSpace(req.GatewayRef),
				CheckoutURL: strings.TrimSpace(req.CheckoutURL),
			}
			if !handleIdempotentMutation(r, w, st, actorID(r), "POST /backoffice/v1/procedures/{procedure_id}/gateway-payments", func() (int, map[string]any, error) {
				if err := st.CreateGatewayPayment(r.Context(), gp); err != nil {
					return 500, nil, err
				}
				return 201, map[string]any{"request_id": httpx.NewRequestID(), "payment_id": gp.ID}, nil
			}) {
				return
			}
		})

		api.Get("/procedures/{procedure_id}/payments", func(w http.ResponseWriter, r *http.Request) {
			procedureID := chi.URLParam(r, "procedure_id")
			gateway, err := st.ListProcedureGatewayPayments(r.Context(), procedureID)
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			links, err := st.ListProcedurePaymentLinks(r.Context(), procedureID)
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			gatewayOut := make([]map[string]any, 0, len(gateway))
			for _, gp := range gateway {
				gatewayOut = append(gatewayOut, gatewayPaymentPayload(gp))
			}
			linksOut := make([]map[string]any, 0, len(links))
			for _, pl := range links {
				linksOut = append(linksOut, paymentLinkPayload(pl))
			}
			httpx.WriteOK(w, 200, map[string]any{
				"gateway_payments": gatewayOut,
				"payment_links":    linksOut,
			})
		})

		api.Post("/procedures/{procedure_id}/bank-instructions", func(w http.ResponseWriter, r *http.Request) {
			procedureID := chi.URLParam(r, "procedure_id")
			var req struct {
				Purpose        string `json:"purpose"`
				Bank           string `json:"bank"`
				AccountID      string `json:"account_id"`
				Alias          string `json:"alias"`
				HolderName     string `json:"holder_name"`
				ExpectedAmount int64  `json:"expected_amount"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			purpose := strings.TrimSpace(req.Purpose)
			if purpose == "" {
				purpose = domain.PurposeCapitalDeposit
			}
			if _, err := st.GetProcedure(r.Context(), procedureID); err != nil {
				writeStoreError(w, err)
				return
			}
			in := domain.BankAccountInstruction{
				InstructionID:  domain.BankInstructionKey(procedureID, purpose),
				ProcedureID:    procedureID,
				Purpose:        purpose,
				Bank:           strings.TrimSpace(req.Bank),
				AccountID:      strings.TrimSpace(req.AccountID),
				Alias:          strings.TrimSpace(req.Alias),
				HolderName:     strings.TrimSpace(req.HolderName),
				ExpectedAmount: req.ExpectedAmount,
			}
			if err := st.UpsertBankInstruction(r.Context(), in); err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteOK(w, 200, map[string]any{"instruction_id": in.InstructionID})
		})

		api.Post("/payment-links/{link_id}/report-expired", func(w http.ResponseWriter, r *http.Request) {
			linkID := chi.URLParam(r, "link_id")
			pl, err := st.GetPaymentLink(r.Context(), linkID)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			reported, err := st.ReportLinkExpired(r.Context(), linkID)
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			if reported {
				operators, err := st.ListOperators(r.Context())
				if err != nil {
					slog.Warn("operator alert skipped", "link_id", linkID, "error", err)
				}
				for _, op := range operators {
					notifyBestEffort(r, st, domain.Notification{
						ID:          "ntf_" + uuid.NewString(),
						UserID:      op.ID,
						ProcedureID: pl.ProcedureID,
						Kind:        domain.NotifLinkReportedExpired,
						Title:       "Payment link reported expired",
						Body:        "The client reported the payment link for " + pl.Concept.Label() + " as expired. Please reissue it.",
					})
				}
			}
			httpx.WriteOK(w, 200, map[string]any{"link_id": linkID, "reported": reported})
		})

		api.Post("/evidence", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				ProcedureID      string `json:"procedure_id"`
				UploadedBy       string `json:"uploaded_by"`
				Kind             string `json:"kind"`
				Name             string `json:"name"`
				PaymentLinkID    string `json:"payment_link_id"`
				GatewayPaymentID string `json:"gateway_payment_id"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			kind, err := domain.ParseEvidenceKind(req.Kind)
			if err != nil {
				httpx.WriteError(w, 400, "BAD_REQUEST", "unknown evidence kind", map[string]any{"kind": req.Kind})
				return
			}
			if strings.TrimSpace(req.Name) == "" {
				httpx.WriteError(w, 400, "BAD_REQUEST", "name is required", nil)
				return
			}
			if _, err := st.GetProcedure(r.Context(), req.ProcedureID); err != nil {
				writeStoreError(w, err)
				return
			}
			doc := domain.EvidenceDocument{
				ID:               "evd_" + uuid.NewString(),
				ProcedureID:      req.ProcedureID,
				UploadedBy:       req.UploadedBy,
				Kind:             kind,
				Name:             strings.TrimSpace(req.Name),
				State:            domain.EvidencePending,
				PaymentLinkID:    strings.TrimSpace(req.PaymentLinkID),
				GatewayPaymentID: strings.TrimSpace(req.GatewayPaymentID),
			}
			if !handleIdempotentMutation(r, w, st, actorID(r), "POST /backoffice/v1/evidence", func() (int, map[string]any, error) {
				if err := st.CreateEvidence(r.Context(), doc); err != nil {
					return 500, nil, err
				}
				return 201, map[string]any{"request_id": httpx.NewRequestID(), "evidence_id": doc.ID}, nil
			}) {
				return
			}
		})

		api.Post("/evidence/{evidence_id}/review", func(w http.ResponseWriter, r *http.Request) {
			evidenceID := chi.URLParam(r, "evidence_id")
			var req struct {
				Decision     string `json:"decision"`
				Observations string `json:"observations"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			var state domain.EvidenceState
			switch strings.ToUpper(strings.TrimSpace(req.Decision)) {
			case "APPROVED":
				state = domain.EvidenceApproved
			case "REJECTED":
				state = domain.EvidenceRejected
			default:
				httpx.WriteError(w, 400, "BAD_REQUEST", "decision must be APPROVED or REJECTED", nil)
				return
			}

			if _, err := st.GetEvidence(r.Context(), evidenceID); err != nil {
				writeStoreError(w, err)
				return
			}
			claimed, err := st.ClaimReview(r.Context(), evidenceID, state, strings.TrimSpace(req.Observations), time.Now())
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			if !claimed {
				httpx.WriteError(w, 409, "ALREADY_REVIEWED", "evidence is not open for review", nil)
				return
			}

			doc, err := st.GetEvidence(r.Context(), evidenceID)
			if err != nil {
				writeStoreError(w, err)
				return
			}

			payload := map[string]any{"evidence_id": evidenceID, "state": state}
			if state == domain.EvidenceApproved {
				// Reconciliation runs under the review claim and never
				// fails the approval.
				payload["reconciliation"] = reconciler.DocumentApproved(r.Context(), doc)
			} else {
				notifyRejection(r, st, doc)
			}
			httpx.WriteOK(w, 200, payload)
		})

		api.Get("/users/{user_id}/notifications", func(w http.ResponseWriter, r *http.Request) {
			userID := chi.URLParam(r, "user_id")
			notifications, err := st.ListNotifications(r.Context(), userID)
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			out := make([]map[string]any, 0, len(notifications))
			for _, n := range notifications {
				out = append(out, map[string]any{
					"notification_id": n.ID,
					"procedure_id":    n.ProcedureID,
					"kind":            n.Kind,
					"title":           n.Title,
					"body":            n.Body,
					"link":            n.Link,
					"read":            n.Read,
					"created_at":      n.CreatedAt.UTC().Format(time.RFC3339),
				})
			}
			httpx.WriteOK(w, 200, map[string]any{"notifications": out})
		})

		// DEV helper to seed users and a procedure for smoke tests.
		api.Post("/dev/seed", func(w http.ResponseWriter, r *http.Request) {
			client := domain.User{ID: "usr_" + uuid.NewString(), Email: "client@example.test", FullName: "Test Client", Role: domain.RoleClient}
			operator := domain.User{ID: "usr_" + uuid.NewString(), Email: "operator@example.test", FullName: "Test Operator", Role: domain.RoleOperator}
			if err := st.CreateUser(r.Context(), client); err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			if err := st.CreateUser(r.Context(), operator); err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			p := domain.Procedure{
				ID:               "proc_" + uuid.NewString(),
				ClientUserID:     client.ID,
				Jurisdiction:     "AR",
				PlanTier:         "standard",
				GeneralStatus:    domain.StatusStarted,
				ValidationStatus: domain.ValidationPending,
				CapitalAmount:    1000000,
				CandidateNames:   []string{"ACME SAS"},
			}
			if err := st.CreateProcedure(r.Context(), p); err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteOK(w, 201, map[string]any{
				"client_user_id":   client.ID,
				"operator_user_id": operator.ID,
				"procedure_id":     p.ID,
			})
		})

		registerEscalationRoutes(api, st, mailer, schedulerSecret)
	})

	slog.Info("backoffice service listening", "port", port)
	if err := http.ListenAndServe(":"+port, r); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func actorID(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Actor-Id")); v != "" {
		return v
	}
	return "system"
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrProcedureNotFound):
		httpx.WriteError(w, 404, "NOT_FOUND", "procedure not found", nil)
	case errors.Is(err, store.ErrEvidenceNotFound):
		httpx.WriteError(w, 404, "NOT_FOUND", "evidence document not found", nil)
	case errors.Is(err, store.ErrObligationNotFound):
		httpx.WriteError(w, 404, "NOT_FOUND", "payment obligation not found", nil)
	case errors.Is(err, store.ErrUserNotFound):
		httpx.WriteError(w, 404, "NOT_FOUND", "user not found", nil)
	default:
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
	}
}

func notifyBestEffort(r *http.Request, st *store.Store, n domain.Notification) {
	if _, err := st.InsertNotification(r.Context(), n); err != nil {
		slog.Warn("notification failed", "user_id", n.UserID, "kind", n.Kind, "error", err)
	}
}

func notifyRejection(r *http.Request, st *store.Store, doc domain.EvidenceDocument) {
	p, err := st.GetProcedure(r.Context(), doc.ProcedureID)
	if err != nil {
		slog.Warn("rejection notification skipped", "evidence_id", doc.ID, "error", err)
		return
	}
	body := "Your document " + strconv.Quote(doc.Name) + " was rejected."
	if doc.Observations != "" {
		body += " Reviewer notes: " + doc.Observations
	}
	notifyBestEffort(r, st, domain.Notification{
		ID:          "ntf_" + uuid.NewString(),
		UserID:      p.ClientUserID,
		ProcedureID: doc.ProcedureID,
		Kind:        domain.NotifDocumentRejected,
		Title:       "Document rejected",
		Body:        body,
	})
}

func procedurePayload(p domain.Procedure) map[string]any {
	milestones := map[string]any{}
	for _, m := range domain.MilestoneOrder {
		mark := p.Milestones[m]
		entry := map[string]any{"done": mark.Done}
		if mark.CompletedAt != nil {
			entry["completed_at"] = mark.CompletedAt.UTC().Format(time.RFC3339)
		}
		milestones[string(m)] = entry
	}
	return map[string]any{
		"procedure_id":      p.ID,
		"client_user_id":    p.ClientUserID,
		"jurisdiction":      p.Jurisdiction,
		"plan_tier":         p.PlanTier,
		"general_status":    p.GeneralStatus,
		"validation_status": p.ValidationStatus,
		"correction_notes":  p.CorrectionNotes,
		"capital_amount":    p.CapitalAmount,
		"candidate_names":   p.CandidateNames,
		"approved_name":     p.ApprovedName,
		"milestones":        milestones,
		"created_at":        p.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":        p.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func gatewayPaymentPayload(gp domain.GatewayPayment) map[string]any {
	out := map[string]any{
		"payment_id":   gp.ID,
		"procedure_id": gp.ProcedureID,
		"concept":      gp.Concept,
		"amount":       gp.Amount,
		"state":        gp.State,
		"method":       gp.Method,
		"gateway_ref":  gp.GatewayRef,
		"checkout_url": gp.CheckoutURL,
		"created_at":   gp.CreatedAt.UTC().Format(time.RFC3339),
	}
	if gp.PaidAt != nil {
		out["paid_at"] = gp.PaidAt.UTC().Format(time.RFC3339)
	}
	return out
}

func paymentLinkPayload(pl domain.ExternalPaymentLink) map[string]any {
	out := map[string]any{
		"link_id":          pl.ID,
		"procedure_id":     pl.ProcedureID,
		"concept":          pl.Concept,
		"amount":           pl.Amount,
		"state":            pl.State,
		"target_url":       pl.TargetURL,
		"reported_expired": pl.ReportedExpired,
		"created_at":       pl.CreatedAt.UTC().Format(time.RFC3339),
	}
	if pl.DueDate != nil {
		out["due_date"] = pl.DueDate.UTC().Format(time.RFC3339)
	}
	if pl.PaidAt != nil {
		out["paid_at"] = pl.PaidAt.UTC().Format(time.RFC3339)
	}
	return out
}

func handleIdempotentMutation(r *http.Request, w http.ResponseWriter, st *store.Store, actor, endpoint string, run func() (int, map[string]any, error)) bool {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" {
		rec, err := st.GetIdempotencyRecord(r.Context(), actor, key, endpoint)
		if err != nil {
			httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
			return false
		}
		if rec != nil {
			w.Header().Set("content-type", "application/json")
			w.WriteHeader(rec.ResponseStatus)
			_, _ = w.Write(rec.ResponseBody)
			return false
		}
	}

	status, body, err := run()
	if err != nil {
		httpx.WriteError(w, status, "DB_ERROR", err.Error(), nil)
		return false
	}

	if key != "" {
		buf := bytes.Buffer{}
		_ = json.NewEncoder(&buf).Encode(body)
		_ = st.SaveIdempotencyRecord(r.Context(), store.IdempotencyRecord{
			ActorID:        actor,
			IdempotencyKey: key,
			Endpoint:       endpoint,
			ResponseStatus: status,
			ResponseBody:   bytes.TrimSpace(buf.Bytes()),
		})
	}
	httpx.WriteJSON(w, status, body)
	return true
}
