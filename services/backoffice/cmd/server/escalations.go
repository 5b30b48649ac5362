package main

import (
	"net/http"
	"strings"

	"gestoria/pkg/httpx"
	"gestoria/services/backoffice/internal/escalation"

	"github.com/go-chi/chi/v5"
)

// registerEscalationRoutes mounts the internal scheduler entrypoint. The
// caller (cron, k8s CronJob) must present the shared scheduler secret.
func registerEscalationRoutes(api chi.Router, st escalation.Store, mailer escalation.Mailer, secret string) {
	runner := escalation.NewRunner(st, mailer)

	api.Post("/internal/escalations/run", func(w http.ResponseWriter, r *http.Request) {
		presented := strings.TrimSpace(r.Header.Get("X-Scheduler-Secret"))
		if !escalation.AuthorizedCaller(presented, secret) {
			httpx.WriteError(w, 401, "UNAUTHORIZED", "invalid scheduler secret", nil)
			return
		}
		report := runner.Run(r.Context())
		httpx.WriteOK(w, 200, map[string]any{
			"payment_link_reminders":    report.PaymentLinkReminders,
			"gateway_payment_reminders": report.GatewayPaymentReminders,
			"evidence_reminders":        report.EvidenceReminders,
			"stalled_reminders":         report.StalledReminders,
			"name_expiry_alerts":        report.NameExpiryAlerts,
			"errors":                    report.Errors,
		})
	})
}
