// Package notify implements contracts.Notifier: terminal-run webhook and
// email fan-out (§6, §4.C step 7).
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/vigiecall/automation-orchestrator/contracts"
)

// Notifier is the production contracts.Notifier: an HTTP client for
// webhooks and an smtp.SendMail-based sink for email.
type Notifier struct {
	httpClient *http.Client
	smtpAddr   string
	smtpAuth   smtp.Auth
	from       string
}

// NewNotifier creates a Notifier. smtpAddr may be empty to disable email
// delivery (SendEmail then returns nil without dialing anything).
func NewNotifier(httpClient *http.Client, smtpAddr string, smtpAuth smtp.Auth, from string) *Notifier {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Notifier{httpClient: httpClient, smtpAddr: smtpAddr, smtpAuth: smtpAuth, from: from}
}

// SendWebhook POSTs payload as JSON to url.
func (n *Notifier) SendWebhook(ctx context.Context, url string, payload contracts.NotificationPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding webhook payload for run %s: %w", payload.RunID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request for run %s: %w", payload.RunID, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delivering webhook for run %s: %w", payload.RunID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook for run %s returned status %d", payload.RunID, resp.StatusCode)
	}
	return nil
}

// SendEmail sends a plain-text summary of payload to recipients.
func (n *Notifier) SendEmail(_ context.Context, recipients []string, payload contracts.NotificationPayload) error {
	if n.smtpAddr == "" || len(recipients) == 0 {
		return nil
	}

	subject := fmt.Sprintf("Subject: Automation run %s (%s) - %s\r\n\r\n", payload.ScheduleName, payload.RunID, payload.Status)
	var body strings.Builder
	body.WriteString(subject)
	fmt.Fprintf(&body, "Run %s for schedule %q finished with status %s.\n", payload.RunID, payload.ScheduleName, payload.Status)
	fmt.Fprintf(&body, "Duration: %.1fs\n", payload.DurationSeconds)
	fmt.Fprintf(&body, "Fiches: %d total, %d successful, %d failed, %d ignored\n",
		payload.TotalFiches, payload.SuccessfulFiches, payload.FailedFiches, payload.IgnoredFiches)
	fmt.Fprintf(&body, "Transcriptions: %d, Audits: %d\n", payload.TranscriptionsRun, payload.AuditsRun)
	for _, f := range payload.Failures {
		fmt.Fprintf(&body, "  - %s: %s\n", f.FicheID, f.Reason)
	}

	host := n.smtpAddr
	if idx := strings.Index(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	if err := smtp.SendMail(n.smtpAddr, n.smtpAuth, n.from, recipients, []byte(body.String())); err != nil {
		return fmt.Errorf("sending email for run %s: %w", payload.RunID, err)
	}
	return nil
}

var _ contracts.Notifier = (*Notifier)(nil)
