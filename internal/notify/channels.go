package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"time"
)

const (
	pagerDutyEventsURL = "https://events.pagerduty.com/v2/enqueue"
	maxErrorBodySize   = 4096
)

// sendSlack posts an incoming-webhook payload with a severity-colored
// attachment.
func (n *Notifier) sendSlack(ctx context.Context, webhookURL string, msg message) error {
	payload := map[string]any{
		"text": msg.Title,
		"attachments": []map[string]any{{
			"color": slackColor(msg.Severity),
			"text":  msg.Body,
			"fields": []map[string]any{
				{"title": "Severity", "value": msg.Severity, "short": true},
				{"title": "Signal", "value": msg.DedupKey, "short": true},
				{"title": "Tenant", "value": msg.TenantID, "short": true},
				{"title": "Value", "value": fmt.Sprintf("%.4g", msg.MetricValue), "short": true},
			},
			"ts": msg.DetectedAt.Unix(),
		}},
	}
	return n.postJSON(ctx, webhookURL, payload)
}

func slackColor(severity string) string {
	switch severity {
	case "critical", "high":
		return "danger"
	case "medium":
		return "warning"
	default:
		return "#439FE0"
	}
}

// sendPagerDuty enqueues a PagerDuty Events API v2 event. The incident's
// dedup key lets PagerDuty collapse repeats and match the resolve event.
func (n *Notifier) sendPagerDuty(ctx context.Context, routingKey string, msg message) error {
	action := "trigger"
	if msg.Transition == "resolved" {
		action = "resolve"
	}
	payload := map[string]any{
		"routing_key":  routingKey,
		"event_action": action,
		"dedup_key":    msg.TenantID + ":" + msg.DedupKey,
		"payload": map[string]any{
			"summary":   msg.Title,
			"source":    "relaywatch",
			"severity":  pagerDutySeverity(msg.Severity),
			"timestamp": msg.DetectedAt.UTC().Format(time.RFC3339),
			"custom_details": map[string]any{
				"tenant_id":    msg.TenantID,
				"incident_id":  msg.IncidentID,
				"metric_value": msg.MetricValue,
				"detail":       msg.Body,
			},
		},
	}
	return n.postJSON(ctx, pagerDutyEventsURL, payload)
}

func pagerDutySeverity(severity string) string {
	switch severity {
	case "critical":
		return "critical"
	case "high":
		return "error"
	case "medium":
		return "warning"
	default:
		return "info"
	}
}

// sendWebhook posts a generic event envelope to the configured URL.
func (n *Notifier) sendWebhook(ctx context.Context, url string, msg message) error {
	payload := map[string]any{
		"event": "incident." + msg.Transition,
		"incident": map[string]any{
			"id":           msg.IncidentID,
			"tenant_id":    msg.TenantID,
			"title":        msg.Title,
			"signal":       msg.DedupKey,
			"severity":     msg.Severity,
			"metric_value": msg.MetricValue,
			"detail":       msg.Body,
			"detected_at":  msg.DetectedAt.UTC().Format(time.RFC3339Nano),
		},
	}
	return n.postJSON(ctx, url, payload)
}

func (n *Notifier) postJSON(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		summary := errorSummary(resp)
		if retryableStatus(resp.StatusCode) {
			return fmt.Errorf("endpoint returned %s", summary)
		}
		return fmt.Errorf("%w: endpoint returned %s", ErrRejected, summary)
	}
	return nil
}

func retryableStatus(code int) bool {
	return code >= http.StatusInternalServerError ||
		code == http.StatusTooManyRequests ||
		code == http.StatusRequestTimeout
}

func errorSummary(resp *http.Response) string {
	limited := io.LimitReader(resp.Body, maxErrorBodySize)
	buf, _ := io.ReadAll(limited)
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		return resp.Status
	}
	return resp.Status + ": " + summary
}

// emailSender abstracts SMTP delivery for tests.
type emailSender interface {
	send(ctx context.Context, recipients []string, msg message) error
}

type smtpSender struct {
	addr string
	from string
}

func (s smtpSender) send(ctx context.Context, recipients []string, msg message) error {
	if s.addr == "" {
		return fmt.Errorf("%w: smtp not configured", ErrRejected)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(recipients, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Title)
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "%s\r\n\r\n", msg.Body)
	fmt.Fprintf(&b, "Severity: %s\r\nTenant: %s\r\nSignal: %s\r\nDetected: %s\r\n",
		msg.Severity, msg.TenantID, msg.DedupKey, msg.DetectedAt.UTC().Format(time.RFC3339))

	// net/smtp has no context support; rely on the dial completing within
	// the caller's deadline by running it in a goroutine.
	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(s.addr, nil, s.from, recipients, []byte(b.String()))
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
		return nil
	}
}
