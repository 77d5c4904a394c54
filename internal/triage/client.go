package triage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/relaywatch/relaywatch/internal/domain"
)

const requestTimeout = 30 * time.Second

// ErrDisabled is returned when no triage endpoint is configured.
var ErrDisabled = errors.New("triage: not configured")

// Client asks an OpenAI-compatible chat endpoint for an advisory incident
// analysis. Triage output never gates alerting; a failure here degrades to
// the incident's own description.
type Client struct {
	apiURL string
	apiKey string
	model  string
	client *http.Client
	logger *slog.Logger
}

// New constructs a triage client. apiURL empty disables triage.
func New(apiURL, apiKey, model string, logger *slog.Logger) *Client {
	if logger != nil {
		logger = logger.With("component", "triage")
	}
	return &Client{
		apiURL: strings.TrimRight(apiURL, "/"),
		apiKey: apiKey,
		model:  model,
		client: &http.Client{Timeout: requestTimeout},
		logger: logger,
	}
}

// Enabled reports whether a triage endpoint is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.apiURL != ""
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

const systemPrompt = `You are an SRE assistant for an LLM gateway. Given an alert incident and the metric window that triggered it, reply with a JSON object containing exactly these keys: "summary" (one sentence), "root_cause" (most likely cause, one or two sentences), "suggested_checks" (array of 2-4 short imperative strings). Reply with JSON only.`

// Explain requests an advisory analysis of an incident and the window
// snapshot taken at explain time.
func (c *Client) Explain(ctx context.Context, inc domain.Incident, window domain.MetricWindow) (*domain.TriageReport, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: incidentPrompt(inc, window)},
		},
		Temperature:    0.2,
		ResponseFormat: &respFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("encode triage request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("triage request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("triage endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, fmt.Errorf("decode triage response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, errors.New("triage response contained no choices")
	}

	report, err := parseReport(chat.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	if c.logger != nil {
		c.logger.Info("triage report produced", "incident_id", inc.ID, "checks", len(report.SuggestedChecks))
	}
	return report, nil
}

func incidentPrompt(inc domain.Incident, w domain.MetricWindow) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Incident: %s\nSignal: %s\nSeverity: %s\nStatus: %s\nDetected: %s\n",
		inc.Title, inc.Signal, inc.Severity, inc.Status, inc.DetectedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "\nCurrent %s window for tenant %s:\n", w.WindowSize, w.TenantID)
	fmt.Fprintf(&b, "requests=%d errors=%d blocked=%d error_rate=%.4f block_rate=%.4f\n",
		w.Count, w.ErrorCount, w.BlockedCount, w.ErrorRate(), w.BlockRate())
	fmt.Fprintf(&b, "latency_ms avg=%.1f p50=%.1f p95=%.1f p99=%.1f max=%.1f\n",
		w.LatencyAvg, w.LatencyP50, w.LatencyP95, w.LatencyP99, w.LatencyMax)
	fmt.Fprintf(&b, "cost_usd=%.4f prompt_tokens=%d output_tokens=%d\n",
		w.CostUSD, w.PromptTokens, w.OutputTokens)
	return b.String()
}

// parseReport tolerates models that wrap the JSON object in code fences or
// prose.
func parseReport(content string) (*domain.TriageReport, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("triage response was not JSON: %q", truncate(content, 120))
	}
	var report domain.TriageReport
	if err := json.Unmarshal([]byte(content[start:end+1]), &report); err != nil {
		return nil, fmt.Errorf("parse triage report: %w", err)
	}
	if report.Summary == "" {
		return nil, errors.New("triage report missing summary")
	}
	return &report, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
