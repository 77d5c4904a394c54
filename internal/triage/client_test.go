package triage

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/relaywatch/relaywatch/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func TestParseReportToleratesFences(t *testing.T) {
	content := "```json\n{\"summary\": \"error spike\", \"root_cause\": \"provider outage\", \"suggested_checks\": [\"check provider status\"]}\n```"
	report, err := parseReport(content)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if report.Summary != "error spike" || len(report.SuggestedChecks) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestParseReportRejectsNonJSON(t *testing.T) {
	if _, err := parseReport("sorry, I cannot help with that"); err == nil {
		t.Fatal("expected error for prose response")
	}
	if _, err := parseReport("{\"root_cause\": \"x\"}"); err == nil {
		t.Fatal("expected error for report without summary")
	}
}

func TestExplainPostsChatCompletion(t *testing.T) {
	var gotAuth string
	var gotReq chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": `{"summary": "latency regression", "root_cause": "slow upstream", "suggested_checks": ["check p99 by model"]}`}},
			},
		})
	}))
	defer server.Close()

	client := New(server.URL, "sk-test", "gpt-4o-mini", testLogger())
	if !client.Enabled() {
		t.Fatal("client with URL should be enabled")
	}

	incident := domain.Incident{
		ID: "inc-1", TenantID: "tenant-a", Title: "p95 latency above 2000ms",
		Severity: "high", Status: domain.IncidentOpen,
		DetectedAt: time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC),
	}
	window := domain.MetricWindow{TenantID: "tenant-a", WindowSize: 15 * time.Minute, Count: 900, LatencyP95: 2300}

	report, err := client.Explain(context.Background(), incident, window)
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if report.Summary != "latency regression" {
		t.Fatalf("unexpected report %+v", report)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" {
		t.Fatalf("unexpected messages %+v", gotReq.Messages)
	}
	if !strings.Contains(gotReq.Messages[1].Content, "tenant-a") {
		t.Fatalf("prompt missing window context: %s", gotReq.Messages[1].Content)
	}
}

func TestExplainDisabledWithoutURL(t *testing.T) {
	client := New("", "", "", testLogger())
	if client.Enabled() {
		t.Fatal("client without URL should be disabled")
	}
	if _, err := client.Explain(context.Background(), domain.Incident{}, domain.MetricWindow{}); err != ErrDisabled {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestExplainSurfacesUpstreamErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := New(server.URL, "sk-test", "gpt-4o-mini", testLogger())
	_, err := client.Explain(context.Background(), domain.Incident{ID: "inc-1"}, domain.MetricWindow{})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("err = %v, want status in message", err)
	}
}
