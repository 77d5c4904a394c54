package ingest

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/relaywatch/relaywatch/internal/aggregate"
	"github.com/relaywatch/relaywatch/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func TestIngestRejectsMissingTenant(t *testing.T) {
	c := NewCollector(aggregate.New(1), 1, 4, testLogger())
	err := c.Ingest(domain.TelemetryRecord{TenantID: "  "})
	if err != ErrMissingTenant {
		t.Fatalf("expected ErrMissingTenant, got %v", err)
	}
}

func TestIngestDropsOldestOnOverflow(t *testing.T) {
	c := NewCollector(aggregate.New(1), 1, 2, testLogger())

	for i := 0; i < 5; i++ {
		rec := domain.TelemetryRecord{TenantID: "tenant-a", RequestID: string(rune('a' + i))}
		if err := c.Ingest(rec); err != nil {
			t.Fatalf("ingest %d failed: %v", i, err)
		}
	}

	// Buffer holds 2; the 3 oldest were evicted and the newest survive.
	var kept []string
	for {
		select {
		case rec := <-c.queues[0]:
			kept = append(kept, rec.RequestID)
			continue
		default:
		}
		break
	}
	if len(kept) != 2 {
		t.Fatalf("expected 2 buffered records, got %d", len(kept))
	}
	if kept[0] != "d" || kept[1] != "e" {
		t.Fatalf("expected newest records kept, got %v", kept)
	}
}

func TestRunDrainsIntoAggregator(t *testing.T) {
	agg := aggregate.New(1)
	c := NewCollector(agg, 2, 16, testLogger())

	now := time.Now().UTC()
	for i := 0; i < 10; i++ {
		rec := domain.TelemetryRecord{TenantID: "tenant-a", Timestamp: now, Status: domain.StatusOK}
		if err := c.Ingest(rec); err != nil {
			t.Fatalf("ingest failed: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		if agg.Snapshot("tenant-a", time.Minute).Count == 10 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("aggregator saw %d records, want 10", agg.Snapshot("tenant-a", time.Minute).Count)
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not stop after cancellation")
	}
}
