package ingest

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaywatch/relaywatch/internal/aggregate"
	"github.com/relaywatch/relaywatch/internal/domain"
)

const (
	defaultBuffer = 8192
	defaultShards = 4
)

// ErrMissingTenant indicates a record without a tenant_id. This is the only
// validation error surfaced to the gateway; everything past enqueue is
// absorbed by the engine.
var ErrMissingTenant = errors.New("ingest: tenant_id required")

// Collector accepts telemetry records from the gateway and hands them to
// the aggregator without ever blocking the request path. Records are
// partitioned by tenant across shard queues; each queue is drained by a
// single worker so per-tenant window state has one writer.
type Collector struct {
	agg    *aggregate.Aggregator
	queues []chan domain.TelemetryRecord
	logger *slog.Logger

	ingested     prometheus.Counter
	droppedFull  prometheus.Counter
	droppedLate  prometheus.Counter
	queueDepth   prometheus.GaugeFunc
	registerOnce sync.Once
}

// NewCollector constructs a Collector with one queue per shard.
func NewCollector(agg *aggregate.Aggregator, shards, buffer int, logger *slog.Logger) *Collector {
	if shards <= 0 {
		shards = defaultShards
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger != nil {
		logger = logger.With("component", "ingest")
	}
	c := &Collector{
		agg:    agg,
		queues: make([]chan domain.TelemetryRecord, shards),
		logger: logger,
	}
	for i := range c.queues {
		c.queues[i] = make(chan domain.TelemetryRecord, buffer)
	}
	c.initMetrics()
	return c
}

func (c *Collector) initMetrics() {
	c.ingested = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relaywatch",
		Subsystem: "ingest",
		Name:      "records_total",
		Help:      "Count of telemetry records accepted into the queue",
	})
	c.droppedFull = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relaywatch",
		Subsystem: "ingest",
		Name:      "dropped_overflow_total",
		Help:      "Records evicted because the ingestion buffer was full",
	})
	c.droppedLate = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relaywatch",
		Subsystem: "ingest",
		Name:      "dropped_late_total",
		Help:      "Records older than the largest maintained window",
	})
	c.queueDepth = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "relaywatch",
		Subsystem: "ingest",
		Name:      "queue_depth",
		Help:      "Records currently buffered across all shard queues",
	}, func() float64 {
		depth := 0
		for _, q := range c.queues {
			depth += len(q)
		}
		return float64(depth)
	})
}

// Register attaches the collector's metrics to a prometheus registerer.
func (c *Collector) Register(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	c.registerOnce.Do(func() {
		for _, collector := range []prometheus.Collector{c.ingested, c.droppedFull, c.droppedLate, c.queueDepth} {
			if err := reg.Register(collector); err != nil {
				var are prometheus.AlreadyRegisteredError
				if !errors.As(err, &are) && c.logger != nil {
					c.logger.Warn("metric registration failed", "error", err)
				}
			}
		}
	})
}

// Ingest enqueues one record. It never blocks: when the shard queue is
// full the oldest buffered record is evicted and counted as dropped.
func (c *Collector) Ingest(record domain.TelemetryRecord) error {
	record.TenantID = strings.TrimSpace(record.TenantID)
	if record.TenantID == "" {
		return ErrMissingTenant
	}
	queue := c.queues[c.shardFor(record.TenantID)]
	for {
		select {
		case queue <- record:
			c.ingested.Inc()
			return nil
		default:
		}
		select {
		case <-queue:
			c.droppedFull.Inc()
		default:
		}
	}
}

// Run drains the shard queues into the aggregator until the context is
// cancelled, then finishes whatever is still buffered.
func (c *Collector) Run(ctx context.Context) {
	if c.logger != nil {
		c.logger.Info("ingest workers started", "shards", len(c.queues))
	}
	var wg sync.WaitGroup
	for _, queue := range c.queues {
		wg.Add(1)
		go func(q chan domain.TelemetryRecord) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					c.drain(q)
					return
				case record := <-q:
					c.apply(record)
				}
			}
		}(queue)
	}
	wg.Wait()
	if c.logger != nil {
		c.logger.Info("ingest workers stopped")
	}
}

func (c *Collector) drain(q chan domain.TelemetryRecord) {
	for {
		select {
		case record := <-q:
			c.apply(record)
		default:
			return
		}
	}
}

func (c *Collector) apply(record domain.TelemetryRecord) {
	if !c.agg.Apply(record) {
		c.droppedLate.Inc()
	}
}

func (c *Collector) shardFor(tenantID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tenantID))
	return int(h.Sum32()) % len(c.queues)
}
