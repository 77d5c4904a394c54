package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sethvargo/go-retry"

	"github.com/relaywatch/relaywatch/internal/domain"
	"github.com/relaywatch/relaywatch/internal/repository"
)

const (
	defaultTimeout     = 5 * time.Second
	defaultBaseBackoff = time.Second
	defaultMaxRetries  = 3
)

// ErrRejected indicates a channel rejected the payload; such failures are
// not retried.
var ErrRejected = errors.New("notify: payload rejected")

// Notifier fans incident transitions out to configured integrations. Each
// integration is dispatched on its own goroutine with a bounded per-attempt
// timeout and exponential backoff; delivery is at-least-once.
type Notifier struct {
	integrations repository.IntegrationRepository
	attempts     repository.NotificationRepository
	logger       *slog.Logger
	client       *http.Client
	email        emailSender

	timeout     time.Duration
	baseBackoff time.Duration
	maxRetries  uint64

	mu           sync.Mutex
	inflight     map[string]map[uint64]context.CancelFunc
	nextDispatch uint64
	wg           sync.WaitGroup

	dispatches   *prometheus.CounterVec
	registerOnce sync.Once

	now func() time.Time
}

// Options tunes notifier behaviour; zero values take defaults.
type Options struct {
	Timeout     time.Duration
	BaseBackoff time.Duration
	MaxRetries  int
	SMTPAddr    string
	SMTPFrom    string
	Client      *http.Client
}

// New constructs a Notifier.
func New(integrations repository.IntegrationRepository, attempts repository.NotificationRepository, logger *slog.Logger, opts Options) *Notifier {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = defaultBaseBackoff
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}
	if logger != nil {
		logger = logger.With("component", "notifier")
	}
	n := &Notifier{
		integrations: integrations,
		attempts:     attempts,
		logger:       logger,
		client:       opts.Client,
		email:        smtpSender{addr: opts.SMTPAddr, from: opts.SMTPFrom},
		timeout:      opts.Timeout,
		baseBackoff:  opts.BaseBackoff,
		maxRetries:   uint64(opts.MaxRetries),
		inflight:     make(map[string]map[uint64]context.CancelFunc),
		now:          time.Now,
	}
	n.dispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relaywatch",
		Subsystem: "notify",
		Name:      "dispatches_total",
		Help:      "Notification dispatch outcomes",
	}, []string{"channel", "status"})
	return n
}

// Register attaches the notifier's metrics to a prometheus registerer.
func (n *Notifier) Register(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	n.registerOnce.Do(func() {
		if err := reg.Register(n.dispatches); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) && n.logger != nil {
				n.logger.Warn("metric registration failed", "error", err)
			}
		}
	})
}

// DispatchTransition fans one incident state transition out to the given
// integrations. Each target runs concurrently; a disabled or deleted
// integration is recorded as skipped and never fails its siblings.
func (n *Notifier) DispatchTransition(ctx context.Context, incident domain.Incident, transition string, integrationIDs []string) {
	seen := make(map[string]struct{}, len(integrationIDs))
	for _, id := range integrationIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		dispatchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		token := n.track(incident.ID, cancel)

		n.wg.Add(1)
		go func(integrationID string) {
			defer n.wg.Done()
			defer n.untrack(incident.ID, token)
			defer cancel()
			n.dispatchOne(dispatchCtx, incident, transition, integrationID)
		}(id)
	}
}

// CancelIncident aborts any dispatch still in backoff for the incident.
// Called when the incident resolves; the resolution notice is dispatched
// separately.
func (n *Notifier) CancelIncident(incidentID string) {
	n.mu.Lock()
	cancels := n.inflight[incidentID]
	delete(n.inflight, incidentID)
	n.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Wait blocks until all in-flight dispatches have finished. Used during
// shutdown.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// Test sends a synthetic payload to one integration. It never touches
// incident state and its attempt record is returned, not persisted.
func (n *Notifier) Test(ctx context.Context, integration domain.Integration) domain.NotificationAttempt {
	now := n.now().UTC()
	attempt := domain.NotificationAttempt{
		ID:            uuid.NewString(),
		TenantID:      integration.TenantID,
		IntegrationID: integration.ID,
		Transition:    "test",
		Status:        domain.AttemptPending,
		CreatedAt:     now,
	}
	if !integration.Enabled {
		attempt.Status = domain.AttemptSkipped
		attempt.Error = "integration disabled"
		return attempt
	}
	msg := message{
		Title:      "Test notification from relaywatch",
		Body:       fmt.Sprintf("This is a test delivery for integration %q.", integration.Name),
		Severity:   domain.SeverityInfo,
		Transition: "test",
		TenantID:   integration.TenantID,
		DedupKey:   "test",
		DetectedAt: now,
	}
	n.deliverWithRetry(ctx, integration, msg, &attempt)
	return attempt
}

func (n *Notifier) track(incidentID string, cancel context.CancelFunc) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextDispatch++
	cancels := n.inflight[incidentID]
	if cancels == nil {
		cancels = make(map[uint64]context.CancelFunc)
		n.inflight[incidentID] = cancels
	}
	cancels[n.nextDispatch] = cancel
	return n.nextDispatch
}

// untrack removes one finished dispatch so resolved incidents do not
// accumulate cancel state.
func (n *Notifier) untrack(incidentID string, token uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	cancels := n.inflight[incidentID]
	if cancels == nil {
		return
	}
	delete(cancels, token)
	if len(cancels) == 0 {
		delete(n.inflight, incidentID)
	}
}

func (n *Notifier) dispatchOne(ctx context.Context, incident domain.Incident, transition, integrationID string) {
	now := n.now().UTC()
	attempt := domain.NotificationAttempt{
		ID:            uuid.NewString(),
		TenantID:      incident.TenantID,
		IncidentID:    incident.ID,
		IntegrationID: integrationID,
		Transition:    transition,
		Status:        domain.AttemptPending,
		CreatedAt:     now,
	}

	integration, err := n.integrations.GetIntegrationByID(ctx, incident.TenantID, integrationID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		attempt.Status = domain.AttemptSkipped
		attempt.Error = "integration no longer exists"
	case err != nil:
		attempt.Status = domain.AttemptFailed
		attempt.Error = err.Error()
	case !integration.Enabled:
		attempt.Status = domain.AttemptSkipped
		attempt.Error = "integration disabled"
	}

	if attempt.Status != domain.AttemptPending {
		if n.logger != nil {
			n.logger.Warn("notification target skipped",
				"incident_id", incident.ID, "integration_id", integrationID,
				"transition", transition, "reason", attempt.Error)
		}
		n.persistAttempt(&attempt)
		channel := "unknown"
		if integration != nil {
			channel = integration.Channel
		}
		n.dispatches.WithLabelValues(channel, attempt.Status).Inc()
		return
	}

	n.persistAttempt(&attempt)
	n.deliverWithRetry(ctx, *integration, buildMessage(incident, transition), &attempt)
	n.persistAttempt(&attempt)
	n.dispatches.WithLabelValues(integration.Channel, attempt.Status).Inc()

	if attempt.Status == domain.AttemptFailed && n.logger != nil {
		n.logger.Error("notification delivery failed",
			"incident_id", incident.ID, "integration_id", integrationID,
			"channel", integration.Channel, "transition", transition,
			"attempts", attempt.AttemptCount, "error", attempt.Error)
	}
}

// deliverWithRetry runs the channel send under the retry contract: bounded
// per-attempt timeout, exponential backoff, terminal failed status after
// the attempt ceiling.
func (n *Notifier) deliverWithRetry(ctx context.Context, integration domain.Integration, msg message, attempt *domain.NotificationAttempt) {
	backoff := retry.WithMaxRetries(n.maxRetries, retry.NewExponential(n.baseBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt.AttemptCount++
		at := n.now().UTC()
		attempt.LastAttemptedAt = &at

		sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
		defer cancel()

		sendErr := n.send(sendCtx, integration, msg)
		if sendErr == nil {
			return nil
		}
		attempt.Error = sendErr.Error()
		if errors.Is(sendErr, ErrRejected) {
			return sendErr
		}
		return retry.RetryableError(sendErr)
	})
	if err != nil {
		attempt.Status = domain.AttemptFailed
		if ctx.Err() != nil {
			attempt.Error = "cancelled before delivery: " + ctx.Err().Error()
		}
		return
	}
	attempt.Status = domain.AttemptDelivered
	attempt.Error = ""
}

func (n *Notifier) send(ctx context.Context, integration domain.Integration, msg message) error {
	switch integration.Channel {
	case domain.ChannelSlack:
		return n.sendSlack(ctx, integration.Config.WebhookURL, msg)
	case domain.ChannelPagerDuty:
		return n.sendPagerDuty(ctx, integration.Config.RoutingKey, msg)
	case domain.ChannelEmail:
		return n.email.send(ctx, integration.Config.Recipients, msg)
	case domain.ChannelWebhook:
		return n.sendWebhook(ctx, integration.Config.URL, msg)
	}
	return fmt.Errorf("%w: unknown channel %q", ErrRejected, integration.Channel)
}

func (n *Notifier) persistAttempt(attempt *domain.NotificationAttempt) {
	if n.attempts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if attempt.AttemptCount == 0 {
		err = n.attempts.CreateAttempt(ctx, attempt)
	} else {
		err = n.attempts.UpdateAttempt(ctx, attempt)
	}
	if err != nil && n.logger != nil {
		n.logger.Warn("failed to persist notification attempt",
			"attempt_id", attempt.ID, "error", err)
	}
}

// message is the channel-independent notification content; each channel
// shapes its own payload from it.
type message struct {
	Title       string
	Body        string
	Severity    string
	Transition  string
	TenantID    string
	IncidentID  string
	DedupKey    string
	MetricValue float64
	DetectedAt  time.Time
}

func buildMessage(incident domain.Incident, transition string) message {
	title := incident.Title
	switch transition {
	case domain.TransitionEscalated:
		title = "[escalated] " + title
	case domain.TransitionRenotify:
		title = "[still firing] " + title
	case domain.TransitionResolved:
		title = "[resolved] " + title
	}
	body := incident.Signal
	if incident.SuggestedAction != "" && transition != domain.TransitionResolved {
		body += "\nSuggested action: " + incident.SuggestedAction
	}
	return message{
		Title:       title,
		Body:        body,
		Severity:    incident.Severity,
		Transition:  transition,
		TenantID:    incident.TenantID,
		IncidentID:  incident.ID,
		DedupKey:    incident.DedupKey,
		MetricValue: incident.MetricValue,
		DetectedAt:  incident.DetectedAt,
	}
}
