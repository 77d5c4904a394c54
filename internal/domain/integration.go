package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Notification channel kinds.
const (
	ChannelSlack     = "slack"
	ChannelPagerDuty = "pagerduty"
	ChannelEmail     = "email"
	ChannelWebhook   = "webhook"
)

// IntegrationConfig is the tagged union of per-channel settings. Exactly the
// fields for the integration's channel are populated; Validate enforces the
// variant at creation time so dispatch never sees a malformed target.
type IntegrationConfig struct {
	WebhookURL string   `json:"webhook_url,omitempty"`
	RoutingKey string   `json:"routing_key,omitempty"`
	Recipients []string `json:"recipients,omitempty"`
	URL        string   `json:"url,omitempty"`
}

// Integration is a configured notification target.
type Integration struct {
	ID        string
	TenantID  string
	Name      string
	Channel   string
	Config    IntegrationConfig
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the channel variant's required config.
func (i Integration) Validate() error {
	if strings.TrimSpace(i.Name) == "" {
		return errors.New("integration name required")
	}
	switch i.Channel {
	case ChannelSlack:
		return validateURL(i.Config.WebhookURL, "webhook_url")
	case ChannelPagerDuty:
		if strings.TrimSpace(i.Config.RoutingKey) == "" {
			return errors.New("routing_key required for pagerduty integrations")
		}
		return nil
	case ChannelEmail:
		if len(i.Config.Recipients) == 0 {
			return errors.New("at least one recipient required for email integrations")
		}
		for _, addr := range i.Config.Recipients {
			if !strings.Contains(addr, "@") {
				return fmt.Errorf("invalid recipient address %q", addr)
			}
		}
		return nil
	case ChannelWebhook:
		return validateURL(i.Config.URL, "url")
	}
	return fmt.Errorf("unknown channel %q", i.Channel)
}

func validateURL(raw, field string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%s required", field)
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("%s must be an absolute http(s) URL", field)
	}
	return nil
}
