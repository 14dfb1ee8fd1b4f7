package domain

import (
	"encoding/json"
	"time"
)

// Provider webhook event types the pipeline knows how to handle.
const (
	WebhookAccountUpdated         = "account.updated"
	WebhookCapabilityUpdated      = "capability.updated"
	WebhookExternalAccountCreated = "account.external_account.created"
	WebhookExternalAccountUpdated = "account.external_account.updated"
	WebhookExternalAccountDeleted = "account.external_account.deleted"
	WebhookAccountDeauthorized    = "account.application.deauthorized"
	WebhookPayoutPaid             = "payout.paid"
	WebhookPayoutFailed           = "payout.failed"
)

// KnownWebhookEventTypes is the closed set of provider event types the
// dispatcher may be configured with. Registering a handler for a type
// outside this set is a startup configuration error.
var KnownWebhookEventTypes = map[string]struct{}{
	WebhookAccountUpdated:         {},
	WebhookCapabilityUpdated:      {},
	WebhookExternalAccountCreated: {},
	WebhookExternalAccountUpdated: {},
	WebhookExternalAccountDeleted: {},
	WebhookAccountDeauthorized:    {},
	WebhookPayoutPaid:             {},
	WebhookPayoutFailed:           {},
}

// WebhookEnvelope is the provider's event wrapper, parsed only after the
// raw-body signature has been verified.
type WebhookEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Account string `json:"account,omitempty"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// WebhookRecord is the durable idempotency and audit row for one distinct
// provider event id. Rows are never deleted.
type WebhookRecord struct {
	ID              string          `json:"id"`
	ProviderEventID string          `json:"provider_event_id"`
	EventType       string          `json:"event_type"`
	Processed       bool            `json:"processed"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
	Error           *string         `json:"error,omitempty"`
	ErrorStack      *string         `json:"error_stack,omitempty"`
	RetryCount      int             `json:"retry_count"`
	NextRetryAt     *time.Time      `json:"next_retry_at,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	ReceivedHeaders json.RawMessage `json:"received_headers,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}
