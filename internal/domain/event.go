package domain

import (
	"encoding/json"
	"time"
)

// ActorType identifies who or what caused a domain event.
type ActorType string

const (
	ActorUser         ActorType = "user"
	ActorOrganization ActorType = "organization"
	ActorSystem       ActorType = "system"
	ActorWebhook      ActorType = "webhook"
)

// Domain event types published on the in-process bus.
const (
	EventAccountUpdated           = "provider_account.updated"
	EventAccountCapabilityChanged = "provider_account.capability_changed"
	EventAccountExternalChanged   = "provider_account.external_account_changed"
	EventAccountDisconnected      = "provider_account.disconnected"
	EventPayoutSettled            = "billing.payout_settled"
	EventPayoutFailed             = "billing.payout_failed"
)

// KnownDomainEventTypes is the closed set of event types subscribers may
// register for.
var KnownDomainEventTypes = map[string]struct{}{
	EventAccountUpdated:           {},
	EventAccountCapabilityChanged: {},
	EventAccountExternalChanged:   {},
	EventAccountDisconnected:      {},
	EventPayoutSettled:            {},
	EventPayoutFailed:             {},
}

// EventMetadata carries provenance for a domain event.
type EventMetadata struct {
	Source        string    `json:"source"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// DomainEvent is the internal, provider-agnostic notification published
// after a state change commits. Immutable once created.
type DomainEvent struct {
	ID             string          `json:"id"`
	EventType      string          `json:"event_type"`
	EventVersion   int             `json:"event_version"`
	ActorID        string          `json:"actor_id"`
	ActorType      ActorType       `json:"actor_type"`
	OrganizationID *string         `json:"organization_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Metadata       EventMetadata   `json:"metadata"`
	CreatedAt      time.Time       `json:"created_at"`
}
