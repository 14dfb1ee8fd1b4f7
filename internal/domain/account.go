package domain

import (
	"encoding/json"
	"time"
)

// Capability is one entry in a connected account's capability map, keyed
// by the provider's capability id (e.g. "card_payments").
type Capability struct {
	Status    string `json:"status"`
	Requested bool   `json:"requested"`
}

// ConnectedAccount mirrors the provider's view of a payment account owned
// by an organization. Webhook handlers apply minimal, idempotent updates
// to it ("set capability X to status Y", never increments).
type ConnectedAccount struct {
	ID                string                     `json:"id"`
	OrganizationID    string                     `json:"organization_id"`
	ProviderAccountID string                     `json:"provider_account_id"`
	ChargesEnabled    bool                       `json:"charges_enabled"`
	PayoutsEnabled    bool                       `json:"payouts_enabled"`
	DetailsSubmitted  bool                       `json:"details_submitted"`
	Capabilities      map[string]Capability      `json:"capabilities"`
	ExternalAccounts  map[string]json.RawMessage `json:"external_accounts"`
	Requirements      json.RawMessage            `json:"requirements,omitempty"`
	LastPayoutStatus  *string                    `json:"last_payout_status,omitempty"`
	LastPayoutAt      *time.Time                 `json:"last_payout_at,omitempty"`
	CreatedAt         time.Time                  `json:"created_at"`
	UpdatedAt         time.Time                  `json:"updated_at"`
}
