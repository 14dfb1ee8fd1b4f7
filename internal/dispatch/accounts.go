package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/praxishq/eventpipe/internal/domain"
	"github.com/praxishq/eventpipe/internal/events"
	"github.com/praxishq/eventpipe/internal/store"
)

// AccountStore is the slice of persistence the webhook handlers need.
// *store.PostgresStore satisfies it; tests substitute an in-memory fake.
type AccountStore interface {
	GetAccountByProviderID(ctx context.Context, providerAccountID string) (*domain.ConnectedAccount, error)
	UpdateAccountFlags(ctx context.Context, providerAccountID string, u store.AccountFlagsUpdate) error
	MergeCapability(ctx context.Context, providerAccountID, capabilityID string, capability domain.Capability) error
	MergeExternalAccount(ctx context.Context, providerAccountID, externalID string, object json.RawMessage) error
	RemoveExternalAccount(ctx context.Context, providerAccountID, externalID string) error
	DisableAccount(ctx context.Context, providerAccountID string) error
	UpdatePayoutStatus(ctx context.Context, providerAccountID, status string, at time.Time) error
}

// Publisher fans domain events out to in-process subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev *domain.DomainEvent) *events.Result
}

// AccountHandlers owns the provider-event handlers that keep connected
// account state in sync and announce changes on the domain event bus.
type AccountHandlers struct {
	accounts AccountStore
	bus      Publisher
	logger   *slog.Logger
}

func NewAccountHandlers(accounts AccountStore, bus Publisher, logger *slog.Logger) *AccountHandlers {
	return &AccountHandlers{accounts: accounts, bus: bus, logger: logger}
}

// Register wires every account-related event type into the registry.
func (h *AccountHandlers) Register(r *Registry) {
	r.Register(domain.WebhookAccountUpdated, h.HandleAccountUpdated)
	r.Register(domain.WebhookCapabilityUpdated, h.HandleCapabilityUpdated)
	r.Register(domain.WebhookExternalAccountCreated, h.HandleExternalAccountUpserted)
	r.Register(domain.WebhookExternalAccountUpdated, h.HandleExternalAccountUpserted)
	r.Register(domain.WebhookExternalAccountDeleted, h.HandleExternalAccountDeleted)
	r.Register(domain.WebhookAccountDeauthorized, h.HandleDeauthorized)
}

// providerAccount is the provider's account object shape.
type providerAccount struct {
	ID               string          `json:"id"`
	ChargesEnabled   bool            `json:"charges_enabled"`
	PayoutsEnabled   bool            `json:"payouts_enabled"`
	DetailsSubmitted bool            `json:"details_submitted"`
	Capabilities     json.RawMessage `json:"capabilities"`
	Requirements     json.RawMessage `json:"requirements"`
}

// HandleAccountUpdated applies the provider's top-level account view and
// publishes a domain event carrying both the new and previous flag values.
func (h *AccountHandlers) HandleAccountUpdated(ctx context.Context, env domain.WebhookEnvelope) error {
	var obj providerAccount
	if err := json.Unmarshal(env.Data.Object, &obj); err != nil {
		return fmt.Errorf("decoding account object: %w (%v)", ErrMalformedPayload, err)
	}
	if obj.ID == "" {
		return fmt.Errorf("account object missing id: %w", ErrMalformedPayload)
	}

	acct, err := h.accounts.GetAccountByProviderID(ctx, obj.ID)
	if err != nil {
		return err
	}
	if acct == nil {
		h.logger.Warn("webhook for unknown provider account",
			"provider_account_id", obj.ID,
			"event_id", env.ID,
		)
		return fmt.Errorf("account %s: %w", obj.ID, ErrNotFound)
	}

	err = h.accounts.UpdateAccountFlags(ctx, obj.ID, store.AccountFlagsUpdate{
		ChargesEnabled:   obj.ChargesEnabled,
		PayoutsEnabled:   obj.PayoutsEnabled,
		DetailsSubmitted: obj.DetailsSubmitted,
		Capabilities:     obj.Capabilities,
		Requirements:     obj.Requirements,
	})
	if err != nil {
		return err
	}

	payload, err := json.Marshal(struct {
		ProviderAccountID string       `json:"provider_account_id"`
		ChargesEnabled    bool         `json:"charges_enabled"`
		PayoutsEnabled    bool         `json:"payouts_enabled"`
		DetailsSubmitted  bool         `json:"details_submitted"`
		Previous          accountFlags `json:"previous"`
	}{
		ProviderAccountID: obj.ID,
		ChargesEnabled:    obj.ChargesEnabled,
		PayoutsEnabled:    obj.PayoutsEnabled,
		DetailsSubmitted:  obj.DetailsSubmitted,
		Previous: accountFlags{
			ChargesEnabled:   acct.ChargesEnabled,
			PayoutsEnabled:   acct.PayoutsEnabled,
			DetailsSubmitted: acct.DetailsSubmitted,
		},
	})
	if err != nil {
		return fmt.Errorf("encoding event payload: %w", err)
	}

	h.publish(ctx, domain.EventAccountUpdated, env, acct, payload)
	return nil
}

type accountFlags struct {
	ChargesEnabled   bool `json:"charges_enabled"`
	PayoutsEnabled   bool `json:"payouts_enabled"`
	DetailsSubmitted bool `json:"details_submitted"`
}

// providerCapability is the provider's capability object shape.
type providerCapability struct {
	ID        string `json:"id"`
	Account   string `json:"account"`
	Status    string `json:"status"`
	Requested bool   `json:"requested"`
}

// HandleCapabilityUpdated merges a single capability into the account's
// capability map, leaving unrelated capability ids untouched.
func (h *AccountHandlers) HandleCapabilityUpdated(ctx context.Context, env domain.WebhookEnvelope) error {
	var obj providerCapability
	if err := json.Unmarshal(env.Data.Object, &obj); err != nil {
		return fmt.Errorf("decoding capability object: %w (%v)", ErrMalformedPayload, err)
	}
	accountID := obj.Account
	if accountID == "" {
		accountID = env.Account
	}
	if obj.ID == "" || accountID == "" {
		return fmt.Errorf("capability object missing id or account: %w", ErrMalformedPayload)
	}

	acct, err := h.accounts.GetAccountByProviderID(ctx, accountID)
	if err != nil {
		return err
	}
	if acct == nil {
		h.logger.Warn("capability webhook for unknown provider account",
			"provider_account_id", accountID,
			"capability_id", obj.ID,
		)
		return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}

	previousStatus := ""
	if prev, ok := acct.Capabilities[obj.ID]; ok {
		previousStatus = prev.Status
	}

	err = h.accounts.MergeCapability(ctx, accountID, obj.ID, domain.Capability{
		Status:    obj.Status,
		Requested: obj.Requested,
	})
	if err != nil {
		return err
	}

	payload, err := json.Marshal(struct {
		ProviderAccountID string `json:"provider_account_id"`
		CapabilityID      string `json:"capability_id"`
		Status            string `json:"status"`
		PreviousStatus    string `json:"previous_status"`
	}{
		ProviderAccountID: accountID,
		CapabilityID:      obj.ID,
		Status:            obj.Status,
		PreviousStatus:    previousStatus,
	})
	if err != nil {
		return fmt.Errorf("encoding event payload: %w", err)
	}

	h.publish(ctx, domain.EventAccountCapabilityChanged, env, acct, payload)
	return nil
}

// providerExternalAccount carries the sub-id the external account map is keyed by.
type providerExternalAccount struct {
	ID      string `json:"id"`
	Account string `json:"account"`
}

// HandleExternalAccountUpserted merges one external account entry keyed by
// its own sub-id, preserving siblings.
func (h *AccountHandlers) HandleExternalAccountUpserted(ctx context.Context, env domain.WebhookEnvelope) error {
	acct, obj, err := h.resolveExternalAccount(ctx, env)
	if err != nil {
		return err
	}

	if err := h.accounts.MergeExternalAccount(ctx, acct.ProviderAccountID, obj.ID, env.Data.Object); err != nil {
		return err
	}

	h.publishExternalChange(ctx, env, acct, obj.ID, "upserted")
	return nil
}

// HandleExternalAccountDeleted removes one external account entry.
func (h *AccountHandlers) HandleExternalAccountDeleted(ctx context.Context, env domain.WebhookEnvelope) error {
	acct, obj, err := h.resolveExternalAccount(ctx, env)
	if err != nil {
		return err
	}

	if err := h.accounts.RemoveExternalAccount(ctx, acct.ProviderAccountID, obj.ID); err != nil {
		return err
	}

	h.publishExternalChange(ctx, env, acct, obj.ID, "deleted")
	return nil
}

func (h *AccountHandlers) resolveExternalAccount(ctx context.Context, env domain.WebhookEnvelope) (*domain.ConnectedAccount, providerExternalAccount, error) {
	var obj providerExternalAccount
	if err := json.Unmarshal(env.Data.Object, &obj); err != nil {
		return nil, obj, fmt.Errorf("decoding external account object: %w (%v)", ErrMalformedPayload, err)
	}
	accountID := obj.Account
	if accountID == "" {
		accountID = env.Account
	}
	if obj.ID == "" || accountID == "" {
		return nil, obj, fmt.Errorf("external account object missing id or account: %w", ErrMalformedPayload)
	}

	acct, err := h.accounts.GetAccountByProviderID(ctx, accountID)
	if err != nil {
		return nil, obj, err
	}
	if acct == nil {
		h.logger.Warn("external account webhook for unknown provider account",
			"provider_account_id", accountID,
			"external_account_id", obj.ID,
		)
		return nil, obj, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	return acct, obj, nil
}

func (h *AccountHandlers) publishExternalChange(ctx context.Context, env domain.WebhookEnvelope, acct *domain.ConnectedAccount, externalID, change string) {
	payload, err := json.Marshal(struct {
		ProviderAccountID string `json:"provider_account_id"`
		ExternalAccountID string `json:"external_account_id"`
		Change            string `json:"change"`
	}{
		ProviderAccountID: acct.ProviderAccountID,
		ExternalAccountID: externalID,
		Change:            change,
	})
	if err != nil {
		h.logger.Error("failed to encode event payload", "error", err)
		return
	}
	h.publish(ctx, domain.EventAccountExternalChanged, env, acct, payload)
}

// HandleDeauthorized clears the enabled flags when the organization revokes
// the provider connection.
func (h *AccountHandlers) HandleDeauthorized(ctx context.Context, env domain.WebhookEnvelope) error {
	accountID := env.Account
	if accountID == "" {
		var obj providerAccount
		if err := json.Unmarshal(env.Data.Object, &obj); err == nil {
			accountID = obj.ID
		}
	}
	if accountID == "" {
		return fmt.Errorf("deauthorization event missing account id: %w", ErrMalformedPayload)
	}

	acct, err := h.accounts.GetAccountByProviderID(ctx, accountID)
	if err != nil {
		return err
	}
	if acct == nil {
		return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}

	if err := h.accounts.DisableAccount(ctx, accountID); err != nil {
		return err
	}

	payload, err := json.Marshal(struct {
		ProviderAccountID string       `json:"provider_account_id"`
		Previous          accountFlags `json:"previous"`
	}{
		ProviderAccountID: accountID,
		Previous: accountFlags{
			ChargesEnabled:   acct.ChargesEnabled,
			PayoutsEnabled:   acct.PayoutsEnabled,
			DetailsSubmitted: acct.DetailsSubmitted,
		},
	})
	if err != nil {
		return fmt.Errorf("encoding event payload: %w", err)
	}

	h.publish(ctx, domain.EventAccountDisconnected, env, acct, payload)
	return nil
}

// publish sends a domain event describing an already-committed state change.
// Publication is best-effort: the primary write has committed, so a publish
// failure is logged by the bus and never bubbles back into the handler.
func (h *AccountHandlers) publish(ctx context.Context, eventType string, env domain.WebhookEnvelope, acct *domain.ConnectedAccount, payload json.RawMessage) {
	orgID := acct.OrganizationID
	h.bus.Publish(ctx, &domain.DomainEvent{
		EventType:      eventType,
		EventVersion:   1,
		ActorID:        env.ID,
		ActorType:      domain.ActorWebhook,
		OrganizationID: &orgID,
		Payload:        payload,
		Metadata: domain.EventMetadata{
			Source:        "webhook",
			CorrelationID: env.ID,
		},
	})
}
