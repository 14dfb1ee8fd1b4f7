package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/praxishq/eventpipe/internal/domain"
)

// PayoutHandlers reflects payout outcomes onto the connected account and
// announces them for billing subscribers.
type PayoutHandlers struct {
	accounts AccountStore
	bus      Publisher
	logger   *slog.Logger
}

func NewPayoutHandlers(accounts AccountStore, bus Publisher, logger *slog.Logger) *PayoutHandlers {
	return &PayoutHandlers{accounts: accounts, bus: bus, logger: logger}
}

func (h *PayoutHandlers) Register(r *Registry) {
	r.Register(domain.WebhookPayoutPaid, h.HandlePayoutPaid)
	r.Register(domain.WebhookPayoutFailed, h.HandlePayoutFailed)
}

// providerPayout is the provider's payout object shape.
type providerPayout struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	ArrivalDate int64  `json:"arrival_date"`
	FailureCode string `json:"failure_code,omitempty"`
}

func (h *PayoutHandlers) HandlePayoutPaid(ctx context.Context, env domain.WebhookEnvelope) error {
	return h.handlePayout(ctx, env, "paid", domain.EventPayoutSettled)
}

func (h *PayoutHandlers) HandlePayoutFailed(ctx context.Context, env domain.WebhookEnvelope) error {
	return h.handlePayout(ctx, env, "failed", domain.EventPayoutFailed)
}

// handlePayout records the payout outcome on the account ("set status to X",
// never an increment) and publishes the corresponding domain event with the
// previous status for subscriber context.
func (h *PayoutHandlers) handlePayout(ctx context.Context, env domain.WebhookEnvelope, status, eventType string) error {
	var obj providerPayout
	if err := json.Unmarshal(env.Data.Object, &obj); err != nil {
		return fmt.Errorf("decoding payout object: %w (%v)", ErrMalformedPayload, err)
	}
	if obj.ID == "" || env.Account == "" {
		return fmt.Errorf("payout event missing id or account: %w", ErrMalformedPayload)
	}

	acct, err := h.accounts.GetAccountByProviderID(ctx, env.Account)
	if err != nil {
		return err
	}
	if acct == nil {
		h.logger.Warn("payout webhook for unknown provider account",
			"provider_account_id", env.Account,
			"payout_id", obj.ID,
		)
		return fmt.Errorf("account %s: %w", env.Account, ErrNotFound)
	}

	occurredAt := time.Unix(env.Created, 0).UTC()
	if env.Created == 0 {
		occurredAt = time.Now().UTC()
	}

	if err := h.accounts.UpdatePayoutStatus(ctx, env.Account, status, occurredAt); err != nil {
		return err
	}

	previousStatus := ""
	if acct.LastPayoutStatus != nil {
		previousStatus = *acct.LastPayoutStatus
	}

	payload, err := json.Marshal(struct {
		ProviderAccountID string `json:"provider_account_id"`
		PayoutID          string `json:"payout_id"`
		Status            string `json:"status"`
		PreviousStatus    string `json:"previous_status"`
		Amount            int64  `json:"amount"`
		Currency          string `json:"currency"`
		FailureCode       string `json:"failure_code,omitempty"`
	}{
		ProviderAccountID: env.Account,
		PayoutID:          obj.ID,
		Status:            status,
		PreviousStatus:    previousStatus,
		Amount:            obj.Amount,
		Currency:          obj.Currency,
		FailureCode:       obj.FailureCode,
	})
	if err != nil {
		return fmt.Errorf("encoding event payload: %w", err)
	}

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

	return nil
}
