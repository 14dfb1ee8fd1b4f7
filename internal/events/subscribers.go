package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/praxishq/eventpipe/internal/domain"
)

// Analytics counts published events per type. Read by the ops metrics
// endpoint; purely diagnostic.
type Analytics struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewAnalytics() *Analytics {
	return &Analytics{counts: make(map[string]int64)}
}

func (a *Analytics) Handle(ctx context.Context, ev domain.DomainEvent) error {
	a.mu.Lock()
	a.counts[ev.EventType]++
	a.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the per-type event counts.
func (a *Analytics) Snapshot() map[string]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int64, len(a.counts))
	for k, v := range a.counts {
		out[k] = v
	}
	return out
}

// MailSender abstracts the outbound email provider.
type MailSender interface {
	Send(ctx context.Context, organizationID, template string, data map[string]string) error
}

// EmailNotifier turns operator-relevant domain events into email sends.
type EmailNotifier struct {
	sender MailSender
	logger *slog.Logger
}

func NewEmailNotifier(sender MailSender, logger *slog.Logger) *EmailNotifier {
	return &EmailNotifier{sender: sender, logger: logger}
}

func (n *EmailNotifier) HandleDisconnected(ctx context.Context, ev domain.DomainEvent) error {
	return n.notify(ctx, ev, "payments_disconnected")
}

func (n *EmailNotifier) HandlePayoutFailed(ctx context.Context, ev domain.DomainEvent) error {
	return n.notify(ctx, ev, "payout_failed")
}

func (n *EmailNotifier) notify(ctx context.Context, ev domain.DomainEvent, template string) error {
	if ev.OrganizationID == nil {
		return nil
	}
	err := n.sender.Send(ctx, *ev.OrganizationID, template, map[string]string{
		"event_id":   ev.ID,
		"event_type": ev.EventType,
	})
	if err != nil {
		return fmt.Errorf("sending %s email: %w", template, err)
	}
	return nil
}

// ProvisioningStore is the slice of persistence the provisioning subscriber
// needs to flip downstream feature access for an organization.
type ProvisioningStore interface {
	SetOrganizationBillable(ctx context.Context, organizationID string, billable bool) error
}

// Provisioner enables or disables downstream billing features when an
// account's charges_enabled state changes.
type Provisioner struct {
	store  ProvisioningStore
	logger *slog.Logger
}

func NewProvisioner(store ProvisioningStore, logger *slog.Logger) *Provisioner {
	return &Provisioner{store: store, logger: logger}
}

func (p *Provisioner) HandleAccountUpdated(ctx context.Context, ev domain.DomainEvent) error {
	if ev.OrganizationID == nil {
		return nil
	}

	var payload struct {
		ChargesEnabled bool `json:"charges_enabled"`
		Previous       struct {
			ChargesEnabled bool `json:"charges_enabled"`
		} `json:"previous"`
	}
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return fmt.Errorf("decoding account update payload: %w", err)
	}

	if payload.ChargesEnabled == payload.Previous.ChargesEnabled {
		return nil
	}

	p.logger.Info("provisioning change",
		"organization_id", *ev.OrganizationID,
		"billable", payload.ChargesEnabled,
	)
	return p.store.SetOrganizationBillable(ctx, *ev.OrganizationID, payload.ChargesEnabled)
}

func (p *Provisioner) HandleDisconnected(ctx context.Context, ev domain.DomainEvent) error {
	if ev.OrganizationID == nil {
		return nil
	}
	return p.store.SetOrganizationBillable(ctx, *ev.OrganizationID, false)
}

// RegisterBuiltins wires the default subscriber set. Each subscriber runs in
// its own error boundary, so one failing never affects the rest.
func RegisterBuiltins(bus *Bus, analytics *Analytics, notifier *EmailNotifier, provisioner *Provisioner) error {
	for eventType := range domain.KnownDomainEventTypes {
		if err := bus.Subscribe(eventType, "analytics", analytics.Handle); err != nil {
			return err
		}
	}
	if err := bus.Subscribe(domain.EventAccountDisconnected, "email_notifier", notifier.HandleDisconnected); err != nil {
		return err
	}
	if err := bus.Subscribe(domain.EventPayoutFailed, "email_notifier", notifier.HandlePayoutFailed); err != nil {
		return err
	}
	if err := bus.Subscribe(domain.EventAccountUpdated, "provisioner", provisioner.HandleAccountUpdated); err != nil {
		return err
	}
	if err := bus.Subscribe(domain.EventAccountDisconnected, "provisioner", provisioner.HandleDisconnected); err != nil {
		return err
	}
	return nil
}
