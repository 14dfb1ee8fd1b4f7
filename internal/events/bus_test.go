package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/praxishq/eventpipe/internal/domain"
)

// fakeAuditLog captures persisted events; fail makes inserts error.
type fakeAuditLog struct {
	mu     sync.Mutex
	events []*domain.DomainEvent
	fail   bool
}

func (f *fakeAuditLog) InsertDomainEvent(_ context.Context, ev *domain.DomainEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("insert failed")
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeAuditLog) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testEvent(eventType string) *domain.DomainEvent {
	return &domain.DomainEvent{
		EventType:    eventType,
		EventVersion: 1,
		ActorID:      "evt_1",
		ActorType:    domain.ActorWebhook,
		Payload:      json.RawMessage(`{}`),
	}
}

func TestBus_Publish_InvokesAllSubscribers(t *testing.T) {
	audit := &fakeAuditLog{}
	bus := NewBus(audit, testLogger())

	var mu sync.Mutex
	var order []string
	record := func(name string) SubscriberFunc {
		return func(context.Context, domain.DomainEvent) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	if err := bus.Subscribe(domain.EventPayoutFailed, "first", record("first")); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Subscribe(domain.EventPayoutFailed, "second", record("second")); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bus.Freeze()

	errs := bus.Publish(context.Background(), testEvent(domain.EventPayoutFailed)).Wait()
	if len(errs) != 0 {
		t.Fatalf("expected no subscriber errors, got %v", errs)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 {
		t.Errorf("expected both subscribers invoked, got %v", order)
	}
	if audit.count() != 1 {
		t.Errorf("expected 1 audited event, got %d", audit.count())
	}
}

func TestBus_Publish_FillsIdentityFields(t *testing.T) {
	audit := &fakeAuditLog{}
	bus := NewBus(audit, testLogger())
	bus.Freeze()

	ev := testEvent(domain.EventAccountUpdated)
	bus.Publish(context.Background(), ev).Wait()

	if ev.ID == "" {
		t.Error("expected generated event id")
	}
	if ev.Metadata.Timestamp.IsZero() {
		t.Error("expected timestamp set")
	}
	if ev.Metadata.CorrelationID == "" {
		t.Error("expected correlation id set")
	}
}

func TestBus_Subscribe_UnknownType_Rejected(t *testing.T) {
	bus := NewBus(&fakeAuditLog{}, testLogger())

	err := bus.Subscribe("invoice.created", "nobody", func(context.Context, domain.DomainEvent) error { return nil })
	if err == nil {
		t.Error("expected error for unknown event type")
	}
}

func TestBus_Subscribe_AfterFreeze_Rejected(t *testing.T) {
	bus := NewBus(&fakeAuditLog{}, testLogger())
	bus.Freeze()

	err := bus.Subscribe(domain.EventPayoutFailed, "late", func(context.Context, domain.DomainEvent) error { return nil })
	if err == nil {
		t.Error("expected error when subscribing after freeze")
	}
}

func TestBus_Publish_PanickingSubscriberIsolated(t *testing.T) {
	audit := &fakeAuditLog{}
	bus := NewBus(audit, testLogger())

	var mu sync.Mutex
	survived := false
	if err := bus.Subscribe(domain.EventPayoutFailed, "panicker", func(context.Context, domain.DomainEvent) error {
		panic("subscriber exploded")
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Subscribe(domain.EventPayoutFailed, "survivor", func(context.Context, domain.DomainEvent) error {
		mu.Lock()
		survived = true
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bus.Freeze()

	errs := bus.Publish(context.Background(), testEvent(domain.EventPayoutFailed)).Wait()

	mu.Lock()
	defer mu.Unlock()
	if !survived {
		t.Error("second subscriber must run despite the first panicking")
	}
	if len(errs) != 1 || errs[0].Subscriber != "panicker" {
		t.Errorf("expected one error from panicker, got %v", errs)
	}
}

func TestBus_Publish_FailingSubscriberReported(t *testing.T) {
	bus := NewBus(&fakeAuditLog{}, testLogger())

	if err := bus.Subscribe(domain.EventPayoutSettled, "flaky", func(context.Context, domain.DomainEvent) error {
		return errors.New("mail provider down")
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bus.Freeze()

	errs := bus.Publish(context.Background(), testEvent(domain.EventPayoutSettled)).Wait()
	if len(errs) != 1 || errs[0].Subscriber != "flaky" {
		t.Fatalf("expected flaky reported, got %v", errs)
	}
	if !errors.Is(errs[0], errs[0].Err) {
		t.Error("SubscriberError should unwrap to the cause")
	}
}

func TestBus_Publish_AuditFailureDoesNotSuppressFanout(t *testing.T) {
	audit := &fakeAuditLog{fail: true}
	bus := NewBus(audit, testLogger())

	invoked := false
	var mu sync.Mutex
	if err := bus.Subscribe(domain.EventAccountDisconnected, "observer", func(context.Context, domain.DomainEvent) error {
		mu.Lock()
		invoked = true
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bus.Freeze()

	bus.Publish(context.Background(), testEvent(domain.EventAccountDisconnected)).Wait()

	mu.Lock()
	defer mu.Unlock()
	if !invoked {
		t.Error("subscribers must run even when the audit insert fails")
	}
}

func TestBus_Publish_NoSubscribersForType(t *testing.T) {
	audit := &fakeAuditLog{}
	bus := NewBus(audit, testLogger())
	bus.Freeze()

	errs := bus.Publish(context.Background(), testEvent(domain.EventAccountExternalChanged)).Wait()
	if len(errs) != 0 {
		t.Errorf("expected no errors with no subscribers, got %v", errs)
	}
	if audit.count() != 1 {
		t.Errorf("event must still be audited, got %d", audit.count())
	}
}

func TestProvisioner_FlipsBillableOnChange(t *testing.T) {
	store := &fakeProvisioningStore{}
	p := NewProvisioner(store, testLogger())
	orgID := "org_1"

	ev := domain.DomainEvent{
		EventType:      domain.EventAccountUpdated,
		OrganizationID: &orgID,
		Payload:        json.RawMessage(`{"charges_enabled":true,"previous":{"charges_enabled":false}}`),
	}
	if err := p.HandleAccountUpdated(context.Background(), ev); err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if got, ok := store.get("org_1"); !ok || !got {
		t.Errorf("expected org_1 billable, got %v ok=%v", got, ok)
	}

	// No flag change means no provisioning write.
	store2 := &fakeProvisioningStore{}
	p2 := NewProvisioner(store2, testLogger())
	ev.Payload = json.RawMessage(`{"charges_enabled":true,"previous":{"charges_enabled":true}}`)
	if err := p2.HandleAccountUpdated(context.Background(), ev); err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if _, ok := store2.get("org_1"); ok {
		t.Error("unchanged flags must not touch provisioning")
	}
}

func TestProvisioner_DisconnectDisablesBilling(t *testing.T) {
	store := &fakeProvisioningStore{}
	p := NewProvisioner(store, testLogger())
	orgID := "org_1"

	ev := domain.DomainEvent{
		EventType:      domain.EventAccountDisconnected,
		OrganizationID: &orgID,
		Payload:        json.RawMessage(`{}`),
	}
	if err := p.HandleDisconnected(context.Background(), ev); err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if got, ok := store.get("org_1"); !ok || got {
		t.Errorf("expected org_1 not billable, got %v ok=%v", got, ok)
	}
}

type fakeProvisioningStore struct {
	mu       sync.Mutex
	billable map[string]bool
}

func (f *fakeProvisioningStore) SetOrganizationBillable(_ context.Context, orgID string, billable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.billable == nil {
		f.billable = make(map[string]bool)
	}
	f.billable[orgID] = billable
	return nil
}

func (f *fakeProvisioningStore) get(orgID string) (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.billable[orgID]
	return v, ok
}

func TestAnalytics_CountsPerType(t *testing.T) {
	a := NewAnalytics()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		a.Handle(ctx, domain.DomainEvent{EventType: domain.EventPayoutSettled})
	}
	a.Handle(ctx, domain.DomainEvent{EventType: domain.EventAccountUpdated})

	snap := a.Snapshot()
	if snap[domain.EventPayoutSettled] != 3 {
		t.Errorf("expected 3 payout events, got %d", snap[domain.EventPayoutSettled])
	}
	if snap[domain.EventAccountUpdated] != 1 {
		t.Errorf("expected 1 account event, got %d", snap[domain.EventAccountUpdated])
	}
}
