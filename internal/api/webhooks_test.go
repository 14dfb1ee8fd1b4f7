package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/praxishq/eventpipe/internal/domain"
	"github.com/praxishq/eventpipe/internal/queue"
)

// fakeWebhookStore mimics the unique-constraint upsert in memory.
type fakeWebhookStore struct {
	mu      sync.Mutex
	records map[string]*domain.WebhookRecord
}

func newFakeWebhookStore() *fakeWebhookStore {
	return &fakeWebhookStore{records: make(map[string]*domain.WebhookRecord)}
}

func (f *fakeWebhookStore) GetWebhookRecord(_ context.Context, id string) (*domain.WebhookRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, nil
	}
	copied := *rec
	return &copied, nil
}

func (f *fakeWebhookStore) UpsertWebhookRecord(_ context.Context, id, eventType string, payload, headers []byte) (*domain.WebhookRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[id]; ok {
		copied := *rec
		return &copied, false, nil
	}
	rec := &domain.WebhookRecord{
		ID:              id,
		ProviderEventID: id,
		EventType:       eventType,
		Payload:         payload,
		ReceivedHeaders: headers,
		CreatedAt:       time.Now(),
	}
	f.records[id] = rec
	copied := *rec
	return &copied, true, nil
}

func (f *fakeWebhookStore) markProcessed(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	f.records[id].Processed = true
	f.records[id].ProcessedAt = &now
}

func (f *fakeWebhookStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

// fakeJobQueue deduplicates enqueues on the dedupe key.
type fakeJobQueue struct {
	mu   sync.Mutex
	jobs map[string]queue.Job
}

func newFakeJobQueue() *fakeJobQueue {
	return &fakeJobQueue{jobs: make(map[string]queue.Job)}
}

func (f *fakeJobQueue) Enqueue(_ context.Context, job queue.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[job.DedupeKey]; ok {
		return queue.ErrDuplicateJob
	}
	f.jobs[job.DedupeKey] = job
	return nil
}

func (f *fakeJobQueue) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func setupWebhookHandler(t *testing.T) (*WebhookHandler, *fakeWebhookStore, *fakeJobQueue) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	store := newFakeWebhookStore()
	jobs := newFakeJobQueue()
	return NewWebhookHandler(testSecret, 5, store, jobs, logger), store, jobs
}

func deliver(t *testing.T, h *WebhookHandler, body, header string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if header != "" {
		req.Header.Set(SignatureHeader, header)
	}
	rr := httptest.NewRecorder()
	h.Receive(rr, req)
	return rr
}

const validBody = `{"id":"evt_1","type":"account.updated","account":"acct_1","data":{"object":{"id":"acct_1"}}}`

func TestWebhookReceive_ValidDelivery(t *testing.T) {
	h, store, jobs := setupWebhookHandler(t)

	rr := deliver(t, h, validBody, signedHeader([]byte(validBody), testSecret, time.Now()))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp webhookResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.Received || resp.Duplicate {
		t.Errorf("expected received non-duplicate, got %+v", resp)
	}
	if store.count() != 1 {
		t.Errorf("expected 1 record, got %d", store.count())
	}
	if jobs.count() != 1 {
		t.Errorf("expected 1 job, got %d", jobs.count())
	}
}

func TestWebhookReceive_BadSignature_NothingPersisted(t *testing.T) {
	h, store, jobs := setupWebhookHandler(t)

	rr := deliver(t, h, validBody, signedHeader([]byte(validBody), "whsec_wrong", time.Now()))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if store.count() != 0 || jobs.count() != 0 {
		t.Error("rejected delivery must persist nothing and enqueue nothing")
	}
}

func TestWebhookReceive_MissingSignature(t *testing.T) {
	h, _, _ := setupWebhookHandler(t)

	rr := deliver(t, h, validBody, "")
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
}

func TestWebhookReceive_StaleSignature(t *testing.T) {
	h, _, jobs := setupWebhookHandler(t)

	rr := deliver(t, h, validBody, signedHeader([]byte(validBody), testSecret, time.Now().Add(-time.Hour)))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for stale signature, got %d", rr.Code)
	}
	if jobs.count() != 0 {
		t.Error("stale delivery must not be enqueued")
	}
}

func TestWebhookReceive_InvalidBody(t *testing.T) {
	h, _, _ := setupWebhookHandler(t)

	body := `{not json`
	rr := deliver(t, h, body, signedHeader([]byte(body), testSecret, time.Now()))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestWebhookReceive_MissingIDOrType(t *testing.T) {
	h, _, _ := setupWebhookHandler(t)

	body := `{"id":"","type":"account.updated"}`
	rr := deliver(t, h, body, signedHeader([]byte(body), testSecret, time.Now()))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing id, got %d", rr.Code)
	}
}

func TestWebhookReceive_ProcessedDuplicate_FastPath(t *testing.T) {
	h, store, jobs := setupWebhookHandler(t)

	rr := deliver(t, h, validBody, signedHeader([]byte(validBody), testSecret, time.Now()))
	if rr.Code != http.StatusOK {
		t.Fatalf("first delivery failed: %d", rr.Code)
	}
	store.markProcessed("evt_1")

	rr = deliver(t, h, validBody, signedHeader([]byte(validBody), testSecret, time.Now()))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for processed duplicate, got %d", rr.Code)
	}
	var resp webhookResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.Duplicate {
		t.Error("expected duplicate flag set")
	}
	if jobs.count() != 1 {
		t.Errorf("duplicate must not enqueue a second job, got %d", jobs.count())
	}
}

func TestWebhookReceive_RedeliveryWhileQueued_NoSecondJob(t *testing.T) {
	h, store, jobs := setupWebhookHandler(t)

	// The provider redelivers before the first job has run. Both deliveries
	// succeed, but only one job exists.
	for i := 0; i < 2; i++ {
		rr := deliver(t, h, validBody, signedHeader([]byte(validBody), testSecret, time.Now()))
		if rr.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d", i+1, rr.Code)
		}
	}

	if store.count() != 1 {
		t.Errorf("expected 1 record, got %d", store.count())
	}
	if jobs.count() != 1 {
		t.Errorf("expected 1 job, got %d", jobs.count())
	}
}

func TestWebhookReceive_DistinctEvents_BothQueued(t *testing.T) {
	h, _, jobs := setupWebhookHandler(t)

	other := `{"id":"evt_2","type":"payout.paid","account":"acct_1","data":{"object":{"id":"po_1"}}}`
	for _, body := range []string{validBody, other} {
		rr := deliver(t, h, body, signedHeader([]byte(body), testSecret, time.Now()))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
	}
	if jobs.count() != 2 {
		t.Errorf("expected 2 jobs, got %d", jobs.count())
	}
}
