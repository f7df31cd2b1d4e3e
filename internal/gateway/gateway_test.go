package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stxstream/ingest/internal/core/domain"
	"github.com/stxstream/ingest/internal/infra/chainstate"
	"github.com/stxstream/ingest/internal/infra/storage/memory"
	"github.com/stxstream/ingest/internal/ingest"
)

const testSecret = "shh-chainhook"

// =============================================================================
// Mocks
// =============================================================================

type stubReducer struct {
	failOn string
}

func (s *stubReducer) Apply(ctx context.Context, evt domain.Event) (*domain.AppliedEvent, error) {
	_, id := evt.Payload.EntityRef()
	if id == s.failOn {
		return nil, errors.New("boom")
	}
	return domain.JournalFor(evt), nil
}

func (s *stubReducer) Revert(ctx context.Context, row *domain.AppliedEvent) error { return nil }

type stubChain struct{}

func (stubChain) TreasuryConfig(ctx context.Context, contractID string) chainstate.TreasuryConfig {
	return chainstate.TreasuryConfig{}
}
func (stubChain) BlockHeight(ctx context.Context) uint64 { return 0 }
func (stubChain) ObserveHeight(height uint64)            {}
func (stubChain) Invalidate(contractID string)           {}

// =============================================================================
// Helpers
// =============================================================================

func newTestServer(t *testing.T, failOn string) *Server {
	t.Helper()
	reducer := &stubReducer{failOn: failOn}
	reducers := map[domain.Family]ingest.Reducer{
		domain.FamilyTreasury:    reducer,
		domain.FamilyMarketplace: reducer,
	}
	processor := ingest.NewProcessor(reducers, memory.NewStore(), nil, stubChain{})
	srv := NewServer(Config{
		Port:            0,
		WebhookSecret:   testSecret,
		MaxRequests:     100,
		WindowSeconds:   60,
		DeliveryTimeout: 5 * time.Second,
	}, processor, nil)
	t.Cleanup(func() { srv.limiter.Stop() })
	return srv
}

func feePayload(paymentIDs ...string) []byte {
	events := make([]map[string]any, 0, len(paymentIDs))
	for _, id := range paymentIDs {
		events = append(events, map[string]any{
			"contract_identifier": "SP1.treasury",
			"data": map[string]any{
				"event":     "fee-collected",
				"paymentId": id,
				"payer":     "SP2.payer",
				"amount":    25,
			},
		})
	}
	payload := map[string]any{
		"chainhookId": "hook-1",
		"apply": []map[string]any{{
			"index":     100,
			"hash":      "b100",
			"timestamp": 1700000000,
			"transactions": []map[string]any{{
				"txHash":  "t1",
				"success": true,
				"events":  events,
			}},
		}},
	}
	b, _ := json.Marshal(payload)
	return b
}

func post(srv *Server, path, token string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

// =============================================================================
// Tests
// =============================================================================

func TestDeliveryRequiresBearerSecret(t *testing.T) {
	srv := newTestServer(t, "")

	if rec := post(srv, "/webhooks/treasury", "", feePayload("pay-1")); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", rec.Code)
	}
	if rec := post(srv, "/webhooks/treasury", "wrong-secret", feePayload("pay-1")); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: expected 401, got %d", rec.Code)
	}
}

func TestDeliverySucceeds(t *testing.T) {
	srv := newTestServer(t, "")

	rec := post(srv, "/webhooks/treasury", testSecret, feePayload("pay-1", "pay-2"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp deliveryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.Processed != 2 || resp.EventType != "treasury" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestPartialFailureStillReturns200(t *testing.T) {
	srv := newTestServer(t, "pay-2")

	rec := post(srv, "/webhooks/treasury", testSecret, feePayload("pay-1", "pay-2", "pay-3"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp deliveryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Success || resp.Processed != 2 || len(resp.Errors) != 1 {
		t.Fatalf("expected partial result, got %+v", resp)
	}
}

func TestMalformedPayloadRejected(t *testing.T) {
	srv := newTestServer(t, "")

	if rec := post(srv, "/webhooks/marketplace", testSecret, []byte("{not json")); rec.Code != http.StatusBadRequest {
		t.Fatalf("broken JSON: expected 400, got %d", rec.Code)
	}
	empty, _ := json.Marshal(map[string]any{"chainhookId": "hook-1"})
	if rec := post(srv, "/webhooks/marketplace", testSecret, empty); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty delivery: expected 400, got %d", rec.Code)
	}
}

func TestBlockShapeValidated(t *testing.T) {
	srv := newTestServer(t, "")

	cases := map[string]map[string]any{
		"apply block with only a timestamp": {
			"chainhookId": "hook-1",
			"apply":       []map[string]any{{"timestamp": 1700000000}},
		},
		"apply block without transactions": {
			"chainhookId": "hook-1",
			"apply":       []map[string]any{{"index": 100, "hash": "b100", "timestamp": 1700000000}},
		},
		"rollback block without hash": {
			"chainhookId": "hook-1",
			"rollback":    []map[string]any{{"index": 100}},
		},
	}
	for name, payload := range cases {
		body, _ := json.Marshal(payload)
		if rec := post(srv, "/webhooks/treasury", testSecret, body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d: %s", name, rec.Code, rec.Body.String())
		}
	}

	// An empty (but present) transactions array is a valid empty block.
	body, _ := json.Marshal(map[string]any{
		"chainhookId": "hook-1",
		"apply": []map[string]any{{
			"index": 100, "hash": "b100", "timestamp": 1700000000,
			"transactions": []map[string]any{},
		}},
	})
	if rec := post(srv, "/webhooks/treasury", testSecret, body); rec.Code != http.StatusOK {
		t.Fatalf("empty block: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRateLimitShedsExcessDeliveries(t *testing.T) {
	reducers := map[domain.Family]ingest.Reducer{domain.FamilyTreasury: &stubReducer{}}
	processor := ingest.NewProcessor(reducers, memory.NewStore(), nil, stubChain{})
	srv := NewServer(Config{
		WebhookSecret: testSecret,
		MaxRequests:   2,
		WindowSeconds: 60,
	}, processor, nil)
	defer srv.limiter.Stop()

	var last int
	for i := 0; i < 3; i++ {
		rec := post(srv, "/webhooks/treasury", testSecret, feePayload(fmt.Sprintf("pay-%d", i)))
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected third request limited, got %d", last)
	}

	// Unauthorized requests never consume rate budget: auth runs first.
	if rec := post(srv, "/webhooks/treasury", "wrong", feePayload("pay-x")); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 while limited, got %d", rec.Code)
	}
}

func TestGetReturnsEndpointDescriptor(t *testing.T) {
	srv := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/webhooks/nft", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp descriptorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Family != "nft" || resp.Status != "active" || len(resp.AcceptedEvents) != 4 {
		t.Fatalf("unexpected descriptor: %+v", resp)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthy, got %d", rec.Code)
	}

	down := NewServer(Config{WebhookSecret: testSecret}, nil, func(ctx context.Context) error {
		return errors.New("db unreachable")
	})
	defer down.limiter.Stop()
	rec = httptest.NewRecorder()
	down.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
