package insurer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/policyflow/internal/domain"
)

func testRequest() domain.ContractRequest {
	policy := domain.Policy{
		ID:           "p-1",
		StartDate:    time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		EndDate:      time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC),
		CoverageTier: domain.CoverageTierPremium,
		Currency:     "EUR",
		Destination:  domain.Destination{CountryCode: "ES", Region: "europe"},
		Travelers: []domain.Traveler{{
			FirstName:      "Olga",
			LastName:       "Ivanova",
			BirthDate:      time.Date(1985, 1, 2, 0, 0, 0, 0, time.UTC),
			PassportNumber: "720000002",
		}},
	}
	return domain.ContractRequest{
		Policy:         policy,
		Travelers:      policy.Travelers,
		TariffID:       policy.CoverageTier.TariffID(),
		IdempotencyKey: "key-1",
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{BaseURL: server.URL + "/", APIKey: "secret", Timeout: time.Second}, nil, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestClient_CreateContract(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/contracts" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected auth header %q", got)
		}
		if got := r.Header.Get("Idempotency-Key"); got != "key-1" {
			t.Errorf("unexpected idempotency key %q", got)
		}

		var body createContractRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.TariffID != "travel-premium" || body.StartDate != "2026-08-01" || len(body.Travelers) != 1 {
			t.Errorf("unexpected body: %+v", body)
		}
		if body.Travelers[0].BirthDate != "1985-01-02" {
			t.Errorf("unexpected birth date %q", body.Travelers[0].BirthDate)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"order_id":"ord-9","policy_number":"TRV-9","total_amount":45.10}`)
	})

	result, err := client.CreateContract(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("create contract: %v", err)
	}
	if result.OrderID != "ord-9" || result.PolicyNumber != "TRV-9" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.TotalAmount != "45.10" {
		t.Fatalf("total amount must be kept verbatim, got %q", result.TotalAmount)
	}
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		temporary bool
	}{
		{name: "validation", status: http.StatusUnprocessableEntity, body: "passport invalid", temporary: false},
		{name: "unavailable", status: http.StatusServiceUnavailable, body: "", temporary: true},
		{name: "rate limited", status: http.StatusTooManyRequests, body: "slow down", temporary: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			err := client.ConfirmContract(context.Background(), "ord-1")
			var providerErr *domain.ProviderError
			if !errors.As(err, &providerErr) {
				t.Fatalf("expected ProviderError, got %v", err)
			}
			if providerErr.Op != opConfirmContract || providerErr.StatusCode != tt.status {
				t.Fatalf("unexpected provider error: %+v", providerErr)
			}
			if providerErr.Temporary() != tt.temporary {
				t.Fatalf("temporary=%v, want %v", providerErr.Temporary(), tt.temporary)
			}
		})
	}
}

func TestClient_GetPrintForm(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/contracts/ord%2F1/print-form" && r.URL.RawPath != "/v1/contracts/ord%2F1/print-form" {
			t.Errorf("unexpected path %q (raw %q)", r.URL.Path, r.URL.RawPath)
		}
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = io.WriteString(w, "%PDF-1.7")
	})

	doc, err := client.GetPrintForm(context.Background(), "ord/1")
	if err != nil {
		t.Fatalf("get print form: %v", err)
	}
	if string(doc) != "%PDF-1.7" {
		t.Fatalf("unexpected document %q", doc)
	}
}

func TestClient_GetPrintFormSizeLimit(t *testing.T) {
	tests := []struct {
		name    string
		limit   int64
		size    int
		wantErr bool
	}{
		{name: "below limit", limit: 16, size: 15},
		{name: "exactly limit", limit: 16, size: 16},
		{name: "one byte over", limit: 16, size: 17, wantErr: true},
		{name: "default limit exceeded", size: maxDocument + 1024, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/pdf")
				_, _ = w.Write(bytes.Repeat([]byte{'x'}, tt.size))
			}))
			t.Cleanup(server.Close)

			client, err := NewClient(ClientConfig{BaseURL: server.URL, Timeout: 10 * time.Second, MaxDocumentBytes: tt.limit}, nil, nil)
			if err != nil {
				t.Fatalf("new client: %v", err)
			}

			doc, err := client.GetPrintForm(context.Background(), "ord-1")
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("get print form: %v", err)
				}
				if len(doc) != tt.size {
					t.Fatalf("expected %d bytes, got %d", tt.size, len(doc))
				}
				return
			}

			var providerErr *domain.ProviderError
			if !errors.As(err, &providerErr) || providerErr.Op != opGetPrintForm {
				t.Fatalf("expected provider error for oversized document, got %v", err)
			}
			if !errors.Is(err, ErrResponseTooLarge) {
				t.Fatalf("expected ErrResponseTooLarge, got %v", err)
			}
			if doc != nil {
				t.Fatalf("oversized document must not be returned, got %d bytes", len(doc))
			}
		})
	}
}

func TestClient_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	client, err := NewClient(ClientConfig{BaseURL: url}, nil, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.GetPrintForm(context.Background(), "ord-1")

	var providerErr *domain.ProviderError
	if !errors.As(err, &providerErr) || providerErr.StatusCode != 0 || !providerErr.Temporary() {
		t.Fatalf("expected temporary provider error without status, got %v", err)
	}
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	if _, err := NewClient(ClientConfig{}, nil, nil); err == nil {
		t.Fatal("expected error for empty base url")
	}
}

func TestDecimalString(t *testing.T) {
	tests := map[string]string{
		`"12.30"`: "12.30",
		`12.30`:   "12.30",
		`null`:    "",
		``:        "",
	}
	for raw, want := range tests {
		if got := decimalString(json.RawMessage(raw)); got != want {
			t.Fatalf("decimalString(%q)=%q, want %q", raw, got, want)
		}
	}
}
