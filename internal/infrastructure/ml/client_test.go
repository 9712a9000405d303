package ml

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"CatalogPipeline/internal/domain"
	"CatalogPipeline/internal/enrichment"
)

func TestClientInvokesCapabilityEndpoints(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /categorize", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token")
		}
		var req productRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Title != "Dune" || req.Fingerprint != "fp1" {
			t.Errorf("unexpected request %#v", req)
		}
		_ = json.NewEncoder(w).Encode(domain.Payload{Category: "Books", Confidence: 0.8})
	})
	mux.HandleFunc("POST /anomaly", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(domain.Payload{RiskScore: 9, Model: "iforest"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL+"/", "secret", "svc-v1", time.Second)
	caps := client.Capabilities()
	if len(caps) != 3 {
		t.Fatalf("expected 3 capabilities, got %d", len(caps))
	}

	product := domain.CanonicalProduct{Fingerprint: "fp1", Title: "Dune", Price: 9.5, Currency: "USD"}
	got, err := caps[0].Invoke(context.Background(), product)
	if err != nil {
		t.Fatalf("categorize: %v", err)
	}
	if got.Category != "Books" || got.Model != "svc-v1" {
		t.Fatalf("unexpected payload %#v", got)
	}

	got, err = client.Invoke(context.Background(), domain.Anomaly, product)
	if err != nil {
		t.Fatalf("anomaly: %v", err)
	}
	if got.RiskScore != 9 || got.Model != "iforest" {
		t.Fatalf("service model should be kept, got %#v", got)
	}
}

func TestClientClassifiesFailures(t *testing.T) {
	t.Parallel()

	status := map[string]int{
		"/categorize": http.StatusServiceUnavailable,
		"/describe":   http.StatusBadRequest,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if code, ok := status[r.URL.Path]; ok {
			http.Error(w, "failure", code)
			return
		}
		_, _ = w.Write([]byte("not json"))
	}))
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, "", "svc", time.Second)
	product := domain.CanonicalProduct{Fingerprint: "fp", Title: "Widget"}

	cases := []struct {
		kind          domain.CapabilityKind
		wantTransient bool
	}{
		{kind: domain.Categorize, wantTransient: true},
		{kind: domain.Describe, wantTransient: false},
		{kind: domain.Anomaly, wantTransient: false},
	}
	for _, tc := range cases {
		_, err := client.Invoke(context.Background(), tc.kind, product)
		if err == nil {
			t.Fatalf("%s: expected error", tc.kind)
		}
		if got := enrichment.IsTransient(err); got != tc.wantTransient {
			t.Fatalf("%s: transient=%v, want %v (%v)", tc.kind, got, tc.wantTransient, err)
		}
	}

	srv.Close()
	_, err := client.Invoke(context.Background(), domain.Categorize, product)
	if !enrichment.IsTransient(err) {
		t.Fatalf("connection failures should be transient, got %v", err)
	}
}
