package rest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func TestGetAnyEncodesQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		if r.URL.Path != "/fapi/v1/fundingRate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
			t.Errorf("expected symbol BTCUSDT, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"symbol":"BTCUSDT","fundingRate":"0.00010000","fundingTime":1700000000000}]`))
	}))
	defer srv.Close()

	client := New(srv.URL, time.Second, 0, nil)
	data, err := client.GetAny(context.Background(), "/fapi/v1/fundingRate", url.Values{"symbol": {"BTCUSDT"}})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	items, ok := data.([]any)
	if !ok || len(items) != 1 {
		t.Fatalf("expected one item, got %#v", data)
	}
}

func TestGetAnyStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("maintenance"))
	}))
	defer srv.Close()

	client := New(srv.URL, time.Second, 0, nil)
	_, err := client.GetAny(context.Background(), "/x", nil)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.Code != http.StatusServiceUnavailable || statusErr.Body != "maintenance" {
		t.Fatalf("unexpected status error: %+v", statusErr)
	}
	if !statusErr.Temporary() {
		t.Fatalf("expected 503 to be temporary")
	}
	if (&StatusError{Code: http.StatusBadRequest}).Temporary() {
		t.Fatalf("expected 400 to be permanent")
	}
}

func TestGetAnyRespectsLimiterCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := New(srv.URL, time.Second, 1, nil)
	if _, err := client.GetAny(context.Background(), "/x", nil); err != nil {
		t.Fatalf("first request: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := client.GetAny(ctx, "/x", nil); err == nil {
		t.Fatalf("expected limiter to block past the deadline")
	}
}
