package appclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jon-fox/raspberry-mcp/internal/api"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewWithClient(srv.URL, srv.Client())
}

func TestListenerStatusDecodes(t *testing.T) {
	started := time.Now().UTC().Format(time.RFC3339Nano)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/listener/status" || r.Method != http.MethodGet {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(api.ListenerStatusResponse{
			SchemaVersion: "v1",
			State:         "listening",
			SessionID:     "abc",
			EventCount:    3,
			StartedAt:     &started,
		})
	}))

	status, err := c.ListenerStatus(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != "listening" || status.EventCount != 3 || status.StartedAt == nil {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestEventsSinceQuery(t *testing.T) {
	var gotSince string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSince = r.URL.Query().Get("since")
		_ = json.NewEncoder(w).Encode(api.EventsEnvelope{SchemaVersion: "v1"})
	}))

	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if _, err := c.Events(context.Background(), &since); err != nil {
		t.Fatalf("events: %v", err)
	}
	if gotSince != "2026-03-01T12:00:00Z" {
		t.Fatalf("since query not forwarded: %q", gotSince)
	}
}

func TestErrorEnvelopeBecomesRequestError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{
			SchemaVersion: "v1",
			Error:         api.APIError{Code: "E_UNKNOWN_DEVICE", Message: "unknown device: ghost"},
		})
	}))

	_, err := c.ListOperations(context.Background(), "ghost")
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if reqErr.StatusCode != http.StatusNotFound || reqErr.Code != "E_UNKNOWN_DEVICE" {
		t.Fatalf("unexpected error: %+v", reqErr)
	}
}

func TestNonJSONErrorBody(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	_, err := c.Health(context.Background())
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if reqErr.Code != "HTTP_500" || reqErr.Message != "boom" {
		t.Fatalf("unexpected error: %+v", reqErr)
	}
}

func TestDeviceIDIsPathEscaped(t *testing.T) {
	var gotPath string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		_ = json.NewEncoder(w).Encode(api.SendResponse{ResultCode: "ok"})
	}))

	if _, err := c.Send(context.Background(), "living room/tv", api.SendRequest{Operation: "power_on"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotPath != "/v1/devices/living%20room%2Ftv/send" {
		t.Fatalf("device id not escaped: %q", gotPath)
	}
}
