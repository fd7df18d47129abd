package observability

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthz_AlwaysOK(t *testing.T) {
	hs := NewHealthServer()
	handler := hs.Handler()

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %s", body["status"])
	}
}

func getReady(t *testing.T, hs *HealthServer) (int, readyResponse) {
	t.Helper()
	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	hs.Handler().ServeHTTP(rec, req)

	var body readyResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	return rec.Code, body
}

func TestReadyz_NotReadyByDefault(t *testing.T) {
	code, body := getReady(t, NewHealthServer())
	if code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
	if body.Status != "not ready" {
		t.Errorf("status = %q", body.Status)
	}
}

func TestReadyz_ReadyAfterSet(t *testing.T) {
	hs := NewHealthServer()
	hs.SetReady(true)

	code, body := getReady(t, hs)
	if code != http.StatusOK {
		t.Errorf("expected 200, got %d", code)
	}
	if body.Status != "ready" {
		t.Errorf("expected status ready, got %s", body.Status)
	}
}

func TestReadyz_BackToNotReady(t *testing.T) {
	hs := NewHealthServer()
	hs.SetReady(true)
	hs.SetReady(false)

	if code, _ := getReady(t, hs); code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
}

func TestReadyz_BridgeStatus(t *testing.T) {
	hs := NewHealthServer()
	hs.SetReady(true)
	hs.SetBridgeReady("payments", false)
	hs.SetBridgeReady("orders", true)
	hs.SetBridgeReady("stale", true)
	hs.RemoveBridge("stale")

	code, body := getReady(t, hs)
	if code != http.StatusOK {
		t.Errorf("a waiting bridge should not fail readiness, got %d", code)
	}
	want := []bridgeStatus{{Name: "orders", Ready: true}, {Name: "payments", Ready: false}}
	if len(body.Bridges) != len(want) {
		t.Fatalf("bridges = %+v, want %+v", body.Bridges, want)
	}
	for i := range want {
		if body.Bridges[i] != want[i] {
			t.Errorf("bridges[%d] = %+v, want %+v", i, body.Bridges[i], want[i])
		}
	}
}
