package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/grammy-jiang/RouterOS-MCP-sub003/pkg/engine"
)

func testServer(t *testing.T, handler http.HandlerFunc) (*Client, engine.Device) {
	t.Helper()
	server := httptest.NewTLSServer(handler)
	t.Cleanup(server.Close)

	client := NewClient(ClientConfig{
		Username:              "admin",
		Password:              "secret",
		TLSInsecureSkipVerify: true,
	}, zerolog.Nop())

	device := engine.Device{
		ID:      "r1",
		Address: server.Listener.Addr().String(),
	}
	return client, device
}

func TestExecuteSendsAuthenticatedRequest(t *testing.T) {
	var gotPath, gotMethod, gotBody string
	client, device := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		gotPath = r.URL.Path
		gotMethod = r.Method
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		_, _ = w.Write([]byte(`{"ret":"ok"}`))
	})

	op := engine.Operation{
		Path:   "/ip/dns",
		Method: http.MethodPatch,
		Body:   json.RawMessage(`{"servers":"1.1.1.1"}`),
	}
	payload, err := client.Execute(context.Background(), device, op, 5*time.Second)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if gotPath != "/rest/ip/dns" {
		t.Errorf("expected /rest/ip/dns, got %s", gotPath)
	}
	if gotMethod != http.MethodPatch {
		t.Errorf("expected PATCH, got %s", gotMethod)
	}
	if !strings.Contains(gotBody, "1.1.1.1") {
		t.Errorf("body not forwarded: %q", gotBody)
	}
	if string(payload) != `{"ret":"ok"}` {
		t.Errorf("unexpected payload: %s", payload)
	}
}

func TestExecuteMapsStatusToErrorClass(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		transient bool
		code      string
	}{
		{"bad request", http.StatusBadRequest, false, engine.ErrCodeDeviceRejected},
		{"unauthorized", http.StatusUnauthorized, false, engine.ErrCodeDeviceRejected},
		{"not found", http.StatusNotFound, false, engine.ErrCodeDeviceRejected},
		{"server error", http.StatusInternalServerError, true, engine.ErrCodeDeviceUnreachable},
		{"bad gateway", http.StatusBadGateway, true, engine.ErrCodeDeviceUnreachable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, device := testServer(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			})

			_, err := client.Execute(context.Background(), device, engine.Operation{
				Path: "/ip/dns", Method: http.MethodGet,
			}, 5*time.Second)
			if err == nil {
				t.Fatalf("status %d should error", tc.status)
			}
			if engine.IsTransient(err) != tc.transient {
				t.Errorf("status %d: transient=%v, want %v", tc.status, engine.IsTransient(err), tc.transient)
			}
			if !engine.HasCode(err, tc.code) {
				t.Errorf("status %d: expected code %s, got %v", tc.status, tc.code, err)
			}
		})
	}
}

func TestExecuteThrottledBacksOff(t *testing.T) {
	client, device := testServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.Execute(context.Background(), device, engine.Operation{
		Path: "/ip/dns", Method: http.MethodGet,
	}, 5*time.Second)
	if err == nil {
		t.Fatal("429 should error")
	}
	if !engine.IsRetryable(err) {
		t.Error("throttled errors are retryable")
	}
	if engine.IsTransient(err) {
		t.Error("throttled is its own class, not transient")
	}
}

func TestExecuteUnreachableDevice(t *testing.T) {
	client := NewClient(ClientConfig{TLSInsecureSkipVerify: true}, zerolog.Nop())
	device := engine.Device{ID: "r1", Address: "127.0.0.1:1"}

	_, err := client.Execute(context.Background(), device, engine.Operation{
		Path: "/ip/dns", Method: http.MethodGet,
	}, time.Second)
	if err == nil {
		t.Fatal("connection refusal should error")
	}
	if !engine.HasCode(err, engine.ErrCodeDeviceUnreachable) {
		t.Errorf("expected DEVICE_UNREACHABLE, got %v", err)
	}
	if !engine.IsTransient(err) {
		t.Error("connection errors are transient")
	}
}

func TestHealthCheckerVerdicts(t *testing.T) {
	healthy, healthyDev := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/system/resource" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"uptime":"1w","cpu-load":"2"}`))
	})

	checker := NewHealthChecker(healthy, DefaultHealthCheckerConfig(), zerolog.Nop())

	unreachableDev := engine.Device{ID: "r2", Address: "127.0.0.1:1"}

	states, err := checker.Check(context.Background(), []engine.Device{healthyDev, unreachableDev})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if states[healthyDev.ID] != engine.HealthHealthy {
		t.Errorf("expected healthy, got %s", states[healthyDev.ID])
	}
	if states["r2"] != engine.HealthUnreachable {
		t.Errorf("expected unreachable, got %s", states["r2"])
	}
}

func TestHealthCheckerDegradedOnGarbage(t *testing.T) {
	client, device := testServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	})
	checker := NewHealthChecker(client, DefaultHealthCheckerConfig(), zerolog.Nop())

	states, err := checker.Check(context.Background(), []engine.Device{device})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if states[device.ID] != engine.HealthDegraded {
		t.Errorf("expected degraded, got %s", states[device.ID])
	}
}
