package change

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/grammy-jiang/RouterOS-MCP-sub003/pkg/engine"
)

// stubClient answers GETs per path from canned payloads and records every
// operation it receives.
type stubClient struct {
	responses map[string]json.RawMessage
	err       error
	ops       []engine.Operation
}

func (c *stubClient) Execute(_ context.Context, _ engine.Device, op engine.Operation, _ time.Duration) (json.RawMessage, error) {
	c.ops = append(c.ops, op)
	if c.err != nil {
		return nil, c.err
	}
	payload, ok := c.responses[op.Path]
	if !ok {
		return nil, engine.NewPermanentError("no canned response", nil).
			WithCode(engine.ErrCodeDeviceRejected)
	}
	return payload, nil
}

func testDevice() engine.Device {
	return engine.Device{
		ID:           "r1",
		Address:      "192.0.2.10",
		Environment:  engine.EnvironmentLab,
		Capabilities: []string{"dns", "ntp"},
	}
}

func TestDNSDiffProducesForwardAndInverse(t *testing.T) {
	client := &stubClient{responses: map[string]json.RawMessage{
		dnsPath: json.RawMessage(`{"servers":"192.0.2.1","dynamic-servers":"","cache-size":"2048KiB"}`),
	}}
	p := NewDNSProvider(client, DefaultConfig(), zerolog.Nop())

	change, err := p.Diff(context.Background(), testDevice(), json.RawMessage(`{"servers":["1.1.1.1","8.8.8.8"]}`))
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}

	if change.DeviceID != "r1" {
		t.Errorf("expected device r1, got %s", change.DeviceID)
	}
	if change.AlreadyApplied {
		t.Error("state differs, should not be already applied")
	}
	if change.Forward.Path != dnsPath || change.Forward.Method != http.MethodPatch {
		t.Errorf("unexpected forward op: %+v", change.Forward)
	}

	var forward dnsState
	if err := json.Unmarshal(change.Forward.Body, &forward); err != nil {
		t.Fatalf("forward body: %v", err)
	}
	if forward.Servers != "1.1.1.1,8.8.8.8" {
		t.Errorf("expected comma-joined servers, got %q", forward.Servers)
	}

	var inverse dnsState
	if err := json.Unmarshal(change.Inverse.Body, &inverse); err != nil {
		t.Fatalf("inverse body: %v", err)
	}
	if inverse.Servers != "192.0.2.1" {
		t.Errorf("inverse should restore prior servers, got %q", inverse.Servers)
	}
}

func TestDNSDiffDetectsAlreadyApplied(t *testing.T) {
	client := &stubClient{responses: map[string]json.RawMessage{
		dnsPath: json.RawMessage(`{"servers":"1.1.1.1, 8.8.8.8"}`),
	}}
	p := NewDNSProvider(client, DefaultConfig(), zerolog.Nop())

	change, err := p.Diff(context.Background(), testDevice(), json.RawMessage(`{"servers":["1.1.1.1","8.8.8.8"]}`))
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if !change.AlreadyApplied {
		t.Error("matching state should be already applied")
	}
}

func TestDNSDiffRejectsInvalidDesired(t *testing.T) {
	p := NewDNSProvider(&stubClient{}, DefaultConfig(), zerolog.Nop())

	cases := []struct {
		name    string
		desired string
	}{
		{"not json", `servers=1.1.1.1`},
		{"empty list", `{"servers":[]}`},
		{"missing field", `{}`},
		{"blank entry", `{"servers":["1.1.1.1",""]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.Diff(context.Background(), testDevice(), json.RawMessage(tc.desired))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !engine.HasCode(err, engine.ErrCodeValidation) {
				t.Errorf("expected VALIDATION_ERROR, got %v", err)
			}
		})
	}
}

func TestDNSCaptureStateKeepsManagedFieldsOnly(t *testing.T) {
	client := &stubClient{responses: map[string]json.RawMessage{
		dnsPath: json.RawMessage(`{"servers":"192.0.2.1","cache-used":"17KiB","allow-remote-requests":"true"}`),
	}}
	p := NewDNSProvider(client, DefaultConfig(), zerolog.Nop())

	state, err := p.CaptureState(context.Background(), testDevice())
	if err != nil {
		t.Fatalf("CaptureState failed: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(state, &decoded); err != nil {
		t.Fatalf("snapshot body: %v", err)
	}
	if len(decoded) != 1 || decoded["servers"] != "192.0.2.1" {
		t.Errorf("snapshot should hold only the managed fields, got %s", state)
	}
}

func TestDNSDiffPropagatesDeviceErrors(t *testing.T) {
	client := &stubClient{err: engine.NewTransientError("device unreachable", nil).
		WithCode(engine.ErrCodeDeviceUnreachable)}
	p := NewDNSProvider(client, DefaultConfig(), zerolog.Nop())

	_, err := p.Diff(context.Background(), testDevice(), json.RawMessage(`{"servers":["1.1.1.1"]}`))
	if err == nil {
		t.Fatal("expected error")
	}
	if !engine.HasCode(err, engine.ErrCodeDeviceUnreachable) {
		t.Errorf("device error should pass through, got %v", err)
	}
}

func TestNTPDiffEnablesClient(t *testing.T) {
	client := &stubClient{responses: map[string]json.RawMessage{
		ntpPath: json.RawMessage(`{"enabled":"false","servers":"","mode":"unicast"}`),
	}}
	p := NewNTPProvider(client, DefaultConfig(), zerolog.Nop())

	change, err := p.Diff(context.Background(), testDevice(), json.RawMessage(`{"servers":["time.cloudflare.com"]}`))
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if change.AlreadyApplied {
		t.Error("disabled client should not be already applied")
	}

	var forward ntpState
	if err := json.Unmarshal(change.Forward.Body, &forward); err != nil {
		t.Fatalf("forward body: %v", err)
	}
	if forward.Enabled != "true" || forward.Servers != "time.cloudflare.com" {
		t.Errorf("forward should enable the client, got %+v", forward)
	}

	var inverse ntpState
	if err := json.Unmarshal(change.Inverse.Body, &inverse); err != nil {
		t.Fatalf("inverse body: %v", err)
	}
	if inverse.Enabled != "false" || inverse.Servers != "" {
		t.Errorf("inverse should restore the disabled state, got %+v", inverse)
	}
}

func TestNTPDiffAlreadyAppliedRequiresEnabled(t *testing.T) {
	cases := []struct {
		name    string
		state   string
		applied bool
	}{
		{"enabled with matching servers", `{"enabled":"true","servers":"time.cloudflare.com"}`, true},
		{"disabled with matching servers", `{"enabled":"false","servers":"time.cloudflare.com"}`, false},
		{"enabled with different servers", `{"enabled":"true","servers":"pool.ntp.org"}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := &stubClient{responses: map[string]json.RawMessage{
				ntpPath: json.RawMessage(tc.state),
			}}
			p := NewNTPProvider(client, DefaultConfig(), zerolog.Nop())

			change, err := p.Diff(context.Background(), testDevice(), json.RawMessage(`{"servers":["time.cloudflare.com"]}`))
			if err != nil {
				t.Fatalf("Diff failed: %v", err)
			}
			if change.AlreadyApplied != tc.applied {
				t.Errorf("already applied = %v, want %v", change.AlreadyApplied, tc.applied)
			}
		})
	}
}

func TestInverseRejectsCorruptSnapshot(t *testing.T) {
	p := NewNTPProvider(&stubClient{}, DefaultConfig(), zerolog.Nop())

	_, err := p.Inverse(testDevice(), json.RawMessage(`not a snapshot`))
	if err == nil {
		t.Fatal("corrupt snapshot should error")
	}
}
