package change

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/grammy-jiang/RouterOS-MCP-sub003/pkg/engine"
)

const dnsPath = "/ip/dns"

// dnsState is the slice of the RouterOS DNS resolver configuration this
// provider manages. Remaining fields on the device are left untouched.
type dnsState struct {
	Servers string `json:"servers"`
}

// DNSProvider manages the device's DNS resolver server list.
type DNSProvider struct {
	client engine.DeviceClient
	cfg    Config
	logger zerolog.Logger
}

var _ engine.ChangeProvider = (*DNSProvider)(nil)

// NewDNSProvider creates the DNS change provider.
func NewDNSProvider(client engine.DeviceClient, cfg Config, logger zerolog.Logger) *DNSProvider {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultConfig().ReadTimeout
	}
	return &DNSProvider{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("provider", string(engine.TopicDNS)).Logger(),
	}
}

// Topic returns the change topic this provider manages.
func (p *DNSProvider) Topic() engine.ChangeTopic { return engine.TopicDNS }

// Diff reads the device's current resolver configuration and freezes the
// forward/inverse pair for the desired server list.
func (p *DNSProvider) Diff(ctx context.Context, device engine.Device, desired json.RawMessage) (*engine.DeviceChange, error) {
	want, err := parseServerList(desired)
	if err != nil {
		return nil, err
	}

	prior, err := p.CaptureState(ctx, device)
	if err != nil {
		return nil, err
	}
	var current dnsState
	if err := json.Unmarshal(prior, &current); err != nil {
		return nil, engine.NewPermanentError("device returned unparseable DNS state", err).
			WithDevice(device.ID)
	}

	forwardBody, err := json.Marshal(dnsState{Servers: joinServers(want.Servers)})
	if err != nil {
		return nil, err
	}
	inverse, err := p.Inverse(device, prior)
	if err != nil {
		return nil, err
	}

	applied := equalServers(splitServers(current.Servers), want.Servers)
	p.logger.Debug().
		Str("device_id", device.ID).
		Bool("already_applied", applied).
		Msg("Diffed DNS configuration")

	return &engine.DeviceChange{
		DeviceID: device.ID,
		Forward: engine.Operation{
			Path:   dnsPath,
			Method: http.MethodPatch,
			Body:   forwardBody,
		},
		Inverse:        inverse,
		AlreadyApplied: applied,
	}, nil
}

// CaptureState reads the managed slice of the device's DNS configuration.
func (p *DNSProvider) CaptureState(ctx context.Context, device engine.Device) (json.RawMessage, error) {
	payload, err := readState(ctx, p.client, device, dnsPath, p.cfg.ReadTimeout)
	if err != nil {
		return nil, err
	}
	var state dnsState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, engine.NewPermanentError("device returned unparseable DNS state", err).
			WithDevice(device.ID)
	}
	return json.Marshal(state)
}

// Inverse builds the operation that restores a previously captured state.
func (p *DNSProvider) Inverse(device engine.Device, prior json.RawMessage) (engine.Operation, error) {
	var state dnsState
	if err := json.Unmarshal(prior, &state); err != nil {
		return engine.Operation{}, engine.NewPermanentError("snapshot holds unparseable DNS state", err).
			WithDevice(device.ID)
	}
	body, err := json.Marshal(state)
	if err != nil {
		return engine.Operation{}, err
	}
	return engine.Operation{
		Path:   dnsPath,
		Method: http.MethodPatch,
		Body:   body,
	}, nil
}
