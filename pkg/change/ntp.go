package change

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/grammy-jiang/RouterOS-MCP-sub003/pkg/engine"
)

const ntpPath = "/system/ntp/client"

// ntpState is the slice of the RouterOS NTP client configuration this
// provider manages. RouterOS reports the enabled flag as the strings
// "true" and "false".
type ntpState struct {
	Enabled string `json:"enabled"`
	Servers string `json:"servers"`
}

// NTPProvider manages the device's NTP client server list. Pushing a server
// list also enables the NTP client; the inverse restores the prior enabled
// flag along with the prior servers.
type NTPProvider struct {
	client engine.DeviceClient
	cfg    Config
	logger zerolog.Logger
}

var _ engine.ChangeProvider = (*NTPProvider)(nil)

// NewNTPProvider creates the NTP change provider.
func NewNTPProvider(client engine.DeviceClient, cfg Config, logger zerolog.Logger) *NTPProvider {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultConfig().ReadTimeout
	}
	return &NTPProvider{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("provider", string(engine.TopicNTP)).Logger(),
	}
}

// Topic returns the change topic this provider manages.
func (p *NTPProvider) Topic() engine.ChangeTopic { return engine.TopicNTP }

// Diff reads the device's current NTP client configuration and freezes the
// forward/inverse pair for the desired server list.
func (p *NTPProvider) Diff(ctx context.Context, device engine.Device, desired json.RawMessage) (*engine.DeviceChange, error) {
	want, err := parseServerList(desired)
	if err != nil {
		return nil, err
	}

	prior, err := p.CaptureState(ctx, device)
	if err != nil {
		return nil, err
	}
	var current ntpState
	if err := json.Unmarshal(prior, &current); err != nil {
		return nil, engine.NewPermanentError("device returned unparseable NTP state", err).
			WithDevice(device.ID)
	}

	forwardBody, err := json.Marshal(ntpState{
		Enabled: "true",
		Servers: joinServers(want.Servers),
	})
	if err != nil {
		return nil, err
	}
	inverse, err := p.Inverse(device, prior)
	if err != nil {
		return nil, err
	}

	applied := current.Enabled == "true" && equalServers(splitServers(current.Servers), want.Servers)
	p.logger.Debug().
		Str("device_id", device.ID).
		Bool("already_applied", applied).
		Msg("Diffed NTP configuration")

	return &engine.DeviceChange{
		DeviceID: device.ID,
		Forward: engine.Operation{
			Path:   ntpPath,
			Method: http.MethodPatch,
			Body:   forwardBody,
		},
		Inverse:        inverse,
		AlreadyApplied: applied,
	}, nil
}

// CaptureState reads the managed slice of the device's NTP configuration.
func (p *NTPProvider) CaptureState(ctx context.Context, device engine.Device) (json.RawMessage, error) {
	payload, err := readState(ctx, p.client, device, ntpPath, p.cfg.ReadTimeout)
	if err != nil {
		return nil, err
	}
	var state ntpState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, engine.NewPermanentError("device returned unparseable NTP state", err).
			WithDevice(device.ID)
	}
	return json.Marshal(state)
}

// Inverse builds the operation that restores a previously captured state.
func (p *NTPProvider) Inverse(device engine.Device, prior json.RawMessage) (engine.Operation, error) {
	var state ntpState
	if err := json.Unmarshal(prior, &state); err != nil {
		return engine.Operation{}, engine.NewPermanentError("snapshot holds unparseable NTP state", err).
			WithDevice(device.ID)
	}
	body, err := json.Marshal(state)
	if err != nil {
		return engine.Operation{}, err
	}
	return engine.Operation{
		Path:   ntpPath,
		Method: http.MethodPatch,
		Body:   body,
	}, nil
}
