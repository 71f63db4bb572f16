package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/grammy-jiang/RouterOS-MCP-sub003/pkg/engine"
)

// HealthCheckerConfig tunes the post-batch health probe.
type HealthCheckerConfig struct {
	// Timeout bounds each device probe.
	Timeout time.Duration

	// DegradedLatency marks a responding device degraded when its probe
	// takes longer than this.
	DegradedLatency time.Duration

	// Concurrency caps parallel probes.
	Concurrency int
}

// DefaultHealthCheckerConfig returns the standard probe tuning.
func DefaultHealthCheckerConfig() HealthCheckerConfig {
	return HealthCheckerConfig{
		Timeout:         10 * time.Second,
		DegradedLatency: 3 * time.Second,
		Concurrency:     8,
	}
}

// HealthChecker probes devices with a read-only resource query after each
// batch. It implements engine.HealthChecker.
type HealthChecker struct {
	client *Client
	cfg    HealthCheckerConfig
	logger zerolog.Logger
}

var _ engine.HealthChecker = (*HealthChecker)(nil)

// NewHealthChecker creates a health checker sharing the REST client's
// connection pool and credentials.
func NewHealthChecker(client *Client, cfg HealthCheckerConfig, logger zerolog.Logger) *HealthChecker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHealthCheckerConfig().Timeout
	}
	if cfg.DegradedLatency <= 0 {
		cfg.DegradedLatency = DefaultHealthCheckerConfig().DegradedLatency
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultHealthCheckerConfig().Concurrency
	}
	return &HealthChecker{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "health-checker").Logger(),
	}
}

// Check probes every device in parallel and returns a verdict per device.
// A device that responds slowly is degraded; one that errors is unreachable.
func (h *HealthChecker) Check(ctx context.Context, devices []engine.Device) (map[string]engine.HealthState, error) {
	states := make(map[string]engine.HealthState, len(devices))
	var mu sync.Mutex
	var wg sync.WaitGroup

	sem := make(chan struct{}, h.cfg.Concurrency)
	for _, device := range devices {
		wg.Add(1)
		go func(d engine.Device) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			state := h.probe(ctx, d)
			mu.Lock()
			states[d.ID] = state
			mu.Unlock()
		}(device)
	}
	wg.Wait()

	return states, nil
}

func (h *HealthChecker) probe(ctx context.Context, device engine.Device) engine.HealthState {
	op := engine.Operation{Path: "/system/resource", Method: http.MethodGet}

	start := time.Now()
	payload, err := h.client.Execute(ctx, device, op, h.cfg.Timeout)
	latency := time.Since(start)

	if err != nil {
		h.logger.Warn().Err(err).Str("device_id", device.ID).Msg("Health probe failed")
		return engine.HealthUnreachable
	}

	// The resource document must parse; a mangled response from a wedged
	// management plane counts as degraded even when the status was 200.
	var resource map[string]interface{}
	if err := json.Unmarshal(payload, &resource); err != nil {
		return engine.HealthDegraded
	}

	if latency > h.cfg.DegradedLatency {
		h.logger.Info().
			Str("device_id", device.ID).
			Dur("latency", latency).
			Msg("Device responding slowly")
		return engine.HealthDegraded
	}
	return engine.HealthHealthy
}
