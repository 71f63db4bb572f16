// Package rest implements the RouterOS REST API transport: the device client
// the engine executes operations through, and the post-batch health checker.
package rest

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/grammy-jiang/RouterOS-MCP-sub003/pkg/engine"
)

// ClientConfig holds RouterOS REST transport settings.
type ClientConfig struct {
	// Username and Password authenticate against the device REST API.
	Username string
	Password string

	// TLSInsecureSkipVerify disables certificate verification. Routers in lab
	// environments commonly run self-signed certificates.
	TLSInsecureSkipVerify bool
}

// Client executes configuration operations against RouterOS devices over
// their REST API. It implements engine.DeviceClient.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	logger zerolog.Logger
}

var _ engine.DeviceClient = (*Client)(nil)

// NewClient creates a RouterOS REST client.
func NewClient(cfg ClientConfig, logger zerolog.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConnsPerHost: 4,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.TLSInsecureSkipVerify, //nolint:gosec
			MinVersion:         tls.VersionTLS12,
		},
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Transport: transport},
		logger: logger.With().Str("component", "rest-client").Logger(),
	}
}

// Execute performs one configuration call. The timeout bounds the whole
// request including connection setup.
func (c *Client) Execute(ctx context.Context, device engine.Device, op engine.Operation, timeout time.Duration) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("https://%s/rest%s", device.Address, op.Path)

	var body io.Reader
	if len(op.Body) > 0 {
		body = bytes.NewReader(op.Body)
	}

	req, err := http.NewRequestWithContext(ctx, op.Method, url, body)
	if err != nil {
		return nil, engine.NewPermanentError("failed to build device request", err).
			WithDevice(device.ID).WithOperation(op.Method + " " + op.Path)
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, engine.NewTransientError("device unreachable", err).
			WithCode(engine.ErrCodeDeviceUnreachable).
			WithDevice(device.ID).WithOperation(op.Method + " " + op.Path)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, engine.NewTransientError("failed to read device response", err).
			WithDevice(device.ID)
	}

	c.logger.Debug().
		Str("device_id", device.ID).
		Str("method", op.Method).
		Str("path", op.Path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("Device call")

	if err := classifyStatus(resp.StatusCode, payload); err != nil {
		return nil, err.WithDevice(device.ID).WithOperation(op.Method + " " + op.Path)
	}
	return payload, nil
}

// classifyStatus maps RouterOS HTTP statuses onto the engine's error classes:
// throttling backs off, server errors retry, client errors do not.
func classifyStatus(status int, payload []byte) *engine.EngineError {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return engine.NewThrottledError("device is shedding load", nil).
			WithCode(engine.ErrCodeDeviceUnreachable)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return engine.NewPermanentError(
			fmt.Sprintf("device rejected credentials (status %d)", status), nil).
			WithCode(engine.ErrCodeDeviceRejected)
	case status >= 400 && status < 500:
		return engine.NewPermanentError(
			fmt.Sprintf("device rejected request (status %d): %s", status, truncate(payload, 200)), nil).
			WithCode(engine.ErrCodeDeviceRejected)
	default:
		return engine.NewTransientError(
			fmt.Sprintf("device server error (status %d)", status), nil).
			WithCode(engine.ErrCodeDeviceUnreachable)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
