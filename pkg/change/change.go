// Package change implements the built-in change providers. Each provider
// owns one configuration topic on RouterOS devices and produces the frozen
// forward/inverse operation pair the plan compiler embeds into a plan.
//
// Providers read live device state through the same DeviceClient the
// executor uses, so a diff sees exactly what an apply would see. RouterOS
// REST payloads carry every value as a string; list-valued fields such as
// DNS or NTP servers arrive comma-joined.
package change

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/grammy-jiang/RouterOS-MCP-sub003/pkg/engine"
)

// Config holds settings shared by all providers.
type Config struct {
	// ReadTimeout bounds each state read against a device.
	ReadTimeout time.Duration
}

// DefaultConfig returns provider defaults.
func DefaultConfig() Config {
	return Config{ReadTimeout: 10 * time.Second}
}

var validate = validator.New()

// ServerList is the desired state accepted by the DNS and NTP topics: an
// ordered list of server addresses.
type ServerList struct {
	Servers []string `json:"servers" validate:"required,min=1,max=8,dive,required"`
}

func parseServerList(desired json.RawMessage) (*ServerList, error) {
	var list ServerList
	if err := json.Unmarshal(desired, &list); err != nil {
		return nil, engine.NewPermanentError("desired state is not valid JSON", err).
			WithCode(engine.ErrCodeValidation)
	}
	if err := validate.Struct(&list); err != nil {
		return nil, engine.NewPermanentError("desired state failed validation", err).
			WithCode(engine.ErrCodeValidation)
	}
	return &list, nil
}

// joinServers renders a server list the way RouterOS expects it on the wire.
func joinServers(servers []string) string {
	return strings.Join(servers, ",")
}

// splitServers parses a comma-joined RouterOS server field. Devices pad
// entries with whitespace depending on firmware version.
func splitServers(field string) []string {
	if strings.TrimSpace(field) == "" {
		return nil
	}
	parts := strings.Split(field, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func equalServers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// readState performs the GET a provider uses for both diffing and
// pre-change snapshots.
func readState(ctx context.Context, client engine.DeviceClient, device engine.Device, path string, timeout time.Duration) (json.RawMessage, error) {
	payload, err := client.Execute(ctx, device, engine.Operation{
		Path:   path,
		Method: http.MethodGet,
	}, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from device %s: %w", path, device.ID, err)
	}
	return payload, nil
}
