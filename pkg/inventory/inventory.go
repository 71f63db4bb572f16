// Package inventory implements the file-backed device directory. Devices are
// declared in a YAML inventory file and served read-only to the engine; the
// file can be watched for changes and hot-reloaded.
package inventory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/grammy-jiang/RouterOS-MCP-sub003/pkg/engine"
)

// File is the on-disk inventory document.
type File struct {
	Devices []Entry `yaml:"devices" validate:"required,min=1,dive"`
}

// Entry is one device declaration in the inventory file.
type Entry struct {
	ID            string   `yaml:"id" validate:"required"`
	Address       string   `yaml:"address" validate:"required"`
	Environment   string   `yaml:"environment" validate:"required,oneof=lab staging prod"`
	Capabilities  []string `yaml:"capabilities" validate:"required,min=1,dive,oneof=dns ntp"`
	MaxConcurrent int      `yaml:"max_concurrent" validate:"min=0,max=16"`
	Healthy       *bool    `yaml:"healthy,omitempty"`
}

// Directory serves devices from a YAML inventory file. It implements
// engine.DeviceDirectory and is safe for concurrent use.
type Directory struct {
	path    string
	logger  zerolog.Logger
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	devices map[string]engine.Device
}

var _ engine.DeviceDirectory = (*Directory)(nil)

// NewDirectory loads the inventory file at path.
func NewDirectory(path string, logger zerolog.Logger) (*Directory, error) {
	d := &Directory{
		path:   path,
		logger: logger.With().Str("component", "inventory").Logger(),
	}
	if err := d.reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// reload parses and validates the inventory file, then swaps the device map
// atomically. A malformed file leaves the previous inventory in place.
func (d *Directory) reload() error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("failed to read inventory file: %w", err)
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse inventory file: %w", err)
	}
	if err := validator.New().Struct(file); err != nil {
		return fmt.Errorf("invalid inventory file: %w", err)
	}

	devices := make(map[string]engine.Device, len(file.Devices))
	for _, e := range file.Devices {
		if _, dup := devices[e.ID]; dup {
			return fmt.Errorf("invalid inventory file: duplicate device id %q", e.ID)
		}

		healthy := true
		if e.Healthy != nil {
			healthy = *e.Healthy
		}
		maxConcurrent := e.MaxConcurrent
		if maxConcurrent == 0 {
			maxConcurrent = 1
		}

		devices[e.ID] = engine.Device{
			ID:            e.ID,
			Address:       e.Address,
			Environment:   engine.Environment(e.Environment),
			Capabilities:  e.Capabilities,
			MaxConcurrent: maxConcurrent,
			Healthy:       healthy,
		}
	}

	d.mu.Lock()
	d.devices = devices
	d.mu.Unlock()

	d.logger.Info().Int("devices", len(devices)).Str("path", d.path).Msg("Inventory loaded")
	return nil
}

// GetDevice returns a device by ID.
func (d *Directory) GetDevice(_ context.Context, id string) (*engine.Device, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	device, ok := d.devices[id]
	if !ok {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("device %s not found in inventory", id), nil).
			WithCode(engine.ErrCodeDeviceNotFound).WithDevice(id)
	}
	cp := device
	return &cp, nil
}

// ListDevices returns devices matching the filter, ordered by ID.
func (d *Directory) ListDevices(_ context.Context, filter engine.DeviceFilter) ([]engine.Device, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]engine.Device, 0, len(d.devices))
	for _, device := range d.devices {
		if filter.Environment != "" && device.Environment != filter.Environment {
			continue
		}
		if filter.Capability != "" && !device.HasCapability(engine.ChangeTopic(filter.Capability)) {
			continue
		}
		out = append(out, device)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Watch reloads the inventory when the file changes. Events are debounced so
// editors that write in multiple steps trigger a single reload.
func (d *Directory) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(d.path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch inventory file: %w", err)
	}
	d.watcher = watcher

	go d.processEvents(ctx)

	d.logger.Info().Str("path", d.path).Msg("Watching inventory file")
	return nil
}

func (d *Directory) processEvents(ctx context.Context) {
	var reloadTimer *time.Timer
	reloadDelay := 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			_ = d.watcher.Close()
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			d.logger.Debug().Str("op", event.Op.String()).Msg("Inventory file changed")
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if err := d.reload(); err != nil {
					d.logger.Error().Err(err).Msg("Inventory reload failed, keeping previous inventory")
				}
			})

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn().Err(err).Msg("Inventory watcher error")
		}
	}
}
