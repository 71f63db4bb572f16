package engine

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BreakerConfig tunes the per-device circuit breaker.
type BreakerConfig struct {
	// BaseInterval is the backoff after the first failure.
	BaseInterval time.Duration

	// MaxInterval caps the exponential backoff.
	MaxInterval time.Duration

	// FailureThreshold is the consecutive-failure count that opens the circuit.
	FailureThreshold int
}

// DefaultBreakerConfig returns the standard breaker tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		BaseInterval:     time.Minute,
		MaxInterval:      16 * time.Minute,
		FailureThreshold: 3,
	}
}

const breakerShards = 16

// Breaker tracks failure state per device and short-circuits calls to
// persistently failing devices. State is keyed by device ID and sharded so
// one unhealthy device never contends with the rest of the fleet. Each
// device's state outlives any single job: repeated plan attempts against a
// flapping device keep backing off instead of hammering it.
type Breaker struct {
	cfg    BreakerConfig
	store  Store
	now    func() time.Time
	logger zerolog.Logger
	shards [breakerShards]breakerShard
}

type breakerShard struct {
	mu      sync.Mutex
	devices map[string]*deviceBreaker
}

type deviceBreaker struct {
	state               CircuitState
	consecutiveFailures int
	nextEligibleAt      time.Time
	trialInFlight       bool
}

// NewBreaker creates a breaker. The store may be nil for in-memory-only
// operation (tests); when set, state changes are persisted so other process
// instances observe the same health signal.
func NewBreaker(cfg BreakerConfig, store Store, logger zerolog.Logger) *Breaker {
	b := &Breaker{
		cfg:    cfg,
		store:  store,
		now:    time.Now,
		logger: logger.With().Str("component", "breaker").Logger(),
	}
	for i := range b.shards {
		b.shards[i].devices = map[string]*deviceBreaker{}
	}
	return b
}

// Allow reports whether a call to the device may proceed. While the circuit
// is open it returns false with no network attempt; once the backoff interval
// elapses the circuit moves to half-open and exactly one trial call passes.
func (b *Breaker) Allow(ctx context.Context, deviceID string) bool {
	shard := b.shard(deviceID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	d := b.load(ctx, shard, deviceID)
	now := b.now()

	switch d.state {
	case CircuitClosed:
		return true

	case CircuitOpen:
		if now.Before(d.nextEligibleAt) {
			return false
		}
		d.state = CircuitHalfOpen
		d.trialInFlight = true
		b.persist(ctx, deviceID, d)
		b.logger.Info().Str("device_id", deviceID).Msg("Circuit half-open, allowing trial call")
		return true

	case CircuitHalfOpen:
		// One trial at a time.
		if d.trialInFlight {
			return false
		}
		d.trialInFlight = true
		return true
	}

	return false
}

// RecordSuccess resets the device to closed with a zeroed failure count.
// A confirmed-healthy observation clears the long-lived health signal.
func (b *Breaker) RecordSuccess(ctx context.Context, deviceID string) {
	shard := b.shard(deviceID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	d := b.load(ctx, shard, deviceID)
	if d.state != CircuitClosed {
		b.logger.Info().Str("device_id", deviceID).Msg("Circuit closed after successful call")
	}
	d.state = CircuitClosed
	d.consecutiveFailures = 0
	d.nextEligibleAt = time.Time{}
	d.trialInFlight = false
	b.persist(ctx, deviceID, d)
}

// RecordFailure increments the consecutive-failure count, extends the
// backoff interval, and opens the circuit past the failure threshold. A
// failed half-open trial reopens with the backoff extended.
func (b *Breaker) RecordFailure(ctx context.Context, deviceID string) {
	shard := b.shard(deviceID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	d := b.load(ctx, shard, deviceID)
	d.consecutiveFailures++
	d.trialInFlight = false
	d.nextEligibleAt = b.now().Add(b.backoff(d.consecutiveFailures))

	if d.state == CircuitHalfOpen || d.consecutiveFailures >= b.cfg.FailureThreshold {
		if d.state != CircuitOpen {
			b.logger.Warn().
				Str("device_id", deviceID).
				Int("consecutive_failures", d.consecutiveFailures).
				Time("next_eligible_at", d.nextEligibleAt).
				Msg("Circuit opened")
		}
		d.state = CircuitOpen
	}
	b.persist(ctx, deviceID, d)
}

// State returns the device's current circuit state.
func (b *Breaker) State(ctx context.Context, deviceID string) CircuitState {
	shard := b.shard(deviceID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	return b.load(ctx, shard, deviceID).state
}

// backoff computes min(base * 2^(failures-1), max).
func (b *Breaker) backoff(failures int) time.Duration {
	d := b.cfg.BaseInterval
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= b.cfg.MaxInterval {
			return b.cfg.MaxInterval
		}
	}
	if d > b.cfg.MaxInterval {
		return b.cfg.MaxInterval
	}
	return d
}

func (b *Breaker) shard(deviceID string) *breakerShard {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return &b.shards[h.Sum32()%breakerShards]
}

// load returns the in-memory entry, hydrating it from the store on first
// sight of a device. Caller holds the shard lock.
func (b *Breaker) load(ctx context.Context, shard *breakerShard, deviceID string) *deviceBreaker {
	if d, ok := shard.devices[deviceID]; ok {
		return d
	}

	d := &deviceBreaker{state: CircuitClosed}
	if b.store != nil {
		if persisted, err := b.store.GetDeviceFailureState(ctx, deviceID); err == nil {
			d.state = persisted.State
			d.consecutiveFailures = persisted.ConsecutiveFailures
			d.nextEligibleAt = persisted.NextEligibleAt
		}
	}
	shard.devices[deviceID] = d
	return d
}

// persist writes the device state through to the store, best effort.
func (b *Breaker) persist(ctx context.Context, deviceID string, d *deviceBreaker) {
	if b.store == nil {
		return
	}
	state := &DeviceFailureState{
		DeviceID:            deviceID,
		ConsecutiveFailures: d.consecutiveFailures,
		NextEligibleAt:      d.nextEligibleAt,
		State:               d.state,
		UpdatedAt:           b.now().UTC(),
	}
	if err := b.store.UpsertDeviceFailureState(ctx, state); err != nil {
		b.logger.Warn().Err(err).Str("device_id", deviceID).Msg("Failed to persist breaker state")
	}
}
