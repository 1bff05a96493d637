package bridge

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/illmade-knight/go-wsbridge/pkg/types"
)

// BackoffConfig holds the retry delay settings.
type BackoffConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
}

// NewBackoffDefaults provides a config with sensible defaults.
func NewBackoffDefaults() BackoffConfig {
	return BackoffConfig{
		InitialInterval: time.Second,
		MaxInterval:     60 * time.Second,
		Multiplier:      2,
	}
}

// Validate reports every problem with the config at once.
func (c BackoffConfig) Validate() error {
	var errs []error
	if c.InitialInterval <= 0 {
		errs = append(errs, fmt.Errorf("retry initial interval must be positive, got %s", c.InitialInterval))
	}
	if c.MaxInterval < c.InitialInterval {
		errs = append(errs, fmt.Errorf("retry max interval %s is below the initial interval %s", c.MaxInterval, c.InitialInterval))
	}
	if c.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("retry multiplier must be at least 1, got %g", c.Multiplier))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(append([]error{types.ErrConfig}, errs...)...)
}

// JitteredBackOff is a backoff.BackOff that never stops. Each delay is drawn
// from the upper half of an exponential envelope, then clamped so that delays
// never shrink between resets and never exceed MaxInterval.
type JitteredBackOff struct {
	mu       sync.Mutex
	envelope *backoff.ExponentialBackOff
	max      time.Duration
	prev     time.Duration
	jitter   func() float64
}

var _ backoff.BackOff = (*JitteredBackOff)(nil)

// NewJitteredBackOff builds the policy from cfg.
func NewJitteredBackOff(cfg BackoffConfig) *JitteredBackOff {
	env := backoff.NewExponentialBackOff()
	env.InitialInterval = cfg.InitialInterval
	env.MaxInterval = cfg.MaxInterval
	env.Multiplier = cfg.Multiplier
	env.RandomizationFactor = 0
	env.MaxElapsedTime = 0
	env.Reset()

	return &JitteredBackOff{
		envelope: env,
		max:      cfg.MaxInterval,
		jitter:   rand.Float64,
	}
}

// NextBackOff returns the next delay. It is always positive.
func (b *JitteredBackOff) NextBackOff() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	env := b.envelope.NextBackOff()
	half := env / 2
	d := half + time.Duration(b.jitter()*float64(env-half))

	if d < b.prev {
		d = b.prev
	}
	if b.max > 0 && d > b.max {
		d = b.max
	}
	if d <= 0 {
		d = time.Millisecond
	}
	b.prev = d
	return d
}

// Reset returns the policy to its initial interval.
func (b *JitteredBackOff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.envelope.Reset()
	b.prev = 0
}
