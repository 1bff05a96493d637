package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-wsbridge/pkg/publisher"
	"github.com/illmade-knight/go-wsbridge/pkg/record"
	"github.com/illmade-knight/go-wsbridge/pkg/subscriber"
	"github.com/illmade-knight/go-wsbridge/pkg/types"
	"github.com/rs/zerolog"
)

// SupervisorConfig holds the retry and shutdown settings.
type SupervisorConfig struct {
	Backoff BackoffConfig
	// Policy replaces the JitteredBackOff built from Backoff when set.
	Policy backoff.BackOff
	// ShutdownTimeout bounds closing the handles at the end of each attempt.
	ShutdownTimeout time.Duration
}

// NewSupervisorDefaults provides a config with sensible defaults.
func NewSupervisorDefaults() SupervisorConfig {
	return SupervisorConfig{
		Backoff:         NewBackoffDefaults(),
		ShutdownTimeout: 10 * time.Second,
	}
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	Phase     Phase  `json:"phase"`
	Attempt   uint64 `json:"attempt"`
	SessionID string `json:"session_id,omitempty"`
	// Forwarded counts acknowledged records across all attempts.
	Forwarded uint64 `json:"forwarded"`
	// AttemptForwarded counts acknowledged records in the current attempt.
	AttemptForwarded uint64        `json:"attempt_forwarded"`
	LastSeq          uint64        `json:"last_seq"`
	LastForwardedAt  time.Time     `json:"last_forwarded_at,omitempty"`
	LastError        string        `json:"last_error,omitempty"`
	LastErrorKind    string        `json:"last_error_kind,omitempty"`
	NextRetry        time.Duration `json:"next_retry_ns,omitempty"`
	StartedAt        time.Time     `json:"started_at"`
}

// Supervisor runs forwarding attempts, each with fresh handles, until shutdown
// or a non-retryable failure.
type Supervisor struct {
	openSub         subscriber.Opener
	openPub         publisher.Opener
	enc             *record.Encoder
	backoff         backoff.BackOff
	shutdownTimeout time.Duration
	base            zerolog.Logger
	logger          zerolog.Logger

	mu     sync.RWMutex
	status Status
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(cfg SupervisorConfig, openSub subscriber.Opener, openPub publisher.Opener, enc *record.Encoder, logger zerolog.Logger) (*Supervisor, error) {
	if openSub == nil || openPub == nil || enc == nil {
		return nil, errors.Join(types.ErrConfig, fmt.Errorf("subscriber opener, publisher opener and encoder are required"))
	}
	policy := cfg.Policy
	if policy == nil {
		if err := cfg.Backoff.Validate(); err != nil {
			return nil, err
		}
		policy = NewJitteredBackOff(cfg.Backoff)
	}
	return &Supervisor{
		openSub:         openSub,
		openPub:         openPub,
		enc:             enc,
		backoff:         policy,
		shutdownTimeout: cfg.ShutdownTimeout,
		base:            logger,
		logger:          logger.With().Str("component", "Supervisor").Logger(),
		status:          Status{Phase: PhaseStarting},
	}, nil
}

// Status returns a snapshot of the supervisor state.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Supervisor) update(fn func(*Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.status)
}

// Run blocks until ctx is cancelled (returns nil) or an attempt fails with a
// non-retryable error (returns it).
func (s *Supervisor) Run(ctx context.Context) error {
	s.backoff.Reset()
	s.update(func(st *Status) { st.StartedAt = time.Now().UTC() })

	for attempt := uint64(1); ; attempt++ {
		out := s.runAttempt(ctx, attempt)

		if out.State == StateStopping || ctx.Err() != nil {
			s.logger.Info().Uint64("attempt", attempt).Msg("Shutting down")
			s.update(func(st *Status) { st.Phase = PhaseStopped; st.NextRetry = 0 })
			return nil
		}

		s.update(func(st *Status) {
			st.LastError = out.Err.Error()
			st.LastErrorKind = types.Kind(out.Err)
		})

		if !out.Retryable() {
			s.logger.Error().Err(out.Err).Str("error_kind", types.Kind(out.Err)).Uint64("attempt", attempt).Msg("Non-retryable failure, stopping bridge.")
			s.update(func(st *Status) { st.Phase = PhaseFailed })
			return out.Err
		}

		if out.Forwarded > 0 {
			s.backoff.Reset()
		}
		delay := s.backoff.NextBackOff()
		if delay == backoff.Stop {
			s.update(func(st *Status) { st.Phase = PhaseFailed })
			return out.Err
		}

		s.logger.Warn().
			Err(out.Err).
			Str("error_kind", types.Kind(out.Err)).
			Uint64("attempt", attempt).
			Uint64("forwarded", out.Forwarded).
			Dur("delay", delay).
			Msg("Retry scheduled")
		s.update(func(st *Status) { st.Phase = PhaseBackingOff; st.NextRetry = delay })

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info().Msg("Shutting down during backoff")
			s.update(func(st *Status) { st.Phase = PhaseStopped; st.NextRetry = 0 })
			return nil
		case <-timer.C:
		}
	}
}

// runAttempt opens the publisher then the subscriber, forwards until the loop
// ends, and releases both handles, subscriber first.
func (s *Supervisor) runAttempt(ctx context.Context, attempt uint64) Outcome {
	sessionID := uuid.NewString()
	logger := s.logger.With().Uint64("attempt", attempt).Str("session_id", sessionID).Logger()
	s.update(func(st *Status) {
		st.Phase = PhaseConnecting
		st.Attempt = attempt
		st.SessionID = sessionID
		st.AttemptForwarded = 0
		st.NextRetry = 0
	})

	pub, err := s.openPub(ctx)
	if err != nil {
		return s.openFailed(ctx, err)
	}
	defer s.closePublisher(ctx, pub, logger)

	sub, err := s.openSub(ctx)
	if err != nil {
		return s.openFailed(ctx, err)
	}
	defer s.closeSubscriber(sub, logger)

	logger.Info().Msg("Bridge running")
	s.update(func(st *Status) { st.Phase = PhaseRunning })

	fwd := NewForwarder(sub, pub, s.enc, sessionID, s.base.With().Uint64("attempt", attempt).Logger())
	fwd.OnForward = func(msg types.InboundMessage, _ types.Acknowledgment) {
		now := time.Now().UTC()
		s.update(func(st *Status) {
			st.Forwarded++
			st.AttemptForwarded++
			st.LastSeq = msg.Seq
			st.LastForwardedAt = now
		})
	}
	return fwd.Run(ctx)
}

func (s *Supervisor) openFailed(ctx context.Context, err error) Outcome {
	if ctx.Err() != nil {
		return Outcome{State: StateStopping}
	}
	if !types.Classified(err) {
		err = errors.Join(types.ErrConnectFailure, err)
	}
	return Outcome{State: StateFailed, Err: err}
}

// closeContext detaches from ctx so a cancelled run still flushes.
func (s *Supervisor) closeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	if s.shutdownTimeout > 0 {
		return context.WithTimeout(base, s.shutdownTimeout)
	}
	return context.WithCancel(base)
}

func (s *Supervisor) closePublisher(ctx context.Context, pub publisher.Publisher, logger zerolog.Logger) {
	closeCtx, cancel := s.closeContext(ctx)
	defer cancel()
	if err := pub.Close(closeCtx); err != nil {
		logger.Warn().Err(err).Msg("Publisher close reported an error.")
	}
}

func (s *Supervisor) closeSubscriber(sub subscriber.Subscriber, logger zerolog.Logger) {
	if err := sub.Close(); err != nil {
		logger.Warn().Err(err).Msg("Subscriber close reported an error.")
	}
}
