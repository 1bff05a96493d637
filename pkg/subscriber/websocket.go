package subscriber

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/illmade-knight/go-wsbridge/pkg/types"
	"github.com/rs/zerolog"
)

// WebSocketConfig holds the settings for the WebSocket subscriber.
type WebSocketConfig struct {
	// URL is the stream endpoint, e.g. "wss://stream.binance.com:9443/ws/btcusdt@trade".
	URL string `mapstructure:"url"`
	// ConnectTimeout bounds the opening handshake.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// IdleTimeout fails Receive with types.ErrTimeout when no frame arrives in time.
	// Zero disables the bound.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	// ReadLimit is the largest frame accepted, in bytes.
	ReadLimit int64 `mapstructure:"read_limit"`
	// Headers are added to the handshake request.
	Headers map[string]string `mapstructure:"headers"`
}

// NewWebSocketDefaults provides a config with sensible defaults.
func NewWebSocketDefaults(endpoint string) WebSocketConfig {
	return WebSocketConfig{
		URL:            endpoint,
		ConnectTimeout: 10 * time.Second,
		ReadLimit:      1 << 20,
	}
}

// Validate reports every problem with the config at once.
func (c WebSocketConfig) Validate() error {
	var errs []error
	if c.URL == "" {
		errs = append(errs, errors.New("websocket URL is required"))
	} else if u, err := url.Parse(c.URL); err != nil {
		errs = append(errs, fmt.Errorf("websocket URL %q is invalid: %w", c.URL, err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" && u.Scheme != "http" && u.Scheme != "https" {
		errs = append(errs, fmt.Errorf("websocket URL scheme %q must be ws or wss", u.Scheme))
	}
	if c.ReadLimit < 0 {
		errs = append(errs, fmt.Errorf("websocket read limit cannot be negative"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(append([]error{types.ErrConfig}, errs...)...)
}

// WebSocketSubscriber receives frames from a single WebSocket connection.
type WebSocketSubscriber struct {
	conn        *websocket.Conn
	idleTimeout time.Duration
	logger      zerolog.Logger

	mu     sync.Mutex
	seq    uint64
	failed error

	closeOnce sync.Once
}

// DialWebSocket opens the connection described by cfg.
func DialWebSocket(ctx context.Context, cfg WebSocketConfig, logger zerolog.Logger) (*WebSocketSubscriber, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dialCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	header := http.Header{}
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}

	conn, _, err := websocket.Dial(dialCtx, cfg.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Join(types.ErrConnectFailure, fmt.Errorf("dial %s", cfg.URL), err)
	}
	if cfg.ReadLimit > 0 {
		conn.SetReadLimit(cfg.ReadLimit)
	}

	s := &WebSocketSubscriber{
		conn:        conn,
		idleTimeout: cfg.IdleTimeout,
		logger:      logger.With().Str("component", "WebSocketSubscriber").Str("url", cfg.URL).Logger(),
	}
	s.logger.Info().Msg("WebSocket connection established")
	return s, nil
}

// Receive blocks until the next frame. Both text and binary frames are returned.
func (s *WebSocketSubscriber) Receive(ctx context.Context) (types.InboundMessage, error) {
	s.mu.Lock()
	failed := s.failed
	s.mu.Unlock()
	if failed != nil {
		return types.InboundMessage{}, failed
	}

	readCtx := ctx
	if s.idleTimeout > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(ctx, s.idleTimeout)
		defer cancel()
	}

	_, data, err := s.conn.Read(readCtx)
	if err != nil {
		if ctx.Err() != nil {
			return types.InboundMessage{}, ctx.Err()
		}
		return types.InboundMessage{}, s.fail(s.classify(readCtx, err))
	}

	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	return types.InboundMessage{
		Seq:        seq,
		Payload:    data,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

// classify maps a read error onto the subscriber error kinds.
func (s *WebSocketSubscriber) classify(readCtx context.Context, err error) error {
	if errors.Is(readCtx.Err(), context.DeadlineExceeded) {
		return errors.Join(types.ErrTimeout, fmt.Errorf("no frame within %s", s.idleTimeout), err)
	}
	if code := websocket.CloseStatus(err); code != -1 {
		return errors.Join(types.ErrConnectionLost, fmt.Errorf("close frame received: %s", code), err)
	}
	return errors.Join(types.ErrConnectionLost, err)
}

// fail records the first terminal error; the handle keeps reporting it afterwards.
func (s *WebSocketSubscriber) fail(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed == nil {
		s.failed = err
		s.logger.Warn().Err(err).Str("error_kind", types.Kind(err)).Uint64("last_seq", s.seq).Msg("WebSocket subscription ended.")
	}
	return s.failed
}

// Close sends a normal-closure frame and releases the connection.
func (s *WebSocketSubscriber) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.failed == nil {
			s.failed = errors.Join(types.ErrConnectionLost, fmt.Errorf("subscriber closed"))
		}
		s.mu.Unlock()
		if err := s.conn.Close(websocket.StatusNormalClosure, "bridge shutting down"); err != nil {
			s.logger.Debug().Err(err).Msg("WebSocket close handshake incomplete.")
		}
		s.logger.Info().Msg("WebSocket connection closed.")
	})
	return nil
}
