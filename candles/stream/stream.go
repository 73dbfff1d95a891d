package stream

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/linluma/swapcandles/shared/models"
	"github.com/linluma/swapcandles/shared/notify"
	"go.uber.org/zap"
)

var (
	// ErrMaxReconnectAttempts is emitted once when the retry budget is spent
	ErrMaxReconnectAttempts = errors.New("max reconnection attempts reached")

	// ErrNotConnected is returned when writing without a live connection
	ErrNotConnected = errors.New("stream not connected")
)

// State is the connection state of a Stream
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// RetryConfig holds retry configuration parameters
type RetryConfig struct {
	InitialDelay  time.Duration // e.g., 1 second
	MaxDelay      time.Duration // e.g., 30 seconds
	MaxRetries    int           // e.g., 5 attempts
	BackoffFactor float64       // e.g., 2.0 (exponential)
	Jitter        bool          // Add randomization to prevent thundering herd
}

// DefaultRetryConfig doubles from one second, five attempts
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		MaxRetries:    5,
		BackoffFactor: 2.0,
		Jitter:        false,
	}
}

// ConnectionHealth tracks stream connection health
type ConnectionHealth struct {
	State            State
	FailureCount     int
	ConsecutiveFails int
	RetryAttempt     int
	NextRetryDelay   time.Duration
	LastFailureTime  time.Time
}

// Conn is the part of a websocket connection the stream uses
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Stream connects to a swap push feed and emits canonical swap events
type Stream struct {
	url     string
	decoder Decoder
	clock   clock.Clock
	logger  *zap.Logger

	mu          sync.Mutex
	state       State
	conn        Conn
	epoch       uint64
	topics      []string
	retryConfig RetryConfig
	backoff     backoff.BackOff
	retryTimer  *clock.Timer
	health      ConnectionHealth

	writeMu sync.Mutex

	// statusMu orders connection status notifications; announced records
	// that true went out for the current connection
	statusMu  sync.Mutex
	announced bool

	swaps  *notify.Listeners[models.SwapEvent]
	status *notify.Listeners[bool]
	errs   *notify.Listeners[error]

	// Allow test override of dial function
	dialFunc func(ctx context.Context, url string) (Conn, error)
}

// New creates a stream for the given websocket URL and provider decoder
func New(url string, decoder Decoder, clk clock.Clock, logger *zap.Logger) *Stream {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("provider", string(decoder.Name())))

	s := &Stream{
		url:     url,
		decoder: decoder,
		clock:   clk,
		logger:  logger,
		swaps:   notify.New[models.SwapEvent]("swap", logger),
		status:  notify.New[bool]("connection-status", logger),
		errs:    notify.New[error]("error", logger),
	}
	s.dialFunc = s.dial
	s.SetRetryConfig(DefaultRetryConfig())
	return s
}

// SetRetryConfig configures reconnect behavior
func (s *Stream) SetRetryConfig(config RetryConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryConfig = config
	s.backoff = s.newBackOff()
}

func (s *Stream) newBackOff() backoff.BackOff {
	strategy := backoff.NewExponentialBackOff()
	strategy.InitialInterval = s.retryConfig.InitialDelay
	strategy.MaxInterval = s.retryConfig.MaxDelay
	strategy.Multiplier = s.retryConfig.BackoffFactor
	strategy.MaxElapsedTime = 0 // Bounded by attempts, not time
	strategy.Clock = s.clock
	strategy.RandomizationFactor = 0
	if s.retryConfig.Jitter {
		strategy.RandomizationFactor = 0.25 // ±25% jitter
	}
	strategy.Reset()

	return backoff.WithMaxRetries(strategy, uint64(s.retryConfig.MaxRetries))
}

// OnSwap registers a swap event listener
func (s *Stream) OnSwap(fn func(models.SwapEvent)) uuid.UUID { return s.swaps.Add(fn) }

// OnConnectionStatus registers a listener for connect/disconnect changes.
// Every false follows a true; listeners must not call Disconnect.
func (s *Stream) OnConnectionStatus(fn func(bool)) uuid.UUID { return s.status.Add(fn) }

// OnError registers an error listener
func (s *Stream) OnError(fn func(error)) uuid.UUID { return s.errs.Add(fn) }

// RemoveListener unregisters a listener from whichever channel holds it
func (s *Stream) RemoveListener(id uuid.UUID) bool {
	return s.swaps.Remove(id) || s.status.Remove(id) || s.errs.Remove(id)
}

// State returns the current connection state
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected returns connection status
func (s *Stream) IsConnected() bool {
	return s.State() == StateConnected
}

// GetConnectionHealth returns current connection health status
func (s *Stream) GetConnectionHealth() ConnectionHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	health := s.health
	health.State = s.state
	return health
}

// Topics returns the retained subscriptions
func (s *Stream) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.topics)
}

// Connect opens the connection and replays retained subscriptions.
// It is a no-op while connecting, connected or waiting to reconnect.
// A failed dial schedules a reconnect and returns the dial error.
func (s *Stream) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.backoff.Reset()
	s.health.RetryAttempt = 0
	s.mu.Unlock()

	return s.attempt(ctx)
}

// Subscribe retains topic and sends the subscription if connected.
// While disconnected the request waits for the next successful connect.
func (s *Stream) Subscribe(topic string) error {
	s.mu.Lock()
	if slices.Contains(s.topics, topic) {
		s.mu.Unlock()
		return nil
	}
	s.topics = append(s.topics, topic)
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected {
		s.logger.Debug("subscription deferred until connected", zap.String("topic", topic))
		return nil
	}
	return s.sendSubscribe(conn, topic)
}

// Disconnect closes the connection, cancels any pending reconnect and
// forgets all subscriptions. Safe to call in any state.
func (s *Stream) Disconnect() error {
	s.mu.Lock()
	wasAnnounced := s.announced
	s.announced = false
	s.state = StateDisconnected
	s.epoch++
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	conn := s.conn
	s.conn = nil
	s.topics = nil
	s.backoff.Reset()
	s.health.RetryAttempt = 0
	s.health.NextRetryDelay = 0
	s.mu.Unlock()

	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		if err := conn.Close(); err != nil {
			s.logger.Warn("error closing websocket", zap.Error(err))
		}
	}

	if wasAnnounced {
		s.statusMu.Lock()
		s.status.Emit(false)
		s.statusMu.Unlock()
	}
	s.logger.Info("stream disconnected")
	return nil
}

// attempt dials once. The caller has already moved the state to connecting.
func (s *Stream) attempt(ctx context.Context) error {
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	conn, err := s.dialFunc(ctx, s.url)

	s.mu.Lock()
	if s.state != StateConnecting || s.epoch != epoch {
		// Disconnected while dialing
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return nil
	}

	if err != nil {
		s.recordFailure()
		exhausted := s.scheduleReconnect()
		attempt := s.health.RetryAttempt
		s.mu.Unlock()

		s.logger.Warn("stream connection attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if exhausted {
			s.errs.Emit(ErrMaxReconnectAttempts)
		}
		return fmt.Errorf("failed to dial %s: %w", s.url, err)
	}

	s.epoch++
	epoch = s.epoch
	s.conn = conn
	s.state = StateConnected
	s.recordSuccess()
	topics := slices.Clone(s.topics)
	s.mu.Unlock()

	s.logger.Info("stream connected", zap.String("url", s.url), zap.Int("topics", len(topics)))

	for _, topic := range topics {
		if err := s.sendSubscribe(conn, topic); err != nil {
			s.logger.Warn("failed to resubscribe", zap.String("topic", topic), zap.Error(err))
		}
	}

	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	s.mu.Lock()
	current := s.epoch == epoch && s.state == StateConnected
	s.announced = current
	s.mu.Unlock()
	if !current {
		// Disconnected while resubscribing
		return nil
	}

	s.status.Emit(true)
	go s.readMessages(conn, epoch)
	return nil
}

// dial performs the actual WebSocket connection
func (s *Stream) dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// scheduleReconnect arms the retry timer, or reports exhaustion.
// Must be called with mu held.
func (s *Stream) scheduleReconnect() bool {
	delay := s.backoff.NextBackOff()
	if delay == backoff.Stop {
		s.state = StateDisconnected
		s.health.NextRetryDelay = 0
		s.logger.Error("giving up on stream", zap.Int("attempts", s.health.RetryAttempt))
		return true
	}

	s.state = StateReconnecting
	s.health.RetryAttempt++
	s.health.NextRetryDelay = delay
	epoch := s.epoch
	s.retryTimer = s.clock.AfterFunc(delay, func() { s.retry(epoch) })
	return false
}

func (s *Stream) retry(epoch uint64) {
	s.mu.Lock()
	if s.state != StateReconnecting || s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	s.state = StateConnecting
	s.retryTimer = nil
	s.mu.Unlock()

	_ = s.attempt(context.Background())
}

func (s *Stream) recordFailure() {
	s.health.FailureCount++
	s.health.ConsecutiveFails++
	s.health.LastFailureTime = s.clock.Now()
}

func (s *Stream) recordSuccess() {
	s.health.ConsecutiveFails = 0
	s.health.RetryAttempt = 0
	s.health.NextRetryDelay = 0
	s.backoff.Reset()
}

func (s *Stream) sendSubscribe(conn Conn, topic string) error {
	frame, err := s.decoder.SubscribeFrame(topic)
	if err != nil {
		return fmt.Errorf("failed to build subscription for %s: %w", topic, err)
	}
	if err := s.write(conn, frame); err != nil {
		return fmt.Errorf("failed to send subscription for %s: %w", topic, err)
	}
	s.logger.Debug("subscribed", zap.String("topic", topic))
	return nil
}

func (s *Stream) write(conn Conn, data []byte) error {
	if conn == nil {
		return ErrNotConnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readMessages reads until the connection fails or is replaced
func (s *Stream) readMessages(conn Conn, epoch uint64) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			s.handleClose(epoch, err)
			return
		}
		s.handleMessage(message)
	}
}

// handleMessage decodes one message and emits its swaps. Anything that is
// not a well-formed swap is dropped.
func (s *Stream) handleMessage(message []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("stream message handling panicked", zap.Any("panic", r))
		}
	}()

	events, err := s.decoder.Decode(message)
	if err != nil {
		if !errors.Is(err, ErrNotSwap) {
			s.logger.Debug("dropping malformed message", zap.Error(err))
		}
		return
	}
	for _, event := range events {
		s.swaps.Emit(event)
	}
}

func (s *Stream) handleClose(epoch uint64, cause error) {
	s.mu.Lock()
	if s.epoch != epoch || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	wasAnnounced := s.announced
	s.announced = false
	s.recordFailure()
	exhausted := s.scheduleReconnect()
	delay := s.health.NextRetryDelay
	s.mu.Unlock()

	if websocket.IsUnexpectedCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.logger.Warn("stream closed unexpectedly", zap.Error(cause), zap.Duration("retry_in", delay))
	} else {
		s.logger.Info("stream closed", zap.Error(cause), zap.Duration("retry_in", delay))
	}

	if wasAnnounced {
		s.statusMu.Lock()
		s.status.Emit(false)
		s.statusMu.Unlock()
	}
	if exhausted {
		s.errs.Emit(ErrMaxReconnectAttempts)
	}
}
