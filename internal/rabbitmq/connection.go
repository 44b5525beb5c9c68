package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glimte/mmate-watch/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
)

// Connection is the part of *amqp.Connection the manager depends on
type Connection interface {
	Channel() (*amqp.Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer opens a connection to url
type Dialer func(url string) (Connection, error)

func dialAMQP(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// BreakerSettings controls the circuit breaker that guards dial attempts
type BreakerSettings struct {
	// FailureThreshold is the number of consecutive dial failures that opens the breaker
	FailureThreshold uint32
	// ResetTimeout is how long the breaker stays open before a trial dial
	ResetTimeout time.Duration
}

// ConnectionManager manages the RabbitMQ connection with automatic reconnection
type ConnectionManager struct {
	url            string
	dial           Dialer
	breaker        *gobreaker.CircuitBreaker
	breakerCfg     BreakerSettings
	reconnectDelay time.Duration
	maxDelay       time.Duration
	dialTimeout    time.Duration
	maxRetries     int
	logger         *slog.Logger

	mu          sync.RWMutex
	conn        Connection
	isConnected bool
	closed      bool
	done        chan struct{}

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the initial reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts.
// Zero or a negative value retries forever.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialTimeout bounds a single dial attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithBreaker configures the dial circuit breaker
func WithBreaker(settings BreakerSettings) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.breakerCfg = settings
	}
}

// WithDialer replaces amqp.Dial
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           dialAMQP,
		reconnectDelay: 5 * time.Second,
		maxDelay:       5 * time.Minute,
		dialTimeout:    30 * time.Second,
		maxRetries:     -1, // infinite retries by default
		logger:         slog.Default(),
		done:           make(chan struct{}),
		breakerCfg: BreakerSettings{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		},
	}

	for _, opt := range options {
		opt(cm)
	}

	threshold := cm.breakerCfg.FailureThreshold
	cm.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "rabbitmq-dial",
		MaxRequests: 1,
		Timeout:     cm.breakerCfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return threshold > 0 && counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			cm.logger.Warn("dial circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return cm
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return ErrConnectionClosed
	}
	if cm.isConnected {
		return nil
	}
	if strings.TrimSpace(cm.url) == "" {
		return &ConnectionError{Op: "connect", Err: ErrInvalidConfiguration, Timestamp: time.Now()}
	}

	conn, err := cm.dialGuarded(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	notify := cm.installLocked(conn)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyConnected()

	go cm.handleReconnect(notify)

	return nil
}

// dialGuarded dials through the circuit breaker with the dial timeout applied
func (cm *ConnectionManager) dialGuarded(ctx context.Context) (Connection, error) {
	result, err := cm.breaker.Execute(func() (interface{}, error) {
		return cm.dialWithTimeout(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.(Connection), nil
}

type dialResult struct {
	conn Connection
	err  error
}

func (cm *ConnectionManager) dialWithTimeout(ctx context.Context) (Connection, error) {
	connCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	results := make(chan dialResult, 1)
	go func() {
		conn, err := cm.dial(cm.url)
		results <- dialResult{conn: conn, err: err}
	}()

	select {
	case r := <-results:
		return r.conn, r.err
	case <-connCtx.Done():
		// A dial that completes later must not leak its connection
		go func() {
			if r := <-results; r.err == nil && r.conn != nil {
				r.conn.Close()
			}
		}()
		if errors.Is(connCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrConnectionTimeout
		}
		return nil, connCtx.Err()
	}
}

// installLocked stores conn and returns its close notification channel
func (cm *ConnectionManager) installLocked(conn Connection) chan *amqp.Error {
	cm.conn = conn
	cm.isConnected = true
	return conn.NotifyClose(make(chan *amqp.Error, 1))
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}

	// Check if connection is actually closed
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// Channel opens a new channel on the current connection
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return ch, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// BreakerState reports the state of the dial circuit breaker
func (cm *ConnectionManager) BreakerState() gobreaker.State {
	return cm.breaker.State()
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true
	close(cm.done)
	cm.isConnected = false

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}

	return nil
}

// handleReconnect waits for the connection to close and reconnects
func (cm *ConnectionManager) handleReconnect(notify chan *amqp.Error) {
	for {
		select {
		case err, ok := <-notify:
			cm.mu.Lock()
			if cm.closed {
				cm.mu.Unlock()
				return
			}
			cm.isConnected = false
			cm.conn = nil
			cm.mu.Unlock()

			var cause error
			if ok && err != nil {
				cm.logger.Error("connection closed", "error", err)
				cause = err
			} else {
				cause = ErrConnectionClosed
			}
			cm.notifyDisconnected(cause)

			next, ok := cm.reconnect()
			if !ok {
				return
			}
			notify = next

		case <-cm.done:
			cm.logger.Info("connection manager shutting down")
			return
		}
	}
}

// reconnect dials until a connection is installed, the manager is closed or
// the retry budget is spent
func (cm *ConnectionManager) reconnect() (chan *amqp.Error, bool) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-cm.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	startTime := time.Now()
	var notify chan *amqp.Error

	cm.logger.Info("attempting to reconnect", "maxRetries", cm.maxRetries)
	cm.notifyReconnecting(1)

	err := reliability.RetryNotify(ctx, cm.reconnectPolicy(), func() error {
		conn, err := cm.dialGuarded(ctx)
		if err != nil {
			if IsFatal(err) {
				return reliability.Permanent(err)
			}
			return err
		}

		cm.mu.Lock()
		defer cm.mu.Unlock()
		if cm.closed {
			conn.Close()
			return reliability.Permanent(ErrConnectionClosed)
		}
		notify = cm.installLocked(conn)
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		cm.logger.Error("reconnection failed",
			"error", err,
			"attempt", attempt,
			"nextRetryIn", delay,
		)
		cm.notifyReconnecting(attempt + 1)
	})

	if err != nil {
		if ctx.Err() != nil || errors.Is(err, ErrConnectionClosed) {
			return nil, false
		}

		cm.logger.Error("giving up reconnecting",
			"error", err,
			"duration", time.Since(startTime),
		)
		attempts := 0
		var retryErr *reliability.RetryError
		if errors.As(err, &retryErr) {
			attempts = retryErr.Attempts
		}
		cm.notifyDisconnected(&ConnectionError{
			Op:        "reconnect",
			URL:       SanitizeURL(cm.url),
			Err:       errors.Join(ErrMaxRetriesExceeded, err),
			Timestamp: time.Now(),
			Attempts:  attempts,
		})
		return nil, false
	}

	cm.logger.Info("successfully reconnected to RabbitMQ", "duration", time.Since(startTime))
	cm.notifyConnected()

	return notify, true
}

func (cm *ConnectionManager) reconnectPolicy() reliability.RetryPolicy {
	maxRetries := cm.maxRetries
	if maxRetries <= 0 {
		maxRetries = reliability.Unlimited
	}
	base := cm.reconnectDelay
	if base <= 0 {
		base = 5 * time.Second
	}
	return reliability.NewExponentialBackoff(base, cm.maxDelay, 2.0, maxRetries)
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}
