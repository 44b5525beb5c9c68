package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-watch/internal/rabbitmq"
	"github.com/glimte/mmate-watch/messaging"
)

// Transport provides watch channels on a managed RabbitMQ connection.
// It implements messaging.ChannelProvider.
type Transport struct {
	manager *rabbitmq.ConnectionManager
	logger  *slog.Logger
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithLogger sets the logger of the transport and its connection manager
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport connects to RabbitMQ and returns a transport on that connection
func NewTransport(ctx context.Context, connectionString string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{
		Logger: slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(connectionString, connOpts...)

	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return NewTransportWithManager(manager, cfg.Logger), nil
}

// NewTransportWithManager creates a transport on an existing connection manager
func NewTransportWithManager(manager *rabbitmq.ConnectionManager, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		manager: manager,
		logger:  logger,
	}
}

// OpenChannel implements messaging.ChannelProvider
func (t *Transport) OpenChannel(ctx context.Context) (messaging.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch, err := t.manager.Channel()
	if err != nil {
		return nil, err
	}

	channel := newChannel(ch)
	t.logger.Debug("opened channel", "channel", channel.ID())
	return channel, nil
}

// Manager returns the connection manager
func (t *Transport) Manager() *rabbitmq.ConnectionManager {
	return t.manager
}

// IsConnected reports whether the connection is up
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// Close closes the connection. Watchers must be stopped first.
func (t *Transport) Close() error {
	return t.manager.Close()
}

var _ messaging.ChannelProvider = (*Transport)(nil)
