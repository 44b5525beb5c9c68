package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	mmate "github.com/glimte/mmate-watch"
	"github.com/glimte/mmate-watch/config"
	"github.com/glimte/mmate-watch/contracts"
	"github.com/glimte/mmate-watch/health"
	"github.com/glimte/mmate-watch/messaging"
	"github.com/glimte/mmate-watch/serialization"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// flags holds command line overrides. Zero values leave the config untouched.
type flags struct {
	configPath     string
	url            string
	queue          string
	prefetch       uint16
	mode           string
	logLevel       string
	logFormat      string
	envelope       bool
	healthInterval time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	rootCmd := &cobra.Command{
		Use:   "mmate-watch",
		Short: "Watch a RabbitMQ queue and log every message",
		Long: `mmate-watch consumes a single RabbitMQ queue, logs each delivery and
acknowledges it. The consumer is re-registered automatically when the broker
closes its channel. Stop it with Ctrl+C.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			return run(cfg, f)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&f.configPath, "config", "c", "mmate-watch.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVarP(&f.url, "url", "u", "", "RabbitMQ connection URL")
	rootCmd.PersistentFlags().StringVarP(&f.queue, "queue", "q", "", "Queue to watch")
	rootCmd.PersistentFlags().Uint16VarP(&f.prefetch, "prefetch", "p", 0, "Maximum unacknowledged deliveries")
	rootCmd.PersistentFlags().StringVarP(&f.mode, "mode", "m", "", "Dispatch mode: sync or async")
	rootCmd.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&f.logFormat, "log-format", "", "Log format: text or json")
	rootCmd.Flags().BoolVar(&f.envelope, "envelope", false, "Decode bodies as mmate envelopes")
	rootCmd.Flags().DurationVar(&f.healthInterval, "health-interval", 0, "Log health every interval (0 disables)")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to render config: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	rootCmd.AddCommand(configCmd)

	return rootCmd
}

// loadConfig reads the config file and applies flag overrides before validating
func loadConfig(f *flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, f)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyOverrides(cfg *config.Config, f *flags) {
	if f.url != "" {
		cfg.Broker.URL = f.url
	}
	if f.queue != "" {
		cfg.Watch.Queue = f.queue
	}
	if f.prefetch > 0 {
		cfg.Watch.Prefetch = f.prefetch
	}
	if f.mode != "" {
		cfg.Watch.Mode = strings.ToLower(f.mode)
	}
	if f.logLevel != "" {
		cfg.Log.Level = strings.ToLower(f.logLevel)
	}
	if f.logFormat != "" {
		cfg.Log.Format = strings.ToLower(f.logFormat)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func clientOptions(cfg *config.Config, logger *slog.Logger) []mmate.ClientOption {
	return []mmate.ClientOption{
		mmate.WithLogger(logger),
		mmate.WithPrefetchCount(cfg.Watch.Prefetch),
		mmate.WithConsumerTagPrefix(cfg.Watch.ConsumerTagPrefix),
		mmate.WithStopTimeout(cfg.Watch.StopTimeout),
		mmate.WithAwaitTimeout(cfg.Watch.AwaitTimeout),
		mmate.WithDialTimeout(cfg.Broker.DialTimeout),
		mmate.WithReconnect(cfg.Broker.ReconnectDelay, cfg.Broker.MaxReconnectAttempts),
		mmate.WithDialBreaker(cfg.Broker.Breaker.FailureThreshold, cfg.Broker.Breaker.ResetTimeout),
		mmate.WithReinitBackoff(cfg.Reinit.InitialInterval, cfg.Reinit.MaxInterval, cfg.Reinit.Multiplier, cfg.Reinit.MaxAttempts),
		mmate.WithErrorHandler(func(event messaging.ErrorEvent) {
			logger.Warn("delivery failed",
				"queue", event.Queue,
				"consumerTag", event.ConsumerTag,
				"deliveryTag", event.Delivery.Tag,
				"redelivered", event.Delivery.Redelivered,
				"error", event.Err,
			)
		}),
	}
}

func run(cfg *config.Config, f *flags) error {
	logger := newLogger(cfg.Log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, stopping", "signal", sig.String())
		cancel()
	}()

	client, err := mmate.NewClientWithOptions(cfg.Broker.URL, clientOptions(cfg, logger)...)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	dispatcher := newDispatcher(cfg.Watch, f.envelope, logger)
	if _, err := client.Watch(ctx, cfg.Watch.Queue, dispatcher); err != nil {
		return fmt.Errorf("failed to watch %s: %w", cfg.Watch.Queue, err)
	}

	logger.Info("watching queue, press Ctrl+C to stop",
		"queue", cfg.Watch.Queue,
		"mode", cfg.Watch.Mode,
		"prefetchCount", cfg.Watch.Prefetch,
	)

	if f.healthInterval > 0 {
		go reportHealth(ctx, client, f.healthInterval, logger)
	}

	<-ctx.Done()
	return nil
}

// received is what the CLI decodes each delivery into
type received struct {
	Size     int
	Envelope *contracts.Envelope
}

func newDispatcher(cfg config.WatchConfig, envelope bool, logger *slog.Logger) messaging.Dispatcher {
	var decoder messaging.Decoder[received] = messaging.DecoderFunc[received](func(body []byte) (received, error) {
		return received{Size: len(body)}, nil
	})
	if envelope {
		envelopes := serialization.NewEnvelopeDecoder(serialization.NewTypeRegistry())
		decoder = messaging.DecoderFunc[received](func(body []byte) (received, error) {
			env, err := envelopes.DecodeEnvelope(body)
			if err != nil {
				return received{}, err
			}
			return received{Size: len(body), Envelope: env}, nil
		})
	}

	logMessage := func(ctx context.Context, msg received) error {
		attrs := []any{"bytes", msg.Size}
		if msg.Envelope != nil {
			attrs = append(attrs,
				"messageId", msg.Envelope.ID,
				"messageType", msg.Envelope.Type,
				"correlationId", msg.Envelope.CorrelationID,
			)
		}
		logger.Info("message received", attrs...)
		return nil
	}

	if cfg.Mode == config.ModeAsync {
		return messaging.NewAsyncDispatcher[received](decoder,
			messaging.AsyncHandlerFunc[received](func(ctx context.Context, msg received) messaging.Future {
				return messaging.Go(func() error { return logMessage(ctx, msg) })
			}),
			messaging.WithAwaitTimeout(cfg.AwaitTimeout),
		)
	}
	return messaging.NewSyncDispatcher[received](decoder, messaging.HandlerFunc[received](logMessage))
}

func reportHealth(ctx context.Context, client *mmate.Client, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result := client.Health(ctx)
			attrs := []any{"status", result.Status}
			for _, name := range result.Names() {
				attrs = append(attrs, name, result.Checks[name].Status)
			}
			if result.Status == health.StatusHealthy {
				logger.Info("health", attrs...)
			} else {
				logger.Warn("health", attrs...)
			}
		}
	}
}
