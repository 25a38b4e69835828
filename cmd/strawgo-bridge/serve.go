package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/square-key-labs/strawgo-bridge/src/billing"
	"github.com/square-key-labs/strawgo-bridge/src/bridge"
	"github.com/square-key-labs/strawgo-bridge/src/config"
	"github.com/square-key-labs/strawgo-bridge/src/logger"
	"github.com/square-key-labs/strawgo-bridge/src/metrics"
	"github.com/square-key-labs/strawgo-bridge/src/services/realtime"
	"github.com/square-key-labs/strawgo-bridge/src/transports"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the media stream server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Realtime.APIKey == "" {
		logger.Warn("No realtime API key configured (set OPENAI_API_KEY)")
	}

	ledger, closeLedger, err := buildLedger(cfg)
	if err != nil {
		return err
	}
	defer closeLedger()

	opts, err := bridge.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	manager, err := bridge.NewManager(opts, bridge.Deps{
		Dialer: &realtime.Dialer{Config: realtime.Config{
			URL:               cfg.Realtime.URL,
			APIKey:            cfg.Realtime.APIKey,
			Model:             cfg.Realtime.Model,
			KeepaliveInterval: cfg.Realtime.KeepaliveInterval,
			DialTimeout:       cfg.Realtime.DialTimeout,
		}},
		Ledger:   ledger,
		Notifier: buildNotifier(cfg),
	})
	if err != nil {
		return err
	}

	server := transports.NewTwilioServer(transports.TwilioServerConfig{
		Addr:         cfg.Server.Addr,
		Path:         cfg.Server.MediaPath,
		MaxCallRate:  cfg.Server.MaxCallRate,
		MaxCallBurst: cfg.Server.MaxCallBurst,
		Registry:     metrics.NewRegistry(),
	}, manager.HandleStream)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Start(); err != nil {
		return err
	}
	logger.Info("Bridge ready on %s%s (billing: %s/%s)", server.Addr(), cfg.Server.MediaPath, cfg.Billing.Backend, cfg.Billing.Mode)

	<-ctx.Done()
	logger.Info("Shutting down, %d active calls", manager.Active())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("Stopped")
	return nil
}

// buildLedger returns the configured entitlement store; nil when billing is off
func buildLedger(cfg *config.Config) (billing.Ledger, func(), error) {
	switch cfg.Billing.Backend {
	case "memory":
		logger.Warn("Using in-memory ledger; balances are lost on restart")
		return billing.NewMemoryLedger(nil), func() {}, nil
	case "redis":
		ledger, client, err := openRedisLedger(cfg)
		if err != nil {
			return nil, nil, err
		}
		return ledger, func() { _ = client.Close() }, nil
	default:
		return nil, func() {}, nil
	}
}

func openRedisLedger(cfg *config.Config) (*billing.RedisLedger, *redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
	}

	ledger := billing.NewRedisLedger(client,
		billing.WithPrefix(cfg.Redis.Prefix),
		billing.WithIdempotencyTTL(cfg.Billing.IdempotencyTTL),
	)
	return ledger, client, nil
}

func buildNotifier(cfg *config.Config) billing.Notifier {
	notifiers := billing.MultiNotifier{billing.NewLogNotifier()}
	if cfg.Billing.WebhookURL != "" {
		notifiers = append(notifiers, billing.NewWebhookNotifier(cfg.Billing.WebhookURL, cfg.Billing.TopUpURL))
	}
	return notifiers
}
