package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/diogo/chatrelay/internal/breaker"
	"github.com/diogo/chatrelay/internal/config"
	"github.com/diogo/chatrelay/internal/connectivity"
	"github.com/diogo/chatrelay/internal/delivery"
	"github.com/diogo/chatrelay/internal/history"
	"github.com/diogo/chatrelay/internal/logger"
	"github.com/diogo/chatrelay/internal/outbox"
	"github.com/diogo/chatrelay/internal/retry"
	"github.com/diogo/chatrelay/internal/telemetry"
	"github.com/diogo/chatrelay/internal/transport"
)

const probeTimeout = 3 * time.Second

// Dependencies holds the services a command runs against.
// This allows for dependency injection and easier testing.
type Dependencies struct {
	Config        config.Config
	Conversations *history.Store
	Outbox        *outbox.Store
	Checker       connectivity.Checker

	Coordinator   *delivery.Coordinator

	telemetry *telemetry.Telemetry
}

// DependencyOptions tune how NewDependencies wires the services
type DependencyOptions struct {
	// Offline forces the connectivity signal off.
	Offline bool
	// Checker replaces the TCP probe.
	Checker connectivity.Checker
	// ClientOptions are passed to the webhook client.
	ClientOptions []transport.ClientOption
}

// Test seams for the network-facing parts
var (
	testChecker       connectivity.Checker
	testClientOptions []transport.ClientOption
)

// NewDependencies wires logging, telemetry, the stores and the delivery
// coordinator.
func NewDependencies(ctx context.Context, cfg config.Config, opts DependencyOptions) (*Dependencies, error) {
	tel, err := telemetry.Setup(ctx, cfg.OTel)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	logger.Setup(cfg)

	dir, err := config.EnsureConfigDir()
	if err != nil {
		return nil, err
	}

	conversations, err := history.NewStore(dir)
	if err != nil {
		return nil, err
	}
	box, err := outbox.NewStore(dir)
	if err != nil {
		return nil, err
	}

	deps := &Dependencies{
		Config:        cfg,
		Conversations: conversations,
		Outbox:        box,
		Checker:       newChecker(cfg, opts),
		telemetry:     tel,
	}

	// Conversation intents work without a webhook; sends are refused by
	// RequireWebhook.
	var t delivery.Transport
	if cfg.WebhookURL != "" {
		clientOpts := []transport.ClientOption{transport.WithToken(cfg.Token)}
		clientOpts = append(clientOpts, opts.ClientOptions...)
		client, err := transport.NewClient(cfg.WebhookURL, clientOpts...)
		if err != nil {
			return nil, err
		}
		t = client
	}

	brk := breaker.New(breaker.Settings{
		Threshold:      cfg.BreakerThreshold,
		Cooldown:       cfg.BreakerCooldownDuration(),
		HalfOpenTrials: cfg.BreakerTrials,
	})
	executor := retry.New(
		retry.WithBase(cfg.BackoffBase()),
		retry.WithObserver(func(attempt int, wait time.Duration, err error) {
			slog.Debug("retrying send", "attempt", attempt, "wait", wait, "error", err)
		}),
	)

	deps.Coordinator = delivery.New(conversations, box, t,
		delivery.WithBreaker(brk),
		delivery.WithRetry(executor),
		delivery.WithConnectivity(deps.Checker),
		delivery.WithSettings(delivery.Settings{
			TextTimeout:       cfg.TextTimeoutDuration(),
			AttachmentTimeout: cfg.AttachmentTimeoutDuration(),
			TextRetries:       cfg.TextRetries,
			AttachmentRetries: cfg.AttachmentRetries,
			HistoryLimit:      cfg.HistoryLimit,
		}),
	)
	return deps, nil
}

// RequireWebhook fails unless the settings needed to deliver are valid
func (d *Dependencies) RequireWebhook() error {
	return d.Config.Validate()
}

// Close lets background flushes finish, or stops them once ctx is done,
// and flushes telemetry
func (d *Dependencies) Close(ctx context.Context) {
	if ctx.Err() == nil {
		d.Coordinator.Wait()
	}
	d.Coordinator.Close()
	if err := d.telemetry.Shutdown(ctx); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}
}

func newChecker(cfg config.Config, opts DependencyOptions) connectivity.Checker {
	if opts.Offline {
		return connectivity.NewStatic(false)
	}
	if opts.Checker != nil {
		return opts.Checker
	}

	addr := cfg.ProbeAddress
	if addr == "" && cfg.WebhookURL != "" {
		var err error
		if addr, err = connectivity.ProbeAddress(cfg.WebhookURL); err != nil {
			slog.Warn("cannot derive probe address, assuming online", "error", err)
		}
	}
	if addr == "" {
		return connectivity.NewStatic(true)
	}
	return connectivity.NewProber(addr, probeTimeout)
}

// loadDependencies reads the configuration and wires the services for cmd
func loadDependencies(cmd *cobra.Command, offline bool) (*Dependencies, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	if verboseFlag {
		cfg.Verbose = true
	}

	return NewDependencies(commandContext(cmd), cfg, DependencyOptions{
		Offline:       offline,
		Checker:       testChecker,
		ClientOptions: testClientOptions,
	})
}
