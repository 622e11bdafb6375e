package relay

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kylemclaren/clawrelay/cmd/clawrelay/internal"
	"github.com/kylemclaren/clawrelay/pkg/bus"
	"github.com/kylemclaren/clawrelay/pkg/channels"
	"github.com/kylemclaren/clawrelay/pkg/config"
	"github.com/kylemclaren/clawrelay/pkg/gateway"
	"github.com/kylemclaren/clawrelay/pkg/keepwarm"
	"github.com/kylemclaren/clawrelay/pkg/logger"
	"github.com/kylemclaren/clawrelay/pkg/orchestrator"
	"github.com/kylemclaren/clawrelay/pkg/wake"
)

// gatewayBackend adapts the concrete gateway client to the orchestrator's
// Backend interface.
type gatewayBackend struct {
	client *gateway.Client
}

func (b gatewayBackend) EnsureConnected(ctx context.Context) error {
	return b.client.EnsureConnected(ctx)
}

func (b gatewayBackend) WaitForResponse(messageID string) orchestrator.Wait {
	return b.client.WaitForResponse(messageID)
}

func (b gatewayBackend) SendRelayMessage(ctx context.Context, msg bus.InboundMessage) error {
	return b.client.SendRelayMessage(ctx, msg)
}

func relayCmd(debug bool) error {
	if debug {
		logger.SetLevel(logger.DEBUG)
		fmt.Println("🔍 Debug mode enabled")
	}

	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if cfg.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is not configured (config: %s)", internal.GetConfigPath())
	}
	if cfg.Wake.HealthURL == "" {
		return fmt.Errorf("wake.health_url is not configured (config: %s)", internal.GetConfigPath())
	}

	coordinator := wake.NewCoordinator(wake.Config{
		HealthURL: cfg.Wake.HealthURL,
		Trigger: wake.Trigger{
			Method:  cfg.Wake.Trigger.Method,
			URL:     cfg.Wake.Trigger.URL,
			Headers: cfg.Wake.Trigger.Headers,
			Body:    cfg.Wake.Trigger.Body,
		},
		ProbeTimeout: cfg.Wake.ProbeTimeout(),
		PollInterval: cfg.Wake.PollInterval(),
		Deadline:     cfg.Wake.Deadline(),
	})

	client := gateway.NewClient(gateway.Config{
		URL:             cfg.Gateway.URL,
		Token:           cfg.Gateway.Token,
		IdleTimeout:     cfg.Gateway.IdleTimeout(),
		ResponseTimeout: cfg.Gateway.ResponseTimeout(),
	})

	orch := orchestrator.New(orchestrator.Config{
		QueueTTL:       cfg.Queue.TTL(),
		TypingInterval: cfg.Typing.Interval(),
		TypingMax:      cfg.Typing.Max(),
	}, coordinator, gatewayBackend{client: client})

	enabled := buildChannels(cfg, orch.OnInboundMessage)
	if len(enabled) == 0 {
		return fmt.Errorf("no channels enabled (config: %s)", internal.GetConfigPath())
	}

	ctx := context.Background()
	var started []channels.Channel
	for _, ch := range enabled {
		if err := ch.Login(ctx); err != nil {
			for _, s := range started {
				s.Destroy(ctx)
			}
			return fmt.Errorf("error logging in %s: %w", ch.Name(), err)
		}
		started = append(started, ch)
		orch.RegisterAdapter(ch)
		fmt.Printf("✓ Channel started: %s\n", ch.Name())
	}

	var warmer *keepwarm.Service
	if cfg.KeepWarm.Enabled && cfg.KeepWarm.Schedule != "" {
		warmer = keepwarm.NewService(cfg.KeepWarm.Schedule, coordinator)
		if err := warmer.Start(); err != nil {
			fmt.Printf("⚠ Keep-warm disabled: %v\n", err)
			warmer = nil
		} else {
			fmt.Printf("✓ Keep-warm schedule: %s\n", cfg.KeepWarm.Schedule)
		}
	}

	fmt.Printf("✓ Relay started, sandbox gateway: %s\n", cfg.Gateway.URL)
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	orch.Stop()
	if warmer != nil {
		warmer.Stop()
	}
	client.Shutdown()
	for _, ch := range started {
		if err := ch.Destroy(ctx); err != nil {
			logger.WarnCF("relay", "Channel shutdown error", map[string]any{
				"channel": ch.Name(),
				"error":   err.Error(),
			})
		}
	}
	fmt.Println("✓ Relay stopped")

	return nil
}

// buildChannels constructs every enabled adapter, all feeding the same
// inbound handler.
func buildChannels(cfg *config.Config, handler channels.InboundHandler) []channels.Channel {
	var out []channels.Channel

	if cfg.Channels.Discord.Enabled {
		out = append(out, channels.NewDiscordChannel(
			cfg.Channels.Discord.Token,
			cfg.Channels.Discord.AllowFrom,
			handler,
		))
	}
	if cfg.Channels.Telegram.Enabled {
		out = append(out, channels.NewTelegramChannel(
			cfg.Channels.Telegram.Token,
			cfg.Channels.Telegram.AllowFrom,
			handler,
		))
	}
	if cfg.Channels.Slack.Enabled {
		out = append(out, channels.NewSlackChannel(
			cfg.Channels.Slack.BotToken,
			cfg.Channels.Slack.AppToken,
			cfg.Channels.Slack.AllowFrom,
			handler,
		))
	}

	return out
}
