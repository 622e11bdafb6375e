package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	// Try []interface{} to handle mixed types
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Gateway  GatewayConfig  `json:"gateway"`
	Wake     WakeConfig     `json:"wake"`
	Queue    QueueConfig    `json:"queue"`
	Typing   TypingConfig   `json:"typing"`
	Channels ChannelsConfig `json:"channels"`
	KeepWarm KeepWarmConfig `json:"keepwarm,omitzero"`
}

// GatewayConfig points the protocol client at the sandbox gateway.
type GatewayConfig struct {
	URL                    string `json:"url" env:"CLAWRELAY_GATEWAY_URL"`
	Token                  string `json:"token" env:"CLAWRELAY_GATEWAY_TOKEN"`
	IdleTimeoutSeconds     int    `json:"idle_timeout_seconds"`
	ResponseTimeoutSeconds int    `json:"response_timeout_seconds"`
}

func (g GatewayConfig) IdleTimeout() time.Duration {
	return time.Duration(g.IdleTimeoutSeconds) * time.Second
}

func (g GatewayConfig) ResponseTimeout() time.Duration {
	return time.Duration(g.ResponseTimeoutSeconds) * time.Second
}

// WakeTrigger is the optional one-shot call that asks the host to resume
// the sandbox. Failures here are logged, never fatal.
type WakeTrigger struct {
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url,omitempty" env:"CLAWRELAY_WAKE_URL"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

type WakeConfig struct {
	HealthURL           string      `json:"health_url" env:"CLAWRELAY_HEALTH_URL"`
	Trigger             WakeTrigger `json:"trigger,omitzero"`
	ProbeTimeoutSeconds int         `json:"probe_timeout_seconds"`
	PollIntervalSeconds int         `json:"poll_interval_seconds"`
	DeadlineSeconds     int         `json:"deadline_seconds"`
}

func (w WakeConfig) ProbeTimeout() time.Duration {
	return time.Duration(w.ProbeTimeoutSeconds) * time.Second
}

func (w WakeConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalSeconds) * time.Second
}

func (w WakeConfig) Deadline() time.Duration {
	return time.Duration(w.DeadlineSeconds) * time.Second
}

type QueueConfig struct {
	TTLSeconds int `json:"ttl_seconds"`
}

func (q QueueConfig) TTL() time.Duration {
	return time.Duration(q.TTLSeconds) * time.Second
}

type TypingConfig struct {
	IntervalSeconds int `json:"interval_seconds"`
	MaxSeconds      int `json:"max_seconds"`
}

func (t TypingConfig) Interval() time.Duration {
	return time.Duration(t.IntervalSeconds) * time.Second
}

func (t TypingConfig) Max() time.Duration {
	return time.Duration(t.MaxSeconds) * time.Second
}

type ChannelsConfig struct {
	Discord  DiscordConfig  `json:"discord,omitzero"`
	Telegram TelegramConfig `json:"telegram,omitzero"`
	Slack    SlackConfig    `json:"slack,omitzero"`
}

type DiscordConfig struct {
	Enabled   bool                `json:"enabled"`
	Token     string              `json:"token" env:"CLAWRELAY_DISCORD_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from,omitempty"`
}

type TelegramConfig struct {
	Enabled   bool                `json:"enabled"`
	Token     string              `json:"token" env:"CLAWRELAY_TELEGRAM_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from,omitempty"`
}

type SlackConfig struct {
	Enabled   bool                `json:"enabled"`
	BotToken  string              `json:"bot_token" env:"CLAWRELAY_SLACK_BOT_TOKEN"`
	AppToken  string              `json:"app_token" env:"CLAWRELAY_SLACK_APP_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from,omitempty"`
}

// KeepWarmConfig pre-wakes the sandbox on a cron schedule so predictable
// busy hours never pay the cold start.
type KeepWarmConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron expression, e.g. "0 9-18 * * 1-5"
}

// DefaultConfig returns a config with all tunables at the documented
// defaults and no platforms enabled.
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			IdleTimeoutSeconds:     60,
			ResponseTimeoutSeconds: 300,
		},
		Wake: WakeConfig{
			ProbeTimeoutSeconds: 5,
			PollIntervalSeconds: 2,
			DeadlineSeconds:     120,
		},
		Queue:  QueueConfig{TTLSeconds: 300},
		Typing: TypingConfig{IntervalSeconds: 8, MaxSeconds: 180},
	}
}

// LoadConfig reads the JSON config at path and applies environment
// overrides. A missing file yields the defaults (env overrides still apply).
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("applying env overrides: %w", err)
	}

	applyFloors(cfg)
	return cfg, nil
}

// Save writes the config back as indented JSON, creating the directory
// if needed.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// applyFloors backfills zero or negative tunables with defaults so a
// sparse config file cannot produce busy loops or instant timeouts.
func applyFloors(cfg *Config) {
	def := DefaultConfig()
	if cfg.Gateway.IdleTimeoutSeconds <= 0 {
		cfg.Gateway.IdleTimeoutSeconds = def.Gateway.IdleTimeoutSeconds
	}
	if cfg.Gateway.ResponseTimeoutSeconds <= 0 {
		cfg.Gateway.ResponseTimeoutSeconds = def.Gateway.ResponseTimeoutSeconds
	}
	if cfg.Wake.ProbeTimeoutSeconds <= 0 {
		cfg.Wake.ProbeTimeoutSeconds = def.Wake.ProbeTimeoutSeconds
	}
	if cfg.Wake.PollIntervalSeconds <= 0 {
		cfg.Wake.PollIntervalSeconds = def.Wake.PollIntervalSeconds
	}
	if cfg.Wake.DeadlineSeconds <= 0 {
		cfg.Wake.DeadlineSeconds = def.Wake.DeadlineSeconds
	}
	if cfg.Queue.TTLSeconds <= 0 {
		cfg.Queue.TTLSeconds = def.Queue.TTLSeconds
	}
	if cfg.Typing.IntervalSeconds <= 0 {
		cfg.Typing.IntervalSeconds = def.Typing.IntervalSeconds
	}
	if cfg.Typing.MaxSeconds <= 0 {
		cfg.Typing.MaxSeconds = def.Typing.MaxSeconds
	}
}
