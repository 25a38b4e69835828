// Package config loads bridge configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/square-key-labs/strawgo-bridge/src/audio"
	"github.com/square-key-labs/strawgo-bridge/src/interruptions"
	"github.com/square-key-labs/strawgo-bridge/src/serializers"
)

const (
	BillingEndOfCall = "end_of_call"
	BillingLiveTick  = "live_tick"

	TurnDetectionServerVAD   = "server_vad"
	TurnDetectionSemanticVAD = "semantic_vad"
)

// Config holds the bridge configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Realtime      RealtimeConfig      `yaml:"realtime"`
	TurnDetection TurnDetectionConfig `yaml:"turn_detection"`
	BargeIn       BargeInConfig       `yaml:"barge_in"`
	Session       SessionConfig       `yaml:"session"`
	Billing       BillingConfig       `yaml:"billing"`
	Redis         RedisConfig         `yaml:"redis"`
	Log           LogConfig           `yaml:"log"`
}

// ServerConfig holds the telephony-facing HTTP server settings
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	MediaPath       string        `yaml:"media_path"`
	MaxCallRate     float64       `yaml:"max_call_rate"`  // New streams per second (0 = unlimited)
	MaxCallBurst    int           `yaml:"max_call_burst"` // Burst allowance for MaxCallRate
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RealtimeConfig holds the AI leg settings
type RealtimeConfig struct {
	URL               string        `yaml:"url"`
	APIKey            string        `yaml:"api_key"`
	Model             string        `yaml:"model"`
	Voice             string        `yaml:"voice"`
	Instructions      string        `yaml:"instructions"`
	AudioFormat       string        `yaml:"audio_format"` // g711_ulaw | g711_alaw
	Temperature       float64       `yaml:"temperature"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
}

// TurnDetectionConfig selects the provider's own turn detector
type TurnDetectionConfig struct {
	Mode              string  `yaml:"mode"` // server_vad | semantic_vad
	Threshold         float64 `yaml:"threshold"`
	PrefixPaddingMs   int     `yaml:"prefix_padding_ms"`
	SilenceDurationMs int     `yaml:"silence_duration_ms"`
	Eagerness         string  `yaml:"eagerness"` // semantic_vad only: low | medium | high | auto
	CreateResponse    bool    `yaml:"create_response"`
	InterruptResponse bool    `yaml:"interrupt_response"`
}

// BargeInConfig tunes the local energy-based barge-in detector
type BargeInConfig struct {
	Enabled         bool          `yaml:"enabled"`
	StaticThreshold float64       `yaml:"static_threshold"`
	EchoRatio       float64       `yaml:"echo_ratio"`
	EchoAlpha       float64       `yaml:"echo_alpha"`
	WindowSamples   int           `yaml:"window_samples"`
	DebounceFrames  int           `yaml:"debounce_frames"`
	Cooldown        time.Duration `yaml:"cooldown"`
	StartupGuard    time.Duration `yaml:"startup_guard"`
}

// SessionConfig holds per-call behaviour
type SessionConfig struct {
	MaxDuration          time.Duration `yaml:"max_duration"` // 0 = no default budget
	Greeting             bool          `yaml:"greeting"`
	GreetingInstructions string        `yaml:"greeting_instructions"`
	DeliveryStyle        string        `yaml:"delivery_style"`
	NoticeInstructions   string        `yaml:"notice_instructions"`
	NoticeTimeout        time.Duration `yaml:"notice_timeout"`
	HangupGrace          time.Duration `yaml:"hangup_grace"` // Safety timer after end_call
}

// BillingConfig selects how usage is metered
type BillingConfig struct {
	Backend        string        `yaml:"backend"` // none | memory | redis
	Mode           string        `yaml:"mode"`    // end_of_call | live_tick
	TickInterval   time.Duration `yaml:"tick_interval"`
	WebhookURL     string        `yaml:"webhook_url"`
	TopUpURL       string        `yaml:"top_up_url"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

// RedisConfig holds the entitlement store connection
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level string `yaml:"level"`
	Color bool   `yaml:"color"`
}

// Default returns a config with working defaults
func Default() *Config {
	detector := interruptions.DefaultEchoGatedParams()
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			MediaPath:       "/media",
			MaxCallBurst:    10,
			ShutdownTimeout: 10 * time.Second,
		},
		Realtime: RealtimeConfig{
			URL:               "wss://api.openai.com/v1/realtime",
			Model:             "gpt-4o-realtime-preview",
			Voice:             "alloy",
			Instructions:      "You are a helpful voice assistant on a phone call. Keep answers short and conversational.",
			AudioFormat:       "g711_ulaw",
			Temperature:       0.8,
			KeepaliveInterval: 20 * time.Second,
			DialTimeout:       10 * time.Second,
		},
		TurnDetection: TurnDetectionConfig{
			Mode:              TurnDetectionServerVAD,
			Threshold:         0.5,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 500,
			Eagerness:         "auto",
			CreateResponse:    true,
		},
		BargeIn: BargeInConfig{
			Enabled:         true,
			StaticThreshold: detector.StaticThreshold,
			EchoRatio:       detector.EchoRatio,
			EchoAlpha:       detector.EchoAlpha,
			WindowSamples:   detector.WindowSamples,
			DebounceFrames:  detector.DebounceFrames,
			Cooldown:        detector.Cooldown,
			StartupGuard:    detector.StartupGuard,
		},
		Session: SessionConfig{
			Greeting:             true,
			GreetingInstructions: "Greet the caller briefly and ask how you can help.",
			DeliveryStyle:        "normal",
			NoticeInstructions:   "Tell the caller, in one short sentence, that they have no talk time left and will receive a link to top up. Then say goodbye.",
			NoticeTimeout:        15 * time.Second,
			HangupGrace:          10 * time.Second,
		},
		Billing: BillingConfig{
			Backend:        "none",
			Mode:           BillingEndOfCall,
			TickInterval:   15 * time.Second,
			IdempotencyTTL: 7 * 24 * time.Hour,
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "strawgo",
		},
		Log: LogConfig{
			Level: "INFO",
			Color: true,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path or a missing
// file yields defaults. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg, err := LoadFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}

// LoadFromBytes parses YAML over the defaults. ${VAR} references in secrets
// are expanded; other environment overrides are not applied.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := Default()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}
	cfg.Realtime.APIKey = os.ExpandEnv(cfg.Realtime.APIKey)
	cfg.Redis.Password = os.ExpandEnv(cfg.Redis.Password)
	return cfg, nil
}

// ApplyEnv overrides deployment and secret values from the environment
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Realtime.APIKey, "OPENAI_API_KEY")
	set(&c.Realtime.URL, "REALTIME_URL")
	set(&c.Realtime.Model, "REALTIME_MODEL")
	set(&c.Redis.Addr, "REDIS_ADDR")
	set(&c.Redis.Password, "REDIS_PASSWORD")
	set(&c.Billing.Backend, "BILLING_BACKEND")
	set(&c.Billing.WebhookURL, "BILLING_WEBHOOK_URL")
	set(&c.Billing.TopUpURL, "TOPUP_URL")
	set(&c.Log.Level, "LOG_LEVEL")

	if port := getenv("PORT"); port != "" {
		c.Server.Addr = ":" + port
	}
	if v := getenv("MAX_CALL_DURATION"); v != "" {
		if d, err := ParseSeconds(v); err == nil {
			c.Session.MaxDuration = d
		}
	}
}

// Validate rejects impossible values
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if !strings.HasPrefix(c.Server.MediaPath, "/") {
		errs = append(errs, errors.New("server.media_path must start with /"))
	}
	if c.Server.MaxCallRate < 0 {
		errs = append(errs, errors.New("server.max_call_rate must be >= 0"))
	}
	if c.Realtime.URL == "" {
		errs = append(errs, errors.New("realtime.url is required"))
	}
	if _, err := c.Codec(); err != nil {
		errs = append(errs, err)
	}
	if c.Realtime.KeepaliveInterval <= 0 {
		errs = append(errs, errors.New("realtime.keepalive_interval must be > 0"))
	}

	switch c.TurnDetection.Mode {
	case TurnDetectionServerVAD, TurnDetectionSemanticVAD:
	default:
		errs = append(errs, fmt.Errorf("turn_detection.mode %q must be %s or %s", c.TurnDetection.Mode, TurnDetectionServerVAD, TurnDetectionSemanticVAD))
	}

	if c.BargeIn.Enabled {
		if err := c.DetectorParams().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("barge_in: %w", err))
		}
	}

	if c.Session.MaxDuration < 0 {
		errs = append(errs, errors.New("session.max_duration must be >= 0"))
	}
	if c.Session.NoticeTimeout <= 0 {
		errs = append(errs, errors.New("session.notice_timeout must be > 0"))
	}

	switch c.Billing.Backend {
	case "none", "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("billing.backend %q must be none, memory or redis", c.Billing.Backend))
	}
	switch c.Billing.Mode {
	case BillingEndOfCall:
	case BillingLiveTick:
		if c.Billing.TickInterval < time.Second {
			errs = append(errs, errors.New("billing.tick_interval must be at least 1s"))
		}
	default:
		errs = append(errs, fmt.Errorf("billing.mode %q must be %s or %s", c.Billing.Mode, BillingEndOfCall, BillingLiveTick))
	}

	return errors.Join(errs...)
}

// Codec returns the telephony codec implied by realtime.audio_format
func (c *Config) Codec() (audio.Codec, error) {
	codec, err := audio.ParseCodec(c.Realtime.AudioFormat)
	if err != nil || codec == audio.CodecLinear16 {
		return "", fmt.Errorf("realtime.audio_format %q must be g711_ulaw or g711_alaw", c.Realtime.AudioFormat)
	}
	return codec, nil
}

// DetectorParams converts the barge-in section to detector parameters
func (c *Config) DetectorParams() interruptions.EchoGatedParams {
	codec, err := c.Codec()
	if err != nil {
		codec = audio.CodecMulaw
	}
	return interruptions.EchoGatedParams{
		StaticThreshold: c.BargeIn.StaticThreshold,
		EchoRatio:       c.BargeIn.EchoRatio,
		EchoAlpha:       c.BargeIn.EchoAlpha,
		WindowSamples:   c.BargeIn.WindowSamples,
		DebounceFrames:  c.BargeIn.DebounceFrames,
		Cooldown:        c.BargeIn.Cooldown,
		StartupGuard:    c.BargeIn.StartupGuard,
		Codec:           codec,
	}
}

// WireTurnDetection converts the turn detection section to its wire form
func (c *Config) WireTurnDetection() *serializers.TurnDetection {
	td := c.TurnDetection
	create := td.CreateResponse
	interrupt := td.InterruptResponse
	wire := &serializers.TurnDetection{
		Type:              td.Mode,
		CreateResponse:    &create,
		InterruptResponse: &interrupt,
	}
	if td.Mode == TurnDetectionSemanticVAD {
		wire.Eagerness = td.Eagerness
		return wire
	}
	threshold := td.Threshold
	prefix := td.PrefixPaddingMs
	silence := td.SilenceDurationMs
	wire.Threshold = &threshold
	wire.PrefixPaddingMs = &prefix
	wire.SilenceDurationMs = &silence
	return wire
}

// YAML renders the effective configuration with secrets masked
func (c *Config) YAML() ([]byte, error) {
	masked := *c
	if masked.Realtime.APIKey != "" {
		masked.Realtime.APIKey = "****"
	}
	if masked.Redis.Password != "" {
		masked.Redis.Password = "****"
	}
	return yaml.Marshal(&masked)
}

// ParseSeconds accepts either a bare number of seconds ("90") or a Go
// duration ("90s"). Call parameters carry budgets as bare seconds.
func ParseSeconds(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	d, err := time.ParseDuration(v)
	if n, convErr := strconv.Atoi(v); convErr == nil {
		d, err = time.Duration(n)*time.Second, nil
	}
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", v)
	}
	return d, nil
}
