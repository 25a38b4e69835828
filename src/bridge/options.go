package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/square-key-labs/strawgo-bridge/src/audio"
	"github.com/square-key-labs/strawgo-bridge/src/billing"
	"github.com/square-key-labs/strawgo-bridge/src/config"
	"github.com/square-key-labs/strawgo-bridge/src/frames"
	"github.com/square-key-labs/strawgo-bridge/src/interruptions"
	"github.com/square-key-labs/strawgo-bridge/src/serializers"
	"github.com/square-key-labs/strawgo-bridge/src/services"
	"github.com/square-key-labs/strawgo-bridge/src/tools"
)

// TelephonyLeg is the caller side of a call
type TelephonyLeg interface {
	Receive(ctx context.Context) (frames.TelephonyEvent, error)
	SendAudio(payload []byte) error
	SendClear() error
	SendMark(name string) error
	Close() error
}

// Options is the per-call behaviour shared by every session of a Manager
type Options struct {
	Instructions  string
	Voice         string
	AudioFormat   string // Wire name sent to the AI service (g711_ulaw | g711_alaw)
	Temperature   float64
	TurnDetection *serializers.TurnDetection
	Codec         audio.Codec

	BargeIn  bool
	Detector interruptions.EchoGatedParams

	MaxDuration          time.Duration // Default budget when the call does not carry one
	Greeting             bool
	GreetingInstructions string
	DeliveryStyle        string
	NoticeInstructions   string
	NoticeTimeout        time.Duration
	HangupGrace          time.Duration

	BillingMode  string // config.BillingEndOfCall | config.BillingLiveTick
	TickInterval time.Duration
	TopUpURL     string
}

// OptionsFromConfig converts loaded configuration to session options
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	codec, err := cfg.Codec()
	if err != nil {
		return Options{}, err
	}
	return Options{
		Instructions:         cfg.Realtime.Instructions,
		Voice:                cfg.Realtime.Voice,
		AudioFormat:          cfg.Realtime.AudioFormat,
		Temperature:          cfg.Realtime.Temperature,
		TurnDetection:        cfg.WireTurnDetection(),
		Codec:                codec,
		BargeIn:              cfg.BargeIn.Enabled,
		Detector:             cfg.DetectorParams(),
		MaxDuration:          cfg.Session.MaxDuration,
		Greeting:             cfg.Session.Greeting,
		GreetingInstructions: cfg.Session.GreetingInstructions,
		DeliveryStyle:        cfg.Session.DeliveryStyle,
		NoticeInstructions:   cfg.Session.NoticeInstructions,
		NoticeTimeout:        cfg.Session.NoticeTimeout,
		HangupGrace:          cfg.Session.HangupGrace,
		BillingMode:          cfg.Billing.Mode,
		TickInterval:         cfg.Billing.TickInterval,
		TopUpURL:             cfg.Billing.TopUpURL,
	}, nil
}

func (o *Options) applyDefaults() {
	if o.Codec == "" {
		o.Codec = audio.CodecMulaw
	}
	if o.AudioFormat == "" {
		o.AudioFormat = "g711_ulaw"
	}
	if o.DeliveryStyle == "" {
		o.DeliveryStyle = tools.DefaultDeliveryStyle
	}
	if o.NoticeTimeout <= 0 {
		o.NoticeTimeout = 15 * time.Second
	}
	if o.HangupGrace <= 0 {
		o.HangupGrace = 10 * time.Second
	}
	if o.BillingMode == "" {
		o.BillingMode = config.BillingEndOfCall
	}
	if o.BillingMode == config.BillingLiveTick && o.TickInterval <= 0 {
		o.TickInterval = 15 * time.Second
	}
}

// Deps are the collaborators a session talks to
type Deps struct {
	Dialer   services.RealtimeDialer
	Ledger   billing.Ledger   // nil disables entitlement checks and usage reports
	Notifier billing.Notifier // nil disables out-of-budget notices
	Tools    *tools.Dispatcher
	Clock    func() time.Time
}

// CallParams are values carried by the individual call
type CallParams struct {
	// MaxDuration from the stream URL; zero means "not supplied"
	MaxDuration time.Duration
}

// budgetFromParams recovers a max-duration budget from start custom
// parameters when an intermediary dropped the URL query
func budgetFromParams(params map[string]string) (time.Duration, bool) {
	for _, key := range []string{"maxDuration", "max_duration"} {
		v, ok := params[key]
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		d, err := config.ParseSeconds(v)
		if err != nil {
			continue
		}
		return d, true
	}
	return 0, false
}

// callerFromParams returns the caller identity used as the ledger key
func callerFromParams(params map[string]string) string {
	for _, key := range []string{"from", "caller"} {
		if v := strings.TrimSpace(params[key]); v != "" {
			return v
		}
	}
	return ""
}

// ParseCallParams reads call parameters from the stream URL query values
func ParseCallParams(get func(string) string) (CallParams, error) {
	var p CallParams
	if v := get("maxDuration"); v != "" {
		d, err := config.ParseSeconds(v)
		if err != nil {
			return p, fmt.Errorf("invalid maxDuration %q: %w", v, err)
		}
		p.MaxDuration = d
	}
	return p, nil
}
