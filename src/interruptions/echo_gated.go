package interruptions

import (
	"fmt"
	"math"
	"time"

	"github.com/square-key-labs/strawgo-bridge/src/audio"
)

// EchoGatedParams holds configuration for the local barge-in detector.
// Amplitudes are mean absolute linear sample values (0..32768).
type EchoGatedParams struct {
	StaticThreshold float64       // Absolute floor a caller frame must exceed (default: 900)
	EchoRatio       float64       // Multiple of the echo floor a caller frame must exceed (default: 1.6)
	EchoAlpha       float64       // EMA weight of the newest assistant frame (default: 0.2)
	WindowSamples   int           // Samples decoded from the start of each frame (default: 160 = 20ms)
	DebounceFrames  int           // Consecutive qualifying frames required (default: 3)
	Cooldown        time.Duration // Quiet period after a local trigger (default: 1s)
	StartupGuard    time.Duration // No triggers this soon after a response begins (default: 300ms)
	Codec           audio.Codec   // Encoding of both directions (default: mulaw)
}

// DefaultEchoGatedParams returns the default detector parameters
func DefaultEchoGatedParams() EchoGatedParams {
	return EchoGatedParams{
		StaticThreshold: 900,
		EchoRatio:       1.6,
		EchoAlpha:       0.2,
		WindowSamples:   160,
		DebounceFrames:  3,
		Cooldown:        time.Second,
		StartupGuard:    300 * time.Millisecond,
		Codec:           audio.CodecMulaw,
	}
}

// Validate reports parameter combinations the detector cannot work with
func (p EchoGatedParams) Validate() error {
	switch {
	case p.StaticThreshold < 0:
		return fmt.Errorf("static threshold must be >= 0, got %v", p.StaticThreshold)
	case p.EchoRatio <= 0:
		return fmt.Errorf("echo ratio must be > 0, got %v", p.EchoRatio)
	case p.EchoAlpha <= 0 || p.EchoAlpha > 1:
		return fmt.Errorf("echo alpha must be in (0,1], got %v", p.EchoAlpha)
	case p.DebounceFrames < 1:
		return fmt.Errorf("debounce frames must be >= 1, got %d", p.DebounceFrames)
	case p.Cooldown < 0 || p.StartupGuard < 0:
		return fmt.Errorf("cooldown and startup guard must be >= 0")
	}
	return nil
}

// EchoGatedDetector detects caller speech over assistant playback from frame
// energy. The trigger level adapts to the assistant's own outbound energy so
// echo of the assistant's voice on the caller leg does not count as speech.
type EchoGatedDetector struct {
	params EchoGatedParams

	echoFloor     float64 // EMA of assistant outbound amplitude
	echoSeeded    bool
	consecutive   int
	lastTrigger   time.Time
	responseStart time.Time
	lastAmplitude float64
}

// NewEchoGatedDetector creates a new detector
func NewEchoGatedDetector(params EchoGatedParams) *EchoGatedDetector {
	if params.Codec == "" {
		params.Codec = audio.CodecMulaw
	}
	return &EchoGatedDetector{params: params}
}

// ResponseStarted records when the assistant began speaking
func (d *EchoGatedDetector) ResponseStarted(now time.Time) {
	d.responseStart = now
	d.consecutive = 0
}

// ObserveAssistant folds an outbound frame into the echo-floor EMA
func (d *EchoGatedDetector) ObserveAssistant(payload []byte) {
	amp := audio.AverageAmplitude(payload, d.params.WindowSamples, d.params.Codec)
	if !d.echoSeeded {
		d.echoFloor = amp
		d.echoSeeded = true
		return
	}
	d.echoFloor = d.params.EchoAlpha*amp + (1-d.params.EchoAlpha)*d.echoFloor
}

// Threshold returns the amplitude a caller frame must exceed to qualify
func (d *EchoGatedDetector) Threshold() float64 {
	return math.Max(d.params.StaticThreshold, d.echoFloor*d.params.EchoRatio)
}

// EchoFloor returns the current echo-floor estimate
func (d *EchoGatedDetector) EchoFloor() float64 {
	return d.echoFloor
}

// LastAmplitude returns the amplitude of the most recent caller frame
func (d *EchoGatedDetector) LastAmplitude() float64 {
	return d.lastAmplitude
}

// ObserveCaller evaluates one caller frame. Qualifying frames inside the
// startup guard or cooldown still count toward the debounce, so the detector
// fires on the first permitted frame once the run is long enough.
func (d *EchoGatedDetector) ObserveCaller(payload []byte, now time.Time) bool {
	amp := audio.AverageAmplitude(payload, d.params.WindowSamples, d.params.Codec)
	d.lastAmplitude = amp

	if amp <= d.Threshold() {
		d.consecutive = 0
		return false
	}

	d.consecutive++
	if d.consecutive < d.params.DebounceFrames {
		return false
	}
	if !d.responseStart.IsZero() && now.Sub(d.responseStart) < d.params.StartupGuard {
		return false
	}
	if !d.lastTrigger.IsZero() && now.Sub(d.lastTrigger) < d.params.Cooldown {
		return false
	}

	d.lastTrigger = now
	d.consecutive = 0
	return true
}

// Reset clears the debounce run; the echo floor and cooldown survive
func (d *EchoGatedDetector) Reset() {
	d.consecutive = 0
}
