package interruptions

import "time"

// Detector decides, frame by frame, whether the caller has started talking
// over the assistant. It is fed both directions of audio: the assistant's own
// outbound frames (to learn the echo floor) and the caller's inbound frames.
//
// Detectors are owned by a single call and are not safe for concurrent use.
type Detector interface {
	// ResponseStarted opens the startup guard window for a new assistant response
	ResponseStarted(now time.Time)

	// ObserveAssistant updates the echo-floor estimate from an outbound frame
	ObserveAssistant(payload []byte)

	// ObserveCaller evaluates one inbound frame and reports whether barge-in fired
	ObserveCaller(payload []byte, now time.Time) bool

	// Reset clears debounce state (called after any barge-in, local or remote)
	Reset()
}

// Disabled is a Detector that never fires
type Disabled struct{}

func (Disabled) ResponseStarted(time.Time) {}
func (Disabled) ObserveAssistant([]byte) {}
func (Disabled) ObserveCaller([]byte, time.Time) bool { return false }
func (Disabled) Reset() {}
