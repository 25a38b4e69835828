package serializers

import (
	"errors"
	"fmt"

	"github.com/square-key-labs/strawgo-bridge/src/frames"
)

// ErrMalformed marks an inbound message that could not be decoded. Transports
// log and discard these; they never end a call.
var ErrMalformed = errors.New("malformed message")

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// TelephonyCodec decodes telephony-leg messages and encodes commands for it
// (Twilio Media Streams and compatible protocols).
type TelephonyCodec interface {
	// Decode returns (nil, nil) for protocol messages the bridge ignores
	Decode(data []byte) (frames.TelephonyEvent, error)
	EncodeMedia(payload []byte) ([]byte, error)
	EncodeClear() ([]byte, error)
	EncodeMark(name string) ([]byte, error)
}

// RealtimeCodec decodes AI-leg server events
type RealtimeCodec interface {
	// Decode returns (nil, nil) for event types the bridge does not act on
	Decode(data []byte) (frames.RealtimeEvent, error)
}
