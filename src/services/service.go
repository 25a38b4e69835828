package services

import (
	"context"

	"github.com/square-key-labs/strawgo-bridge/src/frames"
	"github.com/square-key-labs/strawgo-bridge/src/serializers"
)

// RealtimeSession is one duplex connection to a speech-to-speech AI service.
// Commands may be called from any goroutine; Receive from a single reader.
type RealtimeSession interface {
	// Receive blocks for the next classified event. It skips frames that
	// decode to nothing and returns an error only when the connection ends.
	Receive(ctx context.Context) (frames.RealtimeEvent, error)

	// Configure sends session configuration (instructions, formats, turn
	// detection, tools)
	Configure(update serializers.SessionUpdate) error

	// AppendAudio forwards caller audio in the negotiated format
	AppendAudio(payload []byte) error

	// CancelResponse cancels responseID, or whatever is active when empty
	CancelResponse(responseID string) error

	// TruncateItem trims the service's record of an assistant item to what
	// the caller actually heard
	TruncateItem(itemID string, contentIndex, audioEndMs int) error

	// CreateResponse asks the service to speak, optionally with one-off instructions
	CreateResponse(instructions string) error

	// SendFunctionOutput adds a function_call_output conversation item
	SendFunctionOutput(callID, output string) error

	// SendFunctionResult acknowledges a direct function call
	SendFunctionResult(callID string, result interface{}) error

	Close() error
}

// RealtimeDialer opens RealtimeSessions. One session is opened per call and
// never reconnected.
type RealtimeDialer interface {
	Dial(ctx context.Context) (RealtimeSession, error)
}
