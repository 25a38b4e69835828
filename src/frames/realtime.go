package frames

import "encoding/json"

// RealtimeEvent is the closed set of events decoded from the AI leg.
type RealtimeEvent interface {
	Name() string
	realtimeEvent()
}

// ToolCallShape distinguishes the two function-call delivery conventions
type ToolCallShape int

const (
	// ShapeFunctionResult: the provider expects a direct function result
	// referencing the call id.
	ShapeFunctionResult ToolCallShape = iota
	// ShapeConversationItem: the result goes back as a conversation item and
	// a new response must be requested.
	ShapeConversationItem
)

func (s ToolCallShape) String() string {
	switch s {
	case ShapeFunctionResult:
		return "function_result"
	case ShapeConversationItem:
		return "conversation_item"
	default:
		return "unknown"
	}
}

// SessionAckEvent acknowledges session creation or a configuration update
type SessionAckEvent struct {
	SessionID string
	Updated   bool
}

// ResponseCreatedEvent marks the start of an assistant response
type ResponseCreatedEvent struct {
	ResponseID string
}

// AudioDeltaEvent carries one chunk of assistant audio
type AudioDeltaEvent struct {
	ResponseID   string
	ItemID       string
	ContentIndex int
	Audio        *AudioFrame
}

// TranscriptDeltaEvent carries assistant text or audio transcript
type TranscriptDeltaEvent struct {
	ResponseID string
	ItemID     string
	Delta      string
	Transcript bool // true for audio transcript, false for text output
}

// ItemAddedEvent reports a new conversation item
type ItemAddedEvent struct {
	ItemID     string
	ResponseID string
	Role       string
	Type       string
}

// SpeechStartedEvent is the provider's turn detector reporting caller speech
type SpeechStartedEvent struct {
	AudioStartMs int
	ItemID       string
}

// SpeechStoppedEvent reports caller speech stopped or the input buffer was committed
type SpeechStoppedEvent struct {
	Committed bool
	ItemID    string
}

// ResponseDoneEvent marks the end of an assistant response
type ResponseDoneEvent struct {
	ResponseID string
	Status     string
}

// FunctionCallEvent asks the bridge to run a tool
type FunctionCallEvent struct {
	ToolName  string
	CallID    string
	Arguments json.RawMessage
	Shape     ToolCallShape
}

// ErrorEvent is an error reported by the AI service
type ErrorEvent struct {
	Type    string
	Code    string
	Message string
}

func (*SessionAckEvent) Name() string      { return "session-ack" }
func (*ResponseCreatedEvent) Name() string { return "response-created" }
func (*AudioDeltaEvent) Name() string      { return "audio-delta" }
func (*TranscriptDeltaEvent) Name() string { return "transcript-delta" }
func (*ItemAddedEvent) Name() string       { return "item-added" }
func (*SpeechStartedEvent) Name() string   { return "speech-started" }
func (*SpeechStoppedEvent) Name() string   { return "speech-stopped" }
func (*ResponseDoneEvent) Name() string    { return "response-done" }
func (*FunctionCallEvent) Name() string    { return "function-call" }
func (*ErrorEvent) Name() string           { return "error" }

func (*SessionAckEvent) realtimeEvent()      {}
func (*ResponseCreatedEvent) realtimeEvent() {}
func (*AudioDeltaEvent) realtimeEvent()      {}
func (*TranscriptDeltaEvent) realtimeEvent() {}
func (*ItemAddedEvent) realtimeEvent()       {}
func (*SpeechStartedEvent) realtimeEvent()   {}
func (*SpeechStoppedEvent) realtimeEvent()   {}
func (*ResponseDoneEvent) realtimeEvent()    {}
func (*FunctionCallEvent) realtimeEvent()    {}
func (*ErrorEvent) realtimeEvent()           {}
