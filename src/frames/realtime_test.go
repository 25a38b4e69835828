package frames

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var (
	_ RealtimeEvent  = (*FunctionCallEvent)(nil)
	_ RealtimeEvent  = (*ItemAddedEvent)(nil)
	_ TelephonyEvent = (*MarkEvent)(nil)
)

func TestEventNames(t *testing.T) {
	events := map[string]interface{ Name() string }{
		"session-ack":      &SessionAckEvent{},
		"response-created": &ResponseCreatedEvent{},
		"audio-delta":      &AudioDeltaEvent{},
		"transcript-delta": &TranscriptDeltaEvent{},
		"item-added":       &ItemAddedEvent{},
		"speech-started":   &SpeechStartedEvent{},
		"speech-stopped":   &SpeechStoppedEvent{},
		"response-done":    &ResponseDoneEvent{},
		"function-call":    &FunctionCallEvent{ToolName: "end_call"},
		"error":            &ErrorEvent{},
		"start":            &StartEvent{},
		"media":            &MediaEvent{},
		"mark":             &MarkEvent{MarkName: "R1:1"},
		"stop":             &StopEvent{},
	}
	for want, ev := range events {
		assert.Equal(t, want, ev.Name())
	}
}

func TestFunctionCallKeepsToolName(t *testing.T) {
	var ev RealtimeEvent = &FunctionCallEvent{ToolName: "end_call", CallID: "call_1", Shape: ShapeFunctionResult}
	call, ok := ev.(*FunctionCallEvent)
	assert.True(t, ok)
	assert.Equal(t, "function-call", call.Name())
	assert.Equal(t, "end_call", call.ToolName)
}

func TestAudioFrameSequence(t *testing.T) {
	a := NewAudioFrame([]byte{1}, 0, OriginCaller)
	b := NewAudioFrame([]byte{2}, 0, OriginAssistant)
	assert.Greater(t, b.Seq, a.Seq)
	assert.Equal(t, "caller", a.Origin.String())
	assert.Equal(t, "assistant", b.Origin.String())
}
