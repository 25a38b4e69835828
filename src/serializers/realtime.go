package serializers

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/square-key-labs/strawgo-bridge/src/frames"
)

// Client -> server event types
const (
	EventSessionUpdate      = "session.update"
	EventInputAudioAppend   = "input_audio_buffer.append"
	EventResponseCancel     = "response.cancel"
	EventItemTruncate       = "conversation.item.truncate"
	EventResponseCreate     = "response.create"
	EventItemCreate         = "conversation.item.create"
	EventFunctionCallResult = "function_call_result"
)

// ErrCodeCancelNotActive is returned by the service when response.cancel finds
// nothing to cancel.
const ErrCodeCancelNotActive = "response_cancel_not_active"

// TurnDetection is the provider-native turn detector configuration
type TurnDetection struct {
	Type              string   `json:"type"`
	Threshold         *float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   *int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs *int     `json:"silence_duration_ms,omitempty"`
	Eagerness         string   `json:"eagerness,omitempty"`
	CreateResponse    *bool    `json:"create_response,omitempty"`
	InterruptResponse *bool    `json:"interrupt_response,omitempty"`
}

// ToolSchema describes one callable tool
type ToolSchema struct {
	Type        string                 `json:"type"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// SessionUpdate is the body of a session.update command
type SessionUpdate struct {
	Modalities        []string       `json:"modalities,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	Voice             string         `json:"voice,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat string         `json:"output_audio_format,omitempty"`
	TurnDetection     *TurnDetection `json:"turn_detection,omitempty"`
	Tools             []ToolSchema   `json:"tools,omitempty"`
	ToolChoice        string         `json:"tool_choice,omitempty"`
	Temperature       float64        `json:"temperature,omitempty"`
}

type clientEvent struct {
	Type         string          `json:"type"`
	EventID      string          `json:"event_id,omitempty"`
	Session      *SessionUpdate  `json:"session,omitempty"`
	Audio        string          `json:"audio,omitempty"`
	ResponseID   string          `json:"response_id,omitempty"`
	ItemID       string          `json:"item_id,omitempty"`
	ContentIndex *int            `json:"content_index,omitempty"`
	AudioEndMs   *int            `json:"audio_end_ms,omitempty"`
	Response     *responseParams `json:"response,omitempty"`
	Item         *outputItem     `json:"item,omitempty"`
	CallID       string          `json:"call_id,omitempty"`
	Result       interface{}     `json:"result,omitempty"`
}

type responseParams struct {
	Instructions string `json:"instructions,omitempty"`
}

type outputItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

// RealtimeSerializer encodes client commands and decodes server events for an
// OpenAI-realtime-compatible service.
type RealtimeSerializer struct {
	newID func() string
}

// NewRealtimeSerializer creates a serializer that stamps every command with a
// fresh event id.
func NewRealtimeSerializer() *RealtimeSerializer {
	return &RealtimeSerializer{newID: func() string { return "evt_" + uuid.NewString() }}
}

// SessionUpdate builds a session.update command
func (s *RealtimeSerializer) SessionUpdate(update SessionUpdate) ([]byte, error) {
	return s.encode(clientEvent{Type: EventSessionUpdate, Session: &update})
}

// InputAudioAppend builds an input_audio_buffer.append command
func (s *RealtimeSerializer) InputAudioAppend(payload []byte) ([]byte, error) {
	return s.encode(clientEvent{
		Type:  EventInputAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(payload),
	})
}

// ResponseCancel builds a response.cancel command. An empty id cancels
// whatever is in progress.
func (s *RealtimeSerializer) ResponseCancel(responseID string) ([]byte, error) {
	return s.encode(clientEvent{Type: EventResponseCancel, ResponseID: responseID})
}

// ItemTruncate builds a conversation.item.truncate command
func (s *RealtimeSerializer) ItemTruncate(itemID string, contentIndex, audioEndMs int) ([]byte, error) {
	return s.encode(clientEvent{
		Type:         EventItemTruncate,
		ItemID:       itemID,
		ContentIndex: &contentIndex,
		AudioEndMs:   &audioEndMs,
	})
}

// ResponseCreate builds a response.create command with optional instructions
func (s *RealtimeSerializer) ResponseCreate(instructions string) ([]byte, error) {
	ev := clientEvent{Type: EventResponseCreate}
	if instructions != "" {
		ev.Response = &responseParams{Instructions: instructions}
	}
	return s.encode(ev)
}

// FunctionOutputItem builds the conversation.item.create carrying a tool result
func (s *RealtimeSerializer) FunctionOutputItem(callID, output string) ([]byte, error) {
	return s.encode(clientEvent{
		Type: EventItemCreate,
		Item: &outputItem{Type: "function_call_output", CallID: callID, Output: output},
	})
}

// FunctionCallResult builds the direct function result acknowledgment
func (s *RealtimeSerializer) FunctionCallResult(callID string, result interface{}) ([]byte, error) {
	return s.encode(clientEvent{Type: EventFunctionCallResult, CallID: callID, Result: result})
}

func (s *RealtimeSerializer) encode(ev clientEvent) ([]byte, error) {
	ev.EventID = s.newID()
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", ev.Type, err)
	}
	return data, nil
}

type serverEvent struct {
	Type         string          `json:"type"`
	ResponseID   string          `json:"response_id"`
	ItemID       string          `json:"item_id"`
	ContentIndex int             `json:"content_index"`
	Delta        string          `json:"delta"`
	AudioStartMs int             `json:"audio_start_ms"`
	CallID       string          `json:"call_id"`
	Name         string          `json:"name"`
	Arguments    json.RawMessage `json:"arguments"`
	Session      *struct {
		ID string `json:"id"`
	} `json:"session"`
	Response *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"response"`
	Item *struct {
		ID   string `json:"id"`
		Role string `json:"role"`
		Type string `json:"type"`
	} `json:"item"`
	FunctionCall *struct {
		Name      string          `json:"name"`
		CallID    string          `json:"call_id"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function_call"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Decode classifies one server event
func (s *RealtimeSerializer) Decode(data []byte) (frames.RealtimeEvent, error) {
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, malformed("realtime event: %v", err)
	}
	if ev.Type == "" {
		return nil, malformed("realtime event without type")
	}

	switch ev.Type {
	case "session.created", "session.updated":
		ack := &frames.SessionAckEvent{Updated: ev.Type == "session.updated"}
		if ev.Session != nil {
			ack.SessionID = ev.Session.ID
		}
		return ack, nil

	case "response.created":
		if ev.Response == nil {
			return nil, malformed("response.created without response")
		}
		return &frames.ResponseCreatedEvent{ResponseID: ev.Response.ID}, nil

	case "response.audio.delta", "response.output_audio.delta":
		payload, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			return nil, malformed("audio delta payload: %v", err)
		}
		return &frames.AudioDeltaEvent{
			ResponseID:   ev.ResponseID,
			ItemID:       ev.ItemID,
			ContentIndex: ev.ContentIndex,
			Audio:        frames.NewAudioFrame(payload, time.Duration(0), frames.OriginAssistant),
		}, nil

	case "response.audio_transcript.delta", "response.output_audio_transcript.delta":
		return &frames.TranscriptDeltaEvent{ResponseID: ev.ResponseID, ItemID: ev.ItemID, Delta: ev.Delta, Transcript: true}, nil

	case "response.text.delta", "response.output_text.delta":
		return &frames.TranscriptDeltaEvent{ResponseID: ev.ResponseID, ItemID: ev.ItemID, Delta: ev.Delta}, nil

	case "conversation.item.added", "conversation.item.created", "response.output_item.added":
		if ev.Item == nil {
			return nil, malformed("%s without item", ev.Type)
		}
		return &frames.ItemAddedEvent{
			ItemID:     ev.Item.ID,
			ResponseID: ev.ResponseID,
			Role:       ev.Item.Role,
			Type:       ev.Item.Type,
		}, nil

	case "input_audio_buffer.speech_started":
		return &frames.SpeechStartedEvent{AudioStartMs: ev.AudioStartMs, ItemID: ev.ItemID}, nil

	case "input_audio_buffer.speech_stopped":
		return &frames.SpeechStoppedEvent{ItemID: ev.ItemID}, nil

	case "input_audio_buffer.committed":
		return &frames.SpeechStoppedEvent{ItemID: ev.ItemID, Committed: true}, nil

	case "response.done":
		done := &frames.ResponseDoneEvent{}
		if ev.Response != nil {
			done.ResponseID = ev.Response.ID
			done.Status = ev.Response.Status
		}
		return done, nil

	case "response.function_call_arguments.done":
		if ev.Name == "" || ev.CallID == "" {
			return nil, malformed("function call without name or call_id")
		}
		return &frames.FunctionCallEvent{
			ToolName:  ev.Name,
			CallID:    ev.CallID,
			Arguments: normalizeArguments(ev.Arguments),
			Shape:     frames.ShapeConversationItem,
		}, nil

	case "function_call":
		name, callID, args := ev.Name, ev.CallID, ev.Arguments
		if ev.FunctionCall != nil {
			name, callID, args = ev.FunctionCall.Name, ev.FunctionCall.CallID, ev.FunctionCall.Arguments
		}
		if name == "" || callID == "" {
			return nil, malformed("function call without name or call_id")
		}
		return &frames.FunctionCallEvent{
			ToolName:  name,
			CallID:    callID,
			Arguments: normalizeArguments(args),
			Shape:     frames.ShapeFunctionResult,
		}, nil

	case "error":
		out := &frames.ErrorEvent{}
		if ev.Error != nil {
			out.Type = ev.Error.Type
			out.Code = ev.Error.Code
			out.Message = ev.Error.Message
		}
		return out, nil

	default:
		return nil, nil
	}
}

// normalizeArguments accepts arguments either as a JSON object or as a string
// containing JSON, and always returns the object form.
func normalizeArguments(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage("{}")
	}
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		if encoded == "" {
			return json.RawMessage("{}")
		}
		return json.RawMessage(encoded)
	}
	return raw
}
