package serializers

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/square-key-labs/strawgo-bridge/src/frames"
)

// TwilioSerializer handles the Twilio Media Streams WebSocket protocol.
// One serializer is used per stream; the stream SID learnt from "start" is
// stamped on every outbound command.
type TwilioSerializer struct {
	streamSid string
	callSid   string
}

// Twilio message structures
type twilioMessage struct {
	Event          string          `json:"event"`
	SequenceNumber string          `json:"sequenceNumber,omitempty"`
	StreamSid      string          `json:"streamSid,omitempty"`
	Media          *twilioMedia    `json:"media,omitempty"`
	Start          *twilioStart    `json:"start,omitempty"`
	Mark           *twilioMark     `json:"mark,omitempty"`
	Stop           json.RawMessage `json:"stop,omitempty"`
}

type twilioMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // base64-encoded mulaw audio
}

type twilioStart struct {
	StreamSid        string                 `json:"streamSid"`
	CallSid          string                 `json:"callSid"`
	AccountSid       string                 `json:"accountSid"`
	Tracks           []string               `json:"tracks"`
	MediaFormat      map[string]interface{} `json:"mediaFormat"`
	CustomParameters map[string]string      `json:"customParameters,omitempty"`
}

type twilioMark struct {
	Name string `json:"name"`
}

// NewTwilioSerializer creates a new Twilio serializer
func NewTwilioSerializer() *TwilioSerializer {
	return &TwilioSerializer{}
}

// StreamSid returns the stream SID learnt from the start message
func (s *TwilioSerializer) StreamSid() string {
	return s.streamSid
}

// CallSid returns the call SID learnt from the start message
func (s *TwilioSerializer) CallSid() string {
	return s.callSid
}

// Decode converts a Twilio WebSocket JSON message to a telephony event
func (s *TwilioSerializer) Decode(data []byte) (frames.TelephonyEvent, error) {
	var msg twilioMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, malformed("twilio message: %v", err)
	}

	switch msg.Event {
	case "connected", "dtmf":
		return nil, nil

	case "start":
		if msg.Start == nil {
			return nil, malformed("start event missing start data")
		}
		s.streamSid = msg.Start.StreamSid
		if s.streamSid == "" {
			s.streamSid = msg.StreamSid
		}
		s.callSid = msg.Start.CallSid

		params := make(map[string]string, len(msg.Start.CustomParameters))
		for k, v := range msg.Start.CustomParameters {
			params[k] = v
		}
		return &frames.StartEvent{
			StreamID:     s.streamSid,
			CallID:       s.callSid,
			AccountID:    msg.Start.AccountSid,
			CustomParams: params,
		}, nil

	case "media":
		if msg.Media == nil {
			return nil, malformed("media event missing media data")
		}
		payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			return nil, malformed("media payload: %v", err)
		}

		var ts time.Duration
		if msg.Media.Timestamp != "" {
			ms, err := strconv.ParseInt(msg.Media.Timestamp, 10, 64)
			if err != nil {
				return nil, malformed("media timestamp %q", msg.Media.Timestamp)
			}
			ts = time.Duration(ms) * time.Millisecond
		}
		chunk, _ := strconv.Atoi(msg.Media.Chunk)

		return &frames.MediaEvent{
			Audio: frames.NewAudioFrame(payload, ts, frames.OriginCaller),
			Chunk: chunk,
		}, nil

	case "mark":
		if msg.Mark == nil {
			return nil, malformed("mark event missing mark data")
		}
		return &frames.MarkEvent{MarkName: msg.Mark.Name}, nil

	case "stop":
		return &frames.StopEvent{}, nil

	default:
		return nil, malformed("unknown twilio event %q", msg.Event)
	}
}

// EncodeMedia wraps caller-bound audio in a media message
func (s *TwilioSerializer) EncodeMedia(payload []byte) ([]byte, error) {
	return s.encode(twilioMessage{
		Event:     "media",
		StreamSid: s.streamSid,
		Media: &twilioMedia{
			Payload: base64.StdEncoding.EncodeToString(payload),
		},
	})
}

// EncodeClear builds the message that flushes Twilio's playback buffer
func (s *TwilioSerializer) EncodeClear() ([]byte, error) {
	return s.encode(twilioMessage{
		Event:     "clear",
		StreamSid: s.streamSid,
	})
}

// EncodeMark asks Twilio to echo name back once preceding audio has played
func (s *TwilioSerializer) EncodeMark(name string) ([]byte, error) {
	return s.encode(twilioMessage{
		Event:     "mark",
		StreamSid: s.streamSid,
		Mark:      &twilioMark{Name: name},
	})
}

func (s *TwilioSerializer) encode(msg twilioMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal Twilio %s message: %w", msg.Event, err)
	}
	return data, nil
}
