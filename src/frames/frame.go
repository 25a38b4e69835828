package frames

import (
	"fmt"
	"sync/atomic"
	"time"
)

var frameCounter uint64

// Origin tags which side of the call produced an audio frame
type Origin int

const (
	OriginCaller    Origin = iota // Telephony leg -> AI leg
	OriginAssistant               // AI leg -> telephony leg
)

func (o Origin) String() string {
	switch o {
	case OriginCaller:
		return "caller"
	case OriginAssistant:
		return "assistant"
	default:
		return "unknown"
	}
}

// AudioFrame carries one chunk of audio in the transport's native encoding
// (8 kHz mono G.711 for telephony).
type AudioFrame struct {
	Seq       uint64
	Payload   []byte
	Timestamp time.Duration // Offset from stream start as reported by the transport
	Origin    Origin
	Received  time.Time
}

// NewAudioFrame creates an AudioFrame with the next sequence number
func NewAudioFrame(payload []byte, ts time.Duration, origin Origin) *AudioFrame {
	return &AudioFrame{
		Seq:       atomic.AddUint64(&frameCounter, 1),
		Payload:   payload,
		Timestamp: ts,
		Origin:    origin,
		Received:  time.Now(),
	}
}

func (f *AudioFrame) String() string {
	return fmt.Sprintf("AudioFrame[seq=%d, origin=%s, bytes=%d, ts=%v]", f.Seq, f.Origin, len(f.Payload), f.Timestamp)
}
