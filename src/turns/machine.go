// Package turns implements the turn-taking state machine that sits between the
// AI leg and the telephony leg: it decides which assistant audio reaches the
// caller and drives cancellation and truncation when the caller barges in.
package turns

import (
	"fmt"

	"github.com/square-key-labs/strawgo-bridge/src/frames"
	"github.com/square-key-labs/strawgo-bridge/src/logger"
)

// Phase is the turn-taking state
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAssistantSpeaking
	PhaseCallerBarge
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAssistantSpeaking:
		return "assistant_speaking"
	case PhaseCallerBarge:
		return "caller_barge"
	default:
		return "unknown"
	}
}

// Speaker is who currently holds the floor
type Speaker int

const (
	SpeakerNone Speaker = iota
	SpeakerCaller
	SpeakerAssistant
)

func (s Speaker) String() string {
	switch s {
	case SpeakerCaller:
		return "caller"
	case SpeakerAssistant:
		return "assistant"
	default:
		return "none"
	}
}

// SpeechSource identifies which detector reported caller speech
type SpeechSource string

const (
	SourceProvider SpeechSource = "provider"
	SourceLocal    SpeechSource = "local"
)

// AIControl is the subset of the AI leg the machine drives
type AIControl interface {
	CancelResponse(responseID string) error
	TruncateItem(itemID string, contentIndex, audioEndMs int) error
}

// Playback is the subset of the telephony leg the machine drives
type Playback interface {
	SendAudio(payload []byte) error
	SendClear() error
	SendMark(name string) error
}

// Barge describes one interruption
type Barge struct {
	ResponseID string
	ItemID     string
	AudioEndMs int
	Source     SpeechSource
	Truncated  bool
}

// ItemTypeMessage is the conversation item type that carries assistant audio
const ItemTypeMessage = "message"

// Machine holds the per-call turn state. It is driven from the call's event
// loop only and is not safe for concurrent use.
type Machine struct {
	ai       AIControl
	playback Playback
	log      *logger.Logger

	bytesPerMs float64

	phase          Phase
	activeResponse string
	activeItem     string
	contentIndex   int
	assistantBytes int
	marks          []string
	markSeq        int
	callerSpeaking bool

	// Cancelled response ids; frames tagged with these are never forwarded
	suppressed map[string]struct{}
	dropped    int
}

// NewMachine creates a machine. bytesPerMs converts forwarded assistant bytes
// into a playback offset (8 for 8 kHz G.711).
func NewMachine(ai AIControl, playback Playback, bytesPerMs float64, log *logger.Logger) *Machine {
	if log == nil {
		log = logger.WithPrefix("Turns")
	}
	return &Machine{
		ai:         ai,
		playback:   playback,
		log:        log,
		bytesPerMs: bytesPerMs,
		suppressed: make(map[string]struct{}),
	}
}

// Phase returns the current phase
func (m *Machine) Phase() Phase { return m.phase }

// Speaker returns who holds the floor
func (m *Machine) Speaker() Speaker {
	switch {
	case m.phase == PhaseAssistantSpeaking:
		return SpeakerAssistant
	case m.callerSpeaking:
		return SpeakerCaller
	default:
		return SpeakerNone
	}
}

// AssistantSpeaking reports whether assistant audio is currently being relayed
func (m *Machine) AssistantSpeaking() bool { return m.phase == PhaseAssistantSpeaking }

// ActiveResponse returns the active response id, if any
func (m *Machine) ActiveResponse() string { return m.activeResponse }

// AssistantBytes returns the bytes forwarded for the current response
func (m *Machine) AssistantBytes() int { return m.assistantBytes }

// PendingMarks returns the number of unacknowledged marks
func (m *Machine) PendingMarks() int { return len(m.marks) }

// Dropped returns how many assistant frames were suppressed
func (m *Machine) Dropped() int { return m.dropped }

// IsSuppressed reports whether responseID was cancelled
func (m *Machine) IsSuppressed(responseID string) bool {
	_, ok := m.suppressed[responseID]
	return ok
}

// ResponseCreated begins a new assistant response
func (m *Machine) ResponseCreated(responseID string) {
	if m.phase == PhaseAssistantSpeaking && m.activeResponse != "" && m.activeResponse != responseID {
		m.log.Warn("response %s created while %s still active", responseID, m.activeResponse)
	}
	m.phase = PhaseAssistantSpeaking
	m.activeResponse = responseID
	m.activeItem = ""
	m.contentIndex = 0
	m.assistantBytes = 0
	m.callerSpeaking = false
	m.log.Debug("response %s started", responseID)
}

// ItemAdded records the assistant message item that audio will be attributed
// to. Function calls, tool outputs and caller items never become the
// truncation target.
func (m *Machine) ItemAdded(itemID, responseID, itemType, role string) {
	if itemType != ItemTypeMessage || role != "assistant" {
		return
	}
	if responseID != "" && responseID != m.activeResponse {
		return
	}
	m.activeItem = itemID
}

// AudioDelta forwards one assistant frame if it belongs to the active,
// unsuppressed response. It reports whether the frame was forwarded.
func (m *Machine) AudioDelta(ev *frames.AudioDeltaEvent) (bool, error) {
	id := ev.ResponseID
	if id != "" && m.IsSuppressed(id) {
		m.dropped++
		return false, nil
	}

	switch m.phase {
	case PhaseAssistantSpeaking:
		if id != "" && m.activeResponse != "" && id != m.activeResponse {
			m.dropped++
			return false, nil
		}
	case PhaseIdle:
		// Some providers stream audio without response.created
		if m.callerSpeaking || id == "" {
			m.dropped++
			return false, nil
		}
		m.ResponseCreated(id)
	default:
		m.dropped++
		return false, nil
	}

	if ev.ItemID != "" {
		m.activeItem = ev.ItemID
		m.contentIndex = ev.ContentIndex
	}

	if err := m.playback.SendAudio(ev.Audio.Payload); err != nil {
		return false, fmt.Errorf("forward assistant audio: %w", err)
	}
	m.assistantBytes += len(ev.Audio.Payload)

	m.markSeq++
	mark := fmt.Sprintf("%s:%d", m.activeResponse, m.markSeq)
	if err := m.playback.SendMark(mark); err != nil {
		return true, fmt.Errorf("send mark: %w", err)
	}
	m.marks = append(m.marks, mark)
	return true, nil
}

// SpeechDetected handles caller speech from either detector. While the
// assistant is speaking it interrupts the response and returns the barge; in
// any other phase it only notes that the caller is talking and returns nil.
func (m *Machine) SpeechDetected(source SpeechSource) (*Barge, error) {
	if m.phase != PhaseAssistantSpeaking {
		m.callerSpeaking = true
		return nil, nil
	}

	barge := &Barge{
		ResponseID: m.activeResponse,
		ItemID:     m.activeItem,
		Source:     source,
	}

	m.phase = PhaseCallerBarge
	m.callerSpeaking = true
	if m.activeResponse != "" {
		m.suppressed[m.activeResponse] = struct{}{}
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	keep(m.ai.CancelResponse(m.activeResponse))

	if m.activeItem != "" && m.bytesPerMs > 0 {
		barge.AudioEndMs = int(float64(m.assistantBytes) / m.bytesPerMs)
		keep(m.ai.TruncateItem(m.activeItem, m.contentIndex, barge.AudioEndMs))
		barge.Truncated = true
	}

	keep(m.playback.SendClear())

	m.marks = nil
	m.activeResponse = ""
	m.activeItem = ""
	m.contentIndex = 0

	m.log.Info("barge-in (%s): cancelled %q at %dms", source, barge.ResponseID, barge.AudioEndMs)
	return barge, firstErr
}

// SpeechStopped clears the caller-speaking flag
func (m *Machine) SpeechStopped() {
	m.callerSpeaking = false
	if m.phase == PhaseCallerBarge {
		m.phase = PhaseIdle
	}
}

// ResponseDone ends the response. It returns true when the finished response
// was the active one (or the barge it was cancelled by).
func (m *Machine) ResponseDone(responseID string) bool {
	if m.phase == PhaseAssistantSpeaking && responseID != "" && m.activeResponse != "" && responseID != m.activeResponse {
		m.log.Debug("response.done for stale response %s (active %s)", responseID, m.activeResponse)
		return false
	}
	m.phase = PhaseIdle
	m.activeResponse = ""
	m.activeItem = ""
	m.log.Debug("response %s done, %d bytes forwarded, %d marks pending", responseID, m.assistantBytes, len(m.marks))
	return true
}

// MarkAcknowledged pops the oldest pending mark
func (m *Machine) MarkAcknowledged(name string) {
	if len(m.marks) == 0 {
		m.log.Debug("mark %s acknowledged with empty queue", name)
		return
	}
	if m.marks[0] != name {
		m.log.Debug("mark %s acknowledged out of order (expected %s)", name, m.marks[0])
	}
	m.marks = m.marks[1:]
}
