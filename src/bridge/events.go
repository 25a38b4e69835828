package bridge

import "github.com/square-key-labs/strawgo-bridge/src/frames"

// sessionEvent is everything the session loop consumes
type sessionEvent interface {
	sessionEvent()
}

// telephonyEvent wraps an event read from the telephony leg
type telephonyEvent struct {
	ev frames.TelephonyEvent
}

// realtimeEvent wraps an event read from the AI leg
type realtimeEvent struct {
	ev frames.RealtimeEvent
}

// legClosed reports that a reader goroutine stopped
type legClosed struct {
	leg string
	err error
}

// timerEvent is a scheduler firing
type timerEvent struct {
	name string
	seq  uint64
}

func (telephonyEvent) sessionEvent() {}
func (realtimeEvent) sessionEvent()  {}
func (legClosed) sessionEvent()      {}
func (timerEvent) sessionEvent()     {}

const (
	legTelephony = "telephony"
	legAI        = "ai"
)

// Timer names
const (
	timerCutoff = "cutoff"
	timerTick   = "billing_tick"
	timerNotice = "notice"
	timerHangup = "hangup"
)

// Termination reasons, also used as metric labels
const (
	ReasonStop           = "stop"
	ReasonTelephonyClose = "telephony_closed"
	ReasonAIClose        = "ai_closed"
	ReasonMaxDuration    = "max_duration"
	ReasonOutOfBudget    = "out_of_budget"
	ReasonNoBalance      = "no_balance"
	ReasonAgentHangup    = "agent_hangup"
	ReasonShutdown       = "shutdown"
	ReasonLegError       = "leg_error"
)
