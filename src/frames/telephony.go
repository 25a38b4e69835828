package frames

// TelephonyEvent is the closed set of events decoded from the telephony leg.
// Implementations: *StartEvent, *MediaEvent, *MarkEvent, *StopEvent.
type TelephonyEvent interface {
	Name() string
	telephonyEvent()
}

// StartEvent opens the media stream and carries call identity
type StartEvent struct {
	StreamID     string
	CallID       string
	AccountID    string
	CustomParams map[string]string
}

// MediaEvent carries one caller audio chunk
type MediaEvent struct {
	Audio *AudioFrame
	Chunk int
}

// MarkEvent acknowledges that playback reached a previously sent mark
type MarkEvent struct {
	MarkName string
}

// StopEvent signals the telephony side ended the stream
type StopEvent struct{}

func (*StartEvent) Name() string { return "start" }
func (*MediaEvent) Name() string { return "media" }
func (*MarkEvent) Name() string  { return "mark" }
func (*StopEvent) Name() string  { return "stop" }

func (*StartEvent) telephonyEvent() {}
func (*MediaEvent) telephonyEvent() {}
func (*MarkEvent) telephonyEvent()  {}
func (*StopEvent) telephonyEvent()  {}
