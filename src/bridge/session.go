// Package bridge runs one call: it relays audio between the telephony leg and
// the AI leg, drives the turn-taking machine and the local barge-in detector,
// enforces the call budget and reports usage exactly once.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/square-key-labs/strawgo-bridge/src/audio"
	"github.com/square-key-labs/strawgo-bridge/src/billing"
	"github.com/square-key-labs/strawgo-bridge/src/config"
	"github.com/square-key-labs/strawgo-bridge/src/frames"
	"github.com/square-key-labs/strawgo-bridge/src/interruptions"
	"github.com/square-key-labs/strawgo-bridge/src/logger"
	"github.com/square-key-labs/strawgo-bridge/src/metrics"
	"github.com/square-key-labs/strawgo-bridge/src/serializers"
	"github.com/square-key-labs/strawgo-bridge/src/services"
	"github.com/square-key-labs/strawgo-bridge/src/tools"
	"github.com/square-key-labs/strawgo-bridge/src/turns"
)

// ErrLegClosed is returned when the telephony leg ends before the call starts
var ErrLegClosed = errors.New("bridge: leg closed")

const (
	eventQueueSize = 256
	ledgerTimeout  = 3 * time.Second
	notifyTimeout  = 30 * time.Second
)

// State is the session lifecycle state
type State int

const (
	StateConnecting State = iota
	StateStreaming
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateStreaming:
		return "STREAMING"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// pendingFinish ends the call once a given assistant response has been
// played out
type pendingFinish struct {
	reason     string
	responseID string // Bound at the next response start
	draining   bool
}

// Session is one bridged call. Run owns every field below the mutex; the
// CallState methods are only called from inside Run.
type Session struct {
	ID          string
	CallID      string
	StreamID    string
	CallerID    string
	MaxDuration time.Duration // Effective cutoff, 0 = none
	StartedAt   time.Time

	opts   Options
	deps   Deps
	params CallParams
	log    *logger.Logger
	ctx    context.Context

	telephony TelephonyLeg
	ai        services.RealtimeSession
	turns     *turns.Machine
	detector  interruptions.Detector
	sched     *scheduler

	events   chan sessionEvent
	done     chan struct{}
	notifyWG sync.WaitGroup

	mu     sync.Mutex
	state  State
	billed bool
	reason string

	notice         bool
	remaining      int
	remainingKnown bool
	cutoffAt       time.Time
	lastMediaTs    time.Duration
	billedSeconds  int
	ticks          int
	style          string
	finish         *pendingFinish
	openLegs       int
}

// NewSession creates a session for an accepted telephony leg
func NewSession(leg TelephonyLeg, params CallParams, opts Options, deps Deps) *Session {
	opts.applyDefaults()
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Tools == nil {
		deps.Tools = tools.NewDispatcher()
		_ = tools.RegisterBuiltins(deps.Tools)
	}

	s := &Session{
		ID:        uuid.NewString(),
		opts:      opts,
		deps:      deps,
		params:    params,
		telephony: leg,
		style:     opts.DeliveryStyle,
		events:    make(chan sessionEvent, eventQueueSize),
		done:      make(chan struct{}),
	}
	s.log = logger.WithPrefix("Bridge")
	s.sched = newScheduler(func(ev timerEvent) { s.post(ev) })
	if opts.BargeIn {
		s.detector = interruptions.NewEchoGatedDetector(opts.Detector)
	} else {
		s.detector = interruptions.Disabled{}
	}
	return s
}

// State returns the lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Billed reports whether usage has been reported
func (s *Session) Billed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.billed
}

// Reason returns why the session ended
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.mu.Unlock()
	s.log.Debug("state %s -> %s", prev, state)
}

func (s *Session) now() time.Time { return s.deps.Clock() }

// post hands an event to the loop; it gives up once the loop has exited
func (s *Session) post(ev sessionEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Run bridges the call until both legs are gone. It returns an error only
// when the call never started.
func (s *Session) Run(ctx context.Context) error {
	s.ctx = ctx

	start, err := s.awaitStart(ctx)
	if err != nil {
		_ = s.telephony.Close()
		s.setState(StateClosed)
		return err
	}
	s.begin(start)
	s.lookupEntitlement(ctx)

	ai, err := s.deps.Dialer.Dial(ctx)
	if err != nil {
		s.log.Error("Failed to connect AI leg: %v", err)
		_ = s.telephony.Close()
		s.setState(StateClosed)
		return fmt.Errorf("dial realtime: %w", err)
	}
	s.ai = ai
	s.turns = turns.NewMachine(ai, s.telephony, s.opts.Codec.BytesPerMillisecond(audio.TelephonySampleRate), s.log.WithPrefix("turns"))

	s.StartedAt = s.now()
	metrics.SessionStarted()

	g, gctx := errgroup.WithContext(ctx)
	s.openLegs = 2
	g.Go(func() error { return s.readTelephony(gctx) })
	g.Go(func() error { return s.readAI(gctx) })

	if err := s.open(); err != nil {
		s.log.Error("Failed to open session: %v", err)
		s.terminate(ReasonLegError)
	} else {
		s.setState(StateStreaming)
	}

	stop := ctx.Done()
	for s.State() != StateClosed {
		select {
		case <-stop:
			stop = nil
			s.terminate(ReasonShutdown)
		case ev := <-s.events:
			s.handle(ev)
		}
	}
	close(s.done)
	_ = g.Wait()

	s.reportUsage()
	s.notifyWG.Wait()
	metrics.SessionEnded(s.Reason(), s.duration())
	s.log.Info("Session ended (%s) after %ds", s.Reason(), s.duration())
	return nil
}

func (s *Session) awaitStart(ctx context.Context) (*frames.StartEvent, error) {
	for {
		ev, err := s.telephony.Receive(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w before start: %v", ErrLegClosed, err)
		}
		switch e := ev.(type) {
		case *frames.StartEvent:
			return e, nil
		case *frames.StopEvent:
			return nil, fmt.Errorf("%w: stopped before start", ErrLegClosed)
		default:
			s.log.Debug("Ignoring %s before start", ev.Name())
		}
	}
}

func (s *Session) begin(start *frames.StartEvent) {
	s.CallID = start.CallID
	s.StreamID = start.StreamID
	s.CallerID = callerFromParams(start.CustomParams)
	s.log = logger.WithPrefix("call:" + start.CallID)

	budget := s.params.MaxDuration
	if budget == 0 {
		if d, ok := budgetFromParams(start.CustomParams); ok {
			budget = d
			s.log.Debug("Recovered max duration %v from custom parameters", d)
		}
	}
	if budget == 0 {
		budget = s.opts.MaxDuration
	}
	s.MaxDuration = budget

	s.log.Info("Call started (stream %s, caller %q, session %s)", s.StreamID, s.CallerID, s.ID)
}

// lookupEntitlement narrows the budget to the caller's remaining seconds.
// Failures are logged and the call proceeds.
func (s *Session) lookupEntitlement(ctx context.Context) {
	if s.deps.Ledger == nil || s.CallerID == "" {
		return
	}
	lctx, cancel := context.WithTimeout(ctx, ledgerTimeout)
	defer cancel()

	n, err := s.deps.Ledger.Remaining(lctx, s.CallerID)
	switch {
	case errors.Is(err, billing.ErrUnknownUser):
		s.log.Info("No entitlement record for %s", s.CallerID)
		return
	case err != nil:
		s.log.Warn("Entitlement lookup failed, proceeding: %v", err)
		return
	}

	s.remaining = n
	s.remainingKnown = true
	if n <= 0 {
		s.notice = true
		s.log.Info("Caller %s has no remaining time", s.CallerID)
		return
	}
	if limit := time.Duration(n) * time.Second; s.MaxDuration == 0 || limit < s.MaxDuration {
		s.MaxDuration = limit
	}
}

// open configures the AI leg and arms the session timers
func (s *Session) open() error {
	if err := s.configure(); err != nil {
		return err
	}

	if s.notice {
		s.finish = &pendingFinish{reason: ReasonNoBalance}
		s.sched.schedule(timerNotice, s.opts.NoticeTimeout)
		s.notify(ReasonNoBalance, 0)
		return s.ai.CreateResponse(s.opts.NoticeInstructions)
	}

	if s.MaxDuration > 0 {
		s.cutoffAt = s.StartedAt.Add(s.MaxDuration)
		s.sched.schedule(timerCutoff, s.MaxDuration)
		s.log.Debug("Cutoff in %v", s.MaxDuration)
	}
	if s.liveTick() {
		s.sched.schedule(timerTick, s.opts.TickInterval)
	}
	if s.opts.Greeting {
		return s.ai.CreateResponse(s.opts.GreetingInstructions)
	}
	return nil
}

func (s *Session) configure() error {
	update := serializers.SessionUpdate{
		Modalities:        []string{"audio", "text"},
		Instructions:      tools.ComposeInstructions(s.opts.Instructions, s.style),
		Voice:             s.opts.Voice,
		InputAudioFormat:  s.opts.AudioFormat,
		OutputAudioFormat: s.opts.AudioFormat,
		TurnDetection:     s.opts.TurnDetection,
		Temperature:       s.opts.Temperature,
	}
	if !s.notice {
		update.Tools = s.deps.Tools.Definitions()
		update.ToolChoice = "auto"
	}
	if err := s.ai.Configure(update); err != nil {
		return fmt.Errorf("configure: %w", err)
	}
	return nil
}

func (s *Session) readTelephony(ctx context.Context) error {
	for {
		ev, err := s.telephony.Receive(ctx)
		if err != nil {
			s.post(legClosed{leg: legTelephony, err: err})
			return nil
		}
		s.post(telephonyEvent{ev: ev})
	}
}

func (s *Session) readAI(ctx context.Context) error {
	for {
		ev, err := s.ai.Receive(ctx)
		if err != nil {
			s.post(legClosed{leg: legAI, err: err})
			return nil
		}
		s.post(realtimeEvent{ev: ev})
	}
}

func (s *Session) handle(ev sessionEvent) {
	switch e := ev.(type) {
	case legClosed:
		s.onLegClosed(e)
	case timerEvent:
		s.onTimer(e)
	case telephonyEvent:
		s.onTelephony(e.ev)
	case realtimeEvent:
		if s.State() == StateStreaming {
			s.onRealtime(e.ev)
		}
	}
}

func (s *Session) onLegClosed(e legClosed) {
	s.openLegs--
	s.log.Debug("%s leg closed: %v", e.leg, e.err)

	reason := ReasonTelephonyClose
	if e.leg == legAI {
		reason = ReasonAIClose
	}
	s.terminate(reason)

	if s.openLegs <= 0 {
		s.setState(StateClosed)
	}
}

func (s *Session) onTimer(e timerEvent) {
	if !s.sched.current(e) {
		s.log.Debug("Ignoring stale %s timer", e.name)
		return
	}
	switch e.name {
	case timerCutoff:
		s.log.Info("Max duration %v reached", s.MaxDuration)
		s.notify(ReasonMaxDuration, s.remainingAfterCall())
		s.terminate(ReasonMaxDuration)
	case timerTick:
		s.tick()
	case timerNotice:
		s.log.Warn("Notice did not finish within %v", s.opts.NoticeTimeout)
		s.terminate(ReasonNoBalance)
	case timerHangup:
		reason := ReasonAgentHangup
		if s.finish != nil {
			reason = s.finish.reason
		}
		s.terminate(reason)
	}
}

func (s *Session) onTelephony(ev frames.TelephonyEvent) {
	switch e := ev.(type) {
	case *frames.StopEvent:
		s.terminate(ReasonStop)
	case *frames.MediaEvent:
		if s.State() == StateStreaming {
			s.onCallerMedia(e)
		}
	case *frames.MarkEvent:
		if s.State() == StateStreaming {
			s.turns.MarkAcknowledged(e.MarkName)
			s.checkDrained()
		}
	case *frames.StartEvent:
		s.log.Warn("Ignoring repeated start for stream %s", e.StreamID)
	}
}

func (s *Session) onCallerMedia(e *frames.MediaEvent) {
	if e.Audio.Timestamp > s.lastMediaTs {
		s.lastMediaTs = e.Audio.Timestamp
	}
	if s.notice {
		return
	}

	payload := e.Audio.Payload
	if s.turns.AssistantSpeaking() && s.detector.ObserveCaller(payload, s.now()) {
		s.barge(turns.SourceLocal)
	}

	if err := s.ai.AppendAudio(payload); err != nil {
		s.log.Warn("Forwarding caller audio failed: %v", err)
		s.terminate(ReasonLegError)
		return
	}
	metrics.RecordRelayedFrame("caller")
}

func (s *Session) onRealtime(ev frames.RealtimeEvent) {
	switch e := ev.(type) {
	case *frames.SessionAckEvent:
		s.log.Debug("Session acknowledged (updated=%t)", e.Updated)

	case *frames.ResponseCreatedEvent:
		s.turns.ResponseCreated(e.ResponseID)
		s.responseStarted(e.ResponseID)

	case *frames.ItemAddedEvent:
		s.turns.ItemAdded(e.ItemID, e.ResponseID, e.Type, e.Role)

	case *frames.AudioDeltaEvent:
		wasActive := s.turns.ActiveResponse()
		forwarded, err := s.turns.AudioDelta(e)
		if err != nil {
			s.log.Warn("Playing assistant audio failed: %v", err)
			s.terminate(ReasonLegError)
			return
		}
		if !forwarded {
			metrics.RecordSuppressedFrame()
			return
		}
		if wasActive == "" {
			s.responseStarted(s.turns.ActiveResponse())
		}
		s.detector.ObserveAssistant(e.Audio.Payload)
		metrics.RecordRelayedFrame("assistant")

	case *frames.TranscriptDeltaEvent:
		if e.Transcript {
			s.log.Debug("Assistant: %s", e.Delta)
		}

	case *frames.SpeechStartedEvent:
		if !s.notice {
			s.barge(turns.SourceProvider)
		}

	case *frames.SpeechStoppedEvent:
		s.turns.SpeechStopped()

	case *frames.ResponseDoneEvent:
		if s.turns.ResponseDone(e.ResponseID) {
			s.responseFinished(e.ResponseID)
		}

	case *frames.FunctionCallEvent:
		s.runTool(e)

	case *frames.ErrorEvent:
		if e.Code == serializers.ErrCodeCancelNotActive {
			s.log.Debug("Cancel ignored, no active response")
			return
		}
		s.log.Warn("AI service error %s/%s: %s", e.Type, e.Code, e.Message)
	}
}

func (s *Session) barge(source turns.SpeechSource) {
	b, err := s.turns.SpeechDetected(source)
	if err != nil {
		s.log.Warn("Barge-in incomplete: %v", err)
	}
	if b == nil {
		return
	}
	s.detector.Reset()
	metrics.RecordBargeIn(string(source))
}

func (s *Session) responseStarted(responseID string) {
	s.detector.ResponseStarted(s.now())
	if s.finish != nil && s.finish.responseID == "" {
		s.finish.responseID = responseID
	}
}

func (s *Session) responseFinished(responseID string) {
	if s.finish == nil || s.finish.responseID == "" || s.finish.responseID != responseID {
		return
	}
	s.finish.draining = true
	s.checkDrained()
}

// checkDrained ends a finishing call once the caller has heard everything
func (s *Session) checkDrained() {
	if s.finish == nil || !s.finish.draining || s.turns.PendingMarks() > 0 {
		return
	}
	s.terminate(s.finish.reason)
}

func (s *Session) runTool(call *frames.FunctionCallEvent) {
	if s.notice {
		return
	}
	result := s.deps.Tools.Dispatch(s.ctx, call, s)

	label := call.ToolName
	if !s.deps.Tools.Has(call.ToolName) {
		label = "unknown"
	}
	status := "ok"
	if !result.OK() {
		status = "error"
	}
	metrics.RecordToolCall(label, status)

	var err error
	switch call.Shape {
	case frames.ShapeFunctionResult:
		err = s.ai.SendFunctionResult(call.CallID, result)
	default:
		out, merr := json.Marshal(result)
		if merr != nil {
			out = []byte(`{"ok":false,"error":"unencodable result"}`)
		}
		err = s.ai.SendFunctionOutput(call.CallID, string(out))
		if err == nil {
			err = s.ai.CreateResponse("")
		}
	}
	if err != nil {
		s.log.Warn("Returning %s result failed: %v", call.ToolName, err)
	}
}

// DeliveryStyle implements tools.CallState
func (s *Session) DeliveryStyle() string { return s.style }

// SetDeliveryStyle implements tools.CallState. The new style is folded into
// the instructions with a fresh session update.
func (s *Session) SetDeliveryStyle(style string) {
	if style == s.style {
		return
	}
	s.style = style
	if err := s.configure(); err != nil {
		s.log.Warn("Applying delivery style %q failed: %v", style, err)
	}
}

// RemainingSeconds implements tools.CallState
func (s *Session) RemainingSeconds() (int, bool) {
	if s.cutoffAt.IsZero() {
		return 0, false
	}
	left := int(math.Ceil(s.cutoffAt.Sub(s.now()).Seconds()))
	if left < 0 {
		left = 0
	}
	return left, true
}

// Hangup implements tools.CallState
func (s *Session) Hangup(reason string) {
	if s.finish != nil {
		return
	}
	s.log.Info("Agent requested hangup: %s", reason)
	s.finish = &pendingFinish{reason: ReasonAgentHangup}
	s.sched.schedule(timerHangup, s.opts.HangupGrace)
}

// terminate ends the call. Repeated calls only retry an unfinished usage
// report.
func (s *Session) terminate(reason string) {
	if st := s.State(); st == StateClosing || st == StateClosed {
		s.reportUsage()
		return
	}

	s.mu.Lock()
	s.reason = reason
	s.mu.Unlock()
	s.setState(StateClosing)
	s.log.Info("Terminating: %s", reason)

	s.sched.cancelAll()
	s.reportUsage()

	if err := s.ai.Close(); err != nil {
		s.log.Debug("Closing AI leg: %v", err)
	}
	if err := s.telephony.Close(); err != nil {
		s.log.Debug("Closing telephony leg: %v", err)
	}
}

func (s *Session) liveTick() bool {
	return s.opts.BillingMode == config.BillingLiveTick && s.deps.Ledger != nil && s.CallerID != "" && !s.notice
}

// elapsed is the larger of wall time and the last transport timestamp
func (s *Session) elapsed() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	d := s.now().Sub(s.StartedAt)
	if s.lastMediaTs > d {
		d = s.lastMediaTs
	}
	return d
}

// duration is the billable call length in whole seconds, at least 1
func (s *Session) duration() int {
	secs := int(math.Round(s.elapsed().Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (s *Session) remainingAfterCall() int {
	if !s.remainingKnown {
		return 0
	}
	left := s.remaining - (s.duration() - s.billedSeconds)
	if left < 0 {
		left = 0
	}
	return left
}

func (s *Session) markBilled(status string) {
	s.mu.Lock()
	s.billed = true
	s.mu.Unlock()
	metrics.RecordBillingReport(status)
}

// reportUsage deducts the unbilled part of the call once. A failed attempt
// leaves the session unbilled so the next termination signal retries.
func (s *Session) reportUsage() {
	if s.Billed() || s.StartedAt.IsZero() {
		return
	}
	if s.notice || s.deps.Ledger == nil || s.CallerID == "" {
		s.markBilled("skipped")
		return
	}

	seconds := s.duration() - s.billedSeconds
	if seconds <= 0 {
		s.markBilled("ok")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
	defer cancel()
	remaining, err := s.deps.Ledger.Deduct(ctx, s.CallerID, seconds, s.usageMeta(s.ID+":final"))
	switch {
	case errors.Is(err, billing.ErrUnknownUser):
		s.log.Info("No entitlement record for %s, usage not recorded", s.CallerID)
		s.markBilled("skipped")
	case err != nil:
		s.log.Error("Usage report of %ds failed, will retry: %v", seconds, err)
		metrics.RecordBillingReport("failed")
	default:
		s.billedSeconds += seconds
		s.remaining = remaining
		s.markBilled("ok")
		s.log.Info("Reported %ds, %ds remaining", seconds, remaining)
	}
}

// tick deducts the time used since the last tick
func (s *Session) tick() {
	seconds := int(s.elapsed().Seconds()) - s.billedSeconds
	if seconds > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
		key := fmt.Sprintf("%s:tick:%d", s.ID, s.ticks+1)
		remaining, err := s.deps.Ledger.Deduct(ctx, s.CallerID, seconds, s.usageMeta(key))
		cancel()

		if err != nil {
			s.log.Warn("Usage tick failed: %v", err)
			metrics.RecordBillingReport("failed")
		} else {
			s.ticks++
			s.billedSeconds += seconds
			s.remaining = remaining
			s.remainingKnown = true
			metrics.RecordBillingReport("tick")
			s.log.Debug("Tick deducted %ds, %ds remaining", seconds, remaining)
			if remaining <= 0 {
				s.notify(ReasonOutOfBudget, 0)
				s.terminate(ReasonOutOfBudget)
				return
			}
		}
	}
	s.sched.schedule(timerTick, s.opts.TickInterval)
}

func (s *Session) usageMeta(key string) billing.UsageMeta {
	return billing.UsageMeta{
		SessionID:      s.ID,
		CallID:         s.CallID,
		StartedAt:      s.StartedAt,
		Reason:         s.Reason(),
		IdempotencyKey: key,
	}
}

// notify tells the out-of-budget collaborator in the background
func (s *Session) notify(reason string, remaining int) {
	if s.deps.Notifier == nil || s.CallerID == "" {
		return
	}
	notice := billing.Notice{
		UserID:    s.CallerID,
		SessionID: s.ID,
		CallID:    s.CallID,
		Reason:    reason,
		Remaining: remaining,
		At:        s.now().UTC(),
		TopUpURL:  s.opts.TopUpURL,
	}
	s.notifyWG.Add(1)
	go func() {
		defer s.notifyWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := s.deps.Notifier.OutOfBudget(ctx, notice); err != nil {
			s.log.Warn("Out-of-budget notice failed: %v", err)
		}
	}()
}
