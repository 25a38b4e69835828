package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/strawgo-bridge/src/audio"
	"github.com/square-key-labs/strawgo-bridge/src/billing"
	"github.com/square-key-labs/strawgo-bridge/src/config"
	"github.com/square-key-labs/strawgo-bridge/src/frames"
	"github.com/square-key-labs/strawgo-bridge/src/interruptions"
	"github.com/square-key-labs/strawgo-bridge/src/tools"
)

func baseOptions() Options {
	return Options{
		Instructions:       "You are a test assistant.",
		NoticeInstructions: "Say you are out of time.",
	}
}

func TestSession_ConfiguresAndGreets(t *testing.T) {
	opts := baseOptions()
	opts.Greeting = true
	opts.GreetingInstructions = "Say hello."
	h := startSession(t, CallParams{}, opts, Deps{})
	h.waitStreaming()

	creates := h.waitCommands("response_create", 1)
	assert.Equal(t, "Say hello.", creates[0].instructions)

	configs := h.ai.all("configure")
	require.Len(t, configs, 1)
	assert.Equal(t, "You are a test assistant.", configs[0].update.Instructions)
	assert.Equal(t, "g711_ulaw", configs[0].update.InputAudioFormat)
	assert.Len(t, configs[0].update.Tools, 3)
	assert.Equal(t, []string{"configure", "response_create"}, h.ai.kinds())

	h.leg.in <- &frames.StopEvent{}
	require.NoError(t, h.wait())
	assert.Equal(t, ReasonStop, h.session.Reason())
	assert.Equal(t, "CA1", h.session.CallID)
	assert.Equal(t, testCaller, h.session.CallerID)
}

func TestSession_RelaysCallerAudio(t *testing.T) {
	h := startSession(t, CallParams{}, baseOptions(), Deps{})
	h.waitStreaming()

	for i := 0; i < 3; i++ {
		h.leg.in <- media(filled(160, 0xFF), time.Duration(i*20)*time.Millisecond)
	}
	h.waitCommands("append", 3)

	h.leg.in <- &frames.StopEvent{}
	require.NoError(t, h.wait())
}

func TestSession_ProviderBargeIn(t *testing.T) {
	h := startSession(t, CallParams{}, baseOptions(), Deps{})
	h.waitStreaming()

	h.ai.in <- &frames.ResponseCreatedEvent{ResponseID: "R1"}
	h.ai.in <- &frames.ItemAddedEvent{ItemID: "item_1", ResponseID: "R1", Role: "assistant", Type: "message"}
	for i := 0; i < 5; i++ {
		h.ai.in <- delta("R1", "item_1", filled(160, 0xFF))
	}
	h.waitMarks(5)
	h.waitPlayed(5)

	h.ai.in <- &frames.SpeechStartedEvent{}
	h.waitClears(1)
	cancels := h.ai.all("cancel")
	require.Len(t, cancels, 1)
	assert.Equal(t, "R1", cancels[0].responseID)

	truncates := h.ai.all("truncate")
	require.Len(t, truncates, 1)
	assert.Equal(t, "item_1", truncates[0].itemID)
	assert.Equal(t, 100, truncates[0].audioEndMs)

	// Late frames of R1 are dropped; R2 plays
	h.ai.in <- delta("R1", "item_1", filled(160, 0x01))
	h.ai.in <- &frames.SpeechStoppedEvent{}
	h.ai.in <- &frames.ResponseDoneEvent{ResponseID: "R1", Status: "cancelled"}
	h.ai.in <- delta("R1", "item_1", filled(160, 0x02))
	h.ai.in <- &frames.ResponseCreatedEvent{ResponseID: "R2"}
	h.ai.in <- delta("R2", "item_2", filled(160, 0x03))
	h.waitPlayed(6)

	played := h.leg.played()
	require.Len(t, played, 6)
	assert.Equal(t, byte(0x03), played[5][0])

	// A second detection in the same tick is a no-op
	h.ai.in <- &frames.SpeechStartedEvent{}
	h.ai.in <- &frames.SpeechStartedEvent{}
	require.Eventually(t, func() bool { return len(h.ai.all("cancel")) == 2 }, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.ai.all("cancel"), 2)

	h.leg.in <- &frames.StopEvent{}
	require.NoError(t, h.wait())
}

func TestSession_LocalBargeIn(t *testing.T) {
	opts := baseOptions()
	opts.BargeIn = true
	opts.Detector = interruptions.EchoGatedParams{
		StaticThreshold: 500,
		EchoRatio:       1.6,
		EchoAlpha:       0.2,
		WindowSamples:   160,
		DebounceFrames:  2,
		Cooldown:        time.Second,
		Codec:           audio.CodecMulaw,
	}
	h := startSession(t, CallParams{}, opts, Deps{})
	h.waitStreaming()

	h.ai.in <- &frames.ResponseCreatedEvent{ResponseID: "R1"}
	h.ai.in <- delta("R1", "item_1", filled(160, 0xFF))
	h.waitPlayed(1)

	// 0x00 is a full-scale mu-law sample
	h.leg.in <- media(filled(160, 0x00), 20*time.Millisecond)
	h.waitCommands("append", 1)
	assert.Empty(t, h.ai.all("cancel"))

	h.leg.in <- media(filled(160, 0x00), 40*time.Millisecond)
	h.waitClears(1)
	cancels := h.ai.all("cancel")
	require.Len(t, cancels, 1)
	assert.Equal(t, "R1", cancels[0].responseID)
	assert.Equal(t, 20, h.ai.all("truncate")[0].audioEndMs)
	h.waitCommands("append", 2)

	h.leg.in <- &frames.StopEvent{}
	require.NoError(t, h.wait())
}

// A budget set at call start must not fire after an early hangup
func TestSession_CutoffCancelledOnEarlyHangup(t *testing.T) {
	ledger := &countingLedger{MemoryLedger: billing.NewMemoryLedger(map[string]int{testCaller: 100})}
	notifier := &recordingNotifier{}
	h := startSession(t, CallParams{MaxDuration: 150 * time.Millisecond}, baseOptions(), Deps{Ledger: ledger, Notifier: notifier})
	h.waitStreaming()
	assert.True(t, h.session.sched.pending(timerCutoff))

	h.leg.in <- &frames.StopEvent{}
	require.NoError(t, h.wait())
	assert.Equal(t, 0, h.session.sched.size())

	time.Sleep(250 * time.Millisecond)
	assert.Empty(t, notifier.all())
	assert.Equal(t, ReasonStop, h.session.Reason())
	assert.Equal(t, 1, ledger.deductCount())
}

func TestSession_CutoffTerminatesCall(t *testing.T) {
	ledger := &countingLedger{MemoryLedger: billing.NewMemoryLedger(map[string]int{testCaller: 100})}
	notifier := &recordingNotifier{}
	h := startSession(t, CallParams{MaxDuration: 50 * time.Millisecond}, baseOptions(), Deps{Ledger: ledger, Notifier: notifier})

	require.NoError(t, h.wait())
	assert.Equal(t, ReasonMaxDuration, h.session.Reason())
	assert.True(t, h.leg.isClosed())

	notices := notifier.all()
	require.Len(t, notices, 1)
	assert.Equal(t, ReasonMaxDuration, notices[0].Reason)
	assert.Equal(t, testCaller, notices[0].UserID)

	remaining, err := ledger.Remaining(context.Background(), testCaller)
	require.NoError(t, err)
	assert.Equal(t, 99, remaining)
}

func TestSession_BudgetNarrowedByEntitlement(t *testing.T) {
	ledger := billing.NewMemoryLedger(map[string]int{testCaller: 30})
	h := startSession(t, CallParams{MaxDuration: time.Minute}, baseOptions(), Deps{Ledger: ledger})
	h.waitStreaming()

	h.ai.in <- &frames.FunctionCallEvent{ToolName: tools.ToolGetRemainingTime, CallID: "c1", Shape: frames.ShapeFunctionResult}
	results := h.waitCommands("function_result", 1)
	assert.Equal(t, 30*time.Second, h.session.MaxDuration)
	assert.Equal(t, 30, results[0].result.(tools.Result)["remaining_seconds"])

	h.leg.in <- &frames.StopEvent{}
	require.NoError(t, h.wait())
}

func TestSession_NoBalanceNotice(t *testing.T) {
	ledger := &countingLedger{MemoryLedger: billing.NewMemoryLedger(map[string]int{testCaller: 0})}
	notifier := &recordingNotifier{}
	h := startSession(t, CallParams{}, baseOptions(), Deps{Ledger: ledger, Notifier: notifier})
	h.waitStreaming()

	creates := h.waitCommands("response_create", 1)
	assert.Equal(t, "Say you are out of time.", creates[0].instructions)
	assert.Empty(t, h.ai.all("configure")[0].update.Tools)

	// Caller audio and caller speech are ignored during the notice
	h.leg.in <- media(filled(160, 0x00), 20*time.Millisecond)
	h.ai.in <- &frames.ResponseCreatedEvent{ResponseID: "N1"}
	h.ai.in <- delta("N1", "item_n", filled(160, 0xFF))
	h.ai.in <- &frames.SpeechStartedEvent{}
	h.ai.in <- &frames.ResponseDoneEvent{ResponseID: "N1"}
	marks := h.waitMarks(1)
	assert.Equal(t, StateStreaming, h.session.State())

	h.leg.in <- &frames.MarkEvent{MarkName: marks[0]}

	require.NoError(t, h.wait())
	assert.Equal(t, ReasonNoBalance, h.session.Reason())
	assert.Empty(t, h.ai.all("append"))
	assert.Empty(t, h.ai.all("cancel"))
	assert.Equal(t, 0, ledger.deductCount())
	assert.True(t, h.session.Billed())

	notices := notifier.all()
	require.Len(t, notices, 1)
	assert.Equal(t, ReasonNoBalance, notices[0].Reason)
}

func TestSession_NoticeTimeout(t *testing.T) {
	ledger := billing.NewMemoryLedger(map[string]int{testCaller: 0})
	opts := baseOptions()
	opts.NoticeTimeout = 50 * time.Millisecond
	h := startSession(t, CallParams{}, opts, Deps{Ledger: ledger})

	require.NoError(t, h.wait())
	assert.Equal(t, ReasonNoBalance, h.session.Reason())
}

func TestSession_BillsOnceAcrossTerminationSignals(t *testing.T) {
	ledger := &countingLedger{MemoryLedger: billing.NewMemoryLedger(map[string]int{testCaller: 100})}
	h := startSession(t, CallParams{}, baseOptions(), Deps{Ledger: ledger})
	h.waitStreaming()

	h.leg.in <- &frames.StopEvent{}
	require.NoError(t, h.wait())
	assert.True(t, h.session.Billed())
	assert.Equal(t, 1, ledger.deductCount())
	assert.Equal(t, []string{h.session.ID + ":final"}, ledger.keys)

	h.session.terminate(ReasonTelephonyClose)
	h.session.terminate(ReasonAIClose)
	assert.Equal(t, 1, ledger.deductCount())
	assert.Equal(t, StateClosed, h.session.State())
	assert.Equal(t, ReasonStop, h.session.Reason())

	remaining, err := ledger.Remaining(context.Background(), testCaller)
	require.NoError(t, err)
	assert.Equal(t, 99, remaining)
}

func TestSession_FailedReportIsRetried(t *testing.T) {
	ledger := &countingLedger{
		MemoryLedger: billing.NewMemoryLedger(map[string]int{testCaller: 100}),
		failNext:     1,
	}
	h := startSession(t, CallParams{}, baseOptions(), Deps{Ledger: ledger})
	h.waitStreaming()

	h.leg.in <- &frames.StopEvent{}
	require.NoError(t, h.wait())

	assert.True(t, h.session.Billed())
	assert.Equal(t, 2, ledger.deductCount())
	remaining, err := ledger.Remaining(context.Background(), testCaller)
	require.NoError(t, err)
	assert.Equal(t, 99, remaining)
}

func TestSession_UsesTransportTimestamp(t *testing.T) {
	ledger := billing.NewMemoryLedger(map[string]int{testCaller: 100})
	h := startSession(t, CallParams{}, baseOptions(), Deps{Ledger: ledger})
	h.waitStreaming()

	h.leg.in <- media(filled(160, 0xFF), 42*time.Second)
	h.waitCommands("append", 1)
	h.leg.in <- &frames.StopEvent{}
	require.NoError(t, h.wait())

	remaining, err := ledger.Remaining(context.Background(), testCaller)
	require.NoError(t, err)
	assert.Equal(t, 58, remaining)
}

func TestSession_UnknownCallerIsNotBilled(t *testing.T) {
	ledger := &countingLedger{MemoryLedger: billing.NewMemoryLedger(nil)}
	h := startSession(t, CallParams{}, baseOptions(), Deps{Ledger: ledger})
	h.waitStreaming()
	assert.Zero(t, h.session.MaxDuration)

	h.leg.in <- &frames.StopEvent{}
	require.NoError(t, h.wait())
	assert.True(t, h.session.Billed())
	assert.Equal(t, 1, ledger.deductCount())
}

func TestSession_AILegLossEndsCall(t *testing.T) {
	ledger := &countingLedger{MemoryLedger: billing.NewMemoryLedger(map[string]int{testCaller: 100})}
	h := startSession(t, CallParams{}, baseOptions(), Deps{Ledger: ledger})
	h.waitStreaming()

	_ = h.ai.Close()
	require.NoError(t, h.wait())
	assert.Equal(t, ReasonAIClose, h.session.Reason())
	assert.True(t, h.leg.isClosed())
	assert.Equal(t, 1, ledger.deductCount())
}

func TestSession_ShutdownEndsCall(t *testing.T) {
	h := startSession(t, CallParams{}, baseOptions(), Deps{})
	h.waitStreaming()

	h.cancel()
	require.NoError(t, h.wait())
	assert.Equal(t, ReasonShutdown, h.session.Reason())
	assert.Equal(t, StateClosed, h.session.State())
}

func TestSession_DialFailure(t *testing.T) {
	leg := newFakeLeg()
	s := NewSession(leg, CallParams{}, baseOptions(), Deps{Dialer: &fakeDialer{err: errors.New("refused")}})
	leg.in <- &frames.StartEvent{StreamID: "MZ1", CallID: "CA1"}

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, leg.isClosed())
	assert.False(t, s.Billed())
}

func TestSession_StopBeforeStart(t *testing.T) {
	leg := newFakeLeg()
	s := NewSession(leg, CallParams{}, baseOptions(), Deps{Dialer: &fakeDialer{ai: newFakeAI()}})
	leg.in <- media(filled(160, 0xFF), 0)
	leg.in <- &frames.StopEvent{}

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, ErrLegClosed)
	assert.Equal(t, StateClosed, s.State())
}

func TestSession_UnknownToolKeepsCallOpen(t *testing.T) {
	h := startSession(t, CallParams{}, baseOptions(), Deps{})
	h.waitStreaming()

	h.ai.in <- &frames.FunctionCallEvent{ToolName: "foo", CallID: "call_1", Arguments: json.RawMessage(`{}`), Shape: frames.ShapeConversationItem}
	outputs := h.waitCommands("function_output", 1)
	assert.Equal(t, "call_1", outputs[0].callID)
	assert.JSONEq(t, `{"ok":false,"error":"unknown_tool: foo"}`, outputs[0].output)
	h.waitCommands("response_create", 1)
	assert.Equal(t, StateStreaming, h.session.State())

	h.leg.in <- &frames.StopEvent{}
	require.NoError(t, h.wait())
}

func TestSession_DeliveryStyleReconfigures(t *testing.T) {
	h := startSession(t, CallParams{}, baseOptions(), Deps{})
	h.waitStreaming()

	h.ai.in <- &frames.FunctionCallEvent{
		ToolName:  tools.ToolSetDeliveryStyle,
		CallID:    "call_2",
		Arguments: json.RawMessage(`{"style":"brief"}`),
		Shape:     frames.ShapeFunctionResult,
	}
	results := h.waitCommands("function_result", 1)
	assert.Equal(t, "brief", results[0].result.(tools.Result)["style"])

	configs := h.ai.all("configure")
	require.Len(t, configs, 2)
	assert.Contains(t, configs[1].update.Instructions, tools.DeliveryStyles["brief"])
	assert.Contains(t, configs[1].update.Instructions, "You are a test assistant.")

	h.leg.in <- &frames.StopEvent{}
	require.NoError(t, h.wait())
	assert.Equal(t, "brief", h.session.DeliveryStyle())
}

func TestSession_EndCallAfterNextResponse(t *testing.T) {
	h := startSession(t, CallParams{}, baseOptions(), Deps{})
	h.waitStreaming()

	h.ai.in <- &frames.ResponseCreatedEvent{ResponseID: "R0"}
	h.ai.in <- &frames.FunctionCallEvent{ToolName: tools.ToolEndCall, CallID: "call_3", Shape: frames.ShapeConversationItem}
	h.ai.in <- &frames.ResponseDoneEvent{ResponseID: "R0"}
	h.ai.in <- &frames.ResponseCreatedEvent{ResponseID: "R1"}
	h.ai.in <- delta("R1", "item_bye", filled(160, 0xFF))
	h.ai.in <- &frames.ResponseDoneEvent{ResponseID: "R1"}
	marks := h.waitMarks(1)
	assert.True(t, h.session.sched.pending(timerHangup))

	h.leg.in <- &frames.MarkEvent{MarkName: marks[0]}
	require.NoError(t, h.wait())
	assert.Equal(t, ReasonAgentHangup, h.session.Reason())
}

func TestSession_EndCallSafetyTimer(t *testing.T) {
	opts := baseOptions()
	opts.HangupGrace = 50 * time.Millisecond
	h := startSession(t, CallParams{}, opts, Deps{})
	h.waitStreaming()

	h.ai.in <- &frames.FunctionCallEvent{ToolName: tools.ToolEndCall, CallID: "call_4", Shape: frames.ShapeFunctionResult}
	require.NoError(t, h.wait())
	assert.Equal(t, ReasonAgentHangup, h.session.Reason())
}

func TestSession_LiveTick(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	ledger := &countingLedger{MemoryLedger: billing.NewMemoryLedger(map[string]int{testCaller: 5})}
	notifier := &recordingNotifier{}
	opts := baseOptions()
	opts.BillingMode = config.BillingLiveTick
	opts.TickInterval = 10 * time.Millisecond

	h := startSession(t, CallParams{}, opts, Deps{Ledger: ledger, Notifier: notifier, Clock: clock.Now})
	h.waitStreaming()

	clock.Advance(3 * time.Second)
	require.Eventually(t, func() bool {
		n, _ := ledger.Remaining(context.Background(), testCaller)
		return n == 2
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, StateStreaming, h.session.State())

	clock.Advance(3 * time.Second)
	require.NoError(t, h.wait())
	assert.Equal(t, ReasonOutOfBudget, h.session.Reason())
	assert.Equal(t, 2, ledger.deductCount())
	assert.Equal(t, []string{h.session.ID + ":tick:1", h.session.ID + ":tick:2"}, ledger.keys)

	notices := notifier.all()
	require.Len(t, notices, 1)
	assert.Equal(t, ReasonOutOfBudget, notices[0].Reason)
}
