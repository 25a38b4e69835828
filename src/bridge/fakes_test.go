package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/strawgo-bridge/src/billing"
	"github.com/square-key-labs/strawgo-bridge/src/frames"
	"github.com/square-key-labs/strawgo-bridge/src/serializers"
	"github.com/square-key-labs/strawgo-bridge/src/services"
)

var errClosed = errors.New("use of closed connection")

type fakeLeg struct {
	in        chan frames.TelephonyEvent
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	audio  [][]byte
	marks  []string
	clears int
}

func newFakeLeg() *fakeLeg {
	return &fakeLeg{
		in:     make(chan frames.TelephonyEvent, 64),
		closed: make(chan struct{}),
	}
}

func (l *fakeLeg) Receive(ctx context.Context) (frames.TelephonyEvent, error) {
	select {
	case <-l.closed:
		return nil, errClosed
	default:
	}
	select {
	case ev := <-l.in:
		return ev, nil
	case <-l.closed:
		return nil, errClosed
	}
}

func (l *fakeLeg) SendAudio(payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.audio = append(l.audio, payload)
	return nil
}

func (l *fakeLeg) SendClear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clears++
	return nil
}

func (l *fakeLeg) SendMark(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.marks = append(l.marks, name)
	return nil
}

func (l *fakeLeg) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *fakeLeg) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

func (l *fakeLeg) played() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.audio...)
}

func (l *fakeLeg) sentMarks() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.marks...)
}

func (l *fakeLeg) clearCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clears
}

type aiCommand struct {
	kind         string
	responseID   string
	itemID       string
	audioEndMs   int
	instructions string
	callID       string
	output       string
	result       interface{}
	update       serializers.SessionUpdate
}

type fakeAI struct {
	in        chan frames.RealtimeEvent
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	commands []aiCommand
}

func newFakeAI() *fakeAI {
	return &fakeAI{
		in:     make(chan frames.RealtimeEvent, 64),
		closed: make(chan struct{}),
	}
}

func (a *fakeAI) Receive(ctx context.Context) (frames.RealtimeEvent, error) {
	select {
	case <-a.closed:
		return nil, errClosed
	default:
	}
	select {
	case ev := <-a.in:
		return ev, nil
	case <-a.closed:
		return nil, errClosed
	}
}

func (a *fakeAI) record(cmd aiCommand) error {
	select {
	case <-a.closed:
		return errClosed
	default:
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commands = append(a.commands, cmd)
	return nil
}

func (a *fakeAI) Configure(update serializers.SessionUpdate) error {
	return a.record(aiCommand{kind: "configure", update: update})
}

func (a *fakeAI) AppendAudio(payload []byte) error {
	return a.record(aiCommand{kind: "append"})
}

func (a *fakeAI) CancelResponse(responseID string) error {
	return a.record(aiCommand{kind: "cancel", responseID: responseID})
}

func (a *fakeAI) TruncateItem(itemID string, contentIndex, audioEndMs int) error {
	return a.record(aiCommand{kind: "truncate", itemID: itemID, audioEndMs: audioEndMs})
}

func (a *fakeAI) CreateResponse(instructions string) error {
	return a.record(aiCommand{kind: "response_create", instructions: instructions})
}

func (a *fakeAI) SendFunctionOutput(callID, output string) error {
	return a.record(aiCommand{kind: "function_output", callID: callID, output: output})
}

func (a *fakeAI) SendFunctionResult(callID string, result interface{}) error {
	return a.record(aiCommand{kind: "function_result", callID: callID, result: result})
}

func (a *fakeAI) Close() error {
	a.closeOnce.Do(func() { close(a.closed) })
	return nil
}

func (a *fakeAI) all(kind string) []aiCommand {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []aiCommand
	for _, c := range a.commands {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func (a *fakeAI) kinds() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.commands))
	for _, c := range a.commands {
		out = append(out, c.kind)
	}
	return out
}

type fakeDialer struct {
	ai  *fakeAI
	err error
}

func (d *fakeDialer) Dial(context.Context) (services.RealtimeSession, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.ai, nil
}

// countingLedger wraps a MemoryLedger, counting deductions and failing the
// first failNext of them
type countingLedger struct {
	*billing.MemoryLedger

	mu       sync.Mutex
	deducts  int
	failNext int
	keys     []string
}

func (l *countingLedger) Deduct(ctx context.Context, userID string, seconds int, meta billing.UsageMeta) (int, error) {
	l.mu.Lock()
	l.deducts++
	l.keys = append(l.keys, meta.IdempotencyKey)
	if l.failNext > 0 {
		l.failNext--
		l.mu.Unlock()
		return 0, errors.New("ledger unavailable")
	}
	l.mu.Unlock()
	return l.MemoryLedger.Deduct(ctx, userID, seconds, meta)
}

func (l *countingLedger) deductCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deducts
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []billing.Notice
}

func (n *recordingNotifier) OutOfBudget(_ context.Context, notice billing.Notice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return nil
}

func (n *recordingNotifier) all() []billing.Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]billing.Notice(nil), n.notices...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// harness runs one session against fake legs
type harness struct {
	t       *testing.T
	leg     *fakeLeg
	ai      *fakeAI
	session *Session
	result  chan error
	cancel  context.CancelFunc
}

const testCaller = "+15550100"

func startSession(t *testing.T, params CallParams, opts Options, deps Deps) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		leg:    newFakeLeg(),
		ai:     newFakeAI(),
		result: make(chan error, 1),
	}
	if deps.Dialer == nil {
		deps.Dialer = &fakeDialer{ai: h.ai}
	}
	h.session = NewSession(h.leg, params, opts, deps)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)
	go func() { h.result <- h.session.Run(ctx) }()

	h.leg.in <- &frames.StartEvent{
		StreamID:     "MZ1",
		CallID:       "CA1",
		CustomParams: map[string]string{"from": testCaller},
	}
	return h
}

func (h *harness) waitStreaming() {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.session.State() == StateStreaming }, 2*time.Second, time.Millisecond)
}

func (h *harness) wait() error {
	h.t.Helper()
	select {
	case err := <-h.result:
		return err
	case <-time.After(3 * time.Second):
		h.t.Fatal("session did not end")
		return nil
	}
}

func (h *harness) waitPlayed(n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.leg.played()) >= n }, 2*time.Second, time.Millisecond)
}

func (h *harness) waitMarks(n int) []string {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.leg.sentMarks()) >= n }, 2*time.Second, time.Millisecond)
	return h.leg.sentMarks()
}

func (h *harness) waitClears(n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.leg.clearCount() >= n }, 2*time.Second, time.Millisecond)
}

func (h *harness) waitCommands(kind string, n int) []aiCommand {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.ai.all(kind)) >= n }, 2*time.Second, time.Millisecond)
	return h.ai.all(kind)
}

func delta(responseID, itemID string, payload []byte) *frames.AudioDeltaEvent {
	return &frames.AudioDeltaEvent{
		ResponseID: responseID,
		ItemID:     itemID,
		Audio:      frames.NewAudioFrame(payload, 0, frames.OriginAssistant),
	}
}

func media(payload []byte, ts time.Duration) *frames.MediaEvent {
	return &frames.MediaEvent{Audio: frames.NewAudioFrame(payload, ts, frames.OriginCaller)}
}

func filled(n int, b byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = b
	}
	return p
}
