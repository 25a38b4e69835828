package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/square-key-labs/strawgo-bridge/src/logger"
	"github.com/square-key-labs/strawgo-bridge/src/tools"
	"github.com/square-key-labs/strawgo-bridge/src/transports"
)

// Manager creates and tracks one Session per accepted media stream
type Manager struct {
	opts Options
	deps Deps
	log  *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager validates the shared options and collaborators
func NewManager(opts Options, deps Deps) (*Manager, error) {
	if deps.Dialer == nil {
		return nil, fmt.Errorf("bridge: a realtime dialer is required")
	}
	if opts.BargeIn {
		if err := opts.Detector.Validate(); err != nil {
			return nil, fmt.Errorf("bridge: barge-in detector: %w", err)
		}
	}
	if deps.Tools == nil {
		deps.Tools = tools.NewDispatcher()
		if err := tools.RegisterBuiltins(deps.Tools); err != nil {
			return nil, err
		}
	}
	return &Manager{
		opts:     opts,
		deps:     deps,
		log:      logger.WithPrefix("Bridge"),
		sessions: make(map[string]*Session),
	}, nil
}

// HandleStream is a transports.StreamHandler
func (m *Manager) HandleStream(ctx context.Context, conn *transports.TwilioConn) {
	params, err := ParseCallParams(conn.Query().Get)
	if err != nil {
		m.log.Warn("Stream from %s: %v", conn.RemoteAddr(), err)
	}
	if err := m.Serve(ctx, conn, params); err != nil && !errors.Is(err, ErrLegClosed) {
		m.log.Warn("Stream from %s: %v", conn.RemoteAddr(), err)
	}
}

// Serve runs one call on leg until it ends
func (m *Manager) Serve(ctx context.Context, leg TelephonyLeg, params CallParams) error {
	s := NewSession(leg, params, m.opts, m.deps)

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.sessions, s.ID)
		m.mu.Unlock()
	}()

	return s.Run(ctx)
}

// Active returns the number of running sessions
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
