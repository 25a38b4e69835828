package transports

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/square-key-labs/strawgo-bridge/src/frames"
	"github.com/square-key-labs/strawgo-bridge/src/logger"
	"github.com/square-key-labs/strawgo-bridge/src/metrics"
	"github.com/square-key-labs/strawgo-bridge/src/serializers"
)

const twilioWriteTimeout = 5 * time.Second

// StreamHandler runs one call on an accepted media stream. It owns conn and
// returns when the call is over; ctx is cancelled when the server stops.
type StreamHandler func(ctx context.Context, conn *TwilioConn)

// TwilioServerConfig holds configuration for the Twilio media server
type TwilioServerConfig struct {
	Addr         string              // Listen address (e.g. ":8080")
	Path         string              // WebSocket path (default: "/media")
	MaxCallRate  float64             // New streams per second, 0 = unlimited
	MaxCallBurst int                 // Burst for MaxCallRate (default: 1)
	Registry     *prometheus.Registry // Served on /metrics when set
}

// TwilioServer accepts Twilio Media Streams connections and hands each one to
// a StreamHandler
type TwilioServer struct {
	config   TwilioServerConfig
	handler  StreamHandler
	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader
	limiter  *rate.Limiter
	log      *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	streams  map[*TwilioConn]struct{}
	streamMu sync.Mutex
	wg       sync.WaitGroup
}

// NewTwilioServer creates a new server
func NewTwilioServer(config TwilioServerConfig, handler StreamHandler) *TwilioServer {
	if config.Path == "" {
		config.Path = "/media"
	}

	t := &TwilioServer{
		config:  config,
		handler: handler,
		streams: make(map[*TwilioConn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Twilio does not send an Origin header
			},
		},
		log: logger.WithPrefix("TwilioWS"),
	}
	if config.MaxCallRate > 0 {
		burst := config.MaxCallBurst
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(config.MaxCallRate), burst)
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t
}

// Handler returns the HTTP handler serving the media path, /healthz and
// /metrics
func (t *TwilioServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(t.config.Path, t.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"status":"ok","streams":%d}`, t.ActiveStreams())
	})
	if t.config.Registry != nil {
		mux.Handle("/metrics", metrics.Handler(t.config.Registry))
	}
	return mux
}

// Start binds the listen address and serves in the background
func (t *TwilioServer) Start() error {
	ln, err := net.Listen("tcp", t.config.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", t.config.Addr, err)
	}
	t.listener = ln
	t.server = &http.Server{
		Handler:           t.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		t.log.Info("Listening on %s (media path %s)", ln.Addr(), t.config.Path)
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error("Server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started
func (t *TwilioServer) Addr() string {
	if t.listener == nil {
		return t.config.Addr
	}
	return t.listener.Addr().String()
}

// ActiveStreams returns the number of open media streams
func (t *TwilioServer) ActiveStreams() int {
	t.streamMu.Lock()
	defer t.streamMu.Unlock()
	return len(t.streams)
}

// Stop stops accepting calls, cancels running handlers and waits for them
// to finish or for ctx to expire
func (t *TwilioServer) Stop(ctx context.Context) error {
	var err error
	if t.server != nil {
		err = t.server.Shutdown(ctx)
	}
	t.cancel()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		t.streamMu.Lock()
		for conn := range t.streams {
			_ = conn.Close()
		}
		t.streamMu.Unlock()
		return ctx.Err()
	}
	return err
}

func (t *TwilioServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if t.limiter != nil && !t.limiter.Allow() {
		t.log.Warn("Rejecting stream from %s: call rate exceeded", r.RemoteAddr)
		metrics.RecordRejectedCall("rate_limited")
		http.Error(w, "too many calls", http.StatusServiceUnavailable)
		return
	}
	if t.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Warn("Failed to upgrade connection from %s: %v", r.RemoteAddr, err)
		metrics.RecordRejectedCall("upgrade_failed")
		return
	}
	t.log.Debug("New connection from %s", r.RemoteAddr)

	conn := newTwilioConn(ws, r.URL.Query(), r.RemoteAddr)

	t.wg.Add(1)
	t.streamMu.Lock()
	t.streams[conn] = struct{}{}
	t.streamMu.Unlock()

	defer func() {
		_ = conn.Close()
		t.streamMu.Lock()
		delete(t.streams, conn)
		t.streamMu.Unlock()
		t.wg.Done()
		t.log.Debug("Stream closed: %s", conn.StreamSid())
	}()

	t.handler(t.ctx, conn)
}

// TwilioConn is the telephony leg of one call
type TwilioConn struct {
	conn       *websocket.Conn
	serializer *serializers.TwilioSerializer
	query      url.Values
	remoteAddr string
	log        *logger.Logger

	writeMu   sync.Mutex // Protects concurrent WebSocket writes
	closeOnce sync.Once
}

func newTwilioConn(ws *websocket.Conn, query url.Values, remoteAddr string) *TwilioConn {
	return &TwilioConn{
		conn:       ws,
		serializer: serializers.NewTwilioSerializer(),
		query:      query,
		remoteAddr: remoteAddr,
		log:        logger.WithPrefix("TwilioWS"),
	}
}

// Query returns the query parameters of the upgrade request
func (c *TwilioConn) Query() url.Values { return c.query }

// RemoteAddr returns the peer address
func (c *TwilioConn) RemoteAddr() string { return c.remoteAddr }

// StreamSid returns the stream id once start has been received
func (c *TwilioConn) StreamSid() string { return c.serializer.StreamSid() }

// Receive returns the next telephony event. Malformed and ignored messages
// are skipped; an error means the stream is gone.
func (c *TwilioConn) Receive(ctx context.Context) (frames.TelephonyEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("Read error: %v", err)
			}
			return nil, fmt.Errorf("twilio read: %w", err)
		}

		ev, err := c.serializer.Decode(message)
		if err != nil {
			if errors.Is(err, serializers.ErrMalformed) {
				c.log.Warn("Discarding malformed message: %v", err)
				continue
			}
			return nil, err
		}
		if ev == nil {
			continue
		}
		if start, ok := ev.(*frames.StartEvent); ok {
			c.log.Info("Stream started: %s (Call: %s)", start.StreamID, start.CallID)
		}
		return ev, nil
	}
}

// SendAudio plays a G.711 payload to the caller
func (c *TwilioConn) SendAudio(payload []byte) error {
	data, err := c.serializer.EncodeMedia(payload)
	if err != nil {
		return err
	}
	return c.write(data)
}

// SendClear flushes audio buffered on the Twilio side
func (c *TwilioConn) SendClear() error {
	data, err := c.serializer.EncodeClear()
	if err != nil {
		return err
	}
	return c.write(data)
}

// SendMark asks Twilio to echo name back once preceding audio has played
func (c *TwilioConn) SendMark(name string) error {
	data, err := c.serializer.EncodeMark(name)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *TwilioConn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(twilioWriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("twilio write: %w", err)
	}
	return nil
}

// Close ends the media stream. Safe to call more than once.
func (c *TwilioConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
