// Package realtime is the AI leg: a WebSocket client for OpenAI-realtime-style
// speech-to-speech services.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/square-key-labs/strawgo-bridge/src/frames"
	"github.com/square-key-labs/strawgo-bridge/src/logger"
	"github.com/square-key-labs/strawgo-bridge/src/serializers"
	"github.com/square-key-labs/strawgo-bridge/src/services"
)

const writeTimeout = 5 * time.Second

// Config holds the connection settings for the realtime service
type Config struct {
	URL               string // e.g. "wss://api.openai.com/v1/realtime"
	APIKey            string
	Model             string        // Added as ?model= unless the URL already has one
	KeepaliveInterval time.Duration // WebSocket ping interval (default: 20s)
	DialTimeout       time.Duration // Handshake timeout (default: 10s)
	Header            http.Header   // Extra handshake headers
}

// Client is one connection to the realtime service
type Client struct {
	conn       *websocket.Conn
	serializer *serializers.RealtimeSerializer
	log        *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu   sync.Mutex // Protects concurrent WebSocket writes
	closeOnce sync.Once
}

// Dial connects to the realtime service and starts the keepalive loop
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	endpoint, err := endpointURL(cfg)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	for k, v := range cfg.Header {
		header[k] = v
	}
	if cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	if header.Get("OpenAI-Beta") == "" {
		header.Set("OpenAI-Beta", "realtime=v1")
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: dialTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to realtime service (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("failed to connect to realtime service: %w", err)
	}

	c := &Client{
		conn:       conn,
		serializer: serializers.NewRealtimeSerializer(),
		log:        logger.WithPrefix("Realtime"),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	keepalive := cfg.KeepaliveInterval
	if keepalive <= 0 {
		keepalive = 20 * time.Second
	}
	go c.keepaliveTask(keepalive)

	c.log.Info("Connected to %s", endpoint)
	return c, nil
}

func endpointURL(cfg Config) (string, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid realtime url %q: %w", cfg.URL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("realtime url must be ws:// or wss://, got %q", cfg.URL)
	}
	if cfg.Model != "" {
		q := u.Query()
		if q.Get("model") == "" {
			q.Set("model", cfg.Model)
			u.RawQuery = q.Encode()
		}
	}
	return u.String(), nil
}

// Receive returns the next classified event. Malformed frames are logged and
// skipped; only read errors end the loop.
func (c *Client) Receive(ctx context.Context) (frames.RealtimeEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("Connection closed by service")
			}
			return nil, fmt.Errorf("realtime read: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}

		ev, err := c.serializer.Decode(data)
		if err != nil {
			if errors.Is(err, serializers.ErrMalformed) {
				c.log.Warn("Discarding malformed event: %v", err)
				continue
			}
			return nil, err
		}
		if ev == nil {
			continue
		}
		return ev, nil
	}
}

func (c *Client) Configure(update serializers.SessionUpdate) error {
	data, err := c.serializer.SessionUpdate(update)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *Client) AppendAudio(payload []byte) error {
	data, err := c.serializer.InputAudioAppend(payload)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *Client) CancelResponse(responseID string) error {
	data, err := c.serializer.ResponseCancel(responseID)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *Client) TruncateItem(itemID string, contentIndex, audioEndMs int) error {
	data, err := c.serializer.ItemTruncate(itemID, contentIndex, audioEndMs)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *Client) CreateResponse(instructions string) error {
	data, err := c.serializer.ResponseCreate(instructions)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *Client) SendFunctionOutput(callID, output string) error {
	data, err := c.serializer.FunctionOutputItem(callID, output)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *Client) SendFunctionResult(callID string, result interface{}) error {
	data, err := c.serializer.FunctionCallResult(callID, result)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *Client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("realtime write: %w", err)
	}
	return nil
}

// Close stops the keepalive loop and closes the connection. Safe to call
// more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
		c.log.Debug("Connection closed")
	})
	return err
}

func (c *Client) keepaliveTask(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			if err != nil {
				c.log.Warn("Error sending keepalive: %v", err)
				return
			}
		}
	}
}

// Dialer opens one Client per call
type Dialer struct {
	Config Config
}

// Dial implements services.RealtimeDialer
func (d *Dialer) Dial(ctx context.Context) (services.RealtimeSession, error) {
	c, err := Dial(ctx, d.Config)
	if err != nil {
		return nil, err
	}
	return c, nil
}
