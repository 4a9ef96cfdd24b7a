package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-copytrader/pkg/types"
)

const (
	pingInterval     = 15 * time.Second
	readTimeout      = 60 * time.Second // silent server detected within ~4 missed pings
	writeTimeout     = 10 * time.Second
	baseReconnect    = time.Second
	maxReconnectWait = 30 * time.Second
	reconnectJitter  = 0.2
)

// AuthProvider supplies credentials for the authenticated stream. Nil auth
// subscribes unauthenticated, which the public activity topics allow.
type AuthProvider interface {
	WSAuthPayload() *types.WSAuth
}

// wsEnvelope is the {topic, type, payload} frame the activity stream wraps
// every message in.
type wsEnvelope struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// StreamClient maintains the single websocket subscription to the activity
// topics. Reconnection is one path with jittered exponential backoff; a
// destroyed flag makes every callback from a stale connection a no-op, and
// at most one reconnect attempt is in flight at a time.
type StreamClient struct {
	url    string
	auth   AuthProvider
	onRaw  func(topic string, payload []byte)
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	destroyed    atomic.Bool
	reconnecting atomic.Bool

	connected  atomic.Bool
	messages   atomic.Int64
	parseFails atomic.Int64
}

// NewStreamClient creates the activity stream client. onRaw receives every
// activity payload with its topic; it must not block.
func NewStreamClient(url string, auth AuthProvider, onRaw func(topic string, payload []byte), logger *slog.Logger) *StreamClient {
	return &StreamClient{
		url:    url,
		auth:   auth,
		onRaw:  onRaw,
		logger: logger.With("component", "ws_activity"),
	}
}

// Connected reports whether the stream is currently up.
func (s *StreamClient) Connected() bool { return s.connected.Load() }

// Messages returns the count of payloads dispatched since start.
func (s *StreamClient) Messages() int64 { return s.messages.Load() }

// ParseFailures returns the count of frames that failed to decode.
func (s *StreamClient) ParseFailures() int64 { return s.parseFails.Load() }

// Run connects and maintains the subscription until ctx is cancelled or
// Destroy is called. Blocks.
func (s *StreamClient) Run(ctx context.Context) error {
	backoff := baseReconnect

	for {
		if s.destroyed.Load() {
			return nil
		}
		if !s.reconnecting.CompareAndSwap(false, true) {
			// another attempt in flight; only one reconnect path runs
			return nil
		}
		err := s.connectAndRead(ctx)
		s.reconnecting.Store(false)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.destroyed.Load() {
			return nil
		}

		wait := jitter(backoff)
		s.logger.Warn("activity stream disconnected, reconnecting",
			"error", err,
			"backoff", wait,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Destroy permanently stops the client. Late reads and callbacks after
// Destroy are dropped; the client never reconnects again.
func (s *StreamClient) Destroy() {
	s.destroyed.Store(true)
	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.connMu.Unlock()
}

func (s *StreamClient) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
		s.connected.Store(false)
	}()

	if err := s.subscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.connected.Store(true)
	s.logger.Info("activity stream connected", "topics", types.WSActivityTopics)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if s.destroyed.Load() {
			return nil
		}
		s.dispatch(msg)
	}
}

func (s *StreamClient) subscribe() error {
	msg := types.WSSubscribeMsg{
		Action: "subscribe",
		Topics: types.WSActivityTopics,
	}
	if s.auth != nil {
		msg.Auth = s.auth.WSAuthPayload()
	}
	return s.writeJSON(msg)
}

func (s *StreamClient) dispatch(data []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.parseFails.Add(1)
		s.logger.Debug("ignoring non-json ws frame", "data", string(data))
		return
	}

	switch env.Topic {
	case "activity/trades", "activity/orders_matched":
		s.messages.Add(1)
		s.onRaw(env.Topic, env.Payload)
	default:
		// connection acks, pongs and unrelated topics
		s.logger.Debug("ignoring ws topic", "topic", env.Topic, "type", env.Type)
	}
}

func (s *StreamClient) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (s *StreamClient) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *StreamClient) writeMessage(msgType int, data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(msgType, data)
}

// jitter spreads a backoff interval by ±20% so reconnect storms from many
// instances do not synchronize.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * reconnectJitter
	return time.Duration(float64(d) - delta + rand.Float64()*2*delta)
}
