package feed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"straddle-engine/internal/errors"
)

// BatchHandler consumes one dispatched batch of prices.
type BatchHandler func(prices map[uint32]float64, ts time.Time)

// WSFeed consumes tick batches from a websocket market-data endpoint and
// dispatches them to registered handlers. The engine makes no assumption
// about the upstream transport beyond the batch message shape.
type WSFeed struct {
	url    string
	logger zerolog.Logger

	mu       sync.RWMutex
	conn     *websocket.Conn
	handlers []BatchHandler
	onError  func(error)
	closed   bool
}

type wsMessage struct {
	Timestamp time.Time `json:"ts"`
	Ticks     []struct {
		Token uint32  `json:"token"`
		LTP   float64 `json:"ltp"`
	} `json:"ticks"`
}

// NewWSFeed creates a websocket feed for the given endpoint.
func NewWSFeed(url string, logger zerolog.Logger) *WSFeed {
	return &WSFeed{
		url:    url,
		logger: logger,
	}
}

// OnBatch registers a handler for dispatched tick batches. Handlers run on
// the read loop goroutine, so dispatch order matches arrival order.
func (f *WSFeed) OnBatch(h BatchHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, h)
}

// OnError registers an error handler.
func (f *WSFeed) OnError(h func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onError = h
}

// Connect dials the endpoint and starts the read loop.
func (f *WSFeed) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return errors.Wrap(err, "dialing market data feed")
	}

	f.mu.Lock()
	f.conn = conn
	f.closed = false
	f.mu.Unlock()

	go f.readLoop(ctx, conn)
	return nil
}

func (f *WSFeed) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			f.mu.RLock()
			closed := f.closed
			handler := f.onError
			f.mu.RUnlock()
			if !closed && handler != nil {
				handler(err)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			f.logger.Warn().Err(err).Msg("Dropping malformed feed message")
			continue
		}
		if len(msg.Ticks) == 0 {
			continue
		}

		ts := msg.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		prices := make(map[uint32]float64, len(msg.Ticks))
		for _, t := range msg.Ticks {
			prices[t.Token] = t.LTP
		}

		f.mu.RLock()
		handlers := f.handlers
		f.mu.RUnlock()
		for _, h := range handlers {
			h(prices, ts)
		}
	}
}

// Close shuts the feed down.
func (f *WSFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.ErrFeedClosed
	}
	f.closed = true
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}
