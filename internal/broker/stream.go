// Package broker carries fill and cancel confirmations from the broker's
// order-update stream into the local stores. The stream complements the close
// workflow's bounded polling: when a fill lands after the confirmation window
// expired, the applier completes the close.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bracketd/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// OrderUpdate is one order lifecycle event from the broker stream.
type OrderUpdate struct {
	AccountID     string             `json:"account_id"`
	BrokerOrderID string             `json:"broker_order_id"`
	ClientOrderID string             `json:"client_order_id"`
	Symbol        string             `json:"symbol"`
	Status        domain.OrderStatus `json:"status"`
	FilledQty     float64            `json:"filled_qty"`
	AvgFillPrice  float64            `json:"avg_fill_price"`
	Timestamp     time.Time          `json:"ts"`
}

// OrderUpdateHandler is called for every order update received on the stream.
type OrderUpdateHandler func(OrderUpdate)

// streamCommand is the subscribe/unsubscribe envelope sent to the stream.
type streamCommand struct {
	Type     string   `json:"type"`
	Channel  string   `json:"channel"`
	Accounts []string `json:"accounts,omitempty"`
}

// StreamClient is a WebSocket client for the broker's order-update stream. It
// manages the connection lifecycle, per-account subscriptions, and dispatches
// updates to registered handlers.
type StreamClient struct {
	wsURL  string
	logger *slog.Logger
	conn   *websocket.Conn

	mu     sync.RWMutex
	closed bool

	// Subscriptions to restore on reconnect.
	subscriptions []streamCommand

	handlerMu sync.RWMutex
	handlers  []OrderUpdateHandler

	// done is closed when the client is shut down.
	done chan struct{}
}

// NewStreamClient creates a client for the given order-update endpoint.
func NewStreamClient(wsURL string, logger *slog.Logger) *StreamClient {
	return &StreamClient{
		wsURL:  wsURL,
		logger: logger.With(slog.String("component", "broker_stream")),
		done:   make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and starts the read and ping
// loops. Previously registered subscriptions are restored, so Connect doubles
// as the reconnect entry point.
func (c *StreamClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("broker/stream: client closed")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("broker/stream: connect: %w", err)
	}

	c.conn = conn

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readLoop()
	go c.pingLoop()

	for _, cmd := range c.subscriptions {
		if err := c.sendCommand(cmd); err != nil {
			return fmt.Errorf("broker/stream: restore subscription: %w", err)
		}
	}

	return nil
}

// Subscribe subscribes to order updates for the given accounts.
func (c *StreamClient) Subscribe(ctx context.Context, accountIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("broker/stream: not connected")
	}

	cmd := streamCommand{
		Type:     "subscribe",
		Channel:  "orders",
		Accounts: accountIDs,
	}
	if err := c.sendCommand(cmd); err != nil {
		return fmt.Errorf("broker/stream: subscribe: %w", err)
	}

	// Track subscription for reconnection.
	c.subscriptions = append(c.subscriptions, cmd)
	return nil
}

// OnOrderUpdate registers a handler called for every order update.
func (c *StreamClient) OnOrderUpdate(handler OrderUpdateHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// Close shuts down the connection and stops the read loop.
func (c *StreamClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	close(c.done)

	if c.conn != nil {
		_ = c.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return c.conn.Close()
	}

	return nil
}

// sendCommand sends a JSON command to the stream. Caller must hold c.mu.
func (c *StreamClient) sendCommand(cmd streamCommand) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop reads messages and dispatches them to handlers. On disconnect it
// hands off to reconnect and exits; Connect starts a fresh loop.
func (c *StreamClient) readLoop() {
	defer func() {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}

			c.logger.Warn("broker_stream: connection lost, reconnecting",
				slog.String("error", err.Error()),
			)
			c.reconnect()
			return
		}

		c.handleMessage(message)
	}
}

// pingLoop sends periodic pings to keep the connection alive.
func (c *StreamClient) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()

			if conn == nil {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses a raw message and routes order updates to handlers.
// Messages that do not parse or carry another event type are dropped.
func (c *StreamClient) handleMessage(raw []byte) {
	var envelope struct {
		Event string `json:"event_type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return
	}
	if envelope.Event != "order_update" {
		return
	}

	var upd OrderUpdate
	if err := json.Unmarshal(raw, &upd); err != nil {
		c.logger.Warn("broker_stream: malformed order update dropped",
			slog.String("error", err.Error()),
		)
		return
	}

	c.handlerMu.RLock()
	handlers := c.handlers
	c.handlerMu.RUnlock()

	for _, h := range handlers {
		h(upd)
	}
}

// reconnect re-establishes the connection with exponential backoff. It blocks
// until successful or the client is closed.
func (c *StreamClient) reconnect() {
	delay := reconnectDelay

	for {
		select {
		case <-c.done:
			return
		default:
		}

		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := c.Connect(ctx)
		cancel()

		if err == nil {
			return
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
