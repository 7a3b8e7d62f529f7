// Package client implements the runner-side SDK: a single WebSocket
// connection to the broker carrying registration, offers, assignments,
// results and heartbeats.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"nodeflow/task-broker/api/rest"
	"nodeflow/task-broker/pkg/types"
)

// Config holds the configuration for a runner client.
type Config struct {
	// BrokerURL is the base URL of the broker (e.g. "http://localhost:5679").
	BrokerURL string

	// BasePath is the broker's configured runner endpoint prefix.
	BasePath string

	// AuthToken is the shared secret presented during the handshake.
	AuthToken string

	// RunnerID is the unique identifier for this runner.
	RunnerID string

	// TaskTypes are the task types this runner executes.
	TaskTypes []string

	// MaxConcurrency is how many tasks this runner executes at once.
	MaxConcurrency int

	// Labels are key-value labels for this runner.
	Labels map[string]string

	// HeartbeatInterval is the fallback heartbeat cadence; the broker's
	// register ack overrides it.
	HeartbeatInterval time.Duration

	// HandshakeTimeout bounds the WebSocket dial and register exchange.
	HandshakeTimeout time.Duration

	// ReconnectInterval is the initial delay between reconnection attempts.
	ReconnectInterval time.Duration

	// MaxReconnectAttempts caps reconnection attempts. 0 means unlimited.
	MaxReconnectAttempts int
}

// DefaultConfig returns a default client configuration.
func DefaultConfig() *Config {
	return &Config{
		BrokerURL:         "http://localhost:5679",
		BasePath:          "/runners",
		MaxConcurrency:    5,
		HeartbeatInterval: 10 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		ReconnectInterval: 5 * time.Second,
	}
}

// TaskHandler executes an assigned task and returns its output, or a typed
// error when the user code fails.
type TaskHandler func(ctx context.Context, task *types.TaskAssignMessage) (json.RawMessage, *types.TaskError)

// OfferDecider decides whether to accept an offer. A nil decider accepts
// every offer within capacity.
type OfferDecider func(offer *types.OfferMessage) (accept bool, reason string)

// DisconnectHandler is invoked when the connection to the broker drops.
type DisconnectHandler func(err error)

// Client is a runner's connection to the broker.
type Client struct {
	config *Config

	onTask       TaskHandler
	onOffer      OfferDecider
	onDisconnect DisconnectHandler

	mu     sync.Mutex
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	closer sync.Once

	connected        atomic.Bool
	reconnecting     atomic.Bool
	reconnectAttempt atomic.Int32
	inFlight         atomic.Int32

	// Per-task cancel functions so a broker cancel reaches the handler.
	taskMu    sync.Mutex
	taskStops map[string]context.CancelFunc

	heartbeatEvery time.Duration

	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates a runner client. The task handler is required; it runs once
// per assignment, bounded by MaxConcurrency through the broker's offers.
func New(config *Config, handler TaskHandler) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.RunnerID == "" {
		return nil, fmt.Errorf("runner id is required")
	}
	if len(config.TaskTypes) == 0 {
		return nil, fmt.Errorf("at least one task type is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("task handler is required")
	}

	return &Client{
		config:         config,
		onTask:         handler,
		taskStops:      make(map[string]context.CancelFunc),
		heartbeatEvery: config.HeartbeatInterval,
		stopped:        make(chan struct{}),
	}, nil
}

// OnOffer installs a custom offer decision. Must be called before Connect.
func (c *Client) OnOffer(decider OfferDecider) {
	c.onOffer = decider
}

// OnDisconnect installs a disconnect callback. Must be called before Connect.
func (c *Client) OnDisconnect(handler DisconnectHandler) {
	c.onDisconnect = handler
}

// Connect dials the broker, performs the register handshake and starts the
// read, write and heartbeat pumps.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected.Load() {
		return fmt.Errorf("already connected")
	}

	wsURL := toWebSocketURL(c.config.BrokerURL) + c.config.BasePath + rest.RunnerWSSuffix
	if c.config.AuthToken != "" {
		wsURL += "?token=" + url.QueryEscape(c.config.AuthToken)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.config.HandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("WebSocket dial failed: %w", err)
	}

	regData, _ := json.Marshal(&types.RunnerInfo{
		ID:             c.config.RunnerID,
		TaskTypes:      c.config.TaskTypes,
		MaxConcurrency: c.config.MaxConcurrency,
		Labels:         c.config.Labels,
	})
	regMsg := types.WSMessage{Type: types.WSMsgRegister, Data: regData}

	if err := ws.WriteJSON(&regMsg); err != nil {
		ws.Close()
		return fmt.Errorf("send register message failed: %w", err)
	}

	var ackMsg types.WSMessage
	if err := ws.ReadJSON(&ackMsg); err != nil {
		ws.Close()
		return fmt.Errorf("read register ack failed: %w", err)
	}
	if ackMsg.Type != types.WSMsgRegisterAck {
		ws.Close()
		return fmt.Errorf("unexpected ack type: %s", ackMsg.Type)
	}

	var ack types.RunnerRegisterResponse
	if err := json.Unmarshal(ackMsg.Data, &ack); err != nil {
		ws.Close()
		return fmt.Errorf("parse register ack failed: %w", err)
	}
	if !ack.Accepted {
		ws.Close()
		return fmt.Errorf("registration rejected: %s", ack.Error)
	}
	if ack.HeartbeatIntervalMs > 0 {
		c.heartbeatEvery = time.Duration(ack.HeartbeatIntervalMs) * time.Millisecond
	}

	c.conn = ws
	c.send = make(chan []byte, 256)
	c.done = make(chan struct{})
	c.closer = sync.Once{}
	c.connected.Store(true)

	go c.writePump()
	go c.readPump(ctx)
	go c.heartbeatPump(ctx)

	return nil
}

// Disconnect closes the connection. In-flight handlers are cancelled.
func (c *Client) Disconnect() {
	c.closer.Do(func() {
		if c.done != nil {
			close(c.done)
		}
		if c.conn != nil {
			c.conn.Close()
		}
		c.connected.Store(false)
		c.cancelAllTasks()
	})
}

// Stop disconnects and disables reconnection.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stopped) })
	c.Disconnect()
}

// Connected reports whether the client holds a live connection.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// InFlight returns the number of handler invocations in progress.
func (c *Client) InFlight() int {
	return int(c.inFlight.Load())
}

// ─── internal pumps ─────────────────────────────────────────────────────────

func (c *Client) readPump(ctx context.Context) {
	defer c.handleDisconnect(fmt.Errorf("read pump closed"))

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg types.WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case types.WSMsgOffer:
			var offer types.OfferMessage
			if err := json.Unmarshal(msg.Data, &offer); err == nil {
				c.decideOffer(&offer)
			}

		case types.WSMsgTaskAssign:
			var task types.TaskAssignMessage
			if err := json.Unmarshal(msg.Data, &task); err == nil {
				go c.runTask(ctx, &task)
			}

		case types.WSMsgTaskCancel:
			var cancel types.TaskCancelMessage
			if err := json.Unmarshal(msg.Data, &cancel); err == nil {
				c.cancelTask(cancel.TaskID)
			}

		case types.WSMsgPing:
			c.sendMsg(types.WSMsgPong, nil)
		}
	}
}

// decideOffer answers an offer. Offers beyond declared capacity are rejected
// locally even before the custom decider runs.
func (c *Client) decideOffer(offer *types.OfferMessage) {
	if int(c.inFlight.Load()) >= c.config.MaxConcurrency {
		c.sendMsg(types.WSMsgOfferReject, &types.OfferDecision{
			OfferID: offer.OfferID,
			Reason:  "at capacity",
		})
		return
	}

	accept, reason := true, ""
	if c.onOffer != nil {
		accept, reason = c.onOffer(offer)
	}

	if accept {
		c.sendMsg(types.WSMsgOfferAccept, &types.OfferDecision{OfferID: offer.OfferID})
		return
	}
	c.sendMsg(types.WSMsgOfferReject, &types.OfferDecision{
		OfferID: offer.OfferID,
		Reason:  reason,
	})
}

// runTask drives one assignment: started signal, handler, result report.
func (c *Client) runTask(ctx context.Context, task *types.TaskAssignMessage) {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.taskMu.Lock()
	c.taskStops[task.TaskID] = cancel
	c.taskMu.Unlock()
	defer func() {
		c.taskMu.Lock()
		delete(c.taskStops, task.TaskID)
		c.taskMu.Unlock()
	}()

	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)

	c.sendMsg(types.WSMsgTaskStarted, &types.TaskStartedMessage{TaskID: task.TaskID})

	output, taskErr := c.onTask(taskCtx, task)

	// A cancelled task's result is dropped broker-side; skip the report.
	if taskCtx.Err() != nil && ctx.Err() == nil {
		return
	}

	result := &types.TaskResultMessage{
		TaskID: task.TaskID,
		Output: output,
		Error:  taskErr,
	}
	if taskErr != nil {
		c.sendMsg(types.WSMsgTaskErrored, result)
		return
	}
	c.sendMsg(types.WSMsgTaskCompleted, result)
}

func (c *Client) cancelTask(taskID string) {
	c.taskMu.Lock()
	cancel := c.taskStops[taskID]
	c.taskMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Client) cancelAllTasks() {
	c.taskMu.Lock()
	defer c.taskMu.Unlock()
	for _, cancel := range c.taskStops {
		cancel()
	}
}

func (c *Client) writePump() {
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) heartbeatPump(ctx context.Context) {
	interval := c.heartbeatEvery
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sendMsg(types.WSMsgHeartbeat, &types.HeartbeatMessage{
				InFlight: int(c.inFlight.Load()),
			})
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) sendMsg(msgType types.WSMessageType, payload interface{}) error {
	var data json.RawMessage
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	envelope, err := json.Marshal(&types.WSMessage{Type: msgType, Data: data})
	if err != nil {
		return err
	}

	select {
	case c.send <- envelope:
		return nil
	default:
		return fmt.Errorf("ws send buffer full")
	}
}

func (c *Client) handleDisconnect(err error) {
	c.Disconnect()

	if c.onDisconnect != nil {
		c.onDisconnect(err)
	}

	select {
	case <-c.stopped:
		return
	default:
	}

	if !c.reconnecting.Load() {
		go c.reconnectLoop()
	}
}

func (c *Client) reconnectLoop() {
	if c.reconnecting.Swap(true) {
		return
	}
	defer c.reconnecting.Store(false)

	backoff := c.config.ReconnectInterval
	if backoff <= 0 {
		backoff = 5 * time.Second
	}

	for {
		select {
		case <-c.stopped:
			return
		default:
		}

		attempt := c.reconnectAttempt.Add(1)
		if c.config.MaxReconnectAttempts > 0 && int(attempt) > c.config.MaxReconnectAttempts {
			return
		}

		time.Sleep(backoff)

		if err := c.Connect(context.Background()); err != nil {
			backoff = min(backoff*2, time.Minute)
			continue
		}

		c.reconnectAttempt.Store(0)
		return
	}
}

// toWebSocketURL converts an HTTP(s) URL or bare host:port to a ws:// URL.
func toWebSocketURL(raw string) string {
	if strings.HasPrefix(raw, "https://") {
		return "wss://" + strings.TrimPrefix(raw, "https://")
	}
	if strings.HasPrefix(raw, "http://") {
		return "ws://" + strings.TrimPrefix(raw, "http://")
	}
	return "ws://" + raw
}
