package rest

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberws "github.com/gofiber/websocket/v2"

	"nodeflow/task-broker/pkg/logger"
	"nodeflow/task-broker/pkg/types"
)

// registerWait bounds how long a freshly upgraded connection may take to
// send its register frame.
const registerWait = 10 * time.Second

// RunnerConn wraps a single WebSocket connection from a runner and
// implements broker.RunnerConn.
type RunnerConn struct {
	runnerID string
	conn     *fiberws.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
}

// Send queues a message for the runner. Fails fast when the send buffer is
// full rather than blocking the broker.
func (c *RunnerConn) Send(msg *types.WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return fiberws.ErrCloseSent
	default:
		return fiber.ErrServiceUnavailable
	}
}

// Close tears the connection down once.
func (c *RunnerConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
	return nil
}

// RunnerHub owns all runner WebSocket connections.
type RunnerHub struct {
	server       *Server
	pingInterval time.Duration
}

// NewRunnerHub creates a new hub.
func NewRunnerHub(server *Server) *RunnerHub {
	return &RunnerHub{
		server:       server,
		pingInterval: 20 * time.Second,
	}
}

// setupRunnerWSRoute registers the runner WebSocket endpoint at the
// configured base path plus the fixed suffix. The shared secret is checked
// before the upgrade; a failed check closes the connection with a bare
// status, no protocol-identifying error body.
func (s *Server) setupRunnerWSRoute() {
	path := s.config.BasePath + RunnerWSSuffix

	s.app.Use(path, func(c *fiber.Ctx) error {
		if !s.validToken(presentedToken(c)) {
			logger.Warn("ws: runner auth failed", "remote", c.IP())
			return c.SendStatus(fiber.StatusUnauthorized)
		}
		if fiberws.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	s.app.Get(path, fiberws.New(func(c *fiberws.Conn) {
		s.hub.handleConnection(c)
	}))
}

// handleConnection drives a runner connection from handshake to teardown.
// The first frame must be a register message; anything else ends the
// connection without a response.
func (h *RunnerHub) handleConnection(c *fiberws.Conn) {
	_ = c.SetReadDeadline(time.Now().Add(registerWait))

	var firstMsg types.WSMessage
	if err := c.ReadJSON(&firstMsg); err != nil {
		logger.Error("ws: read first message failed", "err", err)
		return
	}
	_ = c.SetReadDeadline(time.Time{})

	if firstMsg.Type != types.WSMsgRegister {
		logger.Error("ws: expected register message", "got", firstMsg.Type)
		return
	}

	var info types.RunnerInfo
	if err := json.Unmarshal(firstMsg.Data, &info); err != nil {
		logger.Error("ws: parse register request failed", "err", err)
		return
	}
	if info.MaxConcurrency <= 0 {
		info.MaxConcurrency = h.server.config.DefaultCapacity
	}

	conn := &RunnerConn{
		runnerID: info.ID,
		conn:     c,
		send:     make(chan []byte, 256),
		done:     make(chan struct{}),
	}

	if err := h.server.broker.RunnerConnected(&info, conn); err != nil {
		logger.Error("ws: register runner failed", "runner", info.ID, "err", err)
		ack, _ := types.NewWSMessage(types.WSMsgRegisterAck, types.RunnerRegisterResponse{
			Accepted: false,
			Error:    "registration failed: " + err.Error(),
		})
		_ = c.WriteJSON(ack)
		return
	}
	defer h.server.broker.RunnerDisconnected(info.ID)

	heartbeatMs := h.server.heartbeatIntervalMs()
	ack, _ := types.NewWSMessage(types.WSMsgRegisterAck, types.RunnerRegisterResponse{
		Accepted:            true,
		BrokerID:            h.server.broker.ID(),
		HeartbeatIntervalMs: heartbeatMs,
	})
	if err := c.WriteJSON(ack); err != nil {
		logger.Error("ws: send register ack failed", "runner", info.ID, "err", err)
		return
	}

	logger.Info("ws: runner connected", "runner", info.ID)

	go h.writePump(conn)

	// readPump blocks until the connection closes.
	h.readPump(conn)
	conn.Close()

	logger.Info("ws: runner disconnected", "runner", info.ID)
}

func (h *RunnerHub) readPump(c *RunnerConn) {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg types.WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Error("ws: invalid message", "runner", c.runnerID, "err", err)
			continue
		}

		h.handleMessage(c, &msg)
	}
}

func (h *RunnerHub) handleMessage(c *RunnerConn, msg *types.WSMessage) {
	b := h.server.broker

	switch msg.Type {
	case types.WSMsgHeartbeat:
		var hb types.HeartbeatMessage
		if err := json.Unmarshal(msg.Data, &hb); err != nil {
			return
		}
		b.Heartbeat(c.runnerID, hb.InFlight)

	case types.WSMsgOfferAccept:
		var dec types.OfferDecision
		if err := json.Unmarshal(msg.Data, &dec); err != nil {
			return
		}
		b.OfferAccepted(c.runnerID, dec.OfferID)

	case types.WSMsgOfferReject:
		var dec types.OfferDecision
		if err := json.Unmarshal(msg.Data, &dec); err != nil {
			return
		}
		b.OfferRejected(c.runnerID, dec.OfferID, dec.Reason)

	case types.WSMsgTaskStarted:
		var started types.TaskStartedMessage
		if err := json.Unmarshal(msg.Data, &started); err != nil {
			return
		}
		b.TaskStarted(c.runnerID, started.TaskID)

	case types.WSMsgTaskCompleted, types.WSMsgTaskErrored:
		var res types.TaskResultMessage
		if err := json.Unmarshal(msg.Data, &res); err != nil {
			return
		}
		b.TaskResult(c.runnerID, &res)

	case types.WSMsgPong:
		b.Heartbeat(c.runnerID, -1)
	}
}

func (h *RunnerHub) writePump(c *RunnerConn) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(fiberws.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			ping, _ := json.Marshal(&types.WSMessage{Type: types.WSMsgPing})
			if err := c.conn.WriteMessage(fiberws.TextMessage, ping); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// heartbeatIntervalMs exposes the broker heartbeat cadence to runners.
func (s *Server) heartbeatIntervalMs() int64 {
	if s.config.HeartbeatInterval <= 0 {
		return (10 * time.Second).Milliseconds()
	}
	return s.config.HeartbeatInterval.Milliseconds()
}
