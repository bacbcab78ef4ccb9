package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"gitlab.com/nevasik7/alerting/logger"

	"hcfstream/internal/config"
	"hcfstream/internal/domain"
	"hcfstream/internal/metrics"
)

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionSnapshot    = "snapshot"

	controlBuffer = 16
)

// ClientMessage is sent by websocket clients
type ClientMessage struct {
	Action string `json:"action"`
	Topic  string `json:"topic,omitempty"`
	Filter Filter `json:"filter,omitempty"`
	Scope  string `json:"scope,omitempty"` // for snapshot pulls
}

// ControlMessage answers client actions; envelopes travel as they are
type ControlMessage struct {
	Type    string `json:"type"` // subscribed|unsubscribed|snapshot|error
	Topic   string `json:"topic,omitempty"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SnapshotReader serves snapshot pulls over the socket
type SnapshotReader interface {
	Snapshot(ctx context.Context, scope domain.Scope) (*domain.Snapshot, error)
}

type WSHandler struct {
	log       logger.Logger
	hub       *Hub
	snapshots SnapshotReader
	upgrader  websocket.Upgrader

	sendBuffer   int
	maxConn      int64
	readLimit    int64
	writeTimeout time.Duration
	pingEvery    time.Duration
	pongWait     time.Duration

	open atomic.Int64
}

func NewWSHandler(log logger.Logger, hub *Hub, snapshots SnapshotReader, cfg *config.WSConfig) *WSHandler {
	h := &WSHandler{
		log:          log,
		hub:          hub,
		snapshots:    snapshots,
		sendBuffer:   cfg.SendBuffer,
		maxConn:      int64(cfg.MaxConn),
		readLimit:    cfg.ReadLimitBytes,
		writeTimeout: cfg.WriteTimeout,
		pingEvery:    cfg.HeartbeatInterval,
		pongWait:     cfg.PongWait,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	if h.sendBuffer <= 0 {
		h.sendBuffer = DefaultQueueSize
	}
	if h.readLimit <= 0 {
		h.readLimit = 4096
	}
	if h.writeTimeout <= 0 {
		h.writeTimeout = 10 * time.Second
	}
	if h.pingEvery <= 0 {
		h.pingEvery = 30 * time.Second
	}
	if h.pongWait <= 0 {
		h.pongWait = 60 * time.Second
	}
	return h
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if n := h.open.Add(1); h.maxConn > 0 && n > h.maxConn {
		h.open.Add(-1)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	defer h.open.Add(-1)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("Websocket upgrade failed, remote=%s, error=%v", r.RemoteAddr, err)
		return
	}

	conn, err := h.hub.Register(uuid.NewString(), h.sendBuffer)
	if err != nil {
		h.log.Errorf("Failed register websocket connection, error=%v", err)
		_ = ws.Close()
		return
	}

	metrics.WSConnections.Inc()
	h.log.Debugf("Websocket %s connected, remote=%s", conn.ID, r.RemoteAddr)

	control := make(chan ControlMessage, controlBuffer)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ws, conn, control)
	}()

	h.readLoop(r.Context(), ws, conn, control)

	h.hub.Disconnect(conn.ID)
	<-writerDone
	_ = ws.Close()

	metrics.WSConnections.Dec()
	h.log.Debugf("Websocket %s disconnected: %s", conn.ID, conn.Reason())
}

// Open counts connections being served
func (h *WSHandler) Open() int64 {
	return h.open.Load()
}

func (h *WSHandler) readLoop(ctx context.Context, ws *websocket.Conn, conn *Conn, control chan<- ControlMessage) {
	ws.SetReadLimit(h.readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(h.pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err = json.Unmarshal(data, &msg); err != nil {
			h.reply(conn, control, ControlMessage{Type: "error", Error: "malformed message"})
			continue
		}
		h.reply(conn, control, h.handle(ctx, conn, &msg))

		select {
		case <-conn.Done():
			return
		default:
		}
	}
}

func (h *WSHandler) handle(ctx context.Context, conn *Conn, msg *ClientMessage) ControlMessage {
	switch msg.Action {
	case ActionSubscribe:
		if msg.Filter.MinSeverity != "" {
			sev, err := domain.ParseSeverity(string(msg.Filter.MinSeverity))
			if err != nil {
				return ControlMessage{Type: "error", Topic: msg.Topic, Error: err.Error()}
			}
			msg.Filter.MinSeverity = sev
		}
		if err := h.hub.Subscribe(conn.ID, msg.Topic, msg.Filter); err != nil {
			return ControlMessage{Type: "error", Topic: msg.Topic, Error: err.Error()}
		}
		return ControlMessage{Type: "subscribed", Topic: msg.Topic}

	case ActionUnsubscribe:
		if err := h.hub.Unsubscribe(conn.ID, msg.Topic); err != nil {
			return ControlMessage{Type: "error", Topic: msg.Topic, Error: err.Error()}
		}
		return ControlMessage{Type: "unsubscribed", Topic: msg.Topic}

	case ActionSnapshot:
		if h.snapshots == nil {
			return ControlMessage{Type: "error", Error: "snapshots unavailable"}
		}
		scope, err := domain.ParseScope(msg.Scope)
		if err != nil {
			return ControlMessage{Type: "error", Error: err.Error()}
		}
		snap, err := h.snapshots.Snapshot(ctx, scope)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			return ControlMessage{Type: "error", Topic: TopicFor(scope), Error: "snapshot not ready, recompute requested"}
		case err != nil:
			return ControlMessage{Type: "error", Error: "snapshot read failed"}
		}
		return ControlMessage{Type: "snapshot", Topic: TopicFor(scope), Payload: snap}

	default:
		return ControlMessage{Type: "error", Error: "unknown action " + msg.Action}
	}
}

// reply never blocks the reader: a client that does not read its replies is dropped
func (h *WSHandler) reply(conn *Conn, control chan<- ControlMessage, msg ControlMessage) {
	select {
	case control <- msg:
	default:
		h.hub.disconnect(conn.ID, reasonControlFull)
	}
}

// closeCode tells a client it was dropped for misbehaving apart from an ordinary close
func closeCode(reason string) int {
	switch reason {
	case reasonSlowConsumer, reasonControlFull:
		return websocket.ClosePolicyViolation
	}
	return websocket.CloseNormalClosure
}

func (h *WSHandler) writeLoop(ws *websocket.Conn, conn *Conn, control <-chan ControlMessage) {
	ping := time.NewTicker(h.pingEvery)
	defer ping.Stop()

	sendClose := func() {
		_ = ws.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeCode(conn.Reason()), conn.Reason()))
		// unblock the reader
		_ = ws.SetReadDeadline(time.Now())
	}

	// nothing is written once the hub dropped the connection, even if the queue still holds envelopes
	write := func(v any) bool {
		select {
		case <-conn.Done():
			sendClose()
			return false
		default:
		}

		_ = ws.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		if err := ws.WriteJSON(v); err != nil {
			h.hub.disconnect(conn.ID, "write failed")
			_ = ws.SetReadDeadline(time.Now())
			return false
		}
		return true
	}

	for {
		select {
		case <-conn.Done():
			sendClose()
			return

		case env := <-conn.Out():
			if !write(env) {
				return
			}

		case msg := <-control:
			if !write(msg) {
				return
			}

		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				h.hub.disconnect(conn.ID, "ping failed")
				_ = ws.SetReadDeadline(time.Now())
				return
			}
		}
	}
}
