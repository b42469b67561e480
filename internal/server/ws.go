package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	json "github.com/json-iterator/go"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/likeaw/ai-web-agent-industrial/api/schemas"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The UI is served from arbitrary origins in development.
		return true
	},
}

// wsMessage is the wire envelope in both directions.
type wsMessage struct {
	Event    string `json:"event"`
	TaskUUID string `json:"task_uuid,omitempty"`
	Data     any    `json:"data,omitempty"`
}

// wsClient is a middleman between one websocket connection and the event bus.
type wsClient struct {
	server *Server
	conn   *websocket.Conn
	logger *zap.Logger
	send   chan []byte

	// unsubscribe detaches the active task subscription, if any.
	unsubscribe func()
}

// handleWS upgrades the connection and starts the pumps.
func (s *Server) handleWS(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return nil
	}
	client := &wsClient{
		server: s,
		conn:   conn,
		logger: s.logger.Named("ws_client"),
		send:   make(chan []byte, 256),
	}
	go client.writePump()
	go client.readPump()
	return nil
}

// readPump consumes client frames: join_task switches the subscription, ping
// gets a pong, unknown events are ignored.
func (c *wsClient) readPump() {
	defer func() {
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		close(c.send)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("Websocket client read error", zap.Error(err))
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Debug("Ignoring malformed client frame", zap.Error(err))
			continue
		}

		switch msg.Event {
		case "join_task":
			c.joinTask(msg.TaskUUID)
		case "ping":
			c.enqueue(wsMessage{Event: string(schemas.EventPong)}, false)
		default:
			// Unknown events are ignored by contract.
		}
	}
}

// joinTask replaces the client's subscription with the given task's stream.
func (c *wsClient) joinTask(taskID string) {
	if taskID == "" {
		return
	}
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}

	ch, cancel := c.server.events.Subscribe(taskID)
	c.unsubscribe = cancel
	c.logger.Info("Client joined task stream", zap.String("task_id", taskID))

	// Seed the client with the current snapshot so it does not have to wait
	// for the next transition.
	if exec, err := c.server.registry.Get(taskID); err == nil {
		c.enqueue(wsMessage{Event: string(schemas.EventTaskUpdate), Data: map[string]any{"task": exec}}, exec.Status.Terminal())
	}

	go func() {
		for ev := range ch {
			c.enqueue(eventToWire(ev), ev.Terminal)
		}
	}()
}

// eventToWire maps a bus event onto the wire envelope.
func eventToWire(ev *schemas.Event) wsMessage {
	switch ev.Type {
	case schemas.EventNodeUpdate:
		return wsMessage{Event: string(ev.Type), Data: map[string]any{"node": ev.Node}}
	case schemas.EventTaskUpdate:
		return wsMessage{Event: string(ev.Type), Data: map[string]any{"task": ev.Task}}
	case schemas.EventLog:
		return wsMessage{Event: string(ev.Type), Data: ev.Log}
	case schemas.EventBrowserURL:
		return wsMessage{Event: string(ev.Type), Data: map[string]any{"url": ev.URL}}
	default:
		return wsMessage{Event: string(ev.Type)}
	}
}

// enqueue marshals and queues a frame. Slow clients lose non-terminal frames
// rather than blocking the bus; terminal frames always use a blocking send so
// the final task and node states are never lost.
func (c *wsClient) enqueue(msg wsMessage, terminal bool) {
	payload, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal websocket frame", zap.Error(err))
		return
	}
	defer func() {
		// The send channel closes when the reader exits; a racing enqueue
		// must not take the process down.
		_ = recover()
	}()
	if terminal {
		c.send <- payload
		return
	}
	select {
	case c.send <- payload:
	default:
		c.logger.Debug("Dropping frame for slow websocket client")
	}
}

// writePump pushes queued frames and heartbeats to the peer.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
