package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/nebulachat/voicecore/internal/app/session"
)

var ErrBackpressure = errors.New("backpressure")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// eventConn is one attached UI shell. Snapshots are dropped rather than
// queued unboundedly; the next change resends the full state anyway.
type eventConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func (c *eventConn) trySend(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *eventConn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// EventsController pushes session snapshots to every attached UI shell
// whenever observable state changes.
type EventsController struct {
	ctrl *session.Controller

	mu    sync.Mutex
	conns map[*eventConn]struct{}
}

func NewEventsController(ctrl *session.Controller) *EventsController {
	return &EventsController{
		ctrl:  ctrl,
		conns: make(map[*eventConn]struct{}),
	}
}

// Broadcast is wired as the controller's on-change callback.
func (e *EventsController) Broadcast() {
	e.mu.Lock()
	if len(e.conns) == 0 {
		e.mu.Unlock()
		return
	}
	conns := make([]*eventConn, 0, len(e.conns))
	for c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	data, err := json.Marshal(e.ctrl.Snapshot())
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.httpapi").Msg("encode snapshot")
		return
	}
	for _, c := range conns {
		if err := c.trySend(data); err != nil {
			log.Warn().Err(err).Str("module", "adapters.httpapi").Msg("dropping event frame")
		}
	}
}

func (e *EventsController) HandleEvents(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.httpapi").Msg("ws upgrade")
		return
	}
	conn := &eventConn{conn: ws, send: make(chan []byte, 8)}

	e.mu.Lock()
	e.conns[conn] = struct{}{}
	e.mu.Unlock()

	// Prime the stream with the current state.
	if data, err := json.Marshal(e.ctrl.Snapshot()); err == nil {
		_ = conn.trySend(data)
	}

	go e.writePump(conn)
	go e.readPump(conn)
}

func (e *EventsController) writePump(c *eventConn) {
	for data := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
			e.drop(c)
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn().Err(err).Str("module", "adapters.httpapi").Msg("events write")
			e.drop(c)
			return
		}
	}
}

// readPump only watches for the peer closing; the events stream is
// one-way.
func (e *EventsController) readPump(c *eventConn) {
	defer e.drop(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (e *EventsController) drop(c *eventConn) {
	e.mu.Lock()
	delete(e.conns, c)
	e.mu.Unlock()
	c.close()
}
