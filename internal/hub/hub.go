// Package hub fans job snapshots out to websocket subscribers.
package hub

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"mediagrab/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

// SnapshotFunc returns the current state sent to a subscriber on connect. An empty
// jobID means every job.
type SnapshotFunc func(jobID string) []models.Job

type client struct {
	conn  *websocket.Conn
	jobID string
	send  chan models.JobEvent
}

// newClient reserves room for the initial snapshot on top of the live-update buffer.
func newClient(conn *websocket.Conn, jobID string, snapshotLen int) *client {
	return &client{conn: conn, jobID: jobID, send: make(chan models.JobEvent, snapshotLen+sendBuffer)}
}

func (c *client) wants(job models.Job) bool {
	return c.jobID == "" || c.jobID == job.ID
}

// Hub tracks subscribers. Publish never blocks: a subscriber whose buffer is full is
// disconnected.
type Hub struct {
	logger   *slog.Logger
	snapshot SnapshotFunc
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

func New(logger *slog.Logger, snapshot SnapshotFunc) *Hub {
	return &Hub{
		logger:   logger,
		snapshot: snapshot,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

func (h *Hub) Publish(job models.Job) {
	evt := models.JobEvent{Event: models.EventJobUpdate, Job: job}

	h.mu.RLock()
	var slow []*client
	for c := range h.clients {
		if !c.wants(job) {
			continue
		}
		select {
		case c.send <- evt:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow websocket subscriber", "job_id", c.jobID)
		h.remove(c)
	}
}

// ServeWS upgrades the request and streams updates for jobID, or for all jobs when
// jobID is empty.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, jobID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	// Registering under the write lock keeps the initial snapshot ordered before any
	// update published afterwards.
	h.mu.Lock()
	var initial []models.Job
	if h.snapshot != nil {
		initial = h.snapshot(jobID)
	}
	c := newClient(conn, jobID, len(initial))
	for _, job := range initial {
		c.send <- models.JobEvent{Event: models.EventJobUpdate, Job: job}
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// readPump discards client messages and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case evt, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
