// Package wsgw implements the WebSocket hub described in spec §4.9
// (component C9; upgrade authorization is done by the caller before
// Upgrade): connection upgrade, a 30s heartbeat with a two-missed-
// interval disconnect, and completion fan-out to every connected peer
// (spec §6.1's WebSocket surface, §5's "slow peers must not stall
// completion storage" ordering guarantee).
package wsgw

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agoramesh-ai/agoramesh-sub001/internal/ids"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/task"
)

const (
	heartbeatInterval = 30 * time.Second
	pongWait          = 2*heartbeatInterval + 5*time.Second
	outboundQueueSize = 16
)

// Frame is the uniform WS wire envelope (spec §4.1).
type Frame struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Submitter is implemented by the admission pipeline; the hub calls it for
// every inbound {"type":"task"} frame and writes back whatever frame it
// returns.
type Submitter func(sub task.Submission) Frame

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // origin is checked by the caller before Upgrade
}

// peer is one connected WebSocket client.
type peer struct {
	id      string
	conn    *websocket.Conn
	out     chan Frame
	closeMu sync.Once
	done    chan struct{}
}

func (p *peer) send(f Frame) (dropped bool) {
	select {
	case p.out <- f:
		return false
	default:
		return true // bounded queue full: drop rather than block the broadcaster (spec §5)
	}
}

func (p *peer) close() {
	p.closeMu.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

// Hub owns the set of connected peers and fans completions out to all of
// them (spec §4.9: "every connected peer, not just the originator").
type Hub struct {
	mu    sync.Mutex
	peers map[string]*peer
	log   *zap.Logger
}

// New builds an empty Hub.
func New(log *zap.Logger) *Hub {
	return &Hub{peers: make(map[string]*peer), log: log}
}

// Upgrade promotes an already-origin/auth-checked HTTP request to a
// WebSocket connection and runs its read/write pumps until it disconnects.
// submit is invoked for every inbound task frame; the caller blocks inside
// Upgrade for the lifetime of the connection, so it should be called from
// its own goroutine per request (matching the spec's one-worker-per-request
// scheduling model, §5).
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request, submit Submitter) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	p := &peer{
		id:   ids.NewConnectionID(),
		conn: conn,
		out:  make(chan Frame, outboundQueueSize),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.peers[p.id] = p
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.peers, p.id)
		h.mu.Unlock()
		p.close()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); h.writePump(p) }()
	go func() { defer wg.Done(); h.readPump(p, submit) }()
	wg.Wait()
	return nil
}

// readPump decodes inbound task frames and enqueues the submitter's reply.
// Gorilla's connections require a single reader, so this owns ReadJSON.
func (h *Hub) readPump(p *peer, submit Submitter) {
	defer p.close()

	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var in struct {
			Type    string          `json:"type"`
			Payload task.Submission `json:"payload"`
		}
		if err := p.conn.ReadJSON(&in); err != nil {
			return
		}
		if in.Type != "task" {
			p.send(Frame{Type: "error", Code: "UNKNOWN_FRAME_TYPE", Message: "unsupported frame type " + in.Type})
			continue
		}
		// Each submission runs on its own goroutine so a slow (possibly
		// sync-waiting) task does not block this connection's other
		// inbound frames (spec §5's one-worker-per-request model, applied
		// per frame rather than per connection).
		go func(sub task.Submission) {
			reply := submit(sub)
			if p.send(reply) && h.log != nil {
				h.log.Warn("ws: dropped reply, outbound queue full", zap.String("peer", p.id))
			}
		}(in.Payload)
	}
}

// writePump drains the peer's outbound queue and sends periodic pings,
// terminating the connection once pongWait elapses without a pong (two
// missed 30s heartbeat intervals, spec §4.9).
func (h *Hub) writePump(p *peer) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	defer p.close()

	for {
		select {
		case f, ok := <-p.out:
			if !ok {
				return
			}
			_ = p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := p.conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-p.done:
			return
		}
	}
}

// Broadcast delivers a completion to every connected peer (spec §4.9,
// §5's "WS broadcasts for a given task strictly follow that task's
// complete call" ordering guarantee — callers invoke Broadcast only after
// registry.Complete returns). Enqueueing fans out concurrently via
// errgroup; when a peer's outbound queue is full, the frame is dropped for
// that peer rather than awaited.
func (h *Hub) Broadcast(rec task.CompletedRecord) {
	h.mu.Lock()
	snapshot := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		snapshot = append(snapshot, p)
	}
	h.mu.Unlock()

	frame := Frame{Type: "result", Payload: rec}

	var g errgroup.Group
	for _, p := range snapshot {
		p := p
		g.Go(func() error {
			if p.send(frame) && h.log != nil {
				h.log.Warn("ws: dropped broadcast, outbound queue full", zap.String("peer", p.id), zap.String("task_id", rec.TaskID))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// PeerCount reports the number of currently connected peers (used by
// agent/status, spec §4.1).
func (h *Hub) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// CloseAll terminates every connection, used during graceful shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	peers := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
}
