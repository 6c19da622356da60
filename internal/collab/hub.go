package collab

import (
	"sync"
	"sync/atomic"

	"atlas/internal/logging"
)

// =============================================================================
// CLIENT
// =============================================================================

// sendBufferSize is the per-client outbound queue. A client that cannot
// drain it fast enough is dropped rather than allowed to stall the hub.
const sendBufferSize = 256

// client is the hub's view of a connection: an identity and an outbound
// queue. The websocket itself is owned by the server's pump goroutines.
type client struct {
	id   string
	send chan []byte
}

func newClient(id string) *client {
	return &client{id: id, send: make(chan []byte, sendBufferSize)}
}

// =============================================================================
// HUB
// =============================================================================

// inboundFrame is a raw client frame awaiting hub processing.
type inboundFrame struct {
	from *client
	data []byte
}

// Stats is a point-in-time snapshot of hub activity.
type Stats struct {
	Clients   int    `json:"clients"`
	Relayed   uint64 `json:"messages_relayed"`
	Conflicts uint64 `json:"conflicts_detected"`
	Rejected  uint64 `json:"messages_rejected"`
	Dropped   uint64 `json:"clients_dropped"`
}

// Hub relays messages between clients. A single goroutine owns all client
// bookkeeping, which is what guarantees every client observes broadcasts
// in the same arrival order.
type Hub struct {
	historyLimit int

	register   chan *client
	unregister chan *client
	inbound    chan inboundFrame

	clients  map[*client]struct{}
	history  [][]byte
	versions *versionTracker

	clientCount atomic.Int64
	relayed     atomic.Uint64
	conflicts   atomic.Uint64
	rejected    atomic.Uint64
	dropped     atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewHub creates a hub retaining up to historyLimit messages for replay
// to joining clients. Call Run to start it.
func NewHub(historyLimit int) *Hub {
	return &Hub{
		historyLimit: historyLimit,
		register:     make(chan *client),
		unregister:   make(chan *client),
		inbound:      make(chan inboundFrame, 64),
		clients:      make(map[*client]struct{}),
		versions:     newVersionTracker(),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Run processes hub events until Stop. It is the only goroutine that
// touches the client set and the history buffer.
func (h *Hub) Run() {
	defer close(h.doneCh)

	for {
		select {
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.removeClient(c)
		case frame := <-h.inbound:
			h.handleFrame(frame)
		case <-h.stopCh:
			for c := range h.clients {
				h.removeClient(c)
			}
			return
		}
	}
}

// Stop shuts the hub down and waits for the run loop to exit. Idempotent.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	<-h.doneCh
}

// Register adds a client and replays retained history to it.
func (h *Hub) Register(c *client) error {
	select {
	case h.register <- c:
		return nil
	case <-h.stopCh:
		return ErrHubStopped
	}
}

// Unregister removes a client. Safe to call for already-dropped clients.
func (h *Hub) Unregister(c *client) {
	select {
	case h.unregister <- c:
	case <-h.stopCh:
	}
}

// Submit hands a raw client frame to the hub.
func (h *Hub) Submit(c *client, data []byte) error {
	select {
	case h.inbound <- inboundFrame{from: c, data: data}:
		return nil
	case <-h.stopCh:
		return ErrHubStopped
	}
}

// Stats returns a snapshot of hub counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Clients:   int(h.clientCount.Load()),
		Relayed:   h.relayed.Load(),
		Conflicts: h.conflicts.Load(),
		Rejected:  h.rejected.Load(),
		Dropped:   h.dropped.Load(),
	}
}

// =============================================================================
// RUN-LOOP INTERNALS (hub goroutine only)
// =============================================================================

func (h *Hub) addClient(c *client) {
	h.clients[c] = struct{}{}
	h.clientCount.Store(int64(len(h.clients)))
	logging.Collab("client %s connected (%d total)", c.id, len(h.clients))

	for _, data := range h.history {
		if !h.trySend(c, data) {
			return
		}
	}
}

func (h *Hub) removeClient(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.clientCount.Store(int64(len(h.clients)))
	logging.Collab("client %s disconnected (%d total)", c.id, len(h.clients))
}

func (h *Hub) handleFrame(frame inboundFrame) {
	if _, ok := h.clients[frame.from]; !ok {
		return // dropped while the frame sat in the queue
	}

	msg, err := decodeMessage(frame.data)
	if err != nil {
		h.rejected.Add(1)
		logging.CollabDebug("rejecting frame from %s: %v", frame.from.id, err)
		h.trySend(frame.from, errorMessage(err.Error()))
		return
	}

	msg.Sender = frame.from.id

	if msg.Action == ActionEdit && msg.Resource != "" {
		version, stale := h.versions.Apply(msg.Resource, msg.BaseVersion)
		if stale {
			h.conflicts.Add(1)
			logging.CollabDebug("stale edit on %s from %s (base %d, current %d)",
				msg.Resource, frame.from.id, msg.BaseVersion, version)
			h.trySend(frame.from, conflictMessage(msg.Resource, version))
		} else {
			msg.Version = version
		}
	}

	data, err := msg.encode()
	if err != nil {
		h.rejected.Add(1)
		h.trySend(frame.from, errorMessage(err.Error()))
		return
	}

	h.appendHistory(data)

	for c := range h.clients {
		if c == frame.from {
			continue
		}
		h.trySend(c, data)
	}
	h.relayed.Add(1)
}

// trySend queues data without blocking; a client with a full buffer is
// dropped. Returns false when the client was dropped.
func (h *Hub) trySend(c *client, data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		logging.CollabWarn("dropping slow client %s", c.id)
		h.dropped.Add(1)
		h.removeClient(c)
		return false
	}
}

func (h *Hub) appendHistory(data []byte) {
	if h.historyLimit <= 0 {
		return
	}
	h.history = append(h.history, data)
	if len(h.history) > h.historyLimit {
		h.history = h.history[len(h.history)-h.historyLimit:]
	}
}
