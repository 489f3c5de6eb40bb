package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/orbitquant/tradeplane/internal/bus"
	"github.com/orbitquant/tradeplane/internal/buserr"
)

const (
	streamSendBuf   = 64
	streamWriteWait = 5 * time.Second
	streamReadLimit = 512
)

// The admin server binds loopback; origin checks add nothing there.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamStats reports hub occupancy for /status.
type StreamStats struct {
	Clients int      `json:"clients"`
	Topics  []string `json:"topics"`
	Dropped uint64   `json:"dropped"`
}

type streamConn struct {
	ws       *websocket.Conn
	send     chan []byte
	patterns []string
	dropped  bool
	released bool
}

// wants applies the same trailing-star match the bus uses, so a client
// asking for market.* sees every ticker stream.
func (c *streamConn) wants(topic string) bool {
	for _, p := range c.patterns {
		if p == topic || (strings.HasSuffix(p, "*") && strings.HasPrefix(topic, strings.TrimSuffix(p, "*"))) {
			return true
		}
	}
	return false
}

type topicSub struct {
	sub  *bus.Subscription
	refs int
}

// Hub fans selected bus topics out to WebSocket clients. Each client
// names its topics at connect time; the hub keeps one refcounted bus
// subscription per requested pattern and tears it down when the last
// interested client leaves. A client that cannot keep up is dropped
// rather than letting its backlog stall everyone else.
type Hub struct {
	bus *bus.Bus
	log zerolog.Logger

	mu      sync.Mutex
	conns   map[*streamConn]struct{}
	subs    map[string]*topicSub
	dropped uint64
}

func NewHub(b *bus.Bus, log zerolog.Logger) *Hub {
	return &Hub{
		bus:   b,
		log:   log.With().Str("component", "stream").Logger(),
		conns: make(map[*streamConn]struct{}),
		subs:  make(map[string]*topicSub),
	}
}

// HandleStream upgrades the request and attaches the client to the
// topics named in ?topics=a,b. Unknown topics fail before the upgrade.
func (h *Hub) HandleStream(w http.ResponseWriter, r *http.Request) {
	patterns := splitTopics(r.URL.Query().Get("topics"))
	if len(patterns) == 0 {
		http.Error(w, "topics query parameter is required", http.StatusBadRequest)
		return
	}
	for _, p := range patterns {
		if _, ok := h.bus.Registry().Resolve(p); !ok {
			http.Error(w, fmt.Sprintf("unknown topic %q", p), http.StatusBadRequest)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("stream upgrade failed")
		return
	}
	c := &streamConn{ws: conn, send: make(chan []byte, streamSendBuf), patterns: patterns}

	h.mu.Lock()
	acquired := make([]string, 0, len(patterns))
	var fail error
	for _, p := range patterns {
		if ts, ok := h.subs[p]; ok {
			ts.refs++
			acquired = append(acquired, p)
			continue
		}
		sub, err := h.bus.Subscribe(p, h.fan, bus.SubscribeOptions{Name: "api.stream." + p})
		if err != nil {
			fail = err
			break
		}
		h.subs[p] = &topicSub{sub: sub, refs: 1}
		acquired = append(acquired, p)
	}
	var toClose []*bus.Subscription
	if fail != nil {
		toClose = h.releaseLocked(acquired)
	} else {
		h.conns[c] = struct{}{}
	}
	total := len(h.conns)
	h.mu.Unlock()

	if fail != nil {
		for _, s := range toClose {
			h.bus.Unsubscribe(s)
		}
		conn.Close()
		h.log.Warn().Err(fail).Msg("stream subscribe failed")
		return
	}
	h.log.Info().Strs("topics", patterns).Int("clients", total).Msg("stream client attached")

	go h.writePump(c)
	go h.readPump(c)
}

// Close detaches every client; the per-pattern subscriptions fall away
// with their last reader.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*streamConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		h.detach(c)
	}
}

// Stats reports the live client count and subscribed patterns.
func (h *Hub) Stats() StreamStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	topics := make([]string, 0, len(h.subs))
	for p := range h.subs {
		topics = append(topics, p)
	}
	sort.Strings(topics)
	return StreamStats{Clients: len(h.conns), Topics: topics, Dropped: h.dropped}
}

// fan is the shared bus handler behind every hub subscription. It must
// never block: a full client buffer drops that client on the spot.
func (h *Hub) fan(ctx context.Context, ev *bus.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return buserr.Wrap(buserr.Validation, "stream.encode", err)
	}
	h.mu.Lock()
	for c := range h.conns {
		if !c.wants(ev.Topic) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.dropLocked(c)
		}
	}
	h.mu.Unlock()
	return nil
}

func (h *Hub) writePump(c *streamConn) {
	defer c.ws.Close()
	for data := range c.send {
		c.ws.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

func (h *Hub) readPump(c *streamConn) {
	defer h.detach(c)
	c.ws.SetReadLimit(streamReadLimit)
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

// detach removes the client and releases its topic refs exactly once;
// it is safe to call from both the read pump and Close.
func (h *Hub) detach(c *streamConn) {
	h.mu.Lock()
	delete(h.conns, c)
	if !c.dropped {
		c.dropped = true
		close(c.send)
	}
	var toClose []*bus.Subscription
	if !c.released {
		c.released = true
		toClose = h.releaseLocked(c.patterns)
	}
	clients := len(h.conns)
	h.mu.Unlock()

	for _, s := range toClose {
		h.bus.Unsubscribe(s)
	}
	h.log.Debug().Int("clients", clients).Msg("stream client detached")
}

// dropLocked ejects a client whose buffer is full. Its topic refs are
// released later by detach when the read pump notices the closed
// socket. Callers hold h.mu.
func (h *Hub) dropLocked(c *streamConn) {
	if c.dropped {
		return
	}
	c.dropped = true
	delete(h.conns, c)
	close(c.send)
	h.dropped++
	h.log.Warn().Strs("topics", c.patterns).Msg("slow stream client dropped")
}

// releaseLocked decrements pattern refs, returning subscriptions whose
// last reader left. Callers hold h.mu and must Unsubscribe the returned
// entries after unlocking.
func (h *Hub) releaseLocked(patterns []string) []*bus.Subscription {
	var out []*bus.Subscription
	for _, p := range patterns {
		ts, ok := h.subs[p]
		if !ok {
			continue
		}
		ts.refs--
		if ts.refs <= 0 {
			delete(h.subs, p)
			out = append(out, ts.sub)
		}
	}
	return out
}

func splitTopics(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
