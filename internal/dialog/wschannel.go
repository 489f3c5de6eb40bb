package dialog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/orbitquant/tradeplane/internal/bus"
	"github.com/orbitquant/tradeplane/internal/clock"
	"github.com/orbitquant/tradeplane/pkg/schema"
)

const (
	// consolePending bounds the prompt replay ring for late attachers.
	consolePending = 32
	// consoleSendBuf bounds each socket's outbound queue. It must cover
	// a full replay burst plus live traffic.
	consoleSendBuf = consolePending + 16

	consoleWriteWait = 5 * time.Second
	consoleReadLimit = 4 << 10
)

// promptFrame is the outbound console message.
type promptFrame struct {
	Type   string `json:"type"`
	Prompt Prompt `json:"prompt"`
}

// ConsoleChannel pushes prompts to attached operator sockets and turns
// their answers into operator.choice.log events. Prompts sent while no
// socket is attached are kept in a bounded ring and replayed on attach,
// so a session does not die just because the operator connected late.
type ConsoleChannel struct {
	bus *bus.Bus
	clk clock.Clock
	log zerolog.Logger

	mu      sync.Mutex
	conns   map[*websocket.Conn]chan []byte
	pending map[string]Prompt
	order   []string
}

func NewConsoleChannel(b *bus.Bus, clk clock.Clock, log zerolog.Logger) *ConsoleChannel {
	return &ConsoleChannel{
		bus:     b,
		clk:     clk,
		log:     log.With().Str("component", "console").Logger(),
		conns:   make(map[*websocket.Conn]chan []byte),
		pending: make(map[string]Prompt),
	}
}

func (c *ConsoleChannel) Name() string { return "console" }

// Send fans the prompt to every attached socket and records it for
// replay. It never fails: an empty console is a late operator, not a
// delivery error.
func (c *ConsoleChannel) Send(ctx context.Context, p Prompt) error {
	data, err := json.Marshal(promptFrame{Type: "prompt", Prompt: p})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.rememberLocked(p)
	for conn, send := range c.conns {
		select {
		case send <- data:
		default:
			c.dropLocked(conn, "slow console socket dropped")
		}
	}
	c.mu.Unlock()
	return nil
}

// Attach adopts an upgraded socket: replays pending prompts, then pumps
// writes and reads until the peer goes away.
func (c *ConsoleChannel) Attach(conn *websocket.Conn) {
	send := make(chan []byte, consoleSendBuf)

	c.mu.Lock()
	c.conns[conn] = send
	for _, id := range c.order {
		frame, err := json.Marshal(promptFrame{Type: "prompt", Prompt: c.pending[id]})
		if err != nil {
			continue
		}
		select {
		case send <- frame:
		default:
		}
	}
	total := len(c.conns)
	c.mu.Unlock()
	c.log.Info().Int("sockets", total).Msg("console attached")

	go c.writePump(conn, send)
	go c.readPump(conn)
}

// Close tears down every attached socket.
func (c *ConsoleChannel) Close() {
	c.mu.Lock()
	for conn := range c.conns {
		c.dropLocked(conn, "console closing")
	}
	c.mu.Unlock()
}

// Sockets reports how many operator sockets are attached.
func (c *ConsoleChannel) Sockets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

func (c *ConsoleChannel) writePump(conn *websocket.Conn, send chan []byte) {
	defer conn.Close()
	for data := range send {
		conn.SetWriteDeadline(time.Now().Add(consoleWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

func (c *ConsoleChannel) readPump(conn *websocket.Conn) {
	defer c.detach(conn)
	conn.SetReadLimit(consoleReadLimit)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var choice schema.OperatorChoice
		if err := json.Unmarshal(data, &choice); err != nil || choice.SessionID == "" {
			c.log.Warn().Str("frame", string(data)).Msg("malformed console frame ignored")
			continue
		}
		choice.Channel = "console"
		choice.TS = c.clk.Now()

		corr := choice.SessionID
		c.mu.Lock()
		if p, ok := c.pending[choice.SessionID]; ok {
			corr = p.CorrID
			c.forgetLocked(choice.SessionID)
		}
		c.mu.Unlock()

		if err := c.bus.Emit(context.Background(), schema.TopicOperatorChoiceLog, corr, "console", choice); err != nil {
			c.log.Warn().Err(err).Str("session", choice.SessionID).Msg("choice publish failed")
		}
	}
}

func (c *ConsoleChannel) detach(conn *websocket.Conn) {
	c.mu.Lock()
	c.dropLocked(conn, "")
	total := len(c.conns)
	c.mu.Unlock()
	c.log.Debug().Int("sockets", total).Msg("console detached")
}

// dropLocked removes a socket and closes its send queue; the write pump
// then closes the socket itself. Callers hold c.mu.
func (c *ConsoleChannel) dropLocked(conn *websocket.Conn, why string) {
	send, ok := c.conns[conn]
	if !ok {
		return
	}
	delete(c.conns, conn)
	close(send)
	if why != "" {
		c.log.Warn().Msg(why)
	}
}

// rememberLocked keeps the prompt for replay, evicting the oldest past
// the ring bound. Callers hold c.mu.
func (c *ConsoleChannel) rememberLocked(p Prompt) {
	if _, ok := c.pending[p.SessionID]; !ok {
		c.order = append(c.order, p.SessionID)
	}
	c.pending[p.SessionID] = p
	for len(c.order) > consolePending {
		delete(c.pending, c.order[0])
		c.order = c.order[1:]
	}
}

// forgetLocked drops an answered prompt so fresh attachers are not asked
// to answer a session again. Callers hold c.mu.
func (c *ConsoleChannel) forgetLocked(id string) {
	if _, ok := c.pending[id]; !ok {
		return
	}
	delete(c.pending, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
