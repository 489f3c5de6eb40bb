package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitquant/tradeplane/internal/bus"
	"github.com/orbitquant/tradeplane/pkg/schema"
)

func dialStream(t *testing.T, base string, topics string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/stream?topics=" + topics
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) bus.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev bus.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func emitSwitch(t *testing.T, rig *apiRig, corr string) {
	t.Helper()
	sw := schema.Switched{PlanID: "plan-7", From: "ep-a", To: "ep-b", ReasonCodes: []string{"UNHEALTHY"}, DurationMs: 1400, TS: rig.clk.Now()}
	require.NoError(t, rig.rt.Bus.Emit(context.Background(), schema.TopicSwitched, corr, "failover", sw))
}

func TestStreamDeliversSubscribedTopics(t *testing.T) {
	rig := newAPIRig(t)
	m, base := startAPI(t, rig, Deps{})

	conn := dialStream(t, base, schema.TopicSwitched)
	require.Eventually(t, func() bool { return m.hub.Stats().Clients == 1 }, 2*time.Second, 10*time.Millisecond)

	emitSwitch(t, rig, "corr-sw")
	alert := schema.DrawdownAlert{Level: schema.DrawdownWarn, CurrentDDPct: 2.4, MaxDDPct: 2.4, Peak: 120_000, Current: 117_120}
	require.NoError(t, rig.rt.Bus.Emit(context.Background(), schema.TopicDrawdownAlert, "corr-dd", "drawdown", alert))

	ev := readEvent(t, conn)
	assert.Equal(t, schema.TopicSwitched, ev.Topic)
	assert.Equal(t, "corr-sw", ev.CorrelationID)
	assert.Equal(t, "failover", ev.Producer)
	payload, ok := ev.Payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "ep-b", payload["to"])

	// the drawdown alert rides a topic this client never asked for
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	st := m.hub.Stats()
	assert.Equal(t, 1, st.Clients)
	assert.Equal(t, []string{schema.TopicSwitched}, st.Topics)
}

func TestStreamValidatesTopicsBeforeUpgrade(t *testing.T) {
	rig := newAPIRig(t)
	_, base := startAPI(t, rig, Deps{})

	resp, body := httpGet(t, base+"/stream")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "topics query parameter is required")

	resp, body = httpGet(t, base+"/stream?topics=endpoint.switched,nope")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), `unknown topic "nope"`)

	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/stream?topics=nope"
	_, resp2, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp2)
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestStreamSharesSubscriptionsAcrossClients(t *testing.T) {
	rig := newAPIRig(t)
	m, base := startAPI(t, rig, Deps{})

	conn1 := dialStream(t, base, schema.TopicSwitched)
	conn2 := dialStream(t, base, schema.TopicSwitched+","+schema.TopicDrawdownAlert)
	require.Eventually(t, func() bool { return m.hub.Stats().Clients == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{schema.TopicDrawdownAlert, schema.TopicSwitched}, m.hub.Stats().Topics)

	emitSwitch(t, rig, "corr-1")
	assert.Equal(t, "corr-1", readEvent(t, conn1).CorrelationID)
	assert.Equal(t, "corr-1", readEvent(t, conn2).CorrelationID)

	// the drawdown ref dies with its only subscriber
	conn2.Close()
	require.Eventually(t, func() bool {
		st := m.hub.Stats()
		return st.Clients == 1 && len(st.Topics) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{schema.TopicSwitched}, m.hub.Stats().Topics)

	emitSwitch(t, rig, "corr-2")
	assert.Equal(t, "corr-2", readEvent(t, conn1).CorrelationID)
}

func TestStreamMatchesWildcardPatterns(t *testing.T) {
	rig := newAPIRig(t)
	m, base := startAPI(t, rig, Deps{})

	conn := dialStream(t, base, "market.*")
	require.Eventually(t, func() bool { return m.hub.Stats().Clients == 1 }, 2*time.Second, 10*time.Millisecond)

	tick := schema.MarketTicker{Symbol: "BTCUSDT", Last: 64_250, Mid: 64_249.5, TS: rig.clk.Now()}
	require.NoError(t, rig.rt.Bus.Emit(context.Background(), "market.btcusdt", "corr-mk", "feed", tick))

	ev := readEvent(t, conn)
	assert.Equal(t, "market.btcusdt", ev.Topic)
	payload, ok := ev.Payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", payload["symbol"])
}

func TestStreamDropsSlowClients(t *testing.T) {
	rig := newAPIRig(t)
	h := NewHub(rig.rt.Bus, zerolog.Nop())

	c := &streamConn{send: make(chan []byte, 1), patterns: []string{schema.TopicSwitched}}
	h.conns[c] = struct{}{}

	ev := &bus.Event{ID: "ev-1", Topic: schema.TopicSwitched, Payload: map[string]string{"to": "ep-b"}}
	require.NoError(t, h.fan(context.Background(), ev))
	require.NoError(t, h.fan(context.Background(), ev))

	st := h.Stats()
	assert.Equal(t, 0, st.Clients)
	assert.Equal(t, uint64(1), st.Dropped)
	assert.True(t, c.dropped)

	// the queued frame drains, then the channel reports closed
	<-c.send
	_, open := <-c.send
	assert.False(t, open)
}
