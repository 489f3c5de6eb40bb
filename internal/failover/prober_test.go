package failover

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitquant/tradeplane/internal/clock"
	"github.com/orbitquant/tradeplane/pkg/schema"
)

func TestProbeOnceClassifiesResponses(t *testing.T) {
	base := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	clk := clock.NewVirtual(base)

	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	notFound := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer notFound.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	p := newProber(100, clk, zerolog.Nop(), nil, nil)

	res := p.probeOnce(context.Background(), schema.EndpointSpec{ID: "ok", URL: ok.URL})
	assert.True(t, res.Success)
	assert.Equal(t, "ok", res.EndpointID)
	assert.Less(t, res.RttMs, 100.0)
	assert.Empty(t, res.Error)
	assert.True(t, res.TS.Equal(base))

	// Reachable beats correct: a 404 still proves the endpoint serves.
	res = p.probeOnce(context.Background(), schema.EndpointSpec{ID: "nf", URL: notFound.URL})
	assert.True(t, res.Success)

	res = p.probeOnce(context.Background(), schema.EndpointSpec{ID: "down", URL: failing.URL})
	assert.False(t, res.Success)
	assert.Equal(t, 100.0, res.RttMs)
	assert.Equal(t, "status 503", res.Error)
}

func TestProbeOncePinsRttToTimeout(t *testing.T) {
	clk := clock.NewVirtual(time.Now().UTC())

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer slow.Close()

	p := newProber(100, clk, zerolog.Nop(), nil, nil)
	res := p.probeOnce(context.Background(), schema.EndpointSpec{ID: "slow", URL: slow.URL})
	assert.False(t, res.Success)
	assert.Equal(t, 100.0, res.RttMs)
	assert.NotEmpty(t, res.Error)
}

func TestProbeOnceHandlesRefusedConnection(t *testing.T) {
	clk := clock.NewVirtual(time.Now().UTC())

	gone := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := gone.URL
	gone.Close()

	p := newProber(100, clk, zerolog.Nop(), nil, nil)
	res := p.probeOnce(context.Background(), schema.EndpointSpec{ID: "gone", URL: url})
	assert.False(t, res.Success)
	assert.Equal(t, 100.0, res.RttMs)
	assert.NotEmpty(t, res.Error)
}

func TestRoundProbesEveryCatalogEntry(t *testing.T) {
	clk := clock.NewVirtual(time.Now().UTC())

	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	gone := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	goneURL := gone.URL
	gone.Close()

	specs := func() []schema.EndpointSpec {
		return []schema.EndpointSpec{
			{ID: "up", URL: ok.URL},
			{ID: "down", URL: goneURL},
		}
	}

	var mu sync.Mutex
	results := map[string]schema.ProbeResult{}
	emit := func(ctx context.Context, res schema.ProbeResult) {
		mu.Lock()
		results[res.EndpointID] = res
		mu.Unlock()
	}

	p := newProber(100, clk, zerolog.Nop(), specs, emit)
	p.round(context.Background(), clk.Now())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 2)
	assert.True(t, results["up"].Success)
	assert.False(t, results["down"].Success)
}
