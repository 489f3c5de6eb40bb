package failover

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orbitquant/tradeplane/internal/clock"
	"github.com/orbitquant/tradeplane/pkg/schema"
)

// prober runs one HTTP GET per endpoint per round. Rounds are driven by
// the scheduler, which also guarantees they never overlap; a round is
// bounded by the per-probe timeout.
type prober struct {
	timeout time.Duration
	client  *http.Client
	clk     clock.Clock
	log     zerolog.Logger
	specs   func() []schema.EndpointSpec
	emit    func(ctx context.Context, res schema.ProbeResult)
}

func newProber(timeoutMs int64, clk clock.Clock, log zerolog.Logger,
	specs func() []schema.EndpointSpec, emit func(context.Context, schema.ProbeResult)) *prober {
	timeout := time.Duration(timeoutMs) * time.Millisecond
	return &prober{
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		clk:     clk,
		log:     log,
		specs:   specs,
		emit:    emit,
	}
}

func (p *prober) round(ctx context.Context, _ time.Time) {
	var wg sync.WaitGroup
	for _, ep := range p.specs() {
		wg.Add(1)
		go func(ep schema.EndpointSpec) {
			defer wg.Done()
			p.emit(ctx, p.probeOnce(ctx, ep))
		}(ep)
	}
	wg.Wait()
}

// probeOnce measures one endpoint. Any transport error, timeout or 5xx
// counts as failure with the RTT pinned to the timeout value; 4xx still
// proves the endpoint is reachable and serving.
func (p *prober) probeOnce(ctx context.Context, ep schema.EndpointSpec) schema.ProbeResult {
	res := schema.ProbeResult{EndpointID: ep.ID}

	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, ep.URL, nil)
	if err != nil {
		res.RttMs = float64(p.timeout.Milliseconds())
		res.Error = err.Error()
		res.TS = p.clk.Now()
		return res
	}

	started := time.Now()
	resp, err := p.client.Do(req)
	rtt := float64(time.Since(started).Milliseconds())
	res.TS = p.clk.Now()
	if err != nil {
		res.RttMs = float64(p.timeout.Milliseconds())
		res.Error = err.Error()
		return res
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		res.RttMs = float64(p.timeout.Milliseconds())
		res.Error = fmt.Sprintf("status %d", resp.StatusCode)
		return res
	}
	res.Success = true
	res.RttMs = rtt
	return res
}
