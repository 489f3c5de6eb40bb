package failover

import (
	"time"

	"github.com/orbitquant/tradeplane/internal/config"
	"github.com/orbitquant/tradeplane/pkg/schema"
)

// rttHistoryCap bounds the per-endpoint latency window the score
// averages over. Timeouts enter the window too, so recovery after an
// outage is gradual rather than a single good probe flipping the score.
const rttHistoryCap = 20

type endpointState struct {
	spec schema.EndpointSpec

	score               float64
	rttMs               float64
	failures            int
	consecutiveFailures int
	status              string
	lastProbe           time.Time
	rttHistory          []float64
}

// registry is the scored endpoint table. It is not safe for concurrent
// use; the engine serializes access.
type registry struct {
	cfg  config.FailoverConfig
	byID map[string]*endpointState
	ids  []string
}

func newRegistry(cfg config.FailoverConfig) *registry {
	return &registry{cfg: cfg, byID: make(map[string]*endpointState)}
}

// sync reconciles the table against a fresh catalog. Surviving endpoints
// keep their probe history; new ones start optimistic so a catalog entry
// is routable before its first probe lands.
func (r *registry) sync(cat *schema.EndpointCatalog) {
	next := make(map[string]*endpointState, len(cat.Endpoints))
	ids := make([]string, 0, len(cat.Endpoints))
	for _, ep := range cat.Endpoints {
		if st, ok := r.byID[ep.ID]; ok {
			st.spec = ep
			next[ep.ID] = st
		} else {
			next[ep.ID] = &endpointState{
				spec:   ep,
				score:  1.0,
				status: schema.EndpointHealthy,
			}
		}
		ids = append(ids, ep.ID)
	}
	r.byID = next
	r.ids = ids
}

func (r *registry) has(id string) bool {
	_, ok := r.byID[id]
	return ok
}

// primaryID returns the catalog's designated primary, falling back to
// the first entry. Empty when the catalog is empty.
func (r *registry) primaryID() string {
	for _, id := range r.ids {
		if r.byID[id].spec.Primary {
			return id
		}
	}
	if len(r.ids) > 0 {
		return r.ids[0]
	}
	return ""
}

// record folds one probe observation into the endpoint's score. Success
// rescores from the rolling RTT average; failure steps the score down a
// fixed notch and counts toward the consecutive-failure trip wire.
func (r *registry) record(res schema.ProbeResult) (schema.EndpointHealth, bool) {
	st, ok := r.byID[res.EndpointID]
	if !ok {
		return schema.EndpointHealth{}, false
	}

	st.rttMs = res.RttMs
	st.lastProbe = res.TS
	st.rttHistory = append(st.rttHistory, res.RttMs)
	if len(st.rttHistory) > rttHistoryCap {
		st.rttHistory = st.rttHistory[len(st.rttHistory)-rttHistoryCap:]
	}

	if res.Success {
		st.consecutiveFailures = 0
		var sum float64
		for _, v := range st.rttHistory {
			sum += v
		}
		avg := sum / float64(len(st.rttHistory))
		st.score = clampScore(1-avg/1000, 0.1, 1)
	} else {
		st.failures++
		st.consecutiveFailures++
		st.score = st.score - 0.2
		if st.score < 0 {
			st.score = 0
		}
	}

	st.status = r.statusFor(st)
	return r.healthView(st), true
}

func (r *registry) statusFor(st *endpointState) string {
	if st.consecutiveFailures >= r.cfg.UnhealthyAfter || st.score < r.cfg.ThetaUnhealthy {
		return schema.EndpointUnhealthy
	}
	if st.consecutiveFailures > 0 || st.score < 2*r.cfg.ThetaUnhealthy {
		return schema.EndpointDegraded
	}
	return schema.EndpointHealthy
}

func (r *registry) healthOf(id string) (schema.EndpointHealth, bool) {
	st, ok := r.byID[id]
	if !ok {
		return schema.EndpointHealth{}, false
	}
	return r.healthView(st), true
}

func (r *registry) healthView(st *endpointState) schema.EndpointHealth {
	return schema.EndpointHealth{
		ID:                  st.spec.ID,
		Score:               st.score,
		RttMs:               st.rttMs,
		Failures:            st.failures,
		ConsecutiveFailures: st.consecutiveFailures,
		Status:              st.status,
		LastProbe:           st.lastProbe,
	}
}

// snapshot lists every endpoint in catalog order.
func (r *registry) snapshot() []schema.EndpointHealth {
	out := make([]schema.EndpointHealth, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.healthView(r.byID[id]))
	}
	return out
}

// bestCandidate picks the healthy endpoint with the highest score,
// excluding the given id. Degraded endpoints never qualify; catalog
// order breaks score ties.
func (r *registry) bestCandidate(exclude string) (string, bool) {
	bestID := ""
	bestScore := -1.0
	for _, id := range r.ids {
		if id == exclude {
			continue
		}
		st := r.byID[id]
		if st.status != schema.EndpointHealthy {
			continue
		}
		if st.score > bestScore {
			bestID, bestScore = id, st.score
		}
	}
	return bestID, bestID != ""
}

// specs returns a copy of the catalog entries for the prober.
func (r *registry) specs() []schema.EndpointSpec {
	out := make([]schema.EndpointSpec, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.byID[id].spec)
	}
	return out
}

func clampScore(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
