// Package logroute is the log ingest router. Every log.raw record runs
// one decision pipeline: routing rules, sampling, timestamp
// normalization, PII classification, enrichment, a data.ingest
// re-publish and per-sink batching. Sink writes sit behind circuit
// breakers with a bounded retry queue and a dead-letter spool, so a
// slow or broken sink degrades to sampling instead of blocking the bus.
package logroute

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/orbitquant/tradeplane/internal/bus"
	"github.com/orbitquant/tradeplane/internal/config"
	"github.com/orbitquant/tradeplane/internal/metrics"
	"github.com/orbitquant/tradeplane/internal/runtime"
	"github.com/orbitquant/tradeplane/pkg/schema"
)

// Classifier decides how sensitive a piece of content is. The redact
// module provides the production implementation.
type Classifier interface {
	Classify(content string) string
}

// alertThrottle caps how often the router raises a backpressure alert.
const alertThrottle = time.Minute

// batchJob is one cut batch on its way to a sink.
type batchJob struct {
	sink    string
	codec   string
	lines   [][]byte
	records int
	bytes   int
	attempt int
}

// pending accumulates encoded lines for one sink until the batch is cut
// by size or age.
type pending struct {
	lines   [][]byte
	bytes   int
	firstAt time.Time
}

// Router owns the decision pipeline and the per-sink write machinery.
type Router struct {
	cfg      config.RouterConfig
	rt       *runtime.Runtime
	log      zerolog.Logger
	met      *metrics.RouterMetrics
	classify Classifier
	sampler  *sampler

	mu       sync.Mutex
	batches  map[string]*pending
	sinks    map[string]sink
	breakers map[string]*Breaker

	alertMu   sync.Mutex
	alertLast time.Time

	flushCh chan batchJob
	retryCh chan batchJob

	inFlight    atomic.Int64
	received    atomic.Int64
	routed      atomic.Int64
	dropped     atomic.Int64
	sampledOut  atomic.Int64
	deadLetters atomic.Int64
	shedding    atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newRouter(cfg config.RouterConfig, rt *runtime.Runtime, classify Classifier, sinks []sink) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		cfg:      cfg,
		rt:       rt,
		log:      rt.Log.With().Str("component", "logroute").Logger(),
		met:      metrics.Router(),
		classify: classify,
		sampler:  newSampler(cfg.DefaultSamplePct, cfg.RecoverStepPct),
		batches:  make(map[string]*pending),
		sinks:    make(map[string]sink, len(sinks)),
		breakers: make(map[string]*Breaker, len(sinks)),
		flushCh:  make(chan batchJob, cfg.RetryQueueLen),
		retryCh:  make(chan batchJob, cfg.RetryQueueLen),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, s := range sinks {
		r.sinks[s.name()] = s
		bc := defaultBreakerConfig(s.name())
		bc.OnStateChange = r.onBreakerChange
		r.breakers[s.name()] = NewBreaker(bc, rt.Clock)
	}
	r.wg.Add(2)
	go r.flushLoop()
	go r.retryLoop()
	return r
}

func (r *Router) onBreakerChange(name string, from, to BreakerState) {
	r.log.Warn().Str("sink", name).Str("from", from.String()).Str("to", to.String()).
		Msg("sink breaker state change")
	var v float64
	switch to {
	case BreakerHalfOpen:
		v = 1
	case BreakerOpen:
		v = 2
	}
	r.met.BreakerState.WithLabelValues(name).Set(v)
}

// Handle runs the pipeline for one log.raw event.
func (r *Router) Handle(ctx context.Context, ev *bus.Event) error {
	in, err := bus.PayloadAs[schema.LogRecord](ev)
	if err != nil {
		return err
	}
	rec := *in
	r.received.Add(1)

	decision := evaluateRules(r.rt.Config.Routes(), &rec)
	if decision.drop {
		r.dropped.Add(1)
		r.met.RecordsTotal.WithLabelValues("dropped").Inc()
		return nil
	}
	if !r.sampler.allow(rec.Level, decision.samplePct) {
		r.sampledOut.Add(1)
		r.met.RecordsTotal.WithLabelValues("sampled_out").Inc()
		return nil
	}

	rec.NormalizedTS = normalizeTS(rec.TS, r.rt.Clock.Now())
	rec.Classification = r.classify.Classify(classifiable(&rec))
	if len(decision.tags) > 0 {
		rec.Tags = append(append([]string(nil), rec.Tags...), decision.tags...)
	}

	out := ev.Derive(schema.TopicDataIngest, "logroute", rec)
	out.Classification = rec.Classification
	if err := r.rt.Bus.Publish(ctx, out); err != nil {
		r.log.Warn().Err(err).Msg("data.ingest publish failed")
	}

	r.routed.Add(1)
	r.met.RecordsTotal.WithLabelValues("routed").Inc()

	targets := decision.sinks
	if len(targets) == 0 {
		targets = []string{SinkFile}
	}
	for _, name := range targets {
		s, ok := r.sinks[name]
		if !ok {
			r.log.Debug().Str("sink", name).Msg("rule routed to unconfigured sink")
			continue
		}
		line, err := s.codec().encode(&rec)
		if err != nil {
			r.log.Warn().Err(err).Str("sink", name).Msg("encode failed")
			continue
		}
		r.append(name, line)
	}

	if r.inFlight.Load() > r.cfg.InFlightThreshold {
		r.onBackpressure(ctx)
	}
	return nil
}

// append adds one encoded line to a sink batch, cutting the batch when
// it reaches maxBatch.
func (r *Router) append(sink string, line []byte) {
	var job batchJob
	cut := false

	r.mu.Lock()
	p := r.batches[sink]
	if p == nil {
		p = &pending{firstAt: r.rt.Clock.Now()}
		r.batches[sink] = p
	}
	p.lines = append(p.lines, line)
	p.bytes += len(line)
	if len(p.lines) >= r.cfg.MaxBatch {
		job = r.cutLocked(sink, p)
		cut = true
	}
	r.mu.Unlock()

	r.addInFlight(1)
	if cut {
		r.dispatch(job)
	}
}

func (r *Router) cutLocked(sink string, p *pending) batchJob {
	delete(r.batches, sink)
	return batchJob{
		sink:    sink,
		codec:   r.sinks[sink].codec().name(),
		lines:   p.lines,
		records: len(p.lines),
		bytes:   p.bytes,
	}
}

// FlushAged cuts every batch older than maxWait. The scheduler drives
// it at a fraction of the wait so age overshoot stays small.
func (r *Router) FlushAged(ctx context.Context, now time.Time) {
	maxWait := time.Duration(r.cfg.MaxWaitMs) * time.Millisecond
	var jobs []batchJob

	r.mu.Lock()
	for name, p := range r.batches {
		if now.Sub(p.firstAt) >= maxWait {
			jobs = append(jobs, r.cutLocked(name, p))
		}
	}
	r.mu.Unlock()

	for _, job := range jobs {
		r.dispatch(job)
	}
}

// dispatch hands a cut batch to the flusher. A saturated flusher queue
// counts as a failed write so the batch keeps its retry budget.
func (r *Router) dispatch(job batchJob) {
	select {
	case r.flushCh <- job:
	default:
		job.attempt++
		r.enqueueRetry(job)
	}
}

func (r *Router) flushLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case job := <-r.flushCh:
			r.writeBatch(job)
		}
	}
}

// writeBatch pushes one batch through the sink breaker and routes the
// outcome to metrics, the retry queue or the bus.
func (r *Router) writeBatch(job batchJob) {
	s := r.sinks[job.sink]
	err := r.breakers[job.sink].Do(func() error {
		return s.write(r.ctx, job.lines)
	})
	if err != nil {
		r.met.SinkFlushTotal.WithLabelValues(job.sink, "error").Inc()
		r.log.Warn().Err(err).Str("sink", job.sink).Int("records", job.records).
			Int("attempt", job.attempt).Msg("sink write failed")
		job.attempt++
		r.enqueueRetry(job)
		return
	}

	r.met.SinkFlushTotal.WithLabelValues(job.sink, "ok").Inc()
	r.met.SinkBatchSize.Observe(float64(job.records))
	r.addInFlight(int64(-job.records))

	sb := schema.SinkBatch{
		Sink:    job.sink,
		Codec:   job.codec,
		Records: job.records,
		Bytes:   job.bytes,
		TS:      r.rt.Clock.Now(),
	}
	if err := r.rt.Bus.Emit(r.ctx, schema.TopicSinkBatch, "", "logroute", sb); err != nil {
		r.log.Debug().Err(err).Msg("sink batch report dropped")
	}
}

// enqueueRetry parks a failed batch for backoff. Exhausted budgets and
// a full queue both end in the dead-letter spool.
func (r *Router) enqueueRetry(job batchJob) {
	if job.attempt >= r.cfg.RetryMax {
		r.deadLetter(job, "retry budget exhausted")
		return
	}
	select {
	case r.retryCh <- job:
		r.met.RetryQueueDepth.Set(float64(len(r.retryCh)))
	default:
		r.deadLetter(job, "retry queue full")
	}
}

func (r *Router) retryLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case job := <-r.retryCh:
			r.met.RetryQueueDepth.Set(float64(len(r.retryCh)))
			if err := r.rt.Clock.Sleep(r.ctx, retryBackoff(r.cfg.RetryBackoffMs, job.attempt)); err != nil {
				r.deadLetter(job, "shutdown during backoff")
				return
			}
			r.writeBatch(job)
		}
	}
}

// retryBackoff doubles per attempt from the configured base, capped at
// 30s so a long outage cannot park a batch for hours.
func retryBackoff(baseMs int64, attempt int) time.Duration {
	d := time.Duration(baseMs) * time.Millisecond
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= 30*time.Second {
			return 30 * time.Second
		}
	}
	return d
}

// dlqEntry is one dead-lettered line in the spool file. The encoded
// line is kept verbatim so an operator can replay it into the sink.
type dlqEntry struct {
	Sink     string `json:"sink"`
	Codec    string `json:"codec"`
	Attempts int    `json:"attempts"`
	Reason   string `json:"reason"`
	TS       string `json:"ts"`
	Line     string `json:"line"`
}

func (r *Router) deadLetter(job batchJob, reason string) {
	now := r.rt.Clock.Now()
	path := filepath.Join(r.cfg.SpoolDir, "deadletter-"+now.UTC().Format("20060102")+".jsonl")
	if err := r.spoolBatch(path, job, reason, now); err != nil {
		r.log.Error().Err(err).Str("sink", job.sink).Int("records", job.records).
			Msg("dead-letter spool failed, batch lost")
	} else {
		r.log.Warn().Str("sink", job.sink).Int("records", job.records).Str("reason", reason).
			Msg("batch dead-lettered")
	}
	r.met.DeadLettersTotal.Inc()
	r.deadLetters.Add(int64(job.records))
	r.addInFlight(int64(-job.records))
}

func (r *Router) spoolBatch(path string, job batchJob, reason string, now time.Time) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, line := range job.lines {
		entry, err := json.Marshal(dlqEntry{
			Sink:     job.sink,
			Codec:    job.codec,
			Attempts: job.attempt,
			Reason:   reason,
			TS:       now.UTC().Format(time.RFC3339),
			Line:     string(line),
		})
		if err != nil {
			return err
		}
		if _, err := f.Write(append(entry, '\n')); err != nil {
			return err
		}
	}
	return nil
}

// onBackpressure halves info/debug sampling and raises a throttled
// alert. The halving happens once per shed episode; a new episode
// starts only after rates have fully recovered.
func (r *Router) onBackpressure(ctx context.Context) {
	if r.shedding.CompareAndSwap(false, true) {
		r.sampler.shed()
		r.log.Warn().Int64("inFlight", r.inFlight.Load()).
			Int64("threshold", r.cfg.InFlightThreshold).
			Msg("backpressure, sampling halved for info/debug")
	}

	r.alertMu.Lock()
	now := r.rt.Clock.Now()
	fire := now.Sub(r.alertLast) >= alertThrottle
	if fire {
		r.alertLast = now
	}
	r.alertMu.Unlock()
	if !fire {
		return
	}

	alert := schema.SentryAlert{
		Kind: "LOG_BACKPRESSURE",
		Detail: fmt.Sprintf("log pipeline backlog %d over threshold %d, shedding info/debug",
			r.inFlight.Load(), r.cfg.InFlightThreshold),
		TS: now,
	}
	if err := r.rt.Bus.Emit(ctx, schema.TopicSentryAlert, "", "logroute", alert); err != nil {
		r.log.Debug().Err(err).Msg("backpressure alert dropped")
	}
}

// RecoverSampling steps shed rates back toward their defaults once the
// backlog is under the threshold, then closes the shed episode.
func (r *Router) RecoverSampling(ctx context.Context, now time.Time) {
	if !r.shedding.Load() || r.inFlight.Load() > r.cfg.InFlightThreshold {
		return
	}
	if r.sampler.recoverStep() {
		r.shedding.Store(false)
		r.log.Info().Msg("sampling rates restored")
	} else {
		r.log.Debug().Msg("sampling rates recovering")
	}
}

// EmitStats publishes the periodic router snapshot and refreshes the
// slow-moving gauges.
func (r *Router) EmitStats(ctx context.Context, now time.Time) {
	stats := r.Stats(now)
	for level, pct := range stats.SampleRates {
		r.met.SampleRate.WithLabelValues(level).Set(pct)
	}
	r.met.RetryQueueDepth.Set(float64(len(r.retryCh)))
	if err := r.rt.Bus.Emit(ctx, schema.TopicRouterMetrics, "", "logroute", stats); err != nil {
		r.log.Debug().Err(err).Msg("router metrics dropped")
	}
}

// Stats snapshots the cumulative pipeline counters.
func (r *Router) Stats(now time.Time) schema.RouterStats {
	return schema.RouterStats{
		Received:    r.received.Load(),
		Routed:      r.routed.Load(),
		Dropped:     r.dropped.Load(),
		SampledOut:  r.sampledOut.Load(),
		DeadLetters: r.deadLetters.Load(),
		SampleRates: r.sampler.snapshot(),
		InFlight:    r.inFlight.Load(),
		TS:          now,
	}
}

func (r *Router) addInFlight(n int64) {
	v := r.inFlight.Add(n)
	r.met.InFlight.Set(float64(v))
}

// Close flushes every pending batch, stops the write loops and drains
// both queues. Batches that still cannot be written go to the spool so
// shutdown never drops records silently.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	var jobs []batchJob
	for name, p := range r.batches {
		jobs = append(jobs, r.cutLocked(name, p))
	}
	r.mu.Unlock()
	for _, job := range jobs {
		r.writeBatch(job)
	}

	r.cancel()
	r.wg.Wait()

drain:
	for {
		select {
		case job := <-r.flushCh:
			r.writeFinal(job)
		case job := <-r.retryCh:
			r.writeFinal(job)
		default:
			break drain
		}
	}

	var firstErr error
	for _, s := range r.sinks {
		if err := s.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// writeFinal attempts one last write and spools on failure.
func (r *Router) writeFinal(job batchJob) {
	s := r.sinks[job.sink]
	if err := s.write(context.Background(), job.lines); err != nil {
		r.deadLetter(job, "shutdown flush failed")
		return
	}
	r.met.SinkFlushTotal.WithLabelValues(job.sink, "ok").Inc()
	r.addInFlight(int64(-job.records))
}

// normalizeTS parses the producer timestamp, falling back to now. Both
// stamps end up in UTC.
func normalizeTS(raw string, now time.Time) time.Time {
	if raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return ts.UTC()
		}
	}
	return now.UTC()
}

// classifiable flattens message plus kv for the PII classifier. Keys
// are sorted so the same record always classifies the same way.
func classifiable(rec *schema.LogRecord) string {
	if len(rec.KV) == 0 {
		return rec.Message
	}
	keys := make([]string, 0, len(rec.KV))
	for k := range rec.KV {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(rec.Message)
	for _, k := range keys {
		sb.WriteByte(' ')
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(rec.KV[k])
	}
	return sb.String()
}
