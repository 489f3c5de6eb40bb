package logroute

import (
	"context"
	"time"

	"github.com/orbitquant/tradeplane/internal/bus"
	"github.com/orbitquant/tradeplane/internal/infra"
	"github.com/orbitquant/tradeplane/internal/runtime"
	"github.com/orbitquant/tradeplane/pkg/schema"
)

// Module hosts the router inside the supervisor lifecycle.
type Module struct {
	*runtime.Base

	classify Classifier
	rdb      *infra.RedisAdapter

	rt     *runtime.Runtime
	router *Router
	sub    *bus.Subscription
}

// New builds the log router module. rdb may be nil when Redis is not
// configured; rules routing to the redis sink are then skipped.
func New(classify Classifier, rdb *infra.RedisAdapter) *Module {
	return &Module{Base: runtime.NewBase("logroute"), classify: classify, rdb: rdb}
}

func (m *Module) Initialize(ctx context.Context, rt *runtime.Runtime) error {
	m.rt = rt
	cfg := rt.Config.Static().Router

	sinks := []sink{
		newFileSink(SinkFile, cfg.FileSink.PathTemplate, cfg.FileSink.RotateMB,
			cfg.FileSink.MaxFiles, jsonlCodec{}, rt.Clock),
		newFileSink(SinkLP, cfg.LPSink.PathTemplate, cfg.LPSink.RotateMB,
			cfg.LPSink.MaxFiles, lpCodec{measurement: cfg.LPSink.Measurement}, rt.Clock),
	}
	if m.rdb != nil {
		sinks = append(sinks, newRedisSink(m.rdb, cfg.RedisSink))
	}
	m.router = newRouter(cfg, rt, m.classify, sinks)

	sub, err := rt.Bus.Subscribe(schema.TopicLogRaw, m.router.Handle, bus.SubscribeOptions{
		Name: "logroute.router",
	})
	if err != nil {
		return err
	}
	m.sub = sub

	rt.Sched.Every("logroute.flush", flushTick(cfg.MaxWaitMs), 0, m.router.FlushAged)
	rt.Sched.Every("logroute.metrics", time.Minute, 0, m.router.EmitStats)
	rt.Sched.Every("logroute.recover", time.Duration(cfg.RecoverAfterSec)*time.Second, 0,
		m.router.RecoverSampling)

	m.MarkRunning()
	return nil
}

func (m *Module) Shutdown(ctx context.Context) error {
	if m.sub != nil {
		m.rt.Bus.Unsubscribe(m.sub)
	}
	var err error
	if m.router != nil {
		err = m.router.Close(ctx)
	}
	m.MarkStopped()
	return err
}

// Stats exposes the live pipeline counters for the admin surface.
func (m *Module) Stats() schema.RouterStats {
	return m.router.Stats(m.rt.Clock.Now())
}

// flushTick derives the age-check cadence from maxWait so batches
// overshoot their deadline by a quarter at most.
func flushTick(maxWaitMs int64) time.Duration {
	tick := time.Duration(maxWaitMs) * time.Millisecond / 4
	if tick < 100*time.Millisecond {
		return 100 * time.Millisecond
	}
	if tick > time.Second {
		return time.Second
	}
	return tick
}
