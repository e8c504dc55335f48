package bench

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"slowbench/internal/config"
	"slowbench/internal/metrics"
	"slowbench/internal/populate"
	"slowbench/internal/throttle"
	"slowbench/internal/worker"
)

// Phase is the orchestrator's lifecycle state.
type Phase int32

const (
	Idle Phase = iota
	Populating
	Running
	Draining
	Reported
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Populating:
		return "populating"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Reported:
		return "reported"
	default:
		return "unknown"
	}
}

// Bench drives one benchmark run: optional population, then a mixed fleet of
// fast and slow client workers, then a drained join and a single final
// report. Per-connection failures are tolerated; a population failure is
// fatal.
type Bench struct {
	cfg   *config.Config
	log   *logrus.Logger
	agg   *metrics.Aggregator
	phase atomic.Int32

	// Dial overrides the slow workers' transport; tests use it to count
	// connection opens and closes. nil means plain TCP.
	Dial func(addr string) (net.Conn, error)
}

// New returns an idle orchestrator.
func New(cfg *config.Config, log *logrus.Logger) *Bench {
	return &Bench{cfg: cfg, log: log, agg: metrics.New()}
}

// Aggregator exposes the live metrics, for the status endpoint.
func (b *Bench) Aggregator() *metrics.Aggregator { return b.agg }

// Phase returns the current lifecycle state.
func (b *Bench) Phase() Phase { return Phase(b.phase.Load()) }

func (b *Bench) setPhase(p Phase) {
	b.phase.Store(int32(p))
	b.log.Infof("phase: %s", p)
}

// Run executes the full state machine. Cancelling ctx moves the run into
// Draining: every worker is signalled, joined and its connection closed
// before the report is produced. No partial report is ever emitted.
func (b *Bench) Run(ctx context.Context) (metrics.RunReport, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     b.cfg.Addr(),
		PoolSize: b.cfg.Connections + 1,
	})
	defer client.Close()

	if !b.cfg.SkipPopulation && !b.cfg.PubSub {
		b.setPhase(Populating)
		if err := populate.Run(b.cfg, client, b.log); err != nil {
			b.setPhase(Idle)
			return metrics.RunReport{}, fmt.Errorf("population failed: %w", err)
		}
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if b.cfg.Duration > 0 {
		runCtx, cancel = context.WithTimeout(ctx, b.cfg.Duration)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	startCh := make(chan struct{}) // start barrier
	var wg sync.WaitGroup

	pacing := throttle.Config{
		MinChunk:    b.cfg.RecvChunkMin,
		MaxChunk:    b.cfg.RecvChunkMax,
		Delay:       b.cfg.RecvSleepTime,
		MaxDelay:    b.cfg.RecvSleepTimeMax,
		ReadTimeout: b.cfg.ReadTimeout,
	}

	// Spreading out a very large fleet avoids a connect storm. The offset is
	// applied after the start barrier releases, so the fleet ramps up over
	// the opening seconds of the Running phase.
	stagger := func(i int) {
		if b.cfg.SlowConnections > 1000 {
			time.Sleep(time.Duration(i) * 10 * time.Millisecond)
		}
	}

	if b.cfg.PubSub {
		for i := 0; i < b.cfg.Connections; i++ {
			w := &worker.Publisher{
				ID:       i,
				Client:   client,
				Channel:  b.cfg.Channel,
				MinSize:  b.cfg.MessageSizeMin,
				MaxSize:  b.cfg.MessageSizeMax,
				Interval: b.cfg.PublishInterval,
				Agg:      b.agg,
				Log:      b.log,
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-startCh
				w.Run(runCtx)
			}()
		}
		for i := 0; i < b.cfg.SlowConnections; i++ {
			w := &worker.Subscriber{
				ID:       i,
				Addr:     b.cfg.Addr(),
				Channel:  b.cfg.Channel,
				Throttle: pacing,
				Agg:      b.agg,
				Log:      b.log,
				Dial:     b.Dial,
			}
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-startCh
				stagger(i)
				w.Run(runCtx)
			}(i)
		}
	} else {
		keys := populate.Keys(b.cfg.KeysCount)
		for i := 0; i < b.cfg.Connections; i++ {
			w := &worker.Fast{
				ID:     i,
				Client: client,
				Keys:   keys,
				Budget: b.cfg.OpsPerConn,
				Agg:    b.agg,
				Log:    b.log,
			}
			if b.cfg.OpsRate > 0 {
				w.Limiter = rate.NewLimiter(rate.Limit(b.cfg.OpsRate), 1)
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-startCh
				w.Run(runCtx)
			}()
		}
		for i := 0; i < b.cfg.SlowConnections; i++ {
			w := &worker.Slow{
				ID:        i,
				Addr:      b.cfg.Addr(),
				HashKey:   b.cfg.HashKey,
				Loop:      b.cfg.LoopSlow,
				Reconnect: b.cfg.ReconnectSlow,
				Agg:       b.agg,
				Log:       b.log,
				Dial:      b.Dial,
				Throttle:  pacing,
			}
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-startCh
				stagger(i)
				w.Run(runCtx)
			}(i)
		}
	}

	b.setPhase(Running)
	wallStart := time.Now()
	close(startCh)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	interval := b.cfg.ReportInterval
	if interval <= 0 {
		interval = time.Second
	}
	reportTick := time.NewTicker(interval)
	defer reportTick.Stop()
	// The wall clock covers the Running phase only. It is captured the moment
	// the run enters Draining, whether the stop signal fired or every worker
	// finished its budget first; drain time never dilutes throughput.
	var wall time.Duration
	drainCh := runCtx.Done()
	drained := false
	for !drained {
		select {
		case <-reportTick.C:
			snap := b.agg.Interval()
			b.log.Infof("throughput: %.0f ops/sec, average latency: %s, slow bytes: %d",
				snap.Throughput, snap.AvgLatency, snap.SlowBytes)
		case <-drainCh:
			wall = time.Since(wallStart)
			b.setPhase(Draining)
			drainCh = nil
		case <-done:
			if drainCh != nil {
				wall = time.Since(wallStart)
				b.setPhase(Draining)
			}
			drained = true
		}
	}

	b.setPhase(Reported)
	return b.agg.Report(wall), nil
}
