package worker

import (
	"context"
	"math/rand"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"slowbench/internal/metrics"
)

// Fast issues back-to-back GET requests over a pooled client connection,
// buffering one OperationResult per request locally and merging the buffer
// into the aggregator once, at exit.
type Fast struct {
	ID      int
	Client  *redis.Client
	Keys    []string
	Budget  int           // 0 means unlimited, run until ctx is done
	Limiter *rate.Limiter // nil means unthrottled
	Agg     *metrics.Aggregator
	Log     *logrus.Logger
}

// Run loops until the context is cancelled or the operation budget is spent.
// The stop signal is checked between operations only; an in-flight request
// always completes and is accounted for.
func (w *Fast) Run(ctx context.Context) {
	results := make([]metrics.OperationResult, 0, 1024)
	defer func() { w.Agg.Merge(results) }()

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(w.ID)))
	for ops := 0; w.Budget == 0 || ops < w.Budget; ops++ {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if w.Limiter != nil {
			if err := w.Limiter.Wait(ctx); err != nil {
				return
			}
		}

		key := w.Keys[rng.Intn(len(w.Keys))]
		start := time.Now()
		_, err := w.Client.Get(key).Result()
		elapsed := time.Since(start)

		if err == redis.Nil {
			err = nil // absent key is still a completed round trip
		}
		r := metrics.OperationResult{Kind: metrics.FastOp, Elapsed: elapsed, Err: err}
		results = append(results, r)
		w.Agg.Observe(r)

		// A broken pooled connection ends this worker; the run goes on
		// over the remaining workers.
		if err != nil {
			w.Log.Warnf("fast client %d: connection error: %v", w.ID, err)
			return
		}
	}
}
