package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind labels which worker path produced an OperationResult.
type Kind int

const (
	FastOp Kind = iota
	SlowTransfer
	SubSession
)

// OperationResult records one completed unit of work. Workers create one per
// operation and hand it to the aggregator at join time; it is never mutated
// afterwards. Messages is populated for subscriber sessions only.
type OperationResult struct {
	Kind     Kind
	Elapsed  time.Duration
	Bytes    int64
	Messages int64
	Err      error
}

// RunReport is the final benchmark summary, computed once after every worker
// has joined.
type RunReport struct {
	Wall          time.Duration `json:"wall"`
	FastOps       int64         `json:"fast_ops"`
	FastFailures  int64         `json:"fast_failures"`
	Throughput    float64       `json:"throughput_ops_sec"`
	AvgLatency    time.Duration `json:"avg_latency"`
	SlowTransfers int64         `json:"slow_transfers"`
	SlowFailures  int64         `json:"slow_failures"`
	SlowBytes     int64         `json:"slow_bytes"`
	SlowDuration  time.Duration `json:"slow_duration"`
	Reconnects    int64         `json:"reconnects"`
	SubSessions   int64         `json:"sub_sessions"`
	SubFailures   int64         `json:"sub_failures"`
	SubMessages   int64         `json:"sub_messages"`
	SubBytes      int64         `json:"sub_bytes"`
}

// Snapshot is a point-in-time view of the live counters, used by the
// periodic reporter and the status endpoint.
type Snapshot struct {
	Ops        int64         `json:"ops"`
	Throughput float64       `json:"throughput_ops_sec"`
	AvgLatency time.Duration `json:"avg_latency"`
	SlowBytes  int64         `json:"slow_bytes"`
}

// Aggregator combines per-worker result buffers. Workers accumulate results
// locally and merge once at exit, so the mutex is contended once per worker
// lifetime rather than once per operation. The atomic live counters exist
// only for interval reporting and carry no accounting weight in the final
// report.
type Aggregator struct {
	mu   sync.Mutex
	fast []OperationResult
	slow []OperationResult
	subs []OperationResult

	reconnects atomic.Int64

	liveOps       atomic.Int64
	liveLatencyNs atomic.Int64
	liveSlowBytes atomic.Int64
	lastOps       atomic.Int64
	lastLatencyNs atomic.Int64
	lastSnap      atomic.Int64 // unix nanos of the previous Interval call
}

// New returns an empty aggregator.
func New() *Aggregator {
	a := &Aggregator{}
	a.lastSnap.Store(time.Now().UnixNano())
	return a
}

// Merge folds one worker's buffered results in. Called exactly once per
// worker, at join.
func (a *Aggregator) Merge(results []OperationResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range results {
		switch r.Kind {
		case FastOp:
			a.fast = append(a.fast, r)
		case SlowTransfer:
			a.slow = append(a.slow, r)
		case SubSession:
			a.subs = append(a.subs, r)
		}
	}
}

// RecordReconnect counts one re-dial of a slow connection or subscriber.
func (a *Aggregator) RecordReconnect() {
	a.reconnects.Add(1)
}

// Observe feeds the live counters for interval reporting. Cheap atomics;
// safe to call per operation.
func (a *Aggregator) Observe(r OperationResult) {
	if r.Err != nil {
		return
	}
	switch r.Kind {
	case FastOp:
		a.liveOps.Add(1)
		a.liveLatencyNs.Add(r.Elapsed.Nanoseconds())
	case SlowTransfer, SubSession:
		a.liveSlowBytes.Add(r.Bytes)
	}
}

// Interval returns throughput and mean latency since the previous Interval
// call, mirroring the per-second line the harness logs while running.
func (a *Aggregator) Interval() Snapshot {
	now := time.Now()
	prev := a.lastSnap.Swap(now.UnixNano())
	elapsed := time.Duration(now.UnixNano() - prev).Seconds()

	ops := a.liveOps.Load()
	lat := a.liveLatencyNs.Load()
	window := ops - a.lastOps.Swap(ops)
	windowLat := lat - a.lastLatencyNs.Swap(lat)

	snap := Snapshot{Ops: window, SlowBytes: a.liveSlowBytes.Load()}
	if elapsed > 0 {
		snap.Throughput = float64(window) / elapsed
	}
	if window > 0 {
		snap.AvgLatency = time.Duration(windowLat / window)
	}
	return snap
}

// Report computes the final summary over the given Running-phase wall
// duration. Fast-path latency is the mean over successful fast operations
// only; slow transfers are reported separately as bytes over duration.
func (a *Aggregator) Report(wall time.Duration) RunReport {
	a.mu.Lock()
	defer a.mu.Unlock()

	rep := RunReport{Wall: wall}
	var fastLatency time.Duration
	for _, r := range a.fast {
		if r.Err != nil {
			rep.FastFailures++
			continue
		}
		rep.FastOps++
		fastLatency += r.Elapsed
	}
	if rep.FastOps > 0 {
		rep.AvgLatency = fastLatency / time.Duration(rep.FastOps)
	}
	if wall > 0 {
		rep.Throughput = float64(rep.FastOps) / wall.Seconds()
	}
	for _, r := range a.slow {
		if r.Err != nil {
			rep.SlowFailures++
			continue
		}
		rep.SlowTransfers++
		rep.SlowBytes += r.Bytes
		rep.SlowDuration += r.Elapsed
	}
	for _, r := range a.subs {
		if r.Err != nil {
			rep.SubFailures++
			continue
		}
		rep.SubSessions++
		rep.SubMessages += r.Messages
		rep.SubBytes += r.Bytes
	}
	rep.Reconnects = a.reconnects.Load()
	return rep
}
