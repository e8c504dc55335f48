package worker

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"slowbench/internal/metrics"
	"slowbench/internal/resp"
	"slowbench/internal/throttle"
)

// Backoff bounds for re-dialing a dropped connection.
const (
	reconnectBackoffMin = time.Second
	reconnectBackoffMax = 30 * time.Second
)

// Slow opens one dedicated raw connection, requests a large multi-element
// reply and drains it exclusively through a throttled reader. The connection
// is held open for the whole transfer so the server-side output buffer stays
// occupied. The worker never reads ahead of the throttle and never uses a
// second connection to help the drain.
//
// With Reconnect set, a failed session (connect, send or read error) is
// retried on a fresh connection after an exponential backoff, so the fleet
// holds its target connection count across server restarts and resets.
type Slow struct {
	ID        int
	Addr      string
	HashKey   string
	Throttle  throttle.Config
	Loop      bool // keep requesting frames until stopped
	Reconnect bool // re-dial after a failed session
	Agg       *metrics.Aggregator
	Log       *logrus.Logger

	// Dial is swappable for tests; defaults to net.Dial over TCP.
	Dial func(addr string) (net.Conn, error)
}

// Run performs the transfer(s). The stop signal is consulted only between
// frames: a read in progress finishes its frame (or fails) first, so the
// protocol state is never abandoned mid-frame.
func (w *Slow) Run(ctx context.Context) {
	results := make([]metrics.OperationResult, 0, 4)
	defer func() { w.Agg.Merge(results) }()

	backoff := reconnectBackoffMin
	for {
		done := w.session(ctx, &results)
		if done || !w.Reconnect || ctx.Err() != nil {
			return
		}
		w.Agg.RecordReconnect()
		w.Log.Warnf("slow client %d: reconnecting in %s", w.ID, backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectBackoffMax {
			backoff = reconnectBackoffMax
		}
	}
}

// session runs one connection lifetime: dial, then request and drain frames
// until the worker is finished or the session fails. It returns true when the
// worker has nothing left to do (one-shot transfer done, or stop requested)
// and false when the session failed and a reconnect may follow. Each dialed
// connection is closed exactly once, on session exit.
func (w *Slow) session(ctx context.Context, results *[]metrics.OperationResult) bool {
	dial := w.Dial
	if dial == nil {
		dial = func(addr string) (net.Conn, error) { return net.Dial("tcp", addr) }
	}
	conn, err := dial(w.Addr)
	if err != nil {
		w.Log.Warnf("slow client %d: connect: %v", w.ID, err)
		*results = append(*results, metrics.OperationResult{
			Kind: metrics.SlowTransfer,
			Err:  fmt.Errorf("connect: %w", err),
		})
		return false
	}
	defer conn.Close()

	request := resp.EncodeCommand([]byte("HGETALL"), []byte(w.HashKey))
	reader := throttle.NewReader(w.Throttle)

	for {
		start := time.Now()
		if _, err := conn.Write(request); err != nil {
			w.Log.Warnf("slow client %d: send: %v", w.ID, err)
			*results = append(*results, metrics.OperationResult{
				Kind: metrics.SlowTransfer,
				Err:  fmt.Errorf("send: %w", err),
			})
			return false
		}

		reply, n, err := reader.ReadReply(conn)
		r := metrics.OperationResult{
			Kind:    metrics.SlowTransfer,
			Elapsed: time.Since(start),
			Bytes:   n,
			Err:     err,
		}
		if err != nil {
			w.Log.Warnf("slow client %d: %v after %d bytes", w.ID, err, n)
			*results = append(*results, r)
			return false
		}
		if reply.Type == resp.Error {
			r.Err = fmt.Errorf("server error: %s", reply.Str)
			w.Log.Warnf("slow client %d: %v", w.ID, r.Err)
			*results = append(*results, r)
			return false
		}
		*results = append(*results, r)
		w.Agg.Observe(r)
		w.Log.Debugf("slow client %d: drained %d bytes (%d elements) in %s",
			w.ID, n, len(reply.Array), r.Elapsed)

		if !w.Loop {
			return true
		}
		select {
		case <-ctx.Done():
			return true
		default:
		}
	}
}
