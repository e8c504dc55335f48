package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/sirupsen/logrus"

	"slowbench/internal/metrics"
	"slowbench/internal/resp"
	"slowbench/internal/throttle"
)

// Subscriber holds one raw subscription and drains pushed messages through a
// throttled reader, so the server's client output buffer fills whenever the
// publisher outpaces the drain. A dropped subscription is always re-dialed
// with exponential backoff; only the stop signal ends the worker. Each
// connection lifetime is recorded as one session result carrying the bytes
// and messages it consumed.
type Subscriber struct {
	ID       int
	Addr     string
	Channel  string
	Throttle throttle.Config
	Agg      *metrics.Aggregator
	Log      *logrus.Logger

	// Dial is swappable for tests; defaults to net.Dial over TCP.
	Dial func(addr string) (net.Conn, error)
}

// Run subscribes and consumes until the context is cancelled.
func (w *Subscriber) Run(ctx context.Context) {
	results := make([]metrics.OperationResult, 0, 4)
	defer func() { w.Agg.Merge(results) }()

	backoff := reconnectBackoffMin
	for {
		ok := w.session(ctx, &results)
		if ctx.Err() != nil {
			return
		}
		if ok {
			backoff = reconnectBackoffMin
			continue
		}
		w.Agg.RecordReconnect()
		w.Log.Warnf("subscriber %d: reconnecting in %s", w.ID, backoff)
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

// session runs one subscription lifetime. It returns true when the session
// ended cleanly (stop requested) and false on any failure. The read timeout
// doubles as the stop poll: an idle timeout is not a failure, the partial
// frame survives in the reader and the next call resumes it.
func (w *Subscriber) session(ctx context.Context, results *[]metrics.OperationResult) bool {
	dial := w.Dial
	if dial == nil {
		dial = func(addr string) (net.Conn, error) { return net.Dial("tcp", addr) }
	}
	conn, err := dial(w.Addr)
	if err != nil {
		w.Log.Warnf("subscriber %d: connect: %v", w.ID, err)
		*results = append(*results, metrics.OperationResult{
			Kind: metrics.SubSession,
			Err:  fmt.Errorf("connect: %w", err),
		})
		return false
	}
	defer conn.Close()

	start := time.Now()
	session := metrics.OperationResult{Kind: metrics.SubSession}
	fail := func(err error) bool {
		session.Elapsed = time.Since(start)
		session.Err = err
		*results = append(*results, session)
		return false
	}

	if _, err := conn.Write(resp.EncodeCommand([]byte("SUBSCRIBE"), []byte(w.Channel))); err != nil {
		w.Log.Warnf("subscriber %d: subscribe: %v", w.ID, err)
		return fail(fmt.Errorf("subscribe: %w", err))
	}

	cfg := w.Throttle
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = time.Second
	}
	reader := throttle.NewReader(cfg)

	for {
		reply, n, err := reader.ReadReply(conn)
		session.Bytes += n
		if errors.Is(err, throttle.ErrReadTimeout) {
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if err != nil {
			w.Log.Warnf("subscriber %d: %v after %d bytes", w.ID, err, session.Bytes)
			return fail(err)
		}
		if reply.Type == resp.Error {
			w.Log.Warnf("subscriber %d: server error: %s", w.ID, reply.Str)
			return fail(fmt.Errorf("server error: %s", reply.Str))
		}
		if isPushMessage(reply) {
			session.Messages++
			w.Agg.Observe(metrics.OperationResult{Kind: metrics.SubSession, Bytes: n})
		}
		if ctx.Err() != nil {
			break
		}
	}

	session.Elapsed = time.Since(start)
	*results = append(*results, session)
	w.Log.Debugf("subscriber %d: %d messages, %d bytes in %s",
		w.ID, session.Messages, session.Bytes, session.Elapsed)
	return true
}

// isPushMessage reports whether the frame is a published message, as opposed
// to the subscription confirmation.
func isPushMessage(reply *resp.Reply) bool {
	return reply.Type == resp.Array && len(reply.Array) == 3 &&
		string(reply.Array[0].Bulk) == "message"
}

// Publisher feeds a channel at a fixed pace with payloads of random size.
// Each publish is recorded as a fast-path operation, so publish rate and
// latency land in the fast counters of the final report.
type Publisher struct {
	ID       int
	Client   *redis.Client
	Channel  string
	MinSize  int
	MaxSize  int
	Interval time.Duration
	Agg      *metrics.Aggregator
	Log      *logrus.Logger
}

// Run publishes until the context is cancelled.
func (w *Publisher) Run(ctx context.Context) {
	results := make([]metrics.OperationResult, 0, 256)
	defer func() { w.Agg.Merge(results) }()

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(w.ID)))
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		payload := randPayload(rng, w.MinSize, w.MaxSize)
		start := time.Now()
		err := w.Client.Publish(w.Channel, payload).Err()
		r := metrics.OperationResult{
			Kind:    metrics.FastOp,
			Elapsed: time.Since(start),
			Bytes:   int64(len(payload)),
			Err:     err,
		}
		results = append(results, r)
		w.Agg.Observe(r)
		if err != nil {
			w.Log.Warnf("publisher %d: publish: %v", w.ID, err)
		}

		if w.Interval > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.Interval):
			}
		}
	}
}

func randPayload(rng *rand.Rand, min, max int) string {
	size := min
	if max > min {
		size = min + rng.Intn(max-min+1)
	}
	b := make([]byte, size)
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	for i := range b {
		b[i] = letters[rng.Intn(len(letters))]
	}
	return string(b)
}
