package throttle

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"time"

	"slowbench/internal/resp"
)

// ErrTruncated indicates the connection closed before the frame completed.
var ErrTruncated = errors.New("throttle: connection closed mid-frame")

// ErrReadTimeout indicates the configured read deadline elapsed mid-frame.
var ErrReadTimeout = errors.New("throttle: read timed out")

// Config bounds each throttled read. Chunk size is drawn uniformly in
// [MinChunk, MaxChunk] per read. Delay is slept before every read; when
// MaxDelay exceeds Delay the pause is drawn uniformly in [Delay, MaxDelay].
type Config struct {
	MinChunk    int
	MaxChunk    int
	Delay       time.Duration
	MaxDelay    time.Duration
	ReadTimeout time.Duration
}

// Reader drains protocol replies from a raw connection in small delayed
// chunks. It simulates a slow local consumer: the transport may buffer
// eagerly, but bytes leave the kernel only at the configured pace. A Reader
// is bound to one connection for its lifetime and is not safe for concurrent
// use; decoder state survives a read timeout, so the caller may call
// ReadReply again after ErrReadTimeout and resume the same frame.
type Reader struct {
	cfg  Config
	rng  *rand.Rand
	buf  []byte
	rest []byte // surplus past the last completed frame
	dec  *resp.Decoder
}

// NewReader returns a reader for the given pacing configuration.
func NewReader(cfg Config) *Reader {
	size := cfg.MaxChunk
	if cfg.MinChunk > size {
		size = cfg.MinChunk
	}
	return &Reader{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
		buf: make([]byte, size),
		dec: resp.NewDecoder(),
	}
}

// chunkSize picks the byte budget for one read.
func (r *Reader) chunkSize() int {
	if r.cfg.MaxChunk <= r.cfg.MinChunk {
		return r.cfg.MinChunk
	}
	return r.cfg.MinChunk + r.rng.Intn(r.cfg.MaxChunk-r.cfg.MinChunk+1)
}

// delay picks the pause slept before one read.
func (r *Reader) delay() time.Duration {
	if r.cfg.MaxDelay <= r.cfg.Delay {
		return r.cfg.Delay
	}
	return r.cfg.Delay + time.Duration(r.rng.Int63n(int64(r.cfg.MaxDelay-r.cfg.Delay)+1))
}

// ReadReply reads one complete reply frame from conn, throttled. It returns
// the frame and the number of raw bytes consumed by this call. A short read
// is not an error; completion is decided by the decoder's structural state
// alone. Failures are returned to the caller and never retried here, but a
// timeout leaves the partial frame intact for a subsequent call.
func (r *Reader) ReadReply(conn net.Conn) (*resp.Reply, int64, error) {
	var total int64
	if len(r.rest) > 0 {
		carry := r.rest
		r.rest = nil
		reply, used, err := r.dec.Feed(carry)
		if err != nil {
			r.dec = resp.NewDecoder()
			return nil, total, err
		}
		if reply != nil {
			r.rest = carry[used:]
			r.dec = resp.NewDecoder()
			return reply, total, nil
		}
	}
	for {
		if d := r.delay(); d > 0 {
			time.Sleep(d)
		}
		if r.cfg.ReadTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(r.cfg.ReadTimeout)); err != nil {
				return nil, total, fmt.Errorf("throttle: set deadline: %w", err)
			}
		}
		n, err := conn.Read(r.buf[:r.chunkSize()])
		if n > 0 {
			total += int64(n)
			reply, used, derr := r.dec.Feed(r.buf[:n])
			if derr != nil {
				r.dec = resp.NewDecoder()
				return nil, total, derr
			}
			if reply != nil {
				if used < n {
					r.rest = append(r.rest, r.buf[used:n]...)
				}
				r.dec = resp.NewDecoder()
				return reply, total, nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, total, ErrTruncated
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return nil, total, ErrReadTimeout
			}
			return nil, total, fmt.Errorf("throttle: read: %w", err)
		}
	}
}
