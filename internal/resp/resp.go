package resp

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// ErrProtocol indicates a malformed frame header. The connection that
// produced it is unusable and must be closed by the caller.
var ErrProtocol = errors.New("resp: protocol error")

// Type identifies the kind of a decoded reply.
type Type int

const (
	SimpleString Type = iota
	Error
	Integer
	Bulk
	Array
)

// Reply is one complete decoded frame.
type Reply struct {
	Type  Type
	Str   string // SimpleString and Error payload
	Int   int64
	Bulk  []byte
	Nil   bool // nil bulk ($-1) or nil array (*-1)
	Array []Reply
}

// EncodeCommand builds a request frame: an array header followed by one
// length-prefixed bulk segment per argument. Pure function, no I/O.
func EncodeCommand(args ...[]byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte('*')
	buf.WriteString(strconv.Itoa(len(args)))
	buf.WriteString("\r\n")
	for _, arg := range args {
		buf.WriteByte('$')
		buf.WriteString(strconv.Itoa(len(arg)))
		buf.WriteString("\r\n")
		buf.Write(arg)
		buf.WriteString("\r\n")
	}
	return buf.Bytes()
}

// pending tracks an array header whose declared elements have not all
// arrived yet.
type pending struct {
	want  int
	elems []Reply
}

// Decoder incrementally decodes one reply frame from arbitrarily chunked
// input. It is owned by a single goroutine; frame completion is determined
// only by the declared lengths and element counts in the stream, never by
// chunk boundaries. After Feed reports that more data is needed, the
// internal buffer holds at most one partial token.
type Decoder struct {
	buf     []byte
	stack   []pending
	inBulk  bool
	bulkLen int
}

// NewDecoder returns a decoder ready to consume a frame.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes bytes from chunk. It returns (nil, n, nil) when the frame is
// still incomplete (n == len(chunk)), or (reply, n, nil) once the frame
// completes after consuming n bytes of chunk. Bytes past n belong to the
// next frame and are the caller's to keep.
func (d *Decoder) Feed(chunk []byte) (*Reply, int, error) {
	consumed := 0
	data := chunk
	for len(data) > 0 {
		if d.inBulk {
			n, reply, err := d.feedBulk(data)
			consumed += n
			data = data[n:]
			if err != nil {
				return nil, consumed, err
			}
			if reply != nil {
				if done := d.finish(*reply); done != nil {
					return done, consumed, nil
				}
			}
			continue
		}

		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			d.buf = append(d.buf, data...)
			return nil, consumed + len(data), nil
		}
		line := data[:i+1]
		if len(d.buf) > 0 {
			line = append(d.buf, line...)
			d.buf = nil
		}
		consumed += i + 1
		data = data[i+1:]

		reply, err := d.feedLine(line)
		if err != nil {
			return nil, consumed, err
		}
		if reply != nil {
			if done := d.finish(*reply); done != nil {
				return done, consumed, nil
			}
		}
	}
	return nil, consumed, nil
}

// feedBulk accumulates the body of a length-declared bulk segment plus its
// trailing delimiter. Returns a reply once the declared byte count is met.
func (d *Decoder) feedBulk(data []byte) (int, *Reply, error) {
	need := d.bulkLen + 2 - len(d.buf)
	take := need
	if take > len(data) {
		take = len(data)
	}
	d.buf = append(d.buf, data[:take]...)
	if len(d.buf) < d.bulkLen+2 {
		return take, nil, nil
	}
	if d.buf[d.bulkLen] != '\r' || d.buf[d.bulkLen+1] != '\n' {
		return take, nil, fmt.Errorf("%w: bulk segment missing terminator", ErrProtocol)
	}
	body := make([]byte, d.bulkLen)
	copy(body, d.buf[:d.bulkLen])
	d.buf = nil
	d.inBulk = false
	return take, &Reply{Type: Bulk, Bulk: body}, nil
}

// feedLine parses one header or inline token. A bulk header switches the
// decoder into body accumulation; an array header pushes a pending frame.
func (d *Decoder) feedLine(line []byte) (*Reply, error) {
	if len(line) < 3 || line[len(line)-2] != '\r' {
		return nil, fmt.Errorf("%w: short or unterminated line %q", ErrProtocol, line)
	}
	payload := string(line[1 : len(line)-2])
	switch line[0] {
	case '+':
		return &Reply{Type: SimpleString, Str: payload}, nil
	case '-':
		return &Reply{Type: Error, Str: payload}, nil
	case ':':
		n, err := strconv.ParseInt(payload, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad integer %q", ErrProtocol, payload)
		}
		return &Reply{Type: Integer, Int: n}, nil
	case '$':
		n, err := strconv.Atoi(payload)
		if err != nil || n < -1 {
			return nil, fmt.Errorf("%w: bad bulk length %q", ErrProtocol, payload)
		}
		if n == -1 {
			return &Reply{Type: Bulk, Nil: true}, nil
		}
		d.inBulk = true
		d.bulkLen = n
		return nil, nil
	case '*':
		n, err := strconv.Atoi(payload)
		if err != nil || n < -1 {
			return nil, fmt.Errorf("%w: bad array length %q", ErrProtocol, payload)
		}
		if n == -1 {
			return &Reply{Type: Array, Nil: true}, nil
		}
		if n == 0 {
			return &Reply{Type: Array, Array: []Reply{}}, nil
		}
		d.stack = append(d.stack, pending{want: n})
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unknown type byte %q", ErrProtocol, line[0])
	}
}

// finish attaches a completed element to the innermost pending array,
// collapsing arrays outward as their declared counts are satisfied. Returns
// the whole frame once nothing is pending.
func (d *Decoder) finish(r Reply) *Reply {
	for len(d.stack) > 0 {
		top := &d.stack[len(d.stack)-1]
		top.elems = append(top.elems, r)
		if len(top.elems) < top.want {
			return nil
		}
		r = Reply{Type: Array, Array: top.elems}
		d.stack = d.stack[:len(d.stack)-1]
	}
	return &r
}

// Size returns the number of payload bytes carried by the reply, summing
// nested elements. Used by slow workers to report transfer volume.
func (r *Reply) Size() int64 {
	switch r.Type {
	case Bulk:
		return int64(len(r.Bulk))
	case SimpleString, Error:
		return int64(len(r.Str))
	case Array:
		var total int64
		for i := range r.Array {
			total += r.Array[i].Size()
		}
		return total
	default:
		return 0
	}
}
