package bench

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"slowbench/internal/config"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

// hashServer answers HGETALL with a fixed reply until closed.
func hashServer(t *testing.T, pairs int) (addr string, frameLen int, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	var buf strings.Builder
	fmt.Fprintf(&buf, "*%d\r\n", pairs*2)
	for i := 0; i < pairs; i++ {
		field := fmt.Sprintf("field-%d", i)
		fmt.Fprintf(&buf, "$%d\r\n%s\r\n$4\r\nvvvv\r\n", len(field), field)
	}
	frame := []byte(buf.String())

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				r := bufio.NewReader(conn)
				for {
					if err := discardCommand(r); err != nil {
						return
					}
					if _, err := conn.Write(frame); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String(), len(frame), func() { ln.Close() }
}

// discardCommand consumes one inbound request frame.
func discardCommand(r *bufio.Reader) error {
	header, err := r.ReadString('\n')
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(header, "*")))
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		lenLine, err := r.ReadString('\n')
		if err != nil {
			return err
		}
		size, err := strconv.Atoi(strings.TrimSpace(lenLine[1:]))
		if err != nil {
			return err
		}
		if _, err := io.ReadFull(r, make([]byte, size+2)); err != nil {
			return err
		}
	}
	return nil
}

// pubsubServer acknowledges publishes and pushes a fixed burst of messages
// to every subscriber. No real fan-out; the burst is canned.
func pubsubServer(t *testing.T, messages int) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				r := bufio.NewReader(conn)
				for {
					args, err := readArgs(r)
					if err != nil {
						return
					}
					switch strings.ToUpper(args[0]) {
					case "PUBLISH":
						conn.Write([]byte(":1\r\n"))
					case "SUBSCRIBE":
						ch := args[1]
						fmt.Fprintf(conn, "*3\r\n$9\r\nsubscribe\r\n$%d\r\n%s\r\n:1\r\n", len(ch), ch)
						for i := 0; i < messages; i++ {
							fmt.Fprintf(conn, "*3\r\n$7\r\nmessage\r\n$%d\r\n%s\r\n$4\r\nmsg!\r\n", len(ch), ch)
						}
					default:
						conn.Write([]byte("-ERR unknown command\r\n"))
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

// readArgs parses one inbound request frame.
func readArgs(r *bufio.Reader) ([]string, error) {
	header, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(header, "*")))
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		lenLine, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		size, err := strconv.Atoi(strings.TrimSpace(lenLine[1:]))
		if err != nil {
			return nil, err
		}
		body := make([]byte, size+2)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
		args = append(args, string(body[:size]))
	}
	return args, nil
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %q: %v", addr, err)
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func TestRunSlowOnlyProducesReport(t *testing.T) {
	addr, frameLen, stop := hashServer(t, 5)
	defer stop()
	host, port := splitHostPort(t, addr)

	cfg := &config.Config{
		Host:            host,
		Port:            port,
		Connections:     0,
		SlowConnections: 1,
		KeysCount:       10,
		HashKey:         "large-hash",
		RecvChunkMin:    16,
		RecvChunkMax:    16,
		SkipPopulation:  true,
		ReportInterval:  10 * time.Millisecond,
	}

	b := New(cfg, testLogger())
	report, err := b.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if b.Phase() != Reported {
		t.Errorf("phase = %s, want reported", b.Phase())
	}
	if report.FastOps != 0 {
		t.Errorf("FastOps = %d, want 0", report.FastOps)
	}
	if report.SlowTransfers != 1 || report.SlowFailures != 0 {
		t.Fatalf("slow transfers/failures = %d/%d, want 1/0",
			report.SlowTransfers, report.SlowFailures)
	}
	if report.SlowBytes != int64(frameLen) {
		t.Errorf("SlowBytes = %d, want %d", report.SlowBytes, frameLen)
	}
}

// countingDialer wraps every slow-worker connection so the test can verify
// each one is closed exactly once when the run stops.
type countingDialer struct {
	mu    sync.Mutex
	conns []*countedConn
}

type countedConn struct {
	net.Conn
	closes atomic.Int32
}

func (c *countedConn) Close() error {
	c.closes.Add(1)
	return c.Conn.Close()
}

func (d *countingDialer) dial(addr string) (net.Conn, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	cc := &countedConn{Conn: conn}
	d.mu.Lock()
	d.conns = append(d.conns, cc)
	d.mu.Unlock()
	return cc, nil
}

func TestStopClosesEveryConnectionOnce(t *testing.T) {
	addr, _, stop := hashServer(t, 3)
	defer stop()
	host, port := splitHostPort(t, addr)

	cfg := &config.Config{
		Host:            host,
		Port:            port,
		SlowConnections: 3,
		KeysCount:       10,
		HashKey:         "large-hash",
		RecvChunkMin:    64,
		RecvChunkMax:    64,
		LoopSlow:        true,
		SkipPopulation:  true,
		Duration:        150 * time.Millisecond,
		ReportInterval:  50 * time.Millisecond,
	}

	dialer := &countingDialer{}
	b := New(cfg, testLogger())
	b.Dial = dialer.dial

	if _, err := b.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	if len(dialer.conns) != 3 {
		t.Fatalf("opened %d connections, want 3", len(dialer.conns))
	}
	for i, c := range dialer.conns {
		if n := c.closes.Load(); n != 1 {
			t.Errorf("connection %d closed %d times, want exactly once", i, n)
		}
	}
}

func TestCancelDuringRunningDrains(t *testing.T) {
	addr, _, stop := hashServer(t, 3)
	defer stop()
	host, port := splitHostPort(t, addr)

	cfg := &config.Config{
		Host:            host,
		Port:            port,
		SlowConnections: 2,
		KeysCount:       10,
		HashKey:         "large-hash",
		RecvChunkMin:    64,
		RecvChunkMax:    64,
		LoopSlow:        true,
		SkipPopulation:  true,
		ReportInterval:  20 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := New(cfg, testLogger())

	done := make(chan struct{})
	var report struct {
		transfers int64
		err       error
	}
	go func() {
		rep, err := b.Run(ctx)
		report.transfers = rep.SlowTransfers
		report.err = err
		close(done)
	}()

	time.Sleep(80 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not drain after cancel")
	}
	if report.err != nil {
		t.Fatalf("Run: %v", report.err)
	}
	if b.Phase() != Reported {
		t.Errorf("phase = %s, want reported", b.Phase())
	}
	if report.transfers == 0 {
		t.Error("expected completed transfers before the stop signal")
	}
}

func TestWallClockExcludesDrainTime(t *testing.T) {
	addr, _, stop := hashServer(t, 40)
	defer stop()
	host, port := splitHostPort(t, addr)

	// The slow drain outlives the configured duration by several hundred
	// milliseconds. The reported wall must cover the Running phase only, or
	// throughput would be diluted by however long the last frame takes.
	cfg := &config.Config{
		Host:            host,
		Port:            port,
		SlowConnections: 1,
		KeysCount:       10,
		HashKey:         "large-hash",
		RecvChunkMin:    16,
		RecvChunkMax:    16,
		RecvSleepTime:   10 * time.Millisecond,
		LoopSlow:        true,
		SkipPopulation:  true,
		Duration:        100 * time.Millisecond,
		ReportInterval:  time.Second,
	}

	b := New(cfg, testLogger())
	begin := time.Now()
	report, err := b.Run(context.Background())
	elapsed := time.Since(begin)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.SlowTransfers != 1 {
		t.Fatalf("SlowTransfers = %d, want 1", report.SlowTransfers)
	}
	if elapsed < 400*time.Millisecond {
		t.Fatalf("run finished in %s; drain did not outlive the duration", elapsed)
	}
	if report.Wall < 90*time.Millisecond || report.Wall > 250*time.Millisecond {
		t.Errorf("Wall = %s, want about the 100ms duration (drain took %s)", report.Wall, elapsed)
	}
}

func TestBudgetCompletionPassesThroughDraining(t *testing.T) {
	addr, _, stop := hashServer(t, 3)
	defer stop()
	host, port := splitHostPort(t, addr)

	// No duration and no loop: every worker finishes its budget on its own,
	// and the run must still pass through Draining before it reports.
	cfg := &config.Config{
		Host:            host,
		Port:            port,
		SlowConnections: 1,
		KeysCount:       10,
		HashKey:         "large-hash",
		RecvChunkMin:    64,
		RecvChunkMax:    64,
		SkipPopulation:  true,
		ReportInterval:  time.Second,
	}

	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)
	hook := logtest.NewLocal(log)

	b := New(cfg, log)
	report, err := b.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if b.Phase() != Reported {
		t.Fatalf("phase = %s, want reported", b.Phase())
	}
	if report.Wall <= 0 {
		t.Errorf("Wall = %s, want > 0", report.Wall)
	}

	drained := false
	for _, e := range hook.AllEntries() {
		if e.Message == "phase: draining" {
			drained = true
		}
	}
	if !drained {
		t.Error("run never entered the draining phase")
	}
}

func TestPubSubModeProducesReport(t *testing.T) {
	addr, stop := pubsubServer(t, 5)
	defer stop()
	host, port := splitHostPort(t, addr)

	cfg := &config.Config{
		Host:            host,
		Port:            port,
		Connections:     1,
		SlowConnections: 1,
		KeysCount:       10,
		HashKey:         "large-hash",
		RecvChunkMin:    64,
		RecvChunkMax:    64,
		ReadTimeout:     50 * time.Millisecond,
		PubSub:          true,
		Channel:         "bench",
		MessageSizeMin:  16,
		MessageSizeMax:  32,
		PublishInterval: 10 * time.Millisecond,
		Duration:        250 * time.Millisecond,
		ReportInterval:  time.Second,
	}

	b := New(cfg, testLogger())
	report, err := b.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if b.Phase() != Reported {
		t.Errorf("phase = %s, want reported", b.Phase())
	}
	if report.FastOps == 0 {
		t.Error("FastOps = 0, want published messages counted")
	}
	if report.SubSessions != 1 || report.SubFailures != 0 {
		t.Fatalf("sub sessions/failures = %d/%d, want 1/0",
			report.SubSessions, report.SubFailures)
	}
	if report.SubMessages != 5 {
		t.Errorf("SubMessages = %d, want 5", report.SubMessages)
	}
	if report.SubBytes == 0 {
		t.Error("SubBytes = 0, want > 0")
	}
}

func TestPopulationFailureIsFatal(t *testing.T) {
	cfg := &config.Config{
		Host:          "127.0.0.1",
		Port:          1, // nothing listens here
		Connections:   1,
		KeysCount:     10,
		DataSize:      16,
		HashKey:       "large-hash",
		HashFields:    4,
		HashFieldSize: 8,
		RecvChunkMin:  64,
		RecvChunkMax:  64,
	}

	b := New(cfg, testLogger())
	if _, err := b.Run(context.Background()); err == nil {
		t.Fatal("expected population failure to abort the run")
	}
	if b.Phase() == Reported {
		t.Error("no report must be produced after a fatal population failure")
	}
}
