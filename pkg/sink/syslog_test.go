package sink

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rmax-ai/pulse/pkg/backoff"
	"github.com/rmax-ai/pulse/pkg/destination"
	"github.com/rmax-ai/pulse/pkg/event"
)

func syslogDest(t *testing.T, addr string, protocol, framing string) destination.Destination {
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return destination.Destination{
		ID:   "siem",
		Kind: destination.KindSyslog,
		Syslog: &destination.SyslogParams{
			Host:     host,
			Port:     port,
			Protocol: protocol,
			Framing:  framing,
			Hostname: "gen01",
		},
	}
}

func fastBackoff() *backoff.Exponential {
	return &backoff.Exponential{Base: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2}
}

func TestSyslog_Format(t *testing.T) {
	s, err := NewSyslog(syslogDest(t, "127.0.0.1:514", "udp", ""), zap.NewNop())
	require.NoError(t, err)

	ev := event.Event{
		ScheduledAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Payload:     []byte("action=deny\nsrc=10.0.0.1"),
		Meta:        map[string]string{event.FieldTraceID: "abc", event.FieldPhase: "recon"},
	}
	got := string(s.Format(ev))
	assert.Equal(t, `<14>2024-05-01T12:00:00Z gen01 pulse: action=deny src=10.0.0.1 scenario.phase="recon" scenario.trace_id="abc"`+"\n", got)
	assert.Equal(t, 14, s.Priority())
}

func TestSyslog_TCPLineFraming(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan string, 10)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		sc := bufio.NewScanner(conn)
		for sc.Scan() {
			received <- sc.Text()
		}
	}()

	s, err := NewSyslog(syslogDest(t, ln.Addr().String(), "tcp", "lf"), zap.NewNop())
	require.NoError(t, err)
	defer s.Close()
	sess, _ := s.Open(SessionOptions{RunID: "r1"})

	var out outcomes
	for i := 0; i < 5; i++ {
		require.NoError(t, sess.Deliver(context.Background(), event.Event{Payload: []byte("msg" + strconv.Itoa(i))}, out.done()))
	}
	out.wg.Wait()
	assert.Equal(t, 5, out.ok)
	assert.Equal(t, 5, out.units)

	for i := 0; i < 5; i++ {
		select {
		case line := <-received:
			assert.True(t, strings.HasSuffix(line, "pulse: msg"+strconv.Itoa(i)), line)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for syslog line")
		}
	}
	assert.Equal(t, SyslogStats{Attempts: 5}, s.Stats())
}

func TestSyslog_TCPOctetCounting(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		lenStr, err := r.ReadString(' ')
		if err != nil {
			return
		}
		n, _ := strconv.Atoi(strings.TrimSpace(lenStr))
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return
		}
		received <- string(buf)
	}()

	s, err := NewSyslog(syslogDest(t, ln.Addr().String(), "tcp", "octet"), zap.NewNop())
	require.NoError(t, err)
	defer s.Close()
	sess, _ := s.Open(SessionOptions{})

	var out outcomes
	require.NoError(t, sess.Deliver(context.Background(), event.Event{Payload: []byte("hello")}, out.done()))
	out.wg.Wait()

	select {
	case msg := <-received:
		assert.True(t, strings.HasPrefix(msg, "<14>"))
		assert.True(t, strings.HasSuffix(msg, "gen01 pulse: hello\n"))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for framed message")
	}
}

func TestSyslog_TCPRetriesThenFails(t *testing.T) {
	// Grab a free port and release it so dials are refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	d := syslogDest(t, addr, "tcp", "")
	d.Syslog.MaxRetries = 2
	s, err := NewSyslog(d, zap.NewNop(), WithSyslogBackoff(fastBackoff()))
	require.NoError(t, err)
	sess, _ := s.Open(SessionOptions{})

	var out outcomes
	require.NoError(t, sess.Deliver(context.Background(), event.Event{Payload: []byte("x")}, out.done()))
	out.wg.Wait()

	require.Len(t, out.errs, 1)
	var de *DeliveryError
	require.ErrorAs(t, out.errs[0], &de)
	assert.False(t, de.Permanent)
	assert.Equal(t, 2, de.Retries)
	assert.Equal(t, SyslogStats{Attempts: 3, Retries: 2}, s.Stats())
}

func TestSyslog_TCPBackoffDoesNotBlockOtherWriters(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	d := syslogDest(t, addr, "tcp", "")
	d.Syslog.MaxRetries = 1
	slow := &backoff.Exponential{Base: 2 * time.Second, Max: 2 * time.Second, Factor: 1}
	s, err := NewSyslog(d, zap.NewNop(), WithSyslogBackoff(slow))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sleeping := make(chan error, 2)
	go func() { sleeping <- s.write(ctx, event.Event{Payload: []byte("first")}) }()
	require.Eventually(t, func() bool { return s.Stats().Retries == 1 }, time.Second, 5*time.Millisecond)

	// The first writer is now in its backoff sleep; a second writer still
	// gets to attempt its own write.
	go func() { sleeping <- s.write(ctx, event.Event{Payload: []byte("second")}) }()
	assert.Eventually(t, func() bool { return s.Stats().Attempts >= 2 }, 500*time.Millisecond, 5*time.Millisecond)

	cancel()
	for i := 0; i < 2; i++ {
		select {
		case err := <-sleeping:
			assert.Error(t, err)
		case <-time.After(time.Second):
			t.Fatal("writer did not stop on cancel")
		}
	}
}

func TestSyslog_UDPNeverRetries(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	s, err := NewSyslog(syslogDest(t, pc.LocalAddr().String(), "udp", ""), zap.NewNop())
	require.NoError(t, err)
	defer s.Close()
	sess, _ := s.Open(SessionOptions{})

	var out outcomes
	for i := 0; i < 3; i++ {
		require.NoError(t, sess.Deliver(context.Background(), event.Event{Payload: []byte("udp")}, out.done()))
	}
	out.wg.Wait()

	buf := make([]byte, 2048)
	for i := 0; i < 3; i++ {
		pc.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _, err := pc.ReadFrom(buf)
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(string(buf[:n]), "pulse: udp\n"))
	}

	stats := s.Stats()
	assert.Equal(t, uint64(3), stats.Attempts)
	assert.Zero(t, stats.Retries)
}

func TestSyslog_UDPFailureIsNotRetried(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	pc.Close()

	s, err := NewSyslog(syslogDest(t, addr, "udp", ""), zap.NewNop())
	require.NoError(t, err)
	defer s.Close()
	sess, _ := s.Open(SessionOptions{})

	var out outcomes
	for i := 0; i < 5; i++ {
		require.NoError(t, sess.Deliver(context.Background(), event.Event{Payload: []byte("lost")}, out.done()))
	}
	out.wg.Wait()

	assert.Equal(t, uint64(5), s.Stats().Attempts)
	assert.Zero(t, s.Stats().Retries)
	for _, err := range out.errs {
		assert.True(t, IsPermanent(err))
	}
}

func TestRegistry_SharesSinkPerDestination(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	defer r.Close()

	d := syslogDest(t, "127.0.0.1:514", "udp", "")
	a, err := r.Get(d)
	require.NoError(t, err)
	b, err := r.Get(d)
	require.NoError(t, err)
	assert.Same(t, a, b)

	p := *d.Syslog
	p.Tag = "other"
	d.Syslog = &p
	c, err := r.Get(d)
	require.NoError(t, err)
	assert.NotSame(t, a, c)

	_, err = r.Get(destination.Destination{ID: "x", Kind: "kafka"})
	assert.Error(t, err)
}
