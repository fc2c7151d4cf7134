package sink

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rmax-ai/pulse/pkg/backoff"
	"github.com/rmax-ai/pulse/pkg/destination"
	"github.com/rmax-ai/pulse/pkg/event"
)

const (
	DefaultFacility      = 1 // user-level
	DefaultSeverity      = 6 // informational
	DefaultSyslogTag     = "pulse"
	DefaultSyslogRetries = 3
	DefaultSyslogTimeout = 5 * time.Second
)

// SyslogStats counts write attempts. Retries stays zero for UDP.
type SyslogStats struct {
	Attempts uint64
	Retries  uint64
}

// SyslogOption customizes a syslog sink.
type SyslogOption func(*Syslog)

// WithSyslogBackoff replaces the reconnect backoff strategy.
func WithSyslogBackoff(s backoff.Strategy) SyslogOption {
	return func(l *Syslog) { l.backoff = s }
}

// Syslog writes one message per event. TCP keeps a persistent connection and
// reconnects with backoff; UDP sends a single datagram and never retries.
type Syslog struct {
	dest     string
	params   destination.SyslogParams
	protocol string
	hostname string
	backoff  backoff.Strategy
	logger   *zap.Logger

	mu   sync.Mutex
	conn net.Conn

	attempts atomic.Uint64
	retries  atomic.Uint64
}

// NewSyslog builds the sink for a syslog destination. No connection is made
// until the first event.
func NewSyslog(d destination.Destination, logger *zap.Logger, opts ...SyslogOption) (*Syslog, error) {
	if d.Kind != destination.KindSyslog || d.Syslog == nil {
		return nil, fmt.Errorf("destination %q is not a syslog destination", d.ID)
	}
	p := *d.Syslog
	if p.Facility == 0 {
		p.Facility = DefaultFacility
	}
	if p.Severity == 0 {
		p.Severity = DefaultSeverity
	}
	if p.Tag == "" {
		p.Tag = DefaultSyslogTag
	}
	if p.Framing == "" {
		p.Framing = "lf"
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultSyslogRetries
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultSyslogTimeout
	}

	hostname := p.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
		if hostname == "" {
			hostname = "pulse"
		}
	}

	s := &Syslog{
		dest:     d.ID,
		params:   p,
		protocol: strings.ToLower(p.Protocol),
		hostname: hostname,
		backoff:  &backoff.Exponential{Base: 100 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: 0.2},
		logger:   logger.Named("syslog").With(zap.String("destination", d.ID)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Priority returns facility*8 + severity.
func (s *Syslog) Priority() int {
	return s.params.Facility*8 + s.params.Severity
}

// Format renders `<PRI>TIMESTAMP HOST TAG: MSG\n`. Correlation fields are
// appended to MSG as key="value" pairs.
func (s *Syslog) Format(ev event.Event) []byte {
	ts := ev.ScheduledAt
	if ts.IsZero() {
		ts = time.Now()
	}

	var b bytes.Buffer
	b.WriteString("<")
	b.WriteString(strconv.Itoa(s.Priority()))
	b.WriteString(">")
	b.WriteString(ts.UTC().Format(time.RFC3339))
	b.WriteByte(' ')
	b.WriteString(s.hostname)
	b.WriteByte(' ')
	b.WriteString(s.params.Tag)
	b.WriteString(": ")
	b.Write(bytes.ReplaceAll(ev.Payload, []byte("\n"), []byte(" ")))

	if len(ev.Meta) > 0 {
		keys := make([]string, 0, len(ev.Meta))
		for k := range ev.Meta {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%q", k, ev.Meta[k])
		}
	}
	b.WriteByte('\n')
	return b.Bytes()
}

// frame applies octet counting (RFC 6587 "LEN SP MSG") when configured.
func (s *Syslog) frame(msg []byte) []byte {
	if s.params.Framing != "octet" {
		return msg
	}
	return append([]byte(strconv.Itoa(len(msg))+" "), msg...)
}

// Stats returns the attempt counters.
func (s *Syslog) Stats() SyslogStats {
	return SyslogStats{Attempts: s.attempts.Load(), Retries: s.retries.Load()}
}

// Open returns a session. Syslog writes are synchronous so sessions hold no
// state of their own.
func (s *Syslog) Open(opts SessionOptions) (Session, error) {
	return &syslogSession{s: s, opts: opts}, nil
}

// Close drops the persistent connection.
func (s *Syslog) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

func (s *Syslog) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: s.params.Timeout}
	return d.DialContext(ctx, s.protocol, s.params.Address())
}

func (s *Syslog) write(ctx context.Context, ev event.Event) error {
	msg := s.frame(s.Format(ev))
	if s.protocol == "udp" {
		return s.writeUDP(ctx, msg)
	}
	return s.writeTCP(ctx, msg)
}

func (s *Syslog) writeUDP(ctx context.Context, msg []byte) error {
	s.attempts.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		conn, err := s.dial(ctx)
		if err != nil {
			SyslogMessagesTotal.WithLabelValues(s.dest, "udp", "failed").Inc()
			return &DeliveryError{Destination: s.dest, Permanent: true, Err: err}
		}
		s.conn = conn
	}
	if _, err := s.conn.Write(msg); err != nil {
		SyslogMessagesTotal.WithLabelValues(s.dest, "udp", "failed").Inc()
		return &DeliveryError{Destination: s.dest, Permanent: true, Err: err}
	}
	SyslogMessagesTotal.WithLabelValues(s.dest, "udp", "sent").Inc()
	return nil
}

// writeTCP holds s.mu for one attempt at a time. The backoff sleep runs
// unlocked so other writers can use a connection restored meanwhile.
func (s *Syslog) writeTCP(ctx context.Context, msg []byte) error {
	sched := backoff.NewSchedule(s.backoff)
	for retry := 0; ; retry++ {
		s.attempts.Add(1)
		s.mu.Lock()
		err := s.writeOnce(ctx, msg)
		s.mu.Unlock()
		if err == nil {
			SyslogMessagesTotal.WithLabelValues(s.dest, "tcp", "sent").Inc()
			return nil
		}

		if retry >= s.params.MaxRetries || ctx.Err() != nil {
			SyslogMessagesTotal.WithLabelValues(s.dest, "tcp", "failed").Inc()
			return &DeliveryError{Destination: s.dest, Retries: retry, Err: err}
		}

		delay := sched.Next()
		s.retries.Add(1)
		s.logger.Debug("syslog write failed, reconnecting",
			zap.Int("retry", retry+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := backoff.Sleep(ctx, delay); err != nil {
			SyslogMessagesTotal.WithLabelValues(s.dest, "tcp", "failed").Inc()
			return &DeliveryError{Destination: s.dest, Retries: retry + 1, Err: err}
		}
	}
}

// writeOnce must be called with s.mu held.
func (s *Syslog) writeOnce(ctx context.Context, msg []byte) error {
	if s.conn == nil {
		conn, err := s.dial(ctx)
		if err != nil {
			return err
		}
		s.conn = conn
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.params.Timeout))
	if _, err := s.conn.Write(msg); err != nil {
		s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

type syslogSession struct {
	s    *Syslog
	opts SessionOptions
}

func (ss *syslogSession) Deliver(ctx context.Context, ev event.Event, done Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done(ss.s.write(ctx, ev), true)
	return nil
}

func (ss *syslogSession) Close(ctx context.Context) error {
	return nil
}
