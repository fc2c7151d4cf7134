package sink

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/rmax-ai/pulse/pkg/backoff"
	"github.com/rmax-ai/pulse/pkg/destination"
	"github.com/rmax-ai/pulse/pkg/event"
)

const (
	DefaultMaxBytes        = 5 * 1024 * 1024
	DefaultMaxCount        = 500
	DefaultFlushInterval   = 1 * time.Second
	DefaultMaxRetries      = 5
	DefaultHECTimeout      = 30 * time.Second
	DefaultBreakerFailures = 5
	DefaultBreakerCooldown = 30 * time.Second
	DefaultMaxInFlight     = 4

	sessionQueueSize = 1024
	eventPath        = "/services/collector/event"
	rawPath          = "/services/collector/raw"
)

// Authorization schemes tried in order. Splunk expects "Splunk <token>",
// most HEC-compatible collectors expect a bearer token.
var authSchemes = []string{"Splunk", "Bearer"}

// RetryHook observes each scheduled retry of a batch.
type RetryHook func(batchID uint64, attempt int, delay time.Duration)

// HECOption customizes an HEC sink.
type HECOption func(*HEC)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) HECOption {
	return func(h *HEC) { h.client = c }
}

// WithBackoff replaces the retry backoff strategy.
func WithBackoff(s backoff.Strategy) HECOption {
	return func(h *HEC) { h.backoff = s }
}

// WithRetryHook installs a retry observer.
func WithRetryHook(fn RetryHook) HECOption {
	return func(h *HEC) { h.onRetry = fn }
}

// HEC delivers batched NDJSON envelopes to an HTTP event collector.
type HEC struct {
	dest     string
	params   destination.HECParams
	url      string
	raw      bool
	client   *http.Client
	backoff  backoff.Strategy
	breaker  *gobreaker.CircuitBreaker
	logger   *zap.Logger
	inflight chan struct{}
	channel  string
	onRetry  RetryHook

	scheme  atomic.Int32
	batchID atomic.Uint64

	mu       sync.Mutex
	sessions map[*hecSession]struct{}
}

// NewHEC builds the sink for an HEC destination.
func NewHEC(d destination.Destination, logger *zap.Logger, opts ...HECOption) (*HEC, error) {
	if d.Kind != destination.KindHEC || d.HEC == nil {
		return nil, fmt.Errorf("destination %q is not an hec destination", d.ID)
	}
	p := withHECDefaults(*d.HEC)

	u, err := url.Parse(p.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid hec url: %w", err)
	}
	raw := p.Endpoint == "raw"
	if u.Path == "" || u.Path == "/" {
		if raw {
			u.Path = rawPath
		} else {
			u.Path = eventPath
		}
	}
	if raw {
		q := u.Query()
		for k, v := range map[string]string{"sourcetype": p.SourceType, "source": p.Source, "host": p.Host, "index": p.Index} {
			if v != "" {
				q.Set(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	h := &HEC{
		dest:     d.ID,
		params:   p,
		url:      u.String(),
		raw:      raw,
		backoff:  &backoff.Exponential{Base: p.BaseDelay, Max: p.MaxDelay, Factor: p.Multiplier, Jitter: 0.2},
		logger:   logger.Named("hec").With(zap.String("destination", d.ID)),
		inflight: make(chan struct{}, p.MaxInFlight),
		channel:  uuid.NewString(),
		sessions: make(map[*hecSession]struct{}),
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if p.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	h.client = &http.Client{Timeout: p.Timeout, Transport: transport}

	for _, opt := range opts {
		opt(h)
	}

	h.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        d.ID,
		MaxRequests: 1,
		Timeout:     p.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(p.BreakerFailures)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: h.onStateChange,
	})
	BreakerState.WithLabelValues(d.ID).Set(0)

	return h, nil
}

func withHECDefaults(p destination.HECParams) destination.HECParams {
	if p.MaxBytes <= 0 {
		p.MaxBytes = DefaultMaxBytes
	}
	if p.MaxCount <= 0 {
		p.MaxCount = DefaultMaxCount
	}
	if p.FlushInterval <= 0 {
		p.FlushInterval = DefaultFlushInterval
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	} else if p.MaxRetries == 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 200 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2.0
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultHECTimeout
	}
	if p.BreakerFailures <= 0 {
		p.BreakerFailures = DefaultBreakerFailures
	}
	if p.BreakerCooldown <= 0 {
		p.BreakerCooldown = DefaultBreakerCooldown
	}
	if p.MaxInFlight <= 0 {
		p.MaxInFlight = DefaultMaxInFlight
	}
	return p
}

func (h *HEC) onStateChange(name string, from, to gobreaker.State) {
	BreakerState.WithLabelValues(name).Set(float64(to))
	h.logger.Warn("circuit breaker state change",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)

	var line string
	switch to {
	case gobreaker.StateOpen:
		line = fmt.Sprintf("destination %s degraded: circuit open for %s", name, h.params.BreakerCooldown)
	case gobreaker.StateClosed:
		line = fmt.Sprintf("destination %s recovered", name)
	default:
		return
	}

	h.mu.Lock()
	sessions := make([]*hecSession, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.opts.notify(line)
		if s.opts.Degraded != nil {
			s.opts.Degraded(to == gobreaker.StateOpen)
		}
	}
}

// Open starts a per-run session with its own batch accumulator.
func (h *HEC) Open(opts SessionOptions) (Session, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &hecSession{
		h:       h,
		opts:    opts,
		in:      make(chan hecItem, sessionQueueSize),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}

	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()

	go s.run()
	return s, nil
}

// Close releases idle connections. Open sessions must be closed first.
func (h *HEC) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

// BreakerState reports the current circuit breaker state.
func (h *HEC) BreakerState() gobreaker.State {
	return h.breaker.State()
}

type hecEnvelope struct {
	Time       float64           `json:"time"`
	Event      interface{}       `json:"event"`
	SourceType string            `json:"sourcetype,omitempty"`
	Source     string            `json:"source,omitempty"`
	Host       string            `json:"host,omitempty"`
	Index      string            `json:"index,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// encode renders one NDJSON line (trailing newline included).
func (h *HEC) encode(ev event.Event) ([]byte, error) {
	if h.raw {
		line := bytes.ReplaceAll(ev.Payload, []byte("\n"), []byte(" "))
		return append(line, '\n'), nil
	}

	ts := ev.ScheduledAt
	if ts.IsZero() {
		ts = time.Now()
	}
	env := hecEnvelope{
		Time:       float64(ts.UnixMilli()) / 1000,
		SourceType: ev.SourceType,
		Source:     h.params.Source,
		Host:       h.params.Host,
		Index:      h.params.Index,
		Fields:     ev.Meta,
	}
	if env.SourceType == "" {
		env.SourceType = h.params.SourceType
	}
	if json.Valid(ev.Payload) {
		env.Event = json.RawMessage(ev.Payload)
	} else {
		env.Event = string(ev.Payload)
	}

	line, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode hec envelope: %w", err)
	}
	return append(line, '\n'), nil
}

// batch is one run's accumulated envelopes. It is only touched by the
// session's batcher goroutine until handed to a sender.
type batch struct {
	id              uint64
	buf             bytes.Buffer
	done            []Outcome
	attempt         int
	backoffDeadline time.Time
}

func (b *batch) count() int {
	return len(b.done)
}

func (h *HEC) body(b *batch) ([]byte, error) {
	if !h.params.Gzip {
		return b.buf.Bytes(), nil
	}
	var out bytes.Buffer
	zw, err := gzip.NewWriterLevel(&out, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(b.buf.Bytes()); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// deliverBatch runs one batch through the breaker and its retry schedule.
func (h *HEC) deliverBatch(ctx context.Context, b *batch) error {
	body, err := h.body(b)
	if err != nil {
		return &DeliveryError{Destination: h.dest, Permanent: true, Err: err}
	}

	_, err = h.breaker.Execute(func() (interface{}, error) {
		return nil, h.sendWithRetry(ctx, b, body)
	})
	switch {
	case err == nil:
		HECBatchesTotal.WithLabelValues(h.dest, "success").Inc()
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		HECBatchesTotal.WithLabelValues(h.dest, "short_circuit").Inc()
		return &DeliveryError{Destination: h.dest, Err: ErrCircuitOpen}
	default:
		HECBatchesTotal.WithLabelValues(h.dest, "failed").Inc()
		return err
	}
}

func (h *HEC) sendWithRetry(ctx context.Context, b *batch, body []byte) error {
	sched := backoff.NewSchedule(h.backoff)
	for {
		err := h.post(ctx, body)
		if err == nil {
			return nil
		}

		var de *DeliveryError
		if !errors.As(err, &de) {
			de = &DeliveryError{Destination: h.dest, Err: err}
		}
		de.Retries = b.attempt
		if de.Permanent || b.attempt >= h.params.MaxRetries || ctx.Err() != nil {
			return de
		}

		delay := sched.Next()
		b.attempt++
		b.backoffDeadline = time.Now().Add(delay)
		HECRetriesTotal.WithLabelValues(h.dest).Inc()
		if h.onRetry != nil {
			h.onRetry(b.id, b.attempt, delay)
		}
		h.logger.Debug("retrying hec batch",
			zap.Uint64("batch", b.id),
			zap.Int("attempt", b.attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		if err := backoff.Sleep(ctx, delay); err != nil {
			return &DeliveryError{Destination: h.dest, Retries: b.attempt, Err: err}
		}
	}
}

// post performs one HTTP request, falling back to the next auth scheme on
// 401/403.
func (h *HEC) post(ctx context.Context, body []byte) error {
	for {
		idx := h.scheme.Load()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
		if err != nil {
			return &DeliveryError{Destination: h.dest, Permanent: true, Err: err}
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "pulse-hec/1.0")
		req.Header.Set("X-Splunk-Request-Channel", h.channel)
		if h.params.Gzip {
			req.Header.Set("Content-Encoding", "gzip")
		}
		if h.params.Token != "" {
			req.Header.Set("Authorization", authSchemes[idx]+" "+h.params.Token)
		}

		resp, err := h.client.Do(req)
		if err != nil {
			return &DeliveryError{Destination: h.dest, Err: err}
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()

		code := resp.StatusCode
		switch {
		case code >= 200 && code < 300:
			return nil
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			if h.params.Token != "" && int(idx)+1 < len(authSchemes) {
				if h.scheme.CompareAndSwap(idx, idx+1) {
					h.logger.Info("hec auth rejected, switching scheme",
						zap.String("from", authSchemes[idx]),
						zap.String("to", authSchemes[idx+1]),
					)
				}
				continue
			}
			return &DeliveryError{Destination: h.dest, Permanent: true, StatusCode: code, Err: errors.New("unauthorized")}
		case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
			return &DeliveryError{Destination: h.dest, StatusCode: code, Err: fmt.Errorf("collector responded %s", strings.ToLower(http.StatusText(code)))}
		default:
			return &DeliveryError{Destination: h.dest, Permanent: true, StatusCode: code, Err: fmt.Errorf("collector rejected batch: %s", strings.ToLower(http.StatusText(code)))}
		}
	}
}

type hecItem struct {
	line []byte
	done Outcome
}

type hecSession struct {
	h    *HEC
	opts SessionOptions

	mu      sync.RWMutex
	closed  bool
	in      chan hecItem
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once
	senders sync.WaitGroup

	// ctx bounds in-flight sends; cancelled when Close gives up waiting.
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *hecSession) Deliver(ctx context.Context, ev event.Event, done Outcome) error {
	line, err := s.h.encode(ev)
	if err != nil {
		done(&DeliveryError{Destination: s.h.dest, Permanent: true, Err: err}, false)
		return nil
	}
	if len(line) > s.h.params.MaxBytes {
		done(&DeliveryError{Destination: s.h.dest, Permanent: true, Err: ErrEventTooLarge}, false)
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSessionClosed
	}
	select {
	case s.in <- hecItem{line: line, done: done}:
		return nil
	case <-s.quit:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the single writer of the session's batch.
func (s *hecSession) run() {
	defer close(s.stopped)

	p := s.h.params
	var (
		cur    *batch
		timer  *time.Timer
		timerC <-chan time.Time
	)
	flush := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
		if cur == nil || cur.count() == 0 {
			return
		}
		b := cur
		cur = nil
		s.dispatch(b)
	}

	for {
		select {
		case it, ok := <-s.in:
			if !ok {
				flush()
				return
			}
			if cur != nil && cur.buf.Len()+len(it.line) > p.MaxBytes {
				flush()
			}
			if cur == nil {
				cur = &batch{id: s.h.batchID.Add(1)}
				timer = time.NewTimer(p.FlushInterval)
				timerC = timer.C
			}
			cur.buf.Write(it.line)
			cur.done = append(cur.done, it.done)
			if cur.count() >= p.MaxCount || cur.buf.Len() >= p.MaxBytes {
				flush()
			}
		case <-timerC:
			timer, timerC = nil, nil
			flush()
		}
	}
}

func (s *hecSession) dispatch(b *batch) {
	select {
	case s.h.inflight <- struct{}{}:
	case <-s.ctx.Done():
		s.resolve(b, &DeliveryError{Destination: s.h.dest, Err: s.ctx.Err()})
		return
	}

	s.senders.Add(1)
	go func() {
		defer s.senders.Done()
		defer func() { <-s.h.inflight }()
		s.resolve(b, s.h.deliverBatch(s.ctx, b))
	}()
}

func (s *hecSession) resolve(b *batch, err error) {
	if err != nil {
		s.h.logger.Warn("hec batch failed",
			zap.String("run_id", s.opts.RunID),
			zap.Uint64("batch", b.id),
			zap.Int("events", b.count()),
			zap.Error(err),
		)
	}
	for i, done := range b.done {
		done(err, i == len(b.done)-1)
	}
}

func (s *hecSession) Close(ctx context.Context) error {
	s.once.Do(func() {
		close(s.quit)
		s.mu.Lock()
		s.closed = true
		close(s.in)
		s.mu.Unlock()
	})

	finished := make(chan struct{})
	go func() {
		<-s.stopped
		s.senders.Wait()
		close(finished)
	}()

	var err error
	select {
	case <-finished:
	case <-ctx.Done():
		s.cancel()
		<-finished
		err = ctx.Err()
	}
	s.cancel()

	s.h.mu.Lock()
	delete(s.h.sessions, s)
	s.h.mu.Unlock()
	return err
}
