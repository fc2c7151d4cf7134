package sink

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rmax-ai/pulse/pkg/destination"
	"github.com/rmax-ai/pulse/pkg/event"
)

type capturedRequest struct {
	path  string
	query string
	auth  string
	size  int
	lines []string
}

type collector struct {
	mu       sync.Mutex
	requests []capturedRequest
	status   func(n int, r *http.Request) int
}

func newCollector(t *testing.T, status func(n int, r *http.Request) int) (*collector, *httptest.Server) {
	c := &collector{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body io.Reader = r.Body
		if r.Header.Get("Content-Encoding") == "gzip" {
			zr, err := gzip.NewReader(r.Body)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			body = zr
		}
		raw, _ := io.ReadAll(body)

		var lines []string
		sc := bufio.NewScanner(strings.NewReader(string(raw)))
		sc.Buffer(make([]byte, 1024*1024), 1024*1024)
		for sc.Scan() {
			lines = append(lines, sc.Text())
		}

		c.mu.Lock()
		n := len(c.requests)
		c.requests = append(c.requests, capturedRequest{
			path:  r.URL.Path,
			query: r.URL.RawQuery,
			auth:  r.Header.Get("Authorization"),
			size:  len(raw),
			lines: lines,
		})
		c.mu.Unlock()

		code := http.StatusOK
		if c.status != nil {
			code = c.status(n, r)
		}
		w.WriteHeader(code)
		w.Write([]byte(`{"text":"Success","code":0}`))
	}))
	t.Cleanup(srv.Close)
	return c, srv
}

func (c *collector) snapshot() []capturedRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]capturedRequest(nil), c.requests...)
}

type outcomes struct {
	mu     sync.Mutex
	wg     sync.WaitGroup
	ok     int
	failed int
	units  int
	errs   []error
}

func (o *outcomes) done() Outcome {
	o.wg.Add(1)
	return func(err error, unitEnd bool) {
		o.mu.Lock()
		if err != nil {
			o.failed++
			o.errs = append(o.errs, err)
		} else {
			o.ok++
		}
		if unitEnd {
			o.units++
		}
		o.mu.Unlock()
		o.wg.Done()
	}
}

func hecDest(url string, p destination.HECParams) destination.Destination {
	p.URL = url
	if p.Token == "" {
		p.Token = "tok"
	}
	return destination.Destination{ID: "splunk", Kind: destination.KindHEC, HEC: &p}
}

func testEvent(i int, trace string) event.Event {
	return event.Event{
		ID:          "ev",
		ScheduledAt: time.Date(2024, 1, 1, 0, 0, i, 0, time.UTC),
		PhaseName:   "recon",
		SourceType:  "test:json",
		Payload:     []byte(`{"n":1}`),
		Meta:        map[string]string{event.FieldTraceID: trace},
	}
}

func TestHEC_BatchesByCount(t *testing.T) {
	c, srv := newCollector(t, nil)
	h, err := NewHEC(hecDest(srv.URL, destination.HECParams{MaxCount: 10, FlushInterval: time.Hour, Index: "main"}), zap.NewNop())
	require.NoError(t, err)

	sess, err := h.Open(SessionOptions{RunID: "r1"})
	require.NoError(t, err)

	var out outcomes
	for i := 0; i < 25; i++ {
		require.NoError(t, sess.Deliver(context.Background(), testEvent(i, "t1"), out.done()))
	}
	require.NoError(t, sess.Close(context.Background()))
	out.wg.Wait()

	reqs := c.snapshot()
	require.Len(t, reqs, 3)
	var sizes []int
	for _, r := range reqs {
		sizes = append(sizes, len(r.lines))
		assert.Equal(t, eventPath, r.path)
		assert.Equal(t, "Splunk tok", r.auth)
	}
	sort.Ints(sizes)
	assert.Equal(t, []int{5, 10, 10}, sizes)
	assert.Equal(t, 25, out.ok)
	assert.Equal(t, 3, out.units)

	var env map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(reqs[0].lines[0]), &env))
	assert.Equal(t, "test:json", env["sourcetype"])
	assert.Equal(t, "main", env["index"])
	assert.Equal(t, map[string]interface{}{"n": float64(1)}, env["event"])
	assert.Equal(t, map[string]interface{}{event.FieldTraceID: "t1"}, env["fields"])
	assert.NotZero(t, env["time"])
}

func TestHEC_BatchNeverExceedsMaxBytes(t *testing.T) {
	c, srv := newCollector(t, nil)
	const maxBytes = 400
	h, err := NewHEC(hecDest(srv.URL, destination.HECParams{MaxBytes: maxBytes, FlushInterval: time.Hour}), zap.NewNop())
	require.NoError(t, err)
	sess, _ := h.Open(SessionOptions{RunID: "r1"})

	var out outcomes
	for i := 0; i < 20; i++ {
		ev := testEvent(i, "t")
		ev.Payload = []byte(strings.Repeat("x", 100))
		require.NoError(t, sess.Deliver(context.Background(), ev, out.done()))
	}
	require.NoError(t, sess.Close(context.Background()))
	out.wg.Wait()

	total := 0
	for _, r := range c.snapshot() {
		assert.LessOrEqual(t, r.size, maxBytes)
		total += len(r.lines)
	}
	assert.Equal(t, 20, total)
	assert.Equal(t, 20, out.ok)
}

func TestHEC_FlushInterval(t *testing.T) {
	c, srv := newCollector(t, nil)
	h, err := NewHEC(hecDest(srv.URL, destination.HECParams{FlushInterval: 50 * time.Millisecond}), zap.NewNop())
	require.NoError(t, err)
	sess, _ := h.Open(SessionOptions{RunID: "r1"})
	defer sess.Close(context.Background())

	var out outcomes
	for i := 0; i < 3; i++ {
		require.NoError(t, sess.Deliver(context.Background(), testEvent(i, "t"), out.done()))
	}

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, c.snapshot()[0].lines, 3)
}

func TestHEC_RetriesTransientFailures(t *testing.T) {
	c, srv := newCollector(t, func(int, *http.Request) int { return http.StatusInternalServerError })

	var mu sync.Mutex
	var delays []time.Duration
	h, err := NewHEC(hecDest(srv.URL, destination.HECParams{
		MaxCount:        1,
		MaxRetries:      3,
		BaseDelay:       time.Millisecond,
		MaxDelay:        4 * time.Millisecond,
		BreakerFailures: 100,
	}), zap.NewNop(), WithRetryHook(func(_ uint64, _ int, d time.Duration) {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
	}))
	require.NoError(t, err)
	sess, _ := h.Open(SessionOptions{RunID: "r1"})

	var out outcomes
	require.NoError(t, sess.Deliver(context.Background(), testEvent(0, "t"), out.done()))
	require.NoError(t, sess.Close(context.Background()))
	out.wg.Wait()

	assert.Len(t, c.snapshot(), 4)
	require.Len(t, out.errs, 1)

	var de *DeliveryError
	require.True(t, errors.As(out.errs[0], &de))
	assert.False(t, de.Permanent)
	assert.Equal(t, 3, de.Retries)
	assert.Equal(t, http.StatusInternalServerError, de.StatusCode)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delays, 3)
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1])
	}
}

func TestHEC_ClientErrorIsPermanent(t *testing.T) {
	c, srv := newCollector(t, func(int, *http.Request) int { return http.StatusBadRequest })
	h, err := NewHEC(hecDest(srv.URL, destination.HECParams{MaxCount: 1, BaseDelay: time.Millisecond}), zap.NewNop())
	require.NoError(t, err)
	sess, _ := h.Open(SessionOptions{RunID: "r1"})

	var out outcomes
	require.NoError(t, sess.Deliver(context.Background(), testEvent(0, "t"), out.done()))
	require.NoError(t, sess.Close(context.Background()))
	out.wg.Wait()

	assert.Len(t, c.snapshot(), 1)
	require.Len(t, out.errs, 1)
	assert.True(t, IsPermanent(out.errs[0]))
}

func TestHEC_AuthSchemeFallback(t *testing.T) {
	c, srv := newCollector(t, func(_ int, r *http.Request) int {
		if strings.HasPrefix(r.Header.Get("Authorization"), "Splunk ") {
			return http.StatusUnauthorized
		}
		return http.StatusOK
	})
	h, err := NewHEC(hecDest(srv.URL, destination.HECParams{MaxCount: 1, MaxInFlight: 1}), zap.NewNop())
	require.NoError(t, err)
	sess, _ := h.Open(SessionOptions{RunID: "r1"})

	for i := 0; i < 2; i++ {
		var out outcomes
		require.NoError(t, sess.Deliver(context.Background(), testEvent(i, "t"), out.done()))
		out.wg.Wait()
		assert.Equal(t, 1, out.ok)
	}
	require.NoError(t, sess.Close(context.Background()))

	var auths []string
	for _, r := range c.snapshot() {
		auths = append(auths, r.auth)
	}
	assert.Equal(t, []string{"Splunk tok", "Bearer tok", "Bearer tok"}, auths)
}

func TestHEC_CircuitBreakerOpens(t *testing.T) {
	c, srv := newCollector(t, func(int, *http.Request) int { return http.StatusServiceUnavailable })
	h, err := NewHEC(hecDest(srv.URL, destination.HECParams{
		MaxCount:        1,
		MaxInFlight:     1,
		MaxRetries:      -1,
		BreakerFailures: 2,
		BreakerCooldown: time.Minute,
	}), zap.NewNop())
	require.NoError(t, err)

	var mu sync.Mutex
	var lines []string
	degraded := false
	sess, _ := h.Open(SessionOptions{
		RunID: "r1",
		Notify: func(line string) {
			mu.Lock()
			lines = append(lines, line)
			mu.Unlock()
		},
		Degraded: func(d bool) {
			mu.Lock()
			degraded = d
			mu.Unlock()
		},
	})
	defer sess.Close(context.Background())

	var errs []error
	for i := 0; i < 3; i++ {
		var out outcomes
		require.NoError(t, sess.Deliver(context.Background(), testEvent(i, "t"), out.done()))
		out.wg.Wait()
		require.Len(t, out.errs, 1)
		errs = append(errs, out.errs[0])
	}

	assert.Len(t, c.snapshot(), 2)
	assert.ErrorIs(t, errs[2], ErrCircuitOpen)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, degraded)
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[0], "degraded")
}

func TestHEC_Gzip(t *testing.T) {
	c, srv := newCollector(t, nil)
	h, err := NewHEC(hecDest(srv.URL, destination.HECParams{Gzip: true}), zap.NewNop())
	require.NoError(t, err)
	sess, _ := h.Open(SessionOptions{RunID: "r1"})

	var out outcomes
	for i := 0; i < 5; i++ {
		require.NoError(t, sess.Deliver(context.Background(), testEvent(i, "t"), out.done()))
	}
	require.NoError(t, sess.Close(context.Background()))
	out.wg.Wait()

	reqs := c.snapshot()
	require.Len(t, reqs, 1)
	assert.Len(t, reqs[0].lines, 5)
}

func TestHEC_SessionsDoNotShareBatches(t *testing.T) {
	c, srv := newCollector(t, nil)
	h, err := NewHEC(hecDest(srv.URL, destination.HECParams{MaxCount: 5, FlushInterval: time.Hour}), zap.NewNop())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, trace := range []string{"A", "B"} {
		wg.Add(1)
		go func(trace string) {
			defer wg.Done()
			sess, _ := h.Open(SessionOptions{RunID: trace})
			var out outcomes
			for i := 0; i < 12; i++ {
				sess.Deliver(context.Background(), testEvent(i, trace), out.done())
			}
			sess.Close(context.Background())
			out.wg.Wait()
		}(trace)
	}
	wg.Wait()

	total := 0
	for _, r := range c.snapshot() {
		traces := map[string]bool{}
		for _, line := range r.lines {
			var env struct {
				Fields map[string]string `json:"fields"`
			}
			require.NoError(t, json.Unmarshal([]byte(line), &env))
			traces[env.Fields[event.FieldTraceID]] = true
		}
		assert.Len(t, traces, 1, "batch mixes runs")
		total += len(r.lines)
	}
	assert.Equal(t, 24, total)
}

func TestHEC_OversizeEvent(t *testing.T) {
	c, srv := newCollector(t, nil)
	h, err := NewHEC(hecDest(srv.URL, destination.HECParams{MaxBytes: 64}), zap.NewNop())
	require.NoError(t, err)
	sess, _ := h.Open(SessionOptions{RunID: "r1"})

	ev := testEvent(0, "t")
	ev.Payload = []byte(strings.Repeat("y", 200))

	var out outcomes
	require.NoError(t, sess.Deliver(context.Background(), ev, out.done()))
	require.NoError(t, sess.Close(context.Background()))
	out.wg.Wait()

	assert.Empty(t, c.snapshot())
	require.Len(t, out.errs, 1)
	assert.ErrorIs(t, out.errs[0], ErrEventTooLarge)
	assert.True(t, IsPermanent(out.errs[0]))
}

func TestHEC_RawEndpoint(t *testing.T) {
	c, srv := newCollector(t, nil)
	h, err := NewHEC(hecDest(srv.URL, destination.HECParams{Endpoint: "raw", SourceType: "fgt"}), zap.NewNop())
	require.NoError(t, err)
	sess, _ := h.Open(SessionOptions{RunID: "r1"})

	var out outcomes
	ev := testEvent(0, "t")
	ev.Payload = []byte("date=2024-01-01 action=deny")
	require.NoError(t, sess.Deliver(context.Background(), ev, out.done()))
	require.NoError(t, sess.Close(context.Background()))
	out.wg.Wait()

	reqs := c.snapshot()
	require.Len(t, reqs, 1)
	assert.Equal(t, rawPath, reqs[0].path)
	assert.Contains(t, reqs[0].query, "sourcetype=fgt")
	assert.Equal(t, []string{"date=2024-01-01 action=deny"}, reqs[0].lines)
}

func TestHEC_DeliverAfterClose(t *testing.T) {
	_, srv := newCollector(t, nil)
	h, err := NewHEC(hecDest(srv.URL, destination.HECParams{}), zap.NewNop())
	require.NoError(t, err)
	sess, _ := h.Open(SessionOptions{RunID: "r1"})
	require.NoError(t, sess.Close(context.Background()))

	err = sess.Deliver(context.Background(), testEvent(0, "t"), func(error, bool) {})
	assert.ErrorIs(t, err, ErrSessionClosed)
}
