package reachability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingServer struct {
	*httptest.Server
	hits atomic.Int32
}

func newServer(t *testing.T, status int) *countingServer {
	t.Helper()
	cs := &countingServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.hits.Add(1)
		w.WriteHeader(status)
	}))
	t.Cleanup(cs.Close)
	return cs
}

func newBlockingServer(t *testing.T) (*countingServer, func()) {
	t.Helper()
	release := make(chan struct{})
	cs := &countingServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.hits.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(cs.Close)
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)
	return cs, unblock
}

func endpoints(servers ...*countingServer) []Endpoint {
	out := make([]Endpoint, 0, len(servers))
	for _, s := range servers {
		out = append(out, Endpoint{URL: s.URL, Timeout: 2 * time.Second})
	}
	return out
}

func TestCheck_StopsAtFirstSuccess(t *testing.T) {
	s1 := newServer(t, http.StatusServiceUnavailable)
	s2 := newServer(t, http.StatusNoContent)
	s3 := newServer(t, http.StatusNoContent)
	s4 := newServer(t, http.StatusNoContent)

	p := New(endpoints(s1, s2, s3, s4))
	r := p.Check(context.Background())

	require.True(t, r.IsOnline)
	assert.Equal(t, s2.URL, r.Endpoint)
	assert.NoError(t, r.Err)
	assert.EqualValues(t, 1, s1.hits.Load())
	assert.EqualValues(t, 1, s2.hits.Load())
	assert.EqualValues(t, 0, s3.hits.Load())
	assert.EqualValues(t, 0, s4.hits.Load())
}

func TestCheck_AllFail(t *testing.T) {
	s1 := newServer(t, http.StatusInternalServerError)
	s2 := newServer(t, http.StatusBadGateway)

	p := New(endpoints(s1, s2))
	r := p.Check(context.Background())

	require.False(t, r.IsOnline)
	require.Error(t, r.Err)
	assert.Equal(t, "All connectivity checks failed", r.Err.Error())

	var pe *ProbeError
	require.ErrorAs(t, r.Err, &pe)
	assert.Len(t, pe.Causes(), 2)
}

func TestCheck_CachesWithinTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s1 := newServer(t, http.StatusOK)
	s2 := newServer(t, http.StatusOK)

	p := New(endpoints(s1, s2), WithClock(clock))

	first := p.Check(context.Background())
	second := p.Check(context.Background())
	require.True(t, first.IsOnline)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, s1.hits.Load())

	clock.Advance(9 * time.Second)
	p.Check(context.Background())
	assert.EqualValues(t, 1, s1.hits.Load())

	clock.Advance(2 * time.Second)
	p.Check(context.Background())
	assert.EqualValues(t, 2, s1.hits.Load())
}

func TestCheck_CachesFailures(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s1 := newServer(t, http.StatusInternalServerError)
	s2 := newServer(t, http.StatusInternalServerError)

	p := New(endpoints(s1, s2), WithClock(clock))
	p.Check(context.Background())
	r := p.Check(context.Background())

	assert.False(t, r.IsOnline)
	assert.EqualValues(t, 1, s1.hits.Load())
	assert.EqualValues(t, 1, s2.hits.Load())
}

func TestCheck_ConcurrentCallersShareOneScan(t *testing.T) {
	slow, release := newBlockingServer(t)
	other := newServer(t, http.StatusOK)

	p := New(endpoints(slow, other))

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		r := p.Check(context.Background())
		assert.True(t, r.IsOnline)
	}()
	require.Eventually(t, func() bool { return slow.hits.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := p.Check(context.Background())
			assert.False(t, r.IsOnline)
			assert.ErrorIs(t, r.Err, ErrCheckInProgress)
		}()
	}
	wg.Wait()

	release()
	<-firstDone

	assert.EqualValues(t, 1, slow.hits.Load())
	assert.EqualValues(t, 0, other.hits.Load())
}

func TestCheck_InFlightReturnsStaleResult(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var block atomic.Bool
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if block.Load() {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	p := New([]Endpoint{{URL: srv.URL}, {URL: srv.URL}}, WithClock(clock))
	first := p.Check(context.Background())
	require.True(t, first.IsOnline)

	clock.Advance(time.Minute)
	block.Store(true)
	go p.Check(context.Background())
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.inflight
	}, 2*time.Second, 5*time.Millisecond)

	stale := p.Check(context.Background())
	assert.Equal(t, first, stale)
}

func TestCancel_AbortsWithoutCaching(t *testing.T) {
	slow, _ := newBlockingServer(t)
	other := newServer(t, http.StatusOK)

	p := New(endpoints(slow, other))

	done := make(chan struct{})
	var got atomic.Value
	go func() {
		defer close(done)
		got.Store(p.Check(context.Background()))
	}()
	require.Eventually(t, func() bool { return slow.hits.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	p.Cancel()
	<-done

	assert.EqualValues(t, 0, other.hits.Load(), "scan must not continue after cancel")
	_, ok := p.Latest()
	assert.False(t, ok, "aborted scan is not cached")

	r := p.Check(context.Background())
	assert.True(t, r.IsOnline, "next call starts a fresh scan")
}

func TestCancel_IdleIsNoop(t *testing.T) {
	p := New(nil)
	assert.NotPanics(t, p.Cancel)
}

func TestCheck_PerEndpointTimeout(t *testing.T) {
	slow, _ := newBlockingServer(t)
	fast := newServer(t, http.StatusOK)

	p := New([]Endpoint{
		{URL: slow.URL, Timeout: 50 * time.Millisecond},
		{URL: fast.URL, Timeout: time.Second},
	})
	r := p.Check(context.Background())

	require.True(t, r.IsOnline)
	assert.Equal(t, fast.URL, r.Endpoint)
}

func TestCheck_SendsNoCacheHeaders(t *testing.T) {
	var header http.Header
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Clone()
		query = r.URL.RawQuery
		assert.Equal(t, http.MethodHead, r.Method)
	}))
	t.Cleanup(srv.Close)

	p := New([]Endpoint{{URL: srv.URL}, {URL: srv.URL}})
	require.True(t, p.Check(context.Background()).IsOnline)

	assert.Contains(t, header.Get("Cache-Control"), "no-store")
	assert.Equal(t, "no-cache", header.Get("Pragma"))
	assert.Contains(t, query, "_=")
}

type panicDoer struct{ value any }

func (d panicDoer) Do(*http.Request) (*http.Response, error) { panic(d.value) }

func TestCheck_NormalizesPanics(t *testing.T) {
	p := New([]Endpoint{{URL: "http://a.invalid"}, {URL: "http://b.invalid"}}, WithClient(panicDoer{value: 42}))
	r := p.Check(context.Background())

	require.False(t, r.IsOnline)
	var pe *ProbeError
	require.ErrorAs(t, r.Err, &pe)
	require.Len(t, pe.Causes(), 2)
	assert.Contains(t, pe.Causes()[0].Error(), "42")
}

func TestHistory(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := newServer(t, http.StatusOK)
	p := New(endpoints(s, s), WithClock(clock), WithHistorySize(2))

	for i := 0; i < 3; i++ {
		p.Check(context.Background())
		clock.Advance(time.Minute)
	}
	history := p.History()
	require.Len(t, history, 2)
	assert.True(t, history[0].CheckedAt.Before(history[1].CheckedAt))

	since := p.HistorySince(history[1].CheckedAt)
	assert.Len(t, since, 1)
	assert.Nil(t, p.HistorySince(clock.Now().Add(time.Hour)))
}

func TestNormalizePanic(t *testing.T) {
	sentinel := errors.New("boom")
	assert.Same(t, sentinel, normalizePanic(sentinel))
	assert.EqualError(t, normalizePanic("text"), "text")
	assert.EqualError(t, normalizePanic(struct{ A int }{1}), "{1}")
}
