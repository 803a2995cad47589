// Package reachability answers "is the internet reachable right now?" by
// scanning a short ordered list of well-known endpoints.
package reachability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"netkeep/internal/metrics"
	"netkeep/internal/models"
)

const (
	defaultCacheTTL   = 10 * time.Second
	defaultTimeout    = 5 * time.Second
	defaultHistoryCap = 1024

	allFailedMessage = "All connectivity checks failed"
)

// ErrCheckInProgress is carried by the placeholder result handed to callers
// that arrive while the first scan is still running.
var ErrCheckInProgress = errors.New("connectivity check already in progress")

// ProbeError is the aggregate failure of a full scan.
type ProbeError struct {
	causes error
}

func (e *ProbeError) Error() string { return allFailedMessage }

// Causes returns the per-endpoint failures in scan order.
func (e *ProbeError) Causes() []error { return multierr.Errors(e.causes) }

func (e *ProbeError) Unwrap() []error { return e.Causes() }

// Endpoint is a single probe target.
type Endpoint struct {
	URL     string
	Method  string
	Timeout time.Duration
}

// Doer executes HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Option configures a Prober.
type Option func(*Prober)

func WithClient(c Doer) Option { return func(p *Prober) { p.client = c } }

func WithClock(c clockwork.Clock) Option { return func(p *Prober) { p.clock = c } }

func WithLogger(l zerolog.Logger) Option { return func(p *Prober) { p.log = l } }

func WithCacheTTL(d time.Duration) Option {
	return func(p *Prober) {
		if d > 0 {
			p.ttl = d
		}
	}
}

func WithHistorySize(n int) Option {
	return func(p *Prober) {
		if n > 0 {
			p.maxHistory = n
		}
	}
}

// Prober runs reachability scans with result caching and single-flight
// de-duplication.
type Prober struct {
	endpoints  []Endpoint
	ttl        time.Duration
	client     Doer
	clock      clockwork.Clock
	log        zerolog.Logger
	maxHistory int

	mu       sync.Mutex
	latest   *models.ProbeResult
	cachedAt time.Time
	inflight bool
	cancel   context.CancelFunc
	history  []models.ProbeResult
}

// New configures a prober over endpoints, scanned in the given order.
func New(endpoints []Endpoint, opts ...Option) *Prober {
	eps := make([]Endpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		if ep.Method == "" {
			ep.Method = http.MethodHead
		}
		if ep.Timeout <= 0 {
			ep.Timeout = defaultTimeout
		}
		eps = append(eps, ep)
	}

	p := &Prober{
		endpoints:  eps,
		ttl:        defaultCacheTTL,
		client:     &http.Client{},
		clock:      clockwork.NewRealClock(),
		log:        zerolog.Nop(),
		maxHistory: defaultHistoryCap,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Check returns a fresh cached result, the last known result while another
// scan is running, or the outcome of a new scan.
func (p *Prober) Check(ctx context.Context) models.ProbeResult {
	p.mu.Lock()
	if p.latest != nil && p.clock.Since(p.cachedAt) < p.ttl {
		r := *p.latest
		p.mu.Unlock()
		return r
	}
	if p.inflight {
		r := p.lastKnownLocked()
		p.mu.Unlock()
		return r
	}
	scanCtx, cancel := context.WithCancel(ctx)
	p.inflight = true
	p.cancel = cancel
	p.mu.Unlock()

	result, aborted := p.scan(scanCtx)
	cancel()

	p.mu.Lock()
	p.inflight = false
	p.cancel = nil
	if !aborted {
		p.storeLocked(result)
	}
	p.mu.Unlock()

	if !aborted {
		metrics.ObserveProbe(result)
	}
	return result
}

// Cancel aborts the scan in flight, if any. The aborted scan is not cached.
func (p *Prober) Cancel() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Latest returns the most recent completed result.
func (p *Prober) Latest() (models.ProbeResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latest == nil {
		return models.ProbeResult{}, false
	}
	return *p.latest, true
}

// History returns up to maxHistory previous results.
func (p *Prober) History() []models.ProbeResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.history) == 0 {
		return nil
	}
	out := make([]models.ProbeResult, len(p.history))
	copy(out, p.history)
	return out
}

// HistorySince returns results whose timestamp is >= cutoff.
func (p *Prober) HistorySince(cutoff time.Time) []models.ProbeResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := sort.Search(len(p.history), func(i int) bool {
		return !p.history[i].CheckedAt.Before(cutoff)
	})
	if idx >= len(p.history) {
		return nil
	}
	out := make([]models.ProbeResult, len(p.history)-idx)
	copy(out, p.history[idx:])
	return out
}

func (p *Prober) lastKnownLocked() models.ProbeResult {
	if p.latest != nil {
		return *p.latest
	}
	return models.ProbeResult{IsOnline: false, Err: ErrCheckInProgress, CheckedAt: p.clock.Now()}
}

func (p *Prober) storeLocked(r models.ProbeResult) {
	p.latest = &r
	p.cachedAt = p.clock.Now()
	p.history = append(p.history, r)
	if len(p.history) > p.maxHistory {
		p.history = p.history[len(p.history)-p.maxHistory:]
	}
}

// scan tries endpoints in order. aborted is true when ctx ended the scan.
func (p *Prober) scan(ctx context.Context) (models.ProbeResult, bool) {
	var errs error
	for _, ep := range p.endpoints {
		if err := ctx.Err(); err != nil {
			return abortedResult(err, p.clock.Now()), true
		}

		started := p.clock.Now()
		err := p.attempt(ctx, ep)
		if err == nil {
			return models.ProbeResult{
				IsOnline:  true,
				Latency:   p.clock.Since(started),
				Endpoint:  ep.URL,
				CheckedAt: p.clock.Now(),
			}, false
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return abortedResult(ctxErr, p.clock.Now()), true
		}
		if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			p.log.Debug().Err(err).Str("endpoint", ep.URL).Msg("connectivity check failed")
		}
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", ep.URL, err))
	}
	return models.ProbeResult{
		IsOnline:  false,
		Err:       &ProbeError{causes: errs},
		CheckedAt: p.clock.Now(),
	}, false
}

func (p *Prober) attempt(ctx context.Context, ep Endpoint) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = normalizePanic(r)
		}
	}()

	reqCtx, cancel := context.WithTimeout(ctx, ep.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, ep.Method, cacheBust(ep.URL, p.clock.Now()), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Cache-Control", "no-store, no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("http %d", resp.StatusCode)
	}
	return nil
}

func abortedResult(err error, now time.Time) models.ProbeResult {
	return models.ProbeResult{IsOnline: false, Err: err, CheckedAt: now}
}

func cacheBust(raw string, now time.Time) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("_", strconv.FormatInt(now.UnixNano(), 10))
	u.RawQuery = q.Encode()
	return u.String()
}

func normalizePanic(r any) error {
	switch v := r.(type) {
	case error:
		return v
	case string:
		return errors.New(v)
	default:
		return fmt.Errorf("%v", v)
	}
}
