// Package executor replays queued operations over HTTP.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"netkeep/internal/models"
)

const maxDrain = 64 << 10

// StatusError is returned for responses with status >= 400.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.URL, e.StatusCode)
}

// Temporary reports whether the request may succeed when repeated.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests
}

type Option func(*HTTPExecutor)

func WithClient(c *http.Client) Option { return func(e *HTTPExecutor) { e.client = c } }

func WithLogger(l zerolog.Logger) Option { return func(e *HTTPExecutor) { e.log = l } }

// WithHeaders sets headers sent with every request. Operation headers win.
func WithHeaders(h map[string]string) Option {
	return func(e *HTTPExecutor) {
		for k, v := range h {
			e.headers[k] = v
		}
	}
}

// WithAttempts bounds tries per Execute call, including the first.
func WithAttempts(n uint) Option {
	return func(e *HTTPExecutor) {
		if n > 0 {
			e.attempts = n
		}
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(e *HTTPExecutor) {
		if d > 0 {
			e.delay = d
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(e *HTTPExecutor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithRate limits requests per second. Zero disables limiting.
func WithRate(perSec float64) Option {
	return func(e *HTTPExecutor) {
		if perSec <= 0 {
			e.limiter = nil
			return
		}
		burst := int(perSec)
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(perSec), burst)
	}
}

// HTTPExecutor implements queue.Executor.
type HTTPExecutor struct {
	base     *url.URL
	client   *http.Client
	headers  map[string]string
	attempts uint
	delay    time.Duration
	timeout  time.Duration
	limiter  *rate.Limiter
	log      zerolog.Logger
}

// New builds an executor. Relative operation URLs resolve against baseURL,
// which may be empty when every operation carries an absolute URL.
func New(baseURL string, opts ...Option) (*HTTPExecutor, error) {
	e := &HTTPExecutor{
		client:   http.DefaultClient,
		headers:  map[string]string{},
		attempts: 1,
		delay:    200 * time.Millisecond,
		timeout:  15 * time.Second,
		log:      zerolog.Nop(),
	}
	if strings.TrimSpace(baseURL) != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parse base url: %w", err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("base url %q must be absolute", baseURL)
		}
		e.base = u
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Execute performs op. 4xx responses other than 408 and 429 are not retried.
func (e *HTTPExecutor) Execute(ctx context.Context, op models.Operation) error {
	target, err := e.resolve(op.URL)
	if err != nil {
		return err
	}
	method := strings.ToUpper(strings.TrimSpace(op.Method))
	if method == "" {
		method = http.MethodPost
	}

	return retry.Do(
		func() error {
			if e.limiter != nil {
				if err := e.limiter.Wait(ctx); err != nil {
					return retry.Unrecoverable(fmt.Errorf("rate limit: %w", err))
				}
			}
			return e.do(ctx, method, target, op)
		},
		retry.Context(ctx),
		retry.Attempts(e.attempts),
		retry.Delay(e.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			e.log.Debug().Err(err).Uint("attempt", n+1).Str("url", target).Msg("retrying operation")
		}),
	)
}

func (e *HTTPExecutor) do(ctx context.Context, method, target string, op models.Operation) error {
	reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var body io.Reader
	if len(op.Data) > 0 {
		body = bytes.NewReader(op.Data)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, target, body)
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("build request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}
	for k, v := range op.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))

	if resp.StatusCode < 400 {
		return nil
	}
	serr := &StatusError{Method: method, URL: target, StatusCode: resp.StatusCode}
	if !serr.Temporary() {
		return retry.Unrecoverable(serr)
	}
	return serr
}

func (e *HTTPExecutor) resolve(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse operation url: %w", err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	if e.base == nil {
		return "", fmt.Errorf("relative url %q without base url", raw)
	}
	return e.base.ResolveReference(u).String(), nil
}
