// Package connection drives the lifecycle of a long-lived session: connect
// timeouts, jittered exponential reconnects, heartbeats and state
// notifications.
package connection

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"netkeep/internal/metrics"
	"netkeep/internal/models"
)

// NormalClosure is the websocket close code for an orderly shutdown.
const NormalClosure = 1000

// NoRetries as Config.MaxRetries disables automatic reconnects.
const NoRetries = -1

var (
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrOffline           = errors.New("network unreachable")
)

// Config tunes reconnect and heartbeat behaviour.
type Config struct {
	// MaxRetries caps consecutive reconnects. Zero picks the default; use
	// NoRetries to never reconnect.
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration
	NormalClosureCode int
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:        10,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		HeartbeatInterval: 30 * time.Second,
		ConnectionTimeout: 10 * time.Second,
		NormalClosureCode: NormalClosure,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = def.MaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = def.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = def.ConnectionTimeout
	}
	if c.NormalClosureCode == 0 {
		c.NormalClosureCode = NormalClosure
	}
	return c
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(c clockwork.Clock) Option { return func(m *Manager) { m.clock = c } }

func WithLogger(l zerolog.Logger) Option { return func(m *Manager) { m.log = l } }

// WithReconnect sets the hook invoked when a scheduled reconnect fires. The
// manager has already moved to connecting when it runs.
func WithReconnect(fn func()) Option { return func(m *Manager) { m.reconnect = fn } }

// WithHeartbeat sets the hook invoked every HeartbeatInterval while connected.
func WithHeartbeat(fn func()) Option { return func(m *Manager) { m.heartbeat = fn } }

// WithRand replaces the jitter source.
func WithRand(fn func() float64) Option { return func(m *Manager) { m.backoff.Rand = fn } }

type subscriber struct {
	onState       func(models.ConnectionState)
	onReconnected func()
	active        atomic.Bool
}

type notice struct {
	sub         *subscriber
	state       models.ConnectionState
	reconnected bool
}

// Manager is the connection state machine. It never touches the transport
// itself; the host reports events and reacts to the reconnect and heartbeat
// hooks.
type Manager struct {
	cfg       Config
	backoff   Backoff
	clock     clockwork.Clock
	log       zerolog.Logger
	reconnect func()
	heartbeat func()

	mu         sync.Mutex
	state      models.ConnectionState
	gen        uint64
	timeout    clockwork.Timer
	retry      clockwork.Timer
	beat       clockwork.Timer
	recovering bool
	closed     bool
	subs       []*subscriber
	cleanups   []func()
	outbox     []notice
	delivering bool
}

// NewManager returns a manager in the disconnected state.
func NewManager(cfg Config, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg: cfg,
		backoff: Backoff{
			Initial:    cfg.InitialDelay,
			Max:        cfg.MaxDelay,
			Multiplier: cfg.BackoffMultiplier,
			Jitter:     DefaultJitter,
		},
		clock: clockwork.NewRealClock(),
		log:   zerolog.Nop(),
		state: models.ConnectionState{Status: models.Disconnected},
	}
	for _, opt := range opts {
		opt(m)
	}
	metrics.SetConnectionStatus(m.state.Status)
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// State returns a copy of the current state.
func (m *Manager) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// OnConnectionAttempt moves to connecting and arms the connection timeout.
func (m *Manager) OnConnectionAttempt() {
	m.mu.Lock()
	if !m.closed {
		m.attemptLocked()
	}
	m.mu.Unlock()
	m.drain()
}

// OnConnectionSuccess moves to connected from any state, resets the
// counters and starts the heartbeat.
func (m *Manager) OnConnectionSuccess() {
	m.mu.Lock()
	if !m.closed {
		m.successLocked()
	}
	m.mu.Unlock()
	m.drain()
}

// ConfirmConnection is OnConnectionSuccess restricted to the connecting
// state. It reports false when the attempt already timed out or was
// superseded, in which case the caller should drop the new connection.
func (m *Manager) ConfirmConnection() bool {
	m.mu.Lock()
	ok := !m.closed && m.state.Status == models.Connecting
	if ok {
		m.successLocked()
	}
	m.mu.Unlock()
	m.drain()
	return ok
}

// OnConnectionError records a failure and schedules a reconnect while the
// retry budget lasts.
func (m *Manager) OnConnectionError(err error) {
	m.mu.Lock()
	if !m.closed {
		m.failLocked(err)
	}
	m.mu.Unlock()
	m.drain()
}

// FailAttempt is OnConnectionError restricted to the connecting state.
func (m *Manager) FailAttempt(err error) bool {
	m.mu.Lock()
	ok := !m.closed && m.state.Status == models.Connecting
	if ok {
		m.failLocked(err)
	}
	m.mu.Unlock()
	m.drain()
	return ok
}

// OnConnectionClose moves to disconnected. Abnormal closes reconnect while
// the retry budget lasts.
func (m *Manager) OnConnectionClose(code int, reason string) {
	m.mu.Lock()
	if !m.closed {
		m.closeLocked(code, reason)
	}
	m.mu.Unlock()
	m.drain()
}

// Reset cancels timers and zeroes the retry and failure counters. A pending
// attempt or reconnect is abandoned and the manager settles in
// disconnected; a live connection keeps its heartbeat.
func (m *Manager) Reset() {
	m.mu.Lock()
	if !m.closed {
		m.stopTimersLocked()
		m.state.RetryCount = 0
		m.state.ConsecutiveFailures = 0
		if m.state.Status == models.Connected {
			m.startHeartbeatLocked()
		} else {
			m.setStatusLocked(models.Disconnected)
		}
		m.publishLocked()
	}
	m.mu.Unlock()
	m.drain()
}

// Subscribe registers cb, calls it with the current state and then on every
// change. The returned func unsubscribes.
func (m *Manager) Subscribe(cb func(models.ConnectionState)) (unsubscribe func()) {
	s := &subscriber{onState: cb}
	return m.add(s, true)
}

// OnReconnected registers a callback fired when a connection succeeds after
// a reconnect was scheduled.
func (m *Manager) OnReconnected(cb func()) (unsubscribe func()) {
	s := &subscriber{onReconnected: cb}
	return m.add(s, false)
}

// RegisterCleanup adds fn to the callbacks run by Cleanup. After Cleanup it
// runs immediately.
func (m *Manager) RegisterCleanup(fn func()) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.runCleanup(fn)
		return
	}
	m.cleanups = append(m.cleanups, fn)
	m.mu.Unlock()
}

// Cleanup cancels all timers, drops every subscriber and runs the registered
// cleanup callbacks. Calls after the first do nothing.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.stopTimersLocked()
	for _, s := range m.subs {
		s.active.Store(false)
	}
	m.subs = nil
	m.outbox = nil
	fns := m.cleanups
	m.cleanups = nil
	m.mu.Unlock()

	for _, fn := range fns {
		m.runCleanup(fn)
	}
	m.log.Debug().Int("callbacks", len(fns)).Msg("connection manager cleaned up")
}

func (m *Manager) add(s *subscriber, immediate bool) func() {
	s.active.Store(true)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return func() {}
	}
	m.subs = append(m.subs, s)
	if immediate {
		m.outbox = append(m.outbox, notice{sub: s, state: m.snapshotLocked()})
	}
	m.mu.Unlock()
	m.drain()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.active.Store(false)
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, cur := range m.subs {
				if cur == s {
					m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
					break
				}
			}
		})
	}
}

func (m *Manager) attemptLocked() {
	m.stopTimersLocked()
	m.setStatusLocked(models.Connecting)
	gen := m.gen
	m.timeout = m.clock.AfterFunc(m.cfg.ConnectionTimeout, func() { m.onTimeout(gen) })
	m.publishLocked()
}

func (m *Manager) successLocked() {
	m.stopTimersLocked()
	now := m.clock.Now()
	m.state.RetryCount = 0
	m.state.ConsecutiveFailures = 0
	m.state.LastError = ""
	m.state.LastConnectedAt = &now
	m.setStatusLocked(models.Connected)
	m.startHeartbeatLocked()
	m.publishLocked()

	if m.recovering {
		m.recovering = false
		m.log.Info().Msg("session reconnected")
		for _, s := range m.subs {
			if s.onReconnected != nil {
				m.outbox = append(m.outbox, notice{sub: s, reconnected: true})
			}
		}
	}
}

func (m *Manager) failLocked(err error) {
	m.stopTimersLocked()
	if err == nil {
		err = errors.New("unknown connection error")
	}
	if m.state.Status == models.Connected {
		m.stampDisconnectLocked()
	}
	m.state.ConsecutiveFailures++
	m.state.LastError = err.Error()
	m.setStatusLocked(models.Errored)
	m.publishLocked()
	metrics.ConnectionFailuresTotal.Inc()

	if m.state.RetryCount < m.cfg.MaxRetries {
		m.scheduleLocked()
		return
	}
	m.log.Warn().Err(err).Int("retry_count", m.state.RetryCount).Msg("retry budget exhausted, giving up")
	m.stampDisconnectLocked()
	m.setStatusLocked(models.Disconnected)
	m.publishLocked()
}

func (m *Manager) closeLocked(code int, reason string) {
	m.stopTimersLocked()
	m.stampDisconnectLocked()
	if code != m.cfg.NormalClosureCode {
		m.state.LastError = fmt.Sprintf("closed with code %d: %s", code, reason)
	}
	m.setStatusLocked(models.Disconnected)
	m.publishLocked()

	if code != m.cfg.NormalClosureCode && m.state.RetryCount < m.cfg.MaxRetries {
		m.scheduleLocked()
	}
}

func (m *Manager) scheduleLocked() {
	delay := m.backoff.Delay(m.state.RetryCount)
	m.state.RetryCount++
	m.recovering = true
	m.setStatusLocked(models.Reconnecting)
	gen := m.gen
	m.retry = m.clock.AfterFunc(delay, func() { m.onRetry(gen) })
	metrics.ReconnectsTotal.Inc()
	m.log.Info().
		Dur("delay", delay).
		Int("retry_count", m.state.RetryCount).
		Int("max_retries", m.cfg.MaxRetries).
		Msg("reconnect scheduled")
	m.publishLocked()
}

func (m *Manager) startHeartbeatLocked() {
	if m.heartbeat == nil || m.cfg.HeartbeatInterval <= 0 {
		return
	}
	gen := m.gen
	m.beat = m.clock.AfterFunc(m.cfg.HeartbeatInterval, func() { m.onBeat(gen) })
}

func (m *Manager) onTimeout(gen uint64) {
	m.mu.Lock()
	if gen == m.gen && !m.closed && m.state.Status == models.Connecting {
		m.log.Warn().Dur("timeout", m.cfg.ConnectionTimeout).Msg("connection attempt timed out")
		m.failLocked(ErrConnectionTimeout)
	}
	m.mu.Unlock()
	m.drain()
}

func (m *Manager) onRetry(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.closed || m.state.Status != models.Reconnecting {
		m.mu.Unlock()
		return
	}
	m.attemptLocked()
	hook := m.reconnect
	m.mu.Unlock()
	m.drain()

	if hook != nil {
		hook()
	}
}

func (m *Manager) onBeat(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.closed || m.state.Status != models.Connected {
		m.mu.Unlock()
		return
	}
	m.beat = m.clock.AfterFunc(m.cfg.HeartbeatInterval, func() { m.onBeat(gen) })
	hook := m.heartbeat
	m.mu.Unlock()

	hook()
}

// stopTimersLocked cancels every timer. Bumping gen makes callbacks that
// already fired turn into no-ops.
func (m *Manager) stopTimersLocked() {
	m.gen++
	for _, t := range []clockwork.Timer{m.timeout, m.retry, m.beat} {
		if t != nil {
			t.Stop()
		}
	}
	m.timeout, m.retry, m.beat = nil, nil, nil
}

func (m *Manager) setStatusLocked(next models.ConnectionStatus) {
	prev := m.state.Status
	m.state.Status = next
	if next == models.Disconnected {
		// settled; the next success is not a recovery
		m.recovering = false
	}
	if prev == next {
		return
	}
	metrics.SetConnectionStatus(next)
	m.log.Debug().
		Str("from", prev.String()).
		Str("to", next.String()).
		Int("retry_count", m.state.RetryCount).
		Msg("connection state changed")
}

func (m *Manager) stampDisconnectLocked() {
	now := m.clock.Now()
	m.state.LastDisconnectedAt = &now
}

func (m *Manager) publishLocked() {
	if len(m.subs) == 0 {
		return
	}
	st := m.snapshotLocked()
	for _, s := range m.subs {
		if s.onState != nil {
			m.outbox = append(m.outbox, notice{sub: s, state: st})
		}
	}
}

func (m *Manager) snapshotLocked() models.ConnectionState {
	st := m.state
	if st.LastConnectedAt != nil {
		t := *st.LastConnectedAt
		st.LastConnectedAt = &t
	}
	if st.LastDisconnectedAt != nil {
		t := *st.LastDisconnectedAt
		st.LastDisconnectedAt = &t
	}
	return st
}

// drain delivers queued notices in order outside the lock. Only one caller
// delivers at a time; reentrant callers leave their notices to it.
func (m *Manager) drain() {
	m.mu.Lock()
	if m.delivering {
		m.mu.Unlock()
		return
	}
	m.delivering = true
	for len(m.outbox) > 0 {
		n := m.outbox[0]
		m.outbox = m.outbox[1:]
		m.mu.Unlock()
		m.deliver(n)
		m.mu.Lock()
	}
	m.delivering = false
	m.mu.Unlock()
}

func (m *Manager) deliver(n notice) {
	if !n.sub.active.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Msg("connection subscriber panicked")
		}
	}()
	if n.reconnected {
		n.sub.onReconnected()
		return
	}
	n.sub.onState(n.state)
}

func (m *Manager) runCleanup(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Msg("cleanup callback panicked")
		}
	}()
	fn()
}
