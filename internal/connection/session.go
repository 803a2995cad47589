package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"netkeep/internal/models"
)

var ErrNotConnected = errors.New("session is not connected")

// Handler receives transport events.
type Handler interface {
	OnOpen()
	OnMessage(data []byte)
	OnError(err error)
	OnClose(code int, reason string)
}

// Transport is a socket that reports its lifecycle to a Handler. Connect
// replaces any previous connection; Close must not report OnClose for the
// connection it closes.
type Transport interface {
	Connect(ctx context.Context, h Handler) error
	Send(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(code int, reason string) error
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithGate runs check before every dial. A non-nil error fails the attempt
// without touching the transport.
func WithGate(check func(ctx context.Context) error) SessionOption {
	return func(s *Session) { s.gate = check }
}

// WithMessageHandler receives inbound payloads.
func WithMessageHandler(fn func(data []byte)) SessionOption {
	return func(s *Session) { s.onMessage = fn }
}

func WithSessionLogger(l zerolog.Logger) SessionOption {
	return func(s *Session) { s.log = l }
}

// WithManagerOptions passes options to the underlying Manager.
func WithManagerOptions(opts ...Option) SessionOption {
	return func(s *Session) { s.managerOpts = append(s.managerOpts, opts...) }
}

// Session binds a Transport to a Manager: reconnect timers dial, heartbeats
// ping, and transport events drive the state machine.
type Session struct {
	tr          Transport
	mgr         *Manager
	log         zerolog.Logger
	gate        func(ctx context.Context) error
	onMessage   func(data []byte)
	managerOpts []Option

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
	once    sync.Once
}

func NewSession(tr Transport, cfg Config, opts ...SessionOption) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		tr:     tr,
		log:    zerolog.Nop(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	mopts := append([]Option{WithLogger(s.log)}, s.managerOpts...)
	mopts = append(mopts,
		WithReconnect(func() { s.spawn(s.dial) }),
		WithHeartbeat(func() { s.spawn(s.ping) }),
	)
	s.mgr = NewManager(cfg, mopts...)
	s.mgr.RegisterCleanup(func() {
		if err := tr.Close(s.mgr.Config().NormalClosureCode, "session stopped"); err != nil {
			s.log.Debug().Err(err).Msg("close transport")
		}
	})
	return s
}

// Manager exposes the state machine for subscriptions.
func (s *Session) Manager() *Manager {
	return s.mgr
}

// Start makes the first connection attempt. Later attempts are driven by the
// manager's reconnect timer.
func (s *Session) Start() {
	s.mgr.OnConnectionAttempt()
	s.spawn(s.dial)
}

// Reconnect abandons the current backoff and dials right away.
func (s *Session) Reconnect() {
	if s.ctx.Err() != nil {
		return
	}
	st := s.mgr.State().Status
	if st == models.Connected || st == models.Connecting {
		return
	}
	s.Start()
}

// Send writes data on the live connection.
func (s *Session) Send(ctx context.Context, data []byte) error {
	if s.mgr.State().Status != models.Connected {
		return ErrNotConnected
	}
	return s.tr.Send(ctx, data)
}

// Stop tears the session down. It is safe to call more than once.
func (s *Session) Stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		s.cancel()
		s.mgr.Cleanup()
		s.wg.Wait()
	})
}

// spawn runs fn on a goroutine that Stop waits for. It does nothing once
// the session is stopped.
func (s *Session) spawn(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Session) dial() {
	if s.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.mgr.Config().ConnectionTimeout)
	defer cancel()

	if s.gate != nil {
		if err := s.gate(ctx); err != nil {
			s.log.Debug().Err(err).Msg("dial skipped")
			s.mgr.FailAttempt(err)
			return
		}
	}
	if err := s.tr.Connect(ctx, s); err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.log.Warn().Err(err).Msg("dial failed")
		s.mgr.FailAttempt(fmt.Errorf("dial: %w", err))
	}
}

func (s *Session) ping() {
	ctx, cancel := context.WithTimeout(s.ctx, s.mgr.Config().ConnectionTimeout)
	defer cancel()
	if err := s.tr.Ping(ctx); err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.log.Warn().Err(err).Msg("heartbeat failed")
		_ = s.tr.Close(4000, "heartbeat failed")
		s.mgr.OnConnectionError(fmt.Errorf("heartbeat: %w", err))
	}
}

// OnOpen implements Handler.
func (s *Session) OnOpen() {
	if s.mgr.ConfirmConnection() {
		s.log.Info().Msg("session connected")
		return
	}
	// the attempt timed out or the session stopped while dialing
	_ = s.tr.Close(s.mgr.Config().NormalClosureCode, "stale connection")
}

// OnMessage implements Handler.
func (s *Session) OnMessage(data []byte) {
	if s.onMessage != nil {
		s.onMessage(data)
	}
}

// OnError implements Handler.
func (s *Session) OnError(err error) {
	if s.ctx.Err() != nil {
		return
	}
	s.mgr.OnConnectionError(err)
}

// OnClose implements Handler.
func (s *Session) OnClose(code int, reason string) {
	if s.ctx.Err() != nil {
		return
	}
	s.log.Info().Int("code", code).Str("reason", reason).Msg("session closed")
	s.mgr.OnConnectionClose(code, reason)
}
