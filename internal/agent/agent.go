// Package agent wires storage, the offline queue, reachability probing and
// the websocket session into one process.
package agent

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"netkeep/internal/config"
	"netkeep/internal/connection"
	"netkeep/internal/executor"
	"netkeep/internal/history"
	"netkeep/internal/models"
	"netkeep/internal/queue"
	"netkeep/internal/reachability"
	"netkeep/internal/storage"
	"netkeep/internal/transport"
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Option func(*Agent)

func WithLogger(l zerolog.Logger) Option { return func(a *Agent) { a.log = l } }

func WithClock(c clockwork.Clock) Option { return func(a *Agent) { a.clock = c } }

// WithStore replaces the configured storage driver.
func WithStore(s storage.Store) Option { return func(a *Agent) { a.store = s } }

// WithExecutor replaces the HTTP executor.
func WithExecutor(e queue.Executor) Option { return func(a *Agent) { a.exec = e } }

// WithTransport replaces the websocket transport. The session is created
// even when no session URL is configured.
func WithTransport(t connection.Transport) Option { return func(a *Agent) { a.transport = t } }

// Agent owns every long-lived component. The components never call each
// other; the agent reacts to their events.
type Agent struct {
	cfg   config.Config
	log   zerolog.Logger
	clock clockwork.Clock

	store     storage.Store
	exec      queue.Executor
	transport connection.Transport

	queue    *queue.Queue
	prober   *reachability.Prober
	watcher  *reachability.Watcher
	session  *connection.Session
	recorder *history.Recorder
	cron     *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsubs []func()

	mu       sync.Mutex
	stopping bool

	started   bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds the agent from cfg. Nothing runs until Start.
func New(cfg config.Config, opts ...Option) (*Agent, error) {
	a := &Agent{
		cfg:   cfg,
		log:   zerolog.Nop(),
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	if a.store == nil {
		store, err := storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			RedisAddr:   cfg.Storage.RedisAddr,
			RedisDB:     cfg.Storage.RedisDB,
			BusyTimeout: cfg.Storage.BusyTimeout.Duration,
		}, a.log)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		a.store = store
	}

	if a.exec == nil {
		exec, err := executor.New(cfg.Executor.BaseURL,
			executor.WithHeaders(cfg.Executor.Headers),
			executor.WithAttempts(cfg.Executor.Attempts),
			executor.WithTimeout(cfg.Executor.Timeout.Duration),
			executor.WithRate(cfg.Executor.RatePerSec),
			executor.WithLogger(a.component("executor")),
		)
		if err != nil {
			_ = a.store.Close()
			return nil, fmt.Errorf("build executor: %w", err)
		}
		a.exec = exec
	}

	a.queue = queue.New(a.store, a.exec,
		queue.WithKey(cfg.Queue.Key),
		queue.WithMaxAttempts(cfg.Queue.MaxAttempts),
		queue.WithClock(a.clock),
		queue.WithLogger(a.component("queue")),
	)

	a.prober = reachability.New(Endpoints(cfg.Endpoints),
		reachability.WithCacheTTL(cfg.Probe.CacheTTL.Duration),
		reachability.WithHistorySize(cfg.Probe.HistorySize),
		reachability.WithClock(a.clock),
		reachability.WithLogger(a.component("reachability")),
	)
	a.watcher = reachability.NewWatcher(a.prober, cfg.Probe.WatchInterval.Duration, a.onReachability, a.clock, a.component("watcher"))
	a.recorder = history.NewRecorder(cfg.Probe.HistorySize, a.clock)

	if a.transport == nil && cfg.Session.URL != "" {
		header := http.Header{}
		for k, v := range cfg.Session.Headers {
			header.Set(k, v)
		}
		a.transport = transport.NewWebSocket(cfg.Session.URL,
			transport.WithHeader(header),
			transport.WithLogger(a.component("transport")),
		)
	}
	if a.transport != nil {
		a.session = connection.NewSession(a.transport, SessionConfig(cfg.Session),
			connection.WithGate(a.gate),
			connection.WithSessionLogger(a.component("session")),
			connection.WithManagerOptions(connection.WithClock(a.clock)),
		)
	}

	if cfg.Queue.FlushSchedule != "" {
		a.cron = cron.New(cron.WithParser(cronParser))
		if _, err := a.cron.AddFunc(cfg.Queue.FlushSchedule, a.scheduledFlush); err != nil {
			_ = a.store.Close()
			return nil, fmt.Errorf("queue.flush_schedule %q: %w", cfg.Queue.FlushSchedule, err)
		}
	}
	return a, nil
}

// Endpoints converts configured probe targets.
func Endpoints(in []config.Endpoint) []reachability.Endpoint {
	out := make([]reachability.Endpoint, 0, len(in))
	for _, ep := range in {
		out = append(out, reachability.Endpoint{URL: ep.URL, Method: ep.Method, Timeout: ep.Timeout.Duration})
	}
	return out
}

// SessionConfig converts the session section into manager settings. An
// explicit max_retries of 0 disables reconnects.
func SessionConfig(s config.Session) connection.Config {
	retries := s.MaxRetries
	if retries == 0 {
		retries = connection.NoRetries
	}
	return connection.Config{
		MaxRetries:        retries,
		InitialDelay:      s.InitialDelay.Duration,
		MaxDelay:          s.MaxDelay.Duration,
		BackoffMultiplier: s.BackoffMultiplier,
		HeartbeatInterval: s.HeartbeatInterval.Duration,
		ConnectionTimeout: s.ConnectionTimeout.Duration,
	}
}

// Start launches the watcher, the session and the flush schedule.
func (a *Agent) Start() {
	a.startOnce.Do(func() {
		a.started = true
		if a.session != nil {
			mgr := a.session.Manager()
			a.unsubs = append(a.unsubs, a.recorder.Attach(mgr), mgr.Subscribe(a.onState))
			a.session.Start()
		}
		a.watcher.Start()
		if a.cron != nil {
			a.cron.Start()
		}
		a.log.Info().
			Bool("session", a.session != nil).
			Str("flush_schedule", a.cfg.Queue.FlushSchedule).
			Msg("agent started")
	})
}

// Stop tears everything down and closes storage. Safe to call more than once.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		a.stopping = true
		a.mu.Unlock()
		a.cancel()

		// a.started is final once startOnce has run
		a.startOnce.Do(func() {})
		if a.started {
			if a.cron != nil {
				<-a.cron.Stop().Done()
			}
			a.watcher.Stop()
		}
		for _, unsub := range a.unsubs {
			unsub()
		}
		if a.session != nil {
			a.session.Stop()
		}
		a.prober.Cancel()
		a.wg.Wait()
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("close storage")
		}
		a.log.Info().Msg("agent stopped")
	})
}

// Flush replays the queue when the network is reachable.
func (a *Agent) Flush(ctx context.Context) ([]models.ProcessResult, error) {
	r := a.prober.Check(ctx)
	if !r.IsOnline {
		return nil, fmt.Errorf("%w: %s", connection.ErrOffline, r.ErrorMessage())
	}
	results := a.queue.ProcessQueue(ctx)
	if len(results) > 0 {
		failed := 0
		for _, res := range results {
			if !res.Success {
				failed++
			}
		}
		a.log.Info().Int("replayed", len(results)-failed).Int("failed", failed).Msg("queue flushed")
	}
	return results, nil
}

func (a *Agent) Queue() *queue.Queue { return a.queue }
func (a *Agent) Prober() *reachability.Prober { return a.prober }
func (a *Agent) Recorder() *history.Recorder { return a.recorder }
func (a *Agent) Session() *connection.Session { return a.session }
func (a *Agent) Watcher() *reachability.Watcher { return a.watcher }
func (a *Agent) Config() config.Config { return a.cfg }
func (a *Agent) component(name string) zerolog.Logger { return a.log.With().Str("component", name).Logger() }

// Manager returns the session state machine, or nil without a session.
func (a *Agent) Manager() *connection.Manager {
	if a.session == nil {
		return nil
	}
	return a.session.Manager()
}

func (a *Agent) gate(ctx context.Context) error {
	// An in-flight scan counts as offline; the watcher reconnects once it
	// reports the network back.
	r := a.prober.Check(ctx)
	if r.IsOnline {
		return nil
	}
	return fmt.Errorf("%w: %s", connection.ErrOffline, r.ErrorMessage())
}

func (a *Agent) onState(st models.ConnectionState) {
	if st.Status == models.Connected {
		a.flushAsync("connected")
	}
}

func (a *Agent) onReachability(online bool, _ models.ProbeResult) {
	if !online {
		return
	}
	if a.session != nil {
		a.session.Reconnect()
	}
	a.flushAsync("online")
}

func (a *Agent) scheduledFlush() {
	a.flushAsync("schedule")
}

func (a *Agent) flushAsync(trigger string) {
	a.mu.Lock()
	if a.stopping {
		a.mu.Unlock()
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(a.ctx, 5*time.Minute)
		defer cancel()
		if _, err := a.Flush(ctx); err != nil && a.ctx.Err() == nil {
			a.log.Debug().Err(err).Str("trigger", trigger).Msg("flush skipped")
		}
	}()
}
