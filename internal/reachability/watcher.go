package reachability

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"netkeep/internal/models"
)

// Checker is satisfied by *Prober.
type Checker interface {
	Check(ctx context.Context) models.ProbeResult
}

// Watcher periodically checks reachability and reports online/offline flips.
type Watcher struct {
	checker  Checker
	interval time.Duration
	clock    clockwork.Clock
	log      zerolog.Logger
	onChange func(online bool, r models.ProbeResult)

	mu     sync.RWMutex
	online *bool

	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
	once   sync.Once
}

// NewWatcher configures a watcher. onChange runs on the watcher goroutine
// whenever the observed state flips, including the first observation.
func NewWatcher(checker Checker, interval time.Duration, onChange func(online bool, r models.ProbeResult), clock clockwork.Clock, log zerolog.Logger) *Watcher {
	if interval <= 0 {
		interval = time.Minute
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		checker:  checker,
		interval: interval,
		clock:    clock,
		log:      log,
		onChange: onChange,
		ctx:      ctx,
		cancel:   cancel,
		doneCh:   make(chan struct{}),
	}
}

// Start launches the watch loop.
func (w *Watcher) Start() {
	go w.run()
}

// Stop terminates the loop and waits for it to exit. Safe to call twice.
func (w *Watcher) Stop() {
	w.once.Do(w.cancel)
	<-w.doneCh
}

// Online reports the last observed state; known is false before the first
// conclusive check.
func (w *Watcher) Online() (online, known bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.online == nil {
		return false, false
	}
	return *w.online, true
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	w.probe()

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			w.probe()
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) probe() {
	r := w.checker.Check(w.ctx)
	if errors.Is(r.Err, ErrCheckInProgress) || errors.Is(r.Err, context.Canceled) {
		return
	}

	w.mu.Lock()
	changed := w.online == nil || *w.online != r.IsOnline
	online := r.IsOnline
	w.online = &online
	w.mu.Unlock()

	if !changed {
		return
	}
	w.log.Info().Bool("online", online).Str("endpoint", r.Endpoint).Msg("reachability changed")
	if w.onChange != nil {
		w.onChange(online, r)
	}
}
