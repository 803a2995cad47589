// Package queue implements a durable FIFO of write operations replayed with
// at-least-once semantics.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"netkeep/internal/metrics"
	"netkeep/internal/models"
)

// DefaultKey is the storage key holding the serialized queue.
const DefaultKey = "@offline_queue"

const defaultLoadTimeout = 5 * time.Second

// Storage is the key-value collaborator used for persistence.
type Storage interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
}

// Executor replays a single operation. Any returned error counts as a failed
// attempt.
type Executor interface {
	Execute(ctx context.Context, op models.Operation) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, op models.Operation) error

func (f ExecutorFunc) Execute(ctx context.Context, op models.Operation) error { return f(ctx, op) }

// Option configures a Queue.
type Option func(*Queue)

func WithKey(key string) Option {
	return func(q *Queue) {
		if strings.TrimSpace(key) != "" {
			q.key = key
		}
	}
}

func WithLogger(l zerolog.Logger) Option { return func(q *Queue) { q.log = l } }

func WithClock(c clockwork.Clock) Option { return func(q *Queue) { q.clock = c } }

// WithMaxAttempts moves an operation to the failed state once it has been
// attempted n times. Zero keeps retrying forever.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

func WithLoadTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.loadTimeout = d
		}
	}
}

// Queue is the offline operation queue. All mutations and the snapshot write
// that follows them happen under mu.
type Queue struct {
	store       Storage
	exec        Executor
	key         string
	log         zerolog.Logger
	clock       clockwork.Clock
	maxAttempts int
	loadTimeout time.Duration

	ready chan struct{}

	mu  sync.Mutex
	ops []models.QueuedOperation

	processing atomic.Bool
}

// New builds a queue and starts loading the persisted snapshot in the
// background. Every method waits for the load to finish.
func New(store Storage, exec Executor, opts ...Option) *Queue {
	q := &Queue{
		store:       store,
		exec:        exec,
		key:         DefaultKey,
		log:         zerolog.Nop(),
		clock:       clockwork.NewRealClock(),
		loadTimeout: defaultLoadTimeout,
		ready:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	go q.load()
	return q
}

// Ready is closed once the persisted snapshot has been loaded.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Enqueue appends op as a pending operation and persists the queue.
func (q *Queue) Enqueue(ctx context.Context, op models.Operation) models.QueuedOperation {
	<-q.ready

	item := models.QueuedOperation{
		ID:        uuid.NewString(),
		Operation: cloneOperation(op),
		Status:    models.StatusPending,
		Timestamp: q.clock.Now().UTC(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = append(q.ops, item)
	q.persistLocked(ctx)
	q.publishLocked()

	q.log.Debug().Str("id", item.ID).Str("method", op.Method).Str("url", op.URL).Msg("operation queued")
	return cloneItem(item)
}

// ProcessQueue replays pending operations in FIFO order. A call made while
// another pass is running returns an empty result without doing any work.
func (q *Queue) ProcessQueue(ctx context.Context) []models.ProcessResult {
	<-q.ready

	results := []models.ProcessResult{}
	if !q.processing.CompareAndSwap(false, true) {
		q.log.Debug().Msg("queue pass already running")
		return results
	}
	defer q.processing.Store(false)

	for _, item := range q.Operations(models.StatusPending) {
		if ctx.Err() != nil {
			break
		}

		err := q.execute(ctx, item.Operation)
		if err != nil && ctx.Err() != nil {
			// the pass was cancelled; the attempt does not count
			q.log.Debug().Err(err).Str("id", item.ID).Msg("queue pass cancelled")
			break
		}
		res := models.ProcessResult{ID: item.ID, Success: err == nil}
		if err != nil {
			res.Error = err.Error()
		}
		q.recordAttempt(ctx, item.ID, err)

		if err != nil {
			metrics.ReplayTotal.WithLabelValues("failure").Inc()
			q.log.Warn().Err(err).Str("id", item.ID).Str("url", item.Operation.URL).Msg("operation replay failed")
		} else {
			metrics.ReplayTotal.WithLabelValues("success").Inc()
		}
		results = append(results, res)
	}
	return results
}

// Status returns a point-in-time snapshot of the queue.
func (q *Queue) Status() models.QueueStatus {
	<-q.ready
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statusLocked()
}

// Operations lists operations in insertion order, optionally keeping only the
// given statuses.
func (q *Queue) Operations(filter ...models.OperationStatus) []models.QueuedOperation {
	<-q.ready
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]models.QueuedOperation, 0, len(q.ops))
	for _, item := range q.ops {
		if len(filter) > 0 && !hasStatus(filter, item.Status) {
			continue
		}
		out = append(out, cloneItem(item))
	}
	return out
}

// Clear drops every operation and persists the empty queue.
func (q *Queue) Clear(ctx context.Context) {
	<-q.ready
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = nil
	q.persistLocked(ctx)
	q.publishLocked()
}

// Remove deletes the operation with id. Unknown ids are ignored.
func (q *Queue) Remove(ctx context.Context, id string) bool {
	<-q.ready
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(id)
	if idx < 0 {
		return false
	}
	q.ops = append(q.ops[:idx:idx], q.ops[idx+1:]...)
	q.persistLocked(ctx)
	q.publishLocked()
	return true
}

func (q *Queue) recordAttempt(ctx context.Context, id string, execErr error) {
	now := q.clock.Now().UTC()

	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(id)
	if idx < 0 {
		// removed or cleared while the call was in flight
		return
	}
	item := &q.ops[idx]
	item.Attempts++
	item.LastAttemptAt = &now
	if execErr == nil {
		item.Status = models.StatusCompleted
		item.LastError = ""
	} else {
		item.LastError = execErr.Error()
		if q.maxAttempts > 0 && item.Attempts >= q.maxAttempts {
			item.Status = models.StatusFailed
			q.log.Error().Str("id", id).Int("attempts", item.Attempts).Msg("operation exceeded max attempts")
		}
	}
	q.persistLocked(context.WithoutCancel(ctx))
	q.publishLocked()
}

func (q *Queue) execute(ctx context.Context, op models.Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = normalizePanic(r)
		}
	}()
	if q.exec == nil {
		return errors.New("no executor configured")
	}
	return q.exec.Execute(ctx, op)
}

func (q *Queue) load() {
	defer close(q.ready)

	ctx, cancel := context.WithTimeout(context.Background(), q.loadTimeout)
	defer cancel()

	raw, ok, err := q.store.Get(ctx, q.key)
	if err != nil {
		q.log.Warn().Err(err).Str("key", q.key).Msg("load queue snapshot failed, starting empty")
		return
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return
	}

	var stored []models.QueuedOperation
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		q.log.Warn().Err(err).Str("key", q.key).Msg("discarding malformed queue snapshot")
		return
	}

	seen := make(map[string]struct{}, len(stored))
	ops := make([]models.QueuedOperation, 0, len(stored))
	for _, item := range stored {
		if item.ID == "" {
			continue
		}
		if _, dup := seen[item.ID]; dup {
			continue
		}
		seen[item.ID] = struct{}{}
		switch item.Status {
		case models.StatusCompleted, models.StatusFailed:
		default:
			item.Status = models.StatusPending
		}
		ops = append(ops, item)
	}

	q.mu.Lock()
	q.ops = ops
	q.publishLocked()
	q.mu.Unlock()

	q.log.Info().Int("operations", len(ops)).Msg("queue snapshot loaded")
}

func (q *Queue) persistLocked(ctx context.Context) {
	snapshot := q.ops
	if snapshot == nil {
		snapshot = []models.QueuedOperation{}
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		q.log.Error().Err(err).Msg("encode queue snapshot failed")
		return
	}
	if err := q.store.Set(ctx, q.key, string(data)); err != nil {
		q.log.Error().Err(err).Str("key", q.key).Msg("persist queue snapshot failed")
	}
}

func (q *Queue) statusLocked() models.QueueStatus {
	st := models.QueueStatus{
		Total:      len(q.ops),
		Operations: make([]models.QueuedOperation, 0, len(q.ops)),
	}
	for _, item := range q.ops {
		switch item.Status {
		case models.StatusCompleted:
			st.Completed++
		case models.StatusFailed:
			st.Failed++
		default:
			st.Pending++
		}
		st.Operations = append(st.Operations, cloneItem(item))
	}
	return st
}

func (q *Queue) publishLocked() {
	var st models.QueueStatus
	for _, item := range q.ops {
		switch item.Status {
		case models.StatusCompleted:
			st.Completed++
		case models.StatusFailed:
			st.Failed++
		default:
			st.Pending++
		}
	}
	metrics.SetQueueStatus(st)
}

func (q *Queue) indexLocked(id string) int {
	for i := range q.ops {
		if q.ops[i].ID == id {
			return i
		}
	}
	return -1
}

func hasStatus(filter []models.OperationStatus, s models.OperationStatus) bool {
	for _, f := range filter {
		if f == s {
			return true
		}
	}
	return false
}

func cloneOperation(op models.Operation) models.Operation {
	out := op
	if op.Headers != nil {
		out.Headers = make(map[string]string, len(op.Headers))
		for k, v := range op.Headers {
			out.Headers[k] = v
		}
	}
	if op.Data != nil {
		out.Data = append([]byte(nil), op.Data...)
	}
	return out
}

func cloneItem(item models.QueuedOperation) models.QueuedOperation {
	out := item
	out.Operation = cloneOperation(item.Operation)
	if item.LastAttemptAt != nil {
		at := *item.LastAttemptAt
		out.LastAttemptAt = &at
	}
	return out
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
