// Package outbox is the durable queue of remote mutations that have not
// been confirmed yet. It deduplicates by target, retries transient
// failures with backoff and reports operations it has to give up on.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spinsirr/order-wizard-sub000/internal/clock"
	syncerrors "github.com/spinsirr/order-wizard-sub000/internal/errors"
	"github.com/spinsirr/order-wizard-sub000/internal/models"
)

// Fixed logical keys in the KV store.
const (
	pendingKey = "pending_operations"
	failedKey  = "failed_operations"
)

// MaxAttempts is the number of failed deliveries after which an
// operation is dropped and reported as exhausted.
const MaxAttempts = 3

// backoffTable is the delay before the next attempt, indexed by the
// number of failures so far (1-based). Counts past the end use the last
// entry.
var backoffTable = []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second}

// KV is the persistence capability the queue needs. Get returns nil for
// an absent key.
type KV interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Remove(key string) error
}

// QueueExhaustedError reports an operation dropped after MaxAttempts
// failures. It matches both ErrQueueExhausted and the last failure.
type QueueExhaustedError struct {
	Op  models.PendingOperation
	Err error
}

func (e *QueueExhaustedError) Error() string {
	return fmt.Sprintf("%s %s gave up after %d attempts: %v", e.Op.Kind, e.Op.TargetID, e.Op.RetryCount, e.Err)
}

func (e *QueueExhaustedError) Unwrap() []error {
	return []error{syncerrors.ErrQueueExhausted, e.Err}
}

// Config holds the queue's dependencies.
type Config struct {
	Store  KV
	Remote Remote
	Clock  clock.Clock
	Logger *slog.Logger

	// OnExhausted is called for every operation dropped at the retry cap.
	OnExhausted func(*QueueExhaustedError)

	// OnAuthError is called when a delivery is rejected for missing or
	// expired credentials. The operation stays queued.
	OnAuthError func(error)
}

// Queue is the outbox. All state lives in the KV store so a restart
// resumes where it left off.
type Queue struct {
	kv          KV
	remote      Remote
	clock       clock.Clock
	logger      *slog.Logger
	onExhausted func(*QueueExhaustedError)
	onAuthError func(error)

	// mu guards read-modify-write of the persisted lists.
	mu sync.Mutex

	// processing is held for the duration of Process.
	processing sync.Mutex

	wakeMu sync.Mutex
	wake   clock.Timer
	wakeAt time.Time
}

// New creates a queue.
func New(cfg Config) *Queue {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Queue{
		kv:          cfg.Store,
		remote:      cfg.Remote,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		onExhausted: cfg.OnExhausted,
		onAuthError: cfg.OnAuthError,
	}
}

// Enqueue validates op and persists it, replacing any queued operation
// with the same target. Replacing an operation that does the same work
// keeps its id, retry count and backoff, so repeated triggers cannot
// bypass the retry cap. Invalid operations are logged and rejected with
// an error matching ErrValidation.
func (q *Queue) Enqueue(op models.PendingOperation) error {
	if op.TargetID == "" && op.Payload != nil {
		op.TargetID = op.Payload.Key()
	}

	if err := op.Validate(); err != nil {
		q.logger.Warn("rejecting pending operation",
			slog.String("target", op.TargetID),
			slog.String("kind", string(op.Kind)),
			slog.String("error", err.Error()),
		)

		return err
	}

	if op.Payload != nil {
		payload := *op.Payload
		op.Payload = &payload
	}

	op.ID = uuid.NewString()
	op.RetryCount = 0
	op.NextAttemptAt = time.Time{}
	op.LastError = ""

	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = q.clock.Now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.loadPending()
	if err != nil {
		return err
	}

	if i := slices.IndexFunc(ops, func(o models.PendingOperation) bool { return o.TargetID == op.TargetID }); i >= 0 {
		if sameWork(ops[i], op) {
			op.ID = ops[i].ID
			op.RetryCount = ops[i].RetryCount
			op.NextAttemptAt = ops[i].NextAttemptAt
			op.LastError = ops[i].LastError
			op.EnqueuedAt = ops[i].EnqueuedAt
			ops[i] = op

			return q.savePending(ops)
		}

		q.logger.Debug("superseded pending operation",
			slog.String("target", op.TargetID),
			slog.String("kind", string(op.Kind)),
		)

		ops = slices.Delete(ops, i, i+1)
	}

	return q.savePending(append(ops, op))
}

// sameWork reports whether two operations would send the same request.
func sameWork(a, b models.PendingOperation) bool {
	if a.Kind != b.Kind || a.RemoteID != b.RemoteID {
		return false
	}

	if a.Payload == nil || b.Payload == nil {
		return a.Payload == nil && b.Payload == nil
	}

	return a.Payload.SameContent(b.Payload)
}

// Add enqueues op and then tries to deliver everything that is due.
func (q *Queue) Add(ctx context.Context, op models.PendingOperation) error {
	if err := q.Enqueue(op); err != nil {
		return err
	}

	return q.Process(ctx)
}

// Process delivers every operation whose backoff has elapsed. Only one
// Process runs at a time; a call made while another is running returns
// nil immediately and leaves the work to the running pass.
//
// Transient failures are re-queued with backoff and are not returned.
// The returned error joins every QueueExhaustedError of this pass, the
// auth error that stopped the pass (if any), and storage errors.
func (q *Queue) Process(ctx context.Context) error {
	if !q.processing.TryLock() {
		q.logger.Debug("outbox already processing")
		return nil
	}
	defer q.processing.Unlock()

	ops, err := q.Pending()
	if err != nil {
		return err
	}

	now := q.clock.Now()

	var creates, deletes, updates []models.PendingOperation

	for _, op := range ops {
		if op.NextAttemptAt.After(now) {
			continue
		}

		switch {
		case op.Kind == models.OpDelete:
			deletes = append(deletes, op)
		case op.RemoteID == "":
			creates = append(creates, op)
		default:
			updates = append(updates, op)
		}
	}

	p := &pass{q: q}

	if len(creates) > 0 {
		orders := make([]models.Order, len(creates))
		for i, op := range creates {
			orders[i] = *op.Payload
		}

		results := q.remote.SaveAll(ctx, orders)
		for i, op := range creates {
			p.settle(op, resultAt(results, i))
		}
	}

	if len(deletes) > 0 && p.authErr == nil {
		ids := make([]string, len(deletes))
		for i, op := range deletes {
			ids[i] = op.RemoteID
		}

		results := q.remote.DeleteAll(ctx, ids)
		for i, op := range deletes {
			err := resultAt(results, i)
			if errors.Is(err, syncerrors.ErrNotFound) {
				// Already gone remotely, which is the state we wanted.
				err = nil
			}

			p.settle(op, err)
		}
	}

	for _, op := range updates {
		if p.authErr != nil {
			break
		}

		p.settle(op, q.deliverUpdate(ctx, op))
	}

	if p.authErr != nil {
		q.logger.Warn("outbox paused until re-authenticated", slog.String("error", p.authErr.Error()))

		if q.onAuthError != nil {
			q.onAuthError(p.authErr)
		}

		p.errs = append(p.errs, p.authErr)
	}

	q.scheduleWake(ctx)

	return errors.Join(p.errs...)
}

// deliverUpdate patches a record the remote is known to hold. If the
// remote lost it in the meantime the record is created again.
func (q *Queue) deliverUpdate(ctx context.Context, op models.PendingOperation) error {
	err := q.remote.Update(ctx, op.RemoteID, models.PatchFrom(*op.Payload))
	if !errors.Is(err, syncerrors.ErrNotFound) {
		return err
	}

	q.logger.Debug("remote record missing, recreating",
		slog.String("target", op.TargetID),
		slog.String("remote_id", op.RemoteID),
	)

	_, err = q.remote.Create(ctx, *op.Payload)

	return err
}

func resultAt(results []error, i int) error {
	if i < len(results) {
		return results[i]
	}

	return fmt.Errorf("no result for batch item %d: %w", i, syncerrors.ErrNetwork)
}

// pass collects the outcome of one Process call.
type pass struct {
	q       *Queue
	errs    []error
	authErr error
}

func (p *pass) settle(op models.PendingOperation, err error) {
	q := p.q
	log := q.logger.With(
		slog.String("target", op.TargetID),
		slog.String("kind", string(op.Kind)),
	)

	switch {
	case err == nil:
		log.Debug("pending operation delivered")

		if err := q.complete(op); err != nil {
			p.errs = append(p.errs, err)
		}
	case errors.Is(err, syncerrors.ErrAuth):
		if p.authErr == nil {
			p.authErr = err
		}
	case errors.Is(err, syncerrors.ErrValidation):
		log.Warn("remote rejected pending operation", slog.String("error", err.Error()))

		if err := q.fail(op, err.Error()); err != nil {
			p.errs = append(p.errs, err)
		}
	default:
		exhausted, serr := q.retry(op, err)
		if serr != nil {
			p.errs = append(p.errs, serr)
		}

		if exhausted != nil {
			p.errs = append(p.errs, exhausted)
		}
	}
}

// complete removes a delivered operation. A newer operation that
// superseded it while it was in flight stays queued. Earlier failures for
// the same target are cleared since the target is now in sync.
func (q *Queue) complete(op models.PendingOperation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.loadPending()
	if err != nil {
		return err
	}

	n := len(ops)

	ops = slices.DeleteFunc(ops, func(o models.PendingOperation) bool { return o.ID == op.ID })
	if len(ops) < n {
		if err := q.savePending(ops); err != nil {
			return err
		}
	}

	failed, err := q.loadFailed()
	if err != nil {
		return err
	}

	n = len(failed)

	failed = slices.DeleteFunc(failed, func(f models.FailedOperation) bool { return f.Operation.TargetID == op.TargetID })
	if len(failed) < n {
		return q.saveFailed(failed)
	}

	return nil
}

// retry records a transient failure. At the retry cap the operation is
// moved to the failed list and returned as a QueueExhaustedError.
func (q *Queue) retry(op models.PendingOperation, cause error) (*QueueExhaustedError, error) {
	q.mu.Lock()

	ops, err := q.loadPending()
	if err != nil {
		q.mu.Unlock()
		return nil, err
	}

	i := slices.IndexFunc(ops, func(o models.PendingOperation) bool { return o.ID == op.ID })
	if i < 0 {
		// Superseded while in flight.
		q.mu.Unlock()
		return nil, nil
	}

	cur := ops[i]
	cur.RetryCount++
	cur.LastError = cause.Error()

	if cur.RetryCount < MaxAttempts {
		delay := backoff(cur.RetryCount)
		cur.NextAttemptAt = q.clock.Now().Add(delay)
		ops[i] = cur
		err := q.savePending(ops)
		q.mu.Unlock()

		q.logger.Info("pending operation failed, will retry",
			slog.String("target", cur.TargetID),
			slog.Int("attempt", cur.RetryCount),
			slog.Duration("backoff", delay),
			slog.String("error", cause.Error()),
		)

		return nil, err
	}

	err = q.moveToFailedLocked(ops, i, cur, cause.Error())
	q.mu.Unlock()

	if err != nil {
		return nil, err
	}

	exhausted := &QueueExhaustedError{Op: cur, Err: cause}

	q.logger.Error("pending operation exhausted its retries",
		slog.String("target", cur.TargetID),
		slog.String("kind", string(cur.Kind)),
		slog.Int("attempts", cur.RetryCount),
		slog.String("error", cause.Error()),
	)

	if q.onExhausted != nil {
		q.onExhausted(exhausted)
	}

	return exhausted, nil
}

// fail moves an operation straight to the failed list.
func (q *Queue) fail(op models.PendingOperation, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.loadPending()
	if err != nil {
		return err
	}

	i := slices.IndexFunc(ops, func(o models.PendingOperation) bool { return o.ID == op.ID })
	if i < 0 {
		return nil
	}

	return q.moveToFailedLocked(ops, i, ops[i], reason)
}

func (q *Queue) moveToFailedLocked(ops []models.PendingOperation, i int, op models.PendingOperation, reason string) error {
	failed, err := q.loadFailed()
	if err != nil {
		return err
	}

	failed = slices.DeleteFunc(failed, func(f models.FailedOperation) bool { return f.Operation.TargetID == op.TargetID })
	failed = append(failed, models.FailedOperation{
		Operation: op,
		Reason:    reason,
		FailedAt:  q.clock.Now(),
	})

	if err := q.saveFailed(failed); err != nil {
		return err
	}

	return q.savePending(slices.Delete(ops, i, i+1))
}

func backoff(failures int) time.Duration {
	i := min(max(failures-1, 0), len(backoffTable)-1)
	return backoffTable[i]
}

// scheduleWake arms a timer for the earliest backed-off operation so it
// is retried without waiting for another trigger.
func (q *Queue) scheduleWake(ctx context.Context) {
	ops, err := q.Pending()
	if err != nil {
		return
	}

	var next time.Time

	for _, op := range ops {
		if op.NextAttemptAt.IsZero() {
			continue
		}

		if next.IsZero() || op.NextAttemptAt.Before(next) {
			next = op.NextAttemptAt
		}
	}

	if next.IsZero() {
		return
	}

	q.wakeMu.Lock()
	defer q.wakeMu.Unlock()

	if q.wake != nil {
		if !q.wakeAt.After(next) {
			return
		}

		q.wake.Stop()
	}

	bg := context.WithoutCancel(ctx)
	q.wakeAt = next
	q.wake = q.clock.AfterFunc(next.Sub(q.clock.Now()), func() {
		q.wakeMu.Lock()
		q.wake = nil
		q.wakeMu.Unlock()

		if err := q.Process(bg); err != nil {
			q.logger.Warn("scheduled outbox retry", slog.String("error", err.Error()))
		}
	})
}

// Pending returns the queued operations in enqueue order.
func (q *Queue) Pending() ([]models.PendingOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.loadPending()
}

// PendingCount returns the number of queued operations as persisted.
func (q *Queue) PendingCount() (int, error) {
	ops, err := q.Pending()
	return len(ops), err
}

// Has reports whether an operation for targetID is queued.
func (q *Queue) Has(targetID string) (bool, error) {
	ops, err := q.Pending()
	if err != nil {
		return false, err
	}

	return slices.ContainsFunc(ops, func(o models.PendingOperation) bool { return o.TargetID == targetID }), nil
}

// Failed returns the operations the queue gave up on.
func (q *Queue) Failed() ([]models.FailedOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.loadFailed()
}

// HasFailed reports whether the last delivery for targetID failed
// permanently and has not been superseded by a success.
func (q *Queue) HasFailed(targetID string) (bool, error) {
	failed, err := q.Failed()
	if err != nil {
		return false, err
	}

	return slices.ContainsFunc(failed, func(f models.FailedOperation) bool { return f.Operation.TargetID == targetID }), nil
}

// ClearFailed forgets every failed operation.
func (q *Queue) ClearFailed() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.kv.Remove(failedKey); err != nil {
		return fmt.Errorf("clearing failed operations: %w", err)
	}

	return nil
}

func (q *Queue) loadPending() ([]models.PendingOperation, error) {
	var ops []models.PendingOperation
	if err := q.load(pendingKey, &ops); err != nil {
		return nil, err
	}

	return ops, nil
}

func (q *Queue) savePending(ops []models.PendingOperation) error {
	return q.save(pendingKey, ops, len(ops))
}

func (q *Queue) loadFailed() ([]models.FailedOperation, error) {
	var failed []models.FailedOperation
	if err := q.load(failedKey, &failed); err != nil {
		return nil, err
	}

	return failed, nil
}

func (q *Queue) saveFailed(failed []models.FailedOperation) error {
	return q.save(failedKey, failed, len(failed))
}

func (q *Queue) load(key string, dst any) error {
	data, err := q.kv.Get(key)
	if err != nil {
		return fmt.Errorf("loading %s: %w", key, err)
	}

	if data == nil {
		return nil
	}

	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}

	return nil
}

func (q *Queue) save(key string, v any, n int) error {
	if n == 0 {
		if err := q.kv.Remove(key); err != nil {
			return fmt.Errorf("saving %s: %w", key, err)
		}

		return nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}

	if err := q.kv.Set(key, data); err != nil {
		return fmt.Errorf("saving %s: %w", key, err)
	}

	return nil
}
