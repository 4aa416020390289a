// Package engine runs sync rounds between the local and remote order
// replicas and handles the events that trigger them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spinsirr/order-wizard-sub000/internal/clock"
	syncerrors "github.com/spinsirr/order-wizard-sub000/internal/errors"
	"github.com/spinsirr/order-wizard-sub000/internal/localstore"
	"github.com/spinsirr/order-wizard-sub000/internal/models"
	"github.com/spinsirr/order-wizard-sub000/internal/outbox"
	"github.com/spinsirr/order-wizard-sub000/internal/reconcile"
	"github.com/spinsirr/order-wizard-sub000/internal/remote"
)

// DefaultDebounce is the quiet period after a local mutation before a
// round starts.
const DefaultDebounce = 2 * time.Second

// Remote is the read side of the remote replica plus credential
// injection. Mutations go through the outbox.
type Remote interface {
	GetAll(ctx context.Context) ([]models.Order, error)
	SetAccessToken(token string)
}

// Session persists the credentials handed to the engine.
type Session interface {
	SetToken(token string) error
	SetUserID(userID string) error
}

// State is the engine's lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateFailed  State = "failed"
)

// RoundResult counts what one round did.
type RoundResult struct {
	Uploaded      int  `json:"uploaded" yaml:"uploaded"`
	Downloaded    int  `json:"downloaded" yaml:"downloaded"`
	RemoteDeleted int  `json:"remote_deleted" yaml:"remote_deleted"`
	Purged        int  `json:"purged" yaml:"purged"`
	Unchanged     int  `json:"unchanged" yaml:"unchanged"`
	Duplicates    int  `json:"duplicates" yaml:"duplicates"`
	Exhausted     int  `json:"exhausted" yaml:"exhausted"`
	Coalesced     bool `json:"coalesced,omitempty" yaml:"coalesced,omitempty"`
}

// Status is a point-in-time view of the engine for indicators.
type Status struct {
	State      State       `json:"state" yaml:"state"`
	UserID     string      `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	NeedsAuth  bool        `json:"needs_auth" yaml:"needs_auth"`
	LastError  string      `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	LastSyncAt time.Time   `json:"last_sync_at,omitzero" yaml:"last_sync_at,omitempty"`
	LastRound  RoundResult `json:"last_round" yaml:"last_round"`
	Pending    int         `json:"pending" yaml:"pending"`
	Failed     int         `json:"failed" yaml:"failed"`
}

// Config holds the engine's dependencies.
type Config struct {
	Local   *localstore.Store
	Remote  Remote
	Queue   *outbox.Queue
	Session Session
	Clock   clock.Clock
	Logger  *slog.Logger

	// Debounce is the quiet period for NotifyLocalMutation. Zero means
	// DefaultDebounce.
	Debounce time.Duration
}

// Engine reconciles the replicas. At most one round runs at a time;
// triggers that arrive during a round are folded into one rerun.
type Engine struct {
	local    *localstore.Store
	remote   Remote
	queue    *outbox.Queue
	session  Session
	clock    clock.Clock
	logger   *slog.Logger
	debounce time.Duration

	mu         sync.Mutex
	state      State
	rerun      bool
	userID     string
	needsAuth  bool
	lastErr    error
	lastSyncAt time.Time
	lastRound  RoundResult
	pending    clock.Timer
	listeners  []func()
}

// New creates an engine in the Idle state with no active user.
func New(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}

	return &Engine{
		local:    cfg.Local,
		remote:   cfg.Remote,
		queue:    cfg.Queue,
		session:  cfg.Session,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		debounce: cfg.Debounce,
		state:    StateIdle,
	}
}

// OnRecordsChanged registers fn to be called whenever the local replica
// may have changed. fn must not block.
func (e *Engine) OnRecordsChanged(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.listeners = append(e.listeners, fn)
}

func (e *Engine) publish() {
	e.mu.Lock()
	listeners := slices.Clone(e.listeners)
	e.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// Restore sets credentials saved by an earlier session without starting
// a round.
func (e *Engine) Restore(userID, token string) {
	if token != "" {
		e.remote.SetAccessToken(token)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.userID = userID
}

// ActiveUser returns the user rounds run for, or empty string.
func (e *Engine) ActiveUser() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.userID
}

// Status reports the engine state and queue depth.
func (e *Engine) Status() Status {
	e.mu.Lock()
	s := Status{
		State:      e.state,
		UserID:     e.userID,
		NeedsAuth:  e.needsAuth,
		LastSyncAt: e.lastSyncAt,
		LastRound:  e.lastRound,
	}

	if e.lastErr != nil {
		s.LastError = e.lastErr.Error()
	}
	e.mu.Unlock()

	if n, err := e.queue.PendingCount(); err == nil {
		s.Pending = n
	}

	if failed, err := e.queue.Failed(); err == nil {
		s.Failed = len(failed)
	}

	return s
}

// HandleAuthenticated installs a fresh bearer token and runs a round for
// the user. An empty userID is read from the token's subject claim.
func (e *Engine) HandleAuthenticated(ctx context.Context, userID, token string) error {
	if token == "" {
		return fmt.Errorf("empty access token: %w", syncerrors.ErrAuth)
	}

	if userID == "" {
		sub, err := remote.UserIDFromToken(token)
		if err != nil {
			return err
		}

		userID = sub
	}

	e.remote.SetAccessToken(token)

	if e.session != nil {
		if err := e.session.SetToken(token); err != nil {
			e.logger.Warn("failed to save token", slog.String("error", err.Error()))
		}

		if err := e.session.SetUserID(userID); err != nil {
			e.logger.Warn("failed to save user", slog.String("error", err.Error()))
		}
	}

	e.mu.Lock()
	e.userID = userID
	e.needsAuth = false
	e.mu.Unlock()

	e.logger.Info("authenticated", slog.String("user", userID))

	_, err := e.RunSync(ctx, userID)

	return err
}

// RequestSync runs a round for the active user.
func (e *Engine) RequestSync(ctx context.Context) (RoundResult, error) {
	userID := e.ActiveUser()
	if userID == "" {
		return RoundResult{}, syncerrors.ErrNoActiveUser
	}

	return e.RunSync(ctx, userID)
}

// NotifyLocalMutation schedules a round once no further local mutation
// has been reported for the debounce period.
func (e *Engine) NotifyLocalMutation(ctx context.Context) {
	bg := context.WithoutCancel(ctx)

	e.mu.Lock()
	if e.pending != nil {
		e.pending.Stop()
	}

	e.pending = e.clock.AfterFunc(e.debounce, func() {
		e.mu.Lock()
		e.pending = nil
		userID := e.userID
		e.mu.Unlock()

		if userID == "" {
			e.logger.Debug("local mutation sync skipped, no active user")
			return
		}

		if _, err := e.RunSync(bg, userID); err != nil {
			e.logger.Warn("debounced sync failed", slog.String("error", err.Error()))
		}
	})
	e.mu.Unlock()

	e.publish()
}

// HandleOrderCreated stores a freshly created order locally and sends it
// to the remote replica right away.
func (e *Engine) HandleOrderCreated(ctx context.Context, order models.Order) (models.Order, error) {
	if order.UserID == "" {
		order.UserID = e.ActiveUser()
	}

	if order.UserID == "" {
		return models.Order{}, syncerrors.ErrNoActiveUser
	}

	order.OrderNumber = models.NormalizeBusinessKey(order.OrderNumber)
	if err := order.Validate(); err != nil {
		e.logger.Warn("rejecting created order",
			slog.String("id", order.ID),
			slog.String("error", err.Error()),
		)

		return models.Order{}, err
	}

	now := e.clock.Now().UTC()

	if order.ID == "" {
		order.ID = uuid.NewString()
	}

	if order.Status == "" {
		order.Status = models.StatusUncommented
	}

	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}

	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = now
	}

	if err := e.local.Upsert(order, localstore.MergeByBusinessKey); err != nil {
		return models.Order{}, fmt.Errorf("storing created order: %w", err)
	}

	if err := e.local.RemoveTombstoneBusinessKeys(order.UserID, order.OrderNumber); err != nil {
		return models.Order{}, fmt.Errorf("clearing tombstone for created order: %w", err)
	}

	e.publish()

	op := models.PendingOperation{
		TargetID: order.Key(),
		Kind:     models.OpUpsert,
		Payload:  &order,
	}
	if err := e.queue.Enqueue(op); err != nil {
		return models.Order{}, err
	}

	if err := e.queue.Process(ctx); err != nil {
		e.noteDeliveryError(err)
	}

	return order, nil
}

// RunSync runs one round for userID, then one more if another trigger
// arrived meanwhile. A call made while a round is running only requests
// that rerun and returns a result with Coalesced set.
func (e *Engine) RunSync(ctx context.Context, userID string) (RoundResult, error) {
	if userID == "" {
		return RoundResult{}, syncerrors.ErrNoActiveUser
	}

	e.mu.Lock()
	if e.state == StateSyncing {
		e.rerun = true
		e.mu.Unlock()
		e.logger.Debug("sync already running, rerun requested")

		return RoundResult{Coalesced: true}, nil
	}

	e.state = StateSyncing
	e.mu.Unlock()

	for {
		start := e.clock.Now()
		res, err := e.round(ctx, userID)

		e.mu.Lock()
		if err != nil {
			e.state = StateFailed
			e.lastErr = err

			if errors.Is(err, syncerrors.ErrAuth) {
				e.needsAuth = true
			}
		} else {
			e.lastErr = nil
			e.lastSyncAt = e.clock.Now()
			e.lastRound = res
		}

		again := e.rerun && ctx.Err() == nil
		e.rerun = false

		if again {
			e.state = StateSyncing
		} else {
			e.state = StateIdle
		}
		e.mu.Unlock()

		if err != nil {
			e.logger.Warn("sync round failed",
				slog.String("user", userID),
				slog.String("error", err.Error()),
			)
		} else {
			e.logger.Info("sync round complete",
				slog.String("user", userID),
				slog.Int("uploaded", res.Uploaded),
				slog.Int("downloaded", res.Downloaded),
				slog.Int("remote_deleted", res.RemoteDeleted),
				slog.Int("purged", res.Purged),
				slog.Int("duplicates", res.Duplicates),
				slog.Duration("took", e.clock.Now().Sub(start)),
			)
		}

		if !again {
			return res, err
		}

		if active := e.ActiveUser(); active != "" {
			userID = active
		}
	}
}

// round performs one reconciliation:
//  1. snapshot both replicas and the hard-deleted key set
//  2. index by business key, collapsing duplicates
//  3. resolve every key and route the decision
//  4. deliver the outbox
//  5. purge local tombstones whose remote deletion is confirmed
//  6. publish one change notification
//
// A snapshot failure returns before any write.
func (e *Engine) round(ctx context.Context, userID string) (RoundResult, error) {
	var res RoundResult

	localRecords, err := e.local.GetAll(userID)
	if err != nil {
		return res, fmt.Errorf("reading local orders: %w", err)
	}

	remoteRecords, err := e.remote.GetAll(ctx)
	if err != nil {
		return res, fmt.Errorf("reading remote orders: %w", err)
	}

	tombKeys, err := e.local.ListTombstoneBusinessKeys(userID)
	if err != nil {
		return res, fmt.Errorf("reading tombstones: %w", err)
	}

	localByKey, err := e.collapseLocal(localRecords, &res)
	if err != nil {
		return res, err
	}

	remoteByKey := e.collapseRemote(remoteRecords, &res)

	hardDeleted := make(map[string]struct{}, len(tombKeys))
	for _, k := range tombKeys {
		hardDeleted[k] = struct{}{}
	}

	keys := unionKeys(localByKey, remoteByKey, hardDeleted)

	var (
		clearKeys   []string
		awaitDelete []string
	)

	for _, key := range keys {
		local := localByKey[key]
		rem := remoteByKey[key]
		_, hard := hardDeleted[key]

		decision := reconcile.Resolve(local, rem, hard)
		log := e.logger.With(
			slog.String("order_number", key),
			slog.String("decision", decision.String()),
		)

		switch decision {
		case reconcile.DecisionNoop:
			res.Unchanged++

		case reconcile.DecisionDownload:
			if local != nil {
				log.Info("remote version wins", slog.String("changes", reconcile.Describe(local, rem)))
			}

			incoming := *rem
			if incoming.UserID == "" {
				incoming.UserID = userID
			}

			if err := e.local.Upsert(incoming, localstore.MergeByBusinessKey); err != nil {
				return res, fmt.Errorf("applying remote order %s: %w", key, err)
			}

			if hard {
				clearKeys = append(clearKeys, key)
			}

			res.Downloaded++

		case reconcile.DecisionUpload:
			op := models.PendingOperation{TargetID: key, Kind: models.OpUpsert, Payload: local}
			if rem != nil {
				op.RemoteID = rem.ID
				log.Info("local version wins", slog.String("changes", reconcile.Describe(rem, local)))
			}

			queued, err := e.enqueue(op)
			if err != nil {
				return res, err
			}

			if queued {
				res.Uploaded++
			}

		case reconcile.DecisionDeleteRemote:
			op := models.PendingOperation{TargetID: key, Kind: models.OpDelete, RemoteID: rem.ID}

			queued, err := e.enqueue(op)
			if err != nil {
				return res, err
			}

			if queued {
				awaitDelete = append(awaitDelete, key)
				res.RemoteDeleted++
			}

		case reconcile.DecisionPurgeLocal:
			if local != nil {
				if err := e.local.Delete(local.ID); err != nil {
					return res, fmt.Errorf("purging order %s: %w", key, err)
				}
			}

			if hard {
				clearKeys = append(clearKeys, key)
			}

			res.Purged++
		}
	}

	if err := e.local.RemoveTombstoneBusinessKeys(userID, clearKeys...); err != nil {
		return res, err
	}

	if err := e.queue.Process(ctx); err != nil {
		res.Exhausted = countExhausted(err)
		e.noteDeliveryError(err)
	}

	if err := e.purgeConfirmed(userID, awaitDelete, localByKey); err != nil {
		return res, err
	}

	e.publish()

	return res, nil
}

// enqueue adds op to the outbox and reports whether it was queued.
// Invalid operations are skipped; they are already logged by the queue.
func (e *Engine) enqueue(op models.PendingOperation) (bool, error) {
	err := e.queue.Enqueue(op)
	if err == nil {
		return true, nil
	}

	if errors.Is(err, syncerrors.ErrValidation) {
		return false, nil
	}

	return false, fmt.Errorf("queueing %s %s: %w", op.Kind, op.TargetID, err)
}

// purgeConfirmed physically removes local tombstones whose remote delete
// left the outbox successfully during this round. A success clears any
// earlier failure of the same target, so HasFailed only holds keys whose
// delete is still failing.
func (e *Engine) purgeConfirmed(userID string, keys []string, localByKey map[string]*models.Order) error {
	var confirmed []string

	for _, key := range keys {
		pending, err := e.queue.Has(key)
		if err != nil {
			return err
		}

		failed, err := e.queue.HasFailed(key)
		if err != nil {
			return err
		}

		if pending || failed {
			continue
		}

		if local := localByKey[key]; local != nil {
			if err := e.local.Delete(local.ID); err != nil {
				return fmt.Errorf("purging order %s: %w", key, err)
			}
		}

		confirmed = append(confirmed, key)
	}

	return e.local.RemoveTombstoneBusinessKeys(userID, confirmed...)
}

// collapseLocal indexes local records by business key. When a key has
// several records the most recently touched one is kept and the others
// are deleted.
func (e *Engine) collapseLocal(records []models.Order, res *RoundResult) (map[string]*models.Order, error) {
	byKey := make(map[string]*models.Order, len(records))

	for _, group := range groupByKey(records, e.logger) {
		keep, drop := pickNewest(group)
		byKey[keep.Key()] = keep

		for _, d := range drop {
			e.logger.Info("removing duplicate local order",
				slog.String("order_number", d.Key()),
				slog.String("id", d.ID),
				slog.String("kept", keep.ID),
			)

			if err := e.local.Delete(d.ID); err != nil {
				return nil, fmt.Errorf("removing duplicate order %s: %w", d.ID, err)
			}

			res.Duplicates++
		}
	}

	return byKey, nil
}

// collapseRemote indexes remote records by business key. Extra remote
// records for one key are queued for deletion by their remote id.
func (e *Engine) collapseRemote(records []models.Order, res *RoundResult) map[string]*models.Order {
	byKey := make(map[string]*models.Order, len(records))

	for _, group := range groupByKey(records, e.logger) {
		keep, drop := pickNewest(group)
		byKey[keep.Key()] = keep

		for _, d := range drop {
			e.logger.Info("removing duplicate remote order",
				slog.String("order_number", d.Key()),
				slog.String("remote_id", d.ID),
				slog.String("kept", keep.ID),
			)

			op := models.PendingOperation{TargetID: d.ID, Kind: models.OpDelete, RemoteID: d.ID}
			if err := e.queue.Enqueue(op); err != nil {
				e.logger.Warn("queueing duplicate removal", slog.String("error", err.Error()))
				continue
			}

			res.Duplicates++
		}
	}

	return byKey
}

// groupByKey groups records by normalized business key in first-seen
// order. Records without a key are logged and skipped.
func groupByKey(records []models.Order, logger *slog.Logger) [][]*models.Order {
	index := make(map[string]int)

	var groups [][]*models.Order

	for i := range records {
		o := &records[i]

		key := o.Key()
		if key == "" {
			logger.Warn("skipping order without order number", slog.String("id", o.ID))
			continue
		}

		if g, ok := index[key]; ok {
			groups[g] = append(groups[g], o)
			continue
		}

		index[key] = len(groups)
		groups = append(groups, []*models.Order{o})
	}

	return groups
}

// pickNewest returns the record to keep and the rest. The most recently
// touched record wins; ties go to a live record, then the lower id.
func pickNewest(group []*models.Order) (*models.Order, []*models.Order) {
	sorted := slices.Clone(group)
	slices.SortStableFunc(sorted, func(a, b *models.Order) int {
		if c := b.LastTouched().Compare(a.LastTouched()); c != 0 {
			return c
		}

		if a.Deleted() != b.Deleted() {
			if a.Deleted() {
				return 1
			}

			return -1
		}

		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}

		return 0
	})

	return sorted[0], sorted[1:]
}

func unionKeys(local, remote map[string]*models.Order, hard map[string]struct{}) []string {
	seen := make(map[string]struct{}, len(local)+len(remote)+len(hard))

	for k := range local {
		seen[k] = struct{}{}
	}

	for k := range remote {
		seen[k] = struct{}{}
	}

	for k := range hard {
		seen[k] = struct{}{}
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	return keys
}

// noteDeliveryError records outbox problems that do not fail a round.
func (e *Engine) noteDeliveryError(err error) {
	if errors.Is(err, syncerrors.ErrAuth) {
		e.mu.Lock()
		e.needsAuth = true
		e.mu.Unlock()
	}

	e.logger.Warn("outbox delivery incomplete", slog.String("error", err.Error()))
}

// countExhausted counts QueueExhaustedErrors in a joined error.
func countExhausted(err error) int {
	var exhausted *outbox.QueueExhaustedError

	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		if errors.As(err, &exhausted) {
			return 1
		}

		return 0
	}

	n := 0

	for _, e := range joined.Unwrap() {
		if errors.As(e, &exhausted) {
			n++
		}
	}

	return n
}
