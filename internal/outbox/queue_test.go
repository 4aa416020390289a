package outbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/spinsirr/order-wizard-sub000/internal/clock"
	syncerrors "github.com/spinsirr/order-wizard-sub000/internal/errors"
	"github.com/spinsirr/order-wizard-sub000/internal/models"
	"github.com/spinsirr/order-wizard-sub000/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var epoch = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	q         *Queue
	remote    *MockRemote
	clock     *clock.Fake
	state     *state.State
	exhausted []*QueueExhaustedError
	authErrs  []error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctrl := gomock.NewController(t)
	f := &fixture{
		remote: NewMockRemote(ctrl),
		clock:  clock.NewFake(epoch),
		state:  st,
	}
	f.q = New(Config{
		Store:       st,
		Remote:      f.remote,
		Clock:       f.clock,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnExhausted: func(e *QueueExhaustedError) { f.exhausted = append(f.exhausted, e) },
		OnAuthError: func(err error) { f.authErrs = append(f.authErrs, err) },
	})

	return f
}

func upsert(number, note string) models.PendingOperation {
	return models.PendingOperation{
		TargetID: number,
		Kind:     models.OpUpsert,
		Payload:  &models.Order{ID: "id-" + number, OrderNumber: number, Note: note},
	}
}

func remoteUpsert(number, remoteID string) models.PendingOperation {
	op := upsert(number, "")
	op.RemoteID = remoteID
	return op
}

func deleteOp(number, remoteID string) models.PendingOperation {
	return models.PendingOperation{TargetID: number, Kind: models.OpDelete, RemoteID: remoteID}
}

func pendingCount(t *testing.T, q *Queue) int {
	t.Helper()
	n, err := q.PendingCount()
	require.NoError(t, err)
	return n
}

func netErr() error {
	return fmt.Errorf("POST /orders: %w", syncerrors.ErrNetwork)
}

// --- Enqueue ---

func TestEnqueue_SupersedesSameTarget(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.q.Enqueue(upsert("111", "first")))
	require.NoError(t, f.q.Enqueue(upsert("111", "second")))
	require.NoError(t, f.q.Enqueue(upsert("222", "other")))

	ops, err := f.q.Pending()
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "111", ops[0].TargetID)
	assert.Equal(t, "second", ops[0].Payload.Note)
	assert.Equal(t, "222", ops[1].TargetID)
}

func TestEnqueue_DeleteSupersedesUpsert(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.q.Enqueue(upsert("111", "x")))
	require.NoError(t, f.q.Enqueue(deleteOp("111", "r1")))

	ops, err := f.q.Pending()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, models.OpDelete, ops[0].Kind)
}

func TestEnqueue_SameWorkKeepsBackoff(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.q.Enqueue(upsert("111", "x")))

	f.remote.EXPECT().SaveAll(gomock.Any(), gomock.Any()).Return([]error{netErr()})
	require.NoError(t, f.q.Process(context.Background()))

	before, err := f.q.Pending()
	require.NoError(t, err)
	require.Len(t, before, 1)

	require.NoError(t, f.q.Enqueue(upsert("111", "x")))

	ops, err := f.q.Pending()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, before[0].ID, ops[0].ID)
	assert.Equal(t, 1, ops[0].RetryCount)
	assert.Equal(t, epoch.Add(time.Second), ops[0].NextAttemptAt)
	assert.NotEmpty(t, ops[0].LastError)

	// Still backed off: no remote call.
	require.NoError(t, f.q.Process(context.Background()))
}

func TestEnqueue_ChangedWorkResetsBackoff(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.q.Enqueue(upsert("111", "x")))

	f.remote.EXPECT().SaveAll(gomock.Any(), gomock.Any()).Return([]error{netErr()})
	require.NoError(t, f.q.Process(context.Background()))

	require.NoError(t, f.q.Enqueue(upsert("111", "edited")))

	ops, err := f.q.Pending()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Zero(t, ops[0].RetryCount)
	assert.True(t, ops[0].NextAttemptAt.IsZero())
	assert.Equal(t, "edited", ops[0].Payload.Note)
}

func TestEnqueue_FillsTargetFromPayload(t *testing.T) {
	f := newFixture(t)

	op := upsert(" 111 ", "")
	op.TargetID = ""
	require.NoError(t, f.q.Enqueue(op))

	has, err := f.q.Has("111")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestEnqueue_RejectsInvalid(t *testing.T) {
	f := newFixture(t)

	err := f.q.Enqueue(upsert("", "no key"))
	assert.ErrorIs(t, err, syncerrors.ErrValidation)

	err = f.q.Enqueue(deleteOp("111", ""))
	assert.ErrorIs(t, err, syncerrors.ErrValidation)

	assert.Zero(t, pendingCount(t, f.q))
}

func TestEnqueue_CopiesPayload(t *testing.T) {
	f := newFixture(t)

	op := upsert("111", "before")
	require.NoError(t, f.q.Enqueue(op))
	op.Payload.Note = "mutated after enqueue"

	ops, err := f.q.Pending()
	require.NoError(t, err)
	assert.Equal(t, "before", ops[0].Payload.Note)
}

func TestPendingCount_ReadsStorageBeforeProcess(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.q.Enqueue(upsert("111", "")))
	require.NoError(t, f.q.Enqueue(upsert("222", "")))

	// A fresh queue over the same store sees the persisted items.
	fresh := New(Config{Store: f.state, Remote: f.remote, Clock: f.clock})
	assert.Equal(t, 2, pendingCount(t, fresh))
}

// --- Process: success paths ---

func TestProcess_BatchesCreates(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.q.Enqueue(upsert("111", "")))
	require.NoError(t, f.q.Enqueue(upsert("222", "")))

	f.remote.EXPECT().SaveAll(gomock.Any(), gomock.Len(2)).
		DoAndReturn(func(_ context.Context, orders []models.Order) []error {
			assert.Equal(t, "111", orders[0].OrderNumber)
			assert.Equal(t, "222", orders[1].OrderNumber)
			return []error{nil, nil}
		})

	require.NoError(t, f.q.Process(context.Background()))
	assert.Zero(t, pendingCount(t, f.q))
}

func TestProcess_BatchesDeletesAndTreatsNotFoundAsSuccess(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.q.Enqueue(deleteOp("111", "r1")))
	require.NoError(t, f.q.Enqueue(deleteOp("222", "r2")))

	f.remote.EXPECT().DeleteAll(gomock.Any(), []string{"r1", "r2"}).
		Return([]error{nil, fmt.Errorf("DELETE: %w", syncerrors.ErrNotFound)})

	require.NoError(t, f.q.Process(context.Background()))
	assert.Zero(t, pendingCount(t, f.q))

	failed, err := f.q.Failed()
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestProcess_UpdatesKnownRemoteRecord(t *testing.T) {
	f := newFixture(t)
	op := remoteUpsert("111", "r1")
	op.Payload.Status = models.StatusReimbursed
	require.NoError(t, f.q.Enqueue(op))

	f.remote.EXPECT().Update(gomock.Any(), "r1", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, p models.OrderPatch) error {
			require.NotNil(t, p.Status)
			assert.Equal(t, models.StatusReimbursed, *p.Status)
			return nil
		})

	require.NoError(t, f.q.Process(context.Background()))
	assert.Zero(t, pendingCount(t, f.q))
}

func TestProcess_UpdateFallsBackToCreateOnNotFound(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.q.Enqueue(remoteUpsert("111", "r1")))

	gomock.InOrder(
		f.remote.EXPECT().Update(gomock.Any(), "r1", gomock.Any()).Return(syncerrors.ErrNotFound),
		f.remote.EXPECT().Create(gomock.Any(), gomock.Any()).Return(models.Order{}, nil),
	)

	require.NoError(t, f.q.Process(context.Background()))
	assert.Zero(t, pendingCount(t, f.q))
}

func TestProcess_EmptyQueueMakesNoCalls(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.q.Process(context.Background()))
}

func TestAdd_ProcessesImmediately(t *testing.T) {
	f := newFixture(t)
	f.remote.EXPECT().SaveAll(gomock.Any(), gomock.Len(1)).Return([]error{nil})

	require.NoError(t, f.q.Add(context.Background(), upsert("111", "")))
	assert.Zero(t, pendingCount(t, f.q))
}

func TestAdd_InvalidNeverReachesRemote(t *testing.T) {
	f := newFixture(t)
	err := f.q.Add(context.Background(), upsert("", ""))
	assert.ErrorIs(t, err, syncerrors.ErrValidation)
}

// --- Process: failures ---

func TestProcess_NetworkFailureBacksOff(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.q.Enqueue(upsert("111", "")))

	f.remote.EXPECT().SaveAll(gomock.Any(), gomock.Any()).Return([]error{netErr()})
	require.NoError(t, f.q.Process(context.Background()), "transient failures are not returned")

	ops, err := f.q.Pending()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, 1, ops[0].RetryCount)
	assert.Equal(t, epoch.Add(time.Second), ops[0].NextAttemptAt)
	assert.Contains(t, ops[0].LastError, "network")

	// Not due yet: no remote call.
	require.NoError(t, f.q.Process(context.Background()))
}

func TestProcess_ExhaustsAfterThreeFailures(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.q.Enqueue(upsert("111", "")))

	f.remote.EXPECT().SaveAll(gomock.Any(), gomock.Any()).Return([]error{netErr()}).Times(3)

	require.NoError(t, f.q.Process(context.Background()))
	assert.Equal(t, 1, pendingCount(t, f.q))

	// The scheduled wake-ups drive the next two attempts: 1s, then 5s.
	f.clock.Advance(time.Second)
	ops, err := f.q.Pending()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, 2, ops[0].RetryCount)
	assert.Equal(t, epoch.Add(6*time.Second), ops[0].NextAttemptAt)

	f.clock.Advance(5 * time.Second)
	assert.Zero(t, pendingCount(t, f.q))

	require.Len(t, f.exhausted, 1)
	assert.Equal(t, "111", f.exhausted[0].Op.TargetID)
	assert.ErrorIs(t, f.exhausted[0], syncerrors.ErrQueueExhausted)
	assert.ErrorIs(t, f.exhausted[0], syncerrors.ErrNetwork)

	failed, err := f.q.Failed()
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "111", failed[0].Operation.TargetID)
	assert.Equal(t, 3, failed[0].Operation.RetryCount)

	hasFailed, err := f.q.HasFailed("111")
	require.NoError(t, err)
	assert.True(t, hasFailed)
}

func TestProcess_ReturnsExhaustedError(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.q.Enqueue(upsert("111", "")))

	// Persist the item as already failed twice and due now.
	ops, err := f.q.Pending()
	require.NoError(t, err)
	ops[0].RetryCount = 2
	require.NoError(t, f.q.savePending(ops))

	f.remote.EXPECT().SaveAll(gomock.Any(), gomock.Any()).Return([]error{netErr()})

	err = f.q.Process(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerrors.ErrQueueExhausted)

	var exhausted *QueueExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, "111", exhausted.Op.TargetID)
	assert.Zero(t, pendingCount(t, f.q))
}

func TestProcess_ExhaustionDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.q.Enqueue(upsert("111", "")))
	require.NoError(t, f.q.Enqueue(upsert("222", "")))

	f.remote.EXPECT().SaveAll(gomock.Any(), gomock.Len(2)).Return([]error{netErr(), nil})

	require.NoError(t, f.q.Process(context.Background()))

	ops, err := f.q.Pending()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "111", ops[0].TargetID)
}

func TestProcess_AuthErrorKeepsItemAndStopsPass(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.q.Enqueue(upsert("111", "")))
	require.NoError(t, f.q.Enqueue(remoteUpsert("222", "r2")))

	authErr := fmt.Errorf("POST /orders: %w", syncerrors.ErrAuth)
	f.remote.EXPECT().SaveAll(gomock.Any(), gomock.Any()).Return([]error{authErr})
	// No Update expected: the pass stops at the auth failure.

	err := f.q.Process(context.Background())
	assert.ErrorIs(t, err, syncerrors.ErrAuth)
	require.Len(t, f.authErrs, 1)

	ops, err := f.q.Pending()
	require.NoError(t, err)
	require.Len(t, ops, 2)

	for _, op := range ops {
		assert.Zero(t, op.RetryCount, "auth failures are not retries")
		assert.True(t, op.NextAttemptAt.IsZero())
	}
}

func TestProcess_ServerValidationErrorDropsAsFailed(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.q.Enqueue(upsert("111", "")))

	f.remote.EXPECT().SaveAll(gomock.Any(), gomock.Any()).
		Return([]error{fmt.Errorf("POST /orders: %w", syncerrors.ErrValidation)})

	require.NoError(t, f.q.Process(context.Background()))
	assert.Zero(t, pendingCount(t, f.q))

	failed, err := f.q.Failed()
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Reason, "invalid record")
	assert.Empty(t, f.exhausted)
}

func TestProcess_SuccessClearsEarlierFailure(t *testing.T) {
	f := newFixture(t)

	f.remote.EXPECT().SaveAll(gomock.Any(), gomock.Any()).
		Return([]error{fmt.Errorf("POST: %w", syncerrors.ErrValidation)})
	require.NoError(t, f.q.Add(context.Background(), upsert("111", "bad")))

	f.remote.EXPECT().SaveAll(gomock.Any(), gomock.Any()).Return([]error{nil})
	require.NoError(t, f.q.Add(context.Background(), upsert("111", "good")))

	failed, err := f.q.Failed()
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestProcess_SupersededWhileInFlightStaysQueued(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.q.Enqueue(upsert("111", "old")))

	f.remote.EXPECT().SaveAll(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ []models.Order) []error {
			require.NoError(t, f.q.Enqueue(upsert("111", "new")))
			return []error{nil}
		})

	require.NoError(t, f.q.Process(context.Background()))

	ops, err := f.q.Pending()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "new", ops[0].Payload.Note)
}

func TestProcess_ReentrantCallIsIgnored(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.q.Enqueue(upsert("111", "")))

	entered := make(chan struct{})
	release := make(chan struct{})

	f.remote.EXPECT().SaveAll(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ []models.Order) []error {
			close(entered)
			<-release
			return []error{nil}
		}).Times(1)

	done := make(chan error, 1)
	go func() { done <- f.q.Process(context.Background()) }()

	<-entered
	assert.NoError(t, f.q.Process(context.Background()), "second Process returns at once")
	close(release)

	require.NoError(t, <-done)
	assert.Zero(t, pendingCount(t, f.q))
}

func TestClearFailed(t *testing.T) {
	f := newFixture(t)
	f.remote.EXPECT().SaveAll(gomock.Any(), gomock.Any()).
		Return([]error{fmt.Errorf("POST: %w", syncerrors.ErrValidation)})
	require.NoError(t, f.q.Add(context.Background(), upsert("111", "")))

	require.NoError(t, f.q.ClearFailed())

	failed, err := f.q.Failed()
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, backoff(1))
	assert.Equal(t, 5*time.Second, backoff(2))
	assert.Equal(t, 15*time.Second, backoff(3))
	assert.Equal(t, 15*time.Second, backoff(10))
	assert.Equal(t, time.Second, backoff(0))
}
