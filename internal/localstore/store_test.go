package localstore

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	syncerrors "github.com/spinsirr/order-wizard-sub000/internal/errors"
	"github.com/spinsirr/order-wizard-sub000/internal/models"
	"github.com/spinsirr/order-wizard-sub000/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s)
}

func order(id, user, number string) models.Order {
	return models.Order{
		ID:          id,
		UserID:      user,
		OrderNumber: number,
		Status:      models.StatusUncommented,
		UpdatedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// --- GetAll / Upsert ---

func TestGetAll_EmptyStore(t *testing.T) {
	s := testStore(t)
	all, err := s.GetAll("u1")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestGetAll_FiltersByUserKeepsTombstones(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Upsert(order("a", "u1", "111"), ByID))
	require.NoError(t, s.Upsert(order("b", "u2", "222"), ByID))

	del := time.Now()
	tomb := order("c", "u1", "333")
	tomb.DeletedAt = &del
	require.NoError(t, s.Upsert(tomb, ByID))

	all, err := s.GetAll("u1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)
	assert.True(t, all[1].Deleted())
}

func TestUpsert_ByIDReplaces(t *testing.T) {
	s := testStore(t)
	o := order("a", "u1", "111")
	require.NoError(t, s.Upsert(o, ByID))

	o.Note = "changed"
	require.NoError(t, s.Upsert(o, ByID))

	all, err := s.GetAll("u1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "changed", all[0].Note)
}

func TestUpsert_ByIDKeepsDifferentIDsWithSameKey(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Upsert(order("a", "u1", "111"), ByID))
	require.NoError(t, s.Upsert(order("b", "u1", "111"), ByID))

	all, err := s.GetAll("u1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestUpsert_MergeByBusinessKeyReplacesAllMatches(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Upsert(order("a", "u1", "111"), ByID))
	require.NoError(t, s.Upsert(order("b", "u1", "111"), ByID))
	require.NoError(t, s.Upsert(order("c", "u2", "111"), ByID))

	remote := order("remote-1", "u1", " 111 ")
	remote.Note = "from cloud"
	require.NoError(t, s.Upsert(remote, MergeByBusinessKey))

	all, err := s.GetAll("u1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "remote-1", all[0].ID)
	assert.Equal(t, "from cloud", all[0].Note)

	other, err := s.GetAll("u2")
	require.NoError(t, err)
	assert.Len(t, other, 1, "other users' records are untouched")
}

func TestUpsert_RejectsMissingBusinessKey(t *testing.T) {
	s := testStore(t)
	err := s.Upsert(order("a", "u1", ""), ByID)
	assert.ErrorIs(t, err, syncerrors.ErrValidation)
}

// --- Get / UpdateFields / Delete ---

func TestGet(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Upsert(order("a", "u1", "111"), ByID))

	o, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "111", o.OrderNumber)

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, syncerrors.ErrNotFound)
}

func TestUpdateFields(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Upsert(order("a", "u1", "111"), ByID))

	status := models.StatusCommented
	updated, err := s.UpdateFields("a", models.OrderPatch{Status: &status})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCommented, updated.Status)

	got, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCommented, got.Status)
}

func TestUpdateFields_NotFound(t *testing.T) {
	s := testStore(t)
	note := "x"
	_, err := s.UpdateFields("missing", models.OrderPatch{Note: &note})
	assert.ErrorIs(t, err, syncerrors.ErrNotFound)
}

func TestDelete(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Upsert(order("a", "u1", "111"), ByID))
	require.NoError(t, s.Delete("a"))

	all, err := s.GetAll("u1")
	require.NoError(t, err)
	assert.Empty(t, all)

	assert.NoError(t, s.Delete("a"), "deleting an absent record is not an error")
}

// --- Tombstone keys ---

func TestTombstoneKeys_Lifecycle(t *testing.T) {
	s := testStore(t)

	keys, err := s.ListTombstoneBusinessKeys("u1")
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, s.AddTombstoneBusinessKey("u1", "111"))
	require.NoError(t, s.AddTombstoneBusinessKey("u1", " 222"))
	require.NoError(t, s.AddTombstoneBusinessKey("u1", "111"))

	keys, err = s.ListTombstoneBusinessKeys("u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"111", "222"}, keys)

	require.NoError(t, s.RemoveTombstoneBusinessKeys("u1", "111", "999"))
	keys, err = s.ListTombstoneBusinessKeys("u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"222"}, keys)

	require.NoError(t, s.ClearTombstoneBusinessKeys("u1"))
	keys, err = s.ListTombstoneBusinessKeys("u1")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestTombstoneKeys_ScopedPerUser(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.AddTombstoneBusinessKey("u1", "111"))
	require.NoError(t, s.AddTombstoneBusinessKey("u2", "222"))

	keys, err := s.ListTombstoneBusinessKeys("u2")
	require.NoError(t, err)
	assert.Equal(t, []string{"222"}, keys)

	require.NoError(t, s.RemoveTombstoneBusinessKeys("u2", "111"))
	require.NoError(t, s.ClearTombstoneBusinessKeys("u2"))

	keys, err = s.ListTombstoneBusinessKeys("u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"111"}, keys)
}

func TestAddTombstoneBusinessKey_RejectsEmpty(t *testing.T) {
	s := testStore(t)
	assert.ErrorIs(t, s.AddTombstoneBusinessKey("u1", "  "), syncerrors.ErrValidation)
	assert.ErrorIs(t, s.AddTombstoneBusinessKey("", "111"), syncerrors.ErrValidation)
}

// --- Storage failures ---

type brokenKV struct{ err error }

func (b brokenKV) Get(string) ([]byte, error) { return nil, b.err }
func (b brokenKV) Set(string, []byte) error   { return b.err }
func (b brokenKV) Remove(string) error        { return b.err }

func TestStorageErrorsPropagate(t *testing.T) {
	boom := errors.New("disk full")
	s := New(brokenKV{err: boom})

	_, err := s.GetAll("u1")
	assert.ErrorIs(t, err, boom)

	assert.ErrorIs(t, s.Upsert(order("a", "u1", "111"), ByID), boom)

	_, err = s.ListTombstoneBusinessKeys("u1")
	assert.ErrorIs(t, err, boom)
}

func TestCorruptCollection(t *testing.T) {
	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Set(ordersKey, []byte("{not json")))

	_, err = New(st).GetAll("u1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding orders")
}
