package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newInvocation(t *testing.T, action string) *Invocation {
	t.Helper()
	id, err := uuid.NewV7()
	require.NoError(t, err)
	return &Invocation{
		ID:        id.String(),
		Action:    action,
		Source:    "test",
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
}

func TestSaveAndGetInvocation(t *testing.T) {
	s := newTestStore(t)

	inv := newInvocation(t, "philips_hue_factory_reset")
	inv.Args = map[string]any{
		"serial_numbers": []any{"aabbcc"},
		"zcl":            map[string]any{"command_key": "on"},
	}
	require.NoError(t, s.SaveInvocation(inv))

	finished := inv.StartedAt.Add(16 * time.Second)
	inv.Status = StatusFailed
	inv.Error = "touchlink lock contention"
	inv.FinishedAt = &finished
	inv.Response = []byte(`{"ok":true}`)
	require.NoError(t, s.SaveInvocation(inv))

	got, err := s.GetInvocation(inv.ID)
	require.NoError(t, err)
	assert.Equal(t, inv.ID, got.ID)
	assert.Equal(t, "philips_hue_factory_reset", got.Action)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, inv.Error, got.Error)
	assert.Equal(t, inv.Response, got.Response)
	assert.True(t, inv.StartedAt.Equal(got.StartedAt), "start time keeps nanoseconds")
	require.NotNil(t, got.FinishedAt)
	assert.Equal(t, 16*time.Second, got.Duration())

	nested, ok := got.Args["zcl"].(map[string]any)
	require.True(t, ok, "nested args decode as string-keyed maps, got %T", got.Args["zcl"])
	assert.Equal(t, "on", nested["command_key"])
	assert.Equal(t, []any{"aabbcc"}, got.Args["serial_numbers"])
}

func TestGetInvocationNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetInvocation(uuid.NewString())
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = s.GetInvocation("not-a-uuid")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveInvocationRejectsBadID(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.SaveInvocation(&Invocation{ID: "nope"}))
}

func TestListInvocationsNewestFirst(t *testing.T) {
	s := newTestStore(t)

	var ids []string
	for i := 0; i < 5; i++ {
		inv := newInvocation(t, "raw")
		ids = append(ids, inv.ID)
		require.NoError(t, s.SaveInvocation(inv))
	}

	all, err := s.ListInvocations(0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, inv := range all {
		assert.Equal(t, ids[len(ids)-1-i], inv.ID)
	}

	top, err := s.ListInvocations(2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, ids[4], top[0].ID)
	assert.Equal(t, ids[3], top[1].ID)
}

func TestPrune(t *testing.T) {
	s := newTestStore(t)

	var ids []string
	for i := 0; i < 6; i++ {
		inv := newInvocation(t, "raw")
		ids = append(ids, inv.ID)
		require.NoError(t, s.SaveInvocation(inv))
	}

	removed, err := s.Prune(4)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	left, err := s.ListInvocations(0)
	require.NoError(t, err)
	require.Len(t, left, 4)
	assert.Equal(t, ids[5], left[0].ID)
	assert.Equal(t, ids[2], left[3].ID)

	_, err = s.GetInvocation(ids[0])
	assert.ErrorIs(t, err, ErrNotFound)

	removed, err = s.Prune(10)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestNetworkState(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetNetworkState()
	assert.ErrorIs(t, err, ErrNotFound)

	state := &NetworkState{
		PanID:         0x1A62,
		ExtendedPanID: "0xdddddddddddddddd",
		Channel:       15,
		UpdatedAt:     time.Now().UTC(),
	}
	require.NoError(t, s.SaveNetworkState(state))

	got, err := s.GetNetworkState()
	require.NoError(t, err)
	assert.Equal(t, state.PanID, got.PanID)
	assert.Equal(t, state.ExtendedPanID, got.ExtendedPanID)
	assert.Equal(t, state.Channel, got.Channel)
	assert.True(t, state.UpdatedAt.Equal(got.UpdatedAt))
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	s, err := NewBoltStore(path)
	require.NoError(t, err)
	inv := newInvocation(t, "raw")
	require.NoError(t, s.SaveInvocation(inv))
	require.NoError(t, s.Close())

	s2, err := NewBoltStore(path)
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.GetInvocation(inv.ID)
	require.NoError(t, err)
	assert.Equal(t, "raw", got.Action)
}
