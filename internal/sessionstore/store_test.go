package sessionstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestCreate_WritesMetaAndEmptyLog(t *testing.T) {
	s := newTestStore(t)
	meta, err := s.Create("Planning Sync", []string{"scribe", "architect"})
	require.NoError(t, err)

	assert.Equal(t, StatusIdle, meta.Status)
	assert.Equal(t, 0, meta.MessageCount)
	assert.Contains(t, meta.ID, time.Now().UTC().Format("2006-01-02"))
	assert.Contains(t, meta.ID, "planning-sync")

	got, err := s.Get(meta.ID)
	require.NoError(t, err)
	assert.Equal(t, meta, got.Metadata)
	assert.Empty(t, got.Messages)
}

func TestCreate_CollidingSlugGetsDistinctID(t *testing.T) {
	s := newTestStore(t)
	a, err := s.Create("standup", nil)
	require.NoError(t, err)
	b, err := s.Create("standup", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestGet_UnknownID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList_SortedByLastActivityDescending(t *testing.T) {
	s := newTestStore(t)
	a, err := s.Create("alpha", nil)
	require.NoError(t, err)
	b, err := s.Create("beta", nil)
	require.NoError(t, err)

	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	_, err = s.UpdateMetadata(a.ID, MetadataUpdate{LastActivityAt: &older})
	require.NoError(t, err)
	_, err = s.UpdateMetadata(b.ID, MetadataUpdate{LastActivityAt: &newer})
	require.NoError(t, err)

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID)
	assert.Equal(t, a.ID, list[1].ID)
}

func TestAppendMessage_IncrementsCountAndBumpsActivity(t *testing.T) {
	s := newTestStore(t)
	meta, err := s.Create("retro", nil)
	require.NoError(t, err)

	err = s.AppendMessage(meta.ID, Message{Role: RoleUser, Content: "hello"})
	require.NoError(t, err)
	err = s.AppendMessage(meta.ID, Message{Role: RoleAssistant, Content: "hi there"})
	require.NoError(t, err)

	got, err := s.Get(meta.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Metadata.MessageCount)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "hello", got.Messages[0].Content)
	assert.Equal(t, "hi there", got.Messages[1].Content)
	assert.True(t, got.Metadata.LastActivityAt.After(meta.LastActivityAt) || got.Metadata.LastActivityAt.Equal(meta.LastActivityAt))
}

func TestAppendMessage_UnknownID(t *testing.T) {
	s := newTestStore(t)
	err := s.AppendMessage("nope", Message{Role: RoleUser, Content: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateMetadata_IDAndCreatedAtImmutable(t *testing.T) {
	s := newTestStore(t)
	meta, err := s.Create("sync", nil)
	require.NoError(t, err)

	newName := "renamed sync"
	updated, err := s.UpdateMetadata(meta.ID, MetadataUpdate{Name: &newName})
	require.NoError(t, err)

	assert.Equal(t, meta.ID, updated.ID)
	assert.Equal(t, meta.CreatedAt, updated.CreatedAt)
	assert.Equal(t, newName, updated.Name)
}

func TestUpdateMetadata_StatusTransition(t *testing.T) {
	s := newTestStore(t)
	meta, err := s.Create("sync", nil)
	require.NoError(t, err)

	running := StatusRunning
	updated, err := s.UpdateMetadata(meta.ID, MetadataUpdate{Status: &running})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, updated.Status)
}

func TestDelete_RemovesSession(t *testing.T) {
	s := newTestStore(t)
	meta, err := s.Create("tmp", nil)
	require.NoError(t, err)

	require.NoError(t, s.Delete(meta.ID))
	_, err = s.Get(meta.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete_UnknownID(t *testing.T) {
	s := newTestStore(t)
	err := s.Delete("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
