package blobstore

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virelle/corpus/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "files"))
	require.NoError(t, err)
	return store
}

func TestStorePutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	id := uuid.New()

	require.NoError(t, store.PutBytes(id, []byte("hello")))

	path := store.Get(id)
	require.NotEmpty(t, path)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), content)
	assert.True(t, store.Contains(id))
}

func TestStoreShardedLayout(t *testing.T) {
	store := newTestStore(t)
	id, err := ParseUUID("4f2b69b5-7a33-4bd6-b04e-9c2c35c5a3f1")
	require.NoError(t, err)

	require.NoError(t, store.PutBytes(id, []byte("x")))

	path := store.Get(id)
	want := filepath.Join("4f", "2b", "4f2b69b5-7a33-4bd6-b04e-9c2c35c5a3f1")
	assert.True(t, strings.HasSuffix(path, want), "path %q should end with %q", path, want)
}

func TestStoreGetMissing(t *testing.T) {
	store := newTestStore(t)
	assert.Empty(t, store.Get(uuid.New()))
	assert.False(t, store.Contains(uuid.New()))
}

func TestStoreDelete(t *testing.T) {
	store := newTestStore(t)
	id := uuid.New()
	require.NoError(t, store.PutBytes(id, []byte("bye")))

	require.NoError(t, store.Delete(id))
	assert.Empty(t, store.Get(id))

	err := store.Delete(id)
	assert.True(t, stderrors.Is(err, domain.ErrNotFound))
}

func TestStoreOverwrite(t *testing.T) {
	store := newTestStore(t)
	id := uuid.New()
	require.NoError(t, store.PutBytes(id, []byte("v1")))
	require.NoError(t, store.PutBytes(id, []byte("v2")))

	content, err := os.ReadFile(store.Get(id))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), content)
}

func TestParseUUIDRejectsGarbage(t *testing.T) {
	_, err := ParseUUID("not-a-uuid")
	assert.True(t, stderrors.Is(err, domain.ErrValidation))
}
