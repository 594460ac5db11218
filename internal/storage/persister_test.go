package storage

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshot struct {
	IDs   []string `json:"ids"`
	Count int      `json:"count"`
}

type fakeEvictor struct {
	store *MemoryStore
	calls int
}

func (f *fakeEvictor) EvictOldest(ctx context.Context, n int) (int, error) {
	f.calls++
	f.store.SetQuota(0)
	return n, nil
}

func TestPersisterRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	p := NewPersister(store, nil, nil, 0, logrus.New()).Namespace("offline-queue")

	require.NoError(t, p.Save(ctx, "snapshot", snapshot{IDs: []string{"a", "b"}, Count: 2}))

	keys, err := store.Keys(ctx, "offline-queue:")
	require.NoError(t, err)
	assert.Equal(t, []string{"offline-queue:snapshot"}, keys)

	var loaded snapshot
	found, err := p.Load(ctx, "snapshot", &loaded)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"a", "b"}, loaded.IDs)

	found, err = p.Load(ctx, "missing", &loaded)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPersisterQuotaExceededEvictsAndRetries(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(8)
	evictor := &fakeEvictor{store: store}
	p := NewPersister(store, nil, evictor, 10, logrus.New())

	err := p.Save(ctx, "big", snapshot{IDs: []string{"0123456789"}})
	require.NoError(t, err)
	assert.Equal(t, 1, evictor.calls)

	var loaded snapshot
	found, err := p.Load(ctx, "big", &loaded)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestPersisterQuotaWithoutEvictor(t *testing.T) {
	store := NewMemoryStore(4)
	p := NewPersister(store, nil, nil, 0, logrus.New())

	err := p.Save(context.Background(), "big", snapshot{Count: 12345})
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestZstdCodec(t *testing.T) {
	codec, err := NewZstdCodec(64)
	require.NoError(t, err)
	defer codec.Close()

	small := []byte(`{"a":1}`)
	encoded, err := codec.Encode(small)
	require.NoError(t, err)
	assert.Equal(t, small, encoded)

	large := []byte(strings.Repeat(`{"resource":"transactions"},`, 100))
	encoded, err = codec.Encode(large)
	require.NoError(t, err)
	assert.Less(t, len(encoded), len(large))
	assert.True(t, bytes.HasPrefix(encoded, zstdMagic))

	decoded, err := codec.Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, large, decoded)

	plain, err := codec.Decode(small)
	require.NoError(t, err)
	assert.Equal(t, small, plain)
}

func TestPersisterWithZstd(t *testing.T) {
	ctx := context.Background()
	codec, err := NewZstdCodec(16)
	require.NoError(t, err)
	defer codec.Close()

	p := NewPersister(NewMemoryStore(0), codec, nil, 0, logrus.New())
	ids := make([]string, 200)
	for i := range ids {
		ids[i] = "request"
	}
	require.NoError(t, p.Save(ctx, "snapshot", snapshot{IDs: ids, Count: len(ids)}))

	var loaded snapshot
	_, err = p.Load(ctx, "snapshot", &loaded)
	require.NoError(t, err)
	assert.Equal(t, 200, loaded.Count)
}
