package snapshot

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/component-runtime/api"
)

// storeUnderTest runs the shared contract tests against both backends.
func storeUnderTest(t *testing.T, name string) api.SnapshotStore {
	t.Helper()
	switch name {
	case "memory":
		return NewMemoryStore()
	case "sqlite":
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "snapshots.db"), zerolog.Nop())
		require.NoError(t, err)
		return s
	}
	t.Fatalf("unknown backend %q", name)
	return nil
}

func TestStoreContract(t *testing.T) {
	for _, backend := range []string{"memory", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			s := storeUnderTest(t, backend)
			defer s.Close()

			t.Run("versions increase per component", func(t *testing.T) {
				v1, err := s.Save(ctx, "comp-a", []byte("one"))
				require.NoError(t, err)
				v2, err := s.Save(ctx, "comp-a", []byte("two"))
				require.NoError(t, err)
				assert.Equal(t, uint64(1), v1)
				assert.Equal(t, uint64(2), v2)

				// Independent counter per component.
				vb, err := s.Save(ctx, "comp-b", []byte("b1"))
				require.NoError(t, err)
				assert.Equal(t, uint64(1), vb)
			})

			t.Run("load and latest", func(t *testing.T) {
				rec, err := s.Load(ctx, "comp-a", 1)
				require.NoError(t, err)
				assert.Equal(t, "comp-a", rec.ComponentID)
				assert.Equal(t, []byte("one"), rec.Payload)
				assert.False(t, rec.CreatedAt.IsZero())

				latest, err := s.Latest(ctx, "comp-a")
				require.NoError(t, err)
				assert.Equal(t, uint64(2), latest.Version)
				assert.Equal(t, []byte("two"), latest.Payload)
			})

			t.Run("missing records", func(t *testing.T) {
				_, err := s.Load(ctx, "comp-a", 99)
				assert.ErrorIs(t, err, ErrNotFound)
				_, err = s.Latest(ctx, "ghost")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("prune keeps pinned versions", func(t *testing.T) {
				for i := 0; i < 4; i++ {
					_, err := s.Save(ctx, "comp-a", []byte{byte(i)})
					require.NoError(t, err)
				}
				require.NoError(t, s.Pin(ctx, "comp-a", 1))
				require.NoError(t, s.Prune(ctx, 2))

				versions, err := s.Versions(ctx, "comp-a")
				require.NoError(t, err)
				assert.Equal(t, []uint64{1, 5, 6}, versions)

				// New versions continue past the pruned range.
				v, err := s.Save(ctx, "comp-a", []byte("next"))
				require.NoError(t, err)
				assert.Equal(t, uint64(7), v)
			})

			t.Run("unpin exposes versions to pruning", func(t *testing.T) {
				require.NoError(t, s.Unpin(ctx, "comp-a"))
				require.NoError(t, s.Prune(ctx, 1))
				versions, err := s.Versions(ctx, "comp-a")
				require.NoError(t, err)
				assert.Equal(t, []uint64{7}, versions)
			})

			t.Run("prune zero keeps everything", func(t *testing.T) {
				require.NoError(t, s.Prune(ctx, 0))
				versions, err := s.Versions(ctx, "comp-b")
				require.NoError(t, err)
				assert.Equal(t, []uint64{1}, versions)
			})
		})
	}
}

func TestCodecRoundTrip(t *testing.T) {
	payload, err := Encode(map[string]any{"count": 5, "title": "docs"})
	require.NoError(t, err)

	got, err := Decode(payload)
	require.NoError(t, err)
	m, ok := got.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 5, m["count"])
	assert.Equal(t, "docs", m["title"])
}

func TestDecodeCorruptPayload(t *testing.T) {
	_, err := Decode([]byte{0xff, 0x00, 0x13, 0x37})
	assert.ErrorIs(t, err, ErrCorrupted)
}

// failingStore fails Save a configured number of times before
// delegating to an in-memory backend.
type failingStore struct {
	*MemoryStore
	failures int
	attempts int
}

func (f *failingStore) Save(ctx context.Context, id string, payload []byte) (uint64, error) {
	f.attempts++
	if f.attempts <= f.failures {
		return 0, errors.New("disk full")
	}
	return f.MemoryStore.Save(ctx, id, payload)
}

func TestRetryStoreRecoversFromTransientFailure(t *testing.T) {
	inner := &failingStore{MemoryStore: NewMemoryStore(), failures: 2}
	s := NewRetryStore(inner, time.Second, zerolog.Nop())

	v, err := s.Save(context.Background(), "comp-a", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)
	assert.Equal(t, 3, inner.attempts)
}

func TestRetryStoreExhaustionFiresHook(t *testing.T) {
	inner := &failingStore{MemoryStore: NewMemoryStore(), failures: 1 << 30}
	s := NewRetryStore(inner, 50*time.Millisecond, zerolog.Nop())

	var exhaustedID string
	var calls int
	s.OnExhausted = func(id string, err error) {
		exhaustedID = id
		calls++
	}

	_, err := s.Save(context.Background(), "comp-a", []byte("x"))
	assert.ErrorIs(t, err, ErrWrite)
	assert.Equal(t, "comp-a", exhaustedID)
	assert.Equal(t, 1, calls)
	assert.Greater(t, inner.attempts, 1)
}

func TestRetryStoreHonorsContextCancel(t *testing.T) {
	inner := &failingStore{MemoryStore: NewMemoryStore(), failures: 1 << 30}
	s := NewRetryStore(inner, 10*time.Second, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := s.Save(ctx, "comp-a", []byte("x"))
	assert.Error(t, err)
}
