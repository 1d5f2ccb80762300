package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type keyStore interface {
	Get(ctx context.Context, sessionID string, minutes int) (string, error)
	Put(ctx context.Context, sessionID string, minutes int, key string) error
	Delete(ctx context.Context, sessionID string, minutes int) error
}

func TestExtensionKeyStore(t *testing.T) {
	stores := map[string]keyStore{
		"sqlite": NewExtensionKeyStore(newTestDB(t)),
		"memory": NewMemoryKeyStore(),
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Get(ctx, "sess-1", 30)
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.Put(ctx, "sess-1", 30, "key-a"))
			require.NoError(t, store.Put(ctx, "sess-1", 60, "key-b"))

			key, err := store.Get(ctx, "sess-1", 30)
			require.NoError(t, err)
			assert.Equal(t, "key-a", key)

			require.NoError(t, store.Put(ctx, "sess-1", 30, "key-c"))
			key, err = store.Get(ctx, "sess-1", 30)
			require.NoError(t, err)
			assert.Equal(t, "key-c", key)

			require.NoError(t, store.Delete(ctx, "sess-1", 30))
			_, err = store.Get(ctx, "sess-1", 30)
			assert.ErrorIs(t, err, ErrNotFound)

			key, err = store.Get(ctx, "sess-1", 60)
			require.NoError(t, err)
			assert.Equal(t, "key-b", key, "keys are per duration")
		})
	}
}
