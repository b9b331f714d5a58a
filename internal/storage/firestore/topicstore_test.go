//go:build integration

package firestore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-test/emulators"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fs "github.com/tinywideclouds/go-dispatch-service/internal/storage/firestore"
	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

func setupSuite(t *testing.T) (context.Context, *fs.TopicStore) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	projectID := "test-topic-store"
	conn := emulators.SetupFirestoreEmulator(t, ctx, emulators.GetDefaultFirestoreConfig(projectID))
	client, err := firestore.NewClient(ctx, projectID, conn.ClientOptions...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return ctx, fs.NewTopicStore(client, "")
}

func TestTopicStore_Integration(t *testing.T) {
	ctx, store := setupSuite(t)

	t.Run("Lifecycle", func(t *testing.T) {
		const name = "summer/sale 2024"

		active, err := store.IsActive(ctx, name)
		require.NoError(t, err)
		assert.False(t, active)

		require.NoError(t, store.EnsureActive(ctx, name))
		rec, err := store.Get(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, name, rec.Name)
		assert.False(t, rec.IsDeleted)

		require.NoError(t, store.MarkDeleted(ctx, name))
		active, err = store.IsActive(ctx, name)
		require.NoError(t, err)
		assert.False(t, active)

		require.NoError(t, store.EnsureActive(ctx, name))
		active, err = store.IsActive(ctx, name)
		require.NoError(t, err)
		assert.True(t, active)
	})

	t.Run("MarkDeleted on unknown topic", func(t *testing.T) {
		err := store.MarkDeleted(ctx, "never-created")
		assert.ErrorIs(t, err, dispatch.ErrTopicNotFound)
	})

	t.Run("Concurrent EnsureActive creates one record", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, store.EnsureActive(ctx, "race"))
			}()
		}
		wg.Wait()

		active, err := store.IsActive(ctx, "race")
		require.NoError(t, err)
		assert.True(t, active)
	})
}
