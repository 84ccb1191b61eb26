package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veracare/phi-core/pkg/types"
)

func TestMemoryStore_AppendCAS(t *testing.T) {
	ctx := context.Background()

	t.Run("appends in sequence", func(t *testing.T) {
		store := NewMemoryStore()
		for _, e := range buildChain(t, 3) {
			require.NoError(t, store.AppendCAS(ctx, e))
		}
		assert.Equal(t, 3, store.Len())
	})

	t.Run("taken sequence number conflicts", func(t *testing.T) {
		store := NewMemoryStore()
		chain := buildChain(t, 2)
		require.NoError(t, store.AppendCAS(ctx, chain[0]))

		loser := *chain[1]
		loser.SequenceNumber = 1
		err := store.AppendCAS(ctx, &loser)
		require.Error(t, err)
		assert.ErrorIs(t, err, types.ErrAppendConflict)
		assert.True(t, types.IsRetryable(err))
	})

	t.Run("duplicate event id is rejected without retry", func(t *testing.T) {
		store := NewMemoryStore()
		chain := buildChain(t, 2)
		require.NoError(t, store.AppendCAS(ctx, chain[0]))

		replayed := *chain[1]
		replayed.EventID = chain[0].EventID
		err := store.AppendCAS(ctx, &replayed)
		require.Error(t, err)
		var coreErr *types.CoreError
		require.ErrorAs(t, err, &coreErr)
		assert.Equal(t, types.ErrCodeDuplicateEvent, coreErr.Code)
		assert.False(t, types.IsRetryable(err))
		assert.Equal(t, 1, store.Len())
	})

	t.Run("appended records are immutable from the caller", func(t *testing.T) {
		store := NewMemoryStore()
		chain := buildChain(t, 1)
		require.NoError(t, store.AppendCAS(ctx, chain[0]))

		chain[0].Message = "mutated after append"
		tail, err := store.Tail(ctx)
		require.NoError(t, err)
		assert.Equal(t, "read diagnosis field", tail.Message)
	})
}
