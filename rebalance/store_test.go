package rebalance

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client)
}

func storeTestTask(id string) *Task {
	return &Task{
		ID:        id,
		Relayer:   common.HexToAddress("0x0000000000000000000000000000000000000bb1"),
		Token:     common.HexToAddress("0x0000000000000000000000000000000000000cc1"),
		Amount:    uint256.NewInt(190),
		Target:    uint256.NewInt(200),
		State:     StateFunding,
		Attempts:  1,
		FundingTx: common.HexToHash("0xfeed"),
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		UpdatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestTaskStores(t *testing.T) {
	stores := map[string]func(t *testing.T) TaskStore{
		"memory": func(t *testing.T) TaskStore { return NewMemoryStore() },
		"redis":  func(t *testing.T) TaskStore { return newTestRedisStore(t) },
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("roundtrip", func(t *testing.T) {
				store := newStore(t)
				task := storeTestTask("task-1")
				require.NoError(t, store.Save(ctx, task))

				loaded, err := store.Load(ctx)
				require.NoError(t, err)
				require.Len(t, loaded, 1)
				require.Equal(t, task.ID, loaded[0].ID)
				require.Equal(t, task.Relayer, loaded[0].Relayer)
				require.Equal(t, task.Token, loaded[0].Token)
				require.Equal(t, task.Amount, loaded[0].Amount)
				require.Equal(t, task.Target, loaded[0].Target)
				require.Equal(t, task.State, loaded[0].State)
				require.Equal(t, task.Attempts, loaded[0].Attempts)
				require.Equal(t, task.FundingTx, loaded[0].FundingTx)
			})

			t.Run("save overwrites by id", func(t *testing.T) {
				store := newStore(t)
				task := storeTestTask("task-1")
				require.NoError(t, store.Save(ctx, task))

				task.State = StateVerifying
				task.Attempts = 2
				require.NoError(t, store.Save(ctx, task))

				loaded, err := store.Load(ctx)
				require.NoError(t, err)
				require.Len(t, loaded, 1)
				require.Equal(t, StateVerifying, loaded[0].State)
				require.Equal(t, 2, loaded[0].Attempts)
			})

			t.Run("remove", func(t *testing.T) {
				store := newStore(t)
				require.NoError(t, store.Save(ctx, storeTestTask("task-1")))
				require.NoError(t, store.Save(ctx, storeTestTask("task-2")))

				require.NoError(t, store.Remove(ctx, "task-1"))
				require.NoError(t, store.Remove(ctx, "task-1"))

				loaded, err := store.Load(ctx)
				require.NoError(t, err)
				require.Len(t, loaded, 1)
				require.Equal(t, "task-2", loaded[0].ID)
			})
		})
	}
}
