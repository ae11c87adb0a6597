package history_test

import (
	"context"
	"sync"
	"testing"

	"github.com/RichardoC/relaychat/internal/history"
	"github.com/RichardoC/relaychat/internal/models"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_AppendAndClear(t *testing.T) {
	ctx := context.Background()
	s := history.NewMemoryStore()

	msgs, err := s.History(ctx, "a")
	require.NoError(t, err)
	require.Empty(t, msgs)

	require.NoError(t, s.Append(ctx, "a",
		models.NewMessage(models.RoleUser, "hi"),
		models.NewMessage(models.RoleAssistant, "hello"),
	))
	require.NoError(t, s.Append(ctx, "b", models.NewMessage(models.RoleUser, "other")))

	msgs, err = s.History(ctx, "a")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, models.RoleUser, msgs[0].Role)
	require.Equal(t, "hello", msgs[1].Content)

	require.NoError(t, s.Clear(ctx, "a"))
	msgs, err = s.History(ctx, "a")
	require.NoError(t, err)
	require.Empty(t, msgs)

	msgs, err = s.History(ctx, "b")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestMemoryStore_HistoryReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := history.NewMemoryStore()
	require.NoError(t, s.Append(ctx, "a", models.NewMessage(models.RoleUser, "hi")))

	msgs, err := s.History(ctx, "a")
	require.NoError(t, err)
	msgs[0].Content = "mutated"

	again, err := s.History(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "hi", again[0].Content)
}

func TestMemoryStore_ConcurrentAppend(t *testing.T) {
	ctx := context.Background()
	s := history.NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Append(ctx, "a",
				models.NewMessage(models.RoleUser, "q"),
				models.NewMessage(models.RoleAssistant, "a"),
			)
		}()
	}
	wg.Wait()

	msgs, err := s.History(ctx, "a")
	require.NoError(t, err)
	require.Len(t, msgs, 100)
	for i := 0; i < len(msgs); i += 2 {
		require.Equal(t, models.RoleUser, msgs[i].Role)
		require.Equal(t, models.RoleAssistant, msgs[i+1].Role)
	}
}
