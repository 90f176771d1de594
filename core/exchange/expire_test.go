package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relay-x-project/relay/core/envelope"
	"github.com/relay-x-project/relay/internal/logger"
)

func TestSweeperRemovesExpiredTasks(t *testing.T) {
	f := newFixture(t)
	m := NewManager[*envelope.TaskRequest](logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.RunSweeper(ctx, time.Hour) // interval long; wake-on-insert drives it

	delSub := m.SubscribeDeleted()
	defer delSub.Cancel()

	env := f.task(t, 50*time.Millisecond)
	require.NoError(t, m.Insert(env))

	select {
	case id := <-delSub.C():
		require.Equal(t, env.WaitID(), id)
	case <-time.After(2 * time.Second):
		t.Fatal("expired task was not swept")
	}
	require.Equal(t, 0, m.Len())

	_, err := m.Get(env.WaitID())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSweeperLeavesLiveTasks(t *testing.T) {
	f := newFixture(t)
	m := NewManager[*envelope.TaskRequest](logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.RunSweeper(ctx, 20*time.Millisecond)

	env := f.task(t, time.Hour)
	require.NoError(t, m.Insert(env))

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, m.Len())
}

func TestSweeperEndsResultWaiters(t *testing.T) {
	f := newFixture(t)
	m := NewManager[*envelope.TaskRequest](logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.RunSweeper(ctx, time.Hour)

	env := f.task(t, 50*time.Millisecond)
	require.NoError(t, m.Insert(env))
	taskID := env.WaitID()

	set, err := m.OpenResults(taskID, f.a1)
	require.NoError(t, err)
	defer set.NewSub.Cancel()
	defer set.DelSub.Cancel()

	one := uint(1)
	wait := 5 * time.Second
	block := envelope.BlockSpec{WaitCount: &one, WaitTime: &wait}

	buf, err := Await(context.Background(), set.Results, block, set.NewSub, set.DelSub, nil, &taskID, nil)
	require.ErrorIs(t, err, ErrWatchedDeleted)
	require.Empty(t, buf)
}
