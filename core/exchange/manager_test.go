package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relay-x-project/relay/core/envelope"
	"github.com/relay-x-project/relay/core/identity"
	"github.com/relay-x-project/relay/internal/logger"
)

type fixture struct {
	broker identity.BrokerID
	a1     identity.AppOrProxyID // issuer
	b1     identity.AppOrProxyID // recipient
	c1     identity.AppOrProxyID // bystander
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	broker, err := identity.NewBrokerID("broker23.example.org")
	require.NoError(t, err)
	parse := func(s string) identity.AppOrProxyID {
		id, err := identity.ParseAppOrProxyID(s, broker)
		require.NoError(t, err)
		return id
	}
	return fixture{
		broker: broker,
		a1:     parse("app1.proxy42.broker23.example.org"),
		b1:     parse("app1.proxy23.broker23.example.org"),
		c1:     parse("app2.proxy23.broker23.example.org"),
	}
}

func (f fixture) task(t *testing.T, ttl time.Duration, to ...identity.AppOrProxyID) *envelope.Signed[*envelope.TaskRequest] {
	t.Helper()
	if len(to) == 0 {
		to = []identity.AppOrProxyID{f.b1}
	}
	msg := &envelope.TaskRequest{
		ID:        envelope.NewMsgID(),
		From:      f.a1,
		To:        to,
		TTL:       envelope.Duration(ttl),
		CreatedAt: time.Now(),
		Body:      "ciphertext",
		Failure:   envelope.Discard(),
	}
	return envelope.NewSigned(msg, "sig", f.a1)
}

func (f fixture) result(task envelope.MsgID, from identity.AppOrProxyID, status envelope.WorkStatus) *envelope.Signed[*envelope.TaskResult] {
	msg := &envelope.TaskResult{
		From:   from,
		To:     []identity.AppOrProxyID{f.a1},
		Task:   task,
		Status: status,
	}
	return envelope.NewSigned(msg, "sig", from)
}

func TestInsertAndGet(t *testing.T) {
	f := newFixture(t)
	m := NewManager[*envelope.TaskRequest](logger.Nop())

	env := f.task(t, time.Minute)
	require.NoError(t, m.Insert(env))
	require.Equal(t, 1, m.Len())

	got, err := m.Get(env.WaitID())
	require.NoError(t, err)
	require.Equal(t, env.Msg.ID, got.Msg.ID)
	require.True(t, got.From().Equal(f.a1))

	_, err = m.Get(envelope.NewMsgID())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInsertConflict(t *testing.T) {
	f := newFixture(t)
	m := NewManager[*envelope.TaskRequest](logger.Nop())

	env := f.task(t, time.Minute)
	require.NoError(t, m.Insert(env))
	err := m.Insert(env)
	require.ErrorIs(t, err, ErrConflict)
	require.Equal(t, 1, m.Len())
}

func TestInsertRejectsMalformed(t *testing.T) {
	f := newFixture(t)
	m := NewManager[*envelope.TaskRequest](logger.Nop())

	env := f.task(t, time.Minute)
	env.Msg.To = nil
	require.ErrorIs(t, m.Insert(env), ErrBadRequest)
}

func TestInsertBroadcastsToSubscribers(t *testing.T) {
	f := newFixture(t)
	m := NewManager[*envelope.TaskRequest](logger.Nop())

	sub := m.SubscribeNew()
	defer sub.Cancel()

	env := f.task(t, time.Minute)
	require.NoError(t, m.Insert(env))

	select {
	case got := <-sub.C():
		require.Equal(t, env.Msg.ID, got.Msg.ID)
	case <-time.After(time.Second):
		t.Fatal("no new-task broadcast received")
	}
}

func TestPutResult(t *testing.T) {
	f := newFixture(t)
	m := NewManager[*envelope.TaskRequest](logger.Nop())
	env := f.task(t, time.Minute)
	require.NoError(t, m.Insert(env))
	taskID := env.WaitID()

	t.Run("created then updated", func(t *testing.T) {
		created, err := m.PutResult(taskID, f.result(taskID, f.b1, envelope.StatusClaimed))
		require.NoError(t, err)
		require.True(t, created)

		created, err = m.PutResult(taskID, f.result(taskID, f.b1, envelope.StatusSucceeded))
		require.NoError(t, err)
		require.False(t, created, "second result from same worker replaces")

		got, err := m.Get(taskID)
		require.NoError(t, err)
		require.Len(t, got.Msg.Results, 1)
		require.Equal(t, envelope.StatusSucceeded, got.Msg.Results[f.b1.String()].Msg.Status)
	})

	t.Run("unauthorized worker", func(t *testing.T) {
		_, err := m.PutResult(taskID, f.result(taskID, f.c1, envelope.StatusSucceeded))
		require.ErrorIs(t, err, ErrUnauthorized)
		got, _ := m.Get(taskID)
		require.Len(t, got.Msg.Results, 1, "state must be unchanged")
	})

	t.Run("task id mismatch", func(t *testing.T) {
		_, err := m.PutResult(taskID, f.result(envelope.NewMsgID(), f.b1, envelope.StatusSucceeded))
		require.ErrorIs(t, err, ErrBadRequest)
	})

	t.Run("unknown task", func(t *testing.T) {
		other := envelope.NewMsgID()
		_, err := m.PutResult(other, f.result(other, f.b1, envelope.StatusSucceeded))
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestPutResultRejectedOnSocketPayload(t *testing.T) {
	f := newFixture(t)
	m := NewManager[*envelope.SocketRequest](logger.Nop())
	msg := &envelope.SocketRequest{
		ID:        envelope.NewMsgID(),
		From:      f.a1,
		To:        []identity.AppOrProxyID{f.b1},
		TTL:       envelope.Duration(time.Minute),
		CreatedAt: time.Now(),
	}
	require.NoError(t, m.Insert(envelope.NewSigned(msg, "sig", f.a1)))

	_, err := m.PutResult(msg.ID, f.result(msg.ID, f.b1, envelope.StatusSucceeded))
	require.ErrorIs(t, err, ErrBadRequest)
}

func TestOpenResults(t *testing.T) {
	f := newFixture(t)
	m := NewManager[*envelope.TaskRequest](logger.Nop())
	env := f.task(t, time.Minute)
	require.NoError(t, m.Insert(env))
	taskID := env.WaitID()

	_, err := m.PutResult(taskID, f.result(taskID, f.b1, envelope.StatusClaimed))
	require.NoError(t, err)

	t.Run("issuer reads snapshot and subscription", func(t *testing.T) {
		set, err := m.OpenResults(taskID, f.a1)
		require.NoError(t, err)
		defer set.NewSub.Cancel()
		defer set.DelSub.Cancel()
		require.Len(t, set.Results, 1)

		_, err = m.PutResult(taskID, f.result(taskID, f.b1, envelope.StatusSucceeded))
		require.NoError(t, err)
		select {
		case res := <-set.NewSub.C():
			require.Equal(t, envelope.StatusSucceeded, res.Msg.Status)
		case <-time.After(time.Second):
			t.Fatal("no result broadcast received")
		}
	})

	t.Run("non-issuer is rejected", func(t *testing.T) {
		_, err := m.OpenResults(taskID, f.b1)
		require.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("unknown task", func(t *testing.T) {
		_, err := m.OpenResults(envelope.NewMsgID(), f.a1)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRemoveBroadcastsDeletion(t *testing.T) {
	f := newFixture(t)
	m := NewManager[*envelope.TaskRequest](logger.Nop())
	env := f.task(t, time.Minute)
	require.NoError(t, m.Insert(env))

	sub := m.SubscribeDeleted()
	defer sub.Cancel()

	require.NoError(t, m.Remove(env.WaitID()))
	require.ErrorIs(t, m.Remove(env.WaitID()), ErrNotFound)

	select {
	case id := <-sub.C():
		require.Equal(t, env.WaitID(), id)
	case <-time.After(time.Second):
		t.Fatal("no deletion broadcast received")
	}
}

func TestWaitForTasksImmediate(t *testing.T) {
	f := newFixture(t)
	m := NewManager[*envelope.TaskRequest](logger.Nop())
	env := f.task(t, time.Minute)
	require.NoError(t, m.Insert(env))

	forB1 := func(e *envelope.Signed[*envelope.TaskRequest]) bool {
		return identity.ContainsID(e.Msg.To, f.b1)
	}
	got, err := m.WaitForTasks(context.Background(), envelope.BlockSpec{}, forB1)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestWaitForTasksWakesOnInsert(t *testing.T) {
	f := newFixture(t)
	m := NewManager[*envelope.TaskRequest](logger.Nop())

	one := uint(1)
	wait := 5 * time.Second
	block := envelope.BlockSpec{WaitCount: &one, WaitTime: &wait}

	done := make(chan []*envelope.Signed[*envelope.TaskRequest], 1)
	go func() {
		got, err := m.WaitForTasks(context.Background(), block, func(e *envelope.Signed[*envelope.TaskRequest]) bool {
			return identity.ContainsID(e.Msg.To, f.b1)
		})
		if err != nil {
			done <- nil
			return
		}
		done <- got
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, m.Insert(f.task(t, time.Minute)))

	select {
	case got := <-done:
		require.Len(t, got, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not wake on insert")
	}
}

func TestWaitForTasksCanceledClient(t *testing.T) {
	f := newFixture(t)
	m := NewManager[*envelope.TaskRequest](logger.Nop())
	_ = f

	ctx, cancel := context.WithCancel(context.Background())
	one := uint(1)
	wait := 10 * time.Second
	errCh := make(chan error, 1)
	go func() {
		_, err := m.WaitForTasks(ctx, envelope.BlockSpec{WaitCount: &one, WaitTime: &wait}, nil)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		require.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not observe cancellation")
	}
}
