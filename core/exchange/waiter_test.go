package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relay-x-project/relay/core/envelope"
)

// item is a minimal HasWaitID for waiter tests.
type item struct {
	id    envelope.MsgID
	value int
}

func (i item) WaitID() envelope.MsgID { return i.id }

func subPair() (*Broadcaster[item], *Subscription[item], *Broadcaster[envelope.MsgID], *Subscription[envelope.MsgID]) {
	newB := NewBroadcaster[item](16)
	delB := NewBroadcaster[envelope.MsgID](16)
	return newB, newB.Subscribe(), delB, delB.Subscribe()
}

func TestAwaitReturnsImmediatelyWithoutBlockSpec(t *testing.T) {
	_, newSub, _, delSub := subPair()
	initial := []item{{id: envelope.NewMsgID()}}

	start := time.Now()
	got, err := Await(context.Background(), initial, envelope.BlockSpec{}, newSub, delSub, nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestAwaitDeadline(t *testing.T) {
	_, newSub, _, delSub := subPair()
	two := uint(2)
	wait := 80 * time.Millisecond
	block := envelope.BlockSpec{WaitCount: &two, WaitTime: &wait}

	start := time.Now()
	got, err := Await(context.Background(), []item{{id: envelope.NewMsgID()}}, block, newSub, delSub, nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, got, 1, "deadline before count returns the partial buffer")
	require.GreaterOrEqual(t, time.Since(start), wait)
}

func TestAwaitCountThreshold(t *testing.T) {
	newB, newSub, _, delSub := subPair()
	two := uint(2)
	wait := 5 * time.Second
	block := envelope.BlockSpec{WaitCount: &two, WaitTime: &wait}

	done := make(chan []item, 1)
	go func() {
		got, _ := Await(context.Background(), nil, block, newSub, delSub, nil, nil, nil)
		done <- got
	}()

	time.Sleep(20 * time.Millisecond)
	newB.Send(item{id: envelope.NewMsgID(), value: 1})
	newB.Send(item{id: envelope.NewMsgID(), value: 2})

	select {
	case got := <-done:
		require.Len(t, got, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not stop at count threshold")
	}
}

func TestAwaitFilter(t *testing.T) {
	newB, newSub, _, delSub := subPair()
	one := uint(1)
	wait := 200 * time.Millisecond
	block := envelope.BlockSpec{WaitCount: &one, WaitTime: &wait}

	done := make(chan []item, 1)
	go func() {
		got, _ := Await(context.Background(), nil, block, newSub, delSub,
			func(i item) bool { return i.value > 10 }, nil, nil)
		done <- got
	}()

	time.Sleep(20 * time.Millisecond)
	newB.Send(item{id: envelope.NewMsgID(), value: 1})
	newB.Send(item{id: envelope.NewMsgID(), value: 42})

	got := <-done
	require.Len(t, got, 1)
	require.Equal(t, 42, got[0].value)
}

func TestAwaitDedupsByWaitID(t *testing.T) {
	newB, newSub, _, delSub := subPair()
	two := uint(2)
	wait := 150 * time.Millisecond
	block := envelope.BlockSpec{WaitCount: &two, WaitTime: &wait}

	shared := envelope.NewMsgID()
	var events []StreamEventKind
	done := make(chan []item, 1)
	go func() {
		got, _ := Await(context.Background(), nil, block, newSub, delSub, nil, nil,
			func(ev StreamEvent[item]) { events = append(events, ev.Kind) })
		done <- got
	}()

	time.Sleep(20 * time.Millisecond)
	newB.Send(item{id: shared, value: 1})
	time.Sleep(20 * time.Millisecond)
	newB.Send(item{id: shared, value: 2})

	got := <-done
	require.Len(t, got, 1, "same wait id must replace, not accumulate")
	require.Equal(t, 2, got[0].value)
	require.Contains(t, events, StreamNew)
	require.Contains(t, events, StreamUpdated)
	require.Contains(t, events, StreamExpired)
}

func TestAwaitListModeDropsDeleted(t *testing.T) {
	newB, newSub, delB, delSub := subPair()
	three := uint(3)
	wait := 150 * time.Millisecond
	block := envelope.BlockSpec{WaitCount: &three, WaitTime: &wait}

	doomed := envelope.NewMsgID()
	done := make(chan []item, 1)
	go func() {
		got, _ := Await(context.Background(), nil, block, newSub, delSub, nil, nil, nil)
		done <- got
	}()

	time.Sleep(20 * time.Millisecond)
	newB.Send(item{id: doomed, value: 1})
	newB.Send(item{id: envelope.NewMsgID(), value: 2})
	time.Sleep(20 * time.Millisecond)
	delB.Send(doomed)

	got := <-done
	require.Len(t, got, 1)
	require.Equal(t, 2, got[0].value)
}

func TestAwaitWatchModeTerminatesOnWatchedDeletion(t *testing.T) {
	_, newSub, delB, delSub := subPair()
	five := uint(5)
	wait := 5 * time.Second
	block := envelope.BlockSpec{WaitCount: &five, WaitTime: &wait}

	watched := envelope.NewMsgID()
	initial := []item{{id: envelope.NewMsgID(), value: 1}}

	type out struct {
		buf []item
		err error
	}
	done := make(chan out, 1)
	go func() {
		buf, err := Await(context.Background(), initial, block, newSub, delSub, nil, &watched, nil)
		done <- out{buf, err}
	}()

	time.Sleep(20 * time.Millisecond)
	delB.Send(envelope.NewMsgID()) // unrelated deletion is ignored
	delB.Send(watched)

	select {
	case o := <-done:
		require.ErrorIs(t, o.err, ErrWatchedDeleted)
		require.Len(t, o.buf, 1, "partial buffer is preserved")
	case <-time.After(2 * time.Second):
		t.Fatal("watch-mode waiter did not terminate on deletion")
	}
}

func TestAwaitLaggedChannelIsFatal(t *testing.T) {
	newB := NewBroadcaster[item](1)
	newSub := newB.Subscribe()
	delB := NewBroadcaster[envelope.MsgID](16)
	delSub := delB.Subscribe()

	ten := uint(10)
	wait := 5 * time.Second
	block := envelope.BlockSpec{WaitCount: &ten, WaitTime: &wait}

	errCh := make(chan error, 1)
	go func() {
		// Overflow the capacity-1 buffer before the waiter drains it.
		newB.Send(item{id: envelope.NewMsgID()})
		newB.Send(item{id: envelope.NewMsgID()})
		newB.Send(item{id: envelope.NewMsgID()})
		_, err := Await(context.Background(), nil, block, newSub, delSub, nil, nil, nil)
		errCh <- err
	}()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrLagged)
	case <-time.After(2 * time.Second):
		t.Fatal("lag was not surfaced")
	}
}
