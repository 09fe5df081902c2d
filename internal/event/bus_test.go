package event

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDispatchOrder(t *testing.T) {
	bus := NewBus(16)
	var order []string
	var mu sync.Mutex
	record := func(name string) Handler {
		return func(Event) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	bus.Register(TypeBar, record("first"))
	bus.Register(TypeBar, record("second"))
	bus.Register(TypeBar, record("third"))

	bus.Dispatch(New(TypeBar, "test", nil))
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestBusHandlerErrorDoesNotStopOthers(t *testing.T) {
	bus := NewBus(16)
	var errPayloads []ErrorPayload
	secondRan := false

	bus.Register(TypeBar, func(Event) error { return errors.New("handler one failed") })
	bus.Register(TypeBar, func(Event) error { secondRan = true; return nil })
	bus.Register(TypeError, func(ev Event) error {
		if p, ok := ev.Data.(ErrorPayload); ok {
			errPayloads = append(errPayloads, p)
		}
		return nil
	})

	bus.Dispatch(New(TypeBar, "test", nil))

	// 第二个 handler 照常执行，错误被转成 error 事件
	assert.True(t, secondRan)
	require.Len(t, errPayloads, 1)
	assert.Equal(t, TypeBar, errPayloads[0].Origin)
	assert.EqualError(t, errPayloads[0].Err, "handler one failed")
}

func TestBusHandlerPanicRecovered(t *testing.T) {
	bus := NewBus(16)
	var payload ErrorPayload
	bus.Register(TypeBar, func(Event) error { panic("boom") })
	bus.Register(TypeError, func(ev Event) error {
		payload = ev.Data.(ErrorPayload)
		return nil
	})

	assert.NotPanics(t, func() {
		bus.Dispatch(New(TypeBar, "test", nil))
	})
	assert.Equal(t, TypeBar, payload.Origin)
	assert.NotNil(t, payload.Recovered)
}

func TestBusAsyncFIFO(t *testing.T) {
	bus := NewBus(64)
	var got []int
	done := make(chan struct{})
	bus.Register(TypeBar, func(ev Event) error {
		got = append(got, ev.Data.(int))
		if len(got) == 10 {
			close(done)
		}
		return nil
	})
	require.NoError(t, bus.Start())
	defer bus.Stop()

	for i := 0; i < 10; i++ {
		require.NoError(t, bus.PublishNowait(New(TypeBar, "test", i)))
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("事件未在期限内处理完")
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestBusPublishNowaitQueueFull(t *testing.T) {
	bus := NewBus(2)
	require.NoError(t, bus.PublishNowait(New(TypeBar, "test", 1)))
	require.NoError(t, bus.PublishNowait(New(TypeBar, "test", 2)))
	assert.ErrorIs(t, bus.PublishNowait(New(TypeBar, "test", 3)), ErrQueueFull)
}

func TestBusPublishBlocksUntilCancelled(t *testing.T) {
	bus := NewBus(1)
	require.NoError(t, bus.PublishNowait(New(TypeBar, "test", 1)))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := bus.Publish(ctx, New(TypeBar, "test", 2))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBusWaitEmpty(t *testing.T) {
	bus := NewBus(16)
	bus.Register(TypeBar, func(Event) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	})
	require.NoError(t, bus.Start())
	defer bus.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.PublishNowait(New(TypeBar, "test", i)))
	}
	assert.True(t, bus.WaitEmpty(2*time.Second))
	assert.True(t, bus.WaitEmpty(time.Millisecond)) // 已空时立即返回
}

func TestBusWaitEmptyTimeout(t *testing.T) {
	bus := NewBus(16)
	bus.Register(TypeBar, func(Event) error {
		time.Sleep(500 * time.Millisecond)
		return nil
	})
	require.NoError(t, bus.Start())
	defer bus.Stop()

	require.NoError(t, bus.PublishNowait(New(TypeBar, "test", 1)))
	assert.False(t, bus.WaitEmpty(20*time.Millisecond))
}

func TestBusStopRejectsNewEvents(t *testing.T) {
	bus := NewBus(16)
	require.NoError(t, bus.Start())
	bus.Stop()

	assert.ErrorIs(t, bus.PublishNowait(New(TypeBar, "test", 1)), ErrBusClosed)
	assert.ErrorIs(t, bus.Publish(context.Background(), New(TypeBar, "test", 1)), ErrBusClosed)
	assert.ErrorIs(t, bus.Start(), ErrBusClosed)
}

func TestBusUnregister(t *testing.T) {
	bus := NewBus(16)
	count := 0
	sub := bus.Register(TypeBar, func(Event) error { count++; return nil })
	keep := bus.Register(TypeBar, func(Event) error { return nil })

	bus.Dispatch(New(TypeBar, "test", nil))
	assert.Equal(t, 1, count)

	bus.Unregister(sub)
	bus.Dispatch(New(TypeBar, "test", nil))
	assert.Equal(t, 1, count)

	// 重复注销与 nil 注销都是空操作
	bus.Unregister(sub)
	bus.Unregister(nil)

	bus.UnregisterAll(TypeBar)
	_ = keep
	bus.Dispatch(New(TypeBar, "test", nil))
	assert.Equal(t, 1, count)
}

func TestBusStartIdempotent(t *testing.T) {
	bus := NewBus(16)
	require.NoError(t, bus.Start())
	require.NoError(t, bus.Start())
	bus.Stop()
	bus.Stop() // 重复 Stop 也安全
}
