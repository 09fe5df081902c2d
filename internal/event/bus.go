package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"qtf/internal/logger"
)

var (
	// ErrQueueFull PublishNowait 遇到队列已满。
	ErrQueueFull = errors.New("event queue is full")
	// ErrBusClosed 总线已停止，拒绝新事件。
	ErrBusClosed = errors.New("event bus is closed")
)

// Handler 事件处理函数。返回的 error 会被捕获并转为 error 事件，
// 不会中断同一事件的后续 handler。
type Handler func(Event) error

// Subscription 一次注册的句柄，用于注销。
type Subscription struct {
	id  int64
	typ Type
	fn  Handler
}

// Type 返回订阅的事件类型。
func (s *Subscription) Type() Type { return s.typ }

const defaultQueueSize = 1024

// Bus 有序异步事件总线：单消费协程按 FIFO 派发，同一事件的 handler
// 按注册顺序串行执行。
type Bus struct {
	queue chan Event

	mu       sync.RWMutex
	handlers map[Type][]*Subscription

	pending atomic.Int64
	nextID  atomic.Int64

	lifeMu  sync.Mutex
	running bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewBus 创建总线。size<=0 时使用默认队列长度。
func NewBus(size int) *Bus {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Bus{
		queue:    make(chan Event, size),
		handlers: make(map[Type][]*Subscription),
	}
}

// Register 注册 handler，返回订阅句柄。
func (b *Bus) Register(t Type, fn Handler) *Subscription {
	sub := &Subscription{id: b.nextID.Add(1), typ: t, fn: fn}
	b.mu.Lock()
	b.handlers[t] = append(b.handlers[t], sub)
	b.mu.Unlock()
	return sub
}

// Unregister 注销指定订阅，重复注销为空操作。
func (b *Bus) Unregister(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.handlers[sub.typ]
	for i, s := range list {
		if s.id == sub.id {
			b.handlers[sub.typ] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// UnregisterAll 注销某一事件类型的全部 handler。
func (b *Bus) UnregisterAll(t Type) {
	b.mu.Lock()
	delete(b.handlers, t)
	b.mu.Unlock()
}

// Publish 发布事件。队列满时阻塞等待（背压），ctx 取消则放弃。
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if b.isClosed() {
		return ErrBusClosed
	}
	b.pending.Add(1)
	select {
	case b.queue <- ev:
		return nil
	case <-ctx.Done():
		b.pending.Add(-1)
		return ctx.Err()
	}
}

// PublishNowait 非阻塞发布，队列满时返回 ErrQueueFull。
func (b *Bus) PublishNowait(ev Event) error {
	if b.isClosed() {
		return ErrBusClosed
	}
	select {
	case b.queue <- ev:
		b.pending.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Start 启动消费协程，重复调用为空操作。
func (b *Bus) Start() error {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	if b.running {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	b.running = true
	go b.run(ctx)
	return nil
}

// Stop 停止总线：等待正在执行的 handler 结束后返回，
// 队列中尚未派发的事件被丢弃（at-most-once-in-flight 保证）。
func (b *Bus) Stop() {
	b.lifeMu.Lock()
	if !b.running {
		b.closed = true
		b.lifeMu.Unlock()
		return
	}
	b.running = false
	b.closed = true
	cancel, done := b.cancel, b.done
	b.lifeMu.Unlock()

	cancel()
	<-done
	if n := b.pending.Load(); n > 0 {
		logger.Debugf("event bus stopped, %d queued events discarded", n)
	}
}

// WaitEmpty 等待队列与在途事件全部处理完，超时返回 false。
func (b *Bus) WaitEmpty(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		if b.pending.Load() == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		<-ticker.C
	}
}

func (b *Bus) isClosed() bool {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()
	return b.closed
}

func (b *Bus) run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.queue:
			b.Dispatch(ev)
			b.pending.Add(-1)
		}
	}
}

// Dispatch 同步派发一个事件给全部已注册 handler。
// 回测引擎直接调用它驱动 bar 流，绕过异步队列以保证严格顺序。
func (b *Bus) Dispatch(ev Event) {
	b.mu.RLock()
	subs := b.handlers[ev.Type]
	snapshot := make([]*Subscription, len(subs))
	copy(snapshot, subs)
	b.mu.RUnlock()

	for _, sub := range snapshot {
		b.invoke(sub, ev)
	}
}

func (b *Bus) invoke(sub *Subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("event handler panic (type=%s): %v", ev.Type, r)
			b.emitError(ev, fmt.Errorf("handler panic: %v", r), r)
		}
	}()
	if err := sub.fn(ev); err != nil {
		logger.Warnf("event handler error (type=%s): %v", ev.Type, err)
		b.emitError(ev, err, nil)
	}
}

// emitError 将 handler 错误转为 error 事件。error 事件自身的 handler
// 出错只记日志，避免递归。消费协程未启动（同步派发模式）时直接
// 就地派发，保证错误事件不会滞留在队列里。
func (b *Bus) emitError(origin Event, err error, recovered any) {
	if origin.Type == TypeError {
		return
	}
	ev := New(TypeError, origin.Source, ErrorPayload{
		Origin:    origin.Type,
		Source:    origin.Source,
		Err:       err,
		Recovered: recovered,
	})
	b.lifeMu.Lock()
	running := b.running
	b.lifeMu.Unlock()
	if !running {
		b.Dispatch(ev)
		return
	}
	if pubErr := b.PublishNowait(ev); pubErr != nil {
		logger.Debugf("error event dropped: %v", pubErr)
	}
}
