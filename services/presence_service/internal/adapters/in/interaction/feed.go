package interaction

import (
	"sync"
	"time"

	"github.com/seqlab/presence/services/presence_service/internal/domain/entity"
	"github.com/seqlab/presence/services/presence_service/internal/ports/out"
)

const defaultBuffer = 64

type listener struct {
	kinds map[entity.InteractionKind]struct{}
	fn    func(entity.InteractionEvent)
}

// Feed 由界面层推送原始交互，异步分发给监听者。
// 分发协程与界面协程分离，监听者里的网络写入不会卡住界面；缓冲满时丢弃事件，活跃检测本来就会节流。
type Feed struct {
	now    func() time.Time
	events chan entity.InteractionEvent

	mu        sync.Mutex
	listeners map[uint64]listener
	nextID    uint64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ out.InteractionSource = (*Feed)(nil)

// NewFeed buffer 小于等于 0 时使用默认值；now 为空时使用 time.Now
func NewFeed(buffer int, now func() time.Time) *Feed {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if now == nil {
		now = time.Now
	}
	f := &Feed{
		now:       now,
		events:    make(chan entity.InteractionEvent, buffer),
		listeners: make(map[uint64]listener),
		done:      make(chan struct{}),
	}
	f.wg.Add(1)
	go f.dispatch()
	return f
}

func (f *Feed) Listen(kinds []entity.InteractionKind, fn func(entity.InteractionEvent)) (func(), error) {
	set := make(map[entity.InteractionKind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}

	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.listeners[id] = listener{kinds: set, fn: fn}
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.listeners, id)
			f.mu.Unlock()
		})
	}, nil
}

// Emit 非阻塞推送，返回 false 表示事件被丢弃
func (f *Feed) Emit(kind entity.InteractionKind) bool {
	select {
	case <-f.done:
		return false
	default:
	}
	select {
	case f.events <- entity.InteractionEvent{Kind: kind, At: f.now()}:
		return true
	default:
		return false
	}
}

// Listeners 当前监听者数量
func (f *Feed) Listeners() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

// Close 停止分发，重复调用安全
func (f *Feed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
	f.wg.Wait()
}

func (f *Feed) dispatch() {
	defer f.wg.Done()
	for {
		select {
		case <-f.done:
			return
		case ev := <-f.events:
			f.deliver(ev)
		}
	}
}

func (f *Feed) deliver(ev entity.InteractionEvent) {
	f.mu.Lock()
	targets := make([]func(entity.InteractionEvent), 0, len(f.listeners))
	for _, l := range f.listeners {
		if _, ok := l.kinds[ev.Kind]; ok {
			targets = append(targets, l.fn)
		}
	}
	f.mu.Unlock()

	for _, fn := range targets {
		fn(ev)
	}
}
