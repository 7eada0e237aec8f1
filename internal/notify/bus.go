package notify

import (
	"log/slog"
	"sync"
)

// DropRecorder は配信できなかったイベントと購読者数を記録する。
type DropRecorder interface {
	RecordEventDropped(eventType string)
	SetEventSubscribers(n int)
}

// Bus はユーザー単位の購読者へイベントを配信する。
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]map[*Subscription]struct{}
	count   int
	closed  bool
	logger  *slog.Logger
	metrics DropRecorder
}

// NewBus はBusの新しいインスタンスを生成する。metrics は nil でもよい。
func NewBus(logger *slog.Logger, metrics DropRecorder) *Bus {
	return &Bus{
		subs:    make(map[string]map[*Subscription]struct{}),
		logger:  logger,
		metrics: metrics,
	}
}

// Subscription は1つの接続（デバイス）の購読。
// 受信側は Events() を読み続けるか、Close() で購読を解除する責任を持つ。
type Subscription struct {
	bus    *Bus
	userID string
	ch     chan Event
	once   sync.Once
}

// Subscribe は userID 宛のイベントを受け取る購読を登録する。
// buffer は取りこぼしまでに保持できるイベント数。
func (b *Bus) Subscribe(userID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 1
	}
	sub := &Subscription{bus: b, userID: userID, ch: make(chan Event, buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[*Subscription]struct{})
	}
	b.subs[userID][sub] = struct{}{}
	b.count++
	b.reportSubscribers()

	return sub
}

// Publish はイベントを宛先ユーザーの全購読者へ配信する。
// 決してブロックせず、バッファが満杯の購読者にはイベントを破棄する。
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs[evt.UserID] {
		select {
		case sub.ch <- evt:
		default:
			if b.metrics != nil {
				b.metrics.RecordEventDropped(string(evt.Type))
			}
			b.logger.Warn("event dropped: subscriber buffer full",
				slog.String("user_id", evt.UserID),
				slog.String("event_type", string(evt.Type)),
			)
		}
	}
}

// SubscriberCount は現在の購読者数を返す。
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Close は全購読を終了し、以降の Subscribe は即座に閉じた購読を返す。
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for sub := range subs {
			sub.once.Do(func() { close(sub.ch) })
		}
	}
	b.subs = make(map[string]map[*Subscription]struct{})
	b.count = 0
	b.reportSubscribers()
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.subs[sub.userID]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.subs, sub.userID)
	}
	b.count--
	sub.once.Do(func() { close(sub.ch) })
	b.reportSubscribers()
}

func (b *Bus) reportSubscribers() {
	if b.metrics != nil {
		b.metrics.SetEventSubscribers(b.count)
	}
}

// Events は配信されたイベントを受け取るチャネルを返す。
// 購読が解除されるとチャネルは閉じられる。
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close は購読を解除する。複数回呼んでも安全。
func (s *Subscription) Close() {
	s.bus.remove(s)
}
