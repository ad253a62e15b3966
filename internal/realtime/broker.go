package realtime

import (
	"sync"

	"github.com/hitushen/mcwatch/internal/metrics"
	"github.com/hitushen/mcwatch/internal/models"
)

// DefaultBuffer 是每个订阅者通道的默认容量。
const DefaultBuffer = 64

// Broker 负责向订阅者分发监控事件。
type Broker struct {
	mu      sync.RWMutex
	clients map[chan models.MonitorEvent]struct{}
	closed  bool
	metrics *metrics.Metrics
}

// NewBroker 创建一个新的 Broker 实例，m 可以为 nil。
func NewBroker(m *metrics.Metrics) *Broker {
	return &Broker{
		clients: make(map[chan models.MonitorEvent]struct{}),
		metrics: m,
	}
}

// Subscribe 注册订阅通道并同时返回清理函数。buffer 不大于 0 时使用 DefaultBuffer。
func (b *Broker) Subscribe(buffer int) (<-chan models.MonitorEvent, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan models.MonitorEvent, buffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.clients[ch]; ok {
				delete(b.clients, ch)
				close(ch)
			}
		})
	}
	return ch, cleanup
}

// Publish 将事件广播给所有订阅者。
func (b *Broker) Publish(evt models.MonitorEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- evt:
		default:
			// 订阅者处理过慢则丢弃消息，避免阻塞监控循环。
			b.metrics.Dropped()
		}
	}
}

// Subscribers 返回当前订阅者数量。
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close 关闭所有订阅通道，之后的 Publish 不再投递。
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.clients {
		close(ch)
		delete(b.clients, ch)
	}
}
