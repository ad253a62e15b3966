// Package monitor 周期性轮询一组目标，把相邻快照的差异转换为事件。
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hitushen/mcwatch/internal/coordinator"
	"github.com/hitushen/mcwatch/internal/metrics"
	"github.com/hitushen/mcwatch/internal/models"
	"github.com/hitushen/mcwatch/internal/realtime"
)

// 引擎的默认参数。
const (
	DefaultFailureThreshold = 3
	DefaultInterval         = 30 * time.Second
	DefaultMinInterval      = time.Second
	DefaultMaxInterval      = 10 * time.Minute
	DefaultConcurrency      = 16
	DefaultTimeout          = 3 * time.Second
	DefaultEventBuffer      = 256
)

// Engine 保存监控会话的配置，零值字段使用默认值。
type Engine struct {
	Prober coordinator.Prober
	// FailureThreshold 是判定离线所需的连续失败次数。
	FailureThreshold int
	HistoryCapacity  int
	MinInterval      time.Duration
	MaxInterval      time.Duration
	Concurrency      int
	Timeout          time.Duration
	EventBuffer      int
	// Broker 非空时事件同时广播给其订阅者。
	Broker  *realtime.Broker
	Metrics *metrics.Metrics
	Log     *slog.Logger
}

// Handle 是一个运行中的监控会话。
type Handle struct {
	id          uuid.UUID
	coord       *coordinator.Coordinator
	targets     []models.ServerTarget
	trackers    []*tracker
	status      map[string]*atomic.Pointer[TargetStatus]
	threshold   int
	concurrency int
	timeout     time.Duration
	minInterval time.Duration
	maxInterval time.Duration
	interval    atomic.Int64
	wake        chan struct{}
	events      chan models.MonitorEvent
	seq         uint64
	broker      *realtime.Broker
	metrics     *metrics.Metrics
	log         *slog.Logger

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// Start 校验参数并启动轮询协程，第一轮立即开始。
// 重复的目标只监控一次。
func (e *Engine) Start(ctx context.Context, targets []models.ServerTarget, interval time.Duration) (*Handle, error) {
	if e.Prober == nil {
		return nil, fmt.Errorf("nil prober: %w", models.ErrInvalidArgument)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no targets: %w", models.ErrInvalidArgument)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval %s: %w", interval, models.ErrInvalidArgument)
	}
	for _, t := range targets {
		if t.Host == "" || t.Port <= 0 || t.Port > 65535 {
			return nil, fmt.Errorf("target %q: %w", t.Key(), models.ErrInvalidArgument)
		}
	}

	log := e.Log
	if log == nil {
		log = slog.Default()
	}
	h := &Handle{
		id:          uuid.New(),
		status:      make(map[string]*atomic.Pointer[TargetStatus], len(targets)),
		threshold:   orInt(e.FailureThreshold, DefaultFailureThreshold),
		concurrency: orInt(e.Concurrency, DefaultConcurrency),
		timeout:     orDuration(e.Timeout, DefaultTimeout),
		minInterval: orDuration(e.MinInterval, DefaultMinInterval),
		maxInterval: orDuration(e.MaxInterval, DefaultMaxInterval),
		wake:        make(chan struct{}, 1),
		events:      make(chan models.MonitorEvent, orInt(e.EventBuffer, DefaultEventBuffer)),
		broker:      e.Broker,
		metrics:     e.Metrics,
		done:        make(chan struct{}),
	}
	if h.maxInterval < h.minInterval {
		h.maxInterval = h.minInterval
	}
	h.log = log.With("session", h.id.String())
	h.coord = &coordinator.Coordinator{Prober: e.Prober, Log: h.log}
	h.interval.Store(int64(h.clamp(interval)))

	for _, t := range targets {
		if _, dup := h.status[t.Key()]; dup {
			continue
		}
		tr := &tracker{target: t, history: newRing(e.HistoryCapacity)}
		p := &atomic.Pointer[TargetStatus]{}
		p.Store(tr.status())
		h.status[t.Key()] = p
		h.targets = append(h.targets, t)
		h.trackers = append(h.trackers, tr)
	}

	ctx, h.cancel = context.WithCancel(ctx)
	go h.run(ctx)
	h.log.Info("monitor started", "targets", len(h.targets), "interval", h.Interval())
	return h, nil
}

// ID 返回会话标识，事件中的 Session 字段与之相同。
func (h *Handle) ID() uuid.UUID { return h.id }

// Events 返回事件通道，Stop 之后通道被关闭。
func (h *Handle) Events() <-chan models.MonitorEvent { return h.events }

// Interval 返回当前轮询间隔。
func (h *Handle) Interval() time.Duration {
	return time.Duration(h.interval.Load())
}

// AdjustInterval 调整轮询间隔并返回调整后的值，结果限制在 [MinInterval, MaxInterval]。
// 正在等待下一轮的循环会立即按新间隔重新计算。
func (h *Handle) AdjustInterval(delta time.Duration) time.Duration {
	for {
		old := h.interval.Load()
		next := int64(h.clamp(time.Duration(old) + delta))
		if h.interval.CompareAndSwap(old, next) {
			select {
			case h.wake <- struct{}{}:
			default:
			}
			h.log.Debug("interval adjusted", "interval", time.Duration(next))
			return time.Duration(next)
		}
	}
}

// Status 返回目标最近一次发布的状态。
func (h *Handle) Status(key string) (TargetStatus, bool) {
	p, ok := h.status[key]
	if !ok {
		return TargetStatus{}, false
	}
	return *p.Load(), true
}

// Statuses 按启动时的目标顺序返回全部状态。
func (h *Handle) Statuses() []TargetStatus {
	out := make([]TargetStatus, 0, len(h.targets))
	for _, t := range h.targets {
		out = append(out, *h.status[t.Key()].Load())
	}
	return out
}

// Stop 取消进行中的轮询，等待循环退出并关闭事件通道。可重复调用。
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		h.cancel()
		<-h.done
		h.log.Info("monitor stopped")
	})
}

// Done 在轮询循环退出后关闭。
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) clamp(d time.Duration) time.Duration {
	if d < h.minInterval {
		return h.minInterval
	}
	if d > h.maxInterval {
		return h.maxInterval
	}
	return d
}

func (h *Handle) run(ctx context.Context) {
	defer close(h.done)
	defer close(h.events)
	for {
		started := time.Now()
		h.poll(ctx)
		if !h.sleep(ctx, started) {
			return
		}
	}
}

// sleep 等到上一轮开始后一个间隔，被取消时返回 false。
func (h *Handle) sleep(ctx context.Context, started time.Time) bool {
	for {
		wait := time.Until(started.Add(h.Interval()))
		if wait <= 0 {
			return ctx.Err() == nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-h.wake:
			timer.Stop()
		case <-timer.C:
			return true
		}
	}
}

func (h *Handle) poll(ctx context.Context) {
	results, err := h.coord.QueryAll(ctx, h.targets, h.concurrency, h.timeout)
	if err != nil {
		h.log.Error("poll failed", "err", err)
		return
	}
	// 停止后不再发出事件，但在取消前已经完成的目标仍然记录状态与历史。
	stopped := ctx.Err() != nil
	for i, t := range h.targets {
		r := results[t.Key()]
		if stopped && !r.Done {
			continue
		}
		tr := h.trackers[i]
		changes := tr.observe(r.Snapshot, r.Err, h.threshold)
		h.status[t.Key()].Store(tr.status())
		if r.Err != nil {
			h.log.Debug("poll target failed", "target", t.Key(), "failures", tr.failures, "err", r.Err)
		}
		for _, c := range changes {
			if stopped {
				break
			}
			if !h.emit(ctx, h.event(tr, c)) {
				stopped = true
			}
		}
	}
}

func (h *Handle) event(tr *tracker, c change) models.MonitorEvent {
	h.seq++
	return models.MonitorEvent{
		Session:  h.id,
		Seq:      h.seq,
		Kind:     c.kind,
		Target:   tr.target,
		At:       tr.lastAt,
		Player:   c.player,
		OldCount: c.oldCount,
		NewCount: c.newCount,
		ErrKind:  c.errKind,
		Error:    c.err,
	}
}

// emit 投递事件，通道已满时阻塞直到消费者读取或会话停止。
func (h *Handle) emit(ctx context.Context, evt models.MonitorEvent) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	select {
	case h.events <- evt:
	case <-ctx.Done():
		return false
	}
	h.metrics.Event(evt.Kind)
	if h.broker != nil {
		h.broker.Publish(evt)
	}
	h.log.Debug("monitor event", "kind", evt.Kind, "target", evt.Target.Name(), "seq", evt.Seq)
	return true
}

func orInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
