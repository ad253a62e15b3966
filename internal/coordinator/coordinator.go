// Package coordinator 在有界并发下批量查询多个目标。
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hitushen/mcwatch/internal/models"
)

// Prober 在给定超时内查询单个目标。
type Prober interface {
	Query(ctx context.Context, target models.ServerTarget, timeout time.Duration) (models.StatusSnapshot, error)
}

// Result 是单个目标的查询结果。
type Result struct {
	Target   models.ServerTarget
	Snapshot models.StatusSnapshot
	Err      error
	// Done 表示查询在整批取消或截止之前返回，结果反映了目标的真实状态。
	Done bool
}

// Coordinator 对一批目标做并发查询。
type Coordinator struct {
	Prober Prober
	// Deadline 非零时限制整批查询的总时长，上下文的截止时间更早时以上下文为准。
	Deadline time.Duration
	Log      *slog.Logger
}

func (c *Coordinator) log() *slog.Logger {
	if c.Log == nil {
		return slog.Default()
	}
	return c.Log
}

// QueryAll 查询每个不同的目标，结果以 ServerTarget.Key() 为键。
// 同时运行的查询不超过 maxConcurrency，整批截止时仍未完成的目标记为超时。
// 返回前所有协程均已退出。只有非法参数才会返回错误。
func (c *Coordinator) QueryAll(ctx context.Context, targets []models.ServerTarget, maxConcurrency int, timeout time.Duration) (map[string]Result, error) {
	if maxConcurrency <= 0 {
		return nil, fmt.Errorf("max concurrency %d: %w", maxConcurrency, models.ErrInvalidArgument)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("timeout %s: %w", timeout, models.ErrInvalidArgument)
	}
	if c.Prober == nil {
		return nil, fmt.Errorf("nil prober: %w", models.ErrInvalidArgument)
	}

	if c.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Deadline)
		defer cancel()
	}

	unique := make([]models.ServerTarget, 0, len(targets))
	results := make(map[string]Result, len(targets))
	for _, t := range targets {
		if _, dup := results[t.Key()]; dup {
			continue
		}
		unique = append(unique, t)
		results[t.Key()] = pending(t)
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = semaphore.NewWeighted(int64(maxConcurrency))
	)
	for _, t := range unique {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(t models.ServerTarget) {
			defer wg.Done()
			defer sem.Release(1)
			snap, err := c.Prober.Query(ctx, t, timeout)
			done := ctx.Err() == nil
			if err != nil && !done && models.KindOf(err) != models.KindTimeout {
				err = models.ClassifyContext(ctx, "query "+t.Key(), err)
			}
			mu.Lock()
			results[t.Key()] = Result{Target: t, Snapshot: snap, Err: err, Done: done}
			mu.Unlock()
		}(t)
	}
	wg.Wait()

	if ctx.Err() != nil {
		n := 0
		for _, r := range results {
			if models.KindOf(r.Err) == models.KindTimeout {
				n++
			}
		}
		c.log().Debug("batch deadline reached", "targets", len(unique), "timed_out", n)
	}
	return results, nil
}

// pending 是尚未被调度或未在截止前完成的目标的结果。
func pending(t models.ServerTarget) Result {
	return Result{
		Target:   t,
		Snapshot: models.Offline(t, time.Now()),
		Err:      models.NewError(models.KindTimeout, "query "+t.Key(), context.DeadlineExceeded),
	}
}
