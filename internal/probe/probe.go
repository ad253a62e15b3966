// Package probe 按协议提示查询单个目标，未知协议时同时尝试 Java 与基岩版。
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitushen/mcwatch/internal/bedrock"
	"github.com/hitushen/mcwatch/internal/java"
	"github.com/hitushen/mcwatch/internal/metrics"
	"github.com/hitushen/mcwatch/internal/models"
	"github.com/hitushen/mcwatch/internal/query"
	"github.com/hitushen/mcwatch/internal/targets"
)

// DefaultTimeout 是单次查询的默认超时。
const DefaultTimeout = 3 * time.Second

// Querier 查询单个目标的状态。
type Querier interface {
	Query(ctx context.Context, target models.ServerTarget) (models.StatusSnapshot, error)
}

// FullQuerier 执行完整状态查询。
type FullQuerier interface {
	Query(ctx context.Context, target models.ServerTarget) (query.FullStat, error)
}

// Config 描述 New 创建 Prober 所需的参数。
type Config struct {
	Timeout time.Duration
	// CacheTTL 为 0 时不缓存。
	CacheTTL time.Duration
	// FullQuery 开启后，基岩版在线结果会额外执行一次完整查询以获取玩家名单。
	FullQuery        bool
	BedrockTransport bedrock.Transport
	DisableLegacy    bool

	Resolver *targets.Resolver
	Metrics  *metrics.Metrics
	Log      *slog.Logger
}

// Prober 是查询单个目标的入口。
type Prober struct {
	Java    Querier
	Bedrock Querier
	// Full 为 nil 时不做完整查询补全。
	Full    FullQuerier
	Cache   *Cache
	Timeout time.Duration
	Metrics *metrics.Metrics
	Log     *slog.Logger
}

// New 按配置组装 Java、基岩版与完整查询客户端。
func New(cfg Config) *Prober {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	p := &Prober{
		Java: &java.Client{
			DisableLegacy: cfg.DisableLegacy,
			Resolver:      cfg.Resolver,
			Log:           log,
		},
		Bedrock: &bedrock.Client{
			Transport: cfg.BedrockTransport,
			Resolver:  cfg.Resolver,
			Log:       log,
		},
		Timeout: cfg.Timeout,
		Metrics: cfg.Metrics,
		Log:     log,
	}
	if cfg.FullQuery {
		p.Full = &query.Client{Resolver: cfg.Resolver}
	}
	if cfg.CacheTTL > 0 {
		p.Cache = NewCache(cfg.CacheTTL)
	}
	return p
}

func (p *Prober) log() *slog.Logger {
	if p.Log == nil {
		return slog.Default()
	}
	return p.Log
}

// Query 在 timeout 内查询目标，timeout 不大于 0 时使用 Prober.Timeout。
// 离线快照总是不含数据字段。
func (p *Prober) Query(ctx context.Context, target models.ServerTarget, timeout time.Duration) (models.StatusSnapshot, error) {
	if target.Host == "" || target.Port < 1 || target.Port > 65535 {
		return models.StatusSnapshot{}, fmt.Errorf("probe %q: %w", target.Key(), models.ErrInvalidArgument)
	}
	if snap, ok := p.Cache.Get(target.Key()); ok {
		p.Metrics.CacheHit()
		return snap, nil
	}
	if timeout <= 0 {
		timeout = p.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := p.Metrics.QueryStarted()
	snap, err := p.dispatch(ctx, target)
	done()
	p.Metrics.ObserveQuery(snap, err)

	if !snap.Online {
		snap = snap.Stripped()
	}
	if err == nil && snap.Online && snap.Protocol == models.ProtocolBedrock && p.Full != nil {
		p.enrich(ctx, &snap)
	}
	if err == nil && snap.Online {
		p.Cache.Put(target.Key(), snap)
	}
	return snap, err
}

func (p *Prober) dispatch(ctx context.Context, target models.ServerTarget) (models.StatusSnapshot, error) {
	switch target.Hint {
	case models.ProtocolJava:
		return p.Java.Query(ctx, target)
	case models.ProtocolBedrock:
		return p.Bedrock.Query(ctx, target)
	default:
		return p.detect(ctx, target)
	}
}

// detect 在同一截止时间内同时查询两种协议，Java 在线时优先采用并取消基岩版查询。
func (p *Prober) detect(ctx context.Context, target models.ServerTarget) (models.StatusSnapshot, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		g          errgroup.Group
		js, bs     models.StatusSnapshot
		jerr, berr error
	)
	g.Go(func() error {
		js, jerr = p.Java.Query(ctx, target)
		if jerr == nil && js.Online {
			cancel()
		}
		return nil
	})
	g.Go(func() error {
		bs, berr = p.Bedrock.Query(ctx, target)
		return nil
	})
	_ = g.Wait()

	switch {
	case js.Online && jerr == nil:
		return js, nil
	case bs.Online:
		return bs, berr
	case js.Online:
		return js, jerr
	}
	p.log().Debug("auto-detect found no server", "target", target.Key(), "java", jerr, "bedrock", berr)
	snap := models.Offline(target, time.Now())
	snap.Protocol = models.ProtocolUnknown
	return snap, jerr
}

func (p *Prober) enrich(ctx context.Context, snap *models.StatusSnapshot) {
	st, err := p.Full.Query(ctx, snap.Target)
	if err != nil {
		p.log().Debug("full query failed", "target", snap.Target.Key(), "err", err)
		return
	}
	st.Enrich(snap)
}
