package bedrock

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sandertv/go-raknet"

	"github.com/hitushen/mcwatch/internal/models"
	"github.com/hitushen/mcwatch/internal/targets"
)

// DefaultTimeout 在既没有 Timeout 也没有上下文截止时间时使用。
const DefaultTimeout = 3 * time.Second

// maxDatagram 足以容纳任何未分片的 pong。
const maxDatagram = 1500

// Transport 选择发送未连接 ping 的实现。
type Transport int

const (
	// TransportNative 直接通过 UDP 收发 ping/pong。
	TransportNative Transport = iota
	// TransportRakNet 使用 go-raknet 的 Dialer.PingContext。
	TransportRakNet
)

// Client 查询基岩版服务器状态，零值可直接使用。
type Client struct {
	Timeout   time.Duration
	Transport Transport
	// GUID 为 0 时从随机 UUID 派生。
	GUID uint64

	Resolver *targets.Resolver
	Log      *slog.Logger

	guidOnce sync.Once
	guid     uint64
}

func (c *Client) log() *slog.Logger {
	if c.Log == nil {
		return slog.Default()
	}
	return c.Log
}

func (c *Client) clientGUID() uint64 {
	c.guidOnce.Do(func() {
		c.guid = c.GUID
		if c.guid == 0 {
			id := uuid.New()
			c.guid = binary.BigEndian.Uint64(id[:8])
		}
	})
	return c.guid
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout > 0 {
		return context.WithTimeout(ctx, c.Timeout)
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, DefaultTimeout)
}

// Query 发送一次未连接 ping 并解析服务器广播。
func (c *Client) Query(ctx context.Context, target models.ServerTarget) (models.StatusSnapshot, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	addr, err := c.Resolver.Resolve(ctx, target.Host, target.Port)
	if err != nil {
		return offline(target), err
	}

	var (
		data       []byte
		serverGUID uint64
		latency    time.Duration
	)
	switch c.Transport {
	case TransportRakNet:
		start := time.Now()
		data, err = raknet.Dialer{ErrorLog: c.log().With("net origin", "raknet")}.PingContext(ctx, addr)
		latency = time.Since(start)
		if err != nil {
			return offline(target), rakNetError(ctx, err)
		}
	default:
		var pong Pong
		pong, latency, err = c.ping(ctx, addr)
		if err != nil {
			return offline(target), err
		}
		data, serverGUID = pong.Data, pong.ServerGUID
	}

	ad, err := ParseAdvertisement(string(data))
	if err != nil {
		snap := offline(target)
		snap.Online = true
		return snap, err
	}
	snap := models.StatusSnapshot{Target: target, At: time.Now(), Latency: latency, HasLatency: true}
	ad.Apply(&snap, serverGUID)
	return snap, nil
}

// ping 在一条已连接的 UDP 套接字上收发一次 ping/pong。
// 与自己的时间戳不符的数据报会被丢弃，继续等待直到截止时间。
func (c *Client) ping(ctx context.Context, addr string) (Pong, time.Duration, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "udp", addr)
	if err != nil {
		return Pong{}, 0, models.ClassifyContext(ctx, "bedrock dial", err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	start := time.Now()
	sendTime := start.UnixMilli()
	if _, err := conn.Write(AppendPing(make([]byte, 0, pingLen), sendTime, c.clientGUID())); err != nil {
		return Pong{}, 0, models.ClassifyContext(ctx, "bedrock ping", err)
	}

	buf := make([]byte, maxDatagram)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return Pong{}, 0, models.ClassifyContext(ctx, "bedrock pong", err)
		}
		pong, err := ParsePong(buf[:n])
		if err != nil {
			return Pong{}, 0, err
		}
		if pong.Time != sendTime {
			c.log().Debug("bedrock pong for stale ping", "addr", addr, "time", pong.Time)
			continue
		}
		return pong, time.Since(start), nil
	}
}

// rakNetError 把 go-raknet 的错误归类，它的超时错误不一定实现 net.Error。
func rakNetError(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return models.ClassifyContext(ctx, "bedrock raknet ping", err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return models.NewError(models.KindTimeout, "bedrock raknet ping", err)
	}
	return models.Classify("bedrock raknet ping", err)
}

func offline(target models.ServerTarget) models.StatusSnapshot {
	snap := models.Offline(target, time.Now())
	snap.Protocol = models.ProtocolBedrock
	return snap
}
