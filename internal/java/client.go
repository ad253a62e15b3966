package java

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/hitushen/mcwatch/internal/models"
	"github.com/hitushen/mcwatch/internal/protocol"
	"github.com/hitushen/mcwatch/internal/targets"
)

// DefaultTimeout 在调用方既没有设置 Timeout 也没有给上下文设置截止时间时使用。
const DefaultTimeout = 3 * time.Second

// DefaultProtocolVersion 是握手中声明的协议号，-1 表示仅用于状态查询。
const DefaultProtocolVersion int32 = -1

// Client 查询 Java 版服务器状态，零值可直接使用。
type Client struct {
	// Timeout 限制单次查询的总时长。
	Timeout time.Duration
	// ProtocolVersion 为 0 时使用 DefaultProtocolVersion。
	ProtocolVersion int32
	// DisableLegacy 关闭 1.7 以前的 0xFE 回退查询。
	DisableLegacy bool

	Resolver *targets.Resolver
	Dialer   *net.Dialer
	Log      *slog.Logger
}

func (c *Client) log() *slog.Logger {
	if c.Log == nil {
		return slog.Default()
	}
	return c.Log
}

func (c *Client) dialer() *net.Dialer {
	if c.Dialer == nil {
		return &net.Dialer{}
	}
	return c.Dialer
}

func (c *Client) protocolVersion() int32 {
	if c.ProtocolVersion == 0 {
		return DefaultProtocolVersion
	}
	return c.ProtocolVersion
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := c.Timeout
	if timeout <= 0 {
		if _, ok := ctx.Deadline(); ok {
			return context.WithCancel(ctx)
		}
		timeout = DefaultTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// Query 解析目标地址、建立 TCP 连接并完成一次状态交换。
// 新协议交换没有得到合法的状态帧时，会在新连接上尝试旧版查询。
func (c *Client) Query(ctx context.Context, target models.ServerTarget) (models.StatusSnapshot, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	addr, err := c.Resolver.Resolve(ctx, target.Host, target.Port)
	if err != nil {
		return offline(target), err
	}
	conn, err := c.dialer().DialContext(ctx, "tcp", addr)
	if err != nil {
		return offline(target), models.ClassifyContext(ctx, "java connect", err)
	}
	snap, err := c.QueryConn(ctx, conn, target)
	if err == nil || c.DisableLegacy || models.KindOf(err) != models.KindProtocolMismatch || ctx.Err() != nil {
		return snap, err
	}

	c.log().Debug("java modern status failed, trying legacy", "target", target.Key(), "err", err)
	legacy, lerr := c.queryLegacy(ctx, addr, target)
	if lerr != nil {
		c.log().Debug("java legacy status failed", "target", target.Key(), "err", lerr)
		return snap, err
	}
	return legacy, nil
}

// QueryConn 在已建立的连接上完成握手、状态请求与 ping，返回时关闭连接。
func (c *Client) QueryConn(ctx context.Context, conn net.Conn, target models.ServerTarget) (models.StatusSnapshot, error) {
	defer conn.Close()
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	stop := bindConn(ctx, conn)
	defer stop()

	out := append(protocol.Handshake(c.protocolVersion(), target.Host, uint16(target.Port)), protocol.StatusRequest()...)
	sent := time.Now()
	if _, err := conn.Write(out); err != nil {
		return offline(target), models.ClassifyContext(ctx, "java handshake", err)
	}

	r := bufio.NewReader(conn)
	pk, err := protocol.ReadPacket(r)
	if err != nil {
		return offline(target), frameError(ctx, "java status", err)
	}
	statusRTT := time.Since(sent)
	if pk.ID != protocol.PacketStatusResponse {
		return offline(target), models.Errorf(models.KindProtocolMismatch, "java status", "unexpected packet id 0x%02x", pk.ID)
	}

	snap := models.StatusSnapshot{Target: target, At: time.Now(), Online: true, Protocol: models.ProtocolJava}
	payload, err := protocol.NewReader(pk.Body).String()
	if err != nil {
		return snap, models.NewError(models.KindMalformedResponse, "java status", err)
	}
	if err := decodeStatus(payload, &snap); err != nil {
		return snap, models.NewError(models.KindMalformedResponse, "java status json", err)
	}

	latency, err := ping(ctx, r, conn)
	switch {
	case err == nil:
		snap.Latency, snap.HasLatency = latency, true
	case models.KindOf(err) == models.KindMalformedResponse:
		return snap, err
	default:
		// 部分服务器在发出状态后直接断开，退回状态往返时间。
		c.log().Debug("java ping unanswered", "target", target.Key(), "err", err)
		snap.Latency, snap.HasLatency = statusRTT, true
	}
	return snap, nil
}

func ping(ctx context.Context, r *bufio.Reader, conn net.Conn) (time.Duration, error) {
	token := time.Now().UnixNano()
	start := time.Now()
	if _, err := conn.Write(protocol.Ping(token)); err != nil {
		return 0, models.ClassifyContext(ctx, "java ping", err)
	}
	pk, err := protocol.ReadPacket(r)
	if err != nil {
		return 0, frameError(ctx, "java ping", err)
	}
	elapsed := time.Since(start)
	if pk.ID != protocol.PacketPong {
		return 0, models.Errorf(models.KindMalformedResponse, "java ping", "unexpected packet id 0x%02x", pk.ID)
	}
	echoed, err := protocol.NewReader(pk.Body).Int64()
	if err != nil {
		return 0, models.NewError(models.KindMalformedResponse, "java ping", err)
	}
	if echoed != token {
		return 0, models.Errorf(models.KindMalformedResponse, "java ping", "token mismatch: sent %d got %d", token, echoed)
	}
	return elapsed, nil
}

// frameError 区分超时与帧格式不符，后者会触发旧版回退。
func frameError(ctx context.Context, op string, err error) error {
	classified := models.ClassifyContext(ctx, op, err)
	if models.KindOf(classified) == models.KindTimeout {
		return classified
	}
	if errors.Is(err, protocol.ErrFrameTooLarge) {
		return models.NewError(models.KindMalformedResponse, op, err)
	}
	return models.NewError(models.KindProtocolMismatch, op, err)
}

var aLongTimeAgo = time.Unix(1, 0)

// bindConn 把上下文的截止时间应用到连接上，并在取消时立即中断阻塞的读写。
func bindConn(ctx context.Context, conn net.Conn) func() bool {
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	return context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(aLongTimeAgo)
	})
}

func offline(target models.ServerTarget) models.StatusSnapshot {
	snap := models.Offline(target, time.Now())
	snap.Protocol = models.ProtocolJava
	return snap
}
