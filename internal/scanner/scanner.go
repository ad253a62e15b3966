package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hitushen/mcwatch/internal/bedrock"
	"github.com/hitushen/mcwatch/internal/java"
	"github.com/hitushen/mcwatch/internal/metrics"
	"github.com/hitushen/mcwatch/internal/models"
	"github.com/hitushen/mcwatch/internal/targets"
)

// JavaProber 在已建立的 TCP 连接上完成 Java 状态交换。
type JavaProber interface {
	QueryConn(ctx context.Context, conn net.Conn, target models.ServerTarget) (models.StatusSnapshot, error)
}

// LegacyProber 是可选接口，JavaProber 实现它时扫描器会对不识别新握手的端口尝试旧版查询。
type LegacyProber interface {
	QueryLegacy(ctx context.Context, addr string, target models.ServerTarget) (models.StatusSnapshot, error)
}

// BedrockProber 查询基岩版状态。
type BedrockProber interface {
	Query(ctx context.Context, target models.ServerTarget) (models.StatusSnapshot, error)
}

// Sweeper 批量探测 TCP 端口是否开放，用来代替逐端口的 TCP 连接。
type Sweeper interface {
	Sweep(ctx context.Context, ip string, ports []int) (map[int]bool, error)
}

// Scanner 在端口范围内寻找 Minecraft 服务器，零值可直接使用。
type Scanner struct {
	Java     JavaProber
	Bedrock  BedrockProber
	Resolver *targets.Resolver
	Sweeper  Sweeper
	// OnProgress 在每个端口完成后调用，多个工作协程之间串行。
	OnProgress func(scanned, total int)
	Metrics    *metrics.Metrics
	Log        *slog.Logger
}

func (s *Scanner) log() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}

func (s *Scanner) javaProber() JavaProber {
	if s.Java == nil {
		return &java.Client{Log: s.Log}
	}
	return s.Java
}

func (s *Scanner) bedrockProber() BedrockProber {
	if s.Bedrock == nil {
		return &bedrock.Client{Log: s.Log}
	}
	return s.Bedrock
}

// Scan 扫描 host 上 r 范围内的端口。
func (s *Scanner) Scan(ctx context.Context, host string, r PortRange, concurrency int, timeout time.Duration) (models.ScanResult, error) {
	if err := r.Validate(); err != nil {
		return models.ScanResult{Host: host}, err
	}
	res, err := s.ScanPorts(ctx, host, r.Ports(), concurrency, timeout)
	res.From, res.To = r.From, r.To
	return res, err
}

// ScanPorts 扫描给定的端口列表。非法参数会在任何网络操作之前返回。
// 上下文取消时停止派发，已发现的端口与上下文错误一起返回。
func (s *Scanner) ScanPorts(ctx context.Context, host string, ports []int, concurrency int, timeout time.Duration) (models.ScanResult, error) {
	res := models.ScanResult{Host: host}
	if err := validate(host, ports, concurrency, timeout); err != nil {
		return res, err
	}
	ports = dedupe(ports)
	res.From, res.To = ports[0], ports[len(ports)-1]

	start := time.Now()
	addr, err := s.Resolver.Resolve(ctx, host, ports[0])
	if err != nil {
		return res, err
	}
	ip, _, _ := net.SplitHostPort(addr)
	res.Address = ip

	var tcpOpen map[int]bool
	if s.Sweeper != nil {
		tcpOpen, err = s.Sweeper.Sweep(ctx, ip, ports)
		if err != nil {
			s.log().Warn("sweep failed, falling back to per-port connect", "host", host, "err", err)
			tcpOpen = nil
		}
	}

	if concurrency > len(ports) {
		concurrency = len(ports)
	}
	s.log().Info("scan started", "host", host, "addr", ip, "ports", len(ports), "concurrency", concurrency)

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		scanned int
		jobs    = make(chan int, concurrency*2)
	)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for port := range jobs {
				// 取消后领取的端口不再探测，也不计入进度。
				if ctx.Err() != nil {
					continue
				}
				open, ok := s.probePort(ctx, host, ip, port, timeout, tcpOpen)
				s.Metrics.PortProbed()
				mu.Lock()
				scanned++
				if ok {
					res.Open = append(res.Open, open)
					s.Metrics.OpenPort(open.Protocol)
				}
				if s.OnProgress != nil {
					s.OnProgress(scanned, len(ports))
				}
				mu.Unlock()
			}
		}()
	}

dispatch:
	for _, port := range ports {
		select {
		case jobs <- port:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	sort.Slice(res.Open, func(i, j int) bool { return res.Open[i].Port < res.Open[j].Port })
	res.Scanned = scanned
	res.Duration = time.Since(start)
	s.Metrics.ScanFinished(res.Duration)
	s.log().Info("scan completed", "host", host, "open", len(res.Open), "scanned", scanned, "duration", res.Duration.Truncate(time.Millisecond))

	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("scan %s: %w", host, err)
	}
	return res, nil
}

// probePort 先尝试 TCP 连接并在同一连接上执行 Java 查询，帧格式不符时再用新连接尝试旧版查询。
// 连接失败或 Java 查询都没有得到在线结果时改为基岩版 ping。
func (s *Scanner) probePort(ctx context.Context, host, ip string, port int, timeout time.Duration, tcpOpen map[int]bool) (models.OpenPort, bool) {
	endpoint := net.JoinHostPort(ip, strconv.Itoa(port))
	javaTarget := models.ServerTarget{Host: host, Port: port, Hint: models.ProtocolJava}

	if tcpOpen == nil || tcpOpen[port] {
		if snap, ok := s.probeJava(ctx, endpoint, javaTarget, timeout); ok {
			return models.OpenPort{Port: port, Protocol: models.ProtocolJava, Snapshot: snap}, true
		}
	}
	if ctx.Err() != nil {
		return models.OpenPort{}, false
	}

	bctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	snap, _ := s.bedrockProber().Query(bctx, models.ServerTarget{Host: ip, Port: port, Hint: models.ProtocolBedrock})
	if !snap.Online {
		return models.OpenPort{}, false
	}
	snap.Target = models.ServerTarget{Host: host, Port: port, Hint: models.ProtocolBedrock}
	return models.OpenPort{Port: port, Protocol: models.ProtocolBedrock, Snapshot: snap}, true
}

func (s *Scanner) probeJava(ctx context.Context, endpoint string, target models.ServerTarget, timeout time.Duration) (models.StatusSnapshot, bool) {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	conn, err := (&net.Dialer{}).DialContext(dctx, "tcp", endpoint)
	cancel()
	if err != nil {
		return models.StatusSnapshot{}, false
	}

	jp := s.javaProber()
	qctx, cancel := context.WithTimeout(ctx, timeout)
	snap, err := jp.QueryConn(qctx, conn, target)
	cancel()
	if snap.Online {
		return snap, true
	}
	lp, ok := jp.(LegacyProber)
	if !ok || models.KindOf(err) != models.KindProtocolMismatch || ctx.Err() != nil {
		s.log().Debug("tcp port is not a java server", "addr", endpoint, "err", err)
		return snap, false
	}

	lctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	legacy, lerr := lp.QueryLegacy(lctx, endpoint, target)
	if lerr != nil || !legacy.Online {
		s.log().Debug("tcp port is not a java server", "addr", endpoint, "err", err, "legacy_err", lerr)
		return legacy, false
	}
	return legacy, true
}

func validate(host string, ports []int, concurrency int, timeout time.Duration) error {
	switch {
	case host == "":
		return fmt.Errorf("empty host: %w", models.ErrInvalidArgument)
	case len(ports) == 0:
		return fmt.Errorf("empty port list: %w", models.ErrInvalidArgument)
	case concurrency <= 0:
		return fmt.Errorf("concurrency %d: %w", concurrency, models.ErrInvalidArgument)
	case timeout <= 0:
		return fmt.Errorf("timeout %s: %w", timeout, models.ErrInvalidArgument)
	}
	for _, p := range ports {
		if p < 1 || p > maxPort {
			return fmt.Errorf("port %d: %w", p, models.ErrInvalidArgument)
		}
	}
	return nil
}

func dedupe(ports []int) []int {
	out := append([]int(nil), ports...)
	sort.Ints(out)
	n := 0
	for i, p := range out {
		if i > 0 && p == out[n-1] {
			continue
		}
		out[n] = p
		n++
	}
	return out[:n]
}
