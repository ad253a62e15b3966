package targets

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/hitushen/mcwatch/internal/models"
)

// Normalize 对用户输入的地址进行裁剪，返回 host 与可选端口字符串。
func Normalize(address string) (host, port string) {
	addr := strings.TrimSpace(address)
	if addr == "" {
		return "", ""
	}

	// 处理带协议前缀的输入，例如 minecraft://host:25565。
	if strings.Contains(addr, "://") {
		if u, err := url.Parse(addr); err == nil && u.Host != "" {
			addr = u.Host
		}
	}
	addr = strings.TrimPrefix(addr, "//")

	// 去除可能存在的账号片段（user@host）。
	if at := strings.LastIndex(addr, "@"); at != -1 {
		addr = addr[at+1:]
	}

	// 去除剩余的路径或查询参数。
	if slash := strings.IndexByte(addr, '/'); slash != -1 {
		addr = addr[:slash]
	}
	if ques := strings.IndexByte(addr, '?'); ques != -1 {
		addr = addr[:ques]
	}
	addr = strings.TrimSpace(addr)

	// 支持形如 [::1]:19132 或 [::1] 的 IPv6 写法。
	if strings.HasPrefix(addr, "[") {
		if end := strings.Index(addr, "]"); end != -1 {
			rest := addr[end+1:]
			host = addr[1:end]
			if strings.HasPrefix(rest, ":") {
				port = rest[1:]
			}
			return strings.ToLower(host), port
		}
	}

	// 只有单个冒号时才视为 host:port，避免误拆裸 IPv6 地址。
	if strings.Count(addr, ":") == 1 {
		if h, p, err := net.SplitHostPort(addr); err == nil {
			return strings.ToLower(strings.TrimSpace(h)), strings.TrimSpace(p)
		}
	}
	return strings.ToLower(strings.Trim(addr, "[] ")), ""
}

// Parse 将 host[:port] 解析为 ServerTarget，缺省端口按协议补全。
func Parse(input string, hint models.Protocol) (models.ServerTarget, error) {
	t, _, err := parse(input, hint)
	return t, err
}

func parse(input string, hint models.Protocol) (models.ServerTarget, bool, error) {
	if hint == "" {
		hint = models.ProtocolUnknown
	}
	host, portStr := Normalize(input)
	if host == "" {
		return models.ServerTarget{}, false, fmt.Errorf("%w: empty address %q", models.ErrInvalidArgument, input)
	}
	if portStr == "" {
		return models.ServerTarget{Host: host, Port: hint.DefaultPort(), Hint: hint}, false, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return models.ServerTarget{}, false, fmt.Errorf("%w: invalid port %q", models.ErrInvalidArgument, portStr)
	}
	return models.ServerTarget{Host: host, Port: port, Hint: hint}, true, nil
}

// WithLabel 返回附带展示名称的目标副本。
func WithLabel(t models.ServerTarget, label string) models.ServerTarget {
	t.Label = strings.TrimSpace(label)
	return t
}

// Resolver 负责把目标解析为可连接的端点。
type Resolver struct {
	// Net 为空时使用 net.DefaultResolver。
	Net *net.Resolver
}

func (r *Resolver) net() *net.Resolver {
	if r == nil || r.Net == nil {
		return net.DefaultResolver
	}
	return r.Net
}

// Resolve 执行 DNS 查询并返回 ip:port，优先选择 IPv4 地址。
func (r *Resolver) Resolve(ctx context.Context, host string, port int) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return net.JoinHostPort(ip.String(), strconv.Itoa(port)), nil
	}
	addrs, err := r.net().LookupIPAddr(ctx, host)
	if err != nil {
		return "", models.Classify("resolve "+host, err)
	}
	if len(addrs) == 0 {
		return "", models.Errorf(models.KindNetworkUnreachable, "resolve "+host, "no addresses")
	}
	chosen := addrs[0].IP
	for _, a := range addrs {
		if a.IP.To4() != nil {
			chosen = a.IP
			break
		}
	}
	return net.JoinHostPort(chosen.String(), strconv.Itoa(port)), nil
}

// LookupSRV 查询 _minecraft._tcp 记录，找不到记录时返回 false。
func (r *Resolver) LookupSRV(ctx context.Context, host string) (string, int, bool) {
	if net.ParseIP(host) != nil {
		return "", 0, false
	}
	_, records, err := r.net().LookupSRV(ctx, "minecraft", "tcp", host)
	if err != nil || len(records) == 0 {
		return "", 0, false
	}
	target := strings.TrimSuffix(records[0].Target, ".")
	if target == "" || records[0].Port == 0 {
		return "", 0, false
	}
	return strings.ToLower(target), int(records[0].Port), true
}

// ParseLookup 与 Parse 相同，但未显式给出端口的 Java 目标会先查询 SRV 记录。
func (r *Resolver) ParseLookup(ctx context.Context, input string, hint models.Protocol) (models.ServerTarget, error) {
	t, explicit, err := parse(input, hint)
	if err != nil {
		return t, err
	}
	if explicit || t.Hint == models.ProtocolBedrock {
		return t, nil
	}
	if host, port, ok := r.LookupSRV(ctx, t.Host); ok {
		if t.Label == "" {
			t.Label = t.Host
		}
		t.Host, t.Port = host, port
	}
	return t, nil
}
