package scanner

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/projectdiscovery/goflags"
	"github.com/projectdiscovery/naabu/v2/pkg/result"
	"github.com/projectdiscovery/naabu/v2/pkg/runner"
)

// NaabuSweeper 使用 naabu 的 connect 扫描批量探测开放的 TCP 端口。
type NaabuSweeper struct {
	// Rate 是每秒发包数，为 0 时使用 3000。
	Rate int
	// Timeout 是单个端口的连接超时，为 0 时使用 1s。
	Timeout time.Duration
	Retries int
}

// Sweep 返回 ip 上开放的 TCP 端口集合。
func (n NaabuSweeper) Sweep(ctx context.Context, ip string, ports []int) (map[int]bool, error) {
	if ip == "" || len(ports) == 0 {
		return nil, fmt.Errorf("naabu sweep: empty target")
	}
	rate := n.Rate
	if rate <= 0 {
		rate = 3000
	}
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	retries := n.Retries
	if retries <= 0 {
		retries = 1
	}

	var mu sync.Mutex
	open := make(map[int]bool)
	onResult := func(hr *result.HostResult) {
		if hr == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		for _, p := range hr.Ports {
			if p == nil {
				continue
			}
			open[p.Port] = true
		}
	}

	opts := runner.Options{
		Host:     goflags.StringSlice{ip},
		ScanType: "c",
		OnResult: onResult,
		JSON:     false,
		NoColor:  true,
		Silent:   true,
		Stream:   true,
		Ports:    joinPorts(ports),
		Retries:  retries,
		Rate:     rate,
		Timeout:  timeout,
	}

	r, err := runner.NewRunner(&opts)
	if err != nil {
		return nil, fmt.Errorf("naabu runner init: %w", err)
	}
	defer r.Close()

	if err := r.RunEnumeration(ctx); err != nil {
		return nil, fmt.Errorf("naabu enumeration: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	return open, nil
}

// joinPorts 把升序端口列表压缩为 naabu 接受的 "a-b,c" 形式。
func joinPorts(ports []int) string {
	var parts []string
	for i := 0; i < len(ports); {
		j := i
		for j+1 < len(ports) && ports[j+1] == ports[j]+1 {
			j++
		}
		if j > i {
			parts = append(parts, strconv.Itoa(ports[i])+"-"+strconv.Itoa(ports[j]))
		} else {
			parts = append(parts, strconv.Itoa(ports[i]))
		}
		i = j + 1
	}
	return strings.Join(parts, ",")
}
