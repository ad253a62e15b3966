package scanner

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/hitushen/mcwatch/internal/models"
)

const maxPort = 65535

// CommonPorts 是快速扫描使用的常见 Java 与基岩版端口。
var CommonPorts = []int{25565, 19132, 25566, 25567, 25568, 25569, 25570, 19133, 19134, 19135}

// PortRange 是闭区间 [From, To]。
type PortRange struct {
	From int
	To   int
}

// FullRange 覆盖全部端口。
var FullRange = PortRange{From: 1, To: maxPort}

// Validate 检查范围是否合法。
func (r PortRange) Validate() error {
	if r.From < 1 || r.To > maxPort || r.From > r.To {
		return fmt.Errorf("port range %d-%d: %w", r.From, r.To, models.ErrInvalidArgument)
	}
	return nil
}

// Len 返回范围内的端口数。
func (r PortRange) Len() int {
	if r.To < r.From {
		return 0
	}
	return r.To - r.From + 1
}

// Ports 展开为端口列表。
func (r PortRange) Ports() []int {
	out := make([]int, 0, r.Len())
	for p := r.From; p <= r.To; p++ {
		out = append(out, p)
	}
	return out
}

// ParsePorts 解析 "common"、"25565"、"1-1024" 以及以逗号分隔的组合，结果去重升序。
func ParsePorts(list string) ([]int, error) {
	list = strings.TrimSpace(list)
	if list == "" {
		return nil, fmt.Errorf("empty port list: %w", models.ErrInvalidArgument)
	}
	seen := make(map[int]struct{})
	add := func(p int) { seen[p] = struct{}{} }
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		switch {
		case part == "":
			continue
		case strings.EqualFold(part, "common"):
			for _, p := range CommonPorts {
				add(p)
			}
		case strings.EqualFold(part, "all"), part == "-":
			for p := 1; p <= maxPort; p++ {
				add(p)
			}
		case strings.Contains(part, "-"):
			lo, hi, _ := strings.Cut(part, "-")
			from, err1 := strconv.Atoi(strings.TrimSpace(lo))
			to, err2 := strconv.Atoi(strings.TrimSpace(hi))
			if err1 != nil || err2 != nil {
				return nil, fmt.Errorf("port range %q: %w", part, models.ErrInvalidArgument)
			}
			r := PortRange{From: from, To: to}
			if err := r.Validate(); err != nil {
				return nil, err
			}
			for p := from; p <= to; p++ {
				add(p)
			}
		default:
			p, err := strconv.Atoi(part)
			if err != nil || p < 1 || p > maxPort {
				return nil, fmt.Errorf("port %q: %w", part, models.ErrInvalidArgument)
			}
			add(p)
		}
	}
	if len(seen) == 0 {
		return nil, fmt.Errorf("empty port list: %w", models.ErrInvalidArgument)
	}
	out := make([]int, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Ints(out)
	return out, nil
}
