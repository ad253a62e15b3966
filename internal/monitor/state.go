package monitor

import (
	"sort"
	"time"

	"github.com/hitushen/mcwatch/internal/models"
)

// State 是目标在监控中的状态。
type State int

const (
	StateUnknown State = iota
	StateOnline
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// MarshalText 让 State 在 JSON 中以名称出现。
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// TargetStatus 是某一轮轮询后目标的完整状态，发布后不再修改。
type TargetStatus struct {
	Target   models.ServerTarget   `json:"target"`
	State    State                 `json:"state"`
	Failures int                   `json:"failures"`
	LastErr  models.ErrorKind      `json:"lastErr,omitempty"`
	Last     models.StatusSnapshot `json:"last"`
	HasLast  bool                  `json:"hasLast"`
	Since    time.Time             `json:"since"`
	History  models.HistoryStat    `json:"history"`
}

// tracker 保存单个目标的可变状态，只由轮询协程访问。
type tracker struct {
	target   models.ServerTarget
	state    State
	failures int
	lastErr  models.ErrorKind
	lastAt   time.Time
	since    time.Time
	last     models.StatusSnapshot
	hasLast  bool
	// baseline 是最近一次在线快照，用于玩家差异计算。
	baseline    models.StatusSnapshot
	hasBaseline bool
	history     *ring
}

// change 是一次轮询结果引起的事件，尚未编号。
type change struct {
	kind     models.EventKind
	player   string
	oldCount int
	newCount int
	errKind  models.ErrorKind
	err      string
}

// observe 把一次查询结果并入状态机并返回应发出的事件。
// 服务器有应答即视为成功，连续 threshold 次失败才转为离线。
func (t *tracker) observe(snap models.StatusSnapshot, err error, threshold int) []change {
	if snap.At.IsZero() {
		snap.At = time.Now()
	}
	if snap.At.Before(t.lastAt) {
		snap.At = t.lastAt
	}
	t.lastAt = snap.At
	t.last, t.hasLast = snap, true
	defer t.history.push(snap)

	var out []change
	if snap.Online {
		t.failures = 0
		t.lastErr = models.KindOf(err)
		if t.state != StateOnline {
			t.state, t.since = StateOnline, snap.At
			out = append(out, change{kind: models.EventOnline})
		} else if t.hasBaseline {
			out = append(out, diff(t.baseline, snap)...)
		}
		t.baseline, t.hasBaseline = snap, true
		return out
	}

	t.failures++
	t.lastErr = models.KindOf(err)
	if t.state != StateOffline && t.failures >= threshold {
		t.state, t.since = StateOffline, snap.At
		t.hasBaseline = false
		c := change{kind: models.EventOffline, errKind: t.lastErr}
		if err != nil {
			c.err = err.Error()
		}
		out = append(out, c)
	}
	return out
}

func (t *tracker) status() *TargetStatus {
	return &TargetStatus{
		Target:   t.target,
		State:    t.state,
		Failures: t.failures,
		LastErr:  t.lastErr,
		Last:     t.last.Clone(),
		HasLast:  t.hasLast,
		Since:    t.since,
		History:  t.history.stat(),
	}
}

// diff 比较两次在线快照。两边都有玩家样本时按名称集合对比，
// 先输出离开再输出加入，各自按名称排序；否则只比较人数。
func diff(prev, cur models.StatusSnapshot) []change {
	if prev.Players.HasSample && cur.Players.HasSample {
		before := nameSet(prev.Players.Sample)
		after := nameSet(cur.Players.Sample)
		var left, joined []string
		for name := range before {
			if _, ok := after[name]; !ok {
				left = append(left, name)
			}
		}
		for name := range after {
			if _, ok := before[name]; !ok {
				joined = append(joined, name)
			}
		}
		sort.Strings(left)
		sort.Strings(joined)
		out := make([]change, 0, len(left)+len(joined))
		for _, name := range left {
			out = append(out, change{kind: models.EventPlayerLeave, player: name})
		}
		for _, name := range joined {
			out = append(out, change{kind: models.EventPlayerJoin, player: name})
		}
		return out
	}
	if prev.HasPlayers && cur.HasPlayers && prev.Players.Online != cur.Players.Online {
		return []change{{kind: models.EventCountChanged, oldCount: prev.Players.Online, newCount: cur.Players.Online}}
	}
	return nil
}

func nameSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}
