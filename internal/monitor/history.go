package monitor

import "github.com/hitushen/mcwatch/internal/models"

// DefaultHistoryCapacity 是每个目标保留的快照数量。
const DefaultHistoryCapacity = 120

// ring 是定长快照环，写满后覆盖最旧的一条。
type ring struct {
	buf   []models.StatusSnapshot
	start int
	n     int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &ring{buf: make([]models.StatusSnapshot, capacity)}
}

func (r *ring) push(s models.StatusSnapshot) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = s
		r.n++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
}

// snapshots 按时间从旧到新返回窗口内容的副本。
func (r *ring) snapshots() []models.StatusSnapshot {
	out := make([]models.StatusSnapshot, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// stat 重新计算窗口统计。
func (r *ring) stat() models.HistoryStat {
	snaps := r.snapshots()
	h := models.HistoryStat{Capacity: len(r.buf), Snapshots: snaps, Polls: len(snaps)}
	var lat, players accumulator
	for _, s := range snaps {
		if !s.Online {
			continue
		}
		h.OnlinePolls++
		if ms, ok := s.LatencyMS(); ok {
			lat.add(float64(ms))
		}
		if s.HasPlayers {
			players.add(float64(s.Players.Online))
		}
	}
	h.LatencyMS = lat.result()
	h.Players = players.result()
	return h
}

type accumulator struct {
	min, max, sum float64
	n             int
}

func (a *accumulator) add(v float64) {
	if a.n == 0 || v < a.min {
		a.min = v
	}
	if a.n == 0 || v > a.max {
		a.max = v
	}
	a.sum += v
	a.n++
}

func (a accumulator) result() models.Range {
	if a.n == 0 {
		return models.Range{}
	}
	return models.Range{Min: a.min, Avg: a.sum / float64(a.n), Max: a.max, Samples: a.n}
}
