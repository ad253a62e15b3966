package models

import (
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Protocol 表示服务器所属的协议族。
type Protocol string

const (
	ProtocolUnknown Protocol = "unknown"
	ProtocolJava    Protocol = "java"
	ProtocolBedrock Protocol = "bedrock"
)

// 各协议族的默认端口。
const (
	DefaultJavaPort    = 25565
	DefaultBedrockPort = 19132
)

// ParseProtocol 将用户输入映射为协议枚举，无法识别时返回 ProtocolUnknown。
func ParseProtocol(s string) Protocol {
	switch s {
	case "java", "je", "tcp":
		return ProtocolJava
	case "bedrock", "be", "pe", "mcpe", "udp":
		return ProtocolBedrock
	default:
		return ProtocolUnknown
	}
}

// DefaultPort 返回协议默认端口，未知协议按 Java 处理。
func (p Protocol) DefaultPort() int {
	if p == ProtocolBedrock {
		return DefaultBedrockPort
	}
	return DefaultJavaPort
}

// ServerTarget 描述一个被查询的服务器，创建后不可修改。
// 身份只由 Host 与 Port 决定，Hint 与 Label 不参与比较。
type ServerTarget struct {
	Host  string   `json:"host"`
	Port  int      `json:"port"`
	Hint  Protocol `json:"protocol"`
	Label string   `json:"label,omitempty"`
}

// Key 返回目标的身份标识 host:port。
func (t ServerTarget) Key() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Name 返回用于展示的名称。
func (t ServerTarget) Name() string {
	if t.Label != "" {
		return t.Label
	}
	return t.Key()
}

// Version 是服务器广播的版本信息。
type Version struct {
	Name     string `json:"name"`
	Protocol int    `json:"protocol"`
}

// Players 汇总在线人数与玩家名称样本。
type Players struct {
	Online    int      `json:"online"`
	Max       int      `json:"max"`
	HasMax    bool     `json:"hasMax"`
	Sample    []string `json:"sample,omitempty"`
	HasSample bool     `json:"hasSample"`
}

// Mod 描述 Forge 服务器上报的单个模组。
type Mod struct {
	ID      string `json:"id"`
	Version string `json:"version,omitempty"`
}

// JavaDetails 只在 Java 版快照中出现。
type JavaDetails struct {
	Legacy             bool                 `json:"legacy"`
	HasFavicon         bool                 `json:"hasFavicon"`
	EnforcesSecureChat bool                 `json:"enforcesSecureChat"`
	Forge              bool                 `json:"forge"`
	ModLoader          string               `json:"modLoader,omitempty"`
	Mods               []Mod                `json:"mods,omitempty"`
	PlayerIDs          map[string]uuid.UUID `json:"playerIds,omitempty"`
}

// BedrockDetails 只在基岩版快照中出现。
type BedrockDetails struct {
	Edition    string `json:"edition"`
	SubMOTD    string `json:"subMotd,omitempty"`
	ServerUID  string `json:"serverUid,omitempty"`
	ServerGUID uint64 `json:"serverGuid"`
	GameMode   string `json:"gameMode,omitempty"`
	GameModeID int    `json:"gameModeId"`
	HasModeID  bool   `json:"hasGameModeId"`
	PortV4     int    `json:"portV4,omitempty"`
	PortV6     int    `json:"portV6,omitempty"`

	// 以下字段来自完整查询（enable-query），未开启时为空。
	Map      string `json:"map,omitempty"`
	GameType string `json:"gameType,omitempty"`
	Plugins  string `json:"plugins,omitempty"`
}

// StatusSnapshot 是一次查询得到的不可变结果。
// 离线快照不包含延迟与玩家数据。
type StatusSnapshot struct {
	Target     ServerTarget    `json:"target"`
	At         time.Time       `json:"at"`
	Online     bool            `json:"online"`
	Protocol   Protocol        `json:"protocol"`
	Latency    time.Duration   `json:"latency"`
	HasLatency bool            `json:"hasLatency"`
	Players    Players         `json:"players"`
	HasPlayers bool            `json:"hasPlayers"`
	Version    Version         `json:"version"`
	MOTD       string          `json:"motd"`
	Java       *JavaDetails    `json:"java,omitempty"`
	Bedrock    *BedrockDetails `json:"bedrock,omitempty"`
}

// Offline 构造目标的离线快照。
func Offline(target ServerTarget, at time.Time) StatusSnapshot {
	return StatusSnapshot{Target: target, At: at, Protocol: target.Hint}
}

// LatencyMS 返回毫秒延迟，未测得时返回 false。
func (s StatusSnapshot) LatencyMS() (int64, bool) {
	if !s.Online || !s.HasLatency {
		return 0, false
	}
	return s.Latency.Milliseconds(), true
}

// Stripped 返回去除了数据字段的副本，用于强制离线快照的不变量。
func (s StatusSnapshot) Stripped() StatusSnapshot {
	return StatusSnapshot{Target: s.Target, At: s.At, Protocol: s.Protocol}
}

// Clone 深拷贝快照，使调用方可以放心持有。
func (s StatusSnapshot) Clone() StatusSnapshot {
	cp := s
	if s.Players.Sample != nil {
		cp.Players.Sample = append([]string(nil), s.Players.Sample...)
	}
	if s.Java != nil {
		j := *s.Java
		if s.Java.Mods != nil {
			j.Mods = append([]Mod(nil), s.Java.Mods...)
		}
		if s.Java.PlayerIDs != nil {
			j.PlayerIDs = make(map[string]uuid.UUID, len(s.Java.PlayerIDs))
			for k, v := range s.Java.PlayerIDs {
				j.PlayerIDs[k] = v
			}
		}
		cp.Java = &j
	}
	if s.Bedrock != nil {
		b := *s.Bedrock
		cp.Bedrock = &b
	}
	return cp
}

// OpenPort 记录扫描时发现的一个开放端口。
type OpenPort struct {
	Port     int            `json:"port"`
	Protocol Protocol       `json:"protocol"`
	Snapshot StatusSnapshot `json:"snapshot"`
}

// ScanResult 汇总对单个主机的扫描结果，Open 按端口升序排列。
type ScanResult struct {
	Host     string        `json:"host"`
	Address  string        `json:"address"`
	From     int           `json:"from"`
	To       int           `json:"to"`
	Scanned  int           `json:"scanned"`
	Open     []OpenPort    `json:"open"`
	Duration time.Duration `json:"duration"`
}

// Has 判断端口是否在开放集合中。
func (r ScanResult) Has(port int) bool {
	i := sort.Search(len(r.Open), func(i int) bool { return r.Open[i].Port >= port })
	return i < len(r.Open) && r.Open[i].Port == port
}

// Protocols 返回端口到协议的映射。
func (r ScanResult) Protocols() map[int]Protocol {
	out := make(map[int]Protocol, len(r.Open))
	for _, p := range r.Open {
		out[p.Port] = p.Protocol
	}
	return out
}

// EventKind 定义监控事件类型。
type EventKind string

const (
	EventOnline       EventKind = "online"
	EventOffline      EventKind = "offline"
	EventPlayerJoin   EventKind = "player_join"
	EventPlayerLeave  EventKind = "player_leave"
	EventCountChanged EventKind = "count_changed"
)

// MonitorEvent 是监控引擎根据相邻快照差异产生的离散事件。
type MonitorEvent struct {
	Session  uuid.UUID    `json:"session"`
	Seq      uint64       `json:"seq"`
	Kind     EventKind    `json:"kind"`
	Target   ServerTarget `json:"target"`
	At       time.Time    `json:"at"`
	Player   string       `json:"player,omitempty"`
	OldCount int          `json:"oldCount,omitempty"`
	NewCount int          `json:"newCount,omitempty"`
	ErrKind  ErrorKind    `json:"errKind,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// Range 是 min/avg/max 统计值。
type Range struct {
	Min     float64 `json:"min"`
	Avg     float64 `json:"avg"`
	Max     float64 `json:"max"`
	Samples int     `json:"samples"`
}

// HistoryStat 是目标的有界历史窗口及其派生统计。
type HistoryStat struct {
	Capacity    int              `json:"capacity"`
	Snapshots   []StatusSnapshot `json:"snapshots"`
	LatencyMS   Range            `json:"latencyMs"`
	Players     Range            `json:"players"`
	Polls       int              `json:"polls"`
	OnlinePolls int              `json:"onlinePolls"`
}

// Uptime 返回窗口内的在线比例。
func (h HistoryStat) Uptime() float64 {
	if h.Polls == 0 {
		return 0
	}
	return float64(h.OnlinePolls) / float64(h.Polls)
}
