package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml"

	"github.com/hitushen/mcwatch/internal/bedrock"
	"github.com/hitushen/mcwatch/internal/models"
	"github.com/hitushen/mcwatch/internal/scanner"
	"github.com/hitushen/mcwatch/internal/targets"
)

// Config 汇总运行时所需的全部配置。
type Config struct {
	LogLevel string
	Query    QueryConfig
	Scan     ScanConfig
	Monitor  MonitorConfig
	Targets  []TargetConfig
}

// QueryConfig 控制单次状态查询。
type QueryConfig struct {
	Timeout          time.Duration
	CacheTTL         time.Duration
	FullQuery        bool
	BedrockTransport string
	DisableLegacy    bool
}

// ScanConfig 控制端口扫描。
type ScanConfig struct {
	Ports       string
	Concurrency int
	Timeout     time.Duration
	Naabu       bool
	NaabuRate   int
}

// MonitorConfig 控制监控会话。
type MonitorConfig struct {
	Interval         time.Duration
	MinInterval      time.Duration
	MaxInterval      time.Duration
	FailureThreshold int
	HistoryCapacity  int
	Concurrency      int
}

// TargetConfig 是配置文件中的一个服务器条目。
type TargetConfig struct {
	Address  string `toml:"address"`
	Label    string `toml:"label"`
	Protocol string `toml:"protocol"`
}

// fileConfig 对应 TOML 文件结构，时长以字符串书写，如 "3s"。
type fileConfig struct {
	LogLevel string `toml:"log_level"`
	Query    struct {
		Timeout          string `toml:"timeout"`
		CacheTTL         string `toml:"cache_ttl"`
		FullQuery        bool   `toml:"full_query"`
		BedrockTransport string `toml:"bedrock_transport"`
		DisableLegacy    bool   `toml:"disable_legacy"`
	} `toml:"query"`
	Scan struct {
		Ports       string `toml:"ports"`
		Concurrency int    `toml:"concurrency"`
		Timeout     string `toml:"timeout"`
		Naabu       bool   `toml:"naabu"`
		NaabuRate   int    `toml:"naabu_rate"`
	} `toml:"scan"`
	Monitor struct {
		Interval         string `toml:"interval"`
		MinInterval      string `toml:"min_interval"`
		MaxInterval      string `toml:"max_interval"`
		FailureThreshold int    `toml:"failure_threshold"`
		HistoryCapacity  int    `toml:"history_capacity"`
		Concurrency      int    `toml:"concurrency"`
	} `toml:"monitor"`
	Targets []TargetConfig `toml:"targets"`
}

// Default 返回内置默认配置。
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Query: QueryConfig{
			Timeout:          3 * time.Second,
			CacheTTL:         time.Minute,
			BedrockTransport: "native",
		},
		Scan: ScanConfig{
			Ports:       "common",
			Concurrency: 200,
			Timeout:     time.Second,
			NaabuRate:   1000,
		},
		Monitor: MonitorConfig{
			Interval:         30 * time.Second,
			MinInterval:      time.Second,
			MaxInterval:      10 * time.Minute,
			FailureThreshold: 3,
			HistoryCapacity:  120,
			Concurrency:      16,
		},
	}
}

// Load 依次应用默认值、path 指向的 TOML 文件（可为空）与 MCWATCH_* 环境变量，最后校验。
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.apply(data); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) apply(data []byte) error {
	var f fileConfig
	if err := toml.Unmarshal(data, &f); err != nil {
		return err
	}
	setString(&c.LogLevel, f.LogLevel)

	var errs []error
	errs = append(errs, setDuration(&c.Query.Timeout, "query.timeout", f.Query.Timeout))
	errs = append(errs, setDuration(&c.Query.CacheTTL, "query.cache_ttl", f.Query.CacheTTL))
	c.Query.FullQuery = c.Query.FullQuery || f.Query.FullQuery
	c.Query.DisableLegacy = c.Query.DisableLegacy || f.Query.DisableLegacy
	setString(&c.Query.BedrockTransport, f.Query.BedrockTransport)

	setString(&c.Scan.Ports, f.Scan.Ports)
	setInt(&c.Scan.Concurrency, f.Scan.Concurrency)
	errs = append(errs, setDuration(&c.Scan.Timeout, "scan.timeout", f.Scan.Timeout))
	c.Scan.Naabu = c.Scan.Naabu || f.Scan.Naabu
	setInt(&c.Scan.NaabuRate, f.Scan.NaabuRate)

	errs = append(errs, setDuration(&c.Monitor.Interval, "monitor.interval", f.Monitor.Interval))
	errs = append(errs, setDuration(&c.Monitor.MinInterval, "monitor.min_interval", f.Monitor.MinInterval))
	errs = append(errs, setDuration(&c.Monitor.MaxInterval, "monitor.max_interval", f.Monitor.MaxInterval))
	setInt(&c.Monitor.FailureThreshold, f.Monitor.FailureThreshold)
	setInt(&c.Monitor.HistoryCapacity, f.Monitor.HistoryCapacity)
	setInt(&c.Monitor.Concurrency, f.Monitor.Concurrency)

	c.Targets = append(c.Targets, f.Targets...)
	return errors.Join(errs...)
}

func (c *Config) applyEnv() {
	c.LogLevel = getenv("MCWATCH_LOG_LEVEL", c.LogLevel)
	c.Query.Timeout = durationEnv("MCWATCH_QUERY_TIMEOUT", c.Query.Timeout)
	c.Query.CacheTTL = durationEnv("MCWATCH_CACHE_TTL", c.Query.CacheTTL)
	c.Query.FullQuery = boolEnv("MCWATCH_FULL_QUERY", c.Query.FullQuery)
	c.Query.BedrockTransport = getenv("MCWATCH_BEDROCK_TRANSPORT", c.Query.BedrockTransport)
	c.Query.DisableLegacy = boolEnv("MCWATCH_DISABLE_LEGACY", c.Query.DisableLegacy)
	c.Scan.Ports = getenv("MCWATCH_SCAN_PORTS", c.Scan.Ports)
	c.Scan.Concurrency = intEnv("MCWATCH_SCAN_CONCURRENCY", c.Scan.Concurrency)
	c.Scan.Timeout = durationEnv("MCWATCH_SCAN_TIMEOUT", c.Scan.Timeout)
	c.Scan.Naabu = boolEnv("MCWATCH_NAABU", c.Scan.Naabu)
	c.Scan.NaabuRate = intEnv("MCWATCH_NAABU_RATE", c.Scan.NaabuRate)
	c.Monitor.Interval = durationEnv("MCWATCH_MONITOR_INTERVAL", c.Monitor.Interval)
	c.Monitor.FailureThreshold = intEnv("MCWATCH_MONITOR_FAILURES", c.Monitor.FailureThreshold)
	c.Monitor.HistoryCapacity = intEnv("MCWATCH_MONITOR_HISTORY", c.Monitor.HistoryCapacity)
	c.Monitor.Concurrency = intEnv("MCWATCH_MONITOR_CONCURRENCY", c.Monitor.Concurrency)
	for _, addr := range strings.Split(getenv("MCWATCH_TARGETS", ""), ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			c.Targets = append(c.Targets, TargetConfig{Address: addr})
		}
	}
}

// Validate 检查配置是否可用。
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Query.Timeout <= 0 {
		return fmt.Errorf("query timeout must be positive")
	}
	if c.Query.CacheTTL < 0 {
		return fmt.Errorf("cache ttl must not be negative")
	}
	if _, err := c.Transport(); err != nil {
		return err
	}
	if _, err := scanner.ParsePorts(c.Scan.Ports); err != nil {
		return fmt.Errorf("scan ports: %w", err)
	}
	if c.Scan.Concurrency <= 0 {
		return fmt.Errorf("scan concurrency must be positive")
	}
	if c.Scan.Timeout <= 0 {
		return fmt.Errorf("scan timeout must be positive")
	}
	if c.Monitor.Interval <= 0 || c.Monitor.MinInterval <= 0 || c.Monitor.MaxInterval < c.Monitor.MinInterval {
		return fmt.Errorf("monitor intervals must satisfy 0 < min <= max and interval > 0")
	}
	if c.Monitor.FailureThreshold <= 0 || c.Monitor.HistoryCapacity <= 0 || c.Monitor.Concurrency <= 0 {
		return fmt.Errorf("monitor failure threshold, history capacity and concurrency must be positive")
	}
	if _, err := c.ServerTargets(); err != nil {
		return err
	}
	return nil
}

// Transport 把配置中的基岩版传输名称映射为 bedrock.Transport。
func (c *Config) Transport() (bedrock.Transport, error) {
	switch strings.ToLower(c.Query.BedrockTransport) {
	case "", "native", "udp":
		return bedrock.TransportNative, nil
	case "raknet":
		return bedrock.TransportRakNet, nil
	default:
		return 0, fmt.Errorf("unknown bedrock transport %q", c.Query.BedrockTransport)
	}
}

// ServerTargets 把配置条目转换为目标列表，顺序与配置一致。
func (c *Config) ServerTargets() ([]models.ServerTarget, error) {
	out := make([]models.ServerTarget, 0, len(c.Targets))
	for i, tc := range c.Targets {
		t, err := targets.Parse(tc.Address, models.ParseProtocol(strings.ToLower(tc.Protocol)))
		if err != nil {
			return nil, fmt.Errorf("target %d: %w", i+1, err)
		}
		out = append(out, targets.WithLabel(t, tc.Label))
	}
	return out, nil
}

// ParseLevel 解析日志级别名称。
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", s, err)
	}
	return lvl, nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key, v string) error {
	if v = strings.TrimSpace(v); v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func intEnv(key string, fallback int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

func boolEnv(key string, fallback bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return b
}
