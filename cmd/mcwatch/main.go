package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/projectdiscovery/goflags"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitushen/mcwatch/internal/bedrock"
	"github.com/hitushen/mcwatch/internal/config"
	"github.com/hitushen/mcwatch/internal/coordinator"
	"github.com/hitushen/mcwatch/internal/java"
	"github.com/hitushen/mcwatch/internal/metrics"
	"github.com/hitushen/mcwatch/internal/models"
	"github.com/hitushen/mcwatch/internal/monitor"
	"github.com/hitushen/mcwatch/internal/probe"
	"github.com/hitushen/mcwatch/internal/realtime"
	"github.com/hitushen/mcwatch/internal/scanner"
	"github.com/hitushen/mcwatch/internal/targets"
)

type options struct {
	Targets     goflags.StringSlice
	Protocol    string
	Scan        string
	Ports       string
	Concurrency int
	Timeout     time.Duration
	Interval    time.Duration
	Once        bool
	Config      string
	Naabu       bool
	FullQuery   bool
	Verbose     bool
}

func parseFlags() (*options, error) {
	opts := &options{}
	flagSet := goflags.NewFlagSet()
	flagSet.SetDescription("mcwatch queries, scans and monitors Minecraft Java and Bedrock servers.")
	flagSet.CreateGroup("input", "Input",
		flagSet.StringSliceVarP(&opts.Targets, "target", "t", nil, "server to query (host[:port]), repeatable", goflags.CommaSeparatedStringSliceOptions),
		flagSet.StringVarP(&opts.Protocol, "protocol", "p", "", "protocol hint (java, bedrock); empty detects both"),
		flagSet.StringVar(&opts.Config, "config", "", "TOML config file"),
	)
	flagSet.CreateGroup("mode", "Mode",
		flagSet.StringVar(&opts.Scan, "scan", "", "scan this host for servers instead of querying targets"),
		flagSet.StringVar(&opts.Ports, "ports", "", "ports to scan (common, all, 1-65535, 25565,19132)"),
		flagSet.BoolVar(&opts.Once, "once", false, "query targets once and exit"),
		flagSet.DurationVarP(&opts.Interval, "interval", "i", 0, "monitor poll interval"),
	)
	flagSet.CreateGroup("tuning", "Tuning",
		flagSet.IntVarP(&opts.Concurrency, "concurrency", "c", 0, "parallel queries or ports"),
		flagSet.DurationVar(&opts.Timeout, "timeout", 0, "per-query timeout"),
		flagSet.BoolVar(&opts.Naabu, "naabu", false, "pre-sweep TCP ports with naabu before scanning"),
		flagSet.BoolVar(&opts.FullQuery, "full-query", false, "run a full query to fetch Bedrock player lists"),
		flagSet.BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging"),
	)
	if err := flagSet.Parse(); err != nil {
		return nil, err
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags()
	if err != nil {
		log.Fatalf("flags: %v", err)
	}
	cfg, err := config.Load(opts.Config)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	applyFlags(cfg, opts)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.NewRegistry())
	if opts.Scan != "" {
		err = runScan(ctx, cfg, opts.Scan, m, logger)
	} else {
		err = runTargets(ctx, cfg, opts, m, logger)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("mcwatch failed", "err", err)
		os.Exit(1)
	}
}

// applyFlags 让显式给出的命令行参数覆盖配置。
func applyFlags(cfg *config.Config, opts *options) {
	if opts.Verbose {
		cfg.LogLevel = "debug"
	}
	if opts.Timeout > 0 {
		cfg.Query.Timeout = opts.Timeout
		cfg.Scan.Timeout = opts.Timeout
	}
	if opts.Concurrency > 0 {
		cfg.Scan.Concurrency = opts.Concurrency
		cfg.Monitor.Concurrency = opts.Concurrency
	}
	if opts.Interval > 0 {
		cfg.Monitor.Interval = opts.Interval
	}
	if opts.Ports != "" {
		cfg.Scan.Ports = opts.Ports
	}
	cfg.Scan.Naabu = cfg.Scan.Naabu || opts.Naabu
	cfg.Query.FullQuery = cfg.Query.FullQuery || opts.FullQuery
	for _, addr := range opts.Targets {
		cfg.Targets = append(cfg.Targets, config.TargetConfig{Address: addr, Protocol: opts.Protocol})
	}
}

func runScan(ctx context.Context, cfg *config.Config, host string, m *metrics.Metrics, logger *slog.Logger) error {
	ports, err := scanner.ParsePorts(cfg.Scan.Ports)
	if err != nil {
		return err
	}
	transport, _ := cfg.Transport()
	s := &scanner.Scanner{
		Java:     &java.Client{DisableLegacy: cfg.Query.DisableLegacy, Log: logger},
		Bedrock:  &bedrock.Client{Transport: transport, Log: logger},
		Resolver: &targets.Resolver{},
		Metrics:  m,
		Log:      logger,
	}
	if cfg.Scan.Naabu {
		s.Sweeper = scanner.NaabuSweeper{Rate: cfg.Scan.NaabuRate, Timeout: cfg.Scan.Timeout}
	}
	step := max(len(ports)/10, 1)
	s.OnProgress = func(scanned, total int) {
		if scanned%step == 0 || scanned == total {
			logger.Debug("scan progress", "scanned", scanned, "total", total)
		}
	}

	res, err := s.ScanPorts(ctx, host, ports, cfg.Scan.Concurrency, cfg.Scan.Timeout)
	for _, p := range res.Open {
		logSnapshot(logger, p.Snapshot, nil)
	}
	logger.Info("scan finished", "host", res.Host, "address", res.Address, "scanned", res.Scanned, "open", len(res.Open), "duration", res.Duration.Round(time.Millisecond))
	return err
}

func runTargets(ctx context.Context, cfg *config.Config, opts *options, m *metrics.Metrics, logger *slog.Logger) error {
	list, err := cfg.ServerTargets()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return fmt.Errorf("no targets: use -target, -scan or a config file: %w", models.ErrInvalidArgument)
	}
	transport, _ := cfg.Transport()
	pcfg := probe.Config{
		Timeout:          cfg.Query.Timeout,
		FullQuery:        cfg.Query.FullQuery,
		BedrockTransport: transport,
		DisableLegacy:    cfg.Query.DisableLegacy,
		Resolver:         &targets.Resolver{},
		Metrics:          m,
		Log:              logger,
	}

	if opts.Once {
		pcfg.CacheTTL = cfg.Query.CacheTTL
		c := &coordinator.Coordinator{Prober: probe.New(pcfg), Log: logger}
		results, err := c.QueryAll(ctx, list, cfg.Monitor.Concurrency, cfg.Query.Timeout)
		if err != nil {
			return err
		}
		for _, t := range list {
			r := results[t.Key()]
			logSnapshot(logger, r.Snapshot, r.Err)
		}
		return nil
	}

	// 监控需要每轮都拿到新结果，不使用缓存。
	broker := realtime.NewBroker(m)
	defer broker.Close()
	engine := &monitor.Engine{
		Prober:           probe.New(pcfg),
		FailureThreshold: cfg.Monitor.FailureThreshold,
		HistoryCapacity:  cfg.Monitor.HistoryCapacity,
		MinInterval:      cfg.Monitor.MinInterval,
		MaxInterval:      cfg.Monitor.MaxInterval,
		Concurrency:      cfg.Monitor.Concurrency,
		Timeout:          cfg.Query.Timeout,
		Broker:           broker,
		Metrics:          m,
		Log:              logger,
	}
	h, err := engine.Start(ctx, list, cfg.Monitor.Interval)
	if err != nil {
		return err
	}
	defer h.Stop()

	for {
		select {
		case <-ctx.Done():
			h.Stop()
			for _, st := range h.Statuses() {
				logger.Info("target summary", "target", st.Target.Name(), "state", st.State,
					"uptime", fmt.Sprintf("%.1f%%", st.History.Uptime()*100),
					"avg_latency_ms", st.History.LatencyMS.Avg, "avg_players", st.History.Players.Avg)
			}
			return nil
		case evt, ok := <-h.Events():
			if !ok {
				return nil
			}
			logEvent(logger, evt)
		}
	}
}

func logEvent(logger *slog.Logger, evt models.MonitorEvent) {
	attrs := []any{"seq", evt.Seq, "target", evt.Target.Name()}
	switch evt.Kind {
	case models.EventPlayerJoin, models.EventPlayerLeave:
		attrs = append(attrs, "player", evt.Player)
	case models.EventCountChanged:
		attrs = append(attrs, "old", evt.OldCount, "new", evt.NewCount)
	case models.EventOffline:
		attrs = append(attrs, "reason", evt.ErrKind, "err", evt.Error)
	}
	logger.Info(string(evt.Kind), attrs...)
}

func logSnapshot(logger *slog.Logger, snap models.StatusSnapshot, err error) {
	if !snap.Online {
		logger.Warn("offline", "target", snap.Target.Name(), "reason", models.KindOf(err), "err", err)
		return
	}
	attrs := []any{"target", snap.Target.Name(), "protocol", snap.Protocol, "version", snap.Version.Name, "motd", snap.MOTD}
	if ms, ok := snap.LatencyMS(); ok {
		attrs = append(attrs, "latency_ms", ms)
	}
	if snap.HasPlayers {
		attrs = append(attrs, "players", fmt.Sprintf("%d/%d", snap.Players.Online, snap.Players.Max))
	}
	if len(snap.Players.Sample) > 0 {
		attrs = append(attrs, "sample", snap.Players.Sample)
	}
	if err != nil {
		attrs = append(attrs, "warning", err)
	}
	logger.Info("online", attrs...)
}
