// Package query 实现基于 GameSpy4 协议的完整状态查询（服务器需开启 enable-query）。
package query

import (
	"context"
	"strconv"
	"strings"

	gophertunnelquery "github.com/sandertv/gophertunnel/query"

	"github.com/hitushen/mcwatch/internal/models"
	"github.com/hitushen/mcwatch/internal/targets"
)

// FullStat 是完整查询返回的服务器信息。
type FullStat struct {
	HostName string
	GameType string
	GameID   string
	Version  string
	Engine   string
	Map      string
	Plugins  string
	Players  []string
	Online   int
	Max      int
	// Raw 保留全部原始键值。
	Raw map[string]string
}

// Client 执行完整查询。
type Client struct {
	Resolver *targets.Resolver
	// Do 默认为 gophertunnel 的 query.Do，测试中可替换。
	Do func(address string) (map[string]string, error)
}

func (c *Client) do() func(string) (map[string]string, error) {
	if c.Do == nil {
		return gophertunnelquery.Do
	}
	return c.Do
}

type result struct {
	info map[string]string
	err  error
}

// Query 查询目标的完整状态。底层调用没有上下文参数，
// 上下文结束时立即返回，后台调用会在其自身的读超时后退出。
func (c *Client) Query(ctx context.Context, target models.ServerTarget) (FullStat, error) {
	addr, err := c.Resolver.Resolve(ctx, target.Host, target.Port)
	if err != nil {
		return FullStat{}, err
	}
	done := make(chan result, 1)
	do := c.do()
	go func() {
		info, err := do(addr)
		done <- result{info: info, err: err}
	}()
	select {
	case <-ctx.Done():
		return FullStat{}, models.ClassifyContext(ctx, "full query", ctx.Err())
	case r := <-done:
		if r.err != nil {
			return FullStat{}, models.ClassifyContext(ctx, "full query", r.err)
		}
		return parse(r.info)
	}
}

func parse(info map[string]string) (FullStat, error) {
	if len(info) == 0 {
		return FullStat{}, models.Errorf(models.KindMalformedResponse, "full query", "empty response")
	}
	st := FullStat{
		HostName: info["hostname"],
		GameType: info["gametype"],
		GameID:   info["game_id"],
		Version:  info["version"],
		Engine:   info["server_engine"],
		Map:      info["map"],
		Plugins:  info["plugins"],
		Raw:      info,
	}
	var err error
	if v, ok := info["numplayers"]; ok {
		if st.Online, err = strconv.Atoi(v); err != nil {
			return FullStat{}, models.NewError(models.KindMalformedResponse, "full query numplayers", err)
		}
	}
	if v, ok := info["maxplayers"]; ok {
		if st.Max, err = strconv.Atoi(v); err != nil {
			return FullStat{}, models.NewError(models.KindMalformedResponse, "full query maxplayers", err)
		}
	}
	if v := info["players"]; v != "" {
		for _, name := range strings.Split(v, ", ") {
			if name = strings.TrimSpace(name); name != "" {
				st.Players = append(st.Players, name)
			}
		}
	}
	return st, nil
}

// Enrich 用完整查询的结果补全基岩版快照：玩家名单作为完整样本，以及地图等附加字段。
func (st FullStat) Enrich(snap *models.StatusSnapshot) {
	snap.Players.Sample = append([]string(nil), st.Players...)
	snap.Players.HasSample = len(st.Players) >= snap.Players.Online
	if snap.Bedrock != nil {
		snap.Bedrock.Map = st.Map
		snap.Bedrock.GameType = st.GameType
		snap.Bedrock.Plugins = st.Plugins
	}
}
