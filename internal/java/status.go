package java

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/sandertv/gophertunnel/minecraft/text"

	"github.com/hitushen/mcwatch/internal/models"
)

type sampleEntry struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// statusJSON 对应状态响应中的 JSON 负载。
type statusJSON struct {
	Version *struct {
		Name     string `json:"name"`
		Protocol int    `json:"protocol"`
	} `json:"version"`
	Players *struct {
		Max    *int          `json:"max"`
		Online int           `json:"online"`
		Sample []sampleEntry `json:"sample"`
	} `json:"players"`
	Description        json.RawMessage `json:"description"`
	Favicon            string          `json:"favicon"`
	EnforcesSecureChat bool            `json:"enforcesSecureChat"`

	// FML1（1.12 及更早）的 Forge 服务器。
	ModInfo *struct {
		Type    string `json:"type"`
		ModList []struct {
			ModID   string `json:"modid"`
			Version string `json:"version"`
		} `json:"modList"`
	} `json:"modinfo"`
	// FML2/FML3（1.13 及以后）。
	ForgeData *struct {
		Mods []struct {
			ModID  string `json:"modId"`
			Marker string `json:"modmarker"`
		} `json:"mods"`
		FMLNetworkVersion int `json:"fmlNetworkVersion"`
	} `json:"forgeData"`
}

// decodeStatus 解析状态 JSON 并填充快照的数据字段。
// 只解码第一个 JSON 值，部分 Forge 服务器会在其后追加额外数据。
func decodeStatus(payload string, snap *models.StatusSnapshot) error {
	var st statusJSON
	if err := json.NewDecoder(strings.NewReader(payload)).Decode(&st); err != nil {
		return err
	}

	if st.Version != nil {
		snap.Version = models.Version{Name: text.Clean(st.Version.Name), Protocol: st.Version.Protocol}
	}
	snap.MOTD = FlattenChat(st.Description)

	details := &models.JavaDetails{
		HasFavicon:         st.Favicon != "",
		EnforcesSecureChat: st.EnforcesSecureChat,
	}

	if st.Players != nil {
		snap.HasPlayers = true
		snap.Players.Online = st.Players.Online
		if st.Players.Max != nil {
			snap.Players.Max = *st.Players.Max
			snap.Players.HasMax = true
		}
		names, ids := samplePlayers(st.Players.Sample)
		snap.Players.Sample = names
		if len(ids) > 0 {
			details.PlayerIDs = ids
		}
		// 原版只返回最多 12 个随机样本，样本不完整时不能用于集合比较。
		// 以过滤掉装饰文本后的名称数量判断。
		snap.Players.HasSample = (names != nil && len(names) >= st.Players.Online) ||
			st.Players.Online == 0
	}

	switch {
	case st.ForgeData != nil:
		details.Forge = true
		details.ModLoader = "forge"
		for _, m := range st.ForgeData.Mods {
			details.Mods = append(details.Mods, models.Mod{ID: m.ModID, Version: m.Marker})
		}
	case st.ModInfo != nil:
		details.Forge = strings.EqualFold(st.ModInfo.Type, "fml") || strings.EqualFold(st.ModInfo.Type, "forge")
		details.ModLoader = strings.ToLower(st.ModInfo.Type)
		for _, m := range st.ModInfo.ModList {
			details.Mods = append(details.Mods, models.Mod{ID: m.ModID, Version: m.Version})
		}
	}
	snap.Java = details
	return nil
}

// samplePlayers 清理样本中的玩家名，UUID 为全零的条目是服务器的装饰文本，予以跳过。
func samplePlayers(entries []sampleEntry) ([]string, map[string]uuid.UUID) {
	if entries == nil {
		return nil, nil
	}
	names := make([]string, 0, len(entries))
	ids := make(map[string]uuid.UUID, len(entries))
	for _, e := range entries {
		id, err := uuid.Parse(e.ID)
		if err == nil && id == uuid.Nil {
			continue
		}
		name := strings.TrimSpace(text.Clean(e.Name))
		if name == "" {
			continue
		}
		names = append(names, name)
		if err == nil {
			ids[name] = id
		}
	}
	return names, ids
}
