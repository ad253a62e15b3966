package bedrock

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/sandertv/gophertunnel/minecraft/text"

	"github.com/hitushen/mcwatch/internal/models"
)

const (
	idUnconnectedPing byte = 0x01
	idUnconnectedPong byte = 0x1C
)

// magic 是 RakNet 离线消息的固定标识。
var magic = mustHex("00ffff00fefefefefdfdfdfd12345678")

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// pingLen 是未连接 ping 的固定长度：ID、时间、magic、客户端 GUID。
const pingLen = 1 + 8 + 16 + 8

// pongHeaderLen 是 pong 中广播字符串之前的字节数。
const pongHeaderLen = 1 + 8 + 8 + 16 + 2

// AppendPing 构造一个未连接 ping 包。
func AppendPing(b []byte, sendTime int64, clientGUID uint64) []byte {
	b = append(b, idUnconnectedPing)
	b = binary.BigEndian.AppendUint64(b, uint64(sendTime))
	b = append(b, magic...)
	return binary.BigEndian.AppendUint64(b, clientGUID)
}

// Pong 是解码后的未连接 pong。
type Pong struct {
	Time       int64
	ServerGUID uint64
	Data       []byte
}

// ParsePong 校验并解码一个未连接 pong 包。
func ParsePong(b []byte) (Pong, error) {
	if len(b) == 0 || b[0] != idUnconnectedPong {
		return Pong{}, models.Errorf(models.KindProtocolMismatch, "bedrock pong", "unexpected packet id")
	}
	if len(b) < pongHeaderLen {
		return Pong{}, models.Errorf(models.KindMalformedResponse, "bedrock pong", "short packet: %d bytes", len(b))
	}
	p := Pong{
		Time:       int64(binary.BigEndian.Uint64(b[1:9])),
		ServerGUID: binary.BigEndian.Uint64(b[9:17]),
	}
	if !bytes.Equal(b[17:33], magic) {
		return Pong{}, models.Errorf(models.KindMalformedResponse, "bedrock pong", "magic mismatch")
	}
	n := int(binary.BigEndian.Uint16(b[33:35]))
	if pongHeaderLen+n > len(b) {
		return Pong{}, models.Errorf(models.KindMalformedResponse, "bedrock pong", "advertisement length %d overruns packet", n)
	}
	p.Data = b[pongHeaderLen : pongHeaderLen+n]
	return p, nil
}

// Advertisement 是 pong 中以分号分隔的服务器广播。
type Advertisement struct {
	Edition       string
	MOTD          string
	Protocol      int
	Version       string
	Online        int
	Max           int
	ServerUID     string
	SubMOTD       string
	GameMode      string
	GameModeID    int
	HasGameModeID bool
	PortV4        int
	PortV6        int
}

// ParseAdvertisement 解析广播字符串。前六个字段必须存在，其余字段缺失或无法解析时视为未提供。
func ParseAdvertisement(s string) (Advertisement, error) {
	fields := strings.Split(s, ";")
	if len(fields) < 6 {
		return Advertisement{}, models.Errorf(models.KindMalformedResponse, "bedrock advertisement", "expected at least 6 fields, got %d", len(fields))
	}
	ad := Advertisement{
		Edition: fields[0],
		MOTD:    text.Clean(fields[1]),
		Version: fields[3],
	}
	var err error
	if ad.Protocol, err = strconv.Atoi(fields[2]); err != nil {
		return Advertisement{}, models.NewError(models.KindMalformedResponse, "bedrock advertisement protocol", err)
	}
	if ad.Online, err = strconv.Atoi(fields[4]); err != nil {
		return Advertisement{}, models.NewError(models.KindMalformedResponse, "bedrock advertisement online", err)
	}
	if ad.Max, err = strconv.Atoi(fields[5]); err != nil {
		return Advertisement{}, models.NewError(models.KindMalformedResponse, "bedrock advertisement max", err)
	}

	opt := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}
	ad.ServerUID = opt(6)
	ad.SubMOTD = text.Clean(opt(7))
	ad.GameMode = opt(8)
	if v, err := strconv.Atoi(opt(9)); err == nil {
		ad.GameModeID, ad.HasGameModeID = v, true
	}
	if v, err := strconv.Atoi(opt(10)); err == nil {
		ad.PortV4 = v
	}
	if v, err := strconv.Atoi(opt(11)); err == nil {
		ad.PortV6 = v
	}
	return ad, nil
}

// Apply 把广播写入快照的数据字段。
func (ad Advertisement) Apply(snap *models.StatusSnapshot, serverGUID uint64) {
	snap.Online = true
	snap.Protocol = models.ProtocolBedrock
	snap.Version = models.Version{Name: ad.Version, Protocol: ad.Protocol}
	snap.MOTD = ad.MOTD
	snap.Players = models.Players{Online: ad.Online, Max: ad.Max, HasMax: true}
	snap.HasPlayers = true
	snap.Bedrock = &models.BedrockDetails{
		Edition:    ad.Edition,
		SubMOTD:    ad.SubMOTD,
		ServerUID:  ad.ServerUID,
		ServerGUID: serverGUID,
		GameMode:   ad.GameMode,
		GameModeID: ad.GameModeID,
		HasModeID:  ad.HasGameModeID,
		PortV4:     ad.PortV4,
		PortV6:     ad.PortV6,
	}
}
