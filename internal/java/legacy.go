package java

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sandertv/gophertunnel/minecraft/text"
	"golang.org/x/text/encoding/unicode"

	"github.com/hitushen/mcwatch/internal/models"
)

const (
	legacyRequest byte = 0xFE
	legacyPayload byte = 0x01
	legacyKick    byte = 0xFF
	legacyMarker       = "§1"
)

var utf16be = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

// legacyStatus 是旧版 0xFF 响应中的字段。
type legacyStatus struct {
	Protocol int
	Version  string
	MOTD     string
	Online   int
	Max      int
}

// QueryLegacy 直接向 addr（ip:port）发送旧版查询，扫描器在新握手失败后使用。
func (c *Client) QueryLegacy(ctx context.Context, addr string, target models.ServerTarget) (models.StatusSnapshot, error) {
	if c.DisableLegacy {
		return offline(target), models.Errorf(models.KindProtocolMismatch, "java legacy", "legacy query disabled")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.queryLegacy(ctx, addr, target)
}

// queryLegacy 使用 1.4 至 1.6 的 0xFE 0x01 查询。
func (c *Client) queryLegacy(ctx context.Context, addr string, target models.ServerTarget) (models.StatusSnapshot, error) {
	conn, err := c.dialer().DialContext(ctx, "tcp", addr)
	if err != nil {
		return offline(target), models.ClassifyContext(ctx, "java legacy connect", err)
	}
	defer conn.Close()
	stop := bindConn(ctx, conn)
	defer stop()

	start := time.Now()
	if _, err := conn.Write([]byte{legacyRequest, legacyPayload}); err != nil {
		return offline(target), models.ClassifyContext(ctx, "java legacy", err)
	}
	r := bufio.NewReader(conn)
	id, err := r.ReadByte()
	if err != nil {
		return offline(target), frameError(ctx, "java legacy", err)
	}
	if id != legacyKick {
		return offline(target), models.Errorf(models.KindProtocolMismatch, "java legacy", "unexpected packet id 0x%02x", id)
	}
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return offline(target), frameError(ctx, "java legacy", err)
	}
	raw := make([]byte, int(binary.BigEndian.Uint16(hdr[:]))*2)
	if _, err := io.ReadFull(r, raw); err != nil {
		return offline(target), models.ClassifyContext(ctx, "java legacy", err)
	}
	latency := time.Since(start)

	decoded, err := utf16be.NewDecoder().Bytes(raw)
	if err != nil {
		return offline(target), models.NewError(models.KindMalformedResponse, "java legacy", err)
	}
	st, err := parseLegacy(string(decoded))
	if err != nil {
		return offline(target), err
	}
	return models.StatusSnapshot{
		Target:     target,
		At:         time.Now(),
		Online:     true,
		Protocol:   models.ProtocolJava,
		Latency:    latency,
		HasLatency: true,
		Players:    models.Players{Online: st.Online, Max: st.Max, HasMax: true},
		HasPlayers: true,
		Version:    models.Version{Name: st.Version, Protocol: st.Protocol},
		MOTD:       st.MOTD,
		Java:       &models.JavaDetails{Legacy: true},
	}, nil
}

// parseLegacy 拆分 §1 开头的旧版状态字符串。
// 字段之间通常以 NUL 分隔；没有 NUL 时退回以 § 分隔，此时 MOTD 取协议号、版本与人数之间的剩余部分。
func parseLegacy(s string) (legacyStatus, error) {
	rest, ok := strings.CutPrefix(s, legacyMarker)
	if !ok {
		return legacyStatus{}, models.Errorf(models.KindProtocolMismatch, "java legacy", "missing %q marker", legacyMarker)
	}

	var fields []string
	if strings.Contains(rest, "\x00") {
		fields = strings.Split(strings.TrimPrefix(rest, "\x00"), "\x00")
	} else {
		parts := strings.Split(strings.TrimPrefix(rest, "§"), "§")
		if len(parts) >= 5 {
			fields = []string{parts[0], parts[1], strings.Join(parts[2:len(parts)-2], "§"), parts[len(parts)-2], parts[len(parts)-1]}
		} else {
			fields = parts
		}
	}
	if len(fields) < 5 {
		return legacyStatus{}, models.Errorf(models.KindMalformedResponse, "java legacy", "expected 5 fields, got %d", len(fields))
	}

	proto, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return legacyStatus{}, models.NewError(models.KindMalformedResponse, "java legacy protocol", err)
	}
	online, err := strconv.Atoi(strings.TrimSpace(fields[3]))
	if err != nil {
		return legacyStatus{}, models.NewError(models.KindMalformedResponse, "java legacy online", err)
	}
	maxPlayers, err := strconv.Atoi(strings.TrimSpace(fields[4]))
	if err != nil {
		return legacyStatus{}, models.NewError(models.KindMalformedResponse, "java legacy max", err)
	}
	return legacyStatus{
		Protocol: proto,
		Version:  text.Clean(fields[1]),
		MOTD:     text.Clean(fields[2]),
		Online:   online,
		Max:      maxPlayers,
	}, nil
}
