package java

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"golang.org/x/text/encoding/unicode"

	"github.com/hitushen/mcwatch/internal/models"
	"github.com/hitushen/mcwatch/internal/protocol"
)

const cannedStatus = `{"version":{"name":"1.20.1","protocol":763},"players":{"max":20,"online":5},"description":"Hello"}`

// serve 启动一个回环 TCP 监听，对每个连接依次调用 handlers 中的下一个处理函数。
func serve(t *testing.T, handlers ...func(net.Conn)) models.ServerTarget {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for _, h := range handlers {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(h func(net.Conn)) {
				defer conn.Close()
				h(conn)
			}(h)
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port
	return models.ServerTarget{Host: "127.0.0.1", Port: port, Hint: models.ProtocolJava}
}

// modern 返回一个按新协议应答的处理函数，pong 用于改写回显的令牌。
func modern(t *testing.T, status string, pong func(int64) int64) func(net.Conn) {
	return func(conn net.Conn) {
		r := bufio.NewReader(conn)
		hs, err := protocol.ReadPacket(r)
		if err != nil || hs.ID != protocol.PacketHandshake {
			t.Errorf("handshake: id=%d err=%v", hs.ID, err)
			return
		}
		body := protocol.NewReader(hs.Body)
		if v, _ := body.VarInt(); v != DefaultProtocolVersion {
			t.Errorf("handshake protocol = %d", v)
		}
		if host, _ := body.String(); host != "127.0.0.1" {
			t.Errorf("handshake host = %q", host)
		}
		if req, err := protocol.ReadPacket(r); err != nil || req.ID != protocol.PacketStatusRequest || len(req.Body) != 0 {
			t.Errorf("status request: %+v err=%v", req, err)
			return
		}
		conn.Write(protocol.NewBuilder(protocol.PacketStatusResponse).String(status).Frame())
		pk, err := protocol.ReadPacket(r)
		if err != nil {
			return
		}
		token, _ := protocol.NewReader(pk.Body).Int64()
		if pong != nil {
			token = pong(token)
		}
		conn.Write(protocol.NewBuilder(protocol.PacketPong).Int64(token).Frame())
	}
}

func TestQueryModernStatus(t *testing.T) {
	target := serve(t, modern(t, cannedStatus, nil))
	c := &Client{Timeout: 2 * time.Second}
	snap, err := c.Query(context.Background(), target)
	if err != nil {
		t.Fatalf("Query err=%v", err)
	}
	if !snap.Online || snap.Protocol != models.ProtocolJava {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Players.Online != 5 || snap.Players.Max != 20 || !snap.Players.HasMax {
		t.Fatalf("players = %+v", snap.Players)
	}
	if snap.Version.Name != "1.20.1" || snap.Version.Protocol != 763 {
		t.Fatalf("version = %+v", snap.Version)
	}
	if snap.MOTD != "Hello" {
		t.Fatalf("motd = %q", snap.MOTD)
	}
	if !snap.HasLatency || snap.Latency < 0 {
		t.Fatalf("latency = %v has=%v", snap.Latency, snap.HasLatency)
	}
	if snap.Java == nil || snap.Java.Legacy {
		t.Fatalf("java details = %+v", snap.Java)
	}
}

func TestQueryMalformedJSONIsOnline(t *testing.T) {
	target := serve(t, modern(t, `{"version":`, nil))
	snap, err := (&Client{Timeout: 2 * time.Second}).Query(context.Background(), target)
	if !errors.Is(err, models.ErrMalformedResponse) {
		t.Fatalf("err=%v, want malformed", err)
	}
	if !snap.Online || snap.HasPlayers || snap.HasLatency {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestQueryPongMismatch(t *testing.T) {
	target := serve(t, modern(t, cannedStatus, func(tok int64) int64 { return tok + 1 }))
	snap, err := (&Client{Timeout: 2 * time.Second}).Query(context.Background(), target)
	if models.KindOf(err) != models.KindMalformedResponse {
		t.Fatalf("err=%v, want malformed", err)
	}
	if !snap.Online || snap.HasLatency {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestQueryPingUnansweredFallsBackToStatusRTT(t *testing.T) {
	target := serve(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		protocol.ReadPacket(r)
		protocol.ReadPacket(r)
		conn.Write(protocol.NewBuilder(protocol.PacketStatusResponse).String(cannedStatus).Frame())
		protocol.ReadPacket(r)
	})
	snap, err := (&Client{Timeout: 2 * time.Second}).Query(context.Background(), target)
	if err != nil {
		t.Fatalf("Query err=%v", err)
	}
	if !snap.HasLatency {
		t.Fatalf("expected fallback latency")
	}
}

func TestQueryRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	snap, err := (&Client{Timeout: time.Second}).Query(context.Background(), models.ServerTarget{Host: "127.0.0.1", Port: port})
	if models.KindOf(err) != models.KindNetworkUnreachable {
		t.Fatalf("err=%v, want unreachable", err)
	}
	if snap.Online || snap.HasLatency || snap.HasPlayers {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestQuerySilentServerTimesOut(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	target := serve(t, func(conn net.Conn) { <-release })

	timeout := 200 * time.Millisecond
	start := time.Now()
	snap, err := (&Client{Timeout: timeout}).Query(context.Background(), target)
	elapsed := time.Since(start)
	if !errors.Is(err, models.ErrTimeout) {
		t.Fatalf("err=%v, want timeout", err)
	}
	if snap.Online {
		t.Fatalf("silent server reported online")
	}
	if elapsed > timeout+time.Second {
		t.Fatalf("query took %v", elapsed)
	}
}

func TestQueryCancelClosesSocket(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	target := serve(t, func(conn net.Conn) { <-release })

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	start := time.Now()
	_, err := (&Client{Timeout: 5 * time.Second}).Query(ctx, target)
	if !errors.Is(err, models.ErrTimeout) || !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want timeout wrapping context.Canceled", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("cancel did not interrupt the read")
	}
}

func legacyReply(s string) []byte {
	enc, _ := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewEncoder().Bytes([]byte(s))
	out := []byte{legacyKick}
	out = binary.BigEndian.AppendUint16(out, uint16(len(enc)/2))
	return append(out, enc...)
}

func TestQueryLegacyFallback(t *testing.T) {
	target := serve(t,
		func(conn net.Conn) {
			// 旧版服务器无法识别新握手，读完后直接断开。
			r := bufio.NewReader(conn)
			protocol.ReadPacket(r)
			protocol.ReadPacket(r)
		},
		func(conn net.Conn) {
			var req [2]byte
			if _, err := io.ReadFull(conn, req[:]); err != nil || req != [2]byte{0xFE, 0x01} {
				t.Errorf("legacy request = %x err=%v", req, err)
				return
			}
			conn.Write(legacyReply("§1\x0047\x001.4.2\x00A §aMinecraft§r Server\x003\x0020"))
		},
	)
	snap, err := (&Client{Timeout: 2 * time.Second}).Query(context.Background(), target)
	if err != nil {
		t.Fatalf("Query err=%v", err)
	}
	if snap.Java == nil || !snap.Java.Legacy {
		t.Fatalf("expected legacy snapshot, got %+v", snap)
	}
	if snap.Version.Name != "1.4.2" || snap.Version.Protocol != 47 {
		t.Fatalf("version = %+v", snap.Version)
	}
	if snap.MOTD != "A Minecraft Server" || snap.Players.Online != 3 || snap.Players.Max != 20 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestQueryLegacyDisabled(t *testing.T) {
	target := serve(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		protocol.ReadPacket(r)
		protocol.ReadPacket(r)
	})
	_, err := (&Client{Timeout: time.Second, DisableLegacy: true}).Query(context.Background(), target)
	if models.KindOf(err) != models.KindProtocolMismatch {
		t.Fatalf("err=%v, want protocol mismatch", err)
	}
}

func TestParseLegacy(t *testing.T) {
	cases := []struct {
		in      string
		want    legacyStatus
		wantErr models.ErrorKind
	}{
		{in: "§1\x00127\x001.6.4\x00Hi\x001\x0010", want: legacyStatus{Protocol: 127, Version: "1.6.4", MOTD: "Hi", Online: 1, Max: 10}},
		{in: "§1§78§1.6.2§Colour §cmotd§4§8", want: legacyStatus{Protocol: 78, Version: "1.6.2", MOTD: "Colour motd", Online: 4, Max: 8}},
		{in: "A Minecraft Server§3§20", wantErr: models.KindProtocolMismatch},
		{in: "§1\x00127\x001.6.4", wantErr: models.KindMalformedResponse},
		{in: "§1\x00x\x001.6.4\x00Hi\x001\x0010", wantErr: models.KindMalformedResponse},
	}
	for i, tc := range cases {
		got, err := parseLegacy(tc.in)
		if tc.wantErr != models.KindNone {
			if models.KindOf(err) != tc.wantErr {
				t.Fatalf("case %d: err=%v, want %s", i, err, tc.wantErr)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("case %d: got %+v,%v want %+v", i, got, err, tc.want)
		}
	}
}

func TestDecodeStatusDetails(t *testing.T) {
	payload := `{
		"version":{"name":"§cPaper 1.20.4","protocol":765},
		"players":{"max":100,"online":2,"sample":[
			{"name":"Alice","id":"069a79f4-44e9-4726-a5be-fca90e38aaf5"},
			{"name":"§6Welcome!","id":"00000000-0000-0000-0000-000000000000"},
			{"name":"Bob","id":"not-a-uuid"}
		]},
		"description":{"text":"§lHello ","extra":[{"text":"World","color":"gold"},"!"]},
		"favicon":"data:image/png;base64,AAAA",
		"enforcesSecureChat":true,
		"forgeData":{"mods":[{"modId":"forge","modmarker":"47.2.0"}],"fmlNetworkVersion":3}
	}{"trailing":true}`

	var snap models.StatusSnapshot
	if err := decodeStatus(payload, &snap); err != nil {
		t.Fatalf("decodeStatus err=%v", err)
	}
	if snap.MOTD != "Hello World!" {
		t.Fatalf("motd = %q", snap.MOTD)
	}
	if snap.Version.Name != "Paper 1.20.4" {
		t.Fatalf("version = %q", snap.Version.Name)
	}
	if got := snap.Players.Sample; len(got) != 2 || got[0] != "Alice" || got[1] != "Bob" {
		t.Fatalf("sample = %v", got)
	}
	if !snap.Players.HasSample {
		t.Fatalf("complete sample should be usable for diffing")
	}
	d := snap.Java
	if d == nil || !d.HasFavicon || !d.EnforcesSecureChat || !d.Forge || len(d.Mods) != 1 || d.Mods[0].ID != "forge" {
		t.Fatalf("details = %+v", d)
	}
	if _, ok := d.PlayerIDs["Alice"]; !ok {
		t.Fatalf("missing uuid for Alice: %v", d.PlayerIDs)
	}
	if _, ok := d.PlayerIDs["Bob"]; ok {
		t.Fatalf("unparsable uuid recorded")
	}
}

func TestDecodeStatusPartialSample(t *testing.T) {
	var snap models.StatusSnapshot
	payload := `{"players":{"max":100,"online":40,"sample":[{"name":"A","id":"069a79f4-44e9-4726-a5be-fca90e38aaf5"}]}}`
	if err := decodeStatus(payload, &snap); err != nil {
		t.Fatalf("decodeStatus err=%v", err)
	}
	if snap.Players.HasSample {
		t.Fatalf("truncated sample must not be diffed")
	}
	if err := decodeStatus(`{"players":{"max":10,"online":0}}`, &snap); err != nil || !snap.Players.HasSample {
		t.Fatalf("empty server should report a known empty sample")
	}
}

func TestDecodeStatusDecorativeSampleIsNotComplete(t *testing.T) {
	payload := `{"players":{"max":20,"online":2,"sample":[
		{"name":"§aWelcome","id":"00000000-0000-0000-0000-000000000000"},
		{"name":"§7to the","id":"00000000-0000-0000-0000-000000000000"},
		{"name":"§bserver","id":"00000000-0000-0000-0000-000000000000"},
		{"name":"§e!","id":"00000000-0000-0000-0000-000000000000"}
	]}}`
	var snap models.StatusSnapshot
	if err := decodeStatus(payload, &snap); err != nil {
		t.Fatalf("decodeStatus err=%v", err)
	}
	if len(snap.Players.Sample) != 0 {
		t.Fatalf("sample = %v", snap.Players.Sample)
	}
	if snap.Players.HasSample || snap.Players.Online != 2 {
		t.Fatalf("hover text counted as a complete sample: %+v", snap.Players)
	}
}

func TestFlattenChat(t *testing.T) {
	cases := map[string]string{
		`"plain"`: "plain",
		`{"text":"a","extra":[{"text":"b","extra":["c"]}]}`: "abc",
		`[{"text":"x"},"y"]`:                    "xy",
		`{"translate":"menu.title"}`:            "menu.title",
		`"§aGreen §rtext"`:                      "Green text",
		`{"text":"line1\nline2"}`:               "line1\nline2",
		``:                                      "",
		`not json`:                              "",
		`{"text":"n","extra":[5," ",true]}`:     "n5 true",
	}
	for in, want := range cases {
		if got := FlattenChat([]byte(in)); got != want {
			t.Fatalf("FlattenChat(%s) = %q want %q", in, got, want)
		}
	}
}

func TestQueryConnClosesConnection(t *testing.T) {
	server, client := net.Pipe()
	go modern(t, cannedStatus, nil)(server)
	target := models.ServerTarget{Host: "127.0.0.1", Port: 25565}
	if _, err := (&Client{Timeout: time.Second}).QueryConn(context.Background(), client, target); err != nil {
		t.Fatalf("QueryConn err=%v", err)
	}
	if _, err := client.Write([]byte{0}); err == nil {
		t.Fatalf("connection still open after QueryConn")
	}
}
