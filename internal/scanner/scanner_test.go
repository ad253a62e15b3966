package scanner

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"golang.org/x/text/encoding/unicode"

	"github.com/hitushen/mcwatch/internal/models"
	"github.com/hitushen/mcwatch/internal/protocol"
)

// javaServer 启动一个只回应状态请求的最小 Java 服务器。
func javaServer(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				r := bufio.NewReader(conn)
				if _, err := protocol.ReadPacket(r); err != nil {
					return
				}
				if _, err := protocol.ReadPacket(r); err != nil {
					return
				}
				status := `{"version":{"name":"1.20.1","protocol":763},"players":{"max":20,"online":5},"description":"Hello"}`
				conn.Write(protocol.NewBuilder(protocol.PacketStatusResponse).String(status).Frame())
				pk, err := protocol.ReadPacket(r)
				if err != nil {
					return
				}
				conn.Write(protocol.NewBuilder(protocol.PacketPong).Int64(mustInt64(pk.Body)).Frame())
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func mustInt64(b []byte) int64 {
	v, _ := protocol.NewReader(b).Int64()
	return v
}

// closedPorts 返回 n 个刚刚释放的 TCP 端口。
func closedPorts(t *testing.T, n int) []int {
	t.Helper()
	var out []int
	for len(out) < n {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		out = append(out, ln.Addr().(*net.TCPAddr).Port)
		ln.Close()
	}
	return out
}

func TestScanFindsSingleJavaPort(t *testing.T) {
	open := javaServer(t)
	ports := append(closedPorts(t, 9), open)

	timeout := 300 * time.Millisecond
	var progress []int
	s := &Scanner{OnProgress: func(scanned, total int) {
		if total != 10 {
			t.Errorf("progress total = %d", total)
		}
		progress = append(progress, scanned)
	}}
	start := time.Now()
	res, err := s.ScanPorts(context.Background(), "127.0.0.1", ports, 10, timeout)
	if err != nil {
		t.Fatalf("ScanPorts err=%v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*timeout+2*time.Second {
		t.Fatalf("scan took %v", elapsed)
	}
	if len(res.Open) != 1 || res.Open[0].Port != open || res.Open[0].Protocol != models.ProtocolJava {
		t.Fatalf("open = %+v", res.Open)
	}
	if !res.Has(open) || res.Scanned != 10 {
		t.Fatalf("result = %+v", res)
	}
	snap := res.Open[0].Snapshot
	if snap.Players.Online != 5 || snap.Version.Name != "1.20.1" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if len(progress) != 10 || progress[9] != 10 {
		t.Fatalf("progress = %v", progress)
	}
}

type fakeBedrock struct {
	mu       sync.Mutex
	open     map[int]bool
	inFlight int
	peak     int
	calls    int
	delay    time.Duration
}

func (f *fakeBedrock) Query(ctx context.Context, target models.ServerTarget) (models.StatusSnapshot, error) {
	f.mu.Lock()
	f.calls++
	f.inFlight++
	if f.inFlight > f.peak {
		f.peak = f.inFlight
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return models.Offline(target, time.Now()), models.ClassifyContext(ctx, "fake", ctx.Err())
	}
	if !f.open[target.Port] {
		return models.Offline(target, time.Now()), models.NewError(models.KindTimeout, "fake", nil)
	}
	return models.StatusSnapshot{Target: target, Online: true, Protocol: models.ProtocolBedrock}, nil
}

func TestScanBedrockAndConcurrencyBound(t *testing.T) {
	ports := closedPorts(t, 20)
	fb := &fakeBedrock{open: map[int]bool{ports[3]: true, ports[7]: true}, delay: 20 * time.Millisecond}
	s := &Scanner{Bedrock: fb}
	res, err := s.ScanPorts(context.Background(), "127.0.0.1", ports, 4, time.Second)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(res.Open) != 2 || res.Open[0].Port > res.Open[1].Port {
		t.Fatalf("open = %+v", res.Open)
	}
	for _, p := range res.Open {
		if p.Protocol != models.ProtocolBedrock || p.Snapshot.Target.Host != "127.0.0.1" {
			t.Fatalf("open port = %+v", p)
		}
	}
	if fb.peak > 4 {
		t.Fatalf("peak in-flight = %d, want <= 4", fb.peak)
	}
}

func TestScanCancelReturnsPartial(t *testing.T) {
	ports := closedPorts(t, 30)
	fb := &fakeBedrock{open: map[int]bool{}, delay: 50 * time.Millisecond}
	s := &Scanner{Bedrock: fb}
	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	res, err := s.ScanPorts(ctx, "127.0.0.1", ports, 2, time.Second)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", err)
	}
	if res.Scanned >= len(ports) {
		t.Fatalf("scan was not interrupted: scanned=%d", res.Scanned)
	}
	fb.mu.Lock()
	calls := fb.calls
	fb.mu.Unlock()
	if res.Scanned != calls {
		t.Fatalf("scanned=%d but %d ports were queried", res.Scanned, calls)
	}
}

func TestScanRejectsInvalidInput(t *testing.T) {
	s := &Scanner{}
	cases := []struct {
		r    PortRange
		conc int
		to   time.Duration
	}{
		{PortRange{From: 10, To: 1}, 1, time.Second},
		{PortRange{From: 0, To: 10}, 1, time.Second},
		{PortRange{From: 1, To: 70000}, 1, time.Second},
		{PortRange{From: 1, To: 10}, 0, time.Second},
		{PortRange{From: 1, To: 10}, 1, 0},
	}
	for i, tc := range cases {
		if _, err := s.Scan(context.Background(), "127.0.0.1", tc.r, tc.conc, tc.to); !errors.Is(err, models.ErrInvalidArgument) {
			t.Fatalf("case %d: err=%v", i, err)
		}
	}
	if _, err := s.ScanPorts(context.Background(), "", []int{1}, 1, time.Second); !errors.Is(err, models.ErrInvalidArgument) {
		t.Fatalf("empty host err=%v", err)
	}
}

func TestParsePorts(t *testing.T) {
	got, err := ParsePorts("25565, 19132-19134,25565")
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	want := []int{19132, 19133, 19134, 25565}
	if len(got) != len(want) {
		t.Fatalf("ParsePorts = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ParsePorts = %v", got)
		}
	}
	common, err := ParsePorts("common")
	if err != nil || len(common) != len(CommonPorts) {
		t.Fatalf("common = %v,%v", common, err)
	}
	for _, bad := range []string{"", "x", "0", "10-1", "1-70000"} {
		if _, err := ParsePorts(bad); !errors.Is(err, models.ErrInvalidArgument) {
			t.Fatalf("ParsePorts(%q) err=%v", bad, err)
		}
	}
}

func TestJoinPorts(t *testing.T) {
	if got := joinPorts([]int{1, 2, 3, 5, 7, 8}); got != "1-3,5,7-8" {
		t.Fatalf("joinPorts = %q", got)
	}
}

type fakeSweeper struct{ open map[int]bool }

func (f fakeSweeper) Sweep(context.Context, string, []int) (map[int]bool, error) {
	return f.open, nil
}

func TestScanUsesSweeper(t *testing.T) {
	open := javaServer(t)
	ports := append(closedPorts(t, 3), open)
	fb := &fakeBedrock{open: map[int]bool{}, delay: time.Millisecond}
	s := &Scanner{Bedrock: fb, Sweeper: fakeSweeper{open: map[int]bool{open: true}}}
	res, err := s.ScanPorts(context.Background(), "127.0.0.1", ports, 4, time.Second)
	if err != nil || len(res.Open) != 1 || res.Open[0].Port != open {
		t.Fatalf("res = %+v err=%v", res, err)
	}
}

func TestPortRange(t *testing.T) {
	r := PortRange{From: 5, To: 9}
	if r.Len() != 5 || len(r.Ports()) != 5 || r.Ports()[0] != 5 {
		t.Fatalf("range = %v", r.Ports())
	}
	if FullRange.Len() != 65535 || FullRange.Validate() != nil {
		t.Fatalf("full range invalid")
	}
}

// tcpServer 接受连接并交给 handle 处理，handle 返回后关闭连接。
func tcpServer(t *testing.T, handle func(conn net.Conn, n int)) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for n := 0; ; n++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(n int) {
				defer conn.Close()
				handle(conn, n)
			}(n)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestScanFallsBackToBedrockOnTCPOpenPort(t *testing.T) {
	port := tcpServer(t, func(net.Conn, int) {})
	fb := &fakeBedrock{open: map[int]bool{port: true}, delay: time.Millisecond}
	s := &Scanner{Bedrock: fb}
	res, err := s.ScanPorts(context.Background(), "127.0.0.1", []int{port}, 1, 300*time.Millisecond)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(res.Open) != 1 || res.Open[0].Protocol != models.ProtocolBedrock || res.Open[0].Port != port {
		t.Fatalf("open = %+v", res.Open)
	}
}

func TestScanFindsLegacyJavaServer(t *testing.T) {
	port := tcpServer(t, func(conn net.Conn, n int) {
		if n == 0 {
			// 旧版服务器不识别新握手。
			r := bufio.NewReader(conn)
			protocol.ReadPacket(r)
			protocol.ReadPacket(r)
			return
		}
		var req [2]byte
		if _, err := io.ReadFull(conn, req[:]); err != nil || req != [2]byte{0xFE, 0x01} {
			return
		}
		enc, _ := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewEncoder().Bytes([]byte("§1\x0061\x001.5.2\x00Old times\x001\x0010"))
		out := binary.BigEndian.AppendUint16([]byte{0xFF}, uint16(len(enc)/2))
		conn.Write(append(out, enc...))
	})
	fb := &fakeBedrock{open: map[int]bool{}, delay: time.Millisecond}
	s := &Scanner{Bedrock: fb}
	res, err := s.ScanPorts(context.Background(), "127.0.0.1", []int{port}, 1, time.Second)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(res.Open) != 1 || res.Open[0].Protocol != models.ProtocolJava {
		t.Fatalf("open = %+v", res.Open)
	}
	snap := res.Open[0].Snapshot
	if snap.Java == nil || !snap.Java.Legacy || snap.Version.Name != "1.5.2" || snap.Players.Max != 10 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if fb.calls != 0 {
		t.Fatalf("bedrock queried a java port")
	}
}
