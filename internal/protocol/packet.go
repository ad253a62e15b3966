package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameLen 限制单个数据帧的长度，防止恶意长度前缀耗尽内存。
const MaxFrameLen = 2 << 20

// Java 版状态阶段使用的包 ID。
const (
	PacketHandshake      int32 = 0x00
	PacketStatusRequest  int32 = 0x00
	PacketStatusResponse int32 = 0x00
	PacketPing           int32 = 0x01
	PacketPong           int32 = 0x01
)

// NextStateStatus 是握手包中请求进入状态阶段的取值。
const NextStateStatus int32 = 1

var (
	// ErrFrameTooLarge 表示长度前缀超出 MaxFrameLen。
	ErrFrameTooLarge = errors.New("protocol: frame too large")
	// ErrShortFrame 表示帧内数据少于字段声明的长度。
	ErrShortFrame = errors.New("protocol: short frame")
)

// Packet 是一个已去除长度前缀的数据帧。
type Packet struct {
	ID   int32
	Body []byte
}

// Builder 用于拼装单个包体。
type Builder struct {
	buf []byte
}

// NewBuilder 以包 ID 开始一个新的包。
func NewBuilder(id int32) *Builder {
	return &Builder{buf: AppendVarInt(make([]byte, 0, 64), id)}
}

// VarInt 追加一个 VarInt 字段。
func (b *Builder) VarInt(v int32) *Builder {
	b.buf = AppendVarInt(b.buf, v)
	return b
}

// String 追加一个以 VarInt 长度为前缀的 UTF-8 字符串。
func (b *Builder) String(s string) *Builder {
	b.buf = AppendVarInt(b.buf, int32(len(s)))
	b.buf = append(b.buf, s...)
	return b
}

// Uint16 追加一个大端 16 位无符号整数。
func (b *Builder) Uint16(v uint16) *Builder {
	b.buf = binary.BigEndian.AppendUint16(b.buf, v)
	return b
}

// Int64 追加一个大端 64 位整数。
func (b *Builder) Int64(v int64) *Builder {
	b.buf = binary.BigEndian.AppendUint64(b.buf, uint64(v))
	return b
}

// Frame 返回带长度前缀的完整帧。
func (b *Builder) Frame() []byte {
	out := AppendVarInt(make([]byte, 0, len(b.buf)+MaxVarIntLen), int32(len(b.buf)))
	return append(out, b.buf...)
}

// Handshake 构造请求状态阶段的握手帧。
func Handshake(protocolVersion int32, host string, port uint16) []byte {
	return NewBuilder(PacketHandshake).
		VarInt(protocolVersion).
		String(host).
		Uint16(port).
		VarInt(NextStateStatus).
		Frame()
}

// StatusRequest 构造空包体的状态请求帧。
func StatusRequest() []byte {
	return NewBuilder(PacketStatusRequest).Frame()
}

// Ping 构造携带 8 字节令牌的 ping 帧。
func Ping(token int64) []byte {
	return NewBuilder(PacketPing).Int64(token).Frame()
}

// ReadPacket 读取一个长度前缀帧并拆出包 ID。
func ReadPacket(r *bufio.Reader) (Packet, error) {
	length, err := ReadVarInt(r)
	if err != nil {
		return Packet{}, err
	}
	if length < 1 {
		return Packet{}, fmt.Errorf("protocol: invalid frame length %d", length)
	}
	if length > MaxFrameLen {
		return Packet{}, ErrFrameTooLarge
	}
	frame := make([]byte, length)
	if _, err := io.ReadFull(r, frame); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Packet{}, err
	}
	id, n, err := DecodeVarInt(frame)
	if err != nil {
		return Packet{}, err
	}
	return Packet{ID: id, Body: frame[n:]}, nil
}

// Reader 顺序读取包体字段。
type Reader struct {
	b   []byte
	off int
}

// NewReader 包装包体。
func NewReader(body []byte) *Reader {
	return &Reader{b: body}
}

// Remaining 返回尚未读取的字节数。
func (r *Reader) Remaining() int {
	return len(r.b) - r.off
}

// VarInt 读取一个 VarInt 字段。
func (r *Reader) VarInt() (int32, error) {
	v, n, err := DecodeVarInt(r.b[r.off:])
	if err != nil {
		return 0, err
	}
	r.off += n
	return v, nil
}

// String 读取一个 VarInt 长度前缀的字符串。
func (r *Reader) String() (string, error) {
	n, err := r.VarInt()
	if err != nil {
		return "", err
	}
	if n < 0 || int(n) > r.Remaining() {
		return "", ErrShortFrame
	}
	s := string(r.b[r.off : r.off+int(n)])
	r.off += int(n)
	return s, nil
}

// Int64 读取一个大端 64 位整数。
func (r *Reader) Int64() (int64, error) {
	if r.Remaining() < 8 {
		return 0, ErrShortFrame
	}
	v := int64(binary.BigEndian.Uint64(r.b[r.off:]))
	r.off += 8
	return v, nil
}
