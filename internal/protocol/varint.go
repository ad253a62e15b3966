package protocol

import (
	"errors"
	"io"
)

// MaxVarIntLen 是 32 位 VarInt 的最大编码长度。
const MaxVarIntLen = 5

// ErrVarIntTooLong 表示 VarInt 超过 5 字节仍未结束。
var ErrVarIntTooLong = errors.New("protocol: varint too long")

// AppendVarInt 将 v 以 VarInt 编码追加到 b 之后。
// 负数按无符号 32 位补码编码，因此总是占用 5 字节。
func AppendVarInt(b []byte, v int32) []byte {
	u := uint32(v)
	for u >= 0x80 {
		b = append(b, byte(u)|0x80)
		u >>= 7
	}
	return append(b, byte(u))
}

// VarIntSize 返回 v 编码后的字节数。
func VarIntSize(v int32) int {
	u := uint32(v)
	n := 1
	for u >= 0x80 {
		u >>= 7
		n++
	}
	return n
}

// DecodeVarInt 从 b 的开头解码一个 VarInt，返回值与消耗的字节数。
func DecodeVarInt(b []byte) (int32, int, error) {
	var result uint32
	for i := 0; i < MaxVarIntLen; i++ {
		if i >= len(b) {
			return 0, 0, io.ErrUnexpectedEOF
		}
		c := b[i]
		result |= uint32(c&0x7f) << (7 * uint(i))
		if c&0x80 == 0 {
			return int32(result), i + 1, nil
		}
	}
	return 0, 0, ErrVarIntTooLong
}

// ReadVarInt 从流中逐字节读取一个 VarInt。
func ReadVarInt(r io.ByteReader) (int32, error) {
	var result uint32
	for i := 0; i < MaxVarIntLen; i++ {
		c, err := r.ReadByte()
		if err != nil {
			if i > 0 && err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return 0, err
		}
		result |= uint32(c&0x7f) << (7 * uint(i))
		if c&0x80 == 0 {
			return int32(result), nil
		}
	}
	return 0, ErrVarIntTooLong
}
