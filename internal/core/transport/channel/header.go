package channel

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dep2p/go-zonerpc/pkg/types"
)

// Magic 数据包首字节
const Magic byte = 0x5A

// HeaderSize 包头长度
//
//	0      1      2         6       7       8         12
//	+------+------+---------+-------+-------+---------+---------
//	| 0x5A | type | connID  | class | flags |   seq   | payload
//	+------+------+---------+-------+-------+---------+---------
const HeaderSize = 12

// PacketType 数据包类型
type PacketType uint8

const (
	// PacketSYN 发起连接
	PacketSYN PacketType = iota + 1

	// PacketSYNACK 接受连接
	PacketSYNACK

	// PacketRST 拒绝或重置连接
	PacketRST

	// PacketFIN 关闭连接
	PacketFIN

	// PacketData 数据
	PacketData

	// PacketAck 可靠有序数据的确认，seq 为被确认的包，载荷为累计确认点
	PacketAck
)

// String 返回类型名称
func (t PacketType) String() string {
	switch t {
	case PacketSYN:
		return "SYN"
	case PacketSYNACK:
		return "SYNACK"
	case PacketRST:
		return "RST"
	case PacketFIN:
		return "FIN"
	case PacketData:
		return "DATA"
	case PacketAck:
		return "ACK"
	default:
		return fmt.Sprintf("PacketType(%d)", uint8(t))
	}
}

// FlagMore 后面还有同一消息的分片
const FlagMore uint8 = 1 << 0

// ErrBadPacket 无法解析的数据包
var ErrBadPacket = errors.New("channel: bad packet")

// Header 数据包头
type Header struct {
	Type   PacketType
	ConnID uint32
	Class  types.DeliveryClass
	Flags  uint8
	Seq    uint32
}

// Append 把包头和载荷追加到 b
func (h Header) Append(b []byte, payload []byte) []byte {
	b = append(b, Magic, byte(h.Type))
	b = binary.BigEndian.AppendUint32(b, h.ConnID)
	b = append(b, byte(h.Class), h.Flags)
	b = binary.BigEndian.AppendUint32(b, h.Seq)
	return append(b, payload...)
}

// ParseHeader 解析包头，返回的载荷引用 b
func ParseHeader(b []byte) (Header, []byte, error) {
	if len(b) < HeaderSize || b[0] != Magic {
		return Header{}, nil, ErrBadPacket
	}
	h := Header{
		Type:   PacketType(b[1]),
		ConnID: binary.BigEndian.Uint32(b[2:6]),
		Class:  types.DeliveryClass(b[6]),
		Flags:  b[7],
		Seq:    binary.BigEndian.Uint32(b[8:12]),
	}
	if h.Type < PacketSYN || h.Type > PacketAck || !h.Class.Valid() {
		return Header{}, nil, ErrBadPacket
	}
	return h, b[HeaderSize:], nil
}

// AckPayload 编码累计确认点
func AckPayload(cumulative uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, cumulative)
}

// ParseAckPayload 解析累计确认点
func ParseAckPayload(b []byte) (uint32, bool) {
	if len(b) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(b), true
}

// SeqLess 序号比较，按 32 位循环序号处理回绕
func SeqLess(a, b uint32) bool {
	return int32(a-b) < 0
}
