package wire

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dep2p/go-zonerpc/internal/core/manifest"
	"github.com/dep2p/go-zonerpc/pkg/types"
)

// ============================================================================
//                              编码
// ============================================================================

// Encode 将帧编码为信封
func Encode(f Frame) []byte {
	body := f.appendFields(nil)
	b := make([]byte, 0, len(body)+8)
	b = protowire.AppendTag(b, protowire.Number(f.Kind()), protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendTagged(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendUint(b, num, 1)
}

// appendZone 只在区域有效时写入，字段缺失即 NoZone
func appendZone(b []byte, num protowire.Number, z types.ZoneID) []byte {
	if !z.Valid() {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(uint32(z)))
}

func (h *Hello) appendFields(b []byte) []byte {
	b = appendUint(b, 1, uint64(h.Version))
	b = appendBytes(b, 2, h.Token)
	return appendString(b, 3, h.ClientID)
}

func (r *HelloReply) appendFields(b []byte) []byte {
	b = appendBool(b, 1, r.Accepted)
	b = appendString(b, 2, r.Reason)
	if r.Manifest != nil {
		b = appendBytes(b, 3, encodeManifest(r.Manifest))
	}
	b = appendZone(b, 4, r.AssignedZone)
	return appendString(b, 5, r.ServerID)
}

func (r *Request) appendFields(b []byte) []byte {
	b = appendBytes(b, 1, r.ID[:])
	b = appendZone(b, 2, r.TargetZone)
	b = appendString(b, 3, r.InterfaceID)
	b = appendUint(b, 4, uint64(r.MethodID))
	b = appendBytes(b, 5, r.Args)
	b = appendUint(b, 6, uint64(r.TimeoutMs))
	return appendUint(b, 7, uint64(r.Flags))
}

func (r *Response) appendFields(b []byte) []byte {
	b = appendBytes(b, 1, r.ID[:])
	b = appendBool(b, 2, r.Success)
	b = appendBytes(b, 3, r.Result)
	b = appendString(b, 4, r.Error)
	return appendUint(b, 5, uint64(r.Flags))
}

func (h *Heartbeat) appendFields(b []byte) []byte {
	b = appendUint(b, 1, uint64(h.Timestamp))
	return appendBool(b, 2, h.Reply)
}

func (m *ManifestUpdate) appendFields(b []byte) []byte {
	return append(b, encodeManifest(m.Manifest)...)
}

func (p *Push) appendFields(b []byte) []byte {
	b = appendString(b, 1, p.Topic)
	return appendBytes(b, 2, p.Payload)
}

func (g *Goodbye) appendFields(b []byte) []byte {
	return appendString(b, 1, g.Reason)
}

// ============================================================================
//                              解码
// ============================================================================

type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

func (f field) uint32() uint32 { return uint32(f.varint) }
func (f field) bool() bool     { return f.varint != 0 }
func (f field) str() string    { return string(f.bytes) }
func (f field) clone() []byte  { return bytes.Clone(f.bytes) }

// walk 逐个遍历字段，跳过未知的线类型
func walk(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			f.varint = v
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			f.bytes = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// Decode 解码信封
//
// 返回的帧不引用 data 的底层内存。
func Decode(data []byte) (Frame, error) {
	var (
		kind Kind
		body []byte
	)
	err := walk(data, func(f field) error {
		if f.typ != protowire.BytesType || f.num < 1 || f.num > protowire.Number(KindGoodbye) {
			return nil
		}
		kind = Kind(f.num)
		body = f.bytes
		return nil
	})
	if err != nil {
		return nil, err
	}
	if kind == 0 {
		return nil, ErrUnknownFrame
	}

	switch kind {
	case KindHello:
		return decodeHello(body)
	case KindHelloReply:
		return decodeHelloReply(body)
	case KindRequest:
		return decodeRequest(body)
	case KindResponse:
		return decodeResponse(body)
	case KindHeartbeat:
		return decodeHeartbeat(body)
	case KindManifestUpdate:
		m, err := decodeManifest(body)
		if err != nil {
			return nil, err
		}
		return &ManifestUpdate{Manifest: m}, nil
	case KindPush:
		return decodePush(body)
	default:
		return decodeGoodbye(body)
	}
}

func decodeHello(b []byte) (*Hello, error) {
	h := &Hello{}
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			h.Version = f.uint32()
		case 2:
			h.Token = f.clone()
		case 3:
			h.ClientID = f.str()
		}
		return nil
	})
	return h, err
}

func decodeHelloReply(b []byte) (*HelloReply, error) {
	r := &HelloReply{AssignedZone: types.NoZone}
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			r.Accepted = f.bool()
		case 2:
			r.Reason = f.str()
		case 3:
			m, err := decodeManifest(f.bytes)
			if err != nil {
				return err
			}
			r.Manifest = m
		case 4:
			r.AssignedZone = types.ZoneID(int32(f.varint))
		case 5:
			r.ServerID = f.str()
		}
		return nil
	})
	if err == nil && r.Accepted && r.Manifest == nil {
		r.Manifest = manifest.Empty()
	}
	return r, err
}

func decodeID(f field) (uuid.UUID, error) {
	id, err := uuid.FromBytes(f.bytes)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: request id: %v", ErrMalformed, err)
	}
	return id, nil
}

func decodeRequest(b []byte) (*Request, error) {
	r := &Request{TargetZone: types.NoZone}
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			id, err := decodeID(f)
			if err != nil {
				return err
			}
			r.ID = id
		case 2:
			r.TargetZone = types.ZoneID(int32(f.varint))
		case 3:
			r.InterfaceID = f.str()
		case 4:
			r.MethodID = f.uint32()
		case 5:
			r.Args = f.clone()
		case 6:
			r.TimeoutMs = f.uint32()
		case 7:
			r.Flags = f.uint32()
		}
		return nil
	})
	return r, err
}

func decodeResponse(b []byte) (*Response, error) {
	r := &Response{}
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			id, err := decodeID(f)
			if err != nil {
				return err
			}
			r.ID = id
		case 2:
			r.Success = f.bool()
		case 3:
			r.Result = f.clone()
		case 4:
			r.Error = f.str()
		case 5:
			r.Flags = f.uint32()
		}
		return nil
	})
	return r, err
}

func decodeHeartbeat(b []byte) (*Heartbeat, error) {
	h := &Heartbeat{}
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			h.Timestamp = int64(f.varint)
		case 2:
			h.Reply = f.bool()
		}
		return nil
	})
	return h, err
}

func decodePush(b []byte) (*Push, error) {
	p := &Push{}
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			p.Topic = f.str()
		case 2:
			p.Payload = f.clone()
		}
		return nil
	})
	return p, err
}

func decodeGoodbye(b []byte) (*Goodbye, error) {
	g := &Goodbye{}
	err := walk(b, func(f field) error {
		if f.num == 1 {
			g.Reason = f.str()
		}
		return nil
	})
	return g, err
}
