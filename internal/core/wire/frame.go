package wire

import (
	"github.com/google/uuid"

	"github.com/dep2p/go-zonerpc/internal/core/manifest"
	"github.com/dep2p/go-zonerpc/pkg/types"
)

// Kind 帧类型，即信封中 oneof 的字段号
type Kind int

const (
	KindHello          Kind = 1
	KindHelloReply     Kind = 2
	KindRequest        Kind = 3
	KindResponse       Kind = 4
	KindHeartbeat      Kind = 5
	KindManifestUpdate Kind = 6
	KindPush           Kind = 7
	KindGoodbye        Kind = 8
)

// String 返回帧类型名称
func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindHelloReply:
		return "hello-reply"
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindHeartbeat:
		return "heartbeat"
	case KindManifestUpdate:
		return "manifest-update"
	case KindPush:
		return "push"
	case KindGoodbye:
		return "goodbye"
	default:
		return "unknown"
	}
}

// Frame 一个应用层帧
type Frame interface {
	Kind() Kind
	appendFields(b []byte) []byte
}

// 请求与响应标志位
const (
	// FlagCompressed 载荷经过 s2 压缩
	FlagCompressed uint32 = 1 << 0

	// FlagIdempotent 请求可以安全地重新提交
	FlagIdempotent uint32 = 1 << 1

	// FlagOneWay 单向请求，接受方不回复响应
	FlagOneWay uint32 = 1 << 2
)

// Hello 发起方的第一帧
type Hello struct {
	Version  uint32
	Token    []byte
	ClientID string
}

// HelloReply 接受方对 hello 的回复
//
// 接受时携带 manifest；拒绝时携带原因。
type HelloReply struct {
	Accepted     bool
	Reason       string
	Manifest     *manifest.Manifest
	AssignedZone types.ZoneID
	ServerID     string
}

// Request RPC 请求
type Request struct {
	ID          uuid.UUID
	TargetZone  types.ZoneID
	InterfaceID string
	MethodID    uint32
	Args        []byte
	TimeoutMs   uint32
	Flags       uint32
}

// Response RPC 响应
type Response struct {
	ID      uuid.UUID
	Success bool
	Result  []byte
	Error   string
	Flags   uint32
}

// Heartbeat 心跳，Reply 为 true 时是对端的回显
type Heartbeat struct {
	Timestamp int64
	Reply     bool
}

// ManifestUpdate 重新协商后的完整 manifest
type ManifestUpdate struct {
	Manifest *manifest.Manifest
}

// Push 服务器推送的状态更新
type Push struct {
	Topic   string
	Payload []byte
}

// Goodbye 正常关闭通知
type Goodbye struct {
	Reason string
}

func (*Hello) Kind() Kind          { return KindHello }
func (*HelloReply) Kind() Kind     { return KindHelloReply }
func (*Request) Kind() Kind        { return KindRequest }
func (*Response) Kind() Kind       { return KindResponse }
func (*Heartbeat) Kind() Kind      { return KindHeartbeat }
func (*ManifestUpdate) Kind() Kind { return KindManifestUpdate }
func (*Push) Kind() Kind           { return KindPush }
func (*Goodbye) Kind() Kind        { return KindGoodbye }
