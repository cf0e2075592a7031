package interfaces

import (
	"context"

	"github.com/dep2p/go-zonerpc/pkg/types"
)

// TokenValidator 连接令牌校验策略钩子
//
// 接受方在收到 hello 时调用。返回的错误信息会作为拒绝原因回传给发起方。
type TokenValidator interface {
	ValidateToken(ctx context.Context, token []byte, remote types.Endpoint) error
}

// TokenValidatorFunc 函数适配器
type TokenValidatorFunc func(ctx context.Context, token []byte, remote types.Endpoint) error

// ValidateToken 实现 TokenValidator
func (f TokenValidatorFunc) ValidateToken(ctx context.Context, token []byte, remote types.Endpoint) error {
	return f(ctx, token, remote)
}

// RequestAdmitter 请求准入（限流）策略钩子
type RequestAdmitter interface {
	Admit(ctx context.Context, connID string, call *Invocation) error
}

// PayloadPolicy 反序列化安全策略钩子
type PayloadPolicy interface {
	CheckPayload(interfaceID string, methodID uint32, payload []byte) error
}

// Invocation 一次远程调用
type Invocation struct {
	RequestID   string
	InterfaceID string
	MethodID    uint32
	Args        []byte
	TargetZone  types.ZoneID
}

// Invoker 服务调用接口
//
// 由 actor/grain 运行时实现，把服务标识解析到具体实现并执行。
type Invoker interface {
	Invoke(ctx context.Context, call *Invocation) ([]byte, error)
}

// InvokerFunc 函数适配器
type InvokerFunc func(ctx context.Context, call *Invocation) ([]byte, error)

// Invoke 实现 Invoker
func (f InvokerFunc) Invoke(ctx context.Context, call *Invocation) ([]byte, error) {
	return f(ctx, call)
}

// Codec 参数序列化编解码器（注入依赖）
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}
