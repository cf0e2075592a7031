// Package codec 把 protobuf 消息接入 interfaces.Codec 注入点
//
// 传输层只搬运字节，参数的序列化由调用方注入。本包提供基于
// google.golang.org/protobuf 的适配器，供客户端代理与服务端调用器共用。
//
//	var c interfaces.Codec = codec.Proto()
//	args, _ := c.Marshal(wrapperspb.String("ping"))
package codec

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"

	"github.com/dep2p/go-zonerpc/pkg/interfaces"
)

// ErrNotProtoMessage 值不是 proto.Message
var ErrNotProtoMessage = errors.New("codec: value is not a proto.Message")

// 确保实现了接口
var _ interfaces.Codec = (*ProtoCodec)(nil)

// ProtoCodec protobuf 适配器
type ProtoCodec struct {
	marshal   proto.MarshalOptions
	unmarshal proto.UnmarshalOptions
}

// Proto 返回确定性编码的适配器，相同消息总是得到相同字节
func Proto() *ProtoCodec {
	return &ProtoCodec{
		marshal:   proto.MarshalOptions{Deterministic: true},
		unmarshal: proto.UnmarshalOptions{DiscardUnknown: true},
	}
}

// Marshal 实现 interfaces.Codec
func (c *ProtoCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotProtoMessage, v)
	}
	return c.marshal.Marshal(m)
}

// Unmarshal 实现 interfaces.Codec，v 必须是消息指针
func (c *ProtoCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("%w: %T", ErrNotProtoMessage, v)
	}
	if err := c.unmarshal.Unmarshal(data, m); err != nil {
		return fmt.Errorf("codec: unmarshal %T: %w", v, err)
	}
	return nil
}

// Invoker 把按消息类型编写的处理函数适配为 interfaces.Invoker
//
// newArgs 为每次调用创建空的参数消息。
func Invoker[Req, Resp proto.Message](c interfaces.Codec, newArgs func() Req, fn func(call *interfaces.Invocation, args Req) (Resp, error)) interfaces.Invoker {
	return interfaces.InvokerFunc(func(_ context.Context, call *interfaces.Invocation) ([]byte, error) {
		args := newArgs()
		if err := c.Unmarshal(call.Args, args); err != nil {
			return nil, err
		}
		resp, err := fn(call, args)
		if err != nil {
			return nil, err
		}
		return c.Marshal(resp)
	})
}
