package main

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/dep2p/go-zonerpc"
	"github.com/dep2p/go-zonerpc/pkg/codec"
	"github.com/dep2p/go-zonerpc/pkg/interfaces"
)

// 演示服务的接口标识
const (
	echoInterface = "demo.echo"
	echoMethod    = 1
)

// echoManifest 演示服务器暴露的接口
func echoManifest(serverID string) *zonerpc.Manifest {
	return zonerpc.NewManifest(1, zonerpc.ManifestEntry{
		InterfaceID:      echoInterface,
		ImplementationID: "echo@" + serverID,
		Methods: []zonerpc.MethodSignature{
			{ID: echoMethod, Name: "Echo", ArgType: "google.protobuf.StringValue", ResultType: "google.protobuf.StringValue"},
		},
	})
}

// echoInvoker 回显参数并附上服务器标识
func echoInvoker(c interfaces.Codec, serverID string) interfaces.Invoker {
	return codec.Invoker(c,
		func() *wrapperspb.StringValue { return &wrapperspb.StringValue{} },
		func(call *interfaces.Invocation, args *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
			if call.InterfaceID != echoInterface || call.MethodID != echoMethod {
				return nil, fmt.Errorf("unknown method %s/%d", call.InterfaceID, call.MethodID)
			}
			return wrapperspb.String(serverID + ": " + args.GetValue()), nil
		},
	)
}

// tickState 推送递增的 tick 计数，客户端看门狗依赖它判断服务器是否存活
func tickState(c interfaces.Codec) zonerpc.StateFunc {
	var tick int64
	return func(time.Time) (string, []byte, bool) {
		tick++
		data, err := c.Marshal(wrapperspb.Int64(tick))
		if err != nil {
			return "", nil, false
		}
		return zonerpc.StateTopic, data, true
	}
}
