package zonerpc

import (
	"github.com/dep2p/go-zonerpc/internal/core/connection"
	"github.com/dep2p/go-zonerpc/internal/core/connmgr"
	"github.com/dep2p/go-zonerpc/internal/core/introspect"
	"github.com/dep2p/go-zonerpc/internal/core/manifest"
	"github.com/dep2p/go-zonerpc/internal/core/resilience"
	"github.com/dep2p/go-zonerpc/internal/core/server"
	"github.com/dep2p/go-zonerpc/internal/core/transport/memnet"
	"github.com/dep2p/go-zonerpc/internal/core/wire"
)

// 对外暴露的内部类型别名
type (
	// Request 一次远程调用
	Request = connection.Request

	// Manifest 服务接口集合
	Manifest = manifest.Manifest

	// ManifestEntry 一个服务接口的实现元数据
	ManifestEntry = manifest.Entry

	// MethodSignature 方法签名
	MethodSignature = manifest.MethodSignature

	// MergedView 所有连接 manifest 的合并快照
	MergedView = manifest.View

	// Push 服务器推送的状态更新
	Push = wire.Push

	// PushHandler 推送回调
	PushHandler = connmgr.PushHandler

	// Transition 一次权威区域切换
	Transition = resilience.Transition

	// TransitionHandler 区域切换回调
	TransitionHandler = resilience.TransitionHandler

	// HardFailureHandler 重连放弃回调
	HardFailureHandler = resilience.HardFailureHandler

	// StateFunc 服务器状态推送来源
	StateFunc = server.StateFunc

	// MemNetwork 进程内模拟网络
	MemNetwork = memnet.Network

	// NetworkConditions 模拟网络的丢包、重复、乱序参数
	NetworkConditions = memnet.Conditions

	// Snapshot 诊断快照
	Snapshot = introspect.Snapshot
)

// StateTopic 服务器默认状态推送的主题
const StateTopic = server.StateTopic

// NewManifest 创建 manifest
func NewManifest(version uint64, entries ...ManifestEntry) *Manifest {
	return manifest.New(version, entries...)
}

// NewMemNetwork 创建进程内模拟网络，seed 决定丢包等随机序列
func NewMemNetwork(seed int64) *MemNetwork {
	return memnet.NewNetwork(seed)
}
