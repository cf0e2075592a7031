package metrics

import (
	"time"

	"github.com/dep2p/go-zonerpc/pkg/types"
)

// Reporter 指标记录接口
type Reporter interface {
	// ConnectionState 连接状态变化
	ConnectionState(from, to types.ConnState)

	// Dispatch 一次路由的结果
	Dispatch(outcome string)

	// Request 一次请求的结果与耗时
	Request(outcome string, d time.Duration)

	// Transition 提交了一次区域切换
	Transition()

	// Reconnect 一次重连尝试
	Reconnect(outcome string)

	// ManifestConflict 一次 manifest 冲突
	ManifestConflict()

	// WarmConnections 当前预建立连接数
	WarmConnections(n int)

	// Stall 卡死检测触发
	Stall()
}

// 路由与请求结果标签
const (
	OutcomeOK           = "ok"
	OutcomeNoRoute      = "no_route"
	OutcomeReconnecting = "reconnecting"
	OutcomeDraining     = "draining"
	OutcomeTimeout      = "timeout"
	OutcomeClosed       = "closed"
	OutcomeRemoteError  = "remote_error"
	OutcomeError        = "error"
	OutcomeGiveUp       = "give_up"
)

// Nop 不记录任何指标
type Nop struct{}

// 确保实现了接口
var _ Reporter = Nop{}

func (Nop) ConnectionState(types.ConnState, types.ConnState) {}
func (Nop) Dispatch(string)                                  {}
func (Nop) Request(string, time.Duration)                    {}
func (Nop) Transition()                                      {}
func (Nop) Reconnect(string)                                 {}
func (Nop) ManifestConflict()                                {}
func (Nop) WarmConnections(int)                              {}
func (Nop) Stall()                                           {}

// OrNop r 为 nil 时返回 Nop
func OrNop(r Reporter) Reporter {
	if r == nil {
		return Nop{}
	}
	return r
}
