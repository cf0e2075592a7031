package types

// ConnState 连接状态
//
// 状态单调推进：Connecting → HandshakePending → Connected → Draining → Closed。
// Failed 是可以从任意非 Closed 状态进入的终态。重连不会复用旧连接，
// 而是创建新的连接 ID。
type ConnState int32

const (
	// StateConnecting 传输层连接建立中
	StateConnecting ConnState = iota

	// StateHandshakePending 已发送 hello，等待 manifest
	StateHandshakePending

	// StateConnected 握手完成，可以收发请求
	StateConnected

	// StateDraining 不再接受新请求，等待在途请求完成
	StateDraining

	// StateClosed 已关闭
	StateClosed

	// StateFailed 传输错误、握手拒绝或空闲超时
	StateFailed
)

// String 返回状态名称
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshakePending:
		return "handshake-pending"
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal 是否为终态
func (s ConnState) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Live 是否仍然持有传输资源
func (s ConnState) Live() bool {
	return !s.Terminal()
}

// CanTransition 检查状态迁移是否合法
//
// 除 Failed 外只允许向后迁移；Closed 之后不允许任何迁移。
func (s ConnState) CanTransition(to ConnState) bool {
	if s.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	return to > s
}
