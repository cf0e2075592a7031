package types

import (
	"context"
	"errors"
	"fmt"
)

// 错误分类
//
// 传输层错误（超时、连接关闭、卡死）由客户端自动恢复；
// 路由与配置错误（NoRouteForZone、DuplicateConnection）同步返回调用方，永不自动重试。
var (
	// ErrTransportTimeout 传输层握手超时
	ErrTransportTimeout = errors.New("transport timeout")

	// ErrTransportRejected 对端主动拒绝连接
	ErrTransportRejected = errors.New("transport rejected")

	// ErrNotConnected 连接尚未建立
	ErrNotConnected = errors.New("not connected")

	// ErrDuplicateConnection 同一服务器已存在存活连接
	ErrDuplicateConnection = errors.New("duplicate connection")

	// ErrNoRouteForZone 目标区域没有可用连接
	ErrNoRouteForZone = errors.New("no route for zone")

	// ErrHandshakeRejected 对端拒绝了连接令牌
	ErrHandshakeRejected = errors.New("handshake rejected")

	// ErrRequestTimedOut 单个请求超过截止时间
	ErrRequestTimedOut = errors.New("request timed out")

	// ErrConnectionClosed 连接已关闭
	ErrConnectionClosed = errors.New("connection closed")

	// ErrStalled 连接自称已连接但状态更新停止
	ErrStalled = errors.New("connection stalled")

	// ErrReconnecting 目标服务器正在重连
	ErrReconnecting = errors.New("reconnecting")

	// ErrDraining 连接正在排空，不再接受新请求
	ErrDraining = errors.New("connection draining")
)

// Disposition 错误处置方式
type Disposition int

const (
	// Terminal 失败且不会重试
	Terminal Disposition = iota

	// Retryable 客户端会透明重试或重连
	Retryable
)

// String 返回处置名称
func (d Disposition) String() string {
	if d == Retryable {
		return "retryable"
	}
	return "terminal"
}

// DispositionOf 返回错误的处置方式
//
// RequestTimedOut 归为 Terminal：它会返回给调用方，但并不意味着连接不健康。
func DispositionOf(err error) Disposition {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Retry
	}
	switch {
	case errors.Is(err, ErrTransportTimeout),
		errors.Is(err, ErrConnectionClosed),
		errors.Is(err, ErrStalled),
		errors.Is(err, ErrReconnecting),
		errors.Is(err, ErrNotConnected),
		errors.Is(err, ErrDraining):
		return Retryable
	default:
		return Terminal
	}
}

// IsRecoverable 传输层错误是否应触发自动重连
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrHandshakeRejected) ||
		errors.Is(err, ErrDuplicateConnection) ||
		errors.Is(err, ErrNoRouteForZone) ||
		errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransportTimeout) ||
		errors.Is(err, ErrTransportRejected) ||
		errors.Is(err, ErrConnectionClosed) ||
		errors.Is(err, ErrStalled) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, context.DeadlineExceeded)
}

// RequestError 请求失败结果
//
// Retry 让调用方区分“会被透明重试”与“已失败、不再重试”。
type RequestError struct {
	RequestID string
	Zone      ZoneID
	Err       error
	Retry     Disposition
}

// Error 实现 error 接口
func (e *RequestError) Error() string {
	return fmt.Sprintf("request %s (zone %s, %s): %v", e.RequestID, e.Zone, e.Retry, e.Err)
}

// Unwrap 返回底层错误
func (e *RequestError) Unwrap() error {
	return e.Err
}

// RemoteError 对端返回的业务错误
type RemoteError struct {
	Payload []byte
}

// Error 实现 error 接口
func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error: %s", string(e.Payload))
}
