package quic

import (
	"context"
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"

	"github.com/dep2p/go-zonerpc/pkg/types"
)

var (
	// ErrTransportClosed 传输已关闭
	ErrTransportClosed = errors.New("quic: transport closed")

	// ErrNotStarted 传输尚未绑定本地端点
	ErrNotStarted = errors.New("quic: transport not started")

	// ErrAlreadyStarted 重复调用 Start
	ErrAlreadyStarted = errors.New("quic: transport already started")

	// ErrSendBufferFull 可靠有序发送队列已满
	ErrSendBufferFull = errors.New("quic: reliable send queue full")

	// ErrInvalidClass 未知投递类别
	ErrInvalidClass = errors.New("quic: invalid delivery class")

	// ErrBadPreface 流前导字节不匹配
	ErrBadPreface = errors.New("quic: bad stream preface")
)

// 应用层关闭码
const (
	codeClosed   quic.ApplicationErrorCode = 0
	codeRejected quic.ApplicationErrorCode = 1
)

// mapError 把 quic-go 错误映射到传输层错误分类
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var (
		appErr       *quic.ApplicationError
		idleErr      *quic.IdleTimeoutError
		handshakeErr *quic.HandshakeTimeoutError
		transportErr *quic.TransportError
	)
	switch {
	case errors.As(err, &idleErr),
		errors.As(err, &handshakeErr),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", types.ErrTransportTimeout, err)
	case errors.As(err, &appErr):
		if appErr.ErrorCode == codeClosed {
			return fmt.Errorf("%w: %v", types.ErrConnectionClosed, err)
		}
		return fmt.Errorf("%w: %v", types.ErrTransportRejected, err)
	case errors.As(err, &transportErr):
		return fmt.Errorf("%w: %v", types.ErrTransportRejected, err)
	default:
		return fmt.Errorf("%w: %v", types.ErrConnectionClosed, err)
	}
}
