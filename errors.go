package zonerpc

import "errors"

// 公共错误定义
var (
	// ────────────────────────────────────────────────────────────────────────
	// 生命周期错误
	// ────────────────────────────────────────────────────────────────────────

	// ErrNotStarted 尚未启动
	ErrNotStarted = errors.New("zonerpc: not started")

	// ErrAlreadyStarted 已启动
	ErrAlreadyStarted = errors.New("zonerpc: already started")

	// ErrClosed 已关闭
	ErrClosed = errors.New("zonerpc: closed")

	// ────────────────────────────────────────────────────────────────────────
	// 配置错误
	// ────────────────────────────────────────────────────────────────────────

	// ErrInvalidOption 选项无效
	ErrInvalidOption = errors.New("zonerpc: invalid option")
)
