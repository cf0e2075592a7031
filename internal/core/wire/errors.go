package wire

import "errors"

var (
	// ErrMalformed 帧无法解析
	ErrMalformed = errors.New("wire: malformed frame")

	// ErrUnknownFrame 信封中没有已知的帧类型
	ErrUnknownFrame = errors.New("wire: unknown frame kind")

	// ErrDecompress 载荷解压失败
	ErrDecompress = errors.New("wire: decompress payload")
)
