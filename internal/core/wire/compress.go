package wire

import (
	"fmt"

	"github.com/klauspost/compress/s2"
)

// Compress 载荷超过 threshold 字节且压缩有收益时返回压缩数据和 FlagCompressed
//
// threshold 为 0 表示不压缩。
func Compress(payload []byte, threshold int) ([]byte, uint32) {
	if threshold <= 0 || len(payload) <= threshold {
		return payload, 0
	}
	enc := s2.Encode(nil, payload)
	if len(enc) >= len(payload) {
		return payload, 0
	}
	return enc, FlagCompressed
}

// Decompress 按 flags 还原载荷
func Decompress(payload []byte, flags uint32) ([]byte, error) {
	if flags&FlagCompressed == 0 {
		return payload, nil
	}
	out, err := s2.Decode(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
	}
	return out, nil
}
