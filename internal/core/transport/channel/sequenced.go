package channel

import (
	"sync"
	"sync/atomic"
)

// SequencedFilter 有序不可靠通道的接收过滤
//
// 只投递比已投递序号更新的包，旧包和重复包直接丢弃，不做重传。
type SequencedFilter struct {
	mu   sync.Mutex
	last uint32
	seen bool
}

// Accept 判断序号为 seq 的包是否应投递
func (f *SequencedFilter) Accept(seq uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.seen && !SeqLess(f.last, seq) {
		return false
	}
	f.last = seq
	f.seen = true
	return true
}

// SequenceCounter 发送方序号生成
type SequenceCounter struct {
	n atomic.Uint32
}

// Next 返回下一个序号
func (c *SequenceCounter) Next() uint32 {
	return c.n.Add(1)
}
