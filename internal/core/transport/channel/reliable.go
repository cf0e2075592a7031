package channel

import (
	"bytes"
	"errors"
	"sort"
	"time"
)

// ErrRetriesExhausted 可靠包重传次数耗尽
var ErrRetriesExhausted = errors.New("channel: retransmit limit reached")

// Segment 可靠有序通道上的一个分片
type Segment struct {
	Seq     uint32
	Flags   uint8
	Payload []byte
}

// SenderConfig 可靠发送方配置
type SenderConfig struct {
	// Window 同时在途的最大分片数
	Window int

	// MaxPayload 单个分片最大载荷字节数
	MaxPayload int

	// RTO 初始重传超时，每次重传翻倍，最多翻 4 次
	RTO time.Duration

	// MaxRetries 单个分片的最大重传次数
	MaxRetries int
}

type outgoing struct {
	seg     Segment
	sentAt  time.Time
	retries int
}

// ReliableSender 可靠有序通道的发送状态
//
// 负责分片、窗口控制和超时重传。非并发安全，由调用方加锁。
type ReliableSender struct {
	cfg      SenderConfig
	next     uint32
	inflight map[uint32]*outgoing
	queued   []Segment
}

// NewReliableSender 创建发送方
func NewReliableSender(cfg SenderConfig) *ReliableSender {
	if cfg.Window < 1 {
		cfg.Window = 1
	}
	if cfg.MaxPayload < 1 {
		cfg.MaxPayload = 1
	}
	return &ReliableSender{
		cfg:      cfg,
		inflight: make(map[uint32]*outgoing),
	}
}

// Push 分片一条消息并返回窗口内可以立即发送的分片
func (s *ReliableSender) Push(msg []byte, now time.Time) []Segment {
	for off := 0; ; {
		end := min(off+s.cfg.MaxPayload, len(msg))
		seg := Segment{Seq: s.next, Payload: msg[off:end]}
		if end < len(msg) {
			seg.Flags |= FlagMore
		}
		s.next++
		s.queued = append(s.queued, seg)
		if end == len(msg) {
			break
		}
		off = end
	}
	return s.admit(now)
}

// Ack 处理确认，返回因窗口空出而可以发送的分片
func (s *ReliableSender) Ack(seq, cumulative uint32, now time.Time) []Segment {
	delete(s.inflight, seq)
	for k := range s.inflight {
		if SeqLess(k, cumulative) {
			delete(s.inflight, k)
		}
	}
	return s.admit(now)
}

// Due 返回到期需要重传的分片
//
// 任一分片超过最大重传次数时返回 ErrRetriesExhausted。
func (s *ReliableSender) Due(now time.Time) ([]Segment, error) {
	var out []Segment
	for _, o := range s.inflight {
		rto := s.cfg.RTO << min(o.retries, 4)
		if now.Sub(o.sentAt) < rto {
			continue
		}
		if o.retries >= s.cfg.MaxRetries {
			return nil, ErrRetriesExhausted
		}
		o.retries++
		o.sentAt = now
		out = append(out, o.seg)
	}
	sort.Slice(out, func(i, j int) bool { return SeqLess(out[i].Seq, out[j].Seq) })
	return out, nil
}

// Outstanding 返回未确认和排队中的分片数
func (s *ReliableSender) Outstanding() int {
	return len(s.inflight) + len(s.queued)
}

func (s *ReliableSender) admit(now time.Time) []Segment {
	var out []Segment
	for len(s.queued) > 0 && len(s.inflight) < s.cfg.Window {
		seg := s.queued[0]
		s.queued = s.queued[1:]
		s.inflight[seg.Seq] = &outgoing{seg: seg, sentAt: now}
		out = append(out, seg)
	}
	return out
}

// ReliableReceiver 可靠有序通道的接收状态
//
// 缓存窗口内的乱序分片，按序号重组出完整消息。非并发安全，由调用方加锁。
type ReliableReceiver struct {
	window  int
	next    uint32
	buf     map[uint32]Segment
	partial []byte
	ready   [][]byte
}

// NewReliableReceiver 创建接收方
func NewReliableReceiver(window int) *ReliableReceiver {
	if window < 1 {
		window = 1
	}
	return &ReliableReceiver{
		window: window,
		buf:    make(map[uint32]Segment),
	}
}

// Accept 接收一个分片，返回是否应该确认
//
// 已投递过的重复分片仍然确认（对端可能没收到之前的确认）。
// 超出窗口或就绪队列已满时不确认，由对端重传。
func (r *ReliableReceiver) Accept(seg Segment) bool {
	if SeqLess(seg.Seq, r.next) {
		return true
	}
	if seg.Seq-r.next >= uint32(r.window) || len(r.ready) >= r.window {
		return false
	}
	if _, ok := r.buf[seg.Seq]; !ok {
		seg.Payload = bytes.Clone(seg.Payload)
		r.buf[seg.Seq] = seg
	}

	for {
		s, ok := r.buf[r.next]
		if !ok {
			break
		}
		delete(r.buf, r.next)
		r.next++
		r.partial = append(r.partial, s.Payload...)
		if s.Flags&FlagMore == 0 {
			msg := r.partial
			if msg == nil {
				msg = []byte{}
			}
			r.ready = append(r.ready, msg)
			r.partial = nil
		}
	}
	return true
}

// Pop 取出下一条完整消息
func (r *ReliableReceiver) Pop() ([]byte, bool) {
	if len(r.ready) == 0 {
		return nil, false
	}
	msg := r.ready[0]
	r.ready[0] = nil
	r.ready = r.ready[1:]
	return msg, true
}

// Ready 返回已就绪的消息数
func (r *ReliableReceiver) Ready() int {
	return len(r.ready)
}

// Cumulative 返回累计确认点（下一个期望的序号）
func (r *ReliableReceiver) Cumulative() uint32 {
	return r.next
}
