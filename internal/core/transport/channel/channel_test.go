package channel

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-zonerpc/pkg/types"
)

func TestHeader_RoundTrip(t *testing.T) {
	h := Header{Type: PacketData, ConnID: 0xdeadbeef, Class: types.SequencedUnreliable, Flags: FlagMore, Seq: 42}
	b := h.Append(nil, []byte("payload"))
	require.Len(t, b, HeaderSize+7)

	got, payload, err := ParseHeader(b)
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.Equal(t, []byte("payload"), payload)
}

func TestParseHeader_Rejects(t *testing.T) {
	_, _, err := ParseHeader([]byte{Magic, 1})
	assert.ErrorIs(t, err, ErrBadPacket)

	b := Header{Type: PacketData}.Append(nil, nil)
	b[0] = 0
	_, _, err = ParseHeader(b)
	assert.ErrorIs(t, err, ErrBadPacket)

	b = Header{Type: PacketData, Class: 9}.Append(nil, nil)
	_, _, err = ParseHeader(b)
	assert.ErrorIs(t, err, ErrBadPacket)
}

func TestSeqLess_Wraparound(t *testing.T) {
	assert.True(t, SeqLess(1, 2))
	assert.False(t, SeqLess(2, 1))
	assert.True(t, SeqLess(0xfffffffe, 1))
	assert.False(t, SeqLess(5, 5))
}

func TestSequencedFilter(t *testing.T) {
	var f SequencedFilter
	assert.True(t, f.Accept(1))
	assert.True(t, f.Accept(3))
	assert.False(t, f.Accept(2), "stale")
	assert.False(t, f.Accept(3), "duplicate")
	assert.True(t, f.Accept(4))
}

func TestReliable_FragmentAndReassemble(t *testing.T) {
	now := time.Unix(0, 0)
	s := NewReliableSender(SenderConfig{Window: 64, MaxPayload: 10, RTO: time.Second, MaxRetries: 3})
	r := NewReliableReceiver(64)

	msg := bytes.Repeat([]byte("0123456789"), 3)
	msg = append(msg, 'x')
	segs := s.Push(msg, now)
	require.Len(t, segs, 4)
	assert.Equal(t, FlagMore, segs[0].Flags)
	assert.Zero(t, segs[3].Flags)

	// 乱序到达
	for _, i := range []int{2, 0, 3, 1} {
		assert.True(t, r.Accept(segs[i]))
	}
	got, ok := r.Pop()
	require.True(t, ok)
	assert.Equal(t, msg, got)
	assert.Equal(t, uint32(4), r.Cumulative())

	s.Ack(3, r.Cumulative(), now)
	assert.Zero(t, s.Outstanding())
}

func TestReliable_OrderUnderReorderAndDuplication(t *testing.T) {
	now := time.Unix(0, 0)
	s := NewReliableSender(SenderConfig{Window: 256, MaxPayload: 64, RTO: time.Second, MaxRetries: 3})
	r := NewReliableReceiver(256)

	var segs []Segment
	for i := 0; i < 100; i++ {
		segs = append(segs, s.Push([]byte{byte(i)}, now)...)
	}
	segs = append(segs, segs[10], segs[50], segs[99])

	rng := rand.New(rand.NewSource(7))
	rng.Shuffle(len(segs), func(i, j int) { segs[i], segs[j] = segs[j], segs[i] })

	for _, seg := range segs {
		assert.True(t, r.Accept(seg))
	}
	for i := 0; i < 100; i++ {
		got, ok := r.Pop()
		require.True(t, ok)
		assert.Equal(t, []byte{byte(i)}, got)
	}
	_, ok := r.Pop()
	assert.False(t, ok)
}

func TestReliable_EmptyMessage(t *testing.T) {
	s := NewReliableSender(SenderConfig{Window: 4, MaxPayload: 8, RTO: time.Second, MaxRetries: 1})
	r := NewReliableReceiver(4)

	segs := s.Push(nil, time.Unix(0, 0))
	require.Len(t, segs, 1)
	require.True(t, r.Accept(segs[0]))

	got, ok := r.Pop()
	require.True(t, ok)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestReliableSender_WindowAndRetransmit(t *testing.T) {
	now := time.Unix(0, 0)
	s := NewReliableSender(SenderConfig{Window: 2, MaxPayload: 8, RTO: 100 * time.Millisecond, MaxRetries: 2})

	sent := s.Push([]byte("a"), now)
	sent = append(sent, s.Push([]byte("b"), now)...)
	sent = append(sent, s.Push([]byte("c"), now)...)
	require.Len(t, sent, 2, "window limits inflight segments")
	assert.Equal(t, 3, s.Outstanding())

	due, err := s.Due(now.Add(50 * time.Millisecond))
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.Due(now.Add(100 * time.Millisecond))
	require.NoError(t, err)
	assert.Len(t, due, 2)

	next := s.Ack(0, 0, now)
	require.Len(t, next, 1)
	assert.Equal(t, uint32(2), next[0].Seq)

	// seq 1 已重传一次，超时翻倍为 200ms
	due, err = s.Due(now.Add(250 * time.Millisecond))
	require.NoError(t, err)
	assert.Len(t, due, 1)

	due, err = s.Due(now.Add(350 * time.Millisecond))
	require.NoError(t, err)
	assert.Len(t, due, 1)

	_, err = s.Due(now.Add(10 * time.Second))
	assert.ErrorIs(t, err, ErrRetriesExhausted)
}

func TestReliableReceiver_Bounds(t *testing.T) {
	r := NewReliableReceiver(2)

	assert.False(t, r.Accept(Segment{Seq: 5}), "beyond window")
	assert.True(t, r.Accept(Segment{Seq: 0, Payload: []byte("a")}))
	assert.True(t, r.Accept(Segment{Seq: 1, Payload: []byte("b")}))
	assert.False(t, r.Accept(Segment{Seq: 2, Payload: []byte("c")}), "ready queue full")

	assert.True(t, r.Accept(Segment{Seq: 0}), "duplicates are re-acked")
	assert.Equal(t, 2, r.Ready())

	r.Pop()
	assert.True(t, r.Accept(Segment{Seq: 2, Payload: []byte("c")}))
}
