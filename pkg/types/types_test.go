package types

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
//                              区域与坐标
// ============================================================================

func TestZoneID(t *testing.T) {
	assert.True(t, ZoneID(0).Valid())
	assert.False(t, NoZone.Valid())
	assert.Equal(t, "7", ZoneID(7).String())
	assert.Equal(t, "none", NoZone.String())
	assert.Equal(t, ZoneID(3), *ZoneRef(3))
}

func TestPosition(t *testing.T) {
	p := Position{X: 3, Y: 0}
	assert.InDelta(t, 5.0, p.Distance(Position{X: 0, Y: 4}), 1e-9)
	assert.Equal(t, Position{X: 4, Y: -1}, p.Offset(1, -1))
	assert.Equal(t, "(3.00, 0.00)", p.String())
}

// ============================================================================
//                              端点与投递类别
// ============================================================================

func TestParseEndpoint(t *testing.T) {
	ep, err := ParseEndpoint(" 10.0.0.1:7000 ")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", ep.Host)
	assert.Equal(t, 7000, ep.Port)
	assert.Equal(t, "10.0.0.1:7000", ep.String())
	assert.True(t, ep.Supports(Unreliable))

	for _, bad := range []string{"", "10.0.0.1", "10.0.0.1:x", "10.0.0.1:70000"} {
		_, err := ParseEndpoint(bad)
		assert.Error(t, err, bad)
	}
	assert.True(t, Endpoint{}.IsZero())
}

func TestDeliveryClassSet(t *testing.T) {
	s := NewDeliveryClassSet(ReliableOrdered, SequencedUnreliable)
	assert.True(t, s.Has(ReliableOrdered))
	assert.False(t, s.Has(Unreliable))
	assert.Equal(t, "sequenced|reliable", s.String())

	ep := Endpoint{Host: "h", Port: 1, Classes: s}
	assert.False(t, ep.Supports(Unreliable))
	assert.True(t, Endpoint{Host: "h", Port: 1}.Supports(Unreliable), "未声明时视为全部支持")

	assert.False(t, DeliveryClass(9).Valid())
	assert.Equal(t, "unknown", DeliveryClass(9).String())
}

// ============================================================================
//                              连接状态
// ============================================================================

func TestConnState_Transitions(t *testing.T) {
	assert.True(t, StateConnecting.CanTransition(StateHandshakePending))
	assert.True(t, StateConnected.CanTransition(StateDraining))
	assert.True(t, StateHandshakePending.CanTransition(StateFailed))
	assert.False(t, StateConnected.CanTransition(StateConnecting), "不能回退")
	assert.False(t, StateClosed.CanTransition(StateFailed), "终态不再迁移")
	assert.False(t, StateFailed.CanTransition(StateClosed))

	assert.True(t, StateDraining.Live())
	assert.True(t, StateClosed.Terminal())
	assert.Equal(t, "handshake-pending", StateHandshakePending.String())
}

// ============================================================================
//                              错误分类
// ============================================================================

func TestDispositionOf(t *testing.T) {
	cases := []struct {
		err  error
		want Disposition
	}{
		{ErrTransportTimeout, Retryable},
		{fmt.Errorf("wrap: %w", ErrConnectionClosed), Retryable},
		{ErrStalled, Retryable},
		{ErrReconnecting, Retryable},
		{ErrDraining, Retryable},
		{ErrRequestTimedOut, Terminal},
		{ErrHandshakeRejected, Terminal},
		{ErrNoRouteForZone, Terminal},
		{&RemoteError{Payload: []byte("boom")}, Terminal},
		{&RequestError{Err: ErrRequestTimedOut, Retry: Retryable}, Retryable},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, DispositionOf(c.err), "%v", c.err)
	}
}

func TestIsRecoverable(t *testing.T) {
	assert.False(t, IsRecoverable(nil))
	assert.True(t, IsRecoverable(ErrTransportTimeout))
	assert.True(t, IsRecoverable(fmt.Errorf("x: %w", context.DeadlineExceeded)))
	assert.False(t, IsRecoverable(ErrHandshakeRejected))
	assert.False(t, IsRecoverable(fmt.Errorf("%w: %w", ErrConnectionClosed, context.Canceled)), "取消优先")
	assert.False(t, IsRecoverable(errors.New("unknown")))
}

func TestRequestError(t *testing.T) {
	err := &RequestError{RequestID: "r1", Zone: 2, Err: ErrStalled, Retry: Retryable}
	assert.ErrorIs(t, err, ErrStalled)
	assert.Contains(t, err.Error(), "zone 2")
	assert.Contains(t, err.Error(), "retryable")

	var remote *RemoteError
	assert.True(t, errors.As(fmt.Errorf("call: %w", &RemoteError{Payload: []byte("denied")}), &remote))
	assert.Equal(t, "remote error: denied", remote.Error())
}
