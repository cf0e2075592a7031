package main

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/dep2p/go-zonerpc/pkg/interfaces"
)

var errRateLimited = errors.New("rate limited")

// maxTrackedConns 同时跟踪限速器的连接数上限，超出时淘汰最久未活动的连接
const maxTrackedConns = 4096

// rateAdmitter 按连接限制请求速率
type rateAdmitter struct {
	limit rate.Limit
	burst int
	conns *lru.Cache[string, *rate.Limiter]
}

var _ interfaces.RequestAdmitter = (*rateAdmitter)(nil)

// newRateAdmitter 每个连接每秒 rps 个请求，突发 burst
func newRateAdmitter(rps float64, burst int) (*rateAdmitter, error) {
	if rps <= 0 {
		return nil, fmt.Errorf("max-rps must be positive, got %g", rps)
	}
	if burst < 1 {
		burst = 1
	}
	conns, err := lru.New[string, *rate.Limiter](maxTrackedConns)
	if err != nil {
		return nil, err
	}
	return &rateAdmitter{limit: rate.Limit(rps), burst: burst, conns: conns}, nil
}

// Admit 实现 interfaces.RequestAdmitter
func (a *rateAdmitter) Admit(_ context.Context, connID string, call *interfaces.Invocation) error {
	l, ok := a.conns.Get(connID)
	if !ok {
		l = rate.NewLimiter(a.limit, a.burst)
		if prev, found, _ := a.conns.PeekOrAdd(connID, l); found {
			l = prev
		}
	}
	if !l.Allow() {
		logger.Debug("请求超出速率", "conn", connID, "interface", call.InterfaceID)
		return errRateLimited
	}
	return nil
}
