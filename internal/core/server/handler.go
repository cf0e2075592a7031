package server

import (
	"context"
	"fmt"
	"time"

	"github.com/dep2p/go-zonerpc/internal/core/connection"
	"github.com/dep2p/go-zonerpc/internal/core/metrics"
	"github.com/dep2p/go-zonerpc/internal/core/wire"
	"github.com/dep2p/go-zonerpc/pkg/interfaces"
	"github.com/dep2p/go-zonerpc/pkg/lib/log"
)

// onRequest 在连接处理协程上调用，执行转到独立协程
func (s *Server) onRequest(c *connection.Connection, req *wire.Request) {
	oneWay := req.Flags&wire.FlagOneWay != 0

	var entry *cacheEntry
	if !oneWay {
		var owner bool
		entry, owner = s.lookup(req)
		if !owner {
			s.replayCached(c, req, entry)
			return
		}
	}

	if !s.track() {
		if entry != nil {
			s.finish(entry, req, nil, ErrServerClosed)
			c.RespondFrame(entry.resp)
		}
		return
	}
	go func() {
		defer s.wg.Done()
		start := s.clock.Now()
		result, err := s.execute(c, req)
		s.metrics.Request(outcome(err), s.clock.Since(start))
		if oneWay {
			if err != nil {
				logger.Debug("单向请求执行失败", "interface", req.InterfaceID, "error", err)
			}
			return
		}
		s.finish(entry, req, result, err)
		if rerr := c.RespondFrame(entry.resp); rerr != nil {
			logger.Debug("回复失败", "conn", log.TruncateID(c.ID(), 8), "request", req.ID.String(), "error", rerr)
		}
	}()
}

// lookup 查找或登记请求；owner 为 true 时调用方负责执行
func (s *Server) lookup(req *wire.Request) (*cacheEntry, bool) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if e, ok := s.cache.Get(req.ID); ok {
		return e, false
	}
	e := &cacheEntry{done: make(chan struct{})}
	s.cache.Add(req.ID, e)
	return e, true
}

// replayCached 重复请求：等待首次执行完成后回复同一结果
func (s *Server) replayCached(c *connection.Connection, req *wire.Request, e *cacheEntry) {
	logger.Debug("重复请求，回复缓存结果", "conn", log.TruncateID(c.ID(), 8), "request", req.ID.String())
	select {
	case <-e.done:
		c.RespondFrame(e.resp)
		return
	default:
	}
	if !s.track() {
		return
	}
	go func() {
		defer s.wg.Done()
		select {
		case <-e.done:
			c.RespondFrame(e.resp)
		case <-c.Done():
		case <-s.ctx.Done():
		}
	}()
}

func (s *Server) finish(e *cacheEntry, req *wire.Request, result []byte, err error) {
	resp := &wire.Response{ID: req.ID, Success: err == nil}
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Result, resp.Flags = wire.Compress(result, s.cfg.Connection.CompressThreshold)
	}
	e.resp = resp
	close(e.done)
}

// execute 依次执行载荷检查、准入与调用
func (s *Server) execute(c *connection.Connection, req *wire.Request) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("调用 panic", "interface", req.InterfaceID, "method", req.MethodID, "panic", r)
			result, err = nil, fmt.Errorf("server: invoker panic: %v", r)
		}
	}()

	ctx := s.ctx
	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	if s.payload != nil {
		if err := s.payload.CheckPayload(req.InterfaceID, req.MethodID, req.Args); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPayloadRejected, err)
		}
	}

	call := &interfaces.Invocation{
		RequestID:   req.ID.String(),
		InterfaceID: req.InterfaceID,
		MethodID:    req.MethodID,
		Args:        req.Args,
		TargetZone:  req.TargetZone,
	}
	if s.admitter != nil {
		if err := s.admitter.Admit(ctx, c.ID(), call); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAdmission, err)
		}
	}
	if _, ok := c.Manifest().Lookup(req.InterfaceID); !ok && c.Manifest().Len() > 0 {
		return nil, fmt.Errorf("server: interface %s not in manifest", req.InterfaceID)
	}
	return s.invoker.Invoke(ctx, call)
}

func outcome(err error) string {
	if err == nil {
		return metrics.OutcomeOK
	}
	return metrics.OutcomeError
}
