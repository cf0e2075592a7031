package resilience

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// TimerState 定时器状态
type TimerState int

const (
	// TimerRunning 运行中
	TimerRunning TimerState = iota

	// TimerPaused 已暂停，可恢复
	TimerPaused

	// TimerStopped 已停止，不可恢复
	TimerStopped
)

// String 返回状态名称
func (s TimerState) String() string {
	switch s {
	case TimerRunning:
		return "running"
	case TimerPaused:
		return "paused"
	default:
		return "stopped"
	}
}

type timerCmd struct {
	state TimerState
	ack   chan struct{}
}

// PausableTicker 可暂停的周期定时器
//
// 句柄在整个生命周期内不变，C 在暂停期间不投递任何 tick。
// 恢复后从恢复时刻起重新计时一个完整周期。
type PausableTicker struct {
	// C 投递 tick，缓冲 1，消费者来不及时丢弃
	C <-chan time.Time

	c        chan time.Time
	clock    clock.Clock
	interval time.Duration

	mu    sync.Mutex
	state TimerState

	cmds chan timerCmd
	done chan struct{}
}

// NewPausableTicker 创建并启动定时器
func NewPausableTicker(clk clock.Clock, interval time.Duration) *PausableTicker {
	if clk == nil {
		clk = clock.New()
	}
	t := &PausableTicker{
		c:        make(chan time.Time, 1),
		clock:    clk,
		interval: interval,
		state:    TimerRunning,
		cmds:     make(chan timerCmd),
		done:     make(chan struct{}),
	}
	t.C = t.c

	ready := make(chan struct{})
	go t.run(ready)
	<-ready
	return t
}

// State 返回当前状态
func (t *PausableTicker) State() TimerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Interval 返回周期
func (t *PausableTicker) Interval() time.Duration {
	return t.interval
}

// Pause 暂停；返回时不会再有 tick 投递，已缓冲的 tick 被丢弃
func (t *PausableTicker) Pause() bool {
	if !t.set(TimerRunning, TimerPaused) {
		return false
	}
	select {
	case <-t.c:
	default:
	}
	return true
}

// Resume 恢复暂停的定时器
func (t *PausableTicker) Resume() bool {
	return t.set(TimerPaused, TimerRunning)
}

// Stop 永久停止，可重复调用
func (t *PausableTicker) Stop() {
	t.mu.Lock()
	if t.state == TimerStopped {
		t.mu.Unlock()
		<-t.done
		return
	}
	t.state = TimerStopped
	t.mu.Unlock()

	ack := make(chan struct{})
	t.cmds <- timerCmd{state: TimerStopped, ack: ack}
	<-t.done
}

func (t *PausableTicker) set(from, to TimerState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != from {
		return false
	}
	t.state = to
	ack := make(chan struct{})
	t.cmds <- timerCmd{state: to, ack: ack}
	<-ack
	return true
}

func (t *PausableTicker) run(ready chan<- struct{}) {
	defer close(t.done)

	tk := t.clock.Ticker(t.interval)
	tc := tk.C
	close(ready)

	for {
		select {
		case now := <-tc:
			select {
			case t.c <- now:
			default:
			}
		case cmd := <-t.cmds:
			switch cmd.state {
			case TimerPaused:
				if tk != nil {
					tk.Stop()
					tk, tc = nil, nil
				}
			case TimerRunning:
				if tk == nil {
					tk = t.clock.Ticker(t.interval)
					tc = tk.C
				}
			case TimerStopped:
				if tk != nil {
					tk.Stop()
				}
				close(cmd.ack)
				return
			}
			close(cmd.ack)
		}
	}
}
