package resilience

import (
	"time"
)

const windowBuckets = 60

// outcomeWindow 滚动窗口内的成功/失败计数
//
// 窗口均分为 60 个桶，写入时推进并清空过期的桶。调用方负责加锁。
type outcomeWindow struct {
	width    time.Duration
	success  [windowBuckets]uint32
	failure  [windowBuckets]uint32
	lastIdx  int
	lastTime time.Time
}

func newOutcomeWindow(span time.Duration, now time.Time) *outcomeWindow {
	width := span / windowBuckets
	if width <= 0 {
		width = time.Second
	}
	return &outcomeWindow{width: width, lastTime: now}
}

// advance 推进到 now 所在的桶
func (w *outcomeWindow) advance(now time.Time) {
	elapsed := now.Sub(w.lastTime)
	if elapsed < w.width {
		return
	}
	steps := int(elapsed / w.width)
	if steps >= windowBuckets {
		w.success = [windowBuckets]uint32{}
		w.failure = [windowBuckets]uint32{}
		w.lastIdx = 0
	} else {
		for i := 0; i < steps; i++ {
			w.lastIdx = (w.lastIdx + 1) % windowBuckets
			w.success[w.lastIdx] = 0
			w.failure[w.lastIdx] = 0
		}
	}
	w.lastTime = w.lastTime.Add(time.Duration(steps) * w.width)
}

func (w *outcomeWindow) record(now time.Time, ok bool) {
	w.advance(now)
	if ok {
		w.success[w.lastIdx]++
	} else {
		w.failure[w.lastIdx]++
	}
}

// counts 返回窗口内的成功与失败次数
func (w *outcomeWindow) counts(now time.Time) (success, failure int) {
	w.advance(now)
	for i := 0; i < windowBuckets; i++ {
		success += int(w.success[i])
		failure += int(w.failure[i])
	}
	return success, failure
}
