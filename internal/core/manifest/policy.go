package manifest

import (
	"errors"
	"fmt"
)

// ErrUnknownPolicy 未知冲突策略
var ErrUnknownPolicy = errors.New("manifest: unknown conflict policy")

// Candidate 合并时的一个候选来源
type Candidate struct {
	Source  string
	Entry   Entry
	Stamp   uint64
	Primary bool
}

// ConflictPolicy 冲突解决策略
//
// 仅在多个来源对同一接口给出不同实现元数据时调用。
// candidates 按来源 ID 排序，实现必须是确定性的。
type ConflictPolicy interface {
	Name() string
	Choose(interfaceID string, candidates []Candidate) Candidate
}

// LastWriteWins 最近更新的来源获胜
type LastWriteWins struct{}

// Name 返回策略名
func (LastWriteWins) Name() string { return "last-write-wins" }

// Choose 选择 Stamp 最大的候选
func (LastWriteWins) Choose(_ string, candidates []Candidate) Candidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Stamp > best.Stamp {
			best = c
		}
	}
	return best
}

// FirstWriteWins 最早更新的来源获胜
type FirstWriteWins struct{}

// Name 返回策略名
func (FirstWriteWins) Name() string { return "first-write-wins" }

// Choose 选择 Stamp 最小的候选
func (FirstWriteWins) Choose(_ string, candidates []Candidate) Candidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Stamp < best.Stamp {
			best = c
		}
	}
	return best
}

// PreferPrimary 主连接获胜，没有主连接参与时回退到 LastWriteWins
type PreferPrimary struct{}

// Name 返回策略名
func (PreferPrimary) Name() string { return "prefer-primary" }

// Choose 优先选择主连接
func (PreferPrimary) Choose(id string, candidates []Candidate) Candidate {
	for _, c := range candidates {
		if c.Primary {
			return c
		}
	}
	return LastWriteWins{}.Choose(id, candidates)
}

// PolicyByName 按名称返回策略
func PolicyByName(name string) (ConflictPolicy, error) {
	switch name {
	case "", "last-write-wins":
		return LastWriteWins{}, nil
	case "first-write-wins":
		return FirstWriteWins{}, nil
	case "prefer-primary":
		return PreferPrimary{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
}
