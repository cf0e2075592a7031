package manifest

import (
	"maps"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/dep2p/go-zonerpc/pkg/lib/log"
)

var logger = log.Logger("core/manifest")

// Resolved 合并视图中的一个接口
type Resolved struct {
	Entry Entry

	// Source 提供该条目的来源（服务器 ID）
	Source string

	// Sources 所有声明了该接口的来源，按 ID 排序
	Sources []string

	// Conflict 来源之间元数据不一致
	Conflict bool
}

// viewShards 视图分片数
const viewShards = 32

// View 合并视图快照
//
// 只读，由 Merger 以写时复制方式替换。接口按 ID 哈希分到固定分片，
// 更新只复制受影响的分片，其余分片与上一代共享。
type View struct {
	generation uint64
	size       int
	shards     [viewShards]map[string]Resolved
}

func shardOf(interfaceID string) int {
	return int(xxhash.Sum64String(interfaceID) % viewShards)
}

// Generation 返回视图代数，每次重算递增
func (v *View) Generation() uint64 {
	return v.generation
}

// Len 返回接口数
func (v *View) Len() int {
	return v.size
}

// Lookup 查找接口
func (v *View) Lookup(interfaceID string) (Resolved, bool) {
	r, ok := v.shards[shardOf(interfaceID)][interfaceID]
	return r, ok
}

// Interfaces 返回按字典序排列的接口 ID
func (v *View) Interfaces() []string {
	ids := make([]string, 0, v.size)
	for _, shard := range v.shards {
		for id := range shard {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// SameContent 比较两个视图的内容（忽略代数）
func (v *View) SameContent(o *View) bool {
	if v.size != o.size {
		return false
	}
	for _, shard := range v.shards {
		for id, r := range shard {
			or, ok := o.Lookup(id)
			if !ok || r.Source != or.Source || r.Conflict != or.Conflict || !r.Entry.Equal(or.Entry) {
				return false
			}
			if !slices.Equal(r.Sources, or.Sources) {
				return false
			}
		}
	}
	return true
}

// ConflictFunc 冲突通知回调
type ConflictFunc func(interfaceID string, chosen Candidate, candidates []Candidate)

type contribution struct {
	manifest *Manifest
	stamp    uint64
}

// Merger 增量合并各连接的清单
//
// 每次更新只重算受影响的接口（旧清单与新清单的接口并集），并只复制
// 这些接口所在的视图分片。重算与连接总数无关，复制量约为
// 受影响分片数 × 接口总数 / 分片数。
type Merger struct {
	mu      sync.Mutex
	policy  ConflictPolicy
	clock   uint64
	primary string
	sources map[string]*contribution
	holders map[string]map[string]struct{}

	view atomic.Pointer[View]

	onConflict ConflictFunc
}

// NewMerger 创建合并器，policy 为 nil 时使用 LastWriteWins
func NewMerger(policy ConflictPolicy) *Merger {
	if policy == nil {
		policy = LastWriteWins{}
	}
	m := &Merger{
		policy:  policy,
		sources: make(map[string]*contribution),
		holders: make(map[string]map[string]struct{}),
	}
	m.view.Store(&View{})
	return m
}

// OnConflict 注册冲突回调
func (m *Merger) OnConflict(fn ConflictFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConflict = fn
}

// Policy 返回冲突策略
func (m *Merger) Policy() ConflictPolicy {
	return m.policy
}

// View 返回当前视图快照（无锁）
func (m *Merger) View() *View {
	return m.view.Load()
}

// Update 替换来源的清单并增量重算
//
// 返回受影响的接口 ID。
func (m *Merger) Update(source string, man *Manifest) []string {
	if man == nil {
		man = Empty()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	affected := make(map[string]struct{})
	if old, ok := m.sources[source]; ok {
		for _, id := range old.manifest.Interfaces() {
			affected[id] = struct{}{}
			m.dropHolder(id, source)
		}
	}

	m.clock++
	m.sources[source] = &contribution{manifest: man, stamp: m.clock}
	for _, id := range man.Interfaces() {
		affected[id] = struct{}{}
		hs, ok := m.holders[id]
		if !ok {
			hs = make(map[string]struct{})
			m.holders[id] = hs
		}
		hs[source] = struct{}{}
	}

	return m.recompute(affected)
}

// Remove 移除来源并增量重算
func (m *Merger) Remove(source string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.sources[source]
	if !ok {
		return nil
	}
	delete(m.sources, source)

	affected := make(map[string]struct{})
	for _, id := range old.manifest.Interfaces() {
		affected[id] = struct{}{}
		m.dropHolder(id, source)
	}
	if m.primary == source {
		m.primary = ""
	}
	return m.recompute(affected)
}

// SetPrimary 设置主来源（影响 PreferPrimary 策略）
func (m *Merger) SetPrimary(source string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.primary == source {
		return
	}

	affected := make(map[string]struct{})
	for _, s := range []string{m.primary, source} {
		if c, ok := m.sources[s]; ok {
			for _, id := range c.manifest.Interfaces() {
				affected[id] = struct{}{}
			}
		}
	}
	m.primary = source
	m.recompute(affected)
}

// Sources 返回当前来源数
func (m *Merger) Sources() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sources)
}

func (m *Merger) dropHolder(id, source string) {
	if hs, ok := m.holders[id]; ok {
		delete(hs, source)
		if len(hs) == 0 {
			delete(m.holders, id)
		}
	}
}

// recompute 只重算 affected 中的接口并发布新快照，调用方持有 m.mu
func (m *Merger) recompute(affected map[string]struct{}) []string {
	if len(affected) == 0 {
		return nil
	}

	old := m.view.Load()
	next := &View{
		generation: old.generation + 1,
		size:       old.size,
		shards:     old.shards,
	}

	var copied [viewShards]bool
	ids := make([]string, 0, len(affected))
	for id := range affected {
		ids = append(ids, id)
		i := shardOf(id)
		if !copied[i] {
			shard := make(map[string]Resolved, len(old.shards[i])+1)
			maps.Copy(shard, old.shards[i])
			next.shards[i] = shard
			copied[i] = true
		}
		_, existed := next.shards[i][id]
		hs := m.holders[id]
		if len(hs) == 0 {
			if existed {
				delete(next.shards[i], id)
				next.size--
			}
			continue
		}
		if !existed {
			next.size++
		}
		next.shards[i][id] = m.resolve(id, hs)
	}
	sort.Strings(ids)

	m.view.Store(next)
	return ids
}

func (m *Merger) resolve(id string, holders map[string]struct{}) Resolved {
	sources := make([]string, 0, len(holders))
	for s := range holders {
		sources = append(sources, s)
	}
	sort.Strings(sources)

	candidates := make([]Candidate, 0, len(sources))
	for _, s := range sources {
		c := m.sources[s]
		e, _ := c.manifest.Lookup(id)
		candidates = append(candidates, Candidate{
			Source:  s,
			Entry:   e,
			Stamp:   c.stamp,
			Primary: s == m.primary,
		})
	}

	conflict := false
	for _, c := range candidates[1:] {
		if !c.Entry.Equal(candidates[0].Entry) {
			conflict = true
			break
		}
	}

	// 没有冲突时选择 ID 最小的来源，保证合并顺序无关
	chosen := candidates[0]
	if conflict {
		chosen = m.policy.Choose(id, candidates)
		logger.Warn("清单冲突",
			"interface", id,
			"policy", m.policy.Name(),
			"chosen", chosen.Source,
			"implementation", chosen.Entry.ImplementationID,
			"sources", len(candidates))
		if m.onConflict != nil {
			m.onConflict(id, chosen, candidates)
		}
	}

	return Resolved{
		Entry:    chosen.Entry,
		Source:   chosen.Source,
		Sources:  sources,
		Conflict: conflict,
	}
}
