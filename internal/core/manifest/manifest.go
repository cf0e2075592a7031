package manifest

import (
	"slices"
	"sort"
)

// MethodSignature 方法签名，用于客户端代理生成
type MethodSignature struct {
	ID         uint32
	Name       string
	ArgType    string
	ResultType string
}

// Entry 一个服务接口的实现元数据
type Entry struct {
	InterfaceID      string
	ImplementationID string
	Methods          []MethodSignature
}

// Equal 比较两个条目
func (e Entry) Equal(o Entry) bool {
	return e.InterfaceID == o.InterfaceID &&
		e.ImplementationID == o.ImplementationID &&
		slices.Equal(e.Methods, o.Methods)
}

// Method 按 ID 查找方法签名
func (e Entry) Method(id uint32) (MethodSignature, bool) {
	for _, m := range e.Methods {
		if m.ID == id {
			return m, true
		}
	}
	return MethodSignature{}, false
}

func (e Entry) clone() Entry {
	e.Methods = slices.Clone(e.Methods)
	sort.Slice(e.Methods, func(i, j int) bool { return e.Methods[i].ID < e.Methods[j].ID })
	return e
}

// Manifest 对端暴露的服务接口集合
//
// 创建后不可修改。对端重新协商时整体替换。
type Manifest struct {
	version uint64
	entries map[string]Entry
}

// New 创建清单，复制传入的条目
//
// 同一 InterfaceID 出现多次时以最后一次为准。
func New(version uint64, entries ...Entry) *Manifest {
	m := &Manifest{
		version: version,
		entries: make(map[string]Entry, len(entries)),
	}
	for _, e := range entries {
		m.entries[e.InterfaceID] = e.clone()
	}
	return m
}

// Empty 返回空清单
func Empty() *Manifest {
	return New(0)
}

// Version 返回清单版本
func (m *Manifest) Version() uint64 {
	if m == nil {
		return 0
	}
	return m.version
}

// Len 返回接口数
func (m *Manifest) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// Lookup 查找接口
func (m *Manifest) Lookup(interfaceID string) (Entry, bool) {
	if m == nil {
		return Entry{}, false
	}
	e, ok := m.entries[interfaceID]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Interfaces 返回按字典序排列的接口 ID
func (m *Manifest) Interfaces() []string {
	if m == nil {
		return nil
	}
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Entries 返回按接口 ID 排序的条目副本
func (m *Manifest) Entries() []Entry {
	ids := m.Interfaces()
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.entries[id].clone())
	}
	return out
}

// Equal 比较两个清单的内容（忽略版本）
func (m *Manifest) Equal(o *Manifest) bool {
	if m.Len() != o.Len() {
		return false
	}
	for id, e := range m.entries {
		oe, ok := o.entries[id]
		if !ok || !e.Equal(oe) {
			return false
		}
	}
	return true
}
