package manifest

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(iface, impl string) Entry {
	return Entry{
		InterfaceID:      iface,
		ImplementationID: impl,
		Methods:          []MethodSignature{{ID: 1, Name: "Get"}},
	}
}

// TestMerger_Commutative 测试合并顺序无关
func TestMerger_Commutative(t *testing.T) {
	a := New(1, entry("Inventory", "InventoryGrain"), entry("Chat", "ChatGrain"))
	b := New(1, entry("Chat", "ChatGrain"), entry("Zone", "ZoneGrain"))

	ab := NewMerger(nil)
	ab.Update("server-a", a)
	ab.Update("server-b", b)

	ba := NewMerger(nil)
	ba.Update("server-b", b)
	ba.Update("server-a", a)

	assert.True(t, ab.View().SameContent(ba.View()))
	assert.Equal(t, 3, ab.View().Len())

	r, ok := ab.View().Lookup("Chat")
	require.True(t, ok)
	assert.False(t, r.Conflict)
	assert.Equal(t, "server-a", r.Source)
	assert.Equal(t, []string{"server-a", "server-b"}, r.Sources)
}

// TestMerger_Idempotent 测试重复合并同一清单不改变内容
func TestMerger_Idempotent(t *testing.T) {
	a := New(1, entry("Inventory", "InventoryGrain"))

	m := NewMerger(nil)
	m.Update("server-a", a)
	first := m.View()
	m.Update("server-a", a)

	assert.True(t, first.SameContent(m.View()))
}

// TestMerger_LastWriteWins 测试冲突时最近更新获胜并通知
func TestMerger_LastWriteWins(t *testing.T) {
	m := NewMerger(LastWriteWins{})

	var conflicts []string
	m.OnConflict(func(id string, chosen Candidate, _ []Candidate) {
		conflicts = append(conflicts, id+"="+chosen.Source)
	})

	m.Update("server-a", New(1, entry("Zone", "ZoneGrainV1")))
	m.Update("server-b", New(1, entry("Zone", "ZoneGrainV2")))

	r, ok := m.View().Lookup("Zone")
	require.True(t, ok)
	assert.True(t, r.Conflict)
	assert.Equal(t, "server-b", r.Source)
	assert.Equal(t, "ZoneGrainV2", r.Entry.ImplementationID)

	// server-a 重新协商后成为最近更新者
	m.Update("server-a", New(2, entry("Zone", "ZoneGrainV1")))
	r, _ = m.View().Lookup("Zone")
	assert.Equal(t, "server-a", r.Source)

	assert.Equal(t, []string{"Zone=server-b", "Zone=server-a"}, conflicts)
}

// TestMerger_FirstWriteWins 测试可配置的冲突策略
func TestMerger_FirstWriteWins(t *testing.T) {
	m := NewMerger(FirstWriteWins{})
	m.Update("server-a", New(1, entry("Zone", "V1")))
	m.Update("server-b", New(1, entry("Zone", "V2")))

	r, _ := m.View().Lookup("Zone")
	assert.Equal(t, "server-a", r.Source)
}

// TestMerger_PreferPrimary 测试主连接优先策略
func TestMerger_PreferPrimary(t *testing.T) {
	m := NewMerger(PreferPrimary{})
	m.Update("server-a", New(1, entry("Zone", "V1")))
	m.Update("server-b", New(1, entry("Zone", "V2")))

	m.SetPrimary("server-a")
	r, _ := m.View().Lookup("Zone")
	assert.Equal(t, "server-a", r.Source)

	m.SetPrimary("server-b")
	r, _ = m.View().Lookup("Zone")
	assert.Equal(t, "server-b", r.Source)
}

// TestMerger_IncrementalAffected 测试只重算受影响的接口
func TestMerger_IncrementalAffected(t *testing.T) {
	m := NewMerger(nil)
	m.Update("server-a", New(1, entry("A", "a")))
	m.Update("server-b", New(1, entry("B", "b")))

	affected := m.Update("server-c", New(1, entry("C", "c")))
	assert.Equal(t, []string{"C"}, affected)

	affected = m.Update("server-a", New(2, entry("A2", "a")))
	assert.Equal(t, []string{"A", "A2"}, affected)

	_, ok := m.View().Lookup("A")
	assert.False(t, ok)
}

// TestMerger_Remove 测试移除来源
func TestMerger_Remove(t *testing.T) {
	m := NewMerger(nil)
	m.Update("server-a", New(1, entry("Shared", "x"), entry("OnlyA", "a")))
	m.Update("server-b", New(1, entry("Shared", "x")))

	m.Remove("server-a")

	_, ok := m.View().Lookup("OnlyA")
	assert.False(t, ok)

	r, ok := m.View().Lookup("Shared")
	require.True(t, ok)
	assert.Equal(t, []string{"server-b"}, r.Sources)

	assert.Nil(t, m.Remove("server-a"))
	assert.Equal(t, 1, m.Sources())
}

// TestMerger_SnapshotIsolation 测试旧快照不受后续更新影响
func TestMerger_SnapshotIsolation(t *testing.T) {
	m := NewMerger(nil)
	m.Update("server-a", New(1, entry("A", "a")))

	snap := m.View()
	m.Update("server-b", New(1, entry("B", "b")))
	m.Remove("server-a")

	assert.Equal(t, 1, snap.Len())
	_, ok := snap.Lookup("A")
	assert.True(t, ok)
	assert.Greater(t, m.View().Generation(), snap.Generation())
}

// TestMerger_CopiesOnlyAffectedShards 测试更新只复制受影响的分片
func TestMerger_CopiesOnlyAffectedShards(t *testing.T) {
	m := NewMerger(nil)
	for s := 0; s < 10; s++ {
		entries := make([]Entry, 0, 50)
		for i := 0; i < 50; i++ {
			entries = append(entries, entry(fmt.Sprintf("iface-%d-%d", s, i), "impl"))
		}
		m.Update(fmt.Sprintf("server-%d", s), New(1, entries...))
	}
	before := m.View()
	require.Equal(t, 500, before.Len())

	m.Update("server-x", New(1, entry("solo", "solo.v1")))
	after := m.View()
	assert.Equal(t, 501, after.Len())

	for i := range viewShards {
		same := reflect.ValueOf(before.shards[i]).Pointer() == reflect.ValueOf(after.shards[i]).Pointer()
		assert.Equal(t, i != shardOf("solo"), same, "shard %d", i)
	}
	_, ok := before.Lookup("solo")
	assert.False(t, ok, "旧快照不受影响")
	r, ok := after.Lookup("solo")
	require.True(t, ok)
	assert.Equal(t, "server-x", r.Source)

	m.Remove("server-9")
	assert.Equal(t, 451, m.View().Len())
	assert.Len(t, m.View().Interfaces(), 451)
}

// TestPolicyByName 测试策略查找
func TestPolicyByName(t *testing.T) {
	p, err := PolicyByName("prefer-primary")
	require.NoError(t, err)
	assert.Equal(t, "prefer-primary", p.Name())

	_, err = PolicyByName("coin-flip")
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}

// TestManifest_Immutable 测试清单复制传入数据
func TestManifest_Immutable(t *testing.T) {
	e := entry("A", "a")
	m := New(3, e)
	e.Methods[0].Name = "Mutated"

	got, ok := m.Lookup("A")
	require.True(t, ok)
	assert.Equal(t, "Get", got.Methods[0].Name)
	assert.Equal(t, uint64(3), m.Version())
	assert.True(t, m.Equal(New(9, entry("A", "a"))))
}
