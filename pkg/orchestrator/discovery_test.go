package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decisions(pairs ...string) []JunctionDecision {
	var result []JunctionDecision
	for i := 0; i+1 < len(pairs); i += 2 {
		result = append(result, JunctionDecision{Field: pairs[i], Value: pairs[i+1]})
	}
	return result
}

func TestRecordJunctionMergesValuesInDeclarationOrder(t *testing.T) {
	explorer := NewPathExplorer()

	assert.True(t, explorer.RecordJunction("country", "#country", []string{"US", "CA"}))
	// 重复登记不算首次发现，新取值追加在已有顺序之后
	assert.False(t, explorer.RecordJunction("country", "#country", []string{"CA", "MX"}))
	assert.False(t, explorer.RecordJunction("", "#none", []string{"x"}))

	points := explorer.Junctions()
	require.Len(t, points, 1)
	assert.Equal(t, []string{"US", "CA", "MX"}, points[0].Values)
	assert.Equal(t, "#country", points[0].Selector)
}

func TestNextCombinationFollowsDiscoveryThenDeclarationOrder(t *testing.T) {
	explorer := NewPathExplorer()
	explorer.RecordJunction("country", "#country", []string{"US", "CA"})
	explorer.RecordJunction("shipping", "#shipping", []string{"standard", "express"})

	// 默认路径走了 US + standard
	explorer.RecordPath(decisions("country", "US", "shipping", "standard"))

	next, ok := explorer.NextCombination()
	require.True(t, ok)
	assert.Equal(t, decisions("country", "CA"), stripSelectors(next))

	next, ok = explorer.NextCombination()
	require.True(t, ok)
	// shipping 首次出现在默认路径里，重放前缀是它前面的决策
	assert.Equal(t, decisions("country", "US", "shipping", "express"), stripSelectors(next))

	_, ok = explorer.NextCombination()
	assert.False(t, ok)
	assert.False(t, explorer.HasUnexplored())
}

func stripSelectors(in []JunctionDecision) []JunctionDecision {
	out := make([]JunctionDecision, 0, len(in))
	for _, d := range in {
		out = append(out, JunctionDecision{Field: d.Field, Value: d.Value})
	}
	return out
}

func TestNextCombinationNeverRepeatsASignature(t *testing.T) {
	explorer := NewPathExplorer()
	explorer.RecordJunction("plan", "#plan", []string{"free", "pro", "team"})
	explorer.RecordPath(decisions("plan", "free"))

	seen := map[string]bool{SignatureOf(decisions("plan", "free")): true}
	for {
		combo, ok := explorer.NextCombination()
		if !ok {
			break
		}
		sig := SignatureOf(combo)
		assert.False(t, seen[sig], "combination handed out twice: %q", sig)
		seen[sig] = true
		explorer.RecordPath(combo)
	}
	assert.Len(t, seen, 3)
}

func TestRecordPathDeduplicatesEquivalentSequences(t *testing.T) {
	explorer := NewPathExplorer()
	explorer.RecordJunction("country", "#country", []string{"US", "CA"})
	explorer.RecordPath(decisions("country", "US"))

	// 等价序列已物化过：对应取值被消费而不是再次给出
	explorer.explored[SignatureOf(decisions("country", "CA"))] = true
	_, ok := explorer.NextCombination()
	assert.False(t, ok)
	assert.False(t, explorer.HasUnexplored())
}

func TestExplorerRebuildsFromRecordedPaths(t *testing.T) {
	// 模拟崩溃恢复：用持久化的分支点与已探索路径重建，续探顺序不变
	fresh := NewPathExplorer()
	fresh.RecordJunction("country", "#country", []string{"US", "CA", "MX"})
	fresh.RecordPath(decisions("country", "US"))
	first, ok := fresh.NextCombination()
	require.True(t, ok)
	fresh.RecordPath(first)

	rebuilt := NewPathExplorer()
	rebuilt.RecordJunction("country", "#country", []string{"US", "CA", "MX"})
	rebuilt.RecordPath(decisions("country", "US"))
	rebuilt.RecordPath(stripSelectors(first))

	next, ok := rebuilt.NextCombination()
	require.True(t, ok)
	assert.Equal(t, decisions("country", "MX"), stripSelectors(next))

	_, ok = rebuilt.NextCombination()
	assert.False(t, ok)
}

func TestHasUnexploredTracksRemainingValues(t *testing.T) {
	explorer := NewPathExplorer()
	assert.False(t, explorer.HasUnexplored())

	explorer.RecordJunction("country", "#country", []string{"US"})
	assert.True(t, explorer.HasUnexplored())

	explorer.RecordPath(decisions("country", "US"))
	assert.False(t, explorer.HasUnexplored())

	// 后来揭示的新取值重新打开探索
	explorer.RecordJunction("country", "#country", []string{"CA"})
	assert.True(t, explorer.HasUnexplored())
}
