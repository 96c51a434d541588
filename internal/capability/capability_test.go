package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddReportsOnlyNewlyAddedCapabilities(t *testing.T) {
	idx := New()
	added := idx.Add("node-1", []string{"compute", "gpu"})
	assert.ElementsMatch(t, []string{"compute", "gpu"}, added)

	added = idx.Add("node-1", []string{"gpu", "storage"})
	assert.Equal(t, []string{"storage"}, added)
}

func TestLookupMatchAllRequiresEveryCapability(t *testing.T) {
	idx := New()
	idx.Add("node-1", []string{"compute", "gpu"})
	idx.Add("node-2", []string{"compute"})

	out := idx.Lookup([]string{"compute", "gpu"}, MatchAll)
	assert.Equal(t, []string{"node-1"}, out)
}

func TestLookupMatchAnyRequiresAtLeastOneCapability(t *testing.T) {
	idx := New()
	idx.Add("node-1", []string{"compute"})
	idx.Add("node-2", []string{"gpu"})
	idx.Add("node-3", []string{"storage"})

	out := idx.Lookup([]string{"compute", "gpu"}, MatchAny)
	assert.ElementsMatch(t, []string{"node-1", "node-2"}, out)
}

func TestLookupEmptyCapabilitiesBoundary(t *testing.T) {
	idx := New()
	idx.Add("node-1", []string{"compute"})
	idx.Add("node-2", []string{"gpu"})

	assert.ElementsMatch(t, []string{"node-1", "node-2"}, idx.Lookup(nil, MatchAll))
	assert.Nil(t, idx.Lookup(nil, MatchAny))
}

func TestReplaceReportsAddedAndRemoved(t *testing.T) {
	idx := New()
	idx.Add("node-1", []string{"compute", "gpu"})

	removed, added := idx.Replace("node-1", []string{"gpu", "storage"})
	assert.Equal(t, []string{"compute"}, removed)
	assert.Equal(t, []string{"storage"}, added)
	assert.ElementsMatch(t, []string{"gpu", "storage"}, idx.NodeCapabilities("node-1"))
}

func TestRemoveDropsNodeFromEveryCapabilitySet(t *testing.T) {
	idx := New()
	idx.Add("node-1", []string{"compute", "gpu"})
	idx.Add("node-2", []string{"compute"})

	idx.Remove("node-1")

	assert.Empty(t, idx.NodeCapabilities("node-1"))
	assert.Equal(t, []string{"node-2"}, idx.Lookup([]string{"compute"}, MatchAll))
	assert.Nil(t, idx.Lookup([]string{"gpu"}, MatchAll))
}

func TestIndexAndRegistryStayConsistentAcrossMutations(t *testing.T) {
	idx := New()
	idx.Add("node-1", []string{"compute"})
	idx.Replace("node-1", []string{"compute", "gpu"})
	idx.Replace("node-1", []string{"gpu"})

	assert.Equal(t, []string{"gpu"}, idx.NodeCapabilities("node-1"))
	assert.Nil(t, idx.Lookup([]string{"compute"}, MatchAll))
	assert.Equal(t, []string{"node-1"}, idx.Lookup([]string{"gpu"}, MatchAll))

	idx.Remove("node-1")
	assert.Empty(t, idx.NodeCapabilities("node-1"))
	stats := idx.Stats()
	assert.Equal(t, 0, stats.TotalNodes)
}

func TestStatsRanksMostCommonCapabilities(t *testing.T) {
	idx := New()
	idx.Add("node-1", []string{"compute"})
	idx.Add("node-2", []string{"compute"})
	idx.Add("node-3", []string{"gpu"})

	stats := idx.Stats()
	assert.Equal(t, 3, stats.TotalNodes)
	assert.Equal(t, 2, stats.CapabilityCounts["compute"])
	mostCommon := stats.MostCommon
	assert.Equal(t, "compute", mostCommon[0].Capability)
	assert.Equal(t, 2, mostCommon[0].Count)
}

func TestValidateWellFormedAndStandardVocabulary(t *testing.T) {
	wellFormed, isStandard := Validate("compute")
	assert.True(t, wellFormed)
	assert.True(t, isStandard)

	wellFormed, isStandard = Validate("my_custom_tag")
	assert.True(t, wellFormed)
	assert.False(t, isStandard)

	wellFormed, isStandard = Validate("")
	assert.False(t, wellFormed)
	assert.False(t, isStandard)
}
