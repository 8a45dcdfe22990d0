package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshpay/connector/internal/packet"
)

func TestLongestPrefixLookup(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.Insert(Route{Prefix: "g", NextHop: "peer-root", Source: SourceStatic}))
	require.NoError(t, tbl.Insert(Route{Prefix: "g.workflow", NextHop: "peer-b", Source: SourceStatic}))
	require.NoError(t, tbl.Insert(Route{Prefix: "g.workflow.resize", NextHop: "peer-c", Source: SourceStatic}))

	hop, ok := tbl.Lookup("g.workflow.resize.watermark")
	require.True(t, ok)
	assert.Equal(t, "peer-c", hop)

	hop, ok = tbl.Lookup("g.workflow.crop")
	require.True(t, ok)
	assert.Equal(t, "peer-b", hop)

	hop, ok = tbl.Lookup("g.other")
	require.True(t, ok)
	assert.Equal(t, "peer-root", hop)

	_, ok = tbl.Lookup("x.unknown")
	assert.False(t, ok)
}

func TestNoImplicitDefaultRoute(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.Insert(Route{Prefix: "g.workflow", NextHop: "peer-b", Source: SourceStatic}))

	_, ok := tbl.Lookup("g.unknown")
	assert.False(t, ok)

	// Segment-boundary matching: g.work is not a prefix of g.workflow.
	_, ok = tbl.Lookup("g.workflowx")
	assert.False(t, ok)
}

func TestStaticDominatesFollowGraph(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.Insert(Route{Prefix: "g.workflow", NextHop: "gossiped", Source: SourceFollowGraph}))
	require.NoError(t, tbl.Insert(Route{Prefix: "g.workflow", NextHop: "configured", Source: SourceStatic}))

	hop, ok := tbl.Lookup("g.workflow.resize")
	require.True(t, ok)
	assert.Equal(t, "configured", hop)

	// Removing the static route exposes the follow-graph one.
	tbl.Remove("g.workflow", SourceStatic)
	hop, ok = tbl.Lookup("g.workflow.resize")
	require.True(t, ok)
	assert.Equal(t, "gossiped", hop)
}

func TestInsertReplacesByPrefixAndSource(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.Insert(Route{Prefix: "g.a", NextHop: "one", Source: SourceStatic}))
	require.NoError(t, tbl.Insert(Route{Prefix: "g.a", NextHop: "two", Source: SourceStatic}))

	assert.Equal(t, 1, tbl.Len())
	hop, _ := tbl.Lookup("g.a.x")
	assert.Equal(t, "two", hop)
}

func TestLookupDeterminism(t *testing.T) {
	// Two tables fed the same routes in the same order must agree on
	// every lookup, including equal-length tie-breaks by insertion order.
	routes := []Route{
		{Prefix: "g.pay", NextHop: "first", Source: SourceFollowGraph},
		{Prefix: "g.pay", NextHop: "second", Source: SourceFollowGraph}, // replaced, keeps slot
		{Prefix: "g.ship", NextHop: "third", Source: SourceFollowGraph},
	}

	a, b := NewTable(), NewTable()
	for _, r := range routes {
		require.NoError(t, a.Insert(r))
		require.NoError(t, b.Insert(r))
	}

	for _, addr := range []packet.Address{"g.pay.x", "g.ship.y"} {
		ha, oka := a.Lookup(addr)
		hb, okb := b.Lookup(addr)
		assert.Equal(t, oka, okb)
		assert.Equal(t, ha, hb)
	}
}

func TestReplaceSource(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.Insert(Route{Prefix: "g.static", NextHop: "s", Source: SourceStatic}))
	require.NoError(t, tbl.Insert(Route{Prefix: "g.old", NextHop: "o", Source: SourceFollowGraph}))

	require.NoError(t, tbl.ReplaceSource(SourceFollowGraph, []Route{
		{Prefix: "g.new", NextHop: "n"},
	}))

	_, ok := tbl.Lookup("g.old.x")
	assert.False(t, ok)
	hop, ok := tbl.Lookup("g.new.x")
	require.True(t, ok)
	assert.Equal(t, "n", hop)
	hop, ok = tbl.Lookup("g.static.x")
	require.True(t, ok)
	assert.Equal(t, "s", hop)
}

func TestValidateReachability(t *testing.T) {
	topo := Topology{
		"node-a": {"node-b"},
		"node-b": {"node-c"},
		"node-c": {},
	}

	tbl := NewTable()
	require.NoError(t, tbl.Insert(Route{Prefix: "g.ok", NextHop: "node-b", Source: SourceStatic}))
	require.NoError(t, tbl.Insert(Route{Prefix: "g.far", NextHop: "node-c", Source: SourceStatic}))
	require.NoError(t, tbl.Insert(Route{Prefix: "g.ghost", NextHop: "node-x", Source: SourceStatic}))

	warnings, errs := tbl.ValidateReachability("node-a", topo)

	// node-c exists but is not a peer of node-a: warning.
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "node-c")

	// node-x does not exist at all: error.
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "node-x")
}

func TestDetectDisconnected(t *testing.T) {
	topo := Topology{
		"node-a": {"node-b"},
		"node-b": {},
		"node-c": {},
	}
	assert.Equal(t, []string{"node-b", "node-c"}, DetectDisconnected(topo))
}
