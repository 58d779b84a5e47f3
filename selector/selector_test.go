package selector

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ruocuoguo23/chain-proxy/healthmanager"
	"github.com/ruocuoguo23/chain-proxy/params"
)

func snapshotOf(healthy ...string) *healthmanager.Snapshot {
	snap := &healthmanager.Snapshot{Nodes: make(map[string]healthmanager.NodeHealth)}
	for _, addr := range healthy {
		snap.Nodes[addr] = healthmanager.NodeHealth{Address: addr, Healthy: true}
	}
	return snap
}

func testChain() *params.ChainConfig {
	return &params.ChainConfig{
		Name:     "eth",
		Protocol: params.ProtocolJSONRPC,
		Nodes: []params.NodeConfig{
			{Address: "http://a.example", Priority: 10},
			{Address: "http://b.example", Priority: 5},
			{Address: "http://c.example", Priority: 5},
		},
		SpecialMethods: []params.SpecialMethodConfig{{
			MethodName: "eth_getLogs",
			Nodes: []params.NodeConfig{
				{Address: "http://archive.example", Priority: 1},
			},
		}},
	}
}

func addresses(nodes []params.NodeConfig) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Address
	}
	return out
}

func TestCandidatesOrdersByPriority(t *testing.T) {
	chain := testChain()
	snap := snapshotOf("http://a.example", "http://b.example", "http://c.example")

	got := Candidates(chain, "eth_call", snap)
	require.Equal(t, []string{"http://a.example", "http://b.example", "http://c.example"}, addresses(got))
}

func TestCandidatesStableForEqualPriority(t *testing.T) {
	chain := testChain()
	snap := snapshotOf("http://b.example", "http://c.example")

	got := Candidates(chain, "eth_call", snap)
	// b before c: same priority, configuration order preserved.
	require.Equal(t, []string{"http://b.example", "http://c.example"}, addresses(got))
}

func TestCandidatesFiltersUnhealthy(t *testing.T) {
	chain := testChain()
	snap := snapshotOf("http://c.example")

	got := Candidates(chain, "eth_call", snap)
	require.Equal(t, []string{"http://c.example"}, addresses(got))
}

func TestCandidatesFallsBackWhenAllUnhealthy(t *testing.T) {
	chain := testChain()

	got := Candidates(chain, "eth_call", snapshotOf())
	require.Equal(t, []string{"http://a.example", "http://b.example", "http://c.example"}, addresses(got))
}

func TestCandidatesNilSnapshot(t *testing.T) {
	chain := testChain()

	got := Candidates(chain, "eth_call", nil)
	require.Equal(t, []string{"http://a.example", "http://b.example", "http://c.example"}, addresses(got))
}

func TestCandidatesMethodOverride(t *testing.T) {
	chain := testChain()
	snap := snapshotOf("http://a.example", "http://archive.example")

	got := Candidates(chain, "eth_getLogs", snap)
	require.Equal(t, []string{"http://archive.example"}, addresses(got))
}

func TestCandidatesOverrideMatchIsExact(t *testing.T) {
	chain := testChain()
	snap := snapshotOf("http://a.example", "http://archive.example")

	got := Candidates(chain, "eth_getlogs", snap)
	require.Equal(t, "http://a.example", got[0].Address)
}

func TestCandidatesOverrideUnhealthyFallsBackToOverrideList(t *testing.T) {
	chain := testChain()
	// Override node is down; the override list is still authoritative for
	// the method, so it is returned unfiltered rather than mixing in the
	// chain defaults.
	snap := snapshotOf("http://a.example")

	got := Candidates(chain, "eth_getLogs", snap)
	require.Equal(t, []string{"http://archive.example"}, addresses(got))
}

func TestCandidatesDoesNotMutateConfig(t *testing.T) {
	chain := &params.ChainConfig{
		Name: "eth",
		Nodes: []params.NodeConfig{
			{Address: "http://low.example", Priority: 1},
			{Address: "http://high.example", Priority: 2},
		},
	}
	snap := snapshotOf("http://low.example", "http://high.example")

	got := Candidates(chain, "", snap)
	require.Equal(t, "http://high.example", got[0].Address)
	require.Equal(t, "http://low.example", chain.Nodes[0].Address)
}
