// Package selector turns a chain configuration and a health snapshot into an
// ordered list of upstream candidates. It holds no state and performs no IO;
// callers re-run it per request against the current snapshot.
package selector

import (
	"sort"

	"github.com/ruocuoguo23/chain-proxy/healthmanager"
	"github.com/ruocuoguo23/chain-proxy/params"
)

// Candidates returns the nodes to try for the given method, best first.
//
// A method with a configured override uses the override's node list instead
// of the chain default. Unhealthy nodes are filtered out; if that leaves
// nothing, the unfiltered list is returned so a stale or empty snapshot
// degrades to priority routing rather than a hard failure. Ordering is by
// descending Priority and stable, so equal-priority nodes keep their
// configuration order.
func Candidates(chain *params.ChainConfig, method string, snap *healthmanager.Snapshot) []params.NodeConfig {
	base := chain.Nodes
	if sm, ok := chain.SpecialMethod(method); ok {
		base = sm.Nodes
	}

	ordered := make([]params.NodeConfig, len(base))
	copy(ordered, base)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	healthy := make([]params.NodeConfig, 0, len(ordered))
	for _, n := range ordered {
		if snap.IsHealthy(n.Address) {
			healthy = append(healthy, n)
		}
	}
	if len(healthy) == 0 {
		return ordered
	}
	return healthy
}
