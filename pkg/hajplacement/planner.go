// Servers-of-happiness share placement: spreads the shares of an object over as many
// distinct servers as possible, preferring to reuse shares servers already hold.
package hajplacement

import (
	"container/heap"
	"fmt"
	"sort"

	"github.com/function61/hajautus/pkg/hajtypes"
	"github.com/samber/lo"
)

type Input struct {
	Servers         []hajtypes.ServerID                         `json:"servers"`
	ReadonlyServers []hajtypes.ServerID                         `json:"readonly_servers"`
	Shares          []hajtypes.ShareNumber                      `json:"shares"`
	ServerMap       map[hajtypes.ServerID][]hajtypes.ShareNumber `json:"servermap"` // shares each server already holds
}

type Result struct {
	Placement map[hajtypes.ShareNumber]hajtypes.ServerID `json:"placement"`
	// shares nobody can take: only possible if there are no writable servers
	Homeless []hajtypes.ShareNumber `json:"homeless"`
}

// number of distinct servers holding at least one share
func (r *Result) Happiness() int {
	return len(lo.Uniq(lo.Values(r.Placement)))
}

type Assignment struct {
	Share  hajtypes.ShareNumber `json:"share"`
	Server hajtypes.ServerID    `json:"server"`
}

// placement ordered by share number
func (r *Result) Assignments() []Assignment {
	shares := lo.Keys(r.Placement)
	sortShares(shares)

	return lo.Map(shares, func(share hajtypes.ShareNumber, _ int) Assignment {
		return Assignment{Share: share, Server: r.Placement[share]}
	})
}

// raised for inputs that cannot come from a consistent view of the grid
type InvariantError struct {
	Reason string
}

func (e *InvariantError) Error() string {
	return "placement invariant violated: " + e.Reason
}

// pure function: same input gives the same result
func Plan(input Input) (*Result, error) {
	if err := validate(input); err != nil {
		return nil, err
	}

	servers := lo.Uniq(input.Servers)
	hajtypes.SortServerIDs(servers)

	shares := lo.Uniq(input.Shares)
	sortShares(shares)

	isReadonly := lo.Associate(input.ReadonlyServers, func(id hajtypes.ServerID) (hajtypes.ServerID, bool) {
		return id, true
	})

	holds := func(server hajtypes.ServerID, share hajtypes.ShareNumber) bool {
		return lo.Contains(input.ServerMap[server], share)
	}

	writable := lo.Filter(servers, func(id hajtypes.ServerID, _ int) bool { return !isReadonly[id] })
	readonly := lo.Filter(servers, func(id hajtypes.ServerID, _ int) bool { return isReadonly[id] })

	placement := map[hajtypes.ShareNumber]hajtypes.ServerID{}

	usedServers := map[hajtypes.ServerID]bool{}

	record := func(matching map[hajtypes.ShareNumber]hajtypes.ServerID) {
		for share, server := range matching {
			placement[share] = server
			usedServers[server] = true
		}
	}

	unplacedShares := func() []hajtypes.ShareNumber {
		return lo.Filter(shares, func(share hajtypes.ShareNumber, _ int) bool {
			_, placed := placement[share]
			return !placed
		})
	}

	unusedWritable := func() []hajtypes.ServerID {
		return lo.Filter(writable, func(id hajtypes.ServerID, _ int) bool { return !usedServers[id] })
	}

	// 1) readonly servers keep what they have
	record(maximumMatching(readonly, shares, holds))

	// 2) writable servers reuse what they have
	record(maximumMatching(unusedWritable(), unplacedShares(), holds))

	// 3) fresh placement: any remaining writable server can take any remaining share
	record(maximumMatching(unusedWritable(), unplacedShares(), func(hajtypes.ServerID, hajtypes.ShareNumber) bool {
		return true
	}))

	homeless := distributeHomeless(unplacedShares(), placement, servers, writable, holds)

	return &Result{
		Placement: placement,
		Homeless:  homeless,
	}, nil
}

// shares that some server already holds go back there (it'll just renew the lease).
// rest are spread over writable servers, least loaded first. returns shares that could not be placed
func distributeHomeless(
	homeless []hajtypes.ShareNumber,
	placement map[hajtypes.ShareNumber]hajtypes.ServerID,
	servers []hajtypes.ServerID, // sorted
	writable []hajtypes.ServerID, // sorted
	holds func(hajtypes.ServerID, hajtypes.ShareNumber) bool,
) []hajtypes.ShareNumber {
	trulyHomeless := []hajtypes.ShareNumber{}

	for _, share := range homeless {
		holder, found := lo.Find(servers, func(server hajtypes.ServerID) bool {
			return holds(server, share)
		})
		if found {
			placement[share] = holder
		} else {
			trulyHomeless = append(trulyHomeless, share)
		}
	}

	if len(writable) == 0 {
		return trulyHomeless
	}

	loads := &serverLoads{}
	for _, server := range writable {
		*loads = append(*loads, serverLoad{
			server: server,
			load: len(lo.PickBy(placement, func(_ hajtypes.ShareNumber, holder hajtypes.ServerID) bool {
				return holder == server
			})),
		})
	}
	heap.Init(loads)

	for _, share := range trulyHomeless {
		leastLoaded := heap.Pop(loads).(serverLoad)

		placement[share] = leastLoaded.server

		leastLoaded.load++
		heap.Push(loads, leastLoaded)
	}

	return []hajtypes.ShareNumber{}
}

// server->share maximum bipartite matching, solved as unit-capacity max flow.
// node ids: source=0, servers 1..S, shares S+1..S+H, sink=S+H+1
func maximumMatching(
	servers []hajtypes.ServerID,
	shares []hajtypes.ShareNumber,
	isCandidate func(hajtypes.ServerID, hajtypes.ShareNumber) bool,
) map[hajtypes.ShareNumber]hajtypes.ServerID {
	source := 0
	serverNode := func(i int) int { return 1 + i }
	shareNode := func(i int) int { return 1 + len(servers) + i }
	sink := 1 + len(servers) + len(shares)

	network := newFlowNetwork(sink + 1)

	for i, server := range servers {
		network.addEdge(source, serverNode(i), 1)

		for j, share := range shares {
			if isCandidate(server, share) {
				network.addEdge(serverNode(i), shareNode(j), 1)
			}
		}
	}

	for j := range shares {
		network.addEdge(shareNode(j), sink, 1)
	}

	network.maxFlow(source, sink)

	matching := map[hajtypes.ShareNumber]hajtypes.ServerID{}
	for i, server := range servers {
		for j, share := range shares {
			if network.flowOn(serverNode(i), shareNode(j)) > 0 {
				matching[share] = server
			}
		}
	}

	return matching
}

func validate(input Input) error {
	isServer := lo.Associate(input.Servers, func(id hajtypes.ServerID) (hajtypes.ServerID, bool) {
		return id, true
	})

	for _, share := range input.Shares {
		if share < 0 {
			return &InvariantError{fmt.Sprintf("negative share number %d", share)}
		}
	}

	for _, readonly := range input.ReadonlyServers {
		if !isServer[readonly] {
			return &InvariantError{fmt.Sprintf("readonly server %s not in servers", readonly)}
		}
	}

	// sorted for deterministic error messages
	mapped := lo.Keys(input.ServerMap)
	hajtypes.SortServerIDs(mapped)

	for _, server := range mapped {
		if !isServer[server] {
			return &InvariantError{fmt.Sprintf("servermap server %s not in servers", server)}
		}

		for _, share := range input.ServerMap[server] {
			if !lo.Contains(input.Shares, share) {
				return &InvariantError{fmt.Sprintf("servermap share %d (on %s) not in shares", share, server)}
			}
		}
	}

	return nil
}

func sortShares(shares []hajtypes.ShareNumber) {
	sort.Slice(shares, func(i, j int) bool { return shares[i] < shares[j] })
}

type serverLoad struct {
	server hajtypes.ServerID
	load   int
}

// min-heap on (load, server id)
type serverLoads []serverLoad

func (s serverLoads) Len() int { return len(s) }
func (s serverLoads) Less(i, j int) bool {
	if s[i].load != s[j].load {
		return s[i].load < s[j].load
	}
	return s[i].server < s[j].server
}
func (s serverLoads) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s *serverLoads) Push(x any)   { *s = append(*s, x.(serverLoad)) }
func (s *serverLoads) Pop() any {
	old := *s
	item := old[len(old)-1]
	*s = old[:len(old)-1]
	return item
}
