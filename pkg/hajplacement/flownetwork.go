package hajplacement

import (
	"sort"
)

type edge struct {
	from int
	to   int
}

// directed flow network over integer node ids, with residual capacities for the
// back-edges Edmonds-Karp needs
type flowNetwork struct {
	neighbours [][]int // forward + reverse, sorted before solving for deterministic BFS
	capacity   map[edge]int
	residual   map[edge]int
}

func newFlowNetwork(numNodes int) *flowNetwork {
	return &flowNetwork{
		neighbours: make([][]int, numNodes),
		capacity:   map[edge]int{},
		residual:   map[edge]int{},
	}
}

func (f *flowNetwork) addEdge(from int, to int, capacity int) {
	forward := edge{from, to}
	reverse := edge{to, from}

	if _, seen := f.residual[forward]; !seen {
		f.neighbours[from] = append(f.neighbours[from], to)
	}
	if _, seen := f.residual[reverse]; !seen {
		f.neighbours[to] = append(f.neighbours[to], from)
		f.residual[reverse] = 0
	}

	f.capacity[forward] += capacity
	f.residual[forward] += capacity
}

// Edmonds-Karp: augment along shortest paths (BFS) until none remain
func (f *flowNetwork) maxFlow(source int, sink int) int {
	for _, neighbours := range f.neighbours {
		sort.Ints(neighbours)
	}

	total := 0
	for {
		path := f.shortestAugmentingPath(source, sink)
		if path == nil {
			return total
		}

		bottleneck := -1
		for _, e := range path {
			if bottleneck == -1 || f.residual[e] < bottleneck {
				bottleneck = f.residual[e]
			}
		}

		for _, e := range path {
			f.residual[e] -= bottleneck
			f.residual[edge{e.to, e.from}] += bottleneck
		}

		total += bottleneck
	}
}

// flow currently pushed through an original (forward) edge
func (f *flowNetwork) flowOn(from int, to int) int {
	e := edge{from, to}

	capacity, isForward := f.capacity[e]
	if !isForward {
		return 0
	}

	return capacity - f.residual[e]
}

// returns edges of path from source to sink, or nil if sink is unreachable in the residual graph
func (f *flowNetwork) shortestAugmentingPath(source int, sink int) []edge {
	parent := make([]int, len(f.neighbours))
	for i := range parent {
		parent[i] = -1
	}
	parent[source] = source

	queue := []int{source}
	for len(queue) > 0 && parent[sink] == -1 {
		node := queue[0]
		queue = queue[1:]

		for _, next := range f.neighbours[node] {
			if parent[next] != -1 || f.residual[edge{node, next}] <= 0 {
				continue
			}

			parent[next] = node
			queue = append(queue, next)
		}
	}

	if parent[sink] == -1 {
		return nil
	}

	path := []edge{}
	for node := sink; node != source; node = parent[node] {
		path = append([]edge{{parent[node], node}}, path...)
	}

	return path
}
