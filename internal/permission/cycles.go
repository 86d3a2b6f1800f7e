package permission

import (
	"slices"
	"strings"
)

// Graph is the directed delegation graph of a configuration. Edges follow
// configuration order so traversal results are deterministic.
type Graph struct {
	nodes []string
	edges map[string][]string
}

// BuildGraph derives the delegation graph: All links to every other agent,
// Specific links to the listed names that exist, None links nowhere.
func BuildGraph(cfg *Configuration) *Graph {
	g := &Graph{edges: make(map[string][]string, len(cfg.Agents))}
	known := make(map[string]bool, len(cfg.Agents))
	for _, a := range cfg.Agents {
		if known[a.Name] {
			continue
		}
		known[a.Name] = true
		g.nodes = append(g.nodes, a.Name)
	}

	for _, a := range cfg.Agents {
		if _, done := g.edges[a.Name]; done {
			continue
		}
		var out []string
		switch a.DelegationPolicy.Kind {
		case PolicyAll:
			for _, n := range g.nodes {
				if n != a.Name {
					out = append(out, n)
				}
			}
		case PolicySpecific:
			for _, t := range a.DelegationPolicy.Targets {
				if t != a.Name && known[t] && !slices.Contains(out, t) {
					out = append(out, t)
				}
			}
		}
		g.edges[a.Name] = out
	}
	return g
}

// Nodes returns the agent names in the graph.
func (g *Graph) Nodes() []string { return slices.Clone(g.nodes) }

// Edges returns the outgoing edges of name.
func (g *Graph) Edges(name string) []string { return slices.Clone(g.edges[name]) }

// Cycles runs a depth-first search from every unvisited node keeping an
// explicit stack of the current path. Reaching a node that is still on the
// stack records the path from that node's position to the current node.
// Every distinct cycle found this way is returned, each listed once
// regardless of the node it was entered from.
//
// The search skips visited nodes, so it can miss cycles. Any strongly
// connected component that no recorded cycle spans is added as a closed
// tour through all of its members, which may repeat a node. Every agent on
// any cycle therefore appears together with the rest of that cycle in at
// least one result.
func (g *Graph) Cycles() [][]string {
	var (
		visited = make(map[string]bool, len(g.nodes))
		onStack = make(map[string]int, len(g.nodes))
		stack   []string
		seen    = make(map[string]bool)
		cycles  [][]string
	)

	var visit func(n string)
	visit = func(n string) {
		visited[n] = true
		onStack[n] = len(stack)
		stack = append(stack, n)

		for _, next := range g.edges[n] {
			if pos, ok := onStack[next]; ok {
				cycle := slices.Clone(stack[pos:])
				key := cycleKey(cycle)
				if !seen[key] {
					seen[key] = true
					cycles = append(cycles, cycle)
				}
				continue
			}
			if !visited[next] {
				visit(next)
			}
		}

		stack = stack[:len(stack)-1]
		delete(onStack, n)
	}

	for _, n := range g.nodes {
		if !visited[n] {
			visit(n)
		}
	}

	for _, comp := range g.components() {
		if len(comp) < 2 || slices.ContainsFunc(cycles, func(c []string) bool { return containsAll(c, comp) }) {
			continue
		}
		tour := g.tour(comp)
		if key := cycleKey(tour); !seen[key] {
			seen[key] = true
			cycles = append(cycles, tour)
		}
	}
	return cycles
}

// components returns the strongly connected components of g (Tarjan), each
// ordered like g.nodes.
func (g *Graph) components() [][]string {
	var (
		next    int
		index   = make(map[string]int, len(g.nodes))
		low     = make(map[string]int, len(g.nodes))
		onStack = make(map[string]bool, len(g.nodes))
		stack   []string
		out     [][]string
	)
	order := make(map[string]int, len(g.nodes))
	for i, n := range g.nodes {
		order[n] = i
	}

	var connect func(n string)
	connect = func(n string) {
		index[n], low[n] = next, next
		next++
		stack = append(stack, n)
		onStack[n] = true

		for _, m := range g.edges[n] {
			if _, ok := index[m]; !ok {
				connect(m)
				low[n] = min(low[n], low[m])
			} else if onStack[m] {
				low[n] = min(low[n], index[m])
			}
		}

		if low[n] != index[n] {
			return
		}
		var comp []string
		for {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[top] = false
			comp = append(comp, top)
			if top == n {
				break
			}
		}
		slices.SortFunc(comp, func(a, b string) int { return order[a] - order[b] })
		out = append(out, comp)
	}

	for _, n := range g.nodes {
		if _, ok := index[n]; !ok {
			connect(n)
		}
	}
	return out
}

// tour walks comp from its first member through every other member and back
// along shortest paths inside comp. The closing edge back to the first
// member is implied, as in every other cycle.
func (g *Graph) tour(comp []string) []string {
	start := comp[0]
	walk := []string{start}
	cur := start
	for _, target := range append(slices.Clone(comp[1:]), start) {
		if target != start && slices.Contains(walk, target) {
			continue
		}
		walk = append(walk, g.path(cur, target, comp)...)
		cur = target
	}
	return walk[:len(walk)-1]
}

// path returns the nodes after from up to and including to on a shortest
// path that stays inside within. from and to differ and are both in within,
// which is strongly connected.
func (g *Graph) path(from, to string, within []string) []string {
	prev := map[string]string{from: from}
	queue := []string{from}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if n == to {
			break
		}
		for _, m := range g.edges[n] {
			if _, ok := prev[m]; ok || !slices.Contains(within, m) {
				continue
			}
			prev[m] = n
			queue = append(queue, m)
		}
	}
	var out []string
	for n := to; n != from; n = prev[n] {
		out = append(out, n)
	}
	slices.Reverse(out)
	return out
}

func containsAll(cycle, members []string) bool {
	for _, m := range members {
		if !slices.Contains(cycle, m) {
			return false
		}
	}
	return true
}

// DetectCycles returns every distinct delegation cycle in cfg.
func DetectCycles(cfg *Configuration) [][]string {
	return BuildGraph(cfg).Cycles()
}

// FormatCycle renders a cycle as "a -> b -> a".
func FormatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ") + " -> " + cycle[0]
}

// cycleKey rotates the cycle to start at its smallest name.
func cycleKey(cycle []string) string {
	start := 0
	for i, n := range cycle {
		if n < cycle[start] {
			start = i
		}
	}
	rotated := append(slices.Clone(cycle[start:]), cycle[:start]...)
	return strings.Join(rotated, "\x00")
}
