package swarm

import (
	"sort"
)

// graph is the dependency adjacency by agent name: node -> the names it
// depends on.
type graph map[string][]string

const (
	colorWhite = iota
	colorGrey
	colorBlack
)

// findCycle returns one dependency cycle as an ordered name path (first and
// last element equal), or nil when the graph is acyclic.
func findCycle(g graph) []string {
	color := make(map[string]int, len(g))
	var stack []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		color[name] = colorGrey
		stack = append(stack, name)
		for _, dep := range g[name] {
			switch color[dep] {
			case colorGrey:
				start := 0
				for i, n := range stack {
					if n == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string{}, stack[start:]...), dep)
				return true
			case colorWhite:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = colorBlack
		return false
	}

	for _, name := range sortedNodes(g) {
		if color[name] == colorWhite && visit(name) {
			return cycle
		}
	}
	return nil
}

// nodeLevels computes each node's level as the longest dependency path below
// it: roots are level 0, a node sits one above its deepest dependency. The
// graph must be acyclic.
func nodeLevels(g graph) map[string]int {
	levels := make(map[string]int, len(g))
	var level func(name string) int
	level = func(name string) int {
		if l, ok := levels[name]; ok {
			return l
		}
		max := -1
		for _, dep := range g[name] {
			if l := level(dep); l > max {
				max = l
			}
		}
		levels[name] = max + 1
		return max + 1
	}
	for name := range g {
		level(name)
	}
	return levels
}

// levelGroups arranges node names into slices indexed by level, each sorted
// for stable presentation.
func levelGroups(g graph) [][]string {
	levels := nodeLevels(g)
	max := -1
	for _, l := range levels {
		if l > max {
			max = l
		}
	}
	groups := make([][]string, max+1)
	for name, l := range levels {
		groups[l] = append(groups[l], name)
	}
	for _, group := range groups {
		sort.Strings(group)
	}
	return groups
}

// criticalPath returns the longest fully-ordered dependency chain, root
// first. Ties break toward the lexicographically smaller name so the result
// is stable. The graph must be acyclic.
func criticalPath(g graph) []string {
	chains := make(map[string][]string, len(g))
	var chain func(name string) []string
	chain = func(name string) []string {
		if c, ok := chains[name]; ok {
			return c
		}
		var best []string
		for _, dep := range sortedSlice(g[name]) {
			c := chain(dep)
			if len(c) > len(best) {
				best = c
			}
		}
		c := append(append([]string{}, best...), name)
		chains[name] = c
		return c
	}

	var longest []string
	for _, name := range sortedNodes(g) {
		if c := chain(name); len(c) > len(longest) {
			longest = c
		}
	}
	return longest
}

func sortedNodes(g graph) []string {
	nodes := make([]string, 0, len(g))
	for name := range g {
		nodes = append(nodes, name)
	}
	sort.Strings(nodes)
	return nodes
}

func sortedSlice(s []string) []string {
	out := append([]string{}, s...)
	sort.Strings(out)
	return out
}
