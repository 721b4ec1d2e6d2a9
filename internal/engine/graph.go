package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/convergo-io/convergo/internal/ir"
)

// Graph is the directed acyclic dependency graph over declared resources.
// An edge A→B exists when A's attributes reference B or A names B in
// dependsOn; B must be realized before A.
type Graph struct {
	nodes    map[string]*graphNode
	order    []string // topological order (creation order)
	revOrder []string // reverse order (destruction order)
}

type graphNode struct {
	addr       string
	deps       []string // addresses this node depends on
	dependents []string // addresses that depend on this node
}

// BuildGraph constructs the dependency graph from declared resources,
// resolving explicit dependsOn entries and implicit ref:// references.
func BuildGraph(resources []*ir.Resource) (*Graph, error) {
	g := &Graph{nodes: make(map[string]*graphNode)}

	for _, res := range resources {
		addr := res.Addr()
		if _, exists := g.nodes[addr]; exists {
			return nil, fmt.Errorf("duplicate resource address %s", addr)
		}
		g.nodes[addr] = &graphNode{addr: addr}
	}

	for _, res := range resources {
		node := g.nodes[res.Addr()]
		seen := make(map[string]bool)

		for _, dep := range res.DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				return nil, fmt.Errorf("%w: %s depends on undeclared resource %s",
					ErrUnresolvedReference, res.Addr(), dep)
			}
			if dep == node.addr {
				return nil, fmt.Errorf("%w: %s -> %s", ErrCycleDetected, dep, dep)
			}
			if !seen[dep] {
				seen[dep] = true
				node.deps = append(node.deps, dep)
			}
		}

		for _, ref := range extractRefs(res.Properties) {
			depAddr, _, ok := parseRef(ref)
			if !ok {
				return nil, fmt.Errorf("%w: %s contains malformed reference %q",
					ErrUnresolvedReference, res.Addr(), ref)
			}
			if _, exists := g.nodes[depAddr]; !exists {
				return nil, fmt.Errorf("%w: %s references undeclared resource %s",
					ErrUnresolvedReference, res.Addr(), depAddr)
			}
			if depAddr == node.addr {
				return nil, fmt.Errorf("%w: %s -> %s", ErrCycleDetected, depAddr, depAddr)
			}
			if !seen[depAddr] {
				seen[depAddr] = true
				node.deps = append(node.deps, depAddr)
			}
		}
	}

	for addr, node := range g.nodes {
		for _, dep := range node.deps {
			g.nodes[dep].dependents = append(g.nodes[dep].dependents, addr)
		}
	}

	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.order = order

	g.revOrder = make([]string, len(order))
	for i, addr := range order {
		g.revOrder[len(order)-1-i] = addr
	}

	return g, nil
}

// BuildGraphFromState reconstructs the graph from persisted state records,
// using their recorded dependency lists. Dangling dependencies are kept as
// bare nodes so destruction ordering stays stable even when state and
// config have drifted apart.
func BuildGraphFromState(resources []*ir.ResourceState) (*Graph, error) {
	g := &Graph{nodes: make(map[string]*graphNode)}

	for _, res := range resources {
		addr := res.Addr()
		if _, exists := g.nodes[addr]; !exists {
			g.nodes[addr] = &graphNode{addr: addr}
		}
		g.nodes[addr].deps = append(g.nodes[addr].deps, res.Dependencies...)
	}

	for _, node := range g.nodes {
		for _, dep := range node.deps {
			if _, ok := g.nodes[dep]; !ok {
				g.nodes[dep] = &graphNode{addr: dep}
			}
		}
	}
	for addr, node := range g.nodes {
		for _, dep := range node.deps {
			g.nodes[dep].dependents = append(g.nodes[dep].dependents, addr)
		}
	}

	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.order = order

	g.revOrder = make([]string, len(order))
	for i, addr := range order {
		g.revOrder[len(order)-1-i] = addr
	}

	return g, nil
}

// CreationOrder returns node addresses in dependency-respecting order.
func (g *Graph) CreationOrder() []string {
	return g.order
}

// DestructionOrder returns node addresses in reverse dependency order.
func (g *Graph) DestructionOrder() []string {
	return g.revOrder
}

// Dependencies returns the addresses addr depends on.
func (g *Graph) Dependencies(addr string) []string {
	if node, ok := g.nodes[addr]; ok {
		return node.deps
	}
	return nil
}

// Dependents returns the addresses that depend on addr.
func (g *Graph) Dependents(addr string) []string {
	if node, ok := g.nodes[addr]; ok {
		return node.dependents
	}
	return nil
}

// topoSort runs Kahn's algorithm. When not every node can be ordered, the
// offending cycle is located with a DFS so the error names it.
func (g *Graph) topoSort() ([]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	for addr, node := range g.nodes {
		inDegree[addr] = len(node.deps)
	}

	var queue []string
	for addr, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, addr)
		}
	}
	// Deterministic order among independent nodes.
	sort.Strings(queue)

	var sorted []string
	for len(queue) > 0 {
		addr := queue[0]
		queue = queue[1:]
		sorted = append(sorted, addr)

		var ready []string
		for _, dependent := range g.nodes[addr].dependents {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
		sort.Strings(ready)
		queue = append(queue, ready...)
	}

	if len(sorted) != len(g.nodes) {
		if path := g.findCycle(); len(path) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrCycleDetected, strings.Join(path, " -> "))
		}
		return nil, ErrCycleDetected
	}

	return sorted, nil
}

// findCycle locates one dependency cycle via DFS and returns it as a path
// ending where it starts.
func (g *Graph) findCycle() []string {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var stack []string
	var cycle []string

	var visit func(addr string) bool
	visit = func(addr string) bool {
		visited[addr] = true
		onStack[addr] = true
		stack = append(stack, addr)

		for _, dep := range g.nodes[addr].deps {
			if onStack[dep] {
				start := 0
				for i, a := range stack {
					if a == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string{}, stack[start:]...), dep)
				return true
			}
			if !visited[dep] && visit(dep) {
				return true
			}
		}

		onStack[addr] = false
		stack = stack[:len(stack)-1]
		return false
	}

	addrs := make([]string, 0, len(g.nodes))
	for addr := range g.nodes {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	for _, addr := range addrs {
		if !visited[addr] && visit(addr) {
			break
		}
	}
	return cycle
}
