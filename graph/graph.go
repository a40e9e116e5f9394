package graph

import (
	"context"
	"fmt"
	"slices"
	"sort"
)

// End is the routing target that terminates a branch.
const End = "__end__"

type Condition func(ctx context.Context, state *State) (bool, error)

type Edge struct {
	From      string
	To        string
	Condition Condition
}

// RouterFunc picks the successors of a node. Every returned id must be one of
// the targets declared with AddRouter; End and an empty result stop the branch.
type RouterFunc func(ctx context.Context, state *State) ([]string, error)

type router struct {
	fn      RouterFunc
	targets []string
}

type Graph struct {
	name        string
	nodes       map[string]Node
	order       []string
	edges       map[string][]Edge
	routers     map[string]router
	startNodeID string
	allowCycles bool
	compiled    bool
	buildErr    error
}

func New(name string) *Graph {
	return &Graph{
		name:    name,
		nodes:   map[string]Node{},
		edges:   map[string][]Edge{},
		routers: map[string]router{},
	}
}

func (g *Graph) Name() string {
	if g == nil {
		return ""
	}
	return g.name
}

func (g *Graph) mutable() bool {
	if g == nil || g.buildErr != nil {
		return false
	}
	if g.compiled {
		g.buildErr = fmt.Errorf("graph %q is compiled and can no longer be modified", g.name)
		return false
	}
	return true
}

func (g *Graph) AddNode(id string, node Node) *Graph {
	if !g.mutable() {
		return g
	}
	if id == "" {
		g.buildErr = fmt.Errorf("node id is required")
		return g
	}
	if id == End {
		g.buildErr = fmt.Errorf("node id %q is reserved", End)
		return g
	}
	if node == nil {
		g.buildErr = fmt.Errorf("node %q is nil", id)
		return g
	}
	if _, exists := g.nodes[id]; exists {
		g.buildErr = fmt.Errorf("node %q already exists", id)
		return g
	}
	g.nodes[id] = node
	g.order = append(g.order, id)
	return g
}

// AddEdge adds a conditional edge. A nil condition always matches. Edges of a
// node are evaluated in insertion order and the first match wins.
func (g *Graph) AddEdge(from, to string, condition Condition) *Graph {
	if !g.mutable() {
		return g
	}
	if from == "" || to == "" {
		g.buildErr = fmt.Errorf("edge endpoints are required")
		return g
	}
	g.edges[from] = append(g.edges[from], Edge{
		From:      from,
		To:        to,
		Condition: condition,
	})
	return g
}

// AddRouter attaches a router to from. A node has either edges or a router.
func (g *Graph) AddRouter(from string, fn RouterFunc, targets ...string) *Graph {
	if !g.mutable() {
		return g
	}
	if from == "" || fn == nil {
		g.buildErr = fmt.Errorf("router source and func are required")
		return g
	}
	if len(targets) == 0 {
		g.buildErr = fmt.Errorf("router on %q declares no targets", from)
		return g
	}
	if _, exists := g.routers[from]; exists {
		g.buildErr = fmt.Errorf("node %q already has a router", from)
		return g
	}
	g.routers[from] = router{fn: fn, targets: append([]string(nil), targets...)}
	return g
}

func (g *Graph) SetStart(id string) *Graph {
	if !g.mutable() {
		return g
	}
	if id == "" {
		g.buildErr = fmt.Errorf("start node id is required")
		return g
	}
	g.startNodeID = id
	return g
}

func (g *Graph) AllowCycles(allow bool) *Graph {
	if !g.mutable() {
		return g
	}
	g.allowCycles = allow
	return g
}

// Compile validates the graph and freezes it. Compiling twice is a no-op.
func (g *Graph) Compile() error {
	if g == nil {
		return fmt.Errorf("graph is nil")
	}
	if g.buildErr != nil {
		return g.buildErr
	}
	if g.compiled {
		return nil
	}
	if g.name == "" {
		return fmt.Errorf("graph name is required")
	}
	if len(g.nodes) == 0 {
		return fmt.Errorf("graph has no nodes")
	}
	if g.startNodeID == "" {
		return fmt.Errorf("start node is not set")
	}
	if _, ok := g.nodes[g.startNodeID]; !ok {
		return fmt.Errorf("start node %q does not exist", g.startNodeID)
	}

	for from, edges := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			return fmt.Errorf("edge source node %q does not exist", from)
		}
		if _, ok := g.routers[from]; ok {
			return fmt.Errorf("node %q has both edges and a router", from)
		}
		for _, edge := range edges {
			if _, ok := g.nodes[edge.To]; !ok && edge.To != End {
				return fmt.Errorf("edge target node %q does not exist", edge.To)
			}
		}
	}
	for from, r := range g.routers {
		if _, ok := g.nodes[from]; !ok {
			return fmt.Errorf("router source node %q does not exist", from)
		}
		for _, to := range r.targets {
			if _, ok := g.nodes[to]; !ok && to != End {
				return fmt.Errorf("router target node %q does not exist", to)
			}
		}
	}

	unreachable := g.unreachableNodes()
	if len(unreachable) > 0 {
		sort.Strings(unreachable)
		return fmt.Errorf("graph contains unreachable node(s): %v", unreachable)
	}

	if !g.allowCycles && g.hasCycle() {
		return fmt.Errorf("graph contains cycle(s); call AllowCycles(true) to enable")
	}

	g.compiled = true
	return nil
}

func (g *Graph) successors(nodeID string) []string {
	if r, ok := g.routers[nodeID]; ok {
		return r.targets
	}
	out := make([]string, 0, len(g.edges[nodeID]))
	for _, edge := range g.edges[nodeID] {
		out = append(out, edge.To)
	}
	return out
}

func (g *Graph) unreachableNodes() []string {
	visited := map[string]bool{}
	stack := []string{g.startNodeID}
	for len(stack) > 0 {
		nodeID := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[nodeID] || nodeID == End {
			continue
		}
		visited[nodeID] = true
		stack = append(stack, g.successors(nodeID)...)
	}

	out := make([]string, 0)
	for nodeID := range g.nodes {
		if !visited[nodeID] {
			out = append(out, nodeID)
		}
	}
	return out
}

func (g *Graph) hasCycle() bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))

	var visit func(nodeID string) bool
	visit = func(nodeID string) bool {
		color[nodeID] = gray
		for _, to := range g.successors(nodeID) {
			if to == End {
				continue
			}
			switch color[to] {
			case gray:
				return true
			case white:
				if visit(to) {
					return true
				}
			}
		}
		color[nodeID] = black
		return false
	}

	for _, nodeID := range g.order {
		if color[nodeID] == white && visit(nodeID) {
			return true
		}
	}
	return false
}

// routes evaluates the successors of nodeID against st. End is dropped from
// the result.
func (g *Graph) routes(ctx context.Context, nodeID string, st *State) ([]string, error) {
	if r, ok := g.routers[nodeID]; ok {
		picked, err := r.fn(ctx, st)
		if err != nil {
			return nil, fmt.Errorf("router on %q failed: %w", nodeID, err)
		}
		out := make([]string, 0, len(picked))
		for _, to := range picked {
			if !slices.Contains(r.targets, to) {
				return nil, fmt.Errorf("router on %q returned undeclared target %q", nodeID, to)
			}
			if to == End {
				continue
			}
			out = appendUnique(out, to)
		}
		return out, nil
	}

	for _, edge := range g.edges[nodeID] {
		matched := edge.Condition == nil
		if !matched {
			ok, err := edge.Condition(ctx, st)
			if err != nil {
				return nil, fmt.Errorf("edge %q -> %q condition failed: %w", edge.From, edge.To, err)
			}
			matched = ok
		}
		if matched {
			if edge.To == End {
				return nil, nil
			}
			return []string{edge.To}, nil
		}
	}
	return nil, nil
}

func appendUnique(dst []string, ids ...string) []string {
	for _, id := range ids {
		if !slices.Contains(dst, id) {
			dst = append(dst, id)
		}
	}
	return dst
}

func Always(_ context.Context, _ *State) (bool, error) { return true, nil }

// NodeInfo describes a node in the graph for introspection.
type NodeInfo struct {
	ID   string `json:"id"`
	Kind string `json:"kind"` // "llm", "func", or "router"
}

// EdgeInfo describes an edge or router target for introspection.
type EdgeInfo struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Conditional bool   `json:"conditional"`
}

// NodeInfos returns metadata about all nodes in the graph.
func (g *Graph) NodeInfos() []NodeInfo {
	if g == nil {
		return nil
	}
	out := make([]NodeInfo, 0, len(g.nodes))
	for id, node := range g.nodes {
		kind := "func"
		switch node.(type) {
		case *LLMNode:
			kind = "llm"
		case *RouterNode:
			kind = "router"
		}
		out = append(out, NodeInfo{ID: id, Kind: kind})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EdgeInfos returns metadata about all edges in the graph. Router targets are
// reported as conditional edges.
func (g *Graph) EdgeInfos() []EdgeInfo {
	if g == nil {
		return nil
	}
	out := make([]EdgeInfo, 0)
	for _, from := range g.order {
		for _, edge := range g.edges[from] {
			out = append(out, EdgeInfo{
				From:        edge.From,
				To:          edge.To,
				Conditional: edge.Condition != nil,
			})
		}
		if r, ok := g.routers[from]; ok {
			for _, to := range r.targets {
				out = append(out, EdgeInfo{From: from, To: to, Conditional: true})
			}
		}
	}
	return out
}

// StartNodeID returns the ID of the start node.
func (g *Graph) StartNodeID() string {
	if g == nil {
		return ""
	}
	return g.startNodeID
}

func RouteEquals(key, expected string) Condition {
	if key == "" {
		key = "route"
	}
	return func(_ context.Context, state *State) (bool, error) {
		if state == nil || state.Data == nil {
			return false, nil
		}
		value, ok := state.Data[key].(string)
		if !ok {
			return false, nil
		}
		return value == expected, nil
	}
}
