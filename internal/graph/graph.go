package graph

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/specialistvlad/calcgrid/internal/expr"
	"github.com/specialistvlad/calcgrid/internal/fault"
)

// Graph is the per-run dependency graph. Nodes are indexed by id.
type Graph struct {
	nodes []*Node
	root  int
}

// Build lowers an expression tree into a graph. Ids are assigned in
// pre-order using an explicit work stack.
func Build(root expr.Node) (*Graph, error) {
	if root == nil {
		return nil, fmt.Errorf("graph: nil expression")
	}

	type work struct {
		node   expr.Node
		parent int
		slot   int
	}

	g := &Graph{}
	stack := []work{{node: root, parent: -1}}
	for len(stack) > 0 {
		w := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		id := len(g.nodes)
		var n *Node
		switch v := w.node.(type) {
		case *expr.Literal:
			n = newLiteral(id, v.Value)
		case *expr.BinaryOp:
			if !v.Op.Valid() {
				return nil, fault.New(fault.KindUnknownOperation, "operation %q", v.Op).WithNode(id, string(v.Op))
			}
			n = newOperation(id, v.Op)
			stack = append(stack, work{node: v.Right, parent: id, slot: 1}, work{node: v.Left, parent: id, slot: 0})
		default:
			return nil, fmt.Errorf("graph: unexpected expression node %T", w.node)
		}
		g.nodes = append(g.nodes, n)

		if w.parent >= 0 {
			parent := g.nodes[w.parent]
			parent.Operands[w.slot] = id
			n.Dependents = append(n.Dependents, parent.ID)
			if !n.IsLiteral() {
				parent.pending.Add(1)
			}
		}
	}
	return g, nil
}

// Root returns the id of the node whose result is the final answer.
func (g *Graph) Root() int { return g.root }

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Node returns the node with the given id, or nil.
func (g *Graph) Node(id int) *Node {
	if id < 0 || id >= len(g.nodes) {
		return nil
	}
	return g.nodes[id]
}

// Nodes returns every node ordered by id.
func (g *Graph) Nodes() []*Node { return g.nodes }

// Operations returns the operation nodes ordered by id.
func (g *Graph) Operations() []*Node {
	var ops []*Node
	for _, n := range g.nodes {
		if !n.IsLiteral() {
			ops = append(ops, n)
		}
	}
	return ops
}

// Initial returns the operation nodes whose operands are all literals.
// They are the first nodes the executor may mark Ready.
func (g *Graph) Initial() []*Node {
	var ready []*Node
	for _, n := range g.nodes {
		if !n.IsLiteral() && n.PendingOperands() == 0 {
			ready = append(ready, n)
		}
	}
	return ready
}

// RequiredOps lists the distinct operation kinds in the graph, in the
// order of expr.Ops.
func (g *Graph) RequiredOps() []expr.Op {
	seen := make(map[expr.Op]bool)
	for _, n := range g.nodes {
		if !n.IsLiteral() {
			seen[n.Op] = true
		}
	}
	var ops []expr.Op
	for _, op := range expr.Ops() {
		if seen[op] {
			ops = append(ops, op)
		}
	}
	return ops
}

// Ancestors returns the ids of every node that transitively consumes id's
// result, nearest first.
func (g *Graph) Ancestors(id int) []int {
	var out []int
	seen := map[int]bool{id: true}
	queue := []int{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range g.nodes[cur].Dependents {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			out = append(out, dep)
			queue = append(queue, dep)
		}
	}
	return out
}

// Signature is a canonical rendering of the topology and literal values.
// Two graphs are isomorphic exactly when their signatures are equal.
func (g *Graph) Signature() string {
	var b strings.Builder
	for i, n := range g.nodes {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(strconv.Itoa(n.ID))
		b.WriteByte(':')
		if n.IsLiteral() {
			v, _ := n.Result()
			b.WriteString("lit(" + v.String() + ")")
			continue
		}
		b.WriteString(fmt.Sprintf("%s(%d,%d)", n.Op, n.Operands[0], n.Operands[1]))
	}
	return b.String()
}
