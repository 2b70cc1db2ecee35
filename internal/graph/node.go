package graph

import (
	"sync"
	"sync/atomic"

	"github.com/specialistvlad/calcgrid/internal/expr"
	"github.com/specialistvlad/calcgrid/internal/rational"
)

// State represents the execution state of a node in the graph.
type State int32

const (
	// Pending indicates the node is waiting for its operands to complete.
	Pending State = iota
	// Ready indicates every operand is Completed and the node is queued.
	Ready
	// Dispatched indicates a worker has started sending the node to a peer.
	Dispatched
	// Completed indicates the node has a result.
	Completed
	// Failed indicates the node failed or was failed by a dependency, budget or deadline.
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Dispatched:
		return "dispatched"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}

// Node is a single vertex in the execution graph: a literal leaf or an
// operation over the results of its operands.
type Node struct {
	// ID is unique within the graph and assigned in pre-order.
	ID int
	// Op is the operation kind. It is empty for literal nodes.
	Op expr.Op
	// Operands are the ids of the left and right inputs, in order.
	Operands []int
	// Dependents are the ids of nodes that consume this node's result.
	Dependents []int

	// pending is an atomic counter of operands that are not yet Completed.
	pending atomic.Int32
	// state is the node's current execution state, managed atomically.
	state atomic.Int32

	mu     sync.Mutex
	result rational.Value
	err    error
}

// IsLiteral reports whether the node is a constant leaf.
func (n *Node) IsLiteral() bool {
	return n.Op == ""
}

// State atomically retrieves the node's execution state.
func (n *Node) State() State {
	return State(n.state.Load())
}

// PendingOperands atomically returns the number of operands not yet Completed.
func (n *Node) PendingOperands() int32 {
	return n.pending.Load()
}

// OperandCompleted atomically decrements the pending-operand counter and
// returns the new value. The caller that observes zero owns MarkReady.
func (n *Node) OperandCompleted() int32 {
	return n.pending.Add(-1)
}

// Result returns the node's value once it is Completed.
func (n *Node) Result() (rational.Value, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.State() != Completed {
		return rational.Value{}, false
	}
	return n.result, true
}

// Err returns the failure recorded for a Failed node.
func (n *Node) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

// MarkReady moves Pending → Ready. It reports false if the node has already
// moved on or still waits for operands.
func (n *Node) MarkReady() bool {
	if n.pending.Load() != 0 {
		return false
	}
	return n.state.CompareAndSwap(int32(Pending), int32(Ready))
}

// MarkDispatched moves Ready → Dispatched exactly once.
func (n *Node) MarkDispatched() bool {
	return n.state.CompareAndSwap(int32(Ready), int32(Dispatched))
}

// Complete records the result and moves Dispatched → Completed. Only the
// first terminal transition wins; later calls report false.
func (n *Node) Complete(v rational.Value) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.state.CompareAndSwap(int32(Dispatched), int32(Completed)) {
		return false
	}
	n.result = v
	return true
}

// Fail records err and moves any non-terminal state to Failed.
func (n *Node) Fail(err error) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for {
		cur := State(n.state.Load())
		if cur.Terminal() {
			return false
		}
		if n.state.CompareAndSwap(int32(cur), int32(Failed)) {
			n.err = err
			return true
		}
	}
}

func newLiteral(id int, v rational.Value) *Node {
	n := &Node{ID: id, result: v}
	n.state.Store(int32(Completed))
	return n
}

func newOperation(id int, op expr.Op) *Node {
	return &Node{ID: id, Op: op, Operands: make([]int, 2)}
}
