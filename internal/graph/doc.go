// Package graph lowers an expression tree into the dependency graph the
// executor schedules.
//
// # Structure
//
// Every expression node becomes exactly one graph Node. Identical
// subexpressions are not merged. Ids are small integers assigned in
// pre-order (node, left subtree, right subtree), so two builds of the same
// expression always produce the same ids and the same Signature:
//
//	2 * (3 + 4)
//
//	0: mul(1, 2)
//	1: lit 2
//	2: add(3, 4)
//	3: lit 3
//	4: lit 4
//
// Literal nodes are created Completed. An operation node keeps an atomic
// count of operands that are not yet Completed; it may become Ready only
// when that count reaches zero.
//
// # State
//
// A node moves Pending → Ready → Dispatched → Completed, or to Failed from
// any non-terminal state. Every transition is a compare-and-swap on the
// node's atomic state, so exactly one goroutine wins each transition and a
// terminal state is reached at most once. Results and errors are written by
// the winner under the node's mutex.
//
// # Thread-Safety
//
// The topology (ids, operands, dependents) is immutable after Build. Node
// state methods are safe for concurrent use.
package graph
