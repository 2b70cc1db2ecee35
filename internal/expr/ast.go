// Package expr parses arithmetic expressions into an immutable tree of
// literals and binary operations. Parsing, formatting and evaluation all
// use explicit stacks so arbitrarily deep nesting never exhausts the
// goroutine stack.
package expr

import (
	"fmt"
	"strings"

	"github.com/specialistvlad/calcgrid/internal/rational"
)

// Op is an arithmetic operation kind. Its string form is the name used on
// the wire and in capability documents.
type Op string

const (
	OpAdd Op = "add"
	OpSub Op = "sub"
	OpMul Op = "mul"
	OpDiv Op = "div"
)

// Ops returns every supported operation in a fixed order.
func Ops() []Op {
	return []Op{OpAdd, OpSub, OpMul, OpDiv}
}

// ParseOp resolves an operation name such as "add".
func ParseOp(name string) (Op, bool) {
	op := Op(strings.ToLower(strings.TrimSpace(name)))
	return op, op.Valid()
}

// Valid reports whether o is one of the supported operations.
func (o Op) Valid() bool {
	switch o {
	case OpAdd, OpSub, OpMul, OpDiv:
		return true
	}
	return false
}

// Symbol returns the infix symbol of o.
func (o Op) Symbol() string {
	switch o {
	case OpAdd:
		return "+"
	case OpSub:
		return "-"
	case OpMul:
		return "*"
	case OpDiv:
		return "/"
	}
	return "?"
}

// Precedence is 1 for additive and 2 for multiplicative operations.
func (o Op) Precedence() int {
	switch o {
	case OpAdd, OpSub:
		return 1
	case OpMul, OpDiv:
		return 2
	}
	return 0
}

func opForSymbol(c byte) (Op, bool) {
	switch c {
	case '+':
		return OpAdd, true
	case '-':
		return OpSub, true
	case '*':
		return OpMul, true
	case '/':
		return OpDiv, true
	}
	return "", false
}

// Node is either a *Literal or a *BinaryOp.
type Node interface {
	isNode()
}

// Literal is an exact numeric constant.
type Literal struct {
	Value rational.Value
}

// BinaryOp applies Op to the values of Left and Right.
type BinaryOp struct {
	Op    Op
	Left  Node
	Right Node
}

func (*Literal) isNode()  {}
func (*BinaryOp) isNode() {}

// Apply computes a op b exactly. Division by zero returns
// rational.ErrDivisionByZero.
func Apply(op Op, a, b rational.Value) (rational.Value, error) {
	switch op {
	case OpAdd:
		return a.Add(b), nil
	case OpSub:
		return a.Sub(b), nil
	case OpMul:
		return a.Mul(b), nil
	case OpDiv:
		return a.Quo(b)
	}
	return rational.Value{}, fmt.Errorf("unknown operation %q", op)
}

// Count returns the number of operations and literals in the tree.
func Count(root Node) (ops, literals int) {
	stack := []Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		switch v := n.(type) {
		case *Literal:
			literals++
		case *BinaryOp:
			ops++
			stack = append(stack, v.Right, v.Left)
		}
	}
	return ops, literals
}
