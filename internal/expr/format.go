package expr

import (
	"strings"
)

const literalPrecedence = 3

func precedenceOf(n Node) int {
	if b, ok := n.(*BinaryOp); ok {
		return b.Op.Precedence()
	}
	return literalPrecedence
}

// Format renders the tree with the fewest parentheses that still parse back
// to the same shape. Parse(Format(n)) is isomorphic to n.
func Format(root Node) string {
	type item struct {
		node Node
		text string
	}

	var b strings.Builder
	stack := []item{{node: root}}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if it.node == nil {
			b.WriteString(it.text)
			continue
		}
		switch n := it.node.(type) {
		case *Literal:
			writeLiteral(&b, n)
		case *BinaryOp:
			prec := n.Op.Precedence()
			leftParen := precedenceOf(n.Left) < prec
			rightParen := precedenceOf(n.Right) <= prec
			if rightParen {
				stack = append(stack, item{text: ")"})
			}
			stack = append(stack, item{node: n.Right})
			if rightParen {
				stack = append(stack, item{text: "("})
			}
			stack = append(stack, item{text: " " + n.Op.Symbol() + " "})
			if leftParen {
				stack = append(stack, item{text: ")"})
			}
			stack = append(stack, item{node: n.Left})
			if leftParen {
				stack = append(stack, item{text: "("})
			}
		}
	}
	return b.String()
}

// writeLiteral prints a literal in a form the parser accepts back. A
// negative literal is bare only where a leading "-" is legal.
func writeLiteral(b *strings.Builder, lit *Literal) {
	text, finite := lit.Value.Decimal()
	if !finite {
		r := lit.Value.Rat()
		b.WriteString("(" + r.Num().String() + " / " + r.Denom().String() + ")")
		return
	}
	if lit.Value.Sign() < 0 {
		s := b.String()
		if len(s) > 0 && s[len(s)-1] != '(' {
			b.WriteString("(" + text + ")")
			return
		}
	}
	b.WriteString(text)
}
