package expr

import (
	"github.com/specialistvlad/calcgrid/internal/fault"
	"github.com/specialistvlad/calcgrid/internal/rational"
)

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind   tokenKind
	text   string
	op     Op
	offset int
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// lex splits the input into tokens, skipping whitespace.
func lex(input string) ([]token, error) {
	var tokens []token
	for i := 0; i < len(input); {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			tokens = append(tokens, token{kind: tokLParen, text: "(", offset: i})
			i++
		case c == ')':
			tokens = append(tokens, token{kind: tokRParen, text: ")", offset: i})
			i++
		case isDigit(c) || c == '.':
			start := i
			seenDot := false
			for i < len(input) && (isDigit(input[i]) || input[i] == '.') {
				if input[i] == '.' {
					if seenDot {
						return nil, fault.Parse(i, "malformed number %q", input[start:i+1])
					}
					seenDot = true
				}
				i++
			}
			if input[start:i] == "." {
				return nil, fault.Parse(start, "malformed number %q", ".")
			}
			tokens = append(tokens, token{kind: tokNumber, text: input[start:i], offset: start})
		default:
			op, ok := opForSymbol(c)
			if !ok {
				return nil, fault.Parse(i, "unknown token %q", string(c))
			}
			tokens = append(tokens, token{kind: tokOp, text: string(c), op: op, offset: i})
			i++
		}
	}
	return tokens, nil
}

// frame is an operator stack entry: an open parenthesis, a pending unary
// minus in front of a parenthesized group, or a binary operator.
type frame struct {
	paren  bool
	negate bool
	op     Op
	offset int
}

type parser struct {
	operands  []Node
	operators []frame
}

func (p *parser) reduce() {
	top := p.operators[len(p.operators)-1]
	p.operators = p.operators[:len(p.operators)-1]
	n := len(p.operands)
	left, right := p.operands[n-2], p.operands[n-1]
	p.operands = append(p.operands[:n-2], &BinaryOp{Op: top.op, Left: left, Right: right})
}

func (p *parser) topIsBinary() bool {
	if len(p.operators) == 0 {
		return false
	}
	top := p.operators[len(p.operators)-1]
	return !top.paren && !top.negate
}

// Parse converts an infix expression into a tree. Precedence and left
// associativity follow ordinary arithmetic. A leading "-" is accepted at
// the start of the expression and directly after "(".
func Parse(input string) (Node, error) {
	tokens, err := lex(input)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fault.Parse(0, "empty expression")
	}

	p := &parser{}
	expectOperand := true
	negatePending := false
	for i, tok := range tokens {
		var prev *token
		if i > 0 {
			prev = &tokens[i-1]
		}
		switch tok.kind {
		case tokNumber:
			if !expectOperand {
				return nil, fault.Parse(tok.offset, "unexpected number %q", tok.text)
			}
			text := tok.text
			if negatePending {
				text = "-" + text
				negatePending = false
			}
			v, err := rational.Parse(text)
			if err != nil {
				return nil, fault.Parse(tok.offset, "malformed number %q", tok.text)
			}
			p.operands = append(p.operands, &Literal{Value: v})
			expectOperand = false

		case tokLParen:
			if !expectOperand {
				return nil, fault.Parse(tok.offset, "unexpected %q", "(")
			}
			if negatePending {
				p.operators = append(p.operators, frame{negate: true, offset: tok.offset - 1})
				negatePending = false
			}
			p.operators = append(p.operators, frame{paren: true, offset: tok.offset})

		case tokRParen:
			if expectOperand {
				if prev != nil && prev.kind == tokLParen {
					return nil, fault.Parse(tok.offset, "empty parentheses")
				}
				return nil, fault.Parse(tok.offset, "missing operand before %q", ")")
			}
			for p.topIsBinary() {
				p.reduce()
			}
			if len(p.operators) == 0 {
				return nil, fault.Parse(tok.offset, "unbalanced parentheses: unmatched %q", ")")
			}
			p.operators = p.operators[:len(p.operators)-1]
			if n := len(p.operators); n > 0 && p.operators[n-1].negate {
				p.operators = p.operators[:n-1]
				inner := p.operands[len(p.operands)-1]
				p.operands[len(p.operands)-1] = &BinaryOp{Op: OpSub, Left: &Literal{}, Right: inner}
			}

		case tokOp:
			if expectOperand {
				unaryAllowed := prev == nil || prev.kind == tokLParen
				if tok.op == OpSub && unaryAllowed && !negatePending {
					negatePending = true
					continue
				}
				if prev != nil && prev.kind == tokOp {
					return nil, fault.Parse(tok.offset, "consecutive operators %q and %q", prev.text, tok.text)
				}
				return nil, fault.Parse(tok.offset, "missing operand before %q", tok.text)
			}
			for p.topIsBinary() && p.operators[len(p.operators)-1].op.Precedence() >= tok.op.Precedence() {
				p.reduce()
			}
			p.operators = append(p.operators, frame{op: tok.op, offset: tok.offset})
			expectOperand = true
		}
	}

	if expectOperand {
		last := tokens[len(tokens)-1]
		return nil, fault.Parse(last.offset, "missing operand after %q", last.text)
	}
	for len(p.operators) > 0 {
		top := p.operators[len(p.operators)-1]
		if !top.paren && !top.negate {
			p.reduce()
			continue
		}
		return nil, fault.Parse(top.offset, "unbalanced parentheses: unclosed %q", "(")
	}
	return p.operands[0], nil
}
