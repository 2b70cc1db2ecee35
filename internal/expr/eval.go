package expr

import (
	"github.com/specialistvlad/calcgrid/internal/rational"
)

// Eval computes the exact value of the tree locally. The orchestrator never
// calls it; it is the reference the dataset generator and tests compare
// remote results against.
func Eval(root Node) (rational.Value, error) {
	type visit struct {
		node     Node
		expanded bool
	}

	var values []rational.Value
	stack := []visit{{node: root}}
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		switch n := v.node.(type) {
		case *Literal:
			values = append(values, n.Value)
		case *BinaryOp:
			if !v.expanded {
				stack = append(stack, visit{node: n, expanded: true}, visit{node: n.Right}, visit{node: n.Left})
				continue
			}
			k := len(values)
			result, err := Apply(n.Op, values[k-2], values[k-1])
			if err != nil {
				return rational.Value{}, err
			}
			values = append(values[:k-2], result)
		}
	}
	return values[0], nil
}
