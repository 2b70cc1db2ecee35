package graph

import (
	"errors"
	"sync"
	"testing"

	"github.com/specialistvlad/calcgrid/internal/expr"
	"github.com/specialistvlad/calcgrid/internal/fault"
	"github.com/specialistvlad/calcgrid/internal/rational"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustBuild(t *testing.T, input string) *Graph {
	t.Helper()
	root, err := expr.Parse(input)
	require.NoError(t, err)
	g, err := Build(root)
	require.NoError(t, err)
	return g
}

func TestBuild_PreOrderIds(t *testing.T) {
	g := mustBuild(t, "2 * (3 + 4)")

	assert.Equal(t, 0, g.Root())
	assert.Equal(t, 5, g.Len())
	assert.Equal(t, "0:mul(1,2);1:lit(2);2:add(3,4);3:lit(3);4:lit(4)", g.Signature())

	root := g.Node(0)
	assert.Equal(t, expr.OpMul, root.Op)
	assert.Equal(t, []int{1, 2}, root.Operands)
	assert.Empty(t, root.Dependents)
	assert.Equal(t, int32(1), root.PendingOperands(), "only the add node is outstanding")

	assert.Equal(t, []int{0}, g.Node(2).Dependents)
	assert.Equal(t, int32(0), g.Node(2).PendingOperands())
	assert.Equal(t, Completed, g.Node(1).State())
	assert.Nil(t, g.Node(5))
}

func TestBuild_IsDeterministic(t *testing.T) {
	first := mustBuild(t, "(1 + 2) * (3 - 4) / 5")
	second := mustBuild(t, "(1 + 2) * (3 - 4) / 5")
	assert.Equal(t, first.Signature(), second.Signature())

	other := mustBuild(t, "(1 + 2) * (3 - 4) / 6")
	assert.NotEqual(t, first.Signature(), other.Signature())
}

func TestBuild_DoesNotMergeSharedSubexpressions(t *testing.T) {
	g := mustBuild(t, "(1 + 2) * (1 + 2)")
	assert.Len(t, g.Operations(), 3)
	assert.Equal(t, 7, g.Len())
}

func TestGraph_Queries(t *testing.T) {
	g := mustBuild(t, "1 + 2 * 3 - 4 / 2")
	// sub(add(1, mul(2, 3)), div(4, 2))

	assert.Equal(t, []expr.Op{expr.OpAdd, expr.OpSub, expr.OpMul, expr.OpDiv}, g.RequiredOps())

	var initial []int
	for _, n := range g.Initial() {
		initial = append(initial, n.ID)
	}
	assert.Equal(t, []int{3, 6}, initial)

	assert.Equal(t, []int{1, 0}, g.Ancestors(3))
	assert.Empty(t, g.Ancestors(0))
}

func TestBuild_LiteralOnly(t *testing.T) {
	g := mustBuild(t, "42")
	assert.Equal(t, 1, g.Len())
	assert.Empty(t, g.Operations())
	assert.Empty(t, g.RequiredOps())

	v, ok := g.Node(g.Root()).Result()
	require.True(t, ok)
	assert.Equal(t, "42", v.String())
}

func TestBuild_RejectsUnknownOperation(t *testing.T) {
	root := &expr.BinaryOp{Op: expr.Op("pow"), Left: &expr.Literal{}, Right: &expr.Literal{}}
	_, err := Build(root)
	assert.ErrorIs(t, err, fault.ErrUnknownOperation)
}

func TestNode_Transitions(t *testing.T) {
	t.Run("happy path", func(t *testing.T) {
		g := mustBuild(t, "1 + 2")
		n := g.Node(0)

		assert.Equal(t, Pending, n.State())
		require.True(t, n.MarkReady())
		assert.False(t, n.MarkReady())
		require.True(t, n.MarkDispatched())
		assert.False(t, n.MarkDispatched())

		_, ok := n.Result()
		assert.False(t, ok)

		require.True(t, n.Complete(rational.FromInt(3)))
		assert.False(t, n.Fail(errors.New("late")), "terminal states are final")
		assert.False(t, n.Complete(rational.FromInt(4)))

		v, ok := n.Result()
		require.True(t, ok)
		assert.Equal(t, "3", v.String())
		assert.NoError(t, n.Err())
	})

	t.Run("not ready while operands are pending", func(t *testing.T) {
		g := mustBuild(t, "(1 + 2) * 3")
		root := g.Node(0)
		assert.False(t, root.MarkReady())
		assert.Equal(t, int32(0), root.OperandCompleted())
		assert.True(t, root.MarkReady())
	})

	t.Run("fail from pending", func(t *testing.T) {
		g := mustBuild(t, "1 + 2")
		n := g.Node(0)
		boom := errors.New("boom")
		require.True(t, n.Fail(boom))
		assert.Equal(t, Failed, n.State())
		assert.Equal(t, boom, n.Err())
		assert.False(t, n.MarkReady())
	})
}

func TestNode_SingleWriter(t *testing.T) {
	g := mustBuild(t, "1 + 2")
	n := g.Node(0)
	require.True(t, n.MarkReady())
	require.True(t, n.MarkDispatched())

	const writers = 32
	var wg sync.WaitGroup
	wins := make(chan int, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var won bool
			if i%2 == 0 {
				won = n.Complete(rational.FromInt(int64(i)))
			} else {
				won = n.Fail(errors.New("lost race"))
			}
			if won {
				wins <- i
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []int
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1)
	assert.True(t, n.State().Terminal())
}
