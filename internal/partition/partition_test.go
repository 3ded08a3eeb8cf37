package partition

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-npu/internal/builder"
	"github.com/23skdu/longbow-npu/internal/graph"
)

// Relu has no lowering, so it is the unsupported node in these graphs.
var registry = builder.NewRegistry()

func weights(g *graph.Graph, name string) {
	g.AddInitializer(&graph.Initializer{Name: name, Type: graph.Float, Dims: []int64{4}, FloatData: []float32{1, 2, 3, 4}})
}

func value(g *graph.Graph, name string) {
	g.AddValue(name, graph.Float, 4)
}

func TestPartition_WholeGraph(t *testing.T) {
	g := graph.New("whole", 13)
	g.AddInput("x", graph.Float, 4)
	weights(g, "w")
	value(g, "a")
	g.AddOutput("y", graph.Float, 4)
	g.AddNode("Add", []string{"x", "w"}, []string{"a"})
	g.AddNode("Abs", []string{"a"}, []string{"y"})

	plan, err := New(registry).Partition(g)
	require.NoError(t, err)
	require.Len(t, plan.Clusters, 1)
	c := plan.Clusters[0]
	assert.Equal(t, []int{0, 1}, c.Nodes)
	assert.Equal(t, []string{"x", "w"}, c.Inputs)
	assert.Equal(t, []string{"y"}, c.Outputs)
	assert.Equal(t, []bool{true, true}, plan.Supported)
}

func TestPartition_ConstantInputsOnly(t *testing.T) {
	g := graph.New("folded", 13)
	weights(g, "w1")
	weights(g, "w2")
	g.AddOutput("y", graph.Float, 4)
	g.AddNode("Add", []string{"w1", "w2"}, []string{"y"})

	plan, err := New(registry).Partition(g)
	require.NoError(t, err)
	assert.Empty(t, plan.Clusters)
	assert.Equal(t, []bool{true}, plan.Supported)
}

func TestPartition_ConstantInputsOnlyWithFallback(t *testing.T) {
	g := graph.New("folded", 13)
	weights(g, "w1")
	weights(g, "w2")
	value(g, "t")
	g.AddOutput("y", graph.Float, 4)
	g.AddNode("Add", []string{"w1", "w2"}, []string{"t"})
	g.AddNode("Relu", []string{"t"}, []string{"y"})

	plan, err := New(registry).Partition(g)
	require.NoError(t, err)
	assert.Empty(t, plan.Clusters)
	assert.Equal(t, []bool{true, false}, plan.Supported)
}

func TestPartition_Split(t *testing.T) {
	g := graph.New("split", 13)
	g.AddInput("x", graph.Float, 4)
	weights(g, "w")
	for _, v := range []string{"a", "r", "s"} {
		value(g, v)
	}
	g.AddOutput("y", graph.Float, 4)
	g.AddOutput("e", graph.Float, 4)
	g.AddNode("Abs", []string{"x"}, []string{"a"})
	g.AddNode("Relu", []string{"a"}, []string{"r"})
	g.AddNode("Add", []string{"r", "w"}, []string{"s"})
	g.AddNode("Sqrt", []string{"s"}, []string{"y"})
	g.AddNode("Exp", []string{"a"}, []string{"e"})

	plan, err := New(registry).Partition(g)
	require.NoError(t, err)

	want := []Cluster{
		{Nodes: []int{0}, Inputs: []string{"x"}, Outputs: []string{"a"}},
		{Nodes: []int{2, 3, 4}, Inputs: []string{"r", "a", "w"}, Outputs: []string{"y", "e"}},
	}
	if diff := cmp.Diff(want, plan.Clusters); diff != "" {
		t.Errorf("clusters mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 4, plan.Covered())
	assert.False(t, plan.Supported[1])
}

func TestPartition_OverridableInitializer(t *testing.T) {
	build := func(withRelu bool) *graph.Graph {
		g := graph.New("override", 13)
		g.AddInput("x", graph.Float, 4)
		weights(g, "w")
		g.AddInput("w", graph.Float, 4)
		value(g, "a")
		g.AddOutput("y", graph.Float, 4)
		first := "Abs"
		if withRelu {
			first = "Relu"
		}
		g.AddNode(first, []string{"x"}, []string{"a"})
		g.AddNode("Add", []string{"a", "w"}, []string{"y"})
		return g
	}

	plan, err := New(registry).Partition(build(false))
	require.NoError(t, err)
	require.Len(t, plan.Clusters, 1)
	assert.Equal(t, []string{"x", "w"}, plan.Clusters[0].Inputs)

	plan, err = New(registry).Partition(build(true))
	require.NoError(t, err)
	require.Len(t, plan.Clusters, 1)
	// w is not constant but a supported node needs it, so it trails the runtime inputs
	assert.Equal(t, []string{"a", "w"}, plan.Clusters[0].Inputs)
}

func TestPartition_ExternalData(t *testing.T) {
	g := graph.New("external", 13)
	g.AddInput("x", graph.Float, 4)
	g.AddInitializer(&graph.Initializer{Name: "w", Type: graph.Float, Dims: []int64{4}, External: true})
	g.AddOutput("y", graph.Float, 4)
	g.AddNode("Add", []string{"x", "w"}, []string{"y"})

	plan, err := New(registry).Partition(g)
	require.NoError(t, err)
	assert.Empty(t, plan.Clusters)
}

func TestPartition_Cycle(t *testing.T) {
	g := graph.New("cycle", 13)
	value(g, "a")
	value(g, "b")
	g.AddNode("Abs", []string{"b"}, []string{"a"})
	g.AddNode("Abs", []string{"a"}, []string{"b"})

	_, err := New(registry).Partition(g)
	assert.ErrorIs(t, err, graph.ErrCycle)
}

// randomGraph builds a DAG of unary and binary float ops over earlier values.
func randomGraph(r *rand.Rand, size int) *graph.Graph {
	g := graph.New("random", 13)
	g.AddInput("v0", graph.Float, 4)
	weights(g, "w")
	vals := []string{"v0", "w"}
	ops := []string{"Abs", "Relu", "Sqrt", "Add", "Mul", "Relu"}
	for k := 1; k <= size; k++ {
		out := fmt.Sprintf("v%d", k)
		if k == size || r.IntN(5) == 0 {
			g.AddOutput(out, graph.Float, 4)
		} else {
			value(g, out)
		}
		op := ops[r.IntN(len(ops))]
		in := []string{vals[r.IntN(len(vals))]}
		if op == "Add" || op == "Mul" {
			in = append(in, vals[r.IntN(len(vals))])
		}
		g.AddNode(op, in, []string{out})
		vals = append(vals, out)
	}
	return g
}

func TestPartition_Properties(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 11))
	for iter := range 200 {
		g := randomGraph(r, 2+r.IntN(12))
		plan, err := New(registry).Partition(g)
		require.NoError(t, err)

		pos := make(map[int]int, len(plan.Order))
		for p, i := range plan.Order {
			pos[i] = p
		}

		seen := make(map[int]bool)
		for _, c := range plan.Clusters {
			inside := make(map[int]bool)
			produced := make(map[string]bool)
			for k, i := range c.Nodes {
				require.False(t, seen[i], "iteration %d: node %d in two clusters", iter, i)
				require.True(t, plan.Supported[i], "iteration %d: unsupported node %d clustered", iter, i)
				seen[i], inside[i] = true, true
				if k > 0 {
					require.Equal(t, pos[c.Nodes[k-1]]+1, pos[i], "iteration %d: cluster is not a run of the order", iter)
				}
				for _, out := range g.Node(i).Outputs {
					produced[out] = true
				}
			}
			for _, in := range c.Inputs {
				assert.False(t, produced[in], "iteration %d: input %s produced inside", iter, in)
			}
			for _, out := range c.Outputs {
				escapes := g.IsOutput(out) || slices.ContainsFunc(g.Consumers(out), func(n *graph.Node) bool {
					return !inside[n.Index]
				})
				assert.True(t, escapes, "iteration %d: output %s only consumed inside", iter, out)
			}
		}
		for i, ok := range plan.Supported {
			assert.Equal(t, ok, seen[i], "iteration %d: node %d coverage", iter, i)
		}
	}
}
