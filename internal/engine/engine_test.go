package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-npu/internal/binding"
	"github.com/23skdu/longbow-npu/internal/builder"
	"github.com/23skdu/longbow-npu/internal/device"
	"github.com/23skdu/longbow-npu/internal/graph"
)

func f32Bytes(vals ...float32) []byte {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

func readF32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// wholeGraph compiles every node of g with the graph boundary.
func wholeGraph(t *testing.T, g *graph.Graph) *Unit {
	t.Helper()
	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	u, err := Compile(device.NewCPUBackend(), builder.NewRegistry(), g, Definition{
		Name:    g.Name,
		Nodes:   order,
		Inputs:  g.GraphInputs(),
		Outputs: g.Outputs(),
	})
	require.NoError(t, err)
	return u
}

func quantizeGraph() *graph.Graph {
	g := graph.New("quantize", 13)
	g.AddInput("x", graph.Float, 3)
	g.AddInitializer(&graph.Initializer{Name: "s", Type: graph.Float, FloatData: []float32{0.5}})
	g.AddInitializer(&graph.Initializer{Name: "zp", Type: graph.Uint8, Raw: []byte{0}})
	g.AddOutput("y", graph.Uint8, 3)
	g.AddNode("QuantizeLinear", []string{"x", "s", "zp"}, []string{"y"})
	return g
}

func addGraph() *graph.Graph {
	g := graph.New("add", 13)
	g.AddInput("x", graph.Float, 4)
	g.AddInitializer(&graph.Initializer{Name: "w", Type: graph.Float, Dims: []int64{4}, FloatData: []float32{10, 20, 30, 40}})
	g.AddOutput("y", graph.Float, 4)
	g.AddNode("Add", []string{"x", "w"}, []string{"y"})
	return g
}

func TestCompute_Quantize(t *testing.T) {
	u := wholeGraph(t, quantizeGraph())

	outs, err := u.Compute(context.Background(), []HostTensor{
		{Name: "x", Type: graph.Float, Shape: []int64{3}, Data: f32Bytes(64, -1000, 1000)},
	})
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, "y", outs[0].Name)
	assert.Equal(t, graph.Uint8, outs[0].Type)
	assert.Equal(t, []int64{3}, outs[0].Shape)
	assert.Equal(t, []byte{128, 0, 255}, outs[0].Data)
}

func TestCompute_Gemm(t *testing.T) {
	g := graph.New("gemm", 13)
	g.AddInput("a", graph.Float, 2, 3)
	g.AddInitializer(&graph.Initializer{Name: "b", Type: graph.Float, Dims: []int64{3, 2}, FloatData: []float32{1, 2, 3, 4, 5, 6}})
	g.AddInitializer(&graph.Initializer{Name: "c", Type: graph.Float, Dims: []int64{2}, FloatData: []float32{2, 4}})
	g.AddOutput("y", graph.Float, 2, 2)
	g.AddNode("Gemm", []string{"a", "b", "c"}, []string{"y"},
		graph.WithAttr("alpha", graph.FloatAttr(2)), graph.WithAttr("beta", graph.FloatAttr(0.5)))
	u := wholeGraph(t, g)

	outs, err := u.Compute(context.Background(), []HostTensor{
		{Type: graph.Float, Shape: []int64{2, 3}, Data: f32Bytes(1, 2, 3, 4, 5, 6)},
	})
	require.NoError(t, err)
	// 2·AB = [44 56; 98 128], 0.5·C = [1 2]
	assert.Equal(t, []float32{45, 58, 99, 130}, readF32(outs[0].Data))
}

func TestCompute_QuantizedChain(t *testing.T) {
	g := graph.New("chain", 13)
	g.AddInput("x", graph.Uint8, 3)
	g.AddInitializer(&graph.Initializer{Name: "s", Type: graph.Float, FloatData: []float32{0.5}})
	g.AddInitializer(&graph.Initializer{Name: "zp", Type: graph.Uint8, Raw: []byte{0}})
	g.AddInitializer(&graph.Initializer{Name: "one", Type: graph.Float, Dims: []int64{1}, FloatData: []float32{1}})
	g.AddValue("d", graph.Float, 3)
	g.AddValue("sum", graph.Float, 3)
	g.AddOutput("y", graph.Uint8, 3)
	g.AddNode("DequantizeLinear", []string{"x", "s", "zp"}, []string{"d"})
	g.AddNode("Add", []string{"d", "one"}, []string{"sum"})
	g.AddNode("QuantizeLinear", []string{"sum", "s", "zp"}, []string{"y"})
	u := wholeGraph(t, g)

	outs, err := u.Compute(context.Background(), []HostTensor{
		{Name: "x", Type: graph.Uint8, Shape: []int64{3}, Data: []byte{2, 4, 6}},
	})
	require.NoError(t, err)
	// real [1 2 3] + 1 = [2 3 4], requantized at scale 0.5
	assert.Equal(t, []byte{4, 6, 8}, outs[0].Data)
}

func TestCompute_InitializerInputsAreNotFed(t *testing.T) {
	g := addGraph()
	u, err := Compile(device.NewCPUBackend(), builder.NewRegistry(), g, Definition{
		Name:    "NPUOp_1",
		Nodes:   []int{0},
		Inputs:  []string{"x", "w"},
		Outputs: []string{"y"},
	})
	require.NoError(t, err)

	ins := u.Inputs()
	require.Len(t, ins, 2)
	assert.False(t, ins[0].IsInitializer)
	assert.True(t, ins[1].IsInitializer)
	require.Len(t, u.Feeds(), 1)
	assert.Equal(t, "x", u.Feeds()[0].Name)

	outs, err := u.Compute(context.Background(), []HostTensor{
		{Type: graph.Float, Shape: []int64{4}, Data: f32Bytes(1, 2, 3, 4)},
	})
	require.NoError(t, err)
	assert.Equal(t, []float32{11, 22, 33, 44}, readF32(outs[0].Data))
}

func TestCompute_InputValidation(t *testing.T) {
	u := wholeGraph(t, addGraph())
	ctx := context.Background()

	tests := []struct {
		name   string
		inputs []HostTensor
	}{
		{name: "no inputs"},
		{
			name: "too many inputs",
			inputs: []HostTensor{
				{Type: graph.Float, Shape: []int64{4}, Data: f32Bytes(1, 2, 3, 4)},
				{Type: graph.Float, Shape: []int64{4}, Data: f32Bytes(1, 2, 3, 4)},
			},
		},
		{
			name:   "wrong name",
			inputs: []HostTensor{{Name: "z", Type: graph.Float, Shape: []int64{4}, Data: f32Bytes(1, 2, 3, 4)}},
		},
		{
			name:   "short buffer",
			inputs: []HostTensor{{Type: graph.Float, Shape: []int64{4}, Data: f32Bytes(1, 2, 3)}},
		},
		{
			name:   "wrong element width",
			inputs: []HostTensor{{Type: graph.Uint8, Shape: []int64{4}, Data: []byte{1, 2, 3, 4}}},
		},
		{
			name:   "same width wrong type",
			inputs: []HostTensor{{Type: graph.Int32, Shape: []int64{2, 2}, Data: make([]byte, 16)}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := u.Compute(ctx, tt.inputs)
			assert.ErrorIs(t, err, ErrInputMismatch)
		})
	}
}

func TestCompute_Concurrent(t *testing.T) {
	u := wholeGraph(t, addGraph())

	var eg errgroup.Group
	for w := range 8 {
		eg.Go(func() error {
			base := float32(w * 100)
			for i := range 25 {
				x := base + float32(i)
				outs, err := u.Compute(context.Background(), []HostTensor{
					{Type: graph.Float, Shape: []int64{4}, Data: f32Bytes(x, x, x, x)},
				})
				if err != nil {
					return err
				}
				want := []float32{x + 10, x + 20, x + 30, x + 40}
				if got := readF32(outs[0].Data); !assert.ObjectsAreEqual(want, got) {
					return fmt.Errorf("worker %d iteration %d: got %v, want %v", w, i, got, want)
				}
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
}

func TestCompile_BoundaryObservesReplacement(t *testing.T) {
	u := wholeGraph(t, quantizeGraph())

	out := u.Outputs()[0]
	d := u.Dump()
	require.Len(t, d.Ops, 1)
	assert.Equal(t, "DataConvert", d.Ops[0].Kind)
	assert.Equal(t, int(out.Slot), d.Ops[0].Output)

	// x, s, zp, y: the replacement reused y's slot
	require.Len(t, d.Tensors, 4)
	assert.Len(t, u.dev.Tensors(), 4)
	y := d.Tensors[out.Slot]
	assert.Equal(t, "y", y.Name)
	assert.Equal(t, "OUTPUT", y.Role)
	assert.Equal(t, "ASYMMETRIC scale=0.5 zero_point=0", y.Quant)

	again, err := u.resolver.Resolve("y")
	require.NoError(t, err)
	assert.Equal(t, out.Slot, again)
}

func TestCompile_Errors(t *testing.T) {
	backend := device.NewCPUBackend()
	reg := builder.NewRegistry()

	t.Run("unsupported combination", func(t *testing.T) {
		g := graph.New("q", 13)
		g.AddInput("x", graph.Float, 3)
		g.AddInitializer(&graph.Initializer{Name: "s", Type: graph.Float, FloatData: []float32{0.5}})
		g.AddInitializer(&graph.Initializer{Name: "zp", Type: graph.Int8, Raw: []byte{0}})
		g.AddOutput("y", graph.Uint8, 3)
		g.AddNode("QuantizeLinear", []string{"x", "s", "zp"}, []string{"y"})

		u, err := Compile(backend, reg, g, Definition{Name: "q", Nodes: []int{0}, Inputs: []string{"x"}, Outputs: []string{"y"}})
		assert.ErrorIs(t, err, builder.ErrUnsupportedCombination)
		assert.Nil(t, u)
	})

	t.Run("node out of range", func(t *testing.T) {
		_, err := Compile(backend, reg, addGraph(), Definition{Name: "add", Nodes: []int{3}})
		assert.ErrorIs(t, err, ErrInvalidDefinition)
	})

	t.Run("unknown boundary value", func(t *testing.T) {
		_, err := Compile(backend, reg, addGraph(), Definition{Name: "add", Nodes: []int{0}, Inputs: []string{"ghost"}})
		assert.ErrorIs(t, err, binding.ErrUnknownValue)
	})

	t.Run("output never written", func(t *testing.T) {
		g := addGraph()
		g.AddOutput("orphan", graph.Float, 4)
		_, err := Compile(backend, reg, g, Definition{
			Name: "add", Nodes: []int{0}, Inputs: []string{"x"}, Outputs: []string{"y", "orphan"},
		})
		assert.ErrorIs(t, err, device.ErrCompile)
	})
}

func TestBind_UnboundSlot(t *testing.T) {
	g := addGraph()
	r := binding.NewResolver(g, []string{"x"}, []string{"y"})
	y, err := r.Resolve("y")
	require.NoError(t, err)
	dev := device.NewCPUBackend().NewGraph()
	require.NoError(t, r.Materialize(dev))

	op := builder.Op{Node: g.Node(0), Kind: device.OpAbs, Inputs: []binding.Slot{binding.NoSlot}, Output: y}
	assert.ErrorIs(t, bind(dev, r, op), ErrBindingInconsistency)

	op = builder.Op{Node: g.Node(0), Kind: device.OpAbs, Inputs: []binding.Slot{y}, Output: binding.Slot(7)}
	assert.ErrorIs(t, bind(dev, r, op), ErrBindingInconsistency)
}
