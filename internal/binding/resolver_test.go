package binding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-npu/internal/device"
	"github.com/23skdu/longbow-npu/internal/graph"
)

func testGraph() *graph.Graph {
	g := graph.New("resolver", 13)
	g.AddInput("x", graph.Float, 1, 3)
	g.AddInitializer(&graph.Initializer{Name: "w", Type: graph.Float, Dims: []int64{3}, FloatData: []float32{1, 2, 3}})
	g.AddValue("t", graph.Float, 1, 3)
	g.AddOutput("y", graph.Uint8, 1, 3)
	g.AddUnknownValue("u", graph.Float)
	g.AddValue("d", graph.Double, 2)
	g.AddNode("Add", []string{"x", "w"}, []string{"t"})
	g.AddNode("Abs", []string{"t"}, []string{"y"})
	return g
}

func TestResolve(t *testing.T) {
	r := NewResolver(testGraph(), []string{"x"}, []string{"y"})

	tests := []struct {
		name  string
		attr  device.TensorAttribute
		dt    device.DataType
		shape device.ShapeType
	}{
		{"x", device.TensorInput, device.Float32, device.ShapeType{3, 1}},
		{"w", device.TensorConstant, device.Float32, device.ShapeType{3}},
		{"t", device.TensorTransient, device.Float32, device.ShapeType{3, 1}},
		{"y", device.TensorOutput, device.Uint8, device.ShapeType{3, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := r.Resolve(tt.name)
			require.NoError(t, err)
			spec, err := r.Spec(s)
			require.NoError(t, err)
			assert.Equal(t, tt.attr, spec.Attr)
			assert.Equal(t, tt.dt, spec.DataType)
			assert.Equal(t, tt.shape, spec.Shape)
		})
	}

	w, _ := r.Lookup("w")
	assert.Len(t, r.Data(w), 12)
	assert.Equal(t, []string{"x", "w", "t", "y"}, r.Names())
}

func TestResolveErrors(t *testing.T) {
	r := NewResolver(testGraph(), nil, nil)

	_, err := r.Resolve("missing")
	assert.ErrorIs(t, err, ErrUnknownValue)
	_, err = r.Resolve("u")
	assert.ErrorIs(t, err, ErrUnknownValue)
	_, err = r.Resolve("d")
	assert.ErrorIs(t, err, ErrUnsupportedType)
	assert.Equal(t, 0, r.Len())
}

func TestResolveIsIdempotent(t *testing.T) {
	r := NewResolver(testGraph(), []string{"x"}, []string{"y"})
	a, err := r.Resolve("x")
	require.NoError(t, err)
	b, err := r.Resolve("x")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, 1, r.Len())
}

func TestReplace(t *testing.T) {
	r := NewResolver(testGraph(), []string{"x"}, []string{"y"})
	y, err := r.Resolve("y")
	require.NoError(t, err)

	spec, _ := r.Spec(y)
	q := spec.WithQuantization(device.NewAsymmetric(0.5, 3))
	s, err := r.Replace("y", q, nil)
	require.NoError(t, err)
	assert.Equal(t, y, s)
	assert.Equal(t, 1, r.Len())

	got, _ := r.Spec(y)
	assert.Equal(t, device.QuantAsymmetric, got.Quant.Type)

	dev := device.NewCPUBackend().NewGraph()
	require.NoError(t, r.Materialize(dev))
	assert.Len(t, dev.Tensors(), 1)
	tensor, err := r.Tensor(y)
	require.NoError(t, err)
	assert.Equal(t, []int32{3}, tensor.Spec().Quant.ZeroPoints)

	_, err = r.Replace("z", device.NewTensorSpec(device.Float32, device.ShapeType{1}, device.TensorTransient), []byte{1})
	assert.ErrorIs(t, err, device.ErrInvalidSpec)
}

func TestAnonymousInvalidatesTensors(t *testing.T) {
	r := NewResolver(testGraph(), nil, nil)
	s, err := r.Anonymous(device.NewTensorSpec(device.Float32, device.ShapeType{1}, device.TensorConstant), []byte{0, 0, 128, 63})
	require.NoError(t, err)
	assert.Equal(t, "", r.Name(s))

	require.NoError(t, r.Materialize(device.NewCPUBackend().NewGraph()))
	_, err = r.Tensor(s)
	require.NoError(t, err)

	_, err = r.Anonymous(device.NewTensorSpec(device.Float32, device.ShapeType{1}, device.TensorTransient), nil)
	require.NoError(t, err)
	_, err = r.Tensor(s)
	assert.ErrorIs(t, err, ErrUnboundSlot)
}

func TestShape(t *testing.T) {
	assert.Equal(t, device.ShapeType{1}, Shape(nil))
	assert.Equal(t, device.ShapeType{4, 3, 2}, Shape([]int64{2, 3, 4}))
}
