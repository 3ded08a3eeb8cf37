package graph

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func diamond() *Graph {
	g := New("diamond", 13)
	g.AddInput("x", Float, 1, 4)
	g.AddInitializer(&Initializer{Name: "w", Type: Float, Dims: []int64{4}, FloatData: []float32{1, 2, 3, 4}})
	g.AddValue("a", Float, 1, 4)
	g.AddValue("b", Float, 1, 4)
	g.AddOutput("y", Float, 1, 4)
	// added out of order on purpose
	g.AddNode("Add", []string{"a", "b"}, []string{"y"})
	g.AddNode("Mul", []string{"x", "w"}, []string{"a"})
	g.AddNode("Abs", []string{"x"}, []string{"b"})
	return g
}

func TestTopologicalOrder(t *testing.T) {
	g := diamond()
	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	if diff := cmp.Diff([]int{1, 2, 0}, order); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}

	t.Run("Cycle", func(t *testing.T) {
		g := New("cycle", 13)
		g.AddNode("Abs", []string{"b"}, []string{"a"})
		g.AddNode("Abs", []string{"a"}, []string{"b"})
		_, err := g.TopologicalOrder()
		assert.True(t, errors.Is(err, ErrCycle))
	})
}

func TestInitializerQueries(t *testing.T) {
	g := diamond()
	g.AddInitializer(&Initializer{Name: "x", Type: Float, Dims: []int64{1, 4}, FloatData: make([]float32, 4)})

	assert.True(t, g.IsConstantInitializer("w"))
	assert.True(t, g.IsInitializedTensor("x"))
	assert.False(t, g.IsConstantInitializer("x"), "x can be overridden by the graph input")
	assert.Empty(t, g.GraphInputs())
	assert.Equal(t, []string{"x"}, g.Inputs())

	consumers := g.Consumers("x")
	require.Len(t, consumers, 2)
	assert.Equal(t, "Mul", consumers[0].OpType)
	p, ok := g.Producer("y")
	require.True(t, ok)
	assert.Equal(t, "Add", p.OpType)
}

func TestAttributes(t *testing.T) {
	g := New("attrs", 13)
	n := g.AddNode("Conv", []string{"x", "w"}, []string{"y"},
		WithAttr("group", IntAttr(2)),
		WithAttr("auto_pad", StringAttr("VALID")),
		WithAttr("strides", IntsAttr(2, 2)),
		WithAttr("alpha", FloatAttr(0.5)),
	)
	assert.Equal(t, int64(2), n.AttrInt("group", 1))
	assert.Equal(t, int64(1), n.AttrInt("missing", 1))
	assert.Equal(t, "VALID", n.AttrString("auto_pad", "NOTSET"))
	assert.Equal(t, []int64{2, 2}, n.AttrInts("strides", nil))
	assert.Equal(t, float32(0.5), n.AttrFloat("alpha", 1))
	// kind mismatch falls back to the default
	assert.Equal(t, float32(1), n.AttrFloat("group", 1))
	assert.True(t, n.HasAttr("group"))
	assert.Equal(t, "", n.Input(5))
}

func TestUnpack(t *testing.T) {
	t.Run("Float payload", func(t *testing.T) {
		init := &Initializer{Name: "f", Type: Float, Dims: []int64{2}, FloatData: []float32{1.5, -2}}
		raw, err := init.Unpack()
		require.NoError(t, err)
		require.Len(t, raw, 8)
		assert.Equal(t, float32(-2), math.Float32frombits(binary.LittleEndian.Uint32(raw[4:])))
	})

	t.Run("Narrow types from int32 payload", func(t *testing.T) {
		init := &Initializer{Name: "zp", Type: Uint8, Dims: nil, Int32Data: []int32{200}}
		raw, err := init.Unpack()
		require.NoError(t, err)
		assert.Equal(t, []byte{200}, raw)

		init = &Initializer{Name: "s", Type: Int16, Dims: []int64{2}, Int32Data: []int32{-1, 3}}
		raw, err = init.Unpack()
		require.NoError(t, err)
		assert.Equal(t, []byte{0xff, 0xff, 3, 0}, raw)
	})

	t.Run("Raw size mismatch", func(t *testing.T) {
		init := &Initializer{Name: "bad", Type: Float, Dims: []int64{3}, Raw: make([]byte, 8)}
		_, err := init.Unpack()
		assert.True(t, errors.Is(err, ErrMalformedTensor))
	})

	t.Run("External", func(t *testing.T) {
		init := &Initializer{Name: "ext", Type: Float, Dims: []int64{1}, External: true}
		_, err := init.Unpack()
		assert.True(t, errors.Is(err, ErrMalformedTensor))
	})
}

func TestCodecRoundTrip(t *testing.T) {
	g := diamond()
	g.AddNode("Custom", []string{"y"}, []string{"z"}, WithDomain("com.example"), WithName("custom"))
	g.AddUnknownValue("z", Float)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, g))

	got, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, g.Name, got.Name)
	assert.Equal(t, g.Inputs(), got.Inputs())
	assert.Equal(t, g.Outputs(), got.Outputs())
	require.Equal(t, g.NumNodes(), got.NumNodes())
	assert.Equal(t, "com.example", got.Node(3).Domain)

	v, ok := got.Value("a")
	require.True(t, ok)
	assert.Equal(t, []int64{1, 4}, v.Shape)
	z, ok := got.Value("z")
	require.True(t, ok)
	assert.Equal(t, -1, z.Rank())

	w, ok := got.Initializer("w")
	require.True(t, ok)
	vals, err := w.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, vals)
}
