// Package builder decides which host operators the accelerator can run and lowers
// them onto device primitives.
//
// A Registry maps operator types to OpBuilders. It is built once with NewRegistry
// and is read-only afterwards, so it can be shared by the partitioner and any
// number of compiles.
package builder

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-npu/internal/binding"
	"github.com/23skdu/longbow-npu/internal/device"
	"github.com/23skdu/longbow-npu/internal/graph"
)

var (
	// ErrUnsupportedCombination is returned when a lowering meets a numeric type
	// combination no primitive can represent.
	ErrUnsupportedCombination = errors.New("unsupported numeric type combination")
	// ErrMalformedConstant is returned when a scale, zero point or weight operand is
	// missing, not constant, or has an unexpected element count.
	ErrMalformedConstant = errors.New("malformed constant operand")
	// ErrUnsupportedOp is returned when lowering an operator with no builder.
	ErrUnsupportedOp = errors.New("operator has no lowering")
	// ErrInvalidAttribute is returned for attribute values a primitive cannot take.
	ErrInvalidAttribute = errors.New("invalid attribute")
)

// OpBuilder lowers one host operator type.
type OpBuilder interface {
	// IsOpSupported runs the operator-specific capability checks. The generic type,
	// domain and shape checks have already passed when it is called.
	IsOpSupported(g *graph.Graph, n *graph.Node) bool
	// Build emits the primitives for n. inputs and outputs hold one slot per node
	// operand, binding.NoSlot for absent optional operands.
	Build(ctx *Context, n *graph.Node, inputs, outputs []binding.Slot) error
}

// base accepts every node that passed the generic checks.
type base struct{}

func (base) IsOpSupported(*graph.Graph, *graph.Node) bool { return true }

// Op is a primitive waiting to be bound. It refers to tensors by slot so later
// replacements in the resolver are picked up when the unit is finalized.
type Op struct {
	Node   *graph.Node
	Kind   device.OpKind
	Params any
	Inputs []binding.Slot
	Output binding.Slot
}

// Context carries the state of one unit under construction.
type Context struct {
	Graph    *graph.Graph
	Resolver *binding.Resolver
	ops      []Op
}

// NewContext starts a unit backed by r.
func NewContext(r *binding.Resolver) *Context {
	return &Context{Graph: r.Graph(), Resolver: r}
}

// Emit appends a pending primitive.
func (c *Context) Emit(n *graph.Node, kind device.OpKind, params any, output binding.Slot, inputs ...binding.Slot) {
	c.ops = append(c.ops, Op{Node: n, Kind: kind, Params: params, Inputs: inputs, Output: output})
}

// Ops returns the pending primitives in emission order.
func (c *Context) Ops() []Op { return c.ops }

func (c *Context) spec(s binding.Slot) (device.TensorSpec, error) {
	return c.Resolver.Spec(s)
}

// temporary registers a transient tensor shaped like s.
func (c *Context) temporary(s binding.Slot) (binding.Slot, error) {
	spec, err := c.spec(s)
	if err != nil {
		return binding.NoSlot, err
	}
	return c.Resolver.Anonymous(spec.AsTransient(), nil)
}

// scalar registers a one-element float32 constant.
func (c *Context) scalar(v float32) (binding.Slot, error) {
	spec := device.NewTensorSpec(device.Float32, device.ShapeType{1}, device.TensorConstant)
	return c.Resolver.Anonymous(spec, float32Bytes(v))
}

// requantize replaces the tensor behind name with a copy carrying q. Constant
// contents are carried over unchanged.
func (c *Context) requantize(name string, s binding.Slot, q device.Quantization) (binding.Slot, error) {
	spec, err := c.spec(s)
	if err != nil {
		return binding.NoSlot, err
	}
	return c.Resolver.Replace(name, spec.WithQuantization(q), c.Resolver.Data(s))
}

// Registry is the immutable table of supported operators.
type Registry struct {
	builders map[string]OpBuilder
}

// NewRegistry returns the registry of every operator this package can lower.
func NewRegistry() *Registry {
	r := &Registry{builders: make(map[string]OpBuilder)}

	elementwise := map[string]device.OpKind{
		"Add":       device.OpAdd,
		"Sub":       device.OpSub,
		"Mul":       device.OpMultiply,
		"Div":       device.OpDiv,
		"Abs":       device.OpAbs,
		"Pow":       device.OpPow,
		"Sqrt":      device.OpSqrt,
		"Exp":       device.OpExp,
		"Floor":     device.OpFloor,
		"Log":       device.OpLog,
		"Sin":       device.OpSin,
		"HardSwish": device.OpHardSwish,
	}
	for op, kind := range elementwise {
		r.register(op, elementwiseBuilder{kind: kind})
	}

	r.register("MatMul", matmulBuilder{})
	r.register("Gemm", gemmBuilder{})
	r.register("Conv", convBuilder{})
	r.register("BatchNormalization", batchNormBuilder{})
	r.register("QuantizeLinear", quantizeBuilder{})
	r.register("DequantizeLinear", dequantizeBuilder{})
	r.register("QLinearAdd", qlinearBinaryBuilder{kind: device.OpAdd})
	r.register("QLinearMul", qlinearBinaryBuilder{kind: device.OpMultiply})
	r.register("QLinearMatMul", qlinearMatMulBuilder{})
	r.register("QLinearConv", qlinearConvBuilder{})
	r.register("QLinearConcat", qlinearConcatBuilder{})
	return r
}

func (r *Registry) register(op string, b OpBuilder) {
	if _, dup := r.builders[op]; dup {
		panic(fmt.Sprintf("builder: %s registered twice", op))
	}
	r.builders[op] = b
}

// Without returns a copy of r that treats ops as unsupported.
func (r *Registry) Without(ops ...string) *Registry {
	out := &Registry{builders: make(map[string]OpBuilder, len(r.builders))}
	for op, b := range r.builders {
		out.builders[op] = b
	}
	for _, op := range ops {
		delete(out.builders, op)
	}
	return out
}

// Lookup returns the builder for an operator type.
func (r *Registry) Lookup(opType string) (OpBuilder, bool) {
	b, ok := r.builders[opType]
	return b, ok
}

// OpTypes lists the registered operator types, sorted.
func (r *Registry) OpTypes() []string {
	out := make([]string, 0, len(r.builders))
	for op := range r.builders {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}

var supportedTypes = map[graph.DataType]bool{
	graph.Bool:    true,
	graph.Float:   true,
	graph.Float16: true,
	graph.Int8:    true,
	graph.Uint8:   true,
	graph.Uint16:  true,
	graph.Int32:   true,
}

// IsSupported is the capability predicate. Checks run in a fixed order and the
// first failure decides: element types, default domain, zero-length dimensions,
// then the operator's own constraints.
func (r *Registry) IsSupported(g *graph.Graph, n *graph.Node) bool {
	b, ok := r.builders[n.OpType]
	if !ok {
		log.Debug().Str("node", n.String()).Msg("no builder for operator")
		return false
	}

	defs := operands(n)
	for _, name := range defs {
		v, ok := g.Value(name)
		if !ok || !supportedTypes[v.Type] {
			log.Debug().Str("node", n.String()).Str("value", name).Msg("element type not supported")
			return false
		}
	}

	if n.Domain != "" {
		log.Debug().Str("node", n.String()).Str("domain", n.Domain).Msg("only the default domain is supported")
		return false
	}

	for _, name := range defs {
		v, _ := g.Value(name)
		for _, d := range v.Shape {
			if d == 0 {
				log.Debug().Str("node", n.String()).Str("value", name).Msg("zero-length dimension")
				return false
			}
		}
	}

	return b.IsOpSupported(g, n)
}

// operands lists the present inputs then outputs of n.
func operands(n *graph.Node) []string {
	out := make([]string, 0, len(n.Inputs)+len(n.Outputs))
	for _, name := range n.Inputs {
		if name != "" {
			out = append(out, name)
		}
	}
	for _, name := range n.Outputs {
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

// Lower resolves the operands of n and runs its builder.
func (r *Registry) Lower(ctx *Context, n *graph.Node) error {
	b, ok := r.builders[n.OpType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedOp, n)
	}
	inputs, err := resolveAll(ctx.Resolver, n.Inputs)
	if err != nil {
		return fmt.Errorf("%s: %w", n, err)
	}
	outputs, err := resolveAll(ctx.Resolver, n.Outputs)
	if err != nil {
		return fmt.Errorf("%s: %w", n, err)
	}
	before := len(ctx.ops)
	if err := b.Build(ctx, n, inputs, outputs); err != nil {
		return fmt.Errorf("%s: %w", n, err)
	}
	log.Debug().Str("node", n.String()).Int("ops", len(ctx.ops)-before).Msg("lowered")
	return nil
}

func resolveAll(r *binding.Resolver, names []string) ([]binding.Slot, error) {
	out := make([]binding.Slot, len(names))
	for i, name := range names {
		if name == "" {
			out[i] = binding.NoSlot
			continue
		}
		s, err := r.Resolve(name)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

// present drops absent optional operands.
func present(slots ...binding.Slot) []binding.Slot {
	out := make([]binding.Slot, 0, len(slots))
	for _, s := range slots {
		if s != binding.NoSlot {
			out = append(out, s)
		}
	}
	return out
}

func valueType(g *graph.Graph, name string) graph.DataType {
	if v, ok := g.Value(name); ok {
		return v.Type
	}
	return graph.Undefined
}

func valueRank(g *graph.Graph, name string) int {
	if v, ok := g.Value(name); ok {
		return v.Rank()
	}
	return -1
}

// initializerSize returns the element count of an initializer, or -1.
func initializerSize(g *graph.Graph, name string) int64 {
	if init, ok := g.Initializer(name); ok {
		return graph.ElementCount(init.Dims)
	}
	return -1
}
