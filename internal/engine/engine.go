// Package engine compiles a cluster of host nodes into a device graph and runs it.
//
// A Unit is built once by Compile and reused across inference calls. Compute is
// serialized per unit; distinct units share nothing and may run in parallel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-npu/internal/binding"
	"github.com/23skdu/longbow-npu/internal/builder"
	"github.com/23skdu/longbow-npu/internal/device"
	"github.com/23skdu/longbow-npu/internal/graph"
)

var (
	// ErrBindingInconsistency is returned when a pending operation refers to a
	// value that has no tensor.
	ErrBindingInconsistency = errors.New("operation references an unbound value")
	// ErrInvalidDefinition is returned for clusters that do not fit the host graph.
	ErrInvalidDefinition = errors.New("invalid cluster definition")
	// ErrInputMismatch is returned when Compute inputs disagree with the boundary
	// recorded at compile time.
	ErrInputMismatch = errors.New("input does not match the compiled boundary")
)

var tracer = otel.Tracer("npu-engine")

// Definition names the nodes and boundary of one cluster. Nodes must be in
// topological order.
type Definition struct {
	Name    string
	Nodes   []int
	Inputs  []string
	Outputs []string
}

// GraphIO records one boundary value of a unit.
type GraphIO struct {
	Name          string
	IsInitializer bool
	Slot          binding.Slot
	Shape         []int64
	Type          graph.DataType
}

// HostTensor is a host-side buffer in the host's row-major layout. Data holds
// packed little-endian elements of Type.
type HostTensor struct {
	Name  string
	Type  graph.DataType
	Shape []int64
	Data  []byte
}

// ByteSize is the element count times the element width of Type.
func (t HostTensor) ByteSize() int {
	return int(graph.ElementCount(t.Shape)) * t.Type.Size()
}

// Unit is a compiled cluster.
type Unit struct {
	mu sync.Mutex

	name     string
	backend  string
	dev      device.Graph
	resolver *binding.Resolver
	ops      []builder.Op
	inputs   []GraphIO
	outputs  []GraphIO
}

// Compile lowers the nodes of def through reg and verifies the resulting device
// graph. On error no unit is returned.
func Compile(backend device.Backend, reg *builder.Registry, g *graph.Graph, def Definition) (*Unit, error) {
	start := time.Now()
	u, err := compile(backend, reg, g, def)
	if err != nil {
		compileFailures.Inc()
		log.Error().Err(err).Str("unit", def.Name).Msg("compile failed")
		return nil, err
	}
	log.Info().
		Str("unit", def.Name).
		Str("backend", u.backend).
		Int("nodes", len(def.Nodes)).
		Int("ops", len(u.ops)).
		Int("tensors", u.resolver.Len()).
		Dur("elapsed", time.Since(start)).
		Msg("unit compiled")
	return u, nil
}

func compile(backend device.Backend, reg *builder.Registry, g *graph.Graph, def Definition) (*Unit, error) {
	for _, i := range def.Nodes {
		if i < 0 || i >= g.NumNodes() {
			return nil, fmt.Errorf("%w: %s: node index %d out of range", ErrInvalidDefinition, def.Name, i)
		}
	}

	r := binding.NewResolver(g, def.Inputs, def.Outputs)
	u := &Unit{name: def.Name, backend: backend.Name(), resolver: r}

	// boundary values are registered before any node so their slots are stable
	for _, name := range def.Inputs {
		io, err := boundary(g, r, name)
		if err != nil {
			return nil, fmt.Errorf("%s: input %w", def.Name, err)
		}
		io.IsInitializer = g.IsInitializedTensor(name)
		u.inputs = append(u.inputs, io)
	}
	for _, name := range def.Outputs {
		io, err := boundary(g, r, name)
		if err != nil {
			return nil, fmt.Errorf("%s: output %w", def.Name, err)
		}
		u.outputs = append(u.outputs, io)
	}

	ctx := builder.NewContext(r)
	for _, i := range def.Nodes {
		if err := reg.Lower(ctx, g.Node(i)); err != nil {
			return nil, fmt.Errorf("%s: %w", def.Name, err)
		}
	}
	u.ops = ctx.Ops()

	u.dev = backend.NewGraph()
	if err := r.Materialize(u.dev); err != nil {
		return nil, fmt.Errorf("%s: %w", def.Name, err)
	}
	for _, op := range u.ops {
		if err := bind(u.dev, r, op); err != nil {
			return nil, fmt.Errorf("%s: %w", def.Name, err)
		}
	}
	if err := u.dev.Compile(); err != nil {
		return nil, fmt.Errorf("%s: %w", def.Name, err)
	}
	return u, nil
}

func boundary(g *graph.Graph, r *binding.Resolver, name string) (GraphIO, error) {
	v, ok := g.Value(name)
	if !ok {
		return GraphIO{}, fmt.Errorf("%s: %w", name, binding.ErrUnknownValue)
	}
	s, err := r.Resolve(name)
	if err != nil {
		return GraphIO{}, fmt.Errorf("%s: %w", name, err)
	}
	return GraphIO{Name: name, Slot: s, Shape: append([]int64(nil), v.Shape...), Type: v.Type}, nil
}

// bind creates the device operation for op and attaches its tensors.
func bind(dev device.Graph, r *binding.Resolver, op builder.Op) error {
	o, err := dev.CreateOperation(op.Kind, op.Params)
	if err != nil {
		return fmt.Errorf("%s: %w", op.Node, err)
	}
	ins := make([]device.Tensor, len(op.Inputs))
	for i, s := range op.Inputs {
		t, err := r.Tensor(s)
		if err != nil {
			return fmt.Errorf("%w: %s %s input %d: %v", ErrBindingInconsistency, op.Node, op.Kind, i, err)
		}
		ins[i] = t
	}
	out, err := r.Tensor(op.Output)
	if err != nil {
		return fmt.Errorf("%w: %s %s output: %v", ErrBindingInconsistency, op.Node, op.Kind, err)
	}
	o.BindInputs(ins...).BindOutput(out)
	return nil
}

// Name returns the cluster name the unit was compiled from.
func (u *Unit) Name() string { return u.name }

// Inputs returns every boundary input, initializers included, in declared order.
func (u *Unit) Inputs() []GraphIO { return append([]GraphIO(nil), u.inputs...) }

// Outputs returns the boundary outputs in declared order.
func (u *Unit) Outputs() []GraphIO { return append([]GraphIO(nil), u.outputs...) }

// Feeds returns the boundary inputs Compute expects, in order.
func (u *Unit) Feeds() []GraphIO {
	out := make([]GraphIO, 0, len(u.inputs))
	for _, io := range u.inputs {
		if !io.IsInitializer {
			out = append(out, io)
		}
	}
	return out
}

// Compute runs the unit once. inputs holds one tensor per Feeds entry in the same
// order; a non-empty Name must match the boundary name. The lock is held for the
// input copy, the run and the output copy.
func (u *Unit) Compute(ctx context.Context, inputs []HostTensor) ([]HostTensor, error) {
	_, span := tracer.Start(ctx, "Unit.Compute", trace.WithAttributes(
		attribute.String("unit", u.name),
		attribute.Int("inputs", len(inputs)),
	))
	defer span.End()

	start := time.Now()
	outs, err := u.compute(inputs)
	if err != nil {
		computeFailures.WithLabelValues(u.name).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error().Err(err).Str("unit", u.name).Msg("compute failed")
		return nil, err
	}
	computeDuration.WithLabelValues(u.name).Observe(time.Since(start).Seconds())
	return outs, nil
}

func (u *Unit) compute(inputs []HostTensor) ([]HostTensor, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	feeds := 0
	for _, io := range u.inputs {
		if !io.IsInitializer {
			feeds++
		}
	}
	if len(inputs) != feeds {
		return nil, fmt.Errorf("%w: %s: got %d inputs, want %d", ErrInputMismatch, u.name, len(inputs), feeds)
	}

	j := 0
	for _, io := range u.inputs {
		if io.IsInitializer {
			continue
		}
		in := inputs[j]
		j++
		if in.Name != "" && in.Name != io.Name {
			return nil, fmt.Errorf("%w: %s: input %d is %q, want %q", ErrInputMismatch, u.name, j-1, in.Name, io.Name)
		}
		if io.Type != graph.Undefined && in.Type != io.Type {
			return nil, fmt.Errorf("%w: %s: %s supplied, want %s", ErrInputMismatch, io.Name, in.Type, io.Type)
		}
		t, err := u.resolver.Tensor(io.Slot)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrBindingInconsistency, io.Name, err)
		}
		n := in.ByteSize()
		if n != len(in.Data) || n != t.Spec().ByteSize() {
			return nil, fmt.Errorf("%w: %s: %d bytes declared, %d supplied, tensor holds %d",
				ErrInputMismatch, io.Name, n, len(in.Data), t.Spec().ByteSize())
		}
		if err := t.CopyDataToTensor(in.Data); err != nil {
			return nil, fmt.Errorf("%s: %w", io.Name, err)
		}
	}

	if err := u.dev.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w", u.name, err)
	}

	outs := make([]HostTensor, len(u.outputs))
	for i, io := range u.outputs {
		t, err := u.resolver.Tensor(io.Slot)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrBindingInconsistency, io.Name, err)
		}
		buf := make([]byte, t.Spec().ByteSize())
		if err := t.CopyDataFromTensor(buf); err != nil {
			return nil, fmt.Errorf("%s: %w", io.Name, err)
		}
		outs[i] = HostTensor{Name: io.Name, Type: io.Type, Shape: append([]int64(nil), io.Shape...), Data: buf}
	}
	return outs, nil
}
