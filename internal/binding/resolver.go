// Package binding maps host value names to accelerator tensors.
//
// Every tensor lives in a slot of a single arena. Boundary records and pending
// operations hold slots, never tensors, so replacing the tensor behind a name is a
// single slot update that every holder observes. Device tensors are only
// materialized once lowering is finished, which keeps replaced specs from leaving
// orphans in the device graph.
package binding

import (
	"errors"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/23skdu/longbow-npu/internal/device"
	"github.com/23skdu/longbow-npu/internal/graph"
)

var (
	// ErrUnknownValue is returned for names the host graph has no descriptor for.
	ErrUnknownValue = errors.New("value has no type information")
	// ErrUnsupportedType is returned for host element types with no device equivalent.
	ErrUnsupportedType = errors.New("element type has no device equivalent")
	// ErrUnboundSlot is returned when a slot is used before the arena is materialized
	// or does not exist.
	ErrUnboundSlot = errors.New("slot is not bound")
)

// Slot indexes the resolver's tensor arena.
type Slot int

// NoSlot stands for an absent optional operand.
const NoSlot Slot = -1

type entry struct {
	name string
	spec device.TensorSpec
	data []byte
}

// Resolver owns the arena for one compiled unit.
type Resolver struct {
	g       *graph.Graph
	inputs  map[string]bool
	outputs map[string]bool

	entries []entry
	tensors []device.Tensor
	names   *orderedmap.OrderedMap[string, Slot]
}

// NewResolver creates a resolver for a cluster whose boundary is given by inputs and
// outputs.
func NewResolver(g *graph.Graph, inputs, outputs []string) *Resolver {
	r := &Resolver{
		g:       g,
		inputs:  make(map[string]bool, len(inputs)),
		outputs: make(map[string]bool, len(outputs)),
		names:   orderedmap.New[string, Slot](),
	}
	for _, name := range inputs {
		r.inputs[name] = true
	}
	for _, name := range outputs {
		r.outputs[name] = true
	}
	return r
}

// Graph returns the host graph the resolver reads descriptors from.
func (r *Resolver) Graph() *graph.Graph { return r.g }

// Resolve returns the slot for name, creating it on first reference. Initializers
// become CONSTANT tensors carrying their unpacked data; boundary inputs and outputs
// become INPUT and OUTPUT; everything else is TRANSIENT.
func (r *Resolver) Resolve(name string) (Slot, error) {
	if s, ok := r.names.Get(name); ok {
		return s, nil
	}
	spec, data, err := r.describe(name)
	if err != nil {
		return NoSlot, err
	}
	s := r.push(name, spec, data)
	r.names.Set(name, s)
	return s, nil
}

func (r *Resolver) describe(name string) (device.TensorSpec, []byte, error) {
	if init, ok := r.g.Initializer(name); ok {
		dt, err := DeviceType(init.Type)
		if err != nil {
			return device.TensorSpec{}, nil, fmt.Errorf("%s: %w", name, err)
		}
		data, err := init.Unpack()
		if err != nil {
			return device.TensorSpec{}, nil, err
		}
		return device.NewTensorSpec(dt, Shape(init.Dims), device.TensorConstant), data, nil
	}

	v, ok := r.g.Value(name)
	if !ok {
		return device.TensorSpec{}, nil, fmt.Errorf("%w: %s", ErrUnknownValue, name)
	}
	if v.Shape == nil {
		return device.TensorSpec{}, nil, fmt.Errorf("%w: %s has an unknown shape", ErrUnknownValue, name)
	}
	for _, d := range v.Shape {
		if d < 0 {
			return device.TensorSpec{}, nil, fmt.Errorf("%w: %s has symbolic shape %v", ErrUnknownValue, name, v.Shape)
		}
	}
	dt, err := DeviceType(v.Type)
	if err != nil {
		return device.TensorSpec{}, nil, fmt.Errorf("%s: %w", name, err)
	}
	attr := device.TensorTransient
	switch {
	case r.inputs[name]:
		attr = device.TensorInput
	case r.outputs[name]:
		attr = device.TensorOutput
	}
	return device.NewTensorSpec(dt, Shape(v.Shape), attr), nil, nil
}

func (r *Resolver) push(name string, spec device.TensorSpec, data []byte) Slot {
	r.entries = append(r.entries, entry{name: name, spec: spec, data: data})
	r.tensors = nil
	return Slot(len(r.entries) - 1)
}

// Lookup returns the slot already assigned to name.
func (r *Resolver) Lookup(name string) (Slot, bool) {
	return r.names.Get(name)
}

// Replace swaps the spec and data behind name, creating the slot if name was never
// resolved. The slot number does not change, so every holder sees the replacement.
func (r *Resolver) Replace(name string, spec device.TensorSpec, data []byte) (Slot, error) {
	if err := r.check(spec, data); err != nil {
		return NoSlot, fmt.Errorf("replace %s: %w", name, err)
	}
	s, ok := r.names.Get(name)
	if !ok {
		s = r.push(name, spec, data)
		r.names.Set(name, s)
		return s, nil
	}
	r.entries[s] = entry{name: name, spec: spec, data: data}
	r.tensors = nil
	return s, nil
}

// Anonymous registers an unnamed tensor such as a scalar coefficient or a
// temporary produced by a decomposition.
func (r *Resolver) Anonymous(spec device.TensorSpec, data []byte) (Slot, error) {
	if err := r.check(spec, data); err != nil {
		return NoSlot, err
	}
	return r.push("", spec, data), nil
}

func (r *Resolver) check(spec device.TensorSpec, data []byte) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if data != nil && len(data) != spec.ByteSize() {
		return fmt.Errorf("%w: %d bytes for %d", device.ErrInvalidSpec, len(data), spec.ByteSize())
	}
	return nil
}

func (r *Resolver) valid(s Slot) bool {
	return s >= 0 && int(s) < len(r.entries)
}

// Spec returns the spec currently held by s.
func (r *Resolver) Spec(s Slot) (device.TensorSpec, error) {
	if !r.valid(s) {
		return device.TensorSpec{}, fmt.Errorf("%w: %d", ErrUnboundSlot, s)
	}
	return r.entries[s].spec, nil
}

// Data returns the constant contents of s, or nil for non-constant slots.
func (r *Resolver) Data(s Slot) []byte {
	if !r.valid(s) {
		return nil
	}
	return r.entries[s].data
}

// Name returns the value name of s, empty for anonymous slots.
func (r *Resolver) Name(s Slot) string {
	if !r.valid(s) {
		return ""
	}
	return r.entries[s].name
}

// Len returns the number of slots.
func (r *Resolver) Len() int { return len(r.entries) }

// Names returns the resolved value names in first-reference order.
func (r *Resolver) Names() []string {
	out := make([]string, 0, r.names.Len())
	for pair := r.names.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// Materialize creates one device tensor per slot in dev. Any later Replace or
// Anonymous call invalidates the result.
func (r *Resolver) Materialize(dev device.Graph) error {
	tensors := make([]device.Tensor, len(r.entries))
	for i, e := range r.entries {
		t, err := dev.CreateTensor(e.spec, e.data)
		if err != nil {
			if e.name != "" {
				return fmt.Errorf("tensor %s: %w", e.name, err)
			}
			return fmt.Errorf("slot %d: %w", i, err)
		}
		tensors[i] = t
	}
	r.tensors = tensors
	return nil
}

// Tensor returns the device tensor of s after Materialize.
func (r *Resolver) Tensor(s Slot) (device.Tensor, error) {
	if r.tensors == nil || !r.valid(s) {
		return nil, fmt.Errorf("%w: %d", ErrUnboundSlot, s)
	}
	return r.tensors[s], nil
}
