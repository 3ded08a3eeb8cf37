// Package graph holds the host dataflow graph consumed by the partitioner and the
// lowering passes. It is populated once and treated as read-only afterwards.
package graph

import (
	"errors"
	"fmt"

	"github.com/emirpasic/gods/v2/lists/arraylist"
)

// ErrCycle is returned when the node set has no topological order.
var ErrCycle = errors.New("graph contains a cycle")

// Value describes a named tensor slot. A nil Shape means the shape is unknown;
// negative dimensions are symbolic.
type Value struct {
	Name  string
	Type  DataType
	Shape []int64
}

// Rank returns the number of dimensions, or -1 when the shape is unknown.
func (v *Value) Rank() int {
	if v.Shape == nil {
		return -1
	}
	return len(v.Shape)
}

// Initializer is a constant tensor embedded in the model. Data is carried either as
// little-endian Raw bytes or in one of the typed payloads.
type Initializer struct {
	Name      string
	Type      DataType
	Dims      []int64
	Raw       []byte
	FloatData []float32
	Int32Data []int32
	Int64Data []int64
	// External marks tensors whose data lives outside the model file.
	External bool
}

// Node is a single operator instance.
type Node struct {
	Index        int
	Name         string
	OpType       string
	Domain       string
	SinceVersion int
	Inputs       []string
	Outputs      []string
	Attrs        map[string]Attribute
}

// Input returns the i-th input name, or "" when the optional input is absent.
func (n *Node) Input(i int) string {
	if i < 0 || i >= len(n.Inputs) {
		return ""
	}
	return n.Inputs[i]
}

// String identifies the node in log lines and errors.
func (n *Node) String() string {
	if n.Name != "" {
		return fmt.Sprintf("%s(%s)", n.OpType, n.Name)
	}
	return fmt.Sprintf("%s#%d", n.OpType, n.Index)
}

// Graph is the host model.
type Graph struct {
	Name  string
	Opset int

	nodes        []*Node
	inputs       []string
	outputs      []string
	values       map[string]*Value
	initializers map[string]*Initializer
	initOrder    []string
	producer     map[string]int
	consumers    map[string][]int
}

// New creates an empty graph for the given default-domain opset.
func New(name string, opset int) *Graph {
	return &Graph{
		Name:         name,
		Opset:        opset,
		values:       make(map[string]*Value),
		initializers: make(map[string]*Initializer),
		producer:     make(map[string]int),
		consumers:    make(map[string][]int),
	}
}

// AddValue records type and shape information for a value.
func (g *Graph) AddValue(name string, dt DataType, shape ...int64) *Value {
	v := &Value{Name: name, Type: dt, Shape: shape}
	if shape == nil {
		v.Shape = []int64{}
	}
	g.values[name] = v
	return v
}

// AddUnknownValue records a value whose shape is not known.
func (g *Graph) AddUnknownValue(name string, dt DataType) *Value {
	v := &Value{Name: name, Type: dt}
	g.values[name] = v
	return v
}

// AddInput declares a graph input.
func (g *Graph) AddInput(name string, dt DataType, shape ...int64) *Value {
	g.inputs = append(g.inputs, name)
	return g.AddValue(name, dt, shape...)
}

// AddOutput declares a graph output.
func (g *Graph) AddOutput(name string, dt DataType, shape ...int64) *Value {
	g.outputs = append(g.outputs, name)
	return g.AddValue(name, dt, shape...)
}

// AddInitializer registers a constant tensor and its value info.
func (g *Graph) AddInitializer(init *Initializer) {
	if _, ok := g.initializers[init.Name]; !ok {
		g.initOrder = append(g.initOrder, init.Name)
	}
	g.initializers[init.Name] = init
	if _, ok := g.values[init.Name]; !ok {
		g.AddValue(init.Name, init.Type, init.Dims...)
	}
}

// NodeOption configures a node added with AddNode.
type NodeOption func(*Node)

// WithName sets the node name.
func WithName(name string) NodeOption {
	return func(n *Node) { n.Name = name }
}

// WithDomain sets the operator domain.
func WithDomain(domain string) NodeOption {
	return func(n *Node) { n.Domain = domain }
}

// WithSinceVersion overrides the opset version the node resolved against.
func WithSinceVersion(v int) NodeOption {
	return func(n *Node) { n.SinceVersion = v }
}

// WithAttr attaches an attribute.
func WithAttr(name string, a Attribute) NodeOption {
	return func(n *Node) { n.Attrs[name] = a }
}

// AddNode appends a node. Nodes may be added in any order; TopologicalOrder sorts them.
func (g *Graph) AddNode(opType string, inputs, outputs []string, opts ...NodeOption) *Node {
	n := &Node{
		Index:        len(g.nodes),
		OpType:       opType,
		SinceVersion: g.Opset,
		Inputs:       inputs,
		Outputs:      outputs,
		Attrs:        make(map[string]Attribute),
	}
	for _, opt := range opts {
		opt(n)
	}
	g.nodes = append(g.nodes, n)
	for _, out := range outputs {
		if out != "" {
			g.producer[out] = n.Index
		}
	}
	seen := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		if in == "" || seen[in] {
			continue
		}
		seen[in] = true
		g.consumers[in] = append(g.consumers[in], n.Index)
	}
	return n
}

func (g *Graph) Nodes() []*Node { return g.nodes }

func (g *Graph) NumNodes() int { return len(g.nodes) }

// Node returns the node with the given index.
func (g *Graph) Node(i int) *Node { return g.nodes[i] }

// Inputs returns the declared inputs, including those backed by an initializer.
func (g *Graph) Inputs() []string { return g.inputs }

// GraphInputs returns the declared inputs that are not initializers.
func (g *Graph) GraphInputs() []string {
	out := make([]string, 0, len(g.inputs))
	for _, name := range g.inputs {
		if !g.IsInitializedTensor(name) {
			out = append(out, name)
		}
	}
	return out
}

func (g *Graph) Outputs() []string { return g.outputs }

// IsOutput reports whether name is a declared graph output.
func (g *Graph) IsOutput(name string) bool {
	for _, o := range g.outputs {
		if o == name {
			return true
		}
	}
	return false
}

// IsInput reports whether name is a declared graph input.
func (g *Graph) IsInput(name string) bool {
	for _, in := range g.inputs {
		if in == name {
			return true
		}
	}
	return false
}

func (g *Graph) Value(name string) (*Value, bool) {
	v, ok := g.values[name]
	return v, ok
}

func (g *Graph) Initializer(name string) (*Initializer, bool) {
	init, ok := g.initializers[name]
	return init, ok
}

// Initializers returns all initializers in registration order.
func (g *Graph) Initializers() []*Initializer {
	out := make([]*Initializer, 0, len(g.initOrder))
	for _, name := range g.initOrder {
		out = append(out, g.initializers[name])
	}
	return out
}

// IsInitializedTensor reports whether name has initializer data, overridable or not.
func (g *Graph) IsInitializedTensor(name string) bool {
	_, ok := g.initializers[name]
	return ok
}

// IsConstantInitializer reports whether name is an initializer that no graph input
// can override.
func (g *Graph) IsConstantInitializer(name string) bool {
	return g.IsInitializedTensor(name) && !g.IsInput(name)
}

// Producer returns the node that outputs name.
func (g *Graph) Producer(name string) (*Node, bool) {
	i, ok := g.producer[name]
	if !ok {
		return nil, false
	}
	return g.nodes[i], true
}

// Consumers returns the nodes reading name, in insertion order.
func (g *Graph) Consumers(name string) []*Node {
	idx := g.consumers[name]
	out := make([]*Node, len(idx))
	for i, j := range idx {
		out[i] = g.nodes[j]
	}
	return out
}

// TopologicalOrder returns node indices such that every producer precedes its
// consumers. Among ready nodes the lowest index goes first, so a graph built in
// order keeps its insertion order.
func (g *Graph) TopologicalOrder() ([]int, error) {
	indegree := make([]int, len(g.nodes))
	for _, n := range g.nodes {
		deps := make(map[int]bool)
		for _, in := range n.Inputs {
			if p, ok := g.producer[in]; ok && in != "" && p != n.Index {
				deps[p] = true
			}
		}
		indegree[n.Index] = len(deps)
	}

	ready := arraylist.New[int]()
	for i, d := range indegree {
		if d == 0 {
			ready.Add(i)
		}
	}

	order := make([]int, 0, len(g.nodes))
	for ready.Size() > 0 {
		pos, best := 0, -1
		for i := range ready.Size() {
			v, _ := ready.Get(i)
			if best < 0 || v < best {
				pos, best = i, v
			}
		}
		ready.Remove(pos)
		order = append(order, best)

		released := make(map[int]bool)
		for _, out := range g.nodes[best].Outputs {
			if out == "" {
				continue
			}
			for _, c := range g.consumers[out] {
				if c == best || released[c] {
					continue
				}
				released[c] = true
				indegree[c]--
				if indegree[c] == 0 {
					ready.Add(c)
				}
			}
		}
	}

	if len(order) != len(g.nodes) {
		return nil, fmt.Errorf("%w: %d of %d nodes ordered", ErrCycle, len(order), len(g.nodes))
	}
	return order, nil
}
