package device

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/emirpasic/gods/v2/lists/arraylist"
	"github.com/rs/zerolog/log"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)
var _ Graph = (*cpuGraph)(nil)
var _ Tensor = (*CPUTensor)(nil)
var _ Operation = (*cpuOperation)(nil)

// numWorkers defines the default parallelism for CPU kernels
var numWorkers = runtime.NumCPU()

// CPUBackend executes the primitive set in process. It is the reference target
// used when no accelerator driver is linked in.
type CPUBackend struct {
	// scratch buffers for convolution patches
	pool sync.Pool
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{
		pool: sync.Pool{
			New: func() interface{} {
				buf := make([]float32, 0, 256)
				return &buf
			},
		},
	}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) NewGraph() Graph {
	return &cpuGraph{backend: b}
}

func (b *CPUBackend) getScratch(n int) *[]float32 {
	bp := b.pool.Get().(*[]float32)
	if cap(*bp) < n {
		*bp = make([]float32, n)
	}
	*bp = (*bp)[:n]
	return bp
}

func (b *CPUBackend) putScratch(bp *[]float32) {
	b.pool.Put(bp)
}

// CPUTensor keeps its elements in host memory, packed little-endian.
type CPUTensor struct {
	graph *cpuGraph
	id    int
	spec  TensorSpec
	data  []byte
}

func (t *CPUTensor) ID() int { return t.id }

func (t *CPUTensor) Spec() TensorSpec { return t.spec }

func (t *CPUTensor) IsConstTensor() bool { return t.spec.Attr == TensorConstant }

func (t *CPUTensor) CopyDataToTensor(data []byte) error {
	if len(data) != len(t.data) {
		return fmt.Errorf("tensor %d: got %d bytes, want %d", t.id, len(data), len(t.data))
	}
	copy(t.data, data)
	return nil
}

func (t *CPUTensor) CopyDataFromTensor(dst []byte) error {
	if len(dst) < len(t.data) {
		return fmt.Errorf("tensor %d: destination holds %d bytes, need %d", t.id, len(dst), len(t.data))
	}
	copy(dst, t.data)
	return nil
}

func (t *CPUTensor) real() []float32 {
	return DecodeReal(t.spec, t.data)
}

func (t *CPUTensor) store(vals []float32, p DataConvertParams) {
	EncodeReal(t.spec, vals, t.data, p)
}

type cpuOperation struct {
	graph   *cpuGraph
	id      int
	kind    OpKind
	params  any
	inputs  []Tensor
	outputs []Tensor
}

func (o *cpuOperation) Kind() OpKind { return o.kind }

func (o *cpuOperation) Params() any { return o.params }

func (o *cpuOperation) BindInput(t Tensor) Operation {
	o.inputs = append(o.inputs, t)
	return o
}

func (o *cpuOperation) BindInputs(ts ...Tensor) Operation {
	o.inputs = append(o.inputs, ts...)
	return o
}

func (o *cpuOperation) BindOutput(t Tensor) Operation {
	o.outputs = append(o.outputs, t)
	return o
}

func (o *cpuOperation) BindOutputs(ts ...Tensor) Operation {
	o.outputs = append(o.outputs, ts...)
	return o
}

func (o *cpuOperation) Inputs() []Tensor { return o.inputs }

func (o *cpuOperation) Outputs() []Tensor { return o.outputs }

func (o *cpuOperation) String() string {
	return fmt.Sprintf("%s#%d", o.kind, o.id)
}

type cpuGraph struct {
	backend  *CPUBackend
	tensors  []*CPUTensor
	ops      []*cpuOperation
	order    []*cpuOperation
	compiled bool
}

func (g *cpuGraph) CreateTensor(spec TensorSpec, data []byte) (Tensor, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	t := &CPUTensor{
		graph: g,
		id:    len(g.tensors),
		spec:  spec.WithAttribute(spec.Attr),
		data:  make([]byte, spec.ByteSize()),
	}
	if data != nil {
		if err := t.CopyDataToTensor(data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
		}
	}
	g.tensors = append(g.tensors, t)
	g.compiled = false
	tensorBytes.WithLabelValues("CPU").Add(float64(len(t.data)))
	return t, nil
}

func (g *cpuGraph) CreateOperation(kind OpKind, params any) (Operation, error) {
	p, err := checkParams(kind, params)
	if err != nil {
		return nil, err
	}
	op := &cpuOperation{graph: g, id: len(g.ops), kind: kind, params: p}
	g.ops = append(g.ops, op)
	g.compiled = false
	opsCreated.WithLabelValues(kind.String()).Inc()
	return op, nil
}

func (g *cpuGraph) Tensors() []Tensor {
	out := make([]Tensor, len(g.tensors))
	for i, t := range g.tensors {
		out[i] = t
	}
	return out
}

func (g *cpuGraph) Operations() []Operation {
	out := make([]Operation, len(g.ops))
	for i, op := range g.ops {
		out[i] = op
	}
	return out
}

func (g *cpuGraph) own(t Tensor) (*CPUTensor, bool) {
	ct, ok := t.(*CPUTensor)
	return ct, ok && ct.graph == g
}

// Compile checks operand counts, ownership and single-writer rules, validates
// shapes, then orders the operations so every tensor is written before it is read.
func (g *cpuGraph) Compile() error {
	start := time.Now()
	writer := make(map[int]*cpuOperation)

	for _, op := range g.ops {
		lo, hi := arity(op.kind, op.params)
		if len(op.inputs) < lo || len(op.inputs) > hi {
			return fmt.Errorf("%w: %s has %d inputs, want %d..%d", ErrCompile, op, len(op.inputs), lo, hi)
		}
		if len(op.outputs) != 1 {
			return fmt.Errorf("%w: %s has %d outputs, want 1", ErrCompile, op, len(op.outputs))
		}
		for _, t := range append(append([]Tensor(nil), op.inputs...), op.outputs...) {
			if _, ok := g.own(t); !ok {
				return fmt.Errorf("%w: %s binds a tensor from another graph", ErrCompile, op)
			}
		}
		out := op.outputs[0].(*CPUTensor)
		if out.spec.Attr == TensorConstant || out.spec.Attr == TensorInput {
			return fmt.Errorf("%w: %s writes %s tensor %d", ErrCompile, op, out.spec.Attr, out.id)
		}
		if prev, ok := writer[out.id]; ok {
			return fmt.Errorf("%w: tensor %d written by %s and %s", ErrCompile, out.id, prev, op)
		}
		writer[out.id] = op
		if err := validateShapes(op); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCompile, op, err)
		}
	}

	for _, op := range g.ops {
		for _, t := range op.inputs {
			ct := t.(*CPUTensor)
			if ct.spec.Attr == TensorConstant || ct.spec.Attr == TensorInput {
				continue
			}
			if _, ok := writer[ct.id]; !ok {
				return fmt.Errorf("%w: %s reads tensor %d which no operation writes", ErrCompile, op, ct.id)
			}
		}
	}
	for _, t := range g.tensors {
		if t.spec.Attr == TensorOutput {
			if _, ok := writer[t.id]; !ok {
				return fmt.Errorf("%w: output tensor %d is never written", ErrCompile, t.id)
			}
		}
	}

	// Kahn over operations
	indegree := make(map[int]int, len(g.ops))
	readers := make(map[int][]*cpuOperation)
	for _, op := range g.ops {
		deps := make(map[int]bool)
		for _, t := range op.inputs {
			if w, ok := writer[t.ID()]; ok && w != op {
				deps[w.id] = true
			}
		}
		indegree[op.id] = len(deps)
		for id := range deps {
			readers[id] = append(readers[id], op)
		}
	}
	ready := arraylist.New[*cpuOperation]()
	for _, op := range g.ops {
		if indegree[op.id] == 0 {
			ready.Add(op)
		}
	}
	order := make([]*cpuOperation, 0, len(g.ops))
	for ready.Size() > 0 {
		op, _ := ready.Get(0)
		ready.Remove(0)
		order = append(order, op)
		for _, r := range readers[op.id] {
			indegree[r.id]--
			if indegree[r.id] == 0 {
				ready.Add(r)
			}
		}
	}
	if len(order) != len(g.ops) {
		return fmt.Errorf("%w: operations form a cycle", ErrCompile)
	}

	g.order = order
	g.compiled = true
	compileDuration.WithLabelValues("CPU").Observe(time.Since(start).Seconds())
	log.Debug().Int("ops", len(g.ops)).Int("tensors", len(g.tensors)).Msg("CPU graph compiled")
	return nil
}

func (g *cpuGraph) Run() error {
	if !g.compiled {
		runFailures.WithLabelValues("CPU").Inc()
		return fmt.Errorf("%w: graph is not compiled", ErrExecute)
	}
	start := time.Now()
	for _, op := range g.order {
		if err := g.execute(op); err != nil {
			runFailures.WithLabelValues("CPU").Inc()
			return fmt.Errorf("%w: %s: %v", ErrExecute, op, err)
		}
	}
	runDuration.WithLabelValues("CPU").Observe(time.Since(start).Seconds())
	return nil
}
