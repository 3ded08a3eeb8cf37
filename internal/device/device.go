// Package device is the accelerator library the lowering passes target: typed tensor
// specs with quantization descriptors, primitive operations with typed parameters,
// and graphs that are compiled once and run many times.
//
// Shapes are stored innermost dimension first, i.e. reversed relative to the host
// graph's row-major convention.
package device

import (
	"errors"
	"fmt"
)

var (
	// ErrCompile is returned when a graph fails verification.
	ErrCompile = errors.New("device graph compile failed")
	// ErrExecute is returned when a compiled graph fails to run.
	ErrExecute = errors.New("device graph execution failed")
	// ErrInvalidSpec is returned for tensor specs the device cannot allocate.
	ErrInvalidSpec = errors.New("invalid tensor spec")
)

// DataType is a physical element type.
type DataType int

const (
	DataTypeUnknown DataType = iota
	Int8
	Uint8
	Int16
	Uint16
	Int32
	Uint32
	Int64
	Float16
	Float32
	Bool8
)

var dataTypeNames = [...]string{"UNKNOWN", "INT8", "UINT8", "INT16", "UINT16", "INT32", "UINT32", "INT64", "FLOAT16", "FLOAT32", "BOOL8"}

func (d DataType) String() string {
	if int(d) >= 0 && int(d) < len(dataTypeNames) {
		return dataTypeNames[d]
	}
	return fmt.Sprintf("DataType(%d)", int(d))
}

// Size returns the element width in bytes.
func (d DataType) Size() int {
	switch d {
	case Int8, Uint8, Bool8:
		return 1
	case Int16, Uint16, Float16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Int64:
		return 8
	}
	return 0
}

// TensorAttribute is the role a tensor plays in its graph.
type TensorAttribute int

const (
	TensorTransient TensorAttribute = iota
	TensorConstant
	TensorInput
	TensorOutput
)

func (a TensorAttribute) String() string {
	switch a {
	case TensorConstant:
		return "CONSTANT"
	case TensorInput:
		return "INPUT"
	case TensorOutput:
		return "OUTPUT"
	}
	return "TRANSIENT"
}

// QuantType selects how stored integers map to real values.
type QuantType int

const (
	QuantNone QuantType = iota
	QuantAsymmetric
	QuantSymmetricPerChannel
	QuantAsymmetricPerChannel
)

func (q QuantType) String() string {
	switch q {
	case QuantAsymmetric:
		return "ASYMMETRIC"
	case QuantSymmetricPerChannel:
		return "SYMMETRIC_PER_CHANNEL"
	case QuantAsymmetricPerChannel:
		return "ASYMMETRIC_PER_CHANNEL"
	}
	return "NONE"
}

// PerChannel reports whether the scheme carries one scale per slice of ChannelDim.
func (q QuantType) PerChannel() bool {
	return q == QuantSymmetricPerChannel || q == QuantAsymmetricPerChannel
}

// Quantization describes real = (stored - zero_point) * scale.
type Quantization struct {
	Type       QuantType
	ChannelDim int
	Scales     []float32
	ZeroPoints []int32
}

// NewAsymmetric returns a per-tensor quantization.
func NewAsymmetric(scale float32, zeroPoint int32) Quantization {
	return Quantization{Type: QuantAsymmetric, Scales: []float32{scale}, ZeroPoints: []int32{zeroPoint}}
}

// NewPerChannel returns a per-channel quantization along channelDim.
func NewPerChannel(t QuantType, channelDim int, scales []float32, zeroPoints []int32) Quantization {
	return Quantization{Type: t, ChannelDim: channelDim, Scales: scales, ZeroPoints: zeroPoints}
}

// ShapeType lists dimensions innermost first.
type ShapeType []uint32

// Reversed returns the dimensions outermost first.
func (s ShapeType) Reversed() []int64 {
	out := make([]int64, len(s))
	for i, d := range s {
		out[len(s)-1-i] = int64(d)
	}
	return out
}

// ElementNum returns the product of the dimensions.
func (s ShapeType) ElementNum() int {
	n := 1
	for _, d := range s {
		n *= int(d)
	}
	return n
}

// TensorSpec fully describes a device tensor.
type TensorSpec struct {
	DataType DataType
	Shape    ShapeType
	Attr     TensorAttribute
	Quant    Quantization
}

func NewTensorSpec(dt DataType, shape ShapeType, attr TensorAttribute) TensorSpec {
	return TensorSpec{DataType: dt, Shape: shape, Attr: attr}
}

func (s TensorSpec) ElementNum() int { return s.Shape.ElementNum() }

func (s TensorSpec) ByteSize() int { return s.ElementNum() * s.DataType.Size() }

// WithQuantization returns a copy of s carrying q.
func (s TensorSpec) WithQuantization(q Quantization) TensorSpec {
	s.Shape = append(ShapeType(nil), s.Shape...)
	s.Quant = q
	return s
}

// WithAttribute returns a copy of s with a different role.
func (s TensorSpec) WithAttribute(a TensorAttribute) TensorSpec {
	s.Shape = append(ShapeType(nil), s.Shape...)
	s.Attr = a
	return s
}

// AsTransient returns an unquantized transient copy of s.
func (s TensorSpec) AsTransient() TensorSpec {
	return TensorSpec{DataType: s.DataType, Shape: append(ShapeType(nil), s.Shape...), Attr: TensorTransient}
}

// Validate checks that the spec can be allocated.
func (s TensorSpec) Validate() error {
	if s.DataType.Size() == 0 {
		return fmt.Errorf("%w: data type %s", ErrInvalidSpec, s.DataType)
	}
	if len(s.Shape) == 0 {
		return fmt.Errorf("%w: empty shape", ErrInvalidSpec)
	}
	for _, d := range s.Shape {
		if d == 0 {
			return fmt.Errorf("%w: zero dimension in %v", ErrInvalidSpec, s.Shape)
		}
	}
	q := s.Quant
	switch {
	case q.Type == QuantNone:
	case q.Type == QuantAsymmetric:
		if len(q.Scales) != 1 || len(q.ZeroPoints) != 1 {
			return fmt.Errorf("%w: per-tensor quantization needs one scale and zero point", ErrInvalidSpec)
		}
	case q.Type.PerChannel():
		if q.ChannelDim < 0 || q.ChannelDim >= len(s.Shape) {
			return fmt.Errorf("%w: channel dim %d out of range for rank %d", ErrInvalidSpec, q.ChannelDim, len(s.Shape))
		}
		if len(q.Scales) != int(s.Shape[q.ChannelDim]) || len(q.ZeroPoints) != len(q.Scales) {
			return fmt.Errorf("%w: %d scales for %d channels", ErrInvalidSpec, len(q.Scales), s.Shape[q.ChannelDim])
		}
	default:
		return fmt.Errorf("%w: quantization type %d", ErrInvalidSpec, q.Type)
	}
	return nil
}

// Tensor is a device resident tensor.
type Tensor interface {
	// ID is unique within the owning graph.
	ID() int
	Spec() TensorSpec
	IsConstTensor() bool
	// CopyDataToTensor replaces the contents. len(data) must equal the spec byte size.
	CopyDataToTensor(data []byte) error
	// CopyDataFromTensor copies the contents into dst, which must be large enough.
	CopyDataFromTensor(dst []byte) error
}

// Operation is a primitive bound to its operands.
type Operation interface {
	Kind() OpKind
	Params() any
	BindInput(t Tensor) Operation
	BindInputs(ts ...Tensor) Operation
	BindOutput(t Tensor) Operation
	BindOutputs(ts ...Tensor) Operation
	Inputs() []Tensor
	Outputs() []Tensor
}

// Graph owns tensors and operations. Operations execute in dependency order.
type Graph interface {
	// CreateTensor allocates a tensor. data may be nil; when present it must match
	// the spec byte size.
	CreateTensor(spec TensorSpec, data []byte) (Tensor, error)
	CreateOperation(kind OpKind, params any) (Operation, error)
	// Compile verifies the graph. It must succeed before Run.
	Compile() error
	Run() error
	Tensors() []Tensor
	Operations() []Operation
}

// Backend creates device graphs.
type Backend interface {
	Name() string
	NewGraph() Graph
}
