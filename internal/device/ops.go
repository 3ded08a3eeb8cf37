package device

import "fmt"

// OpKind names a primitive.
type OpKind int

const (
	OpAdd OpKind = iota + 1
	OpSub
	OpMultiply
	OpDiv
	OpPow
	OpAbs
	OpSqrt
	OpExp
	OpFloor
	OpLog
	OpSin
	OpHardSwish
	OpMatmul
	OpConv1d
	OpConv2d
	OpGroupedConv1d
	OpGroupedConv2d
	OpBatchNorm
	OpDataConvert
	OpConcat
)

var opKindNames = map[OpKind]string{
	OpAdd:           "Add",
	OpSub:           "Sub",
	OpMultiply:      "Multiply",
	OpDiv:           "Div",
	OpPow:           "Pow",
	OpAbs:           "Abs",
	OpSqrt:          "Sqrt",
	OpExp:           "Exp",
	OpFloor:         "Floor",
	OpLog:           "Log",
	OpSin:           "Sin",
	OpHardSwish:     "HardSwish",
	OpMatmul:        "Matmul",
	OpConv1d:        "Conv1d",
	OpConv2d:        "Conv2d",
	OpGroupedConv1d: "GroupedConv1d",
	OpGroupedConv2d: "GroupedConv2d",
	OpBatchNorm:     "BatchNorm",
	OpDataConvert:   "DataConvert",
	OpConcat:        "Concat",
}

func (k OpKind) String() string {
	if s, ok := opKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("OpKind(%d)", int(k))
}

// IsBinary reports whether k is a broadcasting two-operand elementwise primitive.
func (k OpKind) IsBinary() bool {
	switch k {
	case OpAdd, OpSub, OpMultiply, OpDiv, OpPow:
		return true
	}
	return false
}

// IsUnary reports whether k is a one-operand elementwise primitive.
func (k OpKind) IsUnary() bool {
	switch k {
	case OpAbs, OpSqrt, OpExp, OpFloor, OpLog, OpSin, OpHardSwish:
		return true
	}
	return false
}

// IsConv reports whether k is one of the convolution primitives.
func (k OpKind) IsConv() bool {
	switch k {
	case OpConv1d, OpConv2d, OpGroupedConv1d, OpGroupedConv2d:
		return true
	}
	return false
}

// PadType selects how convolution padding is derived.
type PadType int

const (
	PadNone PadType = iota
	PadAuto
	PadValid
	PadSame
)

func (p PadType) String() string {
	switch p {
	case PadAuto:
		return "AUTO"
	case PadValid:
		return "VALID"
	case PadSame:
		return "SAME"
	}
	return "NONE"
}

// DataLayout tags the dimension order of convolution operands, innermost first.
type DataLayout int

const (
	LayoutWHCN DataLayout = iota
	LayoutWCN
	LayoutWHIcOc
	LayoutWIcOc
)

// ConvParams configures the convolution primitives. Stride and Dilation are
// ordered (w, h). Pad is (w_begin, w_end, h_begin, h_end) for 2-D and
// (begin, end) for 1-D. A positive Multiplier selects a depthwise convolution
// with Multiplier outputs per input channel.
type ConvParams struct {
	Padding      PadType
	Pad          []uint32
	Stride       []uint32
	Dilation     []uint32
	Group        int
	Multiplier   int
	InputLayout  DataLayout
	KernelLayout DataLayout
}

type MatmulParams struct {
	TransposeA bool
	TransposeB bool
}

type BatchNormParams struct {
	Epsilon float32
}

// ConcatParams joins InputCount tensors along Axis, counted innermost first.
type ConcatParams struct {
	Axis       int
	InputCount int
}

type OverflowPolicy int

const (
	OverflowSaturate OverflowPolicy = iota
	OverflowWrap
)

type RoundingPolicy int

const (
	RoundToNearestEven RoundingPolicy = iota
	RoundToZero
)

type DataConvertParams struct {
	Overflow OverflowPolicy
	Rounding RoundingPolicy
}

// checkParams validates the parameter type for kind and returns the normalized value.
func checkParams(kind OpKind, params any) (any, error) {
	switch {
	case kind.IsBinary(), kind.IsUnary():
		if params != nil {
			return nil, fmt.Errorf("%s takes no parameters, got %T", kind, params)
		}
		return nil, nil
	case kind.IsConv():
		p, ok := params.(ConvParams)
		if !ok {
			return nil, fmt.Errorf("%s needs ConvParams, got %T", kind, params)
		}
		rank := 2
		if kind == OpConv1d || kind == OpGroupedConv1d {
			rank = 1
		}
		if len(p.Stride) == 0 {
			p.Stride = ones(rank)
		}
		if len(p.Dilation) == 0 {
			p.Dilation = ones(rank)
		}
		if len(p.Pad) == 0 {
			p.Pad = make([]uint32, 2*rank)
		}
		if len(p.Stride) != rank || len(p.Dilation) != rank || len(p.Pad) != 2*rank {
			return nil, fmt.Errorf("%s: stride/dilation/pad sizes %d/%d/%d do not match rank %d",
				kind, len(p.Stride), len(p.Dilation), len(p.Pad), rank)
		}
		if (kind == OpGroupedConv1d || kind == OpGroupedConv2d) && p.Group < 1 {
			return nil, fmt.Errorf("%s: group %d", kind, p.Group)
		}
		return p, nil
	case kind == OpMatmul:
		if params == nil {
			return MatmulParams{}, nil
		}
		p, ok := params.(MatmulParams)
		if !ok {
			return nil, fmt.Errorf("%s needs MatmulParams, got %T", kind, params)
		}
		return p, nil
	case kind == OpBatchNorm:
		p, ok := params.(BatchNormParams)
		if !ok {
			return nil, fmt.Errorf("%s needs BatchNormParams, got %T", kind, params)
		}
		return p, nil
	case kind == OpDataConvert:
		if params == nil {
			return DataConvertParams{}, nil
		}
		p, ok := params.(DataConvertParams)
		if !ok {
			return nil, fmt.Errorf("%s needs DataConvertParams, got %T", kind, params)
		}
		return p, nil
	case kind == OpConcat:
		p, ok := params.(ConcatParams)
		if !ok {
			return nil, fmt.Errorf("%s needs ConcatParams, got %T", kind, params)
		}
		if p.InputCount < 1 || p.Axis < 0 {
			return nil, fmt.Errorf("%s: axis %d, %d inputs", kind, p.Axis, p.InputCount)
		}
		return p, nil
	}
	return nil, fmt.Errorf("unknown op kind %d", int(kind))
}

// arity returns the accepted input counts for kind.
func arity(kind OpKind, params any) (minIn, maxIn int) {
	switch {
	case kind.IsBinary(), kind == OpMatmul:
		return 2, 2
	case kind.IsUnary(), kind == OpDataConvert:
		return 1, 1
	case kind.IsConv():
		return 2, 3
	case kind == OpBatchNorm:
		return 5, 5
	case kind == OpConcat:
		n := params.(ConcatParams).InputCount
		return n, n
	}
	return 0, 0
}

func ones(n int) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = 1
	}
	return out
}
