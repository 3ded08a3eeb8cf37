package builder

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/23skdu/longbow-npu/internal/device"
	"github.com/23skdu/longbow-npu/internal/graph"
)

// quantKey identifies how one quantization parameter pair is stored. ZeroPoint is
// graph.Undefined when the zero point operand is absent.
type quantKey struct {
	Operand   graph.DataType
	Scale     graph.DataType
	ZeroPoint graph.DataType
}

func (k quantKey) String() string {
	zp := "absent"
	if k.ZeroPoint != graph.Undefined {
		zp = k.ZeroPoint.String()
	}
	return fmt.Sprintf("operand %s, scale %s, zero point %s", k.Operand, k.Scale, zp)
}

type quantReader struct {
	scales     func([]byte) ([]float32, error)
	zeroPoints func([]byte) ([]int32, error)
}

type quantTable map[quantKey]quantReader

var (
	scaleDecoders = map[graph.DataType]func([]byte) ([]float32, error){
		graph.Float:   floatsOf[float32],
		graph.Float16: halfFloats,
		graph.Int32:   floatsOf[int32],
	}
	zeroPointDecoders = map[graph.DataType]func([]byte) ([]int32, error){
		graph.Int8:   intsOf[int8],
		graph.Uint8:  intsOf[uint8],
		graph.Int16:  intsOf[int16],
		graph.Uint16: intsOf[uint16],
	}

	// convertTable serves QuantizeLinear and DequantizeLinear.
	convertTable = newQuantTable(
		[]graph.DataType{graph.Int8, graph.Uint8, graph.Int16, graph.Uint16},
		[]graph.DataType{graph.Float, graph.Float16, graph.Int32})
	// qlinearTable serves the QLinear operators.
	qlinearTable = newQuantTable(
		[]graph.DataType{graph.Int8, graph.Uint8},
		[]graph.DataType{graph.Float, graph.Float16})
)

// newQuantTable enumerates operands × scales. The zero point shares the operand's
// type or is absent.
func newQuantTable(operands, scales []graph.DataType) quantTable {
	t := make(quantTable, 2*len(operands)*len(scales))
	for _, op := range operands {
		for _, sc := range scales {
			t[quantKey{Operand: op, Scale: sc, ZeroPoint: op}] = quantReader{
				scales:     scaleDecoders[sc],
				zeroPoints: zeroPointDecoders[op],
			}
			t[quantKey{Operand: op, Scale: sc}] = quantReader{scales: scaleDecoders[sc]}
		}
	}
	return t
}

func decodeAs[T int8 | uint8 | int16 | uint16 | int32 | float32](data []byte) ([]T, error) {
	var zero T
	vals := make([]T, len(data)/binary.Size(zero))
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, vals); err != nil {
		return nil, err
	}
	return vals, nil
}

func floatsOf[T int32 | float32](data []byte) ([]float32, error) {
	vals, err := decodeAs[T](data)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(vals))
	for i, v := range vals {
		out[i] = float32(v)
	}
	return out, nil
}

func intsOf[T int8 | uint8 | int16 | uint16](data []byte) ([]int32, error) {
	vals, err := decodeAs[T](data)
	if err != nil {
		return nil, err
	}
	out := make([]int32, len(vals))
	for i, v := range vals {
		out[i] = int32(v)
	}
	return out, nil
}

func halfFloats(data []byte) ([]float32, error) {
	out := make([]float32, len(data)/2)
	for i := range out {
		out[i] = device.Float16ToFloat32(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out, nil
}

func float32Bytes(v float32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
	return b
}

// lookup reads the scales and zero points for an operand of type operand. zpName
// may be empty, in which case every zero point is 0. A single zero point is
// broadcast over all scales.
func (t quantTable) lookup(g *graph.Graph, operand graph.DataType, scaleName, zpName string) ([]float32, []int32, error) {
	scaleInit, ok := g.Initializer(scaleName)
	if !ok {
		return nil, nil, fmt.Errorf("%w: scale %q is not an initializer", ErrMalformedConstant, scaleName)
	}
	key := quantKey{Operand: operand, Scale: scaleInit.Type}

	var zpInit *graph.Initializer
	if zpName != "" {
		if zpInit, ok = g.Initializer(zpName); !ok {
			return nil, nil, fmt.Errorf("%w: zero point %q is not an initializer", ErrMalformedConstant, zpName)
		}
		key.ZeroPoint = zpInit.Type
	}

	r, ok := t[key]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedCombination, key)
	}

	raw, err := scaleInit.Unpack()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedConstant, err)
	}
	scales, err := r.scales(raw)
	if err != nil || len(scales) == 0 {
		return nil, nil, fmt.Errorf("%w: scale %q holds no values", ErrMalformedConstant, scaleName)
	}

	zps := make([]int32, len(scales))
	if zpInit == nil {
		return scales, zps, nil
	}
	raw, err = zpInit.Unpack()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedConstant, err)
	}
	vals, err := r.zeroPoints(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: zero point %q: %v", ErrMalformedConstant, zpName, err)
	}
	switch len(vals) {
	case 1:
		for i := range zps {
			zps[i] = vals[0]
		}
	case len(scales):
		copy(zps, vals)
	default:
		return nil, nil, fmt.Errorf("%w: %d zero points for %d scales", ErrMalformedConstant, len(vals), len(scales))
	}
	return scales, zps, nil
}

// perTensor reads a single scale and zero point.
func (t quantTable) perTensor(g *graph.Graph, operand graph.DataType, scaleName, zpName string) (device.Quantization, error) {
	scales, zps, err := t.lookup(g, operand, scaleName, zpName)
	if err != nil {
		return device.Quantization{}, err
	}
	if len(scales) != 1 {
		return device.Quantization{}, fmt.Errorf("%w: scale %q holds %d values, want 1", ErrMalformedConstant, scaleName, len(scales))
	}
	return device.NewAsymmetric(scales[0], zps[0]), nil
}
