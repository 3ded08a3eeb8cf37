package device

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"
)

// Float32ToFloat16 converts to IEEE 754 binary16 bits, rounding to nearest even.
func Float32ToFloat16(f float32) uint16 {
	return float16.Fromfloat32(f).Bits()
}

// Float16ToFloat32 converts binary16 bits to float32.
func Float16ToFloat32(h uint16) float32 {
	return float16.Frombits(h).Float32()
}

func typeRange(dt DataType) (lo, hi float64) {
	switch dt {
	case Int8:
		return math.MinInt8, math.MaxInt8
	case Uint8:
		return 0, math.MaxUint8
	case Int16:
		return math.MinInt16, math.MaxInt16
	case Uint16:
		return 0, math.MaxUint16
	case Int32:
		return math.MinInt32, math.MaxInt32
	case Uint32:
		return 0, math.MaxUint32
	case Int64:
		return math.MinInt64, math.MaxInt64
	case Bool8:
		return 0, 1
	}
	return math.Inf(-1), math.Inf(1)
}

func isFloat(dt DataType) bool { return dt == Float32 || dt == Float16 }

func readElement(dt DataType, data []byte, i int) float64 {
	switch dt {
	case Int8:
		return float64(int8(data[i]))
	case Uint8:
		return float64(data[i])
	case Bool8:
		if data[i] != 0 {
			return 1
		}
		return 0
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(data[i*2:])))
	case Uint16:
		return float64(binary.LittleEndian.Uint16(data[i*2:]))
	case Float16:
		return float64(Float16ToFloat32(binary.LittleEndian.Uint16(data[i*2:])))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(data[i*4:])))
	case Uint32:
		return float64(binary.LittleEndian.Uint32(data[i*4:]))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:])))
	case Int64:
		return float64(int64(binary.LittleEndian.Uint64(data[i*8:])))
	}
	return 0
}

// writeElement stores v, which must already be rounded for integer types.
func writeElement(dt DataType, data []byte, i int, v float64) {
	switch dt {
	case Int8:
		data[i] = byte(int8(int64(v)))
	case Uint8:
		data[i] = byte(int64(v))
	case Bool8:
		if v != 0 {
			data[i] = 1
		} else {
			data[i] = 0
		}
	case Int16:
		binary.LittleEndian.PutUint16(data[i*2:], uint16(int16(int64(v))))
	case Uint16:
		binary.LittleEndian.PutUint16(data[i*2:], uint16(int64(v)))
	case Float16:
		binary.LittleEndian.PutUint16(data[i*2:], Float32ToFloat16(float32(v)))
	case Int32:
		binary.LittleEndian.PutUint32(data[i*4:], uint32(int32(int64(v))))
	case Uint32:
		binary.LittleEndian.PutUint32(data[i*4:], uint32(int64(v)))
	case Float32:
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(float32(v)))
	case Int64:
		binary.LittleEndian.PutUint64(data[i*8:], uint64(int64(v)))
	}
}

// channelIndex maps a flat element index to its slice along dim.
func channelIndex(shape ShapeType, dim, i int) int {
	stride := 1
	for d := 0; d < dim; d++ {
		stride *= int(shape[d])
	}
	return (i / stride) % int(shape[dim])
}

func quantParams(spec TensorSpec, i int) (scale float64, zp float64) {
	q := spec.Quant
	switch {
	case q.Type == QuantAsymmetric:
		return float64(q.Scales[0]), float64(q.ZeroPoints[0])
	case q.Type.PerChannel():
		c := channelIndex(spec.Shape, q.ChannelDim, i)
		return float64(q.Scales[c]), float64(q.ZeroPoints[c])
	}
	return 1, 0
}

// DecodeReal returns the real values held in data, dequantizing when the spec
// carries a quantization descriptor.
func DecodeReal(spec TensorSpec, data []byte) []float32 {
	n := spec.ElementNum()
	out := make([]float32, n)
	quantized := spec.Quant.Type != QuantNone
	for i := 0; i < n; i++ {
		v := readElement(spec.DataType, data, i)
		if quantized {
			scale, zp := quantParams(spec, i)
			v = (v - zp) * scale
		}
		out[i] = float32(v)
	}
	return out
}

// EncodeReal stores real values into data using the spec's type and quantization.
func EncodeReal(spec TensorSpec, vals []float32, data []byte, p DataConvertParams) {
	quantized := spec.Quant.Type != QuantNone
	lo, hi := typeRange(spec.DataType)
	for i, rv := range vals {
		v := float64(rv)
		if isFloat(spec.DataType) && !quantized {
			writeElement(spec.DataType, data, i, v)
			continue
		}
		if spec.DataType == Bool8 {
			writeElement(spec.DataType, data, i, v)
			continue
		}
		if quantized {
			scale, zp := quantParams(spec, i)
			v = round(v/scale, p.Rounding) + zp
		} else {
			v = round(v, p.Rounding)
		}
		if math.IsNaN(v) {
			v = 0
		}
		if p.Overflow == OverflowSaturate {
			v = math.Max(lo, math.Min(hi, v))
		}
		writeElement(spec.DataType, data, i, v)
	}
}

func round(v float64, r RoundingPolicy) float64 {
	if r == RoundToZero {
		return math.Trunc(v)
	}
	return math.RoundToEven(v)
}
