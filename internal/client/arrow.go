package client

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-npu/internal/engine"
	"github.com/23skdu/longbow-npu/internal/graph"
)

// OutputSchema has one row per output tensor. Values are widened to float32.
var OutputSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "name", Type: arrow.BinaryTypes.String},
		{Name: "type", Type: arrow.BinaryTypes.String},
		{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
		{Name: "values", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
	},
	nil,
)

// RecordBatchBuilder creates Arrow RecordBatches from compute outputs.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// BuildRecordBatch converts outputs into a RecordBatch with OutputSchema. It
// returns nil for an empty slice.
func (b *RecordBatchBuilder) BuildRecordBatch(outputs []engine.HostTensor) (arrow.RecordBatch, error) {
	if len(outputs) == 0 {
		return nil, nil
	}

	nameBuilder := array.NewStringBuilder(b.mem)
	defer nameBuilder.Release()
	typeBuilder := array.NewStringBuilder(b.mem)
	defer typeBuilder.Release()
	shapeBuilder := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Int64)
	defer shapeBuilder.Release()
	dims := shapeBuilder.ValueBuilder().(*array.Int64Builder)
	valuesBuilder := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Float32)
	defer valuesBuilder.Release()
	vals := valuesBuilder.ValueBuilder().(*array.Float32Builder)

	for _, out := range outputs {
		v, err := Float32s(out)
		if err != nil {
			return nil, err
		}
		nameBuilder.Append(out.Name)
		typeBuilder.Append(out.Type.String())
		shapeBuilder.Append(true)
		dims.AppendValues(out.Shape, nil)
		valuesBuilder.Append(true)
		vals.AppendValues(v, nil)
	}

	cols := []arrow.Array{
		nameBuilder.NewArray(),
		typeBuilder.NewArray(),
		shapeBuilder.NewArray(),
		valuesBuilder.NewArray(),
	}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	return array.NewRecordBatch(OutputSchema, cols, int64(len(outputs))), nil
}

// Float32s widens the packed elements of t to float32.
func Float32s(t engine.HostTensor) ([]float32, error) {
	width := t.Type.Size()
	if width == 0 || len(t.Data)%width != 0 {
		return nil, fmt.Errorf("%s: cannot decode %d bytes of %s", t.Name, len(t.Data), t.Type)
	}
	d := t.Data
	out := make([]float32, len(d)/width)
	for i := range out {
		switch t.Type {
		case graph.Float:
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(d[i*4:]))
		case graph.Float16:
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(d[i*2:])).Float32()
		case graph.Double:
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(d[i*8:])))
		case graph.Int8:
			out[i] = float32(int8(d[i]))
		case graph.Uint8, graph.Bool:
			out[i] = float32(d[i])
		case graph.Int16:
			out[i] = float32(int16(binary.LittleEndian.Uint16(d[i*2:])))
		case graph.Uint16:
			out[i] = float32(binary.LittleEndian.Uint16(d[i*2:]))
		case graph.Int32:
			out[i] = float32(int32(binary.LittleEndian.Uint32(d[i*4:])))
		case graph.Uint32:
			out[i] = float32(binary.LittleEndian.Uint32(d[i*4:]))
		case graph.Int64:
			out[i] = float32(int64(binary.LittleEndian.Uint64(d[i*8:])))
		default:
			return nil, fmt.Errorf("%s: cannot decode %s", t.Name, t.Type)
		}
	}
	return out, nil
}
