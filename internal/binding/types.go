package binding

import (
	"fmt"

	"github.com/23skdu/longbow-npu/internal/device"
	"github.com/23skdu/longbow-npu/internal/graph"
)

var deviceTypes = map[graph.DataType]device.DataType{
	graph.Float:   device.Float32,
	graph.Float16: device.Float16,
	graph.Int8:    device.Int8,
	graph.Uint8:   device.Uint8,
	graph.Int16:   device.Int16,
	graph.Uint16:  device.Uint16,
	graph.Int32:   device.Int32,
	graph.Uint32:  device.Uint32,
	graph.Int64:   device.Int64,
	graph.Bool:    device.Bool8,
}

// DeviceType maps a host element type to its physical device type.
func DeviceType(dt graph.DataType) (device.DataType, error) {
	if d, ok := deviceTypes[dt]; ok {
		return d, nil
	}
	return device.DataTypeUnknown, fmt.Errorf("%w: %s", ErrUnsupportedType, dt)
}

// Shape converts host dims to device order. Scalars become a one-element vector.
func Shape(dims []int64) device.ShapeType {
	if len(dims) == 0 {
		return device.ShapeType{1}
	}
	out := make(device.ShapeType, len(dims))
	for i, d := range dims {
		out[len(dims)-1-i] = uint32(d)
	}
	return out
}
