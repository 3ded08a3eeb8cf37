package engine

import (
	"fmt"

	"github.com/23skdu/longbow-npu/internal/binding"
	"github.com/23skdu/longbow-npu/internal/device"
)

// TensorInfo describes one arena slot of a compiled unit.
type TensorInfo struct {
	Slot  int
	Name  string
	Type  string
	Shape []uint32
	Role  string
	Quant string
}

// OpInfo describes one lowered primitive.
type OpInfo struct {
	Node   string
	Kind   string
	Params string
	Inputs []int
	Output int
}

// Dump is a static description of a unit for debugging.
type Dump struct {
	Unit    string
	Backend string
	Tensors []TensorInfo
	Ops     []OpInfo
}

// Dump lists the unit's tensors and primitives in slot and emission order.
func (u *Unit) Dump() Dump {
	u.mu.Lock()
	defer u.mu.Unlock()

	d := Dump{Unit: u.name, Backend: u.backend}
	for i := range u.resolver.Len() {
		s := binding.Slot(i)
		spec, err := u.resolver.Spec(s)
		if err != nil {
			continue
		}
		d.Tensors = append(d.Tensors, TensorInfo{
			Slot:  i,
			Name:  u.resolver.Name(s),
			Type:  spec.DataType.String(),
			Shape: append([]uint32(nil), spec.Shape...),
			Role:  spec.Attr.String(),
			Quant: describeQuant(spec.Quant),
		})
	}
	for _, op := range u.ops {
		info := OpInfo{Kind: op.Kind.String(), Output: int(op.Output)}
		if op.Node != nil {
			info.Node = op.Node.String()
		}
		if op.Params != nil {
			info.Params = fmt.Sprintf("%+v", op.Params)
		}
		for _, s := range op.Inputs {
			info.Inputs = append(info.Inputs, int(s))
		}
		d.Ops = append(d.Ops, info)
	}
	return d
}

func describeQuant(q device.Quantization) string {
	switch {
	case q.Type == device.QuantNone:
		return ""
	case q.Type.PerChannel():
		return fmt.Sprintf("%s axis=%d scales=%v zero_points=%v", q.Type, q.ChannelDim, q.Scales, q.ZeroPoints)
	default:
		return fmt.Sprintf("%s scale=%g zero_point=%d", q.Type, q.Scales[0], q.ZeroPoints[0])
	}
}
