package builder

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-npu/internal/binding"
	"github.com/23skdu/longbow-npu/internal/device"
	"github.com/23skdu/longbow-npu/internal/graph"
)

func padType(autoPad string) device.PadType {
	switch autoPad {
	case "NOTSET":
		return device.PadAuto
	case "SAME_UPPER", "SAME_LOWER":
		return device.PadSame
	case "VALID":
		return device.PadValid
	}
	return device.PadNone
}

// spatial converts a per-axis host attribute to device (w, h) order.
func spatial(n *graph.Node, attr string, rank int) ([]uint32, error) {
	vals := n.AttrInts(attr, nil)
	if vals == nil {
		vals = make([]int64, rank)
		for i := range vals {
			vals[i] = 1
		}
	}
	if len(vals) < rank {
		return nil, fmt.Errorf("%w: %s has %d values for %d spatial axes", ErrInvalidAttribute, attr, len(vals), rank)
	}
	if rank == 1 {
		return []uint32{uint32(vals[0])}, nil
	}
	return []uint32{uint32(vals[1]), uint32(vals[0])}, nil
}

// convParams reads the attributes shared by Conv and QLinearConv. Explicit pads
// arrive as (h_begin, w_begin, h_end, w_end) and leave as (w_begin, w_end, h_begin,
// h_end).
func convParams(n *graph.Node, rank int) (device.ConvParams, error) {
	p := device.ConvParams{
		Group:        int(n.AttrInt("group", 1)),
		InputLayout:  device.LayoutWHCN,
		KernelLayout: device.LayoutWHIcOc,
	}
	if rank == 1 {
		p.InputLayout, p.KernelLayout = device.LayoutWCN, device.LayoutWIcOc
	}

	var err error
	if p.Stride, err = spatial(n, "strides", rank); err != nil {
		return p, err
	}
	if p.Dilation, err = spatial(n, "dilations", rank); err != nil {
		return p, err
	}

	if autoPad := n.AttrString("auto_pad", "NOTSET"); autoPad != "NOTSET" {
		p.Padding = padType(autoPad)
		return p, nil
	}
	p.Padding = device.PadNone
	pads := n.AttrInts("pads", make([]int64, 2*rank))
	if len(pads) != 2*rank {
		return p, fmt.Errorf("%w: pads has %d values for %d spatial axes", ErrInvalidAttribute, len(pads), rank)
	}
	if rank == 1 {
		p.Pad = []uint32{uint32(pads[0]), uint32(pads[1])}
	} else {
		p.Pad = []uint32{uint32(pads[1]), uint32(pads[3]), uint32(pads[0]), uint32(pads[2])}
	}
	return p, nil
}

type convBuilder struct{}

func (convBuilder) IsOpSupported(g *graph.Graph, n *graph.Node) bool {
	if valueRank(g, n.Inputs[0]) == 5 {
		log.Debug().Str("node", n.String()).Msg("3-D convolution is not supported")
		return false
	}
	return true
}

func (convBuilder) Build(ctx *Context, n *graph.Node, inputs, outputs []binding.Slot) error {
	w, err := ctx.spec(inputs[1])
	if err != nil {
		return err
	}
	rank := 2
	if len(w.Shape) == 3 {
		rank = 1
	}
	p, err := convParams(n, rank)
	if err != nil {
		return err
	}

	var kind device.OpKind
	switch {
	case p.Group != 1 && rank == 1:
		kind = device.OpGroupedConv1d
	case p.Group != 1:
		kind = device.OpGroupedConv2d
	case rank == 1:
		kind = device.OpConv1d
	default:
		kind = device.OpConv2d
	}
	log.Debug().Str("node", n.String()).Stringer("primitive", kind).Stringer("padding", p.Padding).Msg("conv")

	bias := binding.NoSlot
	if len(inputs) > 2 {
		bias = inputs[2]
	}
	ctx.Emit(n, kind, p, outputs[0], present(inputs[0], inputs[1], bias)...)
	return nil
}
