package builder

import (
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-npu/internal/binding"
	"github.com/23skdu/longbow-npu/internal/device"
	"github.com/23skdu/longbow-npu/internal/graph"
)

// checkConvertParams holds the capability rules shared by QuantizeLinear and
// DequantizeLinear: no blocked quantization, constant parameters, one scale.
func checkConvertParams(g *graph.Graph, n *graph.Node) bool {
	if n.AttrInt("block_size", 0) != 0 {
		log.Debug().Str("node", n.String()).Msg("block quantization is not supported")
		return false
	}
	if !g.IsInitializedTensor(n.Input(1)) || (n.Input(2) != "" && !g.IsInitializedTensor(n.Input(2))) {
		log.Debug().Str("node", n.String()).Msg("scale and zero point must be initializers")
		return false
	}
	if initializerSize(g, n.Input(1)) != 1 {
		log.Debug().Str("node", n.String()).Msg("per-channel scales are not supported")
		return false
	}
	return true
}

type quantizeBuilder struct{}

func (quantizeBuilder) IsOpSupported(g *graph.Graph, n *graph.Node) bool {
	return checkConvertParams(g, n)
}

// Build requantizes the output with the node's scale and zero point and converts
// into it.
func (quantizeBuilder) Build(ctx *Context, n *graph.Node, inputs, outputs []binding.Slot) error {
	q, err := convertTable.perTensor(ctx.Graph, valueType(ctx.Graph, n.Outputs[0]), n.Input(1), n.Input(2))
	if err != nil {
		return err
	}
	out, err := ctx.requantize(n.Outputs[0], outputs[0], q)
	if err != nil {
		return err
	}
	ctx.Emit(n, device.OpDataConvert, device.DataConvertParams{}, out, inputs[0])
	return nil
}

type dequantizeBuilder struct{}

func (dequantizeBuilder) IsOpSupported(g *graph.Graph, n *graph.Node) bool {
	return checkConvertParams(g, n)
}

// Build requantizes the input so the conversion reads real values from it.
func (dequantizeBuilder) Build(ctx *Context, n *graph.Node, inputs, outputs []binding.Slot) error {
	q, err := convertTable.perTensor(ctx.Graph, valueType(ctx.Graph, n.Input(0)), n.Input(1), n.Input(2))
	if err != nil {
		return err
	}
	in, err := ctx.requantize(n.Input(0), inputs[0], q)
	if err != nil {
		return err
	}
	p := device.DataConvertParams{Overflow: device.OverflowSaturate, Rounding: device.RoundToZero}
	ctx.Emit(n, device.OpDataConvert, p, outputs[0], in)
	return nil
}
