package builder

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-npu/internal/binding"
	"github.com/23skdu/longbow-npu/internal/device"
	"github.com/23skdu/longbow-npu/internal/graph"
)

const (
	qcX = iota
	qcXScale
	qcXZeroPoint
	qcW
	qcWScale
	qcWZeroPoint
	qcYScale
	qcYZeroPoint
	qcBias
)

// Output channels are axis 3 of WHIcOc weights and axis 0 of the bias.
const (
	weightChannelDim = 3
	biasChannelDim   = 0
)

type qlinearConvBuilder struct{}

func (qlinearConvBuilder) IsOpSupported(g *graph.Graph, n *graph.Node) bool {
	if valueRank(g, n.Input(qcX)) != 4 {
		log.Debug().Str("node", n.String()).Msg("only 2-D quantized convolution is supported")
		return false
	}
	if !g.IsInitializedTensor(n.Input(qcW)) {
		log.Debug().Str("node", n.String()).Msg("weights must be an initializer")
		return false
	}
	for _, i := range []int{qcXScale, qcXZeroPoint, qcWScale, qcWZeroPoint, qcYScale, qcYZeroPoint} {
		if name := n.Input(i); name != "" && !g.IsConstantInitializer(name) {
			log.Debug().Str("node", n.String()).Str("value", name).Msg("scale and zero point must be constant")
			return false
		}
	}
	if initializerSize(g, n.Input(qcXScale)) != 1 || initializerSize(g, n.Input(qcYScale)) != 1 {
		log.Debug().Str("node", n.String()).Msg("input and output scales must be per-tensor")
		return false
	}
	if initializerSize(g, n.Input(qcWScale)) != 1 && valueType(g, n.Input(qcW)) == graph.Int8 {
		if !weightZeroPointIsZero(g, n.Input(qcWZeroPoint)) {
			log.Debug().Str("node", n.String()).Msg("asymmetric per-channel int8 weights are not supported")
			return false
		}
	}
	return true
}

func weightZeroPointIsZero(g *graph.Graph, name string) bool {
	if name == "" {
		return true
	}
	if !g.IsConstantInitializer(name) {
		return false
	}
	init, _ := g.Initializer(name)
	raw, err := init.Unpack()
	if err != nil || len(raw) == 0 {
		return false
	}
	return raw[0] == 0
}

func (qlinearConvBuilder) Build(ctx *Context, n *graph.Node, inputs, outputs []binding.Slot) error {
	g := ctx.Graph
	xq, err := qlinearTable.perTensor(g, valueType(g, n.Input(qcX)), n.Input(qcXScale), n.Input(qcXZeroPoint))
	if err != nil {
		return fmt.Errorf("input: %w", err)
	}
	yq, err := qlinearTable.perTensor(g, valueType(g, n.Outputs[0]), n.Input(qcYScale), n.Input(qcYZeroPoint))
	if err != nil {
		return fmt.Errorf("output: %w", err)
	}
	wScales, wZeroPoints, err := qlinearTable.lookup(g, valueType(g, n.Input(qcW)), n.Input(qcWScale), n.Input(qcWZeroPoint))
	if err != nil {
		return fmt.Errorf("weight: %w", err)
	}
	wSpec, err := ctx.spec(inputs[qcW])
	if err != nil {
		return err
	}
	if len(wSpec.Shape) != 4 {
		return fmt.Errorf("%w: weight rank %d", ErrMalformedConstant, len(wSpec.Shape))
	}
	outChannels := int(wSpec.Shape[weightChannelDim])
	xScale := xq.Scales[0]

	var wq, bq device.Quantization
	if len(wScales) > 1 {
		if len(wScales) != outChannels {
			return fmt.Errorf("%w: %d weight scales for %d output channels", ErrMalformedConstant, len(wScales), outChannels)
		}
		// one zero point applies to every channel
		zps := make([]int32, outChannels)
		for i := range zps {
			zps[i] = wZeroPoints[0]
		}
		qt := device.QuantSymmetricPerChannel
		if zps[0] != 0 {
			qt = device.QuantAsymmetricPerChannel
		}
		wq = device.NewPerChannel(qt, weightChannelDim, wScales, zps)

		biasScales := make([]float32, outChannels)
		for i, s := range wScales {
			biasScales[i] = s * xScale
		}
		bq = device.NewPerChannel(device.QuantSymmetricPerChannel, biasChannelDim, biasScales, make([]int32, outChannels))
	} else {
		wq = device.NewAsymmetric(wScales[0], wZeroPoints[0])
		bq = device.NewAsymmetric(xScale*wScales[0], 0)
	}

	x, err := ctx.requantize(n.Input(qcX), inputs[qcX], xq)
	if err != nil {
		return err
	}
	w, err := ctx.requantize(n.Input(qcW), inputs[qcW], wq)
	if err != nil {
		return err
	}
	y, err := ctx.requantize(n.Outputs[0], outputs[0], yq)
	if err != nil {
		return err
	}
	operands := []binding.Slot{x, w}
	if len(inputs) > qcBias && inputs[qcBias] != binding.NoSlot {
		b, err := ctx.requantize(n.Input(qcBias), inputs[qcBias], bq)
		if err != nil {
			return fmt.Errorf("bias: %w", err)
		}
		operands = append(operands, b)
	}

	p, err := convParams(n, 2)
	if err != nil {
		return err
	}
	xSpec, err := ctx.spec(x)
	if err != nil {
		return err
	}
	inChannels := int(xSpec.Shape[2])

	kind := device.OpConv2d
	switch {
	case p.Group == 1:
	case p.Group == inChannels:
		// depthwise: every input channel gets its own filters
		p.Multiplier = outChannels / inChannels
	default:
		kind = device.OpGroupedConv2d
	}
	ctx.Emit(n, kind, p, y, operands...)
	return nil
}
