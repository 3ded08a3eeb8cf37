package builder

import (
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-npu/internal/binding"
	"github.com/23skdu/longbow-npu/internal/device"
	"github.com/23skdu/longbow-npu/internal/graph"
)

// Host operand order is X, scale, B, mean, var.
const (
	bnInput = iota
	bnScale
	bnBias
	bnMean
	bnVar
)

type batchNormBuilder struct{}

func (batchNormBuilder) IsOpSupported(g *graph.Graph, n *graph.Node) bool {
	if n.AttrInt("training_mode", 0) != 0 {
		log.Debug().Str("node", n.String()).Msg("training mode batch norm is not supported")
		return false
	}
	if n.HasAttr("spatial") || n.SinceVersion < 9 {
		log.Debug().Str("node", n.String()).Msg("spatial batch norm is not supported")
		return false
	}
	if !g.IsInitializedTensor(n.Input(bnScale)) {
		log.Debug().Str("node", n.String()).Msg("batch norm statistics must be initializers")
		return false
	}
	return true
}

func (batchNormBuilder) Build(ctx *Context, n *graph.Node, inputs, outputs []binding.Slot) error {
	p := device.BatchNormParams{Epsilon: n.AttrFloat("epsilon", 1e-5)}
	ctx.Emit(n, device.OpBatchNorm, p, outputs[0],
		inputs[bnInput], inputs[bnMean], inputs[bnVar], inputs[bnScale], inputs[bnBias])
	return nil
}
