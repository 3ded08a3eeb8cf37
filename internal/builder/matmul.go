package builder

import (
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-npu/internal/binding"
	"github.com/23skdu/longbow-npu/internal/device"
	"github.com/23skdu/longbow-npu/internal/graph"
)

func hasInt64Input(g *graph.Graph, n *graph.Node) bool {
	for _, name := range n.Inputs {
		if name != "" && valueType(g, name) == graph.Int64 {
			return true
		}
	}
	return false
}

type matmulBuilder struct{}

func (matmulBuilder) IsOpSupported(g *graph.Graph, n *graph.Node) bool {
	if valueRank(g, n.Outputs[0]) == 0 {
		log.Debug().Str("node", n.String()).Msg("inner product of 1-D tensors is not supported")
		return false
	}
	if hasInt64Input(g, n) {
		log.Debug().Str("node", n.String()).Msg("int64 matmul is not supported")
		return false
	}
	return true
}

func (matmulBuilder) Build(ctx *Context, n *graph.Node, inputs, outputs []binding.Slot) error {
	ctx.Emit(n, device.OpMatmul, device.MatmulParams{}, outputs[0], inputs[0], inputs[1])
	return nil
}

// gemmBuilder decomposes Y = alpha·op(A)·op(B) + beta·C. A multiply by a scalar
// constant is only emitted for a coefficient other than 1, and the addition only
// when C is present.
type gemmBuilder struct{}

func (gemmBuilder) IsOpSupported(g *graph.Graph, n *graph.Node) bool {
	if n.AttrInt("transA", 0) != 0 && n.AttrInt("transB", 0) != 0 {
		log.Debug().Str("node", n.String()).Msg("transposing both operands is not supported")
		return false
	}
	if hasInt64Input(g, n) {
		log.Debug().Str("node", n.String()).Msg("int64 gemm is not supported")
		return false
	}
	return true
}

func (gemmBuilder) Build(ctx *Context, n *graph.Node, inputs, outputs []binding.Slot) error {
	alpha := n.AttrFloat("alpha", 1)
	beta := n.AttrFloat("beta", 1)
	params := device.MatmulParams{
		TransposeA: n.AttrInt("transA", 0) != 0,
		TransposeB: n.AttrInt("transB", 0) != 0,
	}

	a, b := inputs[0], inputs[1]
	if alpha != 1 {
		scaled, err := scale(ctx, n, a, alpha)
		if err != nil {
			return err
		}
		a = scaled
	}

	c := binding.NoSlot
	if len(inputs) > 2 {
		c = inputs[2]
	}
	if c == binding.NoSlot {
		ctx.Emit(n, device.OpMatmul, params, outputs[0], a, b)
		return nil
	}

	ab, err := ctx.temporary(outputs[0])
	if err != nil {
		return err
	}
	ctx.Emit(n, device.OpMatmul, params, ab, a, b)
	if beta != 1 {
		if c, err = scale(ctx, n, c, beta); err != nil {
			return err
		}
	}
	ctx.Emit(n, device.OpAdd, nil, outputs[0], ab, c)
	return nil
}

// scale emits x·coef into a fresh transient tensor.
func scale(ctx *Context, n *graph.Node, x binding.Slot, coef float32) (binding.Slot, error) {
	k, err := ctx.scalar(coef)
	if err != nil {
		return binding.NoSlot, err
	}
	out, err := ctx.temporary(x)
	if err != nil {
		return binding.NoSlot, err
	}
	ctx.Emit(n, device.OpMultiply, nil, out, x, k)
	return out, nil
}
