package builder

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-npu/internal/binding"
	"github.com/23skdu/longbow-npu/internal/device"
	"github.com/23skdu/longbow-npu/internal/graph"
)

// Operand layout shared by QLinearAdd, QLinearMul and QLinearMatMul.
const (
	qA = iota
	qAScale
	qAZeroPoint
	qB
	qBScale
	qBZeroPoint
	qYScale
	qYZeroPoint
)

// quantizedOperand requantizes one (data, scale, zero point) triple.
func quantizedOperand(ctx *Context, name string, s binding.Slot, scaleName, zpName string) (binding.Slot, error) {
	q, err := qlinearTable.perTensor(ctx.Graph, valueType(ctx.Graph, name), scaleName, zpName)
	if err != nil {
		return binding.NoSlot, fmt.Errorf("%s: %w", name, err)
	}
	return ctx.requantize(name, s, q)
}

// quantizedOperands requantizes A, B and Y of the binary QLinear operators.
func quantizedOperands(ctx *Context, n *graph.Node, inputs, outputs []binding.Slot) (a, b, y binding.Slot, err error) {
	if a, err = quantizedOperand(ctx, n.Input(qA), inputs[qA], n.Input(qAScale), n.Input(qAZeroPoint)); err != nil {
		return
	}
	if b, err = quantizedOperand(ctx, n.Input(qB), inputs[qB], n.Input(qBScale), n.Input(qBZeroPoint)); err != nil {
		return
	}
	y, err = quantizedOperand(ctx, n.Outputs[0], outputs[0], n.Input(qYScale), n.Input(qYZeroPoint))
	return
}

type qlinearBinaryBuilder struct {
	kind device.OpKind
}

func (qlinearBinaryBuilder) IsOpSupported(g *graph.Graph, n *graph.Node) bool {
	for i, name := range n.Inputs {
		if i == qA || i == qB || name == "" {
			continue
		}
		if !g.IsConstantInitializer(name) {
			log.Debug().Str("node", n.String()).Str("value", name).Msg("scale and zero point must be constant")
			return false
		}
	}
	for _, i := range []int{qAScale, qBScale, qYScale} {
		if initializerSize(g, n.Input(i)) != 1 {
			log.Debug().Str("node", n.String()).Msg("per-channel scales are not supported")
			return false
		}
	}
	return true
}

func (b qlinearBinaryBuilder) Build(ctx *Context, n *graph.Node, inputs, outputs []binding.Slot) error {
	a, bb, y, err := quantizedOperands(ctx, n, inputs, outputs)
	if err != nil {
		return err
	}
	ctx.Emit(n, b.kind, nil, y, a, bb)
	return nil
}

type qlinearMatMulBuilder struct{}

func (qlinearMatMulBuilder) IsOpSupported(g *graph.Graph, n *graph.Node) bool {
	for i, name := range n.Inputs {
		if i == qA || i == qB {
			continue
		}
		if !g.IsInitializedTensor(name) {
			log.Debug().Str("node", n.String()).Str("value", name).Msg("scale and zero point must be initializers")
			return false
		}
	}
	for _, i := range []int{qAScale, qBScale, qYScale} {
		if initializerSize(g, n.Input(i)) != 1 {
			log.Debug().Str("node", n.String()).Msg("per-channel scales are not supported")
			return false
		}
	}
	return true
}

func (qlinearMatMulBuilder) Build(ctx *Context, n *graph.Node, inputs, outputs []binding.Slot) error {
	a, b, y, err := quantizedOperands(ctx, n, inputs, outputs)
	if err != nil {
		return err
	}
	ctx.Emit(n, device.OpMatmul, device.MatmulParams{}, y, a, b)
	return nil
}

// qlinearConcatBuilder takes (Y scale, Y zero point) followed by one
// (data, scale, zero point) group per operand.
type qlinearConcatBuilder struct{}

func (qlinearConcatBuilder) IsOpSupported(g *graph.Graph, n *graph.Node) bool {
	if len(n.Inputs) < 5 || (len(n.Inputs)-2)%3 != 0 {
		log.Debug().Str("node", n.String()).Int("inputs", len(n.Inputs)).Msg("operands do not form groups of three")
		return false
	}
	if !g.IsConstantInitializer(n.Input(0)) || !g.IsConstantInitializer(n.Input(1)) {
		log.Debug().Str("node", n.String()).Msg("output scale and zero point must be constant")
		return false
	}
	for i := 2; i < len(n.Inputs); i += 3 {
		if !g.IsInitializedTensor(n.Input(i+1)) || !g.IsInitializedTensor(n.Input(i+2)) {
			log.Debug().Str("node", n.String()).Str("value", n.Input(i)).Msg("input scale and zero point must be initializers")
			return false
		}
	}
	return true
}

func (qlinearConcatBuilder) Build(ctx *Context, n *graph.Node, inputs, outputs []binding.Slot) error {
	operands := make([]binding.Slot, 0, (len(inputs)-2)/3)
	for i := 2; i+2 < len(inputs); i += 3 {
		s, err := quantizedOperand(ctx, n.Input(i), inputs[i], n.Input(i+1), n.Input(i+2))
		if err != nil {
			return err
		}
		operands = append(operands, s)
	}
	y, err := quantizedOperand(ctx, n.Outputs[0], outputs[0], n.Input(0), n.Input(1))
	if err != nil {
		return err
	}

	rank := valueRank(ctx.Graph, n.Input(2))
	if rank < 1 {
		rank = 1
	}
	axis := int(n.AttrInt("axis", 0))
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return fmt.Errorf("%w: axis %d for rank %d", ErrInvalidAttribute, n.AttrInt("axis", 0), rank)
	}
	p := device.ConcatParams{Axis: rank - 1 - axis, InputCount: len(operands)}
	ctx.Emit(n, device.OpConcat, p, y, operands...)
	return nil
}
