package builder

import (
	"github.com/23skdu/longbow-npu/internal/binding"
	"github.com/23skdu/longbow-npu/internal/device"
	"github.com/23skdu/longbow-npu/internal/graph"
)

// elementwiseBuilder maps an operator one to one onto a primitive of the same arity.
type elementwiseBuilder struct {
	base
	kind device.OpKind
}

func (b elementwiseBuilder) Build(ctx *Context, n *graph.Node, inputs, outputs []binding.Slot) error {
	ctx.Emit(n, b.kind, nil, outputs[0], inputs...)
	return nil
}
