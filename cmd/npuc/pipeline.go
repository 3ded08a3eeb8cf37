package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-npu/internal/engine"
	"github.com/23skdu/longbow-npu/internal/graph"
	"github.com/23skdu/longbow-npu/internal/provider"
)

// ErrMissingValue is returned when a unit needs a value nobody produced. This
// happens when the graph has nodes the accelerator rejected, since npuc has no
// host fallback for them.
var ErrMissingValue = errors.New("value not available")

// Pipeline runs every compiled unit of a graph in topological order.
type Pipeline struct {
	graph   *graph.Graph
	report  *provider.Report
	handles []provider.ComputeHandle
}

func NewPipeline(ctx context.Context, p *provider.Provider, g *graph.Graph) (*Pipeline, error) {
	r, err := p.Analyze(ctx, g)
	if err != nil {
		return nil, err
	}
	pl := &Pipeline{graph: g, report: r}
	for _, c := range r.Capabilities {
		h, err := p.Compile(ctx, g, c)
		if err != nil {
			return nil, err
		}
		pl.handles = append(pl.handles, h)
	}
	if host := pl.HostNodes(); len(host) > 0 {
		log.Warn().Strs("nodes", host).Msg("graph has nodes without an accelerator lowering")
	}
	return pl, nil
}

// HostNodes names the nodes left out of every unit.
func (pl *Pipeline) HostNodes() []string {
	var out []string
	for i, ok := range pl.report.Plan.Supported {
		if !ok {
			out = append(out, pl.graph.Node(i).String())
		}
	}
	return out
}

func (pl *Pipeline) Handles() []provider.ComputeHandle { return pl.handles }

// Run feeds inputs through the units and returns the graph outputs in declared
// order.
func (pl *Pipeline) Run(ctx context.Context, inputs []engine.HostTensor) ([]engine.HostTensor, error) {
	env := make(map[string]engine.HostTensor, len(inputs))
	for _, t := range inputs {
		env[t.Name] = t
	}

	for _, h := range pl.handles {
		feeds := h.Feeds()
		in := make([]engine.HostTensor, len(feeds))
		for i, f := range feeds {
			t, ok := env[f.Name]
			if !ok {
				return nil, fmt.Errorf("%s: %w: %q", h.Name(), ErrMissingValue, f.Name)
			}
			in[i] = t
		}
		outs, err := h.Compute(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", h.Name(), err)
		}
		for _, o := range outs {
			env[o.Name] = o
		}
	}

	result := make([]engine.HostTensor, 0, len(pl.graph.Outputs()))
	for _, name := range pl.graph.Outputs() {
		t, ok := env[name]
		if !ok {
			return nil, fmt.Errorf("graph output: %w: %q", ErrMissingValue, name)
		}
		result = append(result, t)
	}
	return result, nil
}
