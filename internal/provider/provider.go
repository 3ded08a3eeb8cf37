// Package provider is the host-facing surface: it reports which parts of a graph
// the accelerator takes and compiles those parts into compute handles.
package provider

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-npu/internal/builder"
	"github.com/23skdu/longbow-npu/internal/cache"
	"github.com/23skdu/longbow-npu/internal/config"
	"github.com/23skdu/longbow-npu/internal/device"
	"github.com/23skdu/longbow-npu/internal/engine"
	"github.com/23skdu/longbow-npu/internal/graph"
	"github.com/23skdu/longbow-npu/internal/partition"
)

var tracer = otel.Tracer("npu-provider")

// Capability is one cluster offered to the host.
type Capability struct {
	Name         string
	SinceVersion int
	Nodes        []int
	Inputs       []string
	Outputs      []string
}

// ComputeHandle runs a compiled capability.
type ComputeHandle interface {
	Name() string
	Feeds() []engine.GraphIO
	Outputs() []engine.GraphIO
	Compute(ctx context.Context, inputs []engine.HostTensor) ([]engine.HostTensor, error)
	Dump() engine.Dump
}

var _ ComputeHandle = (*engine.Unit)(nil)

// Report is the outcome of GetCapability together with the per-node verdicts.
type Report struct {
	Plan         *partition.Plan
	Capabilities []Capability
}

type Option func(*Provider)

// WithBackend replaces the in-process CPU backend.
func WithBackend(b device.Backend) Option {
	return func(p *Provider) { p.backend = b }
}

// WithRegistry replaces the default operator registry. Disabled ops from the
// config are still removed from it.
func WithRegistry(r *builder.Registry) Option {
	return func(p *Provider) { p.registry = r }
}

type Provider struct {
	cfg      config.Config
	backend  device.Backend
	registry *builder.Registry
	counter  atomic.Uint64
	units    *cache.MapCache[*engine.Unit]
}

func New(cfg config.Config, opts ...Option) *Provider {
	p := &Provider{
		cfg:      cfg,
		backend:  device.NewCPUBackend(),
		registry: builder.NewRegistry(),
		units:    cache.NewMapCache[*engine.Unit](),
	}
	for _, opt := range opts {
		opt(p)
	}
	if len(cfg.DisabledOps) > 0 {
		p.registry = p.registry.Without(cfg.DisabledOps...)
		log.Info().Strs("ops", cfg.DisabledOps).Msg("operators disabled by configuration")
	}
	log.Debug().Str("backend", p.backend.Name()).Uint("device", cfg.DeviceID).Msg("provider ready")
	return p
}

// Registry returns the registry capability decisions are made with.
func (p *Provider) Registry() *builder.Registry { return p.registry }

// Analyze partitions g and names every surviving cluster.
func (p *Provider) Analyze(ctx context.Context, g *graph.Graph) (*Report, error) {
	_, span := tracer.Start(ctx, "Provider.GetCapability", trace.WithAttributes(
		attribute.String("graph", g.Name),
		attribute.Int("nodes", g.NumNodes()),
	))
	defer span.End()

	plan, err := partition.New(p.registry).Partition(g)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	for i, ok := range plan.Supported {
		op := g.Node(i).OpType
		if ok {
			nodesSupported.WithLabelValues(op).Inc()
		} else {
			nodesUnsupported.WithLabelValues(op).Inc()
		}
	}

	r := &Report{Plan: plan}
	for _, c := range plan.Clusters {
		r.Capabilities = append(r.Capabilities, Capability{
			Name:         "NPUOp_" + strconv.FormatUint(p.counter.Add(1), 10),
			SinceVersion: 1,
			Nodes:        c.Nodes,
			Inputs:       c.Inputs,
			Outputs:      c.Outputs,
		})
	}
	clustersCreated.Add(float64(len(r.Capabilities)))
	span.SetAttributes(attribute.Int("clusters", len(r.Capabilities)))
	log.Info().
		Str("graph", g.Name).
		Int("nodes", g.NumNodes()).
		Int("covered", plan.Covered()).
		Int("clusters", len(r.Capabilities)).
		Msg("partitioned graph")
	return r, nil
}

// GetCapability returns the clusters the accelerator takes, in topological order.
func (p *Provider) GetCapability(ctx context.Context, g *graph.Graph) ([]Capability, error) {
	r, err := p.Analyze(ctx, g)
	if err != nil {
		return nil, err
	}
	return r.Capabilities, nil
}

// Compile returns the unit for c, compiling it on first use. Failed compiles are
// not cached.
func (p *Provider) Compile(ctx context.Context, g *graph.Graph, c Capability) (ComputeHandle, error) {
	_, span := tracer.Start(ctx, "Provider.Compile", trace.WithAttributes(
		attribute.String("unit", c.Name),
		attribute.Int("nodes", len(c.Nodes)),
	))
	defer span.End()

	start := time.Now()
	u, hit, err := p.units.GetOrCreate(c.Name, func() (*engine.Unit, error) {
		return engine.Compile(p.backend, p.registry, g, engine.Definition{
			Name:    c.Name,
			Nodes:   c.Nodes,
			Inputs:  c.Inputs,
			Outputs: c.Outputs,
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("compile %s: %w", c.Name, err)
	}
	span.SetAttributes(attribute.Bool("cached", hit))
	if hit {
		unitCacheHits.Inc()
	} else {
		compileDuration.Observe(time.Since(start).Seconds())
	}
	return u, nil
}

// Release drops a compiled unit.
func (p *Provider) Release(name string) bool {
	return p.units.Delete(name)
}

// Units returns the number of cached units.
func (p *Provider) Units() int { return p.units.Size() }
