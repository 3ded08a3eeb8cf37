// Package partition splits a host graph into clusters of nodes the accelerator can
// run.
//
// Nodes are visited in topological order and labeled by a capability predicate.
// Every maximal run of supported nodes between unsupported ones becomes a Cluster
// with its own input and output boundary. When every node is supported the whole
// graph is a single cluster with the graph's declared boundary.
package partition

import (
	"fmt"

	"github.com/rs/zerolog/log"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/23skdu/longbow-npu/internal/graph"
)

// Predicate decides whether the accelerator can run a node.
type Predicate interface {
	IsSupported(g *graph.Graph, n *graph.Node) bool
}

// Cluster is a run of supported nodes and the values crossing its edge. Inputs list
// the non-constant inputs first, then the initializers the cluster needs.
type Cluster struct {
	Nodes   []int
	Inputs  []string
	Outputs []string
}

// Plan is the result of partitioning one graph.
type Plan struct {
	// Order is the topological order of every node.
	Order []int
	// Supported holds the predicate verdict by node index.
	Supported []bool
	Clusters  []Cluster
}

// Covered returns the number of nodes assigned to a cluster.
func (p *Plan) Covered() int {
	n := 0
	for _, c := range p.Clusters {
		n += len(c.Nodes)
	}
	return n
}

type set = orderedmap.OrderedMap[string, struct{}]

func newSet() *set { return orderedmap.New[string, struct{}]() }

func has(s *set, name string) bool {
	_, ok := s.Get(name)
	return ok
}

func keys(s *set) []string {
	out := make([]string, 0, s.Len())
	for pair := s.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// Partitioner is stateless and safe for concurrent use.
type Partitioner struct {
	pred Predicate
}

func New(pred Predicate) *Partitioner {
	return &Partitioner{pred: pred}
}

// Partition labels every node and builds the clusters. A graph with an initializer
// whose data lives outside the model yields no clusters.
func (p *Partitioner) Partition(g *graph.Graph) (*Plan, error) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, fmt.Errorf("partition %s: %w", g.Name, err)
	}
	plan := &Plan{Order: order, Supported: make([]bool, g.NumNodes())}

	for _, init := range g.Initializers() {
		if init.External {
			log.Warn().Str("initializer", init.Name).Msg("initializers with external data are not supported")
			return plan, nil
		}
	}

	// initializers read by supported nodes, first-seen
	required := newSet()
	unsupported := 0
	for _, i := range order {
		n := g.Node(i)
		if !p.pred.IsSupported(g, n) {
			log.Warn().Str("node", n.String()).Msg("unsupported node")
			unsupported++
			continue
		}
		plan.Supported[i] = true
		for _, in := range n.Inputs {
			if in != "" && g.IsInitializedTensor(in) {
				required.Set(in, struct{}{})
			}
		}
	}

	inputs := g.GraphInputs()
	if len(inputs) == 0 {
		log.Info().Str("graph", g.Name).Msg("graph has no runtime inputs, leaving it to constant folding")
		return plan, nil
	}

	if unsupported == 0 {
		inputs = append(inputs, keys(required)...)
		plan.Clusters = []Cluster{{
			Nodes:   append([]int(nil), order...),
			Inputs:  inputs,
			Outputs: append([]string(nil), g.Outputs()...),
		}}
		return plan, nil
	}

	for _, run := range runs(order, plan.Supported) {
		c := boundary(g, run, required)
		if len(c.Inputs) == 0 {
			log.Debug().Ints("nodes", run).Msg("dropping cluster without inputs")
			continue
		}
		plan.Clusters = append(plan.Clusters, c)
	}
	return plan, nil
}

// runs splits order at every unsupported node and drops empty runs.
func runs(order []int, supported []bool) [][]int {
	var out [][]int
	var cur []int
	for _, i := range order {
		if supported[i] {
			cur = append(cur, i)
			continue
		}
		if len(cur) > 0 {
			out = append(out, cur)
		}
		cur = nil
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// boundary computes the inputs and outputs of the cluster formed by nodes.
func boundary(g *graph.Graph, nodes []int, required *set) Cluster {
	inside := make(map[int]bool, len(nodes))
	for _, i := range nodes {
		inside[i] = true
	}

	consumed := newSet()
	produced := make(map[string]bool)
	external := newSet()
	for _, i := range nodes {
		n := g.Node(i)
		for _, in := range n.Inputs {
			if in != "" {
				consumed.Set(in, struct{}{})
			}
		}
		for _, out := range n.Outputs {
			if out == "" {
				continue
			}
			produced[out] = true
			for _, c := range g.Consumers(out) {
				if !inside[c.Index] {
					external.Set(out, struct{}{})
					break
				}
			}
		}
	}

	c := Cluster{Nodes: append([]int(nil), nodes...)}
	var consts []string
	for pair := consumed.Oldest(); pair != nil; pair = pair.Next() {
		name := pair.Key
		switch {
		case g.IsConstantInitializer(name) || has(required, name):
			consts = append(consts, name)
		case !produced[name]:
			c.Inputs = append(c.Inputs, name)
		}
	}
	c.Inputs = append(c.Inputs, consts...)

	c.Outputs = keys(external)
	for _, out := range g.Outputs() {
		if produced[out] && !has(external, out) {
			c.Outputs = append(c.Outputs, out)
		}
	}
	return c
}
