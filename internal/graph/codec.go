package graph

import (
	"fmt"
	"io"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// The on-disk model is a single CBOR map. Values that are neither graph inputs,
// outputs nor initializers are listed under "values" so shapes survive a round trip.

type valueRecord struct {
	Name    string   `cbor:"name"`
	Type    DataType `cbor:"type"`
	Shape   []int64  `cbor:"shape"`
	Unknown bool     `cbor:"unknown,omitempty"`
}

type initializerRecord struct {
	Name      string    `cbor:"name"`
	Type      DataType  `cbor:"type"`
	Dims      []int64   `cbor:"dims"`
	Raw       []byte    `cbor:"raw,omitempty"`
	FloatData []float32 `cbor:"float_data,omitempty"`
	Int32Data []int32   `cbor:"int32_data,omitempty"`
	Int64Data []int64   `cbor:"int64_data,omitempty"`
	External  bool      `cbor:"external,omitempty"`
}

type nodeRecord struct {
	Name         string               `cbor:"name,omitempty"`
	OpType       string               `cbor:"op_type"`
	Domain       string               `cbor:"domain,omitempty"`
	SinceVersion int                  `cbor:"since_version,omitempty"`
	Inputs       []string             `cbor:"inputs"`
	Outputs      []string             `cbor:"outputs"`
	Attrs        map[string]Attribute `cbor:"attrs,omitempty"`
}

type modelRecord struct {
	Name         string              `cbor:"name"`
	Opset        int                 `cbor:"opset"`
	Inputs       []valueRecord       `cbor:"inputs"`
	Outputs      []valueRecord       `cbor:"outputs"`
	Values       []valueRecord       `cbor:"values,omitempty"`
	Initializers []initializerRecord `cbor:"initializers,omitempty"`
	Nodes        []nodeRecord        `cbor:"nodes"`
}

// Decode reads a CBOR encoded model.
func Decode(r io.Reader) (*Graph, error) {
	var m modelRecord
	if err := cbor.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode model: %w", err)
	}

	g := New(m.Name, m.Opset)
	for _, v := range m.Values {
		addRecord(g, v)
	}
	for _, ir := range m.Initializers {
		g.AddInitializer(&Initializer{
			Name:      ir.Name,
			Type:      ir.Type,
			Dims:      ir.Dims,
			Raw:       ir.Raw,
			FloatData: ir.FloatData,
			Int32Data: ir.Int32Data,
			Int64Data: ir.Int64Data,
			External:  ir.External,
		})
	}
	for _, v := range m.Inputs {
		g.inputs = append(g.inputs, v.Name)
		addRecord(g, v)
	}
	for _, v := range m.Outputs {
		g.outputs = append(g.outputs, v.Name)
		addRecord(g, v)
	}
	for i, nr := range m.Nodes {
		if nr.OpType == "" {
			return nil, fmt.Errorf("failed to decode model: node %d has no op_type", i)
		}
		opts := []NodeOption{WithName(nr.Name), WithDomain(nr.Domain)}
		if nr.SinceVersion != 0 {
			opts = append(opts, WithSinceVersion(nr.SinceVersion))
		}
		for name, a := range nr.Attrs {
			opts = append(opts, WithAttr(name, a))
		}
		g.AddNode(nr.OpType, nr.Inputs, nr.Outputs, opts...)
	}
	return g, nil
}

func addRecord(g *Graph, v valueRecord) {
	if v.Unknown {
		g.AddUnknownValue(v.Name, v.Type)
		return
	}
	g.AddValue(v.Name, v.Type, v.Shape...)
}

func toRecord(v *Value) valueRecord {
	return valueRecord{Name: v.Name, Type: v.Type, Shape: v.Shape, Unknown: v.Shape == nil}
}

// Encode writes g as CBOR.
func Encode(w io.Writer, g *Graph) error {
	m := modelRecord{Name: g.Name, Opset: g.Opset}

	listed := make(map[string]bool)
	for _, name := range g.inputs {
		m.Inputs = append(m.Inputs, toRecord(g.values[name]))
		listed[name] = true
	}
	for _, name := range g.outputs {
		m.Outputs = append(m.Outputs, toRecord(g.values[name]))
		listed[name] = true
	}
	for _, init := range g.Initializers() {
		m.Initializers = append(m.Initializers, initializerRecord{
			Name:      init.Name,
			Type:      init.Type,
			Dims:      init.Dims,
			Raw:       init.Raw,
			FloatData: init.FloatData,
			Int32Data: init.Int32Data,
			Int64Data: init.Int64Data,
			External:  init.External,
		})
		listed[init.Name] = true
	}

	names := make([]string, 0, len(g.values))
	for name := range g.values {
		if !listed[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		m.Values = append(m.Values, toRecord(g.values[name]))
	}

	for _, n := range g.nodes {
		nr := nodeRecord{
			Name:    n.Name,
			OpType:  n.OpType,
			Domain:  n.Domain,
			Inputs:  n.Inputs,
			Outputs: n.Outputs,
		}
		if n.SinceVersion != g.Opset {
			nr.SinceVersion = n.SinceVersion
		}
		if len(n.Attrs) > 0 {
			nr.Attrs = n.Attrs
		}
		m.Nodes = append(m.Nodes, nr)
	}

	if err := cbor.NewEncoder(w).Encode(m); err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}
	return nil
}
