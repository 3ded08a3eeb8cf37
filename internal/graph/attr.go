package graph

// AttrKind tags the payload carried by an Attribute.
type AttrKind int

const (
	AttrFloat AttrKind = iota + 1
	AttrInt
	AttrString
	AttrFloats
	AttrInts
)

// Attribute is a typed node attribute.
type Attribute struct {
	Kind   AttrKind  `cbor:"kind"`
	F      float32   `cbor:"f,omitempty"`
	I      int64     `cbor:"i,omitempty"`
	S      string    `cbor:"s,omitempty"`
	Floats []float32 `cbor:"floats,omitempty"`
	Ints   []int64   `cbor:"ints,omitempty"`
}

func FloatAttr(v float32) Attribute { return Attribute{Kind: AttrFloat, F: v} }
func IntAttr(v int64) Attribute { return Attribute{Kind: AttrInt, I: v} }
func StringAttr(v string) Attribute { return Attribute{Kind: AttrString, S: v} }
func FloatsAttr(v ...float32) Attribute { return Attribute{Kind: AttrFloats, Floats: v} }
func IntsAttr(v ...int64) Attribute { return Attribute{Kind: AttrInts, Ints: v} }

// HasAttr reports whether the node carries the named attribute.
func (n *Node) HasAttr(name string) bool {
	_, ok := n.Attrs[name]
	return ok
}

// AttrInt returns the named int attribute, or def when absent or of another kind.
func (n *Node) AttrInt(name string, def int64) int64 {
	if a, ok := n.Attrs[name]; ok && a.Kind == AttrInt {
		return a.I
	}
	return def
}

func (n *Node) AttrFloat(name string, def float32) float32 {
	if a, ok := n.Attrs[name]; ok && a.Kind == AttrFloat {
		return a.F
	}
	return def
}

func (n *Node) AttrString(name, def string) string {
	if a, ok := n.Attrs[name]; ok && a.Kind == AttrString {
		return a.S
	}
	return def
}

func (n *Node) AttrInts(name string, def []int64) []int64 {
	if a, ok := n.Attrs[name]; ok && a.Kind == AttrInts {
		return a.Ints
	}
	return def
}

func (n *Node) AttrFloats(name string, def []float32) []float32 {
	if a, ok := n.Attrs[name]; ok && a.Kind == AttrFloats {
		return a.Floats
	}
	return def
}
