package graph

import "fmt"

// DataType mirrors the ONNX TensorProto element type enumeration.
type DataType int32

const (
	Undefined DataType = 0
	Float     DataType = 1
	Uint8     DataType = 2
	Int8      DataType = 3
	Uint16    DataType = 4
	Int16     DataType = 5
	Int32     DataType = 6
	Int64     DataType = 7
	String    DataType = 8
	Bool      DataType = 9
	Float16   DataType = 10
	Double    DataType = 11
	Uint32    DataType = 12
	Uint64    DataType = 13
)

var dataTypeNames = map[DataType]string{
	Undefined: "undefined",
	Float:     "float",
	Uint8:     "uint8",
	Int8:      "int8",
	Uint16:    "uint16",
	Int16:     "int16",
	Int32:     "int32",
	Int64:     "int64",
	String:    "string",
	Bool:      "bool",
	Float16:   "float16",
	Double:    "double",
	Uint32:    "uint32",
	Uint64:    "uint64",
}

func (d DataType) String() string {
	if s, ok := dataTypeNames[d]; ok {
		return s
	}
	return fmt.Sprintf("DataType(%d)", int32(d))
}

// ParseDataType is the inverse of String.
func ParseDataType(s string) (DataType, error) {
	for d, name := range dataTypeNames {
		if name == s {
			return d, nil
		}
	}
	return Undefined, fmt.Errorf("unknown data type %q", s)
}

// Size returns the element width in bytes, or 0 for types without a fixed width.
func (d DataType) Size() int {
	switch d {
	case Int64, Double, Uint64:
		return 8
	case Float, Int32, Uint32:
		return 4
	case Float16, Int16, Uint16:
		return 2
	case Int8, Uint8, Bool:
		return 1
	}
	return 0
}

// ElementCount returns the product of dims. A rank-0 shape holds one element.
func ElementCount(dims []int64) int64 {
	n := int64(1)
	for _, d := range dims {
		n *= d
	}
	return n
}
