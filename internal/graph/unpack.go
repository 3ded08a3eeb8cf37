package graph

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformedTensor is returned when initializer data disagrees with its type or dims.
var ErrMalformedTensor = errors.New("malformed initializer")

// Unpack returns the initializer contents as packed little-endian elements of its type.
// The returned slice is always a fresh copy.
func (init *Initializer) Unpack() ([]byte, error) {
	if init.External {
		return nil, fmt.Errorf("%w: %s: external data is not loaded", ErrMalformedTensor, init.Name)
	}
	width := init.Type.Size()
	if width == 0 {
		return nil, fmt.Errorf("%w: %s: unsupported element type %s", ErrMalformedTensor, init.Name, init.Type)
	}
	count := int(ElementCount(init.Dims))
	want := count * width

	if init.Raw != nil {
		if len(init.Raw) != want {
			return nil, fmt.Errorf("%w: %s: raw data has %d bytes, want %d", ErrMalformedTensor, init.Name, len(init.Raw), want)
		}
		out := make([]byte, want)
		copy(out, init.Raw)
		return out, nil
	}

	out := make([]byte, want)
	switch init.Type {
	case Float:
		if len(init.FloatData) != count {
			return nil, countErr(init, len(init.FloatData), count)
		}
		for i, v := range init.FloatData {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
	case Int64:
		if len(init.Int64Data) != count {
			return nil, countErr(init, len(init.Int64Data), count)
		}
		for i, v := range init.Int64Data {
			binary.LittleEndian.PutUint64(out[i*8:], uint64(v))
		}
	case Int32, Int16, Uint16, Float16, Int8, Uint8, Bool:
		// narrow types travel widened in the int32 payload
		if len(init.Int32Data) != count {
			return nil, countErr(init, len(init.Int32Data), count)
		}
		for i, v := range init.Int32Data {
			switch width {
			case 4:
				binary.LittleEndian.PutUint32(out[i*4:], uint32(v))
			case 2:
				binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
			case 1:
				out[i] = byte(v)
			}
		}
	default:
		return nil, fmt.Errorf("%w: %s: no typed payload for %s", ErrMalformedTensor, init.Name, init.Type)
	}
	return out, nil
}

func countErr(init *Initializer, got, want int) error {
	return fmt.Errorf("%w: %s: %d elements, want %d", ErrMalformedTensor, init.Name, got, want)
}

// Float32s decodes a float initializer. It is a convenience for tests and tooling.
func (init *Initializer) Float32s() ([]float32, error) {
	if init.Type != Float {
		return nil, fmt.Errorf("%w: %s is %s, not float", ErrMalformedTensor, init.Name, init.Type)
	}
	raw, err := init.Unpack()
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}
