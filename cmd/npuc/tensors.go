package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/fxamacker/cbor/v2"

	"github.com/23skdu/longbow-npu/internal/engine"
	"github.com/23skdu/longbow-npu/internal/graph"
)

// tensorRecord is the CBOR form of an input tensor. FloatData is a
// convenience for float inputs and is packed into Data.
type tensorRecord struct {
	Name      string    `cbor:"name"`
	Type      string    `cbor:"type"`
	Shape     []int64   `cbor:"shape"`
	Data      []byte    `cbor:"data,omitempty"`
	FloatData []float32 `cbor:"float_data,omitempty"`
}

func decodeTensors(r io.Reader) ([]engine.HostTensor, error) {
	var recs []tensorRecord
	if err := cbor.NewDecoder(r).Decode(&recs); err != nil {
		return nil, fmt.Errorf("failed to decode tensors: %w", err)
	}
	out := make([]engine.HostTensor, 0, len(recs))
	for _, rec := range recs {
		dt, err := graph.ParseDataType(rec.Type)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", rec.Name, err)
		}
		data := rec.Data
		if len(rec.FloatData) > 0 {
			if dt != graph.Float {
				return nil, fmt.Errorf("tensor %q: float_data given for %s", rec.Name, dt)
			}
			data = make([]byte, 4*len(rec.FloatData))
			for i, v := range rec.FloatData {
				binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
			}
		}
		out = append(out, engine.HostTensor{Name: rec.Name, Type: dt, Shape: rec.Shape, Data: data})
	}
	return out, nil
}

func loadModel(path string) (*graph.Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return graph.Decode(f)
}

func loadTensors(path string) ([]engine.HostTensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decodeTensors(f)
}

func writeArrowStream(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}
