package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-npu/internal/client"
	"github.com/23skdu/longbow-npu/internal/config"
	"github.com/23skdu/longbow-npu/internal/engine"
	"github.com/23skdu/longbow-npu/internal/provider"
)

func newRunCmd(cfg *config.Config) *cobra.Command {
	var (
		inputsPath string
		sinkAddr   string
		dataset    string
		dump       bool
	)
	cmd := &cobra.Command{
		Use:   "run MODEL",
		Short: "Compile a model and run it once, writing outputs as an Arrow stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			g, err := loadModel(args[0])
			if err != nil {
				return err
			}
			pl, err := NewPipeline(ctx, provider.New(*cfg), g)
			if err != nil {
				return err
			}
			if dump {
				for _, h := range pl.Handles() {
					writeDump(cmd.ErrOrStderr(), h.Dump())
				}
			}

			var inputs []engine.HostTensor
			if inputsPath != "" {
				if inputs, err = loadTensors(inputsPath); err != nil {
					return err
				}
			}

			start := time.Now()
			outs, err := pl.Run(ctx, inputs)
			if err != nil {
				return err
			}
			log.Info().Str("graph", g.Name).Int("units", len(pl.Handles())).Dur("elapsed", time.Since(start)).Msg("ran graph")

			if sinkAddr != "" {
				return forward(ctx, sinkAddr, dataset, g.Name, outs)
			}
			rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildRecordBatch(outs)
			if err != nil || rec == nil {
				return err
			}
			defer rec.Release()
			return writeArrowStream(cmd.OutOrStdout(), rec)
		},
	}
	cmd.Flags().StringVar(&inputsPath, "inputs", "", "CBOR file with the graph input tensors")
	cmd.Flags().StringVar(&sinkAddr, "sink", "", "Arrow Flight address to send outputs to instead of stdout")
	cmd.Flags().StringVar(&dataset, "dataset", "npu_outputs", "Dataset path prefix on the sink")
	cmd.Flags().BoolVar(&dump, "dump", false, "Print the compiled units to stderr")
	return cmd
}

func forward(ctx context.Context, addr, dataset, name string, outs []engine.HostTensor) error {
	fc, err := client.NewFlightClient(addr)
	if err != nil {
		return err
	}
	sink := client.NewSink(fc, dataset, nil)
	defer func() {
		if err := sink.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close flight client")
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	if err := sink.Send(ctx, name, outs); err != nil {
		return fmt.Errorf("flight put to %s: %w", addr, err)
	}
	log.Info().Str("addr", addr).Str("dataset", dataset).Int("outputs", len(outs)).Msg("sent outputs")
	return nil
}

func writeDump(w io.Writer, d engine.Dump) {
	fmt.Fprintf(w, "%s (%s)\n", d.Unit, d.Backend)
	tensors := newTable(w, "SLOT", "NAME", "TYPE", "SHAPE", "ROLE", "QUANT")
	for _, t := range d.Tensors {
		shape := make([]string, len(t.Shape))
		for i, s := range t.Shape {
			shape[i] = fmt.Sprint(s)
		}
		tensors.Append([]string{fmt.Sprint(t.Slot), t.Name, t.Type, strings.Join(shape, "x"), t.Role, t.Quant})
	}
	tensors.Render()

	ops := newTable(w, "KIND", "NODE", "INPUTS", "OUTPUT")
	for _, op := range d.Ops {
		ops.Append([]string{op.Kind, op.Node, joinInts(op.Inputs), fmt.Sprint(op.Output)})
	}
	ops.Render()
	fmt.Fprintln(w)
}
