package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-npu/internal/config"
	"github.com/23skdu/longbow-npu/internal/graph"
	"github.com/23skdu/longbow-npu/internal/provider"
)

func newPartitionCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "partition MODEL",
		Short: "Show which nodes of a model the accelerator takes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := loadModel(args[0])
			if err != nil {
				return err
			}
			r, err := provider.New(*cfg).Analyze(cmd.Context(), g)
			if err != nil {
				return err
			}
			writeReport(cmd.OutOrStdout(), g, r)
			return nil
		},
	}
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

func writeReport(w io.Writer, g *graph.Graph, r *provider.Report) {
	placement := make(map[int]string)
	for _, c := range r.Capabilities {
		for _, n := range c.Nodes {
			placement[n] = c.Name
		}
	}

	nodes := newTable(w, "#", "NODE", "OP", "PLACEMENT")
	for i, n := range g.Nodes() {
		where, ok := placement[i]
		switch {
		case ok:
		case r.Plan.Supported[i]:
			where = "dropped"
		default:
			where = "host"
		}
		nodes.Append([]string{strconv.Itoa(i), n.Name, n.OpType, where})
	}
	nodes.Render()

	fmt.Fprintf(w, "\n%d of %d nodes in %d units\n\n", r.Plan.Covered(), g.NumNodes(), len(r.Capabilities))

	units := newTable(w, "UNIT", "NODES", "INPUTS", "OUTPUTS")
	for _, c := range r.Capabilities {
		units.Append([]string{c.Name, joinInts(c.Nodes), strings.Join(c.Inputs, ","), strings.Join(c.Outputs, ",")})
	}
	units.Render()
}

func joinInts(v []int) string {
	s := make([]string, len(v))
	for i, n := range v {
		s[i] = strconv.Itoa(n)
	}
	return strings.Join(s, ",")
}
