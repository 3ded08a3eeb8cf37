package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-npu/internal/builder"
	"github.com/23skdu/longbow-npu/internal/config"
	"github.com/23skdu/longbow-npu/internal/provider"
)

func newOpsCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "ops",
		Short: "List operator types with a lowering",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			enabled := provider.New(*cfg).Registry()
			table := newTable(cmd.OutOrStdout(), "OP", "STATUS")
			for _, op := range builder.NewRegistry().OpTypes() {
				status := "enabled"
				if _, ok := enabled.Lookup(op); !ok {
					status = "disabled"
				}
				table.Append([]string{op, status})
			}
			table.Render()
		},
	}
}

func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Show configuration environment variables",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			vars := config.AsMap()
			keys := make([]string, 0, len(vars))
			for k := range vars {
				keys = append(keys, k)
			}
			slices.Sort(keys)

			table := newTable(cmd.OutOrStdout(), "NAME", "VALUE", "DESCRIPTION")
			for _, k := range keys {
				v := vars[k]
				table.Append([]string{v.Name, fmt.Sprint(v.Value), v.Description})
			}
			table.Render()
		},
	}
}
