package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/tiancaiamao/chatbridge/pkg/registry"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Inspect the models file",
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List providers and their models",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		providers, err := registry.New(cfg.Models, nil).Load()
		if err != nil {
			return fmt.Errorf("failed to load models from %s: %w", cfg.Models, err)
		}
		if len(providers) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No providers configured.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PROVIDER\tLABEL\tFORMAT\tCOMMAND\tMODELS")
		for _, p := range providers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.Name, p.Label, p.OutputFormat(), p.Cmd, strings.Join(p.Models, ", "))
		}
		return w.Flush()
	},
}

var modelsResolveCmd = &cobra.Command{
	Use:   "resolve <model>",
	Short: "Show the command a model id runs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		m, ok := registry.New(cfg.Models, nil).Resolve(args[0])
		if !ok {
			return fmt.Errorf("unknown model: %s", args[0])
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "provider: %s\n", m.Provider)
		fmt.Fprintf(out, "command:  %s\n", m.Command)
		fmt.Fprintf(out, "args:     %s\n", strings.Join(m.Args, " "))
		fmt.Fprintf(out, "format:   %s\n", m.Format)
		return nil
	},
}

func init() {
	modelsCmd.AddCommand(modelsListCmd, modelsResolveCmd)
}
