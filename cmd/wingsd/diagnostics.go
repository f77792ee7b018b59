package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wingsd/wingsd/internal/config"
	"github.com/wingsd/wingsd/internal/confinedfs"
	"github.com/wingsd/wingsd/internal/panel"
)

var diagnosticsCmd = &cobra.Command{
	Use:   "diagnostics",
	Short: "Report config sanity, managed server disk usage, and panel reachability",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDiagnostics(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(diagnosticsCmd)
}

func runDiagnostics(ctx context.Context) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(w, "config:\tFAIL\t%s\n", err)
		return err
	}
	fmt.Fprintf(w, "config:\tOK\tnode %s\n", cfg.UUID)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client := panel.New(cfg.Remote, cfg.Token)
	if err := client.ResetServerState(ctx); err != nil {
		fmt.Fprintf(w, "panel:\tFAIL\t%s\n", err)
	} else {
		fmt.Fprintf(w, "panel:\tOK\t%s\n", cfg.Remote)
	}

	items, err := os.ReadDir(cfg.System.RootDirectory)
	if err != nil {
		fmt.Fprintf(w, "servers:\tFAIL\t%s\n", err)
		return nil
	}
	for _, item := range items {
		if !item.IsDir() {
			continue
		}
		base := fmt.Sprintf("%s/%s", cfg.System.RootDirectory, item.Name())
		root, err := confinedfs.New(base, 0, cfg.IgnoreOverrides)
		if err != nil {
			fmt.Fprintf(w, "server %s:\tFAIL\t%s\n", item.Name(), err)
			continue
		}
		if err := root.RefreshUsage(); err != nil {
			fmt.Fprintf(w, "server %s:\tFAIL\t%s\n", item.Name(), err)
			continue
		}
		fmt.Fprintf(w, "server %s:\tOK\t%d bytes used\n", item.Name(), root.UsageBytes())
	}
	return nil
}
