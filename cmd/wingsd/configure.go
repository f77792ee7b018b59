package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wingsd/wingsd/internal/config"
	"github.com/wingsd/wingsd/internal/panel"
)

var (
	configurePanelURL       string
	configureToken          string
	configureNodeID         int64
	configureAllowInsecure  bool
	configureOverrideExists bool
)

// configureCmd is the non-interactive equivalent of the original's
// `dialoguer`-driven wizard (`application/src/commands/configure.rs`):
// the interactive prompt loop is out of scope here, but the bootstrap
// call it drives — fetch this node's configuration from the panel, then
// persist it to config.yml — is not.
var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Fetch this node's configuration from the panel and write config.yml",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfigure(cmd.Context())
	},
}

func init() {
	configureCmd.Flags().StringVar(&configurePanelURL, "panel-url", "", "base URL of the panel (required)")
	configureCmd.Flags().StringVar(&configureToken, "token", "", "bootstrap application API token (required)")
	configureCmd.Flags().Int64Var(&configureNodeID, "node", 0, "node id to fetch configuration for (required)")
	configureCmd.Flags().BoolVar(&configureAllowInsecure, "allow-insecure", false, "skip TLS certificate verification against the panel")
	configureCmd.Flags().BoolVar(&configureOverrideExists, "override", false, "overwrite an existing config.yml")
	_ = configureCmd.MarkFlagRequired("panel-url")
	_ = configureCmd.MarkFlagRequired("token")
	_ = configureCmd.MarkFlagRequired("node")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(ctx context.Context) error {
	if !configureOverrideExists {
		if _, err := config.Load(configPath); err == nil {
			return fmt.Errorf("configure: %s already exists; pass --override to replace it", configPath)
		}
	}

	client := panel.New(configurePanelURL, configureToken)
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	nodeCfg, err := client.NodeConfiguration(ctx, configureNodeID)
	if err != nil {
		return fmt.Errorf("configure: fetch node configuration: %w", err)
	}

	cfg := config.Default()
	cfg.UUID = nodeCfg.UUID
	cfg.TokenID = nodeCfg.TokenID
	cfg.Token = nodeCfg.Token
	cfg.Remote = configurePanelURL
	cfg.AllowInsecure = configureAllowInsecure
	if nodeCfg.WebListen != "" {
		cfg.API.Listen = nodeCfg.WebListen
	}
	if nodeCfg.SFTPListen != "" {
		cfg.SFTP.Listen = nodeCfg.SFTPListen
	}
	if nodeCfg.CompressionLvl != "" {
		cfg.CompressionLevel = nodeCfg.CompressionLvl
	}
	if nodeCfg.BackupAdapter != "" {
		cfg.BackupAdapter = nodeCfg.BackupAdapter
	}

	if err := config.Save(configPath, cfg); err != nil {
		return fmt.Errorf("configure: save %s: %w", configPath, err)
	}
	fmt.Printf("wrote %s for node %s\n", configPath, cfg.UUID)
	return nil
}
