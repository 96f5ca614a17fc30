package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	pmcp "github.com/ormasoftchile/playtrace/pkg/mcp"
	"github.com/ormasoftchile/playtrace/pkg/plugin"
	"github.com/ormasoftchile/playtrace/pkg/serve"
	"github.com/ormasoftchile/playtrace/pkg/supervisor"
)

// --- serve ---

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start JSON-RPC server on stdio (for editor integrations)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		sup, err := supervisor.New(cfg, logger)
		if err != nil {
			return err
		}
		defer sup.Close()

		srv := serve.New(sup, logger)
		defer srv.Close()
		return srv.Run()
	},
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP server on stdio (for AI agents)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		sup, err := supervisor.New(cfg, logger)
		if err != nil {
			return err
		}
		defer sup.Close()

		if err := server.ServeStdio(pmcp.NewServer(version, sup)); err != nil {
			return fmt.Errorf("mcp server: %w", err)
		}
		return nil
	},
}

// --- plugin ---

var pluginCmd = &cobra.Command{
	Use:   "plugin",
	Short: "Inspect or install the bundled ansible callback plugin",
}

var pluginShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the bundled plugin source",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := os.Stdout.Write(plugin.Source())
		return err
	},
}

var pluginInstallCmd = &cobra.Command{
	Use:   "install [dir]",
	Short: "Write the bundled plugin into dir for use outside playtrace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := plugin.Install(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ installed %s\n", path)
		fmt.Printf("  enable with ANSIBLE_CALLBACKS_ENABLED=%s ANSIBLE_CALLBACK_PLUGINS=%s\n", plugin.BundledName, args[0])
		return nil
	},
}

func init() {
	pluginCmd.AddCommand(pluginShowCmd)
	pluginCmd.AddCommand(pluginInstallCmd)
}
