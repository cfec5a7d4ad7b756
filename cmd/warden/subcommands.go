package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/probeops/warden/internal/agent"
	"github.com/probeops/warden/internal/config"
	"github.com/probeops/warden/internal/telemetry"
	"github.com/probeops/warden/internal/tool"
)

// Run the agent loop until a shutdown signal
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent loop against the configured controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if u, _ := cmd.Flags().GetString("controller"); u != "" {
				cfg.Controller.URL = u
			}
			if t, _ := cmd.Flags().GetString("token"); t != "" {
				cfg.Controller.Token = t
			}
			telemetry.InitGlobal(true)
			defer telemetry.Shutdown()

			a, err := agent.New(cfg, version)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.Run(ctx)
		},
	}
	cmd.Flags().String("controller", "", "controller base URL (overrides config)")
	cmd.Flags().String("token", "", "agent auth token (overrides config)")
	return cmd
}

// Probe the configured tool binaries
func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Probe the configured tool binaries and print their availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				// Probing works without a reachable controller; fall back
				// to defaults when no config exists yet.
				cfg = config.Default()
			}
			reg := tool.FromConfig(cfg.Tools)
			for _, c := range tool.Probe(cmd.Context(), reg) {
				state := "missing"
				if c.Available {
					state = "ok"
				}
				fmt.Printf("%s\t%s\t%s\t%s\n", c.Tool, c.Binary, state, c.Version)
			}
			return nil
		},
	}
}

// Write a default config file
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config.yaml if none exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				base := os.Getenv("XDG_CONFIG_HOME")
				if base == "" {
					home, _ := os.UserHomeDir()
					base = filepath.Join(home, ".config")
				}
				path = filepath.Join(base, "warden", "config.yaml")
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config already exists at %s", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
				return err
			}
			out, err := yaml.Marshal(config.Default())
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, out, 0600); err != nil {
				return err
			}
			fmt.Printf("wrote default config to %s\n", path)
			fmt.Println("set controller.url and put WARDEN_TOKEN in secrets.env before running")
			return nil
		},
	}
}
