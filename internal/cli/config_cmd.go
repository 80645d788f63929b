package cli

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"

	"reticulum/internal/config"
	"reticulum/internal/logging"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Version is set at build time with -ldflags "-X reticulum/internal/cli.Version=...".
var Version = "v0.1.0-dev"

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	})
	return cmd
}

func (r *Root) configShow() error {
	cfgPath := os.Getenv(config.EnvConfigPath)
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/reticulum/config.yaml"
	}
	r.printf("# config file: %s\n", cfgPath)

	enc := yaml.NewEncoder(r.out)
	enc.SetIndent(2)
	if err := enc.Encode(r.cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

func newToolsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Check the external photometric fit tool",
		RunE: func(cmd *cobra.Command, args []string) error {
			st := root.tool.CheckTool(cmd.Context())
			logging.LogToolStatus(root.log, root.cfg.Fit.Command, st.Available, st.Version, st.Path, st.Error)
			if !st.Available {
				root.printf("fit tool %s: unavailable (%v)\n", root.cfg.Fit.Command, st.Error)
				return fmt.Errorf("fit tool %s is not available", root.cfg.Fit.Command)
			}
			root.printf("fit tool %s: %s [%s]\n", root.cfg.Fit.Command, st.Version, st.Path)
			return nil
		},
	}
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			root.printf("Reticulum %s\n", Version)
			root.printf("Built with Go %s\n", runtime.Version())
			if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
				root.printf("Module %s %s\n", info.Main.Path, info.Main.Version)
			}
			return nil
		},
	}
}
