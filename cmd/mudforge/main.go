package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jasona/mudforge/internal/config"
)

// version is overridden at release time via -ldflags.
var version = "0.1.0-dev"

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "mudforge",
	Short:         "mudforge - a scriptable MUD driver",
	Long:          "MudForge hosts a Lua mudlib behind telnet and websocket lines.\nRunning it with no subcommand starts the server.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the driver version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mudforge version %s\n", version)
	},
}

var checkconfigCmd = &cobra.Command{
	Use:   "checkconfig",
	Short: "Validate the configuration and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		fmt.Printf("config ok\n")
		fmt.Printf("  telnet      %s\n", cfg.Server.Addr())
		if cfg.Server.WSPort != 0 {
			fmt.Printf("  websocket   %s%s\n", cfg.Server.WSAddr(), cfg.Server.WSPath)
		} else {
			fmt.Printf("  websocket   disabled\n")
		}
		fmt.Printf("  mudlib      %s\n", cfg.Mudlib.Path)
		fmt.Printf("  persistence %s\n", cfg.Persistence.Driver)
		return nil
	},
}

func defaultConfigPath() string {
	if p := os.Getenv("MUDFORGE_CONFIG"); p != "" {
		return p
	}
	return "config/mudforge.toml"
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultConfigPath(),
		"path to the server config file")
	rootCmd.AddCommand(versionCmd, checkconfigCmd, lintCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
