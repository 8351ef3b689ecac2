package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"vcpd/internal/app"
	"vcpd/internal/config"
)

var version = "dev"

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func main() {
	if !isTTY() {
		color.NoColor = true
	}
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red("error: ")+err.Error())
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "vcpd",
		Short:         "vcpd is a tool-calling orchestration server for AI assistants",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(serveCmd(&configPath))
	root.AddCommand(configCmd())
	root.AddCommand(versionCmd())
	return root
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the vcpd server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			a, err := app.New(cfg)
			if err != nil {
				return err
			}

			fmt.Printf("%s listening on %s:%d\n", bold("vcpd "+version),
				cfg.Server.Host, cfg.Server.Port)
			fmt.Printf("  plugins dir  %s\n", cfg.Plugins.Dir)
			fmt.Printf("  log level    %s\n", cfg.Observability.LogLevel)
			if cfg.Observability.Tracing.Enabled {
				fmt.Printf("  tracing      %s\n", green("on ("+cfg.Observability.Tracing.OTLPEndpoint+")"))
			} else {
				fmt.Printf("  tracing      %s\n", yellow("off"))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.Run(ctx)
		},
	}
}

func configCmd() *cobra.Command {
	configRoot := &cobra.Command{
		Use:   "config",
		Short: "Manage vcpd configuration",
	}

	var out string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := config.WriteDefault(out); err != nil {
				return err
			}
			fmt.Printf("%s wrote %s\n", green("ok:"), out)
			fmt.Println(yellow("remember to set auth.key before serving"))
			return nil
		},
	}
	initCmd.Flags().StringVarP(&out, "output", "o", "vcpd-config.yaml", "output path")
	configRoot.AddCommand(initCmd)
	return configRoot
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the vcpd version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println("vcpd " + version)
		},
	}
}
