package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xela07ax/opsbrain/internal/infra"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:           "opsbrain",
		Short:         "Operations brain: device snapshots, governed capabilities, event bus",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or ./configs/config.yaml)")

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*infra.Config, error) {
	if cfgFile != "" {
		return infra.LoadConfigFile(cfgFile)
	}
	return infra.LoadConfig()
}
