// Command mailpipe runs the email orchestration service.
//
// Usage:
//
//	mailpipe serve --config mailpipe.yaml   # gRPC :50051, HTTP :8080
//	mailpipe config                         # print effective configuration
//	mailpipe graph email.json               # show the graph built for an email
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "mailpipe",
		Short:        "Email orchestration service",
		Long:         "mailpipe classifies inbound email through a graph of stages and dispatches the resulting actions.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newConfigCommand(&configPath))
	root.AddCommand(newGraphCommand(&configPath))
	return root
}
