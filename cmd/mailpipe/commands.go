package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jeeves-cluster-organization/mailpipe/coreengine/config"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/execution"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/graph"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/stages"
)

func newConfigCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			return enc.Close()
		},
	}
}

func newGraphCommand(configPath *string) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "graph <email.json>",
		Short: "Show the execution graph that would be built for an email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			email, err := readEmail(args[0])
			if err != nil {
				return err
			}

			builder := graph.NewBuilder(stages.FromConfig(cfg), cfg.Execution.Timeout, cfg.Execution.MaxRetries)
			def, err := builder.Build(email, execution.New(email))
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(def)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), def.Render())
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the graph definition as JSON")
	return cmd
}

func readEmail(path string) (*execution.Email, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read email: %w", err)
	}
	var email execution.Email
	if err := json.Unmarshal(data, &email); err != nil {
		return nil, fmt.Errorf("decode email %s: %w", path, err)
	}
	return &email, nil
}
