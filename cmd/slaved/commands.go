package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dataprovider/slaved/internal/config"
)

// globalFlags holds the persistent flags every subcommand shares, mirroring
// the teacher's GlobalFlags in cmd/provisr/main.go.
type globalFlags struct {
	ConfigPath string
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "slaved",
		Short: "Supervise livebox slave processes and attribute their faults",
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to the daemon's TOML config file")

	root.AddCommand(newRunCommand(flags))
	root.AddCommand(newConfigCommand(flags))
	root.AddCommand(newStatusCommand())
	return root
}

func newRunCommand(flags *globalFlags) *cobra.Command {
	var apiAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the supervisor daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := flags.ConfigPath
			if len(args) > 0 {
				configPath = args[0]
			}
			tunables, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("slaved: load config: %w", err)
			}
			if apiAddr != "" {
				tunables.API.Enabled = true
				tunables.API.Addr = apiAddr
			}
			return runDaemon(tunables)
		},
	}
	cmd.Flags().StringVar(&apiAddr, "api-addr", "", "override [api].addr and force-enable the admin HTTP surface")
	return cmd
}

func newConfigCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect daemon configuration"}
	cmd.AddCommand(newConfigValidateCommand(flags))
	return cmd
}

func newConfigValidateCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load a config file and report whether it parses",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := flags.ConfigPath
			if len(args) > 0 {
				configPath = args[0]
			}
			tunables, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("slaved: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(tunables)
		},
	}
}

func newStatusCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running daemon's admin API for its slave roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(fmt.Sprintf("http://%s/slaves", addr))
			if err != nil {
				return fmt.Errorf("slaved: query %s: %w", addr, err)
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("slaved: admin api returned %s", resp.Status)
			}
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			var pretty []json.RawMessage
			if err := json.Unmarshal(body, &pretty); err != nil {
				_, werr := fmt.Fprintln(os.Stdout, string(body))
				return werr
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(pretty)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "admin API address")
	return cmd
}
