package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

const usageEnv = `
Environment:
  THREADSYNC_CONFIG        config file (default: .threadsync/config.yaml if present)
  THREADSYNC_BASE_URL      server base URL
  THREADSYNC_TOKEN         bearer token
  THREADSYNC_CACHE_DRIVER  sqlite, pebble or none
  THREADSYNC_CACHE_PATH    cache location
  THREADSYNC_LOG_LEVEL     debug, info, warn or error

Exit codes:
  0  success
  1  error
  2  send failed
`

func newRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tsync",
		Short:         "tsync - message thread sync client",
		Long:          "tsync loads, sends and watches message threads with optimistic local echo." + usageEnv,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.Version = version
	cmd.SetVersionTemplate("tsync version {{.Version}}\n")

	cmd.PersistentFlags().String("config", envOr("THREADSYNC_CONFIG", ""), "config file")
	cmd.PersistentFlags().String("env", ".env", "dotenv file")
	cmd.PersistentFlags().Bool("json", false, "output in JSON format")

	cmd.AddCommand(
		newHistoryCmd(),
		newSendCmd(),
		newWatchCmd(),
		newStatusCmd(),
		newThreadsCmd(),
		newServeCmd(),
		newVersionCmd(version),
	)
	return cmd
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "tsync", version)
		},
	}
}

// withApp builds the app for a command and closes it afterwards.
func withApp(run func(a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return run(a, cmd, args)
	}
}
