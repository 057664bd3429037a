package main

import (
	"github.com/spf13/cobra"
)

const defaultServerURL = "http://127.0.0.1:8765"

type rootOptions struct {
	configPath string
	serverURL  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "seibridge",
		Short:         "Bridge assistant tool calls to the SEI portal",
		Long:          "seibridge accepts browser-extension connections, correlates portal commands with their responses and runs actions through the extension, a server-side browser or the portal gateway.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&opts.serverURL, "server", defaultServerURL, "base URL of a running seibridge server")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newSessionsCmd(opts),
		newExecCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}
