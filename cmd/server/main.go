package main

import (
	"os"

	"github.com/spf13/cobra"
)

func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "realtime-core",
		Short:         "Presence and call signaling over websockets",
		Example:       "realtime-core serve --config rtc.yaml",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.AddCommand(
		newServeCommand(),
		newMintTokenCommand(),
		newCallsCommand(),
	)

	return cmd
}

func main() {
	cmd := NewRootCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
