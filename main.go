package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "p2pcanvas",
		Short:         "Shared drawing board over a peer-to-peer network",
		Example:       "p2pcanvas run --peer /ip4/192.168.1.20/tcp/4001/p2p/12D3KooW...",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(
		NewRunCommand(),
		NewVersionCommand(),
	)

	return cmd
}

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "p2pcanvas %s\n", version)
		},
	}
}

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
