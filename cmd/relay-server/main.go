package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay-server",
		Short: "End-to-end encrypted relay over Firebase Cloud Messaging",
		Long: `relay-server holds a persistent connection to the push backbone, decrypts
upstream envelopes addressed to it, maintains the public key and group
registries, and answers with envelopes encrypted to each recipient.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(newServeCommand(), newKeygenCommand())
	return cmd
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
