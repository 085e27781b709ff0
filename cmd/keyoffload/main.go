// Package main is the entry point for the keyoffload binary. It runs the
// TLS terminator whose private key operations are served by the offload
// engine, together with its admin endpoint.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	offloadtls "github.com/polisai/polis-keyoffload/internal/tls"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// rootOptions holds the flags shared by every command.
type rootOptions struct {
	configPath string
	logLevel   string
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", errorMessage(err))
		os.Exit(1)
	}
}

// newRootCmd creates the root command for keyoffload
func newRootCmd(out io.Writer) *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "keyoffload",
		Short: "TLS private key offload for the mesh sidecar",
		Long: `keyoffload terminates TLS and performs the server private key
operations of every handshake on a cryptographic accelerator.

Example:
  keyoffload serve --config /etc/keyoffload/config.yaml`,
		SilenceUsage: true,
	}
	rootCmd.SetOut(out)

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringVarP(&opts.logLevel, "log-level", "l", "", "Log level (debug, info, warn, error); overrides the configuration file")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newInstancesCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "keyoffload version %s\n", version)
			return err
		},
	}
}

// errorMessage renders err, followed by the suggestions of a TLS error it
// wraps.
func errorMessage(err error) string {
	var tlsErr *offloadtls.TLSError
	if !errors.As(err, &tlsErr) {
		return err.Error()
	}
	return err.Error() + strings.TrimPrefix(tlsErr.GetDetailedMessage(), tlsErr.Error())
}
