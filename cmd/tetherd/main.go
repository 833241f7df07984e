package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vango-dev/tether/internal/errors"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const banner = `
  ╔╦╗┌─┐┌┬┐┬ ┬┌─┐┬─┐
   ║ ├┤  │ ├─┤├┤ ├┬┘
   ╩ └─┘ ┴ ┴ ┴└─┘┴└─
`

func main() {
	if err := newRootCmd().Execute(); err != nil {
		errors.PrintError(err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tetherd",
		Short: "Session-continuity server for persistent remote terminals",
		Long: `tetherd keeps remote terminal sessions alive across reconnects.

Clients receive a session id on their first connection. When the
network drops they dial again, present the id, and continue on the
new connection while the session lives on the server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		probeCmd(),
		versionCmd(),
	)
	return rootCmd
}

// printBanner prints the tetherd banner.
func printBanner() {
	fmt.Print(banner)
}

// success prints a success message.
func success(format string, args ...any) {
	fmt.Printf("\033[32m✓\033[0m %s\n", fmt.Sprintf(format, args...))
}

// info prints an info message.
func info(format string, args ...any) {
	fmt.Printf("  %s\n", fmt.Sprintf(format, args...))
}
