// Command coordinator runs the validator coordinator: the challenge-facing
// REST API and the validator-facing WebSocket hub described in SPEC_FULL.md,
// plus operational subcommands. Structured like the teacher's cmd/sigtool —
// a cobra root with narrow, flag-driven subcommands — generalized from a
// single-purpose signing tool to the coordinator's own operational surface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Validator coordinator: TEE attestation, job dispatch, and challenge registry",
	Long:  "Coordinates TEE-attested validators: verifies attestation, dispatches jobs over a WebSocket hub, and exposes a challenge-facing REST API.",
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd, keygenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
