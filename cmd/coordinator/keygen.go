package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teeplatform/validator-coordinator/pkg/sr25519"
)

var keygenNetwork uint8

// keygenCmd is the sr25519 analogue of the teacher's sigtool `keygen`
// subcommand: it provisions a new validator hotkey instead of an Ed25519
// JobSpec-signing key, printing the SS58 address operators register with the
// coordinator and the seed the validator's own keystore must keep secret.
var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new validator sr25519 hotkey",
	RunE:  runKeygen,
}

func init() {
	keygenCmd.Flags().Uint8Var(&keygenNetwork, "network", 42, "SS58 network prefix (default 42, the generic Substrate prefix)")
}

func runKeygen(cmd *cobra.Command, args []string) error {
	kp, err := sr25519.GenerateKeypair(keygenNetwork)
	if err != nil {
		return fmt.Errorf("generate hotkey: %w", err)
	}
	fmt.Printf("Hotkey (SS58):  %s\n", kp.SS58Address)
	fmt.Printf("Seed (hex):     %s\n", kp.SeedHex)
	fmt.Println("\nKeep the seed secret; it belongs in the validator's own keystore, never the coordinator's.")
	return nil
}
