// Package main is the entry point for the cryptvolume-cli application.
// It initializes the root command and registers the volume, token and
// reencryption sub-commands, then executes the command-line interface.
package main

import (
	"fmt"
	"log"
	"os"

	commands "github.com/opd-ai/cryptvolume/cmd/cryptvolume-cli/internal/commands"

	"github.com/spf13/cobra"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run() error {
	rootCmd := &cobra.Command{
		Use:   "cryptvolume-cli",
		Short: "Encrypted volume management CLI tool",
		Long: `cryptvolume-cli is a command-line tool for managing encrypted volumes.
Supports formatting volumes, enrolling passphrase keyslots, binding JSON
tokens to keyslots, activating and deactivating mappings, and rotating
the volume key in place with resumable reencryption.

Defaults are read from a cryptvolume.yaml config file or from the
environment (prefix CRYPTVOLUME_).`,
	}

	if err := initializeCommands(rootCmd); err != nil {
		return fmt.Errorf("failed to initialize commands: %w", err)
	}

	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("command execution failed: %w", err)
	}

	return nil
}

// initializeCommands registers all command groups with the root command.
func initializeCommands(rootCmd *cobra.Command) error {
	if err := commands.InitVolumeCommands(rootCmd); err != nil {
		return fmt.Errorf("failed to initialize volume commands: %w", err)
	}

	if err := commands.InitTokenCommands(rootCmd); err != nil {
		return fmt.Errorf("failed to initialize token commands: %w", err)
	}

	if err := commands.InitReencryptCommands(rootCmd); err != nil {
		return fmt.Errorf("failed to initialize reencrypt commands: %w", err)
	}

	return nil
}

func init() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.SetOutput(os.Stderr)
}
