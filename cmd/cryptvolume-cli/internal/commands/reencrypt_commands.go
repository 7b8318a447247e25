package commands

import (
	"fmt"

	"github.com/opd-ai/cryptvolume"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// ReencryptCommandHandler encapsulates logic for in-place volume key
// rotation via CLI.
type ReencryptCommandHandler struct {
	cfg    Config
	logger *logrus.Logger
}

// NewReencryptCommandHandler initializes and returns a
// ReencryptCommandHandler with resolved configuration defaults.
func NewReencryptCommandHandler() (*ReencryptCommandHandler, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &ReencryptCommandHandler{cfg: cfg, logger: logrus.StandardLogger()}, nil
}

// ReencryptCmd rotates the volume key in place, optionally resuming an
// interrupted pass from its checkpoint.
func (commandHandler *ReencryptCommandHandler) ReencryptCmd(cmd *cobra.Command, _ []string) {
	device, err := cmd.Flags().GetString("device")
	if err != nil {
		commandHandler.logger.Error("invalid device flag ", err)
		return
	}
	resume, err := cmd.Flags().GetBool("resume")
	if err != nil {
		commandHandler.logger.Error("invalid resume flag ", err)
		return
	}
	passphrase, err := cmd.Flags().GetString("passphrase")
	if err != nil {
		commandHandler.logger.Error("invalid passphrase flag ", err)
		return
	}
	passphraseFile, err := cmd.Flags().GetString("passphrase-file")
	if err != nil {
		commandHandler.logger.Error("invalid passphrase-file flag ", err)
		return
	}
	secret, err := readPassphrase(passphrase, passphraseFile)
	if err != nil {
		commandHandler.logger.Error(err)
		return
	}

	dev, err := cryptvolume.NewDevice(device)
	if err != nil {
		commandHandler.logger.Error(err)
		return
	}
	defer dev.Free()

	if commandHandler.cfg.MinimalPBKDF {
		if err := dev.SetMinimalPBKDF(); err != nil {
			commandHandler.logger.Error(err)
			return
		}
	}
	if err := dev.Load(); err != nil {
		commandHandler.logger.Error(err)
		return
	}

	if err := dev.ReencryptInitByPassphrase(secret, resume); err != nil {
		commandHandler.logger.Error(err)
		return
	}

	err = dev.ReencryptRun(func(size, offset uint64) bool {
		if size > 0 {
			commandHandler.logger.Info("Reencrypted ", offset, " of ", size, " bytes")
		}
		return true
	})
	if err != nil {
		commandHandler.logger.Error(err)
		return
	}

	commandHandler.logger.Info("Reencryption of ", device, " complete")
}

// InitReencryptCommands registers reencryption commands.
func InitReencryptCommands(rootCmd *cobra.Command) error {
	handler, err := NewReencryptCommandHandler()
	if err != nil {
		return fmt.Errorf("failed to create reencrypt command handler %w", err)
	}

	var reencryptCmd = &cobra.Command{
		Use:   "reencrypt",
		Short: "Rotate the volume key in place",
		Run:   handler.ReencryptCmd,
	}
	reencryptCmd.Flags().StringP("device", "", "", "Path to the device or image file")
	reencryptCmd.Flags().BoolP("resume", "", false, "Resume an interrupted pass from its checkpoint")
	addPassphraseFlags(reencryptCmd)
	rootCmd.AddCommand(reencryptCmd)

	return nil
}
