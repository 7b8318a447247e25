package commands

import (
	"encoding/json"
	"fmt"

	"github.com/opd-ai/cryptvolume"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// TokenCommandHandler encapsulates logic for token operations via CLI.
type TokenCommandHandler struct {
	cfg    Config
	logger *logrus.Logger
}

// NewTokenCommandHandler initializes and returns a TokenCommandHandler
// with resolved configuration defaults.
func NewTokenCommandHandler() (*TokenCommandHandler, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &TokenCommandHandler{cfg: cfg, logger: logrus.StandardLogger()}, nil
}

// AddTokenCmd binds a JSON token to a keyslot on a formatted volume.
func (commandHandler *TokenCommandHandler) AddTokenCmd(cmd *cobra.Command, _ []string) {
	device, err := cmd.Flags().GetString("device")
	if err != nil {
		commandHandler.logger.Error("invalid device flag ", err)
		return
	}
	keyslot, err := cmd.Flags().GetInt("keyslot")
	if err != nil {
		commandHandler.logger.Error("invalid keyslot flag ", err)
		return
	}
	tokenType, err := cmd.Flags().GetString("type")
	if err != nil {
		commandHandler.logger.Error("invalid type flag ", err)
		return
	}
	if tokenType == "" {
		tokenType = commandHandler.cfg.TokenType
	}
	extra, err := cmd.Flags().GetString("fields")
	if err != nil {
		commandHandler.logger.Error("invalid fields flag ", err)
		return
	}

	fields := map[string]any{}
	if extra != "" {
		if err := json.Unmarshal([]byte(extra), &fields); err != nil {
			commandHandler.logger.Error("fields flag is not a JSON object: ", err)
			return
		}
	}

	dev, err := cryptvolume.NewDevice(device)
	if err != nil {
		commandHandler.logger.Error(err)
		return
	}
	defer dev.Free()

	if err := dev.Load(); err != nil {
		commandHandler.logger.Error(err)
		return
	}

	index, err := dev.AddTokenJSON(cryptvolume.NewToken(tokenType, keyslot, fields))
	if err != nil {
		commandHandler.logger.Error(err)
		return
	}

	commandHandler.logger.Info("Token written at index ", index)
}

// GetTokenCmd prints a token's JSON tree, optionally verifying its type.
func (commandHandler *TokenCommandHandler) GetTokenCmd(cmd *cobra.Command, _ []string) {
	device, err := cmd.Flags().GetString("device")
	if err != nil {
		commandHandler.logger.Error("invalid device flag ", err)
		return
	}
	index, err := cmd.Flags().GetInt("index")
	if err != nil {
		commandHandler.logger.Error("invalid index flag ", err)
		return
	}
	verifyType, err := cmd.Flags().GetString("type")
	if err != nil {
		commandHandler.logger.Error("invalid type flag ", err)
		return
	}

	dev, err := cryptvolume.NewDevice(device)
	if err != nil {
		commandHandler.logger.Error(err)
		return
	}
	defer dev.Free()

	if err := dev.Load(); err != nil {
		commandHandler.logger.Error(err)
		return
	}

	token, err := dev.TokenJSON(index, verifyType)
	if err != nil {
		commandHandler.logger.Error(err)
		return
	}

	out, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		commandHandler.logger.Error(err)
		return
	}

	fmt.Fprintln(cmd.OutOrStdout(), string(out))
}

// InitTokenCommands registers token-related commands.
func InitTokenCommands(rootCmd *cobra.Command) error {
	handler, err := NewTokenCommandHandler()
	if err != nil {
		return fmt.Errorf("failed to create token command handler %w", err)
	}

	var addTokenCmd = &cobra.Command{
		Use:   "token-add",
		Short: "Bind a JSON token to a keyslot",
		Run:   handler.AddTokenCmd,
	}
	addTokenCmd.Flags().StringP("device", "", "", "Path to the device or image file")
	addTokenCmd.Flags().IntP("keyslot", "", 0, "Keyslot index the token binds")
	addTokenCmd.Flags().StringP("type", "", "", "Token type (default from config)")
	addTokenCmd.Flags().StringP("fields", "", "", "Extra token fields as a JSON object")
	rootCmd.AddCommand(addTokenCmd)

	var getTokenCmd = &cobra.Command{
		Use:   "token-get",
		Short: "Print a token's JSON tree",
		Run:   handler.GetTokenCmd,
	}
	getTokenCmd.Flags().StringP("device", "", "", "Path to the device or image file")
	getTokenCmd.Flags().IntP("index", "", 0, "Token index to read")
	getTokenCmd.Flags().StringP("type", "", "", "Require the token to have this type")
	rootCmd.AddCommand(getTokenCmd)

	return nil
}
