package commands

import (
	"fmt"

	"github.com/opd-ai/cryptvolume"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// VolumeCommandHandler encapsulates logic for volume lifecycle
// operations via CLI.
type VolumeCommandHandler struct {
	cfg    Config
	logger *logrus.Logger
}

// NewVolumeCommandHandler initializes and returns a VolumeCommandHandler
// with resolved configuration defaults.
func NewVolumeCommandHandler() (*VolumeCommandHandler, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &VolumeCommandHandler{cfg: cfg, logger: logrus.StandardLogger()}, nil
}

// bind opens a handle on the device path and loads its header,
// applying the configured PBKDF policy.
func (commandHandler *VolumeCommandHandler) bind(device string) (*cryptvolume.Device, error) {
	dev, err := cryptvolume.NewDevice(device)
	if err != nil {
		return nil, err
	}
	if commandHandler.cfg.MinimalPBKDF {
		if err := dev.SetMinimalPBKDF(); err != nil {
			dev.Free()
			return nil, err
		}
	}
	if err := dev.Load(); err != nil {
		dev.Free()
		return nil, err
	}
	return dev, nil
}

// FormatCmd formats a device as a fresh encrypted volume and enrolls
// the initial passphrase keyslot.
func (commandHandler *VolumeCommandHandler) FormatCmd(cmd *cobra.Command, _ []string) {
	device, err := cmd.Flags().GetString("device")
	if err != nil {
		commandHandler.logger.Error("invalid device flag ", err)
		return
	}
	passphrase, err := commandHandler.passphraseFromFlags(cmd)
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

	err = dev.Format(cryptvolume.FormatOptions{
		Cipher:     commandHandler.cfg.Cipher,
		CipherMode: commandHandler.cfg.CipherMode,
	})
	if err != nil {
		commandHandler.logger.Error(err)
		return
	}

	keyslot, err := dev.AddKeyslotByVolumeKey(cryptvolume.AnyKeyslot, nil, passphrase)
	if err != nil {
		commandHandler.logger.Error(err)
		return
	}

	commandHandler.logger.Info("Formatted ", device, ", passphrase enrolled in keyslot ", keyslot)
}

// OpenCmd activates a formatted volume under a mapping name.
func (commandHandler *VolumeCommandHandler) OpenCmd(cmd *cobra.Command, _ []string) {
	device, err := cmd.Flags().GetString("device")
	if err != nil {
		commandHandler.logger.Error("invalid device flag ", err)
		return
	}
	name, err := cmd.Flags().GetString("name")
	if err != nil {
		commandHandler.logger.Error("invalid name flag ", err)
		return
	}
	readonly, err := cmd.Flags().GetBool("readonly")
	if err != nil {
		commandHandler.logger.Error("invalid readonly flag ", err)
		return
	}
	passphrase, err := commandHandler.passphraseFromFlags(cmd)
	if err != nil {
		commandHandler.logger.Error(err)
		return
	}

	dev, err := commandHandler.bind(device)
	if err != nil {
		commandHandler.logger.Error(err)
		return
	}
	defer dev.Free()

	keyslot, err := dev.ActivateByPassphrase(name, passphrase, cryptvolume.ActivateOptions{
		Readonly: readonly,
	})
	if err != nil {
		commandHandler.logger.Error(err)
		return
	}

	commandHandler.logger.Info("Activated ", name, " from keyslot ", keyslot)
}

// CloseCmd deactivates a mapping by name.
func (commandHandler *VolumeCommandHandler) CloseCmd(cmd *cobra.Command, _ []string) {
	name, err := cmd.Flags().GetString("name")
	if err != nil {
		commandHandler.logger.Error("invalid name flag ", err)
		return
	}

	dev, err := cryptvolume.NewDeviceByName(name)
	if err != nil {
		commandHandler.logger.Error(err)
		return
	}
	defer dev.Free()

	if err := dev.Deactivate(); err != nil {
		commandHandler.logger.Error(err)
		return
	}

	commandHandler.logger.Info("Deactivated ", name)
}

// SuspendCmd freezes I/O on an active mapping and wipes its key from
// the mapping table.
func (commandHandler *VolumeCommandHandler) SuspendCmd(cmd *cobra.Command, _ []string) {
	name, err := cmd.Flags().GetString("name")
	if err != nil {
		commandHandler.logger.Error("invalid name flag ", err)
		return
	}

	dev, err := cryptvolume.NewDeviceByName(name)
	if err != nil {
		commandHandler.logger.Error(err)
		return
	}
	defer dev.Free()

	if err := dev.Suspend(); err != nil {
		commandHandler.logger.Error(err)
		return
	}

	commandHandler.logger.Info("Suspended ", name)
}

// ResumeCmd thaws a suspended mapping, recovering the volume key with
// the given passphrase.
func (commandHandler *VolumeCommandHandler) ResumeCmd(cmd *cobra.Command, _ []string) {
	name, err := cmd.Flags().GetString("name")
	if err != nil {
		commandHandler.logger.Error("invalid name flag ", err)
		return
	}
	passphrase, err := commandHandler.passphraseFromFlags(cmd)
	if err != nil {
		commandHandler.logger.Error(err)
		return
	}

	dev, err := cryptvolume.NewDeviceByName(name)
	if err != nil {
		commandHandler.logger.Error(err)
		return
	}
	defer dev.Free()

	key, _, err := dev.VolumeKey(passphrase)
	if err != nil {
		commandHandler.logger.Error(err)
		return
	}

	if err := dev.ResumeByVolumeKey(key); err != nil {
		commandHandler.logger.Error(err)
		return
	}

	commandHandler.logger.Info("Resumed ", name)
}

// ResizeCmd changes the logical size of an active mapping.
func (commandHandler *VolumeCommandHandler) ResizeCmd(cmd *cobra.Command, _ []string) {
	name, err := cmd.Flags().GetString("name")
	if err != nil {
		commandHandler.logger.Error("invalid name flag ", err)
		return
	}
	sectors, err := cmd.Flags().GetUint64("sectors")
	if err != nil {
		commandHandler.logger.Error("invalid sectors flag ", err)
		return
	}

	dev, err := cryptvolume.NewDeviceByName(name)
	if err != nil {
		commandHandler.logger.Error(err)
		return
	}
	defer dev.Free()

	if err := dev.Resize(sectors); err != nil {
		commandHandler.logger.Error(err)
		return
	}

	commandHandler.logger.Info("Resized ", name)
}

// UUIDCmd prints the UUID of a formatted volume.
func (commandHandler *VolumeCommandHandler) UUIDCmd(cmd *cobra.Command, _ []string) {
	device, err := cmd.Flags().GetString("device")
	if err != nil {
		commandHandler.logger.Error("invalid device flag ", err)
		return
	}

	dev, err := commandHandler.bind(device)
	if err != nil {
		commandHandler.logger.Error(err)
		return
	}
	defer dev.Free()

	id, err := dev.UUID()
	if err != nil {
		commandHandler.logger.Error(err)
		return
	}

	fmt.Fprintln(cmd.OutOrStdout(), id.String())
}

// RestoreHeaderCmd replaces a volume's header from a backup file.
func (commandHandler *VolumeCommandHandler) RestoreHeaderCmd(cmd *cobra.Command, _ []string) {
	device, err := cmd.Flags().GetString("device")
	if err != nil {
		commandHandler.logger.Error("invalid device flag ", err)
		return
	}
	backup, err := cmd.Flags().GetString("header-backup")
	if err != nil {
		commandHandler.logger.Error("invalid header-backup flag ", err)
		return
	}

	dev, err := commandHandler.bind(device)
	if err != nil {
		commandHandler.logger.Error(err)
		return
	}
	defer dev.Free()

	if err := dev.RestoreHeader(backup); err != nil {
		commandHandler.logger.Error(err)
		return
	}

	commandHandler.logger.Info("Restored header on ", device, " from ", backup)
}

func (commandHandler *VolumeCommandHandler) passphraseFromFlags(cmd *cobra.Command) ([]byte, error) {
	passphrase, err := cmd.Flags().GetString("passphrase")
	if err != nil {
		return nil, fmt.Errorf("invalid passphrase flag: %w", err)
	}
	passphraseFile, err := cmd.Flags().GetString("passphrase-file")
	if err != nil {
		return nil, fmt.Errorf("invalid passphrase-file flag: %w", err)
	}
	return readPassphrase(passphrase, passphraseFile)
}

func addPassphraseFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("passphrase", "", "", "Passphrase (prefer --passphrase-file)")
	cmd.Flags().StringP("passphrase-file", "", "", "Path to a file holding the passphrase")
}

// InitVolumeCommands registers volume lifecycle commands.
func InitVolumeCommands(rootCmd *cobra.Command) error {
	handler, err := NewVolumeCommandHandler()
	if err != nil {
		return fmt.Errorf("failed to create volume command handler %w", err)
	}

	var formatCmd = &cobra.Command{
		Use:   "format",
		Short: "Format a device as an encrypted volume",
		Run:   handler.FormatCmd,
	}
	formatCmd.Flags().StringP("device", "", "", "Path to the device or image file")
	addPassphraseFlags(formatCmd)
	rootCmd.AddCommand(formatCmd)

	var openCmd = &cobra.Command{
		Use:   "open",
		Short: "Activate an encrypted volume under a mapping name",
		Run:   handler.OpenCmd,
	}
	openCmd.Flags().StringP("device", "", "", "Path to the device or image file")
	openCmd.Flags().StringP("name", "", "", "Mapping name")
	openCmd.Flags().BoolP("readonly", "", false, "Activate the mapping read-only")
	addPassphraseFlags(openCmd)
	rootCmd.AddCommand(openCmd)

	var closeCmd = &cobra.Command{
		Use:   "close",
		Short: "Deactivate a mapping by name",
		Run:   handler.CloseCmd,
	}
	closeCmd.Flags().StringP("name", "", "", "Mapping name")
	rootCmd.AddCommand(closeCmd)

	var suspendCmd = &cobra.Command{
		Use:   "suspend",
		Short: "Freeze I/O on an active mapping",
		Run:   handler.SuspendCmd,
	}
	suspendCmd.Flags().StringP("name", "", "", "Mapping name")
	rootCmd.AddCommand(suspendCmd)

	var resumeCmd = &cobra.Command{
		Use:   "resume",
		Short: "Thaw a suspended mapping",
		Run:   handler.ResumeCmd,
	}
	resumeCmd.Flags().StringP("name", "", "", "Mapping name")
	addPassphraseFlags(resumeCmd)
	rootCmd.AddCommand(resumeCmd)

	var resizeCmd = &cobra.Command{
		Use:   "resize",
		Short: "Change the logical size of an active mapping",
		Run:   handler.ResizeCmd,
	}
	resizeCmd.Flags().StringP("name", "", "", "Mapping name")
	resizeCmd.Flags().Uint64P("sectors", "", 0, "New size in sectors, 0 for the full payload")
	rootCmd.AddCommand(resizeCmd)

	var uuidCmd = &cobra.Command{
		Use:   "uuid",
		Short: "Print the UUID of a formatted volume",
		Run:   handler.UUIDCmd,
	}
	uuidCmd.Flags().StringP("device", "", "", "Path to the device or image file")
	rootCmd.AddCommand(uuidCmd)

	var restoreCmd = &cobra.Command{
		Use:   "restore-header",
		Short: "Restore a volume header from a backup file",
		Run:   handler.RestoreHeaderCmd,
	}
	restoreCmd.Flags().StringP("device", "", "", "Path to the device or image file")
	restoreCmd.Flags().StringP("header-backup", "", "", "Path to the header backup")
	rootCmd.AddCommand(restoreCmd)

	return nil
}
