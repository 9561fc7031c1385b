package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/benmeehan/boxrelay/internal/store"
	"github.com/benmeehan/boxrelay/internal/utils"
	"github.com/benmeehan/boxrelay/pkg/encryption"
	"github.com/benmeehan/boxrelay/pkg/file"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "boxrelay",
		Short:         "Relay broker for boxes behind NAT",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringP("config", "c", defaultConfigPath, "Path to the configuration file")

	root.AddCommand(
		newRunCommand(),
		newStatusCommand(),
		newStopCommand(),
		newKeysCommand(),
		newBoxesCommand(),
		newHwidCommand(),
		newLogsCommand(),
	)
	return root
}

// loadConfig reads the file named by --config.
func loadConfig(cmd *cobra.Command) (*utils.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return utils.LoadConfig(path, file.NewFileService())
}

// openStore opens the configured store, sealing audit args when a key file is set.
func openStore(ctx context.Context, config *utils.Config, fileClient file.FileOperations) (store.Store, error) {
	opts := store.Options{
		Driver:     config.Storage.Driver,
		SQLitePath: config.Storage.SQLitePath,
	}
	if config.Storage.AuditKeyFile != "" {
		manager := encryption.NewEncryptionManager(fileClient)
		if err := manager.Initialize(config.Storage.AuditKeyFile); err != nil {
			return nil, err
		}
		opts.Encryptor = manager
	}
	st, err := store.Open(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", config.Storage.Driver, err)
	}
	return st, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
