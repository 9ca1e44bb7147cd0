package cmd

import (
	"github.com/metal-toolbox/oltprov/internal/inventory"
	"github.com/metal-toolbox/oltprov/internal/log"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var inventoryFile string

var importDevicesCmd = &cobra.Command{
	Use:   "import-devices",
	Short: "Register devices from a YAML inventory, encrypting their secrets",
	RunE: func(cmd *cobra.Command, _ []string) error {
		records, err := inventory.LoadFile(inventoryFile)
		if err != nil {
			return err
		}

		config, err := loadConfig()
		if err != nil {
			return err
		}

		if err := requireSharedBackends(config, "import-devices", false); err != nil {
			return err
		}

		ctx := cmd.Context()
		logger := log.NewComponentLogger(log.NewLogrusLogger(config.LogLevel), "inventory")

		vlt, err := loadVault(config, logger, true)
		if err != nil {
			return err
		}

		repository, err := openRepository(ctx, config, logger, nil)
		if err != nil {
			return err
		}
		defer repository.Close()

		report, err := inventory.Import(ctx, repository.Devices(), vlt, records, logger)
		if err != nil {
			return err
		}

		logger.WithFields(logrus.Fields{
			"file":       inventoryFile,
			"created":    report.Created,
			"updated":    report.Updated,
			"discovered": report.Discovered,
		}).Info("inventory imported")

		return nil
	},
}

func init() {
	importDevicesCmd.Flags().StringVar(&inventoryFile, "file", "", "YAML inventory file")

	if err := importDevicesCmd.MarkFlagRequired("file"); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(importDevicesCmd)
}
