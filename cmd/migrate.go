package cmd

import (
	"github.com/metal-toolbox/oltprov/internal/log"
	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/metal-toolbox/oltprov/internal/store/gormdb"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}

		switch config.Database.Driver {
		case gormdb.DriverPostgres, gormdb.DriverMySQL:
		default:
			return errors.Wrap(model.ErrConfig, "migrate needs a sql database driver, got: "+config.Database.Driver)
		}

		ctx := cmd.Context()

		db, err := gormdb.Open(ctx, config.Database.Driver, config.Database.DSN)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.Migrate(ctx); err != nil {
			return err
		}

		log.NewComponentLogger(log.NewLogrusLogger(config.LogLevel), "migrate").
			WithField("driver", config.Database.Driver).
			Info("schema is up to date")

		return nil
	},
}

var reencryptCmd = &cobra.Command{
	Use:   "reencrypt-secrets",
	Short: "Encrypt device secrets still stored as plaintext",
	RunE: func(cmd *cobra.Command, _ []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}

		if err := requireSharedBackends(config, "reencrypt-secrets", false); err != nil {
			return err
		}

		ctx := cmd.Context()
		logger := log.NewComponentLogger(log.NewLogrusLogger(config.LogLevel), "vault")

		vlt, err := loadVault(config, logger, true)
		if err != nil {
			return err
		}

		repository, err := openRepository(ctx, config, logger, nil)
		if err != nil {
			return err
		}
		defer repository.Close()

		report, err := vlt.MigrateDevices(ctx, repository.Devices(), logger)
		if err != nil {
			return err
		}

		logger.WithFields(logrus.Fields{
			"scanned":          report.Scanned,
			"reencrypted":      report.Reencrypted,
			"alreadyEncrypted": report.AlreadyEncrypted,
		}).Info("secret migration complete")

		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd, reencryptCmd)
}
