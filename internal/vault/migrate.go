package vault

import (
	"context"

	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// SecretStore is the slice of the device registry the re-encryption migration needs.
type SecretStore interface {
	List(ctx context.Context) ([]*model.Device, error)
	UpdateSecrets(ctx context.Context, deviceID, sshPasswordCipher, snmpCommunityCipher string) error
}

// MigrationReport summarizes a re-encryption run.
type MigrationReport struct {
	Scanned          int
	Reencrypted      int
	AlreadyEncrypted int
}

// MigrateValue encrypts a historical plaintext value. Values already in the
// encrypted format are verified and returned unchanged, so running the
// migration twice never double-encrypts.
func (v *Vault) MigrateValue(value string) (migrated string, changed bool, err error) {
	if value == "" {
		return "", false, nil
	}

	if IsEncrypted(value) {
		if _, err := v.Decrypt(value); err != nil {
			return "", false, err
		}

		return value, false, nil
	}

	enc, err := v.Encrypt(value)
	if err != nil {
		return "", false, err
	}

	return enc, true, nil
}

// MigrateDevices re-encrypts every plaintext device secret in store.
func (v *Vault) MigrateDevices(ctx context.Context, store SecretStore, logger *logrus.Entry) (*MigrationReport, error) {
	if !v.Available() {
		return nil, ErrKeyUnavailable
	}

	devices, err := store.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing devices")
	}

	report := &MigrationReport{}

	for _, d := range devices {
		report.Scanned++

		ssh, sshChanged, err := v.MigrateValue(d.SSHPasswordCipher)
		if err != nil {
			return report, errors.Wrap(err, "device "+d.ID+" ssh password")
		}

		snmp, snmpChanged, err := v.MigrateValue(d.SNMPCommunityCipher)
		if err != nil {
			return report, errors.Wrap(err, "device "+d.ID+" snmp community")
		}

		if !sshChanged && !snmpChanged {
			report.AlreadyEncrypted++
			continue
		}

		if err := store.UpdateSecrets(ctx, d.ID, ssh, snmp); err != nil {
			return report, errors.Wrap(err, "device "+d.ID+" update")
		}

		report.Reencrypted++

		if logger != nil {
			logger.WithField("deviceID", d.ID).Info("device secrets re-encrypted")
		}
	}

	return report, nil
}
