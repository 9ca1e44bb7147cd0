package gormdb

import (
	"context"
	"time"

	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type Devices struct {
	db *gorm.DB
}

func (s *Devices) Get(ctx context.Context, deviceID string) (*model.Device, error) {
	var row deviceRow

	err := s.db.WithContext(ctx).Where("id = ?", deviceID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrap(model.ErrDeviceNotFound, deviceID)
	}

	if err != nil {
		return nil, errors.Wrap(err, "device lookup")
	}

	return row.toModel(), nil
}

func (s *Devices) List(ctx context.Context) ([]*model.Device, error) {
	return s.find(s.db.WithContext(ctx))
}

func (s *Devices) ListByStates(ctx context.Context, states ...model.LifecycleState) ([]*model.Device, error) {
	names := make([]string, 0, len(states))
	for _, st := range states {
		names = append(names, string(st))
	}

	return s.find(s.db.WithContext(ctx).Where("state IN ?", names))
}

func (s *Devices) find(tx *gorm.DB) ([]*model.Device, error) {
	var rows []deviceRow
	if err := tx.Order("id").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "device list")
	}

	out := make([]*model.Device, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}

	return out, nil
}

func (s *Devices) Register(ctx context.Context, device *model.Device) (bool, error) {
	if device.ID == "" {
		return false, errors.New("device id is required")
	}

	created := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing deviceRow

		err := tx.Where("id = ?", device.ID).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row := deviceToRow(device)
			row.State = string(model.StatePending)
			row.DiscoveredAt = nil
			row.LastSyncAt = nil
			created = true

			return tx.Create(row).Error
		}

		if err != nil {
			return err
		}

		// the state column is deliberately absent, it only moves through UpdateState
		return tx.Model(&deviceRow{}).Where("id = ?", device.ID).Updates(map[string]any{
			"address":               device.Address,
			"port":                  device.Port,
			"ssh_username":          device.SSHUsername,
			"ssh_password_cipher":   device.SSHPasswordCipher,
			"snmp_community_cipher": device.SNMPCommunityCipher,
			"vendor":                device.Vendor,
			"model":                 device.Model,
		}).Error
	})
	if err != nil {
		return false, errors.Wrap(err, "device register")
	}

	return created, nil
}

func (s *Devices) UpdateState(ctx context.Context, deviceID string, change model.StateChange) (*model.Device, error) {
	now := s.db.NowFunc()

	updates := map[string]any{
		"state":      string(change.To),
		"updated_at": now,
	}

	if change.DiscoveredAt != nil {
		updates["discovered_at"] = *change.DiscoveredAt
	}

	if change.Address != "" {
		updates["address"] = change.Address
	}

	if change.To.IsConfigured() {
		updates["last_sync_at"] = now
	}

	res := s.db.WithContext(ctx).Model(&deviceRow{}).
		Where("id = ? AND state = ?", deviceID, string(change.From)).
		Updates(updates)
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "device state update")
	}

	if res.RowsAffected == 0 {
		current, err := s.Get(ctx, deviceID)
		if err != nil {
			return nil, err
		}

		return nil, errors.Wrap(model.ErrStateConflict, "expected "+string(change.From)+", found "+string(current.State))
	}

	return s.Get(ctx, deviceID)
}

func (s *Devices) UpsertDiscovered(ctx context.Context, deviceID, address string, discoveredAt time.Time) (*model.Device, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing deviceRow

		err := tx.Where("id = ?", deviceID).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&deviceRow{
				ID:           deviceID,
				Address:      address,
				State:        string(model.StateDiscovered),
				DiscoveredAt: &discoveredAt,
			}).Error
		}

		if err != nil {
			return err
		}

		updates := map[string]any{"discovered_at": discoveredAt}
		if address != "" {
			updates["address"] = address
		}

		return tx.Model(&deviceRow{}).Where("id = ?", deviceID).Updates(updates).Error
	})
	if err != nil {
		return nil, errors.Wrap(err, "device upsert")
	}

	return s.Get(ctx, deviceID)
}

func (s *Devices) UpdateSecrets(ctx context.Context, deviceID, sshPasswordCipher, snmpCommunityCipher string) error {
	res := s.db.WithContext(ctx).Model(&deviceRow{}).Where("id = ?", deviceID).Updates(map[string]any{
		"ssh_password_cipher":   sshPasswordCipher,
		"snmp_community_cipher": snmpCommunityCipher,
	})
	if res.Error != nil {
		return errors.Wrap(res.Error, "device secrets update")
	}

	if res.RowsAffected == 0 {
		return errors.Wrap(model.ErrDeviceNotFound, deviceID)
	}

	return nil
}
