package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/pkg/errors"
)

type deviceRecord struct {
	device *model.Device
}

type Devices struct {
	mu      sync.RWMutex
	devices map[string]*deviceRecord
	now     func() time.Time
}

func (s *Devices) Get(_ context.Context, deviceID string) (*model.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.devices[deviceID]
	if !ok {
		return nil, errors.Wrap(model.ErrDeviceNotFound, deviceID)
	}

	return clone(rec.device), nil
}

func (s *Devices) List(_ context.Context) ([]*model.Device, error) {
	return s.list(nil), nil
}

func (s *Devices) ListByStates(_ context.Context, states ...model.LifecycleState) ([]*model.Device, error) {
	return s.list(func(d *model.Device) bool {
		for _, st := range states {
			if d.State == st {
				return true
			}
		}

		return false
	}), nil
}

func (s *Devices) list(keep func(*model.Device) bool) []*model.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Device, 0, len(s.devices))

	for _, rec := range s.devices {
		if keep != nil && !keep(rec.device) {
			continue
		}

		out = append(out, clone(rec.device))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

func (s *Devices) Register(_ context.Context, device *model.Device) (bool, error) {
	if device.ID == "" {
		return false, errors.New("device id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	rec, ok := s.devices[device.ID]
	if !ok {
		d := clone(device)
		d.State = model.StatePending
		d.CreatedAt = now
		d.UpdatedAt = now
		d.DiscoveredAt = nil
		d.LastSyncAt = nil
		s.devices[d.ID] = &deviceRecord{device: d}

		return true, nil
	}

	d := rec.device
	d.Address = device.Address
	d.Port = device.Port
	d.SSHUsername = device.SSHUsername
	d.SSHPasswordCipher = device.SSHPasswordCipher
	d.SNMPCommunityCipher = device.SNMPCommunityCipher
	d.Vendor = device.Vendor
	d.Model = device.Model
	d.UpdatedAt = now

	return false, nil
}

func (s *Devices) UpdateState(_ context.Context, deviceID string, change model.StateChange) (*model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.devices[deviceID]
	if !ok {
		return nil, errors.Wrap(model.ErrDeviceNotFound, deviceID)
	}

	d := rec.device
	if d.State != change.From {
		return nil, errors.Wrap(model.ErrStateConflict, "expected "+string(change.From)+", found "+string(d.State))
	}

	now := s.now()

	d.State = change.To
	d.UpdatedAt = now

	if change.DiscoveredAt != nil {
		at := *change.DiscoveredAt
		d.DiscoveredAt = &at
	}

	if change.Address != "" {
		d.Address = change.Address
	}

	if change.To.IsConfigured() {
		d.LastSyncAt = &now
	}

	return clone(d), nil
}

func (s *Devices) UpsertDiscovered(_ context.Context, deviceID, address string, discoveredAt time.Time) (*model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	rec, ok := s.devices[deviceID]
	if !ok {
		rec = &deviceRecord{device: &model.Device{
			ID:        deviceID,
			State:     model.StateDiscovered,
			CreatedAt: now,
		}}
		s.devices[deviceID] = rec
	}

	d := rec.device
	if address != "" {
		d.Address = address
	}

	d.DiscoveredAt = &discoveredAt
	d.UpdatedAt = now

	return clone(d), nil
}

func (s *Devices) UpdateSecrets(_ context.Context, deviceID, sshPasswordCipher, snmpCommunityCipher string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.devices[deviceID]
	if !ok {
		return errors.Wrap(model.ErrDeviceNotFound, deviceID)
	}

	rec.device.SSHPasswordCipher = sshPasswordCipher
	rec.device.SNMPCommunityCipher = snmpCommunityCipher
	rec.device.UpdatedAt = s.now()

	return nil
}
