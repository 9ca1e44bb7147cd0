// Package inventory imports devices from a YAML inventory file into the registry.
package inventory

import (
	"bytes"
	"context"
	"os"
	"time"

	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/metal-toolbox/oltprov/internal/vault"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var ErrInventory = errors.New("inventory error")

// Record is one device entry of the inventory file. Secrets are given in
// plaintext and encrypted before they reach the registry.
type Record struct {
	ID            string     `yaml:"id"`
	Address       string     `yaml:"address"`
	Port          int        `yaml:"port,omitempty"`
	Username      string     `yaml:"username,omitempty"`
	Password      string     `yaml:"password,omitempty"`
	SNMPCommunity string     `yaml:"snmp_community,omitempty"`
	Vendor        string     `yaml:"vendor,omitempty"`
	Model         string     `yaml:"model,omitempty"`
	DiscoveredAt  *time.Time `yaml:"discovered_at,omitempty"`
}

type file struct {
	Devices []*Record `yaml:"devices"`
}

// Registry is the slice of the device registry an import writes to.
type Registry interface {
	Register(ctx context.Context, device *model.Device) (bool, error)
	UpsertDiscovered(ctx context.Context, deviceID, address string, discoveredAt time.Time) (*model.Device, error)
}

// Report summarizes an import run. Records carrying discovered_at count as
// Discovered whether or not they already existed.
type Report struct {
	Created    int
	Updated    int
	Discovered int
}

// LoadFile reads and validates an inventory file.
func LoadFile(path string) ([]*Record, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(ErrInventory, err.Error())
	}

	return Parse(b)
}

// Parse decodes an inventory document, rejecting unknown keys and duplicate ids.
func Parse(b []byte) ([]*Record, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	var f file
	if err := dec.Decode(&f); err != nil {
		return nil, errors.Wrap(ErrInventory, err.Error())
	}

	seen := make(map[string]bool, len(f.Devices))

	for i, r := range f.Devices {
		if r == nil || r.ID == "" || r.Address == "" {
			return nil, errors.Wrapf(ErrInventory, "device %d: id and address are required", i)
		}

		if seen[r.ID] {
			return nil, errors.Wrapf(ErrInventory, "device %s: duplicate id", r.ID)
		}

		if r.Port < 0 || r.Port > 65535 {
			return nil, errors.Wrapf(ErrInventory, "device %s: invalid port %d", r.ID, r.Port)
		}

		seen[r.ID] = true
	}

	return f.Devices, nil
}

// Import registers every record, encrypting secrets with v. Records carrying a
// discovered_at timestamp are recorded as discovered when they are new.
func Import(ctx context.Context, registry Registry, v *vault.Vault, records []*Record, logger *logrus.Entry) (*Report, error) {
	report := &Report{}

	for _, r := range records {
		device, err := toDevice(v, r)
		if err != nil {
			return report, err
		}

		if r.DiscoveredAt != nil {
			if _, err := registry.UpsertDiscovered(ctx, r.ID, r.Address, r.DiscoveredAt.UTC()); err != nil {
				return report, errors.Wrap(err, "device "+r.ID)
			}
		}

		created, err := registry.Register(ctx, device)
		if err != nil {
			return report, errors.Wrap(err, "device "+r.ID)
		}

		switch {
		case r.DiscoveredAt != nil:
			report.Discovered++
		case created:
			report.Created++
		default:
			report.Updated++
		}

		logger.WithFields(logrus.Fields{"deviceID": r.ID, "created": created}).Debug("device imported")
	}

	return report, nil
}

func toDevice(v *vault.Vault, r *Record) (*model.Device, error) {
	device := &model.Device{
		ID:          r.ID,
		Address:     r.Address,
		Port:        r.Port,
		SSHUsername: r.Username,
		Vendor:      r.Vendor,
		Model:       r.Model,
	}

	var err error
	if device.SSHPasswordCipher, err = v.Encrypt(r.Password); err != nil {
		return nil, errors.Wrap(err, "device "+r.ID+" password")
	}

	if device.SNMPCommunityCipher, err = v.Encrypt(r.SNMPCommunity); err != nil {
		return nil, errors.Wrap(err, "device "+r.ID+" snmp community")
	}

	return device, nil
}
