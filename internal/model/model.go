package model

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

const (
	AppName = "oltprov"

	// AppSubject is the broker subject prefix tasks are published under.
	AppSubject = "oltprov.tasks"
)

// LifecycleState is the single source of truth for where a device is in its provisioning lifecycle.
type LifecycleState string

const (
	StatePending                     LifecycleState = "pending"
	StateDiscovering                 LifecycleState = "discovering"
	StateDiscovered                  LifecycleState = "discovered"
	StateSNMPConfiguring             LifecycleState = "snmp_configuring"
	StateSNMPConfigured              LifecycleState = "snmp_configured"
	StateTrapsConfiguring            LifecycleState = "traps_configuring"
	StateTrapsConfigured             LifecycleState = "traps_configured"
	StateAutoProvisioningConfiguring LifecycleState = "auto_provisioning_configuring"
	StateAutoProvisioningConfigured  LifecycleState = "auto_provisioning_configured"
	StateFullyConfiguring            LifecycleState = "fully_configuring"
	StateFullyConfigured             LifecycleState = "fully_configured"
	StateVerifying                   LifecycleState = "verifying"
	StateVerified                    LifecycleState = "verified"
	StateFailed                      LifecycleState = "failed"
)

// AllStates lists every lifecycle state in provisioning order, failed last.
var AllStates = []LifecycleState{
	StatePending,
	StateDiscovering,
	StateDiscovered,
	StateSNMPConfiguring,
	StateSNMPConfigured,
	StateTrapsConfiguring,
	StateTrapsConfigured,
	StateAutoProvisioningConfiguring,
	StateAutoProvisioningConfigured,
	StateFullyConfiguring,
	StateFullyConfigured,
	StateVerifying,
	StateVerified,
	StateFailed,
}

// InProgress reports whether a device session is expected to be running against the device.
func (s LifecycleState) InProgress() bool {
	switch s {
	case StateDiscovering,
		StateSNMPConfiguring,
		StateTrapsConfiguring,
		StateAutoProvisioningConfiguring,
		StateFullyConfiguring,
		StateVerifying:
		return true
	default:
		return false
	}
}

// IsConfigured is the derived "is_configured" view of a lifecycle state.
func (s LifecycleState) IsConfigured() bool {
	return s == StateFullyConfigured || s == StateVerified
}

func (s LifecycleState) Valid() bool {
	for _, st := range AllStates {
		if s == st {
			return true
		}
	}

	return false
}

// ParseLifecycleState returns the state named by str.
func ParseLifecycleState(str string) (LifecycleState, error) {
	s := LifecycleState(str)
	if !s.Valid() {
		return "", fmt.Errorf("unknown lifecycle state: %q", str)
	}

	return s, nil
}

// nolint:govet // prefer to keep field ordering as is
type Device struct {
	ID      string
	Address string
	Port    int

	// SSHUsername is not secret, the password and SNMP community are stored encrypted.
	SSHUsername         string
	SSHPasswordCipher   string
	SNMPCommunityCipher string

	Vendor string
	Model  string

	State        LifecycleState
	DiscoveredAt *time.Time
	LastSyncAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsConfigured is derived from the lifecycle state, it is never stored.
func (d *Device) IsConfigured() bool {
	return d.State.IsConfigured()
}

// SessionAddress is the host:port a device session connects to.
func (d *Device) SessionAddress() string {
	port := d.Port
	if port == 0 {
		port = DefaultSessionPort
	}

	return net.JoinHostPort(d.Address, strconv.Itoa(port))
}

func (d *Device) AsLogFields() []any {
	return []any{
		"device_id", d.ID,
		"address", d.Address,
		"vendor", d.Vendor,
		"model", d.Model,
		"state", string(d.State),
	}
}

// DefaultSessionPort is used when a device has no explicit session port.
const DefaultSessionPort = 22

// Credentials are the decrypted secrets handed to a device session.
type Credentials struct {
	Username      string
	Password      string
	SNMPCommunity string
}

// String never prints secret material.
func (c *Credentials) String() string {
	if c == nil {
		return "<nil>"
	}

	return "Credentials{Username: " + c.Username + ", Password: <redacted>, SNMPCommunity: <redacted>}"
}

// StateChange describes a compare-and-set write on a device lifecycle state.
type StateChange struct {
	From         LifecycleState
	To           LifecycleState
	DiscoveredAt *time.Time
	Address      string
}

type Args struct {
	LogLevel        string
	ConfigFile      string
	FacilityCode    string
	EnableProfiling bool
}
