package session

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/pkg/errors"
)

var (
	errDryRunRebooting   = errors.Wrap(model.ErrSession, "dryrun OLT is rebooting")
	errDryRunUnreachable = errors.Wrap(model.ErrSession, "dryrun OLT is unreachable")
	errDryRunUnknownONU  = errors.Wrap(model.ErrSession, "dryrun OLT has no such ONU")
)

const (
	dryRunFirmware   = "V800R021C00"
	softRebootTime   = 30 * time.Second
	forcedRebootTime = 20 * time.Second
)

// olt is the simulated state of one device.
type olt struct {
	bootTime    time.Time
	unreachable bool

	snmpVersion    string
	trapHost       string
	trapPort       int
	autoProfile    string
	vlan           int
	serviceProfile string
	uplinks        []string
	onus           map[string]string
	wifiResets     int
	configurations int
}

// DryRun is a simulated OLT executor for dryrun deployments and tests.
type DryRun struct {
	mu       sync.Mutex
	devices  map[string]*olt
	failures map[model.OperationKind]error
	latency  time.Duration
	now      func() time.Time
}

// NewDryRun creates a simulated executor whose every call takes latency.
func NewDryRun(latency time.Duration) *DryRun {
	return &DryRun{
		devices:  make(map[string]*olt),
		failures: make(map[model.OperationKind]error),
		latency:  latency,
		now:      time.Now,
	}
}

// FailNext makes the next operation of kind fail with err.
func (d *DryRun) FailNext(kind model.OperationKind, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.failures[kind] = err
}

// SetReachable simulates the device dropping off the network.
func (d *DryRun) SetReachable(deviceID string, reachable bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.get(deviceID).unreachable = !reachable
}

// ONUProfile reports the simulated service profile of an ONU.
func (d *DryRun) ONUProfile(deviceID, serial string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.get(deviceID).onus[serial]

	return p, ok
}

func (d *DryRun) Execute(ctx context.Context, req *Request) (*Outcome, error) {
	if err := sleepInContext(ctx, d.latency); err != nil {
		return nil, sessionError(ctx, err, "dryrun")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err, ok := d.failures[req.Kind]; ok {
		delete(d.failures, req.Kind)
		return nil, sessionError(ctx, err, "dryrun "+string(req.Kind))
	}

	if req.Kind.RequiresCredentials() && req.Credentials == nil {
		return nil, errors.Wrap(model.ErrSession, "no credentials for "+string(req.Kind))
	}

	dev := d.get(req.DeviceID)

	if dev.unreachable {
		return nil, errDryRunUnreachable
	}

	if d.now().Before(dev.bootTime) {
		return nil, errDryRunRebooting
	}

	detail, err := d.apply(dev, req)
	if err != nil {
		return nil, err
	}

	detail["dryrun"] = true

	return &Outcome{Detail: detail}, nil
}

// nolint:gocyclo // one case per operation kind
func (d *DryRun) apply(dev *olt, req *Request) (map[string]any, error) {
	switch p := req.Params.(type) {
	case *model.DiscoveryParams:
		return map[string]any{"firmware": dryRunFirmware, "onu_count": len(dev.onus)}, nil
	case *model.SNMPSetupParams:
		dev.snmpVersion = p.Version
		if dev.snmpVersion == "" {
			dev.snmpVersion = "v2c"
		}

		return map[string]any{"snmp_version": dev.snmpVersion}, nil
	case *model.TrapsSetupParams:
		dev.trapHost, dev.trapPort = p.TrapHost, p.TrapPort
		if dev.trapPort == 0 {
			dev.trapPort = 162
		}

		return map[string]any{"trap_target": dev.trapHost + ":" + strconv.Itoa(dev.trapPort)}, nil
	case *model.AutoProvisioningSetupParams:
		dev.autoProfile, dev.vlan = p.Profile, p.VLAN
		return map[string]any{"profile": p.Profile, "vlan": p.VLAN}, nil
	case *model.FullSetupParams:
		dev.serviceProfile = p.Profile
		dev.uplinks = append([]string(nil), p.Uplinks...)
		dev.configurations++

		return map[string]any{"profile": p.Profile, "uplinks": len(p.Uplinks)}, nil
	case *model.VerificationParams:
		return map[string]any{"reachable": true}, nil
	case *model.ReprovisionParams:
		dev.onus[p.ONUSerial] = dev.serviceProfile
		return map[string]any{"onu_serial": p.ONUSerial}, nil
	case *model.ResetWifiParams:
		if _, ok := dev.onus[p.ONUSerial]; !ok {
			return nil, errDryRunUnknownONU
		}

		dev.wifiResets++

		return map[string]any{"onu_serial": p.ONUSerial}, nil
	case *model.FetchParametersParams:
		return map[string]any{"values": d.fetch(dev, p.Keys)}, nil
	case *model.RebootParams:
		rebootTime := softRebootTime
		if p.Force {
			rebootTime = forcedRebootTime
		}

		dev.bootTime = d.now().Add(rebootTime)

		return map[string]any{"back_online_at": dev.bootTime.UTC().Format(time.RFC3339)}, nil
	case *model.ChangeProfileParams:
		if _, ok := dev.onus[p.ONUSerial]; !ok {
			return nil, errDryRunUnknownONU
		}

		dev.onus[p.ONUSerial] = p.Profile

		return map[string]any{"onu_serial": p.ONUSerial, "profile": p.Profile}, nil
	default:
		return nil, errors.Wrap(model.ErrSession, "dryrun has no handler for "+string(req.Kind))
	}
}

func (d *DryRun) fetch(dev *olt, keys []string) map[string]string {
	all := map[string]string{
		"firmware":        dryRunFirmware,
		"snmp_version":    dev.snmpVersion,
		"trap_host":       dev.trapHost,
		"service_profile": dev.serviceProfile,
		"onu_count":       strconv.Itoa(len(dev.onus)),
		"wifi_resets":     strconv.Itoa(dev.wifiResets),
	}

	if len(keys) == 0 {
		return all
	}

	out := make(map[string]string, len(keys))
	for _, k := range keys {
		out[k] = all[k]
	}

	return out
}

// get returns the simulated device, creating it with factory settings on first contact.
func (d *DryRun) get(deviceID string) *olt {
	dev, ok := d.devices[deviceID]
	if !ok {
		dev = &olt{onus: map[string]string{}}
		d.devices[deviceID] = dev
	}

	return dev
}

// sleepInContext
func sleepInContext(ctx context.Context, t time.Duration) error {
	if t <= 0 {
		return ctx.Err()
	}

	select {
	case <-time.After(t):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
