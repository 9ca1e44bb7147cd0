package model

import (
	"bytes"
	"encoding/json"
	"net"
	"strings"

	"github.com/pkg/errors"
)

// Params is the closed set of per-kind task parameters. Each OperationKind has
// exactly one Params implementation, carrying only what that kind needs.
type Params interface {
	Kind() OperationKind
	Validate() error
}

type DiscoveryParams struct {
	// Address optionally moves the device to a new management address on re-sync.
	Address string `json:"address,omitempty"`
	Port    int    `json:"port,omitempty"`
}

type SNMPSetupParams struct {
	Version  string `json:"version,omitempty"`
	ReadView string `json:"read_view,omitempty"`
}

type TrapsSetupParams struct {
	TrapHost string `json:"trap_host"`
	TrapPort int    `json:"trap_port,omitempty"`
}

type AutoProvisioningSetupParams struct {
	Profile string `json:"profile"`
	VLAN    int    `json:"vlan"`
}

type FullSetupParams struct {
	Profile string   `json:"profile"`
	Uplinks []string `json:"uplinks,omitempty"`
}

type VerificationParams struct{}

type ReprovisionParams struct {
	ONUSerial string `json:"onu_serial"`
}

type ResetWifiParams struct {
	ONUSerial string `json:"onu_serial"`
}

type FetchParametersParams struct {
	Keys []string `json:"keys,omitempty"`
}

type RebootParams struct {
	Force bool `json:"force,omitempty"`
}

type ChangeProfileParams struct {
	ONUSerial string `json:"onu_serial"`
	Profile   string `json:"profile"`
}

func (*DiscoveryParams) Kind() OperationKind             { return KindDiscovery }
func (*SNMPSetupParams) Kind() OperationKind             { return KindSNMPSetup }
func (*TrapsSetupParams) Kind() OperationKind            { return KindTrapsSetup }
func (*AutoProvisioningSetupParams) Kind() OperationKind { return KindAutoProvisioningSetup }
func (*FullSetupParams) Kind() OperationKind             { return KindFullSetup }
func (*VerificationParams) Kind() OperationKind          { return KindVerification }
func (*ReprovisionParams) Kind() OperationKind           { return KindReprovision }
func (*ResetWifiParams) Kind() OperationKind             { return KindResetWifi }
func (*FetchParametersParams) Kind() OperationKind       { return KindFetchParameters }
func (*RebootParams) Kind() OperationKind                { return KindReboot }
func (*ChangeProfileParams) Kind() OperationKind         { return KindChangeProfile }

func (p *DiscoveryParams) Validate() error {
	if p.Address != "" && net.ParseIP(p.Address) == nil && !validHostname(p.Address) {
		return invalidParam("address", "not an IP address or hostname")
	}

	return validPort("port", p.Port)
}

func (p *SNMPSetupParams) Validate() error {
	switch p.Version {
	case "", "v2c", "v3":
		return nil
	default:
		return invalidParam("version", "must be v2c or v3")
	}
}

func (p *TrapsSetupParams) Validate() error {
	if p.TrapHost == "" {
		return invalidParam("trap_host", "required")
	}

	return validPort("trap_port", p.TrapPort)
}

func (p *AutoProvisioningSetupParams) Validate() error {
	if p.Profile == "" {
		return invalidParam("profile", "required")
	}

	if p.VLAN < 1 || p.VLAN > 4094 {
		return invalidParam("vlan", "must be between 1 and 4094")
	}

	return nil
}

func (p *FullSetupParams) Validate() error {
	if p.Profile == "" {
		return invalidParam("profile", "required")
	}

	for _, u := range p.Uplinks {
		if strings.TrimSpace(u) == "" {
			return invalidParam("uplinks", "empty uplink name")
		}
	}

	return nil
}

func (*VerificationParams) Validate() error { return nil }

func (p *ReprovisionParams) Validate() error {
	return required("onu_serial", p.ONUSerial)
}

func (p *ResetWifiParams) Validate() error {
	return required("onu_serial", p.ONUSerial)
}

func (p *FetchParametersParams) Validate() error {
	for _, k := range p.Keys {
		if strings.TrimSpace(k) == "" {
			return invalidParam("keys", "empty key")
		}
	}

	return nil
}

func (*RebootParams) Validate() error { return nil }

func (p *ChangeProfileParams) Validate() error {
	if err := required("onu_serial", p.ONUSerial); err != nil {
		return err
	}

	return required("profile", p.Profile)
}

// NewParams returns an empty Params value for the kind.
func NewParams(kind OperationKind) (Params, error) {
	switch kind {
	case KindDiscovery:
		return &DiscoveryParams{}, nil
	case KindSNMPSetup:
		return &SNMPSetupParams{}, nil
	case KindTrapsSetup:
		return &TrapsSetupParams{}, nil
	case KindAutoProvisioningSetup:
		return &AutoProvisioningSetupParams{}, nil
	case KindFullSetup:
		return &FullSetupParams{}, nil
	case KindVerification:
		return &VerificationParams{}, nil
	case KindReprovision:
		return &ReprovisionParams{}, nil
	case KindResetWifi:
		return &ResetWifiParams{}, nil
	case KindFetchParameters:
		return &FetchParametersParams{}, nil
	case KindReboot:
		return &RebootParams{}, nil
	case KindChangeProfile:
		return &ChangeProfileParams{}, nil
	default:
		return nil, errors.Wrap(ErrMalformedTask, "unknown operation kind: "+string(kind))
	}
}

// DecodeParams decodes and validates raw JSON params for kind. Unknown fields
// are rejected. An empty payload decodes into the kind's zero params.
func DecodeParams(kind OperationKind, raw []byte) (Params, error) {
	params, err := NewParams(kind)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()

		if err := dec.Decode(params); err != nil {
			return nil, errors.Wrap(ErrMalformedTask, string(kind)+" params: "+err.Error())
		}
	}

	if err := params.Validate(); err != nil {
		return nil, err
	}

	return params, nil
}

func invalidParam(field, msg string) error {
	return errors.Wrap(ErrMalformedTask, "invalid "+field+": "+msg)
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return invalidParam(field, "required")
	}

	return nil
}

// validPort accepts zero as "use the default".
func validPort(field string, port int) error {
	if port == 0 {
		return nil
	}

	if port < 1 || port > 65535 {
		return invalidParam(field, "must be between 1 and 65535")
	}

	return nil
}

func validHostname(h string) bool {
	if len(h) > 253 || h == "" {
		return false
	}

	for _, label := range strings.Split(h, ".") {
		if label == "" || len(label) > 63 {
			return false
		}

		for _, r := range label {
			isAlnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
			if !isAlnum && r != '-' {
				return false
			}
		}
	}

	return true
}
