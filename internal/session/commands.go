package session

import (
	"context"
	"os"

	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// CommandSpec is one CLI command template of an operation.
type CommandSpec struct {
	Name    string `yaml:"name"`
	Command string `yaml:"command"`
	// ForEachKey repeats the command for every requested key, exposed as .Item.
	ForEachKey bool `yaml:"for_each_key,omitempty"`
}

// Catalog maps an operation kind to the commands that carry it out, in order.
type Catalog map[model.OperationKind][]CommandSpec

// DefaultCatalog is a generic OLT CLI dialect; deployments override it per vendor.
func DefaultCatalog() Catalog {
	return Catalog{
		model.KindDiscovery: {
			{Name: "ShowVersion", Command: "display version"},
			{Name: "ShowBoard", Command: "display board 0"},
		},
		model.KindSNMPSetup: {
			{Name: "EnableAgent", Command: "snmp-agent"},
			{Name: "SetVersion", Command: `snmp-agent sys-info version {{or .Params.Version "v2c"}}`},
			{Name: "SetCommunity", Command: "snmp-agent community read {{.Credentials.SNMPCommunity}}"},
		},
		model.KindTrapsSetup: {
			{Name: "SetTrapHost", Command: `snmp-agent target-host trap address udp-domain {{.Params.TrapHost}} udp-port {{or .Params.TrapPort 162}} params securityname {{.Credentials.SNMPCommunity}}`},
			{Name: "EnableTraps", Command: "snmp-agent trap enable"},
		},
		model.KindAutoProvisioningSetup: {
			{Name: "CreateServicePort", Command: "service-port vlan {{.Params.VLAN}} gpon 0/1/0 ont-auto"},
			{Name: "BindProfile", Command: "ont-auto-provisioning profile {{.Params.Profile}} enable"},
		},
		model.KindFullSetup: {
			{Name: "ApplyProfile", Command: "ont-srvprofile gpon profile-name {{.Params.Profile}}"},
			{Name: "ConfigureUplinks", Command: "port uplink {{range $i, $u := .Params.Uplinks}}{{if $i}},{{end}}{{$u}}{{end}}"},
			{Name: "SaveConfig", Command: "save"},
		},
		model.KindReprovision: {
			{Name: "DeleteONT", Command: "ont delete sn {{.Params.ONUSerial}}"},
			{Name: "AddONT", Command: "ont add sn-auth {{.Params.ONUSerial}} omci"},
		},
		model.KindResetWifi: {
			{Name: "ResetWifi", Command: "ont wlan reset sn {{.Params.ONUSerial}}"},
		},
		model.KindFetchParameters: {
			{Name: "FetchParameter", Command: "display current-configuration | include {{.Item}}", ForEachKey: true},
		},
		model.KindReboot: {
			{Name: "Reboot", Command: "reboot{{if .Params.Force}} force{{end}}"},
		},
		model.KindChangeProfile: {
			{Name: "ChangeProfile", Command: "ont modify sn {{.Params.ONUSerial}} ont-srvprofile-name {{.Params.Profile}}"},
			{Name: "SaveConfig", Command: "save"},
		},
	}
}

// LoadCatalog reads a YAML catalog from path; kinds it leaves out keep the default commands.
func LoadCatalog(path string) (Catalog, error) {
	catalog := DefaultCatalog()
	if path == "" {
		return catalog, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(model.ErrConfig, "session commands: "+err.Error())
	}

	overrides := map[string][]CommandSpec{}
	if err := yaml.Unmarshal(b, &overrides); err != nil {
		return nil, errors.Wrap(model.ErrConfig, "session commands: "+err.Error())
	}

	for name, specs := range overrides {
		kind, err := model.ParseOperationKind(name)
		if err != nil {
			return nil, errors.Wrap(model.ErrConfig, "session commands: unknown kind "+name)
		}

		catalog[kind] = specs
	}

	if err := catalog.validate(); err != nil {
		return nil, errors.Wrap(model.ErrConfig, err.Error())
	}

	return catalog, nil
}

// Steps compiles the commands of kind into runnable steps.
func (c Catalog) Steps(kind model.OperationKind, params model.Params) ([]Step, error) {
	specs, ok := c[kind]
	if !ok || len(specs) == 0 {
		return nil, errors.Wrap(model.ErrSession, "no commands for "+string(kind))
	}

	steps := []Step{}

	for _, spec := range specs {
		step, err := NewCommandStep(spec.Name, spec.Command)
		if err != nil {
			return nil, err
		}

		if !spec.ForEachKey {
			steps = append(steps, step)
			continue
		}

		fp, ok := params.(*model.FetchParametersParams)
		if !ok {
			return nil, errors.Wrap(model.ErrSession, spec.Name+": for_each_key needs fetch_parameters params")
		}

		for _, key := range fp.Keys {
			steps = append(steps, &itemStep{Step: step, item: key})
		}
	}

	return steps, nil
}

func (c Catalog) validate() error {
	for kind, specs := range c {
		for _, spec := range specs {
			if spec.Name == "" {
				return errors.New("session commands: " + string(kind) + " step without a name")
			}

			if _, err := NewCommandStep(spec.Name, spec.Command); err != nil {
				return err
			}
		}
	}

	return nil
}

// itemStep runs a step once for a single list element.
type itemStep struct {
	Step
	item string
}

func (s *itemStep) Name() string {
	return s.Step.Name() + "[" + s.item + "]"
}

func (s *itemStep) Run(ctx context.Context, conn Conn, data *TemplateData) (string, error) {
	scoped := *data
	scoped.Item = s.item

	return s.Step.Run(ctx, conn, &scoped)
}
