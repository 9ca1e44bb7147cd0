package session

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingConn struct {
	commands []string
	failOn   string
}

func (c *recordingConn) Run(_ context.Context, command string) (string, error) {
	c.commands = append(c.commands, command)

	if c.failOn != "" && strings.Contains(command, c.failOn) {
		return "Error: unrecognized command", errors.Wrap(model.ErrSession, "exit status 1")
	}

	return "ok\n", nil
}

type panicStep struct{}

func (s *panicStep) Name() string { return "PanicStep" }

func (s *panicStep) Run(context.Context, Conn, *TemplateData) (string, error) {
	panic("boom")
}

var creds = &model.Credentials{Username: "admin", Password: "hunter2", SNMPCommunity: "s3cret"}

func TestRunnerHandlePanic(t *testing.T) {
	req := &Request{Kind: model.KindReboot, DeviceID: "olt-1", Params: &model.RebootParams{}}
	runner := NewRunner(req, []Step{&panicStep{}})

	outcome, err := runner.Run(context.Background(), &recordingConn{})

	if assert.NotNil(t, err) {
		assert.Equal(t, "Task fatal error, check logs for details", err.Error())
	}

	require.NotNil(t, outcome)
	assert.Equal(t, StepFailed, outcome.Steps[0].Status)
}

func TestCatalogRendersCommands(t *testing.T) {
	tests := []struct {
		name   string
		kind   model.OperationKind
		params model.Params
		want   []string
	}{
		{
			"traps default port",
			model.KindTrapsSetup,
			&model.TrapsSetupParams{TrapHost: "10.1.1.1"},
			[]string{
				"snmp-agent target-host trap address udp-domain 10.1.1.1 udp-port 162 params securityname s3cret",
				"snmp-agent trap enable",
			},
		},
		{
			"full setup uplinks",
			model.KindFullSetup,
			&model.FullSetupParams{Profile: "gpon-res", Uplinks: []string{"0/9/0", "0/9/1"}},
			[]string{"ont-srvprofile gpon profile-name gpon-res", "port uplink 0/9/0,0/9/1", "save"},
		},
		{
			"fetch per key",
			model.KindFetchParameters,
			&model.FetchParametersParams{Keys: []string{"sysname", "uptime"}},
			[]string{"display current-configuration | include sysname", "display current-configuration | include uptime"},
		},
		{
			"forced reboot",
			model.KindReboot,
			&model.RebootParams{Force: true},
			[]string{"reboot force"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			steps, err := DefaultCatalog().Steps(tc.kind, tc.params)
			require.NoError(t, err)

			conn := &recordingConn{}
			req := &Request{Kind: tc.kind, DeviceID: "olt-1", Params: tc.params, Credentials: creds}

			outcome, err := NewRunner(req, steps).Run(context.Background(), conn)
			require.NoError(t, err)
			assert.Equal(t, tc.want, conn.commands)

			for _, st := range outcome.Steps {
				assert.Equal(t, StepSucceeded, st.Status)
			}
		})
	}
}

func TestRunnerStopsAtFailedStep(t *testing.T) {
	params := &model.FullSetupParams{Profile: "gpon-res"}
	steps, err := DefaultCatalog().Steps(model.KindFullSetup, params)
	require.NoError(t, err)

	conn := &recordingConn{failOn: "port uplink"}
	req := &Request{Kind: model.KindFullSetup, DeviceID: "olt-1", Params: params, Credentials: creds}

	outcome, err := NewRunner(req, steps).Run(context.Background(), conn)
	assert.True(t, errors.Is(err, model.ErrSession))
	assert.Len(t, conn.commands, 2, "save must not run after a failed step")
	assert.Equal(t, "ConfigureUplinks", outcome.Detail["failed_command_step"])
	assert.Equal(t, StepPending, outcome.Steps[2].Status)
}

func TestLoadCatalog(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "commands.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
reboot:
  - name: Reboot
    command: "system reboot now"
`), 0o600))

	catalog, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, "system reboot now", catalog[model.KindReboot][0].Command)
	assert.NotEmpty(t, catalog[model.KindSNMPSetup], "kinds not overridden keep defaults")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("factory_reset:\n  - name: X\n    command: x\n"), 0o600))
	_, err = LoadCatalog(bad)
	assert.True(t, errors.Is(err, model.ErrConfig))

	broken := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("reboot:\n  - name: X\n    command: \"{{.Params\"\n"), 0o600))
	_, err = LoadCatalog(broken)
	assert.True(t, errors.Is(err, model.ErrConfig))
}

func TestVerifyReachableNeedsNoCredentials(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	exec, err := NewSSHExecutor(DefaultCatalog(), "")
	require.NoError(t, err)

	outcome, err := exec.Execute(context.Background(), &Request{
		Kind:    model.KindVerification,
		Address: ln.Addr().String(),
		Params:  &model.VerificationParams{},
	})
	require.NoError(t, err)
	assert.Equal(t, true, outcome.Detail["reachable"])
}

func TestVerifyUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := ln.Addr().String()
	ln.Close()

	exec, err := NewSSHExecutor(DefaultCatalog(), "")
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), &Request{Kind: model.KindVerification, Address: addr})
	assert.True(t, errors.Is(err, model.ErrSession))
}

func TestSSHExecutorRequiresCredentials(t *testing.T) {
	exec, err := NewSSHExecutor(DefaultCatalog(), "")
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), &Request{Kind: model.KindReboot, Params: &model.RebootParams{}})
	assert.True(t, errors.Is(err, model.ErrSession))
}

func TestSessionErrorClassification(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	assert.True(t, errors.Is(sessionError(ctx, ctx.Err(), "x"), model.ErrSessionTimeout))
	assert.True(t, errors.Is(sessionError(context.Background(), errors.New("auth failed"), "x"), model.ErrSession))
	assert.Nil(t, sessionError(context.Background(), nil, "x"))
}
