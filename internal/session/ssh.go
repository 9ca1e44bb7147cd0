package session

import (
	"context"
	"net"
	"time"

	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHExecutor drives the OLT command line over SSH.
type SSHExecutor struct {
	catalog  Catalog
	hostKeys ssh.HostKeyCallback
}

// NewSSHExecutor returns an executor running catalog commands. Host keys are
// checked against knownHostsFile when set.
func NewSSHExecutor(catalog Catalog, knownHostsFile string) (*SSHExecutor, error) {
	// nolint:gosec // OLT host keys are commonly regenerated on firmware upgrade, pinning is opt-in
	hostKeys := ssh.InsecureIgnoreHostKey()

	if knownHostsFile != "" {
		cb, err := knownhosts.New(knownHostsFile)
		if err != nil {
			return nil, errors.Wrap(model.ErrConfig, "known hosts: "+err.Error())
		}

		hostKeys = cb
	}

	return &SSHExecutor{catalog: catalog, hostKeys: hostKeys}, nil
}

func (e *SSHExecutor) Execute(ctx context.Context, req *Request) (*Outcome, error) {
	if req.Kind == model.KindVerification {
		return verifyReachable(ctx, req)
	}

	if req.Credentials == nil {
		return nil, errors.Wrap(model.ErrSession, "no credentials for "+string(req.Kind))
	}

	steps, err := e.catalog.Steps(req.Kind, req.Params)
	if err != nil {
		return nil, err
	}

	client, err := e.dial(ctx, req)
	if err != nil {
		return nil, sessionError(ctx, err, "ssh connect")
	}
	defer client.Close()

	return NewRunner(req, steps).Run(ctx, &sshConn{client: client})
}

func (e *SSHExecutor) dial(ctx context.Context, req *Request) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User:            req.Credentials.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(req.Credentials.Password)},
		HostKeyCallback: e.hostKeys,
	}

	var d net.Dialer

	nc, err := d.DialContext(ctx, "tcp", req.Address)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	}

	c, chans, reqs, err := ssh.NewClientConn(nc, req.Address, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}

	return ssh.NewClient(c, chans, reqs), nil
}

type sshConn struct {
	client *ssh.Client
}

type commandResult struct {
	out []byte
	err error
}

// Run executes command in a fresh SSH session, closing it when ctx ends first.
func (c *sshConn) Run(ctx context.Context, command string) (string, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return "", err
	}
	defer sess.Close()

	done := make(chan commandResult, 1)

	go func() {
		out, err := sess.CombinedOutput(command)
		done <- commandResult{out: out, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-done:
		if res.err != nil {
			return string(res.out), errors.Wrap(model.ErrSession, res.err.Error())
		}

		return string(res.out), nil
	}
}

// verifyReachable checks the device answers on its session port. It needs no secrets.
func verifyReachable(ctx context.Context, req *Request) (*Outcome, error) {
	var d net.Dialer

	start := time.Now()

	nc, err := d.DialContext(ctx, "tcp", req.Address)
	if err != nil {
		return nil, sessionError(ctx, err, "verification")
	}

	nc.Close()

	return &Outcome{Detail: map[string]any{
		"reachable":  true,
		"latency_ms": time.Since(start).Milliseconds(),
	}}, nil
}
