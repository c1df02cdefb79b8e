package runpod

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/nimbusgpu/orchestrator/internal/cloud"
	"golang.org/x/crypto/ssh"
)

// ProbeConfig carries the SSH credentials used for the bounded readiness
// probe. It is never used as a liveness signal after promotion.
type ProbeConfig struct {
	User       string
	PrivateKey []byte
	MountPath  string
	Timeout    time.Duration
}

// InitializePod performs a bounded SSH probe: connect, check that the
// configured mount path is visible, and that nvidia-smi reports a GPU.
// It is idempotent and returns not_ready rather than an error for
// transient connection states (pod still booting, port not yet open).
func (c *Client) InitializePod(ctx context.Context, cloudID string) (cloud.InitResult, string, error) {
	state, err := c.GetPodState(ctx, cloudID)
	if err != nil {
		return cloud.InitFailed, "", err
	}
	if state.DesiredStatus == cloud.StatusFailed || state.DesiredStatus == cloud.StatusTerminated {
		return cloud.InitFailed, "pod is " + string(state.DesiredStatus), nil
	}
	if state.IP == "" || state.SSHPort == 0 {
		return cloud.InitNotReady, "ssh endpoint not yet assigned", nil
	}

	if c.probe == nil {
		return cloud.InitReady, "", nil
	}

	timeout := c.probe.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	signer, err := ssh.ParsePrivateKey(c.probe.PrivateKey)
	if err != nil {
		return cloud.InitFailed, "", cloud.NewError(cloud.ErrFatal, "parse ssh private key", err)
	}

	sshCfg := &ssh.ClientConfig{
		User:            c.probe.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(state.IP, fmt.Sprintf("%d", state.SSHPort))
	conn, err := ssh.Dial("tcp", addr, sshCfg)
	if err != nil {
		return cloud.InitNotReady, err.Error(), nil
	}
	defer conn.Close()

	session, err := conn.NewSession()
	if err != nil {
		return cloud.InitNotReady, err.Error(), nil
	}
	defer session.Close()

	out, err := session.Output("nvidia-smi -L && test -d " + c.probe.MountPath)
	if err != nil {
		return cloud.InitFailed, "readiness probe failed: " + string(out), nil
	}
	return cloud.InitReady, "", nil
}
