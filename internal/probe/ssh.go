package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/argusmon/argus/internal/models"
)

// SSHProbe runs a command on a remote host and classifies its output.
type SSHProbe struct{}

func (p *SSHProbe) Check(ctx context.Context, mon *models.Monitor) *models.Sample {
	started := time.Now()

	cfg := mon.Check.SSH
	if cfg == nil {
		return errorSample(mon, started, KindTerminal, "ssh check config missing")
	}

	stdout, stderr, err := runOverSSH(ctx, &cfg.SSHTarget, cfg.Command)
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return errorSample(mon, started, KindTransient,
				"command exited with status %d: %s", exitErr.ExitStatus(), truncate(strings.TrimSpace(stderr), 256))
		}
		return errorSample(mon, started, sshErrorKind(err), "%v", err)
	}

	md := models.Metadata{
		"host":   cfg.Host,
		"output": truncate(strings.TrimSpace(stdout), 1024),
	}
	if v := parseNumeric(stdout); v != nil {
		return valueSample(mon, started, *v, md)
	}

	// Command succeeded but produced no numeric value: plain up check.
	s := valueSample(mon, started, 0, md)
	s.Value = nil
	s.Status = models.StatusOK
	return s
}

// buildClientConfig assembles SSH auth from password and/or private key.
func buildClientConfig(t *models.SSHTarget, timeout time.Duration) (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	if t.Password != "" {
		authMethods = append(authMethods, ssh.Password(t.Password))
	}
	if t.PrivateKey != "" {
		key, err := ssh.ParsePrivateKey([]byte(t.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %v", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(key))
	}
	if len(authMethods) == 0 {
		return nil, errors.New("no authentication method provided (password or private_key required)")
	}

	return &ssh.ClientConfig{
		User:            t.User,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // targets are operator-configured hosts
		Timeout:         timeout,
	}, nil
}

// runOverSSH dials the target, runs one command, and returns its output.
// The ctx deadline is applied to the underlying connection so every phase
// of the session observes it.
func runOverSSH(ctx context.Context, target *models.SSHTarget, command string) (stdout, stderr string, err error) {
	timeout := 30 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}

	config, err := buildClientConfig(target, timeout)
	if err != nil {
		return "", "", err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", target.Addr())
	if err != nil {
		return "", "", fmt.Errorf("dial %s: %v", target.Addr(), err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, target.Addr(), config)
	if err != nil {
		conn.Close()
		return "", "", fmt.Errorf("ssh handshake with %s: %v", target.Addr(), err)
	}
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("open session: %v", err)
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf
	err = session.Run(command)
	return outBuf.String(), errBuf.String(), err
}

// sshErrorKind treats auth and key problems as terminal; everything else
// (dial, reset, deadline) clears on a later tick.
func sshErrorKind(err error) string {
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "failed to parse private key") ||
		strings.Contains(msg, "no authentication method") {
		return KindTerminal
	}
	return KindTransient
}
