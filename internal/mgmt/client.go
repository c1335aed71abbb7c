// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package mgmt

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	guestUser      = "root"
	connectTimeout = 5 * time.Second
)

// Client runs commands inside a booted test guest over the forwarded
// SSH port. Host keys are not verified: the guest is ephemeral, bound
// to 127.0.0.1 and freshly created from a trusted image for every run.
type Client struct {
	addr   string
	config *ssh.ClientConfig

	dial       func(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error)
	runCommand func(command string) ([]byte, error)
}

// NewClient creates a client for the guest forwarded to the given
// local port, authenticating with the management key pair.
func NewClient(port int, keys *KeyPair) (*Client, error) {
	signer, err := keys.Signer()
	if err != nil {
		return nil, err
	}

	client := &Client{
		addr: net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		config: &ssh.ClientConfig{
			User:            guestUser,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         connectTimeout,
		},
		dial: ssh.Dial,
	}
	client.runCommand = client.runOnce

	return client, nil
}

// WaitReady polls the guest until a trivial command succeeds. This is
// the single place the installer waits on a booting guest. It returns
// [ErrGuestExited] immediately if exited closes, so a crashed guest
// does not burn the full deadline.
func (c *Client) WaitReady(
	ctx context.Context,
	deadline, interval time.Duration,
	exited <-chan struct{},
) error {
	timeout := time.NewTimer(deadline)
	defer timeout.Stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-exited:
			return ErrGuestExited
		case <-timeout.C:
			return fmt.Errorf("%w after %s", ErrGuestUnreachable, deadline)
		case <-ticker.C:
			if _, err := c.Run(ctx, "true"); err == nil {
				return nil
			}
		}
	}
}

// Run executes a command in the guest and returns its combined output.
// A fresh connection per command keeps failure handling simple; the
// handful of commands a validation run issues does not justify
// connection reuse.
func (c *Client) Run(ctx context.Context, command string) ([]byte, error) {
	type result struct {
		output []byte
		err    error
	}

	resultC := make(chan result, 1)

	go func() {
		output, err := c.runCommand(command)
		resultC <- result{output, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultC:
		return res.output, res.err
	}
}

func (c *Client) runOnce(command string) ([]byte, error) {
	client, err := c.dial("tcp", c.addr, c.config)
	if err != nil {
		return nil, fmt.Errorf("dial guest: %w", err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	output, err := session.CombinedOutput(command)
	if err != nil {
		return output, fmt.Errorf("run %q: %w", command, err)
	}

	return output, nil
}
