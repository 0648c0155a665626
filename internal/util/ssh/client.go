// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ssh

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/alexandremahdhaoui/talosfleet/pkg/execcontext"
	"golang.org/x/crypto/ssh"
)

const defaultDialTimeout = 10 * time.Second

// ClientFactory builds SSH-backed Runners sharing one identity (user, key,
// port) across all hypervisor hosts.
type ClientFactory struct {
	User       string
	PrivateKey []byte
	Port       string
	Exec       execcontext.Context
}

// NewClientFactory reads the private key and returns a ClientFactory.
func NewClientFactory(user, privateKeyPath, port string) (*ClientFactory, error) {
	key, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}

	return &ClientFactory{
		User:       user,
		PrivateKey: key,
		Port:       port,
		Exec:       execcontext.None(),
	}, nil
}

// Runner implements Factory.
func (f *ClientFactory) Runner(host string) Runner {
	return &Client{
		Host:       host,
		User:       f.User,
		PrivateKey: f.PrivateKey,
		Port:       f.Port,
		Exec:       f.Exec,
	}
}

// Client implements the Runner interface over a real SSH connection. Each
// Run dials a fresh connection: commands are infrequent and the hypervisor
// host is the source of truth, so no session is kept alive between calls.
type Client struct {
	Host       string
	User       string
	PrivateKey []byte
	Port       string
	Exec       execcontext.Context
}

func (c *Client) Run(ctx context.Context, cmd ...string) (stdout, stderr string, err error) {
	signer, err := ssh.ParsePrivateKey(c.PrivateKey)
	if err != nil {
		return "", "", fmt.Errorf("unable to parse private key: %w", err)
	}

	config := &ssh.ClientConfig{
		User: c.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // hypervisor hosts are reached over the management network
		Timeout:         defaultDialTimeout,
	}

	addr := net.JoinHostPort(c.Host, c.Port)

	dialer := net.Dialer{Timeout: config.Timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", "", fmt.Errorf("unable to connect to %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		_ = netConn.Close()
		return "", "", fmt.Errorf("unable to establish SSH connection to %s: %w", addr, err)
	}

	conn := ssh.NewClient(sshConn, chans, reqs)
	defer runFuncAndLogErr(conn.Close)

	session, err := conn.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("unable to create SSH session: %w", err)
	}
	defer runFuncAndLogErr(session.Close)

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	ec := c.Exec
	if ec == nil {
		ec = execcontext.None()
	}

	if err := session.Run(execcontext.FormatCmd(ec, cmd...)); err != nil {
		return stdoutBuf.String(), stderrBuf.String(), fmt.Errorf("remote command failed on %s: %w", c.Host, err)
	}

	return stdoutBuf.String(), stderrBuf.String(), nil
}

func runFuncAndLogErr(f func() error) {
	if err := f(); err != nil {
		slog.Debug("error closing ssh session or connection", "err", err.Error())
	}
}
