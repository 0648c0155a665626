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

package proxmox

import (
	"context"
	"errors"
	"fmt"

	"github.com/alexandremahdhaoui/talosfleet/internal/util/ssh"
)

var (
	ErrPreflightISO    = errors.New("install media not resolvable on host")
	ErrPreflightPool   = errors.New("storage pool not listable on host")
	ErrPreflightBridge = errors.New("network bridge not present on host")
)

// Checker validates that a hypervisor host can serve a build: the install
// media volume resolves, the storage pool is listable and the bridge device
// exists. No side effects. Must pass before any build on the host.
type Checker interface {
	Check(ctx context.Context, host string) error
}

// NewChecker returns a Checker running the three probes over the given
// Runner factory.
func NewChecker(runners ssh.Factory, isoVolume, storagePool, bridge string) Checker {
	return &checker{
		runners:     runners,
		isoVolume:   isoVolume,
		storagePool: storagePool,
		bridge:      bridge,
	}
}

type checker struct {
	runners     ssh.Factory
	isoVolume   string
	storagePool string
	bridge      string
}

// Check implements Checker. The first failing probe short-circuits and its
// error names the host and the check that failed.
func (c *checker) Check(ctx context.Context, host string) error {
	runner := c.runners.Runner(host)

	if _, stderr, err := runner.Run(ctx, "pvesm", "path", c.isoVolume); err != nil {
		return fmt.Errorf("%w: host %q, volume %q: %v (stderr: %s)",
			ErrPreflightISO, host, c.isoVolume, err, stderr)
	}

	if _, stderr, err := runner.Run(ctx, "pvesm", "list", c.storagePool); err != nil {
		return fmt.Errorf("%w: host %q, pool %q: %v (stderr: %s)",
			ErrPreflightPool, host, c.storagePool, err, stderr)
	}

	if _, stderr, err := runner.Run(ctx, "ip", "link", "show", c.bridge); err != nil {
		return fmt.Errorf("%w: host %q, bridge %q: %v (stderr: %s)",
			ErrPreflightBridge, host, c.bridge, err, stderr)
	}

	return nil
}
