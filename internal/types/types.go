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

// Package types holds the data model shared by the fleet reconciler, the
// lifecycle driver, the discovery engine and the inventory correlator.
package types

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrManifestEmpty     = errors.New("fleet manifest is empty")
	ErrManifestDuplicate = errors.New("duplicate entry in fleet manifest")
	ErrManifestIncomplete = errors.New("incomplete entry in fleet manifest")
)

// VMDescriptor identifies one fleet member. The descriptor set is fixed at
// configuration time and never mutated at runtime.
type VMDescriptor struct {
	// ID is the hypervisor VM identifier, unique across the whole fleet.
	ID int `yaml:"id"`
	// Name is the unique human-readable node name.
	Name string `yaml:"name"`
	// Host is the hypervisor node that owns this VM. Many descriptors may
	// map to the same host.
	Host string `yaml:"host"`
	// DiskGB is the size of the persistent disk in gigabytes.
	DiskGB int `yaml:"diskGB"`
}

// Manifest is the fixed ordered list of VM descriptors the tool manages.
type Manifest []VMDescriptor

// DefaultManifest returns the six-node fleet: three control planes and three
// workers, one of each per hypervisor host.
func DefaultManifest() Manifest {
	return Manifest{
		{ID: 7101, Name: "cp1", Host: "pve1", DiskGB: 30},
		{ID: 7102, Name: "cp2", Host: "pve2", DiskGB: 30},
		{ID: 7103, Name: "cp3", Host: "pve3", DiskGB: 30},
		{ID: 7201, Name: "w1", Host: "pve1", DiskGB: 60},
		{ID: 7202, Name: "w2", Host: "pve2", DiskGB: 60},
		{ID: 7203, Name: "w3", Host: "pve3", DiskGB: 60},
	}
}

// Validate checks manifest integrity: at least one entry, unique ids and
// names, no missing fields.
func (m Manifest) Validate() error {
	if len(m) == 0 {
		return ErrManifestEmpty
	}

	var errs []error

	seenIDs := make(map[int]struct{}, len(m))
	seenNames := make(map[string]struct{}, len(m))

	for _, desc := range m {
		if desc.ID <= 0 || desc.Name == "" || desc.Host == "" || desc.DiskGB <= 0 {
			errs = append(errs, fmt.Errorf("%w: id=%d name=%q host=%q diskGB=%d",
				ErrManifestIncomplete, desc.ID, desc.Name, desc.Host, desc.DiskGB))
			continue
		}

		if _, ok := seenIDs[desc.ID]; ok {
			errs = append(errs, fmt.Errorf("%w: id %d", ErrManifestDuplicate, desc.ID))
		}
		seenIDs[desc.ID] = struct{}{}

		if _, ok := seenNames[desc.Name]; ok {
			errs = append(errs, fmt.Errorf("%w: name %q", ErrManifestDuplicate, desc.Name))
		}
		seenNames[desc.Name] = struct{}{}
	}

	return errors.Join(errs...)
}

// Hosts returns the distinct hypervisor hosts of the manifest, in first-seen
// order.
func (m Manifest) Hosts() []string {
	seen := make(map[string]struct{}, len(m))
	out := make([]string, 0, len(m))
	for _, desc := range m {
		if _, ok := seen[desc.Host]; ok {
			continue
		}
		seen[desc.Host] = struct{}{}
		out = append(out, desc.Host)
	}
	return out
}

// BootState is the boot configuration of a live VM, derived on demand from
// the hypervisor. It is never persisted.
type BootState string

const (
	// BootStateInstallMedia boots from the install ISO first. Every boot in
	// this state regenerates the node's identity and discards applied
	// configuration.
	BootStateInstallMedia BootState = "install-media"
	// BootStateDiskPreferred boots from disk first but the install media is
	// still attached. This is a risk state, not an end goal.
	BootStateDiskPreferred BootState = "disk-preferred"
	// BootStateDiskOnly boots from the persistent disk exclusively. Terminal:
	// only a full rebuild can reintroduce install media.
	BootStateDiskOnly BootState = "disk-only"
	// BootStateUnknown is reported when the boot order cannot be derived.
	BootStateUnknown BootState = "unknown"
)

// NetworkIdentity pairs a stable hardware address with the IPv4 address
// observed for it during one discovery run.
type NetworkIdentity struct {
	MAC string
	IP  string
}

// IdentityMap is the hardware-address to IP correlation built by the
// discovery engine for one invocation. Probed holds every live address found
// on the subnet; Unmatched the subset whose identity could not be confirmed.
// Both are kept for auditing.
type IdentityMap struct {
	ByMAC     map[string]string
	Probed    []string
	Unmatched []string
}

// NewIdentityMap returns an empty IdentityMap.
func NewIdentityMap() IdentityMap {
	return IdentityMap{ByMAC: make(map[string]string)}
}

// Lookup returns the IP recorded for the given hardware address, matching
// case-insensitively.
func (m IdentityMap) Lookup(mac string) (string, bool) {
	ip, ok := m.ByMAC[NormalizeMAC(mac)]
	return ip, ok
}

// InventoryRow joins a VM descriptor with its current hardware address and
// the IP resolved for that address. Empty MAC or IP means "not resolvable
// right now"; rows are built fresh on every audit and never cached.
type InventoryRow struct {
	ID   int
	Name string
	MAC  string
	IP   string
}

// NormalizeMAC lowercases a hardware address so that hypervisor-reported
// (uppercase) and node-reported (lowercase) forms compare equal.
func NormalizeMAC(mac string) string {
	return strings.ToLower(strings.TrimSpace(mac))
}
