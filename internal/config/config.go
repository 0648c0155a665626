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

// Package config holds the immutable configuration object handed to the
// reconciler: fleet manifest, VM shape, network and discovery tunables.
// Values come from defaults, then an optional YAML file, then TALOS_FLEET_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/alexandremahdhaoui/talosfleet/internal/types"
	"gopkg.in/yaml.v3"
)

var (
	ErrISOVolumeRequired   = errors.New("isoVolume is required")
	ErrStoragePoolRequired = errors.New("storagePool is required")
	ErrInvalidSubnet       = errors.New("subnetCIDR must be a CIDR")
	ErrInvalidPort         = errors.New("discoveryPort must be in 1..65535")
	ErrInvalidShape        = errors.New("vm shape values must be positive")
)

// Duration wraps time.Duration so YAML values like "90s" parse naturally.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler. Plain integers are seconds,
// strings go through time.ParseDuration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if seconds, err := strconv.Atoi(value.Value); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}

	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// SSHConfig configures the remote executor used to reach hypervisor hosts.
type SSHConfig struct {
	// User is the SSH user on the hypervisor hosts.
	User string `yaml:"user"`
	// PrivateKeyPath is the path to the SSH private key.
	PrivateKeyPath string `yaml:"privateKeyPath"`
	// Port is the SSH port on the hypervisor hosts.
	Port string `yaml:"port"`
}

// Config is the configuration for talosfleet.
type Config struct {
	// ISOVolume is the Proxmox volume id of the install media, e.g.
	// "local:iso/metal-amd64.iso". Mandatory.
	ISOVolume string `yaml:"isoVolume"`
	// StoragePool is the storage pool for VM disks. Mandatory.
	StoragePool string `yaml:"storagePool"`
	// EFIStoragePool is the storage pool for EFI variable disks. Defaults to
	// StoragePool.
	EFIStoragePool string `yaml:"efiStoragePool"`

	// Bridge is the network bridge VMs attach to.
	Bridge string `yaml:"bridge"`
	// VLANTag tags the VM network interface; 0 means untagged.
	VLANTag int `yaml:"vlanTag"`
	// SubnetCIDR is the subnet probed during discovery.
	SubnetCIDR string `yaml:"subnetCIDR"`
	// DiscoveryPort is the TCP port probed on each candidate address (the
	// Talos API port).
	DiscoveryPort int `yaml:"discoveryPort"`
	// InterfaceName is the node-side name of the management interface whose
	// hardware address confirms a node's identity.
	InterfaceName string `yaml:"interfaceName"`

	// VM compute shape.
	MemoryMB       int    `yaml:"memoryMB"`
	Cores          int    `yaml:"cores"`
	Sockets        int    `yaml:"sockets"`
	CPUType        string `yaml:"cpuType"`
	SCSIController string `yaml:"scsiController"`

	// SettleCreate is the wait after building the fleet, long enough for
	// install-time DHCP acquisition.
	SettleCreate Duration `yaml:"settleCreate"`
	// SettleRemoveISO is the wait after the disk-only boot transition.
	SettleRemoveISO Duration `yaml:"settleRemoveISO"`
	// SettleRestart is the pause between a forced stop and the next start.
	SettleRestart Duration `yaml:"settleRestart"`
	// ConfirmTimeout bounds one identity-confirmation attempt.
	ConfirmTimeout Duration `yaml:"confirmTimeout"`

	SSH SSHConfig `yaml:"ssh"`

	// VMs is the fleet manifest. Defaults to the six-node fleet.
	VMs types.Manifest `yaml:"vms"`

	// DevelopmentMode switches logging to the human-readable text handler.
	DevelopmentMode bool `yaml:"developmentMode"`
}

// NewDefaultConfig returns a Config with every default applied. ISOVolume
// and StoragePool have no default and must be provided.
func NewDefaultConfig() *Config {
	return &Config{
		ISOVolume:       "",
		StoragePool:     "",
		EFIStoragePool:  "",
		Bridge:          "vmbr0",
		VLANTag:         0,
		SubnetCIDR:      "172.22.40.0/24",
		DiscoveryPort:   50000,
		InterfaceName:   "ens18",
		MemoryMB:        8192,
		Cores:           4,
		Sockets:         1,
		CPUType:         "x86-64-v2-AES",
		SCSIController:  "virtio-scsi-single",
		SettleCreate:    Duration(120 * time.Second),
		SettleRemoveISO: Duration(45 * time.Second),
		SettleRestart:   Duration(5 * time.Second),
		ConfirmTimeout:  Duration(10 * time.Second),
		SSH: SSHConfig{
			User:           "root",
			PrivateKeyPath: "",
			Port:           "22",
		},
		VMs:             types.DefaultManifest(),
		DevelopmentMode: false,
	}
}

// Load builds the configuration: defaults, then the YAML file if configPath
// is non-empty, then environment overrides, then validation.
func Load(configPath string) (*Config, error) {
	config := NewDefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
		}
	}

	config.applyEnvironmentOverrides()

	if config.EFIStoragePool == "" {
		config.EFIStoragePool = config.StoragePool
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// applyEnvironmentOverrides applies TALOS_FLEET_* environment variables.
func (c *Config) applyEnvironmentOverrides() {
	if val := os.Getenv("TALOS_FLEET_ISO"); val != "" {
		c.ISOVolume = val
	}
	if val := os.Getenv("TALOS_FLEET_STORAGE_POOL"); val != "" {
		c.StoragePool = val
	}
	if val := os.Getenv("TALOS_FLEET_EFI_STORAGE_POOL"); val != "" {
		c.EFIStoragePool = val
	}
	if val := os.Getenv("TALOS_FLEET_BRIDGE"); val != "" {
		c.Bridge = val
	}
	if val := os.Getenv("TALOS_FLEET_VLAN_TAG"); val != "" {
		if tag, err := strconv.Atoi(val); err == nil {
			c.VLANTag = tag
		}
	}
	if val := os.Getenv("TALOS_FLEET_SUBNET"); val != "" {
		c.SubnetCIDR = val
	}
	if val := os.Getenv("TALOS_FLEET_DISCOVERY_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.DiscoveryPort = port
		}
	}
	if val := os.Getenv("TALOS_FLEET_INTERFACE"); val != "" {
		c.InterfaceName = val
	}
	if val := os.Getenv("TALOS_FLEET_SSH_USER"); val != "" {
		c.SSH.User = val
	}
	if val := os.Getenv("TALOS_FLEET_SSH_KEY"); val != "" {
		c.SSH.PrivateKeyPath = val
	}
	if val := os.Getenv("TALOS_FLEET_SSH_PORT"); val != "" {
		c.SSH.Port = val
	}
	if val := os.Getenv("TALOS_FLEET_DEV_MODE"); val != "" {
		c.DevelopmentMode = val == "true" || val == "1" || val == "yes"
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	var errs []error

	if c.ISOVolume == "" {
		errs = append(errs, ErrISOVolumeRequired)
	}
	if c.StoragePool == "" {
		errs = append(errs, ErrStoragePoolRequired)
	}
	if _, _, err := net.ParseCIDR(c.SubnetCIDR); err != nil {
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidSubnet, c.SubnetCIDR))
	}
	if c.DiscoveryPort < 1 || c.DiscoveryPort > 65535 {
		errs = append(errs, fmt.Errorf("%w: %d", ErrInvalidPort, c.DiscoveryPort))
	}
	if c.MemoryMB <= 0 || c.Cores <= 0 || c.Sockets <= 0 {
		errs = append(errs, fmt.Errorf("%w: memoryMB=%d cores=%d sockets=%d",
			ErrInvalidShape, c.MemoryMB, c.Cores, c.Sockets))
	}
	if err := c.VMs.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
