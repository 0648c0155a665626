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

// Package proxmox drives Proxmox hypervisor hosts through qm/pvesm commands
// executed over the remote executor. The hypervisor is the single source of
// truth: nothing observed here is cached between calls.
package proxmox

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/talosfleet/internal/types"
	"github.com/alexandremahdhaoui/talosfleet/internal/util/ssh"
	"github.com/go-logr/logr"
)

var (
	ErrCheckExists        = errors.New("failed to check VM existence")
	ErrCreateVM           = errors.New("failed to create VM")
	ErrAttachEFIDisk      = errors.New("failed to attach EFI disk")
	ErrAttachDisk         = errors.New("failed to attach disk")
	ErrAttachInstallMedia = errors.New("failed to attach install media")
	ErrSetBootOrder       = errors.New("failed to set boot order")
	ErrStartVM            = errors.New("failed to start VM")
	ErrStopVM             = errors.New("failed to stop VM")
	ErrReadConfig         = errors.New("failed to read VM config")
	ErrAssertFirmware     = errors.New("failed to assert UEFI firmware")
)

// Shape is the fixed compute shape every fleet VM is built with.
type Shape struct {
	MemoryMB       int
	Cores          int
	Sockets        int
	CPUType        string
	SCSIController string
	Bridge         string
	VLANTag        int
	ISOVolume      string
	StoragePool    string
	EFIStoragePool string
}

// Driver owns the per-VM lifecycle and the boot-configuration state machine.
// Every operation re-queries the hypervisor; failures during constructive
// steps are fatal for the VM at hand, cleanup steps tolerate "already gone".
type Driver interface {
	// Exists reports whether the VM id is known to the host. Side-effect free.
	Exists(ctx context.Context, host string, id int) (bool, error)
	// Build destroys any prior instance with the same id, then creates and
	// starts a fresh one booting install-media first, disk second.
	Build(ctx context.Context, desc types.VMDescriptor) error
	// SetDiskFirstAndRestart reorders boot to disk first with the install
	// media still attached, then restarts. Intermediate safety transition.
	SetDiskFirstAndRestart(ctx context.Context, host string, id int) error
	// RemoveInstallMediaAndRestart detaches the install media entirely,
	// repairs the UEFI firmware configuration if needed, sets disk-only boot
	// and restarts. Terminal: media cannot return without a full Build.
	RemoveInstallMediaAndRestart(ctx context.Context, host string, id int) error
	// Destroy unlocks, stops and purges the VM. Safe to call on a
	// non-existent or partially-built VM.
	Destroy(ctx context.Context, host string, id int) error
	// HardwareAddress returns the MAC of the primary network interface, or
	// empty when the VM or its interface is absent.
	HardwareAddress(ctx context.Context, host string, id int) (string, error)
	// BootState derives the current boot configuration from the host.
	BootState(ctx context.Context, host string, id int) (types.BootState, error)
}

// NewDriver returns a qm-backed Driver. settleRestart is the pause between a
// forced stop and the subsequent start during boot transitions.
func NewDriver(runners ssh.Factory, shape Shape, settleRestart time.Duration, log logr.Logger) Driver {
	return &driver{
		runners:       runners,
		shape:         shape,
		settleRestart: settleRestart,
		log:           log,
		sleep:         sleepContext,
	}
}

type driver struct {
	runners       ssh.Factory
	shape         Shape
	settleRestart time.Duration
	log           logr.Logger

	// sleep is injectable so tests do not wait out real settle intervals.
	sleep func(ctx context.Context, d time.Duration) error
}

var macRegexp = regexp.MustCompile(`(?i)^([0-9a-f]{2}:){5}[0-9a-f]{2}$`)

// absentFromOutput reports whether a qm failure means "no such VM" rather
// than a genuine error.
func absentFromOutput(err error, stdout, stderr string) bool {
	combined := strings.ToLower(stdout + stderr + err.Error())
	return strings.Contains(combined, "does not exist")
}

// --------------------------------------------- Queries ------------------------------------------------------------ //

func (d *driver) Exists(ctx context.Context, host string, id int) (bool, error) {
	runner := d.runners.Runner(host)

	stdout, stderr, err := runner.Run(ctx, "qm", "status", strconv.Itoa(id))
	if err != nil {
		if absentFromOutput(err, stdout, stderr) {
			return false, nil
		}
		return false, fmt.Errorf("%w: vm %d on host %q: %v (stderr: %s)", ErrCheckExists, id, host, err, stderr)
	}

	return true, nil
}

func (d *driver) HardwareAddress(ctx context.Context, host string, id int) (string, error) {
	cfg, err := d.readConfig(ctx, host, id)
	if err != nil {
		return "", err
	}
	if cfg == nil {
		return "", nil
	}

	return parsePrimaryMAC(cfg["net0"]), nil
}

func (d *driver) BootState(ctx context.Context, host string, id int) (types.BootState, error) {
	cfg, err := d.readConfig(ctx, host, id)
	if err != nil {
		return types.BootStateUnknown, err
	}
	if cfg == nil {
		return types.BootStateUnknown, nil
	}

	_, hasMedia := cfg["ide2"]
	order := parseBootOrder(cfg["boot"])

	switch {
	case len(order) == 0:
		return types.BootStateUnknown, nil
	case !hasMedia:
		return types.BootStateDiskOnly, nil
	case order[0] == "ide2":
		return types.BootStateInstallMedia, nil
	default:
		return types.BootStateDiskPreferred, nil
	}
}

// readConfig fetches and parses `qm config`. A nil map with nil error means
// the VM does not exist.
func (d *driver) readConfig(ctx context.Context, host string, id int) (map[string]string, error) {
	runner := d.runners.Runner(host)

	stdout, stderr, err := runner.Run(ctx, "qm", "config", strconv.Itoa(id))
	if err != nil {
		if absentFromOutput(err, stdout, stderr) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: vm %d on host %q: %v (stderr: %s)", ErrReadConfig, id, host, err, stderr)
	}

	cfg := make(map[string]string)
	for _, line := range strings.Split(stdout, "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		cfg[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	return cfg, nil
}

// parsePrimaryMAC extracts the hardware address from a qm net0 value such as
// "virtio=BC:24:11:F6:1D:2B,bridge=vmbr0,tag=40". Returns empty when no MAC
// is present.
func parsePrimaryMAC(net0 string) string {
	for _, part := range strings.Split(net0, ",") {
		_, value, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		if macRegexp.MatchString(value) {
			return types.NormalizeMAC(value)
		}
	}
	return ""
}

// parseBootOrder extracts device names from a qm boot value such as
// "order=ide2;scsi0".
func parseBootOrder(boot string) []string {
	for _, part := range strings.Split(boot, ",") {
		key, value, found := strings.Cut(part, "=")
		if !found || strings.TrimSpace(key) != "order" {
			continue
		}

		var order []string
		for _, dev := range strings.Split(value, ";") {
			if dev = strings.TrimSpace(dev); dev != "" {
				order = append(order, dev)
			}
		}
		return order
	}
	return nil
}

// --------------------------------------------- Build -------------------------------------------------------------- //

func (d *driver) Build(ctx context.Context, desc types.VMDescriptor) error {
	runner := d.runners.Runner(desc.Host)
	id := strconv.Itoa(desc.ID)

	// Pre-clean any prior instance with the same id. Idempotent: every step
	// tolerates "already gone".
	d.cleanup(ctx, runner, desc.Host, desc.ID)

	net0 := fmt.Sprintf("virtio,bridge=%s", d.shape.Bridge)
	if d.shape.VLANTag > 0 {
		net0 = fmt.Sprintf("%s,tag=%d", net0, d.shape.VLANTag)
	}

	if stdout, stderr, err := runner.Run(ctx,
		"qm", "create", id,
		"--name", desc.Name,
		"--memory", strconv.Itoa(d.shape.MemoryMB),
		"--cores", strconv.Itoa(d.shape.Cores),
		"--sockets", strconv.Itoa(d.shape.Sockets),
		"--cpu", d.shape.CPUType,
		"--scsihw", d.shape.SCSIController,
		"--machine", "q35",
		"--bios", "ovmf",
		"--agent", "enabled=1",
		"--ostype", "l26",
		"--net0", net0,
	); err != nil {
		return d.buildErr(ErrCreateVM, desc, err, stdout, stderr)
	}

	if stdout, stderr, err := runner.Run(ctx,
		"qm", "set", id,
		"--efidisk0", fmt.Sprintf("%s:1,efitype=4m,pre-enrolled-keys=0", d.shape.EFIStoragePool),
	); err != nil {
		return d.buildErr(ErrAttachEFIDisk, desc, err, stdout, stderr)
	}

	if stdout, stderr, err := runner.Run(ctx,
		"qm", "set", id,
		"--scsi0", fmt.Sprintf("%s:%d,iothread=1", d.shape.StoragePool, desc.DiskGB),
	); err != nil {
		return d.buildErr(ErrAttachDisk, desc, err, stdout, stderr)
	}

	if stdout, stderr, err := runner.Run(ctx,
		"qm", "set", id,
		"--ide2", fmt.Sprintf("%s,media=cdrom", d.shape.ISOVolume),
	); err != nil {
		return d.buildErr(ErrAttachInstallMedia, desc, err, stdout, stderr)
	}

	// Install media first, disk second: the first boot runs the installer.
	if stdout, stderr, err := runner.Run(ctx,
		"qm", "set", id, "--boot", "order=ide2;scsi0",
	); err != nil {
		return d.buildErr(ErrSetBootOrder, desc, err, stdout, stderr)
	}

	if stdout, stderr, err := runner.Run(ctx, "qm", "start", id); err != nil {
		return d.buildErr(ErrStartVM, desc, err, stdout, stderr)
	}

	d.log.Info("built VM", "vmid", desc.ID, "name", desc.Name, "host", desc.Host)

	return nil
}

func (d *driver) buildErr(sentinel error, desc types.VMDescriptor, err error, stdout, stderr string) error {
	return fmt.Errorf("%w: vm %d (%s) on host %q: %v (stderr: %s)",
		sentinel, desc.ID, desc.Name, desc.Host, err, strings.TrimSpace(stderr+stdout))
}

// --------------------------------------------- Boot transitions ---------------------------------------------------- //

func (d *driver) SetDiskFirstAndRestart(ctx context.Context, host string, id int) error {
	runner := d.runners.Runner(host)
	vmid := strconv.Itoa(id)

	if _, stderr, err := runner.Run(ctx, "qm", "set", vmid, "--boot", "order=scsi0;ide2"); err != nil {
		return fmt.Errorf("%w: vm %d on host %q: %v (stderr: %s)", ErrSetBootOrder, id, host, err, stderr)
	}

	return d.restart(ctx, runner, host, id)
}

func (d *driver) RemoveInstallMediaAndRestart(ctx context.Context, host string, id int) error {
	runner := d.runners.Runner(host)
	vmid := strconv.Itoa(id)

	// Detach the install media entirely. Tolerated when already detached.
	if _, stderr, err := runner.Run(ctx, "qm", "set", vmid, "--delete", "ide2"); err != nil {
		d.log.V(1).Info("install media already detached", "vmid", id, "host", host, "stderr", stderr)
	}

	// Re-assert UEFI firmware. An install-media boot may have been created
	// before the firmware settings were final.
	if _, stderr, err := runner.Run(ctx, "qm", "set", vmid, "--bios", "ovmf"); err != nil {
		return fmt.Errorf("%w: vm %d on host %q: %v (stderr: %s)", ErrAssertFirmware, id, host, err, stderr)
	}

	// Repair action: a VM without a firmware-variable disk cannot hold the
	// disk-only boot entry across power cycles. Add one if absent.
	cfg, err := d.readConfig(ctx, host, id)
	if err != nil {
		return err
	}
	if _, ok := cfg["efidisk0"]; !ok {
		if _, stderr, err := runner.Run(ctx,
			"qm", "set", vmid,
			"--efidisk0", fmt.Sprintf("%s:1,efitype=4m,pre-enrolled-keys=0", d.shape.EFIStoragePool),
		); err != nil {
			return fmt.Errorf("%w: vm %d on host %q: %v (stderr: %s)", ErrAttachEFIDisk, id, host, err, stderr)
		}
		d.log.Info("added missing EFI variable disk", "vmid", id, "host", host)
	}

	if _, stderr, err := runner.Run(ctx, "qm", "set", vmid, "--boot", "order=scsi0"); err != nil {
		return fmt.Errorf("%w: vm %d on host %q: %v (stderr: %s)", ErrSetBootOrder, id, host, err, stderr)
	}

	if err := d.restart(ctx, runner, host, id); err != nil {
		return err
	}

	d.log.Info("VM is now disk-only boot", "vmid", id, "host", host)

	return nil
}

// restart force-stops the VM, waits the settle interval and starts it again.
func (d *driver) restart(ctx context.Context, runner ssh.Runner, host string, id int) error {
	vmid := strconv.Itoa(id)

	// Stop may fail when the VM is already stopped.
	if _, stderr, err := runner.Run(ctx, "qm", "stop", vmid); err != nil {
		d.log.V(1).Info("stop before restart failed", "vmid", id, "host", host, "stderr", stderr)
	}

	if err := d.sleep(ctx, d.settleRestart); err != nil {
		return err
	}

	if _, stderr, err := runner.Run(ctx, "qm", "start", vmid); err != nil {
		return fmt.Errorf("%w: vm %d on host %q: %v (stderr: %s)", ErrStartVM, id, host, err, stderr)
	}

	return nil
}

// --------------------------------------------- Destroy ------------------------------------------------------------ //

func (d *driver) Destroy(ctx context.Context, host string, id int) error {
	runner := d.runners.Runner(host)
	d.cleanup(ctx, runner, host, id)
	return ctx.Err()
}

// cleanup is the idempotent unlock/stop/purge chain shared by Destroy and
// the Build pre-clean. Every step declares an ignore-failure policy: a VM
// that is already unlocked, stopped or gone is the desired outcome.
func (d *driver) cleanup(ctx context.Context, runner ssh.Runner, host string, id int) {
	vmid := strconv.Itoa(id)

	steps := []struct {
		name string
		cmd  []string
	}{
		{"unlock", []string{"qm", "unlock", vmid}},
		{"stop", []string{"qm", "stop", vmid}},
		{"destroy", []string{"qm", "destroy", vmid, "--purge", "--destroy-unreferenced-disks", "1"}},
	}

	for _, step := range steps {
		if _, stderr, err := runner.Run(ctx, step.cmd...); err != nil {
			d.log.V(1).Info("cleanup step tolerated failure",
				"step", step.name, "vmid", id, "host", host, "stderr", strings.TrimSpace(stderr))
		}
	}
}

// sleepContext waits the fixed duration or until the context is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
