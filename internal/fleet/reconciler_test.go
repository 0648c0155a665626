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

//go:build unit

package fleet_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/alexandremahdhaoui/talosfleet/internal/config"
	"github.com/alexandremahdhaoui/talosfleet/internal/fleet"
	"github.com/alexandremahdhaoui/talosfleet/internal/types"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------- Fakes --------------------------------------------------------------- //

type fakeDriver struct {
	calls []string

	existing   map[int]bool
	macs       map[int]string
	existsErr  map[int]error
	buildErr   map[int]error
	destroyErr map[int]error
	removeErr  map[int]error
	setDiskErr map[int]error
	macErr     map[int]error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		existing:   map[int]bool{},
		macs:       map[int]string{},
		existsErr:  map[int]error{},
		buildErr:   map[int]error{},
		destroyErr: map[int]error{},
		removeErr:  map[int]error{},
		setDiskErr: map[int]error{},
		macErr:     map[int]error{},
	}
}

func (d *fakeDriver) record(format string, args ...any) {
	d.calls = append(d.calls, fmt.Sprintf(format, args...))
}

func (d *fakeDriver) Exists(_ context.Context, host string, id int) (bool, error) {
	d.record("exists %s/%d", host, id)
	return d.existing[id], d.existsErr[id]
}

func (d *fakeDriver) Build(_ context.Context, desc types.VMDescriptor) error {
	d.record("build %s/%d", desc.Host, desc.ID)
	return d.buildErr[desc.ID]
}

func (d *fakeDriver) SetDiskFirstAndRestart(_ context.Context, host string, id int) error {
	d.record("set-disk-first %s/%d", host, id)
	return d.setDiskErr[id]
}

func (d *fakeDriver) RemoveInstallMediaAndRestart(_ context.Context, host string, id int) error {
	d.record("remove-install-media %s/%d", host, id)
	return d.removeErr[id]
}

func (d *fakeDriver) Destroy(_ context.Context, host string, id int) error {
	d.record("destroy %s/%d", host, id)
	return d.destroyErr[id]
}

func (d *fakeDriver) HardwareAddress(_ context.Context, host string, id int) (string, error) {
	d.record("mac %s/%d", host, id)
	return d.macs[id], d.macErr[id]
}

func (d *fakeDriver) BootState(_ context.Context, host string, id int) (types.BootState, error) {
	d.record("boot-state %s/%d", host, id)
	return types.BootStateUnknown, nil
}

type fakeChecker struct {
	calls []string
	errs  map[string]error
}

func (c *fakeChecker) Check(_ context.Context, host string) error {
	c.calls = append(c.calls, host)
	return c.errs[host]
}

type fakeMapper struct {
	calls int
	ids   types.IdentityMap
	err   error
}

func (m *fakeMapper) BuildIdentityMap(context.Context, string, int) (types.IdentityMap, error) {
	m.calls++
	return m.ids, m.err
}

type fakeCorrelator struct {
	calls int
	rows  []types.InventoryRow
	err   error
}

func (c *fakeCorrelator) Build(context.Context, types.Manifest, types.IdentityMap) ([]types.InventoryRow, error) {
	c.calls++
	return c.rows, c.err
}

// --------------------------------------------- Harness ------------------------------------------------------------- //

type harness struct {
	driver     *fakeDriver
	checker    *fakeChecker
	mapper     *fakeMapper
	correlator *fakeCorrelator
	out        *bytes.Buffer
	reconciler *fleet.Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := config.NewDefaultConfig()
	cfg.ISOVolume = "local:iso/metal-amd64.iso"
	cfg.StoragePool = "tank"
	cfg.EFIStoragePool = "tank"
	cfg.VMs = types.Manifest{
		{ID: 7101, Name: "cp1", Host: "pve1", DiskGB: 30},
		{ID: 7102, Name: "cp2", Host: "pve2", DiskGB: 30},
		{ID: 7201, Name: "w1", Host: "pve1", DiskGB: 60},
	}
	// Settle windows collapse so tests never wait.
	cfg.SettleCreate = 0
	cfg.SettleRemoveISO = 0
	require.NoError(t, cfg.Validate())

	h := &harness{
		driver:     newFakeDriver(),
		checker:    &fakeChecker{errs: map[string]error{}},
		mapper:     &fakeMapper{ids: types.NewIdentityMap()},
		correlator: &fakeCorrelator{},
		out:        &bytes.Buffer{},
	}
	h.reconciler = fleet.New(cfg, h.checker, h.driver, h.mapper, h.correlator, h.out, logr.Discard())

	return h
}

// --------------------------------------------- Tests --------------------------------------------------------------- //

func TestCreate(t *testing.T) {
	t.Run("builds every missing VM then audits", func(t *testing.T) {
		h := newHarness(t)

		summary, err := h.reconciler.Create(context.Background())
		require.NoError(t, err)
		assert.False(t, summary.Failed())

		assert.Equal(t, []string{
			"exists pve1/7101", "build pve1/7101",
			"exists pve2/7102", "build pve2/7102",
			"exists pve1/7201", "build pve1/7201",
		}, h.driver.calls)

		assert.Equal(t, 1, h.mapper.calls)
		assert.Equal(t, 1, h.correlator.calls)
		assert.Contains(t, h.out.String(), "VMID")
	})

	t.Run("is idempotent for existing VMs", func(t *testing.T) {
		h := newHarness(t)
		h.driver.existing[7101] = true
		h.driver.existing[7102] = true
		h.driver.existing[7201] = true

		summary, err := h.reconciler.Create(context.Background())
		require.NoError(t, err)
		assert.False(t, summary.Failed())

		for _, call := range h.driver.calls {
			assert.NotContains(t, call, "build")
		}
	})

	t.Run("runs preflight once per host", func(t *testing.T) {
		h := newHarness(t)

		_, err := h.reconciler.Create(context.Background())
		require.NoError(t, err)

		// pve1 owns two VMs but is checked once.
		assert.Equal(t, []string{"pve1", "pve2"}, h.checker.calls)
	})

	t.Run("one failed VM does not abort the others", func(t *testing.T) {
		h := newHarness(t)
		h.driver.buildErr[7102] = errors.New("qm create: exit status 1")

		summary, err := h.reconciler.Create(context.Background())
		require.NoError(t, err)

		require.Len(t, summary.Failures, 1)
		assert.Equal(t, 7102, summary.Failures[0].ID)
		assert.Equal(t, "cp2", summary.Failures[0].Name)
		assert.Contains(t, h.driver.calls, "build pve1/7201", "remaining VMs still build")

		require.Error(t, summary.Err())
		assert.Contains(t, summary.Err().Error(), "cp2")
	})

	t.Run("preflight failure fails that host's VMs only", func(t *testing.T) {
		h := newHarness(t)
		h.checker.errs["pve1"] = errors.New("no such volume")

		summary, err := h.reconciler.Create(context.Background())
		require.NoError(t, err)

		require.Len(t, summary.Failures, 2)
		assert.Equal(t, 7101, summary.Failures[0].ID)
		assert.Equal(t, 7201, summary.Failures[1].ID)

		// The cached result is replayed, not re-checked.
		assert.Equal(t, []string{"pve1", "pve2"}, h.checker.calls)
		assert.Contains(t, h.driver.calls, "build pve2/7102")
	})

	t.Run("cancelled context aborts the run", func(t *testing.T) {
		h := newHarness(t)
		ctx, cancel := context.WithCancel(context.Background())
		h.checker.errs["pve1"] = context.Canceled
		cancel()

		_, err := h.reconciler.Create(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestReplace(t *testing.T) {
	t.Run("destroys everything before building anything", func(t *testing.T) {
		h := newHarness(t)

		summary, err := h.reconciler.Replace(context.Background())
		require.NoError(t, err)
		assert.False(t, summary.Failed())

		assert.Equal(t, []string{
			"destroy pve1/7101", "destroy pve2/7102", "destroy pve1/7201",
			"build pve1/7101", "build pve2/7102", "build pve1/7201",
		}, h.driver.calls)
		assert.Equal(t, 1, h.mapper.calls)
	})

	t.Run("destroy failure does not block the rebuild of other VMs", func(t *testing.T) {
		h := newHarness(t)
		h.driver.destroyErr[7101] = errors.New("unable to destroy")

		summary, err := h.reconciler.Replace(context.Background())
		require.NoError(t, err)

		require.Len(t, summary.Failures, 1)
		assert.Equal(t, 7101, summary.Failures[0].ID)
		assert.Contains(t, h.driver.calls, "build pve2/7102")
	})
}

func TestDelete(t *testing.T) {
	t.Run("destroys every VM without auditing", func(t *testing.T) {
		h := newHarness(t)

		summary, err := h.reconciler.Delete(context.Background())
		require.NoError(t, err)
		assert.False(t, summary.Failed())

		assert.Equal(t, []string{
			"destroy pve1/7101", "destroy pve2/7102", "destroy pve1/7201",
		}, h.driver.calls)
		assert.Zero(t, h.mapper.calls)
		assert.Empty(t, h.out.String())
	})

	t.Run("continues past a failed destroy", func(t *testing.T) {
		h := newHarness(t)
		h.driver.destroyErr[7101] = errors.New("timeout waiting for lock")

		summary, err := h.reconciler.Delete(context.Background())
		require.NoError(t, err)

		require.Len(t, summary.Failures, 1)
		assert.Contains(t, h.driver.calls, "destroy pve2/7102")
		assert.Contains(t, h.driver.calls, "destroy pve1/7201")
	})
}

func TestRemoveInstallMedia(t *testing.T) {
	t.Run("warns, transitions every VM, then audits", func(t *testing.T) {
		h := newHarness(t)

		summary, err := h.reconciler.RemoveInstallMedia(context.Background())
		require.NoError(t, err)
		assert.False(t, summary.Failed())

		out := h.out.String()
		assert.Contains(t, out, "WARNING")
		assert.Less(t, len(fleet.RemoveInstallMediaWarning), len(out), "audit output follows the warning")

		assert.Equal(t, []string{
			"remove-install-media pve1/7101",
			"remove-install-media pve2/7102",
			"remove-install-media pve1/7201",
		}, h.driver.calls)
		assert.Equal(t, 1, h.mapper.calls)
	})

	t.Run("contains per-VM transition failures", func(t *testing.T) {
		h := newHarness(t)
		h.driver.removeErr[7102] = errors.New("efidisk0 missing")

		summary, err := h.reconciler.RemoveInstallMedia(context.Background())
		require.NoError(t, err)

		require.Len(t, summary.Failures, 1)
		assert.Equal(t, 7102, summary.Failures[0].ID)
		assert.Contains(t, h.driver.calls, "remove-install-media pve1/7201")
	})
}

func TestBootDiskFirst(t *testing.T) {
	h := newHarness(t)

	summary, err := h.reconciler.BootDiskFirst(context.Background())
	require.NoError(t, err)
	assert.False(t, summary.Failed())

	assert.Equal(t, []string{
		"set-disk-first pve1/7101",
		"set-disk-first pve2/7102",
		"set-disk-first pve1/7201",
	}, h.driver.calls)
	assert.Zero(t, h.mapper.calls, "no audit after the manual transition")
}

func TestAudit(t *testing.T) {
	t.Run("renders discovery output", func(t *testing.T) {
		h := newHarness(t)
		h.mapper.ids = types.IdentityMap{
			ByMAC:  map[string]string{"bc:24:11:f6:1d:2b": "172.22.40.49"},
			Probed: []string{"172.22.40.49"},
		}
		h.correlator.rows = []types.InventoryRow{
			{ID: 7101, Name: "cp1", MAC: "bc:24:11:f6:1d:2b", IP: "172.22.40.49"},
		}

		require.NoError(t, h.reconciler.Audit(context.Background()))

		out := h.out.String()
		assert.Contains(t, out, "cp1")
		assert.Contains(t, out, "172.22.40.49")
	})

	t.Run("propagates discovery failure", func(t *testing.T) {
		h := newHarness(t)
		h.mapper.err = errors.New("invalid subnet")

		err := h.reconciler.Audit(context.Background())
		require.Error(t, err)
		assert.Zero(t, h.correlator.calls)
	})
}
