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

package inventory_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/alexandremahdhaoui/talosfleet/internal/inventory"
	"github.com/alexandremahdhaoui/talosfleet/internal/types"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAddresser struct {
	macs map[int]string
	errs map[int]error
}

func (f *fakeAddresser) HardwareAddress(_ context.Context, _ string, id int) (string, error) {
	if err := f.errs[id]; err != nil {
		return "", err
	}
	return f.macs[id], nil
}

var testManifest = types.Manifest{
	{ID: 7101, Name: "cp1", Host: "pve1", DiskGB: 30},
	{ID: 7102, Name: "cp2", Host: "pve2", DiskGB: 30},
	{ID: 7201, Name: "w1", Host: "pve1", DiskGB: 60},
}

func TestBuild(t *testing.T) {
	t.Run("joins hardware addresses with discovered identities", func(t *testing.T) {
		driver := &fakeAddresser{
			macs: map[int]string{
				// Hypervisor reports uppercase, node reports lowercase.
				7101: "BC:24:11:F6:1D:2B",
				7102: "bc:24:11:aa:bb:cc",
				7201: "bc:24:11:dd:ee:ff",
			},
			errs: map[int]error{},
		}
		ids := types.IdentityMap{
			ByMAC: map[string]string{
				"bc:24:11:f6:1d:2b": "172.22.40.49",
				"bc:24:11:aa:bb:cc": "172.22.40.50",
				// w1 still installing: no identity confirmed yet.
			},
		}

		correlator := inventory.NewCorrelator(driver, logr.Discard())

		rows, err := correlator.Build(context.Background(), testManifest, ids)
		require.NoError(t, err)

		assert.Equal(t, []types.InventoryRow{
			{ID: 7101, Name: "cp1", MAC: "bc:24:11:f6:1d:2b", IP: "172.22.40.49"},
			{ID: 7102, Name: "cp2", MAC: "bc:24:11:aa:bb:cc", IP: "172.22.40.50"},
			{ID: 7201, Name: "w1", MAC: "bc:24:11:dd:ee:ff", IP: ""},
		}, rows)
	})

	t.Run("empty identity map leaves every IP unresolved", func(t *testing.T) {
		driver := &fakeAddresser{
			macs: map[int]string{7101: "bc:24:11:f6:1d:2b"},
			errs: map[int]error{},
		}

		correlator := inventory.NewCorrelator(driver, logr.Discard())

		rows, err := correlator.Build(context.Background(), testManifest[:1], types.NewIdentityMap())
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "bc:24:11:f6:1d:2b", rows[0].MAC)
		assert.Empty(t, rows[0].IP)
	})

	t.Run("unreadable hardware address still yields a row", func(t *testing.T) {
		driver := &fakeAddresser{
			macs: map[int]string{7102: "bc:24:11:aa:bb:cc"},
			errs: map[int]error{
				7101: errors.New("vm does not exist"),
				7201: errors.New("host unreachable"),
			},
		}

		correlator := inventory.NewCorrelator(driver, logr.Discard())

		rows, err := correlator.Build(context.Background(), testManifest, types.NewIdentityMap())
		require.NoError(t, err)
		require.Len(t, rows, len(testManifest), "one row per manifest entry, no exceptions")

		assert.Empty(t, rows[0].MAC)
		assert.Equal(t, "bc:24:11:aa:bb:cc", rows[1].MAC)
		assert.Empty(t, rows[2].MAC)
	})

	t.Run("cancelled context aborts", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		driver := &fakeAddresser{
			macs: map[int]string{},
			errs: map[int]error{7101: context.Canceled},
		}

		correlator := inventory.NewCorrelator(driver, logr.Discard())

		_, err := correlator.Build(ctx, testManifest, types.NewIdentityMap())
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRender(t *testing.T) {
	rows := []types.InventoryRow{
		{ID: 7101, Name: "cp1", MAC: "bc:24:11:f6:1d:2b", IP: "172.22.40.49"},
		{ID: 7102, Name: "cp2", MAC: "bc:24:11:aa:bb:cc", IP: ""},
		{ID: 7201, Name: "w1", MAC: "", IP: ""},
	}
	ids := types.IdentityMap{
		ByMAC: map[string]string{
			"bc:24:11:f6:1d:2b": "172.22.40.49",
		},
		Probed:    []string{"172.22.40.49", "172.22.40.77"},
		Unmatched: []string{"172.22.40.77"},
	}

	var buf bytes.Buffer
	inventory.Render(&buf, rows, ids)
	out := buf.String()

	assert.Contains(t, out, "VMID")
	assert.Contains(t, out, "cp1")
	assert.Contains(t, out, "172.22.40.49")
	assert.Contains(t, out, "-", "unresolved fields print the absent marker")
	assert.Contains(t, out, "Live addresses on subnet (2):")
	assert.Contains(t, out, "172.22.40.77")
	assert.Contains(t, out, "(unmatched)")
}
