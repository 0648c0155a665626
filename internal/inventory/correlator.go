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

// Package inventory joins the hypervisor's hardware-address records with the
// discovery engine's identity map into a human-auditable table.
package inventory

import (
	"context"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"

	"github.com/alexandremahdhaoui/talosfleet/internal/types"
	"github.com/go-logr/logr"
)

// absentMarker is printed for a MAC or IP that is not resolvable right now.
const absentMarker = "-"

// HardwareAddresser is the slice of the lifecycle driver the correlator
// needs: the per-VM hardware address as recorded by the hypervisor.
type HardwareAddresser interface {
	HardwareAddress(ctx context.Context, host string, id int) (string, error)
}

// Builder produces one inventory row per manifest entry, fresh on every
// call.
type Builder interface {
	Build(ctx context.Context, manifest types.Manifest, ids types.IdentityMap) ([]types.InventoryRow, error)
}

// NewCorrelator returns a Builder reading hardware addresses through the
// given driver.
func NewCorrelator(driver HardwareAddresser, log logr.Logger) Builder {
	return &correlator{
		driver: driver,
		log:    log,
	}
}

type correlator struct {
	driver HardwareAddresser
	log    logr.Logger
}

// Build implements Builder. It always emits exactly one row per descriptor:
// a VM whose hardware address cannot be read (offline, never built) gets an
// absent MAC, and a MAC with no identity-map entry gets an absent IP.
func (c *correlator) Build(ctx context.Context, manifest types.Manifest, ids types.IdentityMap) ([]types.InventoryRow, error) {
	rows := make([]types.InventoryRow, 0, len(manifest))

	for _, desc := range manifest {
		row := types.InventoryRow{ID: desc.ID, Name: desc.Name}

		mac, err := c.driver.HardwareAddress(ctx, desc.Host, desc.ID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			c.log.Info("could not read hardware address",
				"vmid", desc.ID, "name", desc.Name, "host", desc.Host, "err", err.Error())
		}

		if mac != "" {
			row.MAC = types.NormalizeMAC(mac)
			if ip, ok := ids.Lookup(mac); ok {
				row.IP = ip
			}
		}

		rows = append(rows, row)
	}

	return rows, nil
}

// Render writes the two audit tables: the fleet inventory and the full list
// of live addresses found on the subnet, independent of correlation.
func Render(w io.Writer, rows []types.InventoryRow, ids types.IdentityMap) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "VMID\tNAME\tMAC\tIP")
	for _, row := range rows {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n",
			row.ID, row.Name, orAbsent(row.MAC), orAbsent(row.IP))
	}
	_ = tw.Flush()

	fmt.Fprintf(w, "\nLive addresses on subnet (%d):\n", len(ids.Probed))
	for _, ip := range ids.Probed {
		marker := ""
		if slices.Contains(ids.Unmatched, ip) {
			marker = "\t(unmatched)"
		}
		fmt.Fprintf(w, "  %s%s\n", ip, marker)
	}
}

func orAbsent(s string) string {
	if s == "" {
		return absentMarker
	}
	return s
}
