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

package discovery

import (
	"context"

	"github.com/alexandremahdhaoui/talosfleet/internal/types"
	"github.com/go-logr/logr"
)

// Mapper builds the hardware-address to IP identity map for one invocation.
type Mapper interface {
	BuildIdentityMap(ctx context.Context, subnet string, port int) (types.IdentityMap, error)
}

// NewEngine returns a Mapper combining the prober and the confirmer.
func NewEngine(prober Prober, confirmer Confirmer, log logr.Logger) Mapper {
	return &engine{
		prober:    prober,
		confirmer: confirmer,
		log:       log,
	}
}

type engine struct {
	prober    Prober
	confirmer Confirmer
	log       logr.Logger
}

// BuildIdentityMap implements Mapper. Unconfirmable addresses are dropped
// from the map but retained in Unmatched for auditing; confirmation is
// sequential so per-node log lines stay in probe order.
func (e *engine) BuildIdentityMap(ctx context.Context, subnet string, port int) (types.IdentityMap, error) {
	ids := types.NewIdentityMap()

	probed, err := e.prober.Probe(ctx, subnet, port)
	if err != nil {
		return ids, err
	}
	ids.Probed = probed

	e.log.Info("probed subnet", "subnet", subnet, "port", port, "live", len(probed))

	for _, ip := range probed {
		mac, err := e.confirmer.ConfirmIdentity(ctx, ip)
		if err != nil {
			return ids, err
		}
		if mac == "" {
			ids.Unmatched = append(ids.Unmatched, ip)
			continue
		}

		if existing, ok := ids.ByMAC[mac]; ok {
			// Expected 1:1; a duplicate is a stale or racing node. First
			// confirmation wins, the newcomer stays auditable.
			e.log.Info("duplicate hardware address during discovery",
				"mac", mac, "kept", existing, "dropped", ip)
			ids.Unmatched = append(ids.Unmatched, ip)
			continue
		}

		ids.ByMAC[mac] = ip
	}

	return ids, nil
}
