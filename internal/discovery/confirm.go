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
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/talosfleet/internal/types"
	"github.com/alexandremahdhaoui/talosfleet/internal/util/ssh"
	"github.com/go-logr/logr"
)

// Confirmer resolves a live node's hardware address over the insecure
// bootstrap-mode channel. An empty result with a nil error means "not yet
// ready": a node still installing, mid-reboot or not a fleet member at all.
type Confirmer interface {
	ConfirmIdentity(ctx context.Context, ip string) (string, error)
}

// NewTalosConfirmer returns a Confirmer that runs talosctl through the given
// (local) Runner and extracts the hardware address of the named interface
// from the node's link table.
func NewTalosConfirmer(runner ssh.Runner, interfaceName string, timeout time.Duration, log logr.Logger) Confirmer {
	return &talosConfirmer{
		runner:        runner,
		interfaceName: interfaceName,
		timeout:       timeout,
		log:           log,
	}
}

type talosConfirmer struct {
	runner        ssh.Runner
	interfaceName string
	timeout       time.Duration
	log           logr.Logger
}

// linkDocument is the subset of a talosctl link resource the confirmer
// reads. `talosctl get links -o json` emits one JSON document per link.
type linkDocument struct {
	Metadata struct {
		ID string `json:"id"`
	} `json:"metadata"`
	Spec struct {
		Type         string `json:"type"`
		HardwareAddr string `json:"hardwareAddr"`
	} `json:"spec"`
}

func (c *talosConfirmer) ConfirmIdentity(ctx context.Context, ip string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stdout, stderr, err := c.runner.Run(ctx,
		"talosctl",
		"--nodes", ip,
		"--endpoints", ip,
		"get", "links",
		"--insecure",
		"--output", "json",
	)
	if err != nil {
		// Silence, not error: the node is simply not confirmable yet.
		c.log.V(1).Info("identity confirmation failed", "ip", ip, "err", err.Error(), "stderr", strings.TrimSpace(stderr))
		return "", nil
	}

	mac := extractMAC(stdout, c.interfaceName)
	if mac == "" {
		c.log.V(1).Info("no confirmable hardware address", "ip", ip, "interface", c.interfaceName)
	}

	return mac, nil
}

// extractMAC decodes the concatenated JSON documents and returns the
// hardware address of the named interface, falling back to the first
// ethernet link carrying one. Parse failures yield an empty string.
func extractMAC(output, interfaceName string) string {
	decoder := json.NewDecoder(strings.NewReader(output))

	fallback := ""
	for {
		var doc linkDocument
		if err := decoder.Decode(&doc); err != nil {
			if err == io.EOF {
				break
			}
			return ""
		}

		if doc.Spec.HardwareAddr == "" {
			continue
		}

		if doc.Metadata.ID == interfaceName {
			return types.NormalizeMAC(doc.Spec.HardwareAddr)
		}
		if fallback == "" && doc.Spec.Type == "ether" {
			fallback = types.NormalizeMAC(doc.Spec.HardwareAddr)
		}
	}

	return fallback
}
