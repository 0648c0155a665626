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

// Package fleet reconciles the fixed VM manifest against the hypervisor
// hosts. Each fleet member is independently failable: a failure aborts that
// VM's step chain and is surfaced in the final summary, never the run.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/alexandremahdhaoui/talosfleet/internal/config"
	"github.com/alexandremahdhaoui/talosfleet/internal/discovery"
	"github.com/alexandremahdhaoui/talosfleet/internal/inventory"
	"github.com/alexandremahdhaoui/talosfleet/internal/proxmox"
	"github.com/alexandremahdhaoui/talosfleet/internal/types"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// VMFailure records one fleet member's reconciliation failure.
type VMFailure struct {
	ID   int
	Name string
	Host string
	Err  error
}

func (f VMFailure) String() string {
	return fmt.Sprintf("vm %d (%s) on host %q: %v", f.ID, f.Name, f.Host, f.Err)
}

// Summary aggregates per-VM failures of one reconciliation run.
type Summary struct {
	Failures []VMFailure
}

// Failed reports whether any fleet member failed.
func (s Summary) Failed() bool { return len(s.Failures) > 0 }

// Err returns the joined per-VM errors, or nil.
func (s Summary) Err() error {
	errs := make([]error, 0, len(s.Failures))
	for _, f := range s.Failures {
		errs = append(errs, errors.New(f.String()))
	}
	return errors.Join(errs...)
}

// Reconciler drives the fleet verbs. It holds no mutable state besides the
// per-run summary; the hypervisor hosts are re-queried on every invocation.
type Reconciler struct {
	cfg        *config.Config
	preflight  proxmox.Checker
	driver     proxmox.Driver
	mapper     discovery.Mapper
	correlator inventory.Builder
	out        io.Writer
	log        logr.Logger

	// sleep is injectable so tests do not wait out real settle windows.
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a Reconciler. Output tables go to out; logs carry a per-run
// id so interleaved host logs from one invocation correlate.
func New(
	cfg *config.Config,
	preflight proxmox.Checker,
	driver proxmox.Driver,
	mapper discovery.Mapper,
	correlator inventory.Builder,
	out io.Writer,
	log logr.Logger,
) *Reconciler {
	return &Reconciler{
		cfg:        cfg,
		preflight:  preflight,
		driver:     driver,
		mapper:     mapper,
		correlator: correlator,
		out:        out,
		log:        log.WithValues("run", uuid.NewString()),
		sleep:      sleepContext,
	}
}

// --------------------------------------------- Verbs --------------------------------------------------------------- //

// Create builds every manifest VM that does not exist yet, then settles and
// audits. Running it twice with no manifest change builds nothing the second
// time.
func (r *Reconciler) Create(ctx context.Context) (Summary, error) {
	var summary Summary
	preflights := newPreflightCache(r.preflight)

	for _, desc := range r.cfg.VMs {
		if err := r.createOne(ctx, preflights, desc); err != nil {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			summary.record(&r.log, desc, err)
		}
	}

	if err := r.settleAndAudit(ctx, r.cfg.SettleCreate.Std()); err != nil {
		return summary, err
	}

	return summary, nil
}

func (r *Reconciler) createOne(ctx context.Context, preflights *preflightCache, desc types.VMDescriptor) error {
	if err := preflights.check(ctx, desc.Host); err != nil {
		return err
	}

	exists, err := r.driver.Exists(ctx, desc.Host, desc.ID)
	if err != nil {
		return err
	}
	if exists {
		r.log.Info("VM already exists, skipping", "vmid", desc.ID, "name", desc.Name, "host", desc.Host)
		return nil
	}

	return r.driver.Build(ctx, desc)
}

// Replace destroys every manifest VM, then rebuilds all of them. Destructive
// and irreversible: disks are wiped. All destroys complete before any build
// starts, avoiding resource-id conflicts on shared storage.
func (r *Reconciler) Replace(ctx context.Context) (Summary, error) {
	var summary Summary

	for _, desc := range r.cfg.VMs {
		if err := r.driver.Destroy(ctx, desc.Host, desc.ID); err != nil {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			summary.record(&r.log, desc, err)
		}
	}

	preflights := newPreflightCache(r.preflight)

	for _, desc := range r.cfg.VMs {
		err := func() error {
			if err := preflights.check(ctx, desc.Host); err != nil {
				return err
			}
			return r.driver.Build(ctx, desc)
		}()
		if err != nil {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			summary.record(&r.log, desc, err)
		}
	}

	if err := r.settleAndAudit(ctx, r.cfg.SettleCreate.Std()); err != nil {
		return summary, err
	}

	return summary, nil
}

// Delete destroys every manifest VM. No settle wait, no audit.
func (r *Reconciler) Delete(ctx context.Context) (Summary, error) {
	var summary Summary

	for _, desc := range r.cfg.VMs {
		if err := r.driver.Destroy(ctx, desc.Host, desc.ID); err != nil {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			summary.record(&r.log, desc, err)
		}
	}

	return summary, nil
}

// RemoveInstallMediaWarning is printed before the terminal boot transition.
const RemoveInstallMediaWarning = `WARNING: removing the install media is destructive to any configuration
that has not been applied yet. Every node must have received its machine
config while in install-media (maintenance) mode before running this:
a node that boots from install media afterwards would regenerate its
cryptographic identity and discard everything applied so far.`

// RemoveInstallMedia drives every manifest VM to disk-only boot, the
// terminal state required before bootstrapping the cluster.
func (r *Reconciler) RemoveInstallMedia(ctx context.Context) (Summary, error) {
	var summary Summary

	fmt.Fprintln(r.out, RemoveInstallMediaWarning)

	for _, desc := range r.cfg.VMs {
		if err := r.driver.RemoveInstallMediaAndRestart(ctx, desc.Host, desc.ID); err != nil {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			summary.record(&r.log, desc, err)
		}
	}

	if err := r.settleAndAudit(ctx, r.cfg.SettleRemoveISO.Std()); err != nil {
		return summary, err
	}

	return summary, nil
}

// BootDiskFirst applies the intermediate transition: disk first in the boot
// order, install media still attached. A manual escape hatch, not part of
// the normal create/remove-install-media flow.
func (r *Reconciler) BootDiskFirst(ctx context.Context) (Summary, error) {
	var summary Summary

	for _, desc := range r.cfg.VMs {
		if err := r.driver.SetDiskFirstAndRestart(ctx, desc.Host, desc.ID); err != nil {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			summary.record(&r.log, desc, err)
		}
	}

	return summary, nil
}

// Audit discovers live network identities and prints the inventory tables.
func (r *Reconciler) Audit(ctx context.Context) error {
	ids, err := r.mapper.BuildIdentityMap(ctx, r.cfg.SubnetCIDR, r.cfg.DiscoveryPort)
	if err != nil {
		return err
	}

	rows, err := r.correlator.Build(ctx, r.cfg.VMs, ids)
	if err != nil {
		return err
	}

	inventory.Render(r.out, rows, ids)

	return nil
}

// --------------------------------------------- Helpers ------------------------------------------------------------- //

func (r *Reconciler) settleAndAudit(ctx context.Context, settle time.Duration) error {
	r.log.Info("waiting for fleet to settle", "duration", settle.String())
	if err := r.sleep(ctx, settle); err != nil {
		return err
	}

	return r.Audit(ctx)
}

func (s *Summary) record(log *logr.Logger, desc types.VMDescriptor, err error) {
	failure := VMFailure{ID: desc.ID, Name: desc.Name, Host: desc.Host, Err: err}
	log.Error(err, "fleet member reconciliation failed",
		"vmid", desc.ID, "name", desc.Name, "host", desc.Host)
	s.Failures = append(s.Failures, failure)
}

// preflightCache runs each host's preflight at most once per invocation and
// replays the result for every VM on that host.
type preflightCache struct {
	checker proxmox.Checker
	results map[string]error
}

func newPreflightCache(checker proxmox.Checker) *preflightCache {
	return &preflightCache{
		checker: checker,
		results: make(map[string]error),
	}
}

func (c *preflightCache) check(ctx context.Context, host string) error {
	if err, ok := c.results[host]; ok {
		return err
	}

	err := c.checker.Check(ctx, host)
	c.results[host] = err
	return err
}

// sleepContext waits the fixed settle duration or until the context is
// cancelled. Fixed-duration by design: simplicity over readiness polling.
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
