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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/alexandremahdhaoui/talosfleet/internal/config"
	"github.com/alexandremahdhaoui/talosfleet/internal/discovery"
	"github.com/alexandremahdhaoui/talosfleet/internal/fleet"
	"github.com/alexandremahdhaoui/talosfleet/internal/inventory"
	"github.com/alexandremahdhaoui/talosfleet/internal/proxmox"
	"github.com/alexandremahdhaoui/talosfleet/internal/util/logging"
	"github.com/alexandremahdhaoui/talosfleet/internal/util/ssh"
)

const Name = "talosfleet"

var (
	Version        = "dev" //nolint:gochecknoglobals // set by ldflags
	CommitSHA      = "n/a" //nolint:gochecknoglobals // set by ldflags
	BuildTimestamp = "n/a" //nolint:gochecknoglobals // set by ldflags
)

const usageText = `Usage: talosfleet [flags] <verb>

Verbs:
  create           build every manifest VM that does not exist yet
  replace          destroy and rebuild the whole fleet (wipes disks)
  delete           destroy the whole fleet
  network          probe the subnet and print the fleet inventory
  remove-iso       detach install media and force disk-only boot (terminal)
  boot-disk-first  reorder boot to disk first, install media still attached

Flags:
`

func usage() {
	fmt.Fprint(os.Stderr, usageText)
	pflag.PrintDefaults()
}

func main() {
	var (
		configPath  string
		envFile     string
		development bool

		isoVolume   string
		storagePool string
		subnetCIDR  string
		bridge      string
	)

	pflag.StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	pflag.StringVar(&envFile, "env-file", "", "path to an env file with TALOS_FLEET_* variables")
	pflag.BoolVar(&development, "dev", false, "development mode logging (text, debug)")
	pflag.StringVar(&isoVolume, "iso", "", "install media volume id (overrides config)")
	pflag.StringVar(&storagePool, "storage-pool", "", "storage pool for VM disks (overrides config)")
	pflag.StringVar(&subnetCIDR, "subnet", "", "subnet CIDR probed during discovery (overrides config)")
	pflag.StringVar(&bridge, "bridge", "", "network bridge (overrides config)")
	pflag.Usage = usage
	pflag.Parse()

	if pflag.NArg() != 1 {
		usage()
		os.Exit(2)
	}
	verb := pflag.Arg(0)

	// --------------------------------------------- Config --------------------------------------------------------- //

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			fmt.Fprintf(os.Stderr, "loading env file %s: %v\n", envFile, err)
			os.Exit(2)
		}
	} else {
		_ = godotenv.Load() // optional ./.env
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	if isoVolume != "" {
		cfg.ISOVolume = isoVolume
	}
	if storagePool != "" {
		cfg.StoragePool = storagePool
	}
	if subnetCIDR != "" {
		cfg.SubnetCIDR = subnetCIDR
	}
	if bridge != "" {
		cfg.Bridge = bridge
	}
	if development {
		cfg.DevelopmentMode = true
	}

	// --------------------------------------------- Logging -------------------------------------------------------- //

	logOpts := logging.DefaultOptions()
	if cfg.DevelopmentMode {
		logOpts.Development = true
		logOpts.Level = slog.LevelDebug
	}
	log := logging.Setup(logOpts)

	slog.Info("starting", "binary", Name, "version", Version, "commit", CommitSHA, "built", BuildTimestamp)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	// --------------------------------------------- Remote executor ------------------------------------------------ //

	runners, err := ssh.NewClientFactory(cfg.SSH.User, cfg.SSH.PrivateKeyPath, cfg.SSH.Port)
	if err != nil {
		slog.Error("creating SSH client factory", "error", err.Error())
		os.Exit(1)
	}

	local := ssh.NewLocalRunner()

	// --------------------------------------------- Components ----------------------------------------------------- //

	preflight := proxmox.NewChecker(runners, cfg.ISOVolume, cfg.StoragePool, cfg.Bridge)

	driver := proxmox.NewDriver(runners, proxmox.Shape{
		MemoryMB:       cfg.MemoryMB,
		Cores:          cfg.Cores,
		Sockets:        cfg.Sockets,
		CPUType:        cfg.CPUType,
		SCSIController: cfg.SCSIController,
		Bridge:         cfg.Bridge,
		VLANTag:        cfg.VLANTag,
		ISOVolume:      cfg.ISOVolume,
		StoragePool:    cfg.StoragePool,
		EFIStoragePool: cfg.EFIStoragePool,
	}, cfg.SettleRestart.Std(), log)

	prober := discovery.NewProber()
	confirmer := discovery.NewTalosConfirmer(local, cfg.InterfaceName, cfg.ConfirmTimeout.Std(), log)
	mapper := discovery.NewEngine(prober, confirmer, log)

	correlator := inventory.NewCorrelator(driver, log)

	reconciler := fleet.New(cfg, preflight, driver, mapper, correlator, os.Stdout, log)

	// --------------------------------------------- Run ------------------------------------------------------------ //

	var summary fleet.Summary

	switch verb {
	case "create":
		summary, err = reconciler.Create(ctx)
	case "replace":
		summary, err = reconciler.Replace(ctx)
	case "delete":
		summary, err = reconciler.Delete(ctx)
	case "network":
		err = reconciler.Audit(ctx)
	case "remove-iso", "remove_iso":
		summary, err = reconciler.RemoveInstallMedia(ctx)
	case "boot-disk-first":
		summary, err = reconciler.BootDiskFirst(ctx)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		slog.Error("fatal error", "verb", verb, "error", err.Error())
		os.Exit(1)
	}

	if summary.Failed() {
		fmt.Fprintf(os.Stderr, "\n%d fleet member(s) failed:\n", len(summary.Failures))
		for _, failure := range summary.Failures {
			fmt.Fprintf(os.Stderr, "  %s\n", failure.String())
		}
		os.Exit(1)
	}

	slog.Info("done", "verb", verb)
}
