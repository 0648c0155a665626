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

// Package discovery finds live fleet nodes on the subnet and confirms their
// identity: a TCP probe locates hosts with the cluster API port open, an
// insecure talosctl query confirms each host's hardware address.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"sync"
	"time"
)

var ErrInvalidSubnet = errors.New("invalid subnet")

// Prober scans a subnet for hosts with the given TCP port open. A plain
// connect scan needs no privileges, so probing runs unelevated.
type Prober interface {
	Probe(ctx context.Context, subnet string, port int) ([]string, error)
}

// ProberOption configures the prober.
type ProberOption func(*tcpProber)

// WithProbeTimeout sets the per-address connect timeout.
func WithProbeTimeout(d time.Duration) ProberOption {
	return func(p *tcpProber) { p.timeout = d }
}

// WithParallelism bounds the number of in-flight connection attempts.
func WithParallelism(n int) ProberOption {
	return func(p *tcpProber) {
		if n > 0 {
			p.parallelism = n
		}
	}
}

// NewProber returns a TCP connect-scan Prober.
func NewProber(opts ...ProberOption) Prober {
	p := &tcpProber{
		timeout:     750 * time.Millisecond,
		parallelism: 64,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type tcpProber struct {
	timeout     time.Duration
	parallelism int
}

// Probe implements Prober. Results are sorted by address.
func (p *tcpProber) Probe(ctx context.Context, subnet string, port int) ([]string, error) {
	prefix, err := netip.ParsePrefix(subnet)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidSubnet, subnet, err)
	}
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("%w: %q: only IPv4 subnets are probed", ErrInvalidSubnet, subnet)
	}

	candidates := hostAddrs(prefix)

	var (
		mu   sync.Mutex
		live []netip.Addr
		wg   sync.WaitGroup
	)

	sem := make(chan struct{}, p.parallelism)
	dialer := net.Dialer{Timeout: p.timeout}

	for _, addr := range candidates {
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		sem <- struct{}{}

		go func(addr netip.Addr) {
			defer wg.Done()
			defer func() { <-sem }()

			target := net.JoinHostPort(addr.String(), strconv.Itoa(port))
			conn, err := dialer.DialContext(ctx, "tcp", target)
			if err != nil {
				return
			}
			_ = conn.Close()

			mu.Lock()
			live = append(live, addr)
			mu.Unlock()
		}(addr)
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	slices.SortFunc(live, netip.Addr.Compare)

	out := make([]string, 0, len(live))
	for _, addr := range live {
		out = append(out, addr.String())
	}

	return out, nil
}

// hostAddrs expands a prefix into its host addresses, skipping the network
// and broadcast addresses for prefixes shorter than /31.
func hostAddrs(prefix netip.Prefix) []netip.Addr {
	prefix = prefix.Masked()

	var addrs []netip.Addr
	for addr := prefix.Addr(); prefix.Contains(addr); addr = addr.Next() {
		addrs = append(addrs, addr)
	}

	if prefix.Bits() >= 31 || len(addrs) <= 2 {
		return addrs
	}
	return addrs[1 : len(addrs)-1]
}
