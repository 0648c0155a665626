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

// Package ssh provides the remote executor used to drive hypervisor hosts:
// a Runner executes one command and returns its captured output, a Factory
// hands out a Runner per host.
package ssh

import "context"

// Runner executes a command on a fixed target (a remote host or the local
// machine) and returns captured stdout/stderr. A non-nil error means the
// command could not be run or exited non-zero.
type Runner interface {
	Run(ctx context.Context, cmd ...string) (stdout, stderr string, err error)
}

// Factory returns a Runner bound to the named host. Implementations must be
// safe for use from multiple goroutines.
type Factory interface {
	Runner(host string) Runner
}
