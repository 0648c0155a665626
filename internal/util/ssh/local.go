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

package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/alexandremahdhaoui/talosfleet/pkg/execcontext"
)

var ErrEmptyCommand = errors.New("empty command")

// LocalRunner implements Runner on the machine running the tool. It is used
// for commands that talk to the fleet directly rather than through a
// hypervisor host, e.g. talosctl identity confirmation.
type LocalRunner struct {
	Exec execcontext.Context
}

// NewLocalRunner returns a LocalRunner with an empty execution context.
func NewLocalRunner() *LocalRunner {
	return &LocalRunner{Exec: execcontext.None()}
}

func (r *LocalRunner) Run(ctx context.Context, cmd ...string) (stdout, stderr string, err error) {
	if len(cmd) == 0 {
		return "", "", ErrEmptyCommand
	}

	c := exec.CommandContext(ctx, cmd[0], cmd[1:]...)
	c.Env = os.Environ()

	ec := r.Exec
	if ec == nil {
		ec = execcontext.None()
	}
	execcontext.ApplyToCmd(ec, c)

	var stdoutBuf, stderrBuf bytes.Buffer
	c.Stdout = &stdoutBuf
	c.Stderr = &stderrBuf

	if err := c.Run(); err != nil {
		return stdoutBuf.String(), stderrBuf.String(), fmt.Errorf("local command failed: %w", err)
	}

	return stdoutBuf.String(), stderrBuf.String(), nil
}
