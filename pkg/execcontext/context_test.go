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

package execcontext_test

import (
	"os/exec"
	"testing"

	"github.com/alexandremahdhaoui/talosfleet/pkg/execcontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatCmd(t *testing.T) {
	t.Run("quotes arguments", func(t *testing.T) {
		ctx := execcontext.None()
		out := execcontext.FormatCmd(ctx, "qm", "set", "7101", "--boot", "order=ide2;scsi0")
		assert.Equal(t, `"qm" "set" "7101" "--boot" "order=ide2;scsi0"`, out)
	})

	t.Run("keeps shell operators unquoted", func(t *testing.T) {
		ctx := execcontext.None()
		out := execcontext.FormatCmd(ctx, "qm", "unlock", "7101", "&&", "qm", "stop", "7101")
		assert.Equal(t, `"qm" "unlock" "7101" && "qm" "stop" "7101"`, out)
	})

	t.Run("exports environment variables first", func(t *testing.T) {
		ctx := execcontext.New(map[string]string{"TALOSCONFIG": "/tmp/talosconfig"}, nil)
		out := execcontext.FormatCmd(ctx, "talosctl", "get", "links")
		assert.Equal(t, `TALOSCONFIG="/tmp/talosconfig" "talosctl" "get" "links"`, out)
	})

	t.Run("prepends the wrapper command", func(t *testing.T) {
		ctx := execcontext.New(nil, []string{"sudo"})
		out := execcontext.FormatCmd(ctx, "qm", "start", "7101")
		assert.Equal(t, `"sudo" "qm" "start" "7101"`, out)
	})
}

func TestApplyToCmd(t *testing.T) {
	t.Run("appends environment", func(t *testing.T) {
		cmd := exec.Command("true")
		execcontext.ApplyToCmd(execcontext.New(map[string]string{"A": "b"}, nil), cmd)
		assert.Contains(t, cmd.Env, "A=b")
	})

	t.Run("wraps the argument vector", func(t *testing.T) {
		cmd := exec.Command("true", "arg")
		execcontext.ApplyToCmd(execcontext.New(nil, []string{"env"}), cmd)
		require.GreaterOrEqual(t, len(cmd.Args), 3)
		assert.Equal(t, "env", cmd.Args[0])
		assert.Equal(t, "true", cmd.Args[1])
		assert.Equal(t, "arg", cmd.Args[2])
	})
}

func TestContextCopies(t *testing.T) {
	envs := map[string]string{"A": "b"}
	prepend := []string{"sudo"}
	ctx := execcontext.New(envs, prepend)

	got := ctx.Envs()
	got["A"] = "mutated"
	assert.Equal(t, "b", ctx.Envs()["A"])

	gotCmd := ctx.PrependCmd()
	gotCmd[0] = "mutated"
	assert.Equal(t, "sudo", ctx.PrependCmd()[0])
}
