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

// Package execcontext describes the execution environment of a command that
// runs either locally or on a remote host: environment variables to export
// and an optional command to prepend (e.g. a privilege-escalation wrapper).
package execcontext

import (
	"fmt"
	"maps"
	"os/exec"
	"strings"
)

// Context carries the environment and prepend command applied to every
// command executed through a Runner.
type Context interface {
	Envs() map[string]string
	PrependCmd() []string
}

// New returns a Context with the given environment variables and prepend
// command. Both may be nil.
func New(envs map[string]string, prependCmd []string) Context {
	return &context{
		envs:       envs,
		prependCmd: prependCmd,
	}
}

// None returns an empty Context.
func None() Context {
	return New(nil, nil)
}

type context struct {
	envs       map[string]string
	prependCmd []string
}

// Envs implements Context.
func (c *context) Envs() map[string]string {
	out := make(map[string]string, len(c.envs))
	maps.Copy(out, c.envs)
	return out
}

// PrependCmd implements Context.
func (c *context) PrependCmd() []string {
	out := make([]string, len(c.prependCmd))
	copy(out, c.prependCmd)
	return out
}

// ApplyToCmd applies the Context to a local exec.Cmd: environment variables
// are appended to cmd.Env and the prepend command, if any, wraps the original
// argument vector.
func ApplyToCmd(ctx Context, cmd *exec.Cmd) {
	for k, v := range ctx.Envs() {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	prependCmd := ctx.PrependCmd()
	if len(prependCmd) == 0 {
		return
	}

	wrapper := exec.Command(prependCmd[0], prependCmd[1:]...)
	cmd.Path = wrapper.Path
	cmd.Args = append(wrapper.Args, cmd.Args...)
}

// FormatCmd renders the Context and command as a single shell command line,
// quoting every argument that is not a shell operator. This is the form sent
// over an SSH session.
func FormatCmd(ctx Context, cmd ...string) string {
	out := ""

	for k, v := range ctx.Envs() {
		out = fmt.Sprintf("%s%s=%q ", out, k, v)
	}

	for _, s := range ctx.PrependCmd() {
		out = safelyAppendToCmd(out, s)
	}

	for _, s := range cmd {
		out = safelyAppendToCmd(out, s)
	}

	return strings.TrimSpace(out)
}

var unquottable = map[string]struct{}{
	"&&": {},
	"||": {},
	";":  {},
	":":  {},
	"&":  {},
}

func safelyAppendToCmd(cmd string, s string) string {
	if _, ok := unquottable[s]; ok {
		return fmt.Sprintf("%s%s ", cmd, s)
	}
	return fmt.Sprintf("%s%q ", cmd, s)
}
