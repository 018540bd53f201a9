// Copyright 2024 The k8s-netem Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package emitter serialises and invokes packet-filter (nft) and
// traffic-control (tc) commands against the host kernel. It is L1: the
// only component that shells out.
package emitter

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/ERIGrid2/k8s-netem/pkg/errkind"
)

// DefaultTimeout is applied to every emitted command unless the caller's
// context already carries a shorter deadline.
const DefaultTimeout = 5 * time.Second

// Failure is the kind-tagged error an emitted command reports on
// non-zero exit.
type Failure struct {
	Rc     int
	Stderr string
	Cmd    string
}

func (f *Failure) Error() string {
	return errors.Errorf("command %q failed (rc=%d): %s", f.Cmd, f.Rc, f.Stderr).Error()
}

// NFTCommand is one element of an nft -j command array, e.g.
// {"add": {"table": {...}}}.
type NFTCommand map[string]interface{}

// TCCommand is one fully-formed argument line for the tc binary, without
// the leading "tc".
type TCCommand []string

// Result is the structured decode of an nft `list` command's stdout.
type Result struct {
	Raw []byte
	// Nftables holds the decoded top-level "nftables" array when the
	// caller used List.
	Nftables []map[string]interface{}
}

// Emitter serialises concurrent callers and invokes nft/tc, per §4.1.
// The emitter is not transactional across calls: ordering of the caller's
// commands is the caller's responsibility.
type Emitter struct {
	mu      sync.Mutex
	logger  log.Logger
	nftPath string
	tcPath  string

	// exec is overridden in tests to avoid shelling out.
	exec func(ctx context.Context, name string, args []string, stdin []byte) (stdout, stderr []byte, err error)
}

// New returns an Emitter that shells out to the nft/tc binaries found on
// $PATH.
func New(logger log.Logger) *Emitter {
	return &Emitter{
		logger:  logger,
		nftPath: "nft",
		tcPath:  "tc",
		exec:    runExec,
	}
}

func runExec(ctx context.Context, name string, args []string, stdin []byte) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// SetExecFunc overrides the subprocess invocation used by e, for tests
// that must not shell out to the real nft/tc binaries.
func SetExecFunc(e *Emitter, fn func(ctx context.Context, name string, args []string, stdin []byte) (stdout, stderr []byte, err error)) {
	e.exec = fn
}

// EmitNFT batches cmds into a single `nft -j -f -` invocation, fed as a
// JSON document on stdin.
func (e *Emitter) EmitNFT(ctx context.Context, cmds ...NFTCommand) (*Result, error) {
	if len(cmds) == 0 {
		return &Result{}, nil
	}

	doc := map[string]interface{}{"nftables": cmds}
	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling nft command document")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	level.Debug(e.logger).Log("msg", "emitting nft commands", "n", len(cmds))

	stdout, stderr, err := e.exec(ctx, e.nftPath, []string{"-j", "-f", "-"}, payload)
	if err != nil {
		level.Error(e.logger).Log("msg", "nft command failed", "stderr", string(stderr), "err", err)
		return nil, errkind.Wrap(errkind.KindEmitterFailure, &Failure{Rc: exitCode(err), Stderr: string(stderr), Cmd: "nft -j -f -"})
	}

	result := &Result{Raw: stdout}
	if len(stdout) > 0 {
		var decoded struct {
			Nftables []map[string]interface{} `json:"nftables"`
		}
		if err := json.Unmarshal(stdout, &decoded); err == nil {
			result.Nftables = decoded.Nftables
		}
	}
	return result, nil
}

// EmitTC runs one `tc` invocation per TCCommand, in order, stopping at
// the first failure.
func (e *Emitter) EmitTC(ctx context.Context, cmds ...TCCommand) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, cmd := range cmds {
		cctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
		level.Debug(e.logger).Log("msg", "emitting tc command", "args", cmd)

		_, stderr, err := e.exec(cctx, e.tcPath, cmd, nil)
		cancel()
		if err != nil {
			level.Error(e.logger).Log("msg", "tc command failed", "args", cmd, "stderr", string(stderr), "err", err)
			return errkind.Wrap(errkind.KindEmitterFailure, &Failure{Rc: exitCode(err), Stderr: string(stderr), Cmd: "tc " + joinArgs(cmd)})
		}
	}
	return nil
}

func joinArgs(args []string) string {
	var b bytes.Buffer
	for i, a := range args {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(a)
	}
	return b.String()
}

func exitCode(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
