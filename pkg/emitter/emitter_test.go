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

package emitter

import (
	"context"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ERIGrid2/k8s-netem/pkg/errkind"
)

func newTestEmitter(t *testing.T, fn func(ctx context.Context, name string, args []string, stdin []byte) ([]byte, []byte, error)) *Emitter {
	t.Helper()
	e := New(log.NewNopLogger())
	e.exec = fn
	return e
}

func TestEmitNFT_EmptyIsNoop(t *testing.T) {
	e := newTestEmitter(t, func(ctx context.Context, name string, args []string, stdin []byte) ([]byte, []byte, error) {
		t.Fatal("exec should not be called for an empty command list")
		return nil, nil, nil
	})
	res, err := e.EmitNFT(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, res)
}

func TestEmitNFT_DecodesListOutput(t *testing.T) {
	e := newTestEmitter(t, func(ctx context.Context, name string, args []string, stdin []byte) ([]byte, []byte, error) {
		assert.Equal(t, "nft", name)
		return []byte(`{"nftables":[{"rule":{"handle":7,"comment":"egress-0-abc123"}}]}`), nil, nil
	})

	res, err := e.EmitNFT(context.Background(), NFTCommand{"list": map[string]interface{}{"chain": "egress"}})
	require.NoError(t, err)
	require.Len(t, res.Nftables, 1)
	assert.Equal(t, "egress-0-abc123", res.Nftables[0]["rule"].(map[string]interface{})["comment"])
}

func TestEmitNFT_FailurePropagatesAsEmitterFailure(t *testing.T) {
	e := newTestEmitter(t, func(ctx context.Context, name string, args []string, stdin []byte) ([]byte, []byte, error) {
		return nil, []byte("syntax error"), errFakeExit{}
	})

	_, err := e.EmitNFT(context.Background(), NFTCommand{"add": map[string]interface{}{"table": map[string]interface{}{"name": "x"}}})
	require.Error(t, err)
	kind, ok := errkind.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errkind.KindEmitterFailure, kind)
}

func TestEmitTC_StopsAtFirstFailure(t *testing.T) {
	var calls int
	e := newTestEmitter(t, func(ctx context.Context, name string, args []string, stdin []byte) ([]byte, []byte, error) {
		calls++
		if calls == 2 {
			return nil, []byte("bad arg"), errFakeExit{}
		}
		return nil, nil, nil
	})

	err := e.EmitTC(context.Background(),
		TCCommand{"qdisc", "add", "dev", "eth0", "root", "handle", "1:", "prio", "bands", "11"},
		TCCommand{"qdisc", "bogus"},
		TCCommand{"qdisc", "add", "dev", "eth0", "parent", "1:3", "handle", "1003:", "netem", "limit", "20000"},
	)
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

type errFakeExit struct{}

func (errFakeExit) Error() string { return "exit status 1" }
