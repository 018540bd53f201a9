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

package addrset

import (
	"context"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ERIGrid2/k8s-netem/pkg/emitter"
	"github.com/ERIGrid2/k8s-netem/pkg/errkind"
)

func fakeEmitter() *emitter.Emitter {
	e := emitter.New(log.NewNopLogger())
	emitter.SetExecFunc(e, func(_ context.Context, _ string, _ []string, _ []byte) ([]byte, []byte, error) {
		return nil, nil, nil
	})
	return e
}

func newTestStore(t *testing.T) (*Store, *emitter.Emitter) {
	t.Helper()
	e := fakeEmitter()
	return New(e), e
}

func TestAddIsIdempotent(t *testing.T) {
	store, e := newTestStore(t)
	ctx := context.Background()

	set, err := store.Create(ctx, "k8s-netem-p1", "egress-0-abc-nets", KindNetwork)
	require.NoError(t, err)

	require.NoError(t, set.Add(ctx, e, "10.0.0.0/8", "static"))
	require.NoError(t, set.Add(ctx, e, "10.0.0.0/8", "static-again"))

	assert.True(t, set.Has("10.0.0.0/8"))
	assert.Len(t, set.Elements(), 1)
}

func TestDeleteAbsentElementIsNotFound(t *testing.T) {
	store, e := newTestStore(t)
	ctx := context.Background()

	set, err := store.Create(ctx, "k8s-netem-p1", "egress-0-abc-nets", KindNetwork)
	require.NoError(t, err)

	err = set.Delete(ctx, e, "192.168.0.1/32")
	require.Error(t, err)
	kind, ok := errkind.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errkind.KindNotFound, kind)
}

func TestCreateIsIdempotentPerStore(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	a, err := store.Create(ctx, "k8s-netem-p1", "egress-0-abc-nets", KindNetwork)
	require.NoError(t, err)
	b, err := store.Create(ctx, "k8s-netem-p1", "egress-0-abc-nets", KindNetwork)
	require.NoError(t, err)

	assert.Same(t, a, b)
}
