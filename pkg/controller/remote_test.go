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

package controller

import (
	"context"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ERIGrid2/k8s-netem/pkg/flexe"
)

type recordingEngine struct {
	setFilters     []flexe.SetFiltersRequest
	runApplication []flexe.RunApplicationRequest
}

func (e *recordingEngine) SetFilters(req flexe.SetFiltersRequest) {
	e.setFilters = append(e.setFilters, req)
}

func (e *recordingEngine) RunApplication(req flexe.RunApplicationRequest) {
	e.runApplication = append(e.runApplication, req)
}

func TestRemoteController_AddProfileSendsSetFiltersThenRunApplication(t *testing.T) {
	engine := &recordingEngine{}
	c := NewRemoteController("eth0", engine, log.NewNopLogger(), nil, NewMarkCounter())

	p := &fakeProfile{uid: "p1", mark: c.GetMark(), band: -1, params: map[string]interface{}{
		"segments": []interface{}{"seg-a", "seg-b"},
	}}
	require.NoError(t, c.AddProfile(context.Background(), p))

	require.Len(t, engine.setFilters, 1)
	require.Len(t, engine.runApplication, 1)
	assert.Equal(t, []string{"seg-a", "seg-b"}, engine.runApplication[0].ProfileData["profile-p1"].Segments)
}

func TestRemoteController_RemoveProfileOmitsProfiles(t *testing.T) {
	engine := &recordingEngine{}
	c := NewRemoteController("eth0", engine, log.NewNopLogger(), nil, NewMarkCounter())

	p := &fakeProfile{uid: "p1", mark: c.GetMark(), band: -1}
	require.NoError(t, c.AddProfile(context.Background(), p))
	require.NoError(t, c.RemoveProfile(context.Background(), p))

	last := engine.runApplication[len(engine.runApplication)-1]
	assert.Empty(t, last.Profiles)
	assert.True(t, c.Empty())
}

func TestRegistry_BuildsRegisteredKindAndRejectsUnknown(t *testing.T) {
	reg := NewRegistry()
	engine := &recordingEngine{}
	reg.Register(RemoteKind, RemoteConstructor(engine, log.NewNopLogger(), NewMarkCounter()))

	ctrl, ok, err := reg.Build(context.Background(), RemoteKind, "eth0", nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, RemoteKind, ctrl.Type())

	_, ok, err = reg.Build(context.Background(), "Unknown", "eth0", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}
