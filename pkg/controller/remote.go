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
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/ERIGrid2/k8s-netem/pkg/flexe"
)

// RemoteKind is the Type() of a RemoteController and the TrafficProfile
// "type" string that selects it.
const RemoteKind = "Remote"

// RemoteEngine is the subset of *flexe.Client a RemoteController drives.
// Defined as an interface so tests can substitute a recorder.
type RemoteEngine interface {
	SetFilters(req flexe.SetFiltersRequest)
	RunApplication(req flexe.RunApplicationRequest)
}

// RemoteController replaces local traffic-control emission with two
// collaborating channels to an external engine, per §4.6's "Alternate
// variant".
type RemoteController struct {
	iface   string
	engine  RemoteEngine
	logger  log.Logger
	metrics *Metrics
	marks   *MarkCounter

	mu       sync.Mutex
	profiles map[string]Profile
}

// NewRemoteController returns a RemoteController bound to an already
// dialled engine client. marks is the process-scope counter this
// controller draws marks from; callers share one MarkCounter across
// every Controller they construct.
func NewRemoteController(iface string, engine RemoteEngine, logger log.Logger, metrics *Metrics, marks *MarkCounter) *RemoteController {
	return &RemoteController{iface: iface, engine: engine, logger: logger, metrics: metrics, marks: marks, profiles: map[string]Profile{}}
}

// RemoteConstructor adapts NewRemoteController to the Constructor
// signature. Dialling the engine is the caller's responsibility; engine
// is captured by the closure.
func RemoteConstructor(engine RemoteEngine, logger log.Logger, marks *MarkCounter) Constructor {
	return func(ctx context.Context, iface string, metrics *Metrics) (Controller, error) {
		return NewRemoteController(iface, engine, logger, metrics, marks), nil
	}
}

func (c *RemoteController) Type() string { return RemoteKind }

// GetMark draws from the same process-scope counter the Builtin
// controller uses — marks are unique across controller variants too.
func (c *RemoteController) GetMark() int { return c.marks.Next() }

func (c *RemoteController) Empty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.profiles) == 0
}

func (c *RemoteController) packingKey(p Profile) string {
	return fmt.Sprintf("mark-%d", p.Mark())
}

// AddProfile sends a SetFilters message binding the profile's mark to a
// packing key and a RunApplication message referencing its segment set.
func (c *RemoteController) AddProfile(ctx context.Context, p Profile) error {
	c.mu.Lock()
	c.profiles[p.UID()] = p
	n := len(c.profiles)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ActiveProfiles.Set(float64(n))
	}

	key := c.packingKey(p)
	c.engine.SetFilters(flexe.SetFiltersRequest{
		Filters: []flexe.Filter{{KeyB64: key, Uplink: true}},
	})

	name := fmt.Sprintf("profile-%s", p.UID())
	c.engine.RunApplication(flexe.RunApplicationRequest{
		Profiles: []flexe.ProfilePair{{Ingress: name, Egress: name}},
		ProfileData: map[string]flexe.ProfileData{
			name: {Segments: segmentsOf(p)},
		},
	})

	level.Info(c.logger).Log("msg", "attached remote profile", "uid", p.UID(), "mark", p.Mark())
	return nil
}

// UpdateProfile re-sends RunApplication with the refreshed segment set.
func (c *RemoteController) UpdateProfile(ctx context.Context, p Profile) error {
	name := fmt.Sprintf("profile-%s", p.UID())
	c.engine.RunApplication(flexe.RunApplicationRequest{
		Profiles: []flexe.ProfilePair{{Ingress: name, Egress: name}},
		ProfileData: map[string]flexe.ProfileData{
			name: {Segments: segmentsOf(p)},
		},
	})
	return nil
}

// RemoveProfile sends RunApplication with profiles omitted.
func (c *RemoteController) RemoveProfile(ctx context.Context, p Profile) error {
	c.mu.Lock()
	delete(c.profiles, p.UID())
	n := len(c.profiles)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ActiveProfiles.Set(float64(n))
	}

	c.engine.RunApplication(flexe.RunApplicationRequest{})
	return nil
}

// Deinit has nothing interface-local to tear down; the engine connection
// outlives individual controllers and is closed by its owner.
func (c *RemoteController) Deinit(ctx context.Context) error { return nil }

func segmentsOf(p Profile) []string {
	params := p.Parameters()
	raw, ok := params["segments"]
	if !ok {
		return nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
