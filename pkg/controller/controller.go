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

// Package controller implements L6: the per-interface driver that owns
// the queueing-discipline tree (or, for the Remote variant, the
// equivalent state on an external impairment engine).
package controller

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Profile is the minimal view of a reconciler Profile the Controller
// needs. Defined here (rather than imported from pkg/reconciler) to
// avoid a import cycle — the reconciler depends on Controller, not the
// other way around.
type Profile interface {
	UID() string
	Mark() int
	Band() int
	SetBand(band int)
	Parameters() map[string]interface{}
}

// Controller is the uniform L6 contract; Builtin and Remote both
// implement it.
type Controller interface {
	// GetMark returns the next mark from the shared counter.
	GetMark() int

	// AddProfile attaches queueing state for a new Profile.
	AddProfile(ctx context.Context, p Profile) error
	// UpdateProfile modifies queueing parameters in place.
	UpdateProfile(ctx context.Context, p Profile) error
	// RemoveProfile detaches queueing state and returns the band to the pool.
	RemoveProfile(ctx context.Context, p Profile) error

	// Deinit tears down the entire queueing tree.
	Deinit(ctx context.Context) error

	// Type returns the controller-kind string this instance was built for.
	Type() string

	// Empty reports whether the controller currently owns no profiles.
	Empty() bool
}

// Constructor builds a Controller for one (interface, options) pair. The
// registry maps a profile's `type` string to a Constructor.
type Constructor func(ctx context.Context, iface string, metrics *Metrics) (Controller, error)

// Registry is a plugin-style dispatch table, per §9's "Plugin-style
// Controller dispatch" design note.
type Registry struct {
	constructors map[string]Constructor
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{constructors: map[string]Constructor{}}
}

// Register adds a Constructor under kind.
func (r *Registry) Register(kind string, ctor Constructor) {
	r.constructors[kind] = ctor
}

// Build constructs a Controller for kind, or reports that kind is unknown.
func (r *Registry) Build(ctx context.Context, kind, iface string, metrics *Metrics) (Controller, bool, error) {
	ctor, ok := r.constructors[kind]
	if !ok {
		return nil, false, nil
	}
	ctrl, err := ctor(ctx, iface, metrics)
	return ctrl, true, err
}

// MarkCounter is the process-scope monotonic mark allocator, per §5
// ("the mark counter ... live[s] inside the Controller") and §9's
// explicit prohibition on module-global counters: the process
// constructs exactly one MarkCounter and hands it to every Constructor
// it registers, so marks stay unique across interfaces and controller
// variants without any package-level state.
type MarkCounter struct {
	mu   sync.Mutex
	next int
}

// NewMarkCounter returns a MarkCounter starting at 1000, per §4.6.
func NewMarkCounter() *MarkCounter {
	return &MarkCounter{next: 1000}
}

// Next returns the next mark and advances the counter. Marks are never
// recycled.
func (m *MarkCounter) Next() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.next
	m.next++
	return n
}

// Metrics are the prometheus gauges every Controller variant updates.
type Metrics struct {
	ActiveProfiles prometheus.Gauge
	BandsInUse     prometheus.Gauge
	BandsAvailable prometheus.Gauge
}

// NewMetrics registers and returns a fresh Metrics set scoped to one
// interface.
func NewMetrics(reg prometheus.Registerer, iface string) *Metrics {
	m := &Metrics{
		ActiveProfiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "netem_active_profiles",
			Help:        "Number of profiles currently attached to this interface's controller.",
			ConstLabels: prometheus.Labels{"interface": iface},
		}),
		BandsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "netem_bands_in_use",
			Help:        "Number of prio qdisc bands currently assigned to a profile.",
			ConstLabels: prometheus.Labels{"interface": iface},
		}),
		BandsAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "netem_bands_available",
			Help:        "Number of prio qdisc bands currently unassigned.",
			ConstLabels: prometheus.Labels{"interface": iface},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ActiveProfiles, m.BandsInUse, m.BandsAvailable)
	}
	return m
}
