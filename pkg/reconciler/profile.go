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

// Package reconciler implements the profile reconciler (L7): the
// top-level loop that consumes the profile event stream, allocates
// marks, and orchestrates L4-L6 on every event.
package reconciler

import (
	"context"
	"sync"

	"github.com/go-kit/log"
	"github.com/mitchellh/hashstructure/v2"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	netemv1alpha1 "github.com/ERIGrid2/k8s-netem/pkg/apis/netem/v1alpha1"
	"github.com/ERIGrid2/k8s-netem/pkg/addrset"
	"github.com/ERIGrid2/k8s-netem/pkg/direction"
	"github.com/ERIGrid2/k8s-netem/pkg/emitter"
	"github.com/ERIGrid2/k8s-netem/pkg/rule"
)

// Profile is the live, in-memory counterpart of a TrafficProfile: a
// Profile exists in the reconciler iff it matched the host pod at ADDED
// time and has not yet been DELETED. It implements controller.Profile.
type Profile struct {
	uid  string
	Name string

	table string // per-profile nft table name
	spec  netemv1alpha1.TrafficProfileSpec

	mu            sync.Mutex
	mark          int
	band          int
	paramsHash    uint64

	ingress *direction.Direction
	egress  *direction.Direction
}

func newProfile(uid, name, table string, spec netemv1alpha1.TrafficProfileSpec) *Profile {
	h, _ := hashstructure.Hash(spec.Parameters, hashstructure.FormatV2, nil)
	return &Profile{uid: uid, Name: name, table: table, spec: spec, band: -1, paramsHash: h}
}

// UID implements controller.Profile.
func (p *Profile) UID() string { return p.uid }

// Mark implements controller.Profile.
func (p *Profile) Mark() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mark
}

func (p *Profile) setMark(m int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mark = m
}

// Band implements controller.Profile.
func (p *Profile) Band() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.band
}

// SetBand implements controller.Profile.
func (p *Profile) SetBand(b int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.band = b
}

// Parameters implements controller.Profile.
func (p *Profile) Parameters() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spec.Parameters
}

// Type returns the profile's controller-kind selector, defaulting to Builtin.
func (p *Profile) Type() string {
	if p.spec.Type == "" {
		return "Builtin"
	}
	return p.spec.Type
}

// Interface returns the profile's target device name.
func (p *Profile) Interface() string { return p.spec.Interface }

// Match reports whether this Profile's podSelector matches pod's labels,
// per §3's "Profile is active iff it passed match(pod) at ADDED time".
// An empty selector matches every pod.
func (p *Profile) Match(pod *corev1.Pod) (bool, error) {
	selector, err := metav1.LabelSelectorAsSelector(&p.spec.PodSelector)
	if err != nil {
		return false, err
	}
	return selector.Matches(labelsSet(pod.Labels)), nil
}

type labelsSet map[string]string

func (l labelsSet) Has(key string) bool          { _, ok := l[key]; return ok }
func (l labelsSet) Get(key string) string         { return l[key] }

// init installs L5->L4->L2->L3 for both directions.
func (p *Profile) init(ctx context.Context, client kubernetes.Interface, store *addrset.Store, emit *emitter.Emitter, logger log.Logger, mark int) error {
	p.setMark(mark)

	if _, err := emit.EmitNFT(ctx, emitter.NFTCommand{
		"add": map[string]interface{}{"table": map[string]interface{}{"name": p.table}},
	}); err != nil {
		return err
	}

	if p.spec.Ingress != nil {
		p.ingress = direction.New(client, store, emit, logger, rule.Ingress, p.table)
		if err := p.ingress.Init(ctx, p.spec.Ingress, mark); err != nil {
			return err
		}
	}
	if p.spec.Egress != nil {
		p.egress = direction.New(client, store, emit, logger, rule.Egress, p.table)
		if err := p.egress.Init(ctx, p.spec.Egress, mark); err != nil {
			return err
		}
	}
	return nil
}

// update rewires Direction add/remove/update and returns whether the
// opaque parameter block changed under canonical hashing, per §4.7's
// Profile.update contract.
func (p *Profile) update(ctx context.Context, client kubernetes.Interface, store *addrset.Store, emit *emitter.Emitter, logger log.Logger, newSpec netemv1alpha1.TrafficProfileSpec) (bool, error) {
	mark := p.Mark()

	if newSpec.Ingress == nil && p.ingress != nil {
		if err := p.ingress.Deinit(ctx); err != nil {
			return false, err
		}
		p.ingress = nil
	} else if newSpec.Ingress != nil && p.ingress == nil {
		p.ingress = direction.New(client, store, emit, logger, rule.Ingress, p.table)
		if err := p.ingress.Init(ctx, newSpec.Ingress, mark); err != nil {
			return false, err
		}
	} else if newSpec.Ingress != nil && p.ingress != nil {
		if err := p.ingress.Update(ctx, newSpec.Ingress, mark); err != nil {
			return false, err
		}
	}

	if newSpec.Egress == nil && p.egress != nil {
		if err := p.egress.Deinit(ctx); err != nil {
			return false, err
		}
		p.egress = nil
	} else if newSpec.Egress != nil && p.egress == nil {
		p.egress = direction.New(client, store, emit, logger, rule.Egress, p.table)
		if err := p.egress.Init(ctx, newSpec.Egress, mark); err != nil {
			return false, err
		}
	} else if newSpec.Egress != nil && p.egress != nil {
		if err := p.egress.Update(ctx, newSpec.Egress, mark); err != nil {
			return false, err
		}
	}

	newHash, err := hashstructure.Hash(newSpec.Parameters, hashstructure.FormatV2, nil)
	if err != nil {
		return false, err
	}

	p.mu.Lock()
	p.spec = newSpec
	changed := newHash != p.paramsHash
	p.paramsHash = newHash
	p.mu.Unlock()

	return changed, nil
}

// deinit tears down both directions and the profile's table.
func (p *Profile) deinit(ctx context.Context, emit *emitter.Emitter) error {
	if p.ingress != nil {
		if err := p.ingress.Deinit(ctx); err != nil {
			return err
		}
	}
	if p.egress != nil {
		if err := p.egress.Deinit(ctx); err != nil {
			return err
		}
	}
	_, err := emit.EmitNFT(ctx, emitter.NFTCommand{
		"delete": map[string]interface{}{"table": map[string]interface{}{"name": p.table}},
	})
	return err
}
