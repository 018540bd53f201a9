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

// Package direction implements the direction manager (L5): it groups
// rules under a named chain inside a per-profile table, and computes
// differential updates when a profile's rule list changes.
package direction

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"k8s.io/client-go/kubernetes"

	netemv1alpha1 "github.com/ERIGrid2/k8s-netem/pkg/apis/netem/v1alpha1"
	"github.com/ERIGrid2/k8s-netem/pkg/addrset"
	"github.com/ERIGrid2/k8s-netem/pkg/emitter"
	"github.com/ERIGrid2/k8s-netem/pkg/rule"
)

// Direction holds the current set of Rules for one side (ingress or
// egress) of a Profile, plus the chain they attach to.
type Direction struct {
	Name  string // rule.Ingress or rule.Egress
	Table string
	Chain string

	client kubernetes.Interface
	store  *addrset.Store
	emit   *emitter.Emitter
	logger log.Logger

	rules []*rule.Rule
}

// New returns an uninitialised Direction. Call Init to create the chain
// and populate it from spec.
func New(client kubernetes.Interface, store *addrset.Store, emit *emitter.Emitter, logger log.Logger, name, table string) *Direction {
	chain := "input"
	if name == rule.Egress {
		chain = "output"
	}
	return &Direction{Name: name, Table: table, Chain: chain, client: client, store: store, emit: emit, logger: logger}
}

// Init creates the chain hook (input for ingress, output for egress)
// and initialises each rule from spec, in list order.
func (d *Direction) Init(ctx context.Context, spec *netemv1alpha1.Direction, mark int) error {
	hook := "input"
	if d.Name == rule.Egress {
		hook = "output"
	}

	_, err := d.emit.EmitNFT(ctx, emitter.NFTCommand{
		"add": map[string]interface{}{
			"chain": map[string]interface{}{
				"table": d.Table,
				"name":  d.Chain,
				"type":  "filter",
				"hook":  hook,
				"prio":  0,
			},
		},
	})
	if err != nil {
		return errors.Wrapf(err, "creating %s chain", d.Name)
	}

	if spec == nil {
		return nil
	}

	for i, rspec := range spec.Rules {
		r := rule.New(d.client, d.store, d.emit, d.logger, d.Name, i, d.Table, d.Chain, rspec)
		if err := r.Init(ctx, mark); err != nil {
			return errors.Wrapf(err, "initialising rule %d of %s direction", i, d.Name)
		}
		d.rules = append(d.rules, r)
	}

	return nil
}

// Update computes a set-difference over the rules using each rule's
// content hash: rules present in newSpec but absent from the current
// set are initialised and added; rules present currently but absent
// from newSpec are deinitialised and removed. Surviving rules (by
// position+hash) are left untouched, so their peer-resolver state
// survives an unrelated edit elsewhere in the rule list.
func (d *Direction) Update(ctx context.Context, newSpec *netemv1alpha1.Direction, mark int) error {
	var newRules []netemv1alpha1.Rule
	if newSpec != nil {
		newRules = newSpec.Rules
	}

	oldHashes := make([]uint64, len(d.rules))
	for i, r := range d.rules {
		h, err := r.ContentHash()
		if err != nil {
			return err
		}
		oldHashes[i] = h
	}

	matched := make([]bool, len(d.rules))
	survivors := make([]*rule.Rule, len(newRules))
	type pending struct {
		index int
		rspec netemv1alpha1.Rule
	}
	var toInit []pending

	for i, rspec := range newRules {
		h, err := hashSpec(rspec)
		if err != nil {
			return err
		}

		found := -1
		if i < len(oldHashes) && !matched[i] && oldHashes[i] == h {
			found = i
		} else {
			for j, oh := range oldHashes {
				if !matched[j] && oh == h {
					found = j
					break
				}
			}
		}

		if found >= 0 {
			matched[found] = true
			survivors[i] = d.rules[found]
		} else {
			toInit = append(toInit, pending{index: i, rspec: rspec})
		}
	}

	for i, r := range d.rules {
		if !matched[i] {
			if err := r.Deinit(ctx); err != nil {
				level.Warn(d.logger).Log("msg", "deiniting removed rule", "rule", r.Name(), "err", err)
			}
		}
	}

	for _, pend := range toInit {
		r := rule.New(d.client, d.store, d.emit, d.logger, d.Name, pend.index, d.Table, d.Chain, pend.rspec)
		if err := r.Init(ctx, mark); err != nil {
			return errors.Wrapf(err, "initialising new rule in %s direction", d.Name)
		}
		survivors[pend.index] = r
	}

	d.rules = survivors
	return nil
}

// Deinit deinitialises every rule then removes the chain.
func (d *Direction) Deinit(ctx context.Context) error {
	for _, r := range d.rules {
		if err := r.Deinit(ctx); err != nil {
			level.Warn(d.logger).Log("msg", "deiniting rule", "rule", r.Name(), "err", err)
		}
	}

	_, err := d.emit.EmitNFT(ctx, emitter.NFTCommand{
		"delete": map[string]interface{}{"chain": map[string]interface{}{"table": d.Table, "name": d.Chain}},
	})
	return errors.Wrapf(err, "deleting %s chain", d.Name)
}

func hashSpec(r netemv1alpha1.Rule) (uint64, error) {
	return rule.HashSpec(r)
}
