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

// Package rule implements the rule compiler (L4): it turns one
// declarative rule into one packet-filter row plus four named sets, and
// locates that row later by comment.
package rule

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/mitchellh/hashstructure/v2"
	"github.com/pkg/errors"
	"k8s.io/client-go/kubernetes"

	netemv1alpha1 "github.com/ERIGrid2/k8s-netem/pkg/apis/netem/v1alpha1"
	"github.com/ERIGrid2/k8s-netem/pkg/addrset"
	"github.com/ERIGrid2/k8s-netem/pkg/emitter"
	"github.com/ERIGrid2/k8s-netem/pkg/peer"
)

// Direction names used as both the chain hook and the rule name prefix.
const (
	Ingress = "ingress"
	Egress  = "egress"
)

// Rule is the child of a Direction, indexed by position in the
// declarative rule list. It owns four named sets and a set of Peers.
type Rule struct {
	Direction string // Ingress or Egress
	Index     int
	Spec      netemv1alpha1.Rule
	Table     string
	Chain     string

	name string // stable local name: "<direction>-<index>-<generation>"

	store  *addrset.Store
	emit   *emitter.Emitter
	client kubernetes.Interface
	logger log.Logger

	setNets       *addrset.Set
	setPorts      *addrset.Set
	setEtherTypes *addrset.Set
	setInetProtos *addrset.Set

	peers []*peer.Peer
}

// New builds an uninitialised Rule. Call Init to install it.
func New(client kubernetes.Interface, store *addrset.Store, emit *emitter.Emitter, logger log.Logger, direction string, index int, table, chain string, spec netemv1alpha1.Rule) *Rule {
	return &Rule{
		Direction: direction,
		Index:     index,
		Spec:      spec,
		Table:     table,
		Chain:     chain,
		name:      fmt.Sprintf("%s-%d-%s", direction, index, uuid.NewString()[:8]),
		store:     store,
		emit:      emit,
		client:    client,
		logger:    logger,
	}
}

// Name returns the Rule's stable local name, the comment its packet
// filter row is located by.
func (r *Rule) Name() string { return r.name }

// ContentHash hashes the Rule's declarative spec, used by the Direction
// manager to diff rule lists across a MODIFIED event.
func (r *Rule) ContentHash() (uint64, error) {
	return HashSpec(r.Spec)
}

// HashSpec hashes a declarative rule spec directly, for callers that
// need to compare against a not-yet-instantiated Rule.
func HashSpec(spec netemv1alpha1.Rule) (uint64, error) {
	h, err := hashstructure.Hash(spec, hashstructure.FormatV2, nil)
	return h, errors.Wrap(err, "hashing rule spec")
}

// Init creates the four sets, populates their static elements, starts
// dynamic peer watchers, then installs the packet-filter row — in that
// order, so the row never becomes active before its sets are populated
// (populate-then-announce).
func (r *Rule) Init(ctx context.Context, mark int) error {
	var err error
	if r.setNets, err = r.store.Create(ctx, r.Table, r.name+"-nets", addrset.KindNetwork); err != nil {
		return err
	}
	if r.setPorts, err = r.store.Create(ctx, r.Table, r.name+"-ports", addrset.KindPortConcat); err != nil {
		return err
	}
	if r.setEtherTypes, err = r.store.Create(ctx, r.Table, r.name+"-ether-types", addrset.KindEtherType); err != nil {
		return err
	}
	if r.setInetProtos, err = r.store.Create(ctx, r.Table, r.name+"-inet-protos", addrset.KindInetProto); err != nil {
		return err
	}

	if err := r.populateStatic(ctx); err != nil {
		return err
	}

	for _, p := range r.Spec.Peers {
		if p.IPBlock != nil {
			continue // already added in populateStatic
		}
		dyn := peer.New(r.client, r.logger, p, r)
		if err := dyn.Init(ctx); err != nil {
			return errors.Wrapf(err, "starting peer watcher for rule %s", r.name)
		}
		r.peers = append(r.peers, dyn)
	}

	return r.installRow(ctx, mark)
}

func (r *Rule) populateStatic(ctx context.Context) error {
	for _, p := range r.Spec.Peers {
		if p.IPBlock != nil {
			if err := r.setNets.Add(ctx, r.emit, p.IPBlock.CIDR, "static"); err != nil {
				return err
			}
		}
	}

	for _, p := range r.Spec.Ports {
		proto := "tcp"
		if p.Protocol != "" {
			proto = strings.ToLower(p.Protocol)
		}
		port := "any"
		if p.Port != nil {
			port = strconv.Itoa(int(*p.Port))
		}
		if err := r.setPorts.Add(ctx, r.emit, []string{proto, port}, ""); err != nil {
			return err
		}
	}

	for _, et := range r.Spec.EtherTypes {
		if err := r.setEtherTypes.Add(ctx, r.emit, et, ""); err != nil {
			return err
		}
	}

	for _, ip := range r.Spec.InetProtos {
		if err := r.setInetProtos.Add(ctx, r.emit, ip, ""); err != nil {
			return err
		}
	}

	return nil
}

// installRow adds the packet-filter rule whose predicate is the
// conjunction of the non-empty subsets and whose action mangles
// meta.mark to mark. Per §9, ingress rules match the source address,
// egress rules the destination address — a deliberate change from the
// original, which matched daddr unconditionally.
func (r *Rule) installRow(ctx context.Context, mark int) error {
	var exprs []map[string]interface{}

	if len(r.Spec.EtherTypes) > 0 {
		exprs = append(exprs, map[string]interface{}{
			"match": map[string]interface{}{
				"left":  map[string]interface{}{"meta": map[string]interface{}{"key": "protocol"}},
				"right": "@" + r.setEtherTypes.Name,
				"op":    "==",
			},
		})
	}

	if len(r.Spec.InetProtos) > 0 {
		exprs = append(exprs, map[string]interface{}{
			"match": map[string]interface{}{
				"left":  map[string]interface{}{"meta": map[string]interface{}{"key": "l4proto"}},
				"right": "@" + r.setInetProtos.Name,
				"op":    "==",
			},
		})
	}

	if len(r.Spec.Peers) > 0 {
		field := "daddr"
		if r.Direction == Ingress {
			field = "saddr"
		}
		exprs = append(exprs, map[string]interface{}{
			"match": map[string]interface{}{
				"left":  map[string]interface{}{"payload": map[string]interface{}{"protocol": "ip", "field": field}},
				"right": "@" + r.setNets.Name,
				"op":    "==",
			},
		})
	}

	if len(r.Spec.Ports) > 0 {
		exprs = append(exprs, map[string]interface{}{
			"match": map[string]interface{}{
				"left": map[string]interface{}{
					"concat": []interface{}{
						map[string]interface{}{"meta": map[string]interface{}{"key": "l4proto"}},
						map[string]interface{}{"payload": map[string]interface{}{"protocol": "th", "field": "dport"}},
					},
				},
				"right": "@" + r.setPorts.Name,
				"op":    "==",
			},
		})
	}

	exprs = append(exprs, map[string]interface{}{
		"mangle": map[string]interface{}{
			"key":   map[string]interface{}{"meta": map[string]interface{}{"key": "mark"}},
			"value": mark,
		},
	})

	_, err := r.emit.EmitNFT(ctx, emitter.NFTCommand{
		"add": map[string]interface{}{
			"rule": map[string]interface{}{
				"table":   r.Table,
				"chain":   r.Chain,
				"comment": r.name,
				"expr":    exprs,
			},
		},
	})
	return errors.Wrapf(err, "installing packet-filter row for rule %s", r.name)
}

// findHandle locates the row's handle in the chain by its comment.
func (r *Rule) findHandle(ctx context.Context) (interface{}, error) {
	res, err := r.emit.EmitNFT(ctx, emitter.NFTCommand{
		"list": map[string]interface{}{
			"chain": map[string]interface{}{"table": r.Table, "chain": r.Chain},
		},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing chain %s to find rule %s", r.Chain, r.name)
	}

	for _, elm := range res.Nftables {
		row, ok := elm["rule"].(map[string]interface{})
		if !ok {
			continue
		}
		if row["comment"] == r.name {
			return row["handle"], nil
		}
	}
	return nil, nil
}

// Update replaces the installed row with one freshly compiled from the
// Rule's current Spec: delete followed by add, as required by §4.4. The
// four sets and the dynamic peer watchers are left as they are.
func (r *Rule) Update(ctx context.Context, mark int) error {
	handle, err := r.findHandle(ctx)
	if err != nil {
		return err
	}
	if handle != nil {
		if _, err := r.emit.EmitNFT(ctx, emitter.NFTCommand{
			"delete": map[string]interface{}{"rule": map[string]interface{}{"table": r.Table, "handle": handle}},
		}); err != nil {
			return errors.Wrapf(err, "deleting stale row for rule %s", r.name)
		}
	}
	return r.installRow(ctx, mark)
}

// Deinit deletes the rule row, stops peer watchers, then deletes the
// four sets.
func (r *Rule) Deinit(ctx context.Context) error {
	handle, err := r.findHandle(ctx)
	if err == nil && handle != nil {
		_, _ = r.emit.EmitNFT(ctx, emitter.NFTCommand{
			"delete": map[string]interface{}{"rule": map[string]interface{}{"table": r.Table, "handle": handle}},
		})
	}

	for _, p := range r.peers {
		p.Deinit()
	}

	_ = r.store.Delete(ctx, r.Table, r.setNets.Name)
	_ = r.store.Delete(ctx, r.Table, r.setPorts.Name)
	_ = r.store.Delete(ctx, r.Table, r.setEtherTypes.Name)
	return r.store.Delete(ctx, r.Table, r.setInetProtos.Name)
}

// AddNet implements peer.NetSink: the hot-path operation dynamic Peer
// watchers call. Idempotent, amends only the nets set.
func (r *Rule) AddNet(ctx context.Context, cidr, annotation string) error {
	return r.setNets.Add(ctx, r.emit, cidr, annotation)
}

// DeleteNet implements peer.NetSink.
func (r *Rule) DeleteNet(ctx context.Context, cidr string) error {
	return r.setNets.Delete(ctx, r.emit, cidr)
}
