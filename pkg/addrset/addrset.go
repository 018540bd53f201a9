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

// Package addrset implements the named address-set store (L2): typed
// containers of networks, ether-types, inet-protos, and protocol+port
// pairs, with idempotent add/delete.
package addrset

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/ERIGrid2/k8s-netem/pkg/emitter"
	"github.com/ERIGrid2/k8s-netem/pkg/errkind"
)

// Kind is the element type a Set holds.
type Kind string

const (
	KindNetwork   Kind = "ipv4_addr"
	KindEtherType Kind = "ether_type"
	KindInetProto Kind = "inet_proto"
	KindPortConcat Kind = "inet_service"
)

// Set is one named, typed container tracked under a table.
type Set struct {
	Table string
	Name  string
	Kind  Kind

	mu       sync.Mutex
	elements map[string]string // element key -> annotation
}

// Store owns every Set created by the Rule compiler, keyed by
// (table, name), and serialises their element edits through one Emitter.
type Store struct {
	emit *emitter.Emitter

	mu   sync.Mutex
	sets map[string]*Set
}

// New returns an empty Store bound to emit.
func New(emit *emitter.Emitter) *Store {
	return &Store{emit: emit, sets: map[string]*Set{}}
}

func key(table, name string) string { return table + "/" + name }

// Create installs a new named set of the given kind under table. Create
// is idempotent: creating a set that already exists with the same kind
// is a no-op.
func (s *Store) Create(ctx context.Context, table, name string, kind Kind) (*Set, error) {
	s.mu.Lock()
	if existing, ok := s.sets[key(table, name)]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.mu.Unlock()

	nftType, err := nftType(kind)
	if err != nil {
		return nil, err
	}

	_, err = s.emit.EmitNFT(ctx, emitter.NFTCommand{
		"add": map[string]interface{}{
			"set": map[string]interface{}{
				"table": table,
				"name":  name,
				"type":  nftType,
			},
		},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "creating set %s/%s", table, name)
	}

	set := &Set{Table: table, Name: name, Kind: kind, elements: map[string]string{}}

	s.mu.Lock()
	s.sets[key(table, name)] = set
	s.mu.Unlock()

	return set, nil
}

// Delete tears down a named set. Idempotent deletes of an unknown set
// are not an error at the Store level (the rule compiler is expected to
// only delete sets it created).
func (s *Store) Delete(ctx context.Context, table, name string) error {
	s.mu.Lock()
	_, ok := s.sets[key(table, name)]
	delete(s.sets, key(table, name))
	s.mu.Unlock()

	if !ok {
		return nil
	}

	_, err := s.emit.EmitNFT(ctx, emitter.NFTCommand{
		"delete": map[string]interface{}{
			"set": map[string]interface{}{
				"table": table,
				"name":  name,
			},
		},
	})
	return errors.Wrapf(err, "deleting set %s/%s", table, name)
}

// Add inserts elem into the set, idempotently, with an optional
// human-readable annotation.
func (s *Set) Add(ctx context.Context, emit *emitter.Emitter, elem interface{}, annotation string) error {
	k := fmt.Sprint(elem)

	s.mu.Lock()
	if _, ok := s.elements[k]; ok {
		s.elements[k] = annotation
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	_, err := emit.EmitNFT(ctx, emitter.NFTCommand{
		"add": map[string]interface{}{
			"element": map[string]interface{}{
				"table": s.Table,
				"name":  s.Name,
				"elem":  elem,
			},
		},
	})
	if err != nil {
		return errors.Wrapf(err, "adding element %v to set %s/%s", elem, s.Table, s.Name)
	}

	s.mu.Lock()
	s.elements[k] = annotation
	s.mu.Unlock()
	return nil
}

// Delete removes elem from the set, idempotently. Deleting an absent
// element is a no-op that returns a NotFound-kind error so callers that
// care can distinguish it, but need not treat it as fatal.
func (s *Set) Delete(ctx context.Context, emit *emitter.Emitter, elem interface{}) error {
	k := fmt.Sprint(elem)

	s.mu.Lock()
	if _, ok := s.elements[k]; !ok {
		s.mu.Unlock()
		return errkind.Wrap(errkind.KindNotFound, errors.Errorf("element %v not present in set %s/%s", elem, s.Table, s.Name))
	}
	delete(s.elements, k)
	s.mu.Unlock()

	_, err := emit.EmitNFT(ctx, emitter.NFTCommand{
		"delete": map[string]interface{}{
			"element": map[string]interface{}{
				"table": s.Table,
				"name":  s.Name,
				"elem":  elem,
			},
		},
	})
	return errors.Wrapf(err, "deleting element %v from set %s/%s", elem, s.Table, s.Name)
}

// Elements returns a snapshot of the set's current element keys.
func (s *Set) Elements() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.elements))
	for k := range s.elements {
		out = append(out, k)
	}
	return out
}

// Has reports whether elem is currently a member.
func (s *Set) Has(elem interface{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.elements[fmt.Sprint(elem)]
	return ok
}

func nftType(kind Kind) (interface{}, error) {
	switch kind {
	case KindNetwork:
		return "ipv4_addr", nil
	case KindEtherType:
		return "ether_type", nil
	case KindInetProto:
		return "inet_proto", nil
	case KindPortConcat:
		return []string{"inet_proto", "inet_service"}, nil
	default:
		return nil, errors.Errorf("unknown set kind %q", kind)
	}
}
