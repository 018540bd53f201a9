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

package rule

import (
	"context"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/client-go/kubernetes/fake"

	netemv1alpha1 "github.com/ERIGrid2/k8s-netem/pkg/apis/netem/v1alpha1"
	"github.com/ERIGrid2/k8s-netem/pkg/addrset"
	"github.com/ERIGrid2/k8s-netem/pkg/emitter"
)

func testRule(t *testing.T, spec netemv1alpha1.Rule) *Rule {
	t.Helper()
	e := emitter.New(log.NewNopLogger())
	emitter.SetExecFunc(e, func(_ context.Context, _ string, _ []string, _ []byte) ([]byte, []byte, error) {
		return []byte(`{"nftables":[]}`), nil, nil
	})
	store := addrset.New(e)
	client := fake.NewSimpleClientset()
	return New(client, store, e, log.NewNopLogger(), Egress, 0, "k8s-netem-p1", "egress", spec)
}

func TestRuleNameIsStableAndUnique(t *testing.T) {
	port := int32(80)
	spec := netemv1alpha1.Rule{
		Peers: []netemv1alpha1.Peer{{IPBlock: &netemv1alpha1.IPBlock{CIDR: "10.0.0.0/8"}}},
		Ports: []netemv1alpha1.Port{{Port: &port, Protocol: "TCP"}},
	}

	r1 := testRule(t, spec)
	r2 := testRule(t, spec)

	assert.NotEqual(t, r1.Name(), r2.Name())
	assert.Contains(t, r1.Name(), "egress-0-")
}

func TestInitPopulatesStaticSets(t *testing.T) {
	port := int32(80)
	spec := netemv1alpha1.Rule{
		Peers: []netemv1alpha1.Peer{{IPBlock: &netemv1alpha1.IPBlock{CIDR: "10.0.0.0/8"}}},
		Ports: []netemv1alpha1.Port{{Port: &port, Protocol: "TCP"}},
	}
	r := testRule(t, spec)

	require.NoError(t, r.Init(context.Background(), 1000))

	assert.True(t, r.setNets.Has("10.0.0.0/8"))
	assert.True(t, r.setPorts.Has([]string{"tcp", "80"}))
}

func TestContentHashStableAcrossEqualSpecs(t *testing.T) {
	spec := netemv1alpha1.Rule{EtherTypes: []string{"ip", "ip6"}}
	r1 := testRule(t, spec)
	r2 := testRule(t, spec)

	h1, err := r1.ContentHash()
	require.NoError(t, err)
	h2, err := r2.ContentHash()
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
}

func TestIngressRuleMatchesSourceAddress(t *testing.T) {
	spec := netemv1alpha1.Rule{
		Peers: []netemv1alpha1.Peer{{IPBlock: &netemv1alpha1.IPBlock{CIDR: "10.0.0.0/8"}}},
	}
	e := emitter.New(log.NewNopLogger())

	var captured map[string]interface{}
	emitter.SetExecFunc(e, func(_ context.Context, _ string, _ []string, stdin []byte) ([]byte, []byte, error) {
		if len(stdin) > 0 {
			captured = map[string]interface{}{"stdin": string(stdin)}
		}
		return []byte(`{"nftables":[]}`), nil, nil
	})
	store := addrset.New(e)
	client := fake.NewSimpleClientset()
	r := New(client, store, e, log.NewNopLogger(), Ingress, 0, "k8s-netem-p1", "ingress", spec)

	require.NoError(t, r.Init(context.Background(), 1000))
	require.NotNil(t, captured)
	assert.Contains(t, captured["stdin"], `"field":"saddr"`)
}
