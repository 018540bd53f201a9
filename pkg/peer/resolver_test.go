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

package peer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	netemv1alpha1 "github.com/ERIGrid2/k8s-netem/pkg/apis/netem/v1alpha1"
)

type recordingSink struct {
	mu    sync.Mutex
	added map[string]bool
}

func newRecordingSink() *recordingSink { return &recordingSink{added: map[string]bool{}} }

func (s *recordingSink) AddNet(_ context.Context, cidr string, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added[cidr] = true
	return nil
}

func (s *recordingSink) DeleteNet(_ context.Context, cidr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.added, cidr)
	return nil
}

func (s *recordingSink) has(cidr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.added[cidr]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPodSelectorPeer_AddAndDelete(t *testing.T) {
	client := fake.NewSimpleClientset()
	sink := newRecordingSink()

	spec := netemv1alpha1.Peer{
		PodSelector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": "victim"}},
	}
	p := New(client, log.NewNopLogger(), spec, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, p.Init(ctx))
	defer p.Deinit()

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "a", Namespace: "default", Labels: map[string]string{"app": "victim"}},
		Status:     corev1.PodStatus{PodIP: "10.1.2.3"},
	}
	_, err := client.CoreV1().Pods("default").Create(ctx, pod, metav1.CreateOptions{})
	require.NoError(t, err)

	waitFor(t, func() bool { return sink.has("10.1.2.3/32") })

	require.NoError(t, client.CoreV1().Pods("default").Delete(ctx, "a", metav1.DeleteOptions{}))

	waitFor(t, func() bool { return !sink.has("10.1.2.3/32") })
}

func TestPodWithoutIPIsIgnored(t *testing.T) {
	client := fake.NewSimpleClientset()
	sink := newRecordingSink()

	spec := netemv1alpha1.Peer{
		PodSelector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": "victim"}},
	}
	p := New(client, log.NewNopLogger(), spec, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, p.Init(ctx))
	defer p.Deinit()

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "b", Namespace: "default", Labels: map[string]string{"app": "victim"}},
	}
	_, err := client.CoreV1().Pods("default").Create(ctx, pod, metav1.CreateOptions{})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, sink.added)
}
