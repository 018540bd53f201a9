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

package reconciler

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
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	kubefake "k8s.io/client-go/kubernetes/fake"

	netemv1alpha1 "github.com/ERIGrid2/k8s-netem/pkg/apis/netem/v1alpha1"
	"github.com/ERIGrid2/k8s-netem/pkg/addrset"
	"github.com/ERIGrid2/k8s-netem/pkg/config"
	"github.com/ERIGrid2/k8s-netem/pkg/controller"
	"github.com/ERIGrid2/k8s-netem/pkg/emitter"
)

// fakeController is a recording controller.Controller test double.
type fakeController struct {
	kind string

	mu       sync.Mutex
	nextMark int
	added    []string
	updated  []string
	removed  []string
	deinited bool
	profiles map[string]bool
}

func newFakeController(kind string) *fakeController {
	return &fakeController{kind: kind, nextMark: 2000, profiles: map[string]bool{}}
}

func (c *fakeController) GetMark() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.nextMark
	c.nextMark++
	return m
}

func (c *fakeController) AddProfile(ctx context.Context, p controller.Profile) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.added = append(c.added, p.UID())
	c.profiles[p.UID()] = true
	return nil
}

func (c *fakeController) UpdateProfile(ctx context.Context, p controller.Profile) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updated = append(c.updated, p.UID())
	return nil
}

func (c *fakeController) RemoveProfile(ctx context.Context, p controller.Profile) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, p.UID())
	delete(c.profiles, p.UID())
	return nil
}

func (c *fakeController) Deinit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deinited = true
	return nil
}

func (c *fakeController) Type() string { return c.kind }

func (c *fakeController) Empty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.profiles) == 0
}

func (c *fakeController) snapshot() (added, updated, removed []string, deinited bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.added...), append([]string(nil), c.updated...), append([]string(nil), c.removed...), c.deinited
}

func testEmitter() *emitter.Emitter {
	e := emitter.New(log.NewNopLogger())
	emitter.SetExecFunc(e, func(_ context.Context, _ string, _ []string, _ []byte) ([]byte, []byte, error) {
		return nil, nil, nil
	})
	return e
}

func newTestReconciler(t *testing.T, builtin, remote *fakeController, selfPod *corev1.Pod) (*Reconciler, *dynamicfake.FakeDynamicClient) {
	t.Helper()

	scheme := runtime.NewScheme()
	require.NoError(t, netemv1alpha1.AddToScheme(scheme))

	gvr := netemv1alpha1.TrafficProfileResource()
	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKind(scheme, map[schema.GroupVersionResource]string{
		gvr: "TrafficProfileList",
	})

	reg := controller.NewRegistry()
	if builtin != nil {
		reg.Register(controller.BuiltinKind, func(ctx context.Context, iface string, metrics *controller.Metrics) (controller.Controller, error) {
			return builtin, nil
		})
	}
	if remote != nil {
		reg.Register(controller.RemoteKind, func(ctx context.Context, iface string, metrics *controller.Metrics) (controller.Controller, error) {
			return remote, nil
		})
	}

	client := kubefake.NewSimpleClientset()
	emit := testEmitter()
	store := addrset.New(emit)

	r := New(dyn, client, emit, store, log.NewNopLogger(), reg, &config.Options{InjectToAll: selfPod == nil}, selfPod)
	return r, dyn
}

func toUnstructured(t *testing.T, p *netemv1alpha1.TrafficProfile) *unstructured.Unstructured {
	t.Helper()
	p.TypeMeta = metav1.TypeMeta{Kind: "TrafficProfile", APIVersion: "k8s-netem.riasc.io/v1alpha1"}
	m, err := runtime.DefaultUnstructuredConverter.ToUnstructured(p)
	require.NoError(t, err)
	return &unstructured.Unstructured{Object: m}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestReconciler_AddedProfileAttachesToBuiltinController(t *testing.T) {
	builtin := newFakeController(controller.BuiltinKind)
	r, dyn := newTestReconciler(t, builtin, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	profile := &netemv1alpha1.TrafficProfile{
		ObjectMeta: metav1.ObjectMeta{Name: "p1", UID: "uid-1"},
		Spec:       netemv1alpha1.TrafficProfileSpec{Interface: "eth0", Type: controller.BuiltinKind},
	}
	gvr := netemv1alpha1.TrafficProfileResource()
	_, err := dyn.Resource(gvr).Create(ctx, toUnstructured(t, profile), metav1.CreateOptions{})
	require.NoError(t, err)

	waitUntil(t, func() bool {
		added, _, _, _ := builtin.snapshot()
		return len(added) == 1
	})

	added, _, _, _ := builtin.snapshot()
	assert.Equal(t, []string{"uid-1"}, added)
}

func TestReconciler_DeletedProfileRemovesAndDeinitsEmptyController(t *testing.T) {
	builtin := newFakeController(controller.BuiltinKind)
	r, dyn := newTestReconciler(t, builtin, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	profile := &netemv1alpha1.TrafficProfile{
		ObjectMeta: metav1.ObjectMeta{Name: "p1", UID: "uid-1"},
		Spec:       netemv1alpha1.TrafficProfileSpec{Interface: "eth0", Type: controller.BuiltinKind},
	}
	gvr := netemv1alpha1.TrafficProfileResource()
	_, err := dyn.Resource(gvr).Create(ctx, toUnstructured(t, profile), metav1.CreateOptions{})
	require.NoError(t, err)

	waitUntil(t, func() bool {
		added, _, _, _ := builtin.snapshot()
		return len(added) == 1
	})

	require.NoError(t, dyn.Resource(gvr).Delete(ctx, "p1", metav1.DeleteOptions{}))

	waitUntil(t, func() bool {
		_, _, removed, deinited := builtin.snapshot()
		return len(removed) == 1 && deinited
	})
}

func TestReconciler_ConflictingTypeOnSameInterfaceIsRejected(t *testing.T) {
	builtin := newFakeController(controller.BuiltinKind)
	remote := newFakeController(controller.RemoteKind)
	r, dyn := newTestReconciler(t, builtin, remote, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	gvr := netemv1alpha1.TrafficProfileResource()

	first := &netemv1alpha1.TrafficProfile{
		ObjectMeta: metav1.ObjectMeta{Name: "p1", UID: "uid-1"},
		Spec:       netemv1alpha1.TrafficProfileSpec{Interface: "eth0", Type: controller.BuiltinKind},
	}
	_, err := dyn.Resource(gvr).Create(ctx, toUnstructured(t, first), metav1.CreateOptions{})
	require.NoError(t, err)

	waitUntil(t, func() bool {
		added, _, _, _ := builtin.snapshot()
		return len(added) == 1
	})

	second := &netemv1alpha1.TrafficProfile{
		ObjectMeta: metav1.ObjectMeta{Name: "p2", UID: "uid-2"},
		Spec:       netemv1alpha1.TrafficProfileSpec{Interface: "eth0", Type: controller.RemoteKind},
	}
	_, err = dyn.Resource(gvr).Create(ctx, toUnstructured(t, second), metav1.CreateOptions{})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	added, _, _, _ := remote.snapshot()
	assert.Empty(t, added, "a conflicting controller type on the same interface must not attach")
}

func TestReconciler_NonMatchingPodIsIgnored(t *testing.T) {
	builtin := newFakeController(controller.BuiltinKind)
	selfPod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"app": "other"}}}
	r, dyn := newTestReconciler(t, builtin, nil, selfPod)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	profile := &netemv1alpha1.TrafficProfile{
		ObjectMeta: metav1.ObjectMeta{Name: "p1", UID: "uid-1"},
		Spec: netemv1alpha1.TrafficProfileSpec{
			Interface:   "eth0",
			Type:        controller.BuiltinKind,
			PodSelector: metav1.LabelSelector{MatchLabels: map[string]string{"app": "target"}},
		},
	}
	gvr := netemv1alpha1.TrafficProfileResource()
	_, err := dyn.Resource(gvr).Create(ctx, toUnstructured(t, profile), metav1.CreateOptions{})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	added, _, _, _ := builtin.snapshot()
	assert.Empty(t, added, "a profile whose podSelector excludes the host pod must not attach")
}
