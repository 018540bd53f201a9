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
	"fmt"
	"net"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"

	netemv1alpha1 "github.com/ERIGrid2/k8s-netem/pkg/apis/netem/v1alpha1"
	"github.com/ERIGrid2/k8s-netem/pkg/addrset"
	"github.com/ERIGrid2/k8s-netem/pkg/config"
	"github.com/ERIGrid2/k8s-netem/pkg/controller"
	"github.com/ERIGrid2/k8s-netem/pkg/emitter"
	"github.com/ERIGrid2/k8s-netem/pkg/errkind"
)

// Reconciler is the single top-level loop over the TrafficProfile watch
// (L7). It allocates marks, orchestrates L4-L6 on every event, and
// maintains per-profile lifecycle.
type Reconciler struct {
	dynamicClient dynamic.Interface
	client        kubernetes.Interface
	emit          *emitter.Emitter
	store         *addrset.Store
	logger        log.Logger
	registry      *controller.Registry
	opts          *config.Options
	defaultIface  string
	metricsReg    prometheus.Registerer

	selfPod *corev1.Pod

	mu          sync.Mutex
	profiles    map[string]*Profile      // uid -> Profile
	controllers map[string]controller.Controller // "interface/type" -> Controller
	ifaceType   map[string]string        // interface -> type, for conflict detection
}

// New returns a Reconciler ready to Run. defaultIface names the device
// used when a TrafficProfile omits spec.interface; if empty (the
// default when omitted entirely), the reconciler infers the host's
// first non-loopback interface per spec.interface's documented
// contract, detected again each time it is needed.
func New(dynamicClient dynamic.Interface, client kubernetes.Interface, emit *emitter.Emitter, store *addrset.Store, logger log.Logger, registry *controller.Registry, opts *config.Options, selfPod *corev1.Pod, defaultIface ...string) *Reconciler {
	iface := ""
	if len(defaultIface) > 0 {
		iface = defaultIface[0]
	}
	return &Reconciler{
		dynamicClient: dynamicClient,
		client:        client,
		emit:          emit,
		store:         store,
		logger:        logger,
		registry:      registry,
		opts:          opts,
		defaultIface:  iface,
		selfPod:       selfPod,
		profiles:      map[string]*Profile{},
		controllers:   map[string]controller.Controller{},
		ifaceType:     map[string]string{},
	}
}

// SetMetricsRegisterer registers every per-interface Controller's
// Metrics gauges against reg instead of leaving them unregistered.
// Optional: controllers built before this is called are unaffected.
func (r *Reconciler) SetMetricsRegisterer(reg prometheus.Registerer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metricsReg = reg
}

// Run consumes the profile watch until ctx is cancelled, reconnecting on
// StreamClosed per §7. Before returning it deinitialises every
// controller.
func (r *Reconciler) Run(ctx context.Context) error {
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), emitter.DefaultTimeout)
		defer cancel()
		r.mu.Lock()
		ctrls := r.controllers
		r.controllers = map[string]controller.Controller{}
		r.ifaceType = map[string]string{}
		r.mu.Unlock()
		for key, ctrl := range ctrls {
			if err := ctrl.Deinit(dctx); err != nil {
				level.Error(r.logger).Log("msg", "deiniting controller on shutdown", "controller", key, "err", err)
			}
		}
	}()

	for {
		if err := r.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			level.Error(r.logger).Log("msg", "profile watch ended, reconnecting", "err", err)
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context) error {
	gvr := netemv1alpha1.TrafficProfileResource()

	watchFn := func(options metav1.ListOptions) (watch.Interface, error) {
		return r.dynamicClient.Resource(gvr).Watch(ctx, options)
	}

	rw, err := cache.NewRetryWatcher("1", &cache.ListWatch{WatchFunc: watchFn})
	if err != nil {
		return errors.Wrap(err, "starting profile watch")
	}
	defer rw.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-rw.ResultChan():
			if !ok {
				return errkind.Wrap(errkind.KindStreamClosed, errors.New("profile watch channel closed"))
			}
			r.handleEvent(ctx, event)
		}
	}
}

func (r *Reconciler) handleEvent(ctx context.Context, event watch.Event) {
	if event.Type == watch.Error {
		level.Error(r.logger).Log("msg", "profile watch error event", "object", fmt.Sprintf("%+v", event.Object))
		return
	}

	obj, err := fromUnstructured(event.Object)
	if err != nil {
		level.Error(r.logger).Log("msg", "decoding profile event", "err", err)
		return
	}

	switch event.Type {
	case watch.Added:
		r.onAdded(ctx, obj)
	case watch.Modified:
		r.onModified(ctx, obj)
	case watch.Deleted:
		r.onDeleted(ctx, obj)
	}
}

func (r *Reconciler) onAdded(ctx context.Context, obj *netemv1alpha1.TrafficProfile) {
	if err := obj.Spec.Validate(); err != nil {
		level.Error(r.logger).Log("msg", "rejecting invalid profile", "profile", obj.Name, "err", err)
		return
	}

	table := fmt.Sprintf("%s-%s", config.NFTTablePrefix, shortUID(obj))
	p := newProfile(string(obj.UID), obj.Name, table, obj.Spec)

	matched, err := r.matches(p)
	if err != nil {
		level.Error(r.logger).Log("msg", "evaluating podSelector", "profile", obj.Name, "err", err)
		return
	}
	if !matched {
		return
	}

	ctrl, err := r.controllerFor(ctx, p.Interface(), p.Type())
	if err != nil {
		level.Error(r.logger).Log("msg", "selecting controller", "profile", obj.Name, "err", err)
		return
	}

	mark := ctrl.GetMark()

	if err := p.init(ctx, r.client, r.store, r.emit, r.logger, mark); err != nil {
		level.Error(r.logger).Log("msg", "initialising profile", "profile", obj.Name, "err", err)
		return
	}

	if err := ctrl.AddProfile(ctx, p); err != nil {
		level.Error(r.logger).Log("msg", "attaching controller queueing state", "profile", obj.Name, "err", err)
		return
	}

	r.mu.Lock()
	r.profiles[p.UID()] = p
	r.mu.Unlock()

	level.Info(r.logger).Log("msg", "profile added", "profile", obj.Name, "mark", mark)
}

func (r *Reconciler) onModified(ctx context.Context, obj *netemv1alpha1.TrafficProfile) {
	if err := obj.Spec.Validate(); err != nil {
		level.Error(r.logger).Log("msg", "rejecting invalid profile update", "profile", obj.Name, "err", err)
		return
	}

	r.mu.Lock()
	old, known := r.profiles[string(obj.UID)]
	r.mu.Unlock()

	if !known {
		r.onAdded(ctx, obj)
		return
	}

	ctrl, err := r.controllerFor(ctx, obj.Spec.Interface, obj.Spec.Type)
	if err != nil {
		level.Error(r.logger).Log("msg", "selecting controller on modify", "profile", obj.Name, "err", err)
		return
	}

	changed, err := old.update(ctx, r.client, r.store, r.emit, r.logger, obj.Spec)
	if err != nil {
		level.Error(r.logger).Log("msg", "updating profile", "profile", obj.Name, "err", err)
		return
	}

	if changed {
		if err := ctrl.UpdateProfile(ctx, old); err != nil {
			level.Error(r.logger).Log("msg", "updating controller queueing state", "profile", obj.Name, "err", err)
		}
	}
}

func (r *Reconciler) onDeleted(ctx context.Context, obj *netemv1alpha1.TrafficProfile) {
	r.mu.Lock()
	old, known := r.profiles[string(obj.UID)]
	if known {
		delete(r.profiles, string(obj.UID))
	}
	r.mu.Unlock()

	if !known {
		return
	}

	if err := old.deinit(ctx, r.emit); err != nil {
		level.Error(r.logger).Log("msg", "deinitialising profile", "profile", obj.Name, "err", err)
	}

	iface := old.Interface()
	if iface == "" {
		iface = r.defaultIface
	}
	if iface == "" {
		iface = detectDefaultInterface()
	}
	key := fmt.Sprintf("%s/%s", iface, old.Type())
	r.mu.Lock()
	ctrl, ok := r.controllers[key]
	r.mu.Unlock()

	if ok {
		if err := ctrl.RemoveProfile(ctx, old); err != nil {
			level.Error(r.logger).Log("msg", "removing controller queueing state", "profile", obj.Name, "err", err)
		}

		if ctrl.Empty() {
			if err := ctrl.Deinit(ctx); err != nil {
				level.Error(r.logger).Log("msg", "deiniting empty controller", "interface", iface, "err", err)
			}
			r.mu.Lock()
			delete(r.controllers, key)
			delete(r.ifaceType, iface)
			r.mu.Unlock()
		}
	}
}

// controllerFor selects the Controller for (iface, kind), per (interface,
// type) pair: two profiles targeting the same interface must agree on
// type or the later one is rejected with a logged Conflict.
func (r *Reconciler) controllerFor(ctx context.Context, iface, kind string) (controller.Controller, error) {
	if iface == "" {
		iface = r.defaultIface
	}
	if iface == "" {
		iface = detectDefaultInterface()
	}
	if kind == "" {
		kind = controller.BuiltinKind
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existingKind, ok := r.ifaceType[iface]; ok && existingKind != kind {
		return nil, errkind.Wrap(errkind.KindConflict, errors.Errorf("interface %s already driven by controller type %s, rejecting %s", iface, existingKind, kind))
	}

	key := fmt.Sprintf("%s/%s", iface, kind)
	if ctrl, ok := r.controllers[key]; ok {
		return ctrl, nil
	}

	metrics := controller.NewMetrics(r.metricsReg, iface)
	ctrl, ok, err := r.registry.Build(ctx, kind, iface, metrics)
	if err != nil {
		return nil, errors.Wrapf(err, "constructing %s controller for %s", kind, iface)
	}
	if !ok {
		return nil, errors.Errorf("unknown controller type %q", kind)
	}

	r.controllers[key] = ctrl
	r.ifaceType[iface] = kind
	return ctrl, nil
}

// matches reports whether p should attach to this sidecar: either the
// process injects to every pod regardless of podSelector, runs
// unbound to any pod (no selfPod), or p.Match accepts the host pod.
func (r *Reconciler) matches(p *Profile) (bool, error) {
	if r.opts != nil && r.opts.InjectToAll {
		return true, nil
	}
	if r.selfPod == nil {
		return true, nil
	}
	return p.Match(r.selfPod)
}

// detectDefaultInterface returns the host's first up, non-loopback
// network interface, per spec.interface's "infers the first
// non-loopback interface of the host pod" contract. Falls back to
// "eth0" if detection fails or the host has no such interface.
func detectDefaultInterface() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "eth0"
	}
	for _, i := range ifaces {
		if i.Flags&net.FlagLoopback != 0 || i.Flags&net.FlagUp == 0 {
			continue
		}
		return i.Name
	}
	return "eth0"
}

func shortUID(obj *netemv1alpha1.TrafficProfile) string {
	s := string(obj.UID)
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// fromUnstructured converts a watch event's runtime.Object (delivered by
// the dynamic client as *unstructured.Unstructured) into a typed
// TrafficProfile.
func fromUnstructured(obj runtime.Object) (*netemv1alpha1.TrafficProfile, error) {
	u, ok := obj.(*unstructured.Unstructured)
	if !ok {
		return nil, errors.Errorf("unexpected watch object type %T", obj)
	}
	var p netemv1alpha1.TrafficProfile
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(u.Object, &p); err != nil {
		return nil, errors.Wrap(err, "converting unstructured profile")
	}
	return &p, nil
}
