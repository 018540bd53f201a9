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

// Package peer implements the peer resolver (L3): a two-level watch tree
// mapping namespace+pod selectors to live pod IPs, fed into a Rule's
// nets set.
package peer

import (
	"context"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"

	netemv1alpha1 "github.com/ERIGrid2/k8s-netem/pkg/apis/netem/v1alpha1"
)

// NetSink receives the idempotent nets-set edits a Peer produces. The
// Rule compiler implements this.
type NetSink interface {
	AddNet(ctx context.Context, cidr string, annotation string) error
	DeleteNet(ctx context.Context, cidr string) error
}

// Peer watches a pod/namespace selector pair and drives sink with the
// resulting pod IPs, per §4.3.
type Peer struct {
	client kubernetes.Interface
	logger log.Logger
	sink   NetSink
	spec   netemv1alpha1.Peer

	mu         sync.Mutex
	cancel     context.CancelFunc
	namespaces map[string]context.CancelFunc // uid -> cancel for its pod watcher
	wg         sync.WaitGroup
}

// New returns a Peer bound to the given dynamic selector spec. Static
// ipBlock peers are handled directly by the rule compiler and never
// reach this package.
func New(client kubernetes.Interface, logger log.Logger, spec netemv1alpha1.Peer, sink NetSink) *Peer {
	return &Peer{client: client, logger: logger, sink: sink, spec: spec, namespaces: map[string]context.CancelFunc{}}
}

// Init starts the watcher(s) described by the Peer's selector, per the
// two-level watch tree: namespaceSelector+podSelector recurses through a
// namespace watch; podSelector alone watches pods cluster-wide.
func (p *Peer) Init(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	if p.spec.NamespaceSelector != nil {
		p.wg.Add(1)
		go p.watchNamespaces(ctx)
		return nil
	}

	if p.spec.PodSelector != nil {
		p.wg.Add(1)
		go p.watchPods(ctx, "")
		return nil
	}

	return nil
}

// Deinit stops every watcher owned by this Peer and waits briefly
// (best-effort) for them to terminate.
func (p *Peer) Deinit() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	for _, cancelNS := range p.namespaces {
		cancelNS()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	default:
		// Join with a zero-timeout is sufficient per §5; abandon stragglers.
	}
}

func (p *Peer) watchNamespaces(ctx context.Context) {
	defer p.wg.Done()

	selector, err := metav1.LabelSelectorAsSelector(p.spec.NamespaceSelector)
	if err != nil {
		level.Error(p.logger).Log("msg", "invalid namespaceSelector", "err", err)
		return
	}

	watchFn := func(options metav1.ListOptions) (watch.Interface, error) {
		options.LabelSelector = selector.String()
		return p.client.CoreV1().Namespaces().Watch(ctx, options)
	}

	rw, err := cache.NewRetryWatcher("1", &cache.ListWatch{WatchFunc: watchFn})
	if err != nil {
		level.Error(p.logger).Log("msg", "starting namespace watch", "err", err)
		return
	}
	defer rw.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-rw.ResultChan():
			if !ok {
				return
			}
			ns, ok := event.Object.(*corev1.Namespace)
			if !ok {
				continue
			}
			p.handleNamespaceEvent(ctx, event.Type, ns)
		}
	}
}

func (p *Peer) handleNamespaceEvent(ctx context.Context, typ watch.EventType, ns *corev1.Namespace) {
	uid := string(ns.UID)

	switch typ {
	case watch.Added:
		nsCtx, cancel := context.WithCancel(ctx)
		p.mu.Lock()
		p.namespaces[uid] = cancel
		p.mu.Unlock()

		p.wg.Add(1)
		go p.watchPods(nsCtx, ns.Name)

	case watch.Deleted:
		p.mu.Lock()
		cancel, ok := p.namespaces[uid]
		delete(p.namespaces, uid)
		p.mu.Unlock()
		if ok {
			cancel()
		}
	}
}

func (p *Peer) watchPods(ctx context.Context, namespace string) {
	defer p.wg.Done()

	selector, err := metav1.LabelSelectorAsSelector(p.spec.PodSelector)
	if err != nil {
		level.Error(p.logger).Log("msg", "invalid podSelector", "err", err)
		return
	}

	watchFn := func(options metav1.ListOptions) (watch.Interface, error) {
		options.LabelSelector = selector.String()
		return p.client.CoreV1().Pods(namespace).Watch(ctx, options)
	}

	rw, err := cache.NewRetryWatcher("1", &cache.ListWatch{WatchFunc: watchFn})
	if err != nil {
		level.Error(p.logger).Log("msg", "starting pod watch", "namespace", namespace, "err", err)
		return
	}
	defer rw.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-rw.ResultChan():
			if !ok {
				return
			}
			pod, ok := event.Object.(*corev1.Pod)
			if !ok {
				continue
			}
			p.handlePodEvent(ctx, event.Type, pod)
		}
	}
}

func (p *Peer) handlePodEvent(ctx context.Context, typ watch.EventType, pod *corev1.Pod) {
	if pod.Status.PodIP == "" {
		return
	}

	cidr := pod.Status.PodIP + "/32"
	annotation := pod.Namespace + "/" + pod.Name

	var err error
	switch typ {
	case watch.Added, watch.Modified:
		err = p.sink.AddNet(ctx, cidr, annotation)
	case watch.Deleted:
		err = p.sink.DeleteNet(ctx, cidr)
	}
	if err != nil {
		level.Warn(p.logger).Log("msg", "updating nets set for pod event", "pod", annotation, "err", err)
	}
}
