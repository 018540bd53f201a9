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

package webhook

import (
	"context"

	"github.com/pkg/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/dynamic"

	netemv1alpha1 "github.com/ERIGrid2/k8s-netem/pkg/apis/netem/v1alpha1"
)

// DynamicLister implements ProfileLister against the dynamic client, the
// same client the reconciler watches TrafficProfiles through.
type DynamicLister struct {
	client dynamic.Interface
}

// NewDynamicLister returns a ProfileLister backed by client.
func NewDynamicLister(client dynamic.Interface) *DynamicLister {
	return &DynamicLister{client: client}
}

// List fetches every TrafficProfile across all namespaces.
func (l *DynamicLister) List() ([]netemv1alpha1.TrafficProfile, error) {
	gvr := netemv1alpha1.TrafficProfileResource()
	list, err := l.client.Resource(gvr).List(context.Background(), metav1.ListOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "listing traffic profiles")
	}

	out := make([]netemv1alpha1.TrafficProfile, 0, len(list.Items))
	for i := range list.Items {
		var p netemv1alpha1.TrafficProfile
		if err := runtime.DefaultUnstructuredConverter.FromUnstructured(list.Items[i].Object, &p); err != nil {
			return nil, errors.Wrap(err, "converting unstructured profile")
		}
		out = append(out, p)
	}
	return out, nil
}
