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
	"encoding/json"

	"gomodules.xyz/jsonpatch/v2"
	corev1 "k8s.io/api/core/v1"
)

// SidecarContainerName is the name the sidecar container is injected
// under, and the marker hasSidecar looks for.
const SidecarContainerName = "k8s-netem"

// SidecarImage is the image reference injected into matched pods. It is
// a package variable rather than a const; cmd/netem-webhook has no flag
// that sets it.
var SidecarImage = "ghcr.io/erigrid2/k8s-netem:latest"

func hasSidecar(pod *corev1.Pod) bool {
	for _, c := range pod.Spec.Containers {
		if c.Name == SidecarContainerName {
			return true
		}
	}
	return false
}

// sidecarPatch diffs pod against a copy carrying the injected sidecar
// container and returns the JSON patch operations needed to get there.
func sidecarPatch(pod *corev1.Pod) ([]jsonpatch.JsonPatchOperation, error) {
	original, err := json.Marshal(pod)
	if err != nil {
		return nil, err
	}

	mutated := pod.DeepCopy()
	mutated.Spec.Containers = append(mutated.Spec.Containers, sidecarContainer())

	mutatedRaw, err := json.Marshal(mutated)
	if err != nil {
		return nil, err
	}

	return jsonpatch.CreatePatch(original, mutatedRaw)
}

// sidecarContainer builds the container spec injected into matched
// pods: POD_NAME/POD_NAMESPACE via the downward API and NET_ADMIN so it
// can install nftables/tc state in the pod's network namespace.
func sidecarContainer() corev1.Container {
	return corev1.Container{
		Name:  SidecarContainerName,
		Image: SidecarImage,
		Env: []corev1.EnvVar{
			{
				Name: "POD_NAME",
				ValueFrom: &corev1.EnvVarSource{
					FieldRef: &corev1.ObjectFieldSelector{FieldPath: "metadata.name"},
				},
			},
			{
				Name: "POD_NAMESPACE",
				ValueFrom: &corev1.EnvVarSource{
					FieldRef: &corev1.ObjectFieldSelector{FieldPath: "metadata.namespace"},
				},
			},
		},
		SecurityContext: &corev1.SecurityContext{
			Capabilities: &corev1.Capabilities{
				Add: []corev1.Capability{"NET_ADMIN"},
			},
			Privileged:   &falsy,
			RunAsNonRoot: &falsy,
		},
	}
}

var falsy = false
