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

// Package webhook implements the mutating admission webhook (L8, §6.3):
// it injects the k8s-netem sidecar container into pods matched by a live
// TrafficProfile.
package webhook

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	admissionv1 "k8s.io/api/admission/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/serializer"
	"k8s.io/client-go/kubernetes/scheme"

	netemv1alpha1 "github.com/ERIGrid2/k8s-netem/pkg/apis/netem/v1alpha1"
)

// ProfileLister is the subset of a TrafficProfile client the webhook
// needs: a full list against which every admitted pod is matched.
type ProfileLister interface {
	List() ([]netemv1alpha1.TrafficProfile, error)
}

// Server serves pod admission requests.
type Server struct {
	logger      logr.Logger
	decoder     runtime.Decoder
	profiles    ProfileLister
	injectToAll bool
}

// NewServer returns a Server backed by the given profile lister.
func NewServer(logger logr.Logger, profiles ProfileLister, injectToAll bool) *Server {
	return &Server{
		logger:      logger,
		decoder:     serializer.NewCodecFactory(scheme.Scheme).UniversalDeserializer(),
		profiles:    profiles,
		injectToAll: injectToAll,
	}
}

// Handler returns the http.HandlerFunc to mount at the webhook path.
func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.logger.V(1).Info("webhook called", "method", r.Method, "path", r.URL.Path)

		var req, resp admissionv1.AdmissionReview

		if data, err := io.ReadAll(r.Body); err != nil {
			s.logger.Error(err, "reading request body")
			resp.Response = toAdmissionResponse(err)
		} else if _, _, err := s.decoder.Decode(data, nil, &req); err != nil {
			s.logger.Error(err, "decoding admission review")
			resp.Response = toAdmissionResponse(err)
		} else if ar, err := s.admitPod(&req); err != nil {
			s.logger.Error(err, "admitting pod")
			resp.Response = toAdmissionResponse(err)
		} else {
			resp.Response = ar
		}

		if req.Request != nil {
			resp.APIVersion = req.APIVersion
			resp.Kind = req.Kind
			resp.Response.UID = req.Request.UID
		}

		if respBytes, err := json.Marshal(resp); err != nil {
			s.logger.Error(err, "encoding admission response")
		} else if _, err := w.Write(respBytes); err != nil {
			s.logger.Error(err, "writing admission response")
		}
	}
}

// admitPod decides whether pod should be mutated, per §6.3: a pod is
// mutated iff injectToAll is set or some live TrafficProfile's
// podSelector matches it, and iff it does not already carry the sidecar
// container.
func (s *Server) admitPod(ar *admissionv1.AdmissionReview) (*admissionv1.AdmissionResponse, error) {
	if ar.Request == nil {
		return nil, errors.New("admission review carries no request")
	}
	if ar.Request.Resource.Resource != "pods" {
		return nil, fmt.Errorf("expected resource pods, got %v", ar.Request.Resource)
	}

	pod := &corev1.Pod{}
	if err := json.Unmarshal(ar.Request.Object.Raw, pod); err != nil {
		return nil, errors.Wrap(err, "unmarshalling admission request to pod")
	}

	if hasSidecar(pod) {
		return &admissionv1.AdmissionResponse{Allowed: true}, nil
	}

	if !s.injectToAll {
		matched, err := s.matchesAnyProfile(pod)
		if err != nil {
			return nil, err
		}
		if !matched {
			return &admissionv1.AdmissionResponse{Allowed: true}, nil
		}
	}

	patch, err := sidecarPatch(pod)
	if err != nil {
		return nil, errors.Wrap(err, "building sidecar injection patch")
	}
	if len(patch) == 0 {
		return &admissionv1.AdmissionResponse{Allowed: true}, nil
	}

	raw, err := json.Marshal(patch)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling json patch")
	}

	patchType := admissionv1.PatchTypeJSONPatch
	return &admissionv1.AdmissionResponse{
		Allowed:   true,
		Patch:     raw,
		PatchType: &patchType,
	}, nil
}

func (s *Server) matchesAnyProfile(pod *corev1.Pod) (bool, error) {
	profiles, err := s.profiles.List()
	if err != nil {
		return false, errors.Wrap(err, "listing traffic profiles")
	}
	for i := range profiles {
		selector, err := metav1.LabelSelectorAsSelector(&profiles[i].Spec.PodSelector)
		if err != nil {
			return false, err
		}
		if selector.Matches(podLabels(pod.Labels)) {
			return true, nil
		}
	}
	return false, nil
}

type podLabels map[string]string

func (l podLabels) Has(key string) bool  { _, ok := l[key]; return ok }
func (l podLabels) Get(key string) string { return l[key] }

func toAdmissionResponse(err error) *admissionv1.AdmissionResponse {
	return &admissionv1.AdmissionResponse{
		Allowed: false,
		Result: &metav1.Status{
			Status:  metav1.StatusFailure,
			Message: err.Error(),
		},
	}
}
