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

// Package v1alpha1 contains the TrafficProfile custom resource definition.
package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// +genclient
// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object

// TrafficProfile declares a set of peer selectors and an impairment
// parameter block to apply to matching pods.
type TrafficProfile struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec TrafficProfileSpec `json:"spec"`
}

// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object

// TrafficProfileList is a list of TrafficProfiles.
type TrafficProfileList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`

	Items []TrafficProfile `json:"items"`
}

// TrafficProfileSpec is the declarative body of a TrafficProfile.
type TrafficProfileSpec struct {
	// Type selects the controller variant driving this profile (L6).
	// Defaults to "Builtin".
	Type string `json:"type,omitempty" validate:"omitempty,oneof=Builtin Script Remote"`

	// Interface is the target device name. If empty, the reconciler infers
	// the first non-loopback interface of the host pod.
	Interface string `json:"interface,omitempty"`

	// PodSelector determines whether this sidecar acts on the profile at
	// all. An empty selector matches every pod.
	PodSelector metav1.LabelSelector `json:"podSelector,omitempty"`

	Ingress *Direction `json:"ingress,omitempty" validate:"omitempty"`
	Egress  *Direction `json:"egress,omitempty" validate:"omitempty"`

	// Parameters is opaque to the reconciler; interpreted only by the
	// matching controller variant. For Type=Builtin it holds a "netem"
	// block (see NetemParameters).
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// Direction is the ingress or egress half of a profile's spec.
type Direction struct {
	Rules []Rule `json:"rules,omitempty" validate:"dive"`
}

// Rule is one selector clause: a set of peers plus port/protocol
// restrictions. It compiles to one packet-filter row and four named sets.
type Rule struct {
	Peers      []Peer   `json:"peers,omitempty" validate:"dive"`
	Ports      []Port   `json:"ports,omitempty" validate:"dive"`
	EtherTypes []string `json:"etherTypes,omitempty"`
	InetProtos []string `json:"inetProtos,omitempty"`
}

// Peer is one element of a Rule's peer list: either a static CIDR block
// or a dynamic pod/namespace selector pair.
type Peer struct {
	IPBlock *IPBlock `json:"ipBlock,omitempty" validate:"omitempty"`

	PodSelector       *metav1.LabelSelector `json:"podSelector,omitempty"`
	NamespaceSelector *metav1.LabelSelector `json:"namespaceSelector,omitempty"`
}

// IPBlock is a static CIDR peer.
type IPBlock struct {
	CIDR string `json:"cidr" validate:"required,cidr"`
}

// Port restricts a rule to one (protocol, port) pair. A nil Port means
// "any port of this protocol".
type Port struct {
	Port     *int32 `json:"port,omitempty"`
	Protocol string `json:"protocol,omitempty" validate:"omitempty,oneof=TCP UDP SCTP"`
}

// NetemParameters is the Builtin controller's impairment parameter block,
// decoded out of TrafficProfileSpec.Parameters["netem"].
type NetemParameters struct {
	LossRatio              float64 `json:"loss_ratio,omitempty"`
	LossCorrelation        float64 `json:"loss_correlation,omitempty"`
	DuplicationRatio       float64 `json:"duplication_ratio,omitempty"`
	DuplicationCorrelation float64 `json:"duplication_correlation,omitempty"`

	Delay                 float64 `json:"delay,omitempty"`
	Jitter                float64 `json:"jitter,omitempty"`
	DelayJitterCorrelation float64 `json:"delay_jitter_correlation,omitempty"`

	ReorderRatio       float64 `json:"reorder_ratio,omitempty"`
	ReorderCorrelation float64 `json:"reorder_correlation,omitempty"`
	ReorderGap         int     `json:"reorder_gap,omitempty"`

	Distribution string `json:"distribution,omitempty"`
	Limit        int    `json:"limit,omitempty"`

	Rate               int `json:"rate,omitempty"`
	RatePacketOverhead int `json:"rate_packetoverhead,omitempty"`
	RateCellSize       int `json:"rate_cellsize,omitempty"`
	RateCellOverhead   int `json:"rate_celloverhead,omitempty"`

	SlotMinDelay      float64 `json:"slot_min_delay,omitempty"`
	SlotMaxDelay      float64 `json:"slot_max_delay,omitempty"`
	SlotDistribution  string  `json:"slot_distribution,omitempty"`
	SlotDelay         float64 `json:"slot_delay,omitempty"`
	SlotJitter        float64 `json:"slot_jitter,omitempty"`
	SlotPackets       int     `json:"slot_packets,omitempty"`
	SlotBytes         int     `json:"slot_bytes,omitempty"`
}

// Netem decodes the Parameters["netem"] block, if present.
func (s *TrafficProfileSpec) Netem() (*NetemParameters, bool) {
	raw, ok := s.Parameters["netem"]
	if !ok {
		return nil, false
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil, false
	}

	n := &NetemParameters{}
	assignFloat(m, "loss_ratio", &n.LossRatio)
	assignFloat(m, "loss_correlation", &n.LossCorrelation)
	assignFloat(m, "duplication_ratio", &n.DuplicationRatio)
	assignFloat(m, "duplication_correlation", &n.DuplicationCorrelation)
	assignFloat(m, "delay", &n.Delay)
	assignFloat(m, "jitter", &n.Jitter)
	assignFloat(m, "delay_jitter_correlation", &n.DelayJitterCorrelation)
	assignFloat(m, "reorder_ratio", &n.ReorderRatio)
	assignFloat(m, "reorder_correlation", &n.ReorderCorrelation)
	assignInt(m, "reorder_gap", &n.ReorderGap)
	assignString(m, "distribution", &n.Distribution)
	assignInt(m, "limit", &n.Limit)
	assignInt(m, "rate", &n.Rate)
	assignInt(m, "rate_packetoverhead", &n.RatePacketOverhead)
	assignInt(m, "rate_cellsize", &n.RateCellSize)
	assignInt(m, "rate_celloverhead", &n.RateCellOverhead)
	assignFloat(m, "slot_min_delay", &n.SlotMinDelay)
	assignFloat(m, "slot_max_delay", &n.SlotMaxDelay)
	assignString(m, "slot_distribution", &n.SlotDistribution)
	assignFloat(m, "slot_delay", &n.SlotDelay)
	assignFloat(m, "slot_jitter", &n.SlotJitter)
	assignInt(m, "slot_packets", &n.SlotPackets)
	assignInt(m, "slot_bytes", &n.SlotBytes)

	return n, true
}

func assignFloat(m map[string]interface{}, key string, dst *float64) {
	if v, ok := m[key]; ok {
		if f, ok := v.(float64); ok {
			*dst = f
		}
	}
}

func assignInt(m map[string]interface{}, key string, dst *int) {
	if v, ok := m[key]; ok {
		if f, ok := v.(float64); ok {
			*dst = int(f)
		}
	}
}

func assignString(m map[string]interface{}, key string, dst *string) {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			*dst = s
		}
	}
}
