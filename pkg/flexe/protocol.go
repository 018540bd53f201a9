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

// Package flexe implements the optional remote impairment engine's wire
// protocol (§6.2): a bidirectional JSON-framed channel plus a REST
// side-channel for profile CRUD.
package flexe

import "encoding/json"

// Message ids exchanged over the websocket channel.
const (
	IDGetPacking     = "GetPacking"
	IDNewInterface   = "NewInterface"
	IDSetFilters     = "SetFilters"
	IDRunApplication = "RunApplication"
	IDFilter         = "filter"
)

// Envelope is the outer frame every message is wrapped in.
type Envelope struct {
	ID      string `json:"id"`
	Payload interface{} `json:"payload,omitempty"`
}

// PackingField describes one field of the wire layout GetPacking returns.
type PackingField struct {
	LengthBytes int    `json:"length_bytes"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// InterfaceDescriptor is one element of a NewInterface push.
type InterfaceDescriptor struct {
	Name    string `json:"name"`
	Bitmask string `json:"bitmask"`
	Index   int    `json:"index"`
}

// Filter is one element of a SetFilters request's filter list:
// [key_b64, mask_b64, inboundBits, outboundBits, uplinkBool].
type Filter struct {
	KeyB64      string `json:"key_b64"`
	MaskB64     string `json:"mask_b64"`
	InboundBits int    `json:"inbound_bits"`
	OutboundBits int   `json:"outbound_bits"`
	Uplink      bool   `json:"uplink"`
}

// MarshalJSON encodes f in its positional wire form.
func (f Filter) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{f.KeyB64, f.MaskB64, f.InboundBits, f.OutboundBits, f.Uplink})
}

// SetFiltersRequest binds a profile's mark to a packing key.
type SetFiltersRequest struct {
	FID     int      `json:"fid"`
	Filters []Filter `json:"filters"`
}

// ProfilePair is one [ingressName, egressName] element of a
// RunApplication request's profiles list.
type ProfilePair struct {
	Ingress string `json:"ingress"`
	Egress  string `json:"egress"`
}

// MarshalJSON encodes p in its positional wire form.
func (p ProfilePair) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string{p.Ingress, p.Egress})
}

// RunSchedule is the run block of one profile_data entry.
type RunSchedule struct {
	Start  float64 `json:"start"`
	End    float64 `json:"end"`
	Repeat *bool   `json:"repeat,omitempty"`
}

// ProfileData is one named entry of a RunApplication request's
// profile_data map.
type ProfileData struct {
	Segments []string    `json:"segments"`
	Run      RunSchedule `json:"run"`
}

// RunApplicationRequest names the profiles to run and the segment set of
// each.
type RunApplicationRequest struct {
	FID         int                    `json:"fid"`
	Profiles    []ProfilePair          `json:"profiles,omitempty"`
	ProfileData map[string]ProfileData `json:"profile_data,omitempty"`
}

// FilterCounter is one element of a `filter` push's cnt list:
// (idx, in, out, ts).
type FilterCounter struct {
	Index     int     `json:"idx"`
	Inbound   int64   `json:"in"`
	Outbound  int64   `json:"out"`
	Timestamp float64 `json:"ts"`
}

// UnmarshalJSON decodes c from its positional wire form.
func (c *FilterCounter) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &[]interface{}{&c.Index, &c.Inbound, &c.Outbound, &c.Timestamp})
}

// FilterPush is the push-direction `filter` message body.
type FilterPush struct {
	FID     int             `json:"fid"`
	Counters []FilterCounter `json:"cnt"`
}
