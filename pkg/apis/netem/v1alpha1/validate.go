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

package v1alpha1

import "github.com/go-playground/validator/v10"

var validate = validator.New()

// Validate checks the `validate` struct tags on TrafficProfileSpec
// (CIDR syntax, port protocol enums, rule dive) before the rule
// compiler ever sees the spec.
func (s *TrafficProfileSpec) Validate() error {
	return validate.Struct(s)
}
