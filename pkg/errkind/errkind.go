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

// Package errkind holds the error kinds shared across the reconciler,
// its components, and the external collaborators, per the error
// handling design: NotFound, Conflict, EmitterFailure, Protocol,
// StreamClosed and Unrecoverable.
package errkind

import "errors"

// Kind classifies an error for callers that need to branch on it (e.g.
// idempotent deletes swallowing NotFound).
type Kind string

const (
	KindNotFound       Kind = "NotFound"
	KindConflict       Kind = "Conflict"
	KindEmitterFailure Kind = "EmitterFailure"
	KindProtocol       Kind = "Protocol"
	KindStreamClosed   Kind = "StreamClosed"
	KindUnrecoverable  Kind = "Unrecoverable"
)

// kindError pairs a Kind with a wrapped cause; callers branch on the
// Kind via KindOf rather than errors.Is, since the kind is a string tag
// on the wrapper, not a sentinel error value.
type kindError struct {
	kind  Kind
	cause error
}

func (e *kindError) Error() string { return string(e.kind) + ": " + e.cause.Error() }
func (e *kindError) Unwrap() error { return e.cause }
func (e *kindError) Kind() Kind    { return e.kind }

// Wrap tags err with kind, preserving it for errors.Is/As.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, cause: err}
}

// KindOf returns the Kind attached to err, if any, and whether one was found.
func KindOf(err error) (Kind, bool) {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind, true
	}
	return "", false
}
