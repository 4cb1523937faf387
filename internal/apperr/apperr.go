// Copyright 2025 AUTHORS
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package apperr classifies errors by kind rather than by type, the way
// the API boundary and the proxy need to pick an HTTP status code
// without caring which package produced the failure.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is a coarse error category. It is never a substitute for a real
// error value: wrap the underlying cause with New/Wrap and inspect the
// Kind with As/KindOf.
type Kind string

const (
	Validation    Kind = "Validation"
	NotFound      Kind = "NotFound"
	Unauthorized  Kind = "Unauthorized"
	Conflict      Kind = "Conflict"
	Transient     Kind = "Transient"
	BuildFailure  Kind = "BuildFailure"
	StartFailure  Kind = "StartFailure"
	Corruption    Kind = "Corruption"
	Fatal         Kind = "Fatal"
)

// Error pairs a Kind with a wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a new Error of the given kind.
func New(k Kind, msg string) error {
	return &Error{Kind: k, Msg: msg}
}

// Wrap annotates err with a kind and message, composing with
// fmt.Errorf("...: %w", err) wrapping used throughout the codebase.
func Wrap(k Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Msg: msg, Err: err}
}

// KindOf walks the error chain and returns the first apperr.Kind found,
// defaulting to "" (treated as an internal/5xx error by callers).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
