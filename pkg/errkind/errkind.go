// Copyright 2024 The tinyflow.io Authors
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

// Package errkind classifies control-plane errors so callers can map them
// without string matching. Execution-time failures inside the worker pool are
// recorded into task history instead of being returned through this taxonomy.
package errkind

import (
	"fmt"

	"github.com/pkg/errors"
)

type Kind string

const (
	KindNotFound   Kind = "NotFound"
	KindConflict   Kind = "Conflict"
	KindValidation Kind = "ValidationError"
	KindNotAllowed Kind = "OperationNotAllowed"
	KindExecution  Kind = "ExecutionError"
	KindSystem     Kind = "SystemError"
)

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }

func (e *kindError) Unwrap() error { return e.err }

// Is lets errors.Is(err, errkind.NotFound("")) style checks work on the kind
// alone, ignoring the message.
func (e *kindError) Is(target error) bool {
	t, ok := target.(*kindError)
	return ok && t.kind == e.kind
}

func newf(kind Kind, format string, args ...interface{}) error {
	return &kindError{kind: kind, err: errors.Errorf(format, args...)}
}

func NotFound(format string, args ...interface{}) error {
	return newf(KindNotFound, format, args...)
}

func Conflict(format string, args ...interface{}) error {
	return newf(KindConflict, format, args...)
}

func Validation(format string, args ...interface{}) error {
	return newf(KindValidation, format, args...)
}

func NotAllowed(format string, args ...interface{}) error {
	return newf(KindNotAllowed, format, args...)
}

func Execution(format string, args ...interface{}) error {
	return newf(KindExecution, format, args...)
}

// System wraps a backend failure (store, trigger backend) keeping its cause.
func System(err error, format string, args ...interface{}) error {
	return &kindError{kind: KindSystem, err: errors.Wrapf(err, format, args...)}
}

// KindOf reports the kind of err, walking wrapped causes. Unclassified errors
// report KindSystem.
func KindOf(err error) Kind {
	for err != nil {
		if ke, ok := err.(*kindError); ok {
			return ke.kind
		}
		err = errors.Unwrap(err)
	}
	return KindSystem
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

func IsConflict(err error) bool { return IsKind(err, KindConflict) }

func IsValidation(err error) bool { return IsKind(err, KindValidation) }

func IsNotAllowed(err error) bool { return IsKind(err, KindNotAllowed) }

var _ fmt.Stringer = Kind("")

func (k Kind) String() string { return string(k) }
