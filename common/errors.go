/*
 * Copyright 2017-2022 Provide Technologies Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package common

import (
	"errors"
	"fmt"
	"strings"
)

// Category groups error codes by the layer that raised them
type Category string

const (
	CategoryRequest      Category = "request"
	CategoryConfig       Category = "config"
	CategoryLifecycle    Category = "lifecycle"
	CategoryDistributed  Category = "distributed"
	CategoryResource     Category = "resource"
	CategoryVerification Category = "verification"
	CategoryStorage      Category = "storage"
	CategoryProving      Category = "proving"
)

// Error is a typed, terminal prover error; Code is stable and greppable
type Error struct {
	Code     string
	Category Category
	Input    string
	Detail   string
	Err      error
}

var (
	ErrInvalidRequest     = &Error{Code: "InvalidRequest", Category: CategoryRequest}
	ErrMissingRoleIndex   = &Error{Code: "MissingRoleIndex", Category: CategoryRequest}
	ErrUnexpectedArgument = &Error{Code: "UnexpectedArgument", Category: CategoryRequest}
	ErrInvalidProfile     = &Error{Code: "InvalidProfile", Category: CategoryRequest}

	ErrConfigNotFound     = &Error{Code: "ConfigNotFound", Category: CategoryConfig}
	ErrConfigMalformed    = &Error{Code: "ConfigMalformed", Category: CategoryConfig}
	ErrConfigInconsistent = &Error{Code: "ConfigInconsistent", Category: CategoryConfig}

	ErrPhaseOutOfOrder = &Error{Code: "PhaseOutOfOrder", Category: CategoryLifecycle}

	ErrUnknownRoleIndex        = &Error{Code: "UnknownRoleIndex", Category: CategoryDistributed}
	ErrDistributedProveTimeout = &Error{Code: "DistributedProveTimeout", Category: CategoryDistributed}
	ErrPeerUnreachable         = &Error{Code: "PeerUnreachable", Category: CategoryDistributed}
	ErrShareRejected           = &Error{Code: "ShareRejected", Category: CategoryDistributed}
	ErrNotLeader               = &Error{Code: "NotLeader", Category: CategoryDistributed}

	ErrGpuUnavailable = &Error{Code: "GpuUnavailable", Category: CategoryResource}

	ErrVerificationRejected = &Error{Code: "VerificationRejected", Category: CategoryVerification}

	ErrArtifactNotFound = &Error{Code: "ArtifactNotFound", Category: CategoryStorage}
	ErrStoreUnavailable = &Error{Code: "StoreUnavailable", Category: CategoryStorage}
	ErrSessionLocked    = &Error{Code: "SessionLocked", Category: CategoryStorage}

	ErrSetupFailed = &Error{Code: "SetupFailed", Category: CategoryProving}
	ErrProveFailed = &Error{Code: "ProveFailed", Category: CategoryProving}
)

// NewError returns a new error of the given kind for the offending input
func NewError(kind *Error, input string, format string, args ...interface{}) *Error {
	return &Error{
		Code:     kind.Code,
		Category: kind.Category,
		Input:    input,
		Detail:   fmt.Sprintf(format, args...),
	}
}

// Wrap returns a new error of the given kind caused by err
func Wrap(kind *Error, input string, err error) *Error {
	e := &Error{
		Code:     kind.Code,
		Category: kind.Category,
		Input:    input,
		Err:      err,
	}
	if err != nil {
		e.Detail = err.Error()
	}
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Input != "" {
		fmt.Fprintf(&b, " (input: %q)", e.Input)
	}
	return b.String()
}

// Is matches any error carrying the same code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorCode returns the stable code of err, or an empty string for untyped errors
func ErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ErrorCategory returns the category of err, or an empty category for untyped errors
func ErrorCategory(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return ""
}
