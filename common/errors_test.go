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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesByCode(t *testing.T) {
	err := NewError(ErrPhaseOutOfOrder, "prove-local", "proving key for %s/%s not found", "keccak", "release")
	wrapped := fmt.Errorf("failed to run phase; %w", err)

	assert.ErrorIs(t, wrapped, ErrPhaseOutOfOrder)
	assert.False(t, errors.Is(wrapped, ErrConfigNotFound))
	assert.Equal(t, "PhaseOutOfOrder", ErrorCode(wrapped))
	assert.Equal(t, CategoryLifecycle, ErrorCategory(wrapped))
}

func TestErrorMessageNamesInput(t *testing.T) {
	err := NewError(ErrInvalidRequest, "sha256", "unknown circuit or phase")
	assert.Equal(t, `InvalidRequest: unknown circuit or phase (input: "sha256")`, err.Error())
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(ErrPeerUnreachable, "10.0.0.1:9000", cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrPeerUnreachable)
	assert.Equal(t, "", ErrorCode(cause))
}
