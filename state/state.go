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

package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	uuid "github.com/kthomas/go.uuid"
	"github.com/provideplatform/distprover/common"
	"github.com/provideplatform/distprover/store"
)

// State is the lifecycle state of a (circuit, profile) session
type State string

const (
	Uninitialized State = "uninitialized"
	SetupDone     State = "setup_done"
	ProofReady    State = "proof_ready"
	Verified      State = "verified"
)

// ProofOrigin records which prove phase produced the current proof
type ProofOrigin string

const (
	ProofOriginLocal       ProofOrigin = "local"
	ProofOriginDistributed ProofOrigin = "distributed"
)

var rank = map[State]int{
	Uninitialized: 0,
	SetupDone:     1,
	ProofReady:    2,
	Verified:      3,
}

var allowedTransitions = map[State]map[State]struct{}{
	Uninitialized: {
		SetupDone: {},
	},
	SetupDone: {
		SetupDone:  {},
		ProofReady: {},
	},
	ProofReady: {
		SetupDone:  {},
		ProofReady: {},
		Verified:   {},
	},
	Verified: {
		SetupDone:  {},
		ProofReady: {},
		Verified:   {},
	},
}

// Session is the persisted session-state record
type Session struct {
	ID          uuid.UUID    `json:"session_id"`
	Key         store.Key    `json:"-"`
	State       State        `json:"state"`
	ProofOrigin *ProofOrigin `json:"proof_origin,omitempty"`
	KeyDigest   *string      `json:"key_digest,omitempty"`
	UpdatedAt   time.Time    `json:"updated_at"`

	// Derived is true when no record existed and the state was inferred from artifact presence
	Derived bool `json:"-"`
}

type record struct {
	*Session
	Circuit string `json:"circuit"`
	Profile string `json:"profile"`
}

// ValidateTransition returns common.ErrPhaseOutOfOrder if the session cannot move from -> to
func ValidateTransition(from, to State) error {
	targets, ok := allowedTransitions[from]
	if !ok {
		return fmt.Errorf("invalid session state: %q", from)
	}
	if _, ok := targets[to]; !ok {
		return common.NewError(common.ErrPhaseOutOfOrder, string(from), "session cannot move from %s to %s", from, to)
	}
	return nil
}

// Load returns the session for key; the recorded state is capped by the artifacts actually present,
// so a record that disagrees with the store reports the weaker state
func Load(ctx context.Context, s *store.Store, key store.Key) (*Session, error) {
	observed, err := observe(ctx, s, key)
	if err != nil {
		return nil, err
	}

	raw, err := s.Get(ctx, key, store.ArtifactSession)
	if common.ErrorCode(err) == common.ErrArtifactNotFound.Code {
		return &Session{
			Key:     key,
			State:   observed,
			Derived: true,
		}, nil
	} else if err != nil {
		return nil, err
	}

	sess := &Session{}
	if err := json.Unmarshal(raw, sess); err != nil {
		return nil, common.NewError(common.ErrStoreUnavailable, key.String(), "failed to unmarshal session record; %s", err.Error())
	}
	sess.Key = key

	if _, ok := rank[sess.State]; !ok {
		return nil, common.NewError(common.ErrStoreUnavailable, key.String(), "session record holds unknown state %q", sess.State)
	}

	ceiling := observed
	if observed == ProofReady {
		ceiling = Verified
	}
	if rank[sess.State] > rank[ceiling] {
		common.Log.Warningf("session record for %s claims %s but artifacts only support %s", key, sess.State, observed)
		sess.State = observed
	}

	return sess, nil
}

// observe derives the strongest state the present artifacts support
func observe(ctx context.Context, s *store.Store, key store.Key) (State, error) {
	for _, a := range []store.Artifact{store.ArtifactProvingKey, store.ArtifactVerifyingKey} {
		ok, err := s.Has(ctx, key, a)
		if err != nil {
			return Uninitialized, err
		}
		if !ok {
			return Uninitialized, nil
		}
	}

	ok, err := s.Has(ctx, key, store.ArtifactProof)
	if err != nil {
		return Uninitialized, err
	}
	if !ok {
		return SetupDone, nil
	}
	return ProofReady, nil
}

// Transition moves the session to the given state and persists the record atomically
func (sess *Session) Transition(ctx context.Context, s *store.Store, to State) error {
	if err := ValidateTransition(sess.State, to); err != nil {
		return err
	}

	if to == SetupDone || sess.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return fmt.Errorf("failed to generate session id; %s", err.Error())
		}
		sess.ID = id
	}

	from := sess.State
	sess.State = to
	sess.UpdatedAt = time.Now().UTC()
	sess.Derived = false

	raw, err := json.Marshal(&record{
		Session: sess,
		Circuit: string(sess.Key.Circuit),
		Profile: string(sess.Key.Profile),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal session record; %s", err.Error())
	}
	if err := s.Put(ctx, sess.Key, store.ArtifactSession, raw); err != nil {
		return err
	}

	common.Log.Debugf("session %s for %s moved from %s to %s", sess.ID, sess.Key, from, to)
	return nil
}

// AtLeast returns true if the session has reached the given state
func (sess *Session) AtLeast(state State) bool {
	return rank[sess.State] >= rank[state]
}
