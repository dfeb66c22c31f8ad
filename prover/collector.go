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

package prover

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/provideplatform/distprover/circuit"
	"github.com/provideplatform/distprover/common"
	"github.com/provideplatform/distprover/request"
	"github.com/provideplatform/distprover/topology"
	zkp "github.com/provideplatform/distprover/zkp/providers"
)

// ShareMessage is the wire form of a worker's share
type ShareMessage struct {
	SessionID string `json:"session_id"`
	Circuit   string `json:"circuit"`
	Profile   string `json:"profile"`
	Index     int    `json:"index"`
	KeyDigest string `json:"key_digest"`
	Rows      uint64 `json:"rows"`
	Aggregate string `json:"aggregate"`
}

// ShareAck is the leader's reply to a share delivery
type ShareAck struct {
	Accepted bool    `json:"accepted"`
	Index    int     `json:"index"`
	Code     string  `json:"code,omitempty"`
	Error    *string `json:"error,omitempty"`
}

// CollectorStatus summarizes share collection progress
type CollectorStatus struct {
	Circuit  string `json:"circuit"`
	Profile  string `json:"profile"`
	Expected []int  `json:"expected"`
	Received []int  `json:"received"`
	Missing  []int  `json:"missing"`
}

// collector is the leader's barrier: it accepts exactly one share from every expected worker
type collector struct {
	circuit   circuit.ID
	profile   request.Profile
	keyDigest string
	expected  map[int]*topology.Assignment

	mutex    sync.Mutex
	shares   map[int]*zkp.Share
	arrivals []int
	complete chan struct{}
}

func newCollector(c circuit.ID, profile request.Profile, keyDigest string, workload *topology.Workload, workers []int) *collector {
	expected := map[int]*topology.Assignment{}
	for _, idx := range workers {
		a, _ := workload.For(idx)
		expected[idx] = a
	}

	col := &collector{
		circuit:   c,
		profile:   profile,
		keyDigest: keyDigest,
		expected:  expected,
		shares:    map[int]*zkp.Share{},
		arrivals:  make([]int, 0, len(expected)),
		complete:  make(chan struct{}),
	}
	if len(expected) == 0 {
		close(col.complete)
	}
	return col
}

// accept validates and records a share; it returns common.ErrShareRejected for any share the leader cannot combine.
// Redelivery of an identical share is acknowledged again, since the worker may have lost the first ack;
// redelivered reports whether the index had already been received
func (c *collector) accept(msg *ShareMessage) (redelivered bool, err error) {
	input := strconv.Itoa(msg.Index)
	if msg.Circuit != string(c.circuit) || msg.Profile != string(c.profile) {
		return false, common.NewError(common.ErrShareRejected, input, "share for %s/%s does not belong to the %s/%s session", msg.Circuit, msg.Profile, c.circuit, c.profile)
	}
	assignment, ok := c.expected[msg.Index]
	if !ok {
		return false, common.NewError(common.ErrShareRejected, input, "prover index %d is not an expected worker", msg.Index)
	}
	if msg.KeyDigest != c.keyDigest {
		return false, common.NewError(common.ErrShareRejected, input, "share was computed against a different setup; every node must read the same proving key")
	}
	if assignment != nil && msg.Rows != assignment.Rows() {
		return false, common.NewError(common.ErrShareRejected, input, "share covers %d rows, expected %d", msg.Rows, assignment.Rows())
	}

	share, err := zkp.ParseShare(c.circuit, msg.Index, msg.Rows, msg.Aggregate)
	if err != nil {
		return false, common.Wrap(common.ErrShareRejected, input, err)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if prev, dup := c.shares[msg.Index]; dup {
		if prev.Rows == share.Rows && prev.Aggregate.Equal(&share.Aggregate) {
			common.Log.Debugf("acknowledged redelivered share from prover %d (session %s)", msg.Index, msg.SessionID)
			return true, nil
		}
		return true, common.NewError(common.ErrShareRejected, input, "conflicting share from prover index %d; a different share was already received", msg.Index)
	}
	c.shares[msg.Index] = share
	c.arrivals = append(c.arrivals, msg.Index)
	common.Log.Debugf("received share %d of %d from prover %d (session %s)", len(c.shares), len(c.expected), msg.Index, msg.SessionID)

	if len(c.shares) == len(c.expected) {
		close(c.complete)
	}
	return false, nil
}

// wait blocks until every expected share arrived; a zero timeout waits indefinitely
func (c *collector) wait(ctx context.Context, timeout time.Duration) ([]*zkp.Share, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-c.complete:
	case <-expired:
		missing := c.missing()
		return nil, common.NewError(common.ErrDistributedProveTimeout, joinIndices(missing), "no share from prover indices %s within %s", joinIndices(missing), timeout)
	case <-ctx.Done():
		missing := c.missing()
		return nil, common.Wrap(common.ErrDistributedProveTimeout, joinIndices(missing), ctx.Err())
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	shares := make([]*zkp.Share, 0, len(c.arrivals))
	for _, idx := range c.arrivals {
		shares = append(shares, c.shares[idx])
	}
	return shares, nil
}

func (c *collector) missing() []int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	missing := make([]int, 0)
	for idx := range c.expected {
		if _, ok := c.shares[idx]; !ok {
			missing = append(missing, idx)
		}
	}
	sort.Ints(missing)
	return missing
}

func (c *collector) status() *CollectorStatus {
	c.mutex.Lock()
	expected := make([]int, 0, len(c.expected))
	for idx := range c.expected {
		expected = append(expected, idx)
	}
	received := append([]int{}, c.arrivals...)
	c.mutex.Unlock()

	sort.Ints(expected)
	return &CollectorStatus{
		Circuit:  string(c.circuit),
		Profile:  string(c.profile),
		Expected: expected,
		Received: received,
		Missing:  c.missing(),
	}
}

func joinIndices(indices []int) string {
	parts := make([]string, 0, len(indices))
	for _, idx := range indices {
		parts = append(parts, strconv.Itoa(idx))
	}
	return fmt.Sprintf("[%s]", strings.Join(parts, ","))
}
