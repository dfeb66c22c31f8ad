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
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/provideplatform/distprover/circuit"
	"github.com/provideplatform/distprover/common"
	"github.com/provideplatform/distprover/request"
	"github.com/provideplatform/distprover/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDigest = "d1e5"

func threeNodeWorkload(t *testing.T) *topology.Workload {
	c, err := circuit.Lookup("keccak")
	require.NoError(t, err)
	w, err := topology.EvenPartition(c, 3)
	require.NoError(t, err)
	return w
}

func shareMsg(t *testing.T, w *topology.Workload, index int, value uint64) *ShareMessage {
	a, ok := w.For(index)
	require.True(t, ok)

	var e fr.Element
	e.SetUint64(value)
	b := e.Bytes()

	return &ShareMessage{
		SessionID: "test",
		Circuit:   "keccak",
		Profile:   "release",
		Index:     index,
		KeyDigest: testDigest,
		Rows:      a.Rows(),
		Aggregate: hex.EncodeToString(b[:]),
	}
}

func mustAccept(t *testing.T, col *collector, msg *ShareMessage) {
	t.Helper()
	redelivered, err := col.accept(msg)
	require.NoError(t, err)
	require.False(t, redelivered)
}

func newTestCollector(t *testing.T) (*collector, *topology.Workload) {
	w := threeNodeWorkload(t)
	return newCollector(circuit.Keccak, request.ProfileRelease, testDigest, w, []int{1, 2}), w
}

func TestCollectorAcceptsEveryExpectedShare(t *testing.T) {
	col, w := newTestCollector(t)

	mustAccept(t, col, shareMsg(t, w, 2, 7))
	assert.Equal(t, []int{1}, col.missing())
	mustAccept(t, col, shareMsg(t, w, 1, 5))
	assert.Empty(t, col.missing())

	shares, err := col.wait(context.Background(), time.Second)
	require.NoError(t, err)
	require.Len(t, shares, 2)
	assert.Equal(t, []int{2}, shares[0].Indices)
	assert.Equal(t, []int{1}, shares[1].Indices)
}

func TestCollectorRejectsInvalidShares(t *testing.T) {
	col, w := newTestCollector(t)

	wrongCircuit := shareMsg(t, w, 1, 1)
	wrongCircuit.Circuit = "evm"
	wrongProfile := shareMsg(t, w, 1, 1)
	wrongProfile.Profile = "dev"
	leader := shareMsg(t, w, 0, 1)
	unknown := shareMsg(t, w, 1, 1)
	unknown.Index = 9
	digest := shareMsg(t, w, 1, 1)
	digest.KeyDigest = "other"
	rows := shareMsg(t, w, 1, 1)
	rows.Rows++
	aggregate := shareMsg(t, w, 1, 1)
	aggregate.Aggregate = "zz"

	for name, msg := range map[string]*ShareMessage{
		"circuit":   wrongCircuit,
		"profile":   wrongProfile,
		"leader":    leader,
		"unknown":   unknown,
		"digest":    digest,
		"rows":      rows,
		"aggregate": aggregate,
	} {
		t.Run(name, func(t *testing.T) {
			redelivered, err := col.accept(msg)
			assert.ErrorIs(t, err, common.ErrShareRejected)
			assert.False(t, redelivered)
		})
	}
	assert.Equal(t, []int{1, 2}, col.missing())
}

func TestCollectorAcknowledgesRedeliveredShare(t *testing.T) {
	col, w := newTestCollector(t)
	mustAccept(t, col, shareMsg(t, w, 1, 1))

	redelivered, err := col.accept(shareMsg(t, w, 1, 1))
	require.NoError(t, err)
	assert.True(t, redelivered)
	assert.Equal(t, []int{2}, col.missing())

	mustAccept(t, col, shareMsg(t, w, 2, 3))
	shares, err := col.wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Len(t, shares, 2)
}

func TestCollectorRejectsConflictingShare(t *testing.T) {
	col, w := newTestCollector(t)
	mustAccept(t, col, shareMsg(t, w, 1, 1))

	redelivered, err := col.accept(shareMsg(t, w, 1, 2))
	require.ErrorIs(t, err, common.ErrShareRejected)
	assert.True(t, redelivered)
	assert.Contains(t, err.Error(), "conflicting share")
}

func TestCollectorTimeoutNamesMissingIndices(t *testing.T) {
	col, w := newTestCollector(t)
	mustAccept(t, col, shareMsg(t, w, 1, 1))

	_, err := col.wait(context.Background(), time.Millisecond*50)
	require.ErrorIs(t, err, common.ErrDistributedProveTimeout)

	var e *common.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "[2]", e.Input)
}

func TestCollectorWaitHonorsCancellation(t *testing.T) {
	col, _ := newTestCollector(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := col.wait(ctx, 0)
	require.ErrorIs(t, err, common.ErrDistributedProveTimeout)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCollectorWithoutWorkersIsComplete(t *testing.T) {
	w := threeNodeWorkload(t)
	col := newCollector(circuit.Keccak, request.ProfileRelease, testDigest, w, nil)

	shares, err := col.wait(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, shares)
}

func TestShareHandlers(t *testing.T) {
	col, w := newTestCollector(t)
	engine := newShareEngine(col)

	post := func(body []byte) (*ShareAck, int) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/shares", bytes.NewReader(body))
		engine.ServeHTTP(rec, req)

		ack := &ShareAck{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), ack))
		return ack, rec.Code
	}

	raw, err := json.Marshal(shareMsg(t, w, 1, 3))
	require.NoError(t, err)

	ack, status := post(raw)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, ack.Accepted)
	assert.Equal(t, 1, ack.Index)

	ack, status = post(raw)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, ack.Accepted)
	assert.Equal(t, 1, ack.Index)

	conflicting, err := json.Marshal(shareMsg(t, w, 1, 4))
	require.NoError(t, err)
	ack, status = post(conflicting)
	assert.Equal(t, http.StatusConflict, status)
	assert.False(t, ack.Accepted)
	assert.Equal(t, common.ErrShareRejected.Code, ack.Code)
	require.NotNil(t, ack.Error)
	assert.NotContains(t, *ack.Error, common.ErrShareRejected.Code)

	stale := shareMsg(t, w, 2, 4)
	stale.KeyDigest = "beef"
	mismatched, err := json.Marshal(stale)
	require.NoError(t, err)
	ack, status = post(mismatched)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.False(t, ack.Accepted)
	assert.Equal(t, common.ErrShareRejected.Code, ack.Code)

	ack, status = post([]byte("{"))
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, common.ErrShareRejected.Code, ack.Code)

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	progress := &CollectorStatus{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), progress))
	assert.Equal(t, []int{1, 2}, progress.Expected)
	assert.Equal(t, []int{1}, progress.Received)
	assert.Equal(t, []int{2}, progress.Missing)

	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "prover_shares_received_total")
}

func TestInterpretAck(t *testing.T) {
	ack, retry, err := interpretAck(&ShareAck{Accepted: true, Index: 1})
	require.NoError(t, err)
	assert.False(t, retry)
	assert.Equal(t, 1, ack.Index)

	_, retry, err = interpretAck(&ShareAck{Index: 1, Code: common.ErrShareRejected.Code, Error: common.StringOrNil("digest mismatch")})
	assert.False(t, retry)
	assert.ErrorIs(t, err, common.ErrShareRejected)
	assert.Equal(t, `ShareRejected: digest mismatch (input: "1")`, err.Error())

	_, retry, err = interpretAck(&ShareAck{Index: 1})
	assert.True(t, retry)
	assert.Error(t, err)
}

func TestHTTPShareSenderGivesUpAfterConnectTimeout(t *testing.T) {
	sender := newHTTPShareSender(time.Millisecond * 300)
	defer sender.Close()

	// nothing listens on the discard port
	_, err := sender.Send(context.Background(), &topology.Node{Index: 0, Address: "127.0.0.1:9"}, &ShareMessage{Index: 1})
	require.ErrorIs(t, err, common.ErrPeerUnreachable)

	var e *common.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "127.0.0.1:9", e.Input)
}

// dropAckTransport delivers the first request to the leader but loses its response
type dropAckTransport struct {
	next    http.RoundTripper
	dropped int32
}

func (d *dropAckTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := d.next.RoundTrip(req)
	if err == nil && atomic.CompareAndSwapInt32(&d.dropped, 0, 1) {
		resp.Body.Close()
		return nil, errors.New("read tcp: connection reset by peer")
	}
	return resp, err
}

func TestHTTPShareSenderSurvivesLostAck(t *testing.T) {
	col, w := newTestCollector(t)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	server := startShareServer(listener, col)
	defer server.Close()

	sender := newHTTPShareSender(time.Second * 5)
	defer sender.Close()
	transport := &dropAckTransport{next: http.DefaultTransport}
	sender.client.Transport = transport

	leader := &topology.Node{Index: 0, Address: listener.Addr().String()}
	ack, err := sender.Send(context.Background(), leader, shareMsg(t, w, 1, 3))
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
	assert.Equal(t, 1, ack.Index)
	assert.Equal(t, int32(1), atomic.LoadInt32(&transport.dropped))

	progress := col.status()
	assert.Equal(t, []int{1}, progress.Received)
	assert.Equal(t, []int{2}, progress.Missing)
}

func TestHTTPShareSenderReportsConflictOnce(t *testing.T) {
	col, w := newTestCollector(t)
	mustAccept(t, col, shareMsg(t, w, 1, 3))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	server := startShareServer(listener, col)
	defer server.Close()

	sender := newHTTPShareSender(time.Second * 5)
	defer sender.Close()

	leader := &topology.Node{Index: 0, Address: listener.Addr().String()}
	_, err = sender.Send(context.Background(), leader, shareMsg(t, w, 1, 4))
	require.ErrorIs(t, err, common.ErrShareRejected)
	assert.Equal(t, 1, strings.Count(err.Error(), common.ErrShareRejected.Code))
	assert.Equal(t, 1, strings.Count(err.Error(), "(input:"))
}
