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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/provideplatform/distprover/common"
	"github.com/provideplatform/distprover/topology"
)

const shareRequestTimeout = time.Second * 30
const shareRetryInitialBackoff = time.Millisecond * 100
const shareRetryMaxBackoff = time.Second * 2

// ShareSender delivers a worker's share to the leader
type ShareSender interface {
	Send(ctx context.Context, leader *topology.Node, msg *ShareMessage) (*ShareAck, error)
	Close() error
}

// httpShareSender posts shares to the leader's share server, retrying until the leader is up
type httpShareSender struct {
	client         *http.Client
	connectTimeout time.Duration
}

func newHTTPShareSender(connectTimeout time.Duration) *httpShareSender {
	return &httpShareSender{
		client:         &http.Client{Timeout: shareRequestTimeout},
		connectTimeout: connectTimeout,
	}
}

func (s *httpShareSender) Send(ctx context.Context, leader *topology.Node, msg *ShareMessage) (*ShareAck, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal share; %s", err.Error())
	}
	url := fmt.Sprintf("http://%s/api/v1/shares", leader.Address)

	return deliverWithRetry(ctx, s.connectTimeout, leader.Address, func(ctx context.Context) (*ShareAck, bool, error) {
		return s.post(ctx, url, body)
	})
}

// post returns retry=true for failures that a later attempt may overcome
func (s *httpShareSender) post(ctx context.Context, url string, body []byte) (*ShareAck, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("content-type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}

	ack := &ShareAck{}
	if err := json.Unmarshal(raw, ack); err != nil {
		return nil, true, fmt.Errorf("unexpected %d response from leader", resp.StatusCode)
	}
	return interpretAck(ack)
}

func (s *httpShareSender) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// interpretAck maps a leader reply to an outcome; a typed rejection is terminal
func interpretAck(ack *ShareAck) (*ShareAck, bool, error) {
	if ack.Accepted {
		return ack, false, nil
	}

	detail := "share rejected by leader"
	if ack.Error != nil {
		detail = *ack.Error
	}
	if ack.Code == common.ErrShareRejected.Code {
		return nil, false, common.NewError(common.ErrShareRejected, strconv.Itoa(ack.Index), "%s", detail)
	}
	return nil, true, fmt.Errorf("%s", detail)
}

// deliverWithRetry retries attempt with exponential backoff until it succeeds, fails terminally,
// or connectTimeout elapses; a zero connectTimeout retries until ctx is done
func deliverWithRetry(ctx context.Context, connectTimeout time.Duration, address string, attempt func(context.Context) (*ShareAck, bool, error)) (*ShareAck, error) {
	if connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, connectTimeout)
		defer cancel()
	}

	backoff := shareRetryInitialBackoff
	for n := 1; ; n++ {
		ack, retry, err := attempt(ctx)
		if err == nil {
			common.Log.Debugf("leader %s acknowledged share after %d attempt(s)", address, n)
			return ack, nil
		}
		if !retry {
			return nil, err
		}
		common.Log.Debugf("failed to deliver share to leader %s (attempt %d); %s", address, n, err.Error())

		select {
		case <-ctx.Done():
			return nil, common.NewError(common.ErrPeerUnreachable, address, "failed to deliver share to leader after %d attempt(s); %s", n, err.Error())
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > shareRetryMaxBackoff {
			backoff = shareRetryMaxBackoff
		}
	}
}
