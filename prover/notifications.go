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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/provideplatform/distprover/circuit"
	"github.com/provideplatform/distprover/request"
	"github.com/provideplatform/distprover/topology"
)

const natsShareRequestTimeout = time.Second * 10

// natsShareSender delivers shares to the leader via NATS request/reply
type natsShareSender struct {
	url            string
	connectTimeout time.Duration
	conn           *nats.Conn
}

func newNatsShareSender(url string, connectTimeout time.Duration) *natsShareSender {
	return &natsShareSender{
		url:            url,
		connectTimeout: connectTimeout,
	}
}

func (s *natsShareSender) Send(ctx context.Context, leader *topology.Node, msg *ShareMessage) (*ShareAck, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal share; %s", err.Error())
	}
	subject := natsShareSubject(circuit.ID(msg.Circuit), request.Profile(msg.Profile))

	return deliverWithRetry(ctx, s.connectTimeout, s.url, func(ctx context.Context) (*ShareAck, bool, error) {
		if s.conn == nil {
			conn, err := nats.Connect(s.url, nats.Name(fmt.Sprintf("prover-worker-%d", msg.Index)))
			if err != nil {
				return nil, true, err
			}
			s.conn = conn
		}

		reqCtx, cancel := context.WithTimeout(ctx, natsShareRequestTimeout)
		defer cancel()
		resp, err := s.conn.RequestWithContext(reqCtx, subject, body)
		if err != nil {
			// ErrNoResponders until the leader has subscribed
			if errors.Is(err, nats.ErrNoResponders) {
				return nil, true, fmt.Errorf("no leader subscribed to %s", subject)
			}
			return nil, true, err
		}

		ack := &ShareAck{}
		if err := json.Unmarshal(resp.Data, ack); err != nil {
			return nil, true, fmt.Errorf("failed to unmarshal share ack; %s", err.Error())
		}
		return interpretAck(ack)
	})
}

func (s *natsShareSender) Close() error {
	if s.conn != nil {
		s.conn.Close()
	}
	return nil
}
