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
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/provideplatform/distprover/circuit"
	"github.com/provideplatform/distprover/common"
	"github.com/provideplatform/distprover/request"
)

const natsShareSubjectPrefix = "prover.shares"

func natsShareSubject(c circuit.ID, profile request.Profile) string {
	return fmt.Sprintf("%s.%s.%s", natsShareSubjectPrefix, c, profile)
}

// natsShareReceiver answers share requests on the session's subject
type natsShareReceiver struct {
	conn *nats.Conn
	sub  *nats.Subscription
}

func startNatsShareReceiver(url string, col *collector) (*natsShareReceiver, error) {
	conn, err := nats.Connect(url, nats.Name("prover-leader"))
	if err != nil {
		return nil, common.NewError(common.ErrPeerUnreachable, url, "failed to connect to NATS; %s", err.Error())
	}

	subject := natsShareSubject(col.circuit, col.profile)
	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		consumeShareMsg(col, msg)
	})
	if err != nil {
		conn.Close()
		return nil, common.NewError(common.ErrPeerUnreachable, url, "failed to subscribe to %s; %s", subject, err.Error())
	}
	if err := conn.Flush(); err != nil {
		conn.Close()
		return nil, common.NewError(common.ErrPeerUnreachable, url, "failed to flush NATS subscription; %s", err.Error())
	}

	common.Log.Debugf("awaiting shares on NATS subject: %s", subject)
	return &natsShareReceiver{conn: conn, sub: sub}, nil
}

func consumeShareMsg(col *collector, msg *nats.Msg) {
	defer func() {
		if r := recover(); r != nil {
			common.Log.Warningf("recovered while consuming share; %s", r)
		}
	}()

	common.Log.Debugf("consuming %d-byte NATS share message on subject: %s", len(msg.Data), msg.Subject)

	ack, _ := handleShare(col, msg.Data)
	raw, err := json.Marshal(ack)
	if err != nil {
		common.Log.Warningf("failed to marshal share ack; %s", err.Error())
		return
	}
	if err := msg.Respond(raw); err != nil {
		common.Log.Warningf("failed to respond to share message; %s", err.Error())
	}
}

func (r *natsShareReceiver) Close() error {
	if err := r.sub.Unsubscribe(); err != nil {
		common.Log.Warningf("failed to unsubscribe share receiver; %s", err.Error())
	}
	r.conn.Close()
	return nil
}
