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

package role

import (
	"fmt"
	"strconv"

	"github.com/provideplatform/distprover/common"
	"github.com/provideplatform/distprover/topology"
)

// Kind distinguishes the leader from workers
type Kind string

const (
	Leader Kind = "leader"
	Worker Kind = "worker"

	// Single is a process outside any distributed session, i.e. setup or a local prove
	Single Kind = "single"
)

// Role is the resolved position of this process in the cluster
type Role struct {
	Kind  Kind
	Index int

	// Self is this node's descriptor
	Self *topology.Node

	// LeaderNode is the node shares are delivered to
	LeaderNode *topology.Node

	// Peers holds the workers a leader awaits, or a worker's sibling workers
	Peers []*topology.Node
}

// Resolve determines the role of the node at index within the network
func Resolve(index int, network *topology.Network) (*Role, error) {
	self, ok := network.Node(index)
	if !ok {
		return nil, common.NewError(common.ErrUnknownRoleIndex, strconv.Itoa(index), "prover index not present in %d-node topology", network.Size())
	}

	r := &Role{
		Index:      index,
		Self:       self,
		LeaderNode: network.Leader(),
		Peers:      make([]*topology.Node, 0, network.Size()),
	}

	if index == topology.LeaderIndex {
		r.Kind = Leader
		r.Peers = append(r.Peers, network.Workers()...)
		return r, nil
	}

	r.Kind = Worker
	for _, node := range network.Workers() {
		if node.Index != index {
			r.Peers = append(r.Peers, node)
		}
	}
	return r, nil
}

// IsLeader returns true for the index 0 node
func (r *Role) IsLeader() bool {
	return r.Kind == Leader
}

// PeerIndices returns the indices of the peers
func (r *Role) PeerIndices() []int {
	indices := make([]int, 0, len(r.Peers))
	for _, p := range r.Peers {
		indices = append(indices, p.Index)
	}
	return indices
}

func (r *Role) String() string {
	return fmt.Sprintf("%s %d", r.Kind, r.Index)
}
