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

package topology

import (
	"context"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/provideplatform/distprover/common"
)

const addressResolveTimeout = time.Second * 5

// LeaderIndex is the role index of the leader node
const LeaderIndex = 0

// Node is a single cluster member
type Node struct {
	Index   int    `json:"index" yaml:"index" validate:"min=0"`
	Address string `json:"address" yaml:"address" validate:"required,hostname_port"`
}

// Network is the ordered set of nodes participating in a distributed session
type Network struct {
	Nodes []*Node `json:"nodes" yaml:"nodes" validate:"required,min=1,dive,required"`
}

// Size returns the number of nodes
func (n *Network) Size() int {
	return len(n.Nodes)
}

// Node returns the node with the given index
func (n *Network) Node(index int) (*Node, bool) {
	if index < 0 || index >= len(n.Nodes) {
		return nil, false
	}
	return n.Nodes[index], true
}

// Leader returns the leader node
func (n *Network) Leader() *Node {
	return n.Nodes[LeaderIndex]
}

// Workers returns every non-leader node in index order
func (n *Network) Workers() []*Node {
	return n.Nodes[LeaderIndex+1:]
}

// normalize sorts the nodes by index and enforces unique indices contiguous from 0
func (n *Network) normalize() error {
	sort.SliceStable(n.Nodes, func(i, j int) bool {
		return n.Nodes[i].Index < n.Nodes[j].Index
	})

	for i, node := range n.Nodes {
		if i > 0 && n.Nodes[i-1].Index == node.Index {
			return common.NewError(common.ErrConfigInconsistent, fmt.Sprintf("nodes[%d]", node.Index), "duplicate node index %d", node.Index)
		}
		if node.Index != i {
			return common.NewError(common.ErrConfigInconsistent, fmt.Sprintf("nodes[%d]", node.Index), "node indices must be contiguous from 0; expected index %d, found %d", i, node.Index)
		}
	}

	return nil
}

func (n *Network) resolve(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, addressResolveTimeout)
	defer cancel()

	for _, node := range n.Nodes {
		host, _, err := net.SplitHostPort(node.Address)
		if err != nil {
			return common.NewError(common.ErrConfigMalformed, node.Address, "invalid address for node %d; %s", node.Index, err.Error())
		}
		if net.ParseIP(host) != nil {
			continue
		}
		if _, err := net.DefaultResolver.LookupHost(ctx, host); err != nil {
			return common.NewError(common.ErrConfigMalformed, node.Address, "address for node %d is not resolvable; %s", node.Index, err.Error())
		}
	}

	return nil
}
