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
	"testing"

	"github.com/provideplatform/distprover/common"
	"github.com/provideplatform/distprover/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func network(size int) *topology.Network {
	n := &topology.Network{}
	for i := 0; i < size; i++ {
		n.Nodes = append(n.Nodes, &topology.Node{Index: i, Address: fmt.Sprintf("10.0.0.%d:7000", i+1)})
	}
	return n
}

func TestResolveLeader(t *testing.T) {
	r, err := Resolve(0, network(3))
	require.NoError(t, err)
	assert.True(t, r.IsLeader())
	assert.Equal(t, []int{1, 2}, r.PeerIndices())
	assert.Equal(t, "10.0.0.1:7000", r.Self.Address)
	assert.Equal(t, "leader 0", r.String())
}

func TestResolveWorker(t *testing.T) {
	r, err := Resolve(2, network(4))
	require.NoError(t, err)
	assert.False(t, r.IsLeader())
	assert.Equal(t, Worker, r.Kind)
	assert.Equal(t, "10.0.0.1:7000", r.LeaderNode.Address)
	assert.Equal(t, []int{1, 3}, r.PeerIndices())
}

func TestResolveSingleNodeLeader(t *testing.T) {
	r, err := Resolve(0, network(1))
	require.NoError(t, err)
	assert.True(t, r.IsLeader())
	assert.Empty(t, r.Peers)
}

func TestResolveUnknownIndex(t *testing.T) {
	for _, idx := range []int{3, 4, 100, -1} {
		r, err := Resolve(idx, network(3))
		assert.Nil(t, r)
		require.ErrorIs(t, err, common.ErrUnknownRoleIndex)
		assert.Equal(t, common.CategoryDistributed, common.ErrorCategory(err))
	}
}
