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
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/provideplatform/distprover/role"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func phaseSamples(t *testing.T, phase string, kind role.Kind) uint64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	var count uint64
	for _, f := range families {
		if f.GetName() != "prover_session_phase_duration_seconds" {
			continue
		}
		for _, m := range f.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["phase"] == phase && labels["role"] == string(kind) {
				count += m.GetHistogram().GetSampleCount()
			}
		}
	}
	return count
}

func TestPhaseMetricsRecordedByLeaderOnly(t *testing.T) {
	single := newNode(t, t.TempDir())
	for _, tokens := range [][]string{{"keccak", "setup"}, {"keccak", "prove-local"}, {"keccak", "verify"}} {
		_, err := single.run(t, tokens)
		require.NoError(t, err)
	}
	for _, phase := range []string{"setup", "prove-local", "verify"} {
		assert.Zero(t, phaseSamples(t, phase, role.Single), phase)
	}

	configPath, listener := writeTopology(t, 2)
	leader := newNode(t, configPath)
	worker := newNode(t, configPath)
	_, err := leader.run(t, []string{"keccak", "setup"})
	require.NoError(t, err)
	worker.replicate(t, leader)

	before := phaseSamples(t, "prove", role.Leader)
	done := make(chan outcome, 1)
	go func() {
		res, err := leader.run(t, []string{"keccak", "prove", "0"}, WithListener(listener))
		done <- outcome{res, err}
	}()

	metricsURL := fmt.Sprintf("http://%s/metrics", listener.Addr())
	require.Eventually(t, func() bool {
		resp, err := http.Get(metricsURL)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, time.Second*30, time.Millisecond*50)

	_, err = worker.run(t, []string{"keccak", "prove", "1"})
	require.NoError(t, err)

	select {
	case out := <-done:
		require.NoError(t, out.err)
	case <-time.After(time.Minute):
		t.Fatal("leader did not complete after receiving every share")
	}

	assert.Zero(t, phaseSamples(t, "prove", role.Worker))
	assert.Equal(t, before+1, phaseSamples(t, "prove", role.Leader))
}
