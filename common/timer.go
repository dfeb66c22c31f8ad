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

package common

import (
	"sync"
	"time"
)

var processStart = time.Now()

// Timer logs the start and completion of a named task as [T+<ms>] lines
// relative to process start; analyze.ParseTimings consumes these lines
type Timer struct {
	name string
	once sync.Once
}

// StartTimer logs the start of the named task
func StartTimer(name string) *Timer {
	Log.Infof("[T+%d] Start %s", time.Since(processStart).Milliseconds(), name)
	return &Timer{name: name}
}

// Done logs completion of the task; subsequent calls are no-ops
func (t *Timer) Done() {
	t.once.Do(func() {
		Log.Infof("[T+%d] Done %s", time.Since(processStart).Milliseconds(), t.name)
	})
}
