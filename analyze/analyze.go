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

package analyze

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/provideplatform/distprover/common"
)

// timer lines may carry any logger prefix
var timerLine = regexp.MustCompile(`\[T\+?(\d+)\] (Start|Done) (.*)$`)

const maxLineSize = 1024 * 1024

// Task is a timed span parsed from [T+<ms>] Start/Done lines
type Task struct {
	Name     string
	Start    time.Duration
	End      time.Duration
	Duration time.Duration

	// Depth is the number of tasks open when this task started
	Depth  int
	Parent *Task `json:"-"`

	// MSM and FFT count multi-scalar multiplication and fft lines by size
	MSM map[string]int
	FFT map[string]int
}

// Report holds every completed task ordered by descending duration
type Report struct {
	Tasks []*Task

	// Unfinished tasks were started but never logged as done
	Unfinished []*Task
}

// ParseTimings reads a prover log and reconstructs its nested task timings
func ParseTimings(r io.Reader) (*Report, error) {
	active := make([]*Task, 0)
	report := &Report{
		Tasks: make([]*Task, 0),
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	n := 0
	for scanner.Scan() {
		n++
		line := strings.TrimRight(scanner.Text(), "\r")

		if m := timerLine.FindStringSubmatch(line); m != nil {
			ms, err := strconv.ParseInt(m[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("failed to parse timestamp on line %d; %s", n, err.Error())
			}
			at := time.Duration(ms) * time.Millisecond
			name := strings.TrimSpace(m[3])

			if m[2] == "Start" {
				task := &Task{
					Name:  name,
					Start: at,
					Depth: len(active),
					MSM:   map[string]int{},
					FFT:   map[string]int{},
				}
				if len(active) > 0 {
					task.Parent = active[len(active)-1]
				}
				active = append(active, task)
				continue
			}

			if len(active) == 0 {
				return nil, fmt.Errorf("failed to parse timings; line %d ends %q which was never started", n, name)
			}
			task := active[len(active)-1]
			active = active[:len(active)-1]
			if task.Name != name {
				common.Log.Warningf("line %d ends %q while %q is the innermost open task", n, name, task.Name)
			}
			task.End = at
			task.Duration = at - task.Start
			report.Tasks = append(report.Tasks, task)
			continue
		}

		fields := strings.Fields(line)
		if len(fields) == 2 && len(active) > 0 {
			switch fields[0] {
			case "msm":
				active[len(active)-1].MSM[fields[1]]++
			case "fft":
				active[len(active)-1].FFT[fields[1]]++
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read timings; %s", err.Error())
	}

	sort.SliceStable(report.Tasks, func(i, j int) bool {
		return report.Tasks[i].Duration > report.Tasks[j].Duration
	})
	report.Unfinished = active

	return report, nil
}

// Find returns the longest completed task with the given name
func (r *Report) Find(name string) (*Task, bool) {
	for _, t := range r.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// Write renders the report as an aligned table
func (r *Report) Write(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DURATION\tSTART\tDEPTH\tTASK\tMSM\tFFT")
	for _, t := range r.Tasks {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", t.Duration, t.Start, t.Depth, t.Name, counts(t.MSM), counts(t.FFT))
	}
	for _, t := range r.Unfinished {
		fmt.Fprintf(tw, "-\t%s\t%d\t%s (unfinished)\t%s\t%s\n", t.Start, t.Depth, t.Name, counts(t.MSM), counts(t.FFT))
	}
	return tw.Flush()
}

func counts(m map[string]int) string {
	if len(m) == 0 {
		return "-"
	}
	sizes := make([]string, 0, len(m))
	for size := range m {
		sizes = append(sizes, size)
	}
	sort.Strings(sizes)

	parts := make([]string, 0, len(sizes))
	for _, size := range sizes {
		parts = append(parts, fmt.Sprintf("%sx%d", size, m[size]))
	}
	return strings.Join(parts, ",")
}
