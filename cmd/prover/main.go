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

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/provideplatform/distprover/analyze"
	"github.com/provideplatform/distprover/circuit"
	"github.com/provideplatform/distprover/common"
	"github.com/provideplatform/distprover/prover"
	"github.com/provideplatform/distprover/request"
	"github.com/provideplatform/distprover/store"
	"github.com/spf13/cobra"
)

const (
	exitOK                      = 0
	exitFailure                 = 1
	exitRequestError            = 2
	exitConfigError             = 3
	exitPhaseOutOfOrder         = 4
	exitDistributedProveTimeout = 5
	exitGpuUnavailable          = 6
	exitVerificationRejected    = 7
	exitDistributedError        = 8
	exitStorageError            = 9
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

// execute runs the command line and maps its outcome to a process exit code
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	if err := cmd.ExecuteContext(ctx); err != nil {
		common.Log.Warningf("prover failed; %s", err.Error())
		fmt.Fprintln(stderr, err.Error())
		return exitCode(err)
	}
	return exitOK
}

func exitCode(err error) int {
	switch common.ErrorCategory(err) {
	case common.CategoryRequest:
		return exitRequestError
	case common.CategoryConfig:
		return exitConfigError
	case common.CategoryLifecycle:
		return exitPhaseOutOfOrder
	case common.CategoryDistributed:
		if errors.Is(err, common.ErrDistributedProveTimeout) {
			return exitDistributedProveTimeout
		}
		return exitDistributedError
	case common.CategoryResource:
		return exitGpuUnavailable
	case common.CategoryVerification:
		return exitVerificationRejected
	case common.CategoryStorage:
		return exitStorageError
	}
	return exitFailure
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	var profile string

	root := &cobra.Command{
		Use:   "prover <circuit> <phase> [prover-index]",
		Short: "Distributed zero-knowledge proving session coordinator",
		Long: `Runs a single lifecycle phase of a (circuit, profile) proving session.

Circuits: evm, keccak
Phases:   setup, prove-local, prove <prover-index>, verify

Every node of a distributed prove is launched separately with its own index;
index 0 is the leader and collects the shares of every other index.

Examples:
  prover keccak setup
  prover keccak prove-local --profile dev
  prover keccak prove 0
  prover keccak verify`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			return runPhase(cmd.Context(), args, profile, stdout)
		},
	}
	root.Flags().StringVar(&profile, "profile", "", "execution profile; dev or release (default release)")
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return common.Wrap(common.ErrInvalidRequest, "", err)
	})

	root.AddCommand(newStatusCmd(stdout))
	root.AddCommand(newAnalyzeCmd(stdout))
	return root
}

func openStore() (*common.Config, *store.Store, error) {
	cfg, err := common.LoadConfig()
	if err != nil {
		return nil, nil, err
	}

	s, err := store.Open(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, s, nil
}

func runPhase(ctx context.Context, args []string, profile string, stdout io.Writer) error {
	req, err := request.ParseRequest(args, profile)
	if err != nil {
		return err
	}

	cfg, s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := prover.NewCoordinator(cfg, s).Run(ctx, req)
	if err != nil {
		return err
	}

	switch {
	case res.Session == nil:
		fmt.Fprintf(stdout, "%s: share delivered to leader\n", req)
	case req.Phase == request.PhaseVerify:
		fmt.Fprintf(stdout, "%s: proof accepted (session %s)\n", req, res.Session.ID)
	case res.ProofSize > 0:
		fmt.Fprintf(stdout, "%s: %s, %d-byte proof (session %s)\n", req, res.Session.State, res.ProofSize, res.Session.ID)
	default:
		fmt.Fprintf(stdout, "%s: %s (session %s)\n", req, res.Session.State, res.Session.ID)
	}
	return nil
}

func newStatusCmd(stdout io.Writer) *cobra.Command {
	var profile string

	cmd := &cobra.Command{
		Use:   "status <circuit>",
		Short: "Print the lifecycle state of a proving session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := circuit.Lookup(args[0])
			if err != nil {
				return common.Wrap(common.ErrInvalidRequest, args[0], err)
			}
			p, err := request.ParseProfile(profile)
			if err != nil {
				return err
			}

			cfg, s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			key := store.Key{Circuit: c.ID, Profile: p}
			sess, err := prover.NewCoordinator(cfg, s).Status(cmd.Context(), key)
			if err != nil {
				return err
			}

			fmt.Fprintf(stdout, "session:  %s\n", key)
			fmt.Fprintf(stdout, "state:    %s\n", sess.State)
			if sess.Derived {
				fmt.Fprintln(stdout, "record:   none (derived from artifacts)")
				return nil
			}
			fmt.Fprintf(stdout, "id:       %s\n", sess.ID)
			if sess.ProofOrigin != nil {
				fmt.Fprintf(stdout, "proof:    %s\n", *sess.ProofOrigin)
			}
			fmt.Fprintf(stdout, "updated:  %s\n", sess.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"))
			return nil
		},
	}
	cmd.Flags().StringVar(&profile, "profile", "", "execution profile; dev or release (default release)")
	return cmd
}

func newAnalyzeCmd(stdout io.Writer) *cobra.Command {
	var task string

	cmd := &cobra.Command{
		Use:   "analyze <log>",
		Short: "Summarize the phase timings recorded in a prover log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return common.Wrap(common.ErrInvalidRequest, args[0], err)
			}
			defer f.Close()

			report, err := analyze.ParseTimings(f)
			if err != nil {
				return common.Wrap(common.ErrInvalidRequest, args[0], err)
			}

			if task != "" {
				t, ok := report.Find(task)
				if !ok {
					return common.NewError(common.ErrInvalidRequest, task, "no completed task with that name")
				}
				fmt.Fprintf(stdout, "%s: %s (start %s, depth %d)\n", t.Name, t.Duration, t.Start, t.Depth)
				return nil
			}
			return report.Write(stdout)
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "print only the longest task with this name")
	return cmd
}
