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
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/provideplatform/distprover/common"
	"github.com/provideplatform/distprover/request"
	"github.com/provideplatform/distprover/resources"
	"github.com/provideplatform/distprover/role"
	"github.com/provideplatform/distprover/state"
	"github.com/provideplatform/distprover/store"
	"github.com/provideplatform/distprover/topology"
	zkp "github.com/provideplatform/distprover/zkp/providers"
)

// Coordinator drives a single lifecycle phase for one (circuit, profile) session
type Coordinator struct {
	cfg       *common.Config
	store     *store.Store
	resolver  *topology.Resolver
	allocator *resources.Allocator
	probe     resources.DeviceProbe

	// listener, when set, is used by the leader instead of binding its topology address
	listener net.Listener
	sender   ShareSender

	// localAddrs lists the host's interface addresses, compared against the leader's topology address
	localAddrs func() ([]net.Addr, error)
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithListener hands the leader a pre-bound share listener
func WithListener(l net.Listener) Option {
	return func(c *Coordinator) {
		c.listener = l
	}
}

// WithAllocator overrides the resource allocator
func WithAllocator(a *resources.Allocator) Option {
	return func(c *Coordinator) {
		c.allocator = a
	}
}

// WithDeviceProbe overrides the gpu device probe
func WithDeviceProbe(p resources.DeviceProbe) Option {
	return func(c *Coordinator) {
		c.probe = p
	}
}

// WithShareSender overrides the transport a worker delivers its share with
func WithShareSender(s ShareSender) Option {
	return func(c *Coordinator) {
		c.sender = s
	}
}

// Result describes the outcome of a successful phase
type Result struct {
	Request *request.ProvingRequest
	Role    *role.Role
	Budget  *resources.Budget

	// Session is nil for worker runs, which make no transition
	Session *state.Session

	// ProofSize is the size of the proof written by a prove phase
	ProofSize int
}

// NewCoordinator returns a coordinator over the given store
func NewCoordinator(cfg *common.Config, s *store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:      cfg,
		store:    s,
		resolver: topology.NewResolver(cfg.ConfigPath),
		probe:    zkp.CUDADeviceProbe{},

		localAddrs: net.InterfaceAddrs,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.allocator == nil {
		c.allocator = resources.NewAllocator(c.probe)
	}
	return c
}

// Run executes the requested phase; every failure is a typed *common.Error
func (c *Coordinator) Run(ctx context.Context, req *request.ProvingRequest) (*Result, error) {
	timer := common.StartTimer(req.String())
	defer timer.Done()

	switch req.Phase {
	case request.PhaseSetup:
		return c.setup(ctx, req)
	case request.PhaseProveLocal:
		return c.proveLocal(ctx, req)
	case request.PhaseProveDistributed:
		return c.proveDistributed(ctx, req)
	case request.PhaseVerify:
		return c.verify(ctx, req)
	}

	return nil, common.NewError(common.ErrInvalidRequest, string(req.Phase), "unknown phase")
}

// Status returns the current lifecycle state of the session
func (c *Coordinator) Status(ctx context.Context, key store.Key) (*state.Session, error) {
	unlock, err := c.store.Lock(ctx, key, false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return state.Load(ctx, c.store, key)
}

func (c *Coordinator) sessionKey(req *request.ProvingRequest) store.Key {
	return store.Key{
		Circuit: req.Circuit.ID,
		Profile: req.Profile,
	}
}

// provision allocates the budget and the compute backend for the role
func (c *Coordinator) provision(req *request.ProvingRequest, kind role.Kind) (*resources.Budget, zkp.ProverProvider, error) {
	budget, err := c.allocator.Allocate(req.Profile, kind, resources.OverridesFromConfig(c.cfg))
	if err != nil {
		return nil, nil, err
	}

	provider, err := zkp.ProverProviderFactory(budget, c.probe)
	if err != nil {
		return nil, nil, err
	}

	return budget, provider, nil
}

// requireProvingKey reads the proving key of a session that has completed setup
func (c *Coordinator) requireProvingKey(ctx context.Context, req *request.ProvingRequest, sess *state.Session) (*zkp.ProvingKey, string, error) {
	key := c.sessionKey(req)
	if !sess.AtLeast(state.SetupDone) {
		return nil, "", common.NewError(common.ErrPhaseOutOfOrder, string(req.Phase), "%s requires setup; session %s is %s", req.Phase, key, sess.State)
	}

	raw, err := c.store.Get(ctx, key, store.ArtifactProvingKey)
	if errors.Is(err, common.ErrArtifactNotFound) {
		return nil, "", common.NewError(common.ErrPhaseOutOfOrder, string(req.Phase), "%s requires setup; no proving key for %s", req.Phase, key)
	} else if err != nil {
		return nil, "", err
	}

	pk, err := zkp.UnmarshalProvingKey(raw)
	if err != nil {
		return nil, "", common.Wrap(common.ErrStoreUnavailable, key.String(), err)
	}
	if pk.Circuit != req.Circuit.ID {
		return nil, "", common.NewError(common.ErrStoreUnavailable, key.String(), "proving key belongs to the %s circuit", pk.Circuit)
	}

	return pk, common.SHA256(raw), nil
}

// ensureWorkload writes an even workload partition for a circuit that has a topology but no workload document
func (c *Coordinator) ensureWorkload(ctx context.Context, req *request.ProvingRequest) error {
	if c.resolver.HasWorkload(req.Circuit) {
		return nil
	}

	network, err := c.resolver.LoadNetwork(ctx, req.Circuit)
	if errors.Is(err, common.ErrConfigNotFound) {
		common.Log.Debugf("no network topology for %s circuit; skipping workload partition", req.Circuit.ID)
		return nil
	} else if err != nil {
		return err
	}

	workload, err := topology.EvenPartition(req.Circuit, network.Size())
	if err != nil {
		return common.Wrap(common.ErrConfigInconsistent, string(req.Circuit.ID), err)
	}
	if err := c.resolver.WriteWorkload(req.Circuit, workload); err != nil {
		return common.Wrap(common.ErrConfigMalformed, string(req.Circuit.ID), err)
	}
	return nil
}

func (c *Coordinator) setup(ctx context.Context, req *request.ProvingRequest) (*Result, error) {
	if err := c.ensureWorkload(ctx, req); err != nil {
		return nil, err
	}

	key := c.sessionKey(req)
	unlock, err := c.store.Lock(ctx, key, true)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := state.Load(ctx, c.store, key)
	if err != nil {
		return nil, err
	}
	if err := state.ValidateTransition(sess.State, state.SetupDone); err != nil {
		return nil, err
	}

	budget, provider, err := c.provision(req, role.Single)
	if err != nil {
		return nil, err
	}

	common.Log.Debugf("running %s setup with %s", key, budget)
	pk, vk, err := provider.Setup(ctx, req.Circuit, budget)
	if err != nil {
		return nil, err
	}

	pkRaw, err := pk.Marshal()
	if err != nil {
		return nil, common.Wrap(common.ErrSetupFailed, key.String(), err)
	}
	vkRaw, err := vk.Marshal()
	if err != nil {
		return nil, common.Wrap(common.ErrSetupFailed, key.String(), err)
	}

	// a proof from the previous keys can never verify against the new ones
	if err := c.store.Delete(ctx, key, store.ArtifactProof); err != nil {
		return nil, err
	}
	if err := c.store.Put(ctx, key, store.ArtifactProvingKey, pkRaw); err != nil {
		return nil, err
	}
	if err := c.store.Put(ctx, key, store.ArtifactVerifyingKey, vkRaw); err != nil {
		return nil, err
	}

	sess.KeyDigest = common.StringOrNil(common.SHA256(pkRaw))
	sess.ProofOrigin = nil
	if err := sess.Transition(ctx, c.store, state.SetupDone); err != nil {
		return nil, err
	}

	common.Log.Debugf("setup complete for %s; session %s", key, sess.ID)
	return &Result{
		Request: req,
		Budget:  budget,
		Session: sess,
	}, nil
}

func (c *Coordinator) proveLocal(ctx context.Context, req *request.ProvingRequest) (*Result, error) {
	key := c.sessionKey(req)
	unlock, err := c.store.Lock(ctx, key, true)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := state.Load(ctx, c.store, key)
	if err != nil {
		return nil, err
	}
	pk, _, err := c.requireProvingKey(ctx, req, sess)
	if err != nil {
		return nil, err
	}
	if err := state.ValidateTransition(sess.State, state.ProofReady); err != nil {
		return nil, err
	}

	budget, provider, err := c.provision(req, role.Single)
	if err != nil {
		return nil, err
	}

	timer := common.StartTimer("Prove full workload")
	share, err := provider.ProveShare(ctx, pk, topology.LeaderIndex, []topology.RowRange{{Start: 0, End: req.Circuit.Rows()}}, budget)
	timer.Done()
	if err != nil {
		return nil, err
	}

	proof, err := c.finalize(ctx, provider, pk, share, budget)
	if err != nil {
		return nil, err
	}

	origin := state.ProofOriginLocal
	if err := c.commitProof(ctx, sess, proof, origin); err != nil {
		return nil, err
	}

	return &Result{
		Request:   req,
		Budget:    budget,
		Session:   sess,
		ProofSize: len(proof),
	}, nil
}

func (c *Coordinator) finalize(ctx context.Context, provider zkp.ProverProvider, pk *zkp.ProvingKey, aggregate *zkp.Share, budget *resources.Budget) ([]byte, error) {
	timer := common.StartTimer("Create proof")
	defer timer.Done()
	return provider.Finalize(ctx, pk, aggregate, budget)
}

// commitProof persists the proof and moves the session to ProofReady; the caller holds the exclusive lock
func (c *Coordinator) commitProof(ctx context.Context, sess *state.Session, proof []byte, origin state.ProofOrigin) error {
	if err := c.store.Put(ctx, sess.Key, store.ArtifactProof, proof); err != nil {
		return err
	}

	sess.ProofOrigin = &origin
	if err := sess.Transition(ctx, c.store, state.ProofReady); err != nil {
		return err
	}

	common.Log.Debugf("wrote %d-byte %s proof for %s", len(proof), origin, sess.Key)
	return nil
}

// snapshot reads the session and proving key under a shared lock
func (c *Coordinator) snapshot(ctx context.Context, req *request.ProvingRequest) (*state.Session, *zkp.ProvingKey, string, error) {
	key := c.sessionKey(req)
	unlock, err := c.store.Lock(ctx, key, false)
	if err != nil {
		return nil, nil, "", err
	}
	defer unlock()

	sess, err := state.Load(ctx, c.store, key)
	if err != nil {
		return nil, nil, "", err
	}
	pk, digest, err := c.requireProvingKey(ctx, req, sess)
	if err != nil {
		return nil, nil, "", err
	}
	return sess, pk, digest, nil
}

func (c *Coordinator) proveDistributed(ctx context.Context, req *request.ProvingRequest) (*Result, error) {
	sess, pk, digest, err := c.snapshot(ctx, req)
	if err != nil {
		return nil, err
	}

	cluster, err := c.resolver.Resolve(ctx, req.Circuit)
	if err != nil {
		return nil, err
	}
	r, err := role.Resolve(*req.RoleIndex, cluster.Network)
	if err != nil {
		return nil, err
	}
	assignment, ok := cluster.Workload.For(r.Index)
	if !ok {
		return nil, common.NewError(common.ErrConfigInconsistent, strconv.Itoa(r.Index), "node index %d has no workload assignment", r.Index)
	}

	budget, provider, err := c.provision(req, r.Kind)
	if err != nil {
		return nil, err
	}
	common.Log.Debugf("running distributed prove of %s as %s with %s over %d rows", c.sessionKey(req), r, budget, assignment.Rows())

	if r.IsLeader() {
		return c.lead(ctx, req, r, cluster, assignment, sess, pk, digest, budget, provider)
	}
	return c.work(ctx, req, r, assignment, sess, pk, digest, budget, provider)
}

// lead computes the leader's share, awaits every worker share, then finalizes and persists the proof
func (c *Coordinator) lead(
	ctx context.Context,
	req *request.ProvingRequest,
	r *role.Role,
	cluster *topology.Config,
	assignment *topology.Assignment,
	sess *state.Session,
	pk *zkp.ProvingKey,
	digest string,
	budget *resources.Budget,
	provider zkp.ProverProvider,
) (res *Result, err error) {
	start := time.Now()
	col := newCollector(req.Circuit.ID, req.Profile, digest, cluster.Workload, r.PeerIndices())

	if len(r.Peers) > 0 {
		var receiver shareReceiver
		receiver, err = c.startReceiver(r, col)
		if err != nil {
			return nil, err
		}
		defer receiver.Close()

		// the share server is the only /metrics endpoint; observe while it still serves
		if _, ok := receiver.(*shareServer); ok {
			defer func() {
				observePhase(string(req.Circuit.ID), string(req.Phase), string(role.Leader), start, err)
			}()
		}
	}

	timer := common.StartTimer(fmt.Sprintf("Prove share %d", r.Index))
	own, err := provider.ProveShare(ctx, pk, r.Index, assignment.Ranges, budget)
	timer.Done()
	if err != nil {
		return nil, err
	}

	waitStart := time.Now()
	common.Log.Debugf("awaiting shares from prover indices %s", joinIndices(r.PeerIndices()))
	shares, err := col.wait(ctx, c.cfg.ShareTimeout)
	shareWait.WithLabelValues(string(req.Circuit.ID)).Observe(time.Since(waitStart).Seconds())
	if err != nil {
		return nil, err
	}

	aggregate, err := provider.Combine(append([]*zkp.Share{own}, shares...)...)
	if err != nil {
		return nil, err
	}

	key := c.sessionKey(req)
	unlock, err := c.store.Lock(ctx, key, true)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// setup may have rerun while the lock was released for collection
	current, err := state.Load(ctx, c.store, key)
	if err != nil {
		return nil, err
	}
	_, currentDigest, err := c.requireProvingKey(ctx, req, current)
	if err != nil {
		return nil, err
	}
	if currentDigest != digest {
		return nil, common.NewError(common.ErrPhaseOutOfOrder, key.String(), "setup reran during distributed prove of session %s", sess.ID)
	}
	if err := state.ValidateTransition(current.State, state.ProofReady); err != nil {
		return nil, err
	}

	proof, err := c.finalize(ctx, provider, pk, aggregate, budget)
	if err != nil {
		return nil, err
	}
	if err := c.commitProof(ctx, current, proof, state.ProofOriginDistributed); err != nil {
		return nil, err
	}

	return &Result{
		Request:   req,
		Role:      r,
		Budget:    budget,
		Session:   current,
		ProofSize: len(proof),
	}, nil
}

type shareReceiver interface {
	Close() error
}

func (c *Coordinator) startReceiver(r *role.Role, col *collector) (shareReceiver, error) {
	if c.cfg.ShareTransport == common.ShareTransportNATS {
		receiver, err := startNatsShareReceiver(c.cfg.NatsURL, col)
		if err != nil {
			return nil, err
		}
		return receiver, nil
	}

	listener := c.listener
	if listener == nil {
		var err error
		listener, err = net.Listen("tcp", r.Self.Address)
		if err != nil {
			return nil, common.NewError(common.ErrPeerUnreachable, r.Self.Address, "failed to bind share listener; %s", err.Error())
		}
	}
	return startShareServer(listener, col), nil
}

// work computes the worker's share and delivers it to the leader; it writes no artifact
func (c *Coordinator) work(
	ctx context.Context,
	req *request.ProvingRequest,
	r *role.Role,
	assignment *topology.Assignment,
	sess *state.Session,
	pk *zkp.ProvingKey,
	digest string,
	budget *resources.Budget,
	provider zkp.ProverProvider,
) (*Result, error) {
	timer := common.StartTimer(fmt.Sprintf("Prove share %d", r.Index))
	share, err := provider.ProveShare(ctx, pk, r.Index, assignment.Ranges, budget)
	timer.Done()
	if err != nil {
		return nil, err
	}

	sender := c.sender
	if sender == nil {
		sender = c.shareSenderFactory()
		defer sender.Close()
	}

	msg := &ShareMessage{
		SessionID: sess.ID.String(),
		Circuit:   string(req.Circuit.ID),
		Profile:   string(req.Profile),
		Index:     r.Index,
		KeyDigest: digest,
		Rows:      share.Rows,
		Aggregate: share.AggregateHex(),
	}

	timer = common.StartTimer(fmt.Sprintf("Deliver share %d", r.Index))
	ack, err := sender.Send(ctx, r.LeaderNode, msg)
	timer.Done()
	if err != nil {
		return nil, err
	}

	common.Log.Debugf("leader %s accepted share from prover %d", r.LeaderNode.Address, ack.Index)
	return &Result{
		Request: req,
		Role:    r,
		Budget:  budget,
	}, nil
}

func (c *Coordinator) shareSenderFactory() ShareSender {
	switch c.cfg.ShareTransport {
	case common.ShareTransportNATS:
		return newNatsShareSender(c.cfg.NatsURL, c.cfg.PeerConnectTimeout)
	default:
		return newHTTPShareSender(c.cfg.PeerConnectTimeout)
	}
}

// verify checks the session's proof; only the leader writes a distributed proof,
// so on any other node the missing proof fails the precondition
func (c *Coordinator) verify(ctx context.Context, req *request.ProvingRequest) (*Result, error) {
	key := c.sessionKey(req)
	unlock, err := c.store.Lock(ctx, key, true)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := state.Load(ctx, c.store, key)
	if err != nil {
		return nil, err
	}
	if !sess.AtLeast(state.ProofReady) {
		return nil, common.NewError(common.ErrPhaseOutOfOrder, string(req.Phase), "verify requires a proof; session %s is %s", key, sess.State)
	}
	if err := state.ValidateTransition(sess.State, state.Verified); err != nil {
		return nil, err
	}
	if sess.ProofOrigin != nil && *sess.ProofOrigin == state.ProofOriginDistributed {
		if err := c.requireLeaderHost(ctx, req); err != nil {
			return nil, err
		}
	}

	vkRaw, err := c.requireArtifact(ctx, req, store.ArtifactVerifyingKey)
	if err != nil {
		return nil, err
	}
	proof, err := c.requireArtifact(ctx, req, store.ArtifactProof)
	if err != nil {
		return nil, err
	}

	vk, err := zkp.UnmarshalVerifyingKey(vkRaw)
	if err != nil {
		return nil, common.Wrap(common.ErrStoreUnavailable, key.String(), err)
	}

	budget, provider, err := c.provision(req, role.Single)
	if err != nil {
		return nil, err
	}

	timer := common.StartTimer("Verify proof")
	err = provider.Verify(ctx, vk, proof)
	timer.Done()
	if err != nil {
		common.Log.Warningf("proof for %s rejected; %s", key, err.Error())
		return nil, err
	}

	if err := sess.Transition(ctx, c.store, state.Verified); err != nil {
		return nil, err
	}

	common.Log.Debugf("proof for %s accepted", key)
	return &Result{
		Request: req,
		Budget:  budget,
		Session: sess,
	}, nil
}

// requireLeaderHost fails unless this host owns the address of node 0; a shared store
// exposes the leader's distributed proof to every node
func (c *Coordinator) requireLeaderHost(ctx context.Context, req *request.ProvingRequest) error {
	network, err := c.resolver.LoadNetwork(ctx, req.Circuit)
	if err != nil {
		return err
	}
	leader := network.Leader()

	host, _, err := net.SplitHostPort(leader.Address)
	if err != nil {
		return common.NewError(common.ErrConfigMalformed, leader.Address, "invalid leader address; %s", err.Error())
	}
	hosts := []string{host}
	if net.ParseIP(host) == nil {
		hosts, err = net.DefaultResolver.LookupHost(ctx, host)
		if err != nil {
			return common.NewError(common.ErrConfigMalformed, leader.Address, "leader address is not resolvable; %s", err.Error())
		}
	}

	addrs, err := c.localAddrs()
	if err != nil {
		return common.NewError(common.ErrNotLeader, leader.Address, "failed to list local interface addresses; %s", err.Error())
	}

	for _, h := range hosts {
		ip := net.ParseIP(h)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsUnspecified() {
			return nil
		}
		for _, addr := range addrs {
			var local net.IP
			switch a := addr.(type) {
			case *net.IPNet:
				local = a.IP
			case *net.IPAddr:
				local = a.IP
			}
			if local != nil && local.Equal(ip) {
				return nil
			}
		}
	}

	return common.NewError(common.ErrNotLeader, leader.Address, "distributed proof must be verified on the leader at %s", leader.Address)
}

func (c *Coordinator) requireArtifact(ctx context.Context, req *request.ProvingRequest, a store.Artifact) ([]byte, error) {
	raw, err := c.store.Get(ctx, c.sessionKey(req), a)
	if errors.Is(err, common.ErrArtifactNotFound) {
		return nil, common.NewError(common.ErrPhaseOutOfOrder, string(req.Phase), "%s requires %s for %s", req.Phase, a, c.sessionKey(req))
	}
	return raw, err
}

// errorCode labels err for metrics
func errorCode(err error) string {
	if code := common.ErrorCode(err); code != "" {
		return code
	}
	return "Unknown"
}
