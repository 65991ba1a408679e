// Copyright HiveNet. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package delivery implements the Delivery Service Facade (spec §5): the
// single entry point a client binds to the network and the Group State
// through. It owns Gossip Broadcast and the Cascade Orchestrator, buffers
// messages that arrive for a future epoch or a not-yet-joined member,
// tracks commits whose referenced proposals have not all arrived yet, and
// applies the tie-break that resolves a residual commit conflict into one
// choice. Grounded on original_source's distributed_ds.hpp
// (DistributedDeliveryService).
package delivery

import (
	"time"

	"github.com/HiveNetCode/distributed-mls/internal/cascade"
	"github.com/HiveNetCode/distributed-mls/internal/gossip"
	"github.com/HiveNetCode/distributed-mls/internal/metrics"
	"github.com/HiveNetCode/distributed-mls/pkg/api"
	"github.com/HiveNetCode/distributed-mls/pkg/types"
	"github.com/HiveNetCode/distributed-mls/pkg/wire"
)

// WelcomeFunc is invoked when a Welcome arrives for a not-yet-joined
// member; it must construct and return the joined Group State.
type WelcomeFunc func(welcome []byte) (api.GroupState, error)

// MessageFunc delivers a validated proposal or application message to the
// caller.
type MessageFunc func(msg []byte)

// CommitDeliveredFunc is invoked once per epoch, after the decided commit
// has been applied to the Group State and the epoch has advanced. added,
// removed and updated are the commit's membership delta, captured before
// ApplyCommit clears the state's pending-proposal cache (the delta is no
// longer recoverable from commit afterwards).
type CommitDeliveredFunc func(commit []byte, added, removed, updated []types.MemberID)

// Options configures one Facade.
type Options struct {
	NetworkRTT time.Duration
	SelfID     types.MemberID
}

type pendingCommit struct {
	commit    []byte
	remaining map[string]bool
}

type futureMessage struct {
	epoch types.Epoch
	msg   []byte
}

// Facade is one member's Delivery Service instance.
type Facade struct {
	comm   api.Comm
	clock  api.Clock
	logger api.Logger
	selfID types.MemberID

	onWelcome  WelcomeFunc
	onMessage  MessageFunc
	onDelivery CommitDeliveredFunc

	networkRTT time.Duration

	state   api.GroupState
	gossip  *gossip.Bcast
	cascade *cascade.Orchestrator

	proposedCommit    []byte
	proposedCommitRef types.MessageRef
	hasProposedCommit bool
	associatedWelcome []byte
	hasWelcome        bool

	receivedProposals map[string]bool
	incompleteCommits map[string]*pendingCommit

	futureProposals []futureMessage
	futureCascade   []futureMessage
}

// New constructs a Facade. Call Init once a Welcome (or an initial Group
// State, for the member that creates the group) is available.
func New(comm api.Comm, clock api.Clock, logger api.Logger, onWelcome WelcomeFunc, onMessage MessageFunc, onDelivery CommitDeliveredFunc, opts Options) *Facade {
	return &Facade{
		comm:              comm,
		clock:             clock,
		logger:            logger,
		selfID:            opts.SelfID,
		onWelcome:         onWelcome,
		onMessage:         onMessage,
		onDelivery:        onDelivery,
		networkRTT:        opts.NetworkRTT,
		receivedProposals: make(map[string]bool),
		incompleteCommits: make(map[string]*pendingCommit),
	}
}

// Init binds state as the joined Group State and (re)starts Gossip and the
// Cascade Orchestrator for its current epoch.
func (f *Facade) Init(state api.GroupState) {
	f.state = state

	if f.gossip == nil {
		f.gossip = gossip.New(f.comm, f.logger, state, f.selfID, f.handleGossipDelivery)
	}
	if f.cascade == nil {
		f.cascade = cascade.New(state, f.clock, f.logger,
			f.sendCascade, f.broadcastCascade, f.sendSampleCascade,
			f.chooseCommit, f.handleConsensusDelivery, f.handleCommitKnown,
			cascade.ReadTestOptions(f.networkRTT))
	}

	f.gossip.Init()
	f.cascade.NewEpoch()
	f.advanceEpoch()
}

// ReceiveNetworkMessage dispatches one inbound transport frame.
func (f *Facade) ReceiveNetworkMessage(raw []byte) {
	msg, err := wire.UnmarshalDDSMessage(raw)
	if err != nil {
		f.logger.Warnf("delivery: undecodable network message: %v", err)
		return
	}

	switch msg.Tag {
	case wire.DDSWelcome:
		if f.state != nil {
			return
		}
		state, err := f.onWelcome(msg.Welcome)
		if err != nil {
			f.logger.Warnf("delivery: rejected welcome: %v", err)
			return
		}
		f.Init(state)
	case wire.DDSGossip:
		if f.gossip != nil {
			f.gossip.ReceiveMessage(*msg.Gossip)
		}
	case wire.DDSCascade:
		f.handleCascadeConsensusReception(msg.Cascade)
	}
}

// BroadcastProposalOrMessage gossips a locally-produced proposal or
// application message.
func (f *Facade) BroadcastProposalOrMessage(msg []byte) {
	if f.state == nil {
		return
	}
	f.gossip.Dispatch(msg)
}

// CanProposeCommit reports whether CAC1 has not yet started this epoch
// (original_source: a second local commit proposal in the same epoch would
// be silently dropped by CAC1 anyway, so callers should check first).
func (f *Facade) CanProposeCommit() bool {
	return f.state != nil && !f.cascade.CAC1HasStarted()
}

// ProposeCommit starts the cascade over a locally-produced commit. welcome,
// when non-nil, is broadcast to newly added members once (and if) this
// commit is the one that is ultimately delivered.
func (f *Facade) ProposeCommit(commit []byte, welcome []byte) {
	if f.state == nil {
		return
	}

	f.proposedCommit = commit
	f.proposedCommitRef = f.state.Ref(commit)
	f.hasProposedCommit = true
	f.associatedWelcome = welcome
	f.hasWelcome = welcome != nil

	f.cascade.ProposeCommit(commit)
}

// --- Gossip wiring -------------------------------------------------------

func (f *Facade) handleGossipDelivery(msg []byte) {
	epoch, ok := f.peekEpoch(msg)
	if !ok {
		return
	}

	if f.state == nil {
		f.futureProposals = append(f.futureProposals, futureMessage{epoch: epoch, msg: msg})
		return
	}

	switch {
	case epoch < f.state.Epoch():
		return
	case epoch > f.state.Epoch():
		f.futureProposals = append(f.futureProposals, futureMessage{epoch: epoch, msg: msg})
	default:
		f.handleProposal(msg)
	}
}

func (f *Facade) handleProposal(msg []byte) {
	if ref, ok := f.state.ValidateProposal(msg); ok {
		f.onMessage(msg)
		f.receivedProposals[ref.String()] = true
		f.unlockIncompleteCommits(ref)
	} else if f.state.ValidateApplication(msg) {
		f.onMessage(msg)
	}
}

// unlockIncompleteCommits advances every pending commit's missing-proposal
// set and completes any that just became fully known.
func (f *Facade) unlockIncompleteCommits(newRef types.MessageRef) {
	key := newRef.String()
	var completed []string
	for commitKey, pending := range f.incompleteCommits {
		if !pending.remaining[key] {
			continue
		}
		delete(pending.remaining, key)
		if len(pending.remaining) == 0 {
			completed = append(completed, commitKey)
		}
	}
	for _, commitKey := range completed {
		pending := f.incompleteCommits[commitKey]
		delete(f.incompleteCommits, commitKey)
		f.handleCompleteCommit(pending.commit)
	}
}

// --- Cascade consensus wiring --------------------------------------------

func (f *Facade) handleCascadeConsensusReception(raw []byte) {
	epoch, ok := f.peekEpoch(raw)
	if !ok {
		return
	}

	if f.state == nil {
		f.futureCascade = append(f.futureCascade, futureMessage{epoch: epoch, msg: raw})
		return
	}

	switch {
	case epoch < f.state.Epoch():
		return
	case epoch > f.state.Epoch():
		f.futureCascade = append(f.futureCascade, futureMessage{epoch: epoch, msg: raw})
	default:
		f.handleCascadeConsensusMessage(raw)
	}
}

func (f *Facade) handleCascadeConsensusMessage(raw []byte) {
	if !f.state.ValidateApplication(raw) {
		f.logger.Warnf("delivery: invalid cascade consensus envelope")
		return
	}
	content, err := wire.UnmarshalAuthContent(raw)
	if err != nil {
		f.logger.Warnf("delivery: undecodable cascade consensus envelope: %v", err)
		return
	}
	ccMsg, err := wire.UnmarshalCascadeConsensusMessage(content.Payload)
	if err != nil {
		f.logger.Warnf("delivery: undecodable cascade consensus message: %v", err)
		return
	}
	f.cascade.ReceiveMessage(ccMsg)
}

// handleCommitKnown runs whenever a remote commit's full body first becomes
// known to CAC1: it gates on every referenced proposal being locally known
// before handing the commit back to CAC1 as valid.
func (f *Facade) handleCommitKnown(commit []byte) {
	f.handleCommit(commit)
}

func (f *Facade) handleCommit(commit []byte) {
	refs, ok := f.state.ValidateCommit(commit)
	if !ok {
		return
	}

	remaining := make(map[string]bool)
	for _, ref := range refs {
		if !f.receivedProposals[ref.String()] {
			remaining[ref.String()] = true
		}
	}

	if len(remaining) == 0 {
		f.handleCompleteCommit(commit)
		return
	}

	ref := f.state.Ref(commit)
	f.incompleteCommits[ref.String()] = &pendingCommit{commit: commit, remaining: remaining}
}

func (f *Facade) handleCompleteCommit(commit []byte) {
	f.cascade.ValidateCommit(commit)
}

// chooseCommit implements the commit-choice tie-break: most proposals,
// then smallest sender leaf index.
func (f *Facade) chooseCommit(candidates [][]byte) []byte {
	best := candidates[0]
	bestCount := f.state.CommitProposalCount(best)
	bestSender := f.state.CommitSender(best)

	for _, commit := range candidates[1:] {
		count := f.state.CommitProposalCount(commit)
		sender := f.state.CommitSender(commit)

		if count > bestCount || (count == bestCount && sender < bestSender) {
			best, bestCount, bestSender = commit, count, sender
		}
	}
	return best
}

// handleConsensusDelivery applies the cascade's decided commit, advances
// the epoch, and sends the associated Welcome if this member authored the
// delivered commit and it added members.
func (f *Facade) handleConsensusDelivery(commit []byte) {
	added, removed := f.state.CommitMembershipDelta(commit)
	updated := f.state.CommitUpdates(commit)

	if err := f.state.ApplyCommit(commit); err != nil {
		f.logger.Errorf("delivery: failed to apply decided commit: %v", err)
		return
	}

	if f.hasProposedCommit && len(added) > 0 {
		ref := f.state.Ref(commit)
		if ref.Equal(f.proposedCommitRef) {
			f.sendWelcome(added, f.associatedWelcome)
		}
	}

	metrics.EpochsAdvanced.Inc()

	f.gossip.NewEpoch(removed)
	f.cascade.NewEpoch()
	f.advanceEpoch()

	f.onDelivery(commit, added, removed, updated)
}

func (f *Facade) sendWelcome(added []types.MemberID, welcome []byte) {
	msg := wire.MarshalDDSMessage(wire.DDSMessage{Tag: wire.DDSWelcome, Welcome: welcome})
	f.comm.SendSample(added, msg)
}

// advanceEpoch clears per-epoch bookkeeping and replays every queued
// future message that now matches the current epoch, dropping the ones
// that are now stale.
func (f *Facade) advanceEpoch() {
	f.receivedProposals = make(map[string]bool)
	f.incompleteCommits = make(map[string]*pendingCommit)

	f.proposedCommit = nil
	f.hasProposedCommit = false
	f.associatedWelcome = nil
	f.hasWelcome = false

	f.futureProposals = f.drainFuture(f.futureProposals, f.handleProposal)
	f.futureCascade = f.drainFuture(f.futureCascade, f.handleCascadeConsensusMessage)
}

func (f *Facade) drainFuture(queue []futureMessage, handle func([]byte)) []futureMessage {
	var remaining []futureMessage
	for _, pending := range queue {
		switch {
		case pending.epoch == f.state.Epoch():
			handle(pending.msg)
		case pending.epoch > f.state.Epoch():
			remaining = append(remaining, pending)
		}
	}
	return remaining
}

// peekEpoch decodes only the plaintext epoch field of a marshalled
// AuthContent, without verifying its signature, the cheap metadata read
// original_source performs via MLSMessage::epoch() before a message's
// Group State epoch is known to match.
func (f *Facade) peekEpoch(msg []byte) (types.Epoch, bool) {
	content, err := wire.UnmarshalAuthContent(msg)
	if err != nil {
		return 0, false
	}
	return content.Epoch, true
}

// --- Cascade transport wiring --------------------------------------------

func (f *Facade) sendCascade(peer types.MemberID, payload []byte) {
	f.comm.Send(peer, f.wrapCascade(payload))
}

func (f *Facade) broadcastCascade(payload []byte) {
	f.comm.Broadcast(f.wrapCascade(payload))
}

func (f *Facade) sendSampleCascade(sample []types.MemberID, payload []byte) {
	f.comm.SendSample(sample, f.wrapCascade(payload))
}

// wrapCascade signs payload (a marshalled CascadeConsensusMessage) as an
// application message and wraps it in the outermost DDS envelope.
func (f *Facade) wrapCascade(payload []byte) []byte {
	signed := f.state.Sign(payload)
	return wire.MarshalDDSMessage(wire.DDSMessage{
		Tag:     wire.DDSCascade,
		Cascade: wire.MarshalAuthContent(signed),
	})
}
