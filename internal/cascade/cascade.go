// Copyright HiveNet. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package cascade implements the Cascade Orchestrator (spec §5): it wires
// CAC1 (over raw commits), Restrained Consensus, CAC2 (over CAC2Content)
// and Full Consensus into the single cascade that decides, per epoch,
// which commit advances the group. Grounded on original_source's
// cascade_consensus.hpp, which names this wiring "Cascade Consensus"
// following Albouy et al.'s "Context Adaptive Cooperation".
package cascade

import (
	"math/rand"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/HiveNetCode/distributed-mls/internal/cac"
	"github.com/HiveNetCode/distributed-mls/internal/metrics"
	"github.com/HiveNetCode/distributed-mls/internal/pbft"
	"github.com/HiveNetCode/distributed-mls/internal/rc"
	"github.com/HiveNetCode/distributed-mls/pkg/api"
	"github.com/HiveNetCode/distributed-mls/pkg/types"
	"github.com/HiveNetCode/distributed-mls/pkg/wire"
)

// cacK is the tolerance parameter both CAC Broadcast instances run with
// (spec §4.2: "deployed with k=1 throughout this system").
const cacK = 1

// osExit is os.Exit, indirected so a crash-simulation test can observe the
// exit instead of actually terminating the test process.
var osExit = os.Exit

// ChoiceFunc picks a single commit among several still-conflicting
// candidates. Semantically arbitrary (any residual disagreement here is
// resolved downstream by Full Consensus) but must be deterministic.
type ChoiceFunc func(candidates [][]byte) []byte

// DeliverFunc is invoked exactly once per epoch with the commit the cascade
// ultimately decided on.
type DeliverFunc func(commit []byte)

// CommitKnownFunc is invoked the first time a remotely-authored commit's
// full body becomes known to CAC1 (original_source wires this into
// CACBroadcast's "transmit" callback slot: rather than a network
// re-transmission, for a commit candidate it is the upper layer's signal to
// gate on proposal-completeness and, once every referenced proposal is
// locally known, call Orchestrator.ValidateCommit itself).
type CommitKnownFunc func(commit []byte)

// SendFunc unicasts an already-wrapped DDS payload to one peer.
type SendFunc func(peer types.MemberID, payload []byte)

// BroadcastFunc sends an already-wrapped DDS payload to every peer.
type BroadcastFunc func(payload []byte)

// SendSampleFunc unicasts an already-wrapped DDS payload to exactly the
// named peers.
type SendSampleFunc func(sample []types.MemberID, payload []byte)

// rawCodec is the identity Codec for CAC1, which broadcasts commits as
// opaque bytes: the Group State, not this package, understands their
// structure.
type rawCodec struct{}

func (rawCodec) Marshal(m []byte) []byte                { return m }
func (rawCodec) Unmarshal(data []byte) ([]byte, error) { return data, nil }

// cac2Codec marshals/unmarshals CAC2Content for CAC2.
type cac2Codec struct{}

func (cac2Codec) Marshal(m types.CAC2Content) []byte { return wire.MarshalCAC2Content(m) }
func (cac2Codec) Unmarshal(data []byte) (types.CAC2Content, error) {
	return wire.UnmarshalCAC2Content(data)
}

// Options configures one Orchestrator. NetworkRTT is the assumed
// round-trip bound driving every consensus timeout in the cascade.
// RCCrashN/RCDelay surface the TEST_RC_CRASH/TEST_RC_DELAY test knobs
// (original_source reads these once, from the environment, at process
// start; ReadTestOptions below does the same).
type Options struct {
	NetworkRTT time.Duration
	RCCrashN   int
	RCDelay    time.Duration
}

// ReadTestOptions builds the cascade test knobs from the environment,
// mirroring original_source's std::getenv("TEST_RC_CRASH")/TEST_RC_DELAY
// reads. TEST_RC_CRASH=<n> is the denominator of a 1/n chance, evaluated
// fresh every time this member is about to start Restrained Consensus over
// a conflict (spec §6), of exiting the process instead. TEST_RC_DELAY=<ms>
// delays every PARTICIPATE broadcast by that many milliseconds.
func ReadTestOptions(rtt time.Duration) Options {
	opts := Options{NetworkRTT: rtt}

	if v := os.Getenv("TEST_RC_CRASH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.RCCrashN = n
		}
	}
	if v := os.Getenv("TEST_RC_DELAY"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			opts.RCDelay = time.Duration(ms) * time.Millisecond
		}
	}
	return opts
}

// Orchestrator runs the full commit-delivery cascade for one member.
type Orchestrator struct {
	state  api.GroupState
	clock  api.Clock
	logger api.Logger

	send          SendFunc
	broadcast     BroadcastFunc
	sendSample    SendSampleFunc
	choice        ChoiceFunc
	deliver       DeliverFunc
	commitKnown   CommitKnownFunc
	networkRTT    time.Duration
	rcCrashN      int

	cac1 *cac.Instance[[]byte]
	cac2 *cac.Instance[types.CAC2Content]
	rc   *rc.Instance
	pbft *pbft.Instance[types.CAC2Content]

	delivered []types.MessageRef

	rcTimeout      api.TimerID
	rcTimeoutArmed bool

	consensusProposed bool
}

// New constructs an Orchestrator. Call NewEpoch before first use.
func New(state api.GroupState, clock api.Clock, logger api.Logger, send SendFunc, broadcast BroadcastFunc, sendSample SendSampleFunc, choice ChoiceFunc, deliver DeliverFunc, commitKnown CommitKnownFunc, opts Options) *Orchestrator {
	o := &Orchestrator{
		state:       state,
		clock:       clock,
		logger:      logger,
		send:        send,
		broadcast:   broadcast,
		sendSample:  sendSample,
		choice:      choice,
		deliver:     deliver,
		commitKnown: commitKnown,
		networkRTT:  opts.NetworkRTT,
		rcCrashN:    opts.RCCrashN,
	}

	o.cac1 = cac.NewInstance[[]byte](cacK, state, rawCodec{}, o.choiceCAC1, o.transmitCAC1, o.deliverCAC1, o.sendCAC1, logger)
	o.cac2 = cac.NewInstance[types.CAC2Content](cacK, state, cac2Codec{}, o.choiceCAC2, o.transmitCAC2, o.deliverCAC2, o.sendCAC2, logger)
	o.rc = rc.New(state, clock, logger, o.decideRC, o.bottomRC, o.broadcastRC, rc.Options{
		NetworkRTT: opts.NetworkRTT,
		Delay:      opts.RCDelay,
	})
	o.pbft = pbft.New[types.CAC2Content](state, clock, logger, cac2Codec{}, o.broadcastPBFT, o.sendPBFT, o.deliverPBFT, opts.NetworkRTT)

	return o
}

// NewEpoch resets every cascade sub-machine for a fresh epoch.
func (o *Orchestrator) NewEpoch() {
	o.cac1.NewEpoch()
	o.cac2.NewEpoch()
	o.rc.NewEpoch()
	o.pbft.NewEpoch()

	o.delivered = nil
	o.consensusProposed = false
	o.cancelRCTimeout()
}

// ProposeCommit starts CAC1 over a locally-produced commit.
func (o *Orchestrator) ProposeCommit(commit []byte) {
	o.cac1.Broadcast(commit)
}

// ValidateCommit notifies CAC1 that the caller (the delivery facade, once
// all of a commit's referenced proposals are known) has accepted a
// remotely-seen commit as well-formed.
func (o *Orchestrator) ValidateCommit(commit []byte) {
	o.cac1.ValidateMessage(commit)
}

// CAC1HasStarted reports whether CAC1 has already emitted a signature this
// epoch (the delivery facade uses this to decide whether a locally produced
// commit can still be proposed, or must instead be held for next epoch).
func (o *Orchestrator) CAC1HasStarted() bool { return o.cac1.HasStarted() }

// ReceiveMessage dispatches an inbound CascadeConsensusMessage to the
// matching sub-machine.
func (o *Orchestrator) ReceiveMessage(msg wire.CascadeConsensusMessage) {
	switch msg.Subtype {
	case wire.CCSubtypeCAC:
		cacMsg, err := wire.UnmarshalCACMessage(msg.Body)
		if err != nil {
			o.logger.Warnf("cascade: undecodable CAC1 message: %v", err)
			return
		}
		if msg.Instance != 1 {
			o.logger.Warnf("cascade: unexpected CAC instance %d for subtype CAC", msg.Instance)
			return
		}
		o.cac1.ReceiveMessage(cacMsg)
	case wire.CCSubtypeCAC2:
		cacMsg, err := wire.UnmarshalCACMessage(msg.Body)
		if err != nil {
			o.logger.Warnf("cascade: undecodable CAC2 message: %v", err)
			return
		}
		if msg.Instance != 2 {
			o.logger.Warnf("cascade: unexpected CAC instance %d for subtype CAC2", msg.Instance)
			return
		}
		o.cac2.ReceiveMessage(cacMsg)
	case wire.CCSubtypeRC:
		rcMsg, err := wire.UnmarshalRCMessage(msg.Body)
		if err != nil {
			o.logger.Warnf("cascade: undecodable RC message: %v", err)
			return
		}
		o.rc.ReceiveMessage(rcMsg)
	case wire.CCSubtypePBFT:
		pbftMsg, err := wire.UnmarshalPBFTMessage(msg.Body)
		if err != nil {
			o.logger.Warnf("cascade: undecodable PBFT message: %v", err)
			return
		}
		o.pbft.ReceiveMessage(pbftMsg)
	}
}

// --- CAC1 wiring -----------------------------------------------------

func (o *Orchestrator) choiceCAC1(candidates [][]byte) []byte {
	return o.choice(candidates)
}

// transmitCAC1 fires the first time a remote commit's full body becomes
// known to CAC1 (self-proposed commits never reach this: Broadcast marks
// them seen immediately). It is not a network action at all; it hands the
// candidate to the delivery facade's proposal-completeness gate.
func (o *Orchestrator) transmitCAC1(m []byte) {
	o.commitKnown(m)
}

func (o *Orchestrator) sendCAC1(msg wire.CACMessage) {
	o.broadcast(wire.MarshalCascadeConsensusMessage(wire.CascadeConsensusMessage{
		Instance: 1,
		Subtype:  wire.CCSubtypeCAC,
		Body:     wire.MarshalCACMessage(msg),
	}))
	// Broadcast excludes self on the transport layer; CAC Broadcast must see
	// its own message like every other recipient.
	o.cac1.ReceiveMessage(msg)
}

// deliverCAC1 handles CAC1's delivery: a singleton conflict set delivers
// directly; otherwise the proposing sender starts Restrained Consensus,
// while every other member arms the 3*RTT fallback timeout that hands the
// self-delivered set to CAC2 as RC's ⊥ outcome.
func (o *Orchestrator) deliverCAC1(commit []byte, conflictSet []types.MessageRef, sigs []types.CACSignature) {
	ref := o.state.Ref(commit)
	o.delivered = append(o.delivered, ref)

	if len(conflictSet) == 1 {
		metrics.CommitsDelivered.WithLabelValues("cac1").Inc()
		o.deliver(commit)
		return
	}

	o.logger.Infof("cascade: CAC1 conflict between %d commits", len(conflictSet))

	sender := o.state.CommitSender(commit)
	if sender == o.state.Index() {
		// TEST_RC_CRASH=<n>: a 1/n chance, sampled here rather than once at
		// startup, of exiting instead of starting Restrained Consensus,
		// simulating a proposer that dies right before it would broadcast
		// PARTICIPATE (spec §6, §8 scenario 4).
		if o.rcCrashN > 0 && rand.Intn(o.rcCrashN) == 0 {
			osExit(0)
			return
		}

		metrics.RestrainedConsensusInvocations.WithLabelValues("participant").Inc()
		senderConflictSet := make([]types.ConflictEntry, 0, len(conflictSet))
		for _, r := range conflictSet {
			if m, ok := o.cac1.Message(r); ok {
				senderConflictSet = append(senderConflictSet, types.ConflictEntry{
					Sender: o.state.CommitSender(m),
					Ref:    r,
				})
			}
		}
		o.rc.Propose(senderConflictSet, sigs)
	} else if !o.rcTimeoutArmed {
		metrics.RestrainedConsensusInvocations.WithLabelValues("observer").Inc()
		o.rcTimeout = o.clock.AfterFunc(3*o.networkRTT, func() {
			o.rcTimeoutArmed = false
			o.bottomRC()
		})
		o.rcTimeoutArmed = true
	}
}

// --- Restrained Consensus wiring --------------------------------------

func (o *Orchestrator) broadcastRC(msg wire.RCMessage, participants []types.MemberID) {
	payload := wire.MarshalCascadeConsensusMessage(wire.CascadeConsensusMessage{
		Subtype: wire.CCSubtypeRC,
		Body:    wire.MarshalRCMessage(msg),
	})
	o.sendSample(participants, payload)
}

// decideRC hands RC's agreed subset to CAC2, sorted canonically so that any
// two members proposing the same outcome hash it identically.
func (o *Orchestrator) decideRC(refs []types.MessageRef, sigs []types.AuthContent, retracted []types.AuthContent) {
	sorted := append([]types.MessageRef(nil), refs...)
	types.SortRefs(sorted)

	combined := append([]types.AuthContent(nil), sigs...)
	types.SortAuthContents(combined)
	sortedRetracted := append([]types.AuthContent(nil), retracted...)
	types.SortAuthContents(sortedRetracted)
	combined = append(combined, sortedRetracted...)

	metrics.RestrainedConsensusOutcomes.WithLabelValues("decide").Inc()
	o.cac2.Broadcast(types.CAC2Content{ConflictingRefs: sorted, Signatures: combined})
}

// bottomRC handles RC's ⊥ outcome (ambiguity, invalid proof, or either
// timeout): CAC2 is seeded with self's own CAC1-delivered set and every
// signature self has collected so far.
func (o *Orchestrator) bottomRC() {
	sorted := append([]types.MessageRef(nil), o.delivered...)
	types.SortRefs(sorted)

	sigs := o.cac1.Signatures()
	types.SortAuthContents(sigs)

	metrics.RestrainedConsensusOutcomes.WithLabelValues("bottom").Inc()
	o.cac2.Broadcast(types.CAC2Content{ConflictingRefs: sorted, Signatures: sigs})
}

// --- CAC2 wiring -------------------------------------------------------

func (o *Orchestrator) choiceCAC2(candidates []types.CAC2Content) types.CAC2Content {
	// Choice is not load-bearing: any disagreement among candidates is
	// resolved by Full Consensus.
	return candidates[0]
}

// transmitCAC2 stands in for CAC1's network re-transmission on CAC2: a
// CAC2Content is synthesized locally rather than authored by a peer, so
// nothing needs re-sending. What the upper layer (here) must still do is
// mark it valid so the witness/choice machinery can use it as a candidate
// (original_source wires the equivalent of ValidateMessage into the
// transmit slot for exactly this reason).
func (o *Orchestrator) transmitCAC2(m types.CAC2Content) {
	o.cac2.ValidateMessage(m)
}

func (o *Orchestrator) sendCAC2(msg wire.CACMessage) {
	o.broadcast(wire.MarshalCascadeConsensusMessage(wire.CascadeConsensusMessage{
		Instance: 2,
		Subtype:  wire.CCSubtypeCAC2,
		Body:     wire.MarshalCACMessage(msg),
	}))
	o.cac2.ReceiveMessage(msg)
}

// deliverCAC2 delivers directly when BRB2 agrees on a singleton conflict
// set and every referenced commit is locally known; otherwise it hands the
// decided CAC2Content to Full Consensus, once.
func (o *Orchestrator) deliverCAC2(content types.CAC2Content, conflictSet []types.MessageRef, _ []types.CACSignature) {
	if o.rcTimeoutArmed {
		o.clock.Cancel(o.rcTimeout)
		o.rcTimeoutArmed = false
	}

	if len(conflictSet) == 1 {
		if choices, ok := o.resolveChoices(content.ConflictingRefs); ok {
			o.logger.Infof("cascade: CAC2 agreement on a set of %d messages", len(content.ConflictingRefs))
			metrics.CommitsDelivered.WithLabelValues("cac2").Inc()
			o.deliver(o.choice(choices))
			return
		}
	}

	if o.consensusProposed {
		return
	}
	o.consensusProposed = true

	o.logger.Infof("cascade: CAC2 conflict between %d candidates", len(conflictSet))
	o.pbft.Propose(content)
}

// resolveChoices looks up every commit a CAC2Content's refs name, in the
// order they were named (not re-sorted: the caller already canonicalised
// it where that mattered).
func (o *Orchestrator) resolveChoices(refs []types.MessageRef) ([][]byte, bool) {
	choices := make([][]byte, 0, len(refs))
	for _, ref := range refs {
		m, ok := o.cac1.Message(ref)
		if !ok {
			o.logger.Warnf("cascade: CAC2 decision references unknown commit %s", ref)
			return nil, false
		}
		choices = append(choices, m)
	}
	return choices, true
}

// --- Full Consensus wiring --------------------------------------------

func (o *Orchestrator) broadcastPBFT(msg wire.PBFTMessage) {
	o.broadcast(wire.MarshalCascadeConsensusMessage(wire.CascadeConsensusMessage{
		Subtype: wire.CCSubtypePBFT,
		Body:    wire.MarshalPBFTMessage(msg),
	}))
}

func (o *Orchestrator) sendPBFT(msg wire.PBFTMessage, to types.MemberID) {
	o.send(to, wire.MarshalCascadeConsensusMessage(wire.CascadeConsensusMessage{
		Subtype: wire.CCSubtypePBFT,
		Body:    wire.MarshalPBFTMessage(msg),
	}))
}

func (o *Orchestrator) deliverPBFT(content types.CAC2Content) {
	o.logger.Infof("cascade: Full Consensus agreement reached")

	choices, ok := o.resolveChoices(content.ConflictingRefs)
	if !ok {
		return
	}
	metrics.CommitsDelivered.WithLabelValues("pbft").Inc()
	o.deliver(o.choice(choices))
}

func (o *Orchestrator) cancelRCTimeout() {
	if o.rcTimeoutArmed {
		o.clock.Cancel(o.rcTimeout)
		o.rcTimeoutArmed = false
	}
}

// sortedDelivered returns o.delivered in canonical order, for tests.
func (o *Orchestrator) sortedDelivered() []types.MessageRef {
	out := append([]types.MessageRef(nil), o.delivered...)
	sort.Slice(out, func(i, j int) bool { return string(out[i]) < string(out[j]) })
	return out
}
