// Copyright HiveNet. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package rc implements Restrained Consensus (spec §4.3): the small-group
// agreement run among the senders of conflicting commits whenever CAC1
// delivers a conflict set of size greater than one. Grounded on
// original_source's restrained_consensus.hpp.
package rc

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/HiveNetCode/distributed-mls/internal/cac"
	"github.com/HiveNetCode/distributed-mls/pkg/api"
	"github.com/HiveNetCode/distributed-mls/pkg/types"
	"github.com/HiveNetCode/distributed-mls/pkg/wire"
)

// DecideFunc is invoked once, when a unique largest surviving power-set
// element accumulates a signature from every one of its members.
type DecideFunc func(messages []types.MessageRef, sigs []types.AuthContent, retracted []types.AuthContent)

// BottomFunc is invoked once, when Restrained Consensus cannot converge
// (ambiguous biggest element, invalid proof, or timeout).
type BottomFunc func()

// BroadcastFunc sends a wire.RCMessage to exactly the given participants.
type BroadcastFunc func(msg wire.RCMessage, participants []types.MemberID)

// retractPayload is the fixed payload a retracting member signs.
var retractPayload = []byte("RETRACT")

// Instance is one Restrained Consensus run, scoped to a single epoch's
// conflict. Call NewEpoch before first use and again on every epoch
// advance, whether or not RC is actually invoked that epoch.
type Instance struct {
	state     api.GroupState
	clock     api.Clock
	logger    api.Logger
	decide    DecideFunc
	bottom    BottomFunc
	broadcast BroadcastFunc

	networkRTT time.Duration

	// delay simulates TEST_RC_DELAY=<ms>: the initial PARTICIPATE broadcast
	// is scheduled on the event loop's clock after the delay, instead of
	// sent synchronously. original_source spawns a detached std::thread for
	// this; the event-loop concurrency model here uses the injected Clock
	// instead so the delayed send still only ever runs on the single
	// cascade goroutine.
	delay time.Duration

	retract      bool
	hasDelivered bool
	hasFinished  bool

	powerSet []wire.PowerSetElement
	// signed is keyed by a canonical encoding of a power-set element,
	// valued by the per-sender signature claiming membership in it.
	signed map[string]map[types.LeafIndex]types.AuthContent
	retracted []types.AuthContent

	timeout      api.TimerID
	timeoutArmed bool
}

// Options configures one Instance. NetworkRTT and Delay are fixed for the
// process lifetime (mirroring the TEST_RC_DELAY environment knob being read
// once at startup).
type Options struct {
	NetworkRTT time.Duration
	Delay      time.Duration
}

func New(state api.GroupState, clock api.Clock, logger api.Logger, decide DecideFunc, bottom BottomFunc, broadcast BroadcastFunc, opts Options) *Instance {
	return &Instance{
		state:      state,
		clock:      clock,
		logger:     logger,
		decide:     decide,
		bottom:     bottom,
		broadcast:  broadcast,
		networkRTT: opts.NetworkRTT,
		delay:      opts.Delay,
	}
}

// NewEpoch resets all per-epoch state and cancels any outstanding timeout.
func (i *Instance) NewEpoch() {
	i.cancelTimeout()

	i.retract = false
	i.hasDelivered = false
	i.hasFinished = false
	i.powerSet = nil
	i.signed = make(map[string]map[types.LeafIndex]types.AuthContent)
	i.retracted = nil
}

// Propose starts this member's participation in Restrained Consensus over
// conflictSet, a canonically (ref-)ordered list of the conflicting commits'
// (sender, ref) pairs, with sigs the CAC1 proofs justifying that set.
func (i *Instance) Propose(conflictSet []types.ConflictEntry, sigs []types.CACSignature) {
	if i.retract || i.hasDelivered {
		return
	}
	i.hasDelivered = true

	i.powerSet = powerSet(conflictSet)

	sigSet := make([]types.AuthContent, 0, len(i.powerSet))
	for _, elt := range i.powerSet {
		if !eltContains(elt, i.state.Index()) {
			continue
		}
		sig := i.state.Sign(wire.MarshalPowerSetElement(elt))
		sigSet = append(sigSet, sig)
		i.recordSigned(elt, i.state.Index(), sig)
	}

	for _, retracted := range i.retracted {
		i.applyRetract(retracted.Sender)
	}

	proofs := make([]types.AuthContent, len(sigs))
	for idx, s := range sigs {
		proofs[idx] = s.AuthContent
	}

	content := wire.ParticipateContent{
		SigSet:           sigSet,
		PowerConflictSet: i.powerSet,
		Proofs:           proofs,
	}
	msg := wire.RCMessage{Subtype: wire.RCParticipate, Participate: &content}
	participants := participantsOf(i.state, conflictSet)

	if i.delay > 0 {
		i.clock.AfterFunc(i.delay, func() { i.broadcast(msg, participants) })
	} else {
		i.broadcast(msg, participants)
	}

	i.armTimeout()
}

// ReceiveMessage handles an inbound RCMessage.
func (i *Instance) ReceiveMessage(msg wire.RCMessage) {
	if i.hasFinished {
		return
	}

	switch msg.Subtype {
	case wire.RCParticipate:
		i.handleParticipate(*msg.Participate)
	case wire.RCRetract:
		i.handleRetract(*msg.Retract)
	}
}

func (i *Instance) handleParticipate(content wire.ParticipateContent) {
	proofs := make([]types.CACSignature, 0, len(content.Proofs))
	for _, sig := range content.Proofs {
		verified, ok := cac.VerifyCACSignature(i.state, sig)
		if !ok {
			i.bottomNow()
			return
		}
		proofs = append(proofs, verified)
	}

	bySender := make(map[types.LeafIndex]map[uint32]bool)
	for _, p := range proofs {
		if bySender[p.SenderIdx] == nil {
			bySender[p.SenderIdx] = make(map[uint32]bool)
		}
		bySender[p.SenderIdx][p.Sequence] = true
	}
	for _, seqs := range bySender {
		var maxSeq uint32
		for s := range seqs {
			if s > maxSeq {
				maxSeq = s
			}
		}
		if int(maxSeq) > len(seqs)-1 {
			i.bottomNow()
			return
		}
	}

	if len(content.SigSet) == 0 || content.SigSet[0].SenderType != types.SenderTypeMember {
		i.bottomNow()
		return
	}
	sender := content.SigSet[0].Sender

	signedSet := make(map[string]types.AuthContent, len(content.SigSet))
	for _, sig := range content.SigSet {
		if !i.state.Verify(sig) || sig.SenderType != types.SenderTypeMember || sig.Sender != sender {
			i.bottomNow()
			return
		}

		elt, err := wire.UnmarshalPowerSetElement(sig.Payload)
		if err != nil {
			i.bottomNow()
			return
		}
		signedSet[eltKey(elt)] = sig
	}

	if i.hasDelivered {
		for key, sig := range signedSet {
			if i.signed[key] == nil {
				i.signed[key] = make(map[types.LeafIndex]types.AuthContent)
			}
			i.signed[key][sender] = sig
		}
		i.checkCompletion()
		return
	}

	sig := i.state.Sign(retractPayload)
	i.retract = true
	i.broadcast(wire.RCMessage{Subtype: wire.RCRetract, Retract: &sig}, participantsFromPowerSet(i.state, content.PowerConflictSet))
}

func (i *Instance) handleRetract(retract types.AuthContent) {
	if retract.SenderType != types.SenderTypeMember || retract.Epoch != i.state.Epoch() {
		return
	}
	if !i.state.Verify(retract) {
		return
	}
	for _, r := range i.retracted {
		if r.Sender == retract.Sender {
			return
		}
	}

	i.retracted = append(i.retracted, retract)
	i.applyRetract(retract.Sender)
	i.checkCompletion()
}

// applyRetract removes every power-set element containing retracted.
func (i *Instance) applyRetract(retracted types.LeafIndex) {
	filtered := i.powerSet[:0:0]
	for _, elt := range i.powerSet {
		if !eltContains(elt, retracted) {
			filtered = append(filtered, elt)
		}
	}
	i.powerSet = filtered
}

// checkCompletion looks for a unique largest surviving power-set element
// and, once every member named in it has signed, decides.
func (i *Instance) checkCompletion() {
	if len(i.powerSet) == 0 {
		return
	}

	biggest := i.powerSet[0]
	uniqueBiggest := true
	for _, elt := range i.powerSet[1:] {
		switch {
		case len(elt) > len(biggest):
			biggest = elt
			uniqueBiggest = true
		case len(elt) == len(biggest):
			uniqueBiggest = false
		}
	}

	if !uniqueBiggest {
		i.bottomNow()
		return
	}

	sigs := i.signed[eltKey(biggest)]
	if len(sigs) != len(biggest) {
		return
	}

	i.hasFinished = true
	i.cancelTimeout()

	refs := make([]types.MessageRef, len(biggest))
	for idx, e := range biggest {
		refs[idx] = e.Ref
	}
	sigList := make([]types.AuthContent, 0, len(sigs))
	for _, s := range sigs {
		sigList = append(sigList, s)
	}

	i.decide(refs, sigList, i.retracted)
}

func (i *Instance) bottomNow() {
	if i.hasFinished {
		return
	}
	i.hasFinished = true
	i.cancelTimeout()
	i.bottom()
}

// HasDelivered reports whether this instance has already called Propose
// successfully this epoch, for tests.
func (i *Instance) HasDelivered() bool { return i.hasDelivered }

func (i *Instance) armTimeout() {
	i.timeout = i.clock.AfterFunc(2*i.networkRTT, func() {
		i.timeoutArmed = false
		i.bottomNow()
	})
	i.timeoutArmed = true
}

func (i *Instance) cancelTimeout() {
	if i.timeoutArmed {
		i.clock.Cancel(i.timeout)
		i.timeoutArmed = false
	}
}

func (i *Instance) recordSigned(elt wire.PowerSetElement, idx types.LeafIndex, sig types.AuthContent) {
	key := eltKey(elt)
	if i.signed[key] == nil {
		i.signed[key] = make(map[types.LeafIndex]types.AuthContent)
	}
	i.signed[key][idx] = sig
}

func eltContains(elt wire.PowerSetElement, idx types.LeafIndex) bool {
	for _, e := range elt {
		if e.Sender == idx {
			return true
		}
	}
	return false
}

// eltKey is a canonical (order-independent) string key for a power-set
// element, used to group signatures for the same element regardless of the
// order its (sender, ref) pairs arrived in.
func eltKey(elt wire.PowerSetElement) string {
	sorted := append([]types.ConflictEntry(nil), elt...)
	sort.Slice(sorted, func(a, b int) bool {
		if sorted[a].Sender != sorted[b].Sender {
			return sorted[a].Sender < sorted[b].Sender
		}
		return bytes.Compare(sorted[a].Ref, sorted[b].Ref) < 0
	})

	var sb strings.Builder
	for _, e := range sorted {
		fmt.Fprintf(&sb, "%d:%x;", e.Sender, e.Ref)
	}
	return sb.String()
}

// powerSet returns every non-empty subset of input (spec §4.3's "local
// power set"). original_source's recursive construction also yields the
// empty subset, but it can never become the unique largest element of a
// non-empty conflict set's power set, so omitting it here is behaviour
// preserving.
func powerSet(input []types.ConflictEntry) []wire.PowerSetElement {
	n := len(input)
	out := make([]wire.PowerSetElement, 0, (1<<n)-1)
	for mask := 1; mask < (1 << n); mask++ {
		var elt wire.PowerSetElement
		for b := 0; b < n; b++ {
			if mask&(1<<b) != 0 {
				elt = append(elt, input[b])
			}
		}
		out = append(out, elt)
	}
	return out
}

func participantsOf(state api.GroupState, conflictSet []types.ConflictEntry) []types.MemberID {
	ids := make([]types.MemberID, 0, len(conflictSet))
	for _, e := range conflictSet {
		if id, ok := state.MemberByIndex(e.Sender); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// participantsFromPowerSet extracts participants from the singleton
// elements of a power set, the same set a full conflict set names, cheaper
// to scan than re-deriving it (mirrors original_source's optimisation).
func participantsFromPowerSet(state api.GroupState, ps []wire.PowerSetElement) []types.MemberID {
	var ids []types.MemberID
	for _, elt := range ps {
		if len(elt) != 1 {
			continue
		}
		if id, ok := state.MemberByIndex(elt[0].Sender); ok {
			ids = append(ids, id)
		}
	}
	return ids
}
