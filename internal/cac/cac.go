// Copyright HiveNet. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package cac implements CAC Broadcast, the scalable Byzantine-Reliable
// Broadcast (BRB) primitive of spec §4.2, generic over the broadcast
// message type M (instantiated once over raw commit bytes for CAC1, once
// over types.CAC2Content for CAC2). Grounded on original_source's
// cac_broadcast.hpp and cac_signature.hpp; the witness/ready quorum
// arithmetic and the sequence-gap handling follow that implementation
// exactly, with one deliberate fix (the n>5t fast-path
// delivery branch marks the message delivered, where the original does
// not, which the spec's "deliver the message once" invariant requires).
package cac

import (
	"sort"

	"github.com/HiveNetCode/distributed-mls/pkg/api"
	"github.com/HiveNetCode/distributed-mls/pkg/types"
	"github.com/HiveNetCode/distributed-mls/pkg/wire"
)

// Codec marshals and unmarshals the broadcast message type M so CAC
// Broadcast can hash it (via GroupState.Ref) and piggyback it on the wire
// without knowing its structure.
type Codec[M any] interface {
	Marshal(m M) []byte
	Unmarshal(data []byte) (M, error)
}

// ChoiceFunc picks one message among several currently-valid candidates,
// invoked whenever this instance must emit its first WITNESS. Semantically
// arbitrary but must be deterministic and total.
type ChoiceFunc[M any] func(candidates []M) M

// TransmitFunc forwards a known payload to peers that have signed for it
// but have not yet seen it (spec §4.2 progress rule 1).
type TransmitFunc[M any] func(m M)

// DeliverFunc is invoked at most once per message reference in an epoch
// (Ready progress can deliver several references) with the delivered message,
// the conflict set it was delivered alongside, and every CAC signature
// accumulated so far (consumed by the cascade orchestrator and by CAC2's
// proof payload).
type DeliverFunc[M any] func(m M, conflictSet []types.MessageRef, sigs []types.CACSignature)

// SendFunc broadcasts a wire-encoded CACMessage to every peer.
type SendFunc func(wire.CACMessage)

type messageSigs struct {
	ref     types.MessageRef
	witness map[types.LeafIndex]struct{}
	ready   map[types.LeafIndex]struct{}
}

func newMessageSigs(ref types.MessageRef) *messageSigs {
	return &messageSigs{
		ref:     ref,
		witness: make(map[types.LeafIndex]struct{}),
		ready:   make(map[types.LeafIndex]struct{}),
	}
}

func (m *messageSigs) witnessCount() int { return len(m.witness) }
func (m *messageSigs) readyCount() int   { return len(m.ready) }

// Instance is one CAC Broadcast instance, scoped to a single epoch. Call
// NewEpoch before first use and again on every epoch advance.
type Instance[M any] struct {
	k      int
	state  api.GroupState
	codec  Codec[M]
	choice ChoiceFunc[M]
	transmit TransmitFunc[M]
	deliver  DeliverFunc[M]
	send     SendFunc
	logger   api.Logger

	n, t, qw, qr int

	sigCount     uint32
	hasSentReady bool

	messages        map[string]M
	validSignatures map[string]types.CACSignature
	validRefs       map[string]bool
	seenRefs        map[string]bool
	waitingRefs     map[string]bool
	deliveredRefs   map[string]bool
	sequences       map[types.LeafIndex]uint32
	sigCounts       map[string]*messageSigs

	queue       []wire.CACMessage
	queueLocked bool
}

// NewInstance constructs a CAC Broadcast instance with tolerance parameter
// k. Call NewEpoch before use.
func NewInstance[M any](k int, state api.GroupState, codec Codec[M], choice ChoiceFunc[M], transmit TransmitFunc[M], deliver DeliverFunc[M], send SendFunc, logger api.Logger) *Instance[M] {
	return &Instance[M]{
		k:        k,
		state:    state,
		codec:    codec,
		choice:   choice,
		transmit: transmit,
		deliver:  deliver,
		send:     send,
		logger:   logger,
	}
}

// NewEpoch resets all per-epoch state and re-derives the quorum thresholds
// from the current membership size.
func (i *Instance[M]) NewEpoch() {
	qp := types.NewQuorumParams(len(i.state.Indexes()), i.k)
	i.n, i.t, i.qw, i.qr = qp.N, qp.T, qp.QW, qp.QR

	i.sigCount = 0
	i.hasSentReady = false

	i.messages = make(map[string]M)
	i.validSignatures = make(map[string]types.CACSignature)
	i.validRefs = make(map[string]bool)
	i.seenRefs = make(map[string]bool)
	i.waitingRefs = make(map[string]bool)
	i.deliveredRefs = make(map[string]bool)
	i.sequences = make(map[types.LeafIndex]uint32)
	i.sigCounts = make(map[string]*messageSigs)

	i.queue = nil
	i.queueLocked = false
}

// HasStarted reports whether this instance has emitted any signature this
// epoch.
func (i *Instance[M]) HasStarted() bool { return i.sigCount > 0 }

// Broadcast seeds this instance with m: only valid before any local
// signature has been emitted this epoch.
func (i *Instance[M]) Broadcast(m M) {
	if i.sigCount > 0 {
		return
	}

	body := i.codec.Marshal(m)
	ref := i.state.Ref(body)

	i.messages[ref.String()] = m
	i.seenRefs[ref.String()] = true
	i.validRefs[ref.String()] = true

	i.emitSignature(types.RoleWitness, ref)
	i.broadcastMessage(types.RoleWitness, &m)
}

// ValidateMessage notifies this instance that the upper layer has accepted
// m as a well-formed candidate (spec §4.2's validate(m)).
func (i *Instance[M]) ValidateMessage(m M) {
	body := i.codec.Marshal(m)
	ref := i.state.Ref(body)
	i.validRefs[ref.String()] = true
	if _, ok := i.messages[ref.String()]; !ok {
		i.messages[ref.String()] = m
		i.seenRefs[ref.String()] = true
	}

	if i.sigCount == 0 {
		chosen := i.choice(i.collectValid())
		chosenRef := i.state.Ref(i.codec.Marshal(chosen))
		delete(i.waitingRefs, chosenRef.String())
		i.emitSignature(types.RoleWitness, chosenRef)
		i.broadcastMessage(types.RoleWitness, &chosen)
	}

	if i.waitingRefs[ref.String()] {
		delete(i.waitingRefs, ref.String())
		i.emitSignature(types.RoleWitness, ref)
		i.broadcastMessage(types.RoleWitness, nil)
	}
}

// ReceiveMessage enqueues msg and, if no reentrant receive is already in
// progress, drains the queue serially. CAC Broadcast can emit signatures
// while processing a receive (ValidateMessage, progress rules), and the send
// callback may hand that message straight back to ReceiveMessage (the cascade
// orchestrator does so for its own CAC messages); the queue holds such a
// re-entrant message until the current one has been processed.
func (i *Instance[M]) ReceiveMessage(msg wire.CACMessage) {
	i.queue = append(i.queue, msg)
	if i.queueLocked {
		return
	}

	i.queueLocked = true
	for len(i.queue) > 0 {
		next := i.queue[0]
		i.queue = i.queue[1:]
		i.process(next)
	}
	i.queueLocked = false
}

func (i *Instance[M]) process(msg wire.CACMessage) {
	if msg.HasMessage {
		if decoded, err := i.codec.Unmarshal(msg.MessageBody); err == nil {
			ref := i.state.Ref(msg.MessageBody)
			if _, ok := i.messages[ref.String()]; !ok {
				i.messages[ref.String()] = decoded
			}
		}
	}

	var outOfOrder []types.CACSignature
	for _, authSig := range msg.Sigs {
		sigRef := i.state.Ref(wire.MarshalAuthContent(authSig))
		if _, ok := i.validSignatures[sigRef.String()]; ok {
			continue
		}

		verified, ok := i.verifyAndConvert(authSig)
		if !ok {
			continue
		}

		if verified.Sequence > i.sequences[verified.SenderIdx] {
			outOfOrder = append(outOfOrder, verified)
		} else {
			i.processNewSig(verified)
		}
	}

	for {
		progressed := false
		var remaining []types.CACSignature
		for _, sig := range outOfOrder {
			if sig.Sequence <= i.sequences[sig.SenderIdx] {
				i.processNewSig(sig)
				progressed = true
			} else {
				remaining = append(remaining, sig)
			}
		}
		outOfOrder = remaining
		if !progressed {
			break
		}
	}

	switch msg.Role {
	case types.RoleWitness:
		i.onWitnessProgress()
	case types.RoleReady:
		i.onReadyProgress()
	}
}

func (i *Instance[M]) verifyAndConvert(content types.AuthContent) (types.CACSignature, bool) {
	return VerifyCACSignature(i.state, content)
}

// VerifyCACSignature checks that content is a valid CAC signature for the
// current epoch (correct sender type, epoch, signature, and a decodable
// CACSignatureData payload) and converts it to a CACSignature. Exported so
// Restrained Consensus can validate the CAC1 proofs it is handed without
// duplicating the verification logic.
func VerifyCACSignature(state api.GroupState, content types.AuthContent) (types.CACSignature, bool) {
	if content.SenderType != types.SenderTypeMember || content.Epoch != state.Epoch() {
		return types.CACSignature{}, false
	}
	if !state.Verify(content) {
		return types.CACSignature{}, false
	}

	data, err := wire.UnmarshalCACSignatureData(content.Payload)
	if err != nil {
		return types.CACSignature{}, false
	}
	if data.Role != types.RoleWitness && data.Role != types.RoleReady {
		return types.CACSignature{}, false
	}

	return types.CACSignature{
		Sequence:    data.Sequence,
		Role:        data.Role,
		Ref:         data.MessageRef,
		SenderIdx:   content.Sender,
		AuthContent: content,
	}, true
}

// processNewSig records a freshly-accepted signature. It advances the
// sender's sequence counter by one regardless of the signature's actual
// sequence number, matching original_source: the gate in process() already
// ensures only contiguous (or stale-duplicate) sequences reach here.
func (i *Instance[M]) processNewSig(sig types.CACSignature) {
	i.sequences[sig.SenderIdx]++

	sigRef := i.state.Ref(wire.MarshalAuthContent(sig.AuthContent))
	i.validSignatures[sigRef.String()] = sig

	ms := i.sigsFor(sig.Ref)
	if sig.IsWitness() {
		ms.witness[sig.SenderIdx] = struct{}{}
	} else {
		ms.ready[sig.SenderIdx] = struct{}{}
	}
}

func (i *Instance[M]) sigsFor(ref types.MessageRef) *messageSigs {
	key := ref.String()
	ms, ok := i.sigCounts[key]
	if !ok {
		ms = newMessageSigs(ref)
		i.sigCounts[key] = ms
	}
	return ms
}

func (i *Instance[M]) emitSignature(role types.Role, ref types.MessageRef) {
	data := types.CACSignatureData{Sequence: i.sigCount, Role: role, MessageRef: ref}
	i.sigCount++

	authContent := i.state.Sign(wire.MarshalCACSignatureData(data))
	sigRef := i.state.Ref(wire.MarshalAuthContent(authContent))

	sig := types.CACSignature{
		Sequence:    data.Sequence,
		Role:        role,
		Ref:         ref,
		SenderIdx:   authContent.Sender,
		AuthContent: authContent,
	}
	i.validSignatures[sigRef.String()] = sig

	ms := i.sigsFor(ref)
	if role == types.RoleWitness {
		ms.witness[sig.SenderIdx] = struct{}{}
	} else {
		ms.ready[sig.SenderIdx] = struct{}{}
	}
}

func (i *Instance[M]) broadcastMessage(role types.Role, msg *M) {
	if role == types.RoleReady {
		i.hasSentReady = true
	}

	sigs := make([]types.AuthContent, 0, len(i.validSignatures))
	for _, s := range i.validSignatures {
		sigs = append(sigs, s.AuthContent)
	}

	out := wire.CACMessage{Role: role, Sigs: sigs}
	if msg != nil {
		out.HasMessage = true
		out.MessageBody = i.codec.Marshal(*msg)
	}

	i.send(out)
}

func (i *Instance[M]) validSigList() []types.CACSignature {
	sigs := make([]types.CACSignature, 0, len(i.validSignatures))
	for _, s := range i.validSignatures {
		sigs = append(sigs, s)
	}
	return sigs
}

// collectValid returns every message currently known to be valid, in a
// deterministic (byte-lexical ref) order so the choice callback sees a
// stable candidate list across replays.
func (i *Instance[M]) collectValid() []M {
	keys := make([]string, 0, len(i.validRefs))
	for k := range i.validRefs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	choices := make([]M, 0, len(keys))
	for _, k := range keys {
		if m, ok := i.messages[k]; ok {
			choices = append(choices, m)
		}
	}
	return choices
}

// messagesWithEnoughWitness returns, in deterministic order, every ref with
// witness count at least threshold.
func (i *Instance[M]) messagesWithEnoughWitness(threshold int) []types.MessageRef {
	var refs []types.MessageRef
	for _, ms := range i.sigCounts {
		if ms.witnessCount() >= threshold {
			refs = append(refs, ms.ref)
		}
	}
	types.SortRefs(refs)
	return refs
}

func (i *Instance[M]) selfWitnessed(ref types.MessageRef) bool {
	ms := i.sigsFor(ref)
	_, ok := ms.witness[i.state.Index()]
	return ok
}

// onWitnessProgress runs spec §4.2's four progress rules evaluated after
// processing a WITNESS.
func (i *Instance[M]) onWitnessProgress() {
	// Rule 1: transmit every known-but-unseen signed-for message.
	var toTransmit []types.MessageRef
	for _, ms := range i.sigCounts {
		key := ms.ref.String()
		if i.seenRefs[key] {
			continue
		}
		if _, ok := i.messages[key]; ok {
			i.seenRefs[key] = true
			toTransmit = append(toTransmit, ms.ref)
		}
	}
	types.SortRefs(toTransmit)
	for _, ref := range toTransmit {
		i.transmit(i.messages[ref.String()])
	}

	// Rule 2: emit a first WITNESS if one hasn't been sent and a validated
	// candidate exists.
	if i.sigCount == 0 && len(i.validRefs) > 0 {
		chosen := i.choice(i.collectValid())
		chosenRef := i.state.Ref(i.codec.Marshal(chosen))
		i.emitSignature(types.RoleWitness, chosenRef)
		i.broadcastMessage(types.RoleWitness, &chosen)
	}

	// Rule 3: READY + fast-path delivery.
	majorityThreshold := (i.n+i.t)/2 + 1
	anyEnough := false
	for _, ms := range i.sigCounts {
		if ms.witnessCount() >= majorityThreshold {
			anyEnough = true
			break
		}
	}
	if anyEnough {
		for _, ref := range i.messagesWithEnoughWitness(majorityThreshold) {
			ms := i.sigsFor(ref)
			if _, signed := ms.ready[i.state.Index()]; !signed {
				i.emitSignature(types.RoleReady, ref)
				i.broadcastMessage(types.RoleReady, nil)
			}

			if i.n > 5*i.t && ms.witnessCount() >= i.n-i.t && len(i.sigCounts) == 1 && !i.deliveredRefs[ref.String()] {
				if m, ok := i.messages[ref.String()]; ok {
					i.deliveredRefs[ref.String()] = true
					i.deliver(m, []types.MessageRef{ref}, i.validSigList())
				}
			}
		}
	}

	// Rule 4: once n-t processes have signed something, force a witness
	// decision if one hasn't been made.
	seenProcesses := len(i.sequences) + 1
	if seenProcesses >= i.n-i.t && !i.hasSentReady {
		threshold4 := seenProcesses - 2*i.t
		var unique *types.MessageRef
		for _, ms := range i.sigCounts {
			if ms.witnessCount() >= threshold4 {
				r := ms.ref
				unique = &r
				break
			}
		}

		if i.n > 5*i.t && unique != nil && !i.selfWitnessed(*unique) && i.validRefs[unique.String()] {
			i.emitSignature(types.RoleWitness, *unique)
			i.broadcastMessage(types.RoleWitness, nil)
		} else {
			var witnessed []*messageSigs
			for _, ms := range i.sigCounts {
				if ms.witnessCount() > 0 {
					witnessed = append(witnessed, ms)
				}
			}

			minRequired := i.n - i.t*(len(witnessed)+1)
			if minRequired < 1 {
				minRequired = 1
			}

			for _, ms := range witnessed {
				if ms.witnessCount() < minRequired || i.waitingRefs[ms.ref.String()] || i.selfWitnessed(ms.ref) {
					continue
				}
				if i.validRefs[ms.ref.String()] {
					i.emitSignature(types.RoleWitness, ms.ref)
					i.broadcastMessage(types.RoleWitness, nil)
				} else {
					i.waitingRefs[ms.ref.String()] = true
				}
			}
		}
	}
}

// onReadyProgress runs spec §4.2's progress rules evaluated after
// processing a READY.
func (i *Instance[M]) onReadyProgress() {
	readyMessages := i.messagesWithEnoughWitness(i.qw)
	if len(readyMessages) == 0 {
		return
	}

	for _, ref := range readyMessages {
		ms := i.sigsFor(ref)
		if _, signed := ms.ready[i.state.Index()]; !signed {
			i.emitSignature(types.RoleReady, ref)
			i.broadcastMessage(types.RoleReady, nil)
		}
	}

	conflictSet := i.messagesWithEnoughWitness(i.k)
	for _, ref := range conflictSet {
		ms := i.sigsFor(ref)
		if ms.readyCount() < i.qr || i.deliveredRefs[ref.String()] {
			continue
		}
		if m, ok := i.messages[ref.String()]; ok {
			i.deliveredRefs[ref.String()] = true
			i.deliver(m, conflictSet, i.validSigList())
		}
	}
}

// Message looks up a known message by reference, for callers (the cascade
// orchestrator's BRB2 delivery rule) that need to check "are all referenced
// commits known".
func (i *Instance[M]) Message(ref types.MessageRef) (M, bool) {
	m, ok := i.messages[ref.String()]
	return m, ok
}

// Signatures returns every CAC signature accepted so far this epoch, as raw
// AuthContent, for callers (the cascade orchestrator's RC-timeout fallback)
// that need self's full proof set rather than the BRB1-delivered conflict
// set's subset.
func (i *Instance[M]) Signatures() []types.AuthContent {
	sigs := make([]types.AuthContent, 0, len(i.validSignatures))
	for _, s := range i.validSignatures {
		sigs = append(sigs, s.AuthContent)
	}
	return sigs
}
