// Copyright HiveNet. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package gossip implements the Gossip Broadcast layer (spec §2): a
// best-effort, non-ordered, sampled dissemination of proposals and
// application messages. Grounded on original_source's gossip_bcast.hpp,
// itself a port of the Murmur protocol (Guerraoui et al., "Scalable
// Byzantine Reliable Broadcast").
package gossip

import (
	"math"
	"math/rand"

	lru "github.com/hashicorp/golang-lru"

	"github.com/HiveNetCode/distributed-mls/internal/metrics"
	"github.com/HiveNetCode/distributed-mls/pkg/api"
	"github.com/HiveNetCode/distributed-mls/pkg/types"
	"github.com/HiveNetCode/distributed-mls/pkg/wire"
)

// MinimumSampleSize is the floor on the subscriber sample size,
// irrespective of group size (spec §2).
const MinimumSampleSize = 6

// receivedCacheSize bounds the per-epoch message cache: a malicious member
// gossiping an unbounded number of distinct payloads before any commit
// lands would otherwise grow it without limit. Eviction only ever causes a
// re-gossiped payload to be reprocessed instead of dropped as a duplicate
// (ValidateProposal and this client's own pending-proposal tracking both
// tolerate that), so it costs redundant work, never correctness.
const receivedCacheSize = 4096

// DeliverFunc is invoked once per distinct message while its ref stays in the
// bounded per-epoch received cache, the first time it is seen, after it has
// been re-broadcast to the sample.
type DeliverFunc func(payload []byte)

// Bcast is one member's Gossip Broadcast instance.
type Bcast struct {
	comm    api.Comm
	logger  api.Logger
	state   api.GroupState
	selfID  types.MemberID
	deliver DeliverFunc
	rng     *rand.Rand

	// sample is the set of subscriber identities, keyed by MemberID.String.
	sample map[string]types.MemberID

	// received caches every distinct message's encoded DDSMessage envelope
	// by its payload's MessageRef, so it can be replayed verbatim to a
	// newly-subscribed peer.
	received *lru.Cache
}

// New constructs a Gossip Broadcast instance. Call Init once the Group
// State is ready to seed the initial sample.
func New(comm api.Comm, logger api.Logger, state api.GroupState, selfID types.MemberID, deliver DeliverFunc) *Bcast {
	cache, err := lru.New(receivedCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// receivedCacheSize never is.
		panic(err)
	}
	return &Bcast{
		comm:     comm,
		logger:   logger,
		state:    state,
		selfID:   selfID,
		deliver:  deliver,
		rng:      rand.New(rand.NewSource(rand.Int63())),
		sample:   make(map[string]types.MemberID),
		received: cache,
	}
}

// Init seeds the initial subscriber sample from the current membership.
func (b *Bcast) Init() {
	if b.updateSample() {
		b.logger.Debugf("gossip: initial sample size %d", len(b.sample))
	}
	metrics.GossipSampleSize.Set(float64(len(b.sample)))
}

// NewEpoch resets the per-epoch message cache, drops removed members from
// the sample and tops the sample back up from the post-commit membership.
func (b *Bcast) NewEpoch(removed []types.MemberID) {
	b.received.Purge()

	updated := false
	for _, id := range removed {
		key := id.String()
		if _, ok := b.sample[key]; ok {
			delete(b.sample, key)
			updated = true
		}
	}

	if b.updateSample() || updated {
		b.logger.Debugf("gossip: new epoch sample size %d", len(b.sample))
	}
	metrics.GossipSampleSize.Set(float64(len(b.sample)))
}

// sampleTarget returns max(ceil(log10(n)), MinimumSampleSize) for a
// membership of size n (spec §2).
func sampleTarget(n int) int {
	target := int(math.Ceil(math.Log10(float64(n))))
	if target < MinimumSampleSize {
		return MinimumSampleSize
	}
	return target
}

// updateSample tops the sample up to target size with uniformly-random
// candidates drawn from members currently outside it, subscribing to each.
// Reports whether it added anyone.
func (b *Bcast) updateSample() bool {
	members := b.state.Members(true)
	target := sampleTarget(len(members))
	if len(b.sample) >= target || len(b.sample) >= len(members) {
		return false
	}

	candidates := make([]types.MemberID, 0, len(members))
	for _, id := range members {
		if _, ok := b.sample[id.String()]; !ok {
			candidates = append(candidates, id)
		}
	}

	need := target - len(b.sample)
	b.rng.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if need > len(candidates) {
		need = len(candidates)
	}

	for _, id := range candidates[:need] {
		b.subscribe(id)
		b.sample[id.String()] = id
	}
	return need > 0
}

// subscribe unicasts a SUBSCRIBE announcing self to id.
func (b *Bcast) subscribe(id types.MemberID) {
	msg := wire.DDSMessage{
		Tag: wire.DDSGossip,
		Gossip: &wire.GossipMessage{
			Subtype:      wire.GossipSubscribe,
			SubscriberID: b.selfID,
		},
	}
	b.comm.Send(id, wire.MarshalDDSMessage(msg))
}

// sampleMembers returns the current sample as a slice, for Comm.SendSample.
func (b *Bcast) sampleMembers() []types.MemberID {
	ids := make([]types.MemberID, 0, len(b.sample))
	for _, id := range b.sample {
		ids = append(ids, id)
	}
	return ids
}

// Dispatch hands a local proposal or application message to Gossip: it is
// cached, forwarded to the current sample, and delivered locally.
func (b *Bcast) Dispatch(payload []byte) {
	ref := b.state.Ref(payload)

	envelope := wire.MarshalDDSMessage(wire.DDSMessage{
		Tag: wire.DDSGossip,
		Gossip: &wire.GossipMessage{
			Subtype: wire.GossipGossip,
			Payload: payload,
		},
	})

	b.received.Add(ref.String(), envelope)
	b.comm.SendSample(b.sampleMembers(), envelope)
	b.deliver(payload)
}

// ReceiveMessage handles an inbound GossipMessage: a GOSSIP is deduplicated
// against the received cache, re-forwarded and delivered once; a SUBSCRIBE adds the sender to
// the sample and replays the full message cache to them.
func (b *Bcast) ReceiveMessage(msg wire.GossipMessage) {
	switch msg.Subtype {
	case wire.GossipGossip:
		ref := b.state.Ref(msg.Payload)
		if b.received.Contains(ref.String()) {
			return
		}
		b.Dispatch(msg.Payload)
	case wire.GossipSubscribe:
		id := types.MemberID(msg.SubscriberID)
		key := id.String()
		if _, ok := b.sample[key]; ok {
			return
		}
		b.sample[key] = id
		metrics.GossipSampleSize.Set(float64(len(b.sample)))
		for _, k := range b.received.Keys() {
			if envelope, ok := b.received.Get(k); ok {
				b.comm.Send(id, envelope.([]byte))
			}
		}
	}
}

// SampleSize reports the current sample size, for metrics.
func (b *Bcast) SampleSize() int { return len(b.sample) }
