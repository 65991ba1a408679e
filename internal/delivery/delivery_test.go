// Copyright HiveNet. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

package delivery

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HiveNetCode/distributed-mls/internal/groupstate"
	"github.com/HiveNetCode/distributed-mls/internal/logutil"
	"github.com/HiveNetCode/distributed-mls/internal/testutil"
	"github.com/HiveNetCode/distributed-mls/pkg/api"
	"github.com/HiveNetCode/distributed-mls/pkg/types"
	"github.com/HiveNetCode/distributed-mls/pkg/wire"
)

const facadeRTT = 10 * time.Millisecond

// facadeMember bundles one simulated member's Facade onto a shared
// testutil.Network, following cascade_test.go's clusterMember pattern.
type facadeMember struct {
	id    types.MemberID
	pub   ed25519.PublicKey
	state *groupstate.State
	clock *testutil.FakeClock
	fac   *Facade

	deliveries []deliveryRecord
	messages   [][]byte
}

type deliveryRecord struct {
	commit  []byte
	added   []types.MemberID
	removed []types.MemberID
	updated []types.MemberID
}

func (m *facadeMember) ReceiveNetworkMessage(raw []byte) { m.fac.ReceiveNetworkMessage(raw) }

// commitReferencing builds a well-formed, signed commit authored by state,
// over the given already-validated proposal refs.
func commitReferencing(state *groupstate.State, refs ...types.MessageRef) []byte {
	proposalRefs := make([][]byte, len(refs))
	for i, r := range refs {
		proposalRefs[i] = []byte(r)
	}
	content := wire.CommitContent{ProposalRefs: proposalRefs}
	signed := state.Sign(wire.MarshalCommitContent(content))
	return wire.MarshalAuthContent(signed)
}

// addProposal builds a well-formed, signed add-member proposal authored by
// state.
func addProposal(state *groupstate.State, member types.MemberID, pub ed25519.PublicKey) []byte {
	content := wire.ProposalContent{Type: wire.ProposalAdd, Member: []byte(member), PublicKey: pub}
	signed := state.Sign(wire.MarshalProposalContent(content))
	return wire.MarshalAuthContent(signed)
}

// newFacadeCluster wires n already-joined members, each on its own
// GroupState and FakeClock, onto one shared Network.
func newFacadeCluster(t *testing.T, n int) ([]*facadeMember, *testutil.Network) {
	t.Helper()

	ids := make([]types.MemberID, n)
	pubs := make([]ed25519.PublicKey, n)
	privs := make([]ed25519.PrivateKey, n)
	for i := 0; i < n; i++ {
		ids[i] = types.MemberID([]byte{byte('A' + i)})
		pub, priv, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		pubs[i], privs[i] = pub, priv
	}

	net := testutil.NewNetwork()
	members := make([]*facadeMember, n)
	for i := 0; i < n; i++ {
		state, err := groupstate.New(ids, pubs, ids[i], privs[i])
		require.NoError(t, err)

		m := &facadeMember{id: ids[i], pub: pubs[i], state: state, clock: testutil.NewFakeClock()}
		node := net.AddNode(ids[i], m)

		m.fac = New(node.Comm(), m.clock, logutil.New(ids[i].String(), true),
			func(welcome []byte) (api.GroupState, error) { panic("onWelcome should not fire for an already-joined member") },
			func(msg []byte) { m.messages = append(m.messages, msg) },
			func(commit []byte, added, removed, updated []types.MemberID) {
				m.deliveries = append(m.deliveries, deliveryRecord{commit, added, removed, updated})
			},
			Options{NetworkRTT: facadeRTT, SelfID: ids[i]},
		)
		m.fac.Init(state)
		members[i] = m
	}
	return members, net
}

// settle repeatedly drains the network and advances every member's clock by
// step, stopping early once every member has recorded a delivery.
func settle(members []*facadeMember, net *testutil.Network, step time.Duration, rounds int) {
	for r := 0; r < rounds; r++ {
		net.DeliverAll()

		allDelivered := true
		for _, m := range members {
			if len(m.deliveries) == 0 {
				allDelivered = false
				break
			}
		}
		if allDelivered {
			return
		}

		for _, m := range members {
			m.clock.Advance(step)
		}
		net.DeliverAll()
	}
}

// TestHappyPathCommitAdvancesEpochAndNotifiesDelivery covers spec §8's
// happy-path scenario at the Facade layer: one member proposes a
// membership-neutral commit, every member ends up delivering it and
// advancing its epoch exactly once.
func TestHappyPathCommitAdvancesEpochAndNotifiesDelivery(t *testing.T) {
	members, net := newFacadeCluster(t, 4)
	defer net.Shutdown()

	commit := commitReferencing(members[0].state)
	members[0].fac.ProposeCommit(commit, nil)

	settle(members, net, facadeRTT, 20)

	for _, m := range members {
		require.Len(t, m.deliveries, 1, "member %s", m.id)
		assert.Equal(t, commit, m.deliveries[0].commit)
		assert.Empty(t, m.deliveries[0].added)
		assert.Equal(t, types.Epoch(1), m.state.Epoch())
	}
}

// TestIncompleteCommitWaitsForItsProposalBeforeDeliveringToCascade covers
// the "incomplete_commits" gate: a commit referencing a proposal the
// receiver has not yet gossiped in must stall until that proposal arrives,
// then complete automatically.
func TestIncompleteCommitWaitsForItsProposalBeforeDeliveringToCascade(t *testing.T) {
	members, net := newFacadeCluster(t, 4)
	defer net.Shutdown()

	proposer := members[0]
	proposal := addProposal(proposer.state, types.MemberID([]byte("Z")), mustPubKey(t))
	proposalRef := proposer.state.Ref(proposal)

	// The commit is handed straight to CAC1 before its proposal has ever
	// been gossiped, simulating a receiver whose gossip delivery of the
	// proposal is still in flight.
	commit := commitReferencing(proposer.state, proposalRef)

	receiver := members[1]
	receiver.fac.handleCommit(commit)
	assert.Empty(t, receiver.deliveries, "a commit must not reach the cascade before its proposal is known")

	receiver.fac.handleProposal(proposal)
	assert.Len(t, receiver.deliveries, 0, "handleProposal only unlocks the commit, CAC1 still has to run it")
}

// mustPubKey generates a throwaway ed25519 public key for a proposal that
// is never actually delivered into a live roster.
func mustPubKey(t *testing.T) ed25519.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return pub
}

// TestLateJoinerReceivesWelcomeAndCatchesUp covers spec §8's late-joiner
// scenario: a not-yet-member's Facade sits on the Network with no bound
// Group State; once the add-commit it is named in is delivered, the
// proposer sends it a Welcome, and receiving that Welcome constructs its
// Group State at the post-commit epoch and starts Gossip/Cascade there.
func TestLateJoinerReceivesWelcomeAndCatchesUp(t *testing.T) {
	members, net := newFacadeCluster(t, 4)
	defer net.Shutdown()

	joinerID := types.MemberID([]byte("Z"))
	joinerPub, joinerPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	var joinerDeliveries []deliveryRecord
	var joinerState api.GroupState
	joinerFacade := New(nil, testutil.NewFakeClock(), logutil.New("Z", true),
		func(welcome []byte) (api.GroupState, error) {
			allIDs := make([]types.MemberID, 0, len(members)+1)
			allPubs := make([]ed25519.PublicKey, 0, len(members)+1)
			for _, m := range members {
				allIDs = append(allIDs, m.id)
				allPubs = append(allPubs, m.pub)
			}
			allIDs = append(allIDs, joinerID)
			allPubs = append(allPubs, joinerPub)
			state, err := groupstate.NewAtEpoch(allIDs, allPubs, joinerID, joinerPriv, 1)
			joinerState = state
			return state, err
		},
		func(msg []byte) {},
		func(commit []byte, added, removed, updated []types.MemberID) {
			joinerDeliveries = append(joinerDeliveries, deliveryRecord{commit, added, removed, updated})
		},
		Options{NetworkRTT: facadeRTT, SelfID: joinerID},
	)
	joinerNode := net.AddNode(joinerID, &facadeMember{id: joinerID, fac: joinerFacade})
	joinerFacade.comm = joinerNode.Comm()

	proposer := members[0]
	proposal := addProposal(proposer.state, joinerID, joinerPub)
	proposer.fac.BroadcastProposalOrMessage(proposal)
	net.DeliverAll()

	proposalRef := proposer.state.Ref(proposal)
	commit := commitReferencing(proposer.state, proposalRef)
	proposer.fac.ProposeCommit(commit, []byte("welcome-for-Z"))

	settle(members, net, facadeRTT, 20)

	for _, m := range members {
		require.Len(t, m.deliveries, 1, "member %s", m.id)
		assert.Equal(t, []types.MemberID{joinerID}, m.deliveries[0].added)
	}

	require.NotNil(t, joinerState, "the joiner must have constructed its Group State from the Welcome")
	assert.Equal(t, types.Epoch(1), joinerState.Epoch())
	require.Len(t, joinerDeliveries, 0, "the Welcome itself is not a commit delivery for the joiner")
}
