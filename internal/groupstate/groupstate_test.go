// Copyright HiveNet. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

package groupstate

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HiveNetCode/distributed-mls/pkg/types"
	"github.com/HiveNetCode/distributed-mls/pkg/wire"
)

type fixture struct {
	ids   []types.MemberID
	pubs  []ed25519.PublicKey
	privs []ed25519.PrivateKey
}

func newFixture(t *testing.T, n int) fixture {
	f := fixture{}
	for i := 0; i < n; i++ {
		pub, priv, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		f.ids = append(f.ids, types.MemberID{byte('a' + i)})
		f.pubs = append(f.pubs, pub)
		f.privs = append(f.privs, priv)
	}
	return f
}

func TestNewRejectsSelfNotInRoster(t *testing.T) {
	f := newFixture(t, 2)
	_, err := New(f.ids, f.pubs, types.MemberID{'z'}, f.privs[0])
	assert.Error(t, err)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	f := newFixture(t, 3)
	s, err := New(f.ids, f.pubs, f.ids[0], f.privs[0])
	require.NoError(t, err)

	content := s.Sign([]byte("hello"))
	assert.True(t, s.Verify(content))

	content.Payload = []byte("tampered")
	assert.False(t, s.Verify(content))
}

func TestApplyCommitAddRemoveUpdate(t *testing.T) {
	f := newFixture(t, 3)
	s, err := New(f.ids[:2], f.pubs[:2], f.ids[0], f.privs[0])
	require.NoError(t, err)

	addProposal := wire.ProposalContent{Type: wire.ProposalAdd, Member: f.ids[2], PublicKey: f.pubs[2]}
	addMsg := wire.MarshalAuthContent(s.Sign(wire.MarshalProposalContent(addProposal)))
	addRef, ok := s.ValidateProposal(addMsg)
	require.True(t, ok)

	removeProposal := wire.ProposalContent{Type: wire.ProposalRemove, Member: f.ids[1]}
	removeMsg := wire.MarshalAuthContent(s.Sign(wire.MarshalProposalContent(removeProposal)))
	removeRef, ok := s.ValidateProposal(removeMsg)
	require.True(t, ok)

	commit := wire.CommitContent{ProposalRefs: [][]byte{addRef, removeRef}}
	commitMsg := wire.MarshalAuthContent(s.Sign(wire.MarshalCommitContent(commit)))

	_, ok = s.ValidateCommit(commitMsg)
	require.True(t, ok)

	added, removed := s.CommitMembershipDelta(commitMsg)
	assert.ElementsMatch(t, []types.MemberID{f.ids[2]}, added)
	assert.ElementsMatch(t, []types.MemberID{f.ids[1]}, removed)
	assert.Empty(t, s.CommitUpdates(commitMsg))

	require.NoError(t, s.ApplyCommit(commitMsg))

	assert.EqualValues(t, 1, s.Epoch())
	members := s.Members(false)
	assert.Contains(t, members, f.ids[0])
	assert.Contains(t, members, f.ids[2])
	assert.NotContains(t, members, f.ids[1])
}

func TestRotateSelfKeyActivatesNewSigningKey(t *testing.T) {
	f := newFixture(t, 2)
	s, err := New(f.ids, f.pubs, f.ids[0], f.privs[0])
	require.NoError(t, err)

	newPub, newPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	updateProposal := wire.ProposalContent{Type: wire.ProposalUpdate, Member: f.ids[0], PublicKey: newPub}
	updateMsg := wire.MarshalAuthContent(s.Sign(wire.MarshalProposalContent(updateProposal)))
	ref, ok := s.ValidateProposal(updateMsg)
	require.True(t, ok)

	commitMsg := wire.MarshalAuthContent(s.Sign(wire.MarshalCommitContent(wire.CommitContent{ProposalRefs: [][]byte{ref}})))
	updated := s.CommitUpdates(commitMsg)
	assert.ElementsMatch(t, []types.MemberID{f.ids[0]}, updated)

	require.NoError(t, s.ApplyCommit(commitMsg))

	// Signing with the old key still produces bytes that verify under the
	// roster's new public key only once RotateSelfKey has been called.
	content := s.Sign([]byte("after update, before rotate"))
	assert.False(t, s.Verify(content))

	s.RotateSelfKey(newPriv)
	content = s.Sign([]byte("after rotate"))
	assert.True(t, s.Verify(content))
}

func TestNewAtEpochSeedsGivenEpoch(t *testing.T) {
	f := newFixture(t, 2)
	s, err := NewAtEpoch(f.ids, f.pubs, f.ids[1], f.privs[1], types.Epoch(7))
	require.NoError(t, err)
	assert.EqualValues(t, 7, s.Epoch())
	assert.EqualValues(t, 1, s.Index())
}
