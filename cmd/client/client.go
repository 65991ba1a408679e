// Copyright HiveNet. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/HiveNetCode/distributed-mls/internal/delivery"
	"github.com/HiveNetCode/distributed-mls/internal/directory"
	"github.com/HiveNetCode/distributed-mls/internal/groupstate"
	"github.com/HiveNetCode/distributed-mls/internal/transport"
	"github.com/HiveNetCode/distributed-mls/pkg/api"
	"github.com/HiveNetCode/distributed-mls/pkg/types"
	"github.com/HiveNetCode/distributed-mls/pkg/wire"
)

// pendingProposal is a proposal this member has seen and not yet seen
// committed, tracked so commit() knows which refs (and, for Adds, which
// new members) to fold into its next commit.
type pendingProposal struct {
	ref      types.MessageRef
	proposal wire.ProposalContent
	epoch    types.Epoch
}

// client is the Go analogue of original_source's MLSClient: it owns the
// Group State and wires the Delivery Service Facade's three callbacks
// (welcome/message/delivery) to the same create/add/remove/update/message
// command surface mls_client.cpp exposes over stdin.
type client struct {
	logger    api.Logger
	selfID    types.MemberID
	selfPriv  ed25519.PrivateKey
	dir       *directory.Client
	transport *transport.Transport
	facade    *delivery.Facade
	rtt       time.Duration

	state api.GroupState

	pending          map[string]pendingProposal
	commitArmed      bool
	commitTimerID    api.TimerID
	commitTimerEpoch types.Epoch

	// pendingSelfKey holds a self-authored Update's new private half until
	// the commit that carries it is actually delivered; only then is it
	// safe to start signing with it (see onDelivery).
	pendingSelfKey ed25519.PrivateKey
}

func newClient(logger api.Logger, selfID types.MemberID, selfPriv ed25519.PrivateKey, dir *directory.Client, tr *transport.Transport, rtt time.Duration) *client {
	c := &client{
		logger:    logger,
		selfID:    selfID,
		selfPriv:  selfPriv,
		dir:       dir,
		transport: tr,
		rtt:       rtt,
		pending:   make(map[string]pendingProposal),
	}
	c.facade = delivery.New(tr, tr, logger, c.onWelcome, c.onMessage, c.onDelivery, delivery.Options{
		NetworkRTT: rtt,
		SelfID:     selfID,
	})
	return c
}

// create starts a fresh group whose members are a whole genesis roster (every
// founder's identity and public key, so everyone who starts from the same
// file ends up with an identical epoch-0 view).
func (c *client) create(genesisPath string) error {
	if c.state != nil {
		return errors.New("group already created or joined")
	}

	genesis, err := loadGenesis(genesisPath)
	if err != nil {
		return err
	}
	idBytes, keyBytes, err := genesis.publicKeys()
	if err != nil {
		return err
	}

	members := make([]types.MemberID, len(idBytes))
	keys := make([]ed25519.PublicKey, len(keyBytes))
	selfFound := false
	for i := range idBytes {
		members[i] = types.MemberID(idBytes[i])
		keys[i] = ed25519.PublicKey(keyBytes[i])
		if members[i].Equal(c.selfID) {
			selfFound = true
		}
	}
	if !selfFound {
		return errors.New("self is not present in the genesis roster")
	}

	state, err := groupstate.New(members, keys, c.selfID, c.selfPriv)
	if err != nil {
		return errors.Wrap(err, "construct group state")
	}
	c.state = state
	c.facade.Init(state)

	for _, id := range members {
		if id.Equal(c.selfID) {
			continue
		}
		if err := c.transport.Connect(id); err != nil {
			c.logger.Warnf("client: connect to founding member %s: %v", id, err)
		}
	}

	fmt.Printf("Created group %s, epoch %d, %d members\n", genesis.groupID(), state.Epoch(), len(members))
	return nil
}

// add queries the directory for id's reachability and one prekey, then
// broadcasts an Add proposal for it.
func (c *client) add(idStr string) {
	if c.state == nil {
		fmt.Println("Error: no group yet (use create or join)")
		return
	}

	id := types.MemberID(idStr)
	_, _, prekey, err := c.dir.QueryPrekey(id)
	if err != nil {
		fmt.Printf("User not found: %s\n", idStr)
		return
	}

	c.broadcastProposal(wire.ProposalContent{Type: wire.ProposalAdd, Member: []byte(idStr), PublicKey: prekey})
}

func (c *client) remove(idStr string) {
	if c.state == nil {
		fmt.Println("Error: no group yet (use create or join)")
		return
	}
	c.broadcastProposal(wire.ProposalContent{Type: wire.ProposalRemove, Member: []byte(idStr)})
}

// update rotates self's signing key. The new private half is activated
// locally only once the resulting commit is actually delivered (onDelivery),
// since ApplyCommit only ever learns the public half from the wire.
func (c *client) update() {
	if c.state == nil {
		fmt.Println("Error: no group yet (use create or join)")
		return
	}
	_, newPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		c.logger.Errorf("client: generate update key: %v", err)
		return
	}
	newPub := newPriv.Public().(ed25519.PublicKey)
	c.pendingSelfKey = newPriv
	c.broadcastProposal(wire.ProposalContent{Type: wire.ProposalUpdate, Member: []byte(c.selfID), PublicKey: newPub})
}

func (c *client) message(text string) {
	if c.state == nil {
		fmt.Println("Error: no group yet (use create or join)")
		return
	}
	signed := c.state.Sign([]byte(text))
	c.facade.BroadcastProposalOrMessage(wire.MarshalAuthContent(signed))
}

func (c *client) broadcastProposal(p wire.ProposalContent) {
	signed := c.state.Sign(wire.MarshalProposalContent(p))
	c.facade.BroadcastProposalOrMessage(wire.MarshalAuthContent(signed))
}

// onMessage is invoked by the facade for every gossip-delivered message
// that validated as either a proposal or an application message, exactly
// once. A proposal is cached for the next commit and (if none is already
// in flight) arms one; an application message is printed.
func (c *client) onMessage(msg []byte) {
	content, err := wire.UnmarshalAuthContent(msg)
	if err != nil {
		return
	}

	if proposal, err := wire.UnmarshalProposalContent(content.Payload); err == nil && validProposal(proposal) {
		ref := c.state.Ref(msg)
		c.pending[ref.String()] = pendingProposal{ref: ref, proposal: proposal, epoch: content.Epoch}
		c.armAutoCommit(content.Sender == c.state.Index())
		return
	}

	fmt.Printf("Message: %s\n", string(content.Payload))
}

// validProposal is a best-effort discriminator between a ProposalContent
// and an application message, both of which decode under the wire
// reader's permissive grammar: a genuine proposal's Member/PublicKey
// fields have the shapes below; free-form application text essentially
// never does for the message sizes this client sends.
func validProposal(p wire.ProposalContent) bool {
	switch p.Type {
	case wire.ProposalAdd, wire.ProposalUpdate:
		return len(p.Member) > 0 && len(p.PublicKey) == ed25519.PublicKeySize
	case wire.ProposalRemove:
		return len(p.Member) > 0
	default:
		return false
	}
}

// armAutoCommit schedules an automatic commit after one network RTT (for a
// proposal authored by this member) or two (for one authored by anyone
// else), unless a commit is already scheduled or already in flight for
// this epoch.
func (c *client) armAutoCommit(selfAuthored bool) {
	if c.commitArmed || !c.facade.CanProposeCommit() {
		return
	}

	delay := 2 * c.rtt
	if selfAuthored {
		delay = c.rtt
	}

	c.commitArmed = true
	c.commitTimerEpoch = c.state.Epoch()
	c.commitTimerID = c.transport.AfterFunc(delay, func() {
		c.commitArmed = false
		c.commit()
	})
}

// commit folds every currently-pending proposal into one commit, building
// a Welcome for any Adds it carries, and proposes it to the cascade.
func (c *client) commit() {
	if len(c.pending) == 0 {
		return
	}

	refs := make([][]byte, 0, len(c.pending))
	var addedMembers []wire.WelcomeMember
	for _, p := range c.pending {
		refs = append(refs, []byte(p.ref))
		if p.proposal.Type == wire.ProposalAdd {
			addedMembers = append(addedMembers, wire.WelcomeMember{ID: p.proposal.Member, PublicKey: p.proposal.PublicKey})
		}
	}
	c.pending = make(map[string]pendingProposal)

	signed := c.state.Sign(wire.MarshalCommitContent(wire.CommitContent{ProposalRefs: refs}))
	commitBytes := wire.MarshalAuthContent(signed)

	var welcomeBytes []byte
	if len(addedMembers) > 0 {
		welcomeBytes = wire.MarshalWelcomeContent(wire.WelcomeContent{
			Epoch:   uint64(c.state.Epoch()) + 1,
			Members: c.rosterWithAdds(addedMembers),
		})
	}

	c.facade.ProposeCommit(commitBytes, welcomeBytes)
}

// rosterWithAdds lists every current member's identity (no key: a joiner
// re-resolves each existing member's published key from the directory once
// connected, same as onWelcome does for this client) plus the newly added
// members, carried with the key each was just admitted under.
func (c *client) rosterWithAdds(added []wire.WelcomeMember) []wire.WelcomeMember {
	existing := c.state.Members(false)
	members := make([]wire.WelcomeMember, 0, len(existing)+len(added))
	for _, id := range existing {
		members = append(members, wire.WelcomeMember{ID: []byte(id)})
	}
	return append(members, added...)
}

func (c *client) onWelcome(raw []byte) (api.GroupState, error) {
	if c.state != nil {
		return nil, errors.New("already joined")
	}

	welcome, err := wire.UnmarshalWelcomeContent(raw)
	if err != nil {
		return nil, errors.Wrap(err, "decode welcome")
	}

	members := make([]types.MemberID, len(welcome.Members))
	keys := make([]ed25519.PublicKey, len(welcome.Members))
	selfFound := false
	for i, m := range welcome.Members {
		members[i] = types.MemberID(m.ID)
		if members[i].Equal(c.selfID) {
			selfFound = true
			keys[i] = c.selfPriv.Public().(ed25519.PublicKey)
			continue
		}
		if len(m.PublicKey) == ed25519.PublicKeySize {
			keys[i] = ed25519.PublicKey(m.PublicKey)
			continue
		}
		_, _, pub, qerr := c.dir.QueryPrekey(members[i])
		if qerr != nil || len(pub) != ed25519.PublicKeySize {
			return nil, errors.Wrapf(qerr, "resolve public key for %s", members[i])
		}
		keys[i] = ed25519.PublicKey(pub)
	}
	if !selfFound {
		return nil, errors.New("welcome does not include self")
	}

	state, err := groupstate.NewAtEpoch(members, keys, c.selfID, c.selfPriv, types.Epoch(welcome.Epoch))
	if err != nil {
		return nil, errors.Wrap(err, "construct group state from welcome")
	}
	c.state = state

	for _, id := range members {
		if id.Equal(c.selfID) {
			continue
		}
		if err := c.transport.Connect(id); err != nil {
			c.logger.Warnf("client: connect to %s: %v", id, err)
		}
	}

	fmt.Printf("Joined group, epoch %d, %d members\n", state.Epoch(), len(members))
	return state, nil
}

func (c *client) onDelivery(commit []byte, added, removed, updated []types.MemberID) {
	// By the time this runs, the facade has already applied the commit,
	// advanced the epoch, and replayed any proposals it had queued for
	// the new epoch (through onMessage, which may have already
	// repopulated c.pending and re-armed a commit timer for that new
	// epoch). Only proposals/timers still stamped with the epoch that
	// just ended are stale — the Group State dropped them from its own
	// pending-proposal cache when it applied the commit, so they can
	// never be committed — and only those should be dropped here.
	current := c.state.Epoch()

	if c.commitArmed && c.commitTimerEpoch != current {
		c.transport.Cancel(c.commitTimerID)
		c.commitArmed = false
	}
	for key, p := range c.pending {
		if p.epoch != current {
			delete(c.pending, key)
		}
	}

	for _, id := range added {
		fmt.Printf("Added: %s\n", id)
		if !id.Equal(c.selfID) {
			if err := c.transport.Connect(id); err != nil {
				c.logger.Warnf("client: connect to added member %s: %v", id, err)
			}
		}
	}
	for _, id := range removed {
		fmt.Printf("Removed: %s\n", id)
		c.transport.Disconnect(id)
	}

	if c.pendingSelfKey != nil {
		for _, id := range updated {
			if id.Equal(c.selfID) {
				c.state.RotateSelfKey(c.pendingSelfKey)
				c.selfPriv = c.pendingSelfKey
				break
			}
		}
		c.pendingSelfKey = nil
	}

	fmt.Printf("Commit delivered, epoch %d\n", c.state.Epoch())
}
