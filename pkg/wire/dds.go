// Copyright HiveNet. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

package wire

import "github.com/pkg/errors"

// DDSMessageTag discriminates the top-level peer transport envelope.
type DDSMessageTag uint8

const (
	DDSWelcome DDSMessageTag = 1
	DDSGossip  DDSMessageTag = 2
	DDSCascade DDSMessageTag = 3
)

// DDSMessage is the outermost wire envelope (spec §6).
type DDSMessage struct {
	Tag DDSMessageTag

	// Welcome carries an opaque group-welcome blob (Tag == DDSWelcome).
	Welcome []byte

	// Gossip carries a GossipMessage (Tag == DDSGossip).
	Gossip *GossipMessage

	// Cascade carries an MLS-protected application payload wrapping a
	// CascadeConsensusMessage (Tag == DDSCascade). The wrapping/unwrapping
	// itself is the Group State's job; here it is just an opaque blob.
	Cascade []byte
}

func MarshalDDSMessage(m DDSMessage) []byte {
	w := NewWriter()
	w.WriteU8(uint8(m.Tag))
	switch m.Tag {
	case DDSWelcome:
		w.WriteBytes(m.Welcome)
	case DDSGossip:
		WriteGossipMessage(w, *m.Gossip)
	case DDSCascade:
		w.WriteBytes(m.Cascade)
	}
	return w.Bytes()
}

func UnmarshalDDSMessage(buf []byte) (DDSMessage, error) {
	var m DDSMessage
	r := NewReader(buf)

	tag, err := r.ReadU8()
	if err != nil {
		return m, err
	}
	m.Tag = DDSMessageTag(tag)

	switch m.Tag {
	case DDSWelcome:
		m.Welcome, err = r.ReadBytes()
	case DDSGossip:
		var g GossipMessage
		g, err = ReadGossipMessage(r)
		m.Gossip = &g
	case DDSCascade:
		m.Cascade, err = r.ReadBytes()
	default:
		return m, errors.Errorf("wire: unknown DDSMessage tag %d", tag)
	}
	return m, err
}

// GossipMessageSubtype discriminates a GossipMessage's body.
type GossipMessageSubtype uint8

const (
	GossipSubscribe GossipMessageSubtype = 1
	GossipGossip    GossipMessageSubtype = 2
)

// GossipMessage is the Gossip Broadcast wire payload: either a SUBSCRIBE
// announcing a subscriber identity, or a GOSSIP carrying an opaque
// proposal/application message.
type GossipMessage struct {
	Subtype GossipMessageSubtype

	// SubscriberID is set when Subtype == GossipSubscribe.
	SubscriberID []byte

	// Payload is the opaque proposal/application message bytes, set when
	// Subtype == GossipGossip.
	Payload []byte
}

func WriteGossipMessage(w *Writer, g GossipMessage) {
	w.WriteU8(uint8(g.Subtype))
	switch g.Subtype {
	case GossipSubscribe:
		w.WriteBytes(g.SubscriberID)
	case GossipGossip:
		w.WriteBytes(g.Payload)
	}
}

func ReadGossipMessage(r *Reader) (GossipMessage, error) {
	var g GossipMessage

	subtype, err := r.ReadU8()
	if err != nil {
		return g, err
	}
	g.Subtype = GossipMessageSubtype(subtype)

	switch g.Subtype {
	case GossipSubscribe:
		g.SubscriberID, err = r.ReadBytes()
	case GossipGossip:
		g.Payload, err = r.ReadBytes()
	default:
		return g, errors.Errorf("wire: unknown gossip subtype %d", subtype)
	}
	return g, err
}

func MarshalGossipMessage(g GossipMessage) []byte {
	w := NewWriter()
	WriteGossipMessage(w, g)
	return w.Bytes()
}

func UnmarshalGossipMessage(buf []byte) (GossipMessage, error) {
	return ReadGossipMessage(NewReader(buf))
}

// CCSubtype discriminates a CascadeConsensusMessage's body (spec §6).
type CCSubtype uint8

const (
	CCSubtypeCAC  CCSubtype = 1
	CCSubtypeRC   CCSubtype = 2
	CCSubtypeCAC2 CCSubtype = 3
	CCSubtypePBFT CCSubtype = 4
)

// CascadeConsensusMessage is the cascade orchestrator's wire envelope:
// {instance, subtype, body}. Instance distinguishes the CAC Broadcast
// instance (1 for commits, 2 for CAC2Content) when Subtype is CAC or CAC2;
// it is unused (0) for RC and PBFT bodies, which run a single instance per
// epoch.
type CascadeConsensusMessage struct {
	Instance uint8
	Subtype  CCSubtype
	Body     []byte
}

func MarshalCascadeConsensusMessage(m CascadeConsensusMessage) []byte {
	w := NewWriter()
	w.WriteU8(m.Instance)
	w.WriteU8(uint8(m.Subtype))
	w.buf = append(w.buf, m.Body...)
	return w.Bytes()
}

func UnmarshalCascadeConsensusMessage(buf []byte) (CascadeConsensusMessage, error) {
	var m CascadeConsensusMessage
	r := NewReader(buf)

	instance, err := r.ReadU8()
	if err != nil {
		return m, err
	}
	subtype, err := r.ReadU8()
	if err != nil {
		return m, err
	}

	m.Instance = instance
	m.Subtype = CCSubtype(subtype)
	m.Body = buf[r.pos:]
	return m, nil
}
