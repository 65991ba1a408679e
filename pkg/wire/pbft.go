// Copyright HiveNet. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

package wire

import (
	"github.com/pkg/errors"

	"github.com/HiveNetCode/distributed-mls/pkg/types"
)

// PBFTMessageSubtype discriminates a Full Consensus (PBFT-lite) wire
// message, per spec §4.4/§6.
type PBFTMessageSubtype uint8

const (
	PBFTPropose    PBFTMessageSubtype = 1
	PBFTPrePrepare PBFTMessageSubtype = 2
	PBFTPrepare    PBFTMessageSubtype = 3
	PBFTCommit     PBFTMessageSubtype = 4
	PBFTViewChange PBFTMessageSubtype = 5
)

// ConsensusMessageContent is the payload signed inside PRE-PREPARE, PREPARE
// and COMMIT: the view and the referenced CAC2Content's ref.
type ConsensusMessageContent struct {
	View            uint32
	ConsensusMessage types.MessageRef
}

func WriteConsensusMessageContent(w *Writer, c ConsensusMessageContent) {
	w.WriteU32(c.View)
	w.WriteBytes(c.ConsensusMessage)
}

func ReadConsensusMessageContent(r *Reader) (ConsensusMessageContent, error) {
	var c ConsensusMessageContent

	view, err := r.ReadU32()
	if err != nil {
		return c, err
	}
	ref, err := r.ReadBytes()
	if err != nil {
		return c, err
	}

	c.View = view
	c.ConsensusMessage = ref
	return c, nil
}

func MarshalConsensusMessageContent(c ConsensusMessageContent) []byte {
	w := NewWriter()
	WriteConsensusMessageContent(w, c)
	return w.Bytes()
}

func UnmarshalConsensusMessageContent(buf []byte) (ConsensusMessageContent, error) {
	return ReadConsensusMessageContent(NewReader(buf))
}

// ViewChangeMessageContent is the payload signed inside a VIEW-CHANGE: the
// view being requested.
type ViewChangeMessageContent struct {
	View uint32
}

func MarshalViewChangeMessageContent(c ViewChangeMessageContent) []byte {
	w := NewWriter()
	w.WriteU32(c.View)
	return w.Bytes()
}

func UnmarshalViewChangeMessageContent(buf []byte) (ViewChangeMessageContent, error) {
	r := NewReader(buf)
	view, err := r.ReadU32()
	return ViewChangeMessageContent{View: view}, err
}

// PBFTMessage is the Full Consensus wire payload.
type PBFTMessage struct {
	Subtype PBFTMessageSubtype

	// Propose: unicast to the leader, carries the raw proposed CAC2Content.
	ProposeView    uint32
	ProposeContent []byte // marshalled CAC2Content

	// PrePrepare: leader -> all.
	PrePrepareSigned         types.AuthContent // signs ConsensusMessageContent
	PrePrepareProposedContent []byte            // marshalled CAC2Content

	// Prepare / Commit: all -> all.
	Signed types.AuthContent // signs ConsensusMessageContent

	// ViewChange: signs ViewChangeMessageContent.
	ViewChangeSigned types.AuthContent
}

func MarshalPBFTMessage(m PBFTMessage) []byte {
	w := NewWriter()
	w.WriteU8(uint8(m.Subtype))
	switch m.Subtype {
	case PBFTPropose:
		w.WriteU32(m.ProposeView)
		w.WriteBytes(m.ProposeContent)
	case PBFTPrePrepare:
		WriteAuthContent(w, m.PrePrepareSigned)
		w.WriteBytes(m.PrePrepareProposedContent)
	case PBFTPrepare, PBFTCommit:
		WriteAuthContent(w, m.Signed)
	case PBFTViewChange:
		WriteAuthContent(w, m.ViewChangeSigned)
	}
	return w.Bytes()
}

func UnmarshalPBFTMessage(buf []byte) (PBFTMessage, error) {
	var m PBFTMessage
	r := NewReader(buf)

	subtype, err := r.ReadU8()
	if err != nil {
		return m, err
	}
	m.Subtype = PBFTMessageSubtype(subtype)

	switch m.Subtype {
	case PBFTPropose:
		view, err := r.ReadU32()
		if err != nil {
			return m, err
		}
		content, err := r.ReadBytes()
		if err != nil {
			return m, err
		}
		m.ProposeView = view
		m.ProposeContent = content
	case PBFTPrePrepare:
		signed, err := ReadAuthContent(r)
		if err != nil {
			return m, err
		}
		content, err := r.ReadBytes()
		if err != nil {
			return m, err
		}
		m.PrePrepareSigned = signed
		m.PrePrepareProposedContent = content
	case PBFTPrepare, PBFTCommit:
		signed, err := ReadAuthContent(r)
		if err != nil {
			return m, err
		}
		m.Signed = signed
	case PBFTViewChange:
		signed, err := ReadAuthContent(r)
		if err != nil {
			return m, err
		}
		m.ViewChangeSigned = signed
	default:
		return m, errors.Errorf("wire: unknown PBFT message subtype %d", subtype)
	}
	return m, nil
}
