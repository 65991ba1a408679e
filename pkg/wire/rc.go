// Copyright HiveNet. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

package wire

import (
	"github.com/pkg/errors"

	"github.com/HiveNetCode/distributed-mls/pkg/types"
)

// RCMessageSubtype discriminates a Restrained Consensus wire message.
type RCMessageSubtype uint8

const (
	RCParticipate RCMessageSubtype = 1
	RCRetract     RCMessageSubtype = 2
)

// PowerSetElement is one candidate subset of the conflict set, carried as
// an ordered list of (sender, ref) pairs.
type PowerSetElement []types.ConflictEntry

// ParticipateContent carries the proposing member's own power-set
// signatures, the full power set being proposed, and the CAC1 proofs
// justifying the conflict set.
type ParticipateContent struct {
	SigSet          []types.AuthContent
	PowerConflictSet []PowerSetElement
	Proofs          []types.AuthContent
}

// RCMessage is the Restrained Consensus wire payload: either a PARTICIPATE
// carrying a ParticipateContent, or a RETRACT carrying a single signed
// abstention.
type RCMessage struct {
	Subtype     RCMessageSubtype
	Participate *ParticipateContent
	Retract     *types.AuthContent
}

func writeConflictSet(w *Writer, set []types.ConflictEntry) {
	WriteList(w, set, WriteConflictEntry)
}

func readConflictSet(r *Reader) ([]types.ConflictEntry, error) {
	return ReadList(r, ReadConflictEntry)
}

func writePowerSetElement(w *Writer, elt PowerSetElement) {
	writeConflictSet(w, elt)
}

func readPowerSetElement(r *Reader) (PowerSetElement, error) {
	entries, err := readConflictSet(r)
	return PowerSetElement(entries), err
}

// MarshalPowerSetElement encodes a single power-set element: the payload a
// Restrained Consensus participant signs to claim membership in it.
func MarshalPowerSetElement(elt PowerSetElement) []byte {
	w := NewWriter()
	writePowerSetElement(w, elt)
	return w.Bytes()
}

func UnmarshalPowerSetElement(buf []byte) (PowerSetElement, error) {
	return readPowerSetElement(NewReader(buf))
}

func MarshalRCMessage(m RCMessage) []byte {
	w := NewWriter()
	w.WriteU8(uint8(m.Subtype))
	switch m.Subtype {
	case RCParticipate:
		c := m.Participate
		WriteList(w, c.SigSet, WriteAuthContent)
		WriteList(w, c.PowerConflictSet, writePowerSetElement)
		WriteList(w, c.Proofs, WriteAuthContent)
	case RCRetract:
		WriteAuthContent(w, *m.Retract)
	}
	return w.Bytes()
}

func UnmarshalRCMessage(buf []byte) (RCMessage, error) {
	var m RCMessage
	r := NewReader(buf)

	subtype, err := r.ReadU8()
	if err != nil {
		return m, err
	}
	m.Subtype = RCMessageSubtype(subtype)

	switch m.Subtype {
	case RCParticipate:
		sigSet, err := ReadList(r, ReadAuthContent)
		if err != nil {
			return m, err
		}
		powerSet, err := ReadList(r, readPowerSetElement)
		if err != nil {
			return m, err
		}
		proofs, err := ReadList(r, ReadAuthContent)
		if err != nil {
			return m, err
		}
		m.Participate = &ParticipateContent{SigSet: sigSet, PowerConflictSet: powerSet, Proofs: proofs}
	case RCRetract:
		retract, err := ReadAuthContent(r)
		if err != nil {
			return m, err
		}
		m.Retract = &retract
	default:
		return m, errors.Errorf("wire: unknown RC message subtype %d", subtype)
	}
	return m, nil
}
