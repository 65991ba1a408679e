// Copyright HiveNet. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

package wire

import "github.com/HiveNetCode/distributed-mls/pkg/types"

// CACMessage is the CAC Broadcast wire payload, generic over neither the
// commit nor the CAC2Content type at the wire layer: the optionally
// piggybacked message is carried as an opaque, already-encoded blob, and
// internal/cac decodes it with the message type's own codec.
type CACMessage struct {
	Role        types.Role
	Sigs        []types.AuthContent
	HasMessage  bool
	MessageBody []byte
}

func WriteCACMessage(w *Writer, m CACMessage) {
	w.WriteU8(uint8(m.Role))
	WriteList(w, m.Sigs, WriteAuthContent)
	if m.HasMessage {
		w.WriteU8(1)
		w.WriteBytes(m.MessageBody)
	} else {
		w.WriteU8(0)
	}
}

func ReadCACMessage(r *Reader) (CACMessage, error) {
	var m CACMessage

	role, err := r.ReadU8()
	if err != nil {
		return m, err
	}
	sigs, err := ReadList(r, ReadAuthContent)
	if err != nil {
		return m, err
	}
	present, err := r.ReadU8()
	if err != nil {
		return m, err
	}

	m.Role = types.Role(role)
	m.Sigs = sigs
	if present == 1 {
		body, err := r.ReadBytes()
		if err != nil {
			return m, err
		}
		m.HasMessage = true
		m.MessageBody = body
	}
	return m, nil
}

func MarshalCACMessage(m CACMessage) []byte {
	w := NewWriter()
	WriteCACMessage(w, m)
	return w.Bytes()
}

func UnmarshalCACMessage(buf []byte) (CACMessage, error) {
	return ReadCACMessage(NewReader(buf))
}
