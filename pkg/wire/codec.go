// Copyright HiveNet. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package wire implements the binary encoding of every message defined in
// spec.md §6: length-prefixed peer transport frames, the DDSMessage
// envelope and its nested cascade-consensus messages, and the PKI/Directory
// request/response protocol. Integers are big-endian, byte blobs are
// u32-length-prefixed, and strings are NUL-terminated, matching
// original_source/src/message.hpp's netRead/netWrite conventions.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Writer accumulates a message body using the wire's primitive encodings.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer { return &Writer{} }

func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) WriteU8(v uint8) *Writer {
	w.buf = append(w.buf, v)
	return w
}

func (w *Writer) WriteU16(v uint16) *Writer {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
	return w
}

func (w *Writer) WriteU32(v uint32) *Writer {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
	return w
}

func (w *Writer) WriteU64(v uint64) *Writer {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
	return w
}

// WriteBytes writes a u32 big-endian length prefix followed by content.
func (w *Writer) WriteBytes(content []byte) *Writer {
	w.WriteU32(uint32(len(content)))
	w.buf = append(w.buf, content...)
	return w
}

// WriteString writes s followed by a NUL terminator. s must not itself
// contain a NUL byte.
func (w *Writer) WriteString(s string) *Writer {
	w.buf = append(w.buf, []byte(s)...)
	w.buf = append(w.buf, 0)
	return w
}

// WriteList writes a u32 count followed by each element, encoded by write.
func WriteList[T any](w *Writer, list []T, write func(*Writer, T)) {
	w.WriteU32(uint32(len(list)))
	for _, elt := range list {
		write(w, elt)
	}
}

// WriteOptional writes a presence byte followed by the encoded value if
// present.
func WriteOptional[T any](w *Writer, value *T, write func(*Writer, T)) {
	if value == nil {
		w.WriteU8(0)
		return
	}
	w.WriteU8(1)
	write(w, *value)
}

// Reader consumes a message body written by Writer.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

var ErrTruncated = errors.New("wire: truncated message")

func (r *Reader) require(n int) error {
	if r.pos+n > len(r.buf) {
		return ErrTruncated
	}
	return nil
}

func (r *Reader) ReadU8() (uint8, error) {
	if err := r.require(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *Reader) ReadU16() (uint16, error) {
	if err := r.require(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *Reader) ReadU32() (uint32, error) {
	if err := r.require(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *Reader) ReadU64() (uint64, error) {
	if err := r.require(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *Reader) ReadBytes() ([]byte, error) {
	size, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	if err := r.require(int(size)); err != nil {
		return nil, err
	}
	content := make([]byte, size)
	copy(content, r.buf[r.pos:r.pos+int(size)])
	r.pos += int(size)
	return content, nil
}

func (r *Reader) ReadString() (string, error) {
	start := r.pos
	for r.pos < len(r.buf) {
		if r.buf[r.pos] == 0 {
			s := string(r.buf[start:r.pos])
			r.pos++
			return s, nil
		}
		r.pos++
	}
	return "", ErrTruncated
}

func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

func (r *Reader) AtEnd() bool { return r.pos == len(r.buf) }

// ReadList reads a u32 count followed by that many elements via read.
func ReadList[T any](r *Reader, read func(*Reader) (T, error)) ([]T, error) {
	count, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	list := make([]T, 0, count)
	for i := uint32(0); i < count; i++ {
		elt, err := read(r)
		if err != nil {
			return nil, err
		}
		list = append(list, elt)
	}
	return list, nil
}

// ReadOptional reads a presence byte and, if set, the decoded value.
func ReadOptional[T any](r *Reader, read func(*Reader) (T, error)) (*T, error) {
	present, err := r.ReadU8()
	if err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, nil
	}
	v, err := read(r)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// WriteFramed prefixes payload with its u32 big-endian length, the peer
// transport's frame format.
func WriteFramed(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "write frame header")
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Wrap(err, "write frame payload")
	}
	return nil
}

// ReadFramed reads one length-prefixed frame from r.
func ReadFramed(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Wrap(err, "read frame payload")
	}
	return payload, nil
}
