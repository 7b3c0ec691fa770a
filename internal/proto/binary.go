// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package proto implements the memcached wire protocol this proxy speaks on
// both sides: the 24-byte binary header, the ASCII line protocol, the
// static ASCII<->binary command table, and the binary->ASCII error mapping.
// It has no knowledge of sockets or pools — it only turns bytes into typed
// commands/responses and back.
package proto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// HeaderLen is the fixed size of a binary protocol header.
const HeaderLen = 24

const (
	MagicRequest  byte = 0x80
	MagicResponse byte = 0x81
)

// Opcode is a binary protocol command code.
type Opcode byte

const (
	OpGet        Opcode = 0x00
	OpSet        Opcode = 0x01
	OpAdd        Opcode = 0x02
	OpReplace    Opcode = 0x03
	OpDelete     Opcode = 0x04
	OpIncrement  Opcode = 0x05
	OpDecrement  Opcode = 0x06
	OpQuit       Opcode = 0x07
	OpFlush      Opcode = 0x08
	OpGetQ       Opcode = 0x09
	OpNoop       Opcode = 0x0a
	OpVersion    Opcode = 0x0b
	OpGetK       Opcode = 0x0c
	OpGetKQ      Opcode = 0x0d
	OpAppend     Opcode = 0x0e
	OpPrepend    Opcode = 0x0f
	OpStat       Opcode = 0x10
	OpSetQ       Opcode = 0x11
	OpAddQ       Opcode = 0x12
	OpReplaceQ   Opcode = 0x13
	OpDeleteQ    Opcode = 0x14
	OpIncrementQ Opcode = 0x15
	OpDecrementQ Opcode = 0x16
	OpQuitQ      Opcode = 0x17
	OpFlushQ     Opcode = 0x18
	OpAppendQ    Opcode = 0x19
	OpPrependQ   Opcode = 0x1a

	OpSASLListMechs Opcode = 0x20
	OpSASLAuth      Opcode = 0x21
	OpSASLStep      Opcode = 0x22

	// OpSelectBucket is an undocumented opcode issued after a successful
	// SASL handshake when a bucket name is configured. NOT_SUPPORTED is
	// treated as success for older servers.
	OpSelectBucket Opcode = 0x89
)

// Status is a binary protocol response status.
type Status uint16

const (
	StatusSuccess                       Status = 0x0000
	StatusKeyNotFound                   Status = 0x0001
	StatusKeyExists                     Status = 0x0002
	StatusValueTooLarge                 Status = 0x0003 // E2BIG
	StatusInvalidArgs                   Status = 0x0004 // EINVAL
	StatusItemNotStored                 Status = 0x0005
	StatusNonNumeric                    Status = 0x0006 // DELTA_BADVAL
	StatusVBucketBelongsToAnotherServer Status = 0x0007 // NOT_MY_VBUCKET
	StatusAuthError                     Status = 0x0008
	StatusAuthContinue                  Status = 0x0009
	StatusUnknownCommand                Status = 0x0081
	StatusOutOfMemory                   Status = 0x0082
	StatusNotSupported                  Status = 0x0083
	StatusInternalError                 Status = 0x0084
	StatusBusy                          Status = 0x0085 // EBUSY
	StatusTemporaryFailure              Status = 0x0086 // ETMPFAIL
)

// Header is the canonical 24-byte binary protocol header:
// magic(1) opcode(1) keylen(2,BE) extlen(1) datatype(1) vbucket-or-status(2,BE)
// bodylen(4,BE) opaque(4) cas(8).
type Header struct {
	Magic    byte
	Opcode   Opcode
	KeyLen   uint16
	ExtLen   uint8
	DataType uint8
	// VBucketOrStatus carries the vbucket id on a request and the Status on
	// a response; both occupy the same wire position.
	VBucketOrStatus uint16
	BodyLen         uint32
	Opaque          uint32
	CAS             uint64
}

func (h Header) Status() Status { return Status(h.VBucketOrStatus) }
func (h Header) VBucket() int   { return int(h.VBucketOrStatus) }

// ReadHeader reads and validates a 24-byte binary header from r. The magic
// byte must equal wantMagic (0x80 for requests read from an upstream, 0x81
// for responses read from a downstream); any other value is returned as an
// error.
func ReadHeader(r io.Reader, wantMagic byte) (Header, error) {
	var buf [HeaderLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	h := Header{
		Magic:           buf[0],
		Opcode:          Opcode(buf[1]),
		KeyLen:          binary.BigEndian.Uint16(buf[2:4]),
		ExtLen:          buf[4],
		DataType:        buf[5],
		VBucketOrStatus: binary.BigEndian.Uint16(buf[6:8]),
		BodyLen:         binary.BigEndian.Uint32(buf[8:12]),
		Opaque:          binary.BigEndian.Uint32(buf[12:16]),
		CAS:             binary.BigEndian.Uint64(buf[16:24]),
	}
	if h.Magic != wantMagic {
		return h, fmt.Errorf("proto: bad magic byte 0x%02x, want 0x%02x", h.Magic, wantMagic)
	}
	return h, nil
}

// Bytes serializes h into a 24-byte buffer.
func (h Header) Bytes() []byte {
	buf := make([]byte, HeaderLen)
	buf[0] = h.Magic
	buf[1] = byte(h.Opcode)
	binary.BigEndian.PutUint16(buf[2:4], h.KeyLen)
	buf[4] = h.ExtLen
	buf[5] = h.DataType
	binary.BigEndian.PutUint16(buf[6:8], h.VBucketOrStatus)
	binary.BigEndian.PutUint32(buf[8:12], h.BodyLen)
	binary.BigEndian.PutUint32(buf[12:16], h.Opaque)
	binary.BigEndian.PutUint64(buf[16:24], h.CAS)
	return buf
}

// Packet is a fully-parsed binary frame: header plus the extras/key/value
// that BodyLen = ExtLen + KeyLen + len(Value) implies.
type Packet struct {
	Header Header
	Extras []byte
	Key    []byte
	Value  []byte
}

// ReadPacket reads a complete request or response frame, whichever magic
// wantMagic names.
func ReadPacket(r io.Reader, wantMagic byte) (Packet, error) {
	h, err := ReadHeader(r, wantMagic)
	if err != nil {
		return Packet{}, err
	}
	rest := make([]byte, h.BodyLen)
	if h.BodyLen > 0 {
		if _, err := io.ReadFull(r, rest); err != nil {
			return Packet{}, err
		}
	}
	if int(h.ExtLen)+int(h.KeyLen) > len(rest) {
		return Packet{}, fmt.Errorf("proto: bodylen %d too small for extlen %d + keylen %d", h.BodyLen, h.ExtLen, h.KeyLen)
	}
	p := Packet{Header: h}
	p.Extras = rest[:h.ExtLen]
	p.Key = rest[h.ExtLen : int(h.ExtLen)+int(h.KeyLen)]
	p.Value = rest[int(h.ExtLen)+int(h.KeyLen):]
	return p, nil
}

// Encode serializes a packet to the wire, computing BodyLen and KeyLen/ExtLen
// from the slice lengths given.
func Encode(h Header, extras, key, value []byte) []byte {
	h.ExtLen = uint8(len(extras))
	h.KeyLen = uint16(len(key))
	h.BodyLen = uint32(len(extras) + len(key) + len(value))
	out := make([]byte, 0, HeaderLen+int(h.BodyLen))
	out = append(out, h.Bytes()...)
	out = append(out, extras...)
	out = append(out, key...)
	out = append(out, value...)
	return out
}

// IsQuiet reports whether opcode is a "quiet" (noreply) variant.
func (o Opcode) IsQuiet() bool {
	switch o {
	case OpGetQ, OpGetKQ, OpSetQ, OpAddQ, OpReplaceQ, OpDeleteQ, OpIncrementQ, OpDecrementQ, OpQuitQ, OpFlushQ, OpAppendQ, OpPrependQ:
		return true
	default:
		return false
	}
}
