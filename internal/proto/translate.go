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

package proto

import (
	"encoding/binary"
	"fmt"
	"strconv"
)

// EncodedRequest is a fully-built downstream wire frame plus the bookkeeping
// a translator leaves behind for the caller to interpret the eventual
// response (which ASCII verb produced it, its noreply flag, and whether it
// was an add or a replace).
type EncodedRequest struct {
	Wire      []byte
	Verb      string
	NoReply   bool
	WasAdd    bool
	WasReplace bool
}

// TranslateA2A passes an ASCII command through unmodified: the backend also
// speaks ASCII, so no wire transform is needed beyond re-serializing the
// parsed line.
func TranslateA2A(cmd AsciiCommand) []byte {
	return asciiLine(cmd)
}

// TranslateA2B turns a parsed ASCII command into a binary request frame
// using the static command table.
func TranslateA2B(cmd AsciiCommand, vbucket int, opaque uint32) (EncodedRequest, error) {
	spec, ok := LookupCommand(cmd.Name)
	if !ok {
		return EncodedRequest{}, &ClientError{Msg: "unknown command " + cmd.Name}
	}

	extras, key, value, err := buildExtras(spec, cmd)
	if err != nil {
		return EncodedRequest{}, err
	}

	h := Header{
		Magic:           MagicRequest,
		Opcode:          spec.OpcodeForReply(cmd.NoReply),
		VBucketOrStatus: uint16(vbucket),
		Opaque:          opaque,
	}
	for _, arg := range spec.ExtArgs {
		if arg == ArgCAS {
			cas, convErr := argUint64(cmd.Args, 4)
			if convErr != nil {
				return EncodedRequest{}, convErr
			}
			h.CAS = cas
		}
	}
	wire := Encode(h, extras, key, value)
	return EncodedRequest{
		Wire:       wire,
		Verb:       cmd.Name,
		NoReply:    cmd.NoReply,
		WasAdd:     cmd.Name == "add",
		WasReplace: cmd.Name == "replace",
	}, nil
}

// TranslateB2B rewrites only the vbucket field of a binary request before
// forwarding it unchanged to a binary backend.
func TranslateB2B(p Packet, vbucket int) []byte {
	h := p.Header
	h.VBucketOrStatus = uint16(vbucket)
	return Encode(h, p.Extras, p.Key, p.Value)
}

func buildExtras(spec CommandSpec, cmd AsciiCommand) (extras, key, value []byte, err error) {
	key = []byte(cmd.Key())
	value = cmd.Value

	for _, arg := range spec.ExtArgs {
		switch arg {
		case ArgFlags:
			flags, convErr := argUint32(cmd.Args, 1)
			if convErr != nil {
				return nil, nil, nil, convErr
			}
			extras = appendUint32(extras, flags)
		case ArgExptime:
			exptime, convErr := argUint32(cmd.Args, 2)
			if convErr != nil {
				return nil, nil, nil, convErr
			}
			extras = appendUint32(extras, exptime)
		case ArgDelta:
			delta, convErr := argUint64(cmd.Args, 1)
			if convErr != nil {
				return nil, nil, nil, convErr
			}
			// incr/decr extras: delta(8) initial(8) expiration(4); this proxy
			// never creates missing keys on incr/decr, so initial=0,
			// expiration=0xffffffff per the binary protocol's "do not
			// auto-create" sentinel.
			extras = appendUint64(extras, delta)
			extras = appendUint64(extras, 0)
			extras = appendUint32(extras, 0xffffffff)
		case ArgCAS:
			// CAS travels in the header field, not extras; nothing to append.
		}
	}
	return extras, key, value, nil
}

func argUint32(args []string, idx int) (uint32, error) {
	if idx >= len(args) {
		return 0, &ClientError{Msg: "bad command line format"}
	}
	n, err := strconv.ParseUint(args[idx], 10, 32)
	if err != nil {
		return 0, &ClientError{Msg: "bad command line format"}
	}
	return uint32(n), nil
}

func argUint64(args []string, idx int) (uint64, error) {
	if idx >= len(args) {
		return 0, &ClientError{Msg: "bad command line format"}
	}
	n, err := strconv.ParseUint(args[idx], 10, 64)
	if err != nil {
		return 0, &ClientError{Msg: "bad command line format"}
	}
	return n, nil
}

func appendUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendUint64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func asciiLine(cmd AsciiCommand) []byte {
	line := cmd.Name
	for _, a := range cmd.Args {
		line += " " + a
	}
	if cmd.NoReply {
		line += " noreply"
	}
	line += "\r\n"
	out := []byte(line)
	if cmd.Value != nil {
		out = append(out, cmd.Value...)
		out = append(out, '\r', '\n')
	}
	return out
}

// DecodeBinaryValue renders a successful binary GET response body (4-byte
// flags extras + value) as an ASCII VALUE line.
func DecodeBinaryValue(key string, p Packet, withCAS bool) string {
	var flags uint32
	if len(p.Extras) >= 4 {
		flags = binary.BigEndian.Uint32(p.Extras)
	}
	if withCAS {
		return fmt.Sprintf("VALUE %s %d %d %d\r\n", key, flags, len(p.Value), p.Header.CAS)
	}
	return fmt.Sprintf("VALUE %s %d %d\r\n", key, flags, len(p.Value))
}
