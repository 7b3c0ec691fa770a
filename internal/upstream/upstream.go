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

// Package upstream implements the client-facing connection state machine:
// protocol sniffing, ASCII/binary command parsing, and classification of the
// resulting Command. It never talks to backends directly: internal/proxy's
// Engine reads each Command through ReadCommand and makes the forwarding
// decisions.
package upstream

import (
	"bufio"
	"io"
	"time"

	"moxi/internal/proto"
)

// Protocol is the wire protocol a Conn speaks.
type Protocol int

const (
	// ProtoAuto sniffs the first byte of the first command to decide.
	ProtoAuto Protocol = iota
	ProtoAscii
	ProtoBinary
)

// Conn is one upstream client connection.
type Conn struct {
	ID       string
	rw       io.ReadWriteCloser
	br       *bufio.Reader
	protocol Protocol
	sniffed  bool
}

// New wraps rw as an upstream connection configured for the given protocol
// (ProtoAuto to sniff on first read).
func New(id string, rw io.ReadWriteCloser, configured Protocol) *Conn {
	return &Conn{ID: id, rw: rw, br: bufio.NewReader(rw), protocol: configured}
}

// Protocol returns the connection's resolved protocol. Before the first
// command is read on a ProtoAuto connection this is still ProtoAuto.
func (c *Conn) Protocol() Protocol { return c.protocol }

func (c *Conn) Write(p []byte) (int, error) { return c.rw.Write(p) }
func (c *Conn) Close() error                { return c.rw.Close() }

// Command is one fully-parsed client command, in whichever wire format the
// connection speaks.
type Command struct {
	Ascii    *proto.AsciiCommand
	Binary   *proto.Packet
	CmdStart time.Time
}

// Key returns the routing key for the command, empty for broadcast/unknown.
func (c Command) Key() string {
	if c.Ascii != nil {
		return c.Ascii.Key()
	}
	if c.Binary != nil {
		return string(c.Binary.Key)
	}
	return ""
}

// NoReply reports whether the client asked to suppress the reply (ASCII
// "noreply" suffix or a binary quiet opcode).
func (c Command) NoReply() bool {
	if c.Ascii != nil {
		return c.Ascii.NoReply
	}
	if c.Binary != nil {
		return c.Binary.Header.Opcode.IsQuiet()
	}
	return false
}

// broadcastBinaryOps are the binary opcodes that fan out to every server:
// flush, stats, version, and NOOP.
var broadcastBinaryOps = map[proto.Opcode]bool{
	proto.OpFlush: true, proto.OpFlushQ: true,
	proto.OpStat: true, proto.OpVersion: true, proto.OpNoop: true,
}

// IsBroadcast reports whether this command fans out to every server rather
// than routing to one.
func (c Command) IsBroadcast() bool {
	if c.Ascii != nil {
		spec, ok := proto.LookupCommand(c.Ascii.Name)
		return ok && spec.Broadcast
	}
	if c.Binary != nil {
		return broadcastBinaryOps[c.Binary.Header.Opcode]
	}
	return false
}

// IsMultiGet reports whether this is a multi-key ASCII get/gets, which is a
// broadcast-with-gather. It is squashed across clients only when
// Behavior.MultiGetSquash is on and routing is not by vbucket.
func (c Command) IsMultiGet() bool {
	return c.Ascii != nil && c.Ascii.IsMultiGet()
}

// Unknown reports whether this is an unrecognized ASCII verb. Unknown
// commands get ERROR\r\n (ascii) without touching any downstream. Binary
// commands are never reported unknown: no opcode check is made, and a
// binary command with an unrecognized opcode is forwarded like any other.
func (c Command) Unknown() bool {
	if c.Ascii == nil {
		return false
	}
	_, ok := proto.LookupCommand(c.Ascii.Name)
	return !ok
}

// ReadCommand reads one command from the connection, sniffing the protocol
// on the very first read of a ProtoAuto connection: the first byte decides
// ascii vs binary when the configured protocol is auto, and the decision
// sticks for the rest of the connection's life.
func (c *Conn) ReadCommand() (Command, error) {
	start := time.Now()

	if c.protocol == ProtoAuto && !c.sniffed {
		first, err := c.br.Peek(1)
		if err != nil {
			return Command{}, err
		}
		if first[0] == proto.MagicRequest {
			c.protocol = ProtoBinary
		} else {
			c.protocol = ProtoAscii
		}
		c.sniffed = true
	}

	if c.protocol == ProtoBinary {
		p, err := proto.ReadPacket(c.br, proto.MagicRequest)
		if err != nil {
			return Command{}, err
		}
		return Command{Binary: &p, CmdStart: start}, nil
	}

	cmd, err := proto.ParseCommand(c.br)
	if err != nil {
		return Command{}, err
	}
	return Command{Ascii: &cmd, CmdStart: start}, nil
}
