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

// Package downstream implements the backend-facing connection state machine:
// writing a translated request to a backend socket, parsing its response in
// either wire format, and the binary SASL PLAIN + SELECT_BUCKET handshake
// for downstream connections.
package downstream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"moxi/internal/proto"
)

// Conn is one backend connection, reserved by at most one Request at a
// time: a live fd is always in exactly one of {idle in the pool, reserved
// by a Request, closed}.
type Conn struct {
	Identity string
	Ascii    bool

	rw io.ReadWriteCloser
	br *bufio.Reader
}

// New wraps rw as a downstream connection for the given pool identity.
func New(identity string, rw io.ReadWriteCloser, ascii bool) *Conn {
	return &Conn{Identity: identity, Ascii: ascii, rw: rw, br: bufio.NewReader(rw)}
}

func (c *Conn) Close() error { return c.rw.Close() }

// WriteWire writes an already-encoded request frame (from
// internal/proto.TranslateA2A/A2B/B2B) to the backend socket.
func (c *Conn) WriteWire(wire []byte) error {
	_, err := c.rw.Write(wire)
	return err
}

// ReadBinaryResponse reads one complete binary response frame.
func (c *Conn) ReadBinaryResponse() (proto.Packet, error) {
	return proto.ReadPacket(c.br, proto.MagicResponse)
}

// AsciiValue is one VALUE line plus its data, from an ASCII get/gets
// response.
type AsciiValue struct {
	Key    string
	Flags  uint32
	Bytes  int
	CAS    uint64
	HasCAS bool
	Data   []byte
}

// ReadAsciiGetResponse reads a sequence of "VALUE <key> <flags> <bytes>
// [<cas>]\r\n<data>\r\n" frames terminated by "END\r\n".
func (c *Conn) ReadAsciiGetResponse() ([]AsciiValue, error) {
	var values []AsciiValue
	for {
		line, err := c.readLine()
		if err != nil {
			return nil, err
		}
		if line == "END" {
			return values, nil
		}
		fields := strings.Fields(line)
		if len(fields) < 4 || fields[0] != "VALUE" {
			return nil, fmt.Errorf("downstream: malformed VALUE line %q", line)
		}
		n, err := strconv.Atoi(fields[3])
		if err != nil {
			return nil, fmt.Errorf("downstream: bad byte count in %q: %w", line, err)
		}
		v := AsciiValue{Key: fields[1], Bytes: n}
		if flags, err := strconv.ParseUint(fields[2], 10, 32); err == nil {
			v.Flags = uint32(flags)
		}
		if len(fields) >= 5 {
			if cas, err := strconv.ParseUint(fields[4], 10, 64); err == nil {
				v.CAS = cas
				v.HasCAS = true
			}
		}
		body := make([]byte, n+2)
		if _, err := io.ReadFull(c.br, body); err != nil {
			return nil, err
		}
		v.Data = body[:n]
		values = append(values, v)
	}
}

// ReadAsciiLine reads one single-line response: STORED, NOT_FOUND, an
// integer reply for incr/decr, or a VERSION line.
func (c *Conn) ReadAsciiLine() (string, error) {
	return c.readLine()
}

// StatLine is one "STAT name value" pair from a broadcast STATS response.
type StatLine struct{ Name, Value string }

// ReadAsciiStats reads "STAT name value\r\n" lines until "END\r\n".
func (c *Conn) ReadAsciiStats() ([]StatLine, error) {
	var lines []StatLine
	for {
		line, err := c.readLine()
		if err != nil {
			return nil, err
		}
		if line == "END" {
			return lines, nil
		}
		fields := strings.SplitN(line, " ", 3)
		if len(fields) != 3 || fields[0] != "STAT" {
			return nil, fmt.Errorf("downstream: malformed STAT line %q", line)
		}
		lines = append(lines, StatLine{Name: fields[1], Value: fields[2]})
	}
}

func (c *Conn) readLine() (string, error) {
	line, err := c.br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// saslMechPlain is the only SASL mechanism this proxy uses for downstream
// auth.
const saslMechPlain = "PLAIN"

// AuthPlain performs the binary SASL PLAIN handshake: mech="PLAIN", body =
// "\0user\0pass". NOT_SUPPORTED is treated as success, for downstreams that
// predate SASL.
func (c *Conn) AuthPlain(user, pass string) error {
	body := []byte("\x00" + user + "\x00" + pass)
	h := proto.Header{Magic: proto.MagicRequest, Opcode: proto.OpSASLAuth}
	wire := proto.Encode(h, nil, []byte(saslMechPlain), body)
	if err := c.WriteWire(wire); err != nil {
		return err
	}
	resp, err := c.ReadBinaryResponse()
	if err != nil {
		return err
	}
	switch resp.Header.Status() {
	case proto.StatusSuccess, proto.StatusNotSupported:
		return nil
	default:
		return fmt.Errorf("downstream: SASL auth failed, status 0x%04x", resp.Header.Status())
	}
}

// SelectBucket issues the undocumented post-SASL SELECT_BUCKET opcode
// (0x89) when a bucket name is configured. NOT_SUPPORTED is treated as
// success.
func (c *Conn) SelectBucket(bucket string) error {
	if bucket == "" {
		return nil
	}
	h := proto.Header{Magic: proto.MagicRequest, Opcode: proto.OpSelectBucket}
	wire := proto.Encode(h, nil, []byte(bucket), nil)
	if err := c.WriteWire(wire); err != nil {
		return err
	}
	resp, err := c.ReadBinaryResponse()
	if err != nil {
		return err
	}
	switch resp.Header.Status() {
	case proto.StatusSuccess, proto.StatusNotSupported:
		return nil
	default:
		return fmt.Errorf("downstream: SELECT_BUCKET failed, status 0x%04x", resp.Header.Status())
	}
}

// ErrAuthFailed is returned by Handshake when the backend rejects SASL
// credentials outright (not merely NOT_SUPPORTED).
var ErrAuthFailed = errors.New("downstream: authentication failed")

// Handshake runs AuthPlain (skipped when user is empty) followed by
// SelectBucket (skipped when bucket is empty). cmd/moxi's dialer runs it on
// a fresh binary downstream connection when SASL credentials are configured.
func (c *Conn) Handshake(user, pass, bucket string) error {
	if user != "" {
		if err := c.AuthPlain(user, pass); err != nil {
			return fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
	}
	return c.SelectBucket(bucket)
}
