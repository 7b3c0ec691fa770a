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

// ArgSource names which ASCII token supplies a given binary field.
type ArgSource int

const (
	ArgNone ArgSource = iota
	ArgKey
	ArgFlags
	ArgExptime
	ArgDelta
	ArgCAS
)

// CommandSpec is one row of the static ASCII<->binary command table: the
// target binary opcode, its quiet variant, the extras layout, and whether
// the command is a broadcast.
type CommandSpec struct {
	ASCII       string
	Opcode      Opcode
	QuietOpcode Opcode // 0 if the command has no quiet form
	ExtArgs     []ArgSource
	Broadcast   bool
}

// CommandTable is static after initialization; nothing mutates it at
// runtime.
var CommandTable = map[string]CommandSpec{
	"get":        {ASCII: "get", Opcode: OpGet, ExtArgs: nil},
	"gets":       {ASCII: "gets", Opcode: OpGet, ExtArgs: nil},
	"set":        {ASCII: "set", Opcode: OpSet, QuietOpcode: OpSetQ, ExtArgs: []ArgSource{ArgFlags, ArgExptime}},
	"add":        {ASCII: "add", Opcode: OpAdd, QuietOpcode: OpAddQ, ExtArgs: []ArgSource{ArgFlags, ArgExptime}},
	"replace":    {ASCII: "replace", Opcode: OpReplace, QuietOpcode: OpReplaceQ, ExtArgs: []ArgSource{ArgFlags, ArgExptime}},
	"append":     {ASCII: "append", Opcode: OpAppend, QuietOpcode: OpAppendQ, ExtArgs: nil},
	"prepend":    {ASCII: "prepend", Opcode: OpPrepend, QuietOpcode: OpPrependQ, ExtArgs: nil},
	"cas":        {ASCII: "cas", Opcode: OpSet, ExtArgs: []ArgSource{ArgFlags, ArgExptime, ArgCAS}},
	"delete":     {ASCII: "delete", Opcode: OpDelete, QuietOpcode: OpDeleteQ, ExtArgs: nil},
	"incr":       {ASCII: "incr", Opcode: OpIncrement, QuietOpcode: OpIncrementQ, ExtArgs: []ArgSource{ArgDelta}},
	"decr":       {ASCII: "decr", Opcode: OpDecrement, QuietOpcode: OpDecrementQ, ExtArgs: []ArgSource{ArgDelta}},
	"flush_all":  {ASCII: "flush_all", Opcode: OpFlush, QuietOpcode: OpFlushQ, ExtArgs: nil, Broadcast: true},
	"stats":      {ASCII: "stats", Opcode: OpStat, ExtArgs: nil, Broadcast: true},
	"version":    {ASCII: "version", Opcode: OpVersion, ExtArgs: nil, Broadcast: true},
}

// LookupCommand returns the table entry for an ASCII verb.
func LookupCommand(verb string) (CommandSpec, bool) {
	spec, ok := CommandTable[verb]
	return spec, ok
}

// OpcodeForReply picks the opcode to send downstream: the quiet variant when
// noReply is set and one exists, the plain opcode otherwise.
func (c CommandSpec) OpcodeForReply(noReply bool) Opcode {
	if noReply && c.QuietOpcode != 0 {
		return c.QuietOpcode
	}
	return c.Opcode
}

// ASCIIError renders a binary response status into the ASCII line this proxy
// writes upstream. wasAdd and wasReplace disambiguate KEY_ENOENT/KEY_EEXISTS,
// whose ASCII rendering depends on which storage command produced them.
func ASCIIError(status Status, wasAdd, wasReplace bool) string {
	switch status {
	case StatusSuccess:
		return "STORED\r\n"
	case StatusKeyNotFound:
		if wasReplace {
			return "NOT_STORED\r\n"
		}
		return "NOT_FOUND\r\n"
	case StatusKeyExists:
		if wasAdd {
			return "NOT_STORED\r\n"
		}
		return "EXISTS\r\n"
	case StatusValueTooLarge:
		return "SERVER_ERROR a2b e2big\r\n"
	case StatusInvalidArgs:
		return "SERVER_ERROR a2b einval\r\n"
	case StatusItemNotStored:
		return "NOT_STORED\r\n"
	case StatusNonNumeric:
		return "SERVER_ERROR a2b delta_badval\r\n"
	case StatusAuthError:
		return "SERVER_ERROR a2b auth_error\r\n"
	case StatusTemporaryFailure:
		return "SERVER_ERROR temporary failure\r\n"
	default:
		// StatusVBucketBelongsToAnotherServer lands here only once the
		// retry budget is exhausted; before that the retry path intercepts
		// it and this function is not called.
		return "SERVER_ERROR a2b error\r\n"
	}
}
