// Package filesync implements the adb file sync service: stat, list, pull and push
// over a connection switched into sync mode.
package filesync

import (
	"github.com/skobkin/adbwire/internal/wire"
)

// Command is a four byte sync record tag.
type Command uint32

const (
	CmdStat Command = iota + 1
	CmdList
	CmdSend
	CmdRecv
	CmdDent
	CmdDone
	CmdData
	CmdOkay
	CmdFail
	CmdQuit
	CmdStat2
	CmdLstat2
)

var commandTags = map[Command]string{
	CmdStat:   "STAT",
	CmdList:   "LIST",
	CmdSend:   "SEND",
	CmdRecv:   "RECV",
	CmdDent:   "DENT",
	CmdDone:   "DONE",
	CmdData:   "DATA",
	CmdOkay:   "OKAY",
	CmdFail:   "FAIL",
	CmdQuit:   "QUIT",
	CmdStat2:  "STA2",
	CmdLstat2: "LST2",
}

var tagCommands = func() map[string]Command {
	out := make(map[string]Command, len(commandTags))
	for cmd, tag := range commandTags {
		out[tag] = cmd
	}

	return out
}()

func (c Command) String() string {
	if tag, ok := commandTags[c]; ok {
		return tag
	}

	return "INVALID"
}

// Bytes returns the wire tag. It panics for values outside the declared set.
func (c Command) Bytes() [4]byte {
	tag, ok := commandTags[c]
	if !ok {
		panic("filesync: invalid command")
	}

	return [4]byte{tag[0], tag[1], tag[2], tag[3]}
}

// ParseCommand maps a wire tag to a Command. Unknown tags are a protocol violation.
func ParseCommand(tag []byte) (Command, error) {
	if cmd, ok := tagCommands[string(tag)]; ok && len(tag) == 4 {
		return cmd, nil
	}

	return 0, &wire.ProtocolError{Op: "parse sync command", Got: string(tag)}
}
