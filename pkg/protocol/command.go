package protocol

import (
	"strconv"
	"strings"
)

// CommandSigil prefixes every client command line. Lines without it are
// plaintext chat content for the sender's current room.
const CommandSigil = "/"

// Command names understood by the server.
const (
	CmdLogin          = "login"
	CmdRegister       = "register"
	CmdLogout         = "logout"
	CmdChat           = "chat"
	CmdJoin           = "join"
	CmdGetChats       = "getchats"
	CmdUploadFile     = "upload_file"
	CmdDownload       = "download"
	CmdDownloadInline = "download_inline"
	CmdEditMessage    = "edit_message"
	CmdDeleteMessage  = "delete_message"
	CmdCreateGroup    = "creategroup"
	CmdLeaveGroup     = "leavegroup"
	CmdGroupInfo      = "groupinfo"
	CmdUpdateGroup    = "updategroup"
	CmdAddMember      = "addmember"
)

// Command is one parsed client command line.
type Command struct {
	Name string
	Args []string

	// tails[i] is the original text from argument i to end of line,
	// for commands whose final argument may contain spaces.
	tails []string
}

// ParseLine parses one client line. The second return value reports whether
// the line was a command; if false, the line is plaintext chat content.
func ParseLine(line string) (Command, bool) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, CommandSigil) {
		return Command{}, false
	}

	rest := line[len(CommandSigil):]
	name, argText, _ := strings.Cut(rest, " ")

	cmd := Command{Name: strings.ToLower(name)}
	remaining := argText
	for {
		remaining = strings.TrimLeft(remaining, " ")
		if remaining == "" {
			break
		}
		cmd.tails = append(cmd.tails, remaining)
		arg, more, found := strings.Cut(remaining, " ")
		cmd.Args = append(cmd.Args, arg)
		if !found {
			break
		}
		remaining = more
	}
	return cmd, true
}

// Tail returns the original text from argument index i to the end of the
// line. Used for trailing free-text arguments like message content.
func (c Command) Tail(i int) string {
	if i < 0 || i >= len(c.tails) {
		return ""
	}
	return c.tails[i]
}

// IntArg parses argument i as an int64.
func (c Command) IntArg(i int) (int64, error) {
	if i >= len(c.Args) {
		return 0, Malformed("missing argument %d for /%s", i+1, c.Name)
	}
	v, err := strconv.ParseInt(c.Args[i], 10, 64)
	if err != nil {
		return 0, Malformed("argument %d of /%s must be a number", i+1, c.Name)
	}
	return v, nil
}

// FormatCommand builds a command line from a name and arguments. Arguments
// are joined with single spaces; the final argument may contain spaces.
func FormatCommand(name string, args ...string) string {
	if len(args) == 0 {
		return CommandSigil + name
	}
	return CommandSigil + name + " " + strings.Join(args, " ")
}

// GroupUpdates holds the optional fields of /updategroup.
type GroupUpdates struct {
	Name        *string
	Description *string
}

// ParseGroupUpdates parses `name:..` and `desc:..` tokens from the text
// following the room id. A value runs until the next recognized key or the
// end of the line.
func ParseGroupUpdates(text string) (GroupUpdates, error) {
	var upd GroupUpdates
	text = strings.TrimSpace(text)
	if text == "" {
		return upd, Malformed("/updategroup needs at least one of name: or desc:")
	}

	type span struct {
		key   string
		start int
	}
	var spans []span
	for _, key := range []string{"name:", "desc:"} {
		if idx := indexOfToken(text, key); idx >= 0 {
			spans = append(spans, span{key: key, start: idx})
		}
	}
	if len(spans) == 0 {
		return upd, Malformed("/updategroup needs at least one of name: or desc:")
	}
	if len(spans) == 2 && spans[0].start > spans[1].start {
		spans[0], spans[1] = spans[1], spans[0]
	}

	for i, sp := range spans {
		end := len(text)
		if i+1 < len(spans) {
			end = spans[i+1].start
		}
		value := strings.TrimSpace(text[sp.start+len(sp.key) : end])
		switch sp.key {
		case "name:":
			upd.Name = &value
		case "desc:":
			upd.Description = &value
		}
	}
	return upd, nil
}

// indexOfToken finds key at the start of the text or after a space, so a
// value containing "name:" mid-word is not treated as a new key.
func indexOfToken(text, key string) int {
	if strings.HasPrefix(text, key) {
		return 0
	}
	if idx := strings.Index(text, " "+key); idx >= 0 {
		return idx + 1
	}
	return -1
}
