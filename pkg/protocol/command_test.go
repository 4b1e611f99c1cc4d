package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		isCommand bool
		cmdName   string
		args      []string
	}{
		{
			name:      "login",
			line:      "/login alice secret",
			isCommand: true,
			cmdName:   "login",
			args:      []string{"alice", "secret"},
		},
		{
			name:      "upload with four args",
			line:      "/upload_file 3 cat.png 2048 image",
			isCommand: true,
			cmdName:   "upload_file",
			args:      []string{"3", "cat.png", "2048", "image"},
		},
		{
			name:      "bare command",
			line:      "/getchats",
			isCommand: true,
			cmdName:   "getchats",
		},
		{
			name:      "case-insensitive name",
			line:      "/LOGIN alice secret",
			isCommand: true,
			cmdName:   "login",
			args:      []string{"alice", "secret"},
		},
		{
			name:      "trailing CRLF stripped",
			line:      "/join 5\r\n",
			isCommand: true,
			cmdName:   "join",
			args:      []string{"5"},
		},
		{
			name:      "plaintext chat",
			line:      "hello everyone",
			isCommand: false,
		},
		{
			name:      "plaintext starting with space",
			line:      " /not a command",
			isCommand: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, ok := ParseLine(tt.line)
			assert.Equal(t, tt.isCommand, ok)
			if !tt.isCommand {
				return
			}
			assert.Equal(t, tt.cmdName, cmd.Name)
			assert.Equal(t, tt.args, cmd.Args)
		})
	}
}

func TestCommandTail(t *testing.T) {
	cmd, ok := ParseLine("/edit_message 42 this is the new content")
	require.True(t, ok)
	require.Equal(t, "edit_message", cmd.Name)

	id, err := cmd.IntArg(0)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.Equal(t, "this is the new content", cmd.Tail(1))
	assert.Equal(t, "", cmd.Tail(99))
}

func TestIntArgErrors(t *testing.T) {
	cmd, _ := ParseLine("/join abc")

	_, err := cmd.IntArg(0)
	var wireErr *WireError
	require.ErrorAs(t, err, &wireErr)
	assert.Equal(t, ErrMalformedCommand, wireErr.Kind)

	_, err = cmd.IntArg(5)
	require.ErrorAs(t, err, &wireErr)
	assert.Equal(t, ErrMalformedCommand, wireErr.Kind)
}

func TestFormatCommand(t *testing.T) {
	assert.Equal(t, "/getchats", FormatCommand(CmdGetChats))
	assert.Equal(t, "/login alice secret", FormatCommand(CmdLogin, "alice", "secret"))

	// Round trip through the parser.
	cmd, ok := ParseLine(FormatCommand(CmdUploadFile, "3", "cat.png", "2048", "image"))
	require.True(t, ok)
	assert.Equal(t, CmdUploadFile, cmd.Name)
	assert.Equal(t, []string{"3", "cat.png", "2048", "image"}, cmd.Args)
}

func TestParseGroupUpdates(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantName *string
		wantDesc *string
		wantErr  bool
	}{
		{
			name:     "name only",
			text:     "name:Weekend Plans",
			wantName: strPtr("Weekend Plans"),
		},
		{
			name:     "desc only",
			text:     "desc:Plans for the weekend",
			wantDesc: strPtr("Plans for the weekend"),
		},
		{
			name:     "both in order",
			text:     "name:Trip desc:Chat about the trip",
			wantName: strPtr("Trip"),
			wantDesc: strPtr("Chat about the trip"),
		},
		{
			name:     "both reversed",
			text:     "desc:The plan name:Plan B",
			wantName: strPtr("Plan B"),
			wantDesc: strPtr("The plan"),
		},
		{
			name:    "neither",
			text:    "something else",
			wantErr: true,
		},
		{
			name:    "empty",
			text:    "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upd, err := ParseGroupUpdates(tt.text)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, upd.Name)
			assert.Equal(t, tt.wantDesc, upd.Description)
		})
	}
}

func strPtr(s string) *string { return &s }
