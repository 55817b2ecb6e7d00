// Package bot turns chat events into session and job operations and job
// outcomes into chat messages. It keeps no business state of its own.
package bot

import (
	"encoding/json"
	"strings"

	apperrors "github.com/mediafetch/backend/internal/errors"
	"github.com/mediafetch/backend/internal/resolver"
)

// Event is an inbound chat event
type Event interface {
	isEvent()
}

// Command is a slash command such as /download <url>
type Command struct {
	Name string
	Args []string
}

// Callback is a keyboard button press. MessageID is the message the
// keyboard belongs to.
type Callback struct {
	Data      string
	MessageID string
}

func (Command) isEvent()  {}
func (Callback) isEvent() {}

const (
	CmdStart    = "start"
	CmdHelp     = "help"
	CmdDownload = "download"
	CmdCancel   = "cancel"
	CmdStats    = "stats"
)

// eventJSON is the wire form shared by the HTTP API and the WebSocket
type eventJSON struct {
	Type      string   `json:"type"`
	Name      string   `json:"name,omitempty"`
	Args      []string `json:"args,omitempty"`
	Text      string   `json:"text,omitempty"`
	Data      string   `json:"data,omitempty"`
	MessageID string   `json:"message_id,omitempty"`
}

// DecodeEvent parses {"type":"command",...}, {"type":"callback",...} or
// {"type":"text","text":"..."} into an Event.
func DecodeEvent(raw []byte) (Event, error) {
	var in eventJSON
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, apperrors.BadRequest("invalid event JSON").WithCause(err)
	}

	switch in.Type {
	case "command":
		name := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(in.Name), "/"))
		if name == "" {
			return nil, apperrors.InvalidInput("command name is required")
		}
		return Command{Name: name, Args: in.Args}, nil
	case "callback":
		if in.Data == "" {
			return nil, apperrors.MalformedCallback(in.Data)
		}
		return Callback{Data: in.Data, MessageID: in.MessageID}, nil
	case "text":
		cmd, ok := ParseText(in.Text)
		if !ok {
			return nil, apperrors.InvalidInput("text is neither a command nor a link")
		}
		return cmd, nil
	default:
		return nil, apperrors.InvalidInput("unknown event type: " + in.Type)
	}
}

// ParseText turns a chat line into a command. "/download <url>" and a bare
// link both become a download command.
func ParseText(text string) (Command, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Command{}, false
	}

	if strings.HasPrefix(fields[0], "/") {
		name := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
		// group chats append the bot name: /download@somebot
		if i := strings.IndexByte(name, '@'); i >= 0 {
			name = name[:i]
		}
		if name == "" {
			return Command{}, false
		}
		return Command{Name: name, Args: fields[1:]}, true
	}

	if resolver.ValidURL(fields[0]) {
		return Command{Name: CmdDownload, Args: fields[:1]}, true
	}
	return Command{}, false
}
